//go:build !unix

package shm

import (
	"errors"
	"os"
)

var errNoMmap = errors.New("shm: memory-mapped hubs are not supported on this platform")

func mapSegment(_ *os.File, _ int64, _ bool) ([]byte, error) {
	return nil, errNoMmap
}

func unmapSegment(_ []byte) error { return nil }
