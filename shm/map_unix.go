//go:build unix

package shm

import (
	"os"

	"golang.org/x/sys/unix"
)

func mapSegment(f *os.File, size int64, create bool) ([]byte, error) {
	if create {
		if err := f.Truncate(size); err != nil {
			return nil, err
		}
	}
	return unix.Mmap(int(f.Fd()), 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func unmapSegment(data []byte) error {
	return unix.Munmap(data)
}
