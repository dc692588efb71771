package rapace

import (
	"context"
	"io"
	"sync"

	"github.com/rapace-dev/rapace-go/wire"
)

// Transport moves one wire.Message at a time between two peers.
//
// Implementations guarantee in-order delivery within each direction, keep
// delivering queued inbound messages after a peer half-close (up to the
// peer's Goodbye, if any), and surface undecodable input as a
// *wire.DecodeError from Recv. Close is idempotent.
//
// Send and Recv suspend on backpressure and on an empty inbound side
// respectively. Whether ctx cancellation ends a call that is already
// suspended depends on the implementation: StreamTransport and WSTransport
// check ctx only before they block.
type Transport interface {
	Send(ctx context.Context, m wire.Message) error
	Recv(ctx context.Context) (wire.Message, error)
	Close() error
}

// StreamTransport frames messages with COBS over any byte stream: TCP,
// Unix sockets, pipes. One goroutine may call Send and one may call Recv
// concurrently.
type StreamTransport struct {
	rwc io.ReadWriteCloser
	cr  *wire.CobsReader
	cw  *wire.CobsWriter

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewStreamTransport wraps rwc. The transport owns rwc and closes it.
func NewStreamTransport(rwc io.ReadWriteCloser) *StreamTransport {
	return &StreamTransport{
		rwc:    rwc,
		cr:     wire.NewCobsReader(rwc),
		cw:     wire.NewCobsWriter(rwc),
		closed: make(chan struct{}),
	}
}

func (t *StreamTransport) Send(ctx context.Context, m wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return t.cw.WriteFrame(wire.Encode(m))
}

func (t *StreamTransport) Recv(ctx context.Context) (wire.Message, error) {
	// The underlying stream blocks in Read; ctx cancellation is observed
	// by closing the transport, which unblocks the read.
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frame, err := t.cr.ReadFrame()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		select {
		case <-t.closed:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	return wire.Decode(frame)
}

func (t *StreamTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.rwc.Close()
	})
	return err
}
