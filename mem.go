package rapace

import (
	"context"
	"sync"

	"github.com/rapace-dev/rapace-go/wire"
)

// MemTransport is an in-process Transport backed by a pair of buffered
// channels. It exists for tests and for co-located host/plugin setups that
// want session semantics without a socket.
type MemTransport struct {
	out chan<- wire.Message
	in  <-chan wire.Message

	peerClosed <-chan struct{}
	closeCh    chan struct{}
	closeOnce  sync.Once
}

// NewMemPair returns two connected MemTransports. Messages sent on one end
// arrive on the other in order; depth bounds the number of in-flight
// messages per direction before Send suspends.
func NewMemPair(depth int) (*MemTransport, *MemTransport) {
	if depth <= 0 {
		depth = 16
	}
	ab := make(chan wire.Message, depth)
	ba := make(chan wire.Message, depth)
	a := &MemTransport{out: ab, in: ba, closeCh: make(chan struct{})}
	b := &MemTransport{out: ba, in: ab, closeCh: make(chan struct{})}
	a.peerClosed = b.closeCh
	b.peerClosed = a.closeCh
	return a, b
}

func (t *MemTransport) Send(ctx context.Context, m wire.Message) error {
	select {
	case <-t.closeCh:
		return ErrTransportClosed
	case <-t.peerClosed:
		return ErrTransportClosed
	default:
	}
	select {
	case t.out <- m:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.closeCh:
		return ErrTransportClosed
	case <-t.peerClosed:
		return ErrTransportClosed
	}
}

func (t *MemTransport) Recv(ctx context.Context) (wire.Message, error) {
	// Queued messages remain deliverable after either side closes; the
	// closed channels only matter once the queue is drained.
	select {
	case m := <-t.in:
		return m, nil
	default:
	}
	select {
	case m := <-t.in:
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.closeCh:
		return nil, ErrTransportClosed
	case <-t.peerClosed:
		// Drain anything the peer managed to queue before closing.
		select {
		case m := <-t.in:
			return m, nil
		default:
			return nil, ErrTransportClosed
		}
	}
}

func (t *MemTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
	})
	return nil
}
