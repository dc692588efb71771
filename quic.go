package rapace

import (
	"context"
	"errors"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/rapace-dev/rapace-go/wire"
)

// QUICDatagramTransport carries one encoded Message per QUIC datagram.
// The connection must be opened with datagram support enabled
// (quic.Config.EnableDatagrams).
//
// QUIC datagrams are unfragmented: a message larger than the path MTU
// cannot be sent and surfaces as ErrTooLargeFrame before transmission.
// Sessions using this transport should negotiate a max_payload_size below
// the expected MTU.
type QUICDatagramTransport struct {
	conn quic.Connection

	closeOnce sync.Once
	closed    chan struct{}
}

// NewQUICDatagramTransport wraps an established QUIC connection. The
// transport owns conn and closes it with the shutdown application code.
func NewQUICDatagramTransport(conn quic.Connection) *QUICDatagramTransport {
	return &QUICDatagramTransport{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (t *QUICDatagramTransport) Send(ctx context.Context, m wire.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-t.closed:
		return ErrTransportClosed
	default:
	}
	if err := t.conn.SendDatagram(wire.Encode(m)); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return ErrTooLargeFrame
		}
		return err
	}
	return nil
}

func (t *QUICDatagramTransport) Recv(ctx context.Context) (wire.Message, error) {
	data, err := t.conn.ReceiveDatagram(ctx)
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	return wire.Decode(data)
}

func (t *QUICDatagramTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.CloseWithError(0, "rapace session closed")
	})
	return err
}
