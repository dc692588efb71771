package rapace

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rapace-dev/rapace-go/wire"
)

// wsFramingError marks a transport frame that was not exactly one binary
// message. The session reports it as message.ws.framing rather than
// message.decode-error.
type wsFramingError struct{}

func (wsFramingError) Error() string {
	return "transport: websocket frame is not one binary message"
}

// WSTransport carries exactly one encoded Message per WebSocket binary
// message. Splitting or coalescing cannot happen on the send path by
// construction; a non-binary inbound frame is the connection error
// message.ws.framing, and an undecodable binary one is
// message.decode-error.
type WSTransport struct {
	conn *websocket.Conn

	sendMu    sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
}

// NewWSTransport wraps an established WebSocket connection. The transport
// owns conn and closes it.
func NewWSTransport(conn *websocket.Conn) *WSTransport {
	return &WSTransport{
		conn:   conn,
		closed: make(chan struct{}),
	}
}

func (t *WSTransport) Send(ctx context.Context, m wire.Message) error {
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
	return t.conn.WriteMessage(websocket.BinaryMessage, wire.Encode(m))
}

func (t *WSTransport) Recv(ctx context.Context) (wire.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	kind, data, err := t.conn.ReadMessage()
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrTransportClosed
		default:
		}
		return nil, err
	}
	if kind != websocket.BinaryMessage {
		return nil, wsFramingError{}
	}
	return wire.Decode(data)
}

func (t *WSTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}
