package rapace

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidCfg       = errors.New("session: invalid options")
	ErrSessionClosed    = errors.New("session: closed")
	ErrHandshakeTimeout = errors.New("session: handshake timed out")
	ErrGoodbyeSent      = errors.New("session: goodbye already queued")

	ErrPayloadTooLarge  = errors.New("call: payload exceeds negotiated max_payload_size")
	ErrMetadataLimits   = errors.New("call: metadata exceeds protocol limits")
	ErrMethodIDReserved = errors.New("registry: method_id 0 is reserved")
	ErrMethodRegistered = errors.New("registry: method already registered")

	ErrStreamClosed    = errors.New("stream: closed for sending")
	ErrStreamIDZero    = errors.New("stream: stream_id 0 is reserved")
	ErrCreditCorrupted = errors.New("stream: credit counters out of range")

	ErrTransportClosed = errors.New("transport: closed")
	ErrTooLargeFrame   = errors.New("transport: frame too large to send")
)

// Rule identifiers carried in Goodbye reasons. Stable ASCII strings; peers
// display them verbatim in diagnostics.
const (
	RuleHelloOrdering       = "message.hello.ordering"
	RuleHelloSingle         = "message.hello.single"
	RuleHelloUnknownVersion = "message.hello.unknown-version"
	RuleDecodeError         = "message.decode-error"
	RuleWsFraming           = "message.ws.framing"
	RuleUnaryPayloadLimit   = "flow.unary.payload-limit"
	RuleStreamCreditExceed  = "flow.stream.credit-exceeded"
	RuleMetadataLimits      = "flow.metadata.limits"
	RuleStreamIDZero        = "streaming.id.zero-reserved"
	RuleStreamIDCollision   = "streaming.id.collision"
	RuleDataAfterClose      = "streaming.state.data-after-close"
	RuleRequestIDOrder      = "flow.unary.id-not-monotonic"
)

// ConnectionClosedError is the terminal failure surfaced to every pending
// call and stream once a connection dies. Reason is the violated rule
// identifier, or the application reason from a graceful Goodbye.
type ConnectionClosedError struct {
	Reason string
}

func (e *ConnectionClosedError) Error() string {
	return fmt.Sprintf("session: connection closed (%s)", e.Reason)
}

// ErrKind classifies call and stream failures that are not connection
// errors.
type ErrKind uint8

const (
	KindCancelled ErrKind = iota
	KindDeadlineExceeded
	KindUnknownMethod
	KindInvalidPayload
	KindIncompatibleSchema
	KindResourceExhausted
	KindPeerDied
	KindRequiredStreamMissing
	KindStreamReset
)

func (k ErrKind) String() string {
	switch k {
	case KindCancelled:
		return "Cancelled"
	case KindDeadlineExceeded:
		return "DeadlineExceeded"
	case KindUnknownMethod:
		return "UnknownMethod"
	case KindInvalidPayload:
		return "InvalidPayload"
	case KindIncompatibleSchema:
		return "IncompatibleSchema"
	case KindResourceExhausted:
		return "ResourceExhausted"
	case KindPeerDied:
		return "PeerDied"
	case KindRequiredStreamMissing:
		return "RequiredStreamMissing"
	case KindStreamReset:
		return "StreamReset"
	default:
		return "Unknown"
	}
}

// CallError is returned by Call and stream operations for failures local to
// one call or stream. The connection stays open.
type CallError struct {
	Kind ErrKind
	msg  string
}

func (e *CallError) Error() string {
	if e.msg == "" {
		return "call: " + e.Kind.String()
	}
	return fmt.Sprintf("call: %s: %s", e.Kind, e.msg)
}

func callErr(kind ErrKind) *CallError { return &CallError{Kind: kind} }

func callErrf(kind ErrKind, format string, args ...any) *CallError {
	return &CallError{Kind: kind, msg: fmt.Sprintf(format, args...)}
}

// IsCallError reports whether err is a CallError of the given kind.
func IsCallError(err error, kind ErrKind) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Kind == kind
}
