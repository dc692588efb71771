// Package wire implements the rapace wire model: the Message sum type, the
// POSTCARD-compatible value codec, COBS byte-stream framing, and the
// canonical shape hashing that derives method and signature identifiers.
//
// The package is a leaf: it knows nothing about transports or sessions and
// performs no I/O besides the COBS reader/writer adapters.
package wire

// Message is the single sum type exchanged on every rapace connection.
// Exactly one concrete variant implements it per wire discriminant:
//
//	0 Hello      1 Goodbye   2 Request   3 Response   4 Cancel
//	5 Data       6 Close     7 Reset     8 Credit
//
// Switching over a Message should enumerate all nine variants; an unknown
// discriminant never reaches user code (Decode rejects it).
type Message interface {
	// Kind returns the wire discriminant of the variant.
	Kind() Kind
}

// Kind is the wire discriminant of a Message variant.
type Kind uint8

const (
	KindHello Kind = iota
	KindGoodbye
	KindRequest
	KindResponse
	KindCancel
	KindData
	KindClose
	KindReset
	KindCredit
)

func (k Kind) String() string {
	switch k {
	case KindHello:
		return "Hello"
	case KindGoodbye:
		return "Goodbye"
	case KindRequest:
		return "Request"
	case KindResponse:
		return "Response"
	case KindCancel:
		return "Cancel"
	case KindData:
		return "Data"
	case KindClose:
		return "Close"
	case KindReset:
		return "Reset"
	case KindCredit:
		return "Credit"
	default:
		return "Unknown"
	}
}

// helloVersionV1 is the only Hello body variant currently defined.
const helloVersionV1 = 0

// Hello opens a connection. Both peers send exactly one, immediately, and
// it must be the first message in each direction.
type Hello struct {
	// MaxPayloadSize is the largest payload this peer accepts, in bytes.
	MaxPayloadSize uint32
	// InitialStreamCredit is the byte budget every new stream starts with.
	InitialStreamCredit uint32
}

func (Hello) Kind() Kind { return KindHello }

// Goodbye terminates a connection. Reason carries the violated rule
// identifier for protocol errors, or an application-chosen string for
// graceful shutdown.
type Goodbye struct {
	Reason string
}

func (Goodbye) Kind() Kind { return KindGoodbye }

// Request initiates a unary call. Payload is the POSTCARD-encoded argument
// tuple of the method.
type Request struct {
	RequestID uint64
	MethodID  uint64
	Metadata  Metadata
	Payload   []byte
}

func (Request) Kind() Kind { return KindRequest }

// Response completes a call. Payload is the POSTCARD-encoded
// Result<T, RapaceError<E>> envelope; see EncodeOk and EncodeProtocolErr.
type Response struct {
	RequestID uint64
	Metadata  Metadata
	Payload   []byte
}

func (Response) Kind() Kind { return KindResponse }

// Cancel asks the peer to abandon an in-flight call. Advisory and
// idempotent; the call may still complete normally.
type Cancel struct {
	RequestID uint64
}

func (Cancel) Kind() Kind { return KindCancel }

// Data carries one POSTCARD-encoded stream element.
type Data struct {
	StreamID uint64
	Payload  []byte
}

func (Data) Kind() Kind { return KindData }

// Close half-closes one direction of a stream. No Data may follow it in
// that direction.
type Close struct {
	StreamID uint64
}

func (Close) Kind() Kind { return KindClose }

// Reset abortively terminates a stream in both directions.
type Reset struct {
	StreamID uint64
}

func (Reset) Kind() Kind { return KindReset }

// Credit extends a stream's receive window by Bytes. Only used on
// byte-stream and message-stream transports; the SHM transport conveys
// credit through the stream table instead.
type Credit struct {
	StreamID uint64
	Bytes    uint32
}

func (Credit) Kind() Kind { return KindCredit }

// MetadataValue discriminants on the wire.
const (
	metaString = 0
	metaBytes  = 1
	metaU64    = 2
)

// MetadataValue is one metadata value: a string, a byte blob, or a u64.
// Exactly one field is populated, selected by Tag.
type MetadataValue struct {
	Tag   uint8
	Str   string
	Bytes []byte
	U64   uint64
}

// StringValue returns a MetadataValue holding s.
func StringValue(s string) MetadataValue { return MetadataValue{Tag: metaString, Str: s} }

// BytesValue returns a MetadataValue holding b.
func BytesValue(b []byte) MetadataValue { return MetadataValue{Tag: metaBytes, Bytes: b} }

// U64Value returns a MetadataValue holding v.
func U64Value(v uint64) MetadataValue { return MetadataValue{Tag: metaU64, U64: v} }

// MetadataEntry is one key/value pair. Keys are case-sensitive raw UTF-8;
// no normalization is applied anywhere.
type MetadataEntry struct {
	Key   string
	Value MetadataValue
}

// Metadata is an ordered list of entries. Order is preserved on the wire
// and keys may repeat.
type Metadata []MetadataEntry

// Metadata limits. Breaching them on receive is the connection error
// flow.metadata.limits; breaching them on send is a local error.
const (
	MaxMetadataPairs    = 128
	MaxMetadataValueLen = 1 << 20
	MaxMetadataKeyLen   = 256
)

// Validate reports whether md is within the protocol limits.
func (md Metadata) Validate() bool {
	if len(md) > MaxMetadataPairs {
		return false
	}
	for _, e := range md {
		if len(e.Key) > MaxMetadataKeyLen {
			return false
		}
		switch e.Value.Tag {
		case metaString:
			if len(e.Value.Str) > MaxMetadataValueLen {
				return false
			}
		case metaBytes:
			if len(e.Value.Bytes) > MaxMetadataValueLen {
				return false
			}
		case metaU64:
		default:
			return false
		}
	}
	return true
}

// Get returns the first value for key, if any.
func (md Metadata) Get(key string) (MetadataValue, bool) {
	for _, e := range md {
		if e.Key == key {
			return e.Value, true
		}
	}
	return MetadataValue{}, false
}

// PayloadOf returns the payload carried by m, or nil for variants that
// carry none.
func PayloadOf(m Message) []byte {
	switch v := m.(type) {
	case Request:
		return v.Payload
	case Response:
		return v.Payload
	case Data:
		return v.Payload
	default:
		return nil
	}
}
