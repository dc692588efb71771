package wire

// ProtocolErrorCode enumerates the protocol-level failure modes carried in
// the Err branch of a Response envelope. Application errors never use these
// codes; they travel inside the Ok branch's inner Result.
type ProtocolErrorCode uint8

const (
	// CodeCancelled: the handler observed cancellation before completing.
	CodeCancelled ProtocolErrorCode = 0
	// CodeUnknownMethod: no handler is registered for the method_id.
	CodeUnknownMethod ProtocolErrorCode = 1
	// CodeInvalidPayload: the argument tuple failed to decode.
	CodeInvalidPayload ProtocolErrorCode = 2
	// CodeResourceExhausted: an advisory in-flight cap was exceeded.
	CodeResourceExhausted ProtocolErrorCode = 3
)

func (c ProtocolErrorCode) String() string {
	switch c {
	case CodeCancelled:
		return "Cancelled"
	case CodeUnknownMethod:
		return "UnknownMethod"
	case CodeInvalidPayload:
		return "InvalidPayload"
	case CodeResourceExhausted:
		return "ResourceExhausted"
	default:
		return "Unknown"
	}
}

// Result envelope discriminants.
const (
	resultOk  = 0
	resultErr = 1
)

// EncodeOk wraps an already-encoded return value in the Ok branch of the
// Response envelope: a single 0x00 tag followed by the value bytes.
func EncodeOk(value []byte) []byte {
	out := make([]byte, 0, 1+len(value))
	out = append(out, resultOk)
	return append(out, value...)
}

// EncodeProtocolErr produces the Err branch of the Response envelope:
// the 0x01 tag followed by the protocol error discriminant.
func EncodeProtocolErr(code ProtocolErrorCode) []byte {
	var e Encoder
	e.U8(resultErr)
	e.Uvarint(uint64(code))
	return e.Bytes()
}

// DecodeResult splits a Response payload into its envelope halves. On the
// Ok branch it returns the inner value bytes (aliasing payload) and a nil
// code; on the Err branch it returns the protocol error code.
func DecodeResult(payload []byte) (value []byte, code *ProtocolErrorCode, err error) {
	d := NewDecoder(payload)
	switch tag := d.U8(); {
	case d.err != nil:
		return nil, nil, d.err
	case tag == resultOk:
		return payload[1:], nil, nil
	case tag == resultErr:
		c := d.Uvarint()
		if err := d.Finish(); err != nil {
			return nil, nil, err
		}
		if c > uint64(CodeResourceExhausted) {
			return nil, nil, decodeErrf("unknown protocol error discriminant %d", c)
		}
		pc := ProtocolErrorCode(c)
		return nil, &pc, nil
	default:
		return nil, nil, decodeErrf("invalid result tag 0x%02x", tag)
	}
}
