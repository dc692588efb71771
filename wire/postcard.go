package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeError reports malformed wire data: bad varints, truncation,
// unknown discriminants, or trailing bytes after a complete value.
// Sessions translate it into a Goodbye with reason message.decode-error.
type DecodeError struct {
	Msg   string
	cause error
}

func (e *DecodeError) Error() string { return "wire: " + e.Msg }

func (e *DecodeError) Unwrap() error { return e.cause }

func decodeErrf(format string, args ...any) *DecodeError {
	return &DecodeError{Msg: fmt.Sprintf(format, args...)}
}

// ErrUnknownHelloVersion is wrapped by the DecodeError produced when a
// Hello carries an unrecognized body variant. The handshake maps it to the
// rule message.hello.unknown-version instead of message.decode-error.
var ErrUnknownHelloVersion = errors.New("wire: unknown hello version")

// Canonical quiet NaN bit patterns. Every NaN is rewritten to these on
// encode so identical values stay byte-identical.
const (
	canonicalNaN32 = 0x7FC00000
	canonicalNaN64 = 0x7FF8000000000000
)

// Encoder appends POSTCARD-encoded primitives to an owned buffer.
// The zero value is ready to use.
type Encoder struct {
	buf []byte
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Uvarint appends an unsigned LEB128 varint.
func (e *Encoder) Uvarint(v uint64) {
	e.buf = protowire.AppendVarint(e.buf, v)
}

// Varint appends a zigzag-encoded signed varint.
func (e *Encoder) Varint(v int64) {
	e.buf = protowire.AppendVarint(e.buf, protowire.EncodeZigZag(v))
}

// U8 appends a raw byte; u8 and i8 are never varint-encoded.
func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

// Bool appends 0x00 or 0x01.
func (e *Encoder) Bool(v bool) {
	if v {
		e.U8(1)
	} else {
		e.U8(0)
	}
}

// AppendBytes appends a varint length prefix followed by the raw bytes.
func (e *Encoder) AppendBytes(b []byte) {
	e.Uvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// String appends a varint length prefix followed by the raw UTF-8 bytes.
func (e *Encoder) String(s string) {
	e.Uvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

// F32 appends an IEEE-754 little-endian float32, canonicalizing NaN.
func (e *Encoder) F32(v float32) {
	bits := math.Float32bits(v)
	if v != v {
		bits = canonicalNaN32
	}
	e.buf = binary.LittleEndian.AppendUint32(e.buf, bits)
}

// F64 appends an IEEE-754 little-endian float64, canonicalizing NaN.
func (e *Encoder) F64(v float64) {
	bits := math.Float64bits(v)
	if v != v {
		bits = canonicalNaN64
	}
	e.buf = binary.LittleEndian.AppendUint64(e.buf, bits)
}

// Option appends the Option prefix: 0x00 for None, 0x01 for Some. The
// caller appends the inner value after a true prefix.
func (e *Encoder) Option(some bool) {
	e.Bool(some)
}

// Decoder consumes POSTCARD-encoded primitives from a buffer. Errors are
// sticky: after the first failure every subsequent read returns zero values
// and Err reports the original cause.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a Decoder over buf. The Decoder borrows buf; Bytes
// results alias it and must not outlive it unless copied.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decode failure, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unconsumed bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

// Finish fails unless the buffer has been consumed exactly.
func (d *Decoder) Finish() error {
	if d.err != nil {
		return d.err
	}
	if d.off != len(d.buf) {
		d.err = decodeErrf("%d trailing bytes after complete value", len(d.buf)-d.off)
	}
	return d.err
}

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = err
	}
}

// Uvarint consumes an unsigned LEB128 varint.
func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := protowire.ConsumeVarint(d.buf[d.off:])
	if n < 0 {
		d.fail(decodeErrf("malformed varint at offset %d", d.off))
		return 0
	}
	d.off += n
	return v
}

// Varint consumes a zigzag-encoded signed varint.
func (d *Decoder) Varint() int64 {
	return protowire.DecodeZigZag(d.Uvarint())
}

// U32 consumes a varint and range-checks it against u32.
func (d *Decoder) U32() uint32 {
	v := d.Uvarint()
	if d.err == nil && v > math.MaxUint32 {
		d.fail(decodeErrf("varint %d overflows u32", v))
		return 0
	}
	return uint32(v)
}

// U16 consumes a varint and range-checks it against u16.
func (d *Decoder) U16() uint16 {
	v := d.Uvarint()
	if d.err == nil && v > math.MaxUint16 {
		d.fail(decodeErrf("varint %d overflows u16", v))
		return 0
	}
	return uint16(v)
}

// U8 consumes one raw byte.
func (d *Decoder) U8() uint8 {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail(decodeErrf("unexpected end of input at offset %d", d.off))
		return 0
	}
	b := d.buf[d.off]
	d.off++
	return b
}

// Bool consumes one byte that must be 0x00 or 0x01.
func (d *Decoder) Bool() bool {
	b := d.U8()
	if d.err == nil && b > 1 {
		d.fail(decodeErrf("invalid bool byte 0x%02x", b))
		return false
	}
	return b == 1
}

// Bytes consumes a varint length prefix and returns the following bytes.
// The result aliases the decode buffer.
func (d *Decoder) Bytes() []byte {
	n := d.Uvarint()
	if d.err != nil {
		return nil
	}
	if n > uint64(d.Remaining()) {
		d.fail(decodeErrf("byte run of %d overruns %d remaining", n, d.Remaining()))
		return nil
	}
	b := d.buf[d.off : d.off+int(n)]
	d.off += int(n)
	return b
}

// String consumes a varint length prefix and the following UTF-8 bytes.
func (d *Decoder) String() string {
	return string(d.Bytes())
}

// F32 consumes 4 little-endian bytes as a float32.
func (d *Decoder) F32() float32 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 4 {
		d.fail(decodeErrf("truncated f32 at offset %d", d.off))
		return 0
	}
	v := math.Float32frombits(binary.LittleEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

// F64 consumes 8 little-endian bytes as a float64.
func (d *Decoder) F64() float64 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 8 {
		d.fail(decodeErrf("truncated f64 at offset %d", d.off))
		return 0
	}
	v := math.Float64frombits(binary.LittleEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

// Option consumes the Option prefix and reports whether a value follows.
func (d *Decoder) Option() bool {
	return d.Bool()
}

// Encode serializes m as a single POSTCARD value: the variant discriminant
// as a varint followed by the variant's fields in declaration order.
func Encode(m Message) []byte {
	var e Encoder
	e.Uvarint(uint64(m.Kind()))
	switch v := m.(type) {
	case Hello:
		e.Uvarint(helloVersionV1)
		e.Uvarint(uint64(v.MaxPayloadSize))
		e.Uvarint(uint64(v.InitialStreamCredit))
	case Goodbye:
		e.String(v.Reason)
	case Request:
		e.Uvarint(v.RequestID)
		e.Uvarint(v.MethodID)
		encodeMetadata(&e, v.Metadata)
		e.AppendBytes(v.Payload)
	case Response:
		e.Uvarint(v.RequestID)
		encodeMetadata(&e, v.Metadata)
		e.AppendBytes(v.Payload)
	case Cancel:
		e.Uvarint(v.RequestID)
	case Data:
		e.Uvarint(v.StreamID)
		e.AppendBytes(v.Payload)
	case Close:
		e.Uvarint(v.StreamID)
	case Reset:
		e.Uvarint(v.StreamID)
	case Credit:
		e.Uvarint(v.StreamID)
		e.Uvarint(uint64(v.Bytes))
	default:
		panic(fmt.Sprintf("wire: unknown message variant %T", m))
	}
	return e.Bytes()
}

// Decode parses exactly one Message from buf. Payload and metadata byte
// fields are copied, so the result does not alias buf.
func Decode(buf []byte) (Message, error) {
	d := NewDecoder(buf)
	tag := d.Uvarint()
	if d.err != nil {
		return nil, d.err
	}
	var m Message
	switch Kind(tag) {
	case KindHello:
		version := d.Uvarint()
		if d.err == nil && version != helloVersionV1 {
			return nil, &DecodeError{
				Msg:   fmt.Sprintf("unknown hello version %d", version),
				cause: ErrUnknownHelloVersion,
			}
		}
		m = Hello{
			MaxPayloadSize:      d.U32(),
			InitialStreamCredit: d.U32(),
		}
	case KindGoodbye:
		m = Goodbye{Reason: d.String()}
	case KindRequest:
		m = Request{
			RequestID: d.Uvarint(),
			MethodID:  d.Uvarint(),
			Metadata:  decodeMetadata(d),
			Payload:   cloneBytes(d.Bytes()),
		}
	case KindResponse:
		m = Response{
			RequestID: d.Uvarint(),
			Metadata:  decodeMetadata(d),
			Payload:   cloneBytes(d.Bytes()),
		}
	case KindCancel:
		m = Cancel{RequestID: d.Uvarint()}
	case KindData:
		m = Data{StreamID: d.Uvarint(), Payload: cloneBytes(d.Bytes())}
	case KindClose:
		m = Close{StreamID: d.Uvarint()}
	case KindReset:
		m = Reset{StreamID: d.Uvarint()}
	case KindCredit:
		m = Credit{StreamID: d.Uvarint(), Bytes: d.U32()}
	default:
		return nil, decodeErrf("unknown message discriminant %d", tag)
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return m, nil
}

// Metadata appends md as a POSTCARD sequence of entries. Exposed for
// transports that carry metadata outside a full Message encoding.
func (e *Encoder) Metadata(md Metadata) {
	encodeMetadata(e, md)
}

// Metadata consumes a POSTCARD metadata sequence.
func (d *Decoder) Metadata() Metadata {
	return decodeMetadata(d)
}

func encodeMetadata(e *Encoder, md Metadata) {
	e.Uvarint(uint64(len(md)))
	for _, entry := range md {
		e.String(entry.Key)
		e.Uvarint(uint64(entry.Value.Tag))
		switch entry.Value.Tag {
		case metaString:
			e.String(entry.Value.Str)
		case metaBytes:
			e.AppendBytes(entry.Value.Bytes)
		case metaU64:
			e.Uvarint(entry.Value.U64)
		default:
			panic(fmt.Sprintf("wire: invalid metadata value tag %d", entry.Value.Tag))
		}
	}
}

func decodeMetadata(d *Decoder) Metadata {
	n := d.Uvarint()
	if d.err != nil || n == 0 {
		return nil
	}
	if n > uint64(d.Remaining()) {
		// Every entry takes at least one byte; anything larger is a
		// malformed count, not a huge list.
		d.fail(decodeErrf("metadata count %d overruns input", n))
		return nil
	}
	md := make(Metadata, 0, n)
	for i := uint64(0); i < n && d.err == nil; i++ {
		key := d.String()
		tag := d.Uvarint()
		var val MetadataValue
		switch tag {
		case metaString:
			val = StringValue(d.String())
		case metaBytes:
			val = BytesValue(cloneBytes(d.Bytes()))
		case metaU64:
			val = U64Value(d.Uvarint())
		default:
			d.fail(decodeErrf("unknown metadata value tag %d", tag))
		}
		md = append(md, MetadataEntry{Key: key, Value: val})
	}
	return md
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
