package wire

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	md := Metadata{
		{Key: "trace-id", Value: StringValue("abc123")},
		{Key: "trace-id", Value: StringValue("repeated key")},
		{Key: "attempt", Value: U64Value(3)},
		{Key: "blob", Value: BytesValue([]byte{0x00, 0xFF})},
	}
	msgs := []Message{
		Hello{MaxPayloadSize: 1 << 20, InitialStreamCredit: 65536},
		Hello{},
		Goodbye{Reason: "message.hello.ordering"},
		Goodbye{},
		Request{RequestID: 1, MethodID: 0x3d66dd9ee36b4240, Metadata: md, Payload: []byte("hi")},
		Request{RequestID: math.MaxUint64, MethodID: 1},
		Response{RequestID: 1, Payload: []byte{0x00, 0x05, 'h', 'e', 'l', 'l', 'o'}},
		Response{RequestID: 7, Metadata: md},
		Cancel{RequestID: 5},
		Data{StreamID: 2, Payload: []byte{0x00}},
		Data{StreamID: 2},
		Close{StreamID: 2},
		Reset{StreamID: 9},
		Credit{StreamID: 2, Bytes: math.MaxUint32},
	}
	for _, m := range msgs {
		got, err := Decode(Encode(m))
		require.NoError(t, err, "%v", m.Kind())
		require.Equal(t, m, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	m := Request{
		RequestID: 42,
		MethodID:  0xDEADBEEF,
		Metadata:  Metadata{{Key: "k", Value: BytesValue([]byte{1, 2, 3})}},
		Payload:   []byte("payload"),
	}
	require.Equal(t, Encode(m), Encode(m))
}

func TestSpecStringVector(t *testing.T) {
	// POSTCARD("hello") from the protocol test vectors.
	var e Encoder
	e.String("hello")
	require.Equal(t, []byte{0x05, 0x68, 0x65, 0x6C, 0x6C, 0x6F}, e.Bytes())

	d := NewDecoder(e.Bytes())
	require.Equal(t, "hello", d.String())
	require.NoError(t, d.Finish())
}

func TestResultEnvelopeVectors(t *testing.T) {
	var e Encoder
	e.String("hello")
	ok := EncodeOk(e.Bytes())
	require.Equal(t, []byte{0x00, 0x05, 0x68, 0x65, 0x6C, 0x6C, 0x6F}, ok)

	value, code, err := DecodeResult(ok)
	require.NoError(t, err)
	require.Nil(t, code)
	require.Equal(t, []byte{0x05, 0x68, 0x65, 0x6C, 0x6C, 0x6F}, value)

	unknown := EncodeProtocolErr(CodeUnknownMethod)
	require.Equal(t, []byte{0x01, 0x01}, unknown)

	value, code, err = DecodeResult(unknown)
	require.NoError(t, err)
	require.Nil(t, value)
	require.NotNil(t, code)
	require.Equal(t, CodeUnknownMethod, *code)
}

func TestResultEnvelopeRejectsGarbage(t *testing.T) {
	_, _, err := DecodeResult(nil)
	require.Error(t, err)
	_, _, err = DecodeResult([]byte{0x02})
	require.Error(t, err)
	_, _, err = DecodeResult([]byte{0x01, 0x09})
	require.Error(t, err)
	_, _, err = DecodeResult([]byte{0x01, 0x01, 0x00})
	require.Error(t, err)
}

func TestVarintWidths(t *testing.T) {
	var e Encoder
	e.Uvarint(0)
	e.Uvarint(127)
	e.Uvarint(128)
	e.Uvarint(math.MaxUint64)
	d := NewDecoder(e.Bytes())
	require.EqualValues(t, 0, d.Uvarint())
	require.EqualValues(t, 127, d.Uvarint())
	require.EqualValues(t, 128, d.Uvarint())
	require.EqualValues(t, uint64(math.MaxUint64), d.Uvarint())
	require.NoError(t, d.Finish())
}

func TestZigzag(t *testing.T) {
	for _, v := range []int64{0, -1, 1, 63, -64, math.MaxInt64, math.MinInt64} {
		var e Encoder
		e.Varint(v)
		d := NewDecoder(e.Bytes())
		require.Equal(t, v, d.Varint())
		require.NoError(t, d.Finish())
	}
}

func TestFloatCanonicalization(t *testing.T) {
	var e Encoder
	e.F32(float32(math.NaN()))
	e.F64(math.NaN())
	require.Equal(t, []byte{0x00, 0x00, 0xC0, 0x7F}, e.Bytes()[:4])
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xF8, 0x7F}, e.Bytes()[4:])
}

func TestSignedZerosStayDistinct(t *testing.T) {
	var pos, neg Encoder
	pos.F64(0.0)
	neg.F64(math.Copysign(0, -1))
	require.NotEqual(t, pos.Bytes(), neg.Bytes())

	d := NewDecoder(neg.Bytes())
	require.True(t, math.Signbit(d.F64()))
	require.NoError(t, d.Finish())
}

func TestDecodeFailures(t *testing.T) {
	cases := map[string][]byte{
		"empty input":          {},
		"unknown discriminant": {0x2A},
		"truncated request":    {0x02, 0x01},
		"truncated varint":     {0x01, 0xFF},
		"metadata overrun":     {0x02, 0x01, 0x01, 0xFF, 0xFF},
		"byte run overrun":     {0x05, 0x02, 0xFF, 0x01},
	}
	for name, buf := range cases {
		_, err := Decode(buf)
		require.Error(t, err, name)
		var de *DecodeError
		require.ErrorAs(t, err, &de, name)
	}
}

func TestTrailingBytesRejected(t *testing.T) {
	buf := Encode(Cancel{RequestID: 1})
	_, err := Decode(append(buf, 0x00))
	require.Error(t, err)
}

func TestUnknownHelloVersion(t *testing.T) {
	var e Encoder
	e.Uvarint(uint64(KindHello))
	e.Uvarint(9) // future hello body variant
	_, err := Decode(e.Bytes())
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrUnknownHelloVersion))
}

func TestBoolStrictness(t *testing.T) {
	d := NewDecoder([]byte{0x02})
	d.Bool()
	require.Error(t, d.Err())
}

func TestMetadataLimits(t *testing.T) {
	var md Metadata
	for i := 0; i < MaxMetadataPairs; i++ {
		md = append(md, MetadataEntry{Key: "k", Value: U64Value(uint64(i))})
	}
	require.True(t, md.Validate())

	md = append(md, MetadataEntry{Key: "k", Value: U64Value(0)})
	require.False(t, md.Validate())

	longKey := make([]byte, MaxMetadataKeyLen+1)
	require.False(t, Metadata{{Key: string(longKey), Value: U64Value(0)}}.Validate())

	bigVal := make([]byte, MaxMetadataValueLen+1)
	require.False(t, Metadata{{Key: "k", Value: BytesValue(bigVal)}}.Validate())
	require.True(t, Metadata{{Key: "k", Value: BytesValue(bigVal[:MaxMetadataValueLen])}}.Validate())
}

func TestMetadataOrderPreserved(t *testing.T) {
	md := Metadata{
		{Key: "b", Value: StringValue("2")},
		{Key: "a", Value: StringValue("1")},
		{Key: "b", Value: StringValue("3")},
	}
	got, err := Decode(Encode(Request{RequestID: 1, MethodID: 2, Metadata: md}))
	require.NoError(t, err)
	require.Equal(t, md, got.(Request).Metadata)
}
