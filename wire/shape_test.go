package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMethodIDStable(t *testing.T) {
	a := MethodID("Echo", "echo")
	b := MethodID("Echo", "echo")
	require.Equal(t, a, b)
	require.NotZero(t, a)

	require.NotEqual(t, a, MethodID("Echo", "Echo"))
	require.NotEqual(t, a, MethodID("echo", "echo"))
	// Different services with the same method name stay distinct.
	require.NotEqual(t, MethodID("Calc", "get"), MethodID("Store", "get"))
}

func TestCanonicalShapeEncoding(t *testing.T) {
	s := StructShape(
		ShapeField{Name: "id", Shape: PrimitiveShape(PrimU64)},
		ShapeField{Name: "tags", Shape: VecShape(PrimitiveShape(PrimString))},
	)
	got := s.Canonical(nil)
	want := []byte{
		byte(ShapeStruct),
		2, 0, 0, 0, // field count, u32 LE
		2, 0, 0, 0, 'i', 'd',
		byte(ShapePrimitive), byte(PrimU64),
		4, 0, 0, 0, 't', 'a', 'g', 's',
		byte(ShapeVec), byte(ShapePrimitive), byte(PrimString),
	}
	require.Equal(t, want, got)
}

func TestCanonicalShapeCompound(t *testing.T) {
	s := EnumShape(
		ShapeVariant{Name: "Ok", Payload: TupleShape(PrimitiveShape(PrimU32), PrimitiveShape(PrimBool))},
		ShapeVariant{Name: "Err", Payload: OptionShape(ArrayShape(PrimitiveShape(PrimU8), 16))},
	)
	got := s.Canonical(nil)
	want := []byte{
		byte(ShapeEnum),
		2, 0, 0, 0,
		2, 0, 0, 0, 'O', 'k',
		byte(ShapeTuple), 2, 0, 0, 0,
		byte(ShapePrimitive), byte(PrimU32),
		byte(ShapePrimitive), byte(PrimBool),
		3, 0, 0, 0, 'E', 'r', 'r',
		byte(ShapeOption), byte(ShapeArray), 16, 0, 0, 0,
		byte(ShapePrimitive), byte(PrimU8),
	}
	require.Equal(t, want, got)
}

func TestSigHashDiscriminates(t *testing.T) {
	echoArgs := TupleShape(PrimitiveShape(PrimString))
	echoRet := PrimitiveShape(PrimString)

	base := SigHash(echoArgs, echoRet)
	require.Equal(t, base, SigHash(echoArgs, echoRet))

	// A changed return type, argument type, or field name all move the
	// hash.
	require.NotEqual(t, base, SigHash(echoArgs, PrimitiveShape(PrimBytes)))
	require.NotEqual(t, base, SigHash(TupleShape(PrimitiveShape(PrimBytes)), echoRet))
	require.NotEqual(t, base,
		SigHash(TupleShape(StructShape(ShapeField{Name: "x", Shape: PrimitiveShape(PrimString)})), echoRet))

	// Swapping args and return must not collide: the canonical bytes are
	// concatenated, not mixed.
	require.NotEqual(t, SigHash(PrimitiveShape(PrimU32), PrimitiveShape(PrimU64)),
		SigHash(PrimitiveShape(PrimU64), PrimitiveShape(PrimU32)))
}

func TestMapShapeEncoding(t *testing.T) {
	s := MapShape(PrimitiveShape(PrimString), PrimitiveShape(PrimU64))
	require.Equal(t, []byte{
		byte(ShapeMap),
		byte(ShapePrimitive), byte(PrimString),
		byte(ShapePrimitive), byte(PrimU64),
	}, s.Canonical(nil))
}
