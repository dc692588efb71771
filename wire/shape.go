package wire

import (
	"encoding/binary"

	"lukechampine.com/blake3"
)

// MethodID derives the wire identifier of a service method:
// the first 8 bytes of BLAKE3("<Service>.<Method>") read as a
// little-endian u64. The value 0 is reserved for introspection and never
// produced for real names in practice; registries reject it anyway.
func MethodID(service, method string) uint64 {
	sum := blake3.Sum256([]byte(service + "." + method))
	return binary.LittleEndian.Uint64(sum[:8])
}

// ControlMethodID is the reserved introspection method.
const ControlMethodID uint64 = 0

// ShapeKind tags a node of a canonical type shape.
type ShapeKind uint8

const (
	ShapePrimitive ShapeKind = 0
	ShapeOption    ShapeKind = 1
	ShapeVec       ShapeKind = 2
	ShapeArray     ShapeKind = 3
	ShapeMap       ShapeKind = 4
	ShapeStruct    ShapeKind = 5
	ShapeTuple     ShapeKind = 6
	ShapeEnum      ShapeKind = 7
)

// Primitive codes used under ShapePrimitive.
type Primitive uint8

const (
	PrimBool Primitive = iota
	PrimU8
	PrimU16
	PrimU32
	PrimU64
	PrimI8
	PrimI16
	PrimI32
	PrimI64
	PrimF32
	PrimF64
	PrimChar
	PrimString
	PrimBytes
	PrimUnit
)

// Shape is the canonical structural description of a serialized type. Two
// peers agree on a method exactly when the shapes of its argument tuple and
// return type hash identically.
type Shape struct {
	Kind ShapeKind

	// ShapePrimitive
	Prim Primitive

	// ShapeOption, ShapeVec: Elem. ShapeArray: Elem + Len.
	// ShapeMap: Key + Elem.
	Elem *Shape
	Key  *Shape
	Len  uint32

	// ShapeStruct: Fields. ShapeTuple: Elems. ShapeEnum: Variants.
	Fields   []ShapeField
	Elems    []Shape
	Variants []ShapeVariant
}

// ShapeField is one named struct field.
type ShapeField struct {
	Name  string
	Shape Shape
}

// ShapeVariant is one named enum variant and its payload shape. A variant
// with no payload uses the unit primitive.
type ShapeVariant struct {
	Name    string
	Payload Shape
}

// Shorthand constructors.

func PrimitiveShape(p Primitive) Shape { return Shape{Kind: ShapePrimitive, Prim: p} }

func OptionShape(elem Shape) Shape { return Shape{Kind: ShapeOption, Elem: &elem} }

func VecShape(elem Shape) Shape { return Shape{Kind: ShapeVec, Elem: &elem} }

func ArrayShape(elem Shape, n uint32) Shape { return Shape{Kind: ShapeArray, Elem: &elem, Len: n} }

func MapShape(key, elem Shape) Shape { return Shape{Kind: ShapeMap, Key: &key, Elem: &elem} }

func StructShape(fields ...ShapeField) Shape { return Shape{Kind: ShapeStruct, Fields: fields} }

func TupleShape(elems ...Shape) Shape { return Shape{Kind: ShapeTuple, Elems: elems} }

func EnumShape(variants ...ShapeVariant) Shape { return Shape{Kind: ShapeEnum, Variants: variants} }

// Canonical appends the canonical encoding of s to dst: one kind byte, then
// kind-specific data with u32 little-endian counts and lengths and raw
// ASCII names.
func (s Shape) Canonical(dst []byte) []byte {
	dst = append(dst, byte(s.Kind))
	switch s.Kind {
	case ShapePrimitive:
		dst = append(dst, byte(s.Prim))
	case ShapeOption, ShapeVec:
		dst = s.Elem.Canonical(dst)
	case ShapeArray:
		dst = binary.LittleEndian.AppendUint32(dst, s.Len)
		dst = s.Elem.Canonical(dst)
	case ShapeMap:
		dst = s.Key.Canonical(dst)
		dst = s.Elem.Canonical(dst)
	case ShapeStruct:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Fields)))
		for _, f := range s.Fields {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(f.Name)))
			dst = append(dst, f.Name...)
			dst = f.Shape.Canonical(dst)
		}
	case ShapeTuple:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Elems)))
		for _, e := range s.Elems {
			dst = e.Canonical(dst)
		}
	case ShapeEnum:
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(s.Variants)))
		for _, v := range s.Variants {
			dst = binary.LittleEndian.AppendUint32(dst, uint32(len(v.Name)))
			dst = append(dst, v.Name...)
			dst = v.Payload.Canonical(dst)
		}
	}
	return dst
}

// SigHash digests a method signature: BLAKE3 over the canonical shape of
// the argument tuple followed by the canonical shape of the return type.
func SigHash(args, ret Shape) [32]byte {
	buf := args.Canonical(nil)
	buf = ret.Canonical(buf)
	return blake3.Sum256(buf)
}
