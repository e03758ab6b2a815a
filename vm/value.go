package vm

import (
	"fmt"
)

// Value represents a litevm value using a tagged 64-bit word.
//
// The high 16 bits select the kind and the low 48 bits hold the payload:
//   - Int:  tagInt  + 32-bit two's-complement payload
//   - Ref:  tagRef  + heap handle
//   - Null: tagNull (no payload)
//
// The zero Value carries no tag and is never produced by the engine; it
// marks an unset slot.
type Value uint64

// Tagging constants
const (
	// Tag mask: 16 bits above the payload
	// 0xFFFF_0000_0000_0000
	tagMask uint64 = 0xFFFF000000000000

	// Payload mask: 48 bits for int/handle
	// 0x0000_FFFF_FFFF_FFFF
	payloadMask uint64 = 0x0000FFFFFFFFFFFF

	tagInt  uint64 = 0x0001000000000000 // 32-bit signed integer
	tagRef  uint64 = 0x0002000000000000 // heap handle
	tagNull uint64 = 0x0003000000000000 // null reference
)

// Null is the null reference.
const Null Value = Value(tagNull)

// Void is the result of a method with a V return descriptor.
const Void Value = 0

// ValueKind is the static kind of a value, field, local or array slot.
type ValueKind uint8

const (
	KindVoid ValueKind = iota
	KindInt
	KindRef
)

func (k ValueKind) String() string {
	switch k {
	case KindInt:
		return "int"
	case KindRef:
		return "ref"
	default:
		return "void"
	}
}

// Ref is a non-owning handle naming a heap-resident object or array.
// NilRef never names a live entity.
type Ref uint32

// NilRef is the handle carried by Null.
const NilRef Ref = 0

// ---------------------------------------------------------------------------
// Type checking
// ---------------------------------------------------------------------------

// IsInt returns true if v holds a 32-bit integer.
func (v Value) IsInt() bool {
	return uint64(v)&tagMask == tagInt
}

// IsRef returns true if v holds a non-null reference.
func (v Value) IsRef() bool {
	return uint64(v)&tagMask == tagRef
}

// IsNull returns true if v is the null reference.
func (v Value) IsNull() bool {
	return v == Null
}

// IsVoid returns true if v carries no tag.
func (v Value) IsVoid() bool {
	return v == Void
}

// IsReference returns true if v is a reference or null.
func (v Value) IsReference() bool {
	return v.IsRef() || v.IsNull()
}

// Kind returns the kind of v. Null reports KindRef.
func (v Value) Kind() ValueKind {
	switch uint64(v) & tagMask {
	case tagInt:
		return KindInt
	case tagRef, tagNull:
		return KindRef
	default:
		return KindVoid
	}
}

// ---------------------------------------------------------------------------
// Int operations
// ---------------------------------------------------------------------------

// Int returns v as an int32.
// Panics if v is not an integer.
func (v Value) Int() int32 {
	if !v.IsInt() {
		panic("Value.Int: not an integer")
	}
	return int32(uint32(uint64(v) & 0xFFFFFFFF))
}

// FromInt creates a Value from an int32.
func FromInt(n int32) Value {
	return Value(tagInt | uint64(uint32(n)))
}

// ---------------------------------------------------------------------------
// Reference operations
// ---------------------------------------------------------------------------

// Ref returns the handle held by v. Null yields NilRef.
// Panics if v is not a reference.
func (v Value) Ref() Ref {
	switch uint64(v) & tagMask {
	case tagRef:
		return Ref(uint64(v) & payloadMask)
	case tagNull:
		return NilRef
	default:
		panic("Value.Ref: not a reference")
	}
}

// FromRef creates a Value from a handle. NilRef yields Null.
func FromRef(r Ref) Value {
	if r == NilRef {
		return Null
	}
	return Value(tagRef | uint64(r))
}

// ZeroValue returns the default value for a slot of the given kind.
func ZeroValue(kind ValueKind) Value {
	if kind == KindInt {
		return FromInt(0)
	}
	return Null
}

// String implements the Stringer interface.
func (v Value) String() string {
	switch uint64(v) & tagMask {
	case tagInt:
		return fmt.Sprintf("%d", v.Int())
	case tagRef:
		return fmt.Sprintf("ref#%d", v.Ref())
	case tagNull:
		return "null"
	default:
		return "<unset>"
	}
}
