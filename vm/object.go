package vm

import "fmt"

// Object is a heap-resident class instance. Fields holds one slot per
// instance field of Class, laid out as Class.InstanceFields.
type Object struct {
	Class  *Class
	Fields []Value

	// detail message of a thrown object; strings live outside the value model
	detail string
}

// ElementKind is the element type of an array.
type ElementKind uint8

const (
	ElemInt ElementKind = iota + 1
	ElemRef
)

func (k ElementKind) String() string {
	switch k {
	case ElemInt:
		return "int"
	case ElemRef:
		return "ref"
	default:
		return fmt.Sprintf("ElementKind(%d)", uint8(k))
	}
}

// ValueKind returns the kind of value stored in slots of this element kind.
func (k ElementKind) ValueKind() ValueKind {
	if k == ElemInt {
		return KindInt
	}
	return KindRef
}

// Array is a heap-resident fixed-length array. ElemClass constrains the
// classes stored in a reference array; nil accepts any reference.
type Array struct {
	Kind      ElementKind
	ElemClass *Class
	Elements  []Value
}

// Len returns the array length.
func (a *Array) Len() int32 {
	return int32(len(a.Elements))
}

// TypeName renders the array type in descriptor form, e.g. "[I".
func (a *Array) TypeName() string {
	switch {
	case a.Kind == ElemInt:
		return "[I"
	case a.ElemClass != nil:
		return "[L" + a.ElemClass.Name + ";"
	default:
		return "[L" + ClassObject + ";"
	}
}
