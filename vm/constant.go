package vm

import "fmt"

// ---------------------------------------------------------------------------
// Constant pool
// ---------------------------------------------------------------------------

// ConstTag discriminates constant pool entries.
type ConstTag uint8

const (
	ConstInt    ConstTag = iota + 1 // 32-bit integer literal
	ConstClass                      // class name
	ConstField                      // Class.name:descriptor field reference
	ConstMethod                     // Class.name:descriptor method reference
)

func (t ConstTag) String() string {
	switch t {
	case ConstInt:
		return "Int"
	case ConstClass:
		return "Class"
	case ConstField:
		return "Field"
	case ConstMethod:
		return "Method"
	default:
		return fmt.Sprintf("ConstTag(%d)", uint8(t))
	}
}

// Constant is a single constant pool entry. Which fields are meaningful
// depends on Tag. Constants are comparable so pools can be deduplicated.
type Constant struct {
	Tag        ConstTag
	Int        int32
	Class      string
	Name       string
	Descriptor string
}

// IntConst creates an integer constant.
func IntConst(n int32) Constant {
	return Constant{Tag: ConstInt, Int: n}
}

// ClassConst creates a class reference constant.
func ClassConst(name string) Constant {
	return Constant{Tag: ConstClass, Class: name}
}

// FieldConst creates a field reference constant.
func FieldConst(class, name, descriptor string) Constant {
	return Constant{Tag: ConstField, Class: class, Name: name, Descriptor: descriptor}
}

// MethodConst creates a method reference constant.
func MethodConst(class, name, descriptor string) Constant {
	return Constant{Tag: ConstMethod, Class: class, Name: name, Descriptor: descriptor}
}

// MethodRef returns the method reference named by a ConstMethod entry.
func (c Constant) MethodRef() MethodRef {
	return MethodRef{Class: c.Class, Name: c.Name, Descriptor: c.Descriptor}
}

func (c Constant) String() string {
	switch c.Tag {
	case ConstInt:
		return fmt.Sprintf("int %d", c.Int)
	case ConstClass:
		return "class " + c.Class
	case ConstField:
		return fmt.Sprintf("field %s.%s:%s", c.Class, c.Name, c.Descriptor)
	case ConstMethod:
		return fmt.Sprintf("method %s.%s:%s", c.Class, c.Name, c.Descriptor)
	default:
		return c.Tag.String()
	}
}
