package vm

import (
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Method references
// ---------------------------------------------------------------------------

// MethodRef names a method by its declaring class, name and descriptor.
type MethodRef struct {
	Class      string
	Name       string
	Descriptor string
}

// ParseMethodRef parses the textual form "Class.name:descriptor", for
// example "ArraySample.sum:([I)I". The class part may contain slashes;
// the method name starts after the last dot before the colon.
func ParseMethodRef(s string) (MethodRef, error) {
	colon := strings.IndexByte(s, ':')
	if colon < 0 {
		return MethodRef{}, fmt.Errorf("method reference %q: missing descriptor", s)
	}
	head, desc := s[:colon], s[colon+1:]
	dot := strings.LastIndexByte(head, '.')
	if dot <= 0 || dot == len(head)-1 {
		return MethodRef{}, fmt.Errorf("method reference %q: want Class.name:descriptor", s)
	}
	ref := MethodRef{Class: head[:dot], Name: head[dot+1:], Descriptor: desc}
	if _, err := ParseDescriptor(desc); err != nil {
		return MethodRef{}, fmt.Errorf("method reference %q: %w", s, err)
	}
	return ref, nil
}

func (r MethodRef) String() string {
	return r.Class + "." + r.Name + ":" + r.Descriptor
}

// Key returns the "class#name:descriptor" key used by bridges and the
// method cache.
func (r MethodRef) Key() string {
	return methodKey(r.Class, r.Name, r.Descriptor)
}

func methodKey(class, name, descriptor string) string {
	return class + "#" + name + ":" + descriptor
}

// ---------------------------------------------------------------------------
// Descriptors
// ---------------------------------------------------------------------------

// Signature is a parsed method descriptor.
type Signature struct {
	Args   []ValueKind
	Return ValueKind
}

// ArgSlots returns the number of argument values, not counting a receiver.
func (s Signature) ArgSlots() int {
	return len(s.Args)
}

// ParseDescriptor parses a method descriptor such as "(I[ILFoo;)V".
// Every primitive integral type collapses to KindInt; objects and arrays
// are KindRef. long, float and double are rejected.
func ParseDescriptor(desc string) (Signature, error) {
	if len(desc) < 3 || desc[0] != '(' {
		return Signature{}, fmt.Errorf("bad method descriptor %q", desc)
	}
	var sig Signature
	i := 1
	for i < len(desc) && desc[i] != ')' {
		kind, n, err := parseFieldType(desc[i:])
		if err != nil {
			return Signature{}, fmt.Errorf("bad method descriptor %q: %w", desc, err)
		}
		sig.Args = append(sig.Args, kind)
		i += n
	}
	if i >= len(desc) {
		return Signature{}, fmt.Errorf("bad method descriptor %q: unterminated parameters", desc)
	}
	i++
	if desc[i:] == "V" {
		sig.Return = KindVoid
		return sig, nil
	}
	kind, n, err := parseFieldType(desc[i:])
	if err != nil || i+n != len(desc) {
		return Signature{}, fmt.Errorf("bad method descriptor %q: bad return type", desc)
	}
	sig.Return = kind
	return sig, nil
}

// FieldKind returns the value kind of a field descriptor.
func FieldKind(desc string) (ValueKind, error) {
	kind, n, err := parseFieldType(desc)
	if err != nil {
		return KindVoid, err
	}
	if n != len(desc) {
		return KindVoid, fmt.Errorf("bad field descriptor %q", desc)
	}
	return kind, nil
}

// parseFieldType reads one field type from the front of s and returns its
// kind and encoded length.
func parseFieldType(s string) (ValueKind, int, error) {
	if s == "" {
		return KindVoid, 0, fmt.Errorf("empty type")
	}
	switch s[0] {
	case 'I', 'Z', 'B', 'C', 'S':
		return KindInt, 1, nil
	case 'L':
		end := strings.IndexByte(s, ';')
		if end < 2 {
			return KindVoid, 0, fmt.Errorf("unterminated class type %q", s)
		}
		return KindRef, end + 1, nil
	case '[':
		_, n, err := parseFieldType(s[1:])
		if err != nil {
			return KindVoid, 0, err
		}
		return KindRef, n + 1, nil
	case 'J', 'F', 'D':
		return KindVoid, 0, fmt.Errorf("unsupported type %q", s[:1])
	default:
		return KindVoid, 0, fmt.Errorf("unknown type %q", s[:1])
	}
}
