package vm

import (
	"fmt"
	"sort"
	"sync"
)

// ---------------------------------------------------------------------------
// Class: descriptor of fields, methods and the superclass link
// ---------------------------------------------------------------------------

// FieldDescriptor declares a field of a class.
type FieldDescriptor struct {
	Name       string
	Descriptor string
	Static     bool
}

// Kind returns the value kind stored in the field. Descriptors are checked
// when the class is linked.
func (fd FieldDescriptor) Kind() ValueKind {
	k, _ := FieldKind(fd.Descriptor)
	return k
}

// Class is a loaded class. Classes are built with NewClass, populated with
// AddField and AddMethod, and become usable once the VM links them.
type Class struct {
	Name       string
	SuperName  string
	Superclass *Class

	Fields  []FieldDescriptor // declared fields, in declaration order
	Methods []*CompiledMethod // declared methods, in declaration order

	methods    map[string]*CompiledMethod // name+descriptor
	layout     []FieldDescriptor          // instance fields, inherited first
	fieldIndex map[string]int
	statics    map[string]Value
	linked     bool
}

// NewClass creates an unlinked class. An empty superName means the class
// is a root; only java/lang/Object should be one.
func NewClass(name, superName string) *Class {
	return &Class{
		Name:      name,
		SuperName: superName,
		methods:   make(map[string]*CompiledMethod),
	}
}

// AddField declares a field.
func (c *Class) AddField(name, descriptor string, static bool) {
	c.Fields = append(c.Fields, FieldDescriptor{Name: name, Descriptor: descriptor, Static: static})
}

// AddMethod declares a method and sets its declaring class. A method with
// the same name and descriptor replaces the earlier one.
func (c *Class) AddMethod(m *CompiledMethod) {
	m.Class = c
	key := m.Name + m.Descriptor
	if old, ok := c.methods[key]; ok {
		for i, existing := range c.Methods {
			if existing == old {
				c.Methods[i] = m
			}
		}
	} else {
		c.Methods = append(c.Methods, m)
	}
	c.methods[key] = m
}

// DeclaredMethod finds a method declared directly on c.
func (c *Class) DeclaredMethod(name, descriptor string) *CompiledMethod {
	return c.methods[name+descriptor]
}

// LookupMethod finds a method on c or the nearest superclass declaring it.
func (c *Class) LookupMethod(name, descriptor string) *CompiledMethod {
	for current := c; current != nil; current = current.Superclass {
		if m := current.methods[name+descriptor]; m != nil {
			return m
		}
	}
	return nil
}

// IsSubclassOf returns true if c is a subclass of other (or is the same class).
func (c *Class) IsSubclassOf(other *Class) bool {
	for current := c; current != nil; current = current.Superclass {
		if current == other {
			return true
		}
	}
	return false
}

// IsSubclassOfName is IsSubclassOf by class name.
func (c *Class) IsSubclassOfName(name string) bool {
	for current := c; current != nil; current = current.Superclass {
		if current.Name == name {
			return true
		}
	}
	return false
}

// FieldIndex returns the slot index of an instance field, or -1.
func (c *Class) FieldIndex(name string) int {
	if idx, ok := c.fieldIndex[name]; ok {
		return idx
	}
	return -1
}

// InstanceFields returns every instance field, inherited ones first.
func (c *Class) InstanceFields() []FieldDescriptor {
	return c.layout
}

// NumSlots returns the number of instance field slots.
func (c *Class) NumSlots() int {
	return len(c.layout)
}

// staticOwner finds the class declaring the static field name.
func (c *Class) staticOwner(name string) (*Class, FieldDescriptor, bool) {
	for current := c; current != nil; current = current.Superclass {
		for _, f := range current.Fields {
			if f.Static && f.Name == name {
				return current, f, true
			}
		}
	}
	return nil, FieldDescriptor{}, false
}

// GetStatic reads a static field. Statics are default-initialized on
// first use.
func (c *Class) GetStatic(name string) (Value, bool) {
	owner, fd, ok := c.staticOwner(name)
	if !ok {
		return Null, false
	}
	if v, ok := owner.statics[name]; ok {
		return v, true
	}
	return ZeroValue(fd.Kind()), true
}

// SetStatic writes a static field.
func (c *Class) SetStatic(name string, v Value) bool {
	owner, _, ok := c.staticOwner(name)
	if !ok {
		return false
	}
	if owner.statics == nil {
		owner.statics = make(map[string]Value)
	}
	owner.statics[name] = v
	return true
}

func (c *Class) resetStatics() {
	c.statics = nil
}

func (c *Class) String() string {
	return c.Name
}

// link resolves the superclass, validates declarations and computes the
// instance field layout. The superclass must already be linked.
func (c *Class) link(super *Class) error {
	if super != nil && !super.linked {
		return fmt.Errorf("%w: class %s linked before its superclass %s", ErrMalformed, c.Name, super.Name)
	}
	c.Superclass = super

	var layout []FieldDescriptor
	if super != nil {
		layout = append(layout, super.layout...)
	}
	seen := make(map[string]bool, len(c.Fields))
	for _, f := range c.Fields {
		if seen[f.Name] {
			return fmt.Errorf("%w: class %s declares field %s twice", ErrMalformed, c.Name, f.Name)
		}
		seen[f.Name] = true
		if _, err := FieldKind(f.Descriptor); err != nil {
			return fmt.Errorf("%w: field %s.%s: %v", ErrMalformed, c.Name, f.Name, err)
		}
		if !f.Static {
			layout = append(layout, f)
		}
	}
	c.layout = layout
	c.fieldIndex = make(map[string]int, len(layout))
	for i, f := range layout {
		// a redeclared field shadows the inherited one
		c.fieldIndex[f.Name] = i
	}

	for _, m := range c.Methods {
		sig, err := ParseDescriptor(m.Descriptor)
		if err != nil {
			return fmt.Errorf("%w: method %s.%s: %v", ErrMalformed, c.Name, m.Name, err)
		}
		m.sig = sig
		if m.MaxLocals < m.NumArgs() {
			m.MaxLocals = m.NumArgs()
		}
		if m.MaxLocals > 256 {
			return fmt.Errorf("%w: method %s: %d locals exceed the 8-bit slot index", ErrMalformed, m, m.MaxLocals)
		}
		m.callSigs = make([]*Signature, len(m.Pool))
		for i, k := range m.Pool {
			if k.Tag != ConstMethod {
				continue
			}
			callSig, err := ParseDescriptor(k.Descriptor)
			if err != nil {
				return fmt.Errorf("%w: method %s pool #%d: %v", ErrMalformed, m, i, err)
			}
			m.callSigs[i] = &callSig
		}
	}
	c.linked = true
	return nil
}

// ---------------------------------------------------------------------------
// ClassTable: Registry of all classes
// ---------------------------------------------------------------------------

// ClassTable maps class names to classes.
type ClassTable struct {
	mu      sync.RWMutex
	classes map[string]*Class
}

// NewClassTable creates a new empty class table.
func NewClassTable() *ClassTable {
	return &ClassTable{
		classes: make(map[string]*Class),
	}
}

// Register adds a class to the table.
// Returns the previous class with this name, or nil.
func (ct *ClassTable) Register(c *Class) *Class {
	ct.mu.Lock()
	defer ct.mu.Unlock()

	old := ct.classes[c.Name]
	ct.classes[c.Name] = c
	return old
}

// Lookup finds a class by name.
func (ct *ClassTable) Lookup(name string) *Class {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return ct.classes[name]
}

// Names returns all class names, sorted.
func (ct *ClassTable) Names() []string {
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	names := make([]string, 0, len(ct.classes))
	for name := range ct.classes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns all classes sorted by name.
func (ct *ClassTable) All() []*Class {
	names := ct.Names()
	ct.mu.RLock()
	defer ct.mu.RUnlock()

	out := make([]*Class, 0, len(names))
	for _, name := range names {
		out = append(out, ct.classes[name])
	}
	return out
}

// Len returns the number of registered classes.
func (ct *ClassTable) Len() int {
	ct.mu.RLock()
	defer ct.mu.RUnlock()
	return len(ct.classes)
}
