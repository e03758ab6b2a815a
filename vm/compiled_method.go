package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// CompiledMethod: Bytecode-based method implementation
// ---------------------------------------------------------------------------

// CompiledMethod is a method body: bytecode, its constant pool and the
// handler scopes that guard it.
type CompiledMethod struct {
	// Method identity
	Class      *Class // declaring class, set when added to a class
	Name       string
	Descriptor string
	Static     bool // no receiver in local slot 0

	// Frame shape
	MaxLocals int

	// Compiled code
	Bytecode []byte
	Pool     []Constant
	Handlers []HandlerScope

	sig Signature
	// call signatures of ConstMethod pool entries, filled in at link time
	callSigs []*Signature
}

// HandlerScope guards the byte range [Start, End) of a method. A fault
// raised there whose class is CatchType or a subclass resumes at Handler.
// An empty CatchType catches everything.
type HandlerScope struct {
	Start     int
	End       int
	Handler   int
	CatchType string
}

// Covers reports whether offset lies in the guarded range.
func (h HandlerScope) Covers(offset int) bool {
	return offset >= h.Start && offset < h.End
}

// Ref returns the method's reference.
func (m *CompiledMethod) Ref() MethodRef {
	r := MethodRef{Name: m.Name, Descriptor: m.Descriptor}
	if m.Class != nil {
		r.Class = m.Class.Name
	}
	return r
}

// Signature returns the parsed descriptor.
func (m *CompiledMethod) Signature() Signature {
	return m.sig
}

// NumArgs returns the number of local slots bound at entry, including the
// receiver for instance methods.
func (m *CompiledMethod) NumArgs() int {
	n := len(m.sig.Args)
	if !m.Static {
		n++
	}
	return n
}

func (m *CompiledMethod) String() string {
	return m.Ref().String()
}

// Disassemble returns a listing of the method body followed by its
// handler table.
func (m *CompiledMethod) Disassemble() string {
	out := Disassemble(m.Bytecode, m.Pool)
	for _, h := range m.Handlers {
		catch := h.CatchType
		if catch == "" {
			catch = "any"
		}
		out += fmt.Sprintf("\n  handler [%04d, %04d) -> %04d %s", h.Start, h.End, h.Handler, catch)
	}
	return out
}

// ---------------------------------------------------------------------------
// MethodBuilder
// ---------------------------------------------------------------------------

// MethodBuilder assembles a CompiledMethod: bytecode through the embedded
// BytecodeBuilder, a deduplicated constant pool, and handler scopes
// delimited by labels.
type MethodBuilder struct {
	*BytecodeBuilder

	name       string
	descriptor string
	static     bool
	maxLocals  int

	pool      []Constant
	poolIndex map[Constant]uint16
	handlers  []pendingHandler
}

type pendingHandler struct {
	start, end, handler *Label
	catchType           string
}

// NewMethodBuilder starts an instance method.
func NewMethodBuilder(name, descriptor string) *MethodBuilder {
	return &MethodBuilder{
		BytecodeBuilder: NewBytecodeBuilder(),
		name:            name,
		descriptor:      descriptor,
		maxLocals:       -1,
		poolIndex:       make(map[Constant]uint16),
	}
}

// Static marks the method static.
func (b *MethodBuilder) Static() *MethodBuilder {
	b.static = true
	return b
}

// SetMaxLocals sets the local slot count. When never called, the count
// defaults to the argument slots.
func (b *MethodBuilder) SetMaxLocals(n int) *MethodBuilder {
	b.maxLocals = n
	return b
}

// Const interns c and returns its pool index.
func (b *MethodBuilder) Const(c Constant) uint16 {
	if idx, ok := b.poolIndex[c]; ok {
		return idx
	}
	idx := uint16(len(b.pool))
	b.pool = append(b.pool, c)
	b.poolIndex[c] = idx
	return idx
}

// Int interns an integer constant.
func (b *MethodBuilder) Int(n int32) uint16 { return b.Const(IntConst(n)) }

// ClassRef interns a class constant.
func (b *MethodBuilder) ClassRef(name string) uint16 { return b.Const(ClassConst(name)) }

// FieldRef interns a field constant.
func (b *MethodBuilder) FieldRef(class, name, desc string) uint16 {
	return b.Const(FieldConst(class, name, desc))
}

// MethodRef interns a method constant.
func (b *MethodBuilder) MethodRef(class, name, desc string) uint16 {
	return b.Const(MethodConst(class, name, desc))
}

// EmitConst emits a pool-indexed instruction for c.
func (b *MethodBuilder) EmitConst(op Opcode, c Constant) {
	b.EmitUint16(op, b.Const(c))
}

// Invoke emits an invoke instruction for class.name:desc.
func (b *MethodBuilder) Invoke(op Opcode, class, name, desc string) {
	b.EmitUint16(op, b.MethodRef(class, name, desc))
}

// Field emits a field access instruction.
func (b *MethodBuilder) Field(op Opcode, class, name, desc string) {
	b.EmitUint16(op, b.FieldRef(class, name, desc))
}

// AddHandler guards [start, end) with a handler at handler. All three
// labels must be marked before Build.
func (b *MethodBuilder) AddHandler(start, end, handler *Label, catchType string) {
	b.handlers = append(b.handlers, pendingHandler{start, end, handler, catchType})
}

// Build finishes the method. The returned method is not yet attached to a
// class.
func (b *MethodBuilder) Build() (*CompiledMethod, error) {
	sig, err := ParseDescriptor(b.descriptor)
	if err != nil {
		return nil, err
	}
	m := &CompiledMethod{
		Name:       b.name,
		Descriptor: b.descriptor,
		Static:     b.static,
		Bytecode:   append([]byte(nil), b.Bytes()...),
		Pool:       append([]Constant(nil), b.pool...),
		sig:        sig,
	}
	m.MaxLocals = b.maxLocals
	if m.MaxLocals < m.NumArgs() {
		m.MaxLocals = m.NumArgs()
	}
	for _, h := range b.handlers {
		if !h.start.Resolved() || !h.end.Resolved() || !h.handler.Resolved() {
			return nil, fmt.Errorf("%s%s: handler label not marked", b.name, b.descriptor)
		}
		m.Handlers = append(m.Handlers, HandlerScope{
			Start:     h.start.Position(),
			End:       h.end.Position(),
			Handler:   h.handler.Position(),
			CatchType: h.catchType,
		})
	}
	return m, nil
}

// MustBuild is Build for statically known methods; it panics on error.
func (b *MethodBuilder) MustBuild() *CompiledMethod {
	m, err := b.Build()
	if err != nil {
		panic(err)
	}
	return m
}

// NewCompiledMethod creates a method from already assembled parts, as the
// program loader does.
func NewCompiledMethod(name, descriptor string, static bool, maxLocals int, bytecode []byte, pool []Constant, handlers []HandlerScope) (*CompiledMethod, error) {
	sig, err := ParseDescriptor(descriptor)
	if err != nil {
		return nil, err
	}
	m := &CompiledMethod{
		Name:       name,
		Descriptor: descriptor,
		Static:     static,
		MaxLocals:  maxLocals,
		Bytecode:   bytecode,
		Pool:       pool,
		Handlers:   handlers,
		sig:        sig,
	}
	if m.MaxLocals < m.NumArgs() {
		m.MaxLocals = m.NumArgs()
	}
	return m, nil
}
