package vm

import (
	"context"
	"errors"
	"fmt"

	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("litevm.vm")

// Defaults for the engine limits.
const (
	DefaultMaxFrameDepth   = 1024
	DefaultMethodCacheSize = 256
)

// ---------------------------------------------------------------------------
// VM: The litevm execution engine
// ---------------------------------------------------------------------------

// VM owns a class table, a heap and an interpreter. A VM is driven by one
// goroutine at a time; callers that share one across goroutines serialize
// access themselves.
type VM struct {
	Classes *ClassTable
	Heap    *Heap

	// Well-known classes
	ObjectClass    *Class
	ThrowableClass *Class
	faultClasses   map[FaultKind]*Class

	interp  *Interpreter
	bridges *BridgeTable
	cache   *methodCache

	maxFrameDepth   int
	maxHeapEntities int
	methodCacheSize int
	observer        DispatchObserver
}

// Option configures a VM.
type Option func(*VM)

// WithMaxFrameDepth bounds the call stack; exceeding it raises a
// StackOverflowFault. Zero or less means unbounded.
func WithMaxFrameDepth(n int) Option {
	return func(vm *VM) { vm.maxFrameDepth = n }
}

// WithMaxHeapEntities bounds the heap; exceeding it is fatal.
func WithMaxHeapEntities(n int) Option {
	return func(vm *VM) { vm.maxHeapEntities = n }
}

// WithMethodCacheSize sets the size of the resolved-method cache.
func WithMethodCacheSize(n int) Option {
	return func(vm *VM) { vm.methodCacheSize = n }
}

// WithDispatchObserver registers an observer of dispatcher transitions.
func WithDispatchObserver(obs DispatchObserver) Option {
	return func(vm *VM) { vm.observer = obs }
}

// NewVM creates a VM with the bootstrap classes loaded.
func NewVM(opts ...Option) *VM {
	vm := &VM{
		Classes:         NewClassTable(),
		bridges:         NewBridgeTable(),
		maxFrameDepth:   DefaultMaxFrameDepth,
		methodCacheSize: DefaultMethodCacheSize,
	}
	for _, opt := range opts {
		opt(vm)
	}
	vm.Heap = NewHeap(vm.maxHeapEntities)
	vm.cache = newMethodCache(vm.methodCacheSize)
	vm.interp = newInterpreter(vm, vm.maxFrameDepth)
	vm.interp.dispatcher.observer = vm.observer

	vm.bootstrap()
	return vm
}

// MaxFrameDepth returns the configured call-stack bound.
func (vm *VM) MaxFrameDepth() int { return vm.maxFrameDepth }

// bootstrap creates java/lang/Object and the fault hierarchy.
func (vm *VM) bootstrap() {
	vm.ObjectClass = vm.bootstrapClass(ClassObject, nil)
	vm.bootstrapExceptionClasses()
}

// bootstrapClass creates, links and registers a class with a no-op ()V
// constructor.
func (vm *VM) bootstrapClass(name string, super *Class) *Class {
	superName := ""
	if super != nil {
		superName = super.Name
	}
	c := NewClass(name, superName)
	ctor := NewMethodBuilder("<init>", "()V")
	ctor.Emit(OpReturn)
	c.AddMethod(ctor.MustBuild())
	if err := c.link(super); err != nil {
		panic(err)
	}
	vm.Classes.Register(c)
	return c
}

// SetDispatchObserver replaces the dispatcher observer.
func (vm *VM) SetDispatchObserver(obs DispatchObserver) {
	vm.observer = obs
	vm.interp.dispatcher.observer = obs
}

// Interpreter returns the VM's interpreter.
func (vm *VM) Interpreter() *Interpreter {
	return vm.interp
}

// Bridges returns the VM's bridge table.
func (vm *VM) Bridges() *BridgeTable {
	return vm.bridges
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Program is a resolved program: classes ready to link plus a designated
// entry method.
type Program struct {
	Classes []*Class
	Entry   MethodRef
}

// Class returns the program class with the given name.
func (p *Program) Class(name string) *Class {
	for _, c := range p.Classes {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Load links and registers the classes of p. Superclasses may come from p
// or be already loaded. Loading is all or nothing: on error no class of p
// is registered.
func (vm *VM) Load(p *Program) error {
	pending := make(map[string]*Class, len(p.Classes))
	for _, c := range p.Classes {
		if _, dup := pending[c.Name]; dup {
			return fmt.Errorf("%w: class %s defined twice", ErrMalformed, c.Name)
		}
		if existing := vm.Classes.Lookup(c.Name); existing != nil {
			return fmt.Errorf("%w: class %s is already loaded", ErrMalformed, c.Name)
		}
		pending[c.Name] = c
	}

	// Link in superclass-first order.
	var order []*Class
	state := make(map[string]int, len(pending)) // 1 visiting, 2 done
	var visit func(c *Class) error
	visit = func(c *Class) error {
		switch state[c.Name] {
		case 1:
			return fmt.Errorf("%w: class %s inherits from itself", ErrMalformed, c.Name)
		case 2:
			return nil
		}
		state[c.Name] = 1
		if super, ok := pending[c.superOrObject()]; ok {
			if err := visit(super); err != nil {
				return err
			}
		}
		state[c.Name] = 2
		order = append(order, c)
		return nil
	}
	for _, c := range p.Classes {
		if err := visit(c); err != nil {
			return err
		}
	}

	for _, c := range order {
		superName := c.superOrObject()
		super := pending[superName]
		if super == nil {
			super = vm.Classes.Lookup(superName)
		}
		if super == nil {
			return fmt.Errorf("%w: class %s: unknown superclass %s", ErrMalformed, c.Name, superName)
		}
		c.SuperName = superName
		if err := c.link(super); err != nil {
			return err
		}
	}
	if err := vm.verifyProgram(p, pending); err != nil {
		return err
	}

	for _, c := range order {
		vm.Classes.Register(c)
	}
	vm.cache.purge()
	log.Infof("loaded %d classes", len(order))
	return nil
}

func (c *Class) superOrObject() string {
	if c.SuperName == "" {
		return ClassObject
	}
	return c.SuperName
}

// LookupClass finds a loaded class by name.
func (vm *VM) LookupClass(name string) *Class {
	return vm.Classes.Lookup(name)
}

func (vm *VM) resolveClass(name string) (*Class, error) {
	c := vm.Classes.Lookup(name)
	if c == nil {
		return nil, fmt.Errorf("%w: unknown class %s", ErrMalformed, name)
	}
	return c, nil
}

// ResolveMethod finds the method a reference names, walking superclasses.
func (vm *VM) ResolveMethod(ref MethodRef) (*CompiledMethod, error) {
	c, err := vm.resolveClass(ref.Class)
	if err != nil {
		return nil, err
	}
	m := c.LookupMethod(ref.Name, ref.Descriptor)
	if m == nil {
		return nil, fmt.Errorf("%w: no method %s", ErrMalformed, ref)
	}
	return m, nil
}

// resolveCall returns the target of an invoke instruction: a bridge when
// one is registered, the bytecode method otherwise.
func (vm *VM) resolveCall(op Opcode, ref MethodRef, args []Value) (*CompiledMethod, BridgeFunc, error) {
	if fn := vm.bridges.Lookup(ref.Key()); fn != nil {
		return nil, fn, nil
	}
	lookupClass := ref.Class
	if op == OpInvokeVirtual {
		if cls := vm.Heap.ClassOf(args[0].Ref()); cls != nil {
			lookupClass = cls.Name
		} else {
			lookupClass = ClassObject
		}
	}
	key := methodKey(lookupClass, ref.Name, ref.Descriptor)
	if m, ok := vm.cache.get(key); ok {
		return m, nil, nil
	}
	if op == OpInvokeVirtual && lookupClass != ref.Class {
		if fn := vm.bridges.Lookup(key); fn != nil {
			return nil, fn, nil
		}
	}
	m, err := vm.ResolveMethod(MethodRef{Class: lookupClass, Name: ref.Name, Descriptor: ref.Descriptor})
	if err != nil {
		return nil, nil, err
	}
	vm.cache.add(key, m)
	return m, nil, nil
}

// materialize turns a fault into a heap object of the fault's class.
func (vm *VM) materialize(f *Fault) (Ref, error) {
	cls := vm.faultClasses[f.Kind]
	if cls == nil {
		cls = vm.Classes.Lookup(ClassRuntimeException)
	}
	ref, err := vm.Heap.AllocateObject(cls)
	if err != nil {
		return NilRef, err
	}
	vm.Heap.SetDetail(ref, f.Message)
	return ref, nil
}

// ---------------------------------------------------------------------------
// Running
// ---------------------------------------------------------------------------

// Run invokes entry with args and returns its result. Instance methods take
// the receiver as args[0]. An escaping fault is returned as
// *UnhandledFault; fatal conditions wrap ErrStackUnderflow,
// ErrHeapExhausted or ErrMalformed; a cancelled ctx wraps ctx.Err().
func (vm *VM) Run(ctx context.Context, entry MethodRef, args []Value) (Value, error) {
	m, err := vm.ResolveMethod(entry)
	if err != nil {
		return Void, err
	}
	if err := vm.checkArgs(m, args); err != nil {
		return Void, err
	}
	result, err := vm.interp.Invoke(ctx, m, args)
	var uf *UnhandledFault
	switch {
	case errors.As(err, &uf):
		log.Debugf("run %s: %s", entry, uf)
	case err != nil:
		log.Errorf("run %s: %s", entry, err)
	}
	return result, err
}

// RunStatic is Run for a method named by parts.
func (vm *VM) RunStatic(ctx context.Context, class, name, descriptor string, args ...Value) (Value, error) {
	return vm.Run(ctx, MethodRef{Class: class, Name: name, Descriptor: descriptor}, args)
}

// Call invokes an instance method on receiver.
func (vm *VM) Call(ctx context.Context, receiver Ref, name, descriptor string, args ...Value) (Value, error) {
	cls := vm.Heap.ClassOf(receiver)
	if cls == nil {
		if receiver == NilRef {
			return Void, vm.escape(NewFault(NullAccessFault, fmt.Sprintf("invoking %s on null", name)))
		}
		cls = vm.ObjectClass
	}
	all := append([]Value{FromRef(receiver)}, args...)
	return vm.Run(ctx, MethodRef{Class: cls.Name, Name: name, Descriptor: descriptor}, all)
}

// NewInstance allocates an instance of class and runs the constructor with
// the given descriptor, as NEW followed by INVOKESPECIAL <init> would.
func (vm *VM) NewInstance(ctx context.Context, class, ctorDescriptor string, args ...Value) (Ref, error) {
	cls, err := vm.resolveClass(class)
	if err != nil {
		return NilRef, err
	}
	ref, err := vm.Heap.AllocateObject(cls)
	if err != nil {
		return NilRef, err
	}
	all := append([]Value{FromRef(ref)}, args...)
	if _, err := vm.Run(ctx, MethodRef{Class: class, Name: "<init>", Descriptor: ctorDescriptor}, all); err != nil {
		return NilRef, err
	}
	return ref, nil
}

// escape reports a fault raised outside any frame.
func (vm *VM) escape(f *Fault) error {
	ref, err := vm.materialize(f)
	if err != nil {
		return err
	}
	return &UnhandledFault{Class: vm.Heap.TypeName(ref), Message: f.Message, Ref: ref}
}

func (vm *VM) checkArgs(m *CompiledMethod, args []Value) error {
	if len(args) != m.NumArgs() {
		return fmt.Errorf("%s takes %d arguments, got %d", m, m.NumArgs(), len(args))
	}
	kinds := m.Signature().Args
	if !m.Static {
		if !args[0].IsReference() {
			return fmt.Errorf("%s: receiver must be a reference, got %v", m, args[0])
		}
		args = args[1:]
	}
	for i, k := range kinds {
		if args[i].Kind() != k {
			return fmt.Errorf("%s: argument %d must be %s, got %v", m, i, k, args[i])
		}
	}
	return nil
}

// Reset drops every heap entity and static field value. Loaded classes
// stay loaded.
func (vm *VM) Reset() {
	vm.Heap.Reset()
	for _, c := range vm.Classes.All() {
		c.resetStatics()
	}
}

// ---------------------------------------------------------------------------
// Metadata
// ---------------------------------------------------------------------------

// ClassInfo describes a loaded class.
type ClassInfo struct {
	Name      string
	SuperName string
	Fields    []FieldDescriptor
	Methods   []MethodInfo
	Bootstrap bool
}

// MethodInfo describes a method.
type MethodInfo struct {
	Name       string
	Descriptor string
	Static     bool
	MaxLocals  int
	CodeLength int
	Handlers   int
}

// ListClasses returns the names of every loaded class, sorted.
func (vm *VM) ListClasses() []string {
	return vm.Classes.Names()
}

// ClassMetadata describes a loaded class.
func (vm *VM) ClassMetadata(name string) (ClassInfo, bool) {
	c := vm.Classes.Lookup(name)
	if c == nil {
		return ClassInfo{}, false
	}
	info := ClassInfo{
		Name:      c.Name,
		SuperName: c.SuperName,
		Fields:    append([]FieldDescriptor(nil), c.Fields...),
		Bootstrap: c == vm.ObjectClass || vm.isBootstrapFault(c),
	}
	for _, m := range c.Methods {
		info.Methods = append(info.Methods, MethodInfo{
			Name:       m.Name,
			Descriptor: m.Descriptor,
			Static:     m.Static,
			MaxLocals:  m.MaxLocals,
			CodeLength: len(m.Bytecode),
			Handlers:   len(m.Handlers),
		})
	}
	return info, true
}

func (vm *VM) isBootstrapFault(c *Class) bool {
	switch c.Name {
	case ClassThrowable, ClassException, ClassError, ClassRuntimeException:
		return true
	}
	for _, fc := range vm.faultClasses {
		if fc == c {
			return true
		}
	}
	return false
}
