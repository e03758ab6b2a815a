package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Fault taxonomy
// ---------------------------------------------------------------------------

// FaultKind identifies a runtime fault raised by the value model, the heap
// or the call stack.
type FaultKind int

const (
	ArithmeticFault FaultKind = iota + 1
	NullAccessFault
	IndexFault
	NegativeSizeFault
	TypeFault
	StackOverflowFault
	CastFault
)

// Well-known class names of the fault hierarchy.
const (
	ClassObject               = "java/lang/Object"
	ClassThrowable            = "java/lang/Throwable"
	ClassException            = "java/lang/Exception"
	ClassError                = "java/lang/Error"
	ClassRuntimeException     = "java/lang/RuntimeException"
	ClassArithmeticException  = "java/lang/ArithmeticException"
	ClassNullPointerException = "java/lang/NullPointerException"
	ClassIndexOutOfBounds     = "java/lang/ArrayIndexOutOfBoundsException"
	ClassNegativeArraySize    = "java/lang/NegativeArraySizeException"
	ClassArrayStoreException  = "java/lang/ArrayStoreException"
	ClassStackOverflowError   = "java/lang/StackOverflowError"
	ClassClassCastException   = "java/lang/ClassCastException"
)

var faultClassNames = map[FaultKind]string{
	ArithmeticFault:    ClassArithmeticException,
	NullAccessFault:    ClassNullPointerException,
	IndexFault:         ClassIndexOutOfBounds,
	NegativeSizeFault:  ClassNegativeArraySize,
	TypeFault:          ClassArrayStoreException,
	StackOverflowFault: ClassStackOverflowError,
	CastFault:          ClassClassCastException,
}

// ClassName returns the name of the class a fault of this kind is raised as.
func (k FaultKind) ClassName() string {
	if name, ok := faultClassNames[k]; ok {
		return name
	}
	return ClassRuntimeException
}

func (k FaultKind) String() string {
	switch k {
	case ArithmeticFault:
		return "ArithmeticFault"
	case NullAccessFault:
		return "NullAccessFault"
	case IndexFault:
		return "IndexFault"
	case NegativeSizeFault:
		return "NegativeSizeFault"
	case TypeFault:
		return "TypeFault"
	case StackOverflowFault:
		return "StackOverflowFault"
	case CastFault:
		return "CastFault"
	default:
		return fmt.Sprintf("FaultKind(%d)", int(k))
	}
}

// Fault is a catchable runtime fault. It never leaves the engine as-is:
// the interpreter materializes it as a heap object and hands it to the
// dispatcher.
type Fault struct {
	Kind    FaultKind
	Message string
}

// NewFault creates a fault of the given kind.
func NewFault(kind FaultKind, message string) *Fault {
	return &Fault{Kind: kind, Message: message}
}

func (f *Fault) Error() string {
	if f.Message == "" {
		return f.Kind.String()
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// ---------------------------------------------------------------------------
// Fatal conditions
// ---------------------------------------------------------------------------

// Fatal conditions are never routed to handlers. They abort the top-level
// invocation and reach the driver as errors wrapping one of these.
var (
	ErrStackUnderflow = errors.New("evaluation stack underflow")
	ErrHeapExhausted  = errors.New("heap exhausted")
	ErrMalformed      = errors.New("malformed program")
)

// fatalError is panicked from deep inside the interpreter and recovered at
// the invocation boundary.
type fatalError struct {
	err error
}

func fatalf(sentinel error, format string, args ...any) fatalError {
	return fatalError{err: fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))}
}

// ---------------------------------------------------------------------------
// Escaping faults
// ---------------------------------------------------------------------------

// UnhandledFault is returned by Run when a fault escapes the outermost frame.
type UnhandledFault struct {
	Class   string // runtime class of the thrown object
	Message string // detail message, may be empty
	Origin  string // Class.name:descriptor@offset of the raising instruction
	Ref     Ref    // the thrown object, still live in the heap
}

func (e *UnhandledFault) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("Uncaught %s", e.Class)
	}
	return fmt.Sprintf("Uncaught %s: %s", e.Class, e.Message)
}

// Kind maps the escaped class back to a FaultKind. Faults thrown by user
// code with a class outside the taxonomy report zero.
func (e *UnhandledFault) Kind() FaultKind {
	for kind, name := range faultClassNames {
		if name == e.Class {
			return kind
		}
	}
	return 0
}

// ---------------------------------------------------------------------------
// Bootstrap of the fault hierarchy
// ---------------------------------------------------------------------------

// bootstrapExceptionClasses creates Throwable and the fault classes. Every
// class gets a no-op ()V constructor so user code can subclass and
// instantiate them.
func (vm *VM) bootstrapExceptionClasses() {
	vm.ThrowableClass = vm.bootstrapClass(ClassThrowable, vm.ObjectClass)
	exception := vm.bootstrapClass(ClassException, vm.ThrowableClass)
	errorClass := vm.bootstrapClass(ClassError, vm.ThrowableClass)
	runtimeEx := vm.bootstrapClass(ClassRuntimeException, exception)

	vm.faultClasses = map[FaultKind]*Class{
		ArithmeticFault:    vm.bootstrapClass(ClassArithmeticException, runtimeEx),
		NullAccessFault:    vm.bootstrapClass(ClassNullPointerException, runtimeEx),
		IndexFault:         vm.bootstrapClass(ClassIndexOutOfBounds, runtimeEx),
		NegativeSizeFault:  vm.bootstrapClass(ClassNegativeArraySize, runtimeEx),
		TypeFault:          vm.bootstrapClass(ClassArrayStoreException, runtimeEx),
		StackOverflowFault: vm.bootstrapClass(ClassStackOverflowError, errorClass),
		CastFault:          vm.bootstrapClass(ClassClassCastException, runtimeEx),
	}
}

// FaultClass returns the class a fault kind is raised as.
func (vm *VM) FaultClass(kind FaultKind) *Class {
	return vm.faultClasses[kind]
}
