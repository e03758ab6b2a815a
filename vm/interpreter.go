package vm

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ---------------------------------------------------------------------------
// Interpreter: Bytecode execution engine
// ---------------------------------------------------------------------------

// Interpreter executes bytecode on an explicit call stack. Calls push a
// frame and returns pop one; the Go stack does not grow with the guest
// call depth.
type Interpreter struct {
	vm         *VM
	stack      CallStack
	dispatcher dispatcher
}

func newInterpreter(vm *VM, maxDepth int) *Interpreter {
	in := &Interpreter{vm: vm}
	in.stack.maxDepth = maxDepth
	in.dispatcher = dispatcher{heap: vm.Heap, stack: &in.stack}
	return in
}

// CallStack returns the interpreter's call stack.
func (in *Interpreter) CallStack() *CallStack {
	return &in.stack
}

// thrownError carries an object thrown by ATHROW out of step.
type thrownError struct {
	ref Ref
}

func (e *thrownError) Error() string {
	return fmt.Sprintf("thrown ref#%d", e.ref)
}

// Invoke runs m with args bound to its first local slots and returns its
// result. It is reentrant: a bridge may invoke guest code, and the nested
// invocation only ever unwinds its own frames.
func (in *Interpreter) Invoke(ctx context.Context, m *CompiledMethod, args []Value) (result Value, err error) {
	base := in.stack.Depth()
	defer func() {
		if r := recover(); r != nil {
			fe, ok := r.(fatalError)
			if !ok {
				in.stack.truncate(base)
				panic(r)
			}
			result, err = Void, fe.err
		}
		if err != nil {
			in.stack.truncate(base)
		}
	}()

	if fn := in.vm.bridges.Lookup(m.Ref().Key()); fn != nil {
		v, berr := fn(&BridgeContext{Ctx: ctx, VM: in.vm}, args)
		if berr != nil {
			return Void, in.throw(berr, base)
		}
		return v, nil
	}
	if err := in.enter(m, args); err != nil {
		return Void, in.throw(err, base)
	}
	return in.execute(ctx, base)
}

// execute runs until the frame at depth base returns or a fault escapes it.
func (in *Interpreter) execute(ctx context.Context, base int) (Value, error) {
	for {
		v, done, err := in.step(ctx, base)
		if err != nil {
			if err := in.throw(err, base); err != nil {
				return Void, err
			}
			continue
		}
		if done {
			return v, nil
		}
	}
}

// throw hands a fault, a thrown object, or a fault that escaped a nested
// invocation to the dispatcher. It returns nil when a handler took it, the
// *UnhandledFault when it escaped, and any other error unchanged: those are
// fatal and bypass handlers.
func (in *Interpreter) throw(err error, base int) error {
	var ref Ref
	var thrown *thrownError
	var fault *Fault
	var escaped *UnhandledFault
	switch {
	case errors.As(err, &thrown):
		ref = thrown.ref
	case errors.As(err, &escaped) && escaped.Ref != NilRef:
		// escaped a nested invocation, typically guest code a bridge re-entered
		ref = escaped.Ref
	case errors.As(err, &fault):
		r, aerr := in.vm.materialize(fault)
		if aerr != nil {
			return aerr
		}
		ref = r
	default:
		return err
	}
	if uf := in.dispatcher.dispatch(ref, base); uf != nil {
		return uf
	}
	return nil
}

// enter pushes a frame for m.
func (in *Interpreter) enter(m *CompiledMethod, args []Value) error {
	if len(m.Bytecode) == 0 {
		return fmt.Errorf("%w: %s has no body and no bridge", ErrMalformed, m)
	}
	if len(args) != m.NumArgs() {
		return fmt.Errorf("%w: %s takes %d arguments, got %d", ErrMalformed, m, m.NumArgs(), len(args))
	}
	return in.stack.push(newFrame(m, args))
}

// ret pops the current frame and hands v to the caller.
func (in *Interpreter) ret(v Value, base int) (Value, bool, error) {
	in.stack.pop()
	if in.stack.Depth() == base {
		return v, true, nil
	}
	if !v.IsVoid() {
		in.stack.Top().Push(v)
	}
	return Void, false, nil
}

// ---------------------------------------------------------------------------
// Operand decoding
// ---------------------------------------------------------------------------

func (f *Frame) operand(n int) []byte {
	code := f.Method.Bytecode
	if f.IP+n > len(code) {
		panic(fatalf(ErrMalformed, "%s at %04d: truncated operand", f.Method, f.callSite))
	}
	b := code[f.IP : f.IP+n]
	f.IP += n
	return b
}

func (f *Frame) u8() int     { return int(f.operand(1)[0]) }
func (f *Frame) i8() int32   { return int32(int8(f.operand(1)[0])) }
func (f *Frame) i16() int32  { return int32(int16(binary.LittleEndian.Uint16(f.operand(2)))) }
func (f *Frame) u16() uint16 { return binary.LittleEndian.Uint16(f.operand(2)) }
func (f *Frame) i32() int32  { return int32(binary.LittleEndian.Uint32(f.operand(4))) }

func (f *Frame) constant(idx uint16, tag ConstTag) Constant {
	if int(idx) >= len(f.Method.Pool) {
		panic(fatalf(ErrMalformed, "%s at %04d: pool index %d out of range", f.Method, f.callSite, idx))
	}
	c := f.Method.Pool[idx]
	if c.Tag != tag {
		panic(fatalf(ErrMalformed, "%s at %04d: pool #%d is %s, want %s", f.Method, f.callSite, idx, c.Tag, tag))
	}
	return c
}

// jump moves the instruction pointer. Backward jumps are where a running
// loop notices cancellation.
func (f *Frame) jump(ctx context.Context, offset int32) error {
	target := f.IP + int(offset)
	if target < 0 || target >= len(f.Method.Bytecode) {
		panic(fatalf(ErrMalformed, "%s at %04d: branch target %d out of range", f.Method, f.callSite, target))
	}
	f.IP = target
	if offset < 0 {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("execution cancelled: %w", err)
		}
	}
	return nil
}

func boolInt(b bool) Value {
	if b {
		return FromInt(1)
	}
	return FromInt(0)
}

// ---------------------------------------------------------------------------
// Instruction execution
// ---------------------------------------------------------------------------

// step executes one instruction of the innermost frame. done is set when
// the frame at depth base returned v. A returned error is a fault, a
// thrown object, or a fatal condition.
func (in *Interpreter) step(ctx context.Context, base int) (Value, bool, error) {
	f := in.stack.Top()
	heap := in.vm.Heap
	if f.IP >= len(f.Method.Bytecode) {
		return Void, false, fmt.Errorf("%w: %s ran past the end of its code", ErrMalformed, f.Method)
	}
	f.callSite = f.IP
	op := Opcode(f.Method.Bytecode[f.IP])
	f.IP++

	switch op {
	// --- constants ---
	case OpNOP:
	case OpAConstNull:
		f.Push(Null)
	case OpIConst:
		f.Push(FromInt(f.i32()))
	case OpBIPush:
		f.Push(FromInt(f.i8()))
	case OpSIPush:
		f.Push(FromInt(f.i16()))
	case OpLDC:
		f.Push(FromInt(f.constant(f.u16(), ConstInt).Int))

	// --- locals ---
	case OpILoad:
		f.Push(f.local(f.u8(), KindInt))
	case OpALoad:
		f.Push(f.local(f.u8(), KindRef))
	case OpIStore:
		idx := f.u8()
		f.setLocal(idx, FromInt(f.popInt()))
	case OpAStore:
		idx := f.u8()
		f.setLocal(idx, FromRef(f.popRef()))
	case OpIInc:
		idx := f.u8()
		delta := f.i16()
		f.setLocal(idx, FromInt(Add(f.local(idx, KindInt).Int(), delta)))

	// --- stack ---
	case OpPop:
		f.Pop()
	case OpDup:
		f.Push(f.Peek())
	case OpSwap:
		b, a := f.Pop(), f.Pop()
		f.Push(b)
		f.Push(a)

	// --- arithmetic ---
	case OpIAdd, OpISub, OpIMul, OpIDiv, OpIRem, OpIAnd, OpIOr, OpIXor, OpIShl, OpIShr, OpIUshr:
		b, a := f.popInt(), f.popInt()
		r, err := binaryOp(op, a, b)
		if err != nil {
			return Void, false, err
		}
		f.Push(FromInt(r))
	case OpINeg:
		f.Push(FromInt(Neg(f.popInt())))

	// --- control flow ---
	case OpGoto:
		return Void, false, f.jump(ctx, f.i16())
	case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe:
		offset := f.i16()
		if compareZero(op, f.popInt()) {
			return Void, false, f.jump(ctx, offset)
		}
	case OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe:
		offset := f.i16()
		b, a := f.popInt(), f.popInt()
		if compareInts(op, a, b) {
			return Void, false, f.jump(ctx, offset)
		}
	case OpIfACmpEq, OpIfACmpNe:
		offset := f.i16()
		b, a := f.popRef(), f.popRef()
		if (a == b) == (op == OpIfACmpEq) {
			return Void, false, f.jump(ctx, offset)
		}
	case OpIfNull, OpIfNonNull:
		offset := f.i16()
		isNull := f.popRef() == NilRef
		if isNull == (op == OpIfNull) {
			return Void, false, f.jump(ctx, offset)
		}

	// --- returns and throw ---
	case OpIReturn:
		return in.ret(FromInt(f.popInt()), base)
	case OpAReturn:
		return in.ret(FromRef(f.popRef()), base)
	case OpReturn:
		return in.ret(Void, base)
	case OpAThrow:
		ref := f.popRef()
		if ref == NilRef {
			return Void, false, NewFault(NullAccessFault, "throw null")
		}
		if !heap.InstanceOf(ref, ClassThrowable) {
			return Void, false, fmt.Errorf("%w: %s at %04d throws non-throwable %s", ErrMalformed, f.Method, f.callSite, heap.TypeName(ref))
		}
		return Void, false, &thrownError{ref: ref}

	// --- objects ---
	case OpNew:
		cls, err := in.vm.resolveClass(f.constant(f.u16(), ConstClass).Class)
		if err != nil {
			return Void, false, err
		}
		ref, err := heap.AllocateObject(cls)
		if err != nil {
			return Void, false, err
		}
		f.Push(FromRef(ref))
	case OpGetField:
		c := f.constant(f.u16(), ConstField)
		owner, err := in.vm.resolveClass(c.Class)
		if err != nil {
			return Void, false, err
		}
		val, err := heap.GetFieldOf(f.popRef(), owner, c.Name)
		if err != nil {
			return Void, false, err
		}
		f.Push(val)
	case OpPutField:
		c := f.constant(f.u16(), ConstField)
		owner, err := in.vm.resolveClass(c.Class)
		if err != nil {
			return Void, false, err
		}
		val := f.Pop()
		if err := heap.SetFieldOf(f.popRef(), owner, c.Name, val); err != nil {
			return Void, false, err
		}
	case OpGetStatic:
		c := f.constant(f.u16(), ConstField)
		cls, err := in.vm.resolveClass(c.Class)
		if err != nil {
			return Void, false, err
		}
		val, ok := cls.GetStatic(c.Name)
		if !ok {
			return Void, false, fmt.Errorf("%w: no static field %s.%s", ErrMalformed, c.Class, c.Name)
		}
		f.Push(val)
	case OpPutStatic:
		c := f.constant(f.u16(), ConstField)
		cls, err := in.vm.resolveClass(c.Class)
		if err != nil {
			return Void, false, err
		}
		val := f.Pop()
		if kind, _ := FieldKind(c.Descriptor); val.Kind() != kind {
			return Void, false, fmt.Errorf("%w: storing %v into %s static %s.%s", ErrMalformed, val, kind, c.Class, c.Name)
		}
		if !cls.SetStatic(c.Name, val) {
			return Void, false, fmt.Errorf("%w: no static field %s.%s", ErrMalformed, c.Class, c.Name)
		}
	case OpInstanceOf:
		c := f.constant(f.u16(), ConstClass)
		f.Push(boolInt(heap.InstanceOf(f.popRef(), c.Class)))
	case OpCheckCast:
		c := f.constant(f.u16(), ConstClass)
		ref := f.popRef()
		f.Push(FromRef(ref))
		if ref != NilRef && !heap.InstanceOf(ref, c.Class) {
			return Void, false, NewFault(CastFault, fmt.Sprintf("%s cannot be cast to %s", heap.TypeName(ref), c.Class))
		}

	// --- arrays ---
	case OpNewArray:
		if code := byte(f.u8()); code != ArrayTypeInt {
			return Void, false, fmt.Errorf("%w: unsupported NEWARRAY type code %d", ErrMalformed, code)
		}
		ref, err := heap.AllocateArray(ElemInt, nil, f.popInt())
		if err != nil {
			return Void, false, err
		}
		f.Push(FromRef(ref))
	case OpANewArray:
		c := f.constant(f.u16(), ConstClass)
		// array-typed elements are only constrained to be references
		elem := in.vm.Classes.Lookup(c.Class)
		if elem == nil && !strings.HasPrefix(c.Class, "[") {
			return Void, false, fmt.Errorf("%w: unknown class %s", ErrMalformed, c.Class)
		}
		ref, err := heap.AllocateArray(ElemRef, elem, f.popInt())
		if err != nil {
			return Void, false, err
		}
		f.Push(FromRef(ref))
	case OpArrayLength:
		n, err := heap.ArrayLength(f.popRef())
		if err != nil {
			return Void, false, err
		}
		f.Push(FromInt(n))
	case OpIALoad, OpAALoad:
		idx := f.popInt()
		val, err := heap.GetElement(f.popRef(), idx)
		if err != nil {
			return Void, false, err
		}
		if (op == OpIALoad) != val.IsInt() {
			return Void, false, fmt.Errorf("%w: %s on %v element", ErrMalformed, op, val)
		}
		f.Push(val)
	case OpIAStore, OpAAStore:
		val := f.Pop()
		idx := f.popInt()
		if err := heap.SetElement(f.popRef(), idx, val); err != nil {
			return Void, false, err
		}

	// --- calls ---
	case OpInvokeStatic, OpInvokeSpecial, OpInvokeVirtual:
		return Void, false, in.invoke(ctx, f, op)

	default:
		return Void, false, fmt.Errorf("%w: unknown opcode 0x%02X in %s at %04d", ErrMalformed, byte(op), f.Method, f.callSite)
	}
	return Void, false, nil
}

// invoke performs a call instruction: pops the receiver and arguments,
// resolves the target and either runs a bridge inline or pushes a frame.
func (in *Interpreter) invoke(ctx context.Context, f *Frame, op Opcode) error {
	idx := f.u16()
	c := f.constant(idx, ConstMethod)
	var sig *Signature
	if int(idx) < len(f.Method.callSigs) {
		sig = f.Method.callSigs[idx]
	}
	if sig == nil {
		parsed, err := ParseDescriptor(c.Descriptor)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		sig = &parsed
	}

	argc := len(sig.Args)
	if op != OpInvokeStatic {
		argc++
	}
	args := f.PopN(argc)
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("execution cancelled: %w", err)
	}
	if op != OpInvokeStatic && args[0].IsNull() {
		return NewFault(NullAccessFault, fmt.Sprintf("invoking %s.%s on null", c.Class, c.Name))
	}

	target, bridge, err := in.vm.resolveCall(op, c.MethodRef(), args)
	if err != nil {
		return err
	}
	if bridge != nil {
		v, err := bridge(&BridgeContext{Ctx: ctx, VM: in.vm}, args)
		if err != nil {
			return err
		}
		if sig.Return != KindVoid {
			if v.Kind() != sig.Return {
				return fmt.Errorf("%w: bridge %s returned %v", ErrMalformed, c.MethodRef(), v)
			}
			f.Push(v)
		}
		return nil
	}
	if (op == OpInvokeStatic) != target.Static {
		return fmt.Errorf("%w: %s of %s", ErrMalformed, op, target)
	}
	return in.enter(target, args)
}

func binaryOp(op Opcode, a, b int32) (int32, error) {
	switch op {
	case OpIAdd:
		return Add(a, b), nil
	case OpISub:
		return Sub(a, b), nil
	case OpIMul:
		return Mul(a, b), nil
	case OpIDiv:
		return Div(a, b)
	case OpIRem:
		return Rem(a, b)
	case OpIAnd:
		return And(a, b), nil
	case OpIOr:
		return Or(a, b), nil
	case OpIXor:
		return Xor(a, b), nil
	case OpIShl:
		return Shl(a, b), nil
	case OpIShr:
		return Shr(a, b), nil
	default:
		return Ushr(a, b), nil
	}
}

func compareZero(op Opcode, a int32) bool {
	return compareInts(op+(OpIfICmpEq-OpIfEq), a, 0)
}

func compareInts(op Opcode, a, b int32) bool {
	c := Compare(a, b)
	switch op {
	case OpIfICmpEq:
		return c == 0
	case OpIfICmpNe:
		return c != 0
	case OpIfICmpLt:
		return c < 0
	case OpIfICmpGe:
		return c >= 0
	case OpIfICmpGt:
		return c > 0
	default:
		return c <= 0
	}
}
