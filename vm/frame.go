package vm

// ---------------------------------------------------------------------------
// Frame: activation record of one invocation
// ---------------------------------------------------------------------------

// Frame is the state of one in-progress invocation: fixed local slots, an
// evaluation stack and the instruction pointer. Every call gets a fresh
// frame.
type Frame struct {
	Method *CompiledMethod
	Locals []Value
	IP     int // offset of the next instruction

	stack    []Value
	callSite int // offset of the instruction being executed
}

// newFrame binds args to the first local slots. Remaining slots stay
// unset until stored to.
func newFrame(m *CompiledMethod, args []Value) *Frame {
	n := m.MaxLocals
	if n < len(args) {
		n = len(args)
	}
	locals := make([]Value, n)
	copy(locals, args)
	return &Frame{
		Method: m,
		Locals: locals,
		stack:  make([]Value, 0, 8),
	}
}

// Push pushes v onto the evaluation stack.
func (f *Frame) Push(v Value) {
	f.stack = append(f.stack, v)
}

// Pop removes and returns the top of the evaluation stack. Popping an
// empty stack means the bytecode is unbalanced, which is fatal.
func (f *Frame) Pop() Value {
	n := len(f.stack)
	if n == 0 {
		panic(fatalf(ErrStackUnderflow, "%s at %04d", f.Method, f.callSite))
	}
	v := f.stack[n-1]
	f.stack = f.stack[:n-1]
	return v
}

// Peek returns the top of the evaluation stack without removing it.
func (f *Frame) Peek() Value {
	n := len(f.stack)
	if n == 0 {
		panic(fatalf(ErrStackUnderflow, "%s at %04d", f.Method, f.callSite))
	}
	return f.stack[n-1]
}

// PopN removes the top n values and returns them bottom first.
func (f *Frame) PopN(n int) []Value {
	if n > len(f.stack) {
		panic(fatalf(ErrStackUnderflow, "%s at %04d: need %d values, have %d", f.Method, f.callSite, n, len(f.stack)))
	}
	out := make([]Value, n)
	copy(out, f.stack[len(f.stack)-n:])
	f.stack = f.stack[:len(f.stack)-n]
	return out
}

// Depth returns the evaluation stack depth.
func (f *Frame) Depth() int {
	return len(f.stack)
}

// CallSite returns the offset of the instruction currently executing, or
// for a caller frame, of the invoke that is in progress.
func (f *Frame) CallSite() int {
	return f.callSite
}

func (f *Frame) clearStack() {
	f.stack = f.stack[:0]
}

func (f *Frame) popInt() int32 {
	v := f.Pop()
	if !v.IsInt() {
		panic(fatalf(ErrMalformed, "%s at %04d: expected int, found %v", f.Method, f.callSite, v))
	}
	return v.Int()
}

func (f *Frame) popRef() Ref {
	v := f.Pop()
	if !v.IsReference() {
		panic(fatalf(ErrMalformed, "%s at %04d: expected reference, found %v", f.Method, f.callSite, v))
	}
	return v.Ref()
}

func (f *Frame) local(idx int, kind ValueKind) Value {
	if idx >= len(f.Locals) {
		panic(fatalf(ErrMalformed, "%s at %04d: local %d out of range", f.Method, f.callSite, idx))
	}
	v := f.Locals[idx]
	if v.Kind() != kind {
		panic(fatalf(ErrMalformed, "%s at %04d: local %d holds %v, want %s", f.Method, f.callSite, idx, v, kind))
	}
	return v
}

func (f *Frame) setLocal(idx int, v Value) {
	if idx >= len(f.Locals) {
		panic(fatalf(ErrMalformed, "%s at %04d: local %d out of range", f.Method, f.callSite, idx))
	}
	f.Locals[idx] = v
}

// ---------------------------------------------------------------------------
// CallStack
// ---------------------------------------------------------------------------

// CallStack is the stack of active frames of one VM.
type CallStack struct {
	frames   []*Frame
	maxDepth int
}

// Depth returns the number of active frames.
func (cs *CallStack) Depth() int {
	return len(cs.frames)
}

// Top returns the innermost frame, nil when empty.
func (cs *CallStack) Top() *Frame {
	if len(cs.frames) == 0 {
		return nil
	}
	return cs.frames[len(cs.frames)-1]
}

// push adds a frame. It fails with a StackOverflowFault when the depth
// limit is reached.
func (cs *CallStack) push(f *Frame) error {
	if cs.maxDepth > 0 && len(cs.frames) >= cs.maxDepth {
		return NewFault(StackOverflowFault, "")
	}
	cs.frames = append(cs.frames, f)
	return nil
}

func (cs *CallStack) pop() *Frame {
	f := cs.frames[len(cs.frames)-1]
	cs.frames[len(cs.frames)-1] = nil
	cs.frames = cs.frames[:len(cs.frames)-1]
	return f
}

func (cs *CallStack) truncate(depth int) {
	for len(cs.frames) > depth {
		cs.pop()
	}
}
