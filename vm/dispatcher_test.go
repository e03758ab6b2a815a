package vm

import (
	"context"
	"errors"
	"testing"
)

// ---------------------------------------------------------------------------
// Handler selection
// ---------------------------------------------------------------------------

// nestedHandlers builds
//
//	static int f(int a, int b) {
//	    try {
//	        try { return a / b; }
//	        catch (ArithmeticException e) { return -1; }
//	    } catch (RuntimeException e) { return -2; }
//	}
func nestedHandlers(innerCatch string) *Class {
	c := NewClass("Nested", "")
	b := NewMethodBuilder("f", "(II)I").Static().SetMaxLocals(3)
	start, end := b.NewLabel(), b.NewLabel()
	inner, outer := b.NewLabel(), b.NewLabel()
	b.Mark(start)
	b.EmitByte(OpILoad, 0)
	b.EmitByte(OpILoad, 1)
	b.Emit(OpIDiv)
	b.Emit(OpIReturn)
	b.Mark(end)
	b.Mark(inner)
	b.EmitByte(OpAStore, 2)
	b.EmitPushInt(-1)
	b.Emit(OpIReturn)
	b.Mark(outer)
	b.EmitByte(OpAStore, 2)
	b.EmitPushInt(-2)
	b.Emit(OpIReturn)
	b.AddHandler(start, end, inner, innerCatch)
	b.AddHandler(start, outer, outer, ClassRuntimeException)
	c.AddMethod(b.MustBuild())
	return c
}

func TestInnermostHandlerWins(t *testing.T) {
	vm := loadClass(t, nestedHandlers(ClassArithmeticException))
	if got := runInt(t, vm, "Nested", "f", "(II)I", FromInt(1), FromInt(0)); got != -1 {
		t.Errorf("f(1, 0) = %d, want -1 (inner handler)", got)
	}
	if got := runInt(t, vm, "Nested", "f", "(II)I", FromInt(6), FromInt(3)); got != 2 {
		t.Errorf("f(6, 3) = %d, want 2", got)
	}
}

func TestNonMatchingInnerHandlerIsSkipped(t *testing.T) {
	vm := loadClass(t, nestedHandlers(ClassNullPointerException))
	if got := runInt(t, vm, "Nested", "f", "(II)I", FromInt(1), FromInt(0)); got != -2 {
		t.Errorf("f(1, 0) = %d, want -2 (outer handler)", got)
	}
}

func TestCatchAllHandler(t *testing.T) {
	vm := loadClass(t, nestedHandlers(""))
	if got := runInt(t, vm, "Nested", "f", "(II)I", FromInt(1), FromInt(0)); got != -1 {
		t.Errorf("f(1, 0) = %d, want -1 (catch-all)", got)
	}
}

// ---------------------------------------------------------------------------
// Unwinding across frames
// ---------------------------------------------------------------------------

// chain builds outer() -> middle() -> inner(), where inner divides by zero
// and only outer has a handler. middle leaves junk on its stack.
func chain() *Class {
	c := NewClass("Chain", "")

	inner := NewMethodBuilder("inner", "()I").Static()
	inner.EmitPushInt(1)
	inner.EmitPushInt(0)
	inner.Emit(OpIDiv)
	inner.Emit(OpIReturn)
	c.AddMethod(inner.MustBuild())

	middle := NewMethodBuilder("middle", "()I").Static()
	middle.EmitPushInt(100)
	middle.EmitPushInt(200)
	middle.Invoke(OpInvokeStatic, "Chain", "inner", "()I")
	middle.Emit(OpIAdd)
	middle.Emit(OpIReturn)
	c.AddMethod(middle.MustBuild())

	outer := NewMethodBuilder("outer", "()I").Static().SetMaxLocals(1)
	start, end, handler := outer.NewLabel(), outer.NewLabel(), outer.NewLabel()
	outer.EmitPushInt(5)
	outer.Mark(start)
	outer.Invoke(OpInvokeStatic, "Chain", "middle", "()I")
	outer.Mark(end)
	outer.Emit(OpIAdd)
	outer.Emit(OpIReturn)
	outer.Mark(handler)
	// the stack holds exactly the fault
	outer.EmitByte(OpAStore, 0)
	outer.EmitPushInt(42)
	outer.Emit(OpIReturn)
	outer.AddHandler(start, end, handler, ClassArithmeticException)
	c.AddMethod(outer.MustBuild())

	return c
}

func TestUnwindAcrossFrames(t *testing.T) {
	var trace []Transition
	vm := NewVM(WithDispatchObserver(func(tr Transition) { trace = append(trace, tr) }))
	if err := vm.Load(&Program{Classes: []*Class{chain()}}); err != nil {
		t.Fatal(err)
	}
	if got := runInt(t, vm, "Chain", "outer", "()I"); got != 42 {
		t.Fatalf("outer() = %d, want 42", got)
	}

	want := []struct{ from, to DispatchState }{
		{Running, Unwinding},
		{Unwinding, Handled},
		{Handled, Running},
	}
	if len(trace) != len(want) {
		t.Fatalf("trace = %+v, want %d transitions", trace, len(want))
	}
	for i, w := range want {
		if trace[i].From != w.from || trace[i].To != w.to {
			t.Errorf("transition %d = %v -> %v, want %v -> %v", i, trace[i].From, trace[i].To, w.from, w.to)
		}
	}
	if trace[0].Method != "Chain.inner:()I" {
		t.Errorf("fault raised in %q, want Chain.inner:()I", trace[0].Method)
	}
	if trace[1].Method != "Chain.outer:()I" || trace[1].Class != ClassArithmeticException {
		t.Errorf("handled in %q as %q", trace[1].Method, trace[1].Class)
	}
	if d := vm.Interpreter().CallStack().Depth(); d != 0 {
		t.Errorf("call stack depth = %d, want 0", d)
	}
}

func TestEscapeWithoutHandlers(t *testing.T) {
	var trace []Transition
	vm := NewVM(WithDispatchObserver(func(tr Transition) { trace = append(trace, tr) }))
	if err := vm.Load(&Program{Classes: []*Class{chain()}}); err != nil {
		t.Fatal(err)
	}
	_, err := vm.RunStatic(context.Background(), "Chain", "middle", "()I")
	var uf *UnhandledFault
	if !errors.As(err, &uf) {
		t.Fatalf("middle() error = %v, want UnhandledFault", err)
	}
	if uf.Origin != "Chain.inner:()I@0004" {
		t.Errorf("origin = %q, want Chain.inner:()I@0004", uf.Origin)
	}
	if uf.Error() != "Uncaught java/lang/ArithmeticException: Division by zero" {
		t.Errorf("Error() = %q", uf.Error())
	}
	last := trace[len(trace)-1]
	if last.From != Unwinding || last.To != Escaped {
		t.Errorf("last transition = %v -> %v, want Unwinding -> Escaped", last.From, last.To)
	}
}

func TestHandlerRangeIsHalfOpen(t *testing.T) {
	// The handler covers only the first instruction; the division after
	// it must escape.
	c := NewClass("Range", "")
	b := NewMethodBuilder("f", "()I").Static()
	start, end, handler := b.NewLabel(), b.NewLabel(), b.NewLabel()
	b.Mark(start)
	b.EmitPushInt(1)
	b.Mark(end)
	b.EmitPushInt(0)
	b.Emit(OpIDiv)
	b.Emit(OpIReturn)
	b.Mark(handler)
	b.Emit(OpIReturn)
	b.AddHandler(start, end, handler, "")
	c.AddMethod(b.MustBuild())
	vm := loadClass(t, c)

	_, err := vm.RunStatic(context.Background(), "Range", "f", "()I")
	var uf *UnhandledFault
	if !errors.As(err, &uf) {
		t.Fatalf("error = %v, want the fault to escape", err)
	}
}

// ---------------------------------------------------------------------------
// User-thrown objects
// ---------------------------------------------------------------------------

func TestThrowUserException(t *testing.T) {
	custom := NewClass("MyError", ClassRuntimeException)
	c := NewClass("Thrower", "")

	thrower := NewMethodBuilder("boom", "()V").Static()
	thrower.EmitConst(OpNew, ClassConst("MyError"))
	thrower.Emit(OpDup)
	thrower.Invoke(OpInvokeSpecial, "MyError", "<init>", "()V")
	thrower.Emit(OpAThrow)
	c.AddMethod(thrower.MustBuild())

	catcher := NewMethodBuilder("catcher", "()I").Static().SetMaxLocals(1)
	start, end, handler := catcher.NewLabel(), catcher.NewLabel(), catcher.NewLabel()
	catcher.Mark(start)
	catcher.Invoke(OpInvokeStatic, "Thrower", "boom", "()V")
	catcher.EmitPushInt(0)
	catcher.Emit(OpIReturn)
	catcher.Mark(end)
	catcher.Mark(handler)
	catcher.EmitConst(OpInstanceOf, ClassConst("MyError"))
	catcher.Emit(OpIReturn)
	catcher.AddHandler(start, end, handler, ClassRuntimeException)
	c.AddMethod(catcher.MustBuild())

	vm := NewVM()
	if err := vm.Load(&Program{Classes: []*Class{custom, c}}); err != nil {
		t.Fatal(err)
	}
	if got := runInt(t, vm, "Thrower", "catcher", "()I"); got != 1 {
		t.Errorf("catcher() = %d, want 1 (MyError caught as RuntimeException)", got)
	}

	_, err := vm.RunStatic(context.Background(), "Thrower", "boom", "()V")
	var uf *UnhandledFault
	if !errors.As(err, &uf) || uf.Class != "MyError" {
		t.Fatalf("boom() error = %v, want Uncaught MyError", err)
	}
	if uf.Kind() != 0 {
		t.Errorf("Kind() = %v, want 0 for a user class", uf.Kind())
	}
}

func TestThrowNullRaisesNullAccess(t *testing.T) {
	c := NewClass("ThrowNull", "")
	b := NewMethodBuilder("f", "()V").Static()
	b.Emit(OpAConstNull)
	b.Emit(OpAThrow)
	c.AddMethod(b.MustBuild())
	vm := loadClass(t, c)

	_, err := vm.RunStatic(context.Background(), "ThrowNull", "f", "()V")
	var uf *UnhandledFault
	if !errors.As(err, &uf) || uf.Kind() != NullAccessFault {
		t.Fatalf("error = %v, want NullAccessFault", err)
	}
}
