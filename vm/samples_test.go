package vm

import (
	"context"
	"testing"
)

// ---------------------------------------------------------------------------
// Sample programs, assembled the way javac compiles them
// ---------------------------------------------------------------------------

func buildArraySample() *Class {
	c := NewClass("ArraySample", ClassObject)

	// static int sum(int[] data)
	sum := NewMethodBuilder("sum", "([I)I").Static().SetMaxLocals(3)
	sum.EmitPushInt(0)
	sum.EmitByte(OpIStore, 1)
	sum.EmitPushInt(0)
	sum.EmitByte(OpIStore, 2)
	loop, end := sum.NewLabel(), sum.NewLabel()
	sum.Mark(loop)
	sum.EmitByte(OpILoad, 2)
	sum.EmitByte(OpALoad, 0)
	sum.Emit(OpArrayLength)
	sum.EmitJump(OpIfICmpGe, end)
	sum.EmitByte(OpILoad, 1)
	sum.EmitByte(OpALoad, 0)
	sum.EmitByte(OpILoad, 2)
	sum.Emit(OpIALoad)
	sum.Emit(OpIAdd)
	sum.EmitByte(OpIStore, 1)
	sum.EmitIInc(2, 1)
	sum.EmitJump(OpGoto, loop)
	sum.Mark(end)
	sum.EmitByte(OpILoad, 1)
	sum.Emit(OpIReturn)
	c.AddMethod(sum.MustBuild())

	// static int[] create(int size)
	create := NewMethodBuilder("create", "(I)[I").Static().SetMaxLocals(3)
	create.EmitByte(OpILoad, 0)
	create.EmitByte(OpNewArray, ArrayTypeInt)
	create.EmitByte(OpAStore, 1)
	create.EmitPushInt(0)
	create.EmitByte(OpIStore, 2)
	loop, end = create.NewLabel(), create.NewLabel()
	create.Mark(loop)
	create.EmitByte(OpILoad, 2)
	create.EmitByte(OpILoad, 0)
	create.EmitJump(OpIfICmpGe, end)
	create.EmitByte(OpALoad, 1)
	create.EmitByte(OpILoad, 2)
	create.EmitByte(OpILoad, 2)
	create.EmitPushInt(2)
	create.Emit(OpIMul)
	create.Emit(OpIAStore)
	create.EmitIInc(2, 1)
	create.EmitJump(OpGoto, loop)
	create.Mark(end)
	create.EmitByte(OpALoad, 1)
	create.Emit(OpAReturn)
	c.AddMethod(create.MustBuild())

	// static Object[] createObjects(int size)
	objs := NewMethodBuilder("createObjects", "(I)[Ljava/lang/Object;").Static().SetMaxLocals(3)
	objs.EmitByte(OpILoad, 0)
	objs.EmitConst(OpANewArray, ClassConst(ClassObject))
	objs.EmitByte(OpAStore, 1)
	objs.EmitPushInt(0)
	objs.EmitByte(OpIStore, 2)
	loop, end = objs.NewLabel(), objs.NewLabel()
	objs.Mark(loop)
	objs.EmitByte(OpILoad, 2)
	objs.EmitByte(OpILoad, 0)
	objs.EmitJump(OpIfICmpGe, end)
	objs.EmitByte(OpALoad, 1)
	objs.EmitByte(OpILoad, 2)
	objs.EmitConst(OpNew, ClassConst(ClassObject))
	objs.Emit(OpDup)
	objs.Invoke(OpInvokeSpecial, ClassObject, "<init>", "()V")
	objs.Emit(OpAAStore)
	objs.EmitIInc(2, 1)
	objs.EmitJump(OpGoto, loop)
	objs.Mark(end)
	objs.EmitByte(OpALoad, 1)
	objs.Emit(OpAReturn)
	c.AddMethod(objs.MustBuild())

	return c
}

func buildExceptionSample() *Class {
	c := NewClass("ExceptionSample", ClassObject)

	// static int safeDivide(int a, int b)
	safe := NewMethodBuilder("safeDivide", "(II)I").Static().SetMaxLocals(3)
	start, end, handler := safe.NewLabel(), safe.NewLabel(), safe.NewLabel()
	safe.Mark(start)
	safe.EmitByte(OpILoad, 0)
	safe.EmitByte(OpILoad, 1)
	safe.Invoke(OpInvokeStatic, "ExceptionSample", "divide", "(II)I")
	safe.Emit(OpIReturn)
	safe.Mark(end)
	safe.Mark(handler)
	safe.EmitByte(OpAStore, 2)
	safe.EmitPushInt(0)
	safe.Emit(OpIReturn)
	safe.AddHandler(start, end, handler, ClassArithmeticException)
	c.AddMethod(safe.MustBuild())

	// static int divide(int a, int b)
	div := NewMethodBuilder("divide", "(II)I").Static()
	div.EmitByte(OpILoad, 0)
	div.EmitByte(OpILoad, 1)
	div.Emit(OpIDiv)
	div.Emit(OpIReturn)
	c.AddMethod(div.MustBuild())

	return c
}

func buildObjectSample() *Class {
	c := NewClass("ObjectSample", ClassObject)
	c.AddField("counter", "I", false)

	// ObjectSample(): field initializer, then constructor body
	ctor := NewMethodBuilder("<init>", "()V")
	ctor.EmitByte(OpALoad, 0)
	ctor.Invoke(OpInvokeSpecial, ClassObject, "<init>", "()V")
	ctor.EmitByte(OpALoad, 0)
	ctor.EmitPushInt(42)
	ctor.Field(OpPutField, "ObjectSample", "counter", "I")
	ctor.EmitByte(OpALoad, 0)
	ctor.EmitPushInt(7)
	ctor.Field(OpPutField, "ObjectSample", "counter", "I")
	ctor.Emit(OpReturn)
	c.AddMethod(ctor.MustBuild())

	get := NewMethodBuilder("getCounter", "()I")
	get.EmitByte(OpALoad, 0)
	get.Field(OpGetField, "ObjectSample", "counter", "I")
	get.Emit(OpIReturn)
	c.AddMethod(get.MustBuild())

	bump := NewMethodBuilder("bump", "(I)V")
	bump.EmitByte(OpALoad, 0)
	bump.Emit(OpDup)
	bump.Field(OpGetField, "ObjectSample", "counter", "I")
	bump.EmitByte(OpILoad, 1)
	bump.Emit(OpIAdd)
	bump.Field(OpPutField, "ObjectSample", "counter", "I")
	bump.Emit(OpReturn)
	c.AddMethod(bump.MustBuild())

	create := NewMethodBuilder("create", "(I)LObjectSample;").Static().SetMaxLocals(2)
	create.EmitConst(OpNew, ClassConst("ObjectSample"))
	create.Emit(OpDup)
	create.Invoke(OpInvokeSpecial, "ObjectSample", "<init>", "()V")
	create.EmitByte(OpAStore, 1)
	create.EmitByte(OpALoad, 1)
	create.EmitByte(OpILoad, 0)
	create.Field(OpPutField, "ObjectSample", "counter", "I")
	create.EmitByte(OpALoad, 1)
	create.Emit(OpAReturn)
	c.AddMethod(create.MustBuild())

	return c
}

// newSampleVM returns a VM with the three sample classes loaded.
func newSampleVM(t *testing.T, opts ...Option) *VM {
	t.Helper()
	vm := NewVM(opts...)
	prog := &Program{Classes: []*Class{buildArraySample(), buildExceptionSample(), buildObjectSample()}}
	if err := vm.Load(prog); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return vm
}

// loadClass builds a one-class program and loads it into a fresh VM.
func loadClass(t *testing.T, c *Class) *VM {
	t.Helper()
	vm := NewVM()
	if err := vm.Load(&Program{Classes: []*Class{c}}); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return vm
}

func runInt(t *testing.T, vm *VM, class, name, desc string, args ...Value) int32 {
	t.Helper()
	v, err := vm.RunStatic(context.Background(), class, name, desc, args...)
	if err != nil {
		t.Fatalf("%s.%s: %v", class, name, err)
	}
	if !v.IsInt() {
		t.Fatalf("%s.%s returned %v, want int", class, name, v)
	}
	return v.Int()
}
