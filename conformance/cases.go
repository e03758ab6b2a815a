package conformance

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/chazu/litevm/vm"
)

// Case is one conformance check.
type Case struct {
	Name  string
	Check func(ctx context.Context, s *Session) error
}

// Session drives one VM on behalf of a case.
type Session struct {
	VM *vm.VM
}

// Static runs a static method named "Class.name:descriptor".
func (s *Session) Static(ctx context.Context, ref string, args ...vm.Value) (vm.Value, error) {
	m, err := vm.ParseMethodRef(ref)
	if err != nil {
		return vm.Void, err
	}
	return s.VM.Run(ctx, m, args)
}

// New allocates an instance of class through its no-argument constructor.
func (s *Session) New(ctx context.Context, class string) (vm.Ref, error) {
	return s.VM.NewInstance(ctx, class, "()V")
}

// Call runs an instance method on recv.
func (s *Session) Call(ctx context.Context, recv vm.Value, name, desc string, args ...vm.Value) (vm.Value, error) {
	if recv.IsNull() {
		return s.VM.Call(ctx, vm.NilRef, name, desc, args...)
	}
	return s.VM.Call(ctx, recv.Ref(), name, desc, args...)
}

// Ints reads an int array.
func (s *Session) Ints(v vm.Value) ([]int32, error) {
	if !v.IsReference() {
		return nil, fmt.Errorf("want an array, got %v", v)
	}
	n, err := s.VM.Heap.ArrayLength(v.Ref())
	if err != nil {
		return nil, err
	}
	out := make([]int32, n)
	for i := range out {
		e, err := s.VM.Heap.GetElement(v.Ref(), int32(i))
		if err != nil {
			return nil, err
		}
		if !e.IsInt() {
			return nil, fmt.Errorf("element %d is %v, not an int", i, e)
		}
		out[i] = e.Int()
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Expectations
// ---------------------------------------------------------------------------

func expectInt(what string, v vm.Value, err error, want int32) error {
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	if !v.IsInt() || v.Int() != want {
		return fmt.Errorf("%s = %v, want %d", what, v, want)
	}
	return nil
}

func expectFault(what string, err error, kind vm.FaultKind) error {
	var uf *vm.UnhandledFault
	if !errors.As(err, &uf) {
		return fmt.Errorf("%s: error = %v, want uncaught %s", what, err, kind.ClassName())
	}
	if uf.Kind() != kind {
		return fmt.Errorf("%s: uncaught %s, want %s", what, uf.Class, kind.ClassName())
	}
	return nil
}

func faultOf(err error) vm.FaultKind {
	var f *vm.Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return 0
}

// ---------------------------------------------------------------------------
// The case table
// ---------------------------------------------------------------------------

var arraySizes = []int32{0, 1, 2, 3, 7, 64, 1000}

// Cases returns every conformance case.
func Cases() []Case {
	return []Case{
		{"array-defaults", checkArrayDefaults},
		{"array-negative-size", checkNegativeSize},
		{"sum-of-create", checkSumOfCreate},
		{"create-objects", checkCreateObjects},
		{"divide-by-zero", checkDivideByZero},
		{"safe-divide", checkSafeDivide},
		{"truncating-division", checkTruncatingDivision},
		{"constructor-order", checkConstructorOrder},
		{"create-and-bump", checkCreateAndBump},
		{"null-access", checkNullAccess},
		{"index-bounds", checkIndexBounds},
		{"bump-associativity", checkBumpAssociativity},
	}
}

func checkArrayDefaults(ctx context.Context, s *Session) error {
	for _, n := range arraySizes {
		ref, err := s.VM.Heap.AllocateArray(vm.ElemInt, nil, n)
		if err != nil {
			return fmt.Errorf("allocate int[%d]: %w", n, err)
		}
		ints, err := s.Ints(vm.FromRef(ref))
		if err != nil {
			return err
		}
		if int32(len(ints)) != n {
			return fmt.Errorf("int[%d] has length %d", n, len(ints))
		}
		for i, e := range ints {
			if e != 0 {
				return fmt.Errorf("int[%d][%d] = %d, want 0", n, i, e)
			}
		}
	}
	return nil
}

func checkNegativeSize(ctx context.Context, s *Session) error {
	if _, err := s.VM.Heap.AllocateArray(vm.ElemInt, nil, -1); faultOf(err) != vm.NegativeSizeFault {
		return fmt.Errorf("allocate int[-1]: error = %v, want NegativeSizeFault", err)
	}
	_, err := s.Static(ctx, "ArraySample.create:(I)[I", vm.FromInt(-1))
	return expectFault("create(-1)", err, vm.NegativeSizeFault)
}

func checkSumOfCreate(ctx context.Context, s *Session) error {
	for _, n := range arraySizes {
		arr, err := s.Static(ctx, "ArraySample.create:(I)[I", vm.FromInt(n))
		if err != nil {
			return fmt.Errorf("create(%d): %w", n, err)
		}
		ints, err := s.Ints(arr)
		if err != nil {
			return err
		}
		for i, e := range ints {
			if e != int32(2*i) {
				return fmt.Errorf("create(%d)[%d] = %d, want %d", n, i, e, 2*i)
			}
		}
		sum, err := s.Static(ctx, "ArraySample.sum:([I)I", arr)
		if err := expectInt(fmt.Sprintf("sum(create(%d))", n), sum, err, n*(n-1)); err != nil {
			return err
		}
	}
	return nil
}

func checkCreateObjects(ctx context.Context, s *Session) error {
	arr, err := s.Static(ctx, "ArraySample.createObjects:(I)[Ljava/lang/Object;", vm.FromInt(5))
	if err != nil {
		return err
	}
	seen := make(map[vm.Ref]bool)
	for i := int32(0); i < 5; i++ {
		e, err := s.VM.Heap.GetElement(arr.Ref(), i)
		if err != nil {
			return err
		}
		if e.IsNull() || seen[e.Ref()] {
			return fmt.Errorf("createObjects(5)[%d] = %v, want a distinct object", i, e)
		}
		if name := s.VM.Heap.TypeName(e.Ref()); name != vm.ClassObject {
			return fmt.Errorf("createObjects(5)[%d] is a %s", i, name)
		}
		seen[e.Ref()] = true
	}
	return nil
}

func checkDivideByZero(ctx context.Context, s *Session) error {
	for _, a := range []int32{0, 1, -7, math.MaxInt32, math.MinInt32} {
		_, err := s.Static(ctx, "ExceptionSample.divide:(II)I", vm.FromInt(a), vm.FromInt(0))
		if err := expectFault(fmt.Sprintf("divide(%d, 0)", a), err, vm.ArithmeticFault); err != nil {
			return err
		}
	}
	return nil
}

func checkSafeDivide(ctx context.Context, s *Session) error {
	for _, a := range []int32{0, 1, -7, math.MaxInt32} {
		v, err := s.Static(ctx, "ExceptionSample.safeDivide:(II)I", vm.FromInt(a), vm.FromInt(0))
		if err := expectInt(fmt.Sprintf("safeDivide(%d, 0)", a), v, err, 0); err != nil {
			return err
		}
	}
	v, err := s.Static(ctx, "ExceptionSample.safeDivide:(II)I", vm.FromInt(10), vm.FromInt(2))
	return expectInt("safeDivide(10, 2)", v, err, 5)
}

func checkTruncatingDivision(ctx context.Context, s *Session) error {
	for _, tt := range []struct{ a, b, q int32 }{
		{7, 2, 3},
		{-7, 2, -3},
		{7, -2, -3},
		{math.MinInt32, -1, math.MinInt32},
	} {
		v, err := s.Static(ctx, "ExceptionSample.divide:(II)I", vm.FromInt(tt.a), vm.FromInt(tt.b))
		if err := expectInt(fmt.Sprintf("divide(%d, %d)", tt.a, tt.b), v, err, tt.q); err != nil {
			return err
		}
	}
	return nil
}

func checkConstructorOrder(ctx context.Context, s *Session) error {
	obj, err := s.New(ctx, "ObjectSample")
	if err != nil {
		return err
	}
	v, err := s.Call(ctx, vm.FromRef(obj), "getCounter", "()I")
	return expectInt("new ObjectSample().getCounter()", v, err, 7)
}

func checkCreateAndBump(ctx context.Context, s *Session) error {
	obj, err := s.Static(ctx, "ObjectSample.create:(I)LObjectSample;", vm.FromInt(99))
	if err != nil {
		return err
	}
	v, err := s.Call(ctx, obj, "getCounter", "()I")
	if err := expectInt("create(99).getCounter()", v, err, 99); err != nil {
		return err
	}
	if _, err := s.Call(ctx, obj, "bump", "(I)V", vm.FromInt(1)); err != nil {
		return err
	}
	v, err = s.Call(ctx, obj, "getCounter", "()I")
	return expectInt("getCounter() after bump(1)", v, err, 100)
}

func checkNullAccess(ctx context.Context, s *Session) error {
	_, err := s.Call(ctx, vm.Null, "getCounter", "()I")
	if err := expectFault("null.getCounter()", err, vm.NullAccessFault); err != nil {
		return err
	}
	_, err = s.Static(ctx, "ArraySample.sum:([I)I", vm.Null)
	if err := expectFault("sum(null)", err, vm.NullAccessFault); err != nil {
		return err
	}
	if _, err := s.VM.Heap.GetField(vm.NilRef, "counter"); faultOf(err) != vm.NullAccessFault {
		return fmt.Errorf("read field of null: error = %v, want NullAccessFault", err)
	}
	if err := s.VM.Heap.SetField(vm.NilRef, "counter", vm.FromInt(1)); faultOf(err) != vm.NullAccessFault {
		return fmt.Errorf("write field of null: error = %v, want NullAccessFault", err)
	}
	if err := s.VM.Heap.SetElement(vm.NilRef, 0, vm.FromInt(1)); faultOf(err) != vm.NullAccessFault {
		return fmt.Errorf("write element of null: error = %v, want NullAccessFault", err)
	}
	return nil
}

func checkIndexBounds(ctx context.Context, s *Session) error {
	for _, n := range arraySizes {
		arr, err := s.Static(ctx, "ArraySample.create:(I)[I", vm.FromInt(n))
		if err != nil {
			return err
		}
		if _, err := s.VM.Heap.GetElement(arr.Ref(), n); faultOf(err) != vm.IndexFault {
			return fmt.Errorf("read create(%d)[%d]: error = %v, want IndexFault", n, n, err)
		}
		if err := s.VM.Heap.SetElement(arr.Ref(), n, vm.FromInt(1)); faultOf(err) != vm.IndexFault {
			return fmt.Errorf("write create(%d)[%d]: error = %v, want IndexFault", n, n, err)
		}
	}
	return nil
}

func checkBumpAssociativity(ctx context.Context, s *Session) error {
	pairs := [][2]int32{
		{0, 0}, {1, 2}, {-5, 5}, {1000, -3},
		{math.MaxInt32, 1}, {math.MinInt32, -1}, {math.MaxInt32, math.MaxInt32},
	}
	counter := func(deltas ...int32) (int32, error) {
		obj, err := s.Static(ctx, "ObjectSample.create:(I)LObjectSample;", vm.FromInt(0))
		if err != nil {
			return 0, err
		}
		for _, d := range deltas {
			if _, err := s.Call(ctx, obj, "bump", "(I)V", vm.FromInt(d)); err != nil {
				return 0, err
			}
		}
		v, err := s.Call(ctx, obj, "getCounter", "()I")
		if err != nil {
			return 0, err
		}
		return v.Int(), nil
	}
	for _, p := range pairs {
		twice, err := counter(p[0], p[1])
		if err != nil {
			return err
		}
		once, err := counter(vm.Add(p[0], p[1]))
		if err != nil {
			return err
		}
		if twice != once {
			return fmt.Errorf("bump(%d); bump(%d) = %d, bump(%d) = %d", p[0], p[1], twice, vm.Add(p[0], p[1]), once)
		}
	}
	return nil
}
