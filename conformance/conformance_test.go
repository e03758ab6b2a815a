package conformance

import (
	"context"
	"errors"
	"io/fs"
	"testing"
	"time"

	"github.com/chazu/litevm/vm"
)

// ---------------------------------------------------------------------------
// Sample programs
// ---------------------------------------------------------------------------

func TestProgramsAreEmbedded(t *testing.T) {
	names, err := fs.Glob(Programs(), "*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Errorf("embedded programs = %v, want 3", names)
	}
}

func TestNewSampleVM(t *testing.T) {
	v, err := NewSampleVM()
	if err != nil {
		t.Fatalf("NewSampleVM: %v", err)
	}
	for _, name := range []string{"ArraySample", "ExceptionSample", "ObjectSample"} {
		if v.LookupClass(name) == nil {
			t.Errorf("class %s not loaded", name)
		}
	}
}

func TestSampleVMsAreIndependent(t *testing.T) {
	ctx := context.Background()
	a, err := NewSampleVM()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSampleVM()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.RunStatic(ctx, "ArraySample", "create", "(I)[I", vm.FromInt(10)); err != nil {
		t.Fatal(err)
	}
	if b.Heap.Len() != 0 {
		t.Errorf("second VM heap Len = %d, want 0", b.Heap.Len())
	}
	if a.LookupClass("ObjectSample") == b.LookupClass("ObjectSample") {
		t.Error("VMs share a class")
	}
}

// ---------------------------------------------------------------------------
// Runner
// ---------------------------------------------------------------------------

func TestAllCasesPass(t *testing.T) {
	results, err := Run(context.Background(), Cases(), Options{Parallel: 4})
	for _, r := range results {
		if !r.Passed() {
			t.Errorf("%s: %v", r.Case, r.Err)
		}
	}
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != len(Cases()) {
		t.Errorf("len(results) = %d, want %d", len(results), len(Cases()))
	}
}

func TestCaseNamesAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for _, c := range Cases() {
		if seen[c.Name] {
			t.Errorf("duplicate case %s", c.Name)
		}
		seen[c.Name] = true
	}
}

func TestFailingCaseDoesNotStopOthers(t *testing.T) {
	boom := errors.New("boom")
	cases := []Case{
		{"fails", func(ctx context.Context, s *Session) error { return boom }},
		{"passes", checkConstructorOrder},
	}
	results, err := Run(context.Background(), cases, Options{})
	if !errors.Is(err, ErrFailed) {
		t.Fatalf("Run error = %v, want ErrFailed", err)
	}
	if results[0].Case != "fails" || !errors.Is(results[0].Err, boom) {
		t.Errorf("results[0] = %+v", results[0])
	}
	if !results[1].Passed() {
		t.Errorf("results[1] = %+v, want passed", results[1])
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cases := []Case{{"idle", func(ctx context.Context, s *Session) error { return nil }}}
	_, err := Run(ctx, cases, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Run error = %v, want context.Canceled", err)
	}
}

func TestVMOptionsReachCases(t *testing.T) {
	cases := []Case{{"tiny-heap", func(ctx context.Context, s *Session) error {
		_, err := s.Static(ctx, "ArraySample.createObjects:(I)[Ljava/lang/Object;", vm.FromInt(10))
		if err == nil {
			return errors.New("createObjects(10) succeeded on a 4-entity heap")
		}
		return nil
	}}}
	results, err := Run(context.Background(), cases, Options{VMOptions: []vm.Option{vm.WithMaxHeapEntities(4)}})
	if err != nil {
		t.Fatalf("Run: %v (%v)", err, results[0].Err)
	}
}

func TestResultsCarryDurations(t *testing.T) {
	cases := []Case{{"sleepy", func(ctx context.Context, s *Session) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}}}
	results, err := Run(context.Background(), cases, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if results[0].Duration < 5*time.Millisecond {
		t.Errorf("Duration = %s, want >= 5ms", results[0].Duration)
	}
}

// ---------------------------------------------------------------------------
// Session helpers
// ---------------------------------------------------------------------------

func TestExpectFaultReportsMismatch(t *testing.T) {
	v, err := NewSampleVM()
	if err != nil {
		t.Fatal(err)
	}
	s := &Session{VM: v}
	_, err = s.Static(context.Background(), "ExceptionSample.divide:(II)I", vm.FromInt(1), vm.FromInt(0))
	if e := expectFault("divide", err, vm.ArithmeticFault); e != nil {
		t.Errorf("expectFault(ArithmeticFault) = %v", e)
	}
	if e := expectFault("divide", err, vm.IndexFault); e == nil {
		t.Error("expectFault(IndexFault) = nil, want mismatch")
	}
	if e := expectFault("divide", nil, vm.IndexFault); e == nil {
		t.Error("expectFault(nil error) = nil, want mismatch")
	}
}

func TestSessionIntsRejectsNonArrays(t *testing.T) {
	v, err := NewSampleVM()
	if err != nil {
		t.Fatal(err)
	}
	s := &Session{VM: v}
	if _, err := s.Ints(vm.FromInt(3)); err == nil {
		t.Error("Ints(int) succeeded")
	}
	if _, err := s.Ints(vm.Null); err == nil {
		t.Error("Ints(null) succeeded")
	}
}
