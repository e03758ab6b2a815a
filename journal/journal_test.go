package journal

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/chazu/litevm/vm"
	"github.com/google/uuid"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

var sumRef = vm.MethodRef{Class: "ArraySample", Name: "sum", Descriptor: "([I)I"}

// ---------------------------------------------------------------------------
// Outcome classification
// ---------------------------------------------------------------------------

func TestOutcomeOf(t *testing.T) {
	tests := []struct {
		err  error
		want Outcome
	}{
		{nil, OutcomeOK},
		{&vm.UnhandledFault{Class: vm.ClassArithmeticException}, OutcomeFault},
		{fmt.Errorf("run: %w", &vm.UnhandledFault{Class: "MyError"}), OutcomeFault},
		{context.Canceled, OutcomeCancelled},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), OutcomeCancelled},
		{vm.ErrHeapExhausted, OutcomeFatal},
		{errors.New("anything else"), OutcomeFatal},
	}
	for _, tt := range tests {
		if got := OutcomeOf(tt.err); got != tt.want {
			t.Errorf("OutcomeOf(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestNewRun(t *testing.T) {
	started := time.Now()
	r := NewRun(sumRef, []vm.Value{vm.FromInt(3), vm.Null}, started, vm.FromInt(6), nil)
	if r.Entry != "ArraySample.sum:([I)I" {
		t.Errorf("Entry = %q", r.Entry)
	}
	if len(r.Args) != 2 || r.Args[0] != vm.FromInt(3).String() || r.Args[1] != vm.Null.String() {
		t.Errorf("Args = %v", r.Args)
	}
	if r.Outcome != OutcomeOK || r.Result != vm.FromInt(6).String() || r.Error != "" {
		t.Errorf("run = %+v", r)
	}

	fault := &vm.UnhandledFault{Class: vm.ClassArithmeticException, Message: "Division by zero"}
	r = NewRun(sumRef, nil, started, vm.Void, fault)
	if r.Outcome != OutcomeFault || r.Result != "" || r.Error != fault.Error() {
		t.Errorf("faulted run = %+v", r)
	}
}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

func TestRecordAndGet(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	want := NewRun(sumRef, []vm.Value{vm.FromInt(1)}, time.Unix(1700000000, 42), vm.FromInt(1), nil)
	if err := j.Record(ctx, want); err != nil {
		t.Fatalf("Record: %v", err)
	}

	got, err := j.Get(ctx, want.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != want.ID || got.Entry != want.Entry || got.Outcome != want.Outcome || got.Result != want.Result {
		t.Errorf("Get = %+v, want %+v", got, want)
	}
	if !got.Started.Equal(want.Started) {
		t.Errorf("Started = %v, want %v", got.Started, want.Started)
	}
	if got.Duration != want.Duration {
		t.Errorf("Duration = %v, want %v", got.Duration, want.Duration)
	}
	if len(got.Args) != 1 || got.Args[0] != want.Args[0] {
		t.Errorf("Args = %v, want %v", got.Args, want.Args)
	}
}

func TestGetUnknownRun(t *testing.T) {
	j := openTestJournal(t)
	if _, err := j.Get(context.Background(), uuid.New()); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Get error = %v, want ErrRunNotFound", err)
	}
}

func TestRecentIsNewestFirst(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()

	base := time.Unix(1700000000, 0)
	for i := 0; i < 5; i++ {
		r := NewRun(sumRef, nil, base.Add(time.Duration(i)*time.Second), vm.FromInt(int32(i)), nil)
		if err := j.Record(ctx, r); err != nil {
			t.Fatal(err)
		}
	}

	runs, err := j.Recent(ctx, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("len(Recent(3)) = %d, want 3", len(runs))
	}
	for i, r := range runs {
		if want := vm.FromInt(int32(4 - i)).String(); r.Result != want {
			t.Errorf("runs[%d].Result = %s, want %s", i, r.Result, want)
		}
	}

	all, err := j.Recent(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("len(Recent(0)) = %d, want 5", len(all))
	}
}

func TestCounts(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	now := time.Now()

	errs := []error{nil, nil, &vm.UnhandledFault{Class: vm.ClassNullPointerException}, context.Canceled}
	for _, err := range errs {
		if err := j.Record(ctx, NewRun(sumRef, nil, now, vm.FromInt(0), err)); err != nil {
			t.Fatal(err)
		}
	}

	counts, err := j.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	want := map[Outcome]int{OutcomeOK: 2, OutcomeFault: 1, OutcomeCancelled: 1}
	for k, n := range want {
		if counts[k] != n {
			t.Errorf("counts[%s] = %d, want %d", k, counts[k], n)
		}
	}
	if counts[OutcomeFatal] != 0 {
		t.Errorf("counts[fatal] = %d, want 0", counts[OutcomeFatal])
	}
}

func TestJournalPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "journal.db")
	ctx := context.Background()

	j, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r := NewRun(sumRef, nil, time.Now(), vm.FromInt(9), nil)
	if err := j.Record(ctx, r); err != nil {
		t.Fatal(err)
	}
	j.Close()

	j, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer j.Close()
	if _, err := j.Get(ctx, r.ID); err != nil {
		t.Errorf("Get after reopen: %v", err)
	}
}

func TestDuplicateIDIsRejected(t *testing.T) {
	j := openTestJournal(t)
	ctx := context.Background()
	r := NewRun(sumRef, nil, time.Now(), vm.FromInt(0), nil)
	if err := j.Record(ctx, r); err != nil {
		t.Fatal(err)
	}
	if err := j.Record(ctx, r); err == nil {
		t.Error("second Record with the same ID succeeded")
	}
}
