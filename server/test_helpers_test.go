package server

import (
	"context"
	"net/http/httptest"
	"testing"

	"connectrpc.com/connect"

	"github.com/chazu/litevm/conformance"
	"github.com/chazu/litevm/journal"
	"github.com/chazu/litevm/vm"
)

// ---------------------------------------------------------------------------
// Shared test infrastructure for server package tests.
//
// Every test gets its own VM loaded with the sample programs, since runs
// mutate the heap and static fields.
// ---------------------------------------------------------------------------

// testEnv bundles a fresh VM with its worker, stores and services.
type testEnv struct {
	VM       *vm.VM
	Worker   *VMWorker
	Handles  *HandleStore
	Sessions *SessionStore
	Run      *RunService
	Inspect  *InspectService
}

// newTestEnv creates a sample VM and services; j may be nil.
func newTestEnv(t *testing.T, j *journal.Journal, opts ...vm.Option) *testEnv {
	t.Helper()
	v, err := conformance.NewSampleVM(opts...)
	if err != nil {
		t.Fatalf("NewSampleVM: %v", err)
	}
	w := NewVMWorker(v)
	t.Cleanup(w.Stop)
	h := NewHandleStore()
	s := NewSessionStore(h)
	return &testEnv{
		VM:       v,
		Worker:   w,
		Handles:  h,
		Sessions: s,
		Run:      NewRunService(w, h, s, j),
		Inspect:  NewInspectService(w, h, s),
	}
}

// newTestServer starts an httptest server and returns a client for it.
func newTestServer(t *testing.T, opts ...ServerOption) *Client {
	t.Helper()
	v, err := conformance.NewSampleVM()
	if err != nil {
		t.Fatalf("NewSampleVM: %v", err)
	}
	srv := New(v, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		srv.Stop()
	})
	return NewClient(ts.Client(), ts.URL)
}

// ---------------------------------------------------------------------------
// Request builder helpers
// ---------------------------------------------------------------------------

func connectReq[T any](msg *T) *connect.Request[T] {
	return connect.NewRequest(msg)
}

func bg() context.Context {
	return context.Background()
}

// run invokes entry through the service and fails the test on a transport
// error.
func (e *testEnv) run(t *testing.T, entry string, args ...ValueMsg) *RunResponse {
	t.Helper()
	resp, err := e.Run.Run(bg(), connectReq(&RunRequest{Entry: entry, Args: args}))
	if err != nil {
		t.Fatalf("Run(%s): %v", entry, err)
	}
	return resp.Msg
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("error = nil, want %s", code)
	}
	if got := connect.CodeOf(err); got != code {
		t.Errorf("code = %s, want %s (%v)", got, code, err)
	}
}
