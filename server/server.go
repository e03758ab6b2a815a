// Package server exposes a litevm VM over HTTP with connect RPC. Messages
// are CBOR-encoded Go structs. All VM access goes through one worker
// goroutine; heap references leave the server only as opaque handles.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"connectrpc.com/connect"
	"github.com/tliron/commonlog"

	"github.com/chazu/litevm/journal"
	"github.com/chazu/litevm/vm"
)

var log = commonlog.GetLogger("litevm.server")

// ErrStopped is returned for work submitted after the server stopped.
var ErrStopped = errors.New("server stopped")

// Procedure paths.
const (
	RunServiceName     = "litevm.v1.RunService"
	InspectServiceName = "litevm.v1.InspectService"

	RunProcedure          = "/" + RunServiceName + "/Run"
	CallProcedure         = "/" + RunServiceName + "/Call"
	NewProcedure          = "/" + RunServiceName + "/New"
	OpenSessionProcedure  = "/" + RunServiceName + "/OpenSession"
	CloseSessionProcedure = "/" + RunServiceName + "/CloseSession"
	ReleaseProcedure      = "/" + RunServiceName + "/Release"

	ListClassesProcedure   = "/" + InspectServiceName + "/ListClasses"
	DescribeClassProcedure = "/" + InspectServiceName + "/DescribeClass"
	InspectProcedure       = "/" + InspectServiceName + "/Inspect"
	HeapStatsProcedure     = "/" + InspectServiceName + "/HeapStats"
	ResetProcedure         = "/" + InspectServiceName + "/Reset"
)

// Server wraps a VM with the run and inspect services.
type Server struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	mux      *http.ServeMux

	stopSweeper func()
}

// ServerOption configures a Server.
type ServerOption func(*serverConfig)

type serverConfig struct {
	journal       *journal.Journal
	sweepInterval time.Duration
	handleTTL     time.Duration
}

// WithJournal records every invocation in j.
func WithJournal(j *journal.Journal) ServerOption {
	return func(c *serverConfig) { c.journal = j }
}

// WithHandleTTL drops handles idle for longer than ttl, checking every
// interval.
func WithHandleTTL(interval, ttl time.Duration) ServerOption {
	return func(c *serverConfig) {
		c.sweepInterval = interval
		c.handleTTL = ttl
	}
}

// New creates a Server wrapping the given VM. The server owns v from now on.
func New(v *vm.VM, opts ...ServerOption) *Server {
	cfg := &serverConfig{
		sweepInterval: 5 * time.Minute,
		handleTTL:     30 * time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	worker := NewVMWorker(v)
	handles := NewHandleStore()
	sessions := NewSessionStore(handles)

	s := &Server{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
		mux:      http.NewServeMux(),
	}

	runSvc := NewRunService(worker, handles, sessions, cfg.journal)
	inspectSvc := NewInspectService(worker, handles, sessions)

	codec := WithCBOR()
	s.mux.Handle(RunProcedure, connect.NewUnaryHandler(RunProcedure, runSvc.Run, codec))
	s.mux.Handle(CallProcedure, connect.NewUnaryHandler(CallProcedure, runSvc.Call, codec))
	s.mux.Handle(NewProcedure, connect.NewUnaryHandler(NewProcedure, runSvc.New, codec))
	s.mux.Handle(OpenSessionProcedure, connect.NewUnaryHandler(OpenSessionProcedure, runSvc.OpenSession, codec))
	s.mux.Handle(CloseSessionProcedure, connect.NewUnaryHandler(CloseSessionProcedure, runSvc.CloseSession, codec))
	s.mux.Handle(ReleaseProcedure, connect.NewUnaryHandler(ReleaseProcedure, runSvc.Release, codec))

	s.mux.Handle(ListClassesProcedure, connect.NewUnaryHandler(ListClassesProcedure, inspectSvc.ListClasses, codec))
	s.mux.Handle(DescribeClassProcedure, connect.NewUnaryHandler(DescribeClassProcedure, inspectSvc.DescribeClass, codec))
	s.mux.Handle(InspectProcedure, connect.NewUnaryHandler(InspectProcedure, inspectSvc.Inspect, codec))
	s.mux.Handle(HeapStatsProcedure, connect.NewUnaryHandler(HeapStatsProcedure, inspectSvc.HeapStats, codec))
	s.mux.Handle(ResetProcedure, connect.NewUnaryHandler(ResetProcedure, inspectSvc.Reset, codec))

	if cfg.sweepInterval > 0 && cfg.handleTTL > 0 {
		s.stopSweeper = handles.StartSweeper(cfg.sweepInterval, cfg.handleTTL)
	}
	return s
}

// Handler returns the HTTP handler serving every procedure.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully. The address should be in the form "host:port" or ":port".
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	log.Infof("litevm server listening on %s", ln.Addr())
	log.Infof("  run:     http://%s%s", ln.Addr(), RunProcedure)
	log.Infof("  inspect: http://%s%s", ln.Addr(), InspectProcedure)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("litevm server stopped")
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.stopSweeper != nil {
		s.stopSweeper()
	}
	s.worker.Stop()
}
