package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"connectrpc.com/connect"

	"github.com/chazu/litevm/journal"
	"github.com/chazu/litevm/vm"
)

// RunService executes guest methods and manages sessions and handles.
type RunService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
	journal  *journal.Journal
}

// NewRunService creates a RunService. j may be nil.
func NewRunService(worker *VMWorker, handles *HandleStore, sessions *SessionStore, j *journal.Journal) *RunService {
	return &RunService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
		journal:  j,
	}
}

// Run invokes a method by reference.
func (s *RunService) Run(
	ctx context.Context,
	req *connect.Request[RunRequest],
) (*connect.Response[RunResponse], error) {
	if req.Msg.Entry == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("entry is required"))
	}
	entry, err := vm.ParseMethodRef(req.Msg.Entry)
	if err != nil {
		return nil, connect.NewError(connect.CodeInvalidArgument, err)
	}
	if err := s.checkSession(req.Msg.SessionID); err != nil {
		return nil, err
	}
	args, err := decodeValues(s.handles, req.Msg.Args)
	if err != nil {
		return nil, err
	}

	return s.invoke(ctx, req.Msg.SessionID, args, func(ctx context.Context, v *vm.VM) (vm.MethodRef, vm.Value, error) {
		if _, err := v.ResolveMethod(entry); err != nil {
			return entry, vm.Void, connect.NewError(connect.CodeNotFound, err)
		}
		result, err := v.Run(ctx, entry, args)
		return entry, result, err
	})
}

// Call invokes an instance method on a handle, dispatching on the
// receiver's runtime class.
func (s *RunService) Call(
	ctx context.Context,
	req *connect.Request[CallRequest],
) (*connect.Response[RunResponse], error) {
	if req.Msg.Receiver == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("receiver is required"))
	}
	if req.Msg.Name == "" || req.Msg.Descriptor == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name and descriptor are required"))
	}
	if err := s.checkSession(req.Msg.SessionID); err != nil {
		return nil, err
	}
	recv, ok := s.handles.Lookup(req.Msg.Receiver)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", req.Msg.Receiver))
	}
	args, err := decodeValues(s.handles, req.Msg.Args)
	if err != nil {
		return nil, err
	}

	return s.invoke(ctx, req.Msg.SessionID, args, func(ctx context.Context, v *vm.VM) (vm.MethodRef, vm.Value, error) {
		entry := vm.MethodRef{Class: v.Heap.TypeName(recv), Name: req.Msg.Name, Descriptor: req.Msg.Descriptor}
		cls := v.Heap.ClassOf(recv)
		if cls == nil {
			cls = v.ObjectClass
		}
		if m := cls.LookupMethod(entry.Name, entry.Descriptor); m == nil || m.Static {
			return entry, vm.Void, connect.NewError(connect.CodeNotFound, fmt.Errorf("no instance method %s", entry))
		}
		result, err := v.Call(ctx, recv, req.Msg.Name, req.Msg.Descriptor, args...)
		return entry, result, err
	})
}

// New allocates an instance and runs its constructor.
func (s *RunService) New(
	ctx context.Context,
	req *connect.Request[NewRequest],
) (*connect.Response[RunResponse], error) {
	if req.Msg.Class == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("class is required"))
	}
	desc := req.Msg.Descriptor
	if desc == "" {
		desc = "()V"
	}
	if err := s.checkSession(req.Msg.SessionID); err != nil {
		return nil, err
	}
	args, err := decodeValues(s.handles, req.Msg.Args)
	if err != nil {
		return nil, err
	}

	return s.invoke(ctx, req.Msg.SessionID, args, func(ctx context.Context, v *vm.VM) (vm.MethodRef, vm.Value, error) {
		entry := vm.MethodRef{Class: req.Msg.Class, Name: "<init>", Descriptor: desc}
		cls := v.LookupClass(req.Msg.Class)
		if cls == nil || cls.DeclaredMethod(entry.Name, desc) == nil {
			return entry, vm.Void, connect.NewError(connect.CodeNotFound, fmt.Errorf("no constructor %s", entry))
		}
		ref, err := v.NewInstance(ctx, req.Msg.Class, desc, args...)
		return entry, vm.FromRef(ref), err
	})
}

// invoke runs fn on the worker and shapes its outcome. Escaping faults are
// a normal response; everything else becomes a connect error.
func (s *RunService) invoke(
	ctx context.Context,
	sessionID string,
	args []vm.Value,
	fn func(context.Context, *vm.VM) (vm.MethodRef, vm.Value, error),
) (*connect.Response[RunResponse], error) {
	result, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		started := time.Now()
		entry, val, err := fn(ctx, v)
		var ce *connect.Error
		if errors.As(err, &ce) {
			return nil, err
		}

		resp := &RunResponse{}
		if s.journal != nil {
			run := journal.NewRun(entry, args, started, val, err)
			if jerr := s.journal.Record(context.WithoutCancel(ctx), run); jerr != nil {
				log.Warningf("journal: %s", jerr)
			} else {
				resp.RunID = run.ID.String()
			}
		}

		var uf *vm.UnhandledFault
		switch {
		case errors.As(err, &uf):
			resp.Fault = &FaultMsg{Class: uf.Class, Message: uf.Message, Origin: uf.Origin}
			if uf.Ref != vm.NilRef {
				resp.Fault.Handle = s.handles.Create(uf.Ref, uf.Class, sessionID)
			}
			resp.Result = ValueMsg{Kind: KindVoid}
			return resp, nil
		case err != nil:
			return nil, err
		}
		resp.Result = encodeValue(v, s.handles, val, sessionID)
		log.Debugf("run %s -> %v", entry, val)
		return resp, nil
	})
	if err != nil {
		return nil, runError(err)
	}
	return connect.NewResponse(result.(*RunResponse)), nil
}

func (s *RunService) checkSession(id string) error {
	if id == "" {
		return nil
	}
	if _, ok := s.sessions.Get(id); !ok {
		return connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", id))
	}
	return nil
}

// OpenSession creates a session.
func (s *RunService) OpenSession(
	ctx context.Context,
	req *connect.Request[OpenSessionRequest],
) (*connect.Response[SessionMsg], error) {
	session := s.sessions.Create(req.Msg.Name)
	return connect.NewResponse(&SessionMsg{ID: session.ID, Name: session.Name}), nil
}

// CloseSession ends a session and releases its handles.
func (s *RunService) CloseSession(
	ctx context.Context,
	req *connect.Request[CloseSessionRequest],
) (*connect.Response[Empty], error) {
	if !s.sessions.Destroy(req.Msg.ID) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("session %q not found", req.Msg.ID))
	}
	return connect.NewResponse(&Empty{}), nil
}

// Release drops a handle.
func (s *RunService) Release(
	ctx context.Context,
	req *connect.Request[ReleaseRequest],
) (*connect.Response[Empty], error) {
	if !s.handles.Release(req.Msg.Handle) {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", req.Msg.Handle))
	}
	return connect.NewResponse(&Empty{}), nil
}
