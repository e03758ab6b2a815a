package server

import (
	"context"
	"fmt"

	"connectrpc.com/connect"

	"github.com/chazu/litevm/vm"
)

// InspectService exposes class metadata and heap contents.
type InspectService struct {
	worker   *VMWorker
	handles  *HandleStore
	sessions *SessionStore
}

// NewInspectService creates an InspectService.
func NewInspectService(worker *VMWorker, handles *HandleStore, sessions *SessionStore) *InspectService {
	return &InspectService{
		worker:   worker,
		handles:  handles,
		sessions: sessions,
	}
}

// ListClasses returns the loaded class names, sorted.
func (s *InspectService) ListClasses(
	ctx context.Context,
	req *connect.Request[ListClassesRequest],
) (*connect.Response[ListClassesResponse], error) {
	result, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		resp := &ListClassesResponse{Classes: []string{}}
		for _, name := range v.ListClasses() {
			if !req.Msg.IncludeBootstrap {
				if info, _ := v.ClassMetadata(name); info.Bootstrap {
					continue
				}
			}
			resp.Classes = append(resp.Classes, name)
		}
		return resp, nil
	})
	if err != nil {
		return nil, runError(err)
	}
	return connect.NewResponse(result.(*ListClassesResponse)), nil
}

// DescribeClass returns metadata for one class.
func (s *InspectService) DescribeClass(
	ctx context.Context,
	req *connect.Request[DescribeClassRequest],
) (*connect.Response[ClassMsg], error) {
	if req.Msg.Name == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("name is required"))
	}
	result, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		info, ok := v.ClassMetadata(req.Msg.Name)
		if !ok {
			return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("class %q not found", req.Msg.Name))
		}
		msg := &ClassMsg{Name: info.Name, SuperName: info.SuperName, Bootstrap: info.Bootstrap}
		for _, f := range info.Fields {
			msg.Fields = append(msg.Fields, FieldMsg{Name: f.Name, Descriptor: f.Descriptor, Static: f.Static})
		}
		for _, m := range info.Methods {
			msg.Methods = append(msg.Methods, MethodMsg{
				Name:       m.Name,
				Descriptor: m.Descriptor,
				Static:     m.Static,
				MaxLocals:  m.MaxLocals,
				CodeLength: m.CodeLength,
				Handlers:   m.Handlers,
			})
		}
		return msg, nil
	})
	if err != nil {
		return nil, runError(err)
	}
	return connect.NewResponse(result.(*ClassMsg)), nil
}

// Inspect returns the fields of an object or the elements of an array.
// Nested references are returned as new handles in the same ownership as
// the inspected one.
func (s *InspectService) Inspect(
	ctx context.Context,
	req *connect.Request[InspectRequest],
) (*connect.Response[InspectResponse], error) {
	if req.Msg.Handle == "" {
		return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("handle is required"))
	}
	ref, ok := s.handles.Lookup(req.Msg.Handle)
	if !ok {
		return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("handle %q not found", req.Msg.Handle))
	}
	owner := s.handles.sessionOf(req.Msg.Handle)

	result, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		return s.inspectRef(v, req.Msg.Handle, ref, owner)
	})
	if err != nil {
		return nil, runError(err)
	}
	return connect.NewResponse(result.(*InspectResponse)), nil
}

// inspectRef must be called on the VM worker goroutine.
func (s *InspectService) inspectRef(v *vm.VM, id string, ref vm.Ref, owner string) (*InspectResponse, error) {
	obj, arr := v.Heap.Lookup(ref)
	resp := &InspectResponse{
		Value: ValueMsg{Kind: KindRef, Handle: id, Type: v.Heap.TypeName(ref)},
	}
	switch {
	case obj != nil:
		for i, f := range obj.Class.InstanceFields() {
			resp.Fields = append(resp.Fields, SlotMsg{
				Name:  f.Name,
				Value: encodeValue(v, s.handles, obj.Fields[i], owner),
			})
		}
		resp.Detail = v.Heap.Detail(ref)
	case arr != nil:
		resp.Length = arr.Len()
		for _, e := range arr.Elements {
			resp.Elements = append(resp.Elements, encodeValue(v, s.handles, e, owner))
		}
	default:
		// the heap was reset under the handle
		return nil, connect.NewError(connect.CodeFailedPrecondition, fmt.Errorf("handle %q no longer names a heap entity", id))
	}
	return resp, nil
}

// HeapStats reports heap occupancy.
func (s *InspectService) HeapStats(
	ctx context.Context,
	req *connect.Request[HeapStatsRequest],
) (*connect.Response[HeapStatsResponse], error) {
	result, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		return &HeapStatsResponse{
			Live:     v.Heap.Len(),
			Max:      v.Heap.MaxEntities(),
			Handles:  s.handles.Len(),
			Sessions: s.sessions.Len(),
		}, nil
	})
	if err != nil {
		return nil, runError(err)
	}
	return connect.NewResponse(result.(*HeapStatsResponse)), nil
}

// Reset empties the heap and static fields. Every handle is dropped since
// none of them names a live entity afterwards.
func (s *InspectService) Reset(
	ctx context.Context,
	req *connect.Request[Empty],
) (*connect.Response[Empty], error) {
	_, err := s.worker.Do(ctx, func(ctx context.Context, v *vm.VM) (any, error) {
		v.Reset()
		s.handles.Clear()
		return nil, nil
	})
	if err != nil {
		return nil, runError(err)
	}
	log.Info("heap reset")
	return connect.NewResponse(&Empty{}), nil
}
