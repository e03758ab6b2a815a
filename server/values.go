package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"
	"github.com/chazu/litevm/vm"
)

// encodeValue converts a VM value for the wire, minting a handle for
// references. Must be called on the VM worker goroutine.
func encodeValue(v *vm.VM, handles *HandleStore, val vm.Value, sessionID string) ValueMsg {
	switch {
	case val.IsInt():
		return IntArg(val.Int())
	case val.IsNull():
		return NullArg()
	case val.IsRef():
		name := v.Heap.TypeName(val.Ref())
		return ValueMsg{Kind: KindRef, Handle: handles.Create(val.Ref(), name, sessionID), Type: name}
	default:
		return ValueMsg{Kind: KindVoid}
	}
}

// decodeValues resolves wire arguments to VM values.
func decodeValues(handles *HandleStore, msgs []ValueMsg) ([]vm.Value, error) {
	out := make([]vm.Value, len(msgs))
	for i, m := range msgs {
		switch m.Kind {
		case KindInt:
			out[i] = vm.FromInt(m.Int)
		case KindNull:
			out[i] = vm.Null
		case KindRef:
			ref, ok := handles.Lookup(m.Handle)
			if !ok {
				return nil, connect.NewError(connect.CodeNotFound, fmt.Errorf("argument %d: handle %q not found", i, m.Handle))
			}
			out[i] = vm.FromRef(ref)
		default:
			return nil, connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("argument %d: unknown kind %q", i, m.Kind))
		}
	}
	return out, nil
}

// runError maps a non-fault error from the VM to a connect error.
func runError(err error) error {
	var ce *connect.Error
	switch {
	case errors.As(err, &ce):
		return err
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	case errors.Is(err, vm.ErrHeapExhausted):
		return connect.NewError(connect.CodeResourceExhausted, err)
	case errors.Is(err, vm.ErrStackUnderflow), errors.Is(err, vm.ErrMalformed):
		return connect.NewError(connect.CodeInternal, err)
	case errors.Is(err, ErrStopped):
		return connect.NewError(connect.CodeUnavailable, err)
	default:
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
}
