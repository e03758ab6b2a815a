package vm

import (
	"context"
	"fmt"
	"sync"
)

// ---------------------------------------------------------------------------
// Native bridges
// ---------------------------------------------------------------------------

// BridgeContext is passed to a bridge call.
type BridgeContext struct {
	Ctx context.Context
	VM  *VM
}

// BridgeFunc implements a method natively. args holds the receiver first
// for instance methods. Returning a *Fault raises it in the calling frame;
// any other error is fatal to the invocation.
type BridgeFunc func(bc *BridgeContext, args []Value) (Value, error)

// BridgeTable maps "class#name:descriptor" keys to bridges. Bridges take
// precedence over bytecode and need no declaring class to be loaded.
type BridgeTable struct {
	mu  sync.RWMutex
	fns map[string]BridgeFunc
}

// NewBridgeTable creates an empty table.
func NewBridgeTable() *BridgeTable {
	return &BridgeTable{fns: make(map[string]BridgeFunc)}
}

// Register installs fn for class.name:descriptor, replacing any earlier one.
func (t *BridgeTable) Register(class, name, descriptor string, fn BridgeFunc) error {
	if _, err := ParseDescriptor(descriptor); err != nil {
		return fmt.Errorf("bridge %s.%s: %w", class, name, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fns[methodKey(class, name, descriptor)] = fn
	return nil
}

// Lookup returns the bridge registered under key, or nil.
func (t *BridgeTable) Lookup(key string) BridgeFunc {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.fns[key]
}

// Len returns the number of registered bridges.
func (t *BridgeTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.fns)
}

// RegisterBridge installs a bridge on the VM.
func (vm *VM) RegisterBridge(class, name, descriptor string, fn BridgeFunc) error {
	if err := vm.bridges.Register(class, name, descriptor, fn); err != nil {
		return err
	}
	vm.cache.purge()
	return nil
}

// Classes used by the default bridges.
const (
	BridgeLogClass    = "litevm/bridge/Log"
	BridgeHeapClass   = "litevm/bridge/Heap"
	BridgeSystemClass = "java/lang/System"
)

// InstallDefaultBridges registers the host bridges every program may call:
//
//	litevm/bridge/Log.info:(I)V                              log an int
//	litevm/bridge/Heap.size:()I                              live heap entities
//	java/lang/System.identityHashCode:(Ljava/lang/Object;)I  handle of a reference
func InstallDefaultBridges(vm *VM) error {
	bridges := []struct {
		class, name, desc string
		fn                BridgeFunc
	}{
		{BridgeLogClass, "info", "(I)V", func(bc *BridgeContext, args []Value) (Value, error) {
			log.Infof("guest: %d", args[0].Int())
			return Void, nil
		}},
		{BridgeHeapClass, "size", "()I", func(bc *BridgeContext, args []Value) (Value, error) {
			return FromInt(int32(bc.VM.Heap.Len())), nil
		}},
		{BridgeSystemClass, "identityHashCode", "(Ljava/lang/Object;)I", func(bc *BridgeContext, args []Value) (Value, error) {
			return FromInt(int32(args[0].Ref())), nil
		}},
	}
	for _, b := range bridges {
		if err := vm.RegisterBridge(b.class, b.name, b.desc, b.fn); err != nil {
			return err
		}
	}
	return nil
}
