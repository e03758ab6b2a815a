package server

import (
	"context"
	"fmt"

	"github.com/chazu/litevm/vm"
)

// vmRequest represents a unit of work to be executed on the VM goroutine.
type vmRequest struct {
	ctx  context.Context
	fn   func(context.Context, *vm.VM) (any, error)
	done chan vmResult
}

// vmResult holds the return value from a VM operation.
type vmResult struct {
	value any
	err   error
}

// VMWorker serializes all VM access through a single goroutine.
// A VM has one logical thread; every handler goes through the worker.
type VMWorker struct {
	vm       *vm.VM
	requests chan vmRequest
	quit     chan struct{}
}

// NewVMWorker creates a VMWorker and starts the processing goroutine.
func NewVMWorker(v *vm.VM) *VMWorker {
	w := &VMWorker{
		vm:       v,
		requests: make(chan vmRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes VM requests sequentially on a dedicated goroutine.
func (w *VMWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			if err := req.ctx.Err(); err != nil {
				// caller gave up while queued
				req.done <- vmResult{err: err}
				continue
			}
			req.done <- w.execute(req.ctx, req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function on the VM, recovering from panics.
func (w *VMWorker) execute(ctx context.Context, fn func(context.Context, *vm.VM) (any, error)) (result vmResult) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("panic on VM worker: %v", r)
			result = vmResult{err: fmt.Errorf("%v", r)}
		}
	}()
	value, err := fn(ctx, w.vm)
	return vmResult{value: value, err: err}
}

// Do submits a function for execution on the VM goroutine and blocks
// until it completes. The context reaches fn, so a cancelled request stops
// the interpreter at its next instruction boundary.
func (w *VMWorker) Do(ctx context.Context, fn func(context.Context, *vm.VM) (any, error)) (any, error) {
	req := vmRequest{
		ctx:  ctx,
		fn:   fn,
		done: make(chan vmResult, 1),
	}
	select {
	case w.requests <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-w.quit:
		return nil, ErrStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrStopped
	}
}

// Stop shuts down the worker goroutine.
func (w *VMWorker) Stop() {
	close(w.quit)
}

// VM returns the underlying VM. Callers off the worker goroutine may only
// read immutable state such as loaded class metadata.
func (w *VMWorker) VM() *vm.VM {
	return w.vm
}
