package vm

import "fmt"

// ---------------------------------------------------------------------------
// Exception dispatcher
// ---------------------------------------------------------------------------

// DispatchState is a state of the exception dispatcher.
type DispatchState uint8

const (
	Running DispatchState = iota
	Unwinding
	Handled
	Escaped
)

func (s DispatchState) String() string {
	switch s {
	case Running:
		return "Running"
	case Unwinding:
		return "Unwinding"
	case Handled:
		return "Handled"
	case Escaped:
		return "Escaped"
	default:
		return fmt.Sprintf("DispatchState(%d)", uint8(s))
	}
}

// Transition records one dispatcher state change.
type Transition struct {
	From   DispatchState
	To     DispatchState
	Thrown Ref
	Class  string // class of the thrown object
	Method string // frame the transition happened in, empty once escaped
	Offset int    // faulting offset, or handler entry for Handled
}

// DispatchObserver is notified of every dispatcher transition.
type DispatchObserver func(Transition)

// dispatcher routes a thrown object to the nearest matching handler scope,
// discarding frames as it unwinds. Frames below base belong to an outer
// invocation and are never touched.
type dispatcher struct {
	heap     *Heap
	stack    *CallStack
	observer DispatchObserver
}

func (d *dispatcher) emit(t Transition) {
	if d.observer != nil {
		d.observer(t)
	}
}

// findHandler returns the first scope of m, in declaration order, that
// covers offset and catches cls.
func findHandler(m *CompiledMethod, offset int, cls *Class) (HandlerScope, bool) {
	for _, h := range m.Handlers {
		if !h.Covers(offset) {
			continue
		}
		if h.CatchType == "" || (cls != nil && cls.IsSubclassOfName(h.CatchType)) {
			return h, true
		}
	}
	return HandlerScope{}, false
}

// dispatch runs the Unwinding state to completion. It returns nil when a
// handler took the fault, and the escaped fault otherwise.
func (d *dispatcher) dispatch(thrown Ref, base int) *UnhandledFault {
	cls := d.heap.ClassOf(thrown)
	className := d.heap.TypeName(thrown)

	var origin string
	start := Transition{From: Running, To: Unwinding, Thrown: thrown, Class: className}
	if d.stack.Depth() > base {
		top := d.stack.Top()
		origin = fmt.Sprintf("%s@%04d", top.Method, top.callSite)
		start.Method, start.Offset = top.Method.String(), top.callSite
	}
	d.emit(start)

	for d.stack.Depth() > base {
		f := d.stack.Top()
		if h, ok := findHandler(f.Method, f.callSite, cls); ok {
			f.clearStack()
			f.Push(FromRef(thrown))
			f.IP = h.Handler
			d.emit(Transition{From: Unwinding, To: Handled, Thrown: thrown, Class: className, Method: f.Method.String(), Offset: h.Handler})
			d.emit(Transition{From: Handled, To: Running, Thrown: thrown, Class: className, Method: f.Method.String(), Offset: h.Handler})
			log.Debugf("%s caught by %s at %04d", className, f.Method, h.Handler)
			return nil
		}
		d.stack.pop()
	}

	d.emit(Transition{From: Unwinding, To: Escaped, Thrown: thrown, Class: className})
	log.Debugf("%s escaped from %s", className, origin)
	return &UnhandledFault{
		Class:   className,
		Message: d.heap.Detail(thrown),
		Origin:  origin,
		Ref:     thrown,
	}
}
