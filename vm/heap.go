package vm

import (
	"fmt"
)

// ---------------------------------------------------------------------------
// Heap: arena of objects and arrays addressed by handle
// ---------------------------------------------------------------------------

// Heap owns every object and array. A Ref is the arena index plus one, so
// handles stay small and NilRef never names a live entity. Entities live
// until Reset.
//
// A Heap is not safe for concurrent use; the owning VM is driven by one
// goroutine at a time.
type Heap struct {
	entities    []entity
	maxEntities int
}

type entity struct {
	obj *Object
	arr *Array
}

// NewHeap creates a heap. maxEntities <= 0 means unbounded.
func NewHeap(maxEntities int) *Heap {
	return &Heap{maxEntities: maxEntities}
}

// Len returns the number of live entities.
func (h *Heap) Len() int {
	return len(h.entities)
}

// MaxEntities returns the configured limit, 0 when unbounded.
func (h *Heap) MaxEntities() int {
	if h.maxEntities < 0 {
		return 0
	}
	return h.maxEntities
}

// Reset drops every entity. Outstanding handles become dangling.
func (h *Heap) Reset() {
	h.entities = nil
}

func (h *Heap) add(e entity) (Ref, error) {
	if h.maxEntities > 0 && len(h.entities) >= h.maxEntities {
		return NilRef, fmt.Errorf("%w: %d entities", ErrHeapExhausted, len(h.entities))
	}
	h.entities = append(h.entities, e)
	return Ref(len(h.entities)), nil
}

// AllocateObject creates an instance of c with every field zero or null
// initialized. Field initializers and the constructor run afterwards as
// bytecode. The only failure is heap exhaustion, which is fatal.
func (h *Heap) AllocateObject(c *Class) (Ref, error) {
	fields := make([]Value, c.NumSlots())
	for i, f := range c.InstanceFields() {
		fields[i] = ZeroValue(f.Kind())
	}
	return h.add(entity{obj: &Object{Class: c, Fields: fields}})
}

// AllocateArray creates a default-initialized array. A negative length is
// a NegativeSizeFault.
func (h *Heap) AllocateArray(kind ElementKind, elemClass *Class, length int32) (Ref, error) {
	if length < 0 {
		return NilRef, NewFault(NegativeSizeFault, fmt.Sprintf("%d", length))
	}
	if kind != ElemInt && kind != ElemRef {
		return NilRef, fmt.Errorf("%w: array element kind %v", ErrMalformed, kind)
	}
	elems := make([]Value, length)
	zero := ZeroValue(kind.ValueKind())
	for i := range elems {
		elems[i] = zero
	}
	if kind == ElemInt {
		elemClass = nil
	}
	return h.add(entity{arr: &Array{Kind: kind, ElemClass: elemClass, Elements: elems}})
}

// Lookup returns the entity named by r. Exactly one of the results is
// non-nil for a live handle.
func (h *Heap) Lookup(r Ref) (*Object, *Array) {
	if r == NilRef || int(r) > len(h.entities) {
		return nil, nil
	}
	e := h.entities[r-1]
	return e.obj, e.arr
}

// Object returns the object named by r. A null handle is a NullAccessFault;
// a dangling handle or an array is malformed.
func (h *Heap) Object(r Ref) (*Object, error) {
	if r == NilRef {
		return nil, NewFault(NullAccessFault, "")
	}
	obj, _ := h.Lookup(r)
	if obj == nil {
		return nil, fmt.Errorf("%w: ref#%d is not an object", ErrMalformed, r)
	}
	return obj, nil
}

// Array returns the array named by r.
func (h *Heap) Array(r Ref) (*Array, error) {
	if r == NilRef {
		return nil, NewFault(NullAccessFault, "")
	}
	_, arr := h.Lookup(r)
	if arr == nil {
		return nil, fmt.Errorf("%w: ref#%d is not an array", ErrMalformed, r)
	}
	return arr, nil
}

// ClassOf returns the class of an object, nil for arrays and dead handles.
func (h *Heap) ClassOf(r Ref) *Class {
	obj, _ := h.Lookup(r)
	if obj == nil {
		return nil
	}
	return obj.Class
}

// ---------------------------------------------------------------------------
// Fields
// ---------------------------------------------------------------------------

// fieldSlot finds the slot of field name as laid out by owner, which must
// be the object's class or one of its superclasses. A nil owner means the
// object's own class, where a redeclared field shadows the inherited one.
func (h *Heap) fieldSlot(r Ref, owner *Class, name string) (*Object, int, error) {
	obj, err := h.Object(r)
	if err != nil {
		return nil, 0, err
	}
	if owner == nil {
		owner = obj.Class
	} else if !obj.Class.IsSubclassOf(owner) {
		return nil, 0, fmt.Errorf("%w: %s is not a %s", ErrMalformed, obj.Class.Name, owner.Name)
	}
	idx := owner.FieldIndex(name)
	if idx < 0 {
		return nil, 0, fmt.Errorf("%w: class %s has no field %s", ErrMalformed, owner.Name, name)
	}
	return obj, idx, nil
}

// GetField reads an instance field of the object's runtime class.
func (h *Heap) GetField(r Ref, name string) (Value, error) {
	return h.GetFieldOf(r, nil, name)
}

// GetFieldOf reads field name as declared for owner. Superclass layouts are
// prefixes of their subclasses', so owner's index addresses the same slot
// in every instance.
func (h *Heap) GetFieldOf(r Ref, owner *Class, name string) (Value, error) {
	obj, idx, err := h.fieldSlot(r, owner, name)
	if err != nil {
		return Null, err
	}
	return obj.Fields[idx], nil
}

// SetField writes an instance field of the object's runtime class. The
// value must match the field's kind.
func (h *Heap) SetField(r Ref, name string, v Value) error {
	return h.SetFieldOf(r, nil, name, v)
}

// SetFieldOf writes field name as declared for owner.
func (h *Heap) SetFieldOf(r Ref, owner *Class, name string, v Value) error {
	obj, idx, err := h.fieldSlot(r, owner, name)
	if err != nil {
		return err
	}
	if want := obj.Class.layout[idx].Kind(); v.Kind() != want {
		return fmt.Errorf("%w: storing %v into %s field %s.%s", ErrMalformed, v, want, obj.Class.Name, name)
	}
	obj.Fields[idx] = v
	return nil
}

// ---------------------------------------------------------------------------
// Elements
// ---------------------------------------------------------------------------

func (h *Heap) checkedArray(r Ref, index int32) (*Array, error) {
	arr, err := h.Array(r)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= arr.Len() {
		return nil, NewFault(IndexFault, fmt.Sprintf("Index %d out of bounds for length %d", index, arr.Len()))
	}
	return arr, nil
}

// GetElement reads an array slot.
func (h *Heap) GetElement(r Ref, index int32) (Value, error) {
	arr, err := h.checkedArray(r, index)
	if err != nil {
		return Null, err
	}
	return arr.Elements[index], nil
}

// SetElement writes an array slot. Storing a reference whose class is not
// a subclass of the element class is a TypeFault.
func (h *Heap) SetElement(r Ref, index int32, v Value) error {
	arr, err := h.checkedArray(r, index)
	if err != nil {
		return err
	}
	if v.Kind() != arr.Kind.ValueKind() {
		return fmt.Errorf("%w: storing %v into %s array", ErrMalformed, v, arr.Kind)
	}
	if arr.Kind == ElemRef && v.IsRef() && !h.assignable(v.Ref(), arr.ElemClass) {
		return NewFault(TypeFault, h.TypeName(v.Ref()))
	}
	arr.Elements[index] = v
	return nil
}

// ArrayLength returns the length of an array.
func (h *Heap) ArrayLength(r Ref) (int32, error) {
	arr, err := h.Array(r)
	if err != nil {
		return 0, err
	}
	return arr.Len(), nil
}

// assignable reports whether the entity r may be stored where target is
// expected. A nil target or java/lang/Object accepts everything; arrays
// are only assignable to those.
func (h *Heap) assignable(r Ref, target *Class) bool {
	if target == nil || target.Name == ClassObject {
		return true
	}
	obj, _ := h.Lookup(r)
	return obj != nil && obj.Class.IsSubclassOf(target)
}

// InstanceOf reports whether r is an instance of the named class. Null is
// not an instance of anything.
func (h *Heap) InstanceOf(r Ref, className string) bool {
	if r == NilRef {
		return false
	}
	obj, arr := h.Lookup(r)
	switch {
	case obj != nil:
		return obj.Class.IsSubclassOfName(className)
	case arr != nil:
		return className == ClassObject || className == arr.TypeName()
	default:
		return false
	}
}

// TypeName returns the runtime type name of r.
func (h *Heap) TypeName(r Ref) string {
	obj, arr := h.Lookup(r)
	switch {
	case obj != nil:
		return obj.Class.Name
	case arr != nil:
		return arr.TypeName()
	default:
		return "null"
	}
}

// ---------------------------------------------------------------------------
// Detail messages
// ---------------------------------------------------------------------------

// Detail returns the detail message attached to an object.
func (h *Heap) Detail(r Ref) string {
	obj, _ := h.Lookup(r)
	if obj == nil {
		return ""
	}
	return obj.detail
}

// SetDetail attaches a detail message to an object.
func (h *Heap) SetDetail(r Ref, msg string) {
	if obj, _ := h.Lookup(r); obj != nil {
		obj.detail = msg
	}
}
