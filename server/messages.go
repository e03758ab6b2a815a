package server

// Wire messages of the litevm services. Integer keys keep the CBOR
// encoding compact and stable across field renames.

// Value kinds on the wire.
const (
	KindInt  = "int"
	KindRef  = "ref"
	KindNull = "null"
	KindVoid = "void"
)

// ValueMsg is a VM value. References travel as opaque handle IDs.
type ValueMsg struct {
	Kind   string `cbor:"1,keyasint"`
	Int    int32  `cbor:"2,keyasint,omitempty"`
	Handle string `cbor:"3,keyasint,omitempty"`
	Type   string `cbor:"4,keyasint,omitempty"` // class name or array descriptor of a ref
}

// IntArg builds an int argument.
func IntArg(n int32) ValueMsg { return ValueMsg{Kind: KindInt, Int: n} }

// RefArg builds a reference argument from a handle ID.
func RefArg(handle string) ValueMsg { return ValueMsg{Kind: KindRef, Handle: handle} }

// NullArg builds a null argument.
func NullArg() ValueMsg { return ValueMsg{Kind: KindNull} }

// FaultMsg describes a fault that escaped the invoked method.
type FaultMsg struct {
	Class   string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint,omitempty"`
	Origin  string `cbor:"3,keyasint,omitempty"`
	Handle  string `cbor:"4,keyasint,omitempty"` // the thrown object
}

// RunRequest invokes a method named "Class.name:descriptor". Instance
// methods take the receiver as the first argument.
type RunRequest struct {
	Entry     string     `cbor:"1,keyasint"`
	Args      []ValueMsg `cbor:"2,keyasint,omitempty"`
	SessionID string     `cbor:"3,keyasint,omitempty"`
}

// CallRequest invokes an instance method with virtual dispatch on the
// receiver's runtime class.
type CallRequest struct {
	Receiver   string     `cbor:"1,keyasint"`
	Name       string     `cbor:"2,keyasint"`
	Descriptor string     `cbor:"3,keyasint"`
	Args       []ValueMsg `cbor:"4,keyasint,omitempty"`
	SessionID  string     `cbor:"5,keyasint,omitempty"`
}

// NewRequest allocates an instance and runs a constructor.
type NewRequest struct {
	Class      string     `cbor:"1,keyasint"`
	Descriptor string     `cbor:"2,keyasint,omitempty"` // defaults to ()V
	Args       []ValueMsg `cbor:"3,keyasint,omitempty"`
	SessionID  string     `cbor:"4,keyasint,omitempty"`
}

// RunResponse is the outcome of Run, Call or New. Exactly one of Result
// and Fault is meaningful.
type RunResponse struct {
	Result ValueMsg  `cbor:"1,keyasint"`
	Fault  *FaultMsg `cbor:"2,keyasint,omitempty"`
	RunID  string    `cbor:"3,keyasint,omitempty"` // journal entry, when journaling
}

// OpenSessionRequest creates a session that owns the handles it creates.
type OpenSessionRequest struct {
	Name string `cbor:"1,keyasint,omitempty"`
}

// SessionMsg identifies a session.
type SessionMsg struct {
	ID   string `cbor:"1,keyasint"`
	Name string `cbor:"2,keyasint,omitempty"`
}

// CloseSessionRequest ends a session and releases its handles.
type CloseSessionRequest struct {
	ID string `cbor:"1,keyasint"`
}

// ReleaseRequest drops a handle.
type ReleaseRequest struct {
	Handle string `cbor:"1,keyasint"`
}

// Empty is the response of calls with nothing to report.
type Empty struct{}

// ListClassesRequest lists loaded classes.
type ListClassesRequest struct {
	IncludeBootstrap bool `cbor:"1,keyasint,omitempty"`
}

// ListClassesResponse holds sorted class names.
type ListClassesResponse struct {
	Classes []string `cbor:"1,keyasint"`
}

// DescribeClassRequest asks for class metadata.
type DescribeClassRequest struct {
	Name string `cbor:"1,keyasint"`
}

// FieldMsg describes a declared field.
type FieldMsg struct {
	Name       string `cbor:"1,keyasint"`
	Descriptor string `cbor:"2,keyasint"`
	Static     bool   `cbor:"3,keyasint,omitempty"`
}

// MethodMsg describes a declared method.
type MethodMsg struct {
	Name       string `cbor:"1,keyasint"`
	Descriptor string `cbor:"2,keyasint"`
	Static     bool   `cbor:"3,keyasint,omitempty"`
	MaxLocals  int    `cbor:"4,keyasint"`
	CodeLength int    `cbor:"5,keyasint"`
	Handlers   int    `cbor:"6,keyasint,omitempty"`
}

// ClassMsg is class metadata.
type ClassMsg struct {
	Name      string      `cbor:"1,keyasint"`
	SuperName string      `cbor:"2,keyasint,omitempty"`
	Fields    []FieldMsg  `cbor:"3,keyasint,omitempty"`
	Methods   []MethodMsg `cbor:"4,keyasint,omitempty"`
	Bootstrap bool        `cbor:"5,keyasint,omitempty"`
}

// InspectRequest asks for the contents of a handle.
type InspectRequest struct {
	Handle string `cbor:"1,keyasint"`
}

// SlotMsg is one named field of an inspected object.
type SlotMsg struct {
	Name  string   `cbor:"1,keyasint"`
	Value ValueMsg `cbor:"2,keyasint"`
}

// InspectResponse describes an object or array. Reference-valued slots and
// elements come back as fresh handles.
type InspectResponse struct {
	Value    ValueMsg   `cbor:"1,keyasint"`
	Fields   []SlotMsg  `cbor:"2,keyasint,omitempty"`
	Elements []ValueMsg `cbor:"3,keyasint,omitempty"`
	Length   int32      `cbor:"4,keyasint,omitempty"`
	Detail   string     `cbor:"5,keyasint,omitempty"`
}

// HeapStatsRequest asks for heap occupancy.
type HeapStatsRequest struct{}

// HeapStatsResponse reports heap occupancy and server bookkeeping.
type HeapStatsResponse struct {
	Live     int `cbor:"1,keyasint"`
	Max      int `cbor:"2,keyasint,omitempty"` // zero when unbounded
	Handles  int `cbor:"3,keyasint"`
	Sessions int `cbor:"4,keyasint"`
}
