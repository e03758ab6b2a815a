package vm

import (
	"encoding/binary"
	"fmt"
	"sort"
	"strings"
)

// ---------------------------------------------------------------------------
// Opcode definitions
// ---------------------------------------------------------------------------

// Opcode represents a single bytecode instruction. Where the JVM defines an
// instruction with the same meaning, litevm uses the same opcode number.
// Operands are little-endian.
type Opcode byte

// Constants
const (
	OpNOP        Opcode = 0x00 // no operation
	OpAConstNull Opcode = 0x01 // push null
	OpIConst     Opcode = 0x03 // push 32-bit signed integer
	OpBIPush     Opcode = 0x10 // push 8-bit signed integer
	OpSIPush     Opcode = 0x11 // push 16-bit signed integer
	OpLDC        Opcode = 0x12 // push int constant from pool (16-bit index)
)

// Locals
const (
	OpILoad  Opcode = 0x15 // push int local (8-bit index)
	OpALoad  Opcode = 0x19 // push reference local (8-bit index)
	OpIStore Opcode = 0x36 // pop int into local (8-bit index)
	OpAStore Opcode = 0x3A // pop reference into local (8-bit index)
	OpIInc   Opcode = 0x84 // add 16-bit signed delta to int local (8-bit index)
)

// Array element access
const (
	OpIALoad  Opcode = 0x2E // arrayref, index -> int
	OpAALoad  Opcode = 0x32 // arrayref, index -> ref
	OpIAStore Opcode = 0x4F // arrayref, index, int ->
	OpAAStore Opcode = 0x53 // arrayref, index, ref ->
)

// Stack operations
const (
	OpPop  Opcode = 0x57 // discard top of stack
	OpDup  Opcode = 0x59 // duplicate top of stack
	OpSwap Opcode = 0x5F // swap the top two values
)

// Integer arithmetic
const (
	OpIAdd  Opcode = 0x60
	OpISub  Opcode = 0x64
	OpIMul  Opcode = 0x68
	OpIDiv  Opcode = 0x6C
	OpIRem  Opcode = 0x70
	OpINeg  Opcode = 0x74
	OpIShl  Opcode = 0x78
	OpIShr  Opcode = 0x7A
	OpIUshr Opcode = 0x7C
	OpIAnd  Opcode = 0x7E
	OpIOr   Opcode = 0x80
	OpIXor  Opcode = 0x82
)

// Control flow (16-bit signed offset from the end of the operand)
const (
	OpIfEq      Opcode = 0x99
	OpIfNe      Opcode = 0x9A
	OpIfLt      Opcode = 0x9B
	OpIfGe      Opcode = 0x9C
	OpIfGt      Opcode = 0x9D
	OpIfLe      Opcode = 0x9E
	OpIfICmpEq  Opcode = 0x9F
	OpIfICmpNe  Opcode = 0xA0
	OpIfICmpLt  Opcode = 0xA1
	OpIfICmpGe  Opcode = 0xA2
	OpIfICmpGt  Opcode = 0xA3
	OpIfICmpLe  Opcode = 0xA4
	OpIfACmpEq  Opcode = 0xA5
	OpIfACmpNe  Opcode = 0xA6
	OpGoto      Opcode = 0xA7
	OpIfNull    Opcode = 0xC6
	OpIfNonNull Opcode = 0xC7
)

// Returns and throw
const (
	OpIReturn Opcode = 0xAC
	OpAReturn Opcode = 0xB0
	OpReturn  Opcode = 0xB1
	OpAThrow  Opcode = 0xBF
)

// Fields, calls and allocation (16-bit pool index unless noted)
const (
	OpGetStatic     Opcode = 0xB2
	OpPutStatic     Opcode = 0xB3
	OpGetField      Opcode = 0xB4
	OpPutField      Opcode = 0xB5
	OpInvokeVirtual Opcode = 0xB6
	OpInvokeSpecial Opcode = 0xB7
	OpInvokeStatic  Opcode = 0xB8
	OpNew           Opcode = 0xBB
	OpNewArray      Opcode = 0xBC // 8-bit primitive type code
	OpANewArray     Opcode = 0xBD
	OpArrayLength   Opcode = 0xBE // no operand
	OpCheckCast     Opcode = 0xC0
	OpInstanceOf    Opcode = 0xC1
)

// Primitive array type codes for NEWARRAY.
const (
	ArrayTypeInt byte = 10
)

// ---------------------------------------------------------------------------
// Opcode metadata
// ---------------------------------------------------------------------------

// OpcodeInfo holds metadata about an opcode.
type OpcodeInfo struct {
	Name         string // human-readable name
	OperandBytes int    // number of operand bytes
	StackEffect  int    // net effect on stack (-99 = depends on descriptor)
}

const variableEffect = -99

// opcodeTable maps opcodes to their metadata.
var opcodeTable = map[Opcode]OpcodeInfo{
	OpNOP:        {"NOP", 0, 0},
	OpAConstNull: {"ACONST_NULL", 0, 1},
	OpIConst:     {"ICONST", 4, 1},
	OpBIPush:     {"BIPUSH", 1, 1},
	OpSIPush:     {"SIPUSH", 2, 1},
	OpLDC:        {"LDC", 2, 1},

	OpILoad:  {"ILOAD", 1, 1},
	OpALoad:  {"ALOAD", 1, 1},
	OpIStore: {"ISTORE", 1, -1},
	OpAStore: {"ASTORE", 1, -1},
	OpIInc:   {"IINC", 3, 0},

	OpIALoad:  {"IALOAD", 0, -1},
	OpAALoad:  {"AALOAD", 0, -1},
	OpIAStore: {"IASTORE", 0, -3},
	OpAAStore: {"AASTORE", 0, -3},

	OpPop:  {"POP", 0, -1},
	OpDup:  {"DUP", 0, 1},
	OpSwap: {"SWAP", 0, 0},

	OpIAdd:  {"IADD", 0, -1},
	OpISub:  {"ISUB", 0, -1},
	OpIMul:  {"IMUL", 0, -1},
	OpIDiv:  {"IDIV", 0, -1},
	OpIRem:  {"IREM", 0, -1},
	OpINeg:  {"INEG", 0, 0},
	OpIShl:  {"ISHL", 0, -1},
	OpIShr:  {"ISHR", 0, -1},
	OpIUshr: {"IUSHR", 0, -1},
	OpIAnd:  {"IAND", 0, -1},
	OpIOr:   {"IOR", 0, -1},
	OpIXor:  {"IXOR", 0, -1},

	OpIfEq:      {"IFEQ", 2, -1},
	OpIfNe:      {"IFNE", 2, -1},
	OpIfLt:      {"IFLT", 2, -1},
	OpIfGe:      {"IFGE", 2, -1},
	OpIfGt:      {"IFGT", 2, -1},
	OpIfLe:      {"IFLE", 2, -1},
	OpIfICmpEq:  {"IF_ICMPEQ", 2, -2},
	OpIfICmpNe:  {"IF_ICMPNE", 2, -2},
	OpIfICmpLt:  {"IF_ICMPLT", 2, -2},
	OpIfICmpGe:  {"IF_ICMPGE", 2, -2},
	OpIfICmpGt:  {"IF_ICMPGT", 2, -2},
	OpIfICmpLe:  {"IF_ICMPLE", 2, -2},
	OpIfACmpEq:  {"IF_ACMPEQ", 2, -2},
	OpIfACmpNe:  {"IF_ACMPNE", 2, -2},
	OpGoto:      {"GOTO", 2, 0},
	OpIfNull:    {"IFNULL", 2, -1},
	OpIfNonNull: {"IFNONNULL", 2, -1},

	OpIReturn: {"IRETURN", 0, -1},
	OpAReturn: {"ARETURN", 0, -1},
	OpReturn:  {"RETURN", 0, 0},
	OpAThrow:  {"ATHROW", 0, -1},

	OpGetStatic:     {"GETSTATIC", 2, 1},
	OpPutStatic:     {"PUTSTATIC", 2, -1},
	OpGetField:      {"GETFIELD", 2, 0},
	OpPutField:      {"PUTFIELD", 2, -2},
	OpInvokeVirtual: {"INVOKEVIRTUAL", 2, variableEffect},
	OpInvokeSpecial: {"INVOKESPECIAL", 2, variableEffect},
	OpInvokeStatic:  {"INVOKESTATIC", 2, variableEffect},
	OpNew:           {"NEW", 2, 1},
	OpNewArray:      {"NEWARRAY", 1, 0},
	OpANewArray:     {"ANEWARRAY", 2, 0},
	OpArrayLength:   {"ARRAYLENGTH", 0, 0},
	OpCheckCast:     {"CHECKCAST", 2, 0},
	OpInstanceOf:    {"INSTANCEOF", 2, 0},
}

// opcodeByName is the reverse of opcodeTable, used by the assembler.
var opcodeByName = func() map[string]Opcode {
	m := make(map[string]Opcode, len(opcodeTable))
	for op, info := range opcodeTable {
		m[info.Name] = op
	}
	return m
}()

// Info returns the metadata for an opcode.
func (op Opcode) Info() OpcodeInfo {
	if info, ok := opcodeTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN_%02X", byte(op)), OperandBytes: 0, StackEffect: 0}
}

// Name returns the human-readable name for an opcode.
func (op Opcode) Name() string {
	return op.Info().Name
}

// OperandBytes returns the number of operand bytes for an opcode.
func (op Opcode) OperandBytes() int {
	return op.Info().OperandBytes
}

// Valid reports whether op is part of the instruction set.
func (op Opcode) Valid() bool {
	_, ok := opcodeTable[op]
	return ok
}

// String implements the Stringer interface.
func (op Opcode) String() string {
	return op.Name()
}

// IsBranch reports whether op carries a 16-bit jump offset.
func (op Opcode) IsBranch() bool {
	switch op {
	case OpIfEq, OpIfNe, OpIfLt, OpIfGe, OpIfGt, OpIfLe,
		OpIfICmpEq, OpIfICmpNe, OpIfICmpLt, OpIfICmpGe, OpIfICmpGt, OpIfICmpLe,
		OpIfACmpEq, OpIfACmpNe, OpGoto, OpIfNull, OpIfNonNull:
		return true
	}
	return false
}

// UsesPool reports whether op carries a 16-bit constant pool index.
func (op Opcode) UsesPool() bool {
	switch op {
	case OpLDC, OpGetStatic, OpPutStatic, OpGetField, OpPutField,
		OpInvokeVirtual, OpInvokeSpecial, OpInvokeStatic,
		OpNew, OpANewArray, OpCheckCast, OpInstanceOf:
		return true
	}
	return false
}

// LookupOpcode finds an opcode by its name (case-insensitive).
func LookupOpcode(name string) (Opcode, bool) {
	op, ok := opcodeByName[strings.ToUpper(strings.TrimSpace(name))]
	return op, ok
}

// SupportedOpcodes returns the names of every opcode the engine executes,
// sorted.
func SupportedOpcodes() []string {
	names := make([]string, 0, len(opcodeTable))
	for _, info := range opcodeTable {
		names = append(names, info.Name)
	}
	sort.Strings(names)
	return names
}

// ---------------------------------------------------------------------------
// BytecodeBuilder: Helper for constructing bytecode
// ---------------------------------------------------------------------------

// BytecodeBuilder helps construct bytecode sequences.
type BytecodeBuilder struct {
	bytes []byte
}

// NewBytecodeBuilder creates a new bytecode builder.
func NewBytecodeBuilder() *BytecodeBuilder {
	return &BytecodeBuilder{
		bytes: make([]byte, 0, 64),
	}
}

// Bytes returns the constructed bytecode.
func (b *BytecodeBuilder) Bytes() []byte {
	return b.bytes
}

// Len returns the current length, which is also the offset of the next
// instruction.
func (b *BytecodeBuilder) Len() int {
	return len(b.bytes)
}

// Emit appends an opcode with no operands.
func (b *BytecodeBuilder) Emit(op Opcode) {
	b.bytes = append(b.bytes, byte(op))
}

// EmitByte appends an opcode with a single byte operand.
func (b *BytecodeBuilder) EmitByte(op Opcode, operand byte) {
	b.bytes = append(b.bytes, byte(op), operand)
}

// EmitInt8 appends an opcode with a signed 8-bit operand.
func (b *BytecodeBuilder) EmitInt8(op Opcode, operand int8) {
	b.bytes = append(b.bytes, byte(op), byte(operand))
}

// EmitInt16 appends an opcode with a signed 16-bit operand.
func (b *BytecodeBuilder) EmitInt16(op Opcode, operand int16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(uint16(operand)>>8))
}

// EmitUint16 appends an opcode with a 16-bit operand (little-endian).
func (b *BytecodeBuilder) EmitUint16(op Opcode, operand uint16) {
	b.bytes = append(b.bytes, byte(op), byte(operand), byte(operand>>8))
}

// EmitInt32 appends an opcode with a 32-bit operand (little-endian).
func (b *BytecodeBuilder) EmitInt32(op Opcode, operand int32) {
	b.bytes = append(b.bytes, byte(op))
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(operand))
	b.bytes = append(b.bytes, buf[:]...)
}

// EmitIInc appends an IINC instruction.
func (b *BytecodeBuilder) EmitIInc(local byte, delta int16) {
	b.bytes = append(b.bytes, byte(OpIInc), local, byte(delta), byte(uint16(delta)>>8))
}

// EmitPushInt picks the shortest push instruction for n.
func (b *BytecodeBuilder) EmitPushInt(n int32) {
	switch {
	case n >= -128 && n <= 127:
		b.EmitInt8(OpBIPush, int8(n))
	case n >= -32768 && n <= 32767:
		b.EmitInt16(OpSIPush, int16(n))
	default:
		b.EmitInt32(OpIConst, n)
	}
}

// ---------------------------------------------------------------------------
// Label management for jumps
// ---------------------------------------------------------------------------

// Label represents a forward reference in bytecode.
type Label struct {
	resolved bool
	position int   // position to patch (if unresolved) or target (if resolved)
	refs     []int // positions that reference this label
}

// NewLabel creates an unresolved label.
func (b *BytecodeBuilder) NewLabel() *Label {
	return &Label{resolved: false, refs: make([]int, 0, 2)}
}

// Position returns the resolved offset of the label.
// Panics if the label has not been marked.
func (l *Label) Position() int {
	if !l.resolved {
		panic("label not resolved")
	}
	return l.position
}

// Resolved reports whether Mark has been called.
func (l *Label) Resolved() bool {
	return l.resolved
}

// Mark resolves a label to the current position.
func (b *BytecodeBuilder) Mark(label *Label) {
	if label.resolved {
		panic("label already resolved")
	}
	label.resolved = true
	label.position = len(b.bytes)

	// Patch all forward references
	for _, ref := range label.refs {
		offset := label.position - (ref + 2) // offset from after the operand
		b.bytes[ref] = byte(offset)
		b.bytes[ref+1] = byte(offset >> 8)
	}
	label.refs = nil
}

// EmitJump emits a branch instruction with a label.
func (b *BytecodeBuilder) EmitJump(op Opcode, label *Label) {
	b.bytes = append(b.bytes, byte(op))
	if label.resolved {
		// Backward jump: calculate offset
		offset := label.position - (len(b.bytes) + 2)
		b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
	} else {
		// Forward jump: record position for later patching
		label.refs = append(label.refs, len(b.bytes))
		b.bytes = append(b.bytes, 0, 0) // placeholder
	}
}

// EmitJumpAbsolute emits a branch to an absolute position.
func (b *BytecodeBuilder) EmitJumpAbsolute(op Opcode, target int) {
	b.bytes = append(b.bytes, byte(op))
	offset := target - (len(b.bytes) + 2)
	b.bytes = append(b.bytes, byte(offset), byte(offset>>8))
}

// PatchJump rewrites the operand of the branch instruction at pos so that it
// targets the absolute offset target.
func (b *BytecodeBuilder) PatchJump(pos, target int) {
	offset := target - (pos + 3)
	b.bytes[pos+1] = byte(offset)
	b.bytes[pos+2] = byte(offset >> 8)
}

// ---------------------------------------------------------------------------
// Bytecode reader for disassembly
// ---------------------------------------------------------------------------

// BytecodeReader reads bytecode for interpretation or disassembly.
type BytecodeReader struct {
	bytes []byte
	pos   int
}

// NewBytecodeReader creates a reader.
func NewBytecodeReader(bc []byte) *BytecodeReader {
	return &BytecodeReader{bytes: bc}
}

// Position returns the current read position.
func (r *BytecodeReader) Position() int {
	return r.pos
}

// HasMore returns true if there are more bytes to read.
func (r *BytecodeReader) HasMore() bool {
	return r.pos < len(r.bytes)
}

// ReadOpcode reads an opcode.
func (r *BytecodeReader) ReadOpcode() Opcode {
	return Opcode(r.ReadByte())
}

// ReadByte reads a single byte.
func (r *BytecodeReader) ReadByte() byte {
	if r.pos >= len(r.bytes) {
		return 0
	}
	b := r.bytes[r.pos]
	r.pos++
	return b
}

// ReadInt8 reads a signed byte.
func (r *BytecodeReader) ReadInt8() int8 {
	return int8(r.ReadByte())
}

// ReadUint16 reads a little-endian uint16.
func (r *BytecodeReader) ReadUint16() uint16 {
	if r.pos+2 > len(r.bytes) {
		r.pos = len(r.bytes)
		return 0
	}
	v := binary.LittleEndian.Uint16(r.bytes[r.pos:])
	r.pos += 2
	return v
}

// ReadInt16 reads a little-endian int16.
func (r *BytecodeReader) ReadInt16() int16 {
	return int16(r.ReadUint16())
}

// ReadInt32 reads a little-endian int32.
func (r *BytecodeReader) ReadInt32() int32 {
	if r.pos+4 > len(r.bytes) {
		r.pos = len(r.bytes)
		return 0
	}
	v := binary.LittleEndian.Uint32(r.bytes[r.pos:])
	r.pos += 4
	return int32(v)
}

// Skip advances the reader by n bytes.
func (r *BytecodeReader) Skip(n int) {
	r.pos += n
}

// InstructionOffsets returns the offset of every instruction in bc, in order.
func InstructionOffsets(bc []byte) []int {
	var offsets []int
	r := NewBytecodeReader(bc)
	for r.HasMore() {
		offsets = append(offsets, r.Position())
		op := r.ReadOpcode()
		r.Skip(op.OperandBytes())
	}
	return offsets
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

// DisassembleInstruction disassembles a single instruction at the reader's
// position. pool may be nil; when present, pool operands are rendered
// symbolically.
func DisassembleInstruction(r *BytecodeReader, pool []Constant) string {
	pos := r.Position()
	op := r.ReadOpcode()
	info := op.Info()

	switch {
	case op == OpBIPush:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt8())

	case op == OpSIPush:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt16())

	case op == OpIConst:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadInt32())

	case op == OpILoad, op == OpALoad, op == OpIStore, op == OpAStore:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case op == OpNewArray:
		return fmt.Sprintf("%04d  %s %d", pos, info.Name, r.ReadByte())

	case op == OpIInc:
		idx := r.ReadByte()
		delta := r.ReadInt16()
		return fmt.Sprintf("%04d  %s %d %d", pos, info.Name, idx, delta)

	case op.IsBranch():
		offset := r.ReadInt16()
		target := r.Position() + int(offset)
		return fmt.Sprintf("%04d  %s %d (-> %04d)", pos, info.Name, offset, target)

	case op.UsesPool():
		idx := r.ReadUint16()
		if int(idx) < len(pool) {
			return fmt.Sprintf("%04d  %s #%d // %s", pos, info.Name, idx, pool[idx])
		}
		return fmt.Sprintf("%04d  %s #%d", pos, info.Name, idx)

	default:
		r.Skip(info.OperandBytes)
		return fmt.Sprintf("%04d  %s", pos, info.Name)
	}
}

// Disassemble returns a full disassembly of bytecode.
func Disassemble(bc []byte, pool []Constant) string {
	r := NewBytecodeReader(bc)
	var sb strings.Builder
	for r.HasMore() {
		if sb.Len() > 0 {
			sb.WriteByte('\n')
		}
		sb.WriteString(DisassembleInstruction(r, pool))
	}
	return sb.String()
}
