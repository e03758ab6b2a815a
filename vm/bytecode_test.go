package vm

import (
	"strings"
	"testing"
)

// ---------------------------------------------------------------------------
// Opcode metadata tests
// ---------------------------------------------------------------------------

func TestOpcodeInfo(t *testing.T) {
	tests := []struct {
		op           Opcode
		name         string
		operandBytes int
	}{
		{OpNOP, "NOP", 0},
		{OpAConstNull, "ACONST_NULL", 0},
		{OpIConst, "ICONST", 4},
		{OpBIPush, "BIPUSH", 1},
		{OpSIPush, "SIPUSH", 2},
		{OpLDC, "LDC", 2},
		{OpILoad, "ILOAD", 1},
		{OpIInc, "IINC", 3},
		{OpIDiv, "IDIV", 0},
		{OpIfICmpGe, "IF_ICMPGE", 2},
		{OpGoto, "GOTO", 2},
		{OpInvokeStatic, "INVOKESTATIC", 2},
		{OpNewArray, "NEWARRAY", 1},
		{OpArrayLength, "ARRAYLENGTH", 0},
		{OpAThrow, "ATHROW", 0},
	}

	for _, tt := range tests {
		if got := tt.op.Name(); got != tt.name {
			t.Errorf("%02X.Name() = %q, want %q", byte(tt.op), got, tt.name)
		}
		if got := tt.op.OperandBytes(); got != tt.operandBytes {
			t.Errorf("%s.OperandBytes() = %d, want %d", tt.name, got, tt.operandBytes)
		}
		if !tt.op.Valid() {
			t.Errorf("%s should be valid", tt.name)
		}
	}
}

func TestOpcodeNumbersFollowJVM(t *testing.T) {
	if OpIAdd != 0x60 || OpIDiv != 0x6C || OpInvokeVirtual != 0xB6 || OpAThrow != 0xBF {
		t.Error("opcode numbering drifted from the JVM assignments")
	}
}

func TestUnknownOpcode(t *testing.T) {
	op := Opcode(0xFE)
	if op.Valid() {
		t.Error("0xFE should be invalid")
	}
	if !strings.HasPrefix(op.Name(), "UNKNOWN_") {
		t.Errorf("Name() = %q, want UNKNOWN_ prefix", op.Name())
	}
}

func TestLookupOpcode(t *testing.T) {
	op, ok := LookupOpcode(" if_icmplt ")
	if !ok || op != OpIfICmpLt {
		t.Errorf("LookupOpcode(if_icmplt) = %v, %v", op, ok)
	}
	if _, ok := LookupOpcode("LADD"); ok {
		t.Error("LADD should not be supported")
	}
}

func TestSupportedOpcodesSorted(t *testing.T) {
	names := SupportedOpcodes()
	if len(names) != len(opcodeTable) {
		t.Fatalf("got %d names, want %d", len(names), len(opcodeTable))
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Fatalf("names not sorted at %d: %q >= %q", i, names[i-1], names[i])
		}
	}
}

// ---------------------------------------------------------------------------
// Builder tests
// ---------------------------------------------------------------------------

func TestEmitPushIntPicksShortestForm(t *testing.T) {
	tests := []struct {
		n    int32
		op   Opcode
		size int
	}{
		{5, OpBIPush, 2},
		{-128, OpBIPush, 2},
		{200, OpSIPush, 3},
		{-32768, OpSIPush, 3},
		{100000, OpIConst, 5},
	}
	for _, tt := range tests {
		b := NewBytecodeBuilder()
		b.EmitPushInt(tt.n)
		if Opcode(b.Bytes()[0]) != tt.op || b.Len() != tt.size {
			t.Errorf("EmitPushInt(%d) = %v (%d bytes), want %v (%d bytes)", tt.n, Opcode(b.Bytes()[0]), b.Len(), tt.op, tt.size)
		}
	}
}

func TestLabelsForwardAndBackward(t *testing.T) {
	b := NewBytecodeBuilder()
	top := b.NewLabel()
	out := b.NewLabel()
	b.Mark(top)
	b.EmitJump(OpIfEq, out) // 0: IFEQ -> out
	b.EmitJump(OpGoto, top) // 3: GOTO -> 0
	b.Mark(out)
	b.Emit(OpReturn)

	r := NewBytecodeReader(b.Bytes())
	r.ReadOpcode()
	if off := r.ReadInt16(); r.Position()+int(off) != 6 {
		t.Errorf("IFEQ target = %d, want 6", r.Position()+int(off))
	}
	r.ReadOpcode()
	if off := r.ReadInt16(); r.Position()+int(off) != 0 {
		t.Errorf("GOTO target = %d, want 0", r.Position()+int(off))
	}
	if top.Position() != 0 || out.Position() != 6 {
		t.Errorf("label positions = %d, %d", top.Position(), out.Position())
	}
}

func TestPatchJump(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitJumpAbsolute(OpGoto, 0)
	b.Emit(OpNOP)
	b.Emit(OpReturn)
	b.PatchJump(0, 4)
	r := NewBytecodeReader(b.Bytes())
	r.ReadOpcode()
	off := r.ReadInt16()
	if r.Position()+int(off) != 4 {
		t.Errorf("patched target = %d, want 4", r.Position()+int(off))
	}
}

func TestInstructionOffsets(t *testing.T) {
	b := NewBytecodeBuilder()
	b.EmitPushInt(1)
	b.EmitPushInt(1000)
	b.EmitIInc(0, 1)
	b.Emit(OpIAdd)
	b.Emit(OpIReturn)
	got := InstructionOffsets(b.Bytes())
	want := []int{0, 2, 5, 9, 10}
	if len(got) != len(want) {
		t.Fatalf("offsets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("offsets = %v, want %v", got, want)
		}
	}
}

// ---------------------------------------------------------------------------
// Disassembly
// ---------------------------------------------------------------------------

func TestDisassemble(t *testing.T) {
	m := buildExceptionSample().DeclaredMethod("safeDivide", "(II)I")
	out := m.Disassemble()
	for _, want := range []string{
		"0000  ILOAD 0",
		"INVOKESTATIC #0 // method ExceptionSample.divide:(II)I",
		"IRETURN",
		"handler [0000, 0008) -> 0008 java/lang/ArithmeticException",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleBranchTarget(t *testing.T) {
	b := NewBytecodeBuilder()
	l := b.NewLabel()
	b.EmitJump(OpGoto, l)
	b.Mark(l)
	b.Emit(OpReturn)
	out := Disassemble(b.Bytes(), nil)
	if !strings.Contains(out, "GOTO 0 (-> 0003)") {
		t.Errorf("disassembly = %q", out)
	}
}
