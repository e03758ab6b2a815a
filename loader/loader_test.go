package loader

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/chazu/litevm/vm"
)

const counterManifest = `
entry: Counter.sumTo:(I)I
classes:
  - className: Counter
    fields:
      - {name: calls, descriptor: I, flags: [ACC_STATIC]}
    methods:
      - name: sumTo
        descriptor: (I)I
        flags: [ACC_PUBLIC, ACC_STATIC]
        maxLocals: 3
        instructions:
          - {op: ICONST, args: [0]}
          - {op: ISTORE, args: [1]}
          - {op: BIPUSH, args: [1]}
          - {op: ISTORE, args: [2]}
          - {op: ILOAD, args: [2]}
          - {op: ILOAD, args: [0]}
          - {op: IF_ICMPGT, args: [13]}
          - {op: ILOAD, args: [1]}
          - {op: ILOAD, args: [2]}
          - {op: IADD}
          - {op: ISTORE, args: [1]}
          - {op: IINC, args: [2, 1]}
          - {op: GOTO, args: [4]}
          - {op: ILOAD, args: [1]}
          - {op: IRETURN}
      - name: guarded
        descriptor: (I)I
        flags: [ACC_STATIC]
        maxLocals: 2
        instructions:
          - {op: LDC, args: [100000]}
          - {op: ILOAD, args: [0]}
          - {op: IDIV}
          - {op: IRETURN}
          - {op: ASTORE, args: [1]}
          - {op: SIPUSH, args: [-1000]}
          - {op: IRETURN}
        exceptionHandlers:
          - {start: 0, end: 4, handler: 4, type: java/lang/ArithmeticException}
      - name: bump
        descriptor: ()I
        flags: [ACC_STATIC]
        instructions:
          - {op: GETSTATIC, args: ["Counter.calls:I"]}
          - {op: BIPUSH, args: [1]}
          - {op: IADD}
          - {op: DUP}
          - {op: PUTSTATIC, args: [Counter, calls, I]}
          - {op: IRETURN}
`

func mustAssemble(t *testing.T, src string) *vm.Program {
	t.Helper()
	m, err := ParseManifest([]byte(src))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	p, err := Assemble(m)
	if err != nil {
		t.Fatalf("Assemble: %v", err)
	}
	return p
}

func runInt(t *testing.T, v *vm.VM, ref string, args ...vm.Value) int32 {
	t.Helper()
	entry, err := vm.ParseMethodRef(ref)
	if err != nil {
		t.Fatal(err)
	}
	res, err := v.Run(context.Background(), entry, args)
	if err != nil {
		t.Fatalf("%s: %v", ref, err)
	}
	return res.Int()
}

// ---------------------------------------------------------------------------
// Manifest assembly
// ---------------------------------------------------------------------------

func TestAssembleAndRun(t *testing.T) {
	p := mustAssemble(t, counterManifest)
	if p.Entry.String() != "Counter.sumTo:(I)I" {
		t.Errorf("entry = %v", p.Entry)
	}
	v := vm.NewVM()
	if err := v.Load(p); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if got := runInt(t, v, "Counter.sumTo:(I)I", vm.FromInt(10)); got != 55 {
		t.Errorf("sumTo(10) = %d, want 55", got)
	}
	if got := runInt(t, v, "Counter.guarded:(I)I", vm.FromInt(4)); got != 25000 {
		t.Errorf("guarded(4) = %d, want 25000", got)
	}
	if got := runInt(t, v, "Counter.guarded:(I)I", vm.FromInt(0)); got != -1000 {
		t.Errorf("guarded(0) = %d, want -1000", got)
	}
	runInt(t, v, "Counter.bump:()I")
	if got := runInt(t, v, "Counter.bump:()I"); got != 2 {
		t.Errorf("bump() = %d, want 2", got)
	}
}

func TestBranchIndicesBecomeOffsets(t *testing.T) {
	p := mustAssemble(t, counterManifest)
	m := p.Class("Counter").DeclaredMethod("sumTo", "(I)I")
	out := m.Disassemble()
	// instruction 4 starts after ICONST(5) ISTORE(2) BIPUSH(2) ISTORE(2)
	if !strings.Contains(out, "GOTO") || !strings.Contains(out, "(-> 0011)") {
		t.Errorf("loop branch not rewritten to byte offset 11:\n%s", out)
	}

	g := p.Class("Counter").DeclaredMethod("guarded", "(I)I")
	if len(g.Handlers) != 1 {
		t.Fatalf("handlers = %d, want 1", len(g.Handlers))
	}
	// LDC(3) ILOAD(2) IDIV(1) IRETURN(1)
	h := g.Handlers[0]
	if h.Start != 0 || h.End != 7 || h.Handler != 7 {
		t.Errorf("handler = [%d, %d) -> %d, want [0, 7) -> 7", h.Start, h.End, h.Handler)
	}
}

func TestJSONManifest(t *testing.T) {
	src := `{"classes": [{"className": "J", "methods": [{
		"name": "seven", "descriptor": "()I", "flags": ["ACC_STATIC"],
		"instructions": [{"op": "BIPUSH", "args": [7]}, {"op": "IRETURN"}]}]}]}`
	p := mustAssemble(t, src)
	v := vm.NewVM()
	if err := v.Load(p); err != nil {
		t.Fatal(err)
	}
	if got := runInt(t, v, "J.seven:()I"); got != 7 {
		t.Errorf("seven() = %d, want 7", got)
	}
}

// ---------------------------------------------------------------------------
// Schema validation
// ---------------------------------------------------------------------------

func TestSchemaRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"no classes", `entry: A.b:()V`},
		{"unknown key", `classes: [{className: A, colour: red}]`},
		{"bad field descriptor", `classes: [{className: A, fields: [{name: x, descriptor: J}]}]`},
		{"bad method descriptor", `classes: [{className: A, methods: [{name: f, descriptor: "(I"}]}]`},
		{"unknown flag", `classes: [{className: A, methods: [{name: f, descriptor: ()V, flags: [ACC_MAGIC]}]}]`},
		{"negative handler start", `classes: [{className: A, methods: [{name: f, descriptor: ()V, exceptionHandlers: [{start: -1, end: 1, handler: 0}]}]}]`},
		{"nested operand", `classes: [{className: A, methods: [{name: f, descriptor: ()V, instructions: [{op: NOP, args: [[1]]}]}]}]`},
		{"dotted class name", `classes: [{className: java.lang.Foo}]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.src))
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("ParseManifest error = %v, want ValidationError", err)
			}
			if len(verr.Issues) == 0 {
				t.Error("ValidationError has no issues")
			}
		})
	}
}

func TestEmptyManifest(t *testing.T) {
	if _, err := ParseManifest([]byte("")); err == nil {
		t.Error("empty manifest should fail")
	}
}

// ---------------------------------------------------------------------------
// Assembler errors
// ---------------------------------------------------------------------------

func TestAssembleErrors(t *testing.T) {
	method := func(body string) string {
		return `classes: [{className: A, methods: [{name: f, descriptor: ()I, flags: [ACC_STATIC], ` + body + `}]}]`
	}
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"unknown opcode", method(`instructions: [{op: LADD}]`), "unsupported opcode"},
		{"branch past end", method(`instructions: [{op: GOTO, args: [5]}]`), "branch target 5"},
		{"bipush range", method(`instructions: [{op: BIPUSH, args: [200]}, {op: IRETURN}]`), "outside [-128, 127]"},
		{"missing operand", method(`instructions: [{op: ILOAD}, {op: IRETURN}]`), "missing operand 0"},
		{"extra operand", method(`instructions: [{op: IADD, args: [1]}]`), "takes 0 operands"},
		{"string constant", method(`instructions: [{op: LDC, args: [hello]}, {op: IRETURN}]`), "only int constants"},
		{"array type", method(`instructions: [{op: BIPUSH, args: [1]}, {op: NEWARRAY, args: [float]}, {op: ARETURN}]`), "unsupported array element type"},
		{"handler range", method(`instructions: [{op: NOP}], exceptionHandlers: [{start: 0, end: 3, handler: 0}]`), "handler 0"},
		{"member form", method(`instructions: [{op: INVOKESTATIC, args: [A, f]}]`), "want class, name, descriptor"},
		{"bad entry", `entry: "A.f:()I"
classes: [{className: A, methods: [{name: f, descriptor: ()I, flags: [ACC_STATIC], instructions: [{op: INVOKESTATIC, args: ["A.f:(Q)I"]}]}]}]`, "(Q)I"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseManifest([]byte(tt.src))
			if err != nil {
				t.Fatalf("ParseManifest: %v", err)
			}
			_, err = Assemble(m)
			if err == nil {
				t.Fatal("Assemble should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Assemble error = %q, want it to mention %q", err, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Images
// ---------------------------------------------------------------------------

func TestImageRoundTrip(t *testing.T) {
	p := mustAssemble(t, counterManifest)
	data, err := MarshalImage(p)
	if err != nil {
		t.Fatalf("MarshalImage: %v", err)
	}
	if !bytes.HasPrefix(data, ImageMagic[:]) {
		t.Errorf("image does not start with magic")
	}
	again, _ := MarshalImage(mustAssemble(t, counterManifest))
	if !bytes.Equal(data, again) {
		t.Error("image encoding is not deterministic")
	}

	got, err := UnmarshalImage(data)
	if err != nil {
		t.Fatalf("UnmarshalImage: %v", err)
	}
	if got.Entry != p.Entry {
		t.Errorf("entry = %v, want %v", got.Entry, p.Entry)
	}
	orig := p.Class("Counter").DeclaredMethod("guarded", "(I)I")
	back := got.Class("Counter").DeclaredMethod("guarded", "(I)I")
	if !bytes.Equal(orig.Bytecode, back.Bytecode) || len(back.Pool) != len(orig.Pool) || len(back.Handlers) != 1 {
		t.Errorf("guarded did not survive the round trip:\n%s\n---\n%s", orig.Disassemble(), back.Disassemble())
	}

	v := vm.NewVM()
	if err := v.Load(got); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := runInt(t, v, "Counter.guarded:(I)I", vm.FromInt(0)); n != -1000 {
		t.Errorf("guarded(0) = %d, want -1000", n)
	}
}

func TestImageRejectsCorruption(t *testing.T) {
	data, err := MarshalImage(mustAssemble(t, counterManifest))
	if err != nil {
		t.Fatal(err)
	}

	badMagic := append([]byte(nil), data...)
	badMagic[0] = 'X'
	badVersion := append([]byte(nil), data...)
	badVersion[4] = 99
	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xFF

	for name, d := range map[string][]byte{
		"magic":     badMagic,
		"version":   badVersion,
		"body":      flipped,
		"truncated": data[:6],
	} {
		if _, err := UnmarshalImage(d); !errors.Is(err, ErrBadImage) {
			t.Errorf("%s: error = %v, want ErrBadImage", name, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Loading from disk
// ---------------------------------------------------------------------------

func TestLoadByExtension(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "counter.yaml")
	if err := os.WriteFile(yamlPath, []byte(counterManifest), 0o644); err != nil {
		t.Fatal(err)
	}
	p, err := Load(yamlPath)
	if err != nil {
		t.Fatalf("Load(yaml): %v", err)
	}

	imgPath := filepath.Join(dir, "counter"+ImageExt)
	if err := WriteImage(imgPath, p); err != nil {
		t.Fatal(err)
	}
	v := vm.NewVM()
	if _, err := LoadInto(v, imgPath); err != nil {
		t.Fatalf("LoadInto(image): %v", err)
	}
	if got := runInt(t, v, "Counter.sumTo:(I)I", vm.FromInt(4)); got != 10 {
		t.Errorf("sumTo(4) = %d, want 10", got)
	}

	if _, err := Load(filepath.Join(dir, "counter.txt")); err == nil {
		t.Error("unknown extension should fail")
	}

	bad := filepath.Join(dir, "bad.yml")
	os.WriteFile(bad, []byte(`classes: [{className: A, nope: 1}]`), 0o644)
	_, err = Load(bad)
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Path != bad {
		t.Errorf("Load(bad) error = %v, want ValidationError for %s", err, bad)
	}
}
