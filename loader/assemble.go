package loader

import (
	"fmt"
	"math"
	"strings"

	"github.com/chazu/litevm/vm"
)

// Assemble turns a validated manifest into a loadable program. Branch
// targets and handler ranges given as instruction indices become byte
// offsets; member operands become constant pool entries.
func Assemble(m *Manifest) (*vm.Program, error) {
	p := &vm.Program{}
	for _, cm := range m.Classes {
		c := vm.NewClass(cm.ClassName, cm.SuperName)
		for _, f := range cm.Fields {
			c.AddField(f.Name, f.Descriptor, hasFlag(f.Flags, FlagStatic))
		}
		for i := range cm.Methods {
			method, err := assembleMethod(&cm.Methods[i])
			if err != nil {
				return nil, fmt.Errorf("%s.%s%s: %w", cm.ClassName, cm.Methods[i].Name, cm.Methods[i].Descriptor, err)
			}
			c.AddMethod(method)
		}
		p.Classes = append(p.Classes, c)
	}
	if m.Entry != "" {
		entry, err := vm.ParseMethodRef(m.Entry)
		if err != nil {
			return nil, fmt.Errorf("entry: %w", err)
		}
		p.Entry = entry
	}
	return p, nil
}

func assembleMethod(mm *MethodManifest) (*vm.CompiledMethod, error) {
	b := vm.NewMethodBuilder(mm.Name, mm.Descriptor)
	if hasFlag(mm.Flags, FlagStatic) {
		b.Static()
	}
	if mm.MaxLocals > 0 {
		b.SetMaxLocals(mm.MaxLocals)
	}

	// One label per instruction index, plus one for the end of the code.
	n := len(mm.Instructions)
	labels := make([]*vm.Label, n+1)
	for i := range labels {
		labels[i] = b.NewLabel()
	}
	target := func(idx int64) (*vm.Label, error) {
		if idx < 0 || idx >= int64(n) {
			return nil, fmt.Errorf("branch target %d outside [0, %d)", idx, n)
		}
		return labels[idx], nil
	}

	for i, ins := range mm.Instructions {
		b.Mark(labels[i])
		if err := emit(b, ins, target); err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, ins.Op, err)
		}
	}
	b.Mark(labels[n])

	for i, h := range mm.ExceptionHandlers {
		if h.Start < 0 || h.End > n || h.Start >= h.End {
			return nil, fmt.Errorf("handler %d: range [%d, %d) outside [0, %d]", i, h.Start, h.End, n)
		}
		if h.Handler < 0 || h.Handler >= n {
			return nil, fmt.Errorf("handler %d: entry %d outside [0, %d)", i, h.Handler, n)
		}
		b.AddHandler(labels[h.Start], labels[h.End], labels[h.Handler], h.Type)
	}
	return b.Build()
}

func emit(b *vm.MethodBuilder, ins Instruction, target func(int64) (*vm.Label, error)) error {
	op, ok := vm.LookupOpcode(ins.Op)
	if !ok {
		return fmt.Errorf("unsupported opcode %q", ins.Op)
	}
	args := operands(ins.Args)

	if op.IsBranch() {
		idx, err := args.integer(0, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		l, err := target(idx)
		if err != nil {
			return err
		}
		b.EmitJump(op, l)
		return args.want(1)
	}

	switch op {
	case vm.OpBIPush:
		v, err := args.integer(0, math.MinInt8, math.MaxInt8)
		if err != nil {
			return err
		}
		b.EmitInt8(op, int8(v))
		return args.want(1)
	case vm.OpSIPush:
		v, err := args.integer(0, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		b.EmitInt16(op, int16(v))
		return args.want(1)
	case vm.OpIConst:
		v, err := args.integer(0, math.MinInt32, math.MaxInt32)
		if err != nil {
			return err
		}
		b.EmitInt32(op, int32(v))
		return args.want(1)
	case vm.OpLDC:
		v, err := args.integer(0, math.MinInt32, math.MaxInt32)
		if err != nil {
			return fmt.Errorf("only int constants can be loaded: %w", err)
		}
		b.EmitUint16(op, b.Int(int32(v)))
		return args.want(1)

	case vm.OpILoad, vm.OpALoad, vm.OpIStore, vm.OpAStore:
		v, err := args.integer(0, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		b.EmitByte(op, byte(v))
		return args.want(1)
	case vm.OpIInc:
		local, err := args.integer(0, 0, math.MaxUint8)
		if err != nil {
			return err
		}
		delta, err := args.integer(1, math.MinInt16, math.MaxInt16)
		if err != nil {
			return err
		}
		b.EmitIInc(byte(local), int16(delta))
		return args.want(2)

	case vm.OpNewArray:
		code, err := args.arrayType(0)
		if err != nil {
			return err
		}
		b.EmitByte(op, code)
		return args.want(1)

	case vm.OpNew, vm.OpANewArray, vm.OpCheckCast, vm.OpInstanceOf:
		name, err := args.str(0)
		if err != nil {
			return err
		}
		b.EmitConst(op, vm.ClassConst(name))
		return args.want(1)

	case vm.OpGetField, vm.OpPutField, vm.OpGetStatic, vm.OpPutStatic:
		class, name, desc, err := args.member()
		if err != nil {
			return err
		}
		if _, err := vm.FieldKind(desc); err != nil {
			return err
		}
		b.Field(op, class, name, desc)
		return nil

	case vm.OpInvokeStatic, vm.OpInvokeVirtual, vm.OpInvokeSpecial:
		class, name, desc, err := args.member()
		if err != nil {
			return err
		}
		if _, err := vm.ParseDescriptor(desc); err != nil {
			return err
		}
		b.Invoke(op, class, name, desc)
		return nil
	}

	if op.OperandBytes() != 0 {
		return fmt.Errorf("no assembler form for %s", op)
	}
	b.Emit(op)
	return args.want(0)
}

// operands wraps the scalar arguments of one instruction.
type operands []any

func (a operands) want(n int) error {
	if len(a) != n {
		return fmt.Errorf("takes %d operands, got %d", n, len(a))
	}
	return nil
}

func (a operands) integer(i int, lo, hi int64) (int64, error) {
	if i >= len(a) {
		return 0, fmt.Errorf("missing operand %d", i)
	}
	var v int64
	switch x := a[i].(type) {
	case int:
		v = int64(x)
	case int64:
		v = x
	case uint64:
		if x > math.MaxInt64 {
			return 0, fmt.Errorf("operand %d: %d out of range", i, x)
		}
		v = int64(x)
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("operand %d: %v is not an integer", i, x)
		}
		v = int64(x)
	default:
		return 0, fmt.Errorf("operand %d: want an integer, got %v", i, a[i])
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("operand %d: %d outside [%d, %d]", i, v, lo, hi)
	}
	return v, nil
}

func (a operands) str(i int) (string, error) {
	if i >= len(a) {
		return "", fmt.Errorf("missing operand %d", i)
	}
	s, ok := a[i].(string)
	if !ok || s == "" {
		return "", fmt.Errorf("operand %d: want a name, got %v", i, a[i])
	}
	return s, nil
}

// member reads a class, name, descriptor triple, or a single
// "Class.name:descriptor" string.
func (a operands) member() (class, name, desc string, err error) {
	switch len(a) {
	case 1:
		s, err := a.str(0)
		if err != nil {
			return "", "", "", err
		}
		colon := strings.Index(s, ":")
		if colon < 0 {
			return "", "", "", fmt.Errorf("member %q: missing descriptor", s)
		}
		dot := strings.LastIndex(s[:colon], ".")
		if dot <= 0 || dot == colon-1 {
			return "", "", "", fmt.Errorf("member %q: want Class.name:descriptor", s)
		}
		return s[:dot], s[dot+1 : colon], s[colon+1:], nil
	case 3:
		if class, err = a.str(0); err != nil {
			return
		}
		if name, err = a.str(1); err != nil {
			return
		}
		desc, err = a.str(2)
		return
	default:
		return "", "", "", fmt.Errorf("want class, name, descriptor, got %d operands", len(a))
	}
}

func (a operands) arrayType(i int) (byte, error) {
	if i < len(a) {
		if s, ok := a[i].(string); ok {
			switch strings.ToUpper(s) {
			case "INT", "T_INT", "I":
				return vm.ArrayTypeInt, nil
			}
			return 0, fmt.Errorf("unsupported array element type %q", s)
		}
	}
	code, err := a.integer(i, 0, math.MaxUint8)
	if err != nil {
		return 0, err
	}
	if byte(code) != vm.ArrayTypeInt {
		return 0, fmt.Errorf("unsupported array type code %d", code)
	}
	return byte(code), nil
}
