package vm

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// verifyProgram rejects structurally malformed method bodies at load time:
// unknown opcodes, truncated operands, branches and handler ranges off
// instruction boundaries, pool entries of the wrong kind, and references
// to fields or classes that do not exist.
func (vm *VM) verifyProgram(p *Program, pending map[string]*Class) error {
	lookup := func(name string) *Class {
		if c, ok := pending[name]; ok {
			return c
		}
		return vm.Classes.Lookup(name)
	}
	for _, c := range p.Classes {
		for _, m := range c.Methods {
			if err := verifyMethod(m, lookup); err != nil {
				return fmt.Errorf("%w: %s: %v", ErrMalformed, m, err)
			}
		}
	}
	return nil
}

func verifyMethod(m *CompiledMethod, lookup func(string) *Class) error {
	code := m.Bytecode
	if len(code) == 0 {
		// bodiless methods must be bridged; checked at call time
		return nil
	}
	starts := make(map[int]bool)
	type branch struct{ at, target int }
	var branches []branch

	for pos := 0; pos < len(code); {
		op := Opcode(code[pos])
		if !op.Valid() {
			return fmt.Errorf("unknown opcode 0x%02X at %04d", byte(op), pos)
		}
		starts[pos] = true
		n := op.OperandBytes()
		if pos+1+n > len(code) {
			return fmt.Errorf("%s at %04d: truncated operand", op, pos)
		}
		operand := code[pos+1 : pos+1+n]
		switch {
		case op.IsBranch():
			offset := int(int16(binary.LittleEndian.Uint16(operand)))
			branches = append(branches, branch{pos, pos + 1 + n + offset})
		case op.UsesPool():
			idx := int(binary.LittleEndian.Uint16(operand))
			if idx >= len(m.Pool) {
				return fmt.Errorf("%s at %04d: pool index %d out of range", op, pos, idx)
			}
			if err := verifyPoolRef(op, m.Pool[idx], lookup); err != nil {
				return fmt.Errorf("%s at %04d: %v", op, pos, err)
			}
		case op == OpNewArray:
			if operand[0] != ArrayTypeInt {
				return fmt.Errorf("NEWARRAY at %04d: unsupported type code %d", pos, operand[0])
			}
		case op == OpILoad, op == OpALoad, op == OpIStore, op == OpAStore, op == OpIInc:
			if int(operand[0]) >= m.MaxLocals {
				return fmt.Errorf("%s at %04d: local %d beyond maxLocals %d", op, pos, operand[0], m.MaxLocals)
			}
		}
		pos += 1 + n
	}

	for _, b := range branches {
		if !starts[b.target] {
			return fmt.Errorf("branch at %04d targets %d, not an instruction", b.at, b.target)
		}
	}
	for i, h := range m.Handlers {
		if h.Start >= h.End {
			return fmt.Errorf("handler %d: empty range [%d, %d)", i, h.Start, h.End)
		}
		if !starts[h.Start] || (h.End != len(code) && !starts[h.End]) {
			return fmt.Errorf("handler %d: range [%d, %d) not on instruction boundaries", i, h.Start, h.End)
		}
		if !starts[h.Handler] {
			return fmt.Errorf("handler %d: entry %d is not an instruction", i, h.Handler)
		}
	}
	return nil
}

func verifyPoolRef(op Opcode, c Constant, lookup func(string) *Class) error {
	want := ConstClass
	switch op {
	case OpLDC:
		want = ConstInt
	case OpGetField, OpPutField, OpGetStatic, OpPutStatic:
		want = ConstField
	case OpInvokeStatic, OpInvokeSpecial, OpInvokeVirtual:
		want = ConstMethod
	}
	if c.Tag != want {
		return fmt.Errorf("pool entry is %s, want %s", c.Tag, want)
	}

	switch op {
	case OpNew:
		if lookup(c.Class) == nil {
			return fmt.Errorf("unknown class %s", c.Class)
		}
	case OpANewArray:
		// array-typed elements need only a well-formed descriptor
		if strings.HasPrefix(c.Class, "[") {
			if _, err := FieldKind(c.Class); err != nil {
				return fmt.Errorf("element type %s: %v", c.Class, err)
			}
		} else if lookup(c.Class) == nil {
			return fmt.Errorf("unknown class %s", c.Class)
		}
	case OpGetField, OpPutField:
		cls := lookup(c.Class)
		if cls == nil {
			return fmt.Errorf("unknown class %s", c.Class)
		}
		if cls.FieldIndex(c.Name) < 0 {
			return fmt.Errorf("class %s has no field %s", c.Class, c.Name)
		}
	case OpGetStatic, OpPutStatic:
		cls := lookup(c.Class)
		if cls == nil {
			return fmt.Errorf("unknown class %s", c.Class)
		}
		if _, _, ok := cls.staticOwner(c.Name); !ok {
			return fmt.Errorf("class %s has no static field %s", c.Class, c.Name)
		}
	}
	return nil
}
