package decoder

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
	"golang.org/x/arch/x86/x86asm"
)

// MaxX86InstLen is the architectural upper bound of an x86 instruction.
const MaxX86InstLen = 15

// Decoder turns raw guest bytes at pc into one canonical instruction.
type Decoder interface {
	Arch() types.Architecture
	Decode(code []byte, pc uint64) (types.Instruction, error)
}

// X86Decoder adapts golang.org/x/arch/x86/x86asm to canonical instructions.
// Only the integer subset the translator understands is accepted; anything
// else is reported as an unsupported instruction.
type X86Decoder struct{}

func NewX86Decoder() *X86Decoder { return &X86Decoder{} }

func (d *X86Decoder) Arch() types.Architecture { return types.ArchX86_64 }

func unsupported(pc uint64, inst x86asm.Inst, why string) error {
	return fmt.Errorf("%w: %#x: %s (%s)", vmerrors.ErrUnsupportedInstruction, pc, inst.String(), why)
}

// x86Reg maps an x86asm register to (id, width). High-byte registers and
// non-GPRs are rejected.
func x86Reg(r x86asm.Reg) (types.Reg, uint8, bool) {
	switch {
	case r >= x86asm.AL && r <= x86asm.BL:
		return types.Reg(r - x86asm.AL), 8, true
	case r >= x86asm.SPB && r <= x86asm.R15B:
		return types.Reg(r-x86asm.SPB) + 4, 8, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return types.Reg(r - x86asm.AX), 16, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return types.Reg(r - x86asm.EAX), 32, true
	case r >= x86asm.RAX && r <= x86asm.R15:
		return types.Reg(r - x86asm.RAX), 64, true
	}
	return types.NoReg, 0, false
}

var x86Conds = map[x86asm.Op]types.Cond{
	x86asm.JE:  types.CondEQ,
	x86asm.JNE: types.CondNE,
	x86asm.JL:  types.CondLT,
	x86asm.JGE: types.CondGE,
	x86asm.JLE: types.CondLE,
	x86asm.JG:  types.CondGT,
	x86asm.JB:  types.CondLTU,
	x86asm.JAE: types.CondGEU,
	x86asm.JBE: types.CondLEU,
	x86asm.JA:  types.CondGTU,
}

var x86ALU = map[x86asm.Op]uint32{
	x86asm.ADD:  types.ADD,
	x86asm.SUB:  types.SUB,
	x86asm.AND:  types.AND,
	x86asm.OR:   types.OR,
	x86asm.XOR:  types.XOR,
	x86asm.SHL:  types.SHL,
	x86asm.SHR:  types.SHR,
	x86asm.SAR:  types.SAR,
	x86asm.IMUL: types.MUL,
}

func (d *X86Decoder) operand(pc uint64, inst x86asm.Inst, a x86asm.Arg) (types.Operand, error) {
	next := pc + uint64(inst.Len)
	switch v := a.(type) {
	case x86asm.Reg:
		id, w, ok := x86Reg(v)
		if !ok {
			return types.Operand{}, unsupported(pc, inst, "register "+v.String())
		}
		return types.RegOp(id, w), nil
	case x86asm.Imm:
		return types.ImmOp(int64(v)), nil
	case x86asm.Rel:
		return types.ImmOp(int64(next + uint64(int64(v)))), nil
	case x86asm.Mem:
		if v.Segment != 0 {
			return types.Operand{}, unsupported(pc, inst, "segment override")
		}
		width := uint8(inst.MemBytes * 8)
		if width == 0 {
			width = uint8(inst.DataSize)
		}
		base, index := types.NoReg, types.NoReg
		disp := v.Disp
		switch {
		case v.Base == x86asm.RIP:
			disp += int64(next)
		case v.Base != 0:
			id, w, ok := x86Reg(v.Base)
			if !ok || w != 64 {
				return types.Operand{}, unsupported(pc, inst, "address register")
			}
			base = id
		}
		if v.Index != 0 {
			id, w, ok := x86Reg(v.Index)
			if !ok || w != 64 {
				return types.Operand{}, unsupported(pc, inst, "index register")
			}
			index = id
		}
		return types.MemOp(base, index, v.Scale, disp, width), nil
	}
	return types.Operand{}, unsupported(pc, inst, "operand kind")
}

func (d *X86Decoder) operands(pc uint64, inst x86asm.Inst) ([]types.Operand, error) {
	var out []types.Operand
	for _, a := range inst.Args {
		if a == nil {
			break
		}
		o, err := d.operand(pc, inst, a)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, nil
}

// badPrefix reports prefixes whose semantics (lock, string repeat, segment
// bases, 32-bit addressing) are not modelled.
func badPrefix(p x86asm.Prefix) bool {
	if p&(x86asm.PrefixIgnored|x86asm.PrefixImplicit) != 0 {
		return false
	}
	switch p & 0xFF {
	case x86asm.PrefixLOCK, x86asm.PrefixREP, x86asm.PrefixREPN,
		x86asm.PrefixFS, x86asm.PrefixGS, x86asm.PrefixAddrSize:
		return true
	}
	return false
}

// Decode decodes one instruction in 64-bit mode.
func (d *X86Decoder) Decode(code []byte, pc uint64) (types.Instruction, error) {
	inst, err := x86asm.Decode(code, 64)
	if err != nil {
		return types.Instruction{}, fmt.Errorf("%w: %#x: %v", vmerrors.ErrUnsupportedInstruction, pc, err)
	}
	for _, p := range inst.Prefix {
		if p == 0 {
			break
		}
		if badPrefix(p) {
			return types.Instruction{}, unsupported(pc, inst, "prefix "+p.String())
		}
	}
	ops, err := d.operands(pc, inst)
	if err != nil {
		return types.Instruction{}, err
	}
	out := types.Instruction{Arch: types.ArchX86_64, PC: pc, Len: uint8(inst.Len), Operands: ops}

	switch inst.Op {
	case x86asm.NOP:
		out.Opcode, out.Operands = types.NOP, nil
	case x86asm.MFENCE, x86asm.LFENCE, x86asm.SFENCE:
		out.Opcode = types.FENCE
	case x86asm.MOV, x86asm.MOVZX:
		if len(ops) != 2 {
			return types.Instruction{}, unsupported(pc, inst, "operands")
		}
		switch {
		case ops[0].IsMem():
			out.Opcode = types.STORE
		case ops[1].IsMem():
			out.Opcode = types.LOAD
		default:
			out.Opcode = types.MOV
		}
	case x86asm.MOVSX, x86asm.MOVSXD:
		out.Opcode = types.LOADSX
	case x86asm.LEA:
		out.Opcode = types.LEA
	case x86asm.NOT:
		out.Opcode = types.NOT
	case x86asm.NEG:
		out.Opcode = types.NEG
	case x86asm.BSWAP:
		out.Opcode = types.BSWAP
	case x86asm.CMP:
		out.Opcode = types.CMP
	case x86asm.TEST:
		out.Opcode = types.TEST
	case x86asm.PUSH:
		out.Opcode = types.PUSH
	case x86asm.POP:
		out.Opcode = types.POP
	case x86asm.JMP:
		out.Opcode = types.JMP
	case x86asm.CALL:
		out.Opcode = types.CALL
	case x86asm.RET:
		out.Opcode = types.RET
	case x86asm.INT:
		out.Opcode = types.TRAP
	case x86asm.UD2:
		out.Opcode, out.Operands = types.TRAP, []types.Operand{types.ImmOp(6)}
	case x86asm.HLT:
		out.Opcode, out.Operands = types.TRAP, []types.Operand{types.ImmOp(0xF4)}
	case x86asm.SYSCALL:
		out.Opcode = types.SYSCALL
	case x86asm.CPUID:
		out.Opcode = types.CPUID
	case x86asm.RDTSC:
		out.Opcode = types.RDTSC
	default:
		if op, ok := x86ALU[inst.Op]; ok {
			if len(ops) < 2 {
				return types.Instruction{}, unsupported(pc, inst, "one-operand form")
			}
			out.Opcode = op
			break
		}
		if c, ok := x86Conds[inst.Op]; ok {
			out.Opcode, out.Cond = types.JCC, c
			break
		}
		return types.Instruction{}, unsupported(pc, inst, "opcode")
	}
	return out, nil
}

// Disassemble renders code as one line per instruction, canonical form next to
// the x86 syntax.
func Disassemble(code []byte, pc uint64) string {
	var sb strings.Builder
	d := NewX86Decoder()
	offset := 0
	for offset < len(code) {
		raw, err := x86asm.Decode(code[offset:], 64)
		if err != nil {
			sb.WriteString(fmt.Sprintf("%#08x: db 0x%02x\n", pc+uint64(offset), code[offset]))
			offset++
			continue
		}
		var hexBytes []string
		for i := 0; i < raw.Len; i++ {
			hexBytes = append(hexBytes, fmt.Sprintf("%02x", code[offset+i]))
		}
		canon := "unsupported"
		if inst, err := d.Decode(code[offset:], pc+uint64(offset)); err == nil {
			canon = inst.String()
		}
		sb.WriteString(fmt.Sprintf("%#08x: %-24s %-28s ; %s\n", pc+uint64(offset), strings.Join(hexBytes, " "), raw.String(), canon))
		offset += raw.Len
	}
	return sb.String()
}
