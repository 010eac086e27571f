package interp

import (
	"fmt"

	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// guest executes canonical instructions directly, honouring the register
// write rules and endianness of the instruction's architecture.
type guest struct {
	info types.ArchInfo
	st   *State
	mem  Memory
}

// Step executes one guest instruction and advances st.PC.
func Step(inst *types.Instruction, st *State, mem Memory) (Exit, error) {
	g := guest{info: inst.Arch.Info(), st: st, mem: mem}
	exit, err := g.exec(inst)
	if err != nil {
		return Exit{}, err
	}
	st.PC = exit.Next
	st.Retired++
	return exit, nil
}

// RunBlock interprets insts in order until a control transfer or a trap. It is
// the reference against which translated IR is checked.
func RunBlock(insts []types.Instruction, st *State, mem Memory) (Exit, error) {
	var exit Exit
	for i := range insts {
		e, err := Step(&insts[i], st, mem)
		if err != nil {
			return Exit{}, err
		}
		exit = e
		if e.Trapped || types.IsControlFlow(insts[i].Opcode) {
			return exit, nil
		}
	}
	return exit, nil
}

func invalid(inst *types.Instruction, format string, args ...any) error {
	return vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, -1, inst, format, args...)
}

func (g *guest) readReg(r types.Reg, width uint8) uint64 {
	if g.info.ZeroReg && r == 0 {
		return 0
	}
	return g.st.Regs[r] & types.Mask(width)
}

func (g *guest) writeReg(r types.Reg, width uint8, v uint64) {
	if g.info.ZeroReg && r == 0 {
		return
	}
	switch {
	case width >= 64 || width == 0:
		g.st.Regs[r] = v
	case width == 32:
		if g.info.Extend32 == types.Extend32Sign {
			g.st.Regs[r] = types.SignExtend(v, 32)
		} else {
			g.st.Regs[r] = v & 0xFFFFFFFF
		}
	default:
		m := types.Mask(width)
		if g.info.MergeNarrow {
			g.st.Regs[r] = g.st.Regs[r]&^m | v&m
		} else {
			g.st.Regs[r] = v & m
		}
	}
}

func (g *guest) address(m types.MemRef) uint64 {
	var a uint64
	if m.Base != types.NoReg {
		a = g.readReg(m.Base, 64)
	}
	if m.Index != types.NoReg {
		a += g.readReg(m.Index, 64) * uint64(m.Scale)
	}
	return a + uint64(m.Disp)
}

func (g *guest) load(addr uint64, width uint8) (uint64, error) {
	v, err := g.mem.Read(addr, int(width/8))
	if err != nil {
		return 0, err
	}
	if g.info.Endian == types.BigEndian {
		v = types.ByteSwap(v, width)
	}
	return v, nil
}

func (g *guest) store(addr uint64, width uint8, v uint64) error {
	v &= types.Mask(width)
	if g.info.Endian == types.BigEndian {
		v = types.ByteSwap(v, width)
	}
	return g.mem.Write(addr, v, int(width/8))
}

// read returns the operand value truncated to its own width; immediates take
// the width of the operation.
func (g *guest) read(o types.Operand, width uint8) (uint64, error) {
	switch o.Kind {
	case types.OperandRegister:
		if int(o.Reg) >= types.NumGuestRegs {
			return 0, fmt.Errorf("%w: register %d", vmerrors.ErrInvalidOperand, o.Reg)
		}
		return g.readReg(o.Reg, o.Width), nil
	case types.OperandImmediate:
		return uint64(o.Imm) & types.Mask(width), nil
	case types.OperandMemory:
		return g.load(g.address(o.Mem), o.Width)
	}
	return 0, fmt.Errorf("%w: empty operand", vmerrors.ErrInvalidOperand)
}

func (g *guest) write(o types.Operand, v uint64) error {
	switch o.Kind {
	case types.OperandRegister:
		if int(o.Reg) >= types.NumGuestRegs {
			return fmt.Errorf("%w: register %d", vmerrors.ErrInvalidOperand, o.Reg)
		}
		g.writeReg(o.Reg, o.Width, v)
		return nil
	case types.OperandMemory:
		return g.store(g.address(o.Mem), o.Width, v)
	}
	return fmt.Errorf("%w: operand %s is not writable", vmerrors.ErrInvalidOperand, o)
}

func (g *guest) push(v uint64) error {
	sp := g.readReg(g.info.StackReg, 64) - 8
	if err := g.store(sp, 64, v); err != nil {
		return err
	}
	g.writeReg(g.info.StackReg, 64, sp)
	return nil
}

func (g *guest) pop() (uint64, error) {
	sp := g.readReg(g.info.StackReg, 64)
	v, err := g.load(sp, 64)
	if err != nil {
		return 0, err
	}
	g.writeReg(g.info.StackReg, 64, sp+8)
	return v, nil
}

// ShiftMask is the count mask applied by shifts of the given width.
func ShiftMask(width uint8) uint64 {
	if width == 64 {
		return 63
	}
	return 31
}

// ALU computes a binary operation at width bits. The result is not truncated.
func ALU(op uint32, a, b uint64, width uint8) uint64 {
	switch op {
	case types.ADD:
		return a + b
	case types.SUB:
		return a - b
	case types.MUL:
		return a * b
	case types.AND:
		return a & b
	case types.OR:
		return a | b
	case types.XOR:
		return a ^ b
	case types.SHL:
		return a << (b & ShiftMask(width))
	case types.SHR:
		return (a & types.Mask(width)) >> (b & ShiftMask(width))
	case types.SAR:
		return uint64(int64(types.SignExtend(a, width)) >> (b & ShiftMask(width)))
	}
	return 0
}

// FlagKindOf reports the flag record an ALU opcode produces on flag-setting
// architectures.
func FlagKindOf(op uint32) types.FlagKind {
	switch op {
	case types.ADD:
		return types.FlagsAdd
	case types.SUB, types.CMP, types.NEG:
		return types.FlagsSub
	case types.AND, types.OR, types.XOR, types.TEST:
		return types.FlagsLogic
	}
	return types.FlagsNone
}

// ALUOperands splits the two- and three-operand forms into dst, a, b.
func ALUOperands(inst *types.Instruction) (dst, a, b types.Operand, ok bool) {
	switch len(inst.Operands) {
	case 2:
		return inst.Operands[0], inst.Operands[0], inst.Operands[1], true
	case 3:
		return inst.Operands[0], inst.Operands[1], inst.Operands[2], true
	}
	return types.Operand{}, types.Operand{}, types.Operand{}, false
}

// UnaryOperands splits the one- and two-operand forms into dst, src.
func UnaryOperands(inst *types.Instruction) (dst, src types.Operand, ok bool) {
	switch len(inst.Operands) {
	case 1:
		return inst.Operands[0], inst.Operands[0], true
	case 2:
		return inst.Operands[0], inst.Operands[1], true
	}
	return types.Operand{}, types.Operand{}, false
}

// CPUIDResult is the fixed identification returned for a CPUID leaf.
func CPUIDResult(leaf uint32) (eax, ebx, ecx, edx uint32) {
	switch leaf {
	case 0:
		// "VmCoreGuest!"
		return 1, 0x6f43_6d56, 0x2174_7365, 0x7565_4765
	case 1:
		return 0x000a_0650, 0, 0x8000_0001, 0x0000_0001
	}
	return 0, 0, 0, 0
}

func (g *guest) exec(inst *types.Instruction) (Exit, error) {
	next := inst.NextPC()
	ops := inst.Operands
	fall := Exit{Next: next}

	switch inst.Opcode {
	case types.NOP, types.FENCE:
		return fall, nil

	case types.MOV, types.LOAD:
		if len(ops) != 2 {
			return Exit{}, invalid(inst, "want 2 operands")
		}
		v, err := g.read(ops[1], ops[0].Width)
		if err != nil {
			return Exit{}, err
		}
		return fall, g.write(ops[0], v)

	case types.LOADSX:
		if len(ops) != 2 {
			return Exit{}, invalid(inst, "want 2 operands")
		}
		v, err := g.read(ops[1], ops[1].Width)
		if err != nil {
			return Exit{}, err
		}
		return fall, g.write(ops[0], types.SignExtend(v, ops[1].Width))

	case types.STORE:
		if len(ops) != 2 || !ops[0].IsMem() {
			return Exit{}, invalid(inst, "want mem, src")
		}
		v, err := g.read(ops[1], ops[0].Width)
		if err != nil {
			return Exit{}, err
		}
		return fall, g.write(ops[0], v)

	case types.LEA:
		if len(ops) != 2 || !ops[1].IsMem() {
			return Exit{}, invalid(inst, "want reg, mem")
		}
		return fall, g.write(ops[0], g.address(ops[1].Mem))

	case types.ADD, types.SUB, types.MUL, types.AND, types.OR, types.XOR, types.SHL, types.SHR, types.SAR:
		dst, a, b, ok := ALUOperands(inst)
		if !ok {
			return Exit{}, invalid(inst, "want 2 or 3 operands")
		}
		w := dst.Width
		av, err := g.read(a, w)
		if err != nil {
			return Exit{}, err
		}
		bv, err := g.read(b, w)
		if err != nil {
			return Exit{}, err
		}
		res := ALU(inst.Opcode, av, bv, w)
		if k := FlagKindOf(inst.Opcode); g.info.ArithFlags && k != types.FlagsNone {
			g.st.Flags = types.MakeFlags(k, w, av, bv, res)
		}
		return fall, g.write(dst, res)

	case types.NOT, types.NEG, types.BSWAP:
		dst, src, ok := UnaryOperands(inst)
		if !ok {
			return Exit{}, invalid(inst, "want 1 or 2 operands")
		}
		w := dst.Width
		v, err := g.read(src, w)
		if err != nil {
			return Exit{}, err
		}
		var res uint64
		switch inst.Opcode {
		case types.NOT:
			res = ^v
		case types.NEG:
			res = -v
			if g.info.ArithFlags {
				g.st.Flags = types.MakeFlags(types.FlagsSub, w, 0, v, res)
			}
		default:
			res = types.ByteSwap(v, w)
		}
		return fall, g.write(dst, res)

	case types.CMP, types.TEST:
		if len(ops) != 2 {
			return Exit{}, invalid(inst, "want 2 operands")
		}
		w := ops[0].Width
		av, err := g.read(ops[0], w)
		if err != nil {
			return Exit{}, err
		}
		bv, err := g.read(ops[1], w)
		if err != nil {
			return Exit{}, err
		}
		if inst.Opcode == types.CMP {
			g.st.Flags = types.MakeFlags(types.FlagsSub, w, av, bv, av-bv)
		} else {
			g.st.Flags = types.MakeFlags(types.FlagsLogic, w, av, bv, av&bv)
		}
		return fall, nil

	case types.PUSH:
		if len(ops) != 1 || g.info.StackReg == types.NoReg {
			return Exit{}, invalid(inst, "want 1 operand and a stack")
		}
		v, err := g.read(ops[0], 64)
		if err != nil {
			return Exit{}, err
		}
		return fall, g.push(v)

	case types.POP:
		if len(ops) != 1 || g.info.StackReg == types.NoReg {
			return Exit{}, invalid(inst, "want 1 operand and a stack")
		}
		v, err := g.pop()
		if err != nil {
			return Exit{}, err
		}
		return fall, g.write(ops[0], v)

	case types.JMP:
		if len(ops) != 1 {
			return Exit{}, invalid(inst, "want target")
		}
		t, err := g.read(ops[0], 64)
		if err != nil {
			return Exit{}, err
		}
		return Exit{Next: t}, nil

	case types.JCC:
		if len(ops) != 1 || !ops[0].IsImm() {
			return Exit{}, invalid(inst, "want immediate target")
		}
		if g.st.Flags.Eval(inst.Cond) {
			return Exit{Next: uint64(ops[0].Imm)}, nil
		}
		return fall, nil

	case types.BCC:
		if len(ops) != 3 || !ops[2].IsImm() {
			return Exit{}, invalid(inst, "want a, b, target")
		}
		w := ops[0].Width
		av, err := g.read(ops[0], w)
		if err != nil {
			return Exit{}, err
		}
		bv, err := g.read(ops[1], w)
		if err != nil {
			return Exit{}, err
		}
		if types.Compare(inst.Cond, av, bv, w) {
			return Exit{Next: uint64(ops[2].Imm)}, nil
		}
		return fall, nil

	case types.CALL:
		if len(ops) != 1 {
			return Exit{}, invalid(inst, "want target")
		}
		t, err := g.read(ops[0], 64)
		if err != nil {
			return Exit{}, err
		}
		if g.info.LinkReg != types.NoReg {
			g.writeReg(g.info.LinkReg, 64, next)
		} else if err := g.push(next); err != nil {
			return Exit{}, err
		}
		return Exit{Next: t}, nil

	case types.RET:
		if g.info.LinkReg != types.NoReg {
			r := g.info.LinkReg
			if len(ops) == 1 && ops[0].IsReg() {
				r = ops[0].Reg
			}
			return Exit{Next: g.readReg(r, 64)}, nil
		}
		t, err := g.pop()
		if err != nil {
			return Exit{}, err
		}
		if len(ops) == 1 && ops[0].IsImm() {
			sp := g.readReg(g.info.StackReg, 64)
			g.writeReg(g.info.StackReg, 64, sp+uint64(ops[0].Imm))
		}
		return Exit{Next: t}, nil

	case types.TRAP:
		code := uint32(3)
		if len(ops) == 1 && ops[0].IsImm() {
			code = uint32(ops[0].Imm)
		}
		return Exit{Next: next, Trapped: true, Code: code}, nil

	case types.SYSCALL:
		return Exit{Next: next, Trapped: true, Code: TrapSyscall}, nil

	case types.CPUID:
		a, b, c, d := CPUIDResult(uint32(g.readReg(0, 32)))
		g.writeReg(0, 32, uint64(a))
		g.writeReg(3, 32, uint64(b))
		g.writeReg(1, 32, uint64(c))
		g.writeReg(2, 32, uint64(d))
		return fall, nil

	case types.RDTSC:
		g.st.TSC++
		g.writeReg(0, 32, g.st.TSC&0xFFFFFFFF)
		g.writeReg(2, 32, g.st.TSC>>32)
		return fall, nil
	}
	return Exit{}, vmerrors.NewTranslationError(vmerrors.ErrUnsupportedInstruction, -1, inst, "no interpreter semantics")
}
