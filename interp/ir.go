package interp

import (
	"fmt"

	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// frame holds the register file of one IR block execution. Guest homes live
// in State, temporaries are block local.
type frame struct {
	st    *State
	mem   Memory
	temps [types.MaxIRRegs - int(types.TempBase)]uint64
}

func (f *frame) get(r types.IRReg) uint64 {
	if r == types.NoIRReg {
		return 0
	}
	if r.IsTemp() {
		return f.temps[r-types.TempBase]
	}
	return f.st.Regs[r]
}

func (f *frame) set(r types.IRReg, v uint64) {
	if r.IsTemp() {
		f.temps[r-types.TempBase] = v
		return
	}
	f.st.Regs[r] = v
}

func (f *frame) operandB(op *types.IROp) uint64 {
	if op.BImm {
		return uint64(op.Imm)
	}
	return f.get(op.B)
}

// Run interprets one IR block. It is the interpreter tier and the semantic
// reference for generated code. On a fault st is left at the faulting guest
// instruction, as Step leaves it.
func Run(b *types.IRBlock, st *State, mem Memory) (Exit, error) {
	f := frame{st: st, mem: mem}
	st.EnsureSpill(b.SpillSlots)
	for i := range b.Ops {
		if err := f.exec(b, &b.Ops[i]); err != nil {
			pc, retired := b.FaultPoint(i)
			st.PC = pc
			st.Retired += retired
			return Exit{}, fmt.Errorf("block %s op %d (%s): %w", b.StartPC, i, b.Ops[i].String(), err)
		}
	}
	exit := f.terminate(&b.Term)
	st.PC = exit.Next
	st.Retired += uint64(b.GuestCount)
	return exit, nil
}

func (f *frame) exec(b *types.IRBlock, op *types.IROp) error {
	switch op.Op {
	case types.IR_NOP, types.IR_MARK:
	case types.IR_MOVI:
		f.set(op.Dst, uint64(op.Imm))
	case types.IR_MOV:
		f.set(op.Dst, f.get(op.A))
	case types.IR_ADD, types.IR_SUB, types.IR_MUL, types.IR_AND, types.IR_OR, types.IR_XOR,
		types.IR_SHL, types.IR_SHR, types.IR_SAR:
		f.set(op.Dst, EvalBinary(op.Op, f.get(op.A), f.operandB(op)))
	case types.IR_NOT:
		f.set(op.Dst, ^f.get(op.A))
	case types.IR_NEG:
		f.set(op.Dst, -f.get(op.A))
	case types.IR_ZEXT:
		f.set(op.Dst, f.get(op.A)&types.Mask(op.Width))
	case types.IR_SEXT:
		f.set(op.Dst, types.SignExtend(f.get(op.A), op.Width))
	case types.IR_MERGE:
		m := types.Mask(op.Width)
		f.set(op.Dst, f.get(op.B)&^m|f.get(op.A)&m)
	case types.IR_LOAD, types.IR_LOADSX:
		v, err := f.mem.Read(f.get(op.A)+uint64(op.Imm), int(op.Width/8))
		if err != nil {
			return err
		}
		if op.Op == types.IR_LOADSX {
			v = types.SignExtend(v, op.Width)
		}
		f.set(op.Dst, v)
	case types.IR_STORE:
		return f.mem.Write(f.get(op.A)+uint64(op.Imm), f.get(op.B)&types.Mask(op.Width), int(op.Width/8))
	case types.IR_BSWAP:
		f.set(op.Dst, types.ByteSwap(f.get(op.A), op.Width))
	case types.IR_SETFLAGS:
		f.st.Flags = types.MakeFlags(op.Flag, op.Width, f.get(op.A), f.operandB(op), f.get(op.Dst))
	case types.IR_SPILL:
		f.st.Spill[op.Imm] = f.get(op.A)
	case types.IR_RELOAD:
		f.set(op.Dst, f.st.Spill[op.Imm])
	case types.IR_GUEST:
		return Helper(&b.Fallback[op.Imm], f.st, f.mem)
	default:
		return fmt.Errorf("%w: ir opcode %s", vmerrors.ErrGeneratorFault, op.Op)
	}
	return nil
}

// Helper interprets one non-control-flow guest instruction on behalf of
// translated code. Unlike Step it leaves PC and Retired alone.
func Helper(inst *types.Instruction, st *State, mem Memory) error {
	g := guest{info: inst.Arch.Info(), st: st, mem: mem}
	_, err := g.exec(inst)
	return err
}

// EvalBinary computes a 64-bit IR binary operation.
func EvalBinary(op types.IROpcode, a, b uint64) uint64 {
	switch op {
	case types.IR_ADD:
		return a + b
	case types.IR_SUB:
		return a - b
	case types.IR_MUL:
		return a * b
	case types.IR_AND:
		return a & b
	case types.IR_OR:
		return a | b
	case types.IR_XOR:
		return a ^ b
	case types.IR_SHL:
		return a << (b & 63)
	case types.IR_SHR:
		return a >> (b & 63)
	case types.IR_SAR:
		return uint64(int64(a) >> (b & 63))
	}
	return 0
}

func (f *frame) terminate(t *types.Terminator) Exit {
	switch t.Kind {
	case types.TERM_JUMP:
		return Exit{Next: t.Target}
	case types.TERM_JUMPREG, types.TERM_RETURN:
		return Exit{Next: f.get(t.Reg)}
	case types.TERM_BRANCH:
		if BranchTaken(t, f.st.Flags, f.get(t.A), f.branchB(t)) {
			return Exit{Next: t.Target}
		}
		return Exit{Next: t.Fallthrough}
	case types.TERM_CALL:
		if t.Indirect {
			return Exit{Next: f.get(t.Reg)}
		}
		return Exit{Next: t.Target}
	}
	return Exit{Next: t.Fallthrough, Trapped: true, Code: t.TrapCode}
}

func (f *frame) branchB(t *types.Terminator) uint64 {
	if t.BImm {
		return uint64(t.Imm)
	}
	if t.UseFlags {
		return 0
	}
	return f.get(t.B)
}

// BranchTaken evaluates a BRANCH terminator condition.
func BranchTaken(t *types.Terminator, flags types.Flags, a, b uint64) bool {
	if t.UseFlags {
		return flags.Eval(t.Cond)
	}
	return types.Compare(t.Cond, a, b, t.Width)
}
