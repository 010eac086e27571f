package codegen

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// machine is the register file one Execute call runs on.
type machine struct {
	st    *interp.State
	mem   interp.Memory
	temps [types.MaxIRRegs - int(types.TempBase)]uint64
}

var machines = sync.Pool{New: func() any { return new(machine) }}

func (m *machine) get(r types.IRReg) uint64 {
	if r == types.NoIRReg {
		return 0
	}
	if r.IsTemp() {
		return m.temps[r-types.TempBase]
	}
	return m.st.Regs[r]
}

func (m *machine) set(r types.IRReg, v uint64) {
	if r.IsTemp() {
		m.temps[r-types.TempBase] = v
		return
	}
	m.st.Regs[r] = v
}

type step func(m *machine) error

// boundary is where the steps of a guest instruction begin.
type boundary struct {
	step    int
	pc      uint64
	retired uint64
}

type closureCode struct {
	start  types.GuestAddress
	steps  []step
	bounds []boundary // ascending by step
	term   func(m *machine) interp.Exit
	spill  int
	retire uint64

	size     int
	tier     types.CompileTier
	gen      *ClosureGenerator
	released atomic.Bool
}

func (c *closureCode) Execute(st *interp.State, mem interp.Memory) (interp.Exit, error) {
	m := machines.Get().(*machine)
	defer machines.Put(m)
	m.st, m.mem = st, mem
	st.EnsureSpill(c.spill)
	for i, s := range c.steps {
		if err := s(m); err != nil {
			m.st, m.mem = nil, nil
			st.PC, st.Retired = c.faultPoint(i, st.Retired)
			return interp.Exit{}, fmt.Errorf("block %s step %d: %w", c.start, i, err)
		}
	}
	exit := c.term(m)
	m.st, m.mem = nil, nil
	st.PC = exit.Next
	st.Retired += c.retire
	return exit, nil
}

// faultPoint returns the pc and retired count of the guest instruction that
// step i belongs to.
func (c *closureCode) faultPoint(i int, retired uint64) (uint64, uint64) {
	k := sort.Search(len(c.bounds), func(k int) bool { return c.bounds[k].step > i })
	if k == 0 {
		return uint64(c.start), retired
	}
	b := c.bounds[k-1]
	return b.pc, retired + b.retired
}

func (c *closureCode) Size() int               { return c.size }
func (c *closureCode) Tier() types.CompileTier { return c.tier }

// Release is idempotent.
func (c *closureCode) Release() {
	if c.released.CompareAndSwap(false, true) && c.gen != nil {
		c.gen.release(c.size)
	}
}

func lower(b *types.IRBlock) (*closureCode, error) {
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", vmerrors.ErrGeneratorFault, err)
	}
	c := &closureCode{
		start:  b.StartPC,
		steps:  make([]step, 0, len(b.Ops)),
		spill:  b.SpillSlots,
		retire: uint64(b.GuestCount),
	}
	for i := range b.Ops {
		if b.Ops[i].Op == types.IR_MARK {
			pc, retired := b.FaultPoint(i)
			c.bounds = append(c.bounds, boundary{step: len(c.steps), pc: pc, retired: retired})
			continue
		}
		s, err := lowerOp(b.Ops[i], b.Fallback)
		if err != nil {
			return nil, err
		}
		if s != nil {
			c.steps = append(c.steps, s)
		}
	}
	c.term = lowerTerm(b.Term)
	return c, nil
}

func binary(op types.IROp) step {
	dst, a, b, imm := op.Dst, op.A, op.B, uint64(op.Imm)
	code := op.Op
	if op.BImm {
		switch code {
		case types.IR_ADD:
			return func(m *machine) error { m.set(dst, m.get(a)+imm); return nil }
		case types.IR_AND:
			return func(m *machine) error { m.set(dst, m.get(a)&imm); return nil }
		case types.IR_SHL:
			sh := imm & 63
			return func(m *machine) error { m.set(dst, m.get(a)<<sh); return nil }
		}
		return func(m *machine) error { m.set(dst, interp.EvalBinary(code, m.get(a), imm)); return nil }
	}
	switch code {
	case types.IR_ADD:
		return func(m *machine) error { m.set(dst, m.get(a)+m.get(b)); return nil }
	case types.IR_SUB:
		return func(m *machine) error { m.set(dst, m.get(a)-m.get(b)); return nil }
	}
	return func(m *machine) error { m.set(dst, interp.EvalBinary(code, m.get(a), m.get(b))); return nil }
}

// lowerOp returns nil for ops that compile to nothing.
func lowerOp(op types.IROp, fallback []types.Instruction) (step, error) {
	dst, a, b := op.Dst, op.A, op.B
	width := op.Width
	imm := op.Imm
	switch op.Op {
	case types.IR_NOP, types.IR_MARK:
		return nil, nil
	case types.IR_MOVI:
		v := uint64(imm)
		return func(m *machine) error { m.set(dst, v); return nil }, nil
	case types.IR_MOV:
		return func(m *machine) error { m.set(dst, m.get(a)); return nil }, nil
	case types.IR_ADD, types.IR_SUB, types.IR_MUL, types.IR_AND, types.IR_OR, types.IR_XOR,
		types.IR_SHL, types.IR_SHR, types.IR_SAR:
		return binary(op), nil
	case types.IR_NOT:
		return func(m *machine) error { m.set(dst, ^m.get(a)); return nil }, nil
	case types.IR_NEG:
		return func(m *machine) error { m.set(dst, -m.get(a)); return nil }, nil
	case types.IR_ZEXT:
		mask := types.Mask(width)
		return func(m *machine) error { m.set(dst, m.get(a)&mask); return nil }, nil
	case types.IR_SEXT:
		return func(m *machine) error { m.set(dst, types.SignExtend(m.get(a), width)); return nil }, nil
	case types.IR_MERGE:
		mask := types.Mask(width)
		return func(m *machine) error { m.set(dst, m.get(b)&^mask|m.get(a)&mask); return nil }, nil
	case types.IR_LOAD, types.IR_LOADSX:
		size := int(width / 8)
		signed := op.Op == types.IR_LOADSX
		return func(m *machine) error {
			v, err := m.mem.Read(m.get(a)+uint64(imm), size)
			if err != nil {
				return err
			}
			if signed {
				v = types.SignExtend(v, width)
			}
			m.set(dst, v)
			return nil
		}, nil
	case types.IR_STORE:
		size := int(width / 8)
		mask := types.Mask(width)
		return func(m *machine) error {
			return m.mem.Write(m.get(a)+uint64(imm), m.get(b)&mask, size)
		}, nil
	case types.IR_BSWAP:
		return func(m *machine) error { m.set(dst, types.ByteSwap(m.get(a), width)); return nil }, nil
	case types.IR_SETFLAGS:
		kind := op.Flag
		if op.BImm {
			bv := uint64(imm)
			return func(m *machine) error {
				m.st.Flags = types.MakeFlags(kind, width, m.get(a), bv, m.get(dst))
				return nil
			}, nil
		}
		return func(m *machine) error {
			m.st.Flags = types.MakeFlags(kind, width, m.get(a), m.get(b), m.get(dst))
			return nil
		}, nil
	case types.IR_SPILL:
		return func(m *machine) error { m.st.Spill[imm] = m.get(a); return nil }, nil
	case types.IR_RELOAD:
		return func(m *machine) error { m.set(dst, m.st.Spill[imm]); return nil }, nil
	case types.IR_GUEST:
		inst := &fallback[imm]
		return func(m *machine) error { return interp.Helper(inst, m.st, m.mem) }, nil
	}
	return nil, fmt.Errorf("%w: cannot lower %s", vmerrors.ErrGeneratorFault, op.Op)
}

func lowerTerm(t types.Terminator) func(m *machine) interp.Exit {
	switch t.Kind {
	case types.TERM_JUMP:
		exit := interp.Exit{Next: t.Target}
		return func(*machine) interp.Exit { return exit }
	case types.TERM_JUMPREG, types.TERM_RETURN:
		r := t.Reg
		return func(m *machine) interp.Exit { return interp.Exit{Next: m.get(r)} }
	case types.TERM_CALL:
		if t.Indirect {
			r := t.Reg
			return func(m *machine) interp.Exit { return interp.Exit{Next: m.get(r)} }
		}
		exit := interp.Exit{Next: t.Target}
		return func(*machine) interp.Exit { return exit }
	case types.TERM_BRANCH:
		term := t
		return func(m *machine) interp.Exit {
			var b uint64
			switch {
			case term.BImm:
				b = uint64(term.Imm)
			case !term.UseFlags:
				b = m.get(term.B)
			}
			if interp.BranchTaken(&term, m.st.Flags, m.get(term.A), b) {
				return interp.Exit{Next: term.Target}
			}
			return interp.Exit{Next: term.Fallthrough}
		}
	}
	exit := interp.Exit{Next: t.Fallthrough, Trapped: true, Code: t.TrapCode}
	return func(*machine) interp.Exit { return exit }
}
