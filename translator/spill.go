package translator

import "github.com/colorfulnotion/vmcore/types"

// regSet is a bitset over the IR register file.
type regSet [types.MaxIRRegs / 64]uint64

func (s *regSet) add(r types.IRReg) {
	if r != types.NoIRReg && int(r) < types.MaxIRRegs {
		s[r/64] |= 1 << (r % 64)
	}
}

func (s *regSet) del(r types.IRReg) {
	if r != types.NoIRReg && int(r) < types.MaxIRRegs {
		s[r/64] &^= 1 << (r % 64)
	}
}

func (s *regSet) count(temps bool) int {
	n := 0
	for r := 0; r < types.MaxIRRegs; r++ {
		if s[r/64]&(1<<(r%64)) == 0 {
			continue
		}
		if types.IRReg(r).IsTemp() == temps {
			n++
		}
	}
	return n
}

// pressure returns the number of distinct guest homes a block touches and
// the peak number of simultaneously live temporaries.
func pressure(ops []types.IROp, term types.Terminator) (guests, peak int) {
	var seen, live regSet
	var scratch [4]types.IRReg
	for _, r := range term.Reads(scratch[:0]) {
		seen.add(r)
		live.add(r)
	}
	peak = live.count(true)
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		if w := op.Writes(); w != types.NoIRReg {
			seen.add(w)
			live.del(w)
		}
		for _, r := range op.Reads(scratch[:0]) {
			seen.add(r)
			live.add(r)
		}
		if n := live.count(true); n > peak {
			peak = n
		}
	}
	return seen.count(false), peak
}

// spillScratch is the number of temporaries reserved for reloading spilled
// operands: the most any single op reads.
const spillScratch = 3

// spillTemps rewrites a block so that only temporaries below keep+spillScratch
// are used. Higher temporaries live in spill slots; reads reload them into
// scratch registers and writes go through scratch into the slot.
func spillTemps(ops []types.IROp, term types.Terminator, keep int) ([]types.IROp, types.Terminator, int) {
	out := make([]types.IROp, 0, len(ops)+len(ops)/2)
	slots := 0
	slotOf := func(r types.IRReg) (int64, bool) {
		if !r.IsTemp() || int(r-types.TempBase) < keep {
			return 0, false
		}
		s := int(r-types.TempBase) - keep
		if s+1 > slots {
			slots = s + 1
		}
		return int64(s), true
	}
	next := 0
	reload := func(r *types.IRReg) {
		if s, ok := slotOf(*r); ok {
			tmp := types.Temp(keep + next)
			next++
			out = append(out, types.IROp{Op: types.IR_RELOAD, Dst: tmp, Imm: s})
			*r = tmp
		}
	}
	for _, op := range ops {
		next = 0
		a, b, d := operandFields(op)
		if a {
			reload(&op.A)
		}
		if b {
			reload(&op.B)
		}
		if d {
			reload(&op.Dst)
		}
		if w := op.Writes(); w != types.NoIRReg {
			if s, ok := slotOf(w); ok {
				op.Dst = types.Temp(keep)
				out = append(out, op, types.IROp{Op: types.IR_SPILL, A: op.Dst, Imm: s})
				continue
			}
		}
		out = append(out, op)
	}
	next = 0
	switch term.Kind {
	case types.TERM_JUMPREG, types.TERM_RETURN, types.TERM_CALL:
		reload(&term.Reg)
	case types.TERM_BRANCH:
		if !term.UseFlags {
			reload(&term.A)
			if !term.BImm {
				reload(&term.B)
			}
		}
	}
	return out, term, slots
}

// operandFields reports which of A, B and Dst an op reads.
func operandFields(op types.IROp) (a, b, dst bool) {
	switch op.Op {
	case types.IR_MOV, types.IR_NOT, types.IR_NEG, types.IR_ZEXT, types.IR_SEXT,
		types.IR_BSWAP, types.IR_LOAD, types.IR_LOADSX, types.IR_SPILL:
		return true, false, false
	case types.IR_MERGE, types.IR_STORE:
		return true, true, false
	case types.IR_SETFLAGS:
		return true, !op.BImm, true
	}
	if op.Op.IsBinary() {
		return true, !op.BImm, false
	}
	return false, false, false
}
