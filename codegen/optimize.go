package codegen

import (
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
)

// OptStats counts what the optimizing passes changed in one block.
type OptStats struct {
	Folded       int `json:"folded"`
	FlagsDropped int `json:"flags_dropped"`
	Removed      int `json:"removed"`
}

// Optimize returns an optimized copy of b; b itself is not modified. The
// passes run in order: constant folding, redundant flag elimination, dead
// temporary elimination.
func Optimize(b *types.IRBlock) (*types.IRBlock, OptStats) {
	var st OptStats
	c := b.Clone()
	st.Folded = foldConstants(c)
	st.FlagsDropped = dropRedundantFlags(c)
	st.Removed = removeDeadTemps(c)
	return c, st
}

type regBits [types.MaxIRRegs / 64]uint64

func (s *regBits) has(r types.IRReg) bool {
	return r != types.NoIRReg && int(r) < types.MaxIRRegs && s[r/64]&(1<<(r%64)) != 0
}

func (s *regBits) add(r types.IRReg) {
	if r != types.NoIRReg && int(r) < types.MaxIRRegs {
		s[r/64] |= 1 << (r % 64)
	}
}

func (s *regBits) del(r types.IRReg) {
	if r != types.NoIRReg && int(r) < types.MaxIRRegs {
		s[r/64] &^= 1 << (r % 64)
	}
}

type constants struct {
	known regBits
	val   [types.MaxIRRegs]uint64
}

func (k *constants) get(r types.IRReg) (uint64, bool) {
	if !k.known.has(r) {
		return 0, false
	}
	return k.val[r], true
}

func (k *constants) set(r types.IRReg, v uint64) {
	if r == types.NoIRReg || int(r) >= types.MaxIRRegs {
		return
	}
	k.known.add(r)
	k.val[r] = v
}

func (k *constants) clearHomes() {
	for r := types.IRReg(0); r < types.TempBase; r++ {
		k.known.del(r)
	}
}

func unaryValue(op *types.IROp, a uint64) uint64 {
	switch op.Op {
	case types.IR_MOV:
		return a
	case types.IR_NOT:
		return ^a
	case types.IR_NEG:
		return -a
	case types.IR_ZEXT:
		return a & types.Mask(op.Width)
	case types.IR_SEXT:
		return types.SignExtend(a, op.Width)
	}
	return types.ByteSwap(a, op.Width)
}

// foldConstants propagates values known at translation time forward through
// the block. Ops whose inputs are all known become MOVI; known right hand
// registers become immediates.
func foldConstants(b *types.IRBlock) int {
	var k constants
	folded := 0
	movi := func(op *types.IROp, v uint64) {
		*op = types.IROp{Op: types.IR_MOVI, Dst: op.Dst, Imm: int64(v)}
		folded++
	}
	for i := range b.Ops {
		op := &b.Ops[i]
		switch op.Op {
		case types.IR_MOVI:
			k.set(op.Dst, uint64(op.Imm))
			continue
		case types.IR_MOV, types.IR_NOT, types.IR_NEG, types.IR_ZEXT, types.IR_SEXT, types.IR_BSWAP:
			if a, ok := k.get(op.A); ok {
				v := unaryValue(op, a)
				movi(op, v)
				k.set(op.Dst, v)
				continue
			}
		case types.IR_MERGE:
			a, okA := k.get(op.A)
			old, okB := k.get(op.B)
			if okA && okB {
				m := types.Mask(op.Width)
				v := old&^m | a&m
				movi(op, v)
				k.set(op.Dst, v)
				continue
			}
		case types.IR_SETFLAGS:
			if v, ok := k.get(op.B); ok && !op.BImm {
				op.BImm, op.Imm, op.B = true, int64(v), types.NoIRReg
			}
			continue
		case types.IR_GUEST:
			k.clearHomes()
			continue
		}
		if op.Op.IsBinary() {
			if v, ok := k.get(op.B); ok && !op.BImm {
				op.BImm, op.Imm, op.B = true, int64(v), types.NoIRReg
			}
			if a, ok := k.get(op.A); ok && op.BImm {
				v := interp.EvalBinary(op.Op, a, uint64(op.Imm))
				movi(op, v)
				k.set(op.Dst, v)
				continue
			}
		}
		if w := op.Writes(); w != types.NoIRReg {
			k.known.del(w)
		}
	}
	folded += foldTerm(&b.Term, &k)
	return folded
}

func foldTerm(t *types.Terminator, k *constants) int {
	switch t.Kind {
	case types.TERM_JUMPREG, types.TERM_RETURN:
		if v, ok := k.get(t.Reg); ok {
			*t = types.Terminator{Kind: types.TERM_JUMP, Target: v}
			return 1
		}
	case types.TERM_CALL:
		if v, ok := k.get(t.Reg); ok && t.Indirect {
			t.Indirect, t.Target, t.Reg = false, v, types.NoIRReg
			return 1
		}
	case types.TERM_BRANCH:
		if t.UseFlags {
			return 0
		}
		n := 0
		if v, ok := k.get(t.B); ok && !t.BImm {
			t.BImm, t.Imm, t.B = true, int64(v), types.NoIRReg
			n++
		}
		if a, ok := k.get(t.A); ok && t.BImm {
			next := t.Fallthrough
			if types.Compare(t.Cond, a, uint64(t.Imm), t.Width) {
				next = t.Target
			}
			*t = types.Terminator{Kind: types.TERM_JUMP, Target: next}
			n++
		}
		return n
	}
	return 0
}

// dropRedundantFlags removes flag records that a later SETFLAGS overwrites
// before anything reads them. Guest helpers count as readers, and so does
// every op that can fault, since a fault exposes the flags to the guest.
func dropRedundantFlags(b *types.IRBlock) int {
	overwritten := false
	dropped := 0
	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := &b.Ops[i]
		switch {
		case op.Op == types.IR_SETFLAGS:
			if overwritten {
				*op = types.IROp{Op: types.IR_NOP}
				dropped++
				continue
			}
			overwritten = true
		case op.Op.CanFault():
			overwritten = false
		}
	}
	return dropped
}

func pure(op types.IROpcode) bool {
	switch op {
	case types.IR_MOVI, types.IR_MOV, types.IR_NOT, types.IR_NEG, types.IR_ZEXT, types.IR_SEXT,
		types.IR_MERGE, types.IR_BSWAP, types.IR_RELOAD:
		return true
	}
	return op.IsBinary()
}

// removeDeadTemps deletes side-effect free ops whose temporary result is never
// read, and every NOP. Guest homes are live at block exit.
func removeDeadTemps(b *types.IRBlock) int {
	var live regBits
	var scratch [4]types.IRReg
	for _, r := range b.Term.Reads(scratch[:0]) {
		live.add(r)
	}
	keep := make([]bool, len(b.Ops))
	for i := len(b.Ops) - 1; i >= 0; i-- {
		op := b.Ops[i]
		if op.Op == types.IR_NOP {
			continue
		}
		w := op.Writes()
		if w.IsTemp() && !live.has(w) && pure(op.Op) {
			continue
		}
		keep[i] = true
		if w != types.NoIRReg {
			live.del(w)
		}
		for _, r := range op.Reads(scratch[:0]) {
			live.add(r)
		}
	}
	out := b.Ops[:0]
	for i, op := range b.Ops {
		if keep[i] {
			out = append(out, op)
		}
	}
	removed := len(b.Ops) - len(out)
	b.Ops = out
	return removed
}
