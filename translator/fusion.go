package translator

import (
	"github.com/colorfulnotion/vmcore/types"
)

// pattern is a peephole over consecutive guest instructions that lowers to
// better IR than the per-instruction rules would.
type pattern struct {
	name  string
	n     int
	match func(insts []types.Instruction, info types.ArchInfo) bool
	emit  func(e *emitter, insts []types.Instruction) error
}

// patterns is ordered longest first, so the first match is the longest.
var patterns = []pattern{
	{name: "cmp+jcc", n: 2, match: matchCompareBranch, emit: emitCompareBranch},
	{name: "mov+alu", n: 2, match: matchMoveALU, emit: emitMoveALU},
	{name: "xor.zero", n: 1, match: matchXorZero, emit: emitXorZero},
}

// fuse returns the pattern matching at the head of insts, if any.
func fuse(insts []types.Instruction, info types.ArchInfo) (*pattern, bool) {
	for i := range patterns {
		p := &patterns[i]
		if len(insts) >= p.n && p.match(insts[:p.n], info) {
			return p, true
		}
	}
	return nil, false
}

func matchCompareBranch(insts []types.Instruction, info types.ArchInfo) bool {
	c, j := &insts[0], &insts[1]
	if c.Opcode != types.CMP && c.Opcode != types.TEST {
		return false
	}
	if selectRule(c, info) == noRule || selectRule(j, info) == noRule {
		return false
	}
	return j.Opcode == types.JCC
}

// emitCompareBranch keeps the flag record and branches on the compared
// values directly.
func emitCompareBranch(e *emitter, insts []types.Instruction) error {
	c, j := &insts[0], &insts[1]
	a, b, err := lowerCompare(e, c)
	if err != nil {
		return err
	}
	e.term = branchTerm(j, c.Operands[0].Width, a, b)
	return nil
}

func mentions(o types.Operand, r types.Reg) bool {
	switch o.Kind {
	case types.OperandRegister:
		return o.Reg == r
	case types.OperandMemory:
		return o.Mem.Base == r || o.Mem.Index == r
	}
	return false
}

func matchMoveALU(insts []types.Instruction, info types.ArchInfo) bool {
	m, a := &insts[0], &insts[1]
	if m.Opcode != types.MOV || len(m.Operands) != 2 || !types.IsALU(a.Opcode) || len(a.Operands) != 2 {
		return false
	}
	d, s := m.Operands[0], m.Operands[1]
	if !d.IsReg() || !s.IsReg() || d.Width != 64 || s.Width != 64 || d.Reg == s.Reg {
		return false
	}
	if info.ZeroReg && d.Reg == 0 {
		return false
	}
	ad, x := a.Operands[0], a.Operands[1]
	// a memory source could fault after the mov has retired
	if !ad.IsReg() || ad.Reg != d.Reg || ad.Width != 64 || x.IsMem() || mentions(x, d.Reg) {
		return false
	}
	return selectRule(a, info) != noRule
}

// emitMoveALU lowers "mov d, s; op d, x" as "d = s op x".
func emitMoveALU(e *emitter, insts []types.Instruction) error {
	m, a := &insts[0], &insts[1]
	fused := types.Instruction{
		Arch:     a.Arch,
		PC:       a.PC,
		Len:      a.Len,
		Opcode:   a.Opcode,
		Operands: []types.Operand{m.Operands[0], m.Operands[1], a.Operands[1]},
	}
	return emitALU(e, &fused)
}

func matchXorZero(insts []types.Instruction, _ types.ArchInfo) bool {
	x := &insts[0]
	if x.Opcode != types.XOR || len(x.Operands) != 2 {
		return false
	}
	a, b := x.Operands[0], x.Operands[1]
	return a.IsReg() && b.IsReg() && a.Reg == b.Reg && a.Width == b.Width
}

// emitXorZero materializes zero without reading the register, except for the
// flag record on flag-setting architectures.
func emitXorZero(e *emitter, insts []types.Instruction) error {
	o := insts[0].Operands[0]
	zero := e.movi(0)
	if e.info.ArithFlags {
		v, err := e.readGuest(o.Reg, o.Width)
		if err != nil {
			return err
		}
		e.setFlags(types.FlagsLogic, o.Width, v, regSrc(v), zero)
	}
	return e.writeGuest(o.Reg, o.Width, zero)
}
