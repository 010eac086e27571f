package translator

import (
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// Strategy is how a rule maps guest semantics onto IR.
type Strategy uint8

const (
	// StrategyDirect maps the instruction 1:1.
	StrategyDirect Strategy = iota
	// StrategySemantic re-derives implicit effects such as flags or stack updates.
	StrategySemantic
	// StrategyOptimized is a fused multi-instruction pattern.
	StrategyOptimized
)

func (s Strategy) String() string {
	switch s {
	case StrategyDirect:
		return "direct"
	case StrategySemantic:
		return "semantic"
	case StrategyOptimized:
		return "optimized"
	}
	return "unknown"
}

type rule struct {
	name     string
	strategy Strategy
	opcodes  []uint32
	match    func(inst *types.Instruction, info types.ArchInfo) bool
	emit     func(e *emitter, inst *types.Instruction) error
}

// noRule marks a cached shape that no rule accepts.
const noRule = 0xFFFF

var (
	aluOpcodes   = []uint32{types.ADD, types.SUB, types.MUL, types.AND, types.OR, types.XOR}
	shiftOpcodes = []uint32{types.SHL, types.SHR, types.SAR}
)

var aluIR = map[uint32]types.IROpcode{
	types.ADD: types.IR_ADD,
	types.SUB: types.IR_SUB,
	types.MUL: types.IR_MUL,
	types.AND: types.IR_AND,
	types.OR:  types.IR_OR,
	types.XOR: types.IR_XOR,
	types.SHL: types.IR_SHL,
	types.SHR: types.IR_SHR,
	types.SAR: types.IR_SAR,
}

// rules is ordered: for each opcode the first matching entry wins.
var rules = []rule{
	{name: "nop", strategy: StrategyDirect, opcodes: []uint32{types.NOP, types.FENCE},
		match: func(i *types.Instruction, _ types.ArchInfo) bool { return len(i.Operands) == 0 },
		emit:  func(*emitter, *types.Instruction) error { return nil }},
	{name: "mov", strategy: StrategyDirect, opcodes: []uint32{types.MOV, types.LOAD},
		match: shape2(writable, readable), emit: emitMove},
	{name: "loadsx", strategy: StrategyDirect, opcodes: []uint32{types.LOADSX},
		match: shape2(isReg, regOrMem), emit: emitLoadSX},
	{name: "store", strategy: StrategyDirect, opcodes: []uint32{types.STORE},
		match: shape2(isMem, regOrImm), emit: emitMove},
	{name: "lea", strategy: StrategyDirect, opcodes: []uint32{types.LEA},
		match: shape2(isReg, isMem), emit: emitLea},
	{name: "alu.flags", strategy: StrategySemantic, opcodes: aluOpcodes,
		match: func(i *types.Instruction, info types.ArchInfo) bool {
			return info.ArithFlags && interp.FlagKindOf(i.Opcode) != types.FlagsNone && aluShape(i)
		},
		emit: emitALU},
	{name: "alu", strategy: StrategyDirect, opcodes: aluOpcodes,
		match: func(i *types.Instruction, _ types.ArchInfo) bool { return aluShape(i) },
		emit:  emitALU},
	{name: "shift", strategy: StrategySemantic, opcodes: shiftOpcodes,
		match: func(i *types.Instruction, _ types.ArchInfo) bool { return aluShape(i) },
		emit:  emitALU},
	{name: "neg.flags", strategy: StrategySemantic, opcodes: []uint32{types.NEG},
		match: func(i *types.Instruction, info types.ArchInfo) bool { return info.ArithFlags && unaryShape(i) },
		emit:  emitUnary},
	{name: "unary", strategy: StrategyDirect, opcodes: []uint32{types.NOT, types.NEG, types.BSWAP},
		match: func(i *types.Instruction, _ types.ArchInfo) bool { return unaryShape(i) },
		emit:  emitUnary},
	{name: "compare", strategy: StrategySemantic, opcodes: []uint32{types.CMP, types.TEST},
		match: shape2(readable, readable), emit: emitCompare},
	{name: "push", strategy: StrategySemantic, opcodes: []uint32{types.PUSH},
		match: stackShape(readable), emit: emitPush},
	{name: "pop", strategy: StrategySemantic, opcodes: []uint32{types.POP},
		match: stackShape(writable), emit: emitPop},

	{name: "jump", strategy: StrategyDirect, opcodes: []uint32{types.JMP},
		match: shape1(readable), emit: emitJump},
	{name: "jcc", strategy: StrategySemantic, opcodes: []uint32{types.JCC},
		match: func(i *types.Instruction, _ types.ArchInfo) bool {
			return i.Cond != types.CondNone && len(i.Operands) == 1 && i.Operands[0].IsImm()
		},
		emit: emitJcc},
	{name: "bcc", strategy: StrategyDirect, opcodes: []uint32{types.BCC},
		match: func(i *types.Instruction, _ types.ArchInfo) bool {
			return i.Cond != types.CondNone && len(i.Operands) == 3 &&
				readable(i.Operands[0]) && readable(i.Operands[1]) && i.Operands[2].IsImm()
		},
		emit: emitBcc},
	{name: "call", strategy: StrategySemantic, opcodes: []uint32{types.CALL},
		match: func(i *types.Instruction, info types.ArchInfo) bool {
			return len(i.Operands) == 1 && readable(i.Operands[0]) &&
				(info.LinkReg != types.NoReg || info.StackReg != types.NoReg)
		},
		emit: emitCall},
	{name: "ret", strategy: StrategySemantic, opcodes: []uint32{types.RET},
		match: func(i *types.Instruction, info types.ArchInfo) bool {
			switch len(i.Operands) {
			case 0:
			case 1:
				if info.LinkReg != types.NoReg && !i.Operands[0].IsReg() {
					return false
				}
				if info.LinkReg == types.NoReg && !i.Operands[0].IsImm() {
					return false
				}
			default:
				return false
			}
			return info.LinkReg != types.NoReg || info.StackReg != types.NoReg
		},
		emit: emitRet},
	{name: "trap", strategy: StrategyDirect, opcodes: []uint32{types.TRAP, types.SYSCALL},
		match: func(i *types.Instruction, _ types.ArchInfo) bool {
			return len(i.Operands) == 0 || (len(i.Operands) == 1 && i.Operands[0].IsImm())
		},
		emit: emitTrap},
}

// byOpcode indexes rules by opcode, keeping table order.
var byOpcode = func() map[uint32][]uint16 {
	m := make(map[uint32][]uint16)
	for i, r := range rules {
		for _, op := range r.opcodes {
			m[op] = append(m[op], uint16(i))
		}
	}
	return m
}()

// selectRule returns the index of the first rule accepting inst, or noRule.
func selectRule(inst *types.Instruction, info types.ArchInfo) uint16 {
	for _, idx := range byOpcode[inst.Opcode] {
		if rules[idx].match(inst, info) {
			return idx
		}
	}
	return noRule
}

func isReg(o types.Operand) bool    { return o.IsReg() }
func isMem(o types.Operand) bool    { return o.IsMem() }
func regOrMem(o types.Operand) bool { return o.IsReg() || o.IsMem() }
func regOrImm(o types.Operand) bool { return o.IsReg() || o.IsImm() }
func readable(o types.Operand) bool { return o.Kind != types.OperandNone }
func writable(o types.Operand) bool { return o.IsReg() || o.IsMem() }

func shape1(a func(types.Operand) bool) func(*types.Instruction, types.ArchInfo) bool {
	return func(i *types.Instruction, _ types.ArchInfo) bool {
		return len(i.Operands) == 1 && a(i.Operands[0])
	}
}

func shape2(a, b func(types.Operand) bool) func(*types.Instruction, types.ArchInfo) bool {
	return func(i *types.Instruction, _ types.ArchInfo) bool {
		if len(i.Operands) != 2 || !a(i.Operands[0]) || !b(i.Operands[1]) {
			return false
		}
		// at most one memory operand
		return !(i.Operands[0].IsMem() && i.Operands[1].IsMem())
	}
}

func stackShape(a func(types.Operand) bool) func(*types.Instruction, types.ArchInfo) bool {
	return func(i *types.Instruction, info types.ArchInfo) bool {
		return info.StackReg != types.NoReg && len(i.Operands) == 1 && a(i.Operands[0])
	}
}

func aluShape(i *types.Instruction) bool {
	dst, a, b, ok := interp.ALUOperands(i)
	if !ok || !writable(dst) || !readable(a) || !readable(b) {
		return false
	}
	mems := 0
	for _, o := range i.Operands {
		if o.IsMem() {
			mems++
		}
	}
	return mems <= 1 && (len(i.Operands) == 2 || !dst.IsMem())
}

func unaryShape(i *types.Instruction) bool {
	dst, s, ok := interp.UnaryOperands(i)
	return ok && writable(dst) && readable(s)
}

func emitMove(e *emitter, inst *types.Instruction) error {
	dst, s := inst.Operands[0], inst.Operands[1]
	if dst.IsReg() && s.IsImm() && dst.Width == 64 {
		if err := e.checkReg(dst.Reg); err != nil {
			return err
		}
		if e.info.ZeroReg && dst.Reg == 0 {
			return nil
		}
		e.emit(types.IROp{Op: types.IR_MOVI, Dst: types.IRReg(dst.Reg), Imm: s.Imm})
		return nil
	}
	v, err := e.read(s, dst.Width)
	if err != nil {
		return err
	}
	return e.write(dst, v)
}

func emitLoadSX(e *emitter, inst *types.Instruction) error {
	dst, s := inst.Operands[0], inst.Operands[1]
	var v types.IRReg
	var err error
	if s.IsMem() {
		v, err = e.loadMem(s.Mem, s.Width, true)
	} else {
		v, err = e.readGuest(s.Reg, s.Width)
		if err == nil && s.Width < 64 {
			v = e.unary(types.IR_SEXT, s.Width, v)
		}
	}
	if err != nil {
		return err
	}
	return e.writeGuest(dst.Reg, dst.Width, v)
}

func emitLea(e *emitter, inst *types.Instruction) error {
	dst := inst.Operands[0]
	base, disp, err := e.address(inst.Operands[1].Mem, false)
	if err != nil {
		return err
	}
	v := base
	if disp != 0 {
		v = e.binary(types.IR_ADD, base, immSrc(disp))
	}
	return e.writeGuest(dst.Reg, dst.Width, v)
}

func emitALU(e *emitter, inst *types.Instruction) error {
	dst, a, b, _ := interp.ALUOperands(inst)
	w := dst.Width
	av, err := e.read(a, w)
	if err != nil {
		return err
	}
	op := aluIR[inst.Opcode]
	var bv src
	switch inst.Opcode {
	case types.SHL, types.SHR, types.SAR:
		mask := interp.ShiftMask(w)
		if b.IsImm() {
			bv = immSrc(int64(uint64(b.Imm) & mask))
		} else {
			c, err := e.read(b, b.Width)
			if err != nil {
				return err
			}
			if w != 64 {
				c = e.binary(types.IR_AND, c, immSrc(int64(mask)))
			}
			bv = regSrc(c)
		}
		if inst.Opcode == types.SAR && w < 64 {
			av = e.unary(types.IR_SEXT, w, av)
		}
	default:
		if bv, err = e.readSrc(b, w); err != nil {
			return err
		}
	}
	res := e.binary(op, av, bv)
	if k := interp.FlagKindOf(inst.Opcode); e.info.ArithFlags && k != types.FlagsNone {
		e.setFlags(k, w, av, bv, res)
	}
	return e.write(dst, res)
}

func emitUnary(e *emitter, inst *types.Instruction) error {
	dst, s, _ := interp.UnaryOperands(inst)
	w := dst.Width
	v, err := e.read(s, w)
	if err != nil {
		return err
	}
	var res types.IRReg
	switch inst.Opcode {
	case types.NOT:
		res = e.unary(types.IR_NOT, 0, v)
	case types.NEG:
		res = e.unary(types.IR_NEG, 0, v)
		if e.info.ArithFlags {
			zero := e.movi(0)
			e.setFlags(types.FlagsSub, w, zero, regSrc(v), res)
		}
	default:
		res = e.unary(types.IR_BSWAP, w, v)
	}
	return e.write(dst, res)
}

func emitCompare(e *emitter, inst *types.Instruction) error {
	_, _, err := lowerCompare(e, inst)
	return err
}

// lowerCompare emits a CMP/TEST and returns the compared pair; for TEST the
// pair is (a&b, #0).
func lowerCompare(e *emitter, inst *types.Instruction) (types.IRReg, src, error) {
	w := inst.Operands[0].Width
	av, err := e.read(inst.Operands[0], w)
	if err != nil {
		return types.NoIRReg, src{}, err
	}
	bv, err := e.readSrc(inst.Operands[1], w)
	if err != nil {
		return types.NoIRReg, src{}, err
	}
	if inst.Opcode == types.CMP {
		res := e.binary(types.IR_SUB, av, bv)
		e.setFlags(types.FlagsSub, w, av, bv, res)
		return av, bv, nil
	}
	res := e.binary(types.IR_AND, av, bv)
	e.setFlags(types.FlagsLogic, w, av, bv, res)
	return res, immSrc(0), nil
}

func emitPush(e *emitter, inst *types.Instruction) error {
	v, err := e.read(inst.Operands[0], 64)
	if err != nil {
		return err
	}
	return e.push(v)
}

func emitPop(e *emitter, inst *types.Instruction) error {
	v, err := e.pop(0)
	if err != nil {
		return err
	}
	return e.write(inst.Operands[0], v)
}

// target evaluates an indirect branch target into a temporary, so later
// register writes in the same instruction cannot change it.
func (e *emitter) target(o types.Operand) (types.IRReg, error) {
	v, err := e.read(o, 64)
	if err != nil {
		return types.NoIRReg, err
	}
	if !v.IsTemp() {
		v = e.unary(types.IR_MOV, 0, v)
	}
	return v, nil
}

func emitJump(e *emitter, inst *types.Instruction) error {
	o := inst.Operands[0]
	if o.IsImm() {
		e.term = &types.Terminator{Kind: types.TERM_JUMP, Target: uint64(o.Imm)}
		return nil
	}
	v, err := e.target(o)
	if err != nil {
		return err
	}
	e.term = &types.Terminator{Kind: types.TERM_JUMPREG, Reg: v}
	return nil
}

func emitJcc(e *emitter, inst *types.Instruction) error {
	e.term = &types.Terminator{
		Kind:        types.TERM_BRANCH,
		Cond:        inst.Cond,
		UseFlags:    true,
		Target:      uint64(inst.Operands[0].Imm),
		Fallthrough: inst.NextPC(),
	}
	return nil
}

func emitBcc(e *emitter, inst *types.Instruction) error {
	w := inst.Operands[0].Width
	av, err := e.read(inst.Operands[0], w)
	if err != nil {
		return err
	}
	bv, err := e.readSrc(inst.Operands[1], w)
	if err != nil {
		return err
	}
	e.term = branchTerm(inst, w, av, bv)
	return nil
}

func branchTerm(inst *types.Instruction, w uint8, a types.IRReg, b src) *types.Terminator {
	return &types.Terminator{
		Kind:        types.TERM_BRANCH,
		Cond:        inst.Cond,
		Width:       w,
		A:           a,
		B:           b.reg,
		BImm:        b.imm,
		Imm:         b.val,
		Target:      uint64(inst.Operands[len(inst.Operands)-1].Imm),
		Fallthrough: inst.NextPC(),
	}
}

func emitCall(e *emitter, inst *types.Instruction) error {
	o := inst.Operands[0]
	next := inst.NextPC()
	t := &types.Terminator{Kind: types.TERM_CALL, Fallthrough: next}
	if o.IsImm() {
		t.Target = uint64(o.Imm)
	} else {
		v, err := e.target(o)
		if err != nil {
			return err
		}
		t.Indirect = true
		t.Reg = v
	}
	ret := e.movi(int64(next))
	if e.info.LinkReg != types.NoReg {
		if err := e.writeGuest(e.info.LinkReg, 64, ret); err != nil {
			return err
		}
	} else if err := e.push(ret); err != nil {
		return err
	}
	e.term = t
	return nil
}

func emitRet(e *emitter, inst *types.Instruction) error {
	if e.info.LinkReg != types.NoReg {
		r := e.info.LinkReg
		if len(inst.Operands) == 1 {
			r = inst.Operands[0].Reg
		}
		v, err := e.readGuest(r, 64)
		if err != nil {
			return err
		}
		e.term = &types.Terminator{Kind: types.TERM_RETURN, Reg: v}
		return nil
	}
	var extra int64
	if len(inst.Operands) == 1 {
		extra = inst.Operands[0].Imm
	}
	v, err := e.pop(extra)
	if err != nil {
		return err
	}
	e.term = &types.Terminator{Kind: types.TERM_RETURN, Reg: v}
	return nil
}

func emitTrap(e *emitter, inst *types.Instruction) error {
	code := uint32(3)
	if inst.Opcode == types.SYSCALL {
		code = interp.TrapSyscall
	} else if len(inst.Operands) == 1 {
		code = uint32(inst.Operands[0].Imm)
	}
	e.term = &types.Terminator{Kind: types.TERM_TRAP, TrapCode: code, Fallthrough: inst.NextPC()}
	return nil
}

// errNoRule builds the error for an instruction without a mapping.
func (e *emitter) errNoRule(inst *types.Instruction) error {
	return e.fail(vmerrors.ErrUnsupportedInstruction, "no rule for %s", types.OpcodeName(inst.Opcode))
}
