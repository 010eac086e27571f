package translator

import (
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// emitter accumulates the IR of one block. Temporaries are scoped to a single
// guest instruction (or fused pattern): every fragment starts again at t0, so
// a fragment never depends on its position in the block.
type emitter struct {
	info types.ArchInfo
	mem  interp.Memory

	ops      []types.IROp
	term     *types.Terminator
	fallback []types.Instruction

	ntemp int
	start int // first op of the current fragment
	idx   int
	inst  *types.Instruction
	memo  addrMemo
}

type addrMemo struct {
	ok   bool
	ref  types.MemRef
	base types.IRReg
	disp int64
}

func newEmitter(info types.ArchInfo, mem interp.Memory) *emitter {
	return &emitter{info: info, mem: mem}
}

// begin opens the fragment of inst.
func (e *emitter) begin(idx int, inst *types.Instruction) {
	e.idx = idx
	e.inst = inst
	e.ntemp = 0
	e.start = len(e.ops)
	e.memo = addrMemo{}
}

// boundary inserts a MARK in front of the current fragment when it can fault,
// so that a fault reports the fragment's first instruction. Faults in the
// first fragment need no mark.
func (e *emitter) boundary(start uint64) {
	if e.idx == 0 {
		return
	}
	for _, op := range e.ops[e.start:] {
		if op.Op.CanFault() {
			e.ops = append(e.ops, types.IROp{})
			copy(e.ops[e.start+1:], e.ops[e.start:])
			e.ops[e.start] = types.MarkOp(e.idx, e.inst.PC-start)
			return
		}
	}
}

func (e *emitter) fail(kind error, format string, args ...any) error {
	return vmerrors.NewTranslationError(kind, e.idx, e.inst, format, args...)
}

func (e *emitter) temp() types.IRReg {
	r := types.Temp(e.ntemp)
	e.ntemp++
	return r
}

func (e *emitter) emit(op types.IROp) {
	e.ops = append(e.ops, op)
}

func (e *emitter) movi(v int64) types.IRReg {
	t := e.temp()
	e.emit(types.IROp{Op: types.IR_MOVI, Dst: t, Imm: v})
	return t
}

func (e *emitter) unary(op types.IROpcode, width uint8, a types.IRReg) types.IRReg {
	t := e.temp()
	e.emit(types.IROp{Op: op, Width: width, Dst: t, A: a})
	return t
}

func (e *emitter) binary(op types.IROpcode, a types.IRReg, b src) types.IRReg {
	t := e.temp()
	e.emit(types.IROp{Op: op, Dst: t, A: a, B: b.reg, BImm: b.imm, Imm: b.val})
	return t
}

func (e *emitter) setFlags(kind types.FlagKind, width uint8, a types.IRReg, b src, result types.IRReg) {
	e.emit(types.IROp{Op: types.IR_SETFLAGS, Flag: kind, Width: width, Dst: result, A: a, B: b.reg, BImm: b.imm, Imm: b.val})
}

// src is a second operand: a register or an immediate.
type src struct {
	reg types.IRReg
	imm bool
	val int64
}

func regSrc(r types.IRReg) src { return src{reg: r} }
func immSrc(v int64) src     { return src{reg: types.NoIRReg, imm: true, val: v} }

func (e *emitter) checkReg(r types.Reg) error {
	if int(r) >= types.NumGuestRegs || int(r) >= e.info.NumGPRs {
		return e.fail(vmerrors.ErrInvalidOperand, "register %d out of range", r)
	}
	return nil
}

// readGuest returns an IR register holding guest register r truncated to
// width bits.
func (e *emitter) readGuest(r types.Reg, width uint8) (types.IRReg, error) {
	if err := e.checkReg(r); err != nil {
		return types.NoIRReg, err
	}
	if e.info.ZeroReg && r == 0 {
		return e.movi(0), nil
	}
	home := types.IRReg(r)
	if width >= 64 || width == 0 {
		return home, nil
	}
	return e.unary(types.IR_ZEXT, width, home), nil
}

// writeGuest stores val into guest register r with the architecture's
// narrow-write rule.
func (e *emitter) writeGuest(r types.Reg, width uint8, val types.IRReg) error {
	if err := e.checkReg(r); err != nil {
		return err
	}
	if e.info.ZeroReg && r == 0 {
		return nil
	}
	home := types.IRReg(r)
	switch {
	case width >= 64 || width == 0:
		if n := len(e.ops); n > e.start && val.IsTemp() && e.ops[n-1].Writes() == val {
			e.ops[n-1].Dst = home
			return nil
		}
		e.emit(types.IROp{Op: types.IR_MOV, Dst: home, A: val})
	case width == 32:
		op := types.IR_ZEXT
		if e.info.Extend32 == types.Extend32Sign {
			op = types.IR_SEXT
		}
		e.emit(types.IROp{Op: op, Width: 32, Dst: home, A: val})
	default:
		if e.info.MergeNarrow {
			e.emit(types.IROp{Op: types.IR_MERGE, Width: width, Dst: home, A: val, B: home})
		} else {
			e.emit(types.IROp{Op: types.IR_ZEXT, Width: width, Dst: home, A: val})
		}
	}
	return nil
}

func log2Scale(s uint8) (int64, bool) {
	switch s {
	case 0, 1:
		return 0, true
	case 2:
		return 1, true
	case 4:
		return 2, true
	case 8:
		return 3, true
	}
	return 0, false
}

// address lowers a memory reference to base register + displacement. Constant
// addresses that will be accessed are checked against guest memory when the
// translator has it.
func (e *emitter) address(m types.MemRef, access bool) (types.IRReg, int64, error) {
	if e.memo.ok && e.memo.ref == m {
		return e.memo.base, e.memo.disp, nil
	}
	var base types.IRReg
	switch {
	case m.Base == types.NoReg && m.Index == types.NoReg:
		if access && e.mem != nil {
			if _, err := e.mem.Translate(uint64(m.Disp)); err != nil {
				return types.NoIRReg, 0, e.fail(vmerrors.ErrInvalidOperand, "address %#x: %v", uint64(m.Disp), err)
			}
		}
		e.memo = addrMemo{ok: true, ref: m, base: e.movi(m.Disp)}
		return e.memo.base, 0, nil
	case m.Base != types.NoReg:
		b, err := e.readGuest(m.Base, 64)
		if err != nil {
			return types.NoIRReg, 0, err
		}
		base = b
	}
	if m.Index != types.NoReg {
		shift, ok := log2Scale(m.Scale)
		if !ok {
			return types.NoIRReg, 0, e.fail(vmerrors.ErrInvalidOperand, "scale %d", m.Scale)
		}
		idx, err := e.readGuest(m.Index, 64)
		if err != nil {
			return types.NoIRReg, 0, err
		}
		if shift > 0 {
			idx = e.binary(types.IR_SHL, idx, immSrc(shift))
		}
		if m.Base == types.NoReg {
			base = idx
		} else {
			base = e.binary(types.IR_ADD, base, regSrc(idx))
		}
	}
	e.memo = addrMemo{ok: true, ref: m, base: base, disp: m.Disp}
	return base, m.Disp, nil
}

func checkWidth(w uint8) bool {
	switch w {
	case 8, 16, 32, 64:
		return true
	}
	return false
}

func (e *emitter) loadMem(m types.MemRef, width uint8, signed bool) (types.IRReg, error) {
	if !checkWidth(width) {
		return types.NoIRReg, e.fail(vmerrors.ErrInvalidOperand, "memory width %d", width)
	}
	base, disp, err := e.address(m, true)
	if err != nil {
		return types.NoIRReg, err
	}
	t := e.temp()
	if e.info.Endian == types.BigEndian {
		e.emit(types.IROp{Op: types.IR_LOAD, Width: width, Dst: t, A: base, Imm: disp})
		t = e.unary(types.IR_BSWAP, width, t)
		if signed {
			t = e.unary(types.IR_SEXT, width, t)
		}
		return t, nil
	}
	op := types.IR_LOAD
	if signed {
		op = types.IR_LOADSX
	}
	e.emit(types.IROp{Op: op, Width: width, Dst: t, A: base, Imm: disp})
	return t, nil
}

func (e *emitter) storeMem(m types.MemRef, width uint8, val types.IRReg) error {
	if !checkWidth(width) {
		return e.fail(vmerrors.ErrInvalidOperand, "memory width %d", width)
	}
	base, disp, err := e.address(m, true)
	if err != nil {
		return err
	}
	if e.info.Endian == types.BigEndian {
		val = e.unary(types.IR_BSWAP, width, val)
	}
	e.emit(types.IROp{Op: types.IR_STORE, Width: width, A: base, B: val, Imm: disp})
	return nil
}

// read materializes an operand into a register. Registers and memory use
// their own width, immediates the width of the operation.
func (e *emitter) read(o types.Operand, width uint8) (types.IRReg, error) {
	switch o.Kind {
	case types.OperandRegister:
		return e.readGuest(o.Reg, o.Width)
	case types.OperandImmediate:
		return e.movi(int64(uint64(o.Imm) & types.Mask(width))), nil
	case types.OperandMemory:
		return e.loadMem(o.Mem, o.Width, false)
	}
	return types.NoIRReg, e.fail(vmerrors.ErrInvalidOperand, "empty operand")
}

// readSrc is read, except that immediates stay immediates.
func (e *emitter) readSrc(o types.Operand, width uint8) (src, error) {
	if o.IsImm() {
		return immSrc(int64(uint64(o.Imm) & types.Mask(width))), nil
	}
	r, err := e.read(o, width)
	if err != nil {
		return src{}, err
	}
	return regSrc(r), nil
}

func (e *emitter) write(o types.Operand, val types.IRReg) error {
	switch o.Kind {
	case types.OperandRegister:
		return e.writeGuest(o.Reg, o.Width, val)
	case types.OperandMemory:
		return e.storeMem(o.Mem, o.Width, val)
	}
	return e.fail(vmerrors.ErrInvalidOperand, "operand %s is not writable", o)
}

// push lowers a 64-bit stack push of val.
func (e *emitter) push(val types.IRReg) error {
	sp, err := e.readGuest(e.info.StackReg, 64)
	if err != nil {
		return err
	}
	nsp := e.binary(types.IR_SUB, sp, immSrc(8))
	if e.info.Endian == types.BigEndian {
		val = e.unary(types.IR_BSWAP, 64, val)
	}
	e.emit(types.IROp{Op: types.IR_STORE, Width: 64, A: nsp, B: val})
	return e.writeGuest(e.info.StackReg, 64, nsp)
}

// pop lowers a 64-bit stack pop and returns the loaded value. extra is added
// to the stack pointer on top of the popped slot.
func (e *emitter) pop(extra int64) (types.IRReg, error) {
	sp, err := e.readGuest(e.info.StackReg, 64)
	if err != nil {
		return types.NoIRReg, err
	}
	v := e.temp()
	e.emit(types.IROp{Op: types.IR_LOAD, Width: 64, Dst: v, A: sp})
	if e.info.Endian == types.BigEndian {
		v = e.unary(types.IR_BSWAP, 64, v)
	}
	nsp := e.binary(types.IR_ADD, sp, immSrc(8+extra))
	return v, e.writeGuest(e.info.StackReg, 64, nsp)
}

// guest emits a helper op that interprets inst in place.
func (e *emitter) guest(inst *types.Instruction) {
	c := *inst
	c.Operands = append([]types.Operand(nil), inst.Operands...)
	e.fallback = append(e.fallback, c)
	e.emit(types.IROp{Op: types.IR_GUEST, Imm: int64(len(e.fallback) - 1)})
}
