package types

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmcore/common"
)

// IRReg addresses the IR register file: ids below TempBase are guest register
// homes, ids from TempBase up are block-local temporaries.
type IRReg uint16

const (
	TempBase  IRReg = NumGuestRegs
	MaxIRRegs       = 256
	NoIRReg   IRReg = 0xFFFF
)

// Temp returns the n-th block-local temporary.
func Temp(n int) IRReg { return TempBase + IRReg(n) }

func (r IRReg) IsTemp() bool { return r != NoIRReg && r >= TempBase }

func (r IRReg) String() string {
	switch {
	case r == NoIRReg:
		return "_"
	case r.IsTemp():
		return fmt.Sprintf("t%d", r-TempBase)
	}
	return fmt.Sprintf("v%d", uint16(r))
}

type IROpcode uint8

const (
	IR_NOP IROpcode = iota
	IR_MOVI
	IR_MOV
	IR_ADD
	IR_SUB
	IR_MUL
	IR_AND
	IR_OR
	IR_XOR
	IR_SHL
	IR_SHR
	IR_SAR
	IR_NOT
	IR_NEG
	IR_ZEXT
	IR_SEXT
	IR_MERGE
	IR_LOAD
	IR_LOADSX
	IR_STORE
	IR_BSWAP
	IR_SETFLAGS
	IR_SPILL
	IR_RELOAD
	IR_GUEST
	IR_MARK

	numIROpcodes
)

var irOpcodeNames = [numIROpcodes]string{
	"nop", "movi", "mov", "add", "sub", "mul", "and", "or", "xor", "shl", "shr", "sar",
	"not", "neg", "zext", "sext", "merge", "load", "loadsx", "store", "bswap",
	"setflags", "spill", "reload", "guest", "mark",
}

func (o IROpcode) String() string {
	if o < numIROpcodes {
		return irOpcodeNames[o]
	}
	return fmt.Sprintf("irop%d", o)
}

// CanFault reports whether o can stop a block with a guest fault.
func (o IROpcode) CanFault() bool {
	switch o {
	case IR_LOAD, IR_LOADSX, IR_STORE, IR_GUEST:
		return true
	}
	return false
}

// IsBinary reports whether o computes Dst = A op B/Imm.
func (o IROpcode) IsBinary() bool {
	return o >= IR_ADD && o <= IR_SAR
}

// IROp is one straight-line IR operation. None of them transfer control.
//
//	MOVI     Dst = Imm
//	MOV      Dst = A
//	ADD..SAR Dst = A op (BImm ? Imm : B)
//	ZEXT     Dst = A & mask(Width)          SEXT: sign-extend from Width
//	MERGE    Dst = (B &^ mask(Width)) | (A & mask(Width))
//	LOAD     Dst = mem[A+Imm] (Width bits)  LOADSX sign-extends
//	STORE    mem[A+Imm] = B (Width bits)
//	BSWAP    Dst = byteswap(A, Width)
//	SETFLAGS flags = {Flag, A, B|Imm, Dst, Width}; Dst is only read
//	SPILL    slot[Imm] = A                  RELOAD: Dst = slot[Imm]
//	GUEST    interpret Fallback[Imm]
//	MARK     the ops that follow belong to guest instruction Boundary()
type IROp struct {
	Op    IROpcode
	Flag  FlagKind
	Width uint8
	BImm  bool
	Dst   IRReg
	A     IRReg
	B     IRReg
	Imm   int64
}

// MarkOp returns the boundary op of the index-th guest instruction of a
// block, which starts offset bytes after the block.
func MarkOp(index int, offset uint64) IROp {
	return IROp{Op: IR_MARK, Imm: int64(index)<<32 | int64(uint32(offset))}
}

// Boundary decodes a MARK op.
func (op IROp) Boundary() (index int, offset uint64) {
	return int(op.Imm >> 32), uint64(uint32(op.Imm))
}

func (op IROp) String() string {
	switch op.Op {
	case IR_MARK:
		n, off := op.Boundary()
		return fmt.Sprintf("mark #%d +%#x", n, off)
	case IR_NOP:
		return "nop"
	case IR_MOVI:
		return fmt.Sprintf("%s = movi %d", op.Dst, op.Imm)
	case IR_MOV, IR_NOT, IR_NEG:
		return fmt.Sprintf("%s = %s %s", op.Dst, op.Op, op.A)
	case IR_ZEXT, IR_SEXT, IR_BSWAP:
		return fmt.Sprintf("%s = %s.%d %s", op.Dst, op.Op, op.Width, op.A)
	case IR_MERGE:
		return fmt.Sprintf("%s = merge.%d %s, %s", op.Dst, op.Width, op.A, op.B)
	case IR_LOAD, IR_LOADSX:
		return fmt.Sprintf("%s = %s.%d [%s%+d]", op.Dst, op.Op, op.Width, op.A, op.Imm)
	case IR_STORE:
		return fmt.Sprintf("store.%d [%s%+d], %s", op.Width, op.A, op.Imm, op.B)
	case IR_SETFLAGS:
		return fmt.Sprintf("setflags.%d k%d %s, %s, %s", op.Width, op.Flag, op.A, op.bString(), op.Dst)
	case IR_SPILL:
		return fmt.Sprintf("spill s%d, %s", op.Imm, op.A)
	case IR_RELOAD:
		return fmt.Sprintf("%s = reload s%d", op.Dst, op.Imm)
	case IR_GUEST:
		return fmt.Sprintf("guest #%d", op.Imm)
	}
	return fmt.Sprintf("%s = %s %s, %s", op.Dst, op.Op, op.A, op.bString())
}

func (op IROp) bString() string {
	if op.BImm {
		return fmt.Sprintf("#%d", op.Imm)
	}
	return op.B.String()
}

// Reads appends the registers op reads to dst.
func (op IROp) Reads(dst []IRReg) []IRReg {
	switch op.Op {
	case IR_MOV, IR_NOT, IR_NEG, IR_ZEXT, IR_SEXT, IR_BSWAP, IR_LOAD, IR_LOADSX, IR_SPILL:
		dst = append(dst, op.A)
	case IR_MERGE, IR_STORE:
		dst = append(dst, op.A, op.B)
	case IR_SETFLAGS:
		dst = append(dst, op.A, op.Dst)
		if !op.BImm {
			dst = append(dst, op.B)
		}
	default:
		if op.Op.IsBinary() {
			dst = append(dst, op.A)
			if !op.BImm {
				dst = append(dst, op.B)
			}
		}
	}
	return dst
}

// Writes returns the register op defines, or NoIRReg.
func (op IROp) Writes() IRReg {
	switch op.Op {
	case IR_NOP, IR_STORE, IR_SETFLAGS, IR_SPILL, IR_GUEST, IR_MARK:
		return NoIRReg
	}
	return op.Dst
}

type TermKind uint8

const (
	TERM_JUMP TermKind = iota
	TERM_JUMPREG
	TERM_BRANCH
	TERM_CALL
	TERM_RETURN
	TERM_TRAP
)

var termNames = [...]string{"jump", "jumpreg", "branch", "call", "return", "trap"}

func (k TermKind) String() string {
	if int(k) < len(termNames) {
		return termNames[k]
	}
	return fmt.Sprintf("term%d", k)
}

// Terminator is the single control transfer ending an IRBlock.
//
//	JUMP    pc = Target
//	JUMPREG pc = Reg
//	BRANCH  pc = cond ? Target : Fallthrough, where cond is Flags.Eval(Cond)
//	        when UseFlags, else Compare(Cond, A, B|Imm, Width)
//	CALL    pc = Target (or Reg when Indirect); Fallthrough is the return address
//	RETURN  pc = Reg
//	TRAP    stop with TrapCode; Fallthrough is the resume pc
type Terminator struct {
	Kind        TermKind
	Cond        Cond
	UseFlags    bool
	BImm        bool
	Indirect    bool
	Width       uint8
	A           IRReg
	B           IRReg
	Reg         IRReg
	Imm         int64
	Target      uint64
	Fallthrough uint64
	TrapCode    uint32
}

func (t Terminator) String() string {
	switch t.Kind {
	case TERM_JUMP:
		return fmt.Sprintf("jump %#x", t.Target)
	case TERM_JUMPREG:
		return fmt.Sprintf("jump %s", t.Reg)
	case TERM_BRANCH:
		if t.UseFlags {
			return fmt.Sprintf("branch.%s flags -> %#x else %#x", t.Cond, t.Target, t.Fallthrough)
		}
		b := t.B.String()
		if t.BImm {
			b = fmt.Sprintf("#%d", t.Imm)
		}
		return fmt.Sprintf("branch.%s.%d %s, %s -> %#x else %#x", t.Cond, t.Width, t.A, b, t.Target, t.Fallthrough)
	case TERM_CALL:
		if t.Indirect {
			return fmt.Sprintf("call %s ret %#x", t.Reg, t.Fallthrough)
		}
		return fmt.Sprintf("call %#x ret %#x", t.Target, t.Fallthrough)
	case TERM_RETURN:
		return fmt.Sprintf("return %s", t.Reg)
	case TERM_TRAP:
		return fmt.Sprintf("trap %d resume %#x", t.TrapCode, t.Fallthrough)
	}
	return t.Kind.String()
}

// Reads appends the registers the terminator reads to dst.
func (t Terminator) Reads(dst []IRReg) []IRReg {
	switch t.Kind {
	case TERM_JUMPREG, TERM_RETURN:
		dst = append(dst, t.Reg)
	case TERM_CALL:
		if t.Indirect {
			dst = append(dst, t.Reg)
		}
	case TERM_BRANCH:
		if !t.UseFlags {
			dst = append(dst, t.A)
			if !t.BImm {
				dst = append(dst, t.B)
			}
		}
	}
	return dst
}

// IRBlock is one translated basic block. Ops never transfer control; Term is
// the only exit. Fallback holds guest instructions referenced by IR_GUEST ops.
//
// A MARK op precedes the ops of every guest instruction after the first that
// can fault. When op i faults, the guest state is that of the instruction
// named by the last MARK before i, or of the first instruction without one.
type IRBlock struct {
	StartPC    GuestAddress
	EndPC      GuestAddress
	SourceArch Architecture
	TargetArch Architecture
	Ops        []IROp
	Term       Terminator
	Fallback   []Instruction
	SpillSlots int
	GuestCount int
}

// Clone returns a deep copy safe to hand to another goroutine.
func (b *IRBlock) Clone() *IRBlock {
	c := *b
	c.Ops = append([]IROp(nil), b.Ops...)
	if b.Fallback != nil {
		c.Fallback = make([]Instruction, len(b.Fallback))
		for i, inst := range b.Fallback {
			inst.Operands = append([]Operand(nil), inst.Operands...)
			c.Fallback[i] = inst
		}
	}
	return &c
}

// FaultPoint returns the guest pc and the number of retired instructions to
// report when op i faults.
func (b *IRBlock) FaultPoint(i int) (pc uint64, retired uint64) {
	for ; i >= 0; i-- {
		if i < len(b.Ops) && b.Ops[i].Op == IR_MARK {
			n, off := b.Ops[i].Boundary()
			return uint64(b.StartPC) + off, uint64(n)
		}
	}
	return uint64(b.StartPC), 0
}

// GuestLen is the number of guest bytes the block covers.
func (b *IRBlock) GuestLen() uint64 {
	return uint64(b.EndPC - b.StartPC)
}

// NumTemps returns one past the highest temporary index used.
func (b *IRBlock) NumTemps() int {
	n := 0
	var scratch [4]IRReg
	note := func(r IRReg) {
		if r.IsTemp() && int(r-TempBase)+1 > n {
			n = int(r-TempBase) + 1
		}
	}
	for _, op := range b.Ops {
		for _, r := range op.Reads(scratch[:0]) {
			note(r)
		}
		note(op.Writes())
	}
	for _, r := range b.Term.Reads(scratch[:0]) {
		note(r)
	}
	return n
}

// Encode returns the canonical binary form of the block contents. The start
// address is not included: ContentHash identifies code, StartPC identifies
// location.
func (b *IRBlock) Encode() []byte {
	buf := make([]byte, 0, irOpSize*len(b.Ops)+64)
	buf = AppendOps(buf, b.Ops)
	t := b.Term
	buf = append(buf, byte(t.Kind), byte(t.Cond), boolByte(t.UseFlags), boolByte(t.BImm), boolByte(t.Indirect), t.Width)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.A))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.B))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(t.Reg))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.Imm))
	buf = binary.LittleEndian.AppendUint64(buf, t.Target)
	buf = binary.LittleEndian.AppendUint64(buf, t.Fallthrough)
	buf = binary.LittleEndian.AppendUint32(buf, t.TrapCode)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b.Fallback)))
	for i := range b.Fallback {
		buf = b.Fallback[i].AppendEncoding(buf)
	}
	return buf
}

// ContentHash covers Ops, Term and Fallback and detects self-modifying code.
func (b *IRBlock) ContentHash() uint64 {
	return common.Hash64(b.Encode())
}

// Validate checks the structural block invariants.
func (b *IRBlock) Validate() error {
	if b.Term.Kind > TERM_TRAP {
		return fmt.Errorf("block %s: bad terminator kind %d", b.StartPC, b.Term.Kind)
	}
	var scratch [4]IRReg
	for i, op := range b.Ops {
		if op.Op >= numIROpcodes {
			return fmt.Errorf("block %s: op %d: bad opcode %d", b.StartPC, i, op.Op)
		}
		if op.Op == IR_GUEST {
			if op.Imm < 0 || int(op.Imm) >= len(b.Fallback) {
				return fmt.Errorf("block %s: op %d: guest index %d out of range", b.StartPC, i, op.Imm)
			}
			if IsControlFlow(b.Fallback[op.Imm].Opcode) {
				return fmt.Errorf("block %s: op %d: guest helper wraps control flow", b.StartPC, i)
			}
		}
		if op.Op == IR_MARK {
			if n, off := op.Boundary(); n <= 0 || n >= b.GuestCount || off >= b.GuestLen() {
				return fmt.Errorf("block %s: op %d: boundary #%d +%#x outside the block", b.StartPC, i, n, off)
			}
		}
		if (op.Op == IR_SPILL || op.Op == IR_RELOAD) && (op.Imm < 0 || int(op.Imm) >= b.SpillSlots) {
			return fmt.Errorf("block %s: op %d: spill slot %d out of range", b.StartPC, i, op.Imm)
		}
		if w := op.Writes(); w != NoIRReg && int(w) >= MaxIRRegs {
			return fmt.Errorf("block %s: op %d: register %d out of range", b.StartPC, i, w)
		}
		for _, r := range op.Reads(scratch[:0]) {
			if r != NoIRReg && int(r) >= MaxIRRegs {
				return fmt.Errorf("block %s: op %d: register %d out of range", b.StartPC, i, r)
			}
		}
	}
	for _, r := range b.Term.Reads(scratch[:0]) {
		if r != NoIRReg && int(r) >= MaxIRRegs {
			return fmt.Errorf("block %s: terminator register %d out of range", b.StartPC, r)
		}
	}
	return nil
}

func (b *IRBlock) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %s..%s (%s -> %s)\n", b.StartPC, b.EndPC, b.SourceArch, b.TargetArch)
	for _, op := range b.Ops {
		sb.WriteString("  ")
		sb.WriteString(op.String())
		sb.WriteByte('\n')
	}
	sb.WriteString("  ")
	sb.WriteString(b.Term.String())
	return sb.String()
}

const irOpSize = 18

// AppendOps appends the canonical binary form of ops: a u32 count followed by
// fixed-size records.
func AppendOps(buf []byte, ops []IROp) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ops)))
	for _, op := range ops {
		buf = append(buf, byte(op.Op), byte(op.Flag), op.Width, boolByte(op.BImm))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(op.Dst))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(op.A))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(op.B))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Imm))
	}
	return buf
}

// DecodeOps is the inverse of AppendOps.
func DecodeOps(buf []byte) ([]IROp, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("ir ops: short buffer")
	}
	n := int(binary.LittleEndian.Uint32(buf))
	buf = buf[4:]
	if len(buf) != n*irOpSize {
		return nil, fmt.Errorf("ir ops: %d bytes for %d ops", len(buf), n)
	}
	ops := make([]IROp, n)
	for i := range ops {
		r := buf[i*irOpSize:]
		ops[i] = IROp{
			Op:    IROpcode(r[0]),
			Flag:  FlagKind(r[1]),
			Width: r[2],
			BImm:  r[3] != 0,
			Dst:   IRReg(binary.LittleEndian.Uint16(r[4:])),
			A:     IRReg(binary.LittleEndian.Uint16(r[6:])),
			B:     IRReg(binary.LittleEndian.Uint16(r[8:])),
			Imm:   int64(binary.LittleEndian.Uint64(r[10:])),
		}
	}
	return ops, nil
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
