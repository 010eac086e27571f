package types

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// GuestAddress is a guest virtual address.
type GuestAddress uint64

func (a GuestAddress) String() string {
	return fmt.Sprintf("0x%x", uint64(a))
}

// Reg is an architecture register id. Sub-registers (eax, w0, ...) share the id
// of their full-width register and are distinguished by operand width.
type Reg uint16

const NoReg Reg = 0xFFFF

// NumGuestRegs bounds the register homes kept in CPU state for any architecture.
const NumGuestRegs = 64

// Canonical opcodes produced by every decoder.
const (
	NOP uint32 = iota
	MOV
	LOAD
	LOADSX
	STORE
	LEA
	ADD
	SUB
	MUL
	AND
	OR
	XOR
	SHL
	SHR
	SAR
	NOT
	NEG
	CMP
	TEST
	BSWAP
	PUSH
	POP
	JMP
	JCC
	BCC
	CALL
	RET
	TRAP
	SYSCALL
	CPUID
	RDTSC
	FENCE

	numOpcodes
)

var opcodeNames = [numOpcodes]string{
	NOP: "nop", MOV: "mov", LOAD: "load", LOADSX: "loadsx", STORE: "store", LEA: "lea",
	ADD: "add", SUB: "sub", MUL: "mul", AND: "and", OR: "or", XOR: "xor",
	SHL: "shl", SHR: "shr", SAR: "sar", NOT: "not", NEG: "neg", CMP: "cmp", TEST: "test",
	BSWAP: "bswap", PUSH: "push", POP: "pop", JMP: "jmp", JCC: "jcc", BCC: "bcc",
	CALL: "call", RET: "ret", TRAP: "trap", SYSCALL: "syscall", CPUID: "cpuid",
	RDTSC: "rdtsc", FENCE: "fence",
}

func OpcodeName(op uint32) string {
	if op < numOpcodes {
		return opcodeNames[op]
	}
	return fmt.Sprintf("op%d", op)
}

// IsControlFlow reports whether op ends a basic block.
func IsControlFlow(op uint32) bool {
	switch op {
	case JMP, JCC, BCC, CALL, RET, TRAP, SYSCALL:
		return true
	}
	return false
}

// IsALU reports whether op is a binary arithmetic/logic opcode.
func IsALU(op uint32) bool {
	switch op {
	case ADD, SUB, MUL, AND, OR, XOR, SHL, SHR, SAR:
		return true
	}
	return false
}

// Cond is a branch condition, evaluated either on lazy flags (JCC) or on a
// register comparison (BCC).
type Cond uint8

const (
	CondNone Cond = iota
	CondEQ
	CondNE
	CondLT
	CondGE
	CondLTU
	CondGEU
	CondLE
	CondGT
	CondLEU
	CondGTU
)

var condNames = [...]string{"", "eq", "ne", "lt", "ge", "ltu", "geu", "le", "gt", "leu", "gtu"}

func (c Cond) String() string {
	if int(c) < len(condNames) {
		return condNames[c]
	}
	return fmt.Sprintf("cond%d", c)
}

type OperandKind uint8

const (
	OperandNone OperandKind = iota
	OperandRegister
	OperandImmediate
	OperandMemory
)

// MemRef is base + index*scale + disp. NoReg marks an absent base or index.
type MemRef struct {
	Base  Reg
	Index Reg
	Scale uint8
	Disp  int64
}

// Operand is a tagged union of register, immediate and memory operands. Width is
// the access width in bits for registers and memory.
type Operand struct {
	Kind  OperandKind
	Reg   Reg
	Width uint8
	Imm   int64
	Mem   MemRef
}

func RegOp(r Reg, width uint8) Operand {
	return Operand{Kind: OperandRegister, Reg: r, Width: width}
}

func ImmOp(v int64) Operand {
	return Operand{Kind: OperandImmediate, Imm: v, Reg: NoReg}
}

func MemOp(base, index Reg, scale uint8, disp int64, width uint8) Operand {
	if scale == 0 {
		scale = 1
	}
	return Operand{Kind: OperandMemory, Reg: NoReg, Width: width, Mem: MemRef{Base: base, Index: index, Scale: scale, Disp: disp}}
}

func (o Operand) IsReg() bool { return o.Kind == OperandRegister }
func (o Operand) IsImm() bool { return o.Kind == OperandImmediate }
func (o Operand) IsMem() bool { return o.Kind == OperandMemory }

func (o Operand) String() string {
	switch o.Kind {
	case OperandRegister:
		return fmt.Sprintf("r%d.%d", o.Reg, o.Width)
	case OperandImmediate:
		return fmt.Sprintf("#%d", o.Imm)
	case OperandMemory:
		var sb strings.Builder
		fmt.Fprintf(&sb, "m%d[", o.Width)
		if o.Mem.Base != NoReg {
			fmt.Fprintf(&sb, "r%d", o.Mem.Base)
		}
		if o.Mem.Index != NoReg {
			fmt.Fprintf(&sb, "+r%d*%d", o.Mem.Index, o.Mem.Scale)
		}
		if o.Mem.Disp != 0 || (o.Mem.Base == NoReg && o.Mem.Index == NoReg) {
			fmt.Fprintf(&sb, "%+d", o.Mem.Disp)
		}
		sb.WriteByte(']')
		return sb.String()
	}
	return "_"
}

// Instruction is a decoded guest instruction. It is immutable once built.
type Instruction struct {
	Arch     Architecture
	PC       uint64
	Len      uint8
	Opcode   uint32
	Cond     Cond
	Operands []Operand
}

func (i *Instruction) NextPC() uint64 {
	return i.PC + uint64(i.Len)
}

func (i *Instruction) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%#x: %s", i.PC, OpcodeName(i.Opcode))
	if i.Cond != CondNone {
		sb.WriteByte('.')
		sb.WriteString(i.Cond.String())
	}
	for n, o := range i.Operands {
		if n == 0 {
			sb.WriteByte(' ')
		} else {
			sb.WriteString(", ")
		}
		sb.WriteString(o.String())
	}
	return sb.String()
}

// AppendEncoding appends the canonical binary form of the instruction, PC
// included, to buf.
func (i *Instruction) AppendEncoding(buf []byte) []byte {
	buf = binary.LittleEndian.AppendUint64(buf, i.PC)
	buf = append(buf, byte(i.Arch), i.Len, byte(i.Cond), byte(len(i.Operands)))
	buf = binary.LittleEndian.AppendUint32(buf, i.Opcode)
	return appendOperands(buf, i.Operands)
}

// AppendBody is AppendEncoding without the PC, for position-independent keys.
func (i *Instruction) AppendBody(buf []byte) []byte {
	buf = append(buf, byte(i.Arch), i.Len, byte(i.Cond), byte(len(i.Operands)))
	buf = binary.LittleEndian.AppendUint32(buf, i.Opcode)
	return appendOperands(buf, i.Operands)
}

func appendOperands(buf []byte, ops []Operand) []byte {
	for _, o := range ops {
		buf = append(buf, byte(o.Kind), o.Width)
		buf = binary.LittleEndian.AppendUint16(buf, uint16(o.Reg))
		switch o.Kind {
		case OperandImmediate:
			buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Imm))
		case OperandMemory:
			buf = binary.LittleEndian.AppendUint16(buf, uint16(o.Mem.Base))
			buf = binary.LittleEndian.AppendUint16(buf, uint16(o.Mem.Index))
			buf = append(buf, o.Mem.Scale)
			buf = binary.LittleEndian.AppendUint64(buf, uint64(o.Mem.Disp))
		}
	}
	return buf
}

// AppendShape appends the operand-shape signature used to select translation
// rules: opcode, condition and per-operand kind/width, no register numbers or
// immediate values.
func (i *Instruction) AppendShape(buf []byte) []byte {
	buf = append(buf, byte(i.Arch), byte(i.Cond), byte(len(i.Operands)))
	buf = binary.LittleEndian.AppendUint32(buf, i.Opcode)
	for _, o := range i.Operands {
		buf = append(buf, byte(o.Kind), o.Width)
		if o.Kind == OperandMemory {
			var m byte
			if o.Mem.Base != NoReg {
				m |= 1
			}
			if o.Mem.Index != NoReg {
				m |= 2
			}
			buf = append(buf, m)
		}
	}
	return buf
}
