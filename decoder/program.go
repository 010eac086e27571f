package decoder

import "github.com/colorfulnotion/vmcore/types"

// ProgramBuilder lays out canonical instructions at consecutive addresses for
// fixed-width architectures.
type ProgramBuilder struct {
	arch  types.Architecture
	pc    uint64
	width uint8
	insts []types.Instruction
}

func NewProgramBuilder(arch types.Architecture, base uint64) *ProgramBuilder {
	return &ProgramBuilder{arch: arch, pc: base, width: 4}
}

// PC is the address the next instruction will get.
func (b *ProgramBuilder) PC() uint64 { return b.pc }

func (b *ProgramBuilder) Emit(opcode uint32, ops ...types.Operand) *ProgramBuilder {
	return b.EmitCond(opcode, types.CondNone, ops...)
}

func (b *ProgramBuilder) EmitCond(opcode uint32, cond types.Cond, ops ...types.Operand) *ProgramBuilder {
	b.insts = append(b.insts, types.Instruction{
		Arch:     b.arch,
		PC:       b.pc,
		Len:      b.width,
		Opcode:   opcode,
		Cond:     cond,
		Operands: ops,
	})
	b.pc += uint64(b.width)
	return b
}

func (b *ProgramBuilder) Instructions() []types.Instruction {
	return append([]types.Instruction(nil), b.insts...)
}

// Source registers the program in a fresh StaticBlockSource.
func (b *ProgramBuilder) Source() *StaticBlockSource {
	s := NewStaticBlockSource()
	s.Add(b.insts...)
	return s
}
