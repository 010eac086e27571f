package interp

import (
	"testing"

	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlatMemory(t *testing.T) {
	m := NewFlatMemory(0x1000, 0x100)
	var hooked []uint64
	m.OnWrite(func(addr uint64, size int) { hooked = append(hooked, addr) })

	require.NoError(t, m.Write(0x1008, 0x1122334455667788, 8))
	v, err := m.Read(0x1008, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x55667788), v)
	v, err = m.Read(0x100f, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x11), v)

	_, err = m.Read(0x10fd, 4)
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
	_, err = m.Read(0xfff, 1)
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
	require.ErrorIs(t, m.Write(0x1000, 1, 3), vmerrors.ErrMemoryFault)

	require.NoError(t, m.LoadBytes(0x1010, []byte{1, 2, 3}))
	assert.Equal(t, []uint64{0x1008}, hooked, "LoadBytes does not fire the hook")

	c := m.Clone()
	require.NoError(t, c.Write(0x1008, 0, 8))
	v, _ = m.Read(0x1008, 8)
	assert.Equal(t, uint64(0x1122334455667788), v)

	_, err = m.Translate(0x2000)
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
}

func inst(arch types.Architecture, pc uint64, op uint32, ops ...types.Operand) types.Instruction {
	return types.Instruction{Arch: arch, PC: pc, Len: 4, Opcode: op, Operands: ops}
}

func TestStepStackAndCalls(t *testing.T) {
	mem := NewFlatMemory(0x8000, 0x1000)
	st := NewState(0x100)
	st.Regs[4] = 0x8800
	st.Regs[0] = 0xabcdef

	block := []types.Instruction{
		inst(types.ArchX86_64, 0x100, types.PUSH, types.RegOp(0, 64)),
		inst(types.ArchX86_64, 0x104, types.POP, types.RegOp(1, 64)),
		inst(types.ArchX86_64, 0x108, types.CALL, types.ImmOp(0x400)),
	}
	exit, err := RunBlock(block, st, mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400), exit.Next)
	assert.Equal(t, uint64(0xabcdef), st.Regs[1])
	assert.Equal(t, uint64(0x87f8), st.Regs[4])
	ret, _ := mem.Read(0x87f8, 8)
	assert.Equal(t, uint64(0x10c), ret)
	assert.Equal(t, uint64(3), st.Retired)

	exit, err = Step(&types.Instruction{Arch: types.ArchX86_64, PC: 0x400, Len: 1, Opcode: types.RET}, st, mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x10c), exit.Next)
	assert.Equal(t, uint64(0x8800), st.Regs[4])
}

func TestStepFlagsAndHelpers(t *testing.T) {
	st := NewState(0)
	st.Regs[1] = 7
	cmp := inst(types.ArchX86_64, 0, types.CMP, types.RegOp(1, 32), types.ImmOp(9))
	_, err := Step(&cmp, st, nil)
	require.NoError(t, err)
	assert.True(t, st.Flags.Eval(types.CondLT))
	assert.True(t, st.Flags.Eval(types.CondLTU))
	assert.False(t, st.Flags.Eval(types.CondEQ))

	cpuid := inst(types.ArchX86_64, 4, types.CPUID)
	st.Regs[0] = 0
	_, err = Step(&cpuid, st, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Regs[0])
	assert.Equal(t, uint64(0x6f436d56), st.Regs[3])

	rdtsc := inst(types.ArchX86_64, 8, types.RDTSC)
	_, err = Step(&rdtsc, st, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.TSC)
	assert.Equal(t, uint64(1), st.Regs[0])

	sys := inst(types.ArchX86_64, 12, types.SYSCALL)
	exit, err := Step(&sys, st, nil)
	require.NoError(t, err)
	assert.True(t, exit.Trapped)
	assert.Equal(t, uint32(TrapSyscall), exit.Code)
	assert.Equal(t, uint64(16), st.PC)

	bad := inst(types.ArchX86_64, 16, 999)
	_, err = Step(&bad, st, nil)
	require.ErrorIs(t, err, vmerrors.ErrUnsupportedInstruction)
}

func TestStepRegisterWriteRules(t *testing.T) {
	cases := []struct {
		arch  types.Architecture
		dst   types.Operand
		value int64
		want  uint64
	}{
		{types.ArchX86_64, types.RegOp(2, 32), -1, 0x0000_0000_ffff_ffff},
		{types.ArchX86_64, types.RegOp(2, 8), 0x7f, 0x1111_1111_1111_117f},
		{types.ArchARM64, types.RegOp(2, 16), 0x1234, 0x1234},
		{types.ArchRISCV64, types.RegOp(2, 32), 0x8000_0000, 0xffff_ffff_8000_0000},
		{types.ArchRISCV64, types.RegOp(0, 64), 5, 0},
	}
	for _, c := range cases {
		st := NewState(0)
		st.Regs[2] = 0x1111_1111_1111_1111
		mov := inst(c.arch, 0, types.MOV, c.dst, types.ImmOp(c.value))
		_, err := Step(&mov, st, nil)
		require.NoError(t, err)
		assert.Equal(t, c.want, st.Regs[c.dst.Reg], "%s %s", c.arch, c.dst)
	}
}

func TestBigEndianMemory(t *testing.T) {
	mem := NewFlatMemory(0x8000, 0x100)
	st := NewState(0)
	st.Regs[3] = 0x8000
	st.Regs[4] = 0x11223344
	store := inst(types.ArchPPC64, 0, types.STORE, types.MemOp(3, types.NoReg, 1, 0, 32), types.RegOp(4, 32))
	_, err := Step(&store, st, mem)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x11, 0x22, 0x33, 0x44}, mem.Bytes()[:4])

	load := inst(types.ArchPPC64, 4, types.LOAD, types.RegOp(5, 64), types.MemOp(3, types.NoReg, 1, 0, 16))
	_, err = Step(&load, st, mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122), st.Regs[5])
}

func TestRunIRBlock(t *testing.T) {
	mem := NewFlatMemory(0x8000, 0x100)
	b := &types.IRBlock{
		StartPC:    0x100,
		EndPC:      0x110,
		SourceArch: types.ArchX86_64,
		TargetArch: types.ArchIR,
		Ops: []types.IROp{
			{Op: types.IR_MOVI, Dst: types.Temp(0), Imm: 40},
			{Op: types.IR_ADD, Dst: types.Temp(1), A: types.Temp(0), BImm: true, Imm: 2},
			{Op: types.IR_SPILL, A: types.Temp(1), Imm: 1},
			{Op: types.IR_RELOAD, Dst: 0, Imm: 1},
			{Op: types.IR_MOVI, Dst: 3, Imm: 0x8010},
			{Op: types.IR_STORE, Width: 16, A: 3, B: 0, Imm: 2},
			{Op: types.IR_LOADSX, Width: 8, Dst: 5, A: 3, Imm: 2},
			{Op: types.IR_MERGE, Width: 8, Dst: 6, A: 0, B: 6},
			{Op: types.IR_SETFLAGS, Flag: types.FlagsSub, Width: 64, A: 0, B: 5, Dst: types.Temp(1)},
			{Op: types.IR_GUEST, Imm: 0},
		},
		Term:       types.Terminator{Kind: types.TERM_BRANCH, Cond: types.CondEQ, UseFlags: true, Target: 0x200, Fallthrough: 0x110},
		Fallback:   []types.Instruction{inst(types.ArchX86_64, 0x10c, types.RDTSC)},
		SpillSlots: 2,
		GuestCount: 4,
	}
	require.NoError(t, b.Validate())

	st := NewState(0x100)
	st.Regs[6] = 0xff00
	exit, err := Run(b, st, mem)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x200), exit.Next, "42 == 42")
	assert.Equal(t, uint64(1), st.Regs[0], "rdtsc helper overwrote eax")
	assert.Equal(t, uint64(42), st.Regs[5])
	assert.Equal(t, uint64(0xff2a), st.Regs[6])
	assert.Equal(t, uint64(42), st.Spill[1])
	assert.Equal(t, uint64(4), st.Retired)
	assert.Equal(t, uint64(0x200), st.PC)
}

func TestRunIRFault(t *testing.T) {
	b := &types.IRBlock{
		Ops: []types.IROp{{Op: types.IR_LOAD, Width: 64, Dst: 0, A: 1}},
		Term: types.Terminator{Kind: types.TERM_JUMP, Target: 4},
	}
	st := NewState(0)
	st.Regs[1] = 0x10
	_, err := Run(b, st, NewFlatMemory(0x8000, 0x10))
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
	assert.Equal(t, uint64(0), st.PC)
	assert.Zero(t, st.Retired)
}

func TestRunIRFaultAfterBoundary(t *testing.T) {
	b := &types.IRBlock{
		StartPC: 0x400,
		EndPC:   0x40c,
		Ops: []types.IROp{
			{Op: types.IR_ADD, Dst: 0, A: 0, BImm: true, Imm: 1},
			types.MarkOp(1, 4),
			{Op: types.IR_LOAD, Width: 64, Dst: 3, A: 1},
			types.MarkOp(2, 8),
			{Op: types.IR_STORE, Width: 64, A: 1, B: 0},
		},
		Term:       types.Terminator{Kind: types.TERM_JUMP, Target: 0x400},
		GuestCount: 4,
	}
	require.NoError(t, b.Validate())
	pc, retired := b.FaultPoint(2)
	assert.Equal(t, uint64(0x404), pc)
	assert.Equal(t, uint64(1), retired)

	st := NewState(0x400)
	st.Regs[1] = 0x100000
	st.Retired = 10
	_, err := Run(b, st, NewFlatMemory(0x8000, 0x10))
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
	assert.Equal(t, uint64(0x404), st.PC, "stopped at the load")
	assert.Equal(t, uint64(11), st.Retired)
	assert.Equal(t, uint64(1), st.Regs[0], "the add before it retired")

	bad := b.Clone()
	bad.Ops[1] = types.MarkOp(4, 4)
	assert.Error(t, bad.Validate())
}
