package interp

import (
	"fmt"
	"strings"

	"github.com/colorfulnotion/vmcore/types"
)

// TrapSyscall is the trap code reported for SYSCALL instructions.
const TrapSyscall = 0x100

// State is the architectural state of one virtual CPU. Register homes are
// indexed by guest register id.
type State struct {
	Regs  [types.NumGuestRegs]uint64
	PC    uint64
	Flags types.Flags
	Spill []uint64
	TSC   uint64 // advanced by RDTSC only

	Retired uint64 // guest instructions executed
}

func NewState(pc uint64) *State {
	return &State{PC: pc}
}

func (s *State) Clone() *State {
	c := *s
	c.Spill = append([]uint64(nil), s.Spill...)
	return &c
}

// ArchEqual compares the guest-visible state; spill slots and counters are
// excluded.
func (s *State) ArchEqual(o *State) bool {
	return s.Regs == o.Regs && s.PC == o.PC && s.Flags == o.Flags && s.TSC == o.TSC
}

// EnsureSpill grows the spill area to at least n slots.
func (s *State) EnsureSpill(n int) {
	if len(s.Spill) < n {
		s.Spill = append(s.Spill, make([]uint64, n-len(s.Spill))...)
	}
}

func (s *State) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "pc=%#x", s.PC)
	for i, r := range s.Regs {
		if r != 0 {
			fmt.Fprintf(&sb, " r%d=%#x", i, r)
		}
	}
	if s.Flags.Kind != types.FlagsNone {
		fmt.Fprintf(&sb, " flags=%d/%d:%#x,%#x->%#x", s.Flags.Kind, s.Flags.Width, s.Flags.A, s.Flags.B, s.Flags.Result)
	}
	return sb.String()
}

// Exit describes how a block or instruction left control.
type Exit struct {
	Next    uint64
	Trapped bool
	Code    uint32
}
