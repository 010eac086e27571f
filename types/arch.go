package types

import "fmt"

// Architecture identifies a guest ISA or the architecture-neutral IR target.
type Architecture uint8

const (
	ArchIR Architecture = iota
	ArchX86_64
	ArchARM64
	ArchRISCV64
	ArchPPC64
)

type Endianness uint8

const (
	LittleEndian Endianness = iota
	BigEndian
)

// Extend32 describes what happens to the upper half of a 64-bit register when
// a 32-bit result is written to it.
type Extend32 uint8

const (
	Extend32Zero Extend32 = iota
	Extend32Sign
)

// ArchInfo is the static description of an architecture used by the translator,
// the guest stepper and the register mapper.
type ArchInfo struct {
	Name        string
	Endian      Endianness
	NumGPRs     int
	HostRegs    int // allocatable registers when used as a translation target, 0 = unlimited
	ArithFlags  bool
	Extend32    Extend32
	MergeNarrow bool // 8/16-bit writes keep the untouched upper bits
	ZeroReg     bool // register 0 reads as zero and ignores writes
	StackReg    Reg
	LinkReg     Reg // NoReg when calls push the return address
}

var archTable = [...]ArchInfo{
	ArchIR: {
		Name:     "ir",
		Endian:   LittleEndian,
		NumGPRs:  NumGuestRegs,
		HostRegs: 0,
		StackReg: NoReg,
		LinkReg:  NoReg,
	},
	ArchX86_64: {
		Name:        "x86_64",
		Endian:      LittleEndian,
		NumGPRs:     16,
		HostRegs:    12,
		ArithFlags:  true,
		Extend32:    Extend32Zero,
		MergeNarrow: true,
		StackReg:    4, // rsp
		LinkReg:     NoReg,
	},
	ArchARM64: {
		Name:     "arm64",
		Endian:   LittleEndian,
		NumGPRs:  32,
		HostRegs: 26,
		Extend32: Extend32Zero,
		StackReg: 31,
		LinkReg:  30,
	},
	ArchRISCV64: {
		Name:     "riscv64",
		Endian:   LittleEndian,
		NumGPRs:  32,
		HostRegs: 26,
		Extend32: Extend32Sign,
		ZeroReg:  true,
		StackReg: 2,
		LinkReg:  1,
	},
	ArchPPC64: {
		Name:     "ppc64",
		Endian:   BigEndian,
		NumGPRs:  33, // r0-r31 + LR
		HostRegs: 26,
		Extend32: Extend32Sign,
		StackReg: 1,
		LinkReg:  32,
	},
}

// Info returns the static description of a.
func (a Architecture) Info() ArchInfo {
	if int(a) >= len(archTable) {
		return ArchInfo{Name: "unknown", StackReg: NoReg, LinkReg: NoReg}
	}
	return archTable[a]
}

func (a Architecture) Valid() bool {
	return int(a) < len(archTable)
}

func (a Architecture) String() string {
	return a.Info().Name
}

// ParseArchitecture maps a name such as "x86_64" back to an Architecture.
func ParseArchitecture(name string) (Architecture, error) {
	for i := range archTable {
		if archTable[i].Name == name {
			return Architecture(i), nil
		}
	}
	switch name {
	case "amd64", "x86-64":
		return ArchX86_64, nil
	case "aarch64":
		return ArchARM64, nil
	}
	return 0, fmt.Errorf("unknown architecture %q", name)
}
