package decoder

import (
	"fmt"
	"sync"

	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// BlockSource yields the decoded basic block starting at a guest address. The
// last instruction is the block's only control transfer, unless the block was
// cut at the instruction limit.
type BlockSource interface {
	FetchBlock(addr uint64) ([]types.Instruction, error)
}

// MemoryBlockSource decodes blocks straight out of guest memory.
type MemoryBlockSource struct {
	mem      interp.CodeFetcher
	dec      Decoder
	maxInsts int
}

func NewMemoryBlockSource(mem interp.CodeFetcher, dec Decoder, maxInsts int) *MemoryBlockSource {
	if maxInsts <= 0 {
		maxInsts = 64
	}
	return &MemoryBlockSource{mem: mem, dec: dec, maxInsts: maxInsts}
}

// FetchBlock decodes until the first control-flow instruction. A block that
// reaches maxInsts is closed with a synthetic jump to the next address so that
// every block still ends in exactly one control transfer.
func (s *MemoryBlockSource) FetchBlock(addr uint64) ([]types.Instruction, error) {
	var insts []types.Instruction
	var buf [MaxX86InstLen]byte
	pc := addr
	for len(insts) < s.maxInsts {
		n, err := s.mem.Fetch(pc, buf[:])
		if err != nil || n == 0 {
			if len(insts) == 0 {
				return nil, fmt.Errorf("%w: %#x", vmerrors.ErrNoBlock, addr)
			}
			return nil, fmt.Errorf("%w: block %#x runs off memory at %#x", vmerrors.ErrNoBlock, addr, pc)
		}
		inst, err := s.dec.Decode(buf[:n], pc)
		if err != nil {
			return nil, err
		}
		insts = append(insts, inst)
		if types.IsControlFlow(inst.Opcode) {
			return insts, nil
		}
		pc = inst.NextPC()
	}
	return append(insts, types.Instruction{
		Arch:     s.dec.Arch(),
		PC:       pc,
		Opcode:   types.JMP,
		Operands: []types.Operand{types.ImmOp(int64(pc))},
	}), nil
}

// StaticBlockSource serves pre-decoded instructions. It stands in for
// decoders of architectures without a byte-level adapter.
type StaticBlockSource struct {
	mu       sync.RWMutex
	insts    map[uint64]types.Instruction
	maxInsts int
}

func NewStaticBlockSource() *StaticBlockSource {
	return &StaticBlockSource{insts: make(map[uint64]types.Instruction), maxInsts: 64}
}

// Add registers instructions by PC. Any registered PC can start a block.
func (s *StaticBlockSource) Add(insts ...types.Instruction) {
	s.mu.Lock()
	for _, inst := range insts {
		s.insts[inst.PC] = inst
	}
	s.mu.Unlock()
}

// FetchBlock walks fallthrough addresses from addr up to the first
// control-flow instruction.
func (s *StaticBlockSource) FetchBlock(addr uint64) ([]types.Instruction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []types.Instruction
	pc := addr
	for len(out) < s.maxInsts {
		inst, ok := s.insts[pc]
		if !ok {
			return nil, fmt.Errorf("%w: %#x", vmerrors.ErrNoBlock, pc)
		}
		inst.Operands = append([]types.Operand(nil), inst.Operands...)
		out = append(out, inst)
		if types.IsControlFlow(inst.Opcode) {
			return out, nil
		}
		pc = inst.NextPC()
	}
	return nil, fmt.Errorf("%w: block %#x has no control transfer", vmerrors.ErrNoBlock, addr)
}
