package types

import (
	"fmt"
	"time"
)

// CompileTier is the closed set of execution tiers for a block.
type CompileTier uint8

const (
	TierInterpreter CompileTier = iota
	TierBaseline
	TierOptimized
)

func (t CompileTier) String() string {
	switch t {
	case TierInterpreter:
		return "interpreter"
	case TierBaseline:
		return "baseline"
	case TierOptimized:
		return "optimized"
	}
	return fmt.Sprintf("tier%d", t)
}

// Lower returns the next tier down the fallback chain.
func (t CompileTier) Lower() CompileTier {
	if t == TierInterpreter {
		return TierInterpreter
	}
	return t - 1
}

// HotTier is the hotness classification kept by the hotspot detector.
type HotTier uint8

const (
	Cold HotTier = iota
	Warm
	Hot
)

func (h HotTier) String() string {
	switch h {
	case Cold:
		return "cold"
	case Warm:
		return "warm"
	case Hot:
		return "hot"
	}
	return fmt.Sprintf("hot%d", h)
}

// CompileTier returns the tier a block of this hotness should be compiled at.
func (h HotTier) CompileTier() CompileTier {
	switch h {
	case Warm:
		return TierBaseline
	case Hot:
		return TierOptimized
	}
	return TierInterpreter
}

// BlockState tracks a single block through the dispatcher.
type BlockState uint8

const (
	StateUncompiled BlockState = iota
	StateInterpreting
	StateBaselineCompiled
	StateOptimizedCompiled
	StateInvalidated
)

var blockStateNames = [...]string{"uncompiled", "interpreting", "baseline", "optimized", "invalidated"}

func (s BlockState) String() string {
	if int(s) < len(blockStateNames) {
		return blockStateNames[s]
	}
	return fmt.Sprintf("state%d", s)
}

// StateForTier maps a compile tier to the state a block reaches when code for
// that tier is installed.
func StateForTier(t CompileTier) BlockState {
	switch t {
	case TierBaseline:
		return StateBaselineCompiled
	case TierOptimized:
		return StateOptimizedCompiled
	}
	return StateInterpreting
}

// CompiledBlockMetadata is the per-block compilation record persisted across
// runs. It carries no executable content.
type CompiledBlockMetadata struct {
	IRHash       uint64    `json:"ir_hash"`
	CodeSize     uint64    `json:"code_size"`
	LastCompiled time.Time `json:"last_compiled"`
	CompileCount uint32    `json:"compile_count"`
}

// Equal compares metadata with LastCompiled at nanosecond resolution, which is
// what survives persistence.
func (m CompiledBlockMetadata) Equal(o CompiledBlockMetadata) bool {
	return m.IRHash == o.IRHash && m.CodeSize == o.CodeSize && m.CompileCount == o.CompileCount &&
		m.LastCompiled.UnixNano() == o.LastCompiled.UnixNano()
}
