// Package codegen turns IR blocks into executable code handles.
//
// Generator is the pluggable boundary to a native backend. ClosureGenerator
// is the portable backend: every IR op is lowered to a Go closure, and the
// optimizing tier runs a few IR passes first.
package codegen

import (
	"context"
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/interp"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// CodeHandle is executable code for one block at one tier. Execute may still
// be running on other vCPUs when Release is called; Release only returns the
// code's budget to the generator.
type CodeHandle interface {
	Execute(st *interp.State, mem interp.Memory) (interp.Exit, error)
	Size() int
	Tier() types.CompileTier
	Release()
}

type Generator interface {
	Generate(ctx context.Context, b *types.IRBlock, tier types.CompileTier) (CodeHandle, error)
}

type Stats struct {
	Baseline     uint64 `json:"baseline"`
	Optimized    uint64 `json:"optimized"`
	Failures     uint64 `json:"failures"`
	Released     uint64 `json:"released"`
	LiveBytes    int64  `json:"live_bytes"`
	Budget       int64  `json:"budget"`
	OpsRemoved   uint64 `json:"ops_removed"`
	OpsFolded    uint64 `json:"ops_folded"`
	FlagsDropped uint64 `json:"flags_dropped"`
}

// ClosureGenerator is safe for concurrent use.
type ClosureGenerator struct {
	budget     int64
	bytesPerOp int

	live       atomic.Int64
	baseline   atomic.Uint64
	optimized  atomic.Uint64
	failures   atomic.Uint64
	released   atomic.Uint64
	opsRemoved atomic.Uint64
	opsFolded  atomic.Uint64
	flagsDrop  atomic.Uint64
}

func NewClosureGenerator(cfg config.CodegenConfig) *ClosureGenerator {
	bpo := cfg.BytesPerOp
	if bpo <= 0 {
		bpo = config.DefaultCodegenConfig().BytesPerOp
	}
	return &ClosureGenerator{budget: int64(cfg.CodeBudget), bytesPerOp: bpo}
}

func (g *ClosureGenerator) fail(b *types.IRBlock, tier types.CompileTier, err error) error {
	g.failures.Add(1)
	return &vmerrors.CompilationError{Tier: tier, Addr: b.StartPC, Err: err}
}

// reserve takes size bytes from the code budget.
func (g *ClosureGenerator) reserve(size int) bool {
	for {
		cur := g.live.Load()
		next := cur + int64(size)
		if g.budget > 0 && next > g.budget {
			return false
		}
		if g.live.CompareAndSwap(cur, next) {
			return true
		}
	}
}

func (g *ClosureGenerator) Generate(ctx context.Context, b *types.IRBlock, tier types.CompileTier) (CodeHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, g.fail(b, tier, vmerrors.ErrCompileCancelled)
	}
	if tier == types.TierInterpreter {
		return nil, g.fail(b, tier, vmerrors.ErrGeneratorFault)
	}
	src := b
	if tier == types.TierOptimized {
		var st OptStats
		src, st = Optimize(b)
		g.opsRemoved.Add(uint64(st.Removed))
		g.opsFolded.Add(uint64(st.Folded))
		g.flagsDrop.Add(uint64(st.FlagsDropped))
		if err := ctx.Err(); err != nil {
			return nil, g.fail(b, tier, vmerrors.ErrCompileCancelled)
		}
	}
	code, err := lower(src)
	if err != nil {
		return nil, g.fail(b, tier, err)
	}
	code.size = (len(code.steps) + 1) * g.bytesPerOp
	if !g.reserve(code.size) {
		log.Debug(log.CodegenMonitoring, "Codegen: budget exhausted", "addr", b.StartPC, "tier", tier, "size", code.size, "live", g.live.Load())
		return nil, g.fail(b, tier, vmerrors.ErrGeneratorExhausted)
	}
	code.tier = tier
	code.gen = g
	if tier == types.TierOptimized {
		g.optimized.Add(1)
	} else {
		g.baseline.Add(1)
	}
	log.Trace(log.CodegenMonitoring, "Codegen: generated", "addr", b.StartPC, "tier", tier, "ops", len(src.Ops), "size", code.size)
	return code, nil
}

func (g *ClosureGenerator) release(size int) {
	g.live.Add(-int64(size))
	g.released.Add(1)
}

func (g *ClosureGenerator) Stats() Stats {
	return Stats{
		Baseline:     g.baseline.Load(),
		Optimized:    g.optimized.Load(),
		Failures:     g.failures.Load(),
		Released:     g.released.Load(),
		LiveBytes:    g.live.Load(),
		Budget:       g.budget,
		OpsRemoved:   g.opsRemoved.Load(),
		OpsFolded:    g.opsFolded.Load(),
		FlagsDropped: g.flagsDrop.Load(),
	}
}
