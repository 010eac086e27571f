package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/colorfulnotion/vmcore/codecache"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var errStaleMetadata = errors.New("recorded content hash does not match the block")

// build translates and generates code for j. The content hash of a block is
// the hash of its baseline IR, whatever tier it is compiled at, so that
// hashes recorded by different tiers agree. An optimized compile that fails
// is retried at baseline unless baseline code is already installed.
func (d *Dispatcher) build(ctx context.Context, j job) (r result) {
	ctx, span := d.tracer.Start(ctx, "dispatch.compile", trace.WithAttributes(
		attribute.String("block", j.addr.String()),
		attribute.String("tier", j.tier.String()),
		attribute.Int64("queued_us", time.Since(j.queued).Microseconds()),
	))
	defer span.End()

	start := time.Now()
	r = result{job: j, tier: j.tier}
	defer func() {
		r.cost = time.Since(start)
		if r.err != nil {
			span.RecordError(r.err)
			span.SetStatus(codes.Error, r.err.Error())
			return
		}
		span.SetAttributes(
			attribute.String("produced_tier", r.tier.String()),
			attribute.Int("code_size", r.handle.Size()),
		)
	}()

	insts := j.insts
	if insts == nil {
		if insts, r.err = d.source.FetchBlock(uint64(j.addr)); r.err != nil {
			return r
		}
	}
	base, err := d.baseline.TranslateBlock(d.src, d.dst, insts)
	if err != nil {
		r.err = err
		return r
	}
	r.irHash = base.ContentHash()
	r.end = types.GuestAddress(base.EndPC)
	if j.irHash != 0 && j.irHash != r.irHash {
		r.err = fmt.Errorf("%w: block %s", errStaleMetadata, j.addr)
		return r
	}

	for tier := j.tier; ; tier = tier.Lower() {
		r.tier = tier
		b := base
		if tier == types.TierOptimized {
			b, err = d.optimizing.TranslateBlock(d.src, d.dst, insts)
		}
		if err == nil {
			r.handle, err = d.gen.Generate(ctx, b, tier)
		}
		r.err = err
		if err == nil || tier == types.TierBaseline || ctx.Err() != nil || errors.Is(err, vmerrors.ErrCompileCancelled) {
			return r
		}
		if d.BlockState(j.addr) == types.StateBaselineCompiled {
			return r
		}
		d.fallbacks.Add(1)
		log.Warn(log.DispatchMonitoring, "Dispatcher: compile failed, falling back", "addr", j.addr, "tier", tier, "err", err)
		span.AddEvent("fallback", trace.WithAttributes(attribute.String("tier", tier.Lower().String())))
		err = nil
	}
}

// publish installs a built result. It runs on the collector goroutine, or on
// the requesting vCPU for synchronous baseline compiles and prewarming.
// Results that were cancelled, belong to an older flush epoch or block
// generation, or would downgrade installed code are released without being
// inserted.
func (d *Dispatcher) publish(r result) {
	j := r.job
	info, _ := d.info(j.addr)
	defer info.release(j.tier)

	if r.err != nil {
		d.failures.Add(1)
		switch {
		case errors.Is(r.err, vmerrors.ErrCompileCancelled) || errors.Is(r.err, context.Canceled):
			log.Debug(log.DispatchMonitoring, "Dispatcher: compile cancelled", "addr", j.addr, "tier", j.tier)
		case errors.Is(r.err, errStaleMetadata):
			log.Debug(log.DispatchMonitoring, "Dispatcher: skipping stale metadata", "addr", j.addr)
		default:
			info.failed.Or(tierBit(j.tier))
			log.Warn(log.DispatchMonitoring, "Dispatcher: compile failed, block stays interpreted", "addr", j.addr,
				"tier", j.tier, "category", vmerrors.Category(r.err), "err", r.err)
		}
		return
	}
	if r.tier < j.tier {
		info.failed.Or(tierBit(j.tier))
	}
	if !d.install(info, r) {
		return
	}

	if m := d.meta.Load(); m != nil {
		if _, err := m.RecordCompilation(j.addr, r.irHash, r.handle.Size()); err != nil {
			log.Debug(log.DispatchMonitoring, "Dispatcher: metadata not recorded", "addr", j.addr, "err", err)
		}
	}
	log.Debug(log.DispatchMonitoring, "Dispatcher: installed", "addr", j.addr, "tier", r.tier,
		"size", r.handle.Size(), "cost", r.cost)
}

// install inserts the code of r unless it is stale. Invalidation excludes it
// through invalMu; info.mu makes the tier check and the insert one step
// against other publishers of the same block.
func (d *Dispatcher) install(info *blockInfo, r result) bool {
	j := r.job
	d.invalMu.RLock()
	defer d.invalMu.RUnlock()
	info.mu.Lock()
	defer info.mu.Unlock()
	if d.closed.Load() || j.epoch != d.epoch.Load() || j.gen != info.gen.Load() || info.compiled() > r.tier {
		r.handle.Release()
		d.stale.Add(1)
		return false
	}
	if !d.hot.CheckContent(j.addr, r.irHash) {
		d.code.Invalidate(j.addr)
	}
	meta := codecache.Meta{Tier: r.tier, IRHash: r.irHash, End: r.end, CompileCost: r.cost}
	if err := d.code.Insert(j.addr, r.handle, meta); err != nil {
		d.insertErrors.Add(1)
		log.Warn(log.DispatchMonitoring, "Dispatcher: code cache insert failed", "addr", j.addr, "err", err)
		return false
	}
	d.hot.RecordCompile(j.addr, r.end, r.irHash)
	info.end.Store(uint64(r.end))
	d.pages.add(uint64(j.addr), uint64(r.end))
	info.state.Store(uint32(types.StateForTier(r.tier)))
	d.compiles[r.tier].Add(1)
	return true
}
