// Package dispatch drives guest blocks through the execution tiers.
//
// Every block entry goes through Dispatch: cached code runs directly, a miss
// is interpreted once. Hotness decides which tier a block should run at, and
// compiles are requested without ever making the caller wait for them.
// Baseline compiles may run synchronously on the requesting vCPU; optimized
// compiles always go to the background pool. Any failure degrades to the next
// lower tier, with interpretation as the final fallback.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/vmcore/codecache"
	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/decoder"
	"github.com/colorfulnotion/vmcore/hotspot"
	"github.com/colorfulnotion/vmcore/interp"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/metastore"
	"github.com/colorfulnotion/vmcore/transcache"
	"github.com/colorfulnotion/vmcore/translator"
	"github.com/colorfulnotion/vmcore/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/colorfulnotion/vmcore/dispatch"

// ExecResult reports one block execution. Err is a guest fault or a block
// that could not be fetched; the guest state then still points at the block.
type ExecResult struct {
	Addr    types.GuestAddress `json:"addr"`
	Next    uint64             `json:"next"`
	Trapped bool               `json:"trapped"`
	Code    uint32             `json:"code"`
	Tier    types.CompileTier  `json:"tier"`  // tier that executed the block
	State   types.BlockState   `json:"state"` // block state after the execution
	Err     error              `json:"-"`
}

// blockInfo is the dispatcher's per-block state. Tier bit sets are indexed
// by CompileTier.
type blockInfo struct {
	mu      sync.Mutex // held by install
	state   atomic.Uint32
	gen     atomic.Uint64 // bumped on invalidation
	end     atomic.Uint64
	pending atomic.Uint32 // compiles in flight
	failed  atomic.Uint32 // tiers that failed since the last invalidation
}

func tierBit(t types.CompileTier) uint32 { return 1 << t }

// claim marks a compile of tier in flight and reports whether the caller won.
func (b *blockInfo) claim(t types.CompileTier) bool {
	return b.pending.Or(tierBit(t))&tierBit(t) == 0
}

func (b *blockInfo) release(t types.CompileTier) { b.pending.And(^tierBit(t)) }

func (b *blockInfo) State() types.BlockState { return types.BlockState(b.state.Load()) }

// compiled is the tier of the code installed for the block.
func (b *blockInfo) compiled() types.CompileTier {
	switch b.State() {
	case types.StateBaselineCompiled:
		return types.TierBaseline
	case types.StateOptimizedCompiled:
		return types.TierOptimized
	}
	return types.TierInterpreter
}

type Option func(*Dispatcher)

// WithTracerProvider sets where compile and run spans go. The default is the
// global otel provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// WithTranslationCaches shares translation caches between dispatchers.
func WithTranslationCaches(c *transcache.Caches) Option {
	return func(d *Dispatcher) { d.caches = c }
}

// Dispatcher is owned by one VM instance and safe for concurrent use by all
// of its vCPUs.
type Dispatcher struct {
	cfg    config.Config
	src    types.Architecture
	dst    types.Architecture
	source decoder.BlockSource
	mem    interp.Memory
	gen    codegen.Generator
	tracer trace.Tracer

	caches     *transcache.Caches
	baseline   *translator.Translator
	optimizing *translator.Translator
	hot        *hotspot.Detector
	code       *codecache.Cache
	meta       atomic.Pointer[metastore.Store]

	states  sync.Map // types.GuestAddress -> *blockInfo
	pages   pageSet
	invalMu sync.RWMutex // publication vs. invalidation
	epoch   atomic.Uint64
	pool    *pool

	counters
	closed atomic.Bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

type counters struct {
	dispatches    atomic.Uint64
	hits          atomic.Uint64
	misses        atomic.Uint64
	faults        atomic.Uint64
	compiles      [3]atomic.Uint64 // by tier
	failures      atomic.Uint64
	fallbacks     atomic.Uint64
	stale         atomic.Uint64
	insertErrors  atomic.Uint64
	invalidations atomic.Uint64
	rangeSkips    atomic.Uint64
}

// New builds a dispatcher. gen may be nil, in which case the closure
// generator configured by cfg.Codegen is used. Metadata is opened when
// cfg.Metadata.Enabled is set.
func New(cfg config.Config, source decoder.BlockSource, mem interp.Memory, gen codegen.Generator, opts ...Option) (*Dispatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil {
		return nil, errors.New("dispatch: nil block source")
	}
	src, _ := types.ParseArchitecture(cfg.Translator.SourceArch)
	dst, _ := types.ParseArchitecture(cfg.Translator.TargetArch)
	if gen == nil {
		gen = codegen.NewClosureGenerator(cfg.Codegen)
	}
	d := &Dispatcher{
		cfg:    cfg,
		src:    src,
		dst:    dst,
		source: source,
		mem:    mem,
		gen:    gen,
		tracer: otel.GetTracerProvider().Tracer(tracerName),
		hot:    hotspot.New(cfg.Hotspot),
		code:   codecache.New(cfg.CodeCache),
		pages:  pageSet{pages: make(map[uint64]struct{})},
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	if d.caches == nil {
		d.caches = transcache.New(cfg.TranslationCache)
	}
	base := translator.New(cfg.Translator, d.caches, translator.WithMemory(mem))
	d.baseline = base.With(translator.WithFusion(false))
	d.optimizing = base.With(translator.WithFusion(true))
	d.pool = newPool(cfg.Dispatch.Workers, cfg.Dispatch.QueueSize, d.build, d.publish)

	if iv := cfg.Dispatch.DecayInterval.D(); iv > 0 {
		d.wg.Add(1)
		go d.decayLoop(iv)
	}
	if cfg.Metadata.Enabled {
		if err := d.EnableMetadataCache(cfg.Metadata); err != nil {
			d.Close()
			return nil, err
		}
	}
	log.Info(log.DispatchMonitoring, "Dispatcher: started", "src", src, "dst", dst,
		"workers", cfg.Dispatch.Workers, "syncBaseline", cfg.Dispatch.SyncBaseline)
	return d, nil
}

func (d *Dispatcher) info(addr types.GuestAddress) (*blockInfo, bool) {
	if v, ok := d.states.Load(addr); ok {
		return v.(*blockInfo), false
	}
	v, loaded := d.states.LoadOrStore(addr, new(blockInfo))
	return v.(*blockInfo), !loaded
}

// BlockState returns where addr is in its lifecycle.
func (d *Dispatcher) BlockState(addr types.GuestAddress) types.BlockState {
	if v, ok := d.states.Load(addr); ok {
		return v.(*blockInfo).State()
	}
	return types.StateUncompiled
}

// Dispatch executes the block at addr on st. It never blocks on a compile.
func (d *Dispatcher) Dispatch(addr types.GuestAddress, st *interp.State) ExecResult {
	d.dispatches.Add(1)
	st.PC = uint64(addr)
	info, fresh := d.info(addr)
	if fresh {
		d.seedFromMetadata(addr)
	}
	hotTier, promoted := d.hot.RecordExecution(addr)
	if promoted {
		log.Debug(log.DispatchMonitoring, "Dispatcher: promoted", "addr", addr, "tier", hotTier)
	}
	want := hotTier.CompileTier()

	if h, ok := d.code.Lookup(addr); ok {
		d.hits.Add(1)
		exit, err := h.Execute(st, d.mem)
		if want > h.Tier() {
			d.request(addr, info, want, nil)
		}
		return d.result(addr, info, st, exit, h.Tier(), err)
	}

	d.misses.Add(1)
	insts, err := d.source.FetchBlock(uint64(addr))
	if err != nil {
		d.faults.Add(1)
		return ExecResult{Addr: addr, Next: st.PC, Tier: types.TierInterpreter, State: info.State(), Err: err}
	}
	d.markInterpreting(addr, info, insts)
	exit, err := interp.RunBlock(insts, st, d.mem)
	if want > types.TierInterpreter {
		d.request(addr, info, want, insts)
	}
	return d.result(addr, info, st, exit, types.TierInterpreter, err)
}

func (d *Dispatcher) result(addr types.GuestAddress, info *blockInfo, st *interp.State, exit interp.Exit, tier types.CompileTier, err error) ExecResult {
	r := ExecResult{Addr: addr, Next: exit.Next, Trapped: exit.Trapped, Code: exit.Code, Tier: tier, State: info.State()}
	if err != nil {
		d.faults.Add(1)
		r.Next = st.PC
		r.Err = err
	}
	return r
}

// markInterpreting records a code cache miss. A block that was compiled
// before has lost its code to eviction and goes back to Interpreting too,
// unless code was installed since the miss.
func (d *Dispatcher) markInterpreting(addr types.GuestAddress, info *blockInfo, insts []types.Instruction) {
	if info.State() == types.StateInterpreting {
		return
	}
	info.mu.Lock()
	if _, ok := d.code.LookupEntry(addr); ok {
		info.mu.Unlock()
		return
	}
	prev := info.state.Swap(uint32(types.StateInterpreting))
	info.mu.Unlock()
	if prev == uint32(types.StateInterpreting) {
		return
	}
	end := insts[len(insts)-1].NextPC()
	info.end.Store(end)
	d.pages.add(uint64(addr), end)
}

// request asks for addr to be compiled at tier unless that compile is in
// flight or already failed.
func (d *Dispatcher) request(addr types.GuestAddress, info *blockInfo, tier types.CompileTier, insts []types.Instruction) {
	if d.closed.Load() || info.failed.Load()&tierBit(tier) != 0 || info.compiled() >= tier {
		return
	}
	if !info.claim(tier) {
		return
	}
	j := job{
		addr:   addr,
		tier:   tier,
		insts:  insts,
		epoch:  d.epoch.Load(),
		gen:    info.gen.Load(),
		queued: time.Now(),
	}
	if tier == types.TierBaseline && d.cfg.Dispatch.SyncBaseline {
		d.publish(d.build(context.Background(), j))
		return
	}
	if !d.pool.submit(j) {
		info.release(tier)
		log.Debug(log.DispatchMonitoring, "Dispatcher: compile queue full", "addr", addr, "tier", tier)
	}
}

// Run dispatches blocks starting at st.PC until the guest traps, a block
// fails, ctx is done or maxBlocks blocks ran (0 = no limit).
func (d *Dispatcher) Run(ctx context.Context, st *interp.State, maxBlocks int) (ExecResult, int, error) {
	ctx, span := d.tracer.Start(ctx, "dispatch.run", trace.WithAttributes(
		attribute.String("entry", types.GuestAddress(st.PC).String()),
	))
	defer span.End()

	var last ExecResult
	n := 0
	for maxBlocks <= 0 || n < maxBlocks {
		if err := ctx.Err(); err != nil {
			span.SetAttributes(attribute.Int("blocks", n))
			return last, n, err
		}
		last = d.Dispatch(types.GuestAddress(st.PC), st)
		n++
		if last.Err != nil {
			span.RecordError(last.Err)
			span.SetAttributes(attribute.Int("blocks", n))
			return last, n, fmt.Errorf("block %s: %w", last.Addr, last.Err)
		}
		if last.Trapped {
			break
		}
	}
	span.SetAttributes(attribute.Int("blocks", n), attribute.Bool("trapped", last.Trapped))
	return last, n, nil
}

func (d *Dispatcher) decayLoop(interval time.Duration) {
	defer d.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.hot.Decay()
		case <-d.stopCh:
			return
		}
	}
}

// WaitIdle blocks until every background compile submitted so far has been
// published or discarded.
func (d *Dispatcher) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !d.pool.idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func (d *Dispatcher) Hotspot() *hotspot.Detector  { return d.hot }
func (d *Dispatcher) CodeCache() *codecache.Cache { return d.code }
func (d *Dispatcher) Metadata() *metastore.Store  { return d.meta.Load() }

// Translator returns the optimizing translator; its counters are shared with
// the baseline one.
func (d *Dispatcher) Translator() *translator.Translator { return d.optimizing }

// Close cancels background compiles, waits for the pool and closes the
// metadata store, flushing it.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.stopCh)
	d.wg.Wait()
	d.pool.close()
	var err error
	if m := d.meta.Swap(nil); m != nil {
		err = m.Close()
	}
	log.Info(log.DispatchMonitoring, "Dispatcher: closed", "dispatches", d.dispatches.Load(),
		"cached", d.code.Len(), "dropped", d.pool.dropped.Load())
	return err
}
