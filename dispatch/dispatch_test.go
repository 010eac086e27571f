package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/decoder"
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// mov rcx, 100; xor rax, rax; loop: add rax, rcx; sub rcx, 1; jne loop; int3
var sumLoop = []byte{
	0x48, 0xc7, 0xc1, 0x64, 0x00, 0x00, 0x00,
	0x48, 0x31, 0xc0,
	0x48, 0x01, 0xc8,
	0x48, 0x83, 0xe9, 0x01,
	0x75, 0xf7,
	0xcc,
}

const (
	sumEntry types.GuestAddress = 0x1000
	sumBody  types.GuestAddress = 0x100a
)

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Hotspot.HotThreshold = 50
	cfg.Dispatch.Workers = 2
	return cfg
}

func sumLoopSource(t *testing.T) (*interp.FlatMemory, decoder.BlockSource) {
	t.Helper()
	mem := interp.NewFlatMemory(0x1000, 0x1000)
	require.NoError(t, mem.LoadBytes(0x1000, sumLoop))
	return mem, decoder.NewMemoryBlockSource(mem, decoder.NewX86Decoder(), 64)
}

// spinSource is a single block at 0x400 that increments r1 and jumps to
// itself.
func spinSource() decoder.BlockSource {
	b := decoder.NewProgramBuilder(types.ArchX86_64, 0x400)
	b.Emit(types.ADD, types.RegOp(1, 64), types.ImmOp(1))
	b.Emit(types.JMP, types.ImmOp(0x400))
	return b.Source()
}

func newDispatcher(t *testing.T, cfg config.Config, src decoder.BlockSource, mem interp.Memory, gen codegen.Generator, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(cfg, src, mem, gen, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func waitIdle(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.WaitIdle(ctx))
}

func TestRunSumLoopThroughTiers(t *testing.T) {
	mem, src := sumLoopSource(t)
	d := newDispatcher(t, testConfig(), src, mem, nil)

	for run := 0; run < 2; run++ {
		st := interp.NewState(uint64(sumEntry))
		last, blocks, err := d.Run(context.Background(), st, 0)
		require.NoError(t, err)
		assert.True(t, last.Trapped)
		assert.Equal(t, 101, blocks)
		assert.Equal(t, uint64(5050), st.Regs[0], "run %d", run)
		assert.Equal(t, uint64(303), st.Retired, "run %d", run)
		waitIdle(t, d)
	}

	assert.Equal(t, types.StateOptimizedCompiled, d.BlockState(sumBody))
	assert.Equal(t, types.StateInterpreting, d.BlockState(sumEntry))
	assert.Equal(t, types.StateUncompiled, d.BlockState(0x5000))
	assert.Equal(t, types.Hot, d.Hotspot().TierOf(sumBody))

	s := d.GetCacheStats()
	assert.Equal(t, 1, s.CachedBlocks)
	assert.Positive(t, s.TotalSizeBytes)
	assert.Equal(t, uint64(1), s.BaselineCompiles)
	assert.Equal(t, uint64(1), s.OptimizedCompiles)
	assert.Equal(t, uint64(202), s.Dispatches)
	assert.Greater(t, s.HitRate, 0.5)
	assert.Zero(t, s.CompileFailures)
	require.NotNil(t, s.Codegen)
	assert.Equal(t, uint64(1), s.Codegen.Released, "baseline code released on promotion")
}

func TestConcurrentVCPUs(t *testing.T) {
	mem, src := sumLoopSource(t)
	cfg := testConfig()
	cfg.Dispatch.SyncBaseline = false
	d := newDispatcher(t, cfg, src, mem, nil)

	var wg sync.WaitGroup
	sums := make([]uint64, 8)
	for i := range sums {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st := interp.NewState(uint64(sumEntry))
			if _, _, err := d.Run(context.Background(), st, 0); err == nil {
				sums[i] = st.Regs[0]
			}
		}(i)
	}
	wg.Wait()
	for i, s := range sums {
		assert.Equal(t, uint64(5050), s, "vcpu %d", i)
	}
}

// failingGen fails every compile at one tier.
type failingGen struct {
	codegen.Generator
	tier  types.CompileTier
	calls atomic.Int32
}

func (g *failingGen) Generate(ctx context.Context, b *types.IRBlock, tier types.CompileTier) (codegen.CodeHandle, error) {
	if tier == g.tier {
		g.calls.Add(1)
		return nil, &vmerrors.CompilationError{Tier: tier, Addr: b.StartPC, Err: vmerrors.ErrGeneratorFault}
	}
	return g.Generator.Generate(ctx, b, tier)
}

func TestOptimizedFailureFallsBackToBaseline(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.SyncBaseline = false
	gen := &failingGen{Generator: codegen.NewClosureGenerator(cfg.Codegen), tier: types.TierOptimized}
	d := newDispatcher(t, cfg, spinSource(), nil, gen)

	d.Hotspot().Seed(0x400, types.Hot)
	st := interp.NewState(0x400)
	r := d.Dispatch(0x400, st)
	require.NoError(t, r.Err)
	assert.Equal(t, types.TierInterpreter, r.Tier)
	assert.Equal(t, uint64(0x400), r.Next)
	waitIdle(t, d)

	assert.Equal(t, types.StateBaselineCompiled, d.BlockState(0x400))
	for i := 0; i < 20; i++ {
		r = d.Dispatch(0x400, st)
		require.NoError(t, r.Err)
		assert.Equal(t, types.TierBaseline, r.Tier)
	}
	waitIdle(t, d)
	assert.Equal(t, int32(1), gen.calls.Load(), "a failed tier is not retried")
	assert.Equal(t, uint64(21), st.Regs[1])

	s := d.GetCacheStats()
	assert.Equal(t, uint64(1), s.Fallbacks)
	assert.Equal(t, uint64(1), s.BaselineCompiles)
	assert.Zero(t, s.OptimizedCompiles)
}

func TestFailedCompileKeepsInterpreting(t *testing.T) {
	cfg := testConfig()
	gen := &failingGen{Generator: codegen.NewClosureGenerator(cfg.Codegen), tier: types.TierBaseline}
	d := newDispatcher(t, cfg, spinSource(), nil, gen)

	st := interp.NewState(0x400)
	for i := 0; i < 30; i++ {
		r := d.Dispatch(0x400, st)
		require.NoError(t, r.Err)
		assert.Equal(t, types.TierInterpreter, r.Tier)
	}
	assert.Equal(t, uint64(30), st.Regs[1])
	assert.Equal(t, types.StateInterpreting, d.BlockState(0x400))
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, uint64(1), d.GetCacheStats().CompileFailures)
}

// gatedGen holds every compile until gate is closed or ctx is cancelled.
type gatedGen struct {
	inner   codegen.Generator
	started chan struct{}
	gate    chan struct{}
}

func newGatedGen(cfg config.CodegenConfig) *gatedGen {
	return &gatedGen{
		inner:   codegen.NewClosureGenerator(cfg),
		started: make(chan struct{}, 16),
		gate:    make(chan struct{}),
	}
}

func (g *gatedGen) Generate(ctx context.Context, b *types.IRBlock, tier types.CompileTier) (codegen.CodeHandle, error) {
	g.started <- struct{}{}
	select {
	case <-ctx.Done():
		return nil, &vmerrors.CompilationError{Tier: tier, Addr: b.StartPC, Err: vmerrors.ErrCompileCancelled}
	case <-g.gate:
	}
	return g.inner.Generate(ctx, b, tier)
}

func TestCancelledCompileNeverInserts(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.SyncBaseline = false
	gen := newGatedGen(cfg.Codegen)
	d, err := New(cfg, spinSource(), nil, gen)
	require.NoError(t, err)

	d.Hotspot().Seed(0x400, types.Warm)
	st := interp.NewState(0x400)
	require.NoError(t, d.Dispatch(0x400, st).Err)
	<-gen.started

	require.NoError(t, d.Close())
	assert.Zero(t, d.CodeCache().Len())
	assert.Equal(t, types.StateInterpreting, d.BlockState(0x400))
	s := d.GetCacheStats()
	assert.Equal(t, uint64(1), s.CompileFailures)
	assert.Zero(t, s.BaselineCompiles)

	// A closed dispatcher still executes, by interpretation.
	r := d.Dispatch(0x400, st)
	require.NoError(t, r.Err)
	assert.Equal(t, types.TierInterpreter, r.Tier)
}

func TestFlushDiscardsCompilesInFlight(t *testing.T) {
	cfg := testConfig()
	cfg.Dispatch.SyncBaseline = false
	gen := newGatedGen(cfg.Codegen)
	d := newDispatcher(t, cfg, spinSource(), nil, gen)

	d.Hotspot().Seed(0x400, types.Warm)
	st := interp.NewState(0x400)
	require.NoError(t, d.Dispatch(0x400, st).Err)
	<-gen.started

	d.FlushAllCaches()
	close(gen.gate)
	waitIdle(t, d)

	assert.Zero(t, d.CodeCache().Len())
	assert.Equal(t, types.StateUncompiled, d.BlockState(0x400))
	s := d.GetCacheStats()
	assert.Equal(t, uint64(1), s.StaleResults)
	assert.Equal(t, uint64(1), gen.inner.(*codegen.ClosureGenerator).Stats().Released)
}

func TestInvalidateRange(t *testing.T) {
	d := newDispatcher(t, testConfig(), spinSource(), nil, nil)
	st := interp.NewState(0x400)
	for i := 0; i < 12; i++ {
		require.NoError(t, d.Dispatch(0x400, st).Err)
	}
	require.Equal(t, types.StateBaselineCompiled, d.BlockState(0x400))
	require.Equal(t, 1, d.CodeCache().Len())

	assert.Zero(t, d.InvalidateRange(0x100000, 8))
	assert.Zero(t, d.InvalidateRange(0x400, 0))
	assert.Equal(t, uint64(1), d.GetCacheStats().RangeSkips)

	assert.Equal(t, 1, d.InvalidateRange(0x3ff, 2))
	assert.Equal(t, types.StateInvalidated, d.BlockState(0x400))
	assert.Zero(t, d.CodeCache().Len())
	assert.Equal(t, types.Cold, d.Hotspot().TierOf(0x400))

	r := d.Dispatch(0x400, st)
	require.NoError(t, r.Err)
	assert.Equal(t, types.TierInterpreter, r.Tier)
	assert.Equal(t, types.StateInterpreting, r.State)
	assert.Equal(t, uint64(13), st.Regs[1])
}

func TestSelfModifyingWritesInvalidate(t *testing.T) {
	mem, src := sumLoopSource(t)
	d := newDispatcher(t, testConfig(), src, mem, nil)
	mem.OnWrite(func(addr uint64, size int) {
		d.InvalidateRange(types.GuestAddress(addr), uint64(size))
	})

	st := interp.NewState(uint64(sumEntry))
	_, _, err := d.Run(context.Background(), st, 0)
	require.NoError(t, err)
	waitIdle(t, d)
	require.Equal(t, types.StateOptimizedCompiled, d.BlockState(sumBody))

	// sub rcx, 1 becomes sub rcx, 2: the loop now sums 100+98+...+2.
	require.NoError(t, mem.Write(0x1010, 2, 1))
	assert.Equal(t, types.StateInvalidated, d.BlockState(sumBody))

	st = interp.NewState(uint64(sumEntry))
	_, _, err = d.Run(context.Background(), st, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(2550), st.Regs[0])
}

func TestCompiledFaultStopsAtFaultingInstruction(t *testing.T) {
	mem := interp.NewFlatMemory(0x8000, 0x100)
	b := decoder.NewProgramBuilder(types.ArchX86_64, 0x400)
	b.Emit(types.ADD, types.RegOp(1, 64), types.ImmOp(1))
	b.Emit(types.LOAD, types.RegOp(2, 64), types.MemOp(3, types.NoReg, 1, 0, 64))
	b.Emit(types.JMP, types.ImmOp(0x400))
	insts := b.Instructions()
	d := newDispatcher(t, testConfig(), b.Source(), mem, nil)

	st := interp.NewState(0x400)
	st.Regs[3] = 0x8000
	_, _, err := d.Run(context.Background(), st, 100)
	require.NoError(t, err)
	waitIdle(t, d)
	require.Equal(t, types.StateOptimizedCompiled, d.BlockState(0x400))

	st.Regs[3] = 0x100000
	want := st.Clone()
	_, err = interp.RunBlock(insts, want, mem)
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)

	r := d.Dispatch(0x400, st)
	require.ErrorIs(t, r.Err, vmerrors.ErrMemoryFault)
	assert.Equal(t, types.TierOptimized, r.Tier)
	assert.Equal(t, insts[1].PC, r.Next)
	if !want.ArchEqual(st) {
		t.Fatalf("compiled fault state\nwant %s\ngot  %s", want, st)
	}
	assert.Equal(t, want.Retired, st.Retired)
}

func TestConcurrentPublishNeverDowngrades(t *testing.T) {
	d := newDispatcher(t, testConfig(), spinSource(), nil, nil)
	ctx := context.Background()
	for round := 0; round < 50; round++ {
		d.InvalidateRange(0x400, 1)
		info, _ := d.info(0x400)
		compile := func(tier types.CompileTier) result {
			r := d.build(ctx, job{addr: 0x400, tier: tier, epoch: d.epoch.Load(), gen: info.gen.Load(), queued: time.Now()})
			require.NoError(t, r.err)
			return r
		}
		results := []result{compile(types.TierBaseline), compile(types.TierOptimized)}

		var wg sync.WaitGroup
		start := make(chan struct{})
		for _, r := range results {
			wg.Add(1)
			go func(r result) {
				defer wg.Done()
				<-start
				d.publish(r)
			}(r)
		}
		close(start)
		wg.Wait()

		require.Equal(t, types.StateOptimizedCompiled, d.BlockState(0x400), "round %d", round)
		e, ok := d.CodeCache().LookupEntry(0x400)
		require.True(t, ok)
		require.Equal(t, types.TierOptimized, e.Tier, "round %d", round)
	}
}

func TestDispatchReportsGuestFaults(t *testing.T) {
	mem := interp.NewFlatMemory(0x8000, 0x100)
	b := decoder.NewProgramBuilder(types.ArchX86_64, 0x400)
	b.Emit(types.LOAD, types.RegOp(1, 64), types.MemOp(3, types.NoReg, 1, 0, 64))
	b.Emit(types.JMP, types.ImmOp(0x400))
	d := newDispatcher(t, testConfig(), b.Source(), mem, nil)

	st := interp.NewState(0x400)
	st.Regs[3] = 0x100000
	_, n, err := d.Run(context.Background(), st, 10)
	require.ErrorIs(t, err, vmerrors.ErrMemoryFault)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint64(0x400), st.PC)

	r := d.Dispatch(0x9999, st)
	require.ErrorIs(t, r.Err, vmerrors.ErrNoBlock)
	assert.Equal(t, uint64(2), d.GetCacheStats().Faults)

	st.Regs[3] = 0x8000
	_, n, err = d.Run(context.Background(), st, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, n, err = d.Run(ctx, st, 0)
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestCompileSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer tp.Shutdown(context.Background())

	mem, src := sumLoopSource(t)
	d := newDispatcher(t, testConfig(), src, mem, nil, WithTracerProvider(tp))
	_, _, err := d.Run(context.Background(), interp.NewState(uint64(sumEntry)), 0)
	require.NoError(t, err)
	waitIdle(t, d)

	tiers := map[string]int{}
	runs := 0
	for _, s := range sr.Ended() {
		switch s.Name() {
		case "dispatch.run":
			runs++
		case "dispatch.compile":
			for _, kv := range s.Attributes() {
				if kv.Key == "tier" {
					tiers[kv.Value.AsString()]++
				}
			}
		}
	}
	assert.Equal(t, 1, runs)
	assert.Equal(t, map[string]int{"baseline": 1, "optimized": 1}, tiers)
}

func TestMetadataPrewarm(t *testing.T) {
	cfg := testConfig()
	cfg.Metadata = config.MetadataConfig{Enabled: true, Backend: "file", Dir: t.TempDir()}

	mem, src := sumLoopSource(t)
	d, err := New(cfg, src, mem, nil)
	require.NoError(t, err)
	_, _, err = d.Run(context.Background(), interp.NewState(uint64(sumEntry)), 0)
	require.NoError(t, err)
	waitIdle(t, d)
	m, ok := d.Metadata().Load(sumBody)
	require.True(t, ok)
	assert.Equal(t, uint32(2), m.CompileCount)
	_, ok = d.Metadata().Load(sumEntry)
	assert.False(t, ok, "blocks that never compiled are not recorded")
	require.NoError(t, d.Close())

	d = newDispatcher(t, cfg, src, mem, nil)
	n, err := d.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, types.StateBaselineCompiled, d.BlockState(sumBody))
	assert.Equal(t, types.Warm, d.Hotspot().TierOf(sumBody))

	st := interp.NewState(uint64(sumEntry))
	_, _, err = d.Run(context.Background(), st, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(5050), st.Regs[0])
	s := d.GetCacheStats()
	require.NotNil(t, s.Metadata)
	assert.Equal(t, 1, s.Metadata.Loaded)

	// Content changed since the metadata was written: no prewarm.
	require.NoError(t, d.Close())
	require.NoError(t, mem.Write(0x1010, 2, 1))
	d = newDispatcher(t, cfg, src, mem, nil)
	n, err = d.Prewarm(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NotEqual(t, types.StateBaselineCompiled, d.BlockState(sumBody))
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.CodeCache.Shards = 3
	_, err := New(cfg, spinSource(), nil, nil)
	assert.Error(t, err)
	_, err = New(testConfig(), nil, nil, nil)
	assert.Error(t, err)
}
