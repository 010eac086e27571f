package hotspot

import (
	"sync"
	"testing"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifteenExecutionsAreWarm(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	var promotions int
	for i := 0; i < 15; i++ {
		if _, promoted := d.RecordExecution(0x2000); promoted {
			promotions++
		}
	}
	assert.Equal(t, types.Warm, d.TierOf(0x2000))
	assert.False(t, d.IsHot(0x2000))
	assert.Equal(t, 1, promotions)

	c, ok := d.Counter(0x2000)
	require.True(t, ok)
	assert.Equal(t, uint32(15), c.Samples)
	assert.InDelta(t, 15.0, c.EWMA, 1e-9)
}

func TestHotAfterThresholdAndMonotonic(t *testing.T) {
	cfg := config.DefaultHotspotConfig()
	d := New(cfg)
	tiers := []types.HotTier{}
	for i := 0; i < int(cfg.HotThreshold)+1; i++ {
		tier, promoted := d.RecordExecution(0x3000)
		if promoted {
			tiers = append(tiers, tier)
		}
	}
	assert.Equal(t, []types.HotTier{types.Warm, types.Hot}, tiers)
	assert.True(t, d.IsHot(0x3000))

	for i := 0; i < 200; i++ {
		d.Decay()
	}
	c, _ := d.Counter(0x3000)
	assert.Less(t, c.EWMA, cfg.WarmThreshold)
	assert.Equal(t, types.Hot, d.TierOf(0x3000), "decay never lowers a tier")
	assert.Equal(t, uint64(200), d.Stats().Epochs)
}

func TestDecayIsExponential(t *testing.T) {
	cfg := config.DefaultHotspotConfig()
	d := New(cfg)
	for i := 0; i < 8; i++ {
		d.RecordExecution(0x10)
	}
	d.Decay()
	d.Decay()
	c, _ := d.Counter(0x10)
	assert.InDelta(t, 8*(1-cfg.Alpha)*(1-cfg.Alpha), c.EWMA, 1e-9)

	// 6.48 plus three executions stays cold, the fourth crosses the threshold.
	for i := 0; i < 3; i++ {
		d.RecordExecution(0x10)
	}
	assert.Equal(t, types.Cold, d.TierOf(0x10))
	d.RecordExecution(0x10)
	assert.Equal(t, types.Warm, d.TierOf(0x10))
}

func TestContentCheckInvalidates(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	for i := 0; i < 20; i++ {
		d.RecordExecution(0x4000)
	}
	d.RecordCompile(0x4000, 0x4010, 0xaaaa)
	assert.True(t, d.CheckContent(0x4000, 0xaaaa))
	assert.True(t, d.CheckContent(0x9999, 0x1), "unknown blocks pass")
	assert.Equal(t, types.Warm, d.TierOf(0x4000))

	assert.False(t, d.CheckContent(0x4000, 0xbbbb))
	assert.Equal(t, types.Cold, d.TierOf(0x4000))
	c, ok := d.Counter(0x4000)
	require.True(t, ok)
	assert.Zero(t, c.Samples)
	assert.Zero(t, c.IRHash)
	assert.Equal(t, uint64(1), d.Stats().Invalidations)
}

func TestInvalidateRange(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	for _, addr := range []types.GuestAddress{0x100, 0x200, 0x300} {
		for i := 0; i < 12; i++ {
			d.RecordExecution(addr)
		}
	}
	d.RecordCompile(0x100, 0x140, 1)
	d.RecordCompile(0x200, 0x240, 2)

	// [0x13c, 0x13d) hits only the tail of the first block.
	assert.Equal(t, 1, d.InvalidateRange(0x13c, 0x13d))
	assert.Equal(t, types.Cold, d.TierOf(0x100))
	assert.Equal(t, types.Warm, d.TierOf(0x200))

	// 0x300 has no recorded extent and is matched by its start only.
	assert.Equal(t, 0, d.InvalidateRange(0x301, 0x400))
	assert.Equal(t, 2, d.InvalidateRange(0x200, 0x301))
	assert.Equal(t, types.Cold, d.TierOf(0x300))
}

func TestSeed(t *testing.T) {
	cfg := config.DefaultHotspotConfig()
	d := New(cfg)
	assert.Equal(t, types.Cold, d.SeedTier(1))
	assert.Equal(t, types.Warm, d.SeedTier(cfg.SeedWarmCompileCnt))
	assert.Equal(t, types.Hot, d.SeedTier(cfg.SeedHotCompileCnt+3))

	d.Seed(0x500, types.Warm)
	assert.Equal(t, types.Warm, d.TierOf(0x500))
	d.Seed(0x500, types.Cold)
	assert.Equal(t, types.Warm, d.TierOf(0x500), "seeding never lowers")

	c, _ := d.Counter(0x500)
	assert.Equal(t, cfg.WarmThreshold, c.EWMA)
	assert.Zero(t, c.Samples)

	tier, promoted := d.RecordExecution(0x500)
	assert.Equal(t, types.Warm, tier)
	assert.False(t, promoted)
}

func TestHotBlocksAndFlush(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	for i, addr := range []types.GuestAddress{0x10, 0x20, 0x30} {
		for n := 0; n < (i+1)*5; n++ {
			d.RecordExecution(addr)
		}
	}
	top := d.HotBlocks(2)
	require.Len(t, top, 2)
	assert.Equal(t, types.GuestAddress(0x30), top[0].Addr)
	assert.Equal(t, types.GuestAddress(0x20), top[1].Addr)
	assert.Len(t, d.HotBlocks(0), 3)

	snap := d.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, types.GuestAddress(0x10), snap[0].Addr)
	st := d.Stats()
	assert.Equal(t, 3, st.Tracked)
	assert.Equal(t, 2, st.Warm)
	assert.Equal(t, uint64(30), st.Executions)

	d.Flush()
	assert.Empty(t, d.Snapshot())
	_, ok := d.Counter(0x30)
	assert.False(t, ok)
}

func TestConcurrentRecording(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	const workers, per = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < per; i++ {
				d.RecordExecution(types.GuestAddress(0x1000 + 0x10*(i%16)))
				_ = d.TierOf(types.GuestAddress(0x1000 + 0x10*(w%16)))
			}
		}(w)
	}
	wg.Wait()
	var total uint32
	for _, c := range d.Snapshot() {
		total += c.Samples
	}
	assert.Equal(t, uint32(workers*per), total)
	assert.Len(t, d.Snapshot(), 16)
}

func TestManyBlocksCreatedConcurrently(t *testing.T) {
	d := New(config.DefaultHotspotConfig())
	const workers, blocks = 8, 20000
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < blocks; i++ {
				d.RecordExecution(types.GuestAddress(0x100000 + 4*i))
			}
		}()
	}
	wg.Wait()
	s := d.Stats()
	assert.Equal(t, blocks, s.Tracked)
	assert.Equal(t, uint64(workers*blocks), s.Executions)
	for _, addr := range []types.GuestAddress{0x100000, 0x100000 + 4*(blocks/2), 0x100000 + 4*(blocks-1)} {
		c, ok := d.Counter(addr)
		require.True(t, ok)
		assert.Equal(t, uint32(workers), c.Samples, "one counter per block")
	}

	d.Flush()
	assert.Zero(t, d.Stats().Tracked)
	d.RecordExecution(0x100000)
	c, _ := d.Counter(0x100000)
	assert.Equal(t, uint32(1), c.Samples)
}
