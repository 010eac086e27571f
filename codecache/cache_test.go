package codecache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	id       int
	size     int
	tier     types.CompileTier
	released atomic.Int32
}

func (h *fakeHandle) Execute(st *interp.State, _ interp.Memory) (interp.Exit, error) {
	return interp.Exit{Next: uint64(h.id)}, nil
}
func (h *fakeHandle) Size() int               { return h.size }
func (h *fakeHandle) Tier() types.CompileTier { return h.tier }
func (h *fakeHandle) Release()                { h.released.Add(1) }

func handle(id int) *fakeHandle {
	return &fakeHandle{id: id, size: 64, tier: types.TierBaseline}
}

func oneShard(capacity int) config.CodeCacheConfig {
	cfg := config.DefaultCodeCacheConfig()
	cfg.Shards = 1
	cfg.ShardCapacity = capacity
	cfg.Seed = 7
	return cfg
}

func TestLookupInsertInvalidate(t *testing.T) {
	c := New(config.DefaultCodeCacheConfig())
	h := handle(1)
	_, ok := c.Lookup(0x1000)
	assert.False(t, ok)

	require.NoError(t, c.Insert(0x1000, h, Meta{Tier: types.TierBaseline, IRHash: 9, End: 0x1010}))
	got, ok := c.Lookup(0x1000)
	require.True(t, ok)
	assert.Same(t, h, got)

	e, ok := c.LookupEntry(0x1000)
	require.True(t, ok)
	assert.Equal(t, uint64(1), e.AccessCount)
	assert.Equal(t, uint64(9), e.IRHash)
	assert.Equal(t, 64, e.CodeSize)

	assert.True(t, c.Invalidate(0x1000))
	assert.False(t, c.Invalidate(0x1000))
	_, ok = c.Lookup(0x1000)
	assert.False(t, ok)
	assert.Equal(t, int32(1), h.released.Load())

	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(2), st.Misses)
	assert.Equal(t, uint64(1), st.Invalidations)
	assert.Zero(t, st.Entries)
	assert.Zero(t, st.Bytes)
}

func TestPromotionSwapsHandle(t *testing.T) {
	c := New(config.DefaultCodeCacheConfig())
	base := handle(1)
	opt := &fakeHandle{id: 2, size: 32, tier: types.TierOptimized}
	require.NoError(t, c.Insert(0x40, base, Meta{Tier: types.TierBaseline}))

	inFlight, _ := c.Lookup(0x40)
	require.NoError(t, c.Insert(0x40, opt, Meta{Tier: types.TierOptimized}))

	got, ok := c.Lookup(0x40)
	require.True(t, ok)
	assert.Same(t, opt, got)
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, int32(1), base.released.Load())

	// The released handle can still finish for a reader that already had it.
	exit, err := inFlight.Execute(nil, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), exit.Next)

	e, _ := c.LookupEntry(0x40)
	assert.Equal(t, types.TierOptimized, e.Tier)
	assert.Equal(t, uint64(2), e.AccessCount, "access count survives the swap")
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Promotions)
	assert.Equal(t, int64(32), st.Bytes)
}

func TestEvictionKeepsRecentEntries(t *testing.T) {
	c := New(oneShard(100))
	handles := make([]*fakeHandle, 150)
	for i := range handles {
		handles[i] = handle(i)
		require.NoError(t, c.Insert(types.GuestAddress(0x1000+16*i), handles[i], Meta{}))
		assert.LessOrEqual(t, c.ShardLen(0), 100)
	}
	assert.LessOrEqual(t, c.Len(), 100)
	for i := 130; i < 150; i++ {
		got, ok := c.Lookup(types.GuestAddress(0x1000 + 16*i))
		require.True(t, ok, "recent block %d evicted", i)
		assert.Same(t, handles[i], got)
	}

	released := 0
	for i, h := range handles {
		_, present := c.LookupEntry(types.GuestAddress(0x1000 + 16*i))
		switch h.released.Load() {
		case 0:
			assert.True(t, present, "block %d neither cached nor released", i)
		case 1:
			assert.False(t, present)
			released++
		default:
			t.Fatalf("block %d released %d times", i, h.released.Load())
		}
	}
	st := c.Stats()
	assert.Equal(t, uint64(released), st.Evictions)
	assert.Equal(t, 150, released+st.Entries)
}

func TestEvictionBound(t *testing.T) {
	cfg := config.DefaultCodeCacheConfig()
	cfg.Shards = 4
	cfg.ShardCapacity = 32
	c := New(cfg)
	inserted := 0
	for addr := types.GuestAddress(0); inserted <= cfg.ShardCapacity; addr += 4 {
		if c.ShardIndex(addr) != 2 {
			continue
		}
		require.NoError(t, c.Insert(addr, handle(int(addr)), Meta{}))
		inserted++
	}
	assert.Equal(t, cfg.ShardCapacity+1, inserted)
	assert.LessOrEqual(t, c.ShardLen(2), cfg.ShardCapacity)
	assert.Zero(t, c.ShardLen(0))
	assert.Positive(t, c.Stats().Evictions)
}

func TestEvictionPrefersColdEntries(t *testing.T) {
	now := time.Unix(1000, 0)
	cfg := oneShard(10)
	cfg.ProtectedRecent = 0
	cfg.EvictFraction = 0.1
	c := New(cfg, WithClock(func() time.Time { return now }))

	for i := 0; i < 10; i++ {
		require.NoError(t, c.Insert(types.GuestAddress(i), handle(i), Meta{}))
	}
	now = now.Add(time.Second)
	for i := 1; i < 10; i++ {
		for n := 0; n < 50; n++ {
			c.Lookup(types.GuestAddress(i))
		}
	}
	require.NoError(t, c.Insert(0x100, handle(0x100), Meta{}))
	_, ok := c.LookupEntry(0)
	assert.False(t, ok, "never-used entry is the eviction victim")
	assert.Equal(t, 10, c.Len())

	e, ok := c.LookupEntry(5)
	require.True(t, ok)
	assert.InDelta(t, 50.0, float64(e.Hotness), 1e-3)
}

func TestCapacityExceeded(t *testing.T) {
	// Every resident entry is protected, so eviction cannot free a cell.
	c := New(oneShard(4))
	c.policy.protected = 4
	for i := 0; i < 4; i++ {
		require.NoError(t, c.Insert(types.GuestAddress(i), handle(i), Meta{}))
	}
	h := handle(9)
	err := c.Insert(0x99, h, Meta{})
	require.Error(t, err)
	assert.Equal(t, int32(1), h.released.Load())
	assert.Equal(t, 4, c.Len())
}

func TestInvalidateRangeAndFlush(t *testing.T) {
	c := New(config.DefaultCodeCacheConfig())
	hs := map[types.GuestAddress]*fakeHandle{}
	for _, addr := range []types.GuestAddress{0x100, 0x200, 0x300} {
		hs[addr] = handle(int(addr))
		require.NoError(t, c.Insert(addr, hs[addr], Meta{End: addr + 0x20}))
	}
	removed := c.InvalidateRange(0x21f, 0x301)
	assert.ElementsMatch(t, []types.GuestAddress{0x200, 0x300}, removed)
	assert.Equal(t, int32(1), hs[0x200].released.Load())
	assert.Zero(t, hs[0x100].released.Load())
	assert.Empty(t, c.InvalidateRange(0x120, 0x200))

	assert.Equal(t, 1, c.Flush())
	assert.Equal(t, int32(1), hs[0x100].released.Load())
	assert.Zero(t, c.Len())
}

func TestConcurrentAccess(t *testing.T) {
	cfg := config.DefaultCodeCacheConfig()
	cfg.Shards = 4
	cfg.ShardCapacity = 64
	c := New(cfg)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 2000; i++ {
				addr := types.GuestAddress((i*31 + w) % 512)
				switch i % 7 {
				case 0:
					c.Invalidate(addr)
				case 1, 2:
					_ = c.Insert(addr, handle(i), Meta{})
				default:
					if h, ok := c.Lookup(addr); ok {
						_, _ = h.Execute(nil, nil)
					}
				}
			}
		}(w)
	}
	wg.Wait()
	for i := 0; i < c.NumShards(); i++ {
		assert.LessOrEqual(t, c.ShardLen(i), cfg.ShardCapacity)
	}
	assert.Len(t, c.Entries(), c.Len())
}
