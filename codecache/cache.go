// Package codecache maps guest block addresses to compiled code handles.
//
// The cache is split into power-of-two shards selected by a hash of the block
// address. Each shard keeps its entries in a fixed arena with an index-linked
// recency list, and evicts by sampling instead of keeping exact LRU order.
package codecache

import (
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/common"
	"github.com/colorfulnotion/vmcore/config"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// Meta describes the code being inserted.
type Meta struct {
	Tier        types.CompileTier
	IRHash      uint64
	End         types.GuestAddress // one past the last guest byte of the block
	CompileCost time.Duration
}

// Entry is a point-in-time copy of a cache entry.
type Entry struct {
	Addr        types.GuestAddress `json:"addr"`
	Handle      codegen.CodeHandle `json:"-"`
	Tier        types.CompileTier  `json:"tier"`
	IRHash      uint64             `json:"ir_hash"`
	CodeSize    int                `json:"code_size"`
	AccessCount uint64             `json:"access_count"`
	CompileCost time.Duration      `json:"compile_cost"`
	CreatedAt   time.Time          `json:"created_at"`
	LastAccess  time.Time          `json:"last_access"`
	Hotness     float32            `json:"hotness"` // access_count per second of life
}

type Stats struct {
	Hits          uint64  `json:"hits"`
	Misses        uint64  `json:"misses"`
	HitRate       float64 `json:"hit_rate"`
	Inserts       uint64  `json:"inserts"`
	Promotions    uint64  `json:"promotions"`
	Evictions     uint64  `json:"evictions"`
	Invalidations uint64  `json:"invalidations"`
	Entries       int     `json:"entries"`
	Bytes         int64   `json:"bytes"`
	ShardLens     []int   `json:"shard_lens"`
}

// Cache is safe for concurrent use. It owns every handle inserted into it and
// releases a handle when it is replaced, evicted, invalidated or flushed.
type Cache struct {
	shards []*shard
	mask   uint64
	policy policy
	now    func() time.Time

	inserts       atomic.Uint64
	promotions    atomic.Uint64
	invalidations atomic.Uint64
}

type Option func(*Cache)

// WithClock replaces time.Now for age computations.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(cfg config.CodeCacheConfig, opts ...Option) *Cache {
	c := &Cache{
		shards: make([]*shard, cfg.Shards),
		mask:   uint64(cfg.Shards - 1),
		now:    time.Now,
		policy: policy{
			capacity:  cfg.ShardCapacity,
			sample:    cfg.SampleSize,
			fraction:  cfg.EvictFraction,
			protected: cfg.ProtectedRecent,
			freqW:     cfg.FrequencyWeight,
			ageW:      cfg.AgeWeight,
			ageScale:  float64(cfg.AgeScale.D()),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}
	for i := range c.shards {
		c.shards[i] = newShard(cfg.ShardCapacity, seed+uint64(i))
	}
	return c
}

// ShardIndex returns the shard that owns addr.
func (c *Cache) ShardIndex(addr types.GuestAddress) int {
	return int(common.FastHashUint64(uint64(addr)) & c.mask)
}

func (c *Cache) shard(addr types.GuestAddress) *shard {
	return c.shards[c.ShardIndex(addr)]
}

// Lookup returns the current handle for addr. Only the owning shard is
// consulted.
func (c *Cache) Lookup(addr types.GuestAddress) (codegen.CodeHandle, bool) {
	s := c.shard(addr)
	s.mu.RLock()
	i, ok := s.index[addr]
	var box *handleBox
	if ok {
		sl := &s.slots[i]
		box = sl.handle.Load()
		sl.access.Add(1)
		sl.lastAccess.Store(c.now().UnixNano())
	}
	s.mu.RUnlock()
	if box == nil {
		s.misses.Add(1)
		return nil, false
	}
	s.hits.Add(1)
	return box.h, true
}

// LookupEntry returns a copy of the entry for addr without counting an access.
func (c *Cache) LookupEntry(addr types.GuestAddress) (Entry, bool) {
	s := c.shard(addr)
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.index[addr]
	if !ok {
		return Entry{}, false
	}
	return c.entry(&s.slots[i]), true
}

func (c *Cache) entry(sl *slot) Entry {
	e := Entry{
		Addr:        sl.addr,
		Tier:        sl.meta.Tier,
		IRHash:      sl.meta.IRHash,
		CodeSize:    sl.size,
		AccessCount: sl.access.Load(),
		CompileCost: sl.meta.CompileCost,
		CreatedAt:   time.Unix(0, sl.created),
		LastAccess:  time.Unix(0, sl.lastAccess.Load()),
	}
	if box := sl.handle.Load(); box != nil {
		e.Handle = box.h
	}
	if life := c.now().Sub(e.CreatedAt).Seconds(); life > 0 {
		e.Hotness = float32(float64(e.AccessCount) / life)
	}
	return e
}

// Insert stores handle for addr and takes ownership of it. An existing entry
// keeps its place in the cache and has its handle swapped atomically; readers
// holding the old handle may keep executing it.
func (c *Cache) Insert(addr types.GuestAddress, handle codegen.CodeHandle, meta Meta) error {
	now := c.now().UnixNano()
	s := c.shard(addr)
	var released []codegen.CodeHandle

	s.mu.Lock()
	if i, ok := s.index[addr]; ok {
		sl := &s.slots[i]
		old := sl.handle.Swap(&handleBox{h: handle})
		s.bytes += int64(handle.Size() - sl.size)
		sl.size = handle.Size()
		sl.meta = meta
		s.unlink(i)
		s.pushFront(i)
		s.mu.Unlock()
		c.promotions.Add(1)
		if old != nil && old.h != handle {
			old.h.Release()
		}
		log.Trace(log.CodeCacheMonitoring, "CodeCache: replaced", "addr", addr, "tier", meta.Tier)
		return nil
	}
	if s.len() >= c.policy.capacity {
		released = s.evict(&c.policy, now)
	}
	if s.len() >= c.policy.capacity {
		s.mu.Unlock()
		releaseAll(released)
		handle.Release()
		return vmerrors.ErrCapacityExceeded
	}
	i := s.alloc()
	sl := &s.slots[i]
	sl.addr = addr
	sl.handle.Store(&handleBox{h: handle})
	sl.meta = meta
	sl.size = handle.Size()
	sl.created = now
	sl.lastAccess.Store(now)
	sl.access.Store(0)
	sl.live = true
	s.pushFront(i)
	s.index[addr] = i
	s.bytes += int64(sl.size)
	s.mu.Unlock()

	c.inserts.Add(1)
	releaseAll(released)
	if len(released) > 0 {
		log.Trace(log.CodeCacheMonitoring, "CodeCache: evicted", "shard", c.ShardIndex(addr), "n", len(released))
	}
	return nil
}

func releaseAll(hs []codegen.CodeHandle) {
	for _, h := range hs {
		if h != nil {
			h.Release()
		}
	}
}

// Invalidate removes the entry for addr regardless of its hotness.
func (c *Cache) Invalidate(addr types.GuestAddress) bool {
	s := c.shard(addr)
	s.mu.Lock()
	i, ok := s.index[addr]
	var h codegen.CodeHandle
	if ok {
		h = s.remove(i)
	}
	s.mu.Unlock()
	if !ok {
		return false
	}
	c.invalidations.Add(1)
	if h != nil {
		h.Release()
	}
	return true
}

// InvalidateRange removes every entry whose guest bytes overlap [start, end)
// and returns the removed addresses.
func (c *Cache) InvalidateRange(start, end types.GuestAddress) []types.GuestAddress {
	var removed []types.GuestAddress
	for _, s := range c.shards {
		var released []codegen.CodeHandle
		s.mu.Lock()
		for addr, i := range s.index {
			blockEnd := s.slots[i].meta.End
			if blockEnd <= addr {
				blockEnd = addr + 1
			}
			if addr < end && start < blockEnd {
				released = append(released, s.remove(i))
				removed = append(removed, addr)
			}
		}
		s.mu.Unlock()
		releaseAll(released)
	}
	if len(removed) > 0 {
		c.invalidations.Add(uint64(len(removed)))
		log.Debug(log.CodeCacheMonitoring, "CodeCache: range invalidated", "start", start, "end", end, "entries", len(removed))
	}
	return removed
}

// Flush removes and releases every entry.
func (c *Cache) Flush() int {
	n := 0
	for _, s := range c.shards {
		var released []codegen.CodeHandle
		s.mu.Lock()
		for _, i := range s.index {
			released = append(released, s.remove(i))
		}
		s.mu.Unlock()
		n += len(released)
		releaseAll(released)
	}
	log.Debug(log.CodeCacheMonitoring, "CodeCache: flushed", "entries", n)
	return n
}

func (c *Cache) Len() int {
	n := 0
	for _, s := range c.shards {
		n += c.shardLen(s)
	}
	return n
}

func (c *Cache) ShardLen(i int) int {
	return c.shardLen(c.shards[i])
}

func (c *Cache) shardLen(s *shard) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.len()
}

func (c *Cache) NumShards() int { return len(c.shards) }

// Entries returns a copy of every entry, in no particular order.
func (c *Cache) Entries() []Entry {
	var out []Entry
	for _, s := range c.shards {
		s.mu.RLock()
		for _, i := range s.index {
			out = append(out, c.entry(&s.slots[i]))
		}
		s.mu.RUnlock()
	}
	return out
}

func (c *Cache) Stats() Stats {
	st := Stats{
		Inserts:       c.inserts.Load(),
		Promotions:    c.promotions.Load(),
		Invalidations: c.invalidations.Load(),
		ShardLens:     make([]int, len(c.shards)),
	}
	for i, s := range c.shards {
		st.Hits += s.hits.Load()
		st.Misses += s.misses.Load()
		st.Evictions += s.evictions.Load()
		s.mu.RLock()
		st.ShardLens[i] = s.len()
		st.Bytes += s.bytes
		s.mu.RUnlock()
		st.Entries += st.ShardLens[i]
	}
	if total := st.Hits + st.Misses; total > 0 {
		st.HitRate = float64(st.Hits) / float64(total)
	}
	return st
}
