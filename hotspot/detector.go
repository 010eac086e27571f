// Package hotspot keeps per-block execution counters and classifies blocks as
// cold, warm or hot.
//
// A counter's score grows by one per execution and is multiplied by (1-alpha)
// once per decay epoch, so it is an exponentially weighted execution count.
// Reads never take a lock: each stripe indexes its counters in a sync.Map and
// counters are updated with atomics.
package hotspot

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/common"
	"github.com/colorfulnotion/vmcore/config"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
)

const numStripes = 64

type counter struct {
	score   atomic.Uint64 // float64 bits
	samples atomic.Uint32
	tier    atomic.Uint32
	irHash  atomic.Uint64
	end     atomic.Uint64
}

func (c *counter) loadScore() float64 { return math.Float64frombits(c.score.Load()) }

// addScore applies f to the score with a CAS loop and returns the new value.
func (c *counter) addScore(f func(float64) float64) float64 {
	for {
		old := c.score.Load()
		v := f(math.Float64frombits(old))
		if c.score.CompareAndSwap(old, math.Float64bits(v)) {
			return v
		}
	}
}

// raise moves the tier up to t. It reports whether this call did the move.
func (c *counter) raise(t types.HotTier) bool {
	for {
		cur := c.tier.Load()
		if uint32(t) <= cur {
			return false
		}
		if c.tier.CompareAndSwap(cur, uint32(t)) {
			return true
		}
	}
}

func (c *counter) reset() {
	c.score.Store(0)
	c.samples.Store(0)
	c.tier.Store(uint32(types.Cold))
	c.irHash.Store(0)
	c.end.Store(0)
}

// stripe indexes the counters of a subset of blocks. Entries are added once
// and only dropped by Flush, the access pattern sync.Map is built for.
type stripe struct {
	m sync.Map // types.GuestAddress -> *counter
}

func (s *stripe) load(addr types.GuestAddress) *counter {
	if v, ok := s.m.Load(addr); ok {
		return v.(*counter)
	}
	return nil
}

// each calls fn for every counter in the stripe.
func (s *stripe) each(fn func(addr types.GuestAddress, c *counter)) {
	s.m.Range(func(k, v any) bool {
		fn(k.(types.GuestAddress), v.(*counter))
		return true
	})
}

// Counter is the exported view of one block's counter.
type Counter struct {
	Addr    types.GuestAddress `json:"addr"`
	EWMA    float64            `json:"ewma"`
	Samples uint32             `json:"samples"`
	Tier    types.HotTier      `json:"tier"`
	IRHash  uint64             `json:"ir_hash,omitempty"`
}

type Stats struct {
	Tracked       int    `json:"tracked"`
	Warm          int    `json:"warm"`
	Hot           int    `json:"hot"`
	Executions    uint64 `json:"executions"`
	Promotions    uint64 `json:"promotions"`
	Invalidations uint64 `json:"invalidations"`
	Epochs        uint64 `json:"epochs"`
}

// Detector is owned by one VM instance and shared by all of its vCPUs.
type Detector struct {
	cfg     config.HotspotConfig
	stripes [numStripes]stripe

	executions    atomic.Uint64
	promotions    atomic.Uint64
	invalidations atomic.Uint64
	epochs        atomic.Uint64
}

func New(cfg config.HotspotConfig) *Detector {
	return &Detector{cfg: cfg}
}

func (d *Detector) stripe(addr types.GuestAddress) *stripe {
	return &d.stripes[common.FastHashUint64(uint64(addr))%numStripes]
}

func (d *Detector) lookup(addr types.GuestAddress) *counter {
	return d.stripe(addr).load(addr)
}

// counter returns the counter for addr, creating it on first execution.
func (d *Detector) counter(addr types.GuestAddress) *counter {
	s := d.stripe(addr)
	if c := s.load(addr); c != nil {
		return c
	}
	v, _ := s.m.LoadOrStore(addr, new(counter))
	return v.(*counter)
}

// classify maps a score to a tier.
func (d *Detector) classify(score float64) types.HotTier {
	switch {
	case score >= d.cfg.HotThreshold:
		return types.Hot
	case score >= d.cfg.WarmThreshold:
		return types.Warm
	}
	return types.Cold
}

// RecordExecution counts one execution of the block at addr. It returns the
// block's tier and whether this execution promoted it.
func (d *Detector) RecordExecution(addr types.GuestAddress) (types.HotTier, bool) {
	c := d.counter(addr)
	score := c.addScore(func(v float64) float64 { return v + 1 })
	c.samples.Add(1)
	d.executions.Add(1)
	promoted := c.raise(d.classify(score))
	tier := types.HotTier(c.tier.Load())
	if promoted {
		d.promotions.Add(1)
		log.Debug(log.HotspotMonitoring, "Hotspot: promoted", "addr", addr, "tier", tier, "ewma", score)
	}
	return tier, promoted
}

func (d *Detector) TierOf(addr types.GuestAddress) types.HotTier {
	if c := d.lookup(addr); c != nil {
		return types.HotTier(c.tier.Load())
	}
	return types.Cold
}

func (d *Detector) IsHot(addr types.GuestAddress) bool {
	return d.TierOf(addr) == types.Hot
}

// Counter returns a copy of the counter for addr.
func (d *Detector) Counter(addr types.GuestAddress) (Counter, bool) {
	c := d.lookup(addr)
	if c == nil {
		return Counter{Addr: addr}, false
	}
	return view(addr, c), true
}

func view(addr types.GuestAddress, c *counter) Counter {
	return Counter{
		Addr:    addr,
		EWMA:    c.loadScore(),
		Samples: c.samples.Load(),
		Tier:    types.HotTier(c.tier.Load()),
		IRHash:  c.irHash.Load(),
	}
}

// RecordCompile remembers the content hash and guest extent of the code that
// was compiled for addr, for later self-modification checks.
func (d *Detector) RecordCompile(addr, end types.GuestAddress, irHash uint64) {
	c := d.counter(addr)
	c.irHash.Store(irHash)
	c.end.Store(uint64(end))
}

// CheckContent compares irHash with the hash recorded at the last compile. On
// a mismatch the block is invalidated and false is returned.
func (d *Detector) CheckContent(addr types.GuestAddress, irHash uint64) bool {
	c := d.lookup(addr)
	if c == nil {
		return true
	}
	recorded := c.irHash.Load()
	if recorded == 0 || recorded == irHash {
		return true
	}
	log.Info(log.HotspotMonitoring, "Hotspot: content changed", "addr", addr, "recorded", recorded, "now", irHash)
	d.Invalidate(addr)
	return false
}

// Invalidate resets the block to Cold. It is the only way a tier goes down.
func (d *Detector) Invalidate(addr types.GuestAddress) {
	if c := d.lookup(addr); c != nil {
		c.reset()
		d.invalidations.Add(1)
	}
}

// InvalidateRange resets every block that overlaps [start, end) and returns
// how many were reset. A block whose extent is unknown is matched by its start.
func (d *Detector) InvalidateRange(start, end types.GuestAddress) int {
	n := 0
	for i := range d.stripes {
		d.stripes[i].each(func(addr types.GuestAddress, c *counter) {
			blockEnd := types.GuestAddress(c.end.Load())
			if blockEnd <= addr {
				blockEnd = addr + 1
			}
			if addr < end && start < blockEnd {
				c.reset()
				n++
			}
		})
	}
	if n > 0 {
		d.invalidations.Add(uint64(n))
		log.Debug(log.HotspotMonitoring, "Hotspot: range invalidated", "start", start, "end", end, "blocks", n)
	}
	return n
}

// Seed raises the tier of a block that has not run yet in this process, from
// historical hints. The score is lifted to the tier threshold so that later
// executions stay consistent with the tier.
func (d *Detector) Seed(addr types.GuestAddress, tier types.HotTier) {
	if tier == types.Cold {
		return
	}
	floor := d.cfg.WarmThreshold
	if tier == types.Hot {
		floor = d.cfg.HotThreshold
	}
	c := d.counter(addr)
	c.addScore(func(v float64) float64 { return math.Max(v, floor) })
	c.raise(tier)
}

// SeedTier maps a historical compile count to the tier a block starts at.
func (d *Detector) SeedTier(compileCount uint32) types.HotTier {
	switch {
	case d.cfg.SeedHotCompileCnt > 0 && compileCount >= d.cfg.SeedHotCompileCnt:
		return types.Hot
	case d.cfg.SeedWarmCompileCnt > 0 && compileCount >= d.cfg.SeedWarmCompileCnt:
		return types.Warm
	}
	return types.Cold
}

// Decay ends one epoch: every score is multiplied by (1-alpha). Tiers are
// left as they are.
func (d *Detector) Decay() {
	keep := 1 - d.cfg.Alpha
	for i := range d.stripes {
		d.stripes[i].each(func(_ types.GuestAddress, c *counter) {
			c.addScore(func(v float64) float64 { return v * keep })
		})
	}
	d.epochs.Add(1)
}

// Flush drops every counter.
func (d *Detector) Flush() {
	for i := range d.stripes {
		d.stripes[i].m.Clear()
	}
	log.Debug(log.HotspotMonitoring, "Hotspot: flushed")
}

// Snapshot returns every counter, ordered by address.
func (d *Detector) Snapshot() []Counter {
	var out []Counter
	for i := range d.stripes {
		d.stripes[i].each(func(addr types.GuestAddress, c *counter) {
			out = append(out, view(addr, c))
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// HotBlocks returns up to limit counters with the highest scores, highest
// first. limit <= 0 returns all of them.
func (d *Detector) HotBlocks(limit int) []Counter {
	out := d.Snapshot()
	sort.SliceStable(out, func(i, j int) bool { return out[i].EWMA > out[j].EWMA })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (d *Detector) Stats() Stats {
	s := Stats{
		Executions:    d.executions.Load(),
		Promotions:    d.promotions.Load(),
		Invalidations: d.invalidations.Load(),
		Epochs:        d.epochs.Load(),
	}
	for i := range d.stripes {
		d.stripes[i].each(func(_ types.GuestAddress, c *counter) {
			s.Tracked++
			switch types.HotTier(c.tier.Load()) {
			case types.Warm:
				s.Warm++
			case types.Hot:
				s.Hot++
			}
		})
	}
	return s
}
