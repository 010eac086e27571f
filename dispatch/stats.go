package dispatch

import (
	"github.com/colorfulnotion/vmcore/codecache"
	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/hotspot"
	"github.com/colorfulnotion/vmcore/metastore"
	"github.com/colorfulnotion/vmcore/transcache"
	"github.com/colorfulnotion/vmcore/translator"
	"github.com/colorfulnotion/vmcore/types"
)

// CacheStats is the execution driver's view of the core. HitRate is the share
// of block entries served by compiled code.
type CacheStats struct {
	HitRate        float64 `json:"hit_rate"`
	CachedBlocks   int     `json:"cached_blocks"`
	TotalSizeBytes int64   `json:"total_size_bytes"`

	Dispatches        uint64 `json:"dispatches"`
	Hits              uint64 `json:"hits"`
	Misses            uint64 `json:"misses"`
	Faults            uint64 `json:"faults"`
	BaselineCompiles  uint64 `json:"baseline_compiles"`
	OptimizedCompiles uint64 `json:"optimized_compiles"`
	CompileFailures   uint64 `json:"compile_failures"`
	Fallbacks         uint64 `json:"fallbacks"`
	StaleResults      uint64 `json:"stale_results"`
	InsertErrors      uint64 `json:"insert_errors"`
	Invalidations     uint64 `json:"invalidations"`
	RangeSkips        uint64 `json:"range_skips"`
	QueueSubmitted    uint64 `json:"queue_submitted"`
	QueueDropped      uint64 `json:"queue_dropped"`
	QueueCompleted    uint64 `json:"queue_completed"`

	CodePages int            `json:"code_pages"`
	Blocks    map[string]int `json:"blocks"` // by state

	Code        codecache.Stats  `json:"code_cache"`
	Translation transcache.Stats `json:"translation_cache"`
	Translator  translator.Stats `json:"translator"`
	Hotspot     hotspot.Stats    `json:"hotspot"`
	Codegen     *codegen.Stats   `json:"codegen,omitempty"`
	Metadata    *metastore.Stats `json:"metadata,omitempty"`
}

func (d *Dispatcher) GetCacheStats() CacheStats {
	code := d.code.Stats()
	s := CacheStats{
		CachedBlocks:      code.Entries,
		TotalSizeBytes:    code.Bytes,
		Dispatches:        d.dispatches.Load(),
		Hits:              d.hits.Load(),
		Misses:            d.misses.Load(),
		Faults:            d.faults.Load(),
		BaselineCompiles:  d.compiles[types.TierBaseline].Load(),
		OptimizedCompiles: d.compiles[types.TierOptimized].Load(),
		CompileFailures:   d.failures.Load(),
		Fallbacks:         d.fallbacks.Load(),
		StaleResults:      d.stale.Load(),
		InsertErrors:      d.insertErrors.Load(),
		Invalidations:     d.invalidations.Load(),
		RangeSkips:        d.rangeSkips.Load(),
		QueueSubmitted:    d.pool.submitted.Load(),
		QueueDropped:      d.pool.dropped.Load(),
		QueueCompleted:    d.pool.completed.Load(),
		CodePages:         d.pages.len(),
		Blocks:            make(map[string]int),
		Code:              code,
		Translation:       d.caches.Stats(),
		Translator:        d.optimizing.Stats(),
		Hotspot:           d.hot.Stats(),
	}
	if total := s.Hits + s.Misses; total > 0 {
		s.HitRate = float64(s.Hits) / float64(total)
	}
	d.states.Range(func(_, v any) bool {
		s.Blocks[v.(*blockInfo).State().String()]++
		return true
	})
	if g, ok := d.gen.(interface{ Stats() codegen.Stats }); ok {
		gs := g.Stats()
		s.Codegen = &gs
	}
	if m := d.meta.Load(); m != nil {
		ms := m.Stats()
		s.Metadata = &ms
	}
	return s
}
