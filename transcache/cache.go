// Package transcache holds the three content-addressed caches used by the
// translator: per-instruction encodings, instruction-shape rule matches and
// whole translated blocks.
package transcache

import (
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/config"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/ethereum/go-ethereum/common/lru"
)

// CacheKey identifies a translated block in the result cache.
type CacheKey struct {
	SourceArch types.Architecture
	TargetArch types.Architecture
	Hash       uint64 // instruction-sequence hash, translation options included
}

// Pattern is the memoized outcome of rule selection for one instruction shape.
type Pattern struct {
	Rule     uint16
	Strategy uint8
}

// Level names one of the three caches.
type Level uint8

const (
	LevelEncoding Level = iota
	LevelPattern
	LevelResult
	numLevels
)

var levelNames = [numLevels]string{"encoding", "pattern", "result"}

func (l Level) String() string {
	if l < numLevels {
		return levelNames[l]
	}
	return "unknown"
}

type counters struct {
	hits    atomic.Uint64
	misses  atomic.Uint64
	inserts atomic.Uint64
}

// LevelStats is a point-in-time view of one cache level.
type LevelStats struct {
	Level    string  `json:"level"`
	Hits     uint64  `json:"hits"`
	Misses   uint64  `json:"misses"`
	Inserts  uint64  `json:"inserts"`
	Entries  int     `json:"entries"`
	Capacity int     `json:"capacity"`
	HitRate  float64 `json:"hit_rate"`
}

// Stats aggregates the three levels.
type Stats struct {
	Levels  [numLevels]LevelStats `json:"levels"`
	HitRate float64               `json:"hit_rate"` // over all lookups of all levels
}

func (s Stats) Level(l Level) LevelStats { return s.Levels[l] }

// Caches is owned by one VM instance and shared by its translators. Each
// level is an independently locked LRU; values are never mutated after
// insertion.
type Caches struct {
	encoding *lru.Cache[uint64, []byte]
	pattern  *lru.Cache[uint64, Pattern]
	result   *lru.Cache[CacheKey, *types.IRBlock]

	caps  [numLevels]int
	stats [numLevels]counters
}

func New(cfg config.TranslationCacheConfig) *Caches {
	c := &Caches{
		encoding: lru.NewCache[uint64, []byte](cfg.EncodingCapacity),
		pattern:  lru.NewCache[uint64, Pattern](cfg.PatternCapacity),
		result:   lru.NewCache[CacheKey, *types.IRBlock](cfg.ResultCapacity),
	}
	c.caps = [numLevels]int{cfg.EncodingCapacity, cfg.PatternCapacity, cfg.ResultCapacity}
	return c
}

func (c *Caches) hit(l Level, ok bool) {
	if ok {
		c.stats[l].hits.Add(1)
	} else {
		c.stats[l].misses.Add(1)
	}
}

// GetEncoding returns the cached IR fragment of an instruction body. The
// slice is shared and must not be modified.
func (c *Caches) GetEncoding(key uint64) ([]byte, bool) {
	v, ok := c.encoding.Get(key)
	c.hit(LevelEncoding, ok)
	return v, ok
}

func (c *Caches) PutEncoding(key uint64, enc []byte) {
	c.stats[LevelEncoding].inserts.Add(1)
	if c.encoding.Add(key, enc) {
		log.Trace(log.TransCacheMonitoring, "TransCache: encoding evicted", "cap", c.caps[LevelEncoding])
	}
}

func (c *Caches) GetPattern(shape uint64) (Pattern, bool) {
	v, ok := c.pattern.Get(shape)
	c.hit(LevelPattern, ok)
	return v, ok
}

func (c *Caches) PutPattern(shape uint64, p Pattern) {
	c.stats[LevelPattern].inserts.Add(1)
	c.pattern.Add(shape, p)
}

// GetResult returns a private copy of a cached translation.
func (c *Caches) GetResult(key CacheKey) (*types.IRBlock, bool) {
	v, ok := c.result.Get(key)
	c.hit(LevelResult, ok)
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// PutResult stores a copy of b, so later changes by the caller are not seen.
func (c *Caches) PutResult(key CacheKey, b *types.IRBlock) {
	c.stats[LevelResult].inserts.Add(1)
	if c.result.Add(key, b.Clone()) {
		log.Trace(log.TransCacheMonitoring, "TransCache: result evicted", "cap", c.caps[LevelResult])
	}
}

// InvalidateRange drops every cached translation overlapping [start, end).
// Encoding and pattern entries are position independent and stay.
func (c *Caches) InvalidateRange(start, end uint64) int {
	n := 0
	for _, k := range c.result.Keys() {
		b, ok := c.result.Peek(k)
		if !ok {
			continue
		}
		if uint64(b.StartPC) < end && uint64(b.EndPC) > start {
			if c.result.Remove(k) {
				n++
			}
		}
	}
	if n > 0 {
		log.Debug(log.TransCacheMonitoring, "TransCache: range invalidated", "start", start, "end", end, "removed", n)
	}
	return n
}

// Purge clears all three levels. Counters are kept.
func (c *Caches) Purge() {
	c.encoding.Purge()
	c.pattern.Purge()
	c.result.Purge()
}

func (c *Caches) Len(l Level) int {
	switch l {
	case LevelEncoding:
		return c.encoding.Len()
	case LevelPattern:
		return c.pattern.Len()
	case LevelResult:
		return c.result.Len()
	}
	return 0
}

func (c *Caches) Stats() Stats {
	var s Stats
	var hits, total uint64
	for l := Level(0); l < numLevels; l++ {
		h, m := c.stats[l].hits.Load(), c.stats[l].misses.Load()
		s.Levels[l] = LevelStats{
			Level:    l.String(),
			Hits:     h,
			Misses:   m,
			Inserts:  c.stats[l].inserts.Load(),
			Entries:  c.Len(l),
			Capacity: c.caps[l],
			HitRate:  rate(h, m),
		}
		hits += h
		total += h + m
	}
	if total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func rate(h, m uint64) float64 {
	if h+m == 0 {
		return 0
	}
	return float64(h) / float64(h+m)
}
