package codecache

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/types"
	"golang.org/x/exp/rand"
)

const nilSlot int32 = -1

type handleBox struct {
	h codegen.CodeHandle
}

// slot is one arena cell. Recency links are arena indices, head is the most
// recently inserted entry.
type slot struct {
	addr   types.GuestAddress
	handle atomic.Pointer[handleBox]
	meta   Meta
	size   int

	created    int64
	lastAccess atomic.Int64
	access     atomic.Uint64

	prev, next int32
	live       bool
}

type shard struct {
	mu    sync.RWMutex
	slots []slot // capacity is fixed, so cells never move
	free  []int32
	index map[types.GuestAddress]int32
	head  int32
	tail  int32
	bytes int64
	rng   *rand.Rand

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

func newShard(capacity int, seed uint64) *shard {
	return &shard{
		slots: make([]slot, 0, capacity),
		index: make(map[types.GuestAddress]int32, capacity),
		head:  nilSlot,
		tail:  nilSlot,
		rng:   rand.New(rand.NewSource(seed)),
	}
}

func (s *shard) unlink(i int32) {
	sl := &s.slots[i]
	if sl.prev != nilSlot {
		s.slots[sl.prev].next = sl.next
	} else {
		s.head = sl.next
	}
	if sl.next != nilSlot {
		s.slots[sl.next].prev = sl.prev
	} else {
		s.tail = sl.prev
	}
	sl.prev, sl.next = nilSlot, nilSlot
}

func (s *shard) pushFront(i int32) {
	sl := &s.slots[i]
	sl.prev, sl.next = nilSlot, s.head
	if s.head != nilSlot {
		s.slots[s.head].prev = i
	}
	s.head = i
	if s.tail == nilSlot {
		s.tail = i
	}
}

// alloc returns a free arena cell.
func (s *shard) alloc() int32 {
	if n := len(s.free); n > 0 {
		i := s.free[n-1]
		s.free = s.free[:n-1]
		return i
	}
	s.slots = append(s.slots, slot{})
	return int32(len(s.slots) - 1)
}

// remove drops cell i and returns its handle for release outside the lock.
func (s *shard) remove(i int32) codegen.CodeHandle {
	sl := &s.slots[i]
	s.unlink(i)
	delete(s.index, sl.addr)
	s.bytes -= int64(sl.size)
	box := sl.handle.Swap(nil)
	sl.live = false
	sl.meta = Meta{}
	s.free = append(s.free, i)
	if box == nil {
		return nil
	}
	return box.h
}

func (s *shard) len() int { return len(s.index) }

// policy holds the eviction parameters shared by all shards.
type policy struct {
	capacity  int
	sample    int
	fraction  float64
	protected int
	freqW     float64
	ageW      float64
	ageScale  float64
}

// score is higher for entries that are less valuable to keep.
func (p *policy) score(sl *slot, now int64) float64 {
	age := float64(now - sl.lastAccess.Load())
	if age < 0 {
		age = 0
	}
	f := p.freqW / (float64(sl.access.Load()) + 1)
	a := 0.0
	if p.ageScale > 0 {
		a = p.ageW * age / (age + p.ageScale)
	}
	return f + a
}

type candidate struct {
	idx   int32
	score float64
}

// evict makes room for one insert. It samples cells outside the protected
// recency window, scores them and removes the worst fraction. When sampling
// finds nothing it falls back to the least recently inserted entry. Caller
// holds s.mu.
func (s *shard) evict(p *policy, now int64) []codegen.CodeHandle {
	protected := make(map[int32]struct{}, p.protected)
	for i, n := s.head, 0; i != nilSlot && n < p.protected; i, n = s.slots[i].next, n+1 {
		protected[i] = struct{}{}
	}
	seen := make(map[int32]struct{}, p.sample)
	cands := make([]candidate, 0, p.sample)
	for tries := 0; len(cands) < p.sample && tries < 4*p.sample; tries++ {
		i := int32(s.rng.Intn(len(s.slots)))
		if !s.slots[i].live {
			continue
		}
		if _, ok := protected[i]; ok {
			continue
		}
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		cands = append(cands, candidate{idx: i, score: p.score(&s.slots[i], now)})
	}
	if len(cands) == 0 {
		if s.tail == nilSlot {
			return nil
		}
		if _, ok := protected[s.tail]; ok {
			return nil
		}
		s.evictions.Add(1)
		return []codegen.CodeHandle{s.remove(s.tail)}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].score > cands[j].score })
	n := int(math.Ceil(p.fraction * float64(len(cands))))
	if n < 1 {
		n = 1
	}
	if n > len(cands) {
		n = len(cands)
	}
	out := make([]codegen.CodeHandle, 0, n)
	for _, c := range cands[:n] {
		out = append(out, s.remove(c.idx))
	}
	s.evictions.Add(uint64(n))
	return out
}
