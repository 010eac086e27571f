package dispatch

import (
	"math"
	"sync"

	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
)

const pageShift = 12

// pageSet holds every guest page that contains a known block. It only grows
// between flushes, so a miss proves that a write cannot affect any block.
type pageSet struct {
	mu    sync.RWMutex
	pages map[uint64]struct{}
}

func pageSpan(start, end uint64) (first, last uint64) {
	if end <= start {
		end = start + 1
	}
	return start >> pageShift, (end - 1) >> pageShift
}

func (p *pageSet) add(start, end uint64) {
	first, last := pageSpan(start, end)
	p.mu.Lock()
	for pg := first; pg <= last; pg++ {
		p.pages[pg] = struct{}{}
	}
	p.mu.Unlock()
}

func (p *pageSet) overlaps(start, end uint64) bool {
	first, last := pageSpan(start, end)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if last-first >= uint64(len(p.pages)) {
		for pg := range p.pages {
			if pg >= first && pg <= last {
				return true
			}
		}
		return false
	}
	for pg := first; pg <= last; pg++ {
		if _, ok := p.pages[pg]; ok {
			return true
		}
	}
	return false
}

func (p *pageSet) reset() {
	p.mu.Lock()
	clear(p.pages)
	p.mu.Unlock()
}

func (p *pageSet) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pages)
}

// InvalidateRange is called after guest memory in [addr, addr+length) was
// written. Every block overlapping the range loses its code, its hotness and
// its translations, and moves to Invalidated; compiles in flight for it are
// discarded when they finish. It returns the number of blocks invalidated.
func (d *Dispatcher) InvalidateRange(addr types.GuestAddress, length uint64) int {
	if length == 0 {
		return 0
	}
	end := addr + types.GuestAddress(length)
	if end < addr {
		end = math.MaxUint64
	}
	if !d.pages.overlaps(uint64(addr), uint64(end)) {
		d.rangeSkips.Add(1)
		return 0
	}

	d.invalMu.Lock()
	defer d.invalMu.Unlock()
	removed := d.code.InvalidateRange(addr, end)
	d.hot.InvalidateRange(addr, end)
	d.caches.InvalidateRange(uint64(addr), uint64(end))
	n := 0
	d.states.Range(func(k, v any) bool {
		start, info := k.(types.GuestAddress), v.(*blockInfo)
		blockEnd := types.GuestAddress(info.end.Load())
		if blockEnd <= start {
			blockEnd = start + 1
		}
		if start < end && addr < blockEnd {
			info.gen.Add(1)
			info.failed.Store(0)
			info.state.Store(uint32(types.StateInvalidated))
			n++
		}
		return true
	})
	d.invalidations.Add(uint64(n))
	log.Debug(log.DispatchMonitoring, "Dispatcher: range invalidated", "start", addr, "end", end,
		"blocks", n, "code", len(removed))
	return n
}

// FlushAllCaches drops all compiled code, hotness, translations and block
// states. Compiles in flight are discarded when they finish.
func (d *Dispatcher) FlushAllCaches() {
	d.invalMu.Lock()
	defer d.invalMu.Unlock()
	d.epoch.Add(1)
	n := d.code.Flush()
	d.hot.Flush()
	d.caches.Purge()
	d.pages.reset()
	d.states.Range(func(k, _ any) bool {
		d.states.Delete(k)
		return true
	})
	log.Info(log.DispatchMonitoring, "Dispatcher: caches flushed", "code", n, "epoch", d.epoch.Load())
}
