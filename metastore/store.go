// Package metastore persists per-block compilation statistics across runs.
//
// Reads are served from an in-memory map without locking. Writes mark blocks
// dirty and a single writer moves them to the durable backend, either on the
// background flush loop or on Flush and Close. The writer holds the store
// lock only to take the dirty set, never across backend I/O. Persistence failures never
// reach the caller as fatal errors: a rejected or unreadable store starts
// empty and a failed write keeps the blocks dirty for the next attempt.
package metastore

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// Stats aggregates the content of the store and its persistence history.
type Stats struct {
	Backend       string    `json:"backend"`
	Durable       bool      `json:"durable"`
	Entries       int       `json:"entries"`
	TotalCompiles uint64    `json:"total_compiles"`
	TotalCodeSize uint64    `json:"total_code_size"`
	Loaded        int       `json:"loaded"`
	Rejected      uint64    `json:"rejected"` // loads discarded for version or corruption
	Stores        uint64    `json:"stores"`
	Flushes       uint64    `json:"flushes"`
	FlushErrors   uint64    `json:"flush_errors"`
	Dirty         int       `json:"dirty"`
	LastFlush     time.Time `json:"last_flush"`
}

type Option func(*Store)

// WithClock replaces time.Now for last_compiled stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type Store struct {
	entries sync.Map // types.GuestAddress -> types.CompiledBlockMetadata
	size    atomic.Int64
	closed  atomic.Bool
	now     func() time.Time

	mu        sync.Mutex // dirty set and counters
	dirty     map[types.GuestAddress]struct{}
	backend   backend
	name      string
	loaded    int
	rejected  uint64
	stores    uint64
	flushes   uint64
	flushErrs uint64
	lastFlush time.Time

	wmu    sync.Mutex // single writer to backend
	shut   bool       // backend closed, guarded by wmu
	stopCh chan struct{}
	wg     sync.WaitGroup
}

func openBackend(cfg config.MetadataConfig) (backend, error) {
	switch cfg.Backend {
	case "", "file":
		if cfg.Dir == "" {
			return nil, nil
		}
		return newFileBackend(cfg.Dir)
	case "leveldb":
		if cfg.Dir == "" {
			return newLevelBackend("")
		}
		return newLevelBackend(filepath.Join(cfg.Dir, "leveldb"))
	case "pebble":
		if cfg.Dir == "" {
			return newPebbleBackend("")
		}
		return newPebbleBackend(filepath.Join(cfg.Dir, "pebble"))
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Open loads the store described by cfg. Only an unknown backend is an
// error; a backend that cannot be opened leaves a working memory-only store.
func Open(cfg config.MetadataConfig, opts ...Option) (*Store, error) {
	s := &Store{
		dirty:  make(map[types.GuestAddress]struct{}),
		name:   cfg.Backend,
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.name == "" {
		s.name = "file"
	}

	if isUnknownBackend(cfg.Backend) {
		return nil, fmt.Errorf("metastore: unknown backend %q", cfg.Backend)
	}
	b, err := openBackend(cfg)
	switch {
	case err != nil:
		log.Warn(log.MetaMonitoring, "MetaStore: backend unavailable, running in memory", "backend", s.name, "dir", cfg.Dir, "err", err)
	case b != nil:
		s.backend = b
		s.load()
	}

	if s.backend != nil && cfg.FlushInterval > 0 {
		s.wg.Add(1)
		go s.runLoop(cfg.FlushInterval.D())
	}
	log.Info(log.MetaMonitoring, "MetaStore: opened", "backend", s.name, "durable", s.backend != nil, "entries", s.loaded)
	return s, nil
}

func isUnknownBackend(name string) bool {
	switch name {
	case "", "file", "leveldb", "pebble":
		return false
	}
	return true
}

func (s *Store) load() {
	records, err := s.backend.Load()
	if errors.Is(err, vmerrors.ErrVersionMismatch) || errors.Is(err, vmerrors.ErrCorruptedMetadata) {
		s.rejected++
		log.Warn(log.MetaMonitoring, "MetaStore: discarding persisted metadata", "backend", s.name, "err", err)
		if err := s.backend.Reset(); err != nil {
			log.Warn(log.MetaMonitoring, "MetaStore: reset failed", "backend", s.name, "err", err)
		}
		return
	}
	if err != nil {
		log.Warn(log.MetaMonitoring, "MetaStore: load failed", "backend", s.name, "err", err)
		return
	}
	for _, r := range records {
		if _, dup := s.entries.Swap(r.Addr, r.CompiledBlockMetadata); !dup {
			s.size.Add(1)
		}
	}
	s.loaded = len(records)
}

// Load returns the metadata recorded for addr.
func (s *Store) Load(addr types.GuestAddress) (types.CompiledBlockMetadata, bool) {
	v, ok := s.entries.Load(addr)
	if !ok {
		return types.CompiledBlockMetadata{}, false
	}
	return v.(types.CompiledBlockMetadata), true
}

// LoadMatching is Load restricted to metadata recorded for the same block
// content.
func (s *Store) LoadMatching(addr types.GuestAddress, irHash uint64) (types.CompiledBlockMetadata, bool) {
	m, ok := s.Load(addr)
	if !ok || m.IRHash != irHash {
		return types.CompiledBlockMetadata{}, false
	}
	return m, true
}

// Store replaces the metadata of addr. The write reaches the backend on the
// next flush.
func (s *Store) Store(addr types.GuestAddress, meta types.CompiledBlockMetadata) error {
	if s.closed.Load() {
		return vmerrors.ErrStoreClosed
	}
	s.mu.Lock()
	s.put(addr, meta)
	s.mu.Unlock()
	return nil
}

// RecordCompilation stamps a successful compilation of addr and returns the
// updated metadata. compile_count keeps counting across content changes.
func (s *Store) RecordCompilation(addr types.GuestAddress, irHash uint64, size int) (types.CompiledBlockMetadata, error) {
	if s.closed.Load() {
		return types.CompiledBlockMetadata{}, vmerrors.ErrStoreClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, _ := s.Load(addr)
	meta := types.CompiledBlockMetadata{
		IRHash:       irHash,
		CodeSize:     uint64(size),
		LastCompiled: s.now().UTC(),
		CompileCount: prev.CompileCount + 1,
	}
	if prev.CompileCount == ^uint32(0) {
		meta.CompileCount = prev.CompileCount
	}
	s.put(addr, meta)
	return meta, nil
}

// put requires s.mu.
func (s *Store) put(addr types.GuestAddress, meta types.CompiledBlockMetadata) {
	if _, existed := s.entries.Swap(addr, meta); !existed {
		s.size.Add(1)
	}
	s.dirty[addr] = struct{}{}
	s.stores++
}

// Clear drops every record, in memory and in the backend.
func (s *Store) Clear() error {
	if s.closed.Load() {
		return vmerrors.ErrStoreClosed
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.mu.Lock()
	s.entries.Range(func(k, _ any) bool {
		s.entries.Delete(k)
		s.size.Add(-1)
		return true
	})
	clear(s.dirty)
	s.mu.Unlock()
	if s.backend == nil || s.shut {
		return nil
	}
	if err := s.backend.Reset(); err != nil {
		return fmt.Errorf("%w: %s: %v", vmerrors.ErrPersist, s.name, err)
	}
	return nil
}

func (s *Store) Len() int { return int(s.size.Load()) }

// All returns every record, most compiled first.
func (s *Store) All() []Record {
	out := s.snapshot()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CompileCount > out[j].CompileCount
	})
	return out
}

// snapshot is sorted by address.
func (s *Store) snapshot() []Record {
	out := make([]Record, 0, s.Len())
	s.entries.Range(func(k, v any) bool {
		out = append(out, Record{Addr: k.(types.GuestAddress), CompiledBlockMetadata: v.(types.CompiledBlockMetadata)})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Flush writes dirty blocks to the backend. The error wraps ErrPersist; the
// blocks stay dirty and the in-memory content is unaffected.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return vmerrors.ErrStoreClosed
	}
	return s.flush()
}

func (s *Store) flush() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	return s.writeDirty()
}

// writeDirty requires s.wmu. Blocks stored while the backend is written stay
// dirty for the next flush.
func (s *Store) writeDirty() error {
	if s.backend == nil || s.shut {
		return nil
	}
	s.mu.Lock()
	if len(s.dirty) == 0 {
		s.mu.Unlock()
		return nil
	}
	changed := make([]Record, 0, len(s.dirty))
	for addr := range s.dirty {
		changed = append(changed, Record{Addr: addr})
	}
	clear(s.dirty)
	s.mu.Unlock()

	for i := range changed {
		changed[i].CompiledBlockMetadata, _ = s.Load(changed[i].Addr)
	}
	err := s.backend.Write(changed, s.snapshot())

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		for _, r := range changed {
			s.dirty[r.Addr] = struct{}{}
		}
		s.flushErrs++
		log.Warn(log.MetaMonitoring, "MetaStore: flush failed", "backend", s.name, "dirty", len(changed), "err", err)
		return fmt.Errorf("%w: %s: %v", vmerrors.ErrPersist, s.name, err)
	}
	s.flushes++
	s.lastFlush = s.now()
	log.Debug(log.MetaMonitoring, "MetaStore: flushed", "backend", s.name, "records", len(changed))
	return nil
}

func (s *Store) runLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_ = s.flush()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Store) Stats() Stats {
	st := Stats{Backend: s.name, Entries: s.Len()}
	s.entries.Range(func(_, v any) bool {
		m := v.(types.CompiledBlockMetadata)
		st.TotalCompiles += uint64(m.CompileCount)
		st.TotalCodeSize += m.CodeSize
		return true
	})
	s.mu.Lock()
	st.Durable = s.backend != nil
	st.Loaded = s.loaded
	st.Rejected = s.rejected
	st.Stores = s.stores
	st.Flushes = s.flushes
	st.FlushErrors = s.flushErrs
	st.Dirty = len(s.dirty)
	st.LastFlush = s.lastFlush
	s.mu.Unlock()
	return st
}

// Close stops the flush loop, writes what is dirty and closes the backend.
// A second Close returns ErrStoreClosed.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return vmerrors.ErrStoreClosed
	}
	close(s.stopCh)
	s.wg.Wait()
	s.wmu.Lock()
	defer s.wmu.Unlock()
	flushErr := s.writeDirty()
	if s.backend == nil {
		return flushErr
	}
	s.shut = true
	return errors.Join(flushErr, s.backend.Close())
}
