package dispatch

import (
	"context"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/metastore"
	"github.com/colorfulnotion/vmcore/types"
)

// EnableMetadataCache opens the cross-run metadata store and starts recording
// compilations into it. A store opened earlier is closed. Only an invalid
// backend name is an error; an unusable directory leaves a memory-only store.
func (d *Dispatcher) EnableMetadataCache(cfg config.MetadataConfig) error {
	s, err := metastore.Open(cfg)
	if err != nil {
		return err
	}
	if old := d.meta.Swap(s); old != nil {
		if err := old.Close(); err != nil {
			log.Warn(log.DispatchMonitoring, "Dispatcher: closing previous metadata store", "err", err)
		}
	}
	return nil
}

// seedFromMetadata starts a block that was compiled often in earlier runs at
// a higher hotness tier.
func (d *Dispatcher) seedFromMetadata(addr types.GuestAddress) {
	m := d.meta.Load()
	if m == nil {
		return
	}
	rec, ok := m.Load(addr)
	if !ok {
		return
	}
	if tier := d.hot.SeedTier(rec.CompileCount); tier != types.Cold {
		d.hot.Seed(addr, tier)
	}
}

// Prewarm compiles blocks known from earlier runs, most compiled first, up to
// the configured limit. Compiles run on the caller and stop when ctx is done.
// A block whose content no longer matches its recorded hash is skipped. It
// returns the number of blocks installed.
func (d *Dispatcher) Prewarm(ctx context.Context) (int, error) {
	m := d.meta.Load()
	if m == nil {
		return 0, nil
	}
	limit := d.cfg.Dispatch.PrewarmLimit
	n := 0
	for _, rec := range m.All() {
		if limit > 0 && n >= limit {
			break
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		tier := d.hot.SeedTier(rec.CompileCount)
		if tier == types.Cold {
			break // records are sorted by compile_count
		}
		info, _ := d.info(rec.Addr)
		want := tier.CompileTier()
		if info.compiled() >= want || !info.claim(want) {
			continue
		}
		r := d.build(ctx, job{
			addr:   rec.Addr,
			tier:   want,
			irHash: rec.IRHash,
			epoch:  d.epoch.Load(),
			gen:    info.gen.Load(),
			queued: time.Now(),
		})
		d.publish(r)
		if info.compiled() >= types.TierBaseline {
			d.hot.Seed(rec.Addr, tier)
			n++
		}
	}
	log.Info(log.DispatchMonitoring, "Dispatcher: prewarmed", "blocks", n, "known", m.Len())
	return n, nil
}
