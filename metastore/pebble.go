package metastore

import (
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// pebbleBackend keeps one key per block in a Pebble database.
type pebbleBackend struct {
	db *pebble.DB
}

// newPebbleBackend opens the database at path, or an in-memory one when path
// is empty.
func newPebbleBackend(path string) (*pebbleBackend, error) {
	opts := &pebble.Options{}
	dir := path
	if dir == "" {
		dir = "metastore"
		opts.FS = vfs.NewMem()
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble at %s: %w", path, err)
	}
	return &pebbleBackend{db: db}, nil
}

func (p *pebbleBackend) Name() string { return "pebble" }

func recordBounds() *pebble.IterOptions {
	upper := append([]byte(nil), recordPrefix...)
	upper[len(upper)-1]++
	return &pebble.IterOptions{LowerBound: recordPrefix, UpperBound: upper}
}

func (p *pebbleBackend) Load() ([]Record, error) {
	iter, err := p.db.NewIter(recordBounds())
	if err != nil {
		return nil, err
	}
	var out []Record
	var decodeErr error
	for iter.First(); iter.Valid(); iter.Next() {
		r, err := decodeRecord(iter.Value())
		if err != nil {
			decodeErr = err
			break
		}
		out = append(out, r)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	v, closer, err := p.db.Get(versionKey)
	present := err == nil
	if err != nil && !errors.Is(err, pebble.ErrNotFound) {
		return nil, err
	}
	var version []byte
	if present {
		version = append(version, v...)
		closer.Close()
	}
	fresh, err := checkVersion(version, present, len(out) > 0 || decodeErr != nil)
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if fresh {
		return nil, p.db.Set(versionKey, versionValue(), pebble.Sync)
	}
	return out, nil
}

func (p *pebbleBackend) Write(changed, _ []Record) error {
	batch := p.db.NewBatch()
	defer batch.Close()
	for _, r := range changed {
		if err := batch.Set(recordKey(r.Addr), appendRecord(nil, r), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

func (p *pebbleBackend) Reset() error {
	bounds := recordBounds()
	batch := p.db.NewBatch()
	defer batch.Close()
	if err := batch.DeleteRange(bounds.LowerBound, bounds.UpperBound, nil); err != nil {
		return err
	}
	if err := batch.Set(versionKey, versionValue(), nil); err != nil {
		return err
	}
	return batch.Commit(pebble.Sync)
}

func (p *pebbleBackend) Close() error {
	return p.db.Close()
}
