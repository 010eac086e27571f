package metastore

import (
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	leveldbstorage "github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// levelBackend keeps one key per block in LevelDB.
// Thread-safe: LevelDB handles its own synchronization.
type levelBackend struct {
	db *leveldb.DB
}

// newLevelBackend opens or creates a LevelDB database at the given path.
// If path is empty, uses in-memory storage.
func newLevelBackend(path string) (*levelBackend, error) {
	var db *leveldb.DB
	var err error

	if path == "" {
		db, err = leveldb.Open(leveldbstorage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database at %s: %w", path, err)
	}
	return &levelBackend{db: db}, nil
}

func (l *levelBackend) Name() string { return "leveldb" }

// get returns (nil, false, nil) if key is not found.
func (l *levelBackend) get(key []byte) ([]byte, bool, error) {
	data, err := l.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("Get %s: %w", key, err)
	}
	return data, true, nil
}

func (l *levelBackend) Load() ([]Record, error) {
	iter := l.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	defer iter.Release()

	var out []Record
	var decodeErr error
	for iter.Next() {
		r, err := decodeRecord(iter.Value())
		if err != nil {
			decodeErr = err
			break
		}
		out = append(out, r)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}

	v, ok, err := l.get(versionKey)
	if err != nil {
		return nil, err
	}
	fresh, err := checkVersion(v, ok, len(out) > 0 || decodeErr != nil)
	if err != nil {
		return nil, err
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	if fresh {
		return nil, l.db.Put(versionKey, versionValue(), nil)
	}
	return out, nil
}

func (l *levelBackend) Write(changed, _ []Record) error {
	batch := new(leveldb.Batch)
	for _, r := range changed {
		batch.Put(recordKey(r.Addr), appendRecord(nil, r))
	}
	return l.db.Write(batch, nil)
}

// Reset deletes every record and stamps the current version.
func (l *levelBackend) Reset() error {
	iter := l.db.NewIterator(util.BytesPrefix(recordPrefix), nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		batch.Delete(append([]byte(nil), iter.Key()...))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		return err
	}
	batch.Put(versionKey, versionValue())
	return l.db.Write(batch, nil)
}

func (l *levelBackend) Close() error {
	return l.db.Close()
}
