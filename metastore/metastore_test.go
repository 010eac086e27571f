package metastore

import (
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func cfgFor(backend, dir string) config.MetadataConfig {
	return config.MetadataConfig{Enabled: true, Backend: backend, Dir: dir}
}

var backends = []string{"file", "leveldb", "pebble"}

func TestStoreLoadRoundTrip(t *testing.T) {
	s, err := Open(cfgFor("file", ""))
	require.NoError(t, err)
	defer s.Close()

	want := types.CompiledBlockMetadata{IRHash: 42, CodeSize: 128, CompileCount: 5}
	require.NoError(t, s.Store(0x1000, want))
	got, ok := s.Load(0x1000)
	require.True(t, ok)
	assert.True(t, want.Equal(got), "got %+v", got)

	_, ok = s.LoadMatching(0x1000, 41)
	assert.False(t, ok)
	_, ok = s.LoadMatching(0x1000, 42)
	assert.True(t, ok)
	_, ok = s.Load(0x2000)
	assert.False(t, ok)
}

func TestRecordCompilationCounts(t *testing.T) {
	now := time.Unix(1700000000, 5)
	s, err := Open(cfgFor("file", ""), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 3; i++ {
		_, err := s.RecordCompilation(0x40, 7, 64)
		require.NoError(t, err)
	}
	m, err := s.RecordCompilation(0x40, 8, 96)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), m.CompileCount)
	assert.Equal(t, uint64(8), m.IRHash)
	assert.Equal(t, uint64(96), m.CodeSize)
	assert.Equal(t, now.UnixNano(), m.LastCompiled.UnixNano())

	_, err = s.RecordCompilation(0x80, 1, 8)
	require.NoError(t, err)
	all := s.All()
	require.Len(t, all, 2)
	assert.Equal(t, types.GuestAddress(0x40), all[0].Addr)

	st := s.Stats()
	assert.Equal(t, 2, st.Entries)
	assert.Equal(t, uint64(5), st.TotalCompiles)
	assert.Equal(t, uint64(104), st.TotalCodeSize)
	assert.False(t, st.Durable)
}

func TestPersistAcrossReopen(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(cfgFor(backend, dir))
			require.NoError(t, err)
			last := time.Unix(1700000000, 123456789).UTC()
			records := map[types.GuestAddress]types.CompiledBlockMetadata{
				0x1000: {IRHash: 42, CodeSize: 128, CompileCount: 5, LastCompiled: last},
				0x2000: {IRHash: 7, CodeSize: 16, CompileCount: 1},
			}
			for addr, m := range records {
				require.NoError(t, s.Store(addr, m))
			}
			require.NoError(t, s.Flush())
			// Updates after the explicit flush are written by Close.
			_, err = s.RecordCompilation(0x2000, 8, 24)
			require.NoError(t, err)
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Close(), vmerrors.ErrStoreClosed)

			s, err = Open(cfgFor(backend, dir))
			require.NoError(t, err)
			defer s.Close()
			st := s.Stats()
			assert.True(t, st.Durable)
			assert.Equal(t, 2, st.Loaded)

			got, ok := s.Load(0x1000)
			require.True(t, ok)
			assert.True(t, records[0x1000].Equal(got), cmp.Diff(records[0x1000], got))
			got, ok = s.Load(0x2000)
			require.True(t, ok)
			assert.Equal(t, uint32(2), got.CompileCount)
			assert.Equal(t, uint64(8), got.IRHash)
		})
	}
}

func TestVersionMismatchStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(cfgFor("file", dir))
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, s.Store(types.GuestAddress(0x1000*i), types.CompiledBlockMetadata{IRHash: uint64(i), CompileCount: 1}))
	}
	require.NoError(t, s.Close())

	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	binary.LittleEndian.PutUint32(data[4:], FormatVersion+1)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	s, err = Open(cfgFor("file", dir))
	require.NoError(t, err)
	defer s.Close()
	for i := 0; i < 4; i++ {
		_, ok := s.Load(types.GuestAddress(0x1000 * i))
		assert.False(t, ok, "block %d survived a version mismatch", i)
	}
	st := s.Stats()
	assert.Equal(t, uint64(1), st.Rejected)
	assert.Zero(t, st.Entries)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "rejected file is removed")
}

func TestKVVersionMismatchStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(cfgFor("leveldb", dir))
	require.NoError(t, err)
	require.NoError(t, s.Store(0x10, types.CompiledBlockMetadata{IRHash: 1, CompileCount: 3}))
	require.NoError(t, s.Close())

	b, err := newLevelBackend(filepath.Join(dir, "leveldb"))
	require.NoError(t, err)
	require.NoError(t, b.db.Put(versionKey, binary.LittleEndian.AppendUint32(nil, 99), nil))
	require.NoError(t, b.Close())

	s, err = Open(cfgFor("leveldb", dir))
	require.NoError(t, err)
	_, ok := s.Load(0x10)
	assert.False(t, ok)
	assert.Equal(t, uint64(1), s.Stats().Rejected)
	require.NoError(t, s.Close())

	// The reset stamped the current version, so the next open is clean.
	s, err = Open(cfgFor("leveldb", dir))
	require.NoError(t, err)
	defer s.Close()
	assert.Zero(t, s.Stats().Rejected)
	assert.Zero(t, s.Len())
}

func TestCorruptedFileLoadsEmpty(t *testing.T) {
	records := []Record{
		{Addr: 0x100, CompiledBlockMetadata: types.CompiledBlockMetadata{IRHash: 1, CodeSize: 8, CompileCount: 2}},
		{Addr: 0x200, CompiledBlockMetadata: types.CompiledBlockMetadata{IRHash: 2, CodeSize: 16, CompileCount: 9}},
	}
	good := EncodeFile(records)
	decoded, err := DecodeFile(good)
	require.NoError(t, err)
	if diff := cmp.Diff(records, decoded); diff != "" {
		t.Fatalf("decode mismatch (-want +got):\n%s", diff)
	}

	flipped := append([]byte(nil), good...)
	flipped[headerSize+9] ^= 0xff
	cases := map[string][]byte{
		"short":     good[:10],
		"truncated": good[:len(good)-12],
		"checksum":  flipped,
		"magic":     append([]byte("XXXX"), good[4:]...),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFile(data)
			require.ErrorIs(t, err, vmerrors.ErrCorruptedMetadata)

			dir := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), data, 0o644))
			s, err := Open(cfgFor("file", dir))
			require.NoError(t, err)
			defer s.Close()
			assert.Zero(t, s.Len())
			assert.Equal(t, uint64(1), s.Stats().Rejected)
		})
	}
}

func TestIOErrorsAreNotFatal(t *testing.T) {
	// A regular file where the directory should be.
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	s, err := Open(cfgFor("file", filepath.Join(blocker, "meta")))
	require.NoError(t, err)
	require.NoError(t, s.Store(0x1, types.CompiledBlockMetadata{CompileCount: 1}))
	require.NoError(t, s.Flush())
	assert.False(t, s.Stats().Durable)
	require.NoError(t, s.Close())

	dir := filepath.Join(t.TempDir(), "meta")
	s, err = Open(cfgFor("file", dir))
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Store(0x2, types.CompiledBlockMetadata{CompileCount: 1}))
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o644))

	err = s.Flush()
	require.ErrorIs(t, err, vmerrors.ErrPersist)
	assert.Equal(t, vmerrors.CategoryIO, vmerrors.Category(err))
	_, ok := s.Load(0x2)
	assert.True(t, ok, "in-memory layer keeps working")
	st := s.Stats()
	assert.Equal(t, uint64(1), st.FlushErrors)
	assert.Equal(t, 1, st.Dirty)

	_, err = Open(cfgFor("sqlite", ""))
	assert.Error(t, err)
}

func TestFlushLoop(t *testing.T) {
	dir := t.TempDir()
	cfg := cfgFor("pebble", dir)
	cfg.FlushInterval = config.Duration(5 * time.Millisecond)
	s, err := Open(cfg)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.Store(0x10, types.CompiledBlockMetadata{CompileCount: 1}))
	assert.Eventually(t, func() bool {
		st := s.Stats()
		return st.Flushes > 0 && st.Dirty == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestClearEmptiesBackend(t *testing.T) {
	for _, backend := range backends {
		t.Run(backend, func(t *testing.T) {
			dir := t.TempDir()
			s, err := Open(cfgFor(backend, dir))
			require.NoError(t, err)
			_, err = s.RecordCompilation(0x10, 1, 8)
			require.NoError(t, err)
			require.NoError(t, s.Flush())
			require.NoError(t, s.Clear())
			assert.Zero(t, s.Len())
			require.NoError(t, s.Close())
			assert.ErrorIs(t, s.Clear(), vmerrors.ErrStoreClosed)

			s, err = Open(cfgFor(backend, dir))
			require.NoError(t, err)
			defer s.Close()
			assert.Zero(t, s.Len())
		})
	}
}

// gatedBackend blocks every Write until release is closed.
type gatedBackend struct {
	entered chan struct{}
	release chan struct{}
	fail    atomic.Bool
}

func (g *gatedBackend) Name() string            { return "gated" }
func (g *gatedBackend) Load() ([]Record, error) { return nil, nil }
func (g *gatedBackend) Reset() error            { return nil }
func (g *gatedBackend) Close() error            { return nil }

func (g *gatedBackend) Write(_, _ []Record) error {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	if g.fail.Load() {
		return errors.New("disk full")
	}
	return nil
}

func TestFlushDoesNotBlockRecording(t *testing.T) {
	s, err := Open(cfgFor("file", ""))
	require.NoError(t, err)
	gated := &gatedBackend{entered: make(chan struct{}, 1), release: make(chan struct{})}
	s.backend = gated
	defer s.Close()

	_, err = s.RecordCompilation(0x10, 1, 8)
	require.NoError(t, err)
	gated.fail.Store(true)
	flushed := make(chan error, 1)
	go func() { flushed <- s.Flush() }()
	<-gated.entered

	recorded := make(chan error, 1)
	go func() {
		_, err := s.RecordCompilation(0x20, 2, 16)
		recorded <- err
	}()
	select {
	case err := <-recorded:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("RecordCompilation waited for the backend write")
	}
	m, ok := s.Load(0x20)
	require.True(t, ok)
	assert.Equal(t, uint32(1), m.CompileCount)
	assert.Equal(t, 1, s.Stats().Dirty, "only the block stored during the write")

	close(gated.release)
	require.ErrorIs(t, <-flushed, vmerrors.ErrPersist)
	st := s.Stats()
	assert.Equal(t, 2, st.Dirty, "failed records are dirty again")
	assert.Equal(t, uint64(1), st.FlushErrors)

	gated.fail.Store(false)
	require.NoError(t, s.Flush())
	st = s.Stats()
	assert.Zero(t, st.Dirty)
	assert.Equal(t, uint64(1), st.Flushes)
}
