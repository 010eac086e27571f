package metastore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// backend is the durable layer under the in-memory map. Store serializes all
// calls.
type backend interface {
	Name() string
	// Load returns every persisted record. ErrVersionMismatch and
	// ErrCorruptedMetadata make the caller start empty and Reset.
	Load() ([]Record, error)
	// Write persists changed records. all is the full current content for
	// backends that rewrite everything.
	Write(changed, all []Record) error
	Reset() error
	Close() error
}

// FileName is the file backend's file inside the metadata directory.
const FileName = "blocks.vmcm"

type fileBackend struct {
	path string
}

func newFileBackend(dir string) (*fileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &fileBackend{path: filepath.Join(dir, FileName)}, nil
}

func (f *fileBackend) Name() string { return "file" }

func (f *fileBackend) Load() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return DecodeFile(data)
}

// Write replaces the file atomically: the new content goes to a temp file in
// the same directory, which is then renamed over the old one.
func (f *fileBackend) Write(_, all []Record) error {
	tmp, err := os.CreateTemp(filepath.Dir(f.path), FileName+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(EncodeFile(all)); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("rename %s: %w", f.path, err)
	}
	return nil
}

func (f *fileBackend) Reset() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (f *fileBackend) Close() error { return nil }
