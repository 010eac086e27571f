package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 0.1, cfg.Hotspot.Alpha)
	assert.Equal(t, 20, cfg.CodeCache.SampleSize)
	assert.Equal(t, 0.2, cfg.CodeCache.EvictFraction)
	assert.True(t, cfg.Dispatch.SyncBaseline)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.json")
	body := `{"code_cache": {"shards": 8, "age_scale": "250ms"}, "metadata": {"enabled": true, "backend": "pebble"}}`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.CodeCache.Shards)
	assert.Equal(t, 250*time.Millisecond, cfg.CodeCache.AgeScale.D())
	assert.Equal(t, DefaultShardCapacity, cfg.CodeCache.ShardCapacity)
	assert.Equal(t, "pebble", cfg.Metadata.Backend)
	assert.True(t, cfg.Metadata.Enabled)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vm.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"code_cache": {"shard": 8}}`), 0o644))
	_, err := Load(path)
	require.Error(t, err)
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CodeCache.Shards = 12
	cfg.Hotspot.Alpha = 1.5
	cfg.Metadata.Backend = "sqlite"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "power of two")
	assert.Contains(t, err.Error(), "alpha")
	assert.Contains(t, err.Error(), "sqlite")
}
