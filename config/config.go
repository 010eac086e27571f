// Package config holds the tunables of every component of the execution core
// and loads them from JSON files.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"
	"time"

	"github.com/colorfulnotion/vmcore/types"
)

// Translation cache capacities
const (
	DefaultEncodingCacheCapacity = 8192
	DefaultPatternCacheCapacity  = 1024
	DefaultResultCacheCapacity   = 4096
)

// Hotspot detector parameters
const (
	DefaultAlpha              = 0.1
	DefaultWarmThreshold      = 10
	DefaultHotThreshold       = 1000
	DefaultSeedWarmCompileCnt = 2  // historical compile_count that starts a block Warm
	DefaultSeedHotCompileCnt  = 16 // and Hot
)

// Code cache parameters
const (
	DefaultShards          = 32
	DefaultShardCapacity   = 1024
	DefaultSampleSize      = 20
	DefaultEvictFraction   = 0.2
	DefaultProtectedRecent = 20
	DefaultFrequencyWeight = 0.7
	DefaultAgeWeight       = 0.3
	DefaultAgeScale        = time.Second
)

// Dispatcher parameters
const (
	DefaultWorkers       = 4
	DefaultQueueSize     = 256
	DefaultMaxBlockInsts = 64
	DefaultPrewarmLimit  = 256
	DefaultFlushInterval = 5 * time.Second
)

// Duration is a time.Duration that reads and writes JSON as "1.5s".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration: %s", b)
	}
	*d = Duration(n)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

type TranslatorConfig struct {
	SourceArch           string `json:"source_arch"`
	TargetArch           string `json:"target_arch"`
	HostRegs             int    `json:"host_regs"` // overrides the target default when > 0
	Spill                bool   `json:"spill"`
	InterpretUnsupported bool   `json:"interpret_unsupported"`
}

type TranslationCacheConfig struct {
	EncodingCapacity int `json:"encoding_capacity"`
	PatternCapacity  int `json:"pattern_capacity"`
	ResultCapacity   int `json:"result_capacity"`
}

type HotspotConfig struct {
	Alpha              float64 `json:"alpha"`
	WarmThreshold      float64 `json:"warm_threshold"`
	HotThreshold       float64 `json:"hot_threshold"`
	SeedWarmCompileCnt uint32  `json:"seed_warm_compile_count"`
	SeedHotCompileCnt  uint32  `json:"seed_hot_compile_count"`
}

type CodeCacheConfig struct {
	Shards          int      `json:"shards"`
	ShardCapacity   int      `json:"shard_capacity"`
	SampleSize      int      `json:"sample_size"`
	EvictFraction   float64  `json:"evict_fraction"`
	ProtectedRecent int      `json:"protected_recent"`
	FrequencyWeight float64  `json:"frequency_weight"`
	AgeWeight       float64  `json:"age_weight"`
	AgeScale        Duration `json:"age_scale"`
	Seed            uint64   `json:"seed"` // sampling seed, 0 = time based
}

type CodegenConfig struct {
	CodeBudget int `json:"code_budget"` // total bytes of live code, 0 = unlimited
	BytesPerOp int `json:"bytes_per_op"`
}

type DispatchConfig struct {
	Workers       int      `json:"workers"`
	QueueSize     int      `json:"queue_size"`
	SyncBaseline  bool     `json:"sync_baseline"`
	MaxBlockInsts int      `json:"max_block_insts"`
	DecayInterval Duration `json:"decay_interval"` // 0 disables the decay ticker
	PrewarmLimit  int      `json:"prewarm_limit"`
}

type MetadataConfig struct {
	Enabled       bool     `json:"enabled"`
	Backend       string   `json:"backend"` // file, leveldb or pebble
	Dir           string   `json:"dir"`     // empty = in-memory
	FlushInterval Duration `json:"flush_interval"`
}

// Config aggregates every component configuration.
type Config struct {
	Translator       TranslatorConfig       `json:"translator"`
	TranslationCache TranslationCacheConfig `json:"translation_cache"`
	Hotspot          HotspotConfig          `json:"hotspot"`
	CodeCache        CodeCacheConfig        `json:"code_cache"`
	Codegen          CodegenConfig          `json:"codegen"`
	Dispatch         DispatchConfig         `json:"dispatch"`
	Metadata         MetadataConfig         `json:"metadata"`
	LogLevel         string                 `json:"log_level"`
	LogModules       string                 `json:"log_modules"`
}

func DefaultTranslatorConfig() TranslatorConfig {
	return TranslatorConfig{
		SourceArch:           types.ArchX86_64.String(),
		TargetArch:           types.ArchIR.String(),
		Spill:                true,
		InterpretUnsupported: true,
	}
}

func DefaultTranslationCacheConfig() TranslationCacheConfig {
	return TranslationCacheConfig{
		EncodingCapacity: DefaultEncodingCacheCapacity,
		PatternCapacity:  DefaultPatternCacheCapacity,
		ResultCapacity:   DefaultResultCacheCapacity,
	}
}

func DefaultHotspotConfig() HotspotConfig {
	return HotspotConfig{
		Alpha:              DefaultAlpha,
		WarmThreshold:      DefaultWarmThreshold,
		HotThreshold:       DefaultHotThreshold,
		SeedWarmCompileCnt: DefaultSeedWarmCompileCnt,
		SeedHotCompileCnt:  DefaultSeedHotCompileCnt,
	}
}

func DefaultCodeCacheConfig() CodeCacheConfig {
	return CodeCacheConfig{
		Shards:          DefaultShards,
		ShardCapacity:   DefaultShardCapacity,
		SampleSize:      DefaultSampleSize,
		EvictFraction:   DefaultEvictFraction,
		ProtectedRecent: DefaultProtectedRecent,
		FrequencyWeight: DefaultFrequencyWeight,
		AgeWeight:       DefaultAgeWeight,
		AgeScale:        Duration(DefaultAgeScale),
	}
}

func DefaultCodegenConfig() CodegenConfig {
	return CodegenConfig{BytesPerOp: 8}
}

func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		Workers:       DefaultWorkers,
		QueueSize:     DefaultQueueSize,
		SyncBaseline:  true,
		MaxBlockInsts: DefaultMaxBlockInsts,
		PrewarmLimit:  DefaultPrewarmLimit,
	}
}

func DefaultMetadataConfig() MetadataConfig {
	return MetadataConfig{
		Backend:       "file",
		FlushInterval: Duration(DefaultFlushInterval),
	}
}

// DefaultConfig returns the default configuration of the whole core
func DefaultConfig() Config {
	return Config{
		Translator:       DefaultTranslatorConfig(),
		TranslationCache: DefaultTranslationCacheConfig(),
		Hotspot:          DefaultHotspotConfig(),
		CodeCache:        DefaultCodeCacheConfig(),
		Codegen:          DefaultCodegenConfig(),
		Dispatch:         DefaultDispatchConfig(),
		Metadata:         DefaultMetadataConfig(),
		LogLevel:         "info",
	}
}

// Load reads a JSON configuration file on top of DefaultConfig. Unknown fields
// are rejected so that typos do not silently fall back to defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}
	if _, err := types.ParseArchitecture(c.Translator.SourceArch); err != nil {
		bad("translator.source_arch: %v", err)
	}
	if _, err := types.ParseArchitecture(c.Translator.TargetArch); err != nil {
		bad("translator.target_arch: %v", err)
	}
	if c.Translator.HostRegs < 0 {
		bad("translator.host_regs must be >= 0")
	}
	tc := c.TranslationCache
	if tc.EncodingCapacity <= 0 || tc.PatternCapacity <= 0 || tc.ResultCapacity <= 0 {
		bad("translation_cache capacities must be > 0")
	}
	h := c.Hotspot
	if h.Alpha <= 0 || h.Alpha >= 1 {
		bad("hotspot.alpha must be in (0,1), got %v", h.Alpha)
	}
	if h.WarmThreshold <= 0 || h.HotThreshold <= h.WarmThreshold {
		bad("hotspot thresholds must satisfy 0 < warm < hot")
	}
	cc := c.CodeCache
	if cc.Shards <= 0 || bits.OnesCount(uint(cc.Shards)) != 1 {
		bad("code_cache.shards must be a power of two, got %d", cc.Shards)
	}
	if cc.ShardCapacity <= 0 {
		bad("code_cache.shard_capacity must be > 0")
	}
	if cc.SampleSize <= 0 {
		bad("code_cache.sample_size must be > 0")
	}
	if cc.EvictFraction <= 0 || cc.EvictFraction > 1 {
		bad("code_cache.evict_fraction must be in (0,1]")
	}
	if cc.ProtectedRecent < 0 || cc.ProtectedRecent >= cc.ShardCapacity {
		bad("code_cache.protected_recent must be in [0, shard_capacity)")
	}
	if cc.FrequencyWeight < 0 || cc.AgeWeight < 0 {
		bad("code_cache weights must be >= 0")
	}
	if c.Codegen.CodeBudget < 0 || c.Codegen.BytesPerOp <= 0 {
		bad("codegen: code_budget >= 0 and bytes_per_op > 0 required")
	}
	d := c.Dispatch
	if d.Workers <= 0 || d.QueueSize <= 0 {
		bad("dispatch: workers and queue_size must be > 0")
	}
	if d.MaxBlockInsts <= 0 {
		bad("dispatch.max_block_insts must be > 0")
	}
	switch c.Metadata.Backend {
	case "file", "leveldb", "pebble":
	default:
		bad("metadata.backend %q unknown", c.Metadata.Backend)
	}
	return errors.Join(errs...)
}
