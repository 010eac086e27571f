package transcache

import (
	"testing"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func block(start, end uint64) *types.IRBlock {
	return &types.IRBlock{
		StartPC: types.GuestAddress(start),
		EndPC:   types.GuestAddress(end),
		Ops:     []types.IROp{{Op: types.IR_MOVI, Dst: 1, Imm: 7}},
		Term:    types.Terminator{Kind: types.TERM_JUMP, Target: end},
	}
}

func TestResultCacheClonesValues(t *testing.T) {
	c := New(config.DefaultTranslationCacheConfig())
	key := CacheKey{SourceArch: types.ArchX86_64, TargetArch: types.ArchIR, Hash: 99}
	b := block(0x1000, 0x1010)
	c.PutResult(key, b)
	b.Ops[0].Imm = 8 // caller keeps mutating its copy

	got, ok := c.GetResult(key)
	require.True(t, ok)
	assert.Equal(t, int64(7), got.Ops[0].Imm)

	got.Ops[0].Imm = 9
	again, _ := c.GetResult(key)
	assert.Equal(t, int64(7), again.Ops[0].Imm)

	s := c.Stats().Level(LevelResult)
	assert.Equal(t, uint64(2), s.Hits)
	assert.Equal(t, uint64(0), s.Misses)
}

func TestLRUEvictionPerLevel(t *testing.T) {
	c := New(config.TranslationCacheConfig{EncodingCapacity: 2, PatternCapacity: 2, ResultCapacity: 2})
	c.PutEncoding(1, []byte{1})
	c.PutEncoding(2, []byte{2})
	_, _ = c.GetEncoding(1) // 2 is now least recently used
	c.PutEncoding(3, []byte{3})

	_, ok := c.GetEncoding(2)
	assert.False(t, ok)
	_, ok = c.GetEncoding(1)
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len(LevelEncoding))

	// other levels are independent
	c.PutPattern(10, Pattern{Rule: 3})
	assert.Equal(t, 1, c.Len(LevelPattern))
	assert.Equal(t, 0, c.Len(LevelResult))
}

func TestInvalidateRange(t *testing.T) {
	c := New(config.DefaultTranslationCacheConfig())
	c.PutResult(CacheKey{Hash: 1}, block(0x1000, 0x1010))
	c.PutResult(CacheKey{Hash: 2}, block(0x1010, 0x1020))
	c.PutResult(CacheKey{Hash: 3}, block(0x2000, 0x2008))
	c.PutEncoding(5, []byte{5})

	n := c.InvalidateRange(0x100c, 0x1014)
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len(LevelResult))
	assert.Equal(t, 1, c.Len(LevelEncoding))

	c.Purge()
	assert.Equal(t, 0, c.Len(LevelResult))
	assert.Equal(t, 0, c.Len(LevelEncoding))
}

func TestCombinedHitRate(t *testing.T) {
	c := New(config.DefaultTranslationCacheConfig())
	c.PutPattern(1, Pattern{Rule: 1})
	c.GetPattern(1)
	c.GetPattern(2)
	c.GetEncoding(3)
	c.GetResult(CacheKey{Hash: 4})
	s := c.Stats()
	assert.InDelta(t, 0.25, s.HitRate, 1e-9)
	assert.InDelta(t, 0.5, s.Level(LevelPattern).HitRate, 1e-9)
}
