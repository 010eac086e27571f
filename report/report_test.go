package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/decoder"
	"github.com/colorfulnotion/vmcore/dispatch"
	"github.com/colorfulnotion/vmcore/interp"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spinning(t *testing.T, n int) *dispatch.Dispatcher {
	t.Helper()
	b := decoder.NewProgramBuilder(types.ArchX86_64, 0x400)
	b.Emit(types.ADD, types.RegOp(1, 64), types.ImmOp(1))
	b.Emit(types.JMP, types.ImmOp(0x400))
	cfg := config.DefaultConfig()
	cfg.Metadata = config.MetadataConfig{Enabled: true, Backend: "leveldb"}
	d, err := dispatch.New(cfg, b.Source(), nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })

	st := interp.NewState(0x400)
	_, _, err = d.Run(context.Background(), st, n)
	require.NoError(t, err)
	return d
}

func TestCollect(t *testing.T) {
	d := spinning(t, 20)
	s := Collect(d, 5)
	require.Len(t, s.HotBlocks, 1)
	assert.Equal(t, types.GuestAddress(0x400), s.HotBlocks[0].Addr)
	require.Len(t, s.Code, 1)
	assert.Equal(t, types.TierBaseline, s.Code[0].Tier)
	require.Len(t, s.Metadata, 1)
	assert.Equal(t, uint32(1), s.Metadata[0].CompileCount)
	assert.Equal(t, uint64(20), s.Stats.Dispatches)
}

func TestTextTree(t *testing.T) {
	s := Collect(spinning(t, 20), 0)
	s.Taken = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, s))
	out := buf.String()
	for _, want := range []string{
		"vmcore @ 2026-01-02T03:04:05Z",
		"dispatch: 20 blocks entered",
		"[baseline]  1",
		"code cache: 1 blocks",
		"[warm]  0x400 ewma",
		"baseline code",
		"metadata (leveldb): 1 blocks",
		"known blocks",
	} {
		assert.Contains(t, out, want)
	}
}

func TestTextTreeWithoutMetadata(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteText(&buf, Snapshot{}))
	assert.NotContains(t, buf.String(), "metadata")
	assert.Contains(t, buf.String(), "hot blocks")
}

func TestHTMLPage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHTML(&buf, Collect(spinning(t, 20), 0)))
	out := buf.String()
	assert.Contains(t, out, "<title>vmcore report</title>")
	assert.Contains(t, out, "Hot blocks")
	assert.Contains(t, out, "Block states")
	assert.Contains(t, out, "0x400")
}
