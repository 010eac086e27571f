// Package report renders the state of a dispatcher for people: a text tree
// for terminals and an HTML page of charts.
package report

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/colorfulnotion/vmcore/codecache"
	"github.com/colorfulnotion/vmcore/dispatch"
	"github.com/colorfulnotion/vmcore/hotspot"
	"github.com/colorfulnotion/vmcore/metastore"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/xlab/treeprint"
)

// Snapshot is everything a report shows, captured at one point in time.
type Snapshot struct {
	Taken     time.Time           `json:"taken"`
	Stats     dispatch.CacheStats `json:"stats"`
	HotBlocks []hotspot.Counter   `json:"hot_blocks"`
	Code      []codecache.Entry   `json:"code"`
	Metadata  []metastore.Record  `json:"metadata,omitempty"`
}

// Collect captures d. limit bounds the hot block and metadata listings; 0
// lists everything.
func Collect(d *dispatch.Dispatcher, limit int) Snapshot {
	s := Snapshot{
		Taken:     time.Now(),
		Stats:     d.GetCacheStats(),
		HotBlocks: d.Hotspot().HotBlocks(limit),
		Code:      d.CodeCache().Entries(),
	}
	sort.Slice(s.Code, func(i, j int) bool { return s.Code[i].Addr < s.Code[j].Addr })
	if m := d.Metadata(); m != nil {
		s.Metadata = m.All()
		if limit > 0 && len(s.Metadata) > limit {
			s.Metadata = s.Metadata[:limit]
		}
	}
	return s
}

func (s Snapshot) codeFor(addr types.GuestAddress) (codecache.Entry, bool) {
	i := sort.Search(len(s.Code), func(i int) bool { return s.Code[i].Addr >= addr })
	if i < len(s.Code) && s.Code[i].Addr == addr {
		return s.Code[i], true
	}
	return codecache.Entry{}, false
}

func pct(f float64) string { return fmt.Sprintf("%.1f%%", f*100) }

// Tree builds the text tree of s.
func (s Snapshot) Tree() treeprint.Tree {
	st := s.Stats
	tree := treeprint.New()
	tree.SetValue(fmt.Sprintf("vmcore @ %s", s.Taken.Format(time.RFC3339)))

	d := tree.AddBranch(fmt.Sprintf("dispatch: %d blocks entered, hit rate %s", st.Dispatches, pct(st.HitRate)))
	d.AddMetaNode("hits/misses", fmt.Sprintf("%d/%d", st.Hits, st.Misses))
	d.AddMetaNode("faults", st.Faults)
	d.AddMetaNode("compiles", fmt.Sprintf("baseline %d, optimized %d", st.BaselineCompiles, st.OptimizedCompiles))
	d.AddMetaNode("failures", fmt.Sprintf("%d (%d fell back)", st.CompileFailures, st.Fallbacks))
	d.AddMetaNode("discarded", fmt.Sprintf("stale %d, insert errors %d", st.StaleResults, st.InsertErrors))
	d.AddMetaNode("queue", fmt.Sprintf("submitted %d, dropped %d, completed %d",
		st.QueueSubmitted, st.QueueDropped, st.QueueCompleted))
	d.AddMetaNode("invalidations", fmt.Sprintf("%d (%d writes skipped, %d code pages)",
		st.Invalidations, st.RangeSkips, st.CodePages))
	states := d.AddBranch("block states")
	for _, name := range sortedKeys(st.Blocks) {
		states.AddMetaNode(name, st.Blocks[name])
	}

	c := tree.AddBranch(fmt.Sprintf("code cache: %d blocks, %d bytes", st.CachedBlocks, st.TotalSizeBytes))
	c.AddMetaNode("hit rate", pct(st.Code.HitRate))
	c.AddMetaNode("inserts", st.Code.Inserts)
	c.AddMetaNode("evictions", st.Code.Evictions)
	c.AddMetaNode("invalidations", st.Code.Invalidations)

	t := tree.AddBranch(fmt.Sprintf("translation cache: hit rate %s", pct(st.Translation.HitRate)))
	for _, l := range st.Translation.Levels {
		t.AddMetaNode(l.Level, fmt.Sprintf("%d/%d entries, hits %d, misses %d, %s",
			l.Entries, l.Capacity, l.Hits, l.Misses, pct(l.HitRate)))
	}
	tr := st.Translator
	t.AddMetaNode("translations", fmt.Sprintf("%d (%d spill retries, %d fusions, %d helper ops, %d failures)",
		tr.Translations, tr.SpillRetranslations, tr.Fusions, tr.HelperOps, tr.Failures))

	h := tree.AddBranch(fmt.Sprintf("hotspot: %d tracked, %d warm, %d hot", st.Hotspot.Tracked, st.Hotspot.Warm, st.Hotspot.Hot))
	h.AddMetaNode("executions", st.Hotspot.Executions)
	h.AddMetaNode("promotions", st.Hotspot.Promotions)
	h.AddMetaNode("decay epochs", st.Hotspot.Epochs)

	if g := st.Codegen; g != nil {
		cg := tree.AddBranch("codegen")
		cg.AddMetaNode("generated", fmt.Sprintf("baseline %d, optimized %d, %d failed", g.Baseline, g.Optimized, g.Failures))
		cg.AddMetaNode("live", fmt.Sprintf("%d of %d bytes, %d released", g.LiveBytes, g.Budget, g.Released))
		cg.AddMetaNode("optimizer", fmt.Sprintf("%d ops removed, %d folded, %d flag writes dropped",
			g.OpsRemoved, g.OpsFolded, g.FlagsDropped))
	}
	if m := st.Metadata; m != nil {
		mb := tree.AddBranch(fmt.Sprintf("metadata (%s): %d blocks", m.Backend, m.Entries))
		mb.AddMetaNode("durable", m.Durable)
		mb.AddMetaNode("loaded/rejected", fmt.Sprintf("%d/%d", m.Loaded, m.Rejected))
		mb.AddMetaNode("flushes", fmt.Sprintf("%d (%d failed, %d dirty)", m.Flushes, m.FlushErrors, m.Dirty))
	}

	hb := tree.AddBranch("hot blocks")
	for _, b := range s.HotBlocks {
		n := hb.AddMetaBranch(b.Tier.String(), fmt.Sprintf("%s ewma %.2f over %d samples", b.Addr, b.EWMA, b.Samples))
		if e, ok := s.codeFor(b.Addr); ok {
			n.AddNode(fmt.Sprintf("%s code, %d bytes, %d runs, compiled in %s", e.Tier, e.CodeSize, e.AccessCount, e.CompileCost))
		}
	}
	if len(s.Metadata) > 0 {
		mr := tree.AddBranch("known blocks")
		for _, r := range s.Metadata {
			mr.AddMetaNode(r.Addr, fmt.Sprintf("compiled %d times, %d bytes, hash %016x", r.CompileCount, r.CodeSize, r.IRHash))
		}
	}
	return tree
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// WriteText writes the text tree of s to w.
func WriteText(w io.Writer, s Snapshot) error {
	_, err := io.WriteString(w, s.Tree().String())
	return err
}
