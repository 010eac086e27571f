// Package translator lowers decoded guest basic blocks into IR. Rules are
// chosen per instruction shape, consecutive instructions may be fused, and
// blocks that do not fit the target register budget are re-translated with
// spill slots.
package translator

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/colorfulnotion/vmcore/common"
	"github.com/colorfulnotion/vmcore/config"
	"github.com/colorfulnotion/vmcore/interp"
	log "github.com/colorfulnotion/vmcore/log"
	"github.com/colorfulnotion/vmcore/transcache"
	"github.com/colorfulnotion/vmcore/types"
	"github.com/colorfulnotion/vmcore/vmerrors"
)

// Translator is safe for concurrent use. All per-block state lives on the
// stack of TranslateBlock.
type Translator struct {
	caches *transcache.Caches
	mem    interp.Memory

	hostRegs             int
	fusion               bool
	spill                bool
	interpretUnsupported bool

	stats *stats
}

type stats struct {
	resultHits     atomic.Uint64
	resultMisses   atomic.Uint64
	patternHits    atomic.Uint64
	patternMisses  atomic.Uint64
	encodingHits   atomic.Uint64
	encodingMisses atomic.Uint64
	translations   atomic.Uint64
	spills         atomic.Uint64
	fusions        atomic.Uint64
	helpers        atomic.Uint64
	failures       atomic.Uint64
}

// Stats is a snapshot of translator counters.
type Stats struct {
	ResultHits          uint64 `json:"result_hits"`
	ResultMisses        uint64 `json:"result_misses"`
	PatternHits         uint64 `json:"pattern_hits"`
	PatternMisses       uint64 `json:"pattern_misses"`
	EncodingHits        uint64 `json:"encoding_hits"`
	EncodingMisses      uint64 `json:"encoding_misses"`
	Translations        uint64 `json:"translations"`
	SpillRetranslations uint64 `json:"spill_retranslations"`
	Fusions             uint64 `json:"fusions"`
	HelperOps           uint64 `json:"helper_ops"`
	Failures            uint64 `json:"failures"`
}

type Option func(*Translator)

// WithFusion enables peephole fusion of instruction pairs.
func WithFusion(on bool) Option {
	return func(t *Translator) { t.fusion = on }
}

// WithInterpretUnsupported makes instructions without a rule run through a
// guest helper op instead of failing the block.
func WithInterpretUnsupported(on bool) Option {
	return func(t *Translator) { t.interpretUnsupported = on }
}

// WithMemory lets the translator check constant addresses against guest
// memory.
func WithMemory(mem interp.Memory) Option {
	return func(t *Translator) { t.mem = mem }
}

func WithSpill(on bool) Option {
	return func(t *Translator) { t.spill = on }
}

// New builds a translator. caches may be nil, in which case nothing is
// memoized.
func New(cfg config.TranslatorConfig, caches *transcache.Caches, opts ...Option) *Translator {
	t := &Translator{
		caches:               caches,
		hostRegs:             cfg.HostRegs,
		spill:                cfg.Spill,
		interpretUnsupported: cfg.InterpretUnsupported,
		stats:                new(stats),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// With returns a copy of t with opts applied. The copy shares caches and
// counters with t.
func (t *Translator) With(opts ...Option) *Translator {
	c := &Translator{
		caches:               t.caches,
		mem:                  t.mem,
		hostRegs:             t.hostRegs,
		fusion:               t.fusion,
		spill:                t.spill,
		interpretUnsupported: t.interpretUnsupported,
		stats:                t.stats,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (t *Translator) Stats() Stats {
	s := t.stats
	return Stats{
		ResultHits:          s.resultHits.Load(),
		ResultMisses:        s.resultMisses.Load(),
		PatternHits:         s.patternHits.Load(),
		PatternMisses:       s.patternMisses.Load(),
		EncodingHits:        s.encodingHits.Load(),
		EncodingMisses:      s.encodingMisses.Load(),
		Translations:        s.translations.Load(),
		SpillRetranslations: s.spills.Load(),
		Fusions:             s.fusions.Load(),
		HelperOps:           s.helpers.Load(),
		Failures:            s.failures.Load(),
	}
}

// budget is the number of registers the target can allocate, 0 = unlimited.
// The configured override applies to native targets only.
func (t *Translator) budget(dst types.Architecture) int {
	n := dst.Info().HostRegs
	if n > 0 && t.hostRegs > 0 {
		return t.hostRegs
	}
	return n
}

func (t *Translator) mode() byte {
	var m byte
	if t.fusion {
		m |= 1
	}
	if t.spill {
		m |= 2
	}
	if t.interpretUnsupported {
		m |= 4
	}
	if t.mem != nil {
		m |= 8
	}
	return m
}

// resultKey hashes the whole sequence, PCs included, with every option that
// changes the output.
func (t *Translator) resultKey(src, dst types.Architecture, insts []types.Instruction) transcache.CacheKey {
	buf := make([]byte, 0, 32*len(insts)+8)
	buf = append(buf, t.mode())
	buf = binary.LittleEndian.AppendUint32(buf, uint32(t.budget(dst)))
	for i := range insts {
		buf = insts[i].AppendEncoding(buf)
	}
	return transcache.CacheKey{SourceArch: src, TargetArch: dst, Hash: common.FastHash(buf)}
}

func checkBlock(src types.Architecture, insts []types.Instruction) error {
	if len(insts) == 0 {
		return vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, -1, nil, "empty block")
	}
	last := len(insts) - 1
	for i := range insts {
		inst := &insts[i]
		if inst.Arch != src {
			return vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, i, inst, "architecture %s, block is %s", inst.Arch, src)
		}
		if cf := types.IsControlFlow(inst.Opcode); cf != (i == last) {
			if cf {
				return vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, i, inst, "control transfer before end of block")
			}
			return vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, i, inst, "block does not end in a control transfer")
		}
	}
	return nil
}

// TranslateBlock lowers one guest basic block from src into IR for dst. The
// block must end in exactly one control-flow instruction.
func (t *Translator) TranslateBlock(src, dst types.Architecture, insts []types.Instruction) (*types.IRBlock, error) {
	if !src.Valid() || src == types.ArchIR || !dst.Valid() {
		return nil, vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, -1, nil, "cannot translate %s to %s", src, dst)
	}
	if err := checkBlock(src, insts); err != nil {
		t.stats.failures.Add(1)
		return nil, err
	}

	var key transcache.CacheKey
	if t.caches != nil {
		key = t.resultKey(src, dst, insts)
		if b, ok := t.caches.GetResult(key); ok {
			t.stats.resultHits.Add(1)
			return b, nil
		}
		t.stats.resultMisses.Add(1)
	}

	b, err := t.translate(src, dst, insts, 0)
	if err == nil {
		b, err = t.fit(src, dst, insts, b)
	}
	if err == nil {
		err = b.Validate()
	}
	if err != nil {
		t.stats.failures.Add(1)
		log.Debug(log.TranslatorMonitoring, "Translator: block failed", "pc", fmt.Sprintf("%#x", insts[0].PC), "err", err)
		return nil, err
	}
	t.stats.translations.Add(1)
	if t.caches != nil {
		t.caches.PutResult(key, b)
	}
	log.Trace(log.TranslatorMonitoring, "Translator: block translated",
		"pc", fmt.Sprintf("%#x", insts[0].PC), "insts", len(insts), "ops", len(b.Ops), "spill", b.SpillSlots)
	return b, nil
}

// fit enforces the register budget of dst.
func (t *Translator) fit(src, dst types.Architecture, insts []types.Instruction, b *types.IRBlock) (*types.IRBlock, error) {
	budget := t.budget(dst)
	if budget == 0 {
		return b, nil
	}
	guests, live := pressure(b.Ops, b.Term)
	if guests+live <= budget {
		return b, nil
	}
	keep := budget - spillScratch
	if !t.spill || keep < 1 {
		return nil, vmerrors.NewTranslationError(vmerrors.ErrRegisterMappingExhausted, -1, &insts[0],
			"%d guest registers and %d live temporaries, %s has %d", guests, live, dst, budget)
	}
	t.stats.spills.Add(1)
	log.Debug(log.TranslatorMonitoring, "Translator: spilling block", "pc", fmt.Sprintf("%#x", insts[0].PC),
		"guests", guests, "live", live, "budget", budget)
	return t.translate(src, dst, insts, keep)
}

// translate runs the rule table over insts. keep > 0 selects the spilling
// variant: guest registers stay memory resident and temporaries from keep
// upwards go to spill slots.
func (t *Translator) translate(src, dst types.Architecture, insts []types.Instruction, keep int) (*types.IRBlock, error) {
	info := src.Info()
	e := newEmitter(info, t.mem)
	for i := 0; i < len(insts); {
		if t.fusion {
			if p, ok := fuse(insts[i:], info); ok {
				e.begin(i, &insts[i])
				if err := p.emit(e, insts[i:i+p.n]); err != nil {
					return nil, err
				}
				e.boundary(insts[0].PC)
				t.stats.fusions.Add(1)
				i += p.n
				continue
			}
		}
		inst := &insts[i]
		e.begin(i, inst)
		idx := t.rule(inst, info)
		switch {
		case idx == noRule && t.interpretUnsupported && !types.IsControlFlow(inst.Opcode):
			e.guest(inst)
			t.stats.helpers.Add(1)
		case idx == noRule:
			return nil, e.errNoRule(inst)
		default:
			if err := t.emitRule(e, inst, &rules[idx]); err != nil {
				return nil, err
			}
		}
		e.boundary(insts[0].PC)
		i++
	}
	last := &insts[len(insts)-1]
	if e.term == nil {
		return nil, vmerrors.NewTranslationError(vmerrors.ErrInvalidOperand, len(insts)-1, last, "no terminator")
	}
	b := &types.IRBlock{
		StartPC:    types.GuestAddress(insts[0].PC),
		EndPC:      types.GuestAddress(last.NextPC()),
		SourceArch: src,
		TargetArch: dst,
		Ops:        e.ops,
		Term:       *e.term,
		Fallback:   e.fallback,
		GuestCount: len(insts),
	}
	if keep > 0 {
		b.Ops, b.Term, b.SpillSlots = spillTemps(b.Ops, b.Term, keep)
	}
	return b, nil
}

// rule selects the rule for inst through the pattern cache.
func (t *Translator) rule(inst *types.Instruction, info types.ArchInfo) uint16 {
	if t.caches == nil {
		return selectRule(inst, info)
	}
	shape := common.FastHash(inst.AppendShape(make([]byte, 0, 48)))
	if p, ok := t.caches.GetPattern(shape); ok {
		t.stats.patternHits.Add(1)
		return p.Rule
	}
	t.stats.patternMisses.Add(1)
	idx := selectRule(inst, info)
	p := transcache.Pattern{Rule: idx}
	if idx != noRule {
		p.Strategy = uint8(rules[idx].strategy)
	}
	t.caches.PutPattern(shape, p)
	return idx
}

// cacheable reports whether the IR of inst depends on nothing but its body.
func (t *Translator) cacheable(inst *types.Instruction) bool {
	if t.caches == nil || types.IsControlFlow(inst.Opcode) {
		return false
	}
	if t.mem != nil {
		for _, o := range inst.Operands {
			if o.IsMem() && o.Mem.Base == types.NoReg && o.Mem.Index == types.NoReg {
				return false
			}
		}
	}
	return true
}

// emitRule lowers inst with r, reusing a cached fragment when one exists.
func (t *Translator) emitRule(e *emitter, inst *types.Instruction, r *rule) error {
	if !t.cacheable(inst) {
		return r.emit(e, inst)
	}
	key := common.FastHash(inst.AppendBody(make([]byte, 0, 48)))
	if enc, ok := t.caches.GetEncoding(key); ok {
		if ops, err := types.DecodeOps(enc); err == nil {
			t.stats.encodingHits.Add(1)
			e.ops = append(e.ops, ops...)
			return nil
		}
	}
	t.stats.encodingMisses.Add(1)
	start := len(e.ops)
	if err := r.emit(e, inst); err != nil {
		return err
	}
	t.caches.PutEncoding(key, types.AppendOps(nil, e.ops[start:]))
	return nil
}
