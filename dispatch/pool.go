package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/colorfulnotion/vmcore/codegen"
	"github.com/colorfulnotion/vmcore/types"
)

// job asks for addr to be compiled at tier. epoch and gen are the dispatcher
// flush epoch and the block generation at submission; a result whose values
// are no longer current is discarded instead of inserted.
type job struct {
	addr   types.GuestAddress
	tier   types.CompileTier
	insts  []types.Instruction // nil = fetch from the block source
	irHash uint64              // expected content hash, 0 = any
	epoch  uint64
	gen    uint64
	queued time.Time
}

type result struct {
	job    job
	tier   types.CompileTier // tier produced, lower than job.tier after a fallback
	irHash uint64
	end    types.GuestAddress
	handle codegen.CodeHandle
	cost   time.Duration
	err    error
}

// pool runs compile jobs on a fixed set of workers. Workers build code and a
// single collector publishes their results. Synchronous baseline compiles
// publish on the vCPU at the same time, so publish serializes per block.
type pool struct {
	mu      sync.RWMutex // guards closed against submit
	closed  bool
	jobs    chan job
	results chan result

	ctx    context.Context
	cancel context.CancelFunc

	build   func(context.Context, job) result
	publish func(result)

	workers   sync.WaitGroup
	collector sync.WaitGroup

	inflight  atomic.Int64
	submitted atomic.Uint64
	dropped   atomic.Uint64
	completed atomic.Uint64
}

func newPool(workers, queue int, build func(context.Context, job) result, publish func(result)) *pool {
	ctx, cancel := context.WithCancel(context.Background())
	p := &pool{
		jobs:    make(chan job, queue),
		results: make(chan result, queue),
		ctx:     ctx,
		cancel:  cancel,
		build:   build,
		publish: publish,
	}
	for i := 0; i < workers; i++ {
		p.workers.Add(1)
		go p.work()
	}
	p.collector.Add(1)
	go p.collect()
	return p
}

// submit never blocks. A full queue or a closed pool drops the job.
func (p *pool) submit(j job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return false
	}
	p.inflight.Add(1)
	select {
	case p.jobs <- j:
		p.submitted.Add(1)
		return true
	default:
		p.inflight.Add(-1)
		p.dropped.Add(1)
		return false
	}
}

func (p *pool) work() {
	defer p.workers.Done()
	for j := range p.jobs {
		p.results <- p.build(p.ctx, j)
	}
}

func (p *pool) collect() {
	defer p.collector.Done()
	for r := range p.results {
		p.publish(r)
		p.completed.Add(1)
		p.inflight.Add(-1)
	}
}

// idle reports whether every submitted job has been published.
func (p *pool) idle() bool { return p.inflight.Load() == 0 }

// close cancels running compiles and waits until every job, queued ones
// included, has reached the collector.
func (p *pool) close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.cancel()
	p.workers.Wait()
	close(p.results)
	p.collector.Wait()
}
