// Package jobqueue implements the memory-limited job runner collaborator:
// decode tasks are admitted only when their estimated peak memory fits
// within a configured budget (or, when nothing else is admitted, alone even
// if the estimate exceeds the budget), then run on a small worker pool, with
// low-priority tasks (FEC decodes) starved behind normal-priority ones.
package jobqueue

import (
	"log/slog"
	"sync"
)

// Priority selects which channel a job is queued on. Normal-priority jobs
// are always dequeued ahead of low-priority ones when both are ready.
type Priority int

const (
	Low Priority = iota
	Normal
)

// Chunk represents an admitted slice of the memory budget. The job must
// call Release on every exit path; Release is idempotent.
type Chunk struct {
	r        *Runner
	estimate int64
	mu       sync.Mutex
	released bool
}

// Release returns the chunk's memory estimate to the budget, waking any
// job blocked waiting for room. Safe to call more than once.
func (c *Chunk) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.mu.Unlock()
	c.r.release(c.estimate)
}

// Enqueuer is the narrow interface the core segment/crosssegment packages
// depend on, so they never need to know about Runner's concrete shape.
type Enqueuer interface {
	QueueJob(estimate int64, priority Priority, run func(*Chunk))
}

type job struct {
	estimate int64
	run      func(*Chunk)
}

// Runner is a bounded-memory worker pool with two priority lanes.
type Runner struct {
	budgetBytes int64

	mu        sync.Mutex
	cond      *sync.Cond
	usedBytes int64

	normal chan job
	low    chan job
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a runner with the given memory budget and worker count
// and launches its workers.
func NewRunner(budgetBytes int64, workers int) *Runner {
	if workers < 1 {
		workers = 1
	}
	r := &Runner{
		budgetBytes: budgetBytes,
		normal:      make(chan job, 64),
		low:         make(chan job, 64),
		stop:        make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Stop signals every worker to finish its current job and exit, then waits
// for them. Queued-but-not-started jobs are dropped.
func (r *Runner) Stop() {
	close(r.stop)
	r.wg.Wait()
}

// QueueJob admits estimate bytes against the budget (blocking the worker,
// not the caller, until room is available) then runs run on a worker
// goroutine. Matches the Enqueuer contract.
func (r *Runner) QueueJob(estimate int64, priority Priority, run func(*Chunk)) {
	j := job{estimate: estimate, run: run}
	ch := r.normal
	if priority == Low {
		ch = r.low
	}
	select {
	case ch <- j:
	case <-r.stop:
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for {
		j, ok := r.next()
		if !ok {
			return
		}
		r.runJob(j)
	}
}

// next prefers a normal-priority job whenever one is ready, falling back to
// low-priority only when the normal lane is currently empty.
func (r *Runner) next() (job, bool) {
	select {
	case j := <-r.normal:
		return j, true
	case <-r.stop:
		return job{}, false
	default:
	}
	select {
	case j := <-r.normal:
		return j, true
	case j := <-r.low:
		return j, true
	case <-r.stop:
		return job{}, false
	}
}

func (r *Runner) runJob(j job) {
	r.admit(j.estimate)
	chunk := &Chunk{r: r, estimate: j.estimate}
	defer chunk.Release()
	j.run(chunk)
}

func (r *Runner) admit(estimate int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.usedBytes > 0 && r.usedBytes+estimate > r.budgetBytes {
		r.cond.Wait()
	}
	r.usedBytes += estimate
	if r.usedBytes > r.budgetBytes {
		slog.Warn("jobqueue: admitted job over budget to avoid starvation",
			"used_bytes", r.usedBytes, "budget_bytes", r.budgetBytes)
	}
}

func (r *Runner) release(estimate int64) {
	r.mu.Lock()
	r.usedBytes -= estimate
	r.mu.Unlock()
	r.cond.Broadcast()
}

var _ Enqueuer = (*Runner)(nil)
