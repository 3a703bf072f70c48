package jobqueue

import "sync"

// Inline is an Enqueuer test double that runs every job synchronously on
// the caller's goroutine, for deterministic unit tests of segment/
// crosssegment decode scheduling.
type Inline struct{}

func (Inline) QueueJob(estimate int64, priority Priority, run func(*Chunk)) {
	r := &Runner{budgetBytes: estimate}
	r.cond = sync.NewCond(&r.mu)
	chunk := &Chunk{r: r, estimate: estimate}
	run(chunk)
}

var _ Enqueuer = Inline{}
