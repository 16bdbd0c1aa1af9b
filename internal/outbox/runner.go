package outbox

import (
	"context"
	"sync"
)

// Worker is a background loop that runs until its context is cancelled.
type Worker interface {
	Run(ctx context.Context)
}

// Runner owns the lifetime of the server's background workers.
type Runner struct {
	workers []Worker
	wg      sync.WaitGroup
}

func NewRunner(workers ...Worker) *Runner {
	return &Runner{workers: workers}
}

func (r *Runner) Start(ctx context.Context) {
	for _, w := range r.workers {
		r.wg.Add(1)
		go func(w Worker) {
			defer r.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Wait blocks until every worker has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
