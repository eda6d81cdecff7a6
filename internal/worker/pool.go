package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/job-scheduler/internal/domain"
)

// Pool runs a fixed set of workers against the job queue.
type Pool struct {
	workers []*Worker
	stop    chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

// NewPool builds count workers sharing the same broker, store, registry, and
// options.
func NewPool(count int, broker domain.Broker, jobs domain.JobRepository, registry *Registry, opts Options) *Pool {
	if count < 1 {
		count = 1
	}
	p := &Pool{stop: make(chan struct{})}
	for i := 0; i < count; i++ {
		p.workers = append(p.workers, NewWorker(i+1, broker, jobs, registry, opts, p.stop))
	}
	return p
}

// Start launches all workers. It returns immediately; Stop blocks until they
// have drained.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	slog.Info("worker pool starting", slog.Int("workers", len(p.workers)))
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}
}

// Stop signals all workers and waits for in-flight jobs to finish. Safe to
// call more than once.
func (p *Pool) Stop() {
	p.once.Do(func() {
		slog.Info("worker pool stopping")
		close(p.stop)
		if p.cancel != nil {
			p.cancel()
		}
	})
	p.wg.Wait()
	slog.Info("worker pool stopped")
}
