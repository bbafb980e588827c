package script

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Submit after Stop.
var ErrPoolClosed = errors.New("script pool closed")

type poolJob struct {
	fn   func()
	done chan struct{}
}

// PoolStatus is a point-in-time view of the pool.
type PoolStatus struct {
	WorkerCount int   `json:"worker_count"`
	Active      int32 `json:"active"`
	Waiting     int32 `json:"waiting"`
}

// Pool bounds how many script subprocesses run at once. Submitters wait
// for a free worker, so a slow script only delays callers beyond the
// worker count.
type Pool struct {
	workers int
	jobs    chan poolJob
	quit    chan struct{}
	logger  *slog.Logger

	startOnce sync.Once
	stopOnce  sync.Once
	wg        sync.WaitGroup

	active  atomic.Int32
	waiting atomic.Int32
}

func NewPool(workers int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers: workers,
		jobs:    make(chan poolJob),
		quit:    make(chan struct{}),
		logger:  logger,
	}
}

// Start launches the workers. It is idempotent and Submit calls it lazily.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		for i := 0; i < p.workers; i++ {
			p.wg.Add(1)
			go func() {
				defer p.wg.Done()
				p.worker()
			}()
		}
	})
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.quit:
			return
		case job := <-p.jobs:
			p.active.Add(1)
			p.runJob(job)
			p.active.Add(-1)
		}
	}
}

func (p *Pool) runJob(job poolJob) {
	defer close(job.done)
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("script job panicked", "panic", r)
		}
	}()
	job.fn()
}

// Submit runs fn on a worker and waits for it to finish. Cancellation is
// honored while waiting for a worker; once started, fn is expected to
// observe ctx itself.
func (p *Pool) Submit(ctx context.Context, fn func()) error {
	p.Start()
	job := poolJob{fn: fn, done: make(chan struct{})}

	p.waiting.Add(1)
	select {
	case p.jobs <- job:
		p.waiting.Add(-1)
	case <-ctx.Done():
		p.waiting.Add(-1)
		return ctx.Err()
	case <-p.quit:
		p.waiting.Add(-1)
		return ErrPoolClosed
	}
	<-job.done
	return nil
}

// Stop rejects new work and waits for running jobs to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.quit) })
	p.wg.Wait()
}

func (p *Pool) Status() PoolStatus {
	return PoolStatus{
		WorkerCount: p.workers,
		Active:      p.active.Load(),
		Waiting:     p.waiting.Load(),
	}
}
