package runtime

import (
	"context"
	"fmt"
	"sync"

	errspkg "github.com/drblury/slaflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/slaflow/internal/runtime/logging"
)

// Job is one unit of enrichment work. ctx is the pool's context, which is
// only cancelled when Close gives up waiting.
type Job func(ctx context.Context)

// Pool runs jobs on a fixed set of worker goroutines fed by a bounded
// queue. A pool with zero workers runs every job inline in Submit.
type Pool struct {
	jobs    chan Job
	workers int
	logger  loggingpkg.ServiceLogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// NewPool starts workers goroutines. queueSize below one is raised to one.
func NewPool(workers, queueSize int, logger loggingpkg.ServiceLogger) *Pool {
	if workers < 0 {
		workers = 0
	}
	if queueSize < 1 {
		queueSize = 1
	}
	if logger == nil {
		logger = loggingpkg.NewDiscard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		workers: workers,
		logger:  logger.With(loggingpkg.LogFields{"component": "enrichment_pool"}),
		ctx:     ctx,
		cancel:  cancel,
	}
	if workers == 0 {
		return p
	}

	p.jobs = make(chan Job, queueSize)
	for range workers {
		p.wg.Add(1)
		go p.worker()
	}
	p.logger.Debug("Enrichment pool started", loggingpkg.LogFields{
		"workers":    workers,
		"queue_size": queueSize,
	})
	return p
}

// Workers reports the number of worker goroutines.
func (p *Pool) Workers() int { return p.workers }

// Pending reports the number of queued jobs not yet picked up.
func (p *Pool) Pending() int { return len(p.jobs) }

// Submit queues job. When the queue is full it blocks until a worker frees
// a slot or ctx is done, which keeps the dispatching subscription from
// racing ahead of the workers.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errspkg.ErrPoolClosed
	}

	if p.workers == 0 {
		job(p.ctx)
		return nil
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops intake and waits for queued jobs to finish. If ctx ends first
// the running jobs see their context cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		if p.jobs != nil {
			close(p.jobs)
		}
		p.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Error("Enrichment pool drain interrupted", ctx.Err(), loggingpkg.LogFields{"pending": p.Pending()})
		p.cancel()
		<-done
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.jobs {
		p.run(job)
	}
}

func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Enrichment job panicked", fmt.Errorf("panic: %v", r), nil)
		}
	}()
	job(p.ctx)
}
