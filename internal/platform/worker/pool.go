// Package worker provides a bounded worker pool for background work that must
// never block a request: cache-fill dispatch and sampled provider comparisons.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrBackpressure is returned by TrySubmit when the queue is full
	ErrBackpressure = errors.New("worker: queue full")

	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker: pool closed")
)

// Job is a unit of background work.
type Job struct {
	// ID identifies the job in logs and error callbacks
	ID      string
	Execute func(ctx context.Context) error
}

// PoolConfig configures a Pool.
type PoolConfig struct {
	Workers   int
	QueueSize int
	// OnError is called from the worker goroutine when a job fails or panics.
	OnError func(jobID string, err error)
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	JobsSubmitted int64
	JobsCompleted int64
	JobsFailed    int64
	JobsDropped   int64
}

// Pool runs submitted jobs on a fixed set of goroutines.
type Pool struct {
	cfg    PoolConfig
	jobs   chan Job
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	closed bool

	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewPool creates a pool with the given number of workers and queue size.
func NewPool(ctx context.Context, workers, queueSize int) *Pool {
	return NewPoolWithConfig(ctx, PoolConfig{Workers: workers, QueueSize: queueSize})
}

// NewPoolWithConfig creates a pool and starts its workers.
func NewPoolWithConfig(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)
	p := &Pool{
		cfg:    cfg,
		jobs:   make(chan Job, cfg.QueueSize),
		ctx:    poolCtx,
		cancel: cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		if err := p.run(job); err != nil {
			p.failed.Add(1)
			if p.cfg.OnError != nil {
				p.cfg.OnError(job.ID, err)
			}
			continue
		}
		p.completed.Add(1)
	}
}

func (p *Pool) run(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker: job %s panicked: %v", job.ID, r)
		}
	}()
	return job.Execute(p.ctx)
}

// Submit enqueues job, blocking while the queue is full.
func (p *Pool) Submit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	case <-p.ctx.Done():
		return ErrPoolClosed
	}
}

// TrySubmit enqueues job without blocking; a full queue drops the job.
func (p *Pool) TrySubmit(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.jobs <- job:
		p.submitted.Add(1)
		return nil
	default:
		p.dropped.Add(1)
		return ErrBackpressure
	}
}

// Close stops accepting jobs, drains the queue and waits for workers.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()

	p.wg.Wait()
	p.cancel()
}

// Stats returns the pool counters.
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted: p.submitted.Load(),
		JobsCompleted: p.completed.Load(),
		JobsFailed:    p.failed.Load(),
		JobsDropped:   p.dropped.Load(),
	}
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.cfg.Workers
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.jobs)
}
