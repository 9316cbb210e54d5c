// Package workerpool runs keyed background jobs on a fixed set of
// goroutines. Jobs that share a key while one is queued or running are
// coalesced.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Job is a unit of background work identified by Key
type Job struct {
	Key string
	Fn  func(context.Context) error
}

// Config holds worker pool configuration
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool manages a bounded set of goroutines draining a bounded queue
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	queue      chan Job
	logger     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once

	mu       sync.Mutex
	inflight map[string]struct{}
	stopped  bool

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
	coalesced atomic.Uint64
}

// New creates and starts a worker pool
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 100
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		queue:      make(chan Job, cfg.QueueSize),
		logger:     cfg.Logger,
		ctx:        ctx,
		cancel:     cancel,
		inflight:   make(map[string]struct{}),
	}

	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("name", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.queue:
			p.execute(id, job)
		}
	}
}

func (p *Pool) execute(workerID int, job Job) {
	p.active.Add(1)
	defer p.active.Add(-1)
	defer p.release(job.Key)

	start := time.Now()
	err := p.safeExecute(job)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Job failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("key", job.Key),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

// safeExecute runs a job with panic recovery
func (p *Pool) safeExecute(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
			p.logger.Error("Job panic recovered",
				zap.String("pool", p.name),
				zap.String("key", job.Key),
				zap.Any("panic", r))
		}
	}()
	return job.Fn(p.ctx)
}

func (p *Pool) release(key string) {
	p.mu.Lock()
	delete(p.inflight, key)
	p.mu.Unlock()
}

// TrySubmit enqueues job without blocking. It returns false when the queue
// is full or the pool is stopped. A job whose key is already pending is
// accepted without being queued again.
func (p *Pool) TrySubmit(job Job) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.stopped {
		p.rejected.Add(1)
		return false
	}
	if _, ok := p.inflight[job.Key]; ok {
		p.coalesced.Add(1)
		return true
	}
	select {
	case p.queue <- job:
		p.inflight[job.Key] = struct{}{}
		p.submitted.Add(1)
		return true
	default:
		p.rejected.Add(1)
		return false
	}
}

// Stop cancels running jobs and waits up to timeout for workers to exit.
// Queued jobs are discarded.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.once.Do(func() {
		p.mu.Lock()
		p.stopped = true
		p.mu.Unlock()
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("name", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool '%s' stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("name", p.name))
		}
	})
	return err
}

// Stats returns current worker pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Name:          p.name,
		MaxWorkers:    p.maxWorkers,
		ActiveWorkers: int(p.active.Load()),
		QueueSize:     p.queueSize,
		QueuedJobs:    len(p.queue),
		Submitted:     p.submitted.Load(),
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Rejected:      p.rejected.Load(),
		Coalesced:     p.coalesced.Load(),
	}
}

// Stats represents worker pool statistics
type Stats struct {
	Name          string
	MaxWorkers    int
	ActiveWorkers int
	QueueSize     int
	QueuedJobs    int
	Submitted     uint64
	Completed     uint64
	Failed        uint64
	Rejected      uint64
	Coalesced     uint64
}

// QueueUtilization returns the queue utilization as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.QueuedJobs) / float64(s.QueueSize) * 100.0
}
