// Package queue runs acknowledged work off the request path on a bounded
// worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/ncobase/ncore/concurrency/worker"

	"go-soknad-automation/internal/config"
	"go-soknad-automation/internal/logger"
)

var (
	ErrQueueFull = worker.ErrQueueFull
	ErrStopped   = errors.New("queue stopped")
)

// Job is one unit of background work. Run gets a context bounded by the
// queue's task timeout.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

type Queue struct {
	pool    *worker.Pool
	base    context.Context
	cancel  context.CancelFunc
	timeout time.Duration
	log     *logger.Logger

	mu      sync.RWMutex
	stopped bool
}

func New(cfg config.WorkerConfig, log *logger.Logger) *Queue {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 5 * time.Minute
	}
	base, cancel := context.WithCancel(context.Background())
	q := &Queue{
		base:    base,
		cancel:  cancel,
		timeout: cfg.TaskTimeout,
		log:     log.With("component", "queue"),
	}
	// the pool's own timeout only stops waiting; ours cancels the job
	q.pool = worker.NewPool(&worker.Config{
		MaxWorkers:  cfg.MaxWorkers,
		QueueSize:   cfg.QueueSize,
		TaskTimeout: cfg.TaskTimeout + time.Second,
	}, processor{q: q})
	return q
}

func (q *Queue) Start() {
	q.pool.Start()
}

// Submit enqueues fn without waiting for it. A full queue is reported, never blocked on.
func (q *Queue) Submit(name string, fn func(ctx context.Context) error) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.stopped {
		return ErrStopped
	}
	if err := q.pool.Submit(Job{Name: name, Run: fn}); err != nil {
		q.log.Warn("job rejected", "job", name, "error", err)
		return fmt.Errorf("submit %s: %w", name, err)
	}
	return nil
}

// Stop rejects new jobs, waits for running ones until ctx ends, then cancels them.
func (q *Queue) Stop(ctx context.Context) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.mu.Unlock()

	q.pool.Stop(ctx)
	q.cancel()
}

func (q *Queue) Metrics() map[string]int64 {
	return q.pool.GetMetrics()
}

type processor struct {
	q *Queue
}

func (p processor) Process(task any) (err error) {
	job, ok := task.(Job)
	if !ok {
		return fmt.Errorf("unsupported task type %T", task)
	}

	ctx, cancel := context.WithTimeout(p.q.base, p.q.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.Name, r)
			p.q.log.Error("job panicked", "job", job.Name, "panic", r, "stack", string(debug.Stack()))
			return
		}
		if err != nil {
			p.q.log.Warn("job failed", "job", job.Name, "duration", time.Since(start), "error", err)
			return
		}
		p.q.log.Debug("job done", "job", job.Name, "duration", time.Since(start))
	}()
	return job.Run(ctx)
}
