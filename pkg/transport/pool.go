package transport

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/reckoner/reckoner/pkg/logger"
)

// ErrNotRunning is reported when work is submitted to a stopped pool
var ErrNotRunning = errors.New("transport: worker pool is not running")

// Pool is an in-process worker pool implementation of Transport. Each
// submitted group is executed by exactly one worker; groups run
// concurrently with each other, entities inside a group sequentially
// (the executor preserves entity order).
type Pool struct {
	executor Executor
	logger   logger.Logger
	workers  int

	jobs    chan *poolJob
	group   *errgroup.Group
	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
}

type poolJob struct {
	item WorkItem
	h    *poolHandle
}

// poolHandle implements Handle for pool-executed work
type poolHandle struct {
	done chan struct{}
	mu   sync.Mutex
	err  error
}

func (h *poolHandle) complete(err error) {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	close(h.done)
}

// Wait blocks until the work settles or the context expires. Worker
// failures are not propagated here; inspect Failed and Err.
func (h *poolHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("transport: wait interrupted: %w", ctx.Err())
	}
}

func (h *poolHandle) Failed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err != nil
}

func (h *poolHandle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// NewPool creates a worker pool with the given parallelism. The executor
// is invoked once per submitted work item.
func NewPool(workers int, executor Executor, log logger.Logger) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		executor: executor,
		logger:   log,
		workers:  workers,
	}
}

// Start launches the workers. Idempotent while running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobs = make(chan *poolJob)
	p.group, _ = errgroup.WithContext(ctx)
	p.running = true

	for i := 0; i < p.workers; i++ {
		p.group.Go(func() error {
			p.workLoop(ctx)
			return nil
		})
	}

	p.logger.Debug("Worker pool started", logger.WithField("workers", p.workers))
}

// Stop drains the pool and waits for in-flight work to settle
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.jobs)
	p.mu.Unlock()

	p.group.Wait()
	p.cancel()
	p.logger.Debug("Worker pool stopped")
}

// Ping reports whether the pool accepts work
func (p *Pool) Ping(ctx context.Context) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrNotRunning
	}
	return nil
}

// Submit hands one work item to the pool and returns its handle. The read
// lock is held across the send so Stop cannot close the channel under a
// submitter.
func (p *Pool) Submit(ctx context.Context, item WorkItem) (Handle, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return nil, ErrNotRunning
	}

	h := &poolHandle{done: make(chan struct{})}
	select {
	case p.jobs <- &poolJob{item: item, h: h}:
		p.logger.Debug("Submitted work item",
			logger.WithField("item", item.ID),
			logger.WithField("group", item.GroupKey),
			logger.WithField("entities", len(item.Entities)))
		return h, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("transport: submit interrupted: %w", ctx.Err())
	}
}

func (p *Pool) workLoop(ctx context.Context) {
	for job := range p.jobs {
		job.h.complete(p.runJob(ctx, job.item))
	}
}

// runJob executes one work item with panic recovery so a panicking
// computation fails its handle instead of killing the worker.
func (p *Pool) runJob(ctx context.Context, item WorkItem) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Worker panic recovered",
				logger.WithField("item", item.ID),
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()

	return p.executor(ctx, item)
}

var _ Transport = (*Pool)(nil)
