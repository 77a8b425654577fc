package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/telemetry"
)

// job is a unit of work queued on a pool.
type job struct {
	name string

	// run executes the task. The context is canceled on forced shutdown.
	run func(ctx context.Context) error

	// fail is called when the job panics or is dropped without running.
	fail func(err error)
}

// WorkerPool runs submitted tasks on a fixed number of goroutines.
// The queue is unbounded; Submit never blocks.
type WorkerPool struct {
	name    string
	size    int
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []*job
	closed bool

	// ctx is handed to every task and canceled on forced shutdown
	ctx    context.Context
	cancel context.CancelFunc

	wg         sync.WaitGroup
	terminated chan struct{}
}

// NewWorkerPool creates a pool and starts its workers.
func NewWorkerPool(name string, size int, logger zerolog.Logger, metrics *telemetry.Metrics) *WorkerPool {
	if size <= 0 {
		size = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &WorkerPool{
		name:       name,
		size:       size,
		logger:     logger.With().Str("component", "worker-pool").Str("pool", name).Logger(),
		metrics:    metrics,
		queue:      make([]*job, 0),
		ctx:        ctx,
		cancel:     cancel,
		terminated: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go func() {
		p.wg.Wait()
		close(p.terminated)
	}()

	return p
}

// Name returns the pool name.
func (p *WorkerPool) Name() string {
	return p.name
}

// Size returns the number of workers.
func (p *WorkerPool) Size() int {
	return p.size
}

// Pending returns the number of queued tasks that have not started.
func (p *WorkerPool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// submit queues a job. It fails once the pool is shutting down.
func (p *WorkerPool) submit(j *job) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return engine.ErrShutdown(fmt.Sprintf("worker pool %s", p.name), "submit")
	}
	p.queue = append(p.queue, j)
	depth := len(p.queue)
	p.mu.Unlock()

	p.cond.Signal()
	p.metrics.SetPoolQueueDepth(p.name, depth)
	return nil
}

func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return
		}
		j := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		depth := len(p.queue)
		p.mu.Unlock()

		p.metrics.SetPoolQueueDepth(p.name, depth)
		p.execute(j)
	}
}

// execute runs one job, isolating errors and panics so the worker survives.
func (p *WorkerPool) execute(j *job) {
	start := time.Now()
	outcome := "success"

	defer func() {
		if r := recover(); r != nil {
			outcome = "panic"
			err := engine.NewInternalError(fmt.Sprintf("task %s panicked: %v", j.name, r), nil).
				WithOperation("execute").
				WithDetail("stack", string(debug.Stack()))
			p.logger.Error().
				Str("task", j.name).
				Interface("panic", r).
				Msg("Task panicked")
			if j.fail != nil {
				j.fail(err)
			}
		}
		p.metrics.RecordTask(p.name, outcome, time.Since(start))
	}()

	if err := j.run(p.ctx); err != nil {
		outcome = "error"
		p.logger.Error().Err(err).Str("task", j.name).Msg("Task failed")
	}
}

// Shutdown stops accepting tasks and lets queued tasks drain. If ctx expires
// first, running tasks see their context canceled and queued tasks are
// dropped with a canceled error.
func (p *WorkerPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()

	select {
	case <-p.terminated:
		p.cancel()
		return nil
	case <-ctx.Done():
	}

	// Drop the queue before canceling so a freed worker cannot pick up more work.
	p.mu.Lock()
	dropped := p.queue
	p.queue = nil
	p.mu.Unlock()

	p.cancel()

	for _, j := range dropped {
		if j.fail != nil {
			j.fail(errCanceled(j.name))
		}
	}

	p.logger.Warn().
		Int("dropped", len(dropped)).
		Msg("Pool did not drain in time, forced cancellation")

	return engine.NewStateError(fmt.Sprintf("worker pool %s forced to stop", p.name), ctx.Err()).
		WithCode(engine.ErrCodeCanceled).
		WithOperation("shutdown").
		WithDetail("dropped", len(dropped))
}

// AwaitTermination blocks until every worker has exited or the timeout elapses.
func (p *WorkerPool) AwaitTermination(timeout time.Duration) bool {
	select {
	case <-p.terminated:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Terminated is closed once every worker has exited.
func (p *WorkerPool) Terminated() <-chan struct{} {
	return p.terminated
}

func errCanceled(task string) error {
	return engine.NewStateError(fmt.Sprintf("task %s was canceled", task), context.Canceled).
		WithCode(engine.ErrCodeCanceled)
}
