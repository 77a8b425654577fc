package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/telemetry"
)

// Service runs tasks on three pools: general, io and scheduled.
// It owns the pools it creates; pools injected with WithPools are left
// running on Shutdown for their owner to stop.
type Service struct {
	cfg     Config
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	pools [3]*WorkerPool
	owned bool

	timers   *timerQueue
	shutdown atomic.Bool
}

type options struct {
	pools   *[3]*WorkerPool
	metrics *telemetry.Metrics
}

// Option configures a Service.
type Option func(*options)

// WithPools makes the service use existing pools instead of creating its own.
// The service never shuts injected pools down.
func WithPools(general, io, scheduled *WorkerPool) Option {
	return func(o *options) {
		o.pools = &[3]*WorkerPool{general, io, scheduled}
	}
}

// WithMetrics records task metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// NewService creates an execution service.
func NewService(cfg Config, logger zerolog.Logger, opts ...Option) *Service {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfg = cfg.withDefaults()
	s := &Service{
		cfg:     cfg,
		logger:  logger.With().Str("component", "executor").Logger(),
		metrics: o.metrics,
	}

	if o.pools != nil {
		s.pools = *o.pools
	} else {
		s.owned = true
		s.pools = [3]*WorkerPool{
			NewWorkerPool(CategoryGeneral.String(), cfg.GeneralWorkers, logger, o.metrics),
			NewWorkerPool(CategoryIO.String(), cfg.IOWorkers, logger, o.metrics),
			NewWorkerPool(CategoryScheduled.String(), cfg.ScheduledWorkers, logger, o.metrics),
		}
	}
	s.timers = newTimerQueue(s.dispatchScheduled)

	s.logger.Debug().
		Int("general", s.pools[CategoryGeneral].Size()).
		Int("io", s.pools[CategoryIO].Size()).
		Int("scheduled", s.pools[CategoryScheduled].Size()).
		Bool("owned", s.owned).
		Msg("Execution service started")

	return s
}

// Pool returns the pool serving a category.
func (s *Service) Pool(c Category) *WorkerPool {
	if c < CategoryGeneral || c > CategoryScheduled {
		c = CategoryGeneral
	}
	return s.pools[c]
}

// Owned reports whether the service created its pools.
func (s *Service) Owned() bool {
	return s.owned
}

// IsShutdown reports whether Shutdown was called.
func (s *Service) IsShutdown() bool {
	return s.shutdown.Load()
}

// NamedTask is a task submitted as part of a fan-out.
type NamedTask[T any] struct {
	Name string
	Run  func(ctx context.Context) (T, error)
}

// Submit runs fn on the pool for category c and returns its future.
// An error or panic in fn resolves the future with an error and is logged
// with the task name; it never takes the worker down.
func Submit[T any](s *Service, c Category, name string, fn func(ctx context.Context) (T, error)) *Future[T] {
	var zero T
	if s.IsShutdown() {
		return Completed[T](zero, engine.ErrShutdown("execution service", "submit"))
	}

	f := newFuture[T]()
	err := s.Pool(c).submit(&job{
		name: name,
		run: func(ctx context.Context) error {
			v, err := fn(ctx)
			f.complete(v, err)
			return err
		},
		fail: func(err error) {
			f.complete(zero, err)
		},
	})
	if err != nil {
		f.complete(zero, err)
	}
	return f
}

// All runs every task on the pool for category c. The returned future
// resolves once all tasks finished. Its value holds one Result per task in
// input order, including the successful ones when others failed; its error
// joins every task failure.
func All[T any](s *Service, c Category, tasks []NamedTask[T]) *Future[[]Result[T]] {
	futures := make([]*Future[T], len(tasks))
	for i, t := range tasks {
		futures[i] = Submit(s, c, t.Name, t.Run)
	}

	out := newFuture[[]Result[T]]()
	go func() {
		results := make([]Result[T], len(tasks))
		for i, f := range futures {
			v, err := f.Wait()
			results[i] = Result[T]{Name: tasks[i].Name, Value: v, Err: err}
		}
		out.complete(results, joinResultErrors(results))
	}()
	return out
}

// Execute runs fn on the pool for category c.
func (s *Service) Execute(c Category, name string, fn func(ctx context.Context) error) *Future[struct{}] {
	return Submit(s, c, name, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
}

// ExecuteAsync routes fn by its name using CategoryForName.
func (s *Service) ExecuteAsync(name string, fn func(ctx context.Context) error) *Future[struct{}] {
	return s.Execute(CategoryForName(name), name, fn)
}

// Schedule runs fn once on the scheduled pool after delay.
func (s *Service) Schedule(name string, delay time.Duration, fn func(ctx context.Context) error) (*ScheduledTask, error) {
	return s.schedule(name, delay, 0, fn)
}

// ScheduleAtFixedRate runs fn on the scheduled pool after initialDelay and
// then every period until canceled or the service shuts down.
func (s *Service) ScheduleAtFixedRate(name string, initialDelay, period time.Duration, fn func(ctx context.Context) error) (*ScheduledTask, error) {
	if period <= 0 {
		return nil, engine.NewInternalError(fmt.Sprintf("period for task %s must be positive", name), nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("schedule")
	}
	return s.schedule(name, initialDelay, period, fn)
}

func (s *Service) schedule(name string, delay, period time.Duration, fn func(ctx context.Context) error) (*ScheduledTask, error) {
	if s.IsShutdown() {
		return nil, engine.ErrShutdown("execution service", "schedule")
	}
	if delay < 0 {
		delay = 0
	}

	t := &ScheduledTask{
		name:   name,
		at:     time.Now().Add(delay),
		period: period,
		run:    fn,
		result: newFuture[struct{}](),
		index:  -1,
	}
	s.timers.push(t)
	return t, nil
}

// dispatchScheduled hands a due task to the scheduled pool.
func (s *Service) dispatchScheduled(t *ScheduledTask) {
	err := s.Pool(CategoryScheduled).submit(&job{
		name: t.name,
		run: func(ctx context.Context) error {
			if t.canceled.Load() {
				return nil
			}
			err := t.run(ctx)
			if !t.Periodic() {
				t.result.complete(struct{}{}, err)
			}
			return err
		},
		fail: func(err error) {
			if !t.Periodic() {
				t.result.complete(struct{}{}, err)
			}
		},
	})
	if err != nil {
		t.canceled.Store(true)
		t.result.complete(struct{}{}, err)
	}
}

// Shutdown stops the scheduler and, when the pools are owned, drains them.
// Pools get the configured shutdown timeout (or ctx's deadline, if sooner)
// before running tasks are canceled and queued ones dropped.
// Calling Shutdown more than once is a no-op.
func (s *Service) Shutdown(ctx context.Context) error {
	if !s.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	s.timers.close()

	if !s.owned {
		s.logger.Debug().Msg("Execution service stopped, injected pools left running")
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, p := range s.pools {
		wg.Add(1)
		go func(p *WorkerPool) {
			defer wg.Done()
			if err := p.Shutdown(ctx); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(p)
	}
	wg.Wait()

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn().Err(err).Msg("Execution service forced shutdown")
		return err
	}

	s.logger.Debug().Msg("Execution service stopped")
	return nil
}

// AwaitTermination waits up to timeout for all three pools to finish.
// Pools still running at the deadline are logged; the result reports
// whether every pool terminated.
func (s *Service) AwaitTermination(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	all := true
	expired := false
	for _, p := range s.pools {
		select {
		case <-p.Terminated():
			continue
		default:
		}

		if !expired {
			select {
			case <-p.Terminated():
				continue
			case <-timer.C:
				expired = true
			}
		}

		all = false
		s.logger.Warn().
			Str("pool", p.Name()).
			Dur("timeout", timeout).
			Msg("Pool did not terminate in time")
	}
	return all
}
