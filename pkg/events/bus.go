package events

import (
	"context"
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/telemetry"
)

// Bus delivers events to listeners registered for the event's runtime type,
// in priority order. Listener lists are copy-on-write: a dispatch iterates
// the snapshot it started with, so listeners may unregister mid-dispatch.
type Bus struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	exec     *executor.Service
	ownsExec bool

	mu        sync.RWMutex
	listeners map[reflect.Type][]*entry
	byMod     map[string]map[ListenerID]reflect.Type

	nextID atomic.Uint64

	mainMu    sync.Mutex
	mainQueue []any

	shutdown atomic.Bool
}

type busOptions struct {
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	exec       *executor.Service
	execConfig executor.Config
}

// Option configures a Bus.
type Option func(*busOptions)

// WithLogger sets the logger used for listener failures.
func WithLogger(l zerolog.Logger) Option {
	return func(o *busOptions) { o.logger = l }
}

// WithMetrics records dispatch metrics on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *busOptions) { o.metrics = m }
}

// WithExecutor makes the bus run async dispatches on an existing service.
// The bus never shuts an injected service down.
func WithExecutor(s *executor.Service) Option {
	return func(o *busOptions) { o.exec = s }
}

// WithExecutorConfig sizes the executor the bus creates when none is injected.
func WithExecutorConfig(cfg executor.Config) Option {
	return func(o *busOptions) { o.execConfig = cfg }
}

// NewBus creates an active event bus.
func NewBus(opts ...Option) *Bus {
	o := busOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bus{
		logger:    telemetry.ComponentLogger(o.logger, "event-bus"),
		metrics:   o.metrics,
		exec:      o.exec,
		listeners: make(map[reflect.Type][]*entry),
		byMod:     make(map[string]map[ListenerID]reflect.Type),
	}
	if b.exec == nil {
		b.exec = executor.NewService(o.execConfig, o.logger, executor.WithMetrics(o.metrics))
		b.ownsExec = true
	}
	return b
}

// IsShutdown reports whether Shutdown was called.
func (b *Bus) IsShutdown() bool {
	return b.shutdown.Load()
}

// Executor returns the execution service backing async dispatch.
func (b *Bus) Executor() *executor.Service {
	return b.exec
}

// RegisterListener adds a listener for eventType. Listeners run HIGH before
// NORMAL before LOW; within a tier, in registration order.
func (b *Bus) RegisterListener(modID string, eventType reflect.Type, priority Priority, listener Listener) (ListenerID, error) {
	if b.IsShutdown() {
		return 0, engine.ErrShutdown("event bus", "register listener").WithMod(modID)
	}
	if eventType == nil || listener == nil {
		return 0, engine.NewInternalError("event type and listener are required", nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(modID).
			WithOperation("register listener")
	}
	if !priority.Valid() {
		priority = PriorityNormal
	}

	e := &entry{
		id:        ListenerID(b.nextID.Add(1)),
		modID:     modID,
		eventType: eventType,
		priority:  priority,
		listener:  listener,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	old := b.listeners[eventType]
	// Insert after the last entry with priority >= e.priority.
	pos := len(old)
	for i, cur := range old {
		if cur.priority < priority {
			pos = i
			break
		}
	}
	next := make([]*entry, 0, len(old)+1)
	next = append(next, old[:pos]...)
	next = append(next, e)
	next = append(next, old[pos:]...)
	b.listeners[eventType] = next

	owned := b.byMod[modID]
	if owned == nil {
		owned = make(map[ListenerID]reflect.Type)
		b.byMod[modID] = owned
	}
	owned[e.id] = eventType

	b.logger.Debug().
		Str("mod", modID).
		Str("event", eventType.String()).
		Str("priority", priority.String()).
		Uint64("listener_id", uint64(e.id)).
		Msg("Listener registered")

	return e.id, nil
}

// UnregisterListener removes one registration. It reports whether the
// listener was found for that mod and event type.
func (b *Bus) UnregisterListener(modID string, eventType reflect.Type, id ListenerID) (bool, error) {
	if b.IsShutdown() {
		return false, engine.ErrShutdown("event bus", "unregister listener").WithMod(modID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owned := b.byMod[modID]
	if t, ok := owned[id]; !ok || t != eventType {
		return false, nil
	}
	b.removeLocked(eventType, map[ListenerID]struct{}{id: {}})
	delete(owned, id)
	if len(owned) == 0 {
		delete(b.byMod, modID)
	}
	return true, nil
}

// UnregisterMod removes every listener owned by modID across all event
// types and returns how many were removed.
func (b *Bus) UnregisterMod(modID string) (int, error) {
	if b.IsShutdown() {
		return 0, engine.ErrShutdown("event bus", "unregister mod").WithMod(modID)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	owned := b.byMod[modID]
	if len(owned) == 0 {
		return 0, nil
	}

	byType := make(map[reflect.Type]map[ListenerID]struct{})
	for id, t := range owned {
		if byType[t] == nil {
			byType[t] = make(map[ListenerID]struct{})
		}
		byType[t][id] = struct{}{}
	}
	for t, ids := range byType {
		b.removeLocked(t, ids)
	}
	delete(b.byMod, modID)

	b.logger.Debug().Str("mod", modID).Int("removed", len(owned)).Msg("Mod listeners unregistered")
	return len(owned), nil
}

// removeLocked replaces the list for t with a copy lacking ids.
func (b *Bus) removeLocked(t reflect.Type, ids map[ListenerID]struct{}) {
	old := b.listeners[t]
	next := make([]*entry, 0, len(old))
	for _, e := range old {
		if _, drop := ids[e.id]; !drop {
			next = append(next, e)
		}
	}
	if len(next) == 0 {
		delete(b.listeners, t)
		return
	}
	b.listeners[t] = next
}

// Listeners returns the registrations for eventType in delivery order.
func (b *Bus) Listeners(eventType reflect.Type) []ListenerInfo {
	b.mu.RLock()
	list := b.listeners[eventType]
	b.mu.RUnlock()

	out := make([]ListenerInfo, len(list))
	for i, e := range list {
		out[i] = ListenerInfo{ID: e.id, ModID: e.modID, EventType: e.eventType, Priority: e.priority}
	}
	return out
}

// ListenerCount returns the total number of registrations.
func (b *Bus) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, list := range b.listeners {
		n += len(list)
	}
	return n
}

func (b *Bus) snapshot(t reflect.Type) []*entry {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.listeners[t]
}

// Dispatch delivers event on the calling goroutine to every listener of its
// runtime type. A failing or panicking listener is logged and skipped.
// The outcome is Canceled when any listener canceled.
func (b *Bus) Dispatch(ctx context.Context, event any) (Outcome, error) {
	if b.IsShutdown() {
		return Proceed, engine.ErrShutdown("event bus", "dispatch")
	}
	if event == nil {
		return Proceed, engine.NewInternalError("cannot dispatch a nil event", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("dispatch")
	}
	return b.deliver(ctx, event, "sync", b.logger), nil
}

// DispatchAsync runs the delivery loop on the executor's general pool and
// returns immediately. Listener order within the dispatch is preserved.
func (b *Bus) DispatchAsync(ctx context.Context, event any) *executor.Future[Outcome] {
	if b.IsShutdown() {
		return executor.Completed(Proceed, engine.ErrShutdown("event bus", "dispatch async"))
	}
	if event == nil {
		return executor.Completed(Proceed, engine.NewInternalError("cannot dispatch a nil event", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("dispatch async"))
	}

	dispatchID := uuid.NewString()
	logger := b.logger.With().Str("dispatch_id", dispatchID).Logger()
	name := fmt.Sprintf("event-dispatch:%s", reflect.TypeOf(event))

	return executor.Submit(b.exec, executor.CategoryGeneral, name, func(poolCtx context.Context) (Outcome, error) {
		// Stop when either the caller or a forced pool shutdown cancels.
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		stop := context.AfterFunc(poolCtx, cancel)
		defer stop()

		return b.deliver(runCtx, event, "async", logger), nil
	})
}

// DispatchOnMainThread queues event for the next DrainMainThread call.
// Queued events are delivered in FIFO order.
func (b *Bus) DispatchOnMainThread(event any) error {
	if b.IsShutdown() {
		return engine.ErrShutdown("event bus", "dispatch on main thread")
	}
	if event == nil {
		return engine.NewInternalError("cannot dispatch a nil event", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("dispatch on main thread")
	}

	b.mainMu.Lock()
	b.mainQueue = append(b.mainQueue, event)
	b.mainMu.Unlock()
	return nil
}

// PendingMainThread returns the number of queued main-thread events.
func (b *Bus) PendingMainThread() int {
	b.mainMu.Lock()
	defer b.mainMu.Unlock()
	return len(b.mainQueue)
}

// DrainMainThread delivers the events queued so far, in order, on the
// calling goroutine. Events queued while draining wait for the next call.
// It returns the number of events delivered.
func (b *Bus) DrainMainThread(ctx context.Context) (int, error) {
	if b.IsShutdown() {
		return 0, engine.ErrShutdown("event bus", "drain main thread")
	}

	b.mainMu.Lock()
	batch := b.mainQueue
	b.mainQueue = nil
	b.mainMu.Unlock()

	for i, event := range batch {
		if err := ctx.Err(); err != nil {
			// Requeue what was not delivered, ahead of anything newer.
			b.mainMu.Lock()
			b.mainQueue = append(append([]any{}, batch[i:]...), b.mainQueue...)
			b.mainMu.Unlock()
			return i, err
		}
		b.deliver(ctx, event, "main", b.logger)
	}
	return len(batch), nil
}

func (b *Bus) deliver(ctx context.Context, event any, mode string, logger zerolog.Logger) Outcome {
	eventType := reflect.TypeOf(event)
	start := time.Now()

	outcome := Proceed
	for _, e := range b.snapshot(eventType) {
		if ctx.Err() != nil {
			logger.Warn().
				Str("event", eventType.String()).
				Str("mode", mode).
				Msg("Dispatch interrupted by context cancellation")
			break
		}
		outcome = outcome.Merge(b.invoke(ctx, e, event, logger))
	}

	b.metrics.RecordDispatch(eventType.String(), mode, outcome.String(), time.Since(start))
	return outcome
}

// invoke calls one listener, isolating its error or panic.
func (b *Bus) invoke(ctx context.Context, e *entry, event any, logger zerolog.Logger) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome = Proceed
			b.metrics.RecordListenerFailure(e.eventType.String(), e.modID)
			logger.Error().
				Str("mod", e.modID).
				Str("event", e.eventType.String()).
				Uint64("listener_id", uint64(e.id)).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Listener panicked")
		}
	}()

	out, err := e.listener.HandleEvent(ctx, event)
	if err != nil {
		b.metrics.RecordListenerFailure(e.eventType.String(), e.modID)
		logger.Error().
			Err(err).
			Str("mod", e.modID).
			Str("event", e.eventType.String()).
			Uint64("listener_id", uint64(e.id)).
			Msg("Listener failed")
		return Proceed
	}
	return out
}

// Shutdown moves the bus to its terminal state and drops queued main-thread
// events. The backing executor is shut down only when the bus created it.
// Calling Shutdown more than once is a no-op.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.shutdown.CompareAndSwap(false, true) {
		return nil
	}

	b.mainMu.Lock()
	dropped := len(b.mainQueue)
	b.mainQueue = nil
	b.mainMu.Unlock()

	b.logger.Debug().
		Int("dropped_main_thread_events", dropped).
		Bool("owns_executor", b.ownsExec).
		Msg("Event bus shutting down")

	if b.ownsExec {
		return b.exec.Shutdown(ctx)
	}
	return nil
}
