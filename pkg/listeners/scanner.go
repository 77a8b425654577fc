package listeners

import (
	"context"
	"fmt"
	"reflect"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/telemetry"
)

// Binding is one listener a mod wants registered.
type Binding struct {
	EventType reflect.Type
	Priority  events.Priority
	Listener  events.Listener
}

// Bind builds a binding for events of type E that never cancels.
func Bind[E any](priority events.Priority, fn func(ctx context.Context, event E) error) Binding {
	return Binding{
		EventType: events.TypeOf[E](),
		Priority:  priority,
		Listener: events.Typed(func(ctx context.Context, event E) (events.Outcome, error) {
			return events.Proceed, fn(ctx, event)
		}),
	}
}

// BindCancelable builds a binding for events of type E that may cancel.
func BindCancelable[E any](priority events.Priority, fn func(ctx context.Context, event E) (events.Outcome, error)) Binding {
	return Binding{
		EventType: events.TypeOf[E](),
		Priority:  priority,
		Listener:  events.Typed(fn),
	}
}

// Source is implemented by mods that contribute listeners.
type Source interface {
	ListenerBindings(ctx context.Context) ([]Binding, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Binding, error)

// ListenerBindings calls f.
func (f SourceFunc) ListenerBindings(ctx context.Context) ([]Binding, error) {
	return f(ctx)
}

// ModSource pairs a mod id with the source of its listeners.
type ModSource struct {
	ModID  string
	Source Source
}

// Failure records a mod whose listeners could not be collected or registered.
type Failure struct {
	ModID string
	Err   error
}

// Report summarizes a scan.
type Report struct {
	// Registered lists the listener ids per mod, in registration order.
	Registered map[string][]events.ListenerID
	// Order is the order mods were registered in, matching the input.
	Order    []string
	Failures []Failure
}

// Count returns the number of listeners registered.
func (r *Report) Count() int {
	n := 0
	for _, ids := range r.Registered {
		n += len(ids)
	}
	return n
}

// Failed reports whether modID had a failure.
func (r *Report) Failed(modID string) bool {
	for _, f := range r.Failures {
		if f.ModID == modID {
			return true
		}
	}
	return false
}

// Scanner collects listener bindings from mods and registers them on a bus.
type Scanner struct {
	bus    *events.Bus
	exec   *executor.Service
	logger zerolog.Logger
}

// NewScanner creates a scanner that collects on exec and registers on bus.
func NewScanner(bus *events.Bus, exec *executor.Service, logger zerolog.Logger) *Scanner {
	return &Scanner{
		bus:    bus,
		exec:   exec,
		logger: telemetry.ComponentLogger(logger, "listener-scanner"),
	}
}

// ScanAndRegister collects every source concurrently, one task per mod on
// the general pool, then registers the results in input order. A mod whose
// source fails or panics is logged and reported; other mods are unaffected.
// The error is non-nil only when ctx ends before collection finished.
func (s *Scanner) ScanAndRegister(ctx context.Context, sources []ModSource) (*Report, error) {
	tasks := make([]executor.NamedTask[[]Binding], len(sources))
	for i, src := range sources {
		tasks[i] = executor.NamedTask[[]Binding]{
			Name: fmt.Sprintf("scan-listeners:%s", src.ModID),
			Run: func(taskCtx context.Context) ([]Binding, error) {
				if src.Source == nil {
					return nil, nil
				}
				return src.Source.ListenerBindings(taskCtx)
			},
		}
	}

	// Per-task errors are read from the results below. No results means ctx
	// ended before collection finished.
	results, err := executor.All(s.exec, executor.CategoryGeneral, tasks).Await(ctx)
	if results == nil {
		return nil, err
	}

	report := &Report{Registered: make(map[string][]events.ListenerID, len(sources))}
	for i, src := range sources {
		report.Order = append(report.Order, src.ModID)

		res := results[i]
		if res.Failed() {
			s.logger.Error().Err(res.Err).Str("mod", src.ModID).Msg("Listener scan failed, skipping mod")
			report.Failures = append(report.Failures, Failure{ModID: src.ModID, Err: res.Err})
			continue
		}

		ids := make([]events.ListenerID, 0, len(res.Value))
		for _, b := range res.Value {
			id, err := s.bus.RegisterListener(src.ModID, b.EventType, b.Priority, b.Listener)
			if err != nil {
				s.logger.Error().Err(err).Str("mod", src.ModID).Msg("Listener registration failed")
				report.Failures = append(report.Failures, Failure{ModID: src.ModID, Err: err})
				continue
			}
			ids = append(ids, id)
		}
		report.Registered[src.ModID] = ids

		s.logger.Debug().Str("mod", src.ModID).Int("listeners", len(ids)).Msg("Listeners registered")
	}

	return report, nil
}
