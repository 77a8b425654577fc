package host

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/executor"
	"github.com/tessera/modrt/pkg/mods"
	"github.com/tessera/modrt/pkg/registry"
	"github.com/tessera/modrt/pkg/telemetry"
)

// Scope is the capability set handed to one mod. Everything a mod adds
// through its scope is attributed to it and removed when it is unloaded.
type Scope struct {
	mod    mods.Mod
	rt     *Runtime
	logger zerolog.Logger
}

func newScope(rt *Runtime, mod mods.Mod) *Scope {
	return &Scope{
		mod:    mod,
		rt:     rt,
		logger: telemetry.ModLogger(rt.logger, mod.ID()),
	}
}

// ModID returns the id of the mod the scope belongs to.
func (s *Scope) ModID() string { return s.mod.ID() }

// Metadata returns the mod's manifest metadata.
func (s *Scope) Metadata() *mods.ModMetadata { return s.mod.Metadata }

// Path returns the mod's install directory.
func (s *Scope) Path() string { return s.mod.Path }

// Logger returns a logger tagged with the mod id.
func (s *Scope) Logger() zerolog.Logger { return s.logger }

// Bus returns the runtime event bus.
func (s *Scope) Bus() *events.Bus { return s.rt.bus }

// Catalog returns the runtime registry catalog.
func (s *Scope) Catalog() *registry.Catalog { return s.rt.catalog }

// Executor returns the runtime execution service.
func (s *Scope) Executor() *executor.Service { return s.rt.exec }

// Phases returns the runtime phase graph.
func (s *Scope) Phases() *engine.PhaseGraph[string] { return s.rt.phases }

// AddPhase adds a tick phase that runs after every phase in after. Phases
// the mod adds are removed again when it unloads.
func (s *Scope) AddPhase(name string, after ...string) error {
	if name == "" {
		return engine.NewStateError("phase name must not be empty", nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(s.ModID()).
			WithOperation("add_phase")
	}
	return s.rt.addPhase(s.ModID(), name, after)
}

// Emit dispatches a ScriptEvent from this mod on the calling goroutine.
func (s *Scope) Emit(ctx context.Context, name string, data map[string]any) (events.Outcome, error) {
	if name == "" {
		return events.Proceed, engine.NewStateError("event name must not be empty", nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(s.ModID()).
			WithOperation("emit")
	}
	return s.rt.bus.Dispatch(ctx, ScriptEvent{Name: name, ModID: s.ModID(), Data: data})
}

// Register adds element to the registry named registryName on behalf of
// the scope's mod, creating the registry on first use.
func Register[T any](ctx context.Context, s *Scope, registryName, id string, element T) (T, error) {
	r, err := registry.Ensure[T](s.rt.catalog, registryName)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("mod %s: %w", s.ModID(), err)
	}
	return r.Register(ctx, s.ModID(), id, element)
}

// Listen registers fn for events of type E on behalf of the scope's mod.
func Listen[E any](s *Scope, priority events.Priority, fn func(ctx context.Context, event E) error) (events.ListenerID, error) {
	return events.On(s.rt.bus, s.ModID(), priority, fn)
}
