package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/telemetry"
)

// RegisterEvent is fired after an element was added. It is not cancelable.
type RegisterEvent[T any] struct {
	Registry string
	ModID    string
	ID       string
	Element  T
}

// ReplaceEvent is fired before an element is swapped. Listeners may cancel it.
type ReplaceEvent[T any] struct {
	Registry string
	ModID    string
	ID       string
	Old      T
	New      T
}

// UnregisterEvent is fired before an element is removed. Listeners may cancel it.
type UnregisterEvent[T any] struct {
	Registry string
	ModID    string
	ID       string
	Element  T
}

type slot[T any] struct {
	element T
	owner   string
	// gen changes on every write so a concurrent change between firing an
	// event and applying it is detected
	gen uint64
}

// Registry is an id-keyed store of content contributed by mods. Lifecycle
// events are dispatched on the bus without holding the registry lock.
type Registry[T any] struct {
	name    string
	bus     *events.Bus
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu      sync.RWMutex
	entries map[string]*slot[T]
	order   []string
	byOwner map[string]map[string]struct{}
	gen     uint64
}

// Option configures a Registry.
type Option func(*config)

type config struct {
	logger  zerolog.Logger
	metrics *telemetry.Metrics
}

// WithLogger sets the registry logger.
func WithLogger(l zerolog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithMetrics records registry operations on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *config) { c.metrics = m }
}

// New creates a registry. A nil bus disables lifecycle events.
func New[T any](name string, bus *events.Bus, opts ...Option) *Registry[T] {
	c := config{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&c)
	}
	return &Registry[T]{
		name:    name,
		bus:     bus,
		logger:  c.logger.With().Str("component", "registry").Str("registry", name).Logger(),
		metrics: c.metrics,
		entries: make(map[string]*slot[T]),
		byOwner: make(map[string]map[string]struct{}),
	}
}

// Name returns the registry name.
func (r *Registry[T]) Name() string {
	return r.name
}

// Register stores element under id on behalf of owner. It fails when the
// id is already taken.
func (r *Registry[T]) Register(ctx context.Context, owner, id string, element T) (T, error) {
	if id == "" {
		var zero T
		return zero, engine.NewRegistryError("id must not be empty", nil).
			WithCode(engine.ErrCodeValidation).
			WithMod(owner).
			WithOperation("register")
	}

	r.mu.Lock()
	if existing, ok := r.entries[id]; ok {
		r.mu.Unlock()
		r.metrics.RecordRegistryOp(r.name, "register", "duplicate")
		var zero T
		return zero, engine.NewRegistryError(fmt.Sprintf("%s: id %q is already registered", r.name, id), nil).
			WithCode(engine.ErrCodeDuplicateID).
			WithMod(owner).
			WithOperation("register").
			WithDetail("owner", existing.owner)
	}
	r.gen++
	r.entries[id] = &slot[T]{element: element, owner: owner, gen: r.gen}
	r.order = append(r.order, id)
	r.addOwnerLocked(owner, id)
	r.mu.Unlock()

	r.metrics.RecordRegistryOp(r.name, "register", "success")
	r.logger.Debug().Str("mod", owner).Str("id", id).Msg("Registered")

	if r.bus != nil {
		if _, err := r.bus.Dispatch(ctx, RegisterEvent[T]{Registry: r.name, ModID: owner, ID: id, Element: element}); err != nil {
			r.logger.Warn().Err(err).Str("id", id).Msg("Register event not delivered")
		}
	}
	return element, nil
}

// Replace swaps the element stored under id. It returns false without
// changing anything when a listener canceled the ReplaceEvent.
func (r *Registry[T]) Replace(ctx context.Context, id string, element T) (bool, error) {
	r.mu.RLock()
	cur, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		r.metrics.RecordRegistryOp(r.name, "replace", "not_found")
		return false, r.notFound(id, "replace")
	}

	outcome, err := r.fire(ctx, ReplaceEvent[T]{Registry: r.name, ModID: cur.owner, ID: id, Old: cur.element, New: element})
	if err != nil {
		return false, err
	}
	if outcome == events.Canceled {
		r.metrics.RecordRegistryOp(r.name, "replace", "canceled")
		r.logger.Debug().Str("id", id).Msg("Replace canceled by listener")
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now, ok := r.entries[id]
	if !ok || now.gen != cur.gen {
		r.metrics.RecordRegistryOp(r.name, "replace", "conflict")
		return false, engine.NewRegistryError(fmt.Sprintf("%s: %q changed while replace was pending", r.name, id), nil).
			WithCode(engine.ErrCodeCanceled).
			WithOperation("replace")
	}
	r.gen++
	r.entries[id] = &slot[T]{element: element, owner: cur.owner, gen: r.gen}

	r.metrics.RecordRegistryOp(r.name, "replace", "success")
	return true, nil
}

// Get returns the element stored under id.
func (r *Registry[T]) Get(id string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	if !ok {
		var zero T
		return zero, false
	}
	return s.element, true
}

// Owner returns the mod that registered id.
func (r *Registry[T]) Owner(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.entries[id]
	if !ok {
		return "", false
	}
	return s.owner, true
}

// GetAll returns a snapshot of every element in registration order.
func (r *Registry[T]) GetAll() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].element)
	}
	return out
}

// IDs returns every id in registration order.
func (r *Registry[T]) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Unregister removes id unless a listener cancels the UnregisterEvent.
// It reports whether the entry was removed.
func (r *Registry[T]) Unregister(ctx context.Context, id string) (bool, error) {
	r.mu.RLock()
	cur, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}

	outcome, err := r.fire(ctx, UnregisterEvent[T]{Registry: r.name, ModID: cur.owner, ID: id, Element: cur.element})
	if err != nil {
		return false, err
	}
	if outcome == events.Canceled {
		r.metrics.RecordRegistryOp(r.name, "unregister", "canceled")
		return false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	now, ok := r.entries[id]
	if !ok || now.gen != cur.gen {
		r.metrics.RecordRegistryOp(r.name, "unregister", "conflict")
		return false, nil
	}
	r.removeLocked(id)

	r.metrics.RecordRegistryOp(r.name, "unregister", "success")
	return true, nil
}

// UnregisterAll removes every entry owned by modID, firing one
// UnregisterEvent per entry. Entries whose event was canceled stay.
// It returns the number of entries removed.
func (r *Registry[T]) UnregisterAll(ctx context.Context, modID string) (int, error) {
	r.mu.RLock()
	var ids []string
	for _, id := range r.order {
		if _, ok := r.byOwner[modID][id]; ok {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		ok, err := r.Unregister(ctx, id)
		if err != nil {
			return removed, err
		}
		if ok {
			removed++
		}
	}

	if removed > 0 {
		r.logger.Debug().Str("mod", modID).Int("removed", removed).Msg("Mod entries unregistered")
	}
	return removed, nil
}

// Purge removes every entry still owned by modID without firing events.
// The runtime uses it once a mod is gone, so content kept alive by a
// canceled UnregisterEvent does not outlive its owner. It returns the
// purged ids in registration order.
func (r *Registry[T]) Purge(modID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []string
	for _, id := range r.order {
		if _, ok := r.byOwner[modID][id]; ok {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		r.removeLocked(id)
		r.metrics.RecordRegistryOp(r.name, "unregister", "purged")
	}
	return ids
}

func (r *Registry[T]) fire(ctx context.Context, event any) (events.Outcome, error) {
	if r.bus == nil {
		return events.Proceed, nil
	}
	return r.bus.Dispatch(ctx, event)
}

func (r *Registry[T]) notFound(id, op string) error {
	return engine.NewRegistryError(fmt.Sprintf("%s: id %q is not registered", r.name, id), nil).
		WithCode(engine.ErrCodeNotFound).
		WithOperation(op)
}

func (r *Registry[T]) addOwnerLocked(owner, id string) {
	ids := r.byOwner[owner]
	if ids == nil {
		ids = make(map[string]struct{})
		r.byOwner[owner] = ids
	}
	ids[id] = struct{}{}
}

func (r *Registry[T]) removeLocked(id string) {
	s := r.entries[id]
	delete(r.entries, id)
	if ids := r.byOwner[s.owner]; ids != nil {
		delete(ids, id)
		if len(ids) == 0 {
			delete(r.byOwner, s.owner)
		}
	}
	for i, cur := range r.order {
		if cur == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}
