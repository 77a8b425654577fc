package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/events"
	"github.com/tessera/modrt/pkg/telemetry"
)

// Store is the type-erased view of a Registry held by a Catalog.
type Store interface {
	Name() string
	Len() int
	IDs() []string
	Owner(id string) (string, bool)
	UnregisterAll(ctx context.Context, modID string) (int, error)
	Purge(modID string) []string
}

// Catalog holds the named registries of a runtime, each with its own
// element type.
type Catalog struct {
	bus     *events.Bus
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	mu     sync.RWMutex
	stores map[string]Store
}

// NewCatalog creates an empty catalog whose registries fire events on bus.
func NewCatalog(bus *events.Bus, logger zerolog.Logger, metrics *telemetry.Metrics) *Catalog {
	return &Catalog{
		bus:     bus,
		logger:  logger,
		metrics: metrics,
		stores:  make(map[string]Store),
	}
}

// Ensure returns the registry named name, creating it on first use. It
// fails when the name is already taken by a registry of another type.
func Ensure[T any](c *Catalog, name string) (*Registry[T], error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s, ok := c.stores[name]; ok {
		r, ok := s.(*Registry[T])
		if !ok {
			return nil, engine.NewRegistryError(
				fmt.Sprintf("registry %q already holds %T, not %T", name, s, (*Registry[T])(nil)), nil).
				WithCode(engine.ErrCodeDuplicateID).
				WithOperation("ensure")
		}
		return r, nil
	}

	r := New[T](name, c.bus, WithLogger(c.logger), WithMetrics(c.metrics))
	c.stores[name] = r
	return r, nil
}

// Lookup returns the registry named name if it exists with element type T.
func Lookup[T any](c *Catalog, name string) (*Registry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.stores[name].(*Registry[T])
	return r, ok
}

// Get returns the type-erased registry named name.
func (c *Catalog) Get(name string) (Store, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.stores[name]
	return s, ok
}

// Names returns the registry names, sorted.
func (c *Catalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.namesLocked()
}

// UnregisterMod removes modID's entries from every registry and returns
// the total removed. Every registry is visited even if one fails.
func (c *Catalog) UnregisterMod(ctx context.Context, modID string) (int, error) {
	total := 0
	var errs []error
	for _, s := range c.snapshot() {
		n, err := s.UnregisterAll(ctx, modID)
		total += n
		if err != nil {
			errs = append(errs, fmt.Errorf("registry %s: %w", s.Name(), err))
		}
	}
	return total, errors.Join(errs...)
}

// PurgeMod removes whatever modID still owns in any registry without firing
// events. It returns the purged ids keyed by registry name.
func (c *Catalog) PurgeMod(modID string) map[string][]string {
	var purged map[string][]string
	for _, s := range c.snapshot() {
		ids := s.Purge(modID)
		if len(ids) == 0 {
			continue
		}
		if purged == nil {
			purged = make(map[string][]string)
		}
		purged[s.Name()] = ids
	}
	return purged
}

// snapshot returns the registries sorted by name.
func (c *Catalog) snapshot() []Store {
	c.mu.RLock()
	defer c.mu.RUnlock()
	stores := make([]Store, 0, len(c.stores))
	for _, name := range c.namesLocked() {
		stores = append(stores, c.stores[name])
	}
	return stores
}

func (c *Catalog) namesLocked() []string {
	names := make([]string, 0, len(c.stores))
	for name := range c.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
