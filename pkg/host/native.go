package host

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/mods"
)

// Factory creates a fresh instance of a compiled-in mod.
type Factory func() Instance

// NativeCatalog maps `native:<name>` entrypoints to Go factories.
type NativeCatalog struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewNativeCatalog creates an empty catalog.
func NewNativeCatalog() *NativeCatalog {
	return &NativeCatalog{factories: make(map[string]Factory)}
}

// Register adds a factory. The name must be unique.
func (c *NativeCatalog) Register(name string, factory Factory) error {
	if name == "" || factory == nil {
		return engine.NewRegistryError("native factory needs a name and a constructor", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("register_native")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.factories[name]; ok {
		return engine.NewRegistryError(fmt.Sprintf("native factory %q already registered", name), nil).
			WithCode(engine.ErrCodeDuplicateID).
			WithOperation("register_native")
	}
	c.factories[name] = factory
	return nil
}

// Lookup returns the factory for name.
func (c *NativeCatalog) Lookup(name string) (Factory, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.factories[name]
	return f, ok
}

// Names returns the registered names, sorted.
func (c *NativeCatalog) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.factories))
	for name := range c.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *NativeCatalog) instantiate(mod mods.Mod) (Instance, error) {
	name := strings.TrimPrefix(mod.Metadata.Entrypoint, mods.NativePrefix)
	factory, ok := c.Lookup(name)
	if !ok {
		return nil, engine.NewStateError(fmt.Sprintf("no native factory named %q", name), nil).
			WithCode(engine.ErrCodeNotFound).
			WithMod(mod.ID()).
			WithOperation("instantiate")
	}
	inst := factory()
	if inst == nil {
		return nil, engine.NewInternalError(fmt.Sprintf("native factory %q returned nil", name), nil).
			WithMod(mod.ID()).
			WithOperation("instantiate")
	}
	return inst, nil
}
