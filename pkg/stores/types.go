package stores

import (
	"context"
	"time"

	"github.com/tessera/modrt/pkg/mods"
)

// ModState is the persisted state of one mod.
type ModState struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Path    string `json:"path"`
	Enabled bool   `json:"enabled"`

	// LoadIndex is the mod's position in the last recorded load order,
	// nil when the mod was not loaded by that boot.
	LoadIndex *int      `json:"load_index,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Loaded reports whether the mod took part in the last recorded boot.
func (s *ModState) Loaded() bool {
	return s.LoadIndex != nil
}

// Boot records one successful runtime boot.
type Boot struct {
	ID        string    `json:"id"`
	ModCount  int       `json:"mod_count"`
	StartedAt time.Time `json:"started_at"`
}

// Store persists mod enablement and the last load order.
type Store interface {
	// SetEnabled enables or disables a mod, creating its row if needed.
	SetEnabled(ctx context.Context, id string, enabled bool) error

	// DisabledIDs returns the ids of every disabled mod, sorted.
	DisabledIDs(ctx context.Context) ([]string, error)

	// RecordLoadOrder stores the resolved order of a boot. Mods missing
	// from order lose their load index.
	RecordLoadOrder(ctx context.Context, order []mods.Mod) (*Boot, error)

	// List returns all known mods, loaded mods first in load order.
	List(ctx context.Context) ([]*ModState, error)

	// Get returns the state of one mod.
	Get(ctx context.Context, id string) (*ModState, error)

	// LastBoot returns the most recent boot, or nil if none was recorded.
	LastBoot(ctx context.Context) (*Boot, error)

	HealthCheck(ctx context.Context) error
	Close() error
}

var _ Store = (*SQLiteStore)(nil)
