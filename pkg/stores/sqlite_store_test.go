package stores

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/mods"
	"github.com/tessera/modrt/pkg/version"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })
	return store
}

func testMod(id, v string) mods.Mod {
	return mods.Mod{
		Metadata: &mods.ModMetadata{
			ID:         id,
			Version:    version.MustParse(v),
			Entrypoint: "native:" + id,
		},
		Path: "/mods/" + id,
	}
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: MemoryPath,
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.HealthCheck(ctx); err == nil {
		t.Error("expected health check to fail before Init")
	}

	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	if _, err := NewSQLiteStore(Config{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for _, table := range []string{"mod_state", "boots"} {
		var count int
		err := store.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}

	// A second run is a no-op.
	if err := store.Migrate(ctx); err != nil {
		t.Errorf("second migration failed: %v", err)
	}
}

func TestSetEnabled(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SetEnabled(ctx, "extra", false); err != nil {
		t.Fatalf("failed to disable mod: %v", err)
	}
	if err := store.SetEnabled(ctx, "base", false); err != nil {
		t.Fatalf("failed to disable mod: %v", err)
	}

	ids, err := store.DisabledIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list disabled mods: %v", err)
	}
	if want := []string{"base", "extra"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("expected disabled %v, got %v", want, ids)
	}

	if err := store.SetEnabled(ctx, "base", true); err != nil {
		t.Fatalf("failed to enable mod: %v", err)
	}

	ids, err = store.DisabledIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list disabled mods: %v", err)
	}
	if want := []string{"extra"}; !reflect.DeepEqual(ids, want) {
		t.Errorf("expected disabled %v, got %v", want, ids)
	}

	state, err := store.Get(ctx, "base")
	if err != nil {
		t.Fatalf("failed to get mod state: %v", err)
	}
	if !state.Enabled {
		t.Error("expected base to be enabled")
	}
	if state.Loaded() {
		t.Error("expected base to have no load index")
	}

	err = store.SetEnabled(ctx, "", false)
	if engine.CodeOf(err) != engine.ErrCodeValidation {
		t.Errorf("expected validation error for empty id, got %v", err)
	}
}

func TestRecordLoadOrder(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.SetEnabled(ctx, "addon", false); err != nil {
		t.Fatalf("failed to disable mod: %v", err)
	}

	first := []mods.Mod{testMod("core", "1.0.0"), testMod("extra", "0.2.0"), testMod("tools", "2.1.0")}
	boot, err := store.RecordLoadOrder(ctx, first)
	if err != nil {
		t.Fatalf("failed to record load order: %v", err)
	}
	if boot.ModCount != 3 || boot.ID == "" {
		t.Errorf("unexpected boot record: %+v", boot)
	}

	// The second boot drops extra and upgrades core.
	second := []mods.Mod{testMod("core", "1.1.0"), testMod("tools", "2.1.0")}
	if _, err := store.RecordLoadOrder(ctx, second); err != nil {
		t.Fatalf("failed to record load order: %v", err)
	}

	states, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list mod states: %v", err)
	}

	tests := []struct {
		id      string
		version string
		enabled bool
		index   int // -1 when not loaded
	}{
		{"core", "1.1.0", true, 0},
		{"tools", "2.1.0", true, 1},
		{"addon", "", false, -1},
		{"extra", "0.2.0", true, -1},
	}

	if len(states) != len(tests) {
		t.Fatalf("expected %d states, got %d", len(tests), len(states))
	}

	for i, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			got := states[i]
			if got.ID != tt.id {
				t.Fatalf("position %d: expected %s, got %s", i, tt.id, got.ID)
			}
			if got.Version != tt.version {
				t.Errorf("expected version %q, got %q", tt.version, got.Version)
			}
			if got.Enabled != tt.enabled {
				t.Errorf("expected enabled %v, got %v", tt.enabled, got.Enabled)
			}
			switch {
			case tt.index < 0 && got.LoadIndex != nil:
				t.Errorf("expected no load index, got %d", *got.LoadIndex)
			case tt.index >= 0 && (got.LoadIndex == nil || *got.LoadIndex != tt.index):
				t.Errorf("expected load index %d, got %v", tt.index, got.LoadIndex)
			}
		})
	}

	last, err := store.LastBoot(ctx)
	if err != nil {
		t.Fatalf("failed to get last boot: %v", err)
	}
	if last == nil || last.ModCount != 2 {
		t.Errorf("expected last boot with 2 mods, got %+v", last)
	}
}

func TestLastBootEmpty(t *testing.T) {
	store := setupTestStore(t)

	boot, err := store.LastBoot(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if boot != nil {
		t.Errorf("expected no boot, got %+v", boot)
	}
}

func TestGetNotFound(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for unknown mod")
	}
	if !engine.IsState(err) || engine.CodeOf(err) != engine.ErrCodeNotFound {
		t.Errorf("expected state NOT_FOUND error, got %v", err)
	}
}

func TestFileStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "modrt.db")

	store, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	if err := store.SetEnabled(ctx, "core", false); err != nil {
		t.Fatalf("failed to disable mod: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}

	reopened, err := Open(ctx, Config{Path: path})
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer reopened.Close()

	ids, err := reopened.DisabledIDs(ctx)
	if err != nil {
		t.Fatalf("failed to list disabled mods: %v", err)
	}
	if len(ids) != 1 || ids[0] != "core" {
		t.Errorf("expected [core], got %v", ids)
	}
}
