package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"

	"github.com/tessera/modrt/pkg/engine"
	"github.com/tessera/modrt/pkg/mods"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db   *sql.DB
	cfg  Config
	path string
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg:  cfg,
		path: cfg.Path,
	}, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := s.path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	if s.path != MemoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Open creates, initializes and migrates a store in one step.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// SetEnabled enables or disables a mod. Unknown ids get a new row so a mod
// can be disabled before it is ever installed.
func (s *SQLiteStore) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if id == "" {
		return engine.NewStateError("mod id is required", nil).
			WithCode(engine.ErrCodeValidation).
			WithOperation("set_enabled")
	}

	query := `
		INSERT INTO mod_state (id, enabled, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	if _, err := s.db.ExecContext(ctx, query, id, enabled, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set enabled state of mod %s: %w", id, err)
	}

	return nil
}

// DisabledIDs returns the ids of every disabled mod, sorted.
func (s *SQLiteStore) DisabledIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM mod_state WHERE enabled = 0 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list disabled mods: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan mod id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating disabled mods: %w", err)
	}

	return ids, nil
}

// RecordLoadOrder stores order as the load order of a new boot in a single
// transaction. The enabled flag of existing rows is left untouched.
func (s *SQLiteStore) RecordLoadOrder(ctx context.Context, order []mods.Mod) (*Boot, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()

	if _, err := tx.ExecContext(ctx, `UPDATE mod_state SET load_index = NULL WHERE load_index IS NOT NULL`); err != nil {
		return nil, fmt.Errorf("failed to clear load order: %w", err)
	}

	upsert := `
		INSERT INTO mod_state (id, version, path, enabled, load_index, updated_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			version = excluded.version,
			path = excluded.path,
			load_index = excluded.load_index,
			updated_at = excluded.updated_at
	`
	for i, mod := range order {
		_, err := tx.ExecContext(ctx, upsert,
			mod.ID(),
			mod.Metadata.Version.String(),
			mod.Path,
			i,
			now,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to record mod %s: %w", mod.ID(), err)
		}
	}

	boot := &Boot{
		ID:        uuid.NewString(),
		ModCount:  len(order),
		StartedAt: now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO boots (id, mod_count, started_at) VALUES (?, ?, ?)`,
		boot.ID, boot.ModCount, boot.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record boot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit load order: %w", err)
	}

	return boot, nil
}

// List returns all known mods, loaded mods first in load order, then the
// rest by id.
func (s *SQLiteStore) List(ctx context.Context) ([]*ModState, error) {
	query := `
		SELECT id, version, path, enabled, load_index, updated_at
		FROM mod_state
		ORDER BY load_index IS NULL, load_index, id
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list mod states: %w", err)
	}
	defer rows.Close()

	states := []*ModState{}
	for rows.Next() {
		state, err := scanModState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan mod state: %w", err)
		}
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating mod states: %w", err)
	}

	return states, nil
}

// Get returns the state of one mod.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*ModState, error) {
	query := `
		SELECT id, version, path, enabled, load_index, updated_at
		FROM mod_state
		WHERE id = ?
	`

	state, err := scanModState(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, engine.NewStateError(fmt.Sprintf("mod state not found: %s", id), nil).
			WithCode(engine.ErrCodeNotFound).
			WithMod(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get mod state: %w", err)
	}

	return state, nil
}

// LastBoot returns the most recent boot, or nil if none was recorded.
func (s *SQLiteStore) LastBoot(ctx context.Context) (*Boot, error) {
	boot := &Boot{}
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mod_count, started_at FROM boots ORDER BY rowid DESC LIMIT 1`,
	).Scan(&boot.ID, &boot.ModCount, &boot.StartedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last boot: %w", err)
	}

	return boot, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanModState(row rowScanner) (*ModState, error) {
	state := &ModState{}
	var loadIndex sql.NullInt64
	err := row.Scan(
		&state.ID,
		&state.Version,
		&state.Path,
		&state.Enabled,
		&loadIndex,
		&state.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if loadIndex.Valid {
		idx := int(loadIndex.Int64)
		state.LoadIndex = &idx
	}

	return state, nil
}
