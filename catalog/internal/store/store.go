// Package store persists catalog items, set/sub-component associations and
// the scrape run log in SQLite.
//
// Every write that touches at least one row is preceded by a snapshot from
// the configured Snapshotter; if the snapshot fails the write is not
// attempted. Writes run in a single transaction through dbopen.RunTx.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const migrationsTable = "schema_migrations"

// Snapshotter takes a pre-write backup of the database.
type Snapshotter interface {
	Snapshot(ctx context.Context) error
}

// SnapshotFunc adapts a function to Snapshotter.
type SnapshotFunc func(ctx context.Context) error

// Snapshot calls f(ctx).
func (f SnapshotFunc) Snapshot(ctx context.Context) error { return f(ctx) }

// Store wraps the catalog database.
type Store struct {
	DB     *sql.DB
	backup Snapshotter
	now    func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithSnapshotter installs the pre-write backup hook.
func WithSnapshotter(s Snapshotter) Option { return func(st *Store) { st.backup = s } }

// WithClock overrides time.Now for row timestamps.
func WithClock(now func() time.Time) Option { return func(st *Store) { st.now = now } }

// NewStore creates a Store from an already-opened, migrated database.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{DB: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) snapshot(ctx context.Context) error {
	if s.backup == nil {
		return nil
	}
	if err := s.backup.Snapshot(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBackup, err)
	}
	return nil
}

// Migrate applies every pending embedded migration. The driver is not closed
// afterwards because closing it would close db.
func Migrate(db *sql.DB, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	drv, err := sqlite.WithInstance(db, &sqlite.Config{MigrationsTable: migrationsTable})
	if err != nil {
		return fmt.Errorf("store: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	m.Log = &migrateLogger{logger: logger}

	from, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("store: migration version: %w", err)
	}
	if dirty {
		return fmt.Errorf("store: schema is dirty at version %d", from)
	}

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return nil
		}
		return fmt.Errorf("store: migrate up: %w", err)
	}
	to, _, _ := m.Version()
	logger.Info("store: schema migrated", "from", from, "to", to)
	return nil
}

// SchemaVersion returns the applied migration version, 0 before any.
func (s *Store) SchemaVersion(ctx context.Context) (uint, error) {
	var v uint
	err := s.DB.QueryRowContext(ctx,
		`SELECT version FROM `+migrationsTable+` LIMIT 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: schema version: %w", err)
	}
	return v, nil
}

type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *migrateLogger) Verbose() bool { return false }
