// Package sqlite is the relational store backing the gateway: reactions,
// per-user contract metrics, display users, cached contract documents and
// contract comments. Comment writes are published as row changes.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/gbear605/manifold/internal/realtime"
	"github.com/gbear605/manifold/internal/storage/sqlite/migrations"
)

var (
	// ErrNotFound is returned when a single row lookup matches nothing
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an insert collides with an existing id
	ErrConflict = errors.New("already exists")
)

// Publisher receives row changes produced by writes
type Publisher interface {
	Publish(change realtime.Change)
}

// Store provides SQLite-backed persistence
type Store struct {
	db        *sql.DB
	publisher Publisher
	logger    zerolog.Logger
	now       func() time.Time
}

// Open opens the database at path without migrating it
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "sqlite-store").Logger(),
		now:    time.Now,
	}, nil
}

// OpenAndMigrate opens the database at path and applies pending migrations
func OpenAndMigrate(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	s, err := Open(path, logger)
	if err != nil {
		return nil, err
	}
	if _, err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Migrate applies pending embedded migrations, returning their names
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	applied, err := ApplyMigrations(ctx, s.db, migrations.FS)
	for _, name := range applied {
		s.logger.Info().Str("migration", name).Msg("migration applied")
	}
	return applied, err
}

// SetPublisher sets where comment changes are published
func (s *Store) SetPublisher(p Publisher) {
	s.publisher = p
}

// Close releases the underlying connection
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) publish(table string, eventType realtime.EventType, row any) {
	if s.publisher == nil {
		return
	}
	change, err := realtime.NewChange(table, eventType, row)
	if err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to encode change")
		return
	}
	s.publisher.Publish(change)
}

// placeholders returns "?, ?, ..." for n arguments
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}

func isConstraintError(err error) bool {
	var sqliteErr *msqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	switch sqliteErr.Code() {
	case sqlite3lib.SQLITE_CONSTRAINT, sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

func boolToInt(value bool) int64 {
	if value {
		return 1
	}
	return 0
}

func timeToUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func unixMillisToTime(value int64) time.Time {
	if value <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(value).UTC()
}
