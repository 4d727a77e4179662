package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/animeboard/internal/bus"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema
// 1 - Added index on changes(topic, seq) for per-topic replay
const currentSchemaVersion = 1

// Store is the SQLite backing store. It publishes a bus.Event for every
// committed change.
type Store struct {
	db  *sql.DB
	pub bus.Publisher
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets the change-event publisher. Without one, changes
// are still logged and can be replayed later.
func WithPublisher(p bus.Publisher) Option {
	return func(s *Store) { s.pub = p }
}

// WithNow overrides the wall clock used for defaulted timestamps.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open creates or opens a SQLite database at path and applies pragmas
// and migrations. Safe to call on an existing database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite has one writer; a single connection avoids SQLITE_BUSY and
	// serializes read-modify-write transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetPublisher replaces the publisher after Open.
func (s *Store) SetPublisher(p bus.Publisher) { s.pub = p }

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

func migrateToV1(db *sql.DB) error {
	_, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_changes_topic ON changes(topic, seq)`)
	if err != nil {
		return fmt.Errorf("migrate to v1: %w", err)
	}
	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	if err := s.db.QueryRow(fmt.Sprintf("PRAGMA %s", name)).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}

// change is one pending change-log entry inside a write transaction.
type change struct {
	topic, table string
	op           bus.Op
	entityID     string
	newRow       any
	oldRow       any
}

// writeTx runs fn in a transaction. Changes fn records are appended to
// the change log before commit and published after it.
func (s *Store) writeTx(ctx context.Context, fn func(tx *sql.Tx, record func(change)) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var pending []change
	if err := fn(tx, func(c change) { pending = append(pending, c) }); err != nil {
		return err
	}

	events := make([]bus.Event, 0, len(pending))
	for _, c := range pending {
		ev, err := s.appendChange(ctx, tx, c)
		if err != nil {
			return err
		}
		events = append(events, ev)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.publish(ctx, events)
	return nil
}

func (s *Store) appendChange(ctx context.Context, tx *sql.Tx, c change) (bus.Event, error) {
	committed := s.now().UTC()
	newRow, err := marshalRow(c.newRow)
	if err != nil {
		return bus.Event{}, err
	}
	oldRow, err := marshalRow(c.oldRow)
	if err != nil {
		return bus.Event{}, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO changes (topic, table_name, op, entity_id, new_row, old_row, committed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.topic, c.table, string(c.op), c.entityID, newRow, oldRow, formatTime(committed))
	if err != nil {
		return bus.Event{}, fmt.Errorf("append change: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return bus.Event{}, fmt.Errorf("append change: %w", err)
	}

	return changeEvent(seq, c.topic, c.table, c.op, c.entityID, newRow, oldRow, committed), nil
}

// publish delivers events in commit order. Failures are logged; the change
// log still holds the events for Replay.
func (s *Store) publish(ctx context.Context, events []bus.Event) {
	if s.pub == nil {
		return
	}
	for _, ev := range events {
		if err := s.pub.Publish(ctx, ev); err != nil {
			slog.Warn("publish change failed",
				"topic", ev.Topic,
				"table", ev.Table,
				"op", ev.Op,
				"event_id", ev.ID,
				"error", err,
			)
		}
	}
}
