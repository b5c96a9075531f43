/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  The default store for single-node deployments. Same contracts as
  store/memory and store/postgres.

INTERFACES IMPLEMENTED:
  ledger.Store:           reservations (reservations.go)
  availability.Store:     weekly rules (availability.go)
  escalation.EntityStore: tracked entity snapshots (tracking.go)
  escalation.PartyStore:  identity directory (tracking.go)
  escalation.FlagStore:   escalation flags (tracking.go)

KEY TABLES:
  reservations:       every reservation ever made; never deleted
  availability_rules: keyed by (provider_id, day_of_week, start_minute)
  tracked_entities:   keyed by (entity_type, entity_id)
  parties:            display name + contact per party id
  escalation_flags:   one row per (entity, status, level) announced

OVERLAP GUARDS:
  The ledger checks for overlap inside the transaction. Two storage-level
  backstops reject anything that slips past:
  - idx_reservations_occupied_start: partial UNIQUE index on
    (provider_id, date, start_minute) for BOOKED/COMPLETED rows
  - trg_reservations_no_overlap: BEFORE INSERT trigger aborting on any
    overlapping BOOKED/COMPLETED row of the same provider and date
  - trg_reservations_no_overlap_update: the same check when an UPDATE
    moves a row into BOOKED/COMPLETED
  Both surface as *errs.ConflictError.

CONCURRENCY:
  Opened with WAL and _txlock=immediate: every transaction takes the write
  lock at BEGIN, so check-then-insert can't interleave across processes
  sharing the file. Readers don't block. ":memory:" is pinned to one
  connection since every connection would otherwise get its own database.

USAGE:
  store, err := sqlite.New("./data/booking.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  l := ledger.New(store, ledger.Options{})

MIGRATION:
  Schema is auto-migrated on New().
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
}

// New opens (and migrates) the database at dbPath.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	-- Reservations (never deleted; cancellation is a status change)
	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		linked_entity_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		date TEXT NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TEXT NOT NULL,
		last_transition_at TEXT NOT NULL,
		cancellation_reason TEXT,
		rescheduled_from TEXT,
		rescheduled_to TEXT,
		CHECK (start_minute < end_minute)
	);

	-- Overlap check and slot exclusion (hot path)
	CREATE INDEX IF NOT EXISTS idx_reservations_provider_date_start
		ON reservations(provider_id, date, start_minute);

	CREATE INDEX IF NOT EXISTS idx_reservations_subject
		ON reservations(subject_id);

	CREATE INDEX IF NOT EXISTS idx_reservations_status
		ON reservations(status);

	-- Backstop: no two occupying reservations share a start
	CREATE UNIQUE INDEX IF NOT EXISTS idx_reservations_occupied_start
		ON reservations(provider_id, date, start_minute)
		WHERE status IN ('BOOKED', 'COMPLETED');

	-- Backstop: no partial overlap either
	CREATE TRIGGER IF NOT EXISTS trg_reservations_no_overlap
	BEFORE INSERT ON reservations
	WHEN NEW.status IN ('BOOKED', 'COMPLETED')
	BEGIN
		SELECT RAISE(ABORT, 'reservation_overlap')
		WHERE EXISTS (
			SELECT 1 FROM reservations r
			WHERE r.provider_id = NEW.provider_id
			  AND r.date = NEW.date
			  AND r.status IN ('BOOKED', 'COMPLETED')
			  AND r.id <> NEW.id
			  AND r.start_minute < NEW.end_minute
			  AND NEW.start_minute < r.end_minute
		);
	END;

	CREATE TRIGGER IF NOT EXISTS trg_reservations_no_overlap_update
	BEFORE UPDATE OF status ON reservations
	WHEN NEW.status IN ('BOOKED', 'COMPLETED') AND OLD.status NOT IN ('BOOKED', 'COMPLETED')
	BEGIN
		SELECT RAISE(ABORT, 'reservation_overlap')
		WHERE EXISTS (
			SELECT 1 FROM reservations r
			WHERE r.provider_id = NEW.provider_id
			  AND r.date = NEW.date
			  AND r.status IN ('BOOKED', 'COMPLETED')
			  AND r.id <> NEW.id
			  AND r.start_minute < NEW.end_minute
			  AND NEW.start_minute < r.end_minute
		);
	END;

	-- Availability rules (replaced wholesale per provider)
	CREATE TABLE IF NOT EXISTS availability_rules (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		day_of_week INTEGER NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		slot_minutes INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TEXT NOT NULL,
		UNIQUE(provider_id, day_of_week, start_minute)
	);

	-- Tracked entities (status snapshots pushed by collaborators)
	CREATE TABLE IF NOT EXISTS tracked_entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		status_entered_at TEXT NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		responsible_id TEXT NOT NULL DEFAULT '',
		closed BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);

	CREATE INDEX IF NOT EXISTS idx_tracked_entities_open
		ON tracked_entities(entity_type) WHERE closed = FALSE;

	-- Parties (identity directory)
	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		contact TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	-- Escalation flags (each tier of each stage announced once)
	CREATE TABLE IF NOT EXISTS escalation_flags (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		level TEXT NOT NULL,
		raised_at TEXT NOT NULL,
		PRIMARY KEY (entity_type, entity_id, status, level)
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all rows. Only used to reload demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	tables := []string{"reservations", "availability_rules", "tracked_entities", "parties", "escalation_flags"}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	for _, t := range tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+t); err != nil {
			return fmt.Errorf("failed to reset %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// =============================================================================
// HELPERS
// =============================================================================

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullStringPtr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

// isOverlapError matches both reservation backstops.
func isOverlapError(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) || se.Code != sqlite3.ErrConstraint {
		return false
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintUnique, sqlite3.ErrConstraintTrigger:
		return true
	}
	return strings.Contains(se.Error(), "reservation_overlap")
}
