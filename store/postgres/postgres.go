/*
Package postgres provides a PostgreSQL (pgx) implementation of the storage
interfaces, for multi-node deployments.

OVERLAP GUARDS:
  - Tx.Lock takes pg_advisory_xact_lock on the (provider, date) key, so
    processes without a shared keylock.Redis still serialize per day.
  - reservations_no_overlap: EXCLUDE USING gist over
    (provider_id =, date =, int4range(start_minute, end_minute) &&)
    for BOOKED/COMPLETED rows. Needs btree_gist.
  SQLSTATE 23P01 (exclusion) and 23505 (unique) map to *errs.ConflictError.

INTERFACES IMPLEMENTED:
  ledger.Store, availability.Store, escalation.EntityStore,
  escalation.PartyStore, escalation.FlagStore
*/
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
)

type Store struct {
	pool *pgxpool.Pool
}

// NewPool opens and pings a connection pool.
func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	if minConns > 0 {
		cfg.MinConns = minConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// New wraps pool and migrates the schema.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
	CREATE EXTENSION IF NOT EXISTS btree_gist;

	CREATE TABLE IF NOT EXISTS reservations (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		subject_id TEXT NOT NULL,
		linked_entity_id TEXT NOT NULL DEFAULT '',
		kind TEXT NOT NULL DEFAULT '',
		date DATE NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		status TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL,
		last_transition_at TIMESTAMPTZ NOT NULL,
		cancellation_reason TEXT,
		rescheduled_from TEXT,
		rescheduled_to TEXT,
		CHECK (start_minute < end_minute)
	);

	CREATE INDEX IF NOT EXISTS idx_reservations_provider_date_start
		ON reservations(provider_id, date, start_minute);
	CREATE INDEX IF NOT EXISTS idx_reservations_subject ON reservations(subject_id);

	DO $$ BEGIN
		ALTER TABLE reservations ADD CONSTRAINT reservations_no_overlap
			EXCLUDE USING gist (
				provider_id WITH =,
				date WITH =,
				int4range(start_minute, end_minute) WITH &&
			) WHERE (status IN ('BOOKED', 'COMPLETED'));
	EXCEPTION WHEN duplicate_object OR duplicate_table THEN NULL;
	END $$;

	CREATE TABLE IF NOT EXISTS availability_rules (
		id TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		day_of_week SMALLINT NOT NULL,
		start_minute INTEGER NOT NULL,
		end_minute INTEGER NOT NULL,
		slot_minutes INTEGER NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		UNIQUE (provider_id, day_of_week, start_minute)
	);

	CREATE TABLE IF NOT EXISTS tracked_entities (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		status_entered_at TIMESTAMPTZ NOT NULL,
		subject_id TEXT NOT NULL DEFAULT '',
		responsible_id TEXT NOT NULL DEFAULT '',
		closed BOOLEAN NOT NULL DEFAULT FALSE,
		updated_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (entity_type, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_tracked_entities_open
		ON tracked_entities(entity_type) WHERE NOT closed;

	CREATE TABLE IF NOT EXISTS parties (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		contact TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);

	CREATE TABLE IF NOT EXISTS escalation_flags (
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		status TEXT NOT NULL,
		level TEXT NOT NULL,
		raised_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (entity_type, entity_id, status, level)
	);`)
	return err
}

// Reset truncates every table. Only used to reload demo scenarios.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE reservations, availability_rules, tracked_entities, parties, escalation_flags`)
	return err
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// =============================================================================
// RESERVATIONS (ledger.Store interface)
// =============================================================================

const reservationColumns = `id, provider_id, subject_id, linked_entity_id, kind, date,
	start_minute, end_minute, status, created_at, last_transition_at,
	cancellation_reason, COALESCE(rescheduled_from, ''), COALESCE(rescheduled_to, '')`

func (s *Store) Get(ctx context.Context, id string) (*ledger.Reservation, error) {
	return getReservation(ctx, s.pool, id, "")
}

func (s *Store) List(ctx context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return listReservations(ctx, s.pool, f)
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type txStore struct {
	tx pgx.Tx
}

// Get locks the row until commit. Under READ COMMITTED a transaction that
// waited on the lock sees the row as the winner left it.
func (ts *txStore) Get(ctx context.Context, id string) (*ledger.Reservation, error) {
	return getReservation(ctx, ts.tx, id, "FOR UPDATE")
}

func (ts *txStore) List(ctx context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return listReservations(ctx, ts.tx, f)
}

// Lock takes a transaction-scoped advisory lock, released at commit/rollback.
func (ts *txStore) Lock(ctx context.Context, key string) error {
	_, err := ts.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (ts *txStore) Insert(ctx context.Context, r ledger.Reservation) error {
	_, err := ts.tx.Exec(ctx, `
		INSERT INTO reservations (id, provider_id, subject_id, linked_entity_id, kind, date,
			start_minute, end_minute, status, created_at, last_transition_at,
			cancellation_reason, rescheduled_from, rescheduled_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''), NULLIF($14, ''))`,
		r.ID, r.ProviderID, r.SubjectID, r.LinkedEntityID, r.Kind, r.Date.Midnight(time.UTC),
		int(r.Start), int(r.End), string(r.Status), r.CreatedAt, r.LastTransitionAt,
		r.CancellationReason, r.RescheduledFrom, r.RescheduledTo,
	)
	if err != nil {
		var pgerr *pgconn.PgError
		if errors.As(err, &pgerr) && (pgerr.Code == "23P01" || pgerr.Code == "23505") && pgerr.ConstraintName != "reservations_pkey" {
			return &errs.ConflictError{ProviderID: r.ProviderID, Date: r.Date.String(), Window: r.Window().String()}
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	return nil
}

func (ts *txStore) Update(ctx context.Context, r ledger.Reservation) error {
	tag, err := ts.tx.Exec(ctx, `
		UPDATE reservations
		SET status = $1, last_transition_at = $2, cancellation_reason = $3,
		    rescheduled_from = NULLIF($4, ''), rescheduled_to = NULLIF($5, '')
		WHERE id = $6 AND status = 'BOOKED'`,
		string(r.Status), r.LastTransitionAt, r.CancellationReason, r.RescheduledFrom, r.RescheduledTo, r.ID,
	)
	if err != nil {
		return fmt.Errorf("update reservation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Gone or already out of BOOKED.
		current, err := getReservation(ctx, ts.tx, r.ID, "")
		if err != nil {
			return err
		}
		return &errs.TransitionError{ReservationID: r.ID, From: string(current.Status), To: string(r.Status)}
	}
	return nil
}

func getReservation(ctx context.Context, q querier, id, lockClause string) (*ledger.Reservation, error) {
	r, err := scanReservation(q.QueryRow(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = $1 `+lockClause, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "reservation", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func listReservations(ctx context.Context, q querier, f ledger.Filter) ([]ledger.Reservation, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.ProviderID != "" {
		where = append(where, "provider_id = "+arg(f.ProviderID))
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = "+arg(f.SubjectID))
	}
	if !f.From.IsZero() {
		where = append(where, "date >= "+arg(f.From.Midnight(time.UTC)))
	}
	if !f.To.IsZero() {
		where = append(where, "date <= "+arg(f.To.Midnight(time.UTC)))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			statuses[i] = string(st)
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date, start_minute, id`

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	out := []ledger.Reservation{}
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanReservation(row pgx.Row) (ledger.Reservation, error) {
	var (
		r          ledger.Reservation
		date       time.Time
		start, end int
		status     string
	)
	err := row.Scan(
		&r.ID, &r.ProviderID, &r.SubjectID, &r.LinkedEntityID, &r.Kind, &date,
		&start, &end, &status, &r.CreatedAt, &r.LastTransitionAt,
		&r.CancellationReason, &r.RescheduledFrom, &r.RescheduledTo,
	)
	if err != nil {
		return r, err
	}
	r.Date = calendar.DateOf(date)
	r.Start = calendar.Clock(start)
	r.End = calendar.Clock(end)
	r.Status = ledger.Status(status)
	r.CreatedAt = r.CreatedAt.UTC()
	r.LastTransitionAt = r.LastTransitionAt.UTC()
	return r, nil
}

// =============================================================================
// AVAILABILITY RULES (availability.Store interface)
// =============================================================================

func (s *Store) ReplaceRules(ctx context.Context, providerID string, rules []availability.Rule) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM availability_rules WHERE provider_id = $1`, providerID); err != nil {
			return fmt.Errorf("clear rules: %w", err)
		}
		batch := &pgx.Batch{}
		for _, r := range rules {
			batch.Queue(`
				INSERT INTO availability_rules
				(id, provider_id, day_of_week, start_minute, end_minute, slot_minutes, active, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				r.ID, providerID, int(r.DayOfWeek), int(r.Start), int(r.End), r.SlotMinutes, r.Active, r.CreatedAt)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *Store) ListRules(ctx context.Context, providerID string) ([]availability.Rule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, provider_id, day_of_week, start_minute, end_minute, slot_minutes, active, created_at
		FROM availability_rules WHERE provider_id = $1
		ORDER BY day_of_week, start_minute`, providerID)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	out := []availability.Rule{}
	for rows.Next() {
		var (
			r               availability.Rule
			day, start, end int
		)
		if err := rows.Scan(&r.ID, &r.ProviderID, &day, &start, &end, &r.SlotMinutes, &r.Active, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		r.DayOfWeek = time.Weekday(day)
		r.Start = calendar.Clock(start)
		r.End = calendar.Clock(end)
		r.CreatedAt = r.CreatedAt.UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// =============================================================================
// TRACKING (escalation.EntityStore, PartyStore, FlagStore)
// =============================================================================

func (s *Store) UpsertEntity(ctx context.Context, e escalation.Entity) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tracked_entities
		(entity_type, entity_id, status, status_entered_at, subject_id, responsible_id, closed, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			status = EXCLUDED.status,
			status_entered_at = EXCLUDED.status_entered_at,
			subject_id = EXCLUDED.subject_id,
			responsible_id = EXCLUDED.responsible_id,
			closed = EXCLUDED.closed,
			updated_at = EXCLUDED.updated_at`,
		e.Type, e.ID, e.Status, e.StatusEnteredAt, e.SubjectID, e.ResponsibleID, e.Closed, e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert entity: %w", err)
	}
	return nil
}

const entityColumns = `entity_type, entity_id, status, status_entered_at, subject_id, responsible_id, closed, updated_at`

func scanEntity(row pgx.Row) (escalation.Entity, error) {
	var e escalation.Entity
	err := row.Scan(&e.Type, &e.ID, &e.Status, &e.StatusEnteredAt, &e.SubjectID, &e.ResponsibleID, &e.Closed, &e.UpdatedAt)
	e.StatusEnteredAt = e.StatusEnteredAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, err
}

func (s *Store) GetEntity(ctx context.Context, entityType, id string) (*escalation.Entity, error) {
	e, err := scanEntity(s.pool.QueryRow(ctx,
		`SELECT `+entityColumns+` FROM tracked_entities WHERE entity_type = $1 AND entity_id = $2`, entityType, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: entityType, ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListOpenEntities(ctx context.Context, entityType string) ([]escalation.Entity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+entityColumns+` FROM tracked_entities WHERE entity_type = $1 AND NOT closed ORDER BY entity_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("query entities: %w", err)
	}
	defer rows.Close()

	out := []escalation.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) UpsertParty(ctx context.Context, p escalation.Party) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO parties (id, display_name, contact, role, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			contact = EXCLUDED.contact,
			role = EXCLUDED.role,
			updated_at = now()`,
		p.ID, p.DisplayName, p.Contact, p.Role)
	if err != nil {
		return fmt.Errorf("upsert party: %w", err)
	}
	return nil
}

func (s *Store) LookupParties(ctx context.Context, ids []string) (map[string]escalation.Party, error) {
	out := make(map[string]escalation.Party, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, display_name, contact, role FROM parties WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("query parties: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var p escalation.Party
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Contact, &p.Role); err != nil {
			return nil, fmt.Errorf("scan party: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

func (s *Store) RaiseFlag(ctx context.Context, f escalation.Flag) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO escalation_flags (entity_type, entity_id, status, level, raised_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		f.EntityType, f.EntityID, f.Status, string(f.Level), f.RaisedAt)
	if err != nil {
		return false, fmt.Errorf("raise flag: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) ListFlags(ctx context.Context, entityType, entityID string) ([]escalation.Flag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT entity_type, entity_id, status, level, raised_at
		FROM escalation_flags WHERE entity_type = $1 AND entity_id = $2
		ORDER BY raised_at`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("query flags: %w", err)
	}
	defer rows.Close()

	var out []escalation.Flag
	for rows.Next() {
		var (
			f     escalation.Flag
			level string
		)
		if err := rows.Scan(&f.EntityType, &f.EntityID, &f.Status, &level, &f.RaisedAt); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		f.Level = deadline.Level(level)
		f.RaisedAt = f.RaisedAt.UTC()
		out = append(out, f)
	}
	return out, rows.Err()
}
