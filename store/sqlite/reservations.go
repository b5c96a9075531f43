package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/ledger"
)

// =============================================================================
// RESERVATIONS (ledger.Store interface)
// =============================================================================

const reservationColumns = `id, provider_id, subject_id, linked_entity_id, kind, date,
	start_minute, end_minute, status, created_at, last_transition_at,
	cancellation_reason, rescheduled_from, rescheduled_to`

func (s *Store) Get(ctx context.Context, id string) (*ledger.Reservation, error) {
	return getReservation(ctx, s.db, id)
}

func (s *Store) List(ctx context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return listReservations(ctx, s.db, f)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) Get(ctx context.Context, id string) (*ledger.Reservation, error) {
	return getReservation(ctx, ts.tx, id)
}

func (ts *txStore) List(ctx context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return listReservations(ctx, ts.tx, f)
}

// Lock is a no-op: _txlock=immediate already took the database write lock.
func (ts *txStore) Lock(context.Context, string) error { return nil }

func (ts *txStore) Insert(ctx context.Context, r ledger.Reservation) error {
	_, err := ts.tx.ExecContext(ctx, `
		INSERT INTO reservations (`+reservationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ProviderID, r.SubjectID, r.LinkedEntityID, r.Kind, r.Date.String(),
		int(r.Start), int(r.End), string(r.Status),
		formatTime(r.CreatedAt), formatTime(r.LastTransitionAt),
		nullStringPtr(r.CancellationReason), nullString(r.RescheduledFrom), nullString(r.RescheduledTo),
	)
	if err != nil {
		if isOverlapError(err) {
			return &errs.ConflictError{ProviderID: r.ProviderID, Date: r.Date.String(), Window: r.Window().String()}
		}
		return fmt.Errorf("failed to insert reservation: %w", err)
	}
	return nil
}

func (ts *txStore) Update(ctx context.Context, r ledger.Reservation) error {
	res, err := ts.tx.ExecContext(ctx, `
		UPDATE reservations
		SET status = ?, last_transition_at = ?, cancellation_reason = ?,
		    rescheduled_from = ?, rescheduled_to = ?
		WHERE id = ?`,
		string(r.Status), formatTime(r.LastTransitionAt), nullStringPtr(r.CancellationReason),
		nullString(r.RescheduledFrom), nullString(r.RescheduledTo), r.ID,
	)
	if err != nil {
		if isOverlapError(err) {
			return &errs.ConflictError{ProviderID: r.ProviderID, Date: r.Date.String(), Window: r.Window().String()}
		}
		return fmt.Errorf("failed to update reservation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errs.NotFoundError{Kind: "reservation", ID: r.ID}
	}
	return nil
}

// =============================================================================
// QUERIES
// =============================================================================

func getReservation(ctx context.Context, q queryer, id string) (*ledger.Reservation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: "reservation", ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func listReservations(ctx context.Context, q queryer, f ledger.Filter) ([]ledger.Reservation, error) {
	var (
		where []string
		args  []any
	)
	if f.ProviderID != "" {
		where = append(where, "provider_id = ?")
		args = append(args, f.ProviderID)
	}
	if f.SubjectID != "" {
		where = append(where, "subject_id = ?")
		args = append(args, f.SubjectID)
	}
	if !f.From.IsZero() {
		where = append(where, "date >= ?")
		args = append(args, f.From.String())
	}
	if !f.To.IsZero() {
		where = append(where, "date <= ?")
		args = append(args, f.To.String())
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := `SELECT ` + reservationColumns + ` FROM reservations`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY date ASC, start_minute ASC, id ASC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reservations: %w", err)
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

func scanReservation(row scanner) (ledger.Reservation, error) {
	var (
		r                  ledger.Reservation
		date               string
		start, end         int
		status             string
		createdAt          string
		lastTransitionAt   string
		cancellationReason sql.NullString
		rescheduledFrom    sql.NullString
		rescheduledTo      sql.NullString
	)
	err := row.Scan(
		&r.ID, &r.ProviderID, &r.SubjectID, &r.LinkedEntityID, &r.Kind, &date,
		&start, &end, &status, &createdAt, &lastTransitionAt,
		&cancellationReason, &rescheduledFrom, &rescheduledTo,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return r, err
		}
		return r, fmt.Errorf("failed to scan reservation: %w", err)
	}

	r.Date, err = calendar.ParseDate(date)
	if err != nil {
		return r, fmt.Errorf("reservation %s: %w", r.ID, err)
	}
	r.Start = calendar.Clock(start)
	r.End = calendar.Clock(end)
	r.Status = ledger.Status(status)
	r.CreatedAt = parseTime(createdAt)
	r.LastTransitionAt = parseTime(lastTransitionAt)
	if cancellationReason.Valid {
		reason := cancellationReason.String
		r.CancellationReason = &reason
	}
	r.RescheduledFrom = rescheduledFrom.String
	r.RescheduledTo = rescheduledTo.String
	return r, nil
}
