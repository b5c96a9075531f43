package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
)

// =============================================================================
// TRACKED ENTITIES (escalation.EntityStore interface)
// =============================================================================

func (s *Store) UpsertEntity(ctx context.Context, e escalation.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tracked_entities
		(entity_type, entity_id, status, status_entered_at, subject_id, responsible_id, closed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET
			status = excluded.status,
			status_entered_at = excluded.status_entered_at,
			subject_id = excluded.subject_id,
			responsible_id = excluded.responsible_id,
			closed = excluded.closed,
			updated_at = excluded.updated_at`,
		e.Type, e.ID, e.Status, formatTime(e.StatusEnteredAt), e.SubjectID, e.ResponsibleID, e.Closed, formatTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert entity: %w", err)
	}
	return nil
}

const entityColumns = `entity_type, entity_id, status, status_entered_at, subject_id, responsible_id, closed, updated_at`

func (s *Store) GetEntity(ctx context.Context, entityType, id string) (*escalation.Entity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM tracked_entities WHERE entity_type = ? AND entity_id = ?`, entityType, id)
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Kind: entityType, ID: id}
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListOpenEntities(ctx context.Context, entityType string) ([]escalation.Entity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM tracked_entities
		 WHERE entity_type = ? AND closed = FALSE
		 ORDER BY entity_id`, entityType)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer rows.Close()

	out := []escalation.Entity{}
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEntity(row scanner) (escalation.Entity, error) {
	var (
		e                  escalation.Entity
		enteredAt, updated string
	)
	err := row.Scan(&e.Type, &e.ID, &e.Status, &enteredAt, &e.SubjectID, &e.ResponsibleID, &e.Closed, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return e, err
		}
		return e, fmt.Errorf("failed to scan entity: %w", err)
	}
	e.StatusEnteredAt = parseTime(enteredAt)
	e.UpdatedAt = parseTime(updated)
	return e, nil
}

// =============================================================================
// PARTIES (escalation.PartyStore interface)
// =============================================================================

func (s *Store) UpsertParty(ctx context.Context, p escalation.Party) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO parties (id, display_name, contact, role, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			display_name = excluded.display_name,
			contact = excluded.contact,
			role = excluded.role,
			updated_at = excluded.updated_at`,
		p.ID, p.DisplayName, p.Contact, p.Role, formatTime(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert party: %w", err)
	}
	return nil
}

func (s *Store) LookupParties(ctx context.Context, ids []string) (map[string]escalation.Party, error) {
	out := make(map[string]escalation.Party, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, contact, role FROM parties WHERE id IN (`+strings.Join(marks, ", ")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query parties: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p escalation.Party
		if err := rows.Scan(&p.ID, &p.DisplayName, &p.Contact, &p.Role); err != nil {
			return nil, fmt.Errorf("failed to scan party: %w", err)
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// =============================================================================
// ESCALATION FLAGS (escalation.FlagStore interface)
// =============================================================================

func (s *Store) RaiseFlag(ctx context.Context, f escalation.Flag) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO escalation_flags (entity_type, entity_id, status, level, raised_at)
		VALUES (?, ?, ?, ?, ?)`,
		f.EntityType, f.EntityID, f.Status, string(f.Level), formatTime(f.RaisedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to raise flag: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *Store) ListFlags(ctx context.Context, entityType, entityID string) ([]escalation.Flag, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, entity_id, status, level, raised_at
		FROM escalation_flags
		WHERE entity_type = ? AND entity_id = ?
		ORDER BY raised_at`, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query flags: %w", err)
	}
	defer rows.Close()

	var out []escalation.Flag
	for rows.Next() {
		var (
			f            escalation.Flag
			level, when  string
		)
		if err := rows.Scan(&f.EntityType, &f.EntityID, &f.Status, &level, &when); err != nil {
			return nil, fmt.Errorf("failed to scan flag: %w", err)
		}
		f.Level = deadline.Level(level)
		f.RaisedAt = parseTime(when)
		out = append(out, f)
	}
	return out, rows.Err()
}
