package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
)

// =============================================================================
// AVAILABILITY RULES (availability.Store interface)
// =============================================================================

// ReplaceRules swaps the provider's whole rule set in one transaction.
func (s *Store) ReplaceRules(ctx context.Context, providerID string, rules []availability.Rule) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM availability_rules WHERE provider_id = ?`, providerID); err != nil {
		return fmt.Errorf("failed to clear rules: %w", err)
	}
	for _, r := range rules {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO availability_rules
			(id, provider_id, day_of_week, start_minute, end_minute, slot_minutes, active, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, providerID, int(r.DayOfWeek), int(r.Start), int(r.End), r.SlotMinutes, r.Active, formatTime(r.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert rule %s: %w", r, err)
		}
	}
	return tx.Commit()
}

func (s *Store) ListRules(ctx context.Context, providerID string) ([]availability.Rule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_id, day_of_week, start_minute, end_minute, slot_minutes, active, created_at
		FROM availability_rules
		WHERE provider_id = ?
		ORDER BY day_of_week ASC, start_minute ASC`, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", err)
	}
	defer rows.Close()

	out := []availability.Rule{}
	for rows.Next() {
		var (
			r          availability.Rule
			day        int
			start, end int
			createdAt  string
		)
		if err := rows.Scan(&r.ID, &r.ProviderID, &day, &start, &end, &r.SlotMinutes, &r.Active, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		r.DayOfWeek = time.Weekday(day)
		r.Start = calendar.Clock(start)
		r.End = calendar.Clock(end)
		r.CreatedAt = parseTime(createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}
