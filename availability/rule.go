/*
Package availability models a provider's recurring weekly availability.

PURPOSE:
  A provider publishes a set of weekly rules ("Mondays 09:00-12:00 in
  15-minute slots"). The set is pure data: no scheduling logic lives here.
  The Slot Expander turns rules into concrete windows.

REPLACE, NEVER PATCH:
  SetAvailability replaces the provider's whole rule set. There is no
  per-rule update. Last write wins; concurrent writers don't merge.

INVARIANTS (checked by ValidateSet):
  1. Start < End, both within the day
  2. SlotMinutes > 0
  3. Active rules of one provider share ONE slot duration
  4. Active rules on the same weekday don't overlap
  5. (ProviderID, DayOfWeek, Start) is unique within a set

  A window that is not an exact multiple of SlotMinutes is accepted. The
  trailing partial slot is simply never offered.

INACTIVE RULES:
  Kept in the set for audit; excluded from expansion and from the slot
  duration check.

SEE ALSO:
  - slots/expand.go: consumes rules
  - store/sqlite/availability.go: rows keyed by (provider_id, day_of_week, start_minute)
*/
package availability

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
)

// =============================================================================
// RULE
// =============================================================================

type Rule struct {
	ID          string
	ProviderID  string
	DayOfWeek   time.Weekday
	Start       calendar.Clock
	End         calendar.Clock
	SlotMinutes int
	Active      bool
	CreatedAt   time.Time
}

func (r Rule) Window() calendar.Window { return calendar.Window{Start: r.Start, End: r.End} }

func (r Rule) SlotDuration() time.Duration { return time.Duration(r.SlotMinutes) * time.Minute }

// SlotCount is the number of whole slots the rule yields on one day.
func (r Rule) SlotCount() int {
	if r.SlotMinutes <= 0 || r.End <= r.Start {
		return 0
	}
	return int(r.End-r.Start) / r.SlotMinutes
}

func (r Rule) Validate() error {
	if r.ProviderID == "" {
		return errs.Invalid("provider_id", "is required")
	}
	if r.DayOfWeek < time.Sunday || r.DayOfWeek > time.Saturday {
		return errs.Invalid("day_of_week", "%d is not a day of the week", int(r.DayOfWeek))
	}
	if err := r.Window().Validate(); err != nil {
		return err
	}
	if r.SlotMinutes <= 0 {
		return errs.Invalid("slot_minutes", "must be positive, got %d", r.SlotMinutes)
	}
	return nil
}

func (r Rule) String() string {
	state := "active"
	if !r.Active {
		state = "inactive"
	}
	return fmt.Sprintf("%s %s %s/%dm (%s)", r.ProviderID, calendar.WeekdayCode(r.DayOfWeek), r.Window(), r.SlotMinutes, state)
}

// =============================================================================
// RULE SETS
// =============================================================================

// Prepare validates a full replacement set for providerID and returns it
// normalized: provider ids filled in, ids and timestamps assigned, sorted by
// weekday then start.
func Prepare(providerID string, rules []Rule, now time.Time) ([]Rule, error) {
	if providerID == "" {
		return nil, errs.Invalid("provider_id", "is required")
	}
	out := make([]Rule, len(rules))
	for i, r := range rules {
		if r.ProviderID == "" {
			r.ProviderID = providerID
		}
		if r.ID == "" {
			r.ID = uuid.NewString()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now.UTC()
		}
		out[i] = r
	}
	if err := ValidateSet(providerID, out); err != nil {
		return nil, err
	}
	Sort(out)
	return out, nil
}

// ValidateSet checks a provider's complete rule set.
func ValidateSet(providerID string, rules []Rule) error {
	type key struct {
		day   time.Weekday
		start calendar.Clock
	}
	seen := make(map[key]bool, len(rules))
	activeByDay := make(map[time.Weekday][]calendar.Window)
	duration := 0

	for i, r := range rules {
		if err := r.Validate(); err != nil {
			return fmt.Errorf("rule %d: %w", i, err)
		}
		if r.ProviderID != providerID {
			return errs.Invalid("provider_id", "rule %d belongs to %q, not %q", i, r.ProviderID, providerID)
		}
		k := key{r.DayOfWeek, r.Start}
		if seen[k] {
			return errs.Invalid("rules", "duplicate rule for %s at %s", calendar.WeekdayCode(r.DayOfWeek), r.Start)
		}
		seen[k] = true

		if !r.Active {
			continue
		}
		if duration == 0 {
			duration = r.SlotMinutes
		} else if r.SlotMinutes != duration {
			return errs.Invalid("slot_minutes", "a provider uses one slot duration, got %d and %d", duration, r.SlotMinutes)
		}
		for _, w := range activeByDay[r.DayOfWeek] {
			if w.Overlaps(r.Window()) {
				return errs.Invalid("rules", "%s %s overlaps %s", calendar.WeekdayCode(r.DayOfWeek), r.Window(), w)
			}
		}
		activeByDay[r.DayOfWeek] = append(activeByDay[r.DayOfWeek], r.Window())
	}
	return nil
}

// SlotDuration returns the provider's fixed slot duration, taken from its
// active rules. ok is false when nothing is active.
func SlotDuration(rules []Rule) (d time.Duration, ok bool) {
	for _, r := range rules {
		if r.Active {
			return r.SlotDuration(), true
		}
	}
	return 0, false
}

// Active filters out deactivated rules.
func Active(rules []Rule) []Rule {
	var out []Rule
	for _, r := range rules {
		if r.Active {
			out = append(out, r)
		}
	}
	return out
}

// Sort orders rules Sunday first, then by start.
func Sort(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].DayOfWeek != rules[j].DayOfWeek {
			return rules[i].DayOfWeek < rules[j].DayOfWeek
		}
		return rules[i].Start < rules[j].Start
	})
}

// =============================================================================
// STORE
// =============================================================================

// Store persists rule sets. Replace swaps the provider's full set atomically.
type Store interface {
	ReplaceRules(ctx context.Context, providerID string, rules []Rule) error

	// ListRules returns active and inactive rules, sorted. An unknown
	// provider yields an empty slice, not an error.
	ListRules(ctx context.Context, providerID string) ([]Rule, error)
}
