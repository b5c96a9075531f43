/*
Package cutoff decides whether a reservation is too close to its start to
change.

RULE:
  within = start <= now  OR  (start - now) < minNotice

  A start already in the past is always inside the cutoff: a missed slot
  can't be rescheduled, it becomes NO_SHOW instead.

DEFAULTS:
  4h for provider-facing collection and consult appointments. Per entity
  type overrides come from the rule document (factory/rules.go).
*/
package cutoff

import (
	"time"

	"github.com/vitalslot/booking-engine/errs"
)

const DefaultMinNotice = 4 * time.Hour

// IsWithinCutoff reports whether now is inside the minimum-notice window
// before start.
func IsWithinCutoff(start, now time.Time, minNotice time.Duration) bool {
	if !start.After(now) {
		return true
	}
	return start.Sub(now) < minNotice
}

// Policy holds the minimum notice per entity type.
type Policy struct {
	Default time.Duration
	PerType map[string]time.Duration
}

func DefaultPolicy() Policy { return Policy{Default: DefaultMinNotice} }

// MinNotice returns the notice for entityType, falling back to Default
// (and to DefaultMinNotice if Default is unset).
func (p Policy) MinNotice(entityType string) time.Duration {
	if d, ok := p.PerType[entityType]; ok {
		return d
	}
	if p.Default > 0 {
		return p.Default
	}
	return DefaultMinNotice
}

// Check returns *errs.CutoffError when the change is inside the cutoff.
func (p Policy) Check(reservationID, entityType string, start, now time.Time) error {
	notice := p.MinNotice(entityType)
	if !IsWithinCutoff(start, now, notice) {
		return nil
	}
	return &errs.CutoffError{ReservationID: reservationID, Start: start, Now: now, MinNotice: notice}
}

func (p Policy) Validate() error {
	if p.Default < 0 {
		return errs.Invalid("cutoff", "default notice can't be negative")
	}
	for t, d := range p.PerType {
		if d < 0 {
			return errs.Invalid("cutoff", "notice for %s can't be negative", t)
		}
	}
	return nil
}
