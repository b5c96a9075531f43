package calendar

import (
	"github.com/vitalslot/booking-engine/errs"
)

// MaxRangeDays bounds availability queries so a single call can't expand years of rules.
const MaxRangeDays = 92

// Range is an inclusive span of dates [From, To].
type Range struct {
	From Date
	To   Date
}

func NewRange(from, to Date) Range { return Range{From: from, To: to} }

// Validate rejects inverted and oversized ranges.
func (r Range) Validate() error {
	if r.From.IsZero() || r.To.IsZero() {
		return errs.Invalid("range", "from and to are required")
	}
	if r.To.Before(r.From) {
		return errs.Invalid("range", "to %s is before from %s", r.To, r.From)
	}
	if r.From.DaysUntil(r.To) >= MaxRangeDays {
		return errs.Invalid("range", "at most %d days may be requested", MaxRangeDays)
	}
	return nil
}

func (r Range) Contains(d Date) bool { return !d.Before(r.From) && !d.After(r.To) }

// Days returns every date in the range, ascending.
func (r Range) Days() []Date {
	var days []Date
	for d := r.From; !d.After(r.To); d = d.AddDays(1) {
		days = append(days, d)
	}
	return days
}

func (r Range) String() string { return "[" + r.From.String() + ", " + r.To.String() + "]" }
