/*
Package slots expands weekly availability into concrete bookable windows.

PURPOSE:
  Expand is a pure function:
    (rules, [from, to], reservations, now) -> ordered open slots

  Nothing is persisted. The Booking Service calls Expand again at commit
  time instead of trusting whatever list the client saw, so the same
  inputs must always give the same output.

GENERATION:
  For each date in [from, to] and each ACTIVE rule on that weekday:
    Start, Start+d, Start+2d, ... while the window still ends by rule End
  A trailing partial window is dropped; a rule narrower than one slot
  yields nothing.

EXCLUSION:
  - Any window overlapping, even partially, a BOOKED or COMPLETED
    reservation of the same provider and date is removed whole. Windows are
    never split.
  - Windows whose start is at or before now are removed.

ORDER:
  Date ascending, then start, then provider id.
*/
package slots

import (
	"sort"
	"time"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/ledger"
)

type Slot struct {
	ProviderID string
	Date       calendar.Date
	Start      calendar.Clock
	End        calendar.Clock
}

func (s Slot) Window() calendar.Window { return calendar.Window{Start: s.Start, End: s.End} }

func (s Slot) StartsAt(loc *time.Location) time.Time { return s.Date.At(s.Start, loc) }

type dayKey struct {
	providerID string
	date       calendar.Date
}

// Expand returns the open slots for rules over [from, to]. loc is the
// providers' wall-clock zone; nil means UTC.
func Expand(rules []availability.Rule, from, to calendar.Date, reservations []ledger.Reservation, now time.Time, loc *time.Location) []Slot {
	if loc == nil {
		loc = time.UTC
	}
	if to.Before(from) {
		return nil
	}

	taken := make(map[dayKey][]calendar.Window)
	for _, r := range reservations {
		if r.Status.Occupies() {
			k := dayKey{r.ProviderID, r.Date}
			taken[k] = append(taken[k], r.Window())
		}
	}

	byWeekday := make(map[time.Weekday][]availability.Rule)
	for _, r := range rules {
		if r.Active && r.SlotMinutes > 0 {
			byWeekday[r.DayOfWeek] = append(byWeekday[r.DayOfWeek], r)
		}
	}

	var out []Slot
	for _, date := range calendar.NewRange(from, to).Days() {
		for _, rule := range byWeekday[date.Weekday()] {
			step := calendar.Clock(rule.SlotMinutes)
			busy := taken[dayKey{rule.ProviderID, date}]

			for start := rule.Start; start+step <= rule.End; start += step {
				w := calendar.Window{Start: start, End: start + step}
				if !date.At(start, loc).After(now) {
					continue
				}
				if overlapsAny(w, busy) {
					continue
				}
				out = append(out, Slot{ProviderID: rule.ProviderID, Date: date, Start: w.Start, End: w.End})
			}
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.ProviderID < b.ProviderID
	})
	return out
}

func overlapsAny(w calendar.Window, busy []calendar.Window) bool {
	for _, b := range busy {
		if w.Overlaps(b) {
			return true
		}
	}
	return false
}

// Find returns the slot starting at start on date, if it is open.
func Find(slots []Slot, providerID string, date calendar.Date, start calendar.Clock) (Slot, bool) {
	for _, s := range slots {
		if s.ProviderID == providerID && s.Date == date && s.Start == start {
			return s, true
		}
	}
	return Slot{}, false
}

// OnGrid reports whether a window starting at start on date lines up with
// one of the rules' generated windows, ignoring reservations and now.
func OnGrid(rules []availability.Rule, date calendar.Date, start calendar.Clock) bool {
	for _, r := range rules {
		if !r.Active || r.SlotMinutes <= 0 || r.DayOfWeek != date.Weekday() {
			continue
		}
		if start < r.Start || start+calendar.Clock(r.SlotMinutes) > r.End {
			continue
		}
		if int(start-r.Start)%r.SlotMinutes == 0 {
			return true
		}
	}
	return false
}
