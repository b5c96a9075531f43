package slots_test

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/slots"
)

var (
	monday  = calendar.NewDate(2026, time.March, 2)
	weekAgo = time.Date(2026, 2, 23, 0, 0, 0, 0, time.UTC)
)

func mondayRule(start, end string, slot int) availability.Rule {
	return availability.Rule{
		ProviderID:  "P",
		DayOfWeek:   time.Monday,
		Start:       calendar.MustClock(start),
		End:         calendar.MustClock(end),
		SlotMinutes: slot,
		Active:      true,
	}
}

func booked(date calendar.Date, start, end string, status ledger.Status) ledger.Reservation {
	return ledger.Reservation{
		ID:         start,
		ProviderID: "P",
		Date:       date,
		Start:      calendar.MustClock(start),
		End:        calendar.MustClock(end),
		Status:     status,
	}
}

func TestExpand_MondayMorning(t *testing.T) {
	// GIVEN: Monday 09:00-12:00 in 15-minute slots
	rules := []availability.Rule{mondayRule("09:00", "12:00", 15)}

	// WHEN: expanding that Monday
	got := slots.Expand(rules, monday, monday, nil, weekAgo, time.UTC)

	// THEN: exactly 12 windows, 09:00-09:15 through 11:45-12:00
	require.Len(t, got, 12)
	assert.Equal(t, "09:00-09:15", got[0].Window().String())
	assert.Equal(t, "11:45-12:00", got[11].Window().String())
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[i-1].End, got[i].Start, "windows are consecutive")
	}
}

func TestExpand_OnlyMatchingWeekdaysInRange(t *testing.T) {
	rules := []availability.Rule{mondayRule("09:00", "10:00", 30)}
	got := slots.Expand(rules, monday, monday.AddDays(13), nil, weekAgo, time.UTC)

	require.Len(t, got, 4)
	assert.Equal(t, monday, got[0].Date)
	assert.Equal(t, monday.AddDays(7), got[2].Date)
}

func TestExpand_NarrowWindowYieldsNothing(t *testing.T) {
	rules := []availability.Rule{mondayRule("09:00", "09:10", 15)}
	assert.Empty(t, slots.Expand(rules, monday, monday, nil, weekAgo, time.UTC))
}

func TestExpand_TrailingPartialSlotDiscarded(t *testing.T) {
	rules := []availability.Rule{mondayRule("09:00", "09:50", 20)}
	got := slots.Expand(rules, monday, monday, nil, weekAgo, time.UTC)
	require.Len(t, got, 2)
	assert.Equal(t, "09:20-09:40", got[1].Window().String())
}

func TestExpand_InactiveRulesExcluded(t *testing.T) {
	r := mondayRule("09:00", "12:00", 15)
	r.Active = false
	assert.Empty(t, slots.Expand([]availability.Rule{r}, monday, monday, nil, weekAgo, time.UTC))
}

func TestExpand_PastWindowsDropped(t *testing.T) {
	// GIVEN: now is Monday 10:00 exactly
	rules := []availability.Rule{mondayRule("09:00", "12:00", 15)}
	now := monday.At(calendar.MustClock("10:00"), time.UTC)

	got := slots.Expand(rules, monday, monday, nil, now, time.UTC)

	// THEN: the 10:00 slot is gone too (start <= now), 10:15 is first
	require.Len(t, got, 7)
	assert.Equal(t, calendar.MustClock("10:15"), got[0].Start)
}

func TestExpand_PastIsJudgedInProviderZone(t *testing.T) {
	// GIVEN: provider works in UTC+5:30 and it's 04:40 UTC (10:10 local)
	loc := time.FixedZone("IST", 5*3600+1800)
	rules := []availability.Rule{mondayRule("09:00", "12:00", 15)}
	now := time.Date(2026, 3, 2, 4, 40, 0, 0, time.UTC)

	got := slots.Expand(rules, monday, monday, nil, now, loc)
	require.NotEmpty(t, got)
	assert.Equal(t, calendar.MustClock("10:15"), got[0].Start)
}

func TestExpand_ReservationsRemoveWholeWindows(t *testing.T) {
	// GIVEN: 15-minute grid and reservations aligned, straddling, cancelled, completed
	rules := []availability.Rule{mondayRule("09:00", "11:00", 15)}
	reservations := []ledger.Reservation{
		booked(monday, "09:00", "09:15", ledger.StatusBooked),
		booked(monday, "09:40", "09:50", ledger.StatusBooked),    // partial overlap of 09:30 and 09:45
		booked(monday, "10:00", "10:15", ledger.StatusCancelled), // doesn't occupy
		booked(monday, "10:30", "10:45", ledger.StatusCompleted),
		booked(monday, "10:45", "11:00", ledger.StatusNoShow), // doesn't occupy
	}
	other := booked(monday, "10:15", "10:30", ledger.StatusBooked)
	other.ProviderID = "Q"
	reservations = append(reservations, other)

	got := slots.Expand(rules, monday, monday, reservations, weekAgo, time.UTC)

	var starts []string
	for _, s := range got {
		starts = append(starts, s.Start.String())
	}
	assert.Equal(t, []string{"09:15", "10:00", "10:15", "10:45"}, starts)
}

func TestExpand_OrderedAcrossProviders(t *testing.T) {
	q := mondayRule("09:00", "09:30", 15)
	q.ProviderID = "Q"
	rules := []availability.Rule{q, mondayRule("09:00", "09:30", 15)}

	got := slots.Expand(rules, monday, monday, nil, weekAgo, time.UTC)
	require.Len(t, got, 4)
	assert.Equal(t, "P", got[0].ProviderID)
	assert.Equal(t, "Q", got[1].ProviderID)
	assert.Equal(t, calendar.MustClock("09:15"), got[2].Start)
}

func TestExpand_DeterministicAndNeverOverlapsReservations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	rules := []availability.Rule{
		mondayRule("08:00", "12:00", 15),
		{ProviderID: "P", DayOfWeek: time.Tuesday, Start: calendar.MustClock("13:00"), End: calendar.MustClock("17:00"), SlotMinutes: 15, Active: true},
	}

	for trial := 0; trial < 200; trial++ {
		// GIVEN: random reservations over the first week
		var reservations []ledger.Reservation
		n := rng.Intn(12)
		for i := 0; i < n; i++ {
			start := calendar.Clock(8*60 + rng.Intn(9*60))
			r := ledger.Reservation{
				ProviderID: "P",
				Date:       monday.AddDays(rng.Intn(2)),
				Start:      start,
				End:        start + calendar.Clock(5+rng.Intn(40)),
				Status:     []ledger.Status{ledger.StatusBooked, ledger.StatusCompleted, ledger.StatusCancelled}[rng.Intn(3)],
			}
			reservations = append(reservations, r)
		}

		// WHEN: expanding twice with identical inputs
		a := slots.Expand(rules, monday, monday.AddDays(6), reservations, weekAgo, time.UTC)
		b := slots.Expand(rules, monday, monday.AddDays(6), reservations, weekAgo, time.UTC)

		// THEN: outputs match and no slot touches an occupying reservation
		require.Equal(t, a, b)
		for _, s := range a {
			for _, r := range reservations {
				if r.Status.Occupies() && r.Date == s.Date {
					assert.False(t, s.Window().Overlaps(r.Window()), "slot %s overlaps reservation %s", s.Window(), r.Window())
				}
			}
		}
	}
}

func TestFindAndOnGrid(t *testing.T) {
	rules := []availability.Rule{mondayRule("09:00", "10:00", 15)}
	got := slots.Expand(rules, monday, monday, nil, weekAgo, time.UTC)

	s, ok := slots.Find(got, "P", monday, calendar.MustClock("09:30"))
	assert.True(t, ok)
	assert.Equal(t, calendar.MustClock("09:45"), s.End)

	_, ok = slots.Find(got, "P", monday, calendar.MustClock("09:10"))
	assert.False(t, ok)

	assert.True(t, slots.OnGrid(rules, monday, calendar.MustClock("09:45")))
	assert.False(t, slots.OnGrid(rules, monday, calendar.MustClock("09:50")))
	assert.False(t, slots.OnGrid(rules, monday, calendar.MustClock("10:00")))
	assert.False(t, slots.OnGrid(rules, monday.AddDays(1), calendar.MustClock("09:00")))
}
