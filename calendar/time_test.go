package calendar_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
)

func TestParseClock(t *testing.T) {
	c, err := calendar.ParseClock("09:15")
	require.NoError(t, err)
	assert.Equal(t, 9, c.Hour())
	assert.Equal(t, 15, c.Minute())
	assert.Equal(t, "09:15", c.String())

	end, err := calendar.ParseClock("24:00")
	require.NoError(t, err)
	assert.Equal(t, calendar.EndOfDay, end)

	for _, bad := range []string{"9:15", "24:01", "12:60", "ab:cd", ""} {
		_, err := calendar.ParseClock(bad)
		assert.ErrorIs(t, err, errs.ErrValidation, bad)
	}
}

func TestDate_WeekdayAndArithmetic(t *testing.T) {
	d, err := calendar.ParseDate("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, d.Weekday())
	assert.Equal(t, "2026-03-08", d.AddDays(6).String())
	assert.Equal(t, 6, d.DaysUntil(d.AddDays(6)))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.Equal(t, 0, d.Compare(calendar.NewDate(2026, time.March, 2)))
}

func TestDate_AtUsesLocation(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	d := calendar.NewDate(2026, time.March, 1)
	at := d.At(calendar.NewClock(10, 0), loc)
	assert.Equal(t, time.Date(2026, 3, 1, 4, 30, 0, 0, time.UTC), at.UTC())
}

func TestDate_AtFollowsWallClockAcrossDST(t *testing.T) {
	// GIVEN: the US spring-forward day; 02:00 EST jumps to 03:00 EDT
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	d := calendar.NewDate(2026, time.March, 8)

	// WHEN
	at := d.At(calendar.NewClock(10, 0), ny)

	// THEN: 10:00 EDT is 14:00 UTC
	assert.Equal(t, time.Date(2026, 3, 8, 14, 0, 0, 0, time.UTC), at.UTC())
	assert.Equal(t, 10, at.Hour())

	// AND: fall-back day, 10:00 EST is 15:00 UTC
	back := calendar.NewDate(2026, time.November, 1).At(calendar.NewClock(10, 0), ny)
	assert.Equal(t, time.Date(2026, 11, 1, 15, 0, 0, 0, time.UTC), back.UTC())

	// AND: the end bound is the next midnight
	assert.Equal(t, calendar.NewDate(2026, time.March, 9).Midnight(ny), d.At(calendar.EndOfDay, ny))
}

func TestWindow_OverlapIsHalfOpen(t *testing.T) {
	a := calendar.Window{Start: calendar.MustClock("10:00"), End: calendar.MustClock("10:15")}
	b := calendar.Window{Start: calendar.MustClock("10:15"), End: calendar.MustClock("10:30")}
	c := calendar.Window{Start: calendar.MustClock("10:10"), End: calendar.MustClock("10:20")}

	assert.False(t, a.Overlaps(b), "adjacent windows do not overlap")
	assert.True(t, a.Overlaps(c))
	assert.True(t, c.Overlaps(b))
	assert.Equal(t, 15*time.Minute, a.Duration())
}

func TestWindow_ValidateRejectsZeroLength(t *testing.T) {
	w := calendar.Window{Start: calendar.MustClock("10:00"), End: calendar.MustClock("10:00")}
	assert.ErrorIs(t, w.Validate(), errs.ErrValidation)
}

func TestRange_Validate(t *testing.T) {
	from := calendar.NewDate(2026, time.March, 1)
	assert.NoError(t, calendar.NewRange(from, from).Validate())
	assert.ErrorIs(t, calendar.NewRange(from, from.AddDays(-1)).Validate(), errs.ErrValidation)
	assert.ErrorIs(t, calendar.NewRange(from, from.AddDays(calendar.MaxRangeDays)).Validate(), errs.ErrValidation)
	assert.Len(t, calendar.NewRange(from, from.AddDays(6)).Days(), 7)
}

func TestParseWeekday(t *testing.T) {
	wd, err := calendar.ParseWeekday("mon")
	require.NoError(t, err)
	assert.Equal(t, time.Monday, wd)
	assert.Equal(t, "MON", calendar.WeekdayCode(wd))

	_, err = calendar.ParseWeekday("funday")
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestJSONRoundTripsAsStrings(t *testing.T) {
	type payload struct {
		Date  calendar.Date  `json:"date"`
		Start calendar.Clock `json:"start"`
	}
	var p payload
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2026-03-02","start":"09:30"}`), &p))
	assert.Equal(t, calendar.NewDate(2026, time.March, 2), p.Date)
	assert.Equal(t, calendar.NewClock(9, 30), p.Start)

	out, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2026-03-02","start":"09:30"}`, string(out))
}
