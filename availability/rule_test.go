package availability_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
)

var now = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func rule(day time.Weekday, start, end string, slot int) availability.Rule {
	return availability.Rule{
		DayOfWeek:   day,
		Start:       calendar.MustClock(start),
		End:         calendar.MustClock(end),
		SlotMinutes: slot,
		Active:      true,
	}
}

func TestPrepare_FillsIdentityAndSorts(t *testing.T) {
	// GIVEN: rules given out of order, without ids
	rules := []availability.Rule{
		rule(time.Wednesday, "09:00", "12:00", 15),
		rule(time.Monday, "14:00", "16:00", 15),
		rule(time.Monday, "09:00", "12:00", 15),
	}

	// WHEN: preparing the replacement set
	out, err := availability.Prepare("P", rules, now)

	// THEN: provider ids, ids and timestamps are assigned; order is weekday then start
	require.NoError(t, err)
	require.Len(t, out, 3)
	for _, r := range out {
		assert.Equal(t, "P", r.ProviderID)
		assert.NotEmpty(t, r.ID)
		assert.Equal(t, now, r.CreatedAt)
	}
	assert.Equal(t, time.Monday, out[0].DayOfWeek)
	assert.Equal(t, calendar.MustClock("09:00"), out[0].Start)
	assert.Equal(t, calendar.MustClock("14:00"), out[1].Start)
	assert.Equal(t, time.Wednesday, out[2].DayOfWeek)
}

func TestValidateSet_Rejections(t *testing.T) {
	inactive := rule(time.Monday, "10:00", "11:00", 30)
	inactive.Active = false

	cases := []struct {
		name  string
		rules []availability.Rule
	}{
		{"zero-length window", []availability.Rule{rule(time.Monday, "09:00", "09:00", 15)}},
		{"inverted window", []availability.Rule{rule(time.Monday, "12:00", "09:00", 15)}},
		{"non-positive slot", []availability.Rule{rule(time.Monday, "09:00", "12:00", 0)}},
		{"mixed durations", []availability.Rule{
			rule(time.Monday, "09:00", "12:00", 15),
			rule(time.Tuesday, "09:00", "12:00", 30),
		}},
		{"overlapping active rules", []availability.Rule{
			rule(time.Monday, "09:00", "12:00", 15),
			rule(time.Monday, "11:00", "13:00", 15),
		}},
		{"duplicate key", []availability.Rule{
			rule(time.Monday, "09:00", "12:00", 15),
			inactiveAt(time.Monday, "09:00", "10:00", 15),
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := availability.Prepare("P", tc.rules, now)
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}

	t.Run("inactive rules are exempt from duration and overlap checks", func(t *testing.T) {
		_, err := availability.Prepare("P", []availability.Rule{rule(time.Monday, "09:00", "12:00", 15), inactive}, now)
		assert.NoError(t, err)
	})
}

func inactiveAt(day time.Weekday, start, end string, slot int) availability.Rule {
	r := rule(day, start, end, slot)
	r.Active = false
	return r
}

func TestValidateSet_ForeignProvider(t *testing.T) {
	r := rule(time.Monday, "09:00", "12:00", 15)
	r.ProviderID = "Q"
	_, err := availability.Prepare("P", []availability.Rule{r}, now)
	assert.ErrorIs(t, err, errs.ErrValidation)
}

func TestRule_SlotCountDiscardsRemainder(t *testing.T) {
	assert.Equal(t, 12, rule(time.Monday, "09:00", "12:00", 15).SlotCount())
	assert.Equal(t, 2, rule(time.Monday, "09:00", "09:50", 20).SlotCount())
	assert.Equal(t, 0, rule(time.Monday, "09:00", "09:10", 15).SlotCount())
}

func TestSlotDuration_IgnoresInactive(t *testing.T) {
	_, ok := availability.SlotDuration([]availability.Rule{inactiveAt(time.Monday, "09:00", "10:00", 30)})
	assert.False(t, ok)

	d, ok := availability.SlotDuration([]availability.Rule{
		inactiveAt(time.Monday, "09:00", "10:00", 30),
		rule(time.Tuesday, "09:00", "10:00", 15),
	})
	assert.True(t, ok)
	assert.Equal(t, 15*time.Minute, d)
}
