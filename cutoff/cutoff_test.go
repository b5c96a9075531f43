package cutoff_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitalslot/booking-engine/cutoff"
	"github.com/vitalslot/booking-engine/errs"
)

func TestIsWithinCutoff_Boundary(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	notice := 4 * time.Hour

	for _, eps := range []time.Duration{time.Nanosecond, time.Second, time.Minute, time.Hour} {
		assert.False(t, cutoff.IsWithinCutoff(start, start.Add(-(notice + eps)), notice), "notice+%s before start", eps)
		assert.True(t, cutoff.IsWithinCutoff(start, start.Add(-(notice - eps)), notice), "notice-%s before start", eps)
	}
	assert.False(t, cutoff.IsWithinCutoff(start, start.Add(-notice), notice), "exactly the notice is enough")
}

func TestIsWithinCutoff_PastStartAlwaysWithin(t *testing.T) {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.True(t, cutoff.IsWithinCutoff(start, start, 0))
	assert.True(t, cutoff.IsWithinCutoff(start, start.Add(time.Hour), 0))
	assert.False(t, cutoff.IsWithinCutoff(start, start.Add(-time.Nanosecond), 0))
}

func TestPolicy_CancelScenario(t *testing.T) {
	// GIVEN: a reservation at 2026-03-01 10:00 with a 4h notice
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p := cutoff.DefaultPolicy()

	// WHEN: checked at 07:00 (3h before)
	err := p.Check("r1", "VIDEO_CONSULT", start, time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC))

	// THEN: the cutoff is exceeded
	var cut *errs.CutoffError
	assert.True(t, errors.As(err, &cut))
	assert.Equal(t, 4*time.Hour, cut.MinNotice)
	assert.Equal(t, 3*time.Hour, cut.Remaining())

	// AND: at 05:00 (5h before) it is allowed
	assert.NoError(t, p.Check("r1", "VIDEO_CONSULT", start, time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)))
}

func TestPolicy_PerTypeNotice(t *testing.T) {
	p := cutoff.Policy{Default: 4 * time.Hour, PerType: map[string]time.Duration{"SAMPLE_COLLECTION": 12 * time.Hour}}
	assert.Equal(t, 12*time.Hour, p.MinNotice("SAMPLE_COLLECTION"))
	assert.Equal(t, 4*time.Hour, p.MinNotice("VIDEO_CONSULT"))
	assert.Equal(t, cutoff.DefaultMinNotice, cutoff.Policy{}.MinNotice("anything"))

	assert.ErrorIs(t, cutoff.Policy{PerType: map[string]time.Duration{"X": -time.Hour}}.Validate(), errs.ErrValidation)
}
