package errs_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/vitalslot/booking-engine/errs"
)

func TestStructuredErrors_UnwrapToSentinels(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"validation", errs.Invalid("start", "must be before end"), errs.ErrValidation},
		{"conflict", &errs.ConflictError{ProviderID: "p", Date: "2026-03-02", Window: "10:00-10:15"}, errs.ErrConflict},
		{"transition", &errs.TransitionError{ReservationID: "r", From: "CANCELLED", To: "CANCELLED"}, errs.ErrInvalidTransition},
		{"cutoff", &errs.CutoffError{ReservationID: "r", MinNotice: 4 * time.Hour}, errs.ErrCutoffExceeded},
		{"not found", &errs.NotFoundError{Kind: "reservation", ID: "r"}, errs.ErrNotFound},
		{"lock", &errs.LockTimeoutError{Key: "p|2026-03-02", Waited: time.Second}, errs.ErrLockTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.True(t, errors.Is(wrapped, tc.sentinel))
		})
	}
}

func TestClassificationHelpers(t *testing.T) {
	conflict := &errs.ConflictError{ProviderID: "p"}
	lock := &errs.LockTimeoutError{Key: "k"}

	assert.True(t, errs.IsClientError(conflict))
	assert.False(t, errs.IsRetryable(conflict), "conflicts must be re-selected, not retried")
	assert.True(t, errs.IsRetryable(lock))
	assert.False(t, errs.IsClientError(lock))
	assert.True(t, errs.IsNotFound(&errs.NotFoundError{Kind: "provider", ID: "x"}))
}

func TestUserMessage_ConflictAndCutoffSayTryAnotherTime(t *testing.T) {
	assert.Contains(t, errs.UserMessage(&errs.ConflictError{}), "different time")
	assert.Contains(t, errs.UserMessage(&errs.CutoffError{}), "different time")
	assert.Equal(t, "", errs.UserMessage(nil))
}

func TestCutoffError_Remaining(t *testing.T) {
	now := time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)
	e := &errs.CutoffError{Start: now.Add(3 * time.Hour), Now: now, MinNotice: 4 * time.Hour}
	assert.Equal(t, 3*time.Hour, e.Remaining())
	assert.Contains(t, e.Error(), "3h0m0s")
}
