/*
Package errs holds the error taxonomy shared by every layer of the engine.

PURPOSE:
  All error types in one place for consistency and discoverability.
  Lower layers (calendar, ledger, stores) return these; the booking service
  and the HTTP layer classify them with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Validation   - malformed time range, zero-length window, unknown day
  2. Conflict     - window no longer free at commit time
  3. Transition   - state machine violation (cancel a CANCELLED reservation)
  4. Cutoff       - reschedule/cancel too close to start without override
  5. Not found    - unknown reservation/provider
  6. Lock timeout - serialization key could not be acquired in time (retryable)

USAGE:
  if errors.Is(err, errs.ErrConflict) {
      // ask the caller to re-list slots
  }

  var cut *errs.CutoffError
  if errors.As(err, &cut) {
      log.Printf("notice was %s", cut.Remaining())
  }

SEE ALSO:
  - ledger/ledger.go: returns ConflictError / TransitionError
  - booking/service.go: returns CutoffError
  - api/errors.go: HTTP status mapping
*/
package errs

import (
	"errors"
	"fmt"
	"time"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned for malformed input (bad time range, zero-length window).
	ErrValidation = errors.New("validation failed")

	// ErrConflict is returned when the requested window is no longer free.
	// Callers are expected to re-query availability, never to retry blindly.
	ErrConflict = errors.New("window no longer available")

	// ErrInvalidTransition is returned when the reservation state machine
	// does not allow the requested move.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrCutoffExceeded is returned when a reschedule/cancel is attempted
	// inside the minimum-notice window without an override.
	ErrCutoffExceeded = errors.New("minimum notice cutoff exceeded")

	// ErrNotFound is returned when a referenced record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrLockTimeout is returned when a (provider, date) key could not be
	// acquired within the configured timeout.
	ErrLockTimeout = errors.New("lock acquisition timed out")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes which input was rejected and why.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for a field-level ValidationError.
func Invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError provides details about an occupied window.
type ConflictError struct {
	ProviderID string
	Date       string // YYYY-MM-DD
	Window     string // HH:MM-HH:MM
	ExistingID string // reservation holding the window, when known
}

func (e *ConflictError) Error() string {
	if e.ExistingID != "" {
		return fmt.Sprintf("window %s on %s for provider %s is held by reservation %s",
			e.Window, e.Date, e.ProviderID, e.ExistingID)
	}
	return fmt.Sprintf("window %s on %s for provider %s is no longer available",
		e.Window, e.Date, e.ProviderID)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// TransitionError reports a rejected state machine move.
type TransitionError struct {
	ReservationID string
	From          string
	To            string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("reservation %s: cannot move from %s to %s", e.ReservationID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// CutoffError reports how much notice was left when the change was attempted.
type CutoffError struct {
	ReservationID string
	Start         time.Time
	Now           time.Time
	MinNotice     time.Duration
}

// Remaining is the notice that was left (negative if the start already passed).
func (e *CutoffError) Remaining() time.Duration { return e.Start.Sub(e.Now) }

func (e *CutoffError) Error() string {
	return fmt.Sprintf("reservation %s starts in %s, changes need at least %s notice",
		e.ReservationID, e.Remaining().Round(time.Minute), e.MinNotice)
}

func (e *CutoffError) Unwrap() error { return ErrCutoffExceeded }

// NotFoundError names the kind and id of the missing record.
type NotFoundError struct {
	Kind string // "reservation", "provider", ...
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// LockTimeoutError names the serialization key that could not be acquired.
type LockTimeoutError struct {
	Key    string
	Waited time.Duration
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("could not acquire %s within %s", e.Key, e.Waited)
}

func (e *LockTimeoutError) Unwrap() error { return ErrLockTimeout }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the identical call might succeed on retry.
// Conflicts are NOT retryable: the caller has to pick another window.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}

// IsClientError returns true if the error is due to the caller's input or timing.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrCutoffExceeded)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// UserMessage converts an error into the text shown to end users.
// Conflicts and cutoffs are expected outcomes and read as "try a different time".
func UserMessage(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConflict):
		return "That time is no longer available. Please choose a different time."
	case errors.Is(err, ErrCutoffExceeded):
		return "This appointment is too close to its start time to change online. Please try a different time or contact support."
	case errors.Is(err, ErrLockTimeout):
		return "We're busy booking this time right now. Please try again."
	case errors.Is(err, ErrInvalidTransition):
		return "This appointment can no longer be changed."
	case errors.Is(err, ErrNotFound):
		return "We couldn't find what you were looking for."
	case errors.Is(err, ErrValidation):
		var ve *ValidationError
		if errors.As(err, &ve) {
			return ve.Error()
		}
		return err.Error()
	default:
		return "Something went wrong. Please try again later."
	}
}
