package ledger

import (
	"context"
	"time"

	"github.com/vitalslot/booking-engine/calendar"
)

// =============================================================================
// STATUS - Reservation state machine
// =============================================================================
//
//   BOOKED ──▶ CANCELLED
//          ──▶ COMPLETED
//          ──▶ NO_SHOW
//
// Every reservation starts BOOKED. The other three are terminal.

type Status string

const (
	StatusBooked    Status = "BOOKED"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusNoShow    Status = "NO_SHOW"
)

var transitions = map[Status][]Status{
	StatusBooked: {StatusCancelled, StatusCompleted, StatusNoShow},
}

func (s Status) CanTransitionTo(to Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == to {
			return true
		}
	}
	return false
}

func (s Status) IsTerminal() bool { return len(transitions[s]) == 0 }

// Occupies is true for statuses that hold the provider's window.
func (s Status) Occupies() bool { return s == StatusBooked || s == StatusCompleted }

func (s Status) Valid() bool {
	switch s {
	case StatusBooked, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// OccupyingStatuses are the statuses that count toward the overlap invariant.
var OccupyingStatuses = []Status{StatusBooked, StatusCompleted}

// =============================================================================
// RESERVATION
// =============================================================================

// CancelReasonRescheduled marks the old half of a reschedule.
const CancelReasonRescheduled = "rescheduled"

type Reservation struct {
	ID             string
	ProviderID     string
	SubjectID      string
	LinkedEntityID string
	Kind           string // entity type of the linked entity, e.g. VIDEO_CONSULT

	Date  calendar.Date
	Start calendar.Clock
	End   calendar.Clock

	Status             Status
	CreatedAt          time.Time
	LastTransitionAt   time.Time
	CancellationReason *string

	// Set on the two halves of a reschedule.
	RescheduledFrom string
	RescheduledTo   string
}

func (r Reservation) Window() calendar.Window { return calendar.Window{Start: r.Start, End: r.End} }

func (r Reservation) StartsAt(loc *time.Location) time.Time { return r.Date.At(r.Start, loc) }

func (r Reservation) EndsAt(loc *time.Location) time.Time { return r.Date.At(r.End, loc) }

// Overlaps is true when both reservations are for the same provider and date
// and their windows share a minute.
func (r Reservation) Overlaps(o Reservation) bool {
	return r.ProviderID == o.ProviderID && r.Date == o.Date && r.Window().Overlaps(o.Window())
}

// =============================================================================
// STORE - Persistence interface
// =============================================================================

// Filter selects reservations. Zero-valued fields don't filter.
type Filter struct {
	ProviderID string
	SubjectID  string
	From       calendar.Date
	To         calendar.Date
	Statuses   []Status
}

func (f Filter) Matches(r Reservation) bool {
	if f.ProviderID != "" && r.ProviderID != f.ProviderID {
		return false
	}
	if f.SubjectID != "" && r.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && r.Date.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && r.Date.After(f.To) {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}

// Reader is the read side, shared by Store and Tx.
// List returns reservations ordered by date, start, then id.
type Reader interface {
	Get(ctx context.Context, id string) (*Reservation, error)
	List(ctx context.Context, f Filter) ([]Reservation, error)
}

// Tx is a store view inside one transaction.
type Tx interface {
	Reader

	// Lock takes a store-level lock on key for the rest of the transaction.
	// Stores that already serialize writers may treat this as a no-op.
	Lock(ctx context.Context, key string) error

	// Insert fails with errs.ErrConflict if a storage-level overlap guard trips.
	Insert(ctx context.Context, r Reservation) error

	// Update persists status, transition time, reason and reschedule links.
	// The window and parties of a reservation never change.
	Update(ctx context.Context, r Reservation) error
}

// Store persists reservations. Reservations are never deleted.
type Store interface {
	Reader

	// WithTx runs fn in a transaction: rolled back if fn returns an error,
	// committed otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
}
