/*
Package ledger is the durable record of booked windows.

PURPOSE:
  The Ledger owns the reservation state machine and enforces the one
  invariant the whole engine depends on.

CRITICAL INVARIANT:
  For a given provider, the windows of all BOOKED and COMPLETED
  reservations are pairwise non-overlapping. Never violated, not even
  transiently.

HOW IT IS UPHELD:
  1. A keyed lock on (providerID, date) with a bounded wait
     (keylock.Locker). Timeout => *errs.LockTimeoutError, retryable.
  2. Inside one store transaction: Tx.Lock on the same key (Postgres takes
     an advisory xact lock here), read occupying reservations for the day,
     reject on overlap, insert.
  3. The store's own guard (unique index / trigger / exclusion constraint)
     as a backstop, surfaced as errs.ErrConflict.

  Cancel, MarkCompleted and MarkNoShow take the same day key and re-read
  the status inside the transaction, so transitions on one day are
  linearizable with commits and reschedules. Reads never lock.

NEVER DELETED:
  Cancellation is a status change. There is no Delete. Only the demo
  scenario reset truncates a store, and it is never mounted in production.

RESCHEDULE:
  Cancel-old and commit-new happen in ONE transaction, with both day keys
  held (sorted order). If the new window is taken the transaction rolls
  back and the old reservation is still BOOKED with its original window.

SEE ALSO:
  - reservation.go: types, state machine, Store interface
  - keylock/: Local and Redis lockers
  - store/memory, store/sqlite, store/postgres: Store implementations
*/
package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/keylock"
)

// LockKey is the serialization key for one provider's day.
func LockKey(providerID string, date calendar.Date) string {
	return providerID + "|" + date.String()
}

type Options struct {
	Locks       keylock.Locker // default keylock.NewLocal()
	LockTimeout time.Duration  // default keylock.DefaultTimeout
	Now         func() time.Time
	NewID       func() string
	Logger      zerolog.Logger
}

type Ledger struct {
	store Store
	locks keylock.Locker
	opts  Options
}

func New(store Store, opts Options) *Ledger {
	if opts.Locks == nil {
		opts.Locks = keylock.NewLocal()
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = keylock.DefaultTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	return &Ledger{store: store, locks: opts.Locks, opts: opts}
}

// =============================================================================
// COMMIT
// =============================================================================

type CommitRequest struct {
	ProviderID     string
	SubjectID      string
	LinkedEntityID string
	Kind           string
	Date           calendar.Date
	Start          calendar.Clock
	End            calendar.Clock
}

func (r CommitRequest) Validate() error {
	if r.ProviderID == "" {
		return errs.Invalid("provider_id", "is required")
	}
	if r.SubjectID == "" {
		return errs.Invalid("subject_id", "is required")
	}
	if r.Date.IsZero() {
		return errs.Invalid("date", "is required")
	}
	return calendar.Window{Start: r.Start, End: r.End}.Validate()
}

// Commit records a new BOOKED reservation, or fails with *errs.ConflictError
// if the window overlaps an occupying reservation of the same provider.
func (l *Ledger) Commit(ctx context.Context, req CommitRequest) (*Reservation, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	key := LockKey(req.ProviderID, req.Date)

	var created Reservation
	err := l.locked(ctx, []string{key}, func(tx Tx) error {
		now := l.opts.Now().UTC()
		created = Reservation{
			ID:               l.opts.NewID(),
			ProviderID:       req.ProviderID,
			SubjectID:        req.SubjectID,
			LinkedEntityID:   req.LinkedEntityID,
			Kind:             req.Kind,
			Date:             req.Date,
			Start:            req.Start,
			End:              req.End,
			Status:           StatusBooked,
			CreatedAt:        now,
			LastTransitionAt: now,
		}
		if err := checkFree(ctx, tx, created, ""); err != nil {
			return err
		}
		return tx.Insert(ctx, created)
	})
	if err != nil {
		return nil, err
	}
	l.opts.Logger.Debug().
		Str("reservation_id", created.ID).
		Str("provider_id", created.ProviderID).
		Str("date", created.Date.String()).
		Str("window", created.Window().String()).
		Msg("reservation committed")
	return &created, nil
}

// checkFree rejects r if an occupying reservation (other than ignoreID)
// overlaps it.
func checkFree(ctx context.Context, tx Tx, r Reservation, ignoreID string) error {
	existing, err := tx.List(ctx, Filter{
		ProviderID: r.ProviderID,
		From:       r.Date,
		To:         r.Date,
		Statuses:   OccupyingStatuses,
	})
	if err != nil {
		return fmt.Errorf("load occupying reservations: %w", err)
	}
	for _, e := range existing {
		if e.ID != ignoreID && e.Overlaps(r) {
			return &errs.ConflictError{
				ProviderID: r.ProviderID,
				Date:       r.Date.String(),
				Window:     r.Window().String(),
				ExistingID: e.ID,
			}
		}
	}
	return nil
}

// =============================================================================
// TRANSITIONS - Out of BOOKED
// =============================================================================

func (l *Ledger) Cancel(ctx context.Context, id, reason string) (*Reservation, error) {
	return l.transition(ctx, id, StatusCancelled, func(r *Reservation) {
		if reason != "" {
			r.CancellationReason = &reason
		}
	})
}

func (l *Ledger) MarkCompleted(ctx context.Context, id string) (*Reservation, error) {
	return l.transition(ctx, id, StatusCompleted, nil)
}

func (l *Ledger) MarkNoShow(ctx context.Context, id string) (*Reservation, error) {
	return l.transition(ctx, id, StatusNoShow, nil)
}

// transition applies a guarded status change under the reservation's day key,
// so it is linearized with Commit and Reschedule on that day. The status is
// re-read inside the lock; a racing transition that got there first wins and
// this one fails with InvalidTransition.
func (l *Ledger) transition(ctx context.Context, id string, to Status, mutate func(*Reservation)) (*Reservation, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	var updated Reservation
	err = l.locked(ctx, []string{LockKey(current.ProviderID, current.Date)}, func(tx Tx) error {
		r, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !r.Status.CanTransitionTo(to) {
			return &errs.TransitionError{ReservationID: id, From: string(r.Status), To: string(to)}
		}
		r.Status = to
		r.LastTransitionAt = l.opts.Now().UTC()
		if mutate != nil {
			mutate(r)
		}
		updated = *r
		return tx.Update(ctx, *r)
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// =============================================================================
// RESCHEDULE - Cancel old + commit new, one transaction
// =============================================================================

// Reschedule moves a BOOKED reservation to a new window on the same provider.
// It returns the new reservation. On any failure the old one is untouched.
func (l *Ledger) Reschedule(ctx context.Context, id string, date calendar.Date, start, end calendar.Clock) (*Reservation, error) {
	current, err := l.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	req := CommitRequest{
		ProviderID:     current.ProviderID,
		SubjectID:      current.SubjectID,
		LinkedEntityID: current.LinkedEntityID,
		Kind:           current.Kind,
		Date:           date,
		Start:          start,
		End:            end,
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}
	keys := []string{LockKey(current.ProviderID, current.Date), LockKey(current.ProviderID, date)}

	var moved Reservation
	err = l.locked(ctx, keys, func(tx Tx) error {
		old, err := tx.Get(ctx, id)
		if err != nil {
			return err
		}
		if !old.Status.CanTransitionTo(StatusCancelled) {
			return &errs.TransitionError{ReservationID: id, From: string(old.Status), To: string(StatusCancelled)}
		}
		now := l.opts.Now().UTC()
		moved = Reservation{
			ID:               l.opts.NewID(),
			ProviderID:       old.ProviderID,
			SubjectID:        old.SubjectID,
			LinkedEntityID:   old.LinkedEntityID,
			Kind:             old.Kind,
			Date:             date,
			Start:            start,
			End:              end,
			Status:           StatusBooked,
			CreatedAt:        now,
			LastTransitionAt: now,
			RescheduledFrom:  old.ID,
		}
		// The old window is released by this same transaction, so it
		// doesn't count against the new one.
		if err := checkFree(ctx, tx, moved, old.ID); err != nil {
			return err
		}

		reason := CancelReasonRescheduled
		old.Status = StatusCancelled
		old.LastTransitionAt = now
		old.CancellationReason = &reason
		old.RescheduledTo = moved.ID
		if err := tx.Update(ctx, *old); err != nil {
			return err
		}
		return tx.Insert(ctx, moved)
	})
	if err != nil {
		return nil, err
	}
	l.opts.Logger.Debug().
		Str("reservation_id", id).
		Str("new_reservation_id", moved.ID).
		Str("date", date.String()).
		Str("window", moved.Window().String()).
		Msg("reservation rescheduled")
	return &moved, nil
}

// =============================================================================
// READS - Never lock
// =============================================================================

func (l *Ledger) Get(ctx context.Context, id string) (*Reservation, error) {
	return l.store.Get(ctx, id)
}

func (l *Ledger) List(ctx context.Context, f Filter) ([]Reservation, error) {
	return l.store.List(ctx, f)
}

// Occupying returns the provider's BOOKED and COMPLETED reservations in [from, to].
func (l *Ledger) Occupying(ctx context.Context, providerID string, from, to calendar.Date) ([]Reservation, error) {
	return l.store.List(ctx, Filter{ProviderID: providerID, From: from, To: to, Statuses: OccupyingStatuses})
}

// =============================================================================
// LOCKING
// =============================================================================

// locked runs fn in a store transaction while holding keys, both in the
// keyed locker and inside the transaction.
func (l *Ledger) locked(ctx context.Context, keys []string, fn func(Tx) error) error {
	unlock, err := keylock.AcquireAll(ctx, l.locks, keys, l.opts.LockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	return l.store.WithTx(ctx, func(tx Tx) error {
		for _, k := range sortedUnique(keys) {
			if err := tx.Lock(ctx, k); err != nil {
				return err
			}
		}
		return fn(tx)
	})
}

func sortedUnique(keys []string) []string {
	if len(keys) == 2 {
		switch {
		case keys[0] == keys[1]:
			return keys[:1]
		case keys[1] < keys[0]:
			return []string{keys[1], keys[0]}
		}
	}
	return keys
}
