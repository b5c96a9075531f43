/*
Package booking is the consumer-facing orchestration over availability,
slot expansion, the reservation ledger and the cutoff policy.

FLOWS:
  ListAvailable:  rules + occupying reservations -> slots.Expand (read-only)
  Book:           slot duration -> grid check -> ledger.Commit -> booked event
  Cancel:         status guard -> cutoff (unless admin) -> ledger.Cancel -> event
  Reschedule:     status guard -> cutoff on the ORIGINAL start -> grid check
                  -> ledger.Reschedule -> event
  SetAvailability: validate the whole set -> replace (last write wins)
  Complete/NoShow: outcome recorded by collaborators -> event

TRUTH AT COMMIT TIME:
  Book never trusts the slot list a client saw. It re-derives the window
  from the provider's rules and lets the ledger prove it is still free.
  A conflict comes back as errs.ConflictError; the caller re-lists and
  picks again, nothing is retried here.

EVENTS:
  Dispatch failures are logged and never fail the operation.

SEE ALSO:
  - ledger/ledger.go: atomic commit / reschedule
  - cutoff/cutoff.go: minimum-notice rule
  - slots/expand.go: the grid
*/
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/cutoff"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/notify"
	"github.com/vitalslot/booking-engine/slots"
)

// =============================================================================
// ACTORS
// =============================================================================

type Role string

const (
	RoleSubject  Role = "subject"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
	RoleSystem   Role = "system" // collaborators such as the video session service
)

func (r Role) Valid() bool {
	switch r {
	case RoleSubject, RoleProvider, RoleAdmin, RoleSystem:
		return true
	}
	return false
}

// Actor is who asked for a change. Authentication happens upstream.
type Actor struct {
	ID   string
	Role Role
}

// CanOverrideCutoff reports whether the actor may change a reservation
// inside the minimum-notice window.
func (a Actor) CanOverrideCutoff() bool { return a.Role == RoleAdmin }

// =============================================================================
// SERVICE
// =============================================================================

type Options struct {
	Cutoff   cutoff.Policy
	Location *time.Location // providers' wall-clock zone, default UTC
	Now      func() time.Time
	Notifier notify.Dispatcher
	Logger   zerolog.Logger
}

type Service struct {
	ledger   *ledger.Ledger
	rules    availability.Store
	cutoff   cutoff.Policy
	loc      *time.Location
	now      func() time.Time
	notifier notify.Dispatcher
	log      zerolog.Logger
}

func New(l *ledger.Ledger, rules availability.Store, opts Options) *Service {
	s := &Service{
		ledger:   l,
		rules:    rules,
		cutoff:   opts.Cutoff,
		loc:      opts.Location,
		now:      opts.Now,
		notifier: opts.Notifier,
		log:      opts.Logger,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Location() *time.Location { return s.loc }

// =============================================================================
// AVAILABILITY
// =============================================================================

// SetAvailability replaces the provider's whole rule set.
func (s *Service) SetAvailability(ctx context.Context, providerID string, rules []availability.Rule) ([]availability.Rule, error) {
	prepared, err := availability.Prepare(providerID, rules, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.rules.ReplaceRules(ctx, providerID, prepared); err != nil {
		return nil, err
	}
	s.log.Info().Str("provider_id", providerID).Int("rules", len(prepared)).Msg("availability replaced")
	return prepared, nil
}

func (s *Service) Availability(ctx context.Context, providerID string) ([]availability.Rule, error) {
	return s.rules.ListRules(ctx, providerID)
}

// ListAvailable returns the provider's open slots in r. Read-only.
func (s *Service) ListAvailable(ctx context.Context, providerID string, r calendar.Range) ([]slots.Slot, error) {
	if providerID == "" {
		return nil, errs.Invalid("provider_id", "is required")
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	rules, err := s.rules.ListRules(ctx, providerID)
	if err != nil {
		return nil, err
	}
	occupying, err := s.ledger.Occupying(ctx, providerID, r.From, r.To)
	if err != nil {
		return nil, err
	}
	return slots.Expand(rules, r.From, r.To, occupying, s.now(), s.loc), nil
}

// =============================================================================
// BOOK
// =============================================================================

type BookRequest struct {
	ProviderID     string
	SubjectID      string
	LinkedEntityID string
	Kind           string // entity type of the linked entity
	Date           calendar.Date
	Start          calendar.Clock
}

func (s *Service) Book(ctx context.Context, req BookRequest, actor Actor) (*ledger.Reservation, error) {
	if req.ProviderID == "" {
		return nil, errs.Invalid("provider_id", "is required")
	}
	end, err := s.slotEnd(ctx, req.ProviderID, req.Date, req.Start)
	if err != nil {
		return nil, err
	}

	r, err := s.ledger.Commit(ctx, ledger.CommitRequest{
		ProviderID:     req.ProviderID,
		SubjectID:      req.SubjectID,
		LinkedEntityID: req.LinkedEntityID,
		Kind:           req.Kind,
		Date:           req.Date,
		Start:          req.Start,
		End:            end,
	})
	if err != nil {
		if errors.Is(err, errs.ErrConflict) {
			s.log.Info().Str("provider_id", req.ProviderID).Str("date", req.Date.String()).
				Str("start", req.Start.String()).Msg("slot no longer available")
		}
		return nil, err
	}
	s.emit(ctx, reservationEvent(notify.EventBooked, *r, actor, s.now()))
	return r, nil
}

// slotEnd derives the window end from the provider's fixed slot duration
// and checks that [start, end) is a generated, future window.
func (s *Service) slotEnd(ctx context.Context, providerID string, date calendar.Date, start calendar.Clock) (calendar.Clock, error) {
	if date.IsZero() {
		return 0, errs.Invalid("date", "is required")
	}
	rules, err := s.rules.ListRules(ctx, providerID)
	if err != nil {
		return 0, err
	}
	d, ok := availability.SlotDuration(rules)
	if !ok {
		return 0, &errs.NotFoundError{Kind: "availability", ID: providerID}
	}
	if !slots.OnGrid(rules, date, start) {
		return 0, errs.Invalid("start", "%s %s is not a bookable slot for %s", date, start, providerID)
	}
	if !date.At(start, s.loc).After(s.now()) {
		return 0, errs.Invalid("start", "%s %s is in the past", date, start)
	}
	return start.Add(d), nil
}

// =============================================================================
// CANCEL / RESCHEDULE
// =============================================================================

// Cancel cancels a BOOKED reservation. Inside the cutoff only admins may.
func (s *Service) Cancel(ctx context.Context, id string, actor Actor, reason string) (*ledger.Reservation, error) {
	r, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard(*r, ledger.StatusCancelled, actor); err != nil {
		return nil, err
	}
	if err := s.checkCutoff(*r, actor); err != nil {
		return nil, err
	}

	cancelled, err := s.ledger.Cancel(ctx, id, reason)
	if err != nil {
		return nil, s.logTransition(err, actor)
	}
	ev := reservationEvent(notify.EventCancelled, *cancelled, actor, s.now())
	ev.Reason = reason
	s.emit(ctx, ev)
	return cancelled, nil
}

// Reschedule moves a BOOKED reservation to another slot of the same
// provider. The cutoff is judged against the original start.
func (s *Service) Reschedule(ctx context.Context, id string, date calendar.Date, start calendar.Clock, actor Actor) (*ledger.Reservation, error) {
	r, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard(*r, ledger.StatusCancelled, actor); err != nil {
		return nil, err
	}
	if err := s.checkCutoff(*r, actor); err != nil {
		return nil, err
	}
	end, err := s.slotEnd(ctx, r.ProviderID, date, start)
	if err != nil {
		return nil, err
	}

	moved, err := s.ledger.Reschedule(ctx, id, date, start, end)
	if err != nil {
		return nil, s.logTransition(err, actor)
	}
	ev := reservationEvent(notify.EventRescheduled, *moved, actor, s.now())
	ev.PreviousReservationID = id
	s.emit(ctx, ev)
	return moved, nil
}

// =============================================================================
// OUTCOMES
// =============================================================================

func (s *Service) Complete(ctx context.Context, id string, actor Actor) (*ledger.Reservation, error) {
	done, err := s.ledger.MarkCompleted(ctx, id)
	if err != nil {
		return nil, s.logTransition(err, actor)
	}
	s.emit(ctx, reservationEvent(notify.EventCompleted, *done, actor, s.now()))
	return done, nil
}

// NoShow marks a reservation whose start has passed without the subject.
func (s *Service) NoShow(ctx context.Context, id string, actor Actor) (*ledger.Reservation, error) {
	r, err := s.ledger.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.guard(*r, ledger.StatusNoShow, actor); err != nil {
		return nil, err
	}
	if r.StartsAt(s.loc).After(s.now()) {
		return nil, errs.Invalid("status", "reservation %s has not started yet", id)
	}
	missed, err := s.ledger.MarkNoShow(ctx, id)
	if err != nil {
		return nil, s.logTransition(err, actor)
	}
	s.emit(ctx, reservationEvent(notify.EventNoShow, *missed, actor, s.now()))
	return missed, nil
}

// =============================================================================
// READS
// =============================================================================

func (s *Service) Get(ctx context.Context, id string) (*ledger.Reservation, error) {
	return s.ledger.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return s.ledger.List(ctx, f)
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Service) guard(r ledger.Reservation, to ledger.Status, actor Actor) error {
	if r.Status.CanTransitionTo(to) {
		return nil
	}
	return s.logTransition(&errs.TransitionError{ReservationID: r.ID, From: string(r.Status), To: string(to)}, actor)
}

func (s *Service) checkCutoff(r ledger.Reservation, actor Actor) error {
	err := s.cutoff.Check(r.ID, r.Kind, r.StartsAt(s.loc), s.now())
	if err == nil {
		return nil
	}
	if actor.CanOverrideCutoff() {
		s.log.Info().Str("reservation_id", r.ID).Str("actor_id", actor.ID).Msg("cutoff overridden")
		return nil
	}
	return err
}

// logTransition logs state machine violations; they point at a client bug
// or a race.
func (s *Service) logTransition(err error, actor Actor) error {
	var te *errs.TransitionError
	if errors.As(err, &te) {
		s.log.Warn().
			Str("reservation_id", te.ReservationID).
			Str("from", te.From).
			Str("to", te.To).
			Str("actor_id", actor.ID).
			Str("actor_role", string(actor.Role)).
			Msg("invalid reservation transition")
	}
	return err
}

func (s *Service) emit(ctx context.Context, e notify.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Dispatch(ctx, e); err != nil {
		s.log.Warn().Err(err).Str("event", string(e.Kind)).Str("reservation_id", e.ReservationID).Msg("notification dispatch failed")
	}
}

func reservationEvent(kind notify.Kind, r ledger.Reservation, actor Actor, now time.Time) notify.Event {
	return notify.Event{
		Kind:           kind,
		OccurredAt:     now.UTC(),
		ActorID:        actor.ID,
		ReservationID:  r.ID,
		ProviderID:     r.ProviderID,
		SubjectID:      r.SubjectID,
		LinkedEntityID: r.LinkedEntityID,
		Date:           r.Date.String(),
		Start:          r.Start.String(),
		End:            r.End.String(),
	}
}
