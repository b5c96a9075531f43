package escalation

import (
	"context"
	"time"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/ledger"
)

// =============================================================================
// TRACKED SOURCE - entities pushed by collaborators
// =============================================================================

type TrackedSource struct {
	Store EntityStore
	Type  string
}

func (s TrackedSource) EntityType() string { return s.Type }

func (s TrackedSource) OpenEntities(ctx context.Context, _ time.Time) ([]Entity, error) {
	return s.Store.ListOpenEntities(ctx, s.Type)
}

// =============================================================================
// RESERVATION SOURCE - appointments awaiting an outcome
// =============================================================================

// StatusAwaitingOutcome is the synthetic stage of a BOOKED reservation whose
// window has ended but which nobody has marked COMPLETED or NO_SHOW.
const StatusAwaitingOutcome = "AWAITING_OUTCOME"

// DefaultLookbackDays bounds how far back ReservationSource looks.
const DefaultLookbackDays = 14

// ReservationSource turns ended BOOKED reservations of one Kind into
// AWAITING_OUTCOME entities, entered at the reservation's end time. The
// provider is the responsible party.
type ReservationSource struct {
	Reservations ledger.Reader
	Type         string // matched against Reservation.Kind
	Location     *time.Location
	LookbackDays int
}

func (s ReservationSource) EntityType() string { return s.Type }

func (s ReservationSource) OpenEntities(ctx context.Context, now time.Time) ([]Entity, error) {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	lookback := s.LookbackDays
	if lookback <= 0 {
		lookback = DefaultLookbackDays
	}
	today := calendar.DateOf(now.In(loc))

	booked, err := s.Reservations.List(ctx, ledger.Filter{
		From:     today.AddDays(-lookback),
		To:       today,
		Statuses: []ledger.Status{ledger.StatusBooked},
	})
	if err != nil {
		return nil, err
	}

	var out []Entity
	for _, r := range booked {
		if r.Kind != s.Type {
			continue
		}
		ended := r.EndsAt(loc)
		if ended.After(now) {
			continue
		}
		out = append(out, Entity{
			Type:            s.Type,
			ID:              r.ID,
			Status:          StatusAwaitingOutcome,
			StatusEnteredAt: ended,
			SubjectID:       r.SubjectID,
			ResponsibleID:   r.ProviderID,
			UpdatedAt:       r.LastTransitionAt,
		})
	}
	return out, nil
}

// Sources builds one TrackedSource per entity type plus one
// ReservationSource per appointment kind.
func Sources(types, appointments []string, entities EntityStore, reservations ledger.Reader, loc *time.Location) []Source {
	out := make([]Source, 0, len(types)+len(appointments))
	for _, t := range types {
		out = append(out, TrackedSource{Store: entities, Type: t})
	}
	for _, kind := range appointments {
		out = append(out, ReservationSource{Reservations: reservations, Type: kind, Location: loc})
	}
	return out
}

// =============================================================================
// TRACKER - write path for collaborator status updates
// =============================================================================

// clockSkew tolerated between a collaborator's clock and ours.
const clockSkew = time.Minute

type Tracker struct {
	store EntityStore
	rules deadline.Rules
	now   func() time.Time
}

func NewTracker(store EntityStore, rules deadline.Rules, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{store: store, rules: rules, now: now}
}

// Track records e's current status. Terminal statuses close the entity so
// it drops out of scans.
func (t *Tracker) Track(ctx context.Context, e Entity) (*Entity, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	now := t.now()
	if e.StatusEnteredAt.After(now.Add(clockSkew)) {
		return nil, errs.Invalid("status_entered_at", "is in the future")
	}
	e.Closed = t.rules.IsTerminal(e.Type, e.Status)
	e.UpdatedAt = now
	if err := t.store.UpsertEntity(ctx, e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Classify returns the current deadline level of a tracked entity.
func (t *Tracker) Classify(ctx context.Context, entityType, id string) (*Entity, deadline.Classification, error) {
	e, err := t.store.GetEntity(ctx, entityType, id)
	if err != nil {
		return nil, deadline.Classification{}, err
	}
	c := deadline.Classify(e.Type, e.Status, e.StatusEnteredAt, t.now(), t.rules)
	c.EntityID = e.ID
	return e, c, nil
}
