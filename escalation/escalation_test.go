package escalation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/notify"
	"github.com/vitalslot/booking-engine/store/memory"
)

var (
	ctx = context.Background()
	T0  = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
)

func table(t *testing.T) *deadline.Table {
	t.Helper()
	tb, err := deadline.NewTable([]deadline.Rule{
		{EntityType: "SAMPLE_COLLECTION", Status: "ORDERED", NextStatus: "SLOT_BOOKED", MaxDwell: 4 * time.Hour, AtRiskLead: time.Hour},
		{EntityType: "MEDICATION_DISPATCH", Status: "PACKED", NextStatus: "DISPATCHED", MaxDwell: 2 * time.Hour, AtRiskLead: 30 * time.Minute},
		{EntityType: "VIDEO_CONSULT", Status: escalation.StatusAwaitingOutcome, NextStatus: "COMPLETED", MaxDwell: time.Hour, AtRiskLead: 15 * time.Minute},
	}, map[string][]string{
		"SAMPLE_COLLECTION":   {"RESULTED", "CANCELLED"},
		"MEDICATION_DISPATCH": {"DELIVERED"},
	})
	require.NoError(t, err)
	return tb
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

type failingSource struct{ entityType string }

func (f failingSource) EntityType() string { return f.entityType }
func (f failingSource) OpenEntities(context.Context, time.Time) ([]escalation.Entity, error) {
	return nil, errors.New("upstream unreachable")
}

func seed(t *testing.T, m *memory.Memory, entities ...escalation.Entity) {
	t.Helper()
	for _, e := range entities {
		require.NoError(t, m.UpsertEntity(ctx, e))
	}
}

func TestListEscalations_FiltersSortsAndDecorates(t *testing.T) {
	// GIVEN: a mix of on-track, at-risk and breached entities
	m := memory.New()
	seed(t, m,
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s-ontrack", Status: "ORDERED", StatusEnteredAt: T0.Add(-time.Hour)},
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s-risk", Status: "ORDERED", StatusEnteredAt: T0.Add(-3*time.Hour - 10*time.Minute)},
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s-late1", Status: "ORDERED", StatusEnteredAt: T0.Add(-5*time.Hour - 30*time.Minute), SubjectID: "pat-1", ResponsibleID: "agent-1"},
		escalation.Entity{Type: "MEDICATION_DISPATCH", ID: "m-late3", Status: "PACKED", StatusEnteredAt: T0.Add(-5 * time.Hour)},
		escalation.Entity{Type: "MEDICATION_DISPATCH", ID: "m-unknown-stage", Status: "QUEUED", StatusEnteredAt: T0.Add(-48 * time.Hour)},
	)
	require.NoError(t, m.UpsertParty(ctx, escalation.Party{ID: "agent-1", DisplayName: "Ravi", Contact: "+91-555", Role: "agent"}))

	agg := escalation.NewAggregator(table(t), escalation.Options{Directory: m, Now: fixedNow(T0)},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"},
		escalation.TrackedSource{Store: m, Type: "MEDICATION_DISPATCH"},
	)

	// WHEN
	report, err := agg.ListEscalations(ctx)
	require.NoError(t, err)

	// THEN: breached first by hours overdue, then at-risk; on-track dropped
	var ids []string
	for _, e := range report.Escalations {
		ids = append(ids, e.EntityID)
	}
	assert.Equal(t, []string{"m-late3", "s-late1", "s-risk"}, ids)
	assert.Equal(t, 3, report.Escalations[0].HoursOverdue)
	assert.Equal(t, deadline.AtRisk, report.Escalations[2].Level)
	assert.False(t, report.Partial())
	assert.Equal(t, 5, report.Scanned)

	// AND: decorated with the responsible party's contact
	require.NotNil(t, report.Escalations[1].Responsible)
	assert.Equal(t, "+91-555", report.Escalations[1].Responsible.Contact)
	assert.Nil(t, report.Escalations[1].Subject)
}

func TestListEscalations_FailingSourceIsPartialNotFatal(t *testing.T) {
	// GIVEN: one healthy and one unreachable entity type
	m := memory.New()
	seed(t, m, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "ORDERED", StatusEnteredAt: T0.Add(-5 * time.Hour)})
	agg := escalation.NewAggregator(table(t), escalation.Options{Now: fixedNow(T0)},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"},
		failingSource{entityType: "MEDICATION_DISPATCH"},
	)

	// WHEN
	report, err := agg.ListEscalations(ctx)

	// THEN: healthy results are returned with an error flag for the other type
	require.NoError(t, err)
	require.Len(t, report.Escalations, 1)
	assert.True(t, report.Partial())
	assert.Contains(t, report.Errors["MEDICATION_DISPATCH"], "upstream unreachable")
	assert.NotContains(t, report.Errors, "SAMPLE_COLLECTION")
}

func TestListEscalations_TypeSelection(t *testing.T) {
	m := memory.New()
	seed(t, m,
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "ORDERED", StatusEnteredAt: T0.Add(-5 * time.Hour)},
		escalation.Entity{Type: "MEDICATION_DISPATCH", ID: "m1", Status: "PACKED", StatusEnteredAt: T0.Add(-5 * time.Hour)},
	)
	agg := escalation.NewAggregator(table(t), escalation.Options{Now: fixedNow(T0)},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"},
		escalation.TrackedSource{Store: m, Type: "MEDICATION_DISPATCH"},
	)

	report, err := agg.ListEscalations(ctx, "MEDICATION_DISPATCH")
	require.NoError(t, err)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, "m1", report.Escalations[0].EntityID)

	_, err = agg.ListEscalations(ctx, "PARCEL")
	assert.ErrorIs(t, err, errs.ErrValidation)

	assert.Equal(t, []string{"MEDICATION_DISPATCH", "SAMPLE_COLLECTION"}, agg.Types())
}

func TestListEscalations_IsIdempotent(t *testing.T) {
	m := memory.New()
	seed(t, m,
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "a", Status: "ORDERED", StatusEnteredAt: T0.Add(-6 * time.Hour)},
		escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "b", Status: "ORDERED", StatusEnteredAt: T0.Add(-6 * time.Hour)},
	)
	agg := escalation.NewAggregator(table(t), escalation.Options{Now: fixedNow(T0)},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"})

	first, err := agg.ListEscalations(ctx)
	require.NoError(t, err)
	second, err := agg.ListEscalations(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, "a", first.Escalations[0].EntityID)
}

func TestReservationSource_EndedBookedBecomesAwaitingOutcome(t *testing.T) {
	// GIVEN: consults on the same day, one ended 2h ago, one not started
	m := memory.New()
	day := calendar.DateOf(T0)
	mk := func(id, kind, start, end string, status ledger.Status) ledger.Reservation {
		return ledger.Reservation{
			ID: id, ProviderID: "dr-1", SubjectID: "pat-" + id, Kind: kind, Date: day,
			Start: calendar.MustClock(start), End: calendar.MustClock(end), Status: status,
		}
	}
	require.NoError(t, m.WithTx(ctx, func(tx ledger.Tx) error {
		for _, r := range []ledger.Reservation{
			mk("ended", "VIDEO_CONSULT", "05:45", "06:00", ledger.StatusBooked),
			mk("future", "VIDEO_CONSULT", "09:00", "09:15", ledger.StatusBooked),
			mk("done", "VIDEO_CONSULT", "05:00", "05:15", ledger.StatusCompleted),
			mk("other-kind", "SAMPLE_COLLECTION", "04:00", "04:15", ledger.StatusBooked),
		} {
			if err := tx.Insert(ctx, r); err != nil {
				return err
			}
		}
		return nil
	}))
	src := escalation.ReservationSource{Reservations: m, Type: "VIDEO_CONSULT"}

	// WHEN
	open, err := src.OpenEntities(ctx, T0)
	require.NoError(t, err)

	// THEN
	require.Len(t, open, 1)
	assert.Equal(t, "ended", open[0].ID)
	assert.Equal(t, escalation.StatusAwaitingOutcome, open[0].Status)
	assert.Equal(t, time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), open[0].StatusEnteredAt)
	assert.Equal(t, "dr-1", open[0].ResponsibleID)

	// AND: through the aggregator it is breached by 1 hour
	agg := escalation.NewAggregator(table(t), escalation.Options{Now: fixedNow(T0)}, src)
	report, err := agg.ListEscalations(ctx)
	require.NoError(t, err)
	require.Len(t, report.Escalations, 1)
	assert.Equal(t, deadline.Breached, report.Escalations[0].Level)
	assert.Equal(t, 1, report.Escalations[0].HoursOverdue)
}

func TestTracker_TerminalStatusClosesEntity(t *testing.T) {
	m := memory.New()
	tracker := escalation.NewTracker(m, table(t), fixedNow(T0))

	e, err := tracker.Track(ctx, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "ORDERED", StatusEnteredAt: T0.Add(-5 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, e.Closed)

	_, c, err := tracker.Classify(ctx, "SAMPLE_COLLECTION", "s1")
	require.NoError(t, err)
	assert.Equal(t, deadline.Breached, c.Level)

	e, err = tracker.Track(ctx, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "RESULTED", StatusEnteredAt: T0})
	require.NoError(t, err)
	assert.True(t, e.Closed)

	open, err := m.ListOpenEntities(ctx, "SAMPLE_COLLECTION")
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = tracker.Track(ctx, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s2", Status: "ORDERED", StatusEnteredAt: T0.Add(time.Hour)})
	assert.ErrorIs(t, err, errs.ErrValidation)

	_, _, err = tracker.Classify(ctx, "SAMPLE_COLLECTION", "missing")
	assert.True(t, errs.IsNotFound(err))
}

func TestScheduler_AnnouncesEachLevelOnce(t *testing.T) {
	// GIVEN: an entity at risk
	m := memory.New()
	now := T0
	seed(t, m, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "ORDERED", StatusEnteredAt: T0.Add(-3*time.Hour - 30*time.Minute), ResponsibleID: "agent-1"})
	require.NoError(t, m.UpsertParty(ctx, escalation.Party{ID: "agent-1", DisplayName: "Ravi", Contact: "+91-555"}))
	agg := escalation.NewAggregator(table(t), escalation.Options{Directory: m, Now: func() time.Time { return now }},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"})
	rec := &notify.Recorder{}
	s := escalation.NewScheduler(agg, m, rec, 0, zerolog.Nop())

	// WHEN: two passes while at risk, then one after the deadline
	r1, err := s.RunNow(ctx)
	require.NoError(t, err)
	r2, err := s.RunNow(ctx)
	require.NoError(t, err)
	now = T0.Add(time.Hour)
	r3, err := s.RunNow(ctx)
	require.NoError(t, err)

	// THEN: at-risk announced once, breach announced once
	assert.Equal(t, 1, r1.Announced)
	assert.Equal(t, 0, r2.Announced)
	assert.Equal(t, 1, r3.Announced)
	events := rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "AT_RISK", events[0].Level)
	assert.Equal(t, "BREACHED", events[1].Level)
	assert.Equal(t, "+91-555", events[1].Contact)

	flags, err := m.ListFlags(ctx, "SAMPLE_COLLECTION", "s1")
	require.NoError(t, err)
	assert.Len(t, flags, 2)
}

func TestScheduler_StartStopWithTicker(t *testing.T) {
	m := memory.New()
	seed(t, m, escalation.Entity{Type: "SAMPLE_COLLECTION", ID: "s1", Status: "ORDERED", StatusEnteredAt: T0.Add(-5 * time.Hour)})
	agg := escalation.NewAggregator(table(t), escalation.Options{Now: fixedNow(T0)},
		escalation.TrackedSource{Store: m, Type: "SAMPLE_COLLECTION"})
	rec := &notify.Recorder{}
	s := escalation.NewScheduler(agg, m, rec, 10*time.Millisecond, zerolog.Nop())

	s.Start()
	require.Eventually(t, func() bool { return len(rec.Events()) == 1 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()

	assert.Len(t, rec.Events(), 1)
}
