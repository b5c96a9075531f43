/*
scenarios.go - Demo scenario loaders for local exploration

PURPOSE:

	Pre-built scenarios that populate the store with realistic data for
	demos: a provider week with bookings, and tracked work at every
	deadline level. Everything is relative to the current time so the
	data stays meaningful whenever it is loaded.

AVAILABLE SCENARIOS:

	clinic-week:    One provider, weekday mornings and afternoons, a few bookings
	busy-provider:  Next weekday morning fully booked; afternoon still open
	overdue-work:   Lab and pharmacy orders ON_TRACK, AT_RISK and BREACHED

HOW SCENARIOS WORK:
 1. Reset the store (clear all data)
 2. Publish availability through the booking service
 3. Book / cancel through the booking service (events fire as usual)
 4. Push tracked entity statuses and directory parties

USAGE VIA API:

	POST /api/scenarios/load
	X-Actor-ID: ops-1
	X-Actor-Role: admin
	{"scenario_id": "overdue-work"}

NOTE:

	Scenarios reset the store. The routes are only mounted outside
	production (RouterOptions.Scenarios) and need an admin actor.
*/
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/booking"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "clinic-week",
		Name:        "Clinic Week",
		Description: "Weekday 15-minute slots for one provider with a few video consults booked and one cancelled",
	},
	{
		ID:          "busy-provider",
		Name:        "Busy Provider",
		Description: "Every morning slot of the next weekday is taken; only the afternoon is offered",
	},
	{
		ID:          "overdue-work",
		Name:        "Overdue Work",
		Description: "Sample collections and medication dispatches on track, at risk and breached",
	},
}

const (
	demoProvider = "prov-rao"
	demoKind     = "VIDEO_CONSULT"
)

var scenarioActor = booking.Actor{ID: "scenario-loader", Role: booking.RoleAdmin}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	current := h.currentScenario
	h.mu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the store and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req LoadScenarioRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.loadScenario(r.Context(), req.ScenarioID); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// ResetDatabase clears all data.
func (h *Handler) ResetDatabase(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if err := h.store.Reset(r.Context()); err != nil {
		h.fail(w, r, err)
		return
	}
	h.mu.Lock()
	h.currentScenario = ""
	h.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// requireAdmin admits only an identified admin actor.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	a, ok := h.actor(w, r, true)
	if !ok {
		return false
	}
	if a.Role != booking.RoleAdmin {
		writeError(w, http.StatusForbidden, codeForbidden, "this operation needs the admin role", nil)
		return false
	}
	h.log.Warn().Str("actor_id", a.ID).Str("path", r.URL.Path).Msg("store wipe requested")
	return true
}

func (h *Handler) loadScenario(ctx context.Context, id string) error {
	var load func(context.Context) error
	switch id {
	case "clinic-week":
		load = h.loadClinicWeekScenario
	case "busy-provider":
		load = h.loadBusyProviderScenario
	case "overdue-work":
		load = h.loadOverdueWorkScenario
	default:
		return errs.Invalid("scenario_id", "unknown scenario %q", id)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	h.currentScenario = ""
	if err := load(ctx); err != nil {
		return fmt.Errorf("load scenario %s: %w", id, err)
	}
	h.currentScenario = id
	h.log.Info().Str("scenario", id).Msg("scenario loaded")
	return nil
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadClinicWeekScenario(ctx context.Context) error {
	if err := h.publishWeekdays(ctx, demoProvider); err != nil {
		return err
	}
	day := h.nextWeekday(1)

	bookings := []struct{ subject, start string }{
		{"pat-asha", "09:00"},
		{"pat-ben", "09:15"},
		{"pat-chen", "10:30"},
		{"pat-dev", "14:00"},
	}
	var lastID string
	for _, b := range bookings {
		res, err := h.book(ctx, demoProvider, b.subject, day, b.start)
		if err != nil {
			return err
		}
		lastID = res.ID
	}

	// One patient cancelled; the 14:00 slot is offered again.
	if _, err := h.booking.Cancel(ctx, lastID, scenarioActor, "patient travelling"); err != nil {
		return fmt.Errorf("cancel demo booking: %w", err)
	}

	return h.upsertParties(ctx,
		escalation.Party{ID: demoProvider, DisplayName: "Dr. Meera Rao", Contact: "rao@clinic.example", Role: "provider"},
		escalation.Party{ID: "pat-asha", DisplayName: "Asha Patel", Contact: "+91-98000-00001", Role: "patient"},
		escalation.Party{ID: "pat-ben", DisplayName: "Ben Okafor", Contact: "+91-98000-00002", Role: "patient"},
		escalation.Party{ID: "pat-chen", DisplayName: "Chen Li", Contact: "+91-98000-00003", Role: "patient"},
	)
}

func (h *Handler) loadBusyProviderScenario(ctx context.Context) error {
	if err := h.publishWeekdays(ctx, demoProvider); err != nil {
		return err
	}
	day := h.nextWeekday(1)

	start := calendar.MustClock("09:00")
	end := calendar.MustClock("12:00")
	for i, c := 0, start; c < end; i, c = i+1, c.Add(15*time.Minute) {
		if _, err := h.book(ctx, demoProvider, fmt.Sprintf("pat-%02d", i+1), day, c.String()); err != nil {
			return err
		}
	}
	return nil
}

func (h *Handler) loadOverdueWorkScenario(ctx context.Context) error {
	now := h.now()
	entities := []escalation.Entity{
		// SAMPLE_COLLECTION: ORDERED allows 4h with a 1h lead
		{Type: "SAMPLE_COLLECTION", ID: "lab-1001", Status: "ORDERED", StatusEnteredAt: now.Add(-time.Hour), SubjectID: "pat-asha", ResponsibleID: "ops-lab"},
		{Type: "SAMPLE_COLLECTION", ID: "lab-1002", Status: "ORDERED", StatusEnteredAt: now.Add(-3*time.Hour - 30*time.Minute), SubjectID: "pat-ben", ResponsibleID: "ops-lab"},
		// COLLECTED allows 6h before it must reach the lab
		{Type: "SAMPLE_COLLECTION", ID: "lab-1003", Status: "COLLECTED", StatusEnteredAt: now.Add(-9 * time.Hour), SubjectID: "pat-chen", ResponsibleID: "phleb-kiran"},
		{Type: "SAMPLE_COLLECTION", ID: "lab-1004", Status: "RESULTED", StatusEnteredAt: now.Add(-48 * time.Hour), SubjectID: "pat-dev", ResponsibleID: "ops-lab"},

		// MEDICATION_DISPATCH: PACKED allows 4h, DISPATCHED 24h with a 4h lead
		{Type: "MEDICATION_DISPATCH", ID: "rx-2001", Status: "PACKED", StatusEnteredAt: now.Add(-5 * time.Hour), SubjectID: "pat-asha", ResponsibleID: "pharm-noor"},
		{Type: "MEDICATION_DISPATCH", ID: "rx-2002", Status: "DISPATCHED", StatusEnteredAt: now.Add(-21 * time.Hour), SubjectID: "pat-ben", ResponsibleID: "courier-sam"},
		{Type: "MEDICATION_DISPATCH", ID: "rx-2003", Status: "ORDERED", StatusEnteredAt: now.Add(-10 * time.Minute), SubjectID: "pat-chen", ResponsibleID: "pharm-noor"},
	}
	for _, e := range entities {
		if _, err := h.tracker.Track(ctx, e); err != nil {
			return fmt.Errorf("track %s/%s: %w", e.Type, e.ID, err)
		}
	}

	return h.upsertParties(ctx,
		escalation.Party{ID: "pat-asha", DisplayName: "Asha Patel", Contact: "+91-98000-00001", Role: "patient"},
		escalation.Party{ID: "pat-ben", DisplayName: "Ben Okafor", Contact: "+91-98000-00002", Role: "patient"},
		escalation.Party{ID: "pat-chen", DisplayName: "Chen Li", Contact: "+91-98000-00003", Role: "patient"},
		escalation.Party{ID: "ops-lab", DisplayName: "Lab Operations", Contact: "lab-ops@clinic.example", Role: "ops"},
		escalation.Party{ID: "phleb-kiran", DisplayName: "Kiran (phlebotomist)", Contact: "+91-98000-00100", Role: "phlebotomist"},
		escalation.Party{ID: "pharm-noor", DisplayName: "Noor (pharmacy)", Contact: "pharmacy@clinic.example", Role: "pharmacist"},
		// courier-sam has no directory entry
	)
}

// =============================================================================
// HELPERS
// =============================================================================

// publishWeekdays gives the provider Mon-Fri 09:00-12:00 and 14:00-17:00.
func (h *Handler) publishWeekdays(ctx context.Context, providerID string) error {
	var rules []availability.Rule
	for _, day := range []time.Weekday{time.Monday, time.Tuesday, time.Wednesday, time.Thursday, time.Friday} {
		for _, window := range [][2]string{{"09:00", "12:00"}, {"14:00", "17:00"}} {
			rules = append(rules, availability.Rule{
				DayOfWeek:   day,
				Start:       calendar.MustClock(window[0]),
				End:         calendar.MustClock(window[1]),
				SlotMinutes: 15,
				Active:      true,
			})
		}
	}
	if _, err := h.booking.SetAvailability(ctx, providerID, rules); err != nil {
		return fmt.Errorf("publish availability: %w", err)
	}
	return nil
}

// nextWeekday returns the first Monday-Friday date at least minDays after
// today in the providers' zone.
func (h *Handler) nextWeekday(minDays int) calendar.Date {
	d := calendar.DateOf(h.now().In(h.booking.Location())).AddDays(minDays)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDays(1)
	}
	return d
}

func (h *Handler) book(ctx context.Context, providerID, subjectID string, day calendar.Date, start string) (*ledger.Reservation, error) {
	res, err := h.booking.Book(ctx, booking.BookRequest{
		ProviderID: providerID,
		SubjectID:  subjectID,
		Kind:       demoKind,
		Date:       day,
		Start:      calendar.MustClock(start),
	}, scenarioActor)
	if err != nil {
		return nil, fmt.Errorf("book %s %s %s: %w", providerID, day, start, err)
	}
	return res, nil
}

func (h *Handler) upsertParties(ctx context.Context, parties ...escalation.Party) error {
	for _, p := range parties {
		if err := h.parties.UpsertParty(ctx, p); err != nil {
			return fmt.Errorf("upsert party %s: %w", p.ID, err)
		}
	}
	return nil
}
