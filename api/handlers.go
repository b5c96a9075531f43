/*
handlers.go - HTTP API handlers for the booking engine

PURPOSE:
  Exposes booking, availability and escalation operations over REST.
  Handlers parse and validate the request, call the domain service and
  serialize the result. No business rule lives here.

ENDPOINTS:
  Providers:
    GET    /api/providers/{id}/availability   Current rule set
    PUT    /api/providers/{id}/availability   Replace rule set
    GET    /api/providers/{id}/slots          Open slots (?from&to)
    GET    /api/providers/{id}/reservations   Reservations (?from&to&status)

  Reservations:
    POST   /api/reservations                  Book
    GET    /api/reservations/{id}             Fetch one
    POST   /api/reservations/{id}/cancel      Cancel (cutoff applies)
    POST   /api/reservations/{id}/reschedule  Move (cutoff applies)
    POST   /api/reservations/{id}/complete    Outcome: completed
    POST   /api/reservations/{id}/no-show     Outcome: no-show

  Escalations:
    GET    /api/escalations                   Overdue work (?type=...)
    GET    /api/entities/{type}/{id}          Tracked entity + level
    PUT    /api/entities/{type}/{id}          Push status
    PUT    /api/parties/{id}                  Directory entry

ACTORS:
  X-Actor-ID and X-Actor-Role identify the caller; an upstream gateway
  authenticates them. Mutations require X-Actor-ID. Role defaults to
  "subject".

ERROR HANDLING:
  See errors.go for the status mapping. Conflicts and cutoffs carry a
  "try a different time" message.

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loaders
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/booking"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
)

const (
	headerActorID   = "X-Actor-ID"
	headerActorRole = "X-Actor-Role"

	// defaultSlotWindowDays is the slot listing span when ?to is omitted.
	defaultSlotWindowDays = 6
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Resetter clears all data. Only scenarios use it.
type Resetter interface {
	Reset(ctx context.Context) error
}

// Pinger reports backend health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Booking     *booking.Service
	Escalations *escalation.Aggregator
	Tracker     *escalation.Tracker
	Parties     escalation.PartyStore
	Store       Resetter
	Health      Pinger // optional
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	booking     *booking.Service
	escalations *escalation.Aggregator
	tracker     *escalation.Tracker
	parties     escalation.PartyStore
	store       Resetter
	health      Pinger
	log         zerolog.Logger
	now         func() time.Time
	validate    *validator.Validate

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

func NewHandler(d Deps) *Handler {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	h := &Handler{
		booking:     d.Booking,
		escalations: d.Escalations,
		tracker:     d.Tracker,
		parties:     d.Parties,
		store:       d.Store,
		health:      d.Health,
		log:         d.Logger,
		now:         d.Now,
		validate:    v,
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

// Healthz reports liveness, and backend reachability when a Pinger is set.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health.Ping(r.Context()); err != nil {
			writeError(w, http.StatusServiceUnavailable, codeBusy, "store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// AVAILABILITY HANDLERS
// =============================================================================

func (h *Handler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	rules, err := h.booking.Availability(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RuleDTO, len(rules))
	for i, rule := range rules {
		out[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, out)
}

// SetAvailability replaces the provider's rules with the request body.
func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r, true); !ok {
		return
	}
	var req SetAvailabilityRequest
	if !h.decode(w, r, &req) {
		return
	}
	rules := make([]availability.Rule, 0, len(req.Rules))
	for _, d := range req.Rules {
		rule, err := d.toRule()
		if err != nil {
			h.fail(w, r, err)
			return
		}
		rules = append(rules, rule)
	}

	saved, err := h.booking.SetAvailability(r.Context(), chi.URLParam(r, "id"), rules)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]RuleDTO, len(saved))
	for i, rule := range saved {
		out[i] = toRuleDTO(rule)
	}
	writeJSON(w, http.StatusOK, out)
}

// ListSlots returns open slots. ?from defaults to today, ?to to a week out.
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	rng, err := h.dateRange(r, true)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	open, err := h.booking.ListAvailable(r.Context(), chi.URLParam(r, "id"), rng)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := make([]SlotDTO, len(open))
	for i, s := range open {
		out[i] = toSlotDTO(s)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) ListProviderReservations(w http.ResponseWriter, r *http.Request) {
	rng, err := h.dateRange(r, false)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	f := ledger.Filter{ProviderID: chi.URLParam(r, "id"), From: rng.From, To: rng.To}
	for _, s := range splitQuery(r, "status") {
		st := ledger.Status(strings.ToUpper(s))
		if !st.Valid() {
			h.fail(w, r, errs.Invalid("status", "unknown status %q", s))
			return
		}
		f.Statuses = append(f.Statuses, st)
	}

	rs, err := h.booking.List(r.Context(), f)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTOs(rs))
}

// =============================================================================
// RESERVATION HANDLERS
// =============================================================================

// Book commits a reservation. The slot end is derived server-side.
func (h *Handler) Book(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, true)
	if !ok {
		return
	}
	var req BookRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, start, err := parseDateClock(req.Date, req.Start)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.booking.Book(r.Context(), booking.BookRequest{
		ProviderID:     req.ProviderID,
		SubjectID:      req.SubjectID,
		LinkedEntityID: req.LinkedEntityID,
		Kind:           req.Kind,
		Date:           date,
		Start:          start,
	}, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(*res))
}

func (h *Handler) GetReservation(w http.ResponseWriter, r *http.Request) {
	res, err := h.booking.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// CancelReservation accepts an optional {"reason": "..."} body.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, true)
	if !ok {
		return
	}
	var req CancelRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	res, err := h.booking.Cancel(r.Context(), chi.URLParam(r, "id"), actor, req.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// RescheduleReservation returns the new reservation; the old one is
// cancelled and linked to it.
func (h *Handler) RescheduleReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r, true)
	if !ok {
		return
	}
	var req RescheduleRequest
	if !h.decode(w, r, &req) {
		return
	}
	date, start, err := parseDateClock(req.Date, req.Start)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	res, err := h.booking.Reschedule(r.Context(), chi.URLParam(r, "id"), date, start, actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toReservationDTO(*res))
}

func (h *Handler) CompleteReservation(w http.ResponseWriter, r *http.Request) {
	h.outcome(w, r, h.booking.Complete)
}

func (h *Handler) NoShowReservation(w http.ResponseWriter, r *http.Request) {
	h.outcome(w, r, h.booking.NoShow)
}

func (h *Handler) outcome(w http.ResponseWriter, r *http.Request, record func(context.Context, string, booking.Actor) (*ledger.Reservation, error)) {
	actor, ok := h.actor(w, r, true)
	if !ok {
		return
	}
	res, err := record(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationDTO(*res))
}

// =============================================================================
// ESCALATION HANDLERS
// =============================================================================

// ListEscalations accepts ?type=A&type=B or ?type=A,B. No type means all.
// Partial reports are still 200; the body says which types failed.
func (h *Handler) ListEscalations(w http.ResponseWriter, r *http.Request) {
	report, err := h.escalations.ListEscalations(r.Context(), splitQuery(r, "type")...)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReportDTO(report))
}

func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	e, c, err := h.tracker.Classify(r.Context(), chi.URLParam(r, "type"), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out := toEntityDTO(*e)
	if !e.Closed {
		out.Level = string(c.Level)
		if !c.Deadline.IsZero() {
			out.Deadline = c.Deadline.Format(time.RFC3339)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// TrackEntity records a collaborator's status change.
func (h *Handler) TrackEntity(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r, true); !ok {
		return
	}
	var req EntityRequest
	if !h.decode(w, r, &req) {
		return
	}

	e, err := h.tracker.Track(r.Context(), escalation.Entity{
		Type:            chi.URLParam(r, "type"),
		ID:              chi.URLParam(r, "id"),
		Status:          req.Status,
		StatusEnteredAt: req.StatusEnteredAt,
		SubjectID:       req.SubjectID,
		ResponsibleID:   req.ResponsibleID,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntityDTO(*e))
}

func (h *Handler) UpsertParty(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.actor(w, r, true); !ok {
		return
	}
	var req PartyRequest
	if !h.decode(w, r, &req) {
		return
	}
	p := escalation.Party{
		ID:          chi.URLParam(r, "id"),
		DisplayName: req.DisplayName,
		Contact:     req.Contact,
		Role:        req.Role,
	}
	if err := h.parties.UpsertParty(r.Context(), p); err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPartyDTO(&p))
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	writeServiceError(w, r, h.log, err)
}

// decode reads a JSON body into dst and runs its validate tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, codeBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		h.fail(w, r, err)
		return false
	}
	return true
}

// actor reads the caller identity headers.
func (h *Handler) actor(w http.ResponseWriter, r *http.Request, required bool) (booking.Actor, bool) {
	a := booking.Actor{
		ID:   strings.TrimSpace(r.Header.Get(headerActorID)),
		Role: booking.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(headerActorRole)))),
	}
	if a.Role == "" {
		a.Role = booking.RoleSubject
	}
	if !a.Role.Valid() {
		h.fail(w, r, errs.Invalid(headerActorRole, "unknown role %q", a.Role))
		return a, false
	}
	if required && a.ID == "" {
		h.fail(w, r, errs.Invalid(headerActorID, "is required"))
		return a, false
	}
	return a, true
}

// dateRange parses ?from and ?to. With defaults, a missing from is today in
// the providers' zone and a missing to is a week after from; without,
// missing bounds stay open.
func (h *Handler) dateRange(r *http.Request, defaults bool) (calendar.Range, error) {
	var rng calendar.Range
	q := r.URL.Query()
	if s := q.Get("from"); s != "" {
		d, err := calendar.ParseDate(s)
		if err != nil {
			return rng, err
		}
		rng.From = d
	} else if defaults {
		rng.From = calendar.DateOf(h.now().In(h.booking.Location()))
	}
	if s := q.Get("to"); s != "" {
		d, err := calendar.ParseDate(s)
		if err != nil {
			return rng, err
		}
		rng.To = d
	} else if defaults {
		rng.To = rng.From.AddDays(defaultSlotWindowDays)
	}
	if !rng.From.IsZero() && !rng.To.IsZero() && rng.To.Before(rng.From) {
		return rng, errs.Invalid("to", "must not be before from")
	}
	return rng, nil
}

func parseDateClock(date, start string) (calendar.Date, calendar.Clock, error) {
	d, err := calendar.ParseDate(date)
	if err != nil {
		return calendar.Date{}, 0, err
	}
	c, err := calendar.ParseClock(start)
	if err != nil {
		return calendar.Date{}, 0, err
	}
	return d, c, nil
}

// splitQuery collects repeated and comma-separated values of key.
func splitQuery(r *http.Request, key string) []string {
	var out []string
	for _, v := range r.URL.Query()[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
