/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON shapes of the HTTP API, kept apart from the domain types so the
  wire contract can evolve on its own. Dates are YYYY-MM-DD, wall-clock
  times HH:MM in the providers' zone, instants RFC 3339.

NAMING CONVENTION:
  - *DTO:      response types
  - *Request:  request bodies (validated with validator struct tags)

SEE ALSO:
  - handlers.go: conversions happen at the edges of each handler
*/
package api

import (
	"time"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/slots"
)

// =============================================================================
// AVAILABILITY
// =============================================================================

type RuleDTO struct {
	ID          string `json:"id,omitempty"`
	DayOfWeek   string `json:"day_of_week" validate:"required"`
	Start       string `json:"start" validate:"required"`
	End         string `json:"end" validate:"required"`
	SlotMinutes int    `json:"slot_minutes" validate:"required,gt=0"`
	Active      *bool  `json:"active,omitempty"`
}

type SetAvailabilityRequest struct {
	Rules []RuleDTO `json:"rules" validate:"dive"`
}

func (d RuleDTO) toRule() (availability.Rule, error) {
	day, err := calendar.ParseWeekday(d.DayOfWeek)
	if err != nil {
		return availability.Rule{}, err
	}
	start, err := calendar.ParseClock(d.Start)
	if err != nil {
		return availability.Rule{}, err
	}
	end, err := calendar.ParseClock(d.End)
	if err != nil {
		return availability.Rule{}, err
	}
	active := true
	if d.Active != nil {
		active = *d.Active
	}
	return availability.Rule{
		ID:          d.ID,
		DayOfWeek:   day,
		Start:       start,
		End:         end,
		SlotMinutes: d.SlotMinutes,
		Active:      active,
	}, nil
}

func toRuleDTO(r availability.Rule) RuleDTO {
	active := r.Active
	return RuleDTO{
		ID:          r.ID,
		DayOfWeek:   calendar.WeekdayCode(r.DayOfWeek),
		Start:       r.Start.String(),
		End:         r.End.String(),
		SlotMinutes: r.SlotMinutes,
		Active:      &active,
	}
}

type SlotDTO struct {
	ProviderID string `json:"provider_id"`
	Date       string `json:"date"`
	Start      string `json:"start"`
	End        string `json:"end"`
}

func toSlotDTO(s slots.Slot) SlotDTO {
	return SlotDTO{ProviderID: s.ProviderID, Date: s.Date.String(), Start: s.Start.String(), End: s.End.String()}
}

// =============================================================================
// RESERVATIONS
// =============================================================================

type BookRequest struct {
	ProviderID     string `json:"provider_id" validate:"required"`
	SubjectID      string `json:"subject_id" validate:"required"`
	LinkedEntityID string `json:"linked_entity_id,omitempty"`
	Kind           string `json:"kind,omitempty"`
	Date           string `json:"date" validate:"required"`
	Start          string `json:"start" validate:"required"`
}

type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

type RescheduleRequest struct {
	Date  string `json:"date" validate:"required"`
	Start string `json:"start" validate:"required"`
}

type ReservationDTO struct {
	ID                 string  `json:"id"`
	ProviderID         string  `json:"provider_id"`
	SubjectID          string  `json:"subject_id"`
	LinkedEntityID     string  `json:"linked_entity_id,omitempty"`
	Kind               string  `json:"kind,omitempty"`
	Date               string  `json:"date"`
	Start              string  `json:"start"`
	End                string  `json:"end"`
	Status             string  `json:"status"`
	CreatedAt          string  `json:"created_at"`
	LastTransitionAt   string  `json:"last_transition_at"`
	CancellationReason *string `json:"cancellation_reason,omitempty"`
	RescheduledFrom    string  `json:"rescheduled_from,omitempty"`
	RescheduledTo      string  `json:"rescheduled_to,omitempty"`
}

func toReservationDTO(r ledger.Reservation) ReservationDTO {
	return ReservationDTO{
		ID:                 r.ID,
		ProviderID:         r.ProviderID,
		SubjectID:          r.SubjectID,
		LinkedEntityID:     r.LinkedEntityID,
		Kind:               r.Kind,
		Date:               r.Date.String(),
		Start:              r.Start.String(),
		End:                r.End.String(),
		Status:             string(r.Status),
		CreatedAt:          r.CreatedAt.Format(time.RFC3339),
		LastTransitionAt:   r.LastTransitionAt.Format(time.RFC3339),
		CancellationReason: r.CancellationReason,
		RescheduledFrom:    r.RescheduledFrom,
		RescheduledTo:      r.RescheduledTo,
	}
}

func toReservationDTOs(rs []ledger.Reservation) []ReservationDTO {
	out := make([]ReservationDTO, len(rs))
	for i, r := range rs {
		out[i] = toReservationDTO(r)
	}
	return out
}

// =============================================================================
// TRACKED ENTITIES / PARTIES
// =============================================================================

type EntityRequest struct {
	Status          string    `json:"status" validate:"required"`
	StatusEnteredAt time.Time `json:"status_entered_at" validate:"required"`
	SubjectID       string    `json:"subject_id,omitempty"`
	ResponsibleID   string    `json:"responsible_id,omitempty"`
}

type EntityDTO struct {
	EntityType      string `json:"entity_type"`
	EntityID        string `json:"entity_id"`
	Status          string `json:"status"`
	StatusEnteredAt string `json:"status_entered_at"`
	SubjectID       string `json:"subject_id,omitempty"`
	ResponsibleID   string `json:"responsible_id,omitempty"`
	Closed          bool   `json:"closed"`
	Level           string `json:"level,omitempty"`
	Deadline        string `json:"deadline,omitempty"`
}

func toEntityDTO(e escalation.Entity) EntityDTO {
	return EntityDTO{
		EntityType:      e.Type,
		EntityID:        e.ID,
		Status:          e.Status,
		StatusEnteredAt: e.StatusEnteredAt.Format(time.RFC3339),
		SubjectID:       e.SubjectID,
		ResponsibleID:   e.ResponsibleID,
		Closed:          e.Closed,
	}
}

type PartyRequest struct {
	DisplayName string `json:"display_name" validate:"required"`
	Contact     string `json:"contact,omitempty"`
	Role        string `json:"role,omitempty"`
}

type PartyDTO struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Contact     string `json:"contact,omitempty"`
	Role        string `json:"role,omitempty"`
}

func toPartyDTO(p *escalation.Party) *PartyDTO {
	if p == nil {
		return nil
	}
	return &PartyDTO{ID: p.ID, DisplayName: p.DisplayName, Contact: p.Contact, Role: p.Role}
}

// =============================================================================
// ESCALATIONS
// =============================================================================

type EscalationDTO struct {
	EntityType     string    `json:"entity_type"`
	EntityID       string    `json:"entity_id"`
	Status         string    `json:"status"`
	NextStatus     string    `json:"next_status,omitempty"`
	Level          string    `json:"level"`
	HoursOverdue   int       `json:"hours_overdue"`
	ElapsedMinutes int       `json:"elapsed_minutes"`
	Deadline       string    `json:"deadline"`
	SubjectID      string    `json:"subject_id,omitempty"`
	ResponsibleID  string    `json:"responsible_id,omitempty"`
	Subject        *PartyDTO `json:"subject,omitempty"`
	Responsible    *PartyDTO `json:"responsible,omitempty"`
}

type EscalationReportDTO struct {
	GeneratedAt    string            `json:"generated_at"`
	Scanned        int               `json:"scanned"`
	Partial        bool              `json:"partial"`
	Errors         map[string]string `json:"errors,omitempty"`
	DirectoryError string            `json:"directory_error,omitempty"`
	Escalations    []EscalationDTO   `json:"escalations"`
}

func toReportDTO(r *escalation.Report) EscalationReportDTO {
	out := EscalationReportDTO{
		GeneratedAt:    r.GeneratedAt.Format(time.RFC3339),
		Scanned:        r.Scanned,
		Partial:        r.Partial(),
		DirectoryError: r.DirectoryError,
		Escalations:    make([]EscalationDTO, len(r.Escalations)),
	}
	if len(r.Errors) > 0 {
		out.Errors = r.Errors
	}
	for i, e := range r.Escalations {
		out.Escalations[i] = EscalationDTO{
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			Status:         e.Status,
			NextStatus:     e.NextStatus,
			Level:          string(e.Level),
			HoursOverdue:   e.HoursOverdue,
			ElapsedMinutes: int(e.Elapsed / time.Minute),
			Deadline:       e.Deadline.Format(time.RFC3339),
			SubjectID:      e.SubjectID,
			ResponsibleID:  e.ResponsibleID,
			Subject:        toPartyDTO(e.Subject),
			Responsible:    toPartyDTO(e.Responsible),
		}
	}
	return out
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id" validate:"required"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}
