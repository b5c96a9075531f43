/*
Package notify emits lifecycle events to the notification collaborator.

PURPOSE:
  Booking and escalation announce what happened; delivery (push, SMS,
  email) belongs to someone else. Events are fire-and-forget: a failed
  dispatch is logged by the caller and never fails the booking.

EVENTS:
  reservation:booked       reservation:cancelled     reservation:rescheduled
  reservation:completed    reservation:no_show       escalation:raised

DISPATCHERS:
  - Log:      writes the event to a zerolog logger (default, development)
  - Queue:    enqueues an asynq task per event (worker.go consumes them)
  - Fanout:   sends to several dispatchers
  - Recorder: keeps events in memory, for tests and demos
*/
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

type Kind string

const (
	EventBooked      Kind = "reservation:booked"
	EventCancelled   Kind = "reservation:cancelled"
	EventRescheduled Kind = "reservation:rescheduled"
	EventCompleted   Kind = "reservation:completed"
	EventNoShow      Kind = "reservation:no_show"
	EventEscalated   Kind = "escalation:raised"
)

// AllKinds lists every event kind, in declaration order.
var AllKinds = []Kind{EventBooked, EventCancelled, EventRescheduled, EventCompleted, EventNoShow, EventEscalated}

// Event is the JSON payload handed to the notification collaborator.
type Event struct {
	Kind       Kind      `json:"kind"`
	OccurredAt time.Time `json:"occurred_at"`
	ActorID    string    `json:"actor_id,omitempty"`

	// Reservation events
	ReservationID         string `json:"reservation_id,omitempty"`
	PreviousReservationID string `json:"previous_reservation_id,omitempty"`
	ProviderID            string `json:"provider_id,omitempty"`
	SubjectID             string `json:"subject_id,omitempty"`
	LinkedEntityID        string `json:"linked_entity_id,omitempty"`
	Date                  string `json:"date,omitempty"`
	Start                 string `json:"start,omitempty"`
	End                   string `json:"end,omitempty"`
	Reason                string `json:"reason,omitempty"`

	// Escalation events
	EntityType   string `json:"entity_type,omitempty"`
	EntityID     string `json:"entity_id,omitempty"`
	EntityStatus string `json:"entity_status,omitempty"`
	Level        string `json:"level,omitempty"`
	HoursOverdue int    `json:"hours_overdue,omitempty"`
	Responsible  string `json:"responsible,omitempty"`
	Contact      string `json:"contact,omitempty"`
}

type Dispatcher interface {
	Dispatch(ctx context.Context, e Event) error
}

// =============================================================================
// LOG
// =============================================================================

type Log struct {
	Logger zerolog.Logger
}

func (l Log) Dispatch(_ context.Context, e Event) error {
	ev := l.Logger.Info().Str("event", string(e.Kind))
	if e.ReservationID != "" {
		ev = ev.Str("reservation_id", e.ReservationID).Str("provider_id", e.ProviderID).
			Str("date", e.Date).Str("start", e.Start)
	}
	if e.EntityID != "" {
		ev = ev.Str("entity_type", e.EntityType).Str("entity_id", e.EntityID).
			Str("level", e.Level).Int("hours_overdue", e.HoursOverdue)
	}
	ev.Msg("notification")
	return nil
}

// =============================================================================
// QUEUE - asynq producer
// =============================================================================

const DefaultQueue = "notifications"

// Enqueuer is the part of *asynq.Client that Queue uses.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type Queue struct {
	client Enqueuer
	queue  string
}

func NewQueue(client Enqueuer, queue string) *Queue {
	if queue == "" {
		queue = DefaultQueue
	}
	return &Queue{client: client, queue: queue}
}

// NewTask builds the asynq task for e. The task type is the event kind.
func NewTask(e Event) (*asynq.Task, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(string(e.Kind), b), nil
}

func (q *Queue) Dispatch(ctx context.Context, e Event) error {
	task, err := NewTask(e)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, task, asynq.Queue(q.queue), asynq.MaxRetry(5), asynq.Timeout(30*time.Second))
	return err
}

// =============================================================================
// FANOUT / RECORDER
// =============================================================================

type Fanout []Dispatcher

func (f Fanout) Dispatch(ctx context.Context, e Event) error {
	var errs []error
	for _, d := range f {
		if err := d.Dispatch(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps every event it receives.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Dispatch(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Kinds returns the kinds received, in order.
func (r *Recorder) Kinds() []Kind {
	var out []Kind
	for _, e := range r.Events() {
		out = append(out, e.Kind)
	}
	return out
}
