/*
scheduler.go - Periodic escalation announcements

PURPOSE:
  Runs ListEscalations on a fixed cadence and announces each
  (entity, status, level) once: a flag is raised, and only a newly
  raised flag produces an escalation:raised event.

DESIGN:
  - Each tick is stateless; everything it remembers lives in the FlagStore
  - An entity that moves stage gets fresh flags for the new status
  - AT_RISK and BREACHED are announced separately
  - A failed flag write or dispatch is logged and the tick moves on

USAGE:
  s := NewScheduler(agg, flags, dispatcher, 30*time.Second, log)
  s.Start()
  defer s.Stop()
*/
package escalation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vitalslot/booking-engine/notify"
)

type Scheduler struct {
	Aggregator *Aggregator
	Flags      FlagStore
	Notifier   notify.Dispatcher
	Interval   time.Duration
	Logger     zerolog.Logger

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewScheduler(agg *Aggregator, flags FlagStore, notifier notify.Dispatcher, interval time.Duration, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		Aggregator: agg,
		Flags:      flags,
		Notifier:   notifier,
		Interval:   interval,
		Logger:     log,
	}
}

// Start begins ticking. An Interval of zero or less leaves the scheduler off.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.Interval <= 0 {
		s.Logger.Info().Msg("escalation scheduler disabled")
		return
	}
	if s.ticker != nil {
		return
	}
	s.ticker = time.NewTicker(s.Interval)
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.run()

	s.Logger.Info().Dur("interval", s.Interval).Msg("escalation scheduler started")
}

func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ticker == nil {
		return
	}
	s.ticker.Stop()
	close(s.stop)
	s.wg.Wait()
	s.ticker = nil
	s.Logger.Info().Msg("escalation scheduler stopped")
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-s.stop
		cancel()
	}()

	s.tick(ctx)
	for {
		select {
		case <-s.ticker.C:
			s.tick(ctx)
		case <-s.stop:
			return
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if _, err := s.RunNow(ctx); err != nil && ctx.Err() == nil {
		s.Logger.Error().Err(err).Msg("escalation tick failed")
	}
}

// TickResult summarizes one pass.
type TickResult struct {
	Escalations int
	Announced   int
	Partial     bool
}

// RunNow performs one pass immediately.
func (s *Scheduler) RunNow(ctx context.Context) (TickResult, error) {
	report, err := s.Aggregator.ListEscalations(ctx)
	if err != nil {
		return TickResult{}, err
	}
	res := TickResult{Escalations: len(report.Escalations), Partial: report.Partial()}

	for _, esc := range report.Escalations {
		raised, err := s.Flags.RaiseFlag(ctx, Flag{
			EntityType: esc.EntityType,
			EntityID:   esc.EntityID,
			Status:     esc.Status,
			Level:      esc.Level,
			RaisedAt:   report.GeneratedAt,
		})
		if err != nil {
			s.Logger.Error().Err(err).Str("entity_type", esc.EntityType).Str("entity_id", esc.EntityID).Msg("raise flag")
			continue
		}
		if !raised {
			continue
		}
		res.Announced++
		if s.Notifier == nil {
			continue
		}
		if err := s.Notifier.Dispatch(ctx, escalatedEvent(esc, report.GeneratedAt)); err != nil {
			s.Logger.Warn().Err(err).Str("entity_id", esc.EntityID).Msg("escalation notification failed")
		}
	}

	if res.Announced > 0 || res.Partial {
		s.Logger.Info().
			Int("escalations", res.Escalations).
			Int("announced", res.Announced).
			Bool("partial", res.Partial).
			Msg("escalation pass complete")
	}
	return res, nil
}

func escalatedEvent(esc Escalation, at time.Time) notify.Event {
	e := notify.Event{
		Kind:         notify.EventEscalated,
		OccurredAt:   at,
		EntityType:   esc.EntityType,
		EntityID:     esc.EntityID,
		EntityStatus: esc.Status,
		Level:        string(esc.Level),
		HoursOverdue: esc.HoursOverdue,
		SubjectID:    esc.SubjectID,
		Responsible:  esc.ResponsibleID,
	}
	if esc.Responsible != nil {
		e.Responsible = esc.Responsible.DisplayName
		e.Contact = esc.Responsible.Contact
	}
	return e
}
