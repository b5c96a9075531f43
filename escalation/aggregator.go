/*
Package escalation surfaces entities whose deadlines are at risk or breached.

PURPOSE:
  ListEscalations is a read model rebuilt on every call: fetch all open
  entities of the requested types, classify each against the deadline
  table, keep AT_RISK / BREACHED, sort, decorate with party details.
  Nothing is cached between calls.

SOURCES:
  Each entity type is fed by one or more Sources:
  - TrackedSource:     status records pushed by collaborators (entities table)
  - ReservationSource: BOOKED reservations whose window has ended, surfaced
                       as AWAITING_OUTCOME until someone records the outcome

  Sources are scanned in parallel. A failing source marks its type in
  Report.Errors and the scan carries on with the rest.

ORDER:
  BREACHED before AT_RISK, then HoursOverdue descending, then earliest
  deadline, then (type, id) for a stable tie-break.

WRITES:
  None. Scheduler (scheduler.go) is the only writer, and only of flags.
*/
package escalation

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
)

// Source lists the open (non-terminal) entities of one type.
type Source interface {
	EntityType() string
	OpenEntities(ctx context.Context, now time.Time) ([]Entity, error)
}

// Escalation is one entity that needs a human, with enough context to act.
type Escalation struct {
	deadline.Classification

	SubjectID     string
	ResponsibleID string
	Subject       *Party
	Responsible   *Party
}

type Report struct {
	Escalations []Escalation
	// Errors maps entity type to the reason its scan failed.
	Errors map[string]string
	// DirectoryError is set when party decoration failed; escalations are
	// still returned, undecorated.
	DirectoryError string
	Scanned        int
	GeneratedAt    time.Time
}

// Partial reports whether any part of the scan failed.
func (r *Report) Partial() bool { return len(r.Errors) > 0 || r.DirectoryError != "" }

type Options struct {
	Directory   Directory
	Now         func() time.Time
	Logger      zerolog.Logger
	Concurrency int
}

type Aggregator struct {
	rules     deadline.Rules
	sources   map[string][]Source
	types     []string
	directory Directory
	now       func() time.Time
	log       zerolog.Logger
	limit     int
}

func NewAggregator(rules deadline.Rules, opts Options, sources ...Source) *Aggregator {
	a := &Aggregator{
		rules:     rules,
		sources:   make(map[string][]Source),
		directory: opts.Directory,
		now:       opts.Now,
		log:       opts.Logger,
		limit:     opts.Concurrency,
	}
	if a.now == nil {
		a.now = time.Now
	}
	if a.limit <= 0 {
		a.limit = 8
	}
	for _, s := range sources {
		t := s.EntityType()
		if _, seen := a.sources[t]; !seen {
			a.types = append(a.types, t)
		}
		a.sources[t] = append(a.sources[t], s)
	}
	sort.Strings(a.types)
	return a
}

// Types lists the entity types with at least one source, sorted.
func (a *Aggregator) Types() []string { return append([]string(nil), a.types...) }

type scanResult struct {
	entityType string
	items      []Escalation
	scanned    int
	err        error
}

// ListEscalations scans the given types, or every known type when none are
// given. Unknown types are a validation error.
func (a *Aggregator) ListEscalations(ctx context.Context, types ...string) (*Report, error) {
	types, err := a.resolveTypes(types)
	if err != nil {
		return nil, err
	}
	now := a.now()

	results := make([]scanResult, len(types))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.limit)
	for i, t := range types {
		i, t := i, t
		g.Go(func() error {
			results[i] = a.scanType(gctx, t, now)
			// Per-type failures are reported, never propagated.
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{Errors: make(map[string]string), GeneratedAt: now}
	for _, res := range results {
		report.Scanned += res.scanned
		if res.err != nil {
			report.Errors[res.entityType] = res.err.Error()
			a.log.Error().Err(res.err).Str("entity_type", res.entityType).Msg("escalation scan failed")
		}
		report.Escalations = append(report.Escalations, res.items...)
	}
	Sort(report.Escalations)

	if err := a.decorate(ctx, report.Escalations); err != nil {
		report.DirectoryError = err.Error()
		a.log.Error().Err(err).Msg("escalation decoration failed")
	}
	return report, nil
}

func (a *Aggregator) resolveTypes(requested []string) ([]string, error) {
	if len(requested) == 0 {
		return a.Types(), nil
	}
	seen := make(map[string]bool)
	var out []string
	for _, t := range requested {
		if t == "" || seen[t] {
			continue
		}
		if _, ok := a.sources[t]; !ok {
			return nil, errs.Invalid("type", "unknown entity type %q", t)
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out, nil
}

func (a *Aggregator) scanType(ctx context.Context, entityType string, now time.Time) scanResult {
	res := scanResult{entityType: entityType}
	for _, src := range a.sources[entityType] {
		entities, err := src.OpenEntities(ctx, now)
		if err != nil {
			// Keep whatever the other sources of this type produced.
			res.err = fmt.Errorf("%s source: %w", entityType, err)
			continue
		}
		for _, e := range entities {
			if e.Closed || a.rules.IsTerminal(e.Type, e.Status) {
				continue
			}
			res.scanned++
			c := deadline.Classify(e.Type, e.Status, e.StatusEnteredAt, now, a.rules)
			if !c.Level.NeedsAttention() {
				continue
			}
			c.EntityID = e.ID
			res.items = append(res.items, Escalation{
				Classification: c,
				SubjectID:      e.SubjectID,
				ResponsibleID:  e.ResponsibleID,
			})
		}
	}
	return res
}

func (a *Aggregator) decorate(ctx context.Context, items []Escalation) error {
	if a.directory == nil || len(items) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var ids []string
	for _, it := range items {
		for _, id := range []string{it.SubjectID, it.ResponsibleID} {
			if id != "" && !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	if len(ids) == 0 {
		return nil
	}
	parties, err := a.directory.LookupParties(ctx, ids)
	if err != nil {
		return fmt.Errorf("lookup parties: %w", err)
	}
	for i := range items {
		if p, ok := parties[items[i].SubjectID]; ok {
			items[i].Subject = &p
		}
		if p, ok := parties[items[i].ResponsibleID]; ok {
			items[i].Responsible = &p
		}
	}
	return nil
}

// Sort orders escalations most urgent first.
func Sort(items []Escalation) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if sa, sb := a.Level.Severity(), b.Level.Severity(); sa != sb {
			return sa > sb
		}
		if a.HoursOverdue != b.HoursOverdue {
			return a.HoursOverdue > b.HoursOverdue
		}
		if !a.Deadline.Equal(b.Deadline) {
			return a.Deadline.Before(b.Deadline)
		}
		if a.EntityType != b.EntityType {
			return a.EntityType < b.EntityType
		}
		return a.EntityID < b.EntityID
	})
}
