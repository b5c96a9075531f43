/*
Package deadline classifies tracked entities against per-stage dwell limits.

PURPOSE:
  Every reservation and downstream task (sample pickup, medication
  dispatch) has an implicit deadline: it may only sit in a given status
  for so long. Classify maps (type, status, entered-at, now) to
  ON_TRACK / AT_RISK / BREACHED. Pure arithmetic, no I/O.

RULE TABLE:
  One Rule per (entity type, status):
    ORDERED --(max 4h)--> SLOT_BOOKED, at risk during the last 1h

  At-risk is either a fixed lead (AtRiskLead) or a fraction of the dwell
  (AtRiskFraction, decimal). The lead is clamped to [0, MaxDwell].

CLASSIFICATION:
  elapsed = now - enteredAt  (clamped at 0)
  elapsed >= MaxDwell              => BREACHED, HoursOverdue = floor((elapsed-MaxDwell)/1h)
  elapsed >= MaxDwell - lead       => AT_RISK
  otherwise                        => ON_TRACK

  No rule for (type, status) => ON_TRACK. Terminal statuses never carry a
  rule, so they never breach.

MONOTONIC:
  For a fixed rule, the level only moves ON_TRACK -> AT_RISK -> BREACHED
  as elapsed grows.

SEE ALSO:
  - escalation/aggregator.go: applies Classify to every open entity
  - factory/rules.go: builds a Table from YAML or the built-in preset
*/
package deadline

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitalslot/booking-engine/errs"
)

// =============================================================================
// LEVEL
// =============================================================================

type Level string

const (
	OnTrack  Level = "ON_TRACK"
	AtRisk   Level = "AT_RISK"
	Breached Level = "BREACHED"
)

// Severity orders levels: ON_TRACK 0, AT_RISK 1, BREACHED 2.
func (l Level) Severity() int {
	switch l {
	case AtRisk:
		return 1
	case Breached:
		return 2
	}
	return 0
}

func (l Level) NeedsAttention() bool { return l == AtRisk || l == Breached }

// =============================================================================
// RULE
// =============================================================================

type Rule struct {
	EntityType string
	Status     string
	NextStatus string // the stage the entity is expected to reach

	MaxDwell time.Duration

	// Exactly one of these is normally set. AtRiskLead wins if both are.
	AtRiskLead     time.Duration
	AtRiskFraction decimal.Decimal
}

// Lead is the effective at-risk lead, clamped to [0, MaxDwell].
func (r Rule) Lead() time.Duration {
	lead := r.AtRiskLead
	if lead == 0 && r.AtRiskFraction.IsPositive() {
		lead = time.Duration(decimal.NewFromInt(int64(r.MaxDwell)).Mul(r.AtRiskFraction).IntPart())
	}
	if lead < 0 {
		return 0
	}
	if lead > r.MaxDwell {
		return r.MaxDwell
	}
	return lead
}

func (r Rule) Validate() error {
	if r.EntityType == "" {
		return errs.Invalid("entity_type", "is required")
	}
	if r.Status == "" {
		return errs.Invalid("status", "is required")
	}
	if r.MaxDwell <= 0 {
		return errs.Invalid("max_dwell", "%s/%s: must be positive", r.EntityType, r.Status)
	}
	if r.AtRiskLead < 0 || r.AtRiskLead > r.MaxDwell {
		return errs.Invalid("at_risk_lead", "%s/%s: must be within [0, %s]", r.EntityType, r.Status, r.MaxDwell)
	}
	if r.AtRiskFraction.IsNegative() || r.AtRiskFraction.GreaterThan(decimal.NewFromInt(1)) {
		return errs.Invalid("at_risk_fraction", "%s/%s: must be within [0, 1]", r.EntityType, r.Status)
	}
	return nil
}

func (r Rule) String() string {
	return fmt.Sprintf("%s: %s -> %s within %s (at risk %s before)", r.EntityType, r.Status, r.NextStatus, r.MaxDwell, r.Lead())
}

// =============================================================================
// TABLE - Static rule lookup
// =============================================================================

// Rules is what Classify needs from a table.
type Rules interface {
	Lookup(entityType, status string) (Rule, bool)
	IsTerminal(entityType, status string) bool
}

type ruleKey struct{ entityType, status string }

// Table is immutable after NewTable.
type Table struct {
	rules    map[ruleKey]Rule
	terminal map[ruleKey]bool
	types    []string
}

// NewTable validates rules and the terminal-status lists. A rule for a
// terminal status is rejected.
func NewTable(rules []Rule, terminal map[string][]string) (*Table, error) {
	t := &Table{rules: make(map[ruleKey]Rule), terminal: make(map[ruleKey]bool)}
	seenType := make(map[string]bool)

	for entityType, statuses := range terminal {
		for _, s := range statuses {
			t.terminal[ruleKey{entityType, s}] = true
		}
		seenType[entityType] = true
	}
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		k := ruleKey{r.EntityType, r.Status}
		if _, dup := t.rules[k]; dup {
			return nil, errs.Invalid("rules", "duplicate rule for %s/%s", r.EntityType, r.Status)
		}
		if t.terminal[k] {
			return nil, errs.Invalid("rules", "%s is terminal for %s and can't carry a deadline", r.Status, r.EntityType)
		}
		t.rules[k] = r
		seenType[r.EntityType] = true
	}
	for et := range seenType {
		t.types = append(t.types, et)
	}
	sort.Strings(t.types)
	return t, nil
}

func (t *Table) Lookup(entityType, status string) (Rule, bool) {
	r, ok := t.rules[ruleKey{entityType, status}]
	return r, ok
}

func (t *Table) IsTerminal(entityType, status string) bool {
	return t.terminal[ruleKey{entityType, status}]
}

// TerminalStatuses lists the terminal statuses of entityType, sorted.
func (t *Table) TerminalStatuses(entityType string) []string {
	var out []string
	for k := range t.terminal {
		if k.entityType == entityType {
			out = append(out, k.status)
		}
	}
	sort.Strings(out)
	return out
}

// EntityTypes lists every type known to the table, sorted.
func (t *Table) EntityTypes() []string {
	return append([]string(nil), t.types...)
}

// All returns the rules sorted by type, then status.
func (t *Table) All() []Rule {
	out := make([]Rule, 0, len(t.rules))
	for _, r := range t.rules {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityType != out[j].EntityType {
			return out[i].EntityType < out[j].EntityType
		}
		return out[i].Status < out[j].Status
	})
	return out
}

// =============================================================================
// CLASSIFY
// =============================================================================

type Classification struct {
	EntityID   string
	EntityType string
	Status     string // the entity's current status
	NextStatus string
	Level      Level

	// HoursOverdue is whole hours past the deadline, rounded down. 0 unless BREACHED.
	HoursOverdue int

	Elapsed    time.Duration
	Deadline   time.Time // zero when no rule applies
	ComputedAt time.Time
}

// Classify evaluates one entity. It never fails: missing rules and terminal
// statuses are ON_TRACK.
func Classify(entityType, status string, enteredAt, now time.Time, rules Rules) Classification {
	c := Classification{
		EntityType: entityType,
		Status:     status,
		Level:      OnTrack,
		ComputedAt: now,
	}
	if rules == nil || rules.IsTerminal(entityType, status) {
		return c
	}
	rule, ok := rules.Lookup(entityType, status)
	if !ok {
		return c
	}

	elapsed := now.Sub(enteredAt)
	if elapsed < 0 {
		elapsed = 0
	}
	c.Elapsed = elapsed
	c.NextStatus = rule.NextStatus
	c.Deadline = enteredAt.Add(rule.MaxDwell)

	switch {
	case elapsed >= rule.MaxDwell:
		c.Level = Breached
		c.HoursOverdue = int((elapsed - rule.MaxDwell) / time.Hour)
	case elapsed >= rule.MaxDwell-rule.Lead():
		c.Level = AtRisk
	}
	return c
}
