/*
Package factory turns YAML rule documents into deadline tables and cutoff
policies.

PURPOSE:
  Dwell limits and notice periods change more often than code. Operations
  edit a rule document; the factory validates it and builds the immutable
  deadline.Table and cutoff.Policy the services run on.

YAML SCHEMA:
  appointments: [VIDEO_CONSULT]        # types fed by ended reservations
  deadlines:
    - entity_type: SAMPLE_COLLECTION
      terminal: [RESULTED, CANCELLED]
      stages:
        - status: ORDERED
          next: SLOT_BOOKED
          max_dwell: 4h                # Go duration
          at_risk_lead: 1h             # or at_risk_fraction: "0.25"
  cutoffs:
    default: 4h
    per_type:
      VIDEO_CONSULT: 2h

  Fractions are strings so they parse exactly as decimals.

USAGE:
  rules, err := factory.Preset()
  rules, err := factory.Load("rules.yaml")
  table := rules.Deadlines
*/
package factory

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/vitalslot/booking-engine/cutoff"
	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
)

//go:embed preset.yaml
var presetYAML []byte

// PresetYAML returns the built-in rule document.
func PresetYAML() []byte { return append([]byte(nil), presetYAML...) }

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

type Document struct {
	Appointments []string    `yaml:"appointments,omitempty" validate:"dive,required"`
	Deadlines    []EntityDoc `yaml:"deadlines" validate:"dive"`
	Cutoffs      CutoffDoc   `yaml:"cutoffs"`
}

type EntityDoc struct {
	EntityType string     `yaml:"entity_type" validate:"required"`
	Terminal   []string   `yaml:"terminal,omitempty" validate:"dive,required"`
	Stages     []StageDoc `yaml:"stages" validate:"dive"`
}

type StageDoc struct {
	Status         string `yaml:"status" validate:"required"`
	Next           string `yaml:"next,omitempty"`
	MaxDwell       string `yaml:"max_dwell" validate:"required"`
	AtRiskLead     string `yaml:"at_risk_lead,omitempty" validate:"excluded_with=AtRiskFraction"`
	AtRiskFraction string `yaml:"at_risk_fraction,omitempty"`
}

type CutoffDoc struct {
	Default string            `yaml:"default,omitempty"`
	PerType map[string]string `yaml:"per_type,omitempty"`
}

// =============================================================================
// RULES
// =============================================================================

// Rules is a validated document.
type Rules struct {
	Deadlines    *deadline.Table
	Cutoff       cutoff.Policy
	Appointments []string
}

var validate = validator.New()

func Preset() (*Rules, error) {
	return Parse(presetYAML)
}

func Load(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	rules, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// LoadOrPreset loads path, or the preset when path is empty.
func LoadOrPreset(path string) (*Rules, error) {
	if path == "" {
		return Preset()
	}
	return Load(path)
}

func Parse(data []byte) (*Rules, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &errs.ValidationError{Field: "rules", Message: fmt.Sprintf("invalid YAML: %v", err)}
	}
	return FromDocument(doc)
}

func FromDocument(doc Document) (*Rules, error) {
	if err := validate.Struct(doc); err != nil {
		return nil, &errs.ValidationError{Field: "rules", Message: err.Error()}
	}

	var rules []deadline.Rule
	terminal := make(map[string][]string)
	seenType := make(map[string]bool)
	for _, ed := range doc.Deadlines {
		if seenType[ed.EntityType] {
			return nil, errs.Invalid("rules", "entity type %s declared twice", ed.EntityType)
		}
		seenType[ed.EntityType] = true
		terminal[ed.EntityType] = ed.Terminal
		for _, sd := range ed.Stages {
			r, err := parseStage(ed.EntityType, sd)
			if err != nil {
				return nil, err
			}
			rules = append(rules, r)
		}
	}
	table, err := deadline.NewTable(rules, terminal)
	if err != nil {
		return nil, err
	}

	policy, err := parseCutoffs(doc.Cutoffs)
	if err != nil {
		return nil, err
	}

	for _, t := range doc.Appointments {
		if !seenType[t] {
			return nil, errs.Invalid("appointments", "%s has no deadlines section", t)
		}
	}

	return &Rules{
		Deadlines:    table,
		Cutoff:       policy,
		Appointments: append([]string(nil), doc.Appointments...),
	}, nil
}

// ToDocument renders rules back into the YAML schema.
func ToDocument(r *Rules) Document {
	doc := Document{Appointments: append([]string(nil), r.Appointments...)}

	byType := make(map[string]*EntityDoc)
	for _, t := range r.Deadlines.EntityTypes() {
		doc.Deadlines = append(doc.Deadlines, EntityDoc{EntityType: t})
	}
	for i := range doc.Deadlines {
		byType[doc.Deadlines[i].EntityType] = &doc.Deadlines[i]
	}
	for _, rule := range r.Deadlines.All() {
		sd := StageDoc{
			Status:   rule.Status,
			Next:     rule.NextStatus,
			MaxDwell: rule.MaxDwell.String(),
		}
		if rule.AtRiskLead > 0 {
			sd.AtRiskLead = rule.AtRiskLead.String()
		} else if rule.AtRiskFraction.IsPositive() {
			sd.AtRiskFraction = rule.AtRiskFraction.String()
		}
		ed := byType[rule.EntityType]
		ed.Stages = append(ed.Stages, sd)
	}
	for i := range doc.Deadlines {
		doc.Deadlines[i].Terminal = r.Deadlines.TerminalStatuses(doc.Deadlines[i].EntityType)
	}

	if r.Cutoff.Default > 0 {
		doc.Cutoffs.Default = r.Cutoff.Default.String()
	}
	if len(r.Cutoff.PerType) > 0 {
		doc.Cutoffs.PerType = make(map[string]string, len(r.Cutoff.PerType))
		for t, d := range r.Cutoff.PerType {
			doc.Cutoffs.PerType[t] = d.String()
		}
	}
	return doc
}

// Marshal renders rules as YAML.
func Marshal(r *Rules) ([]byte, error) {
	return yaml.Marshal(ToDocument(r))
}

// =============================================================================
// PARSING HELPERS
// =============================================================================

func parseStage(entityType string, sd StageDoc) (deadline.Rule, error) {
	field := func(name string) string { return fmt.Sprintf("%s.%s.%s", entityType, sd.Status, name) }

	maxDwell, err := parseDuration(field("max_dwell"), sd.MaxDwell)
	if err != nil {
		return deadline.Rule{}, err
	}
	r := deadline.Rule{
		EntityType: entityType,
		Status:     sd.Status,
		NextStatus: sd.Next,
		MaxDwell:   maxDwell,
	}
	if sd.AtRiskLead != "" {
		if r.AtRiskLead, err = parseDuration(field("at_risk_lead"), sd.AtRiskLead); err != nil {
			return deadline.Rule{}, err
		}
	}
	if sd.AtRiskFraction != "" {
		frac, err := decimal.NewFromString(sd.AtRiskFraction)
		if err != nil {
			return deadline.Rule{}, errs.Invalid(field("at_risk_fraction"), "%q is not a decimal", sd.AtRiskFraction)
		}
		r.AtRiskFraction = frac
	}
	return r, nil
}

func parseCutoffs(cd CutoffDoc) (cutoff.Policy, error) {
	p := cutoff.DefaultPolicy()
	if cd.Default != "" {
		d, err := parseDuration("cutoffs.default", cd.Default)
		if err != nil {
			return cutoff.Policy{}, err
		}
		p.Default = d
	}
	if len(cd.PerType) > 0 {
		types := make([]string, 0, len(cd.PerType))
		for t := range cd.PerType {
			types = append(types, t)
		}
		sort.Strings(types)
		p.PerType = make(map[string]time.Duration, len(types))
		for _, t := range types {
			d, err := parseDuration("cutoffs.per_type."+t, cd.PerType[t])
			if err != nil {
				return cutoff.Policy{}, err
			}
			p.PerType[t] = d
		}
	}
	return p, p.Validate()
}

func parseDuration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errs.Invalid(field, "%q is not a duration", s)
	}
	return d, nil
}
