package factory_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/factory"
)

func TestPreset_CoversAllEntityTypes(t *testing.T) {
	rules, err := factory.Preset()
	require.NoError(t, err)

	assert.Equal(t, []string{"MEDICATION_DISPATCH", "SAMPLE_COLLECTION", "VIDEO_CONSULT"}, rules.Deadlines.EntityTypes())
	assert.Equal(t, []string{"SAMPLE_COLLECTION", "VIDEO_CONSULT"}, rules.Appointments)

	r, ok := rules.Deadlines.Lookup("SAMPLE_COLLECTION", "ORDERED")
	require.True(t, ok)
	assert.Equal(t, 4*time.Hour, r.MaxDwell)
	assert.Equal(t, time.Hour, r.Lead())

	r, ok = rules.Deadlines.Lookup("MEDICATION_DISPATCH", "PACKED")
	require.True(t, ok)
	assert.True(t, decimal.RequireFromString("0.25").Equal(r.AtRiskFraction))
	assert.Equal(t, time.Hour, r.Lead())

	assert.True(t, rules.Deadlines.IsTerminal("VIDEO_CONSULT", "NO_SHOW"))
	assert.Equal(t, 4*time.Hour, rules.Cutoff.MinNotice("SAMPLE_COLLECTION"))
	assert.Equal(t, 4*time.Hour, rules.Cutoff.MinNotice("VIDEO_CONSULT"), "consults get the default notice")
	assert.Empty(t, rules.Cutoff.PerType)
}

func TestParse_ClassifiesLikeHandBuiltTable(t *testing.T) {
	// GIVEN: a document with one stage
	doc := `
deadlines:
  - entity_type: SAMPLE_COLLECTION
    terminal: [RESULTED]
    stages:
      - status: ORDERED
        next: SLOT_BOOKED
        max_dwell: 4h
        at_risk_lead: 1h
`
	rules, err := factory.Parse([]byte(doc))
	require.NoError(t, err)

	// WHEN: classified 6h after entering ORDERED
	T := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	c := deadline.Classify("SAMPLE_COLLECTION", "ORDERED", T, T.Add(6*time.Hour), rules.Deadlines)

	// THEN
	assert.Equal(t, deadline.Breached, c.Level)
	assert.Equal(t, 2, c.HoursOverdue)
	assert.Equal(t, 4*time.Hour, rules.Cutoff.MinNotice("ANY"))
}

func TestParse_Rejections(t *testing.T) {
	cases := map[string]string{
		"bad yaml": "deadlines: [",
		"bad duration": `
deadlines:
  - entity_type: X
    stages:
      - {status: A, max_dwell: soon}`,
		"lead and fraction": `
deadlines:
  - entity_type: X
    stages:
      - {status: A, max_dwell: 1h, at_risk_lead: 10m, at_risk_fraction: "0.5"}`,
		"bad fraction": `
deadlines:
  - entity_type: X
    stages:
      - {status: A, max_dwell: 1h, at_risk_fraction: "half"}`,
		"fraction above one": `
deadlines:
  - entity_type: X
    stages:
      - {status: A, max_dwell: 1h, at_risk_fraction: "1.5"}`,
		"rule on terminal status": `
deadlines:
  - entity_type: X
    terminal: [DONE]
    stages:
      - {status: DONE, max_dwell: 1h}`,
		"missing status": `
deadlines:
  - entity_type: X
    stages:
      - {max_dwell: 1h}`,
		"duplicate type": `
deadlines:
  - {entity_type: X, stages: [{status: A, max_dwell: 1h}]}
  - {entity_type: X, stages: [{status: B, max_dwell: 1h}]}`,
		"appointment without deadlines": `
appointments: [Y]
deadlines:
  - {entity_type: X, stages: [{status: A, max_dwell: 1h}]}`,
		"negative cutoff": `
cutoffs:
  default: -1h`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := factory.Parse([]byte(doc))
			assert.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestMarshal_ReparsesToSameRules(t *testing.T) {
	preset, err := factory.Preset()
	require.NoError(t, err)

	out, err := factory.Marshal(preset)
	require.NoError(t, err)
	again, err := factory.Parse(out)
	require.NoError(t, err)

	assert.Equal(t, preset.Deadlines.All(), again.Deadlines.All())
	assert.Equal(t, preset.Cutoff, again.Cutoff)
	assert.Equal(t, preset.Appointments, again.Appointments)
}

func TestLoadOrPreset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("cutoffs:\n  default: 6h\n"), 0o600))

	rules, err := factory.LoadOrPreset(path)
	require.NoError(t, err)
	assert.Equal(t, 6*time.Hour, rules.Cutoff.MinNotice("VIDEO_CONSULT"))

	_, err = factory.LoadOrPreset(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	rules, err = factory.LoadOrPreset("")
	require.NoError(t, err)
	assert.NotEmpty(t, rules.Deadlines.All())
}
