/*
scenarios_test.go - Tests for demo scenarios

PURPOSE:
	Each scenario loads against a fresh store and leaves the state it
	advertises: published availability, bookings, and tracked work at
	the expected deadline levels.
*/
package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/ledger"
)

func TestScenario_ClinicWeek(t *testing.T) {
	// GIVEN: Monday morning
	env := newTestEnv(t)
	ctx := context.Background()

	// WHEN
	require.NoError(t, env.handler.loadScenario(ctx, "clinic-week"))

	// THEN: Tuesday has three bookings, one cancellation
	tuesday := calendar.NewDate(2026, time.March, 3)
	rs, err := env.handler.booking.List(ctx, ledger.Filter{ProviderID: demoProvider, From: tuesday, To: tuesday})
	require.NoError(t, err)
	require.Len(t, rs, 4)
	statuses := map[ledger.Status]int{}
	for _, r := range rs {
		statuses[r.Status]++
	}
	assert.Equal(t, 3, statuses[ledger.StatusBooked])
	assert.Equal(t, 1, statuses[ledger.StatusCancelled])

	// AND: 24 slots a day minus the three taken
	open, err := env.handler.booking.ListAvailable(ctx, demoProvider, calendar.NewRange(tuesday, tuesday))
	require.NoError(t, err)
	assert.Len(t, open, 21)

	// AND: parties are in the directory
	parties, err := env.store.LookupParties(ctx, []string{demoProvider, "pat-asha"})
	require.NoError(t, err)
	assert.Len(t, parties, 2)
}

func TestScenario_BusyProvider(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.handler.loadScenario(ctx, "busy-provider"))

	tuesday := calendar.NewDate(2026, time.March, 3)
	open, err := env.handler.booking.ListAvailable(ctx, demoProvider, calendar.NewRange(tuesday, tuesday))
	require.NoError(t, err)
	require.Len(t, open, 12)
	assert.Equal(t, "14:00", open[0].Start.String(), "only the afternoon is left")
}

func TestScenario_OverdueWork(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.handler.loadScenario(ctx, "overdue-work"))

	report, err := env.handler.escalations.ListEscalations(ctx)
	require.NoError(t, err)
	assert.False(t, report.Partial())

	levels := map[string]string{}
	for _, e := range report.Escalations {
		levels[e.EntityID] = string(e.Level)
	}
	assert.Equal(t, map[string]string{
		"lab-1002": "AT_RISK",
		"lab-1003": "BREACHED",
		"rx-2001":  "BREACHED",
		"rx-2002":  "AT_RISK",
	}, levels)

	// Breaches sort first
	require.NotEmpty(t, report.Escalations)
	assert.Equal(t, "BREACHED", string(report.Escalations[0].Level))
}

func TestScenario_ReloadReplacesState(t *testing.T) {
	// GIVEN: one scenario loaded over the API
	env := newTestEnv(t)
	rr := env.call(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "overdue-work"}, "ops-1", "admin")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = env.call(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "overdue-work", decodeAs[ScenarioDTO](t, rr).ID)

	// WHEN: another one is loaded
	rr = env.call(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "busy-provider"}, "ops-1", "admin")
	require.Equal(t, http.StatusOK, rr.Code)

	// THEN: the tracked work from the first is gone
	rr = env.call(t, http.MethodGet, "/api/escalations", nil)
	assert.Empty(t, decodeAs[EscalationReportDTO](t, rr).Escalations)

	// AND: unknown scenarios are rejected
	rr = env.call(t, http.MethodPost, "/api/scenarios/load", LoadScenarioRequest{ScenarioID: "nope"}, "ops-1", "admin")
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.call(t, http.MethodGet, "/api/scenarios", nil)
	assert.Len(t, decodeAs[[]ScenarioDTO](t, rr), len(scenarios))
}

func TestScenarioRoutes_NeedAnAdmin(t *testing.T) {
	// GIVEN: a clinic week already loaded
	env := newTestEnv(t)
	require.NoError(t, env.handler.loadScenario(context.Background(), "clinic-week"))
	load := LoadScenarioRequest{ScenarioID: "overdue-work"}

	// WHEN / THEN: anonymous and non-admin callers are turned away
	rr := env.call(t, http.MethodPost, "/api/scenarios/load", load)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	rr = env.call(t, http.MethodPost, "/api/scenarios/reset", nil, "pat-1")
	assert.Equal(t, http.StatusForbidden, rr.Code)
	assert.Equal(t, codeForbidden, decodeAs[ErrorResponse](t, rr).Error)

	// AND: nothing was wiped
	rr = env.call(t, http.MethodGet, "/api/scenarios/current", nil)
	assert.Equal(t, "clinic-week", decodeAs[ScenarioDTO](t, rr).ID)

	// WHEN: an admin resets
	rr = env.call(t, http.MethodPost, "/api/scenarios/reset", nil, "ops-1", "admin")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = env.call(t, http.MethodGet, "/api/providers/"+demoProvider+"/availability", nil)
	assert.Empty(t, decodeAs[[]RuleDTO](t, rr))
}

func TestScenarioRoutes_AbsentUnlessEnabled(t *testing.T) {
	env := newTestEnv(t, func(ro *RouterOptions, _ *Deps) { ro.Scenarios = false })

	for _, path := range []string{"/api/scenarios", "/api/scenarios/current"} {
		rr := env.call(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, rr.Code, path)
	}
	rr := env.call(t, http.MethodPost, "/api/scenarios/reset", nil, "ops-1", "admin")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}
