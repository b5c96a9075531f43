package postgres_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalslot/booking-engine/calendar"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/ledger"
	"github.com/vitalslot/booking-engine/store/postgres"
)

func newStore(t *testing.T) *postgres.Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, url, 8, 1)
	require.NoError(t, err)
	s, err := postgres.New(ctx, pool)
	require.NoError(t, err)
	require.NoError(t, s.Reset(ctx))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPostgres_ConcurrentCommitsAcrossLedgers(t *testing.T) {
	// GIVEN: two ledgers with independent lockers sharing one database
	s := newStore(t)
	ctx := context.Background()
	monday := calendar.NewDate(2026, time.March, 2)
	ledgers := []*ledger.Ledger{ledger.New(s, ledger.Options{}), ledger.New(s, ledger.Options{})}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			start := calendar.MustClock("10:00") + calendar.Clock(i%3)*5
			_, err := ledgers[i%2].Commit(ctx, ledger.CommitRequest{
				ProviderID: "P", SubjectID: fmt.Sprintf("S%d", i), Date: monday,
				Start: start, End: start + 15,
			})
			if err != nil && !errors.Is(err, errs.ErrConflict) {
				t.Errorf("unexpected error: %v", err)
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	// THEN: all three candidate windows overlap each other, so one wins
	assert.Equal(t, 1, wins)
}

func TestPostgres_ExclusionConstraintBackstop(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	monday := calendar.NewDate(2026, time.March, 2)
	now := time.Now().UTC().Truncate(time.Microsecond)
	mk := func(id, start, end string) ledger.Reservation {
		return ledger.Reservation{
			ID: id, ProviderID: "P", SubjectID: "S", Date: monday,
			Start: calendar.MustClock(start), End: calendar.MustClock(end),
			Status: ledger.StatusBooked, CreatedAt: now, LastTransitionAt: now,
		}
	}

	require.NoError(t, s.WithTx(ctx, func(tx ledger.Tx) error { return tx.Insert(ctx, mk("a", "10:00", "10:30")) }))

	err := s.WithTx(ctx, func(tx ledger.Tx) error { return tx.Insert(ctx, mk("b", "10:15", "10:45")) })
	assert.ErrorIs(t, err, errs.ErrConflict)

	got, err := s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, mk("a", "10:00", "10:30"), *got)
}

func TestPostgres_RacingTransitionsExactlyOneWins(t *testing.T) {
	// GIVEN: two ledgers with independent lockers, so only the database
	// serializes them
	s := newStore(t)
	ctx := context.Background()
	monday := calendar.NewDate(2026, time.March, 2)
	a, b := ledger.New(s, ledger.Options{}), ledger.New(s, ledger.Options{})

	for i := 0; i < 10; i++ {
		start := calendar.MustClock("09:00") + calendar.Clock(i)*15
		r, err := a.Commit(ctx, ledger.CommitRequest{
			ProviderID: "P", SubjectID: "S", Date: monday, Start: start, End: start + 15,
		})
		require.NoError(t, err)

		// WHEN: Cancel races MarkCompleted
		var wg sync.WaitGroup
		results := make([]error, 2)
		wg.Add(2)
		go func() { defer wg.Done(); _, results[0] = a.Cancel(ctx, r.ID, "racing") }()
		go func() { defer wg.Done(); _, results[1] = b.MarkCompleted(ctx, r.ID) }()
		wg.Wait()

		// THEN: one wins, the other sees a terminal status
		wins := 0
		for _, err := range results {
			if err == nil {
				wins++
				continue
			}
			assert.ErrorIs(t, err, errs.ErrInvalidTransition)
		}
		assert.Equal(t, 1, wins, "round %d", i)

		got, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		if results[0] == nil {
			assert.Equal(t, ledger.StatusCancelled, got.Status)
		} else {
			assert.Equal(t, ledger.StatusCompleted, got.Status)
		}
	}
}

func TestPostgres_CancelRacingRescheduleNeverOrphans(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	monday := calendar.NewDate(2026, time.March, 2)
	a, b := ledger.New(s, ledger.Options{}), ledger.New(s, ledger.Options{})

	for i := 0; i < 10; i++ {
		start := calendar.MustClock("09:00") + calendar.Clock(i)*15
		r, err := a.Commit(ctx, ledger.CommitRequest{
			ProviderID: "P", SubjectID: "S", Date: monday, Start: start, End: start + 15,
		})
		require.NoError(t, err)

		var (
			wg       sync.WaitGroup
			moved    *ledger.Reservation
			moveErr  error
			cancelErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			newStart := calendar.MustClock("14:00") + calendar.Clock(i)*15
			moved, moveErr = a.Reschedule(ctx, r.ID, monday, newStart, newStart+15)
		}()
		go func() { defer wg.Done(); _, cancelErr = b.Cancel(ctx, r.ID, "racing") }()
		wg.Wait()

		require.True(t, (moveErr == nil) != (cancelErr == nil), "round %d: exactly one succeeds", i)
		old, err := s.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, ledger.StatusCancelled, old.Status)
		if moveErr == nil {
			assert.ErrorIs(t, cancelErr, errs.ErrInvalidTransition)
			assert.Equal(t, moved.ID, old.RescheduledTo, "the link survives")
		} else {
			assert.ErrorIs(t, moveErr, errs.ErrInvalidTransition)
			assert.Empty(t, old.RescheduledTo)
		}
	}
}
