/*
Package keylock serializes work on narrow string keys.

PURPOSE:
  Reservation commits serialize on a (providerID, date) key and nothing
  wider. Bookings for different providers or days never contend.

CONTRACT:
  Acquire blocks for at most timeout. On timeout it returns
  *errs.LockTimeoutError (retryable). It never queues silently past the
  bound. The returned Unlock is idempotent.

MULTIPLE KEYS:
  AcquireAll takes keys in sorted order so two callers locking the same
  pair (a reschedule across days) can't deadlock.

IMPLEMENTATIONS:
  - Local: in-process, one channel-semaphore per live key
  - Redis: SET NX PX with a token, released by a compare-and-delete script
*/
package keylock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/vitalslot/booking-engine/errs"
)

// DefaultTimeout applies when a caller passes a non-positive timeout.
const DefaultTimeout = 3 * time.Second

// Unlock releases a held key.
type Unlock func()

type Locker interface {
	Acquire(ctx context.Context, key string, timeout time.Duration) (Unlock, error)
}

// AcquireAll locks every distinct key in sorted order. If any key times out,
// the ones already held are released before returning.
func AcquireAll(ctx context.Context, l Locker, keys []string, timeout time.Duration) (Unlock, error) {
	sorted := dedupe(keys)
	held := make([]Unlock, 0, len(sorted))
	releaseAll := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i]()
		}
	}

	for _, k := range sorted {
		unlock, err := l.Acquire(ctx, k, timeout)
		if err != nil {
			releaseAll()
			return nil, err
		}
		held = append(held, unlock)
	}
	return once(releaseAll), nil
}

func dedupe(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func once(fn func()) Unlock {
	var o sync.Once
	return func() { o.Do(fn) }
}

// =============================================================================
// LOCAL - In-process keyed semaphore
// =============================================================================

// Local holds one semaphore per key while anyone holds or waits on it.
// Entries are reference counted and dropped when the last waiter leaves.
type Local struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  chan struct{}
	refs int
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*entry)}
}

func (l *Local) Acquire(ctx context.Context, key string, timeout time.Duration) (Unlock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	e := l.ref(key)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.sem <- struct{}{}:
		return once(func() {
			<-e.sem
			l.unref(key, e)
		}), nil
	case <-timer.C:
		l.unref(key, e)
		return nil, &errs.LockTimeoutError{Key: key, Waited: timeout}
	case <-ctx.Done():
		l.unref(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys are currently held or awaited.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Local) ref(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *Local) unref(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}
