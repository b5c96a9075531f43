/*
Package memory is an in-process implementation of every store interface.

PURPOSE:
  Tests and local development. Same contracts as store/sqlite and
  store/postgres, no external dependencies.

TRANSACTIONS:
  WithTx holds the write lock for the whole callback, so transactions are
  fully serialized. Writes go straight to the maps; an undo journal
  restores the touched reservations if the callback fails.

INTERFACES IMPLEMENTED:
  ledger.Store, availability.Store, escalation.EntityStore,
  escalation.PartyStore, escalation.FlagStore
*/
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/vitalslot/booking-engine/availability"
	"github.com/vitalslot/booking-engine/errs"
	"github.com/vitalslot/booking-engine/escalation"
	"github.com/vitalslot/booking-engine/ledger"
)

type Memory struct {
	mu           sync.RWMutex
	reservations map[string]ledger.Reservation
	rules        map[string][]availability.Rule
	entities     map[entityKey]escalation.Entity
	parties      map[string]escalation.Party
	flags        map[flagKey]escalation.Flag
}

type entityKey struct{ entityType, id string }

type flagKey struct {
	entityType, id, status string
	level                  string
}

func New() *Memory {
	return &Memory{
		reservations: make(map[string]ledger.Reservation),
		rules:        make(map[string][]availability.Rule),
		entities:     make(map[entityKey]escalation.Entity),
		parties:      make(map[string]escalation.Party),
		flags:        make(map[flagKey]escalation.Flag),
	}
}

// =============================================================================
// RESERVATIONS (ledger.Store)
// =============================================================================

func (m *Memory) Get(_ context.Context, id string) (*ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getLocked(id)
}

func (m *Memory) List(_ context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listLocked(f), nil
}

func (m *Memory) getLocked(id string) (*ledger.Reservation, error) {
	r, ok := m.reservations[id]
	if !ok {
		return nil, &errs.NotFoundError{Kind: "reservation", ID: id}
	}
	return &r, nil
}

func (m *Memory) listLocked(f ledger.Filter) []ledger.Reservation {
	out := []ledger.Reservation{}
	for _, r := range m.reservations {
		if f.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Date != b.Date {
			return a.Date.Before(b.Date)
		}
		if a.Start != b.Start {
			return a.Start < b.Start
		}
		return a.ID < b.ID
	})
	return out
}

// WithTx runs fn under the write lock and undoes its writes if it fails.
func (m *Memory) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &txView{parent: m, undo: make(map[string]*ledger.Reservation)}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

type txView struct {
	parent *Memory
	// undo holds the pre-transaction value of each touched id; nil means
	// the id didn't exist.
	undo map[string]*ledger.Reservation
}

func (tv *txView) Get(_ context.Context, id string) (*ledger.Reservation, error) {
	return tv.parent.getLocked(id)
}

func (tv *txView) List(_ context.Context, f ledger.Filter) ([]ledger.Reservation, error) {
	return tv.parent.listLocked(f), nil
}

// Lock is a no-op: the transaction already holds the store's write lock.
func (tv *txView) Lock(context.Context, string) error { return nil }

func (tv *txView) Insert(_ context.Context, r ledger.Reservation) error {
	if _, exists := tv.parent.reservations[r.ID]; exists {
		return errs.Invalid("id", "reservation %s already exists", r.ID)
	}
	tv.remember(r.ID)
	tv.parent.reservations[r.ID] = r
	return nil
}

func (tv *txView) Update(_ context.Context, r ledger.Reservation) error {
	if _, exists := tv.parent.reservations[r.ID]; !exists {
		return &errs.NotFoundError{Kind: "reservation", ID: r.ID}
	}
	tv.remember(r.ID)
	tv.parent.reservations[r.ID] = r
	return nil
}

func (tv *txView) remember(id string) {
	if _, seen := tv.undo[id]; seen {
		return
	}
	if prev, ok := tv.parent.reservations[id]; ok {
		tv.undo[id] = &prev
	} else {
		tv.undo[id] = nil
	}
}

func (tv *txView) rollback() {
	for id, prev := range tv.undo {
		if prev == nil {
			delete(tv.parent.reservations, id)
		} else {
			tv.parent.reservations[id] = *prev
		}
	}
}

// =============================================================================
// AVAILABILITY (availability.Store)
// =============================================================================

func (m *Memory) ReplaceRules(_ context.Context, providerID string, rules []availability.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[providerID] = append([]availability.Rule(nil), rules...)
	return nil
}

func (m *Memory) ListRules(_ context.Context, providerID string) ([]availability.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]availability.Rule{}, m.rules[providerID]...)
	availability.Sort(out)
	return out, nil
}

// =============================================================================
// TRACKED ENTITIES (escalation.EntityStore)
// =============================================================================

func (m *Memory) UpsertEntity(_ context.Context, e escalation.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entities[entityKey{e.Type, e.ID}] = e
	return nil
}

func (m *Memory) GetEntity(_ context.Context, entityType, id string) (*escalation.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[entityKey{entityType, id}]
	if !ok {
		return nil, &errs.NotFoundError{Kind: entityType, ID: id}
	}
	return &e, nil
}

func (m *Memory) ListOpenEntities(_ context.Context, entityType string) ([]escalation.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []escalation.Entity{}
	for k, e := range m.entities {
		if k.entityType == entityType && !e.Closed {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// =============================================================================
// PARTIES (escalation.PartyStore)
// =============================================================================

func (m *Memory) UpsertParty(_ context.Context, p escalation.Party) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parties[p.ID] = p
	return nil
}

func (m *Memory) LookupParties(_ context.Context, ids []string) (map[string]escalation.Party, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]escalation.Party, len(ids))
	for _, id := range ids {
		if p, ok := m.parties[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// =============================================================================
// ESCALATION FLAGS (escalation.FlagStore)
// =============================================================================

func (m *Memory) RaiseFlag(_ context.Context, f escalation.Flag) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := flagKey{f.EntityType, f.EntityID, f.Status, string(f.Level)}
	if _, exists := m.flags[k]; exists {
		return false, nil
	}
	m.flags[k] = f
	return true, nil
}

func (m *Memory) ListFlags(_ context.Context, entityType, entityID string) ([]escalation.Flag, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []escalation.Flag
	for k, f := range m.flags {
		if k.entityType == entityType && k.id == entityID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RaisedAt.Before(out[j].RaisedAt) })
	return out, nil
}

// Reset clears everything. Used by demo scenario loading.
func (m *Memory) Reset(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reservations = make(map[string]ledger.Reservation)
	m.rules = make(map[string][]availability.Rule)
	m.entities = make(map[entityKey]escalation.Entity)
	m.parties = make(map[string]escalation.Party)
	m.flags = make(map[flagKey]escalation.Flag)
	return nil
}
