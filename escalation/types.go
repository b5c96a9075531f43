package escalation

import (
	"context"
	"time"

	"github.com/vitalslot/booking-engine/deadline"
	"github.com/vitalslot/booking-engine/errs"
)

// =============================================================================
// TRACKED ENTITIES - Status records pushed by collaborators
// =============================================================================

// Entity is the status snapshot of something with a deadline: a lab order,
// a delivery order, a consultation. Collaborators own the record; we keep
// only what classification and escalation need.
type Entity struct {
	Type            string
	ID              string
	Status          string
	StatusEnteredAt time.Time
	SubjectID       string
	ResponsibleID   string

	// Closed is set when Status is terminal for Type. Closed entities drop
	// out of scans.
	Closed    bool
	UpdatedAt time.Time
}

func (e Entity) Validate() error {
	if e.Type == "" {
		return errs.Invalid("entity_type", "is required")
	}
	if e.ID == "" {
		return errs.Invalid("entity_id", "is required")
	}
	if e.Status == "" {
		return errs.Invalid("status", "is required")
	}
	if e.StatusEnteredAt.IsZero() {
		return errs.Invalid("status_entered_at", "is required")
	}
	return nil
}

type EntityStore interface {
	UpsertEntity(ctx context.Context, e Entity) error
	GetEntity(ctx context.Context, entityType, id string) (*Entity, error)
	// ListOpenEntities returns entities of entityType that are not Closed.
	ListOpenEntities(ctx context.Context, entityType string) ([]Entity, error)
}

// =============================================================================
// PARTIES - Identity directory used to decorate escalations
// =============================================================================

type Party struct {
	ID          string
	DisplayName string
	Contact     string
	Role        string
}

// Directory resolves party ids. Unknown ids are simply absent from the map.
type Directory interface {
	LookupParties(ctx context.Context, ids []string) (map[string]Party, error)
}

type PartyStore interface {
	Directory
	UpsertParty(ctx context.Context, p Party) error
}

// =============================================================================
// FLAGS - The only thing escalation writes
// =============================================================================

// Flag records that an entity's stage was announced at a tier, so the
// scheduler notifies each (entity, status, tier) once.
type Flag struct {
	EntityType string
	EntityID   string
	Status     string
	Level      deadline.Level
	RaisedAt   time.Time
}

type FlagStore interface {
	// RaiseFlag stores f and reports whether it was new.
	RaiseFlag(ctx context.Context, f Flag) (bool, error)
	ListFlags(ctx context.Context, entityType, entityID string) ([]Flag, error)
}
