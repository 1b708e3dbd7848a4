// Package capture turns entity change notifications into data-change ledger
// entries. Any persistence layer calls it around its commit boundary, which
// keeps audit capture decoupled from ORM interception hooks.
package capture

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vigil/internal/audit"
	"vigil/internal/audit/recorder"
)

// EntityChange describes one entity mutation observed by a persistence layer.
// Old is nil for creations, New is nil for deletions.
type EntityChange struct {
	EntityType string
	EntityID   string
	Old        any
	New        any
}

// Service records entity changes into the audit ledger.
type Service struct {
	recorder recorder.Recorder
}

func New(rec recorder.Recorder) (*Service, error) {
	if rec == nil {
		return nil, errors.New("capture recorder is required")
	}
	return &Service{recorder: rec}, nil
}

// Captured records one entity change attributed to the given actor. The old
// and new snapshots are serialized into the entry's changes payload so the
// diff is reconstructable from the ledger alone.
func (s *Service) Captured(ctx context.Context, actor audit.ActorContext, change EntityChange) error {
	if change.EntityType == "" || change.EntityID == "" {
		return fmt.Errorf("entity type and id are required")
	}

	entry, err := audit.NewEntry(actor, audit.EventTypeDataChange, actionFor(change))
	if err != nil {
		return err
	}
	entry.EntityType = change.EntityType
	entry.EntityID = change.EntityID

	payload, err := json.Marshal(struct {
		Old any `json:"old,omitempty"`
		New any `json:"new,omitempty"`
	}{Old: change.Old, New: change.New})
	if err != nil {
		return fmt.Errorf("marshal change payload: %w", err)
	}
	entry.Changes = string(payload)

	return s.recorder.Record(ctx, entry)
}

func actionFor(change EntityChange) audit.Action {
	switch {
	case change.Old == nil:
		return audit.ActionDataCreated
	case change.New == nil:
		return audit.ActionDataDeleted
	default:
		return audit.ActionDataUpdated
	}
}
