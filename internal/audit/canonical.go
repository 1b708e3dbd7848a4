package audit

import (
	"github.com/google/uuid"

	"vigil/internal/audit/hashchain"
)

// Canonical returns the exact field set covered by the entry's hash.
func (e *LedgerEntry) Canonical() hashchain.CanonicalFields {
	return hashchain.CanonicalFields{
		SequenceNumber: e.SequenceNumber,
		EventID:        e.EventID.String(),
		OccurredAt:     e.OccurredAt,
		UserID:         uuidString(e.UserID),
		Username:       e.Username,
		OrgID:          uuidString(e.OrgID),
		IPAddress:      e.IPAddress,
		EventType:      string(e.EventType),
		Action:         string(e.Action),
		EntityType:     e.EntityType,
		EntityID:       e.EntityID,
		Changes:        e.Changes,
		Success:        e.Success,
		FailureReason:  e.FailureReason,
	}
}

// ComputeHash links the entry to its predecessor's stored hash.
func (e *LedgerEntry) ComputeHash(previousHash string) string {
	return hashchain.Compute(previousHash, e.Canonical())
}

func uuidString(id *uuid.UUID) string {
	if id == nil {
		return ""
	}
	return id.String()
}
