// Package audit defines the tamper-evident ledger's domain model. Entries are
// hash-chained: each entry's stored hash covers its own canonical fields plus
// the previous entry's hash, so any retroactive edit breaks the chain from
// that point forward.
package audit

import (
	"time"

	"github.com/google/uuid"

	dErrors "vigil/pkg/domain-errors"
)

// EventType classifies ledger entries by the kind of activity they record.
type EventType string

const (
	EventTypeAuthentication EventType = "authentication"
	EventTypeAuthorization  EventType = "authorization"
	EventTypeDataChange     EventType = "data_change"
	EventTypeDataAccess     EventType = "data_access"
	EventTypeSecurity       EventType = "security"
	EventTypeSystem         EventType = "system"
)

// IsValid checks if the event type is one of the supported enum values.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeAuthentication, EventTypeAuthorization, EventTypeDataChange,
		EventTypeDataAccess, EventTypeSecurity, EventTypeSystem:
		return true
	}
	return false
}

// Action identifies the specific operation an entry records.
type Action string

const (
	ActionLoginSuccess           Action = "login_success"
	ActionLoginFailed            Action = "login_failed"
	ActionLogout                 Action = "logout"
	ActionTokenIssued            Action = "token_issued"
	ActionTokenRefresh           Action = "token_refresh"
	ActionTokenReuseDetected     Action = "token_reuse_detected"
	ActionTokenFamilyRevoked     Action = "token_family_revoked"
	ActionPasswordResetRequested Action = "password_reset_requested"
	ActionPasswordResetCompleted Action = "password_reset_completed"
	ActionAccountLocked          Action = "account_locked"
	ActionAccountUnlocked        Action = "account_unlocked"
	ActionDataCreated            Action = "data_created"
	ActionDataUpdated            Action = "data_updated"
	ActionDataDeleted            Action = "data_deleted"
	ActionDataRead               Action = "data_read"
	ActionPartitionArchived      Action = "partition_archived"
	ActionPartitionPurged        Action = "partition_purged"
	ActionIntegrityCheckFailed   Action = "integrity_check_failed"
)

// ActorContext identifies who performed an operation. It is passed explicitly
// into every core operation rather than read from ambient request state, which
// keeps services testable without transport scaffolding.
type ActorContext struct {
	UserID    *uuid.UUID
	Username  string
	OrgID     *uuid.UUID
	IPAddress string
}

// SystemActor is the actor recorded for scheduled and internal operations.
func SystemActor() ActorContext {
	return ActorContext{Username: "system"}
}

// LedgerEntry is one immutable record in the audit ledger. SequenceNumber is
// assigned at append time, strictly increasing and gapless; Hash links the
// entry to its predecessor.
type LedgerEntry struct {
	SequenceNumber int64     `json:"sequence_number"`
	EventID        uuid.UUID `json:"event_id"`
	OccurredAt     time.Time `json:"occurred_at"`
	Hash           string    `json:"hash"`

	UserID    *uuid.UUID `json:"user_id,omitempty"`
	Username  string     `json:"username,omitempty"`
	OrgID     *uuid.UUID `json:"org_id,omitempty"`
	IPAddress string     `json:"ip_address,omitempty"`

	EventType  EventType `json:"event_type"`
	Action     Action    `json:"action"`
	EntityType string    `json:"entity_type,omitempty"`
	EntityID   string    `json:"entity_id,omitempty"`
	Changes    string    `json:"changes,omitempty"` // JSON old/new snapshot for data-change entries

	Success       bool   `json:"success"`
	FailureReason string `json:"failure_reason,omitempty"`
}

// NewEntry builds an unsequenced ledger entry from an actor and event facts.
// Sequence number and hash are assigned by the ledger at append time.
func NewEntry(actor ActorContext, eventType EventType, action Action) (*LedgerEntry, error) {
	if !eventType.IsValid() {
		return nil, dErrors.Newf(dErrors.CodeValidation, "invalid event type %q", eventType)
	}
	if action == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "action is required")
	}
	return &LedgerEntry{
		EventID:   uuid.New(),
		UserID:    actor.UserID,
		Username:  actor.Username,
		OrgID:     actor.OrgID,
		IPAddress: actor.IPAddress,
		EventType: eventType,
		Action:    action,
		Success:   true,
	}, nil
}

// PartitionBoundary returns the first day of the entry's month in UTC, the
// unit of archive and purge operations.
func (e *LedgerEntry) PartitionBoundary() time.Time {
	occurred := e.OccurredAt.UTC()
	return time.Date(occurred.Year(), occurred.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// EntryFilter narrows ledger queries. Zero-valued fields are ignored.
type EntryFilter struct {
	UserID     *uuid.UUID
	EventType  *EventType
	Action     *Action
	EntityType string
	EntityID   string
	Success    *bool
	From       *time.Time
	To         *time.Time
	Page       int
	PageSize   int
}

// MaxPageSize caps paginated ledger queries.
const MaxPageSize = 100

// Normalize clamps pagination values into their supported ranges.
func (f *EntryFilter) Normalize() {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 || f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
}

// PagedResult is one page of ledger entries plus the total match count.
type PagedResult struct {
	Entries    []LedgerEntry
	TotalCount int64
	Page       int
	PageSize   int
}

// VerificationFailure distinguishes how chain verification failed.
type VerificationFailure string

const (
	FailureSequenceGap  VerificationFailure = "sequence_gap"
	FailureHashMismatch VerificationFailure = "hash_mismatch"
)

// VerificationResult reports the outcome of a chain integrity walk. When the
// chain is broken, FirstBadSequence names the exact entry where verification
// first failed.
type VerificationResult struct {
	Valid            bool
	EntriesChecked   int64
	FirstBadSequence *int64
	Failure          VerificationFailure
	Detail           string
}

// LedgerDigest is an opaque snapshot of the chain's current state, captured
// into archive manifests for cross-verification.
type LedgerDigest struct {
	LastSequenceNumber int64
	LastHash           string
	EntryCount         int64
	Digest             string
	ComputedAt         time.Time
}
