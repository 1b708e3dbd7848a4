// Package hashchain computes the cryptographic link between successive ledger
// entries. Each entry's hash is SHA-256 over a canonical serialization of its
// fields concatenated with the previous entry's hash. The functions here are
// pure, which is what makes chain verification replayable.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// GenesisHash seeds the chain: the first entry's previous hash is the
// well-known all-zero digest.
var GenesisHash = hex.EncodeToString(make([]byte, sha256.Size))

// CanonicalFields is the exact set of entry fields covered by the hash.
// Field order and formatting are part of the chain contract and must never
// change for already-written entries.
type CanonicalFields struct {
	SequenceNumber int64
	EventID        string
	OccurredAt     time.Time
	UserID         string
	Username       string
	OrgID          string
	IPAddress      string
	EventType      string
	Action         string
	EntityType     string
	EntityID       string
	Changes        string
	Success        bool
	FailureReason  string
}

// Compute returns the hex-encoded SHA-256 hash linking an entry to its
// predecessor. Timestamps are serialized as RFC3339Nano in UTC so the result
// is independent of the writer's locale and zone.
func Compute(previousHash string, fields CanonicalFields) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%d|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s|%s",
		previousHash,
		fields.SequenceNumber,
		fields.EventID,
		fields.OccurredAt.UTC().Format(time.RFC3339Nano),
		fields.UserID,
		fields.Username,
		fields.OrgID,
		fields.IPAddress,
		fields.EventType,
		fields.Action,
		fields.EntityType,
		fields.EntityID,
		fields.Changes,
		strconv.FormatBool(fields.Success),
		fields.FailureReason,
	)
	return hex.EncodeToString(h.Sum(nil))
}
