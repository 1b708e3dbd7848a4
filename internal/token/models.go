// Package token implements refresh-token rotation with reuse detection.
// Tokens descend from one original issuance in a family; presenting an
// already-claimed or revoked token is treated as theft and revokes the
// entire family.
package token

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// secretBytes sizes the opaque token secret (32 bytes, base64url encoded).
const secretBytes = 32

// RefreshToken is one link in a rotation chain. A token is usable for
// rotation at most once: ClaimedBy is set on the successful exchange, and any
// later presentation of the same token is a reuse event.
type RefreshToken struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Secret        string
	TokenFamilyID uuid.UUID
	CreatedAt     time.Time
	CreatedByIP   string
	ExpiresAt     time.Time
	ClaimedBy     *string
	ClaimedAt     *time.Time
	RevokedAt     *time.Time
}

// NewRefreshToken mints a token for a user within the given family. Pass
// uuid.Nil as familyID on first issuance to start a new family.
func NewRefreshToken(userID uuid.UUID, familyID uuid.UUID, ip string, now time.Time, ttl time.Duration) (*RefreshToken, error) {
	secret, err := newSecret()
	if err != nil {
		return nil, err
	}
	if familyID == uuid.Nil {
		familyID = uuid.New()
	}
	return &RefreshToken{
		ID:            uuid.New(),
		UserID:        userID,
		Secret:        secret,
		TokenFamilyID: familyID,
		CreatedAt:     now.UTC(),
		CreatedByIP:   ip,
		ExpiresAt:     now.UTC().Add(ttl),
	}, nil
}

func newSecret() (string, error) {
	raw := make([]byte, secretBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate token secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func (t *RefreshToken) IsExpired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && t.ExpiresAt.Before(now)
}

func (t *RefreshToken) IsClaimed() bool { return t.ClaimedBy != nil }

func (t *RefreshToken) IsRevoked() bool { return t.RevokedAt != nil }

// ValidateForRotation checks whether the token can be exchanged at the given
// instant. Order matters for callers: claimed/revoked is reported before
// expiry because a re-presented token is a reuse signal regardless of age.
func (t *RefreshToken) ValidateForRotation(now time.Time) error {
	if t.IsRevoked() {
		return fmt.Errorf("refresh token revoked at %s: already used", t.RevokedAt.Format(time.RFC3339))
	}
	if t.IsClaimed() {
		return fmt.Errorf("refresh token already used by %s", *t.ClaimedBy)
	}
	if t.IsExpired(now) {
		return fmt.Errorf("refresh token expired at %s", t.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// MarkClaimed records the successful exchange of this token.
func (t *RefreshToken) MarkClaimed(claimedBy string, now time.Time) {
	now = now.UTC()
	t.ClaimedBy = &claimedBy
	t.ClaimedAt = &now
}

// Revoke marks the token revoked. Idempotent.
func (t *RefreshToken) Revoke(now time.Time) {
	if t.RevokedAt != nil {
		return
	}
	now = now.UTC()
	t.RevokedAt = &now
}
