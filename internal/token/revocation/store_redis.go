// Package revocation maintains the distributed family revocation list.
// Rotation reuse triggers family revocation in the primary store; the list
// here lets every instance reject access tokens minted for a revoked family
// without a database round trip.
package revocation

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// FamilyRevocationList answers whether a token family has been revoked.
type FamilyRevocationList interface {
	RevokeFamily(ctx context.Context, familyID uuid.UUID, ttl time.Duration) error
	IsFamilyRevoked(ctx context.Context, familyID uuid.UUID) (bool, error)
}

const revokedFamilyKeyPrefix = "frl:family:"

// RedisFRL is a Redis-backed family revocation list. This is the
// production implementation for distributed deployments where multiple
// instances need to share revocation state.
type RedisFRL struct {
	client *redis.Client
}

// NewRedisFRL constructs a Redis-backed family revocation list.
func NewRedisFRL(client *redis.Client) *RedisFRL {
	return &RedisFRL{client: client}
}

// RevokeFamily marks a family as revoked with TTL matching the longest
// outstanding token lifetime in the family.
func (r *RedisFRL) RevokeFamily(ctx context.Context, familyID uuid.UUID, ttl time.Duration) error {
	if familyID == uuid.Nil {
		return nil
	}
	key := revokedFamilyKeyPrefix + familyID.String()
	// Store "1" as a simple marker; the key existence is what matters
	return r.client.Set(ctx, key, "1", ttl).Err()
}

// IsFamilyRevoked checks the revocation list. A missing key means the family
// is not revoked, or every token in it has already expired.
func (r *RedisFRL) IsFamilyRevoked(ctx context.Context, familyID uuid.UUID) (bool, error) {
	if familyID == uuid.Nil {
		return false, nil
	}
	key := revokedFamilyKeyPrefix + familyID.String()
	_, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// NopFRL is a no-op revocation list for single-instance deployments where
// the primary store is the only source of truth.
type NopFRL struct{}

func (NopFRL) RevokeFamily(context.Context, uuid.UUID, time.Duration) error { return nil }

func (NopFRL) IsFamilyRevoked(context.Context, uuid.UUID) (bool, error) { return false, nil }
