package refreshtoken

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/token"
	"vigil/pkg/platform/sentinel"
)

// Error Contract:
// All store methods follow this error pattern:
// - Return ErrNotFound when the requested token does not exist
// - Return nil for successful operations
// - Return wrapped sentinel errors for state facts (expired, already used)
// InMemoryTokenStore stores refresh tokens in memory for tests/dev.
type InMemoryTokenStore struct {
	mu     sync.Mutex
	tokens map[uuid.UUID]*token.RefreshToken
}

// New constructs an empty in-memory refresh token store.
func New() *InMemoryTokenStore {
	return &InMemoryTokenStore{tokens: make(map[uuid.UUID]*token.RefreshToken)}
}

func (s *InMemoryTokenStore) Create(_ context.Context, t *token.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tokens[t.ID]; exists {
		return fmt.Errorf("refresh token %s already exists: %w", t.ID, sentinel.ErrConflict)
	}
	stored := *t
	s.tokens[t.ID] = &stored
	return nil
}

func (s *InMemoryTokenStore) FindByID(_ context.Context, id uuid.UUID) (*token.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("refresh token not found: %w", sentinel.ErrNotFound)
	}
	copied := *record
	return &copied, nil
}

// Consume atomically validates and claims the token. Check claimed-state and
// mark claimed happen under one lock, so two concurrent rotations of the same
// token produce exactly one winner.
// IMPORTANT: Returns the record even on ErrAlreadyUsed to enable reuse
// detection (the caller needs the family id to revoke the lineage).
func (s *InMemoryTokenStore) Consume(_ context.Context, id uuid.UUID, claimedBy string, now time.Time) (*token.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[id]
	if !ok {
		return nil, fmt.Errorf("refresh token not found: %w", sentinel.ErrNotFound)
	}
	if err := record.ValidateForRotation(now); err != nil {
		copied := *record
		return &copied, translateRotationError(record, now, err)
	}
	record.MarkClaimed(claimedBy, now)
	copied := *record
	return &copied, nil
}

func translateRotationError(record *token.RefreshToken, now time.Time, err error) error {
	switch {
	case record.IsRevoked() || record.IsClaimed():
		return fmt.Errorf("%s: %w", err.Error(), sentinel.ErrAlreadyUsed)
	case record.IsExpired(now):
		return fmt.Errorf("%s: %w", err.Error(), sentinel.ErrExpired)
	default:
		return fmt.Errorf("%s: %w", err.Error(), sentinel.ErrInvalidState)
	}
}

// RevokeFamily revokes every token in the family and returns how many were
// newly revoked. Idempotent.
func (s *InMemoryTokenStore) RevokeFamily(_ context.Context, familyID uuid.UUID, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for _, record := range s.tokens {
		if record.TokenFamilyID != familyID || record.IsRevoked() {
			continue
		}
		record.Revoke(now)
		revoked++
	}
	return revoked, nil
}

// ListByFamily returns every token in a family, unordered.
func (s *InMemoryTokenStore) ListByFamily(_ context.Context, familyID uuid.UUID) ([]token.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []token.RefreshToken
	for _, record := range s.tokens {
		if record.TokenFamilyID == familyID {
			out = append(out, *record)
		}
	}
	return out, nil
}

// DeleteExpired removes all tokens past their expiry as of now.
func (s *InMemoryTokenStore) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for id, record := range s.tokens {
		if record.IsExpired(now) {
			delete(s.tokens, id)
			deleted++
		}
	}
	return deleted, nil
}
