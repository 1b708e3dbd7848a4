// Package lockoutstore persists per-user account lockout records.
package lockoutstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"vigil/internal/lockout"
	"vigil/pkg/platform/sentinel"
)

// InMemoryLockoutStore is the test and single-node implementation.
type InMemoryLockoutStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]*lockout.AccountLockout
}

func New() *InMemoryLockoutStore {
	return &InMemoryLockoutStore{records: make(map[uuid.UUID]*lockout.AccountLockout)}
}

func (s *InMemoryLockoutStore) Get(_ context.Context, userID uuid.UUID) (*lockout.AccountLockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		return nil, fmt.Errorf("account lockout not found: %w", sentinel.ErrNotFound)
	}
	copied := *record
	return &copied, nil
}

// RecordFailure atomically get-or-creates the record and increments its
// failed attempt count. Two concurrent failures never under-count.
func (s *InMemoryLockoutStore) RecordFailure(_ context.Context, userID uuid.UUID, now time.Time) (*lockout.AccountLockout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[userID]
	if !ok {
		record = &lockout.AccountLockout{UserID: userID}
		s.records[userID] = record
	}
	record.FailedAttemptCount++
	record.LastFailedAttemptAt = &now
	record.UpdatedAt = now

	copied := *record
	return &copied, nil
}

func (s *InMemoryLockoutStore) Update(_ context.Context, record *lockout.AccountLockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.UserID]; !ok {
		return fmt.Errorf("account lockout not found: %w", sentinel.ErrNotFound)
	}
	copied := *record
	s.records[record.UserID] = &copied
	return nil
}

// Upsert writes the record whether or not it exists, used by manual locks on
// accounts with no prior failures.
func (s *InMemoryLockoutStore) Upsert(_ context.Context, record *lockout.AccountLockout) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *record
	s.records[record.UserID] = &copied
	return nil
}

// UnlockExpired clears every elapsed automatic lock. Manual locks, including
// indefinite ones, are untouched.
func (s *InMemoryLockoutStore) UnlockExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlocked := 0
	for _, record := range s.records {
		if record.LockedByUserID != nil {
			continue
		}
		if record.LockedUntil != nil && !now.Before(*record.LockedUntil) {
			record.LockedUntil = nil
			record.LockReason = ""
			record.UpdatedAt = now
			unlocked++
		}
	}
	return unlocked, nil
}
