package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"vigil/internal/lockout"
	lockoutstore "vigil/internal/lockout/store/lockout"
	"vigil/internal/lockout/store/loginattempt"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	lockouts *lockoutstore.InMemoryLockoutStore
	attempts *loginattempt.InMemoryAttemptStore
	service  *Service
	now      time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.lockouts = lockoutstore.New()
	s.attempts = loginattempt.New()
	s.now = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)

	svc, err := New(s.lockouts, s.attempts)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) failN(userID uuid.UUID, n int, at time.Time) bool {
	locked := false
	for i := 0; i < n; i++ {
		wasLocked, err := s.service.RecordFailedAttempt(s.ctxAt(at), Attempt{
			UserID:        userID,
			Username:      "alice",
			IPAddress:     "203.0.113.7",
			FailureReason: "invalid password",
		})
		s.Require().NoError(err)
		locked = wasLocked
	}
	return locked
}

func (s *ServiceSuite) TestThresholdLocksForBaseDuration() {
	userID := uuid.New()

	s.False(s.failN(userID, 4, s.now), "below threshold must not lock")

	locked, err := s.service.IsAccountLockedOut(s.ctxAt(s.now), userID)
	s.Require().NoError(err)
	s.False(locked)

	s.True(s.failN(userID, 1, s.now), "fifth failure locks the account")

	record, err := s.lockouts.Get(context.Background(), userID)
	s.Require().NoError(err)
	s.Require().NotNil(record.LockedUntil)
	s.Equal(s.now.Add(5*time.Minute), *record.LockedUntil)
	s.Equal(lockout.LockReasonFailedAttempts, record.LockReason)
	s.Equal(0, record.FailedAttemptCount, "count restarts for the next window")

	locked, err = s.service.IsAccountLockedOut(s.ctxAt(s.now.Add(time.Minute)), userID)
	s.Require().NoError(err)
	s.True(locked)
}

func (s *ServiceSuite) TestEscalationDoublesAndCaps() {
	userID := uuid.New()
	at := s.now

	expected := []time.Duration{
		5 * time.Minute,
		10 * time.Minute,
		20 * time.Minute,
		40 * time.Minute,
		60 * time.Minute, // capped: 80 would exceed the maximum
		60 * time.Minute,
	}
	for i, want := range expected {
		s.True(s.failN(userID, 5, at), "round %d should lock", i)

		record, err := s.lockouts.Get(context.Background(), userID)
		s.Require().NoError(err)
		s.Require().NotNil(record.LockedUntil)
		s.Equal(at.Add(want), *record.LockedUntil, "round %d duration", i)

		// next round starts right after this lock expires
		at = record.LockedUntil.Add(time.Second)
	}
}

func (s *ServiceSuite) TestEscalationAgesOutAfterQuietPeriod() {
	userID := uuid.New()

	s.True(s.failN(userID, 5, s.now))
	s.True(s.failN(userID, 5, s.now.Add(6*time.Minute)))

	record, err := s.lockouts.Get(context.Background(), userID)
	s.Require().NoError(err)
	s.Equal(2, record.EscalationLevel)

	// over a day of quiet resets the escalation level
	later := s.now.Add(48 * time.Hour)
	s.True(s.failN(userID, 5, later))

	record, err = s.lockouts.Get(context.Background(), userID)
	s.Require().NoError(err)
	s.Require().NotNil(record.LockedUntil)
	s.Equal(later.Add(5*time.Minute), *record.LockedUntil, "backoff restarts at the base duration")
}

func (s *ServiceSuite) TestSuccessfulLoginResetsCount() {
	userID := uuid.New()

	s.failN(userID, 4, s.now)
	err := s.service.RecordSuccessfulLogin(s.ctxAt(s.now), Attempt{
		UserID:    userID,
		Username:  "alice",
		IPAddress: "203.0.113.7",
	})
	s.Require().NoError(err)

	record, err := s.lockouts.Get(context.Background(), userID)
	s.Require().NoError(err)
	s.Equal(0, record.FailedAttemptCount)

	// the counter starts over, four more failures stay under the threshold
	s.False(s.failN(userID, 4, s.now.Add(time.Minute)))
}

func (s *ServiceSuite) TestLazyUnlockPersists() {
	userID := uuid.New()

	s.True(s.failN(userID, 5, s.now))

	afterExpiry := s.now.Add(6 * time.Minute)
	record, err := s.service.GetAccountLockout(s.ctxAt(afterExpiry), userID)
	s.Require().NoError(err)
	s.Nil(record, "elapsed lock reads as no active lockout")

	stored, err := s.lockouts.Get(context.Background(), userID)
	s.Require().NoError(err)
	s.Nil(stored.LockedUntil, "the unlock is persisted, not just computed")

	locked, err := s.service.IsAccountLockedOut(s.ctxAt(afterExpiry), userID)
	s.Require().NoError(err)
	s.False(locked)
}

func (s *ServiceSuite) TestManualLockSurvivesSuccessfulLogin() {
	userID := uuid.New()
	adminID := uuid.New()

	err := s.service.LockAccount(s.ctxAt(s.now), userID, nil, "compromised credentials", adminID)
	s.Require().NoError(err)

	err = s.service.RecordSuccessfulLogin(s.ctxAt(s.now.Add(time.Minute)), Attempt{
		UserID:    userID,
		Username:  "alice",
		IPAddress: "203.0.113.7",
	})
	s.Require().NoError(err)

	locked, err := s.service.IsAccountLockedOut(s.ctxAt(s.now.Add(2*time.Minute)), userID)
	s.Require().NoError(err)
	s.True(locked, "manual locks require an explicit administrative unlock")

	s.T().Run("indefinite lock never lazily expires", func(t *testing.T) {
		farFuture := s.now.Add(365 * 24 * time.Hour)
		locked, err := s.service.IsAccountLockedOut(s.ctxAt(farFuture), userID)
		require.NoError(t, err)
		assert.True(t, locked)
	})

	s.T().Run("explicit unlock clears it", func(t *testing.T) {
		err := s.service.UnlockAccount(s.ctxAt(s.now.Add(3*time.Minute)), userID, true, adminID)
		require.NoError(t, err)
		locked, err := s.service.IsAccountLockedOut(s.ctxAt(s.now.Add(4*time.Minute)), userID)
		require.NoError(t, err)
		assert.False(t, locked)
	})
}

func (s *ServiceSuite) TestTimedManualLockExpires() {
	userID := uuid.New()
	adminID := uuid.New()
	duration := 30 * time.Minute

	err := s.service.LockAccount(s.ctxAt(s.now), userID, &duration, lockout.LockReasonManual, adminID)
	s.Require().NoError(err)

	locked, err := s.service.IsAccountLockedOut(s.ctxAt(s.now.Add(29*time.Minute)), userID)
	s.Require().NoError(err)
	s.True(locked)

	locked, err = s.service.IsAccountLockedOut(s.ctxAt(s.now.Add(31*time.Minute)), userID)
	s.Require().NoError(err)
	s.False(locked)
}

func (s *ServiceSuite) TestProcessExpiredLockouts() {
	expired := uuid.New()
	active := uuid.New()
	manual := uuid.New()

	s.True(s.failN(expired, 5, s.now))
	s.True(s.failN(active, 5, s.now.Add(4*time.Minute)))
	err := s.service.LockAccount(s.ctxAt(s.now), manual, nil, lockout.LockReasonManual, uuid.New())
	s.Require().NoError(err)

	sweep := s.now.Add(6 * time.Minute)
	unlocked, err := s.service.ProcessExpiredLockouts(s.ctxAt(sweep))
	s.Require().NoError(err)
	s.Equal(1, unlocked, "only the elapsed automatic lock is swept")

	locked, err := s.service.IsAccountLockedOut(s.ctxAt(sweep), active)
	s.Require().NoError(err)
	s.True(locked)

	locked, err = s.service.IsAccountLockedOut(s.ctxAt(sweep), manual)
	s.Require().NoError(err)
	s.True(locked)
}

func (s *ServiceSuite) TestCleanupOldLoginAttempts() {
	userID := uuid.New()

	s.failN(userID, 3, s.now.Add(-40*24*time.Hour))
	s.failN(userID, 2, s.now)

	deleted, err := s.service.CleanupOldLoginAttempts(s.ctxAt(s.now), 30*24*time.Hour)
	s.Require().NoError(err)
	s.Equal(3, deleted)

	recent, err := s.service.GetRecentLoginAttempts(context.Background(), userID, 10)
	s.Require().NoError(err)
	s.Len(recent, 2)
}

func (s *ServiceSuite) TestLockoutDisabled() {
	svc, err := New(s.lockouts, s.attempts, WithConfig(Config{
		FailedAttemptThreshold: 5,
		BaseLockoutDuration:    5 * time.Minute,
		MaxLockoutDuration:     time.Hour,
		AttemptResetWindow:     24 * time.Hour,
		EnableAccountLockout:   false,
		TrackLoginAttempts:     true,
	}))
	s.Require().NoError(err)

	userID := uuid.New()
	for i := 0; i < 10; i++ {
		wasLocked, err := svc.RecordFailedAttempt(s.ctxAt(s.now), Attempt{UserID: userID, Username: "alice"})
		s.Require().NoError(err)
		s.False(wasLocked)
	}
	locked, err := svc.IsAccountLockedOut(s.ctxAt(s.now), userID)
	s.Require().NoError(err)
	s.False(locked)
}

func (s *ServiceSuite) TestValidation() {
	_, err := s.service.RecordFailedAttempt(s.ctxAt(s.now), Attempt{})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	err = s.service.UnlockAccount(s.ctxAt(s.now), uuid.New(), true, uuid.New())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}
