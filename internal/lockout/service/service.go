// Package service implements the account lockout policy: failed attempt
// counting, exponential lockout escalation, administrative locks, and
// retention cleanup of the attempt history.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"vigil/internal/audit"
	"vigil/internal/audit/publisher"
	"vigil/internal/audit/recorder"
	"vigil/internal/lockout"
	"vigil/internal/lockout/metrics"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// LockoutStore persists per-user lockout records. RecordFailure must be
// atomic so concurrent failed attempts never under-count.
type LockoutStore interface {
	Get(ctx context.Context, userID uuid.UUID) (*lockout.AccountLockout, error)
	RecordFailure(ctx context.Context, userID uuid.UUID, now time.Time) (*lockout.AccountLockout, error)
	Update(ctx context.Context, record *lockout.AccountLockout) error
	Upsert(ctx context.Context, record *lockout.AccountLockout) error
	UnlockExpired(ctx context.Context, now time.Time) (int, error)
}

// AttemptStore persists the append-only login attempt history.
type AttemptStore interface {
	Create(ctx context.Context, attempt *lockout.LoginAttempt) error
	ListByUser(ctx context.Context, userID uuid.UUID, limit int) ([]lockout.LoginAttempt, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// Config carries the lockout policy knobs.
type Config struct {
	FailedAttemptThreshold int
	BaseLockoutDuration    time.Duration
	MaxLockoutDuration     time.Duration
	AttemptResetWindow     time.Duration
	EnableAccountLockout   bool
	TrackLoginAttempts     bool
}

// DefaultConfig returns production defaults: five attempts lock for five
// minutes, doubling per repeat up to one hour.
func DefaultConfig() Config {
	return Config{
		FailedAttemptThreshold: 5,
		BaseLockoutDuration:    5 * time.Minute,
		MaxLockoutDuration:     60 * time.Minute,
		AttemptResetWindow:     24 * time.Hour,
		EnableAccountLockout:   true,
		TrackLoginAttempts:     true,
	}
}

// Attempt describes one login attempt being reported to the policy.
type Attempt struct {
	UserID        uuid.UUID
	Username      string
	IPAddress     string
	UserAgent     string
	FailureReason string
}

type Service struct {
	lockouts LockoutStore
	attempts AttemptStore
	recorder recorder.Recorder
	security publisher.SecurityPublisher
	metrics  *metrics.Metrics
	logger   *slog.Logger
	config   Config
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithConfig(cfg Config) Option {
	return func(s *Service) { s.config = cfg }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSecurityPublisher(p publisher.SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithRecorder(r recorder.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func New(lockouts LockoutStore, attempts AttemptStore, opts ...Option) (*Service, error) {
	if lockouts == nil {
		return nil, errors.New("lockout store is required")
	}
	if attempts == nil {
		return nil, errors.New("login attempt store is required")
	}
	s := &Service{
		lockouts: lockouts,
		attempts: attempts,
		security: publisher.Nop{},
		logger:   slog.Default(),
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.config.FailedAttemptThreshold <= 0 {
		return nil, errors.New("failed attempt threshold must be positive")
	}
	if s.config.BaseLockoutDuration <= 0 || s.config.MaxLockoutDuration < s.config.BaseLockoutDuration {
		return nil, errors.New("lockout durations are inconsistent")
	}
	return s, nil
}

// RecordFailedAttempt reports a failed login. Returns true when this attempt
// locked the account.
func (s *Service) RecordFailedAttempt(ctx context.Context, attempt Attempt) (bool, error) {
	if attempt.UserID == uuid.Nil {
		return false, dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	now := requestcontext.Now(ctx)

	s.trackAttempt(ctx, attempt, false, now)
	if s.metrics != nil {
		s.metrics.FailedAttempts.Inc()
	}
	s.auditLogin(ctx, attempt, audit.ActionLoginFailed, false, attempt.FailureReason)

	if !s.config.EnableAccountLockout {
		return false, nil
	}

	record, err := s.lockouts.RecordFailure(ctx, attempt.UserID, now)
	if err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "record failed attempt")
	}

	if record.IsLockedAt(now) || record.FailedAttemptCount < s.config.FailedAttemptThreshold {
		return false, nil
	}

	duration := record.ApplyAutomaticLock(
		s.config.BaseLockoutDuration,
		s.config.MaxLockoutDuration,
		s.config.AttemptResetWindow,
		now,
	)
	record.FailedAttemptCount = 0
	if err := s.lockouts.Update(ctx, record); err != nil {
		return false, dErrors.Wrap(err, dErrors.CodeInternal, "persist account lock")
	}

	s.logger.WarnContext(ctx, "account locked after repeated failures",
		"user_id", attempt.UserID,
		"locked_until", record.LockedUntil,
		"escalation_level", record.EscalationLevel,
	)
	if s.metrics != nil {
		s.metrics.AccountsLocked.WithLabelValues("automatic").Inc()
	}
	s.auditLock(ctx, attempt.UserID, attempt.IPAddress, audit.ActionAccountLocked,
		fmt.Sprintf(`{"duration_seconds":%d,"reason":"%s"}`, int(duration.Seconds()), lockout.LockReasonFailedAttempts))
	s.security.Publish(ctx, publisher.SecurityEvent{
		Timestamp: now,
		Subject:   attempt.UserID.String(),
		Action:    string(audit.ActionAccountLocked),
		Reason:    string(lockout.LockReasonFailedAttempts),
		IP:        attempt.IPAddress,
		Severity:  publisher.SeverityWarning,
	})
	return true, nil
}

// RecordSuccessfulLogin resets the failure count and clears automatic locks.
// Manual locks survive and still require an administrative unlock.
func (s *Service) RecordSuccessfulLogin(ctx context.Context, attempt Attempt) error {
	if attempt.UserID == uuid.Nil {
		return dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	now := requestcontext.Now(ctx)

	s.trackAttempt(ctx, attempt, true, now)
	s.auditLogin(ctx, attempt, audit.ActionLoginSuccess, true, "")

	record, err := s.lockouts.Get(ctx, attempt.UserID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "load account lockout")
	}

	wasLocked := record.IsLockedAt(now) && !record.IsManual()
	record.ResetOnSuccess(now)
	if err := s.lockouts.Update(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "reset account lockout")
	}
	if wasLocked && s.metrics != nil {
		s.metrics.AccountsUnlocked.WithLabelValues("login").Inc()
	}
	return nil
}

// IsAccountLockedOut reports whether the user is currently locked out.
func (s *Service) IsAccountLockedOut(ctx context.Context, userID uuid.UUID) (bool, error) {
	record, err := s.GetAccountLockout(ctx, userID)
	if err != nil {
		return false, err
	}
	return record != nil && record.IsLockedAt(requestcontext.Now(ctx)), nil
}

// GetAccountLockout returns the active lockout record, lazily persisting the
// unlock when the lock has elapsed. Returns nil when no active state exists.
func (s *Service) GetAccountLockout(ctx context.Context, userID uuid.UUID) (*lockout.AccountLockout, error) {
	record, err := s.lockouts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load account lockout")
	}

	now := requestcontext.Now(ctx)
	if record.LockedUntil != nil && !now.Before(*record.LockedUntil) {
		record.ClearLock(false, now)
		if err := s.lockouts.Update(ctx, record); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist lazy unlock")
		}
		if s.metrics != nil {
			s.metrics.AccountsUnlocked.WithLabelValues("lazy").Inc()
		}
		return nil, nil
	}
	return record, nil
}

// LockAccount places an administrative lock. A nil duration locks the account
// until an explicit unlock.
func (s *Service) LockAccount(ctx context.Context, userID uuid.UUID, duration *time.Duration, reason lockout.LockReason, lockedBy uuid.UUID) error {
	if userID == uuid.Nil || lockedBy == uuid.Nil {
		return dErrors.New(dErrors.CodeValidation, "user id and locking admin id are required")
	}
	now := requestcontext.Now(ctx)

	record, err := s.lockouts.Get(ctx, userID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "load account lockout")
		}
		record = &lockout.AccountLockout{UserID: userID}
	}
	record.ApplyManualLock(duration, reason, lockedBy, now)
	if err := s.lockouts.Upsert(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist manual lock")
	}

	if s.metrics != nil {
		s.metrics.AccountsLocked.WithLabelValues("manual").Inc()
	}
	s.auditAdmin(ctx, userID, lockedBy, audit.ActionAccountLocked,
		fmt.Sprintf(`{"reason":"%s"}`, record.LockReason))
	return nil
}

// UnlockAccount removes any lock. resetFailedAttempts also forgives the
// accumulated failure count.
func (s *Service) UnlockAccount(ctx context.Context, userID uuid.UUID, resetFailedAttempts bool, unlockedBy uuid.UUID) error {
	if userID == uuid.Nil {
		return dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	now := requestcontext.Now(ctx)

	record, err := s.lockouts.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return dErrors.New(dErrors.CodeNotFound, "account has no lockout record")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "load account lockout")
	}
	record.ClearLock(resetFailedAttempts, now)
	if err := s.lockouts.Update(ctx, record); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "persist unlock")
	}

	if s.metrics != nil {
		s.metrics.AccountsUnlocked.WithLabelValues("manual").Inc()
	}
	s.auditAdmin(ctx, userID, unlockedBy, audit.ActionAccountUnlocked,
		fmt.Sprintf(`{"reset_failed_attempts":%t}`, resetFailedAttempts))
	return nil
}

// ProcessExpiredLockouts unlocks every account whose automatic lock has
// elapsed. Run periodically.
func (s *Service) ProcessExpiredLockouts(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	unlocked, err := s.lockouts.UnlockExpired(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "process expired lockouts")
	}
	if unlocked > 0 {
		s.logger.InfoContext(ctx, "expired lockouts processed", "count", unlocked)
		if s.metrics != nil {
			s.metrics.AccountsUnlocked.WithLabelValues("sweep").Add(float64(unlocked))
		}
	}
	return unlocked, nil
}

// CleanupOldLoginAttempts deletes attempt records older than the retention
// period. Run periodically.
func (s *Service) CleanupOldLoginAttempts(ctx context.Context, retention time.Duration) (int, error) {
	if retention <= 0 {
		return 0, dErrors.New(dErrors.CodeValidation, "retention period must be positive")
	}
	now := requestcontext.Now(ctx)
	deleted, err := s.attempts.DeleteOlderThan(ctx, now.Add(-retention))
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "cleanup login attempts")
	}
	if deleted > 0 {
		s.logger.InfoContext(ctx, "old login attempts deleted", "count", deleted)
		if s.metrics != nil {
			s.metrics.AttemptsDeleted.Add(float64(deleted))
		}
	}
	return deleted, nil
}

// GetRecentLoginAttempts returns the newest attempts for a user.
func (s *Service) GetRecentLoginAttempts(ctx context.Context, userID uuid.UUID, limit int) ([]lockout.LoginAttempt, error) {
	attempts, err := s.attempts.ListByUser(ctx, userID, limit)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list login attempts")
	}
	return attempts, nil
}

func (s *Service) trackAttempt(ctx context.Context, attempt Attempt, success bool, now time.Time) {
	if !s.config.TrackLoginAttempts {
		return
	}
	userID := attempt.UserID
	record := lockout.NewLoginAttempt(&userID, attempt.Username, attempt.IPAddress,
		attempt.UserAgent, success, attempt.FailureReason, now)
	if err := s.attempts.Create(ctx, record); err != nil {
		// Attempt tracking is best effort; the lockout decision still runs.
		s.logger.ErrorContext(ctx, "persist login attempt", "user_id", attempt.UserID, "error", err)
	}
}

func (s *Service) auditLogin(ctx context.Context, attempt Attempt, action audit.Action, success bool, failureReason string) {
	if s.recorder == nil {
		return
	}
	userID := attempt.UserID
	entry, err := audit.NewEntry(audit.ActorContext{
		UserID:    &userID,
		Username:  attempt.Username,
		IPAddress: attempt.IPAddress,
	}, audit.EventTypeAuthentication, action)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit entry", "action", string(action), "error", err)
		return
	}
	entry.Success = success
	entry.FailureReason = failureReason
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "action", string(action), "error", err)
	}
}

func (s *Service) auditLock(ctx context.Context, userID uuid.UUID, ip string, action audit.Action, changes string) {
	if s.recorder == nil {
		return
	}
	entry, err := audit.NewEntry(audit.ActorContext{UserID: &userID, IPAddress: ip},
		audit.EventTypeSecurity, action)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit entry", "action", string(action), "error", err)
		return
	}
	entry.EntityType = "account_lockout"
	entry.EntityID = userID.String()
	entry.Success = true
	entry.Changes = changes
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "action", string(action), "error", err)
	}
}

func (s *Service) auditAdmin(ctx context.Context, userID, adminID uuid.UUID, action audit.Action, changes string) {
	if s.recorder == nil {
		return
	}
	actor := audit.SystemActor()
	if adminID != uuid.Nil {
		actor = audit.ActorContext{UserID: &adminID}
	}
	entry, err := audit.NewEntry(actor, audit.EventTypeSecurity, action)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit entry", "action", string(action), "error", err)
		return
	}
	entry.EntityType = "account_lockout"
	entry.EntityID = userID.String()
	entry.Success = true
	entry.Changes = changes
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "action", string(action), "error", err)
	}
}
