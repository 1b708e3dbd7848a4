// Package lockout models failed-login tracking and account lock state.
package lockout

import (
	"time"

	"github.com/google/uuid"
)

// LockReason records why an account is locked.
type LockReason string

const (
	LockReasonFailedAttempts LockReason = "too_many_failed_attempts"
	LockReasonManual         LockReason = "manual"
)

// AccountLockout is the per-user lockout record, created lazily on the first
// failed attempt and retained afterwards. EscalationLevel drives exponential
// backoff across repeated lockouts and ages out after a quiet reset window.
type AccountLockout struct {
	UserID              uuid.UUID
	FailedAttemptCount  int
	EscalationLevel     int
	LockedUntil         *time.Time
	LockReason          LockReason
	LockedByUserID      *uuid.UUID
	LastFailedAttemptAt *time.Time
	LastLockedAt        *time.Time
	UpdatedAt           time.Time
}

// IsLockedAt reports whether the account is locked at the given instant.
// A manual lock with no expiry is indefinite and holds until an explicit
// administrative unlock.
func (l *AccountLockout) IsLockedAt(now time.Time) bool {
	if l == nil {
		return false
	}
	if l.LockedUntil != nil {
		return now.Before(*l.LockedUntil)
	}
	return l.LockedByUserID != nil
}

// IsManual reports whether the current lock was placed by an administrator.
func (l *AccountLockout) IsManual() bool {
	return l.LockedByUserID != nil
}

// maxEscalationShift bounds the doubling so the shift cannot overflow;
// any cap under 2^20 * base is reached long before this.
const maxEscalationShift = 20

// ApplyAutomaticLock sets lockedUntil using exponential backoff
// min(base * 2^level, max) and advances the escalation level. A quiet period
// longer than resetWindow since the previous lockout resets the level first.
// Returns the applied duration.
func (l *AccountLockout) ApplyAutomaticLock(base, max, resetWindow time.Duration, now time.Time) time.Duration {
	if l.LastLockedAt != nil && now.Sub(*l.LastLockedAt) > resetWindow {
		l.EscalationLevel = 0
	}

	shift := l.EscalationLevel
	if shift > maxEscalationShift {
		shift = maxEscalationShift
	}
	duration := base << shift
	if duration > max || duration <= 0 {
		duration = max
	}

	until := now.Add(duration)
	l.LockedUntil = &until
	l.LockReason = LockReasonFailedAttempts
	l.LockedByUserID = nil
	l.LastLockedAt = &now
	l.EscalationLevel++
	l.UpdatedAt = now
	return duration
}

// ApplyManualLock places an administrative lock. A nil duration locks the
// account indefinitely.
func (l *AccountLockout) ApplyManualLock(duration *time.Duration, reason LockReason, lockedBy uuid.UUID, now time.Time) {
	if reason == "" {
		reason = LockReasonManual
	}
	l.LockedUntil = nil
	if duration != nil {
		until := now.Add(*duration)
		l.LockedUntil = &until
	}
	l.LockReason = reason
	l.LockedByUserID = &lockedBy
	l.LastLockedAt = &now
	l.UpdatedAt = now
}

// ClearLock removes the active lock. The failed attempt count is reset only
// when requested, so an administrator can unlock without forgiving attempts.
func (l *AccountLockout) ClearLock(resetFailedAttempts bool, now time.Time) {
	l.LockedUntil = nil
	l.LockReason = ""
	l.LockedByUserID = nil
	if resetFailedAttempts {
		l.FailedAttemptCount = 0
	}
	l.UpdatedAt = now
}

// ResetOnSuccess handles a successful login: the attempt count always resets,
// but a manual lock stays in place until an explicit administrative unlock.
func (l *AccountLockout) ResetOnSuccess(now time.Time) {
	l.FailedAttemptCount = 0
	if !l.IsManual() {
		l.LockedUntil = nil
		l.LockReason = ""
	}
	l.UpdatedAt = now
}

// LoginAttempt is one append-only login attempt record.
type LoginAttempt struct {
	ID            uuid.UUID
	UserID        *uuid.UUID
	Username      string
	IPAddress     string
	UserAgent     string
	Success       bool
	FailureReason string
	AttemptedAt   time.Time
}

// NewLoginAttempt builds an attempt record with a fresh id.
func NewLoginAttempt(userID *uuid.UUID, username, ip, userAgent string, success bool, failureReason string, now time.Time) *LoginAttempt {
	return &LoginAttempt{
		ID:            uuid.New(),
		UserID:        userID,
		Username:      username,
		IPAddress:     ip,
		UserAgent:     userAgent,
		Success:       success,
		FailureReason: failureReason,
		AttemptedAt:   now,
	}
}
