// Package service implements refresh token rotation with reuse detection.
// Each refresh token is single-use: rotation claims the presented token and
// issues a successor in the same family. A claimed or revoked token presented
// again is treated as theft evidence and the whole family is revoked.
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
	jwttoken "vigil/internal/jwt_token"
	"vigil/internal/token"
	"vigil/internal/token/metrics"
	"vigil/internal/token/revocation"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
)

// Store is the persistence surface for refresh tokens. Consume must be
// atomic and must return the record alongside sentinel.ErrAlreadyUsed so the
// service can revoke the family on reuse.
type Store interface {
	Create(ctx context.Context, t *token.RefreshToken) error
	FindByID(ctx context.Context, id uuid.UUID) (*token.RefreshToken, error)
	Consume(ctx context.Context, id uuid.UUID, claimedBy string, now time.Time) (*token.RefreshToken, error)
	RevokeFamily(ctx context.Context, familyID uuid.UUID, now time.Time) (int, error)
	ListByFamily(ctx context.Context, familyID uuid.UUID) ([]token.RefreshToken, error)
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// Config carries token lifetimes.
type Config struct {
	RefreshTokenTTL time.Duration
	AccessTokenTTL  time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		RefreshTokenTTL: 30 * 24 * time.Hour,
		AccessTokenTTL:  15 * time.Minute,
	}
}

// IssuedPair is the result of Issue and Rotate.
type IssuedPair struct {
	RefreshToken *token.RefreshToken
	AccessToken  string
}

type Service struct {
	store    Store
	jwt      *jwttoken.Service
	frl      revocation.FamilyRevocationList
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

func WithRevocationList(frl revocation.FamilyRevocationList) Option {
	return func(s *Service) { s.frl = frl }
}

func WithSecurityPublisher(p publisher.SecurityPublisher) Option {
	return func(s *Service) { s.security = p }
}

func WithRecorder(r recorder.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

func New(store Store, jwt *jwttoken.Service, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("token store is required")
	}
	if jwt == nil {
		return nil, errors.New("jwt service is required")
	}
	s := &Service{
		store:    store,
		jwt:      jwt,
		frl:      revocation.NopFRL{},
		security: publisher.Nop{},
		logger:   slog.Default(),
		config:   DefaultConfig(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.config.RefreshTokenTTL <= 0 || s.config.AccessTokenTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	return s, nil
}

// Issue creates a refresh token starting a new family, plus an access token.
func (s *Service) Issue(ctx context.Context, userID uuid.UUID, ip string) (*IssuedPair, error) {
	if userID == uuid.Nil {
		return nil, dErrors.New(dErrors.CodeValidation, "user id is required")
	}
	now := requestcontext.Now(ctx)

	refresh, err := token.NewRefreshToken(userID, uuid.Nil, ip, now, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate refresh token")
	}
	if err := s.store.Create(ctx, refresh); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist refresh token")
	}

	access, err := s.jwt.Mint(ctx, userID, refresh.TokenFamilyID, s.config.AccessTokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sign access token")
	}

	if s.metrics != nil {
		s.metrics.TokensIssued.Inc()
	}
	s.audit(ctx, userID, ip, audit.ActionTokenIssued, refresh, true, "")
	return &IssuedPair{RefreshToken: refresh, AccessToken: access}, nil
}

// Rotate exchanges a presented refresh token for a successor in the same
// family. Reuse of a claimed or revoked token revokes the family.
func (s *Service) Rotate(ctx context.Context, presentedID uuid.UUID, userID uuid.UUID, ip string) (*IssuedPair, error) {
	now := requestcontext.Now(ctx)

	presented, err := s.store.FindByID(ctx, presentedID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeUnauthorized, "refresh token not recognized")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "look up refresh token")
	}

	// Ownership is checked before any claim so a caller presenting another
	// user's token never mutates that token's state.
	if presented.UserID != userID {
		s.logger.WarnContext(ctx, "refresh token ownership mismatch",
			"token_id", presentedID,
			"owner", presented.UserID,
			"caller", userID,
		)
		return nil, dErrors.New(dErrors.CodeUnauthorized, "refresh token not recognized")
	}

	claimed, err := s.store.Consume(ctx, presentedID, userID.String(), now)
	switch {
	case err == nil:
		// claimed successfully, continue below
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return nil, s.handleReuse(ctx, claimed, userID, ip, now)
	case errors.Is(err, sentinel.ErrExpired):
		// Expiry is ordinary session timeout, not theft evidence.
		s.audit(ctx, userID, ip, audit.ActionTokenRefresh, presented, false, "refresh token expired")
		return nil, dErrors.New(dErrors.CodeUnauthorized, "refresh token expired")
	default:
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "claim refresh token")
	}

	successor, err := token.NewRefreshToken(userID, claimed.TokenFamilyID, ip, now, s.config.RefreshTokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate successor token")
	}
	if err := s.store.Create(ctx, successor); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist successor token")
	}

	access, err := s.jwt.Mint(ctx, userID, claimed.TokenFamilyID, s.config.AccessTokenTTL)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "sign access token")
	}

	if s.metrics != nil {
		s.metrics.TokensRotated.Inc()
		s.metrics.TokensIssued.Inc()
	}
	s.audit(ctx, userID, ip, audit.ActionTokenRefresh, successor, true, "")
	return &IssuedPair{RefreshToken: successor, AccessToken: access}, nil
}

// handleReuse revokes the family of a token presented after it was already
// claimed or revoked, then records the incident.
func (s *Service) handleReuse(ctx context.Context, reused *token.RefreshToken, userID uuid.UUID, ip string, now time.Time) error {
	familyID := reused.TokenFamilyID

	revoked, err := s.store.RevokeFamily(ctx, familyID, now)
	if err != nil {
		// The incident is still reported even when revocation fails;
		// the caller is rejected either way.
		s.logger.ErrorContext(ctx, "family revocation failed after reuse",
			"family_id", familyID,
			"error", err,
		)
	}
	if frlErr := s.frl.RevokeFamily(ctx, familyID, s.config.RefreshTokenTTL); frlErr != nil {
		s.logger.ErrorContext(ctx, "revocation list update failed",
			"family_id", familyID,
			"error", frlErr,
		)
	}

	if s.metrics != nil {
		s.metrics.ReuseDetected.Inc()
		s.metrics.FamiliesRevoked.Inc()
		s.metrics.RevokedPerFamily.Observe(float64(revoked))
	}

	reason := "refresh token presented after prior use"
	if reused.IsRevoked() && !reused.IsClaimed() {
		reason = "refresh token presented after family revocation"
	}
	s.logger.WarnContext(ctx, "refresh token reuse detected",
		"token_id", reused.ID,
		"family_id", familyID,
		"user_id", userID,
		"tokens_revoked", revoked,
	)

	s.audit(ctx, userID, ip, audit.ActionTokenReuseDetected, reused, false, reason)
	s.auditFamilyRevoked(ctx, userID, ip, familyID, revoked)
	s.security.Publish(ctx, publisher.SecurityEvent{
		Timestamp: now,
		Subject:   userID.String(),
		Action:    string(audit.ActionTokenReuseDetected),
		Reason:    reason,
		IP:        ip,
		Severity:  publisher.SeverityCritical,
	})

	return dErrors.New(dErrors.CodeUnauthorized, "refresh token reuse detected")
}

// RevokeFamily revokes every live token in a family, for logout-everywhere
// and administrative revocation.
func (s *Service) RevokeFamily(ctx context.Context, familyID uuid.UUID) (int, error) {
	if familyID == uuid.Nil {
		return 0, dErrors.New(dErrors.CodeValidation, "family id is required")
	}
	now := requestcontext.Now(ctx)

	revoked, err := s.store.RevokeFamily(ctx, familyID, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "revoke token family")
	}
	if frlErr := s.frl.RevokeFamily(ctx, familyID, s.config.RefreshTokenTTL); frlErr != nil {
		s.logger.ErrorContext(ctx, "revocation list update failed",
			"family_id", familyID,
			"error", frlErr,
		)
	}
	if s.metrics != nil && revoked > 0 {
		s.metrics.FamiliesRevoked.Inc()
		s.metrics.RevokedPerFamily.Observe(float64(revoked))
	}
	s.auditFamilyRevoked(ctx, uuid.Nil, "", familyID, revoked)
	return revoked, nil
}

// IsFamilyRevoked consults the distributed revocation list, used by access
// token verification on other instances.
func (s *Service) IsFamilyRevoked(ctx context.Context, familyID uuid.UUID) (bool, error) {
	return s.frl.IsFamilyRevoked(ctx, familyID)
}

// GetFamilyTokens lists every token in a family, oldest first.
func (s *Service) GetFamilyTokens(ctx context.Context, familyID uuid.UUID) ([]token.RefreshToken, error) {
	tokens, err := s.store.ListByFamily(ctx, familyID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list token family")
	}
	return tokens, nil
}

// DeleteExpiredTokens removes tokens past their expiry. Run periodically.
func (s *Service) DeleteExpiredTokens(ctx context.Context) (int, error) {
	now := requestcontext.Now(ctx)
	deleted, err := s.store.DeleteExpired(ctx, now)
	if err != nil {
		return 0, dErrors.Wrap(err, dErrors.CodeInternal, "delete expired tokens")
	}
	if s.metrics != nil {
		s.metrics.ExpiredDeleted.Add(float64(deleted))
	}
	if deleted > 0 {
		s.logger.InfoContext(ctx, "expired refresh tokens deleted", "count", deleted)
	}
	return deleted, nil
}

func (s *Service) audit(ctx context.Context, userID uuid.UUID, ip string, action audit.Action, t *token.RefreshToken, success bool, failureReason string) {
	if s.recorder == nil {
		return
	}
	actor := audit.ActorContext{IPAddress: ip}
	if userID != uuid.Nil {
		actor.UserID = &userID
	}
	entry, err := audit.NewEntry(actor, audit.EventTypeAuthentication, action)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit entry", "action", string(action), "error", err)
		return
	}
	entry.EntityType = "refresh_token"
	if t != nil {
		entry.EntityID = t.ID.String()
	}
	entry.Success = success
	entry.FailureReason = failureReason
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "action", string(action), "error", err)
	}
}

func (s *Service) auditFamilyRevoked(ctx context.Context, userID uuid.UUID, ip string, familyID uuid.UUID, revoked int) {
	if s.recorder == nil {
		return
	}
	actor := audit.ActorContext{IPAddress: ip}
	if userID != uuid.Nil {
		actor.UserID = &userID
	} else {
		actor = audit.SystemActor()
	}
	entry, err := audit.NewEntry(actor, audit.EventTypeSecurity, audit.ActionTokenFamilyRevoked)
	if err != nil {
		s.logger.ErrorContext(ctx, "build audit entry", "error", err)
		return
	}
	entry.EntityType = "token_family"
	entry.EntityID = familyID.String()
	entry.Success = true
	entry.Changes = fmt.Sprintf(`{"tokens_revoked":%d}`, revoked)
	if err := s.recorder.Record(ctx, entry); err != nil {
		s.logger.ErrorContext(ctx, "record audit entry", "error", err)
	}
}
