package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	"vigil/internal/audit/publisher"
	jwttoken "vigil/internal/jwt_token"
	refreshtoken "vigil/internal/token/store/refresh-token"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

// capturingRecorder collects audit entries for assertions.
type capturingRecorder struct {
	mu      sync.Mutex
	entries []*audit.LedgerEntry
}

func (r *capturingRecorder) Record(_ context.Context, entry *audit.LedgerEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *capturingRecorder) actions() []audit.Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	actions := make([]audit.Action, 0, len(r.entries))
	for _, e := range r.entries {
		actions = append(actions, e.Action)
	}
	return actions
}

// capturingPublisher collects security events for assertions.
type capturingPublisher struct {
	mu     sync.Mutex
	events []publisher.SecurityEvent
}

func (p *capturingPublisher) Publish(_ context.Context, event publisher.SecurityEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

type ServiceSuite struct {
	suite.Suite
	store    *refreshtoken.InMemoryTokenStore
	recorder *capturingRecorder
	security *capturingPublisher
	service  *Service
	now      time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.store = refreshtoken.New()
	s.recorder = &capturingRecorder{}
	s.security = &capturingPublisher{}
	s.now = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)

	jwtSvc := jwttoken.New("test-signing-key-32-bytes-long!!", "vigil-test", "vigil-api")
	svc, err := New(s.store, jwtSvc,
		WithRecorder(s.recorder),
		WithSecurityPublisher(s.security),
	)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func (s *ServiceSuite) ctxAt(t time.Time) context.Context {
	return requestcontext.WithTime(context.Background(), t)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) TestIssue() {
	userID := uuid.New()

	pair, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)
	s.Require().NotNil(pair.RefreshToken)

	s.Equal(userID, pair.RefreshToken.UserID)
	s.NotEqual(uuid.Nil, pair.RefreshToken.TokenFamilyID)
	s.NotEmpty(pair.RefreshToken.Secret)
	s.Equal(s.now.Add(30*24*time.Hour), pair.RefreshToken.ExpiresAt)
	s.NotEmpty(pair.AccessToken)

	s.Equal([]audit.Action{audit.ActionTokenIssued}, s.recorder.actions())
}

func (s *ServiceSuite) TestRotate_HappyPath() {
	userID := uuid.New()

	issued, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)

	later := s.ctxAt(s.now.Add(time.Hour))
	rotated, err := s.service.Rotate(later, issued.RefreshToken.ID, userID, "198.51.100.4")
	s.Require().NoError(err)

	s.T().Run("successor stays in the family", func(t *testing.T) {
		assert.Equal(t, issued.RefreshToken.TokenFamilyID, rotated.RefreshToken.TokenFamilyID)
		assert.NotEqual(t, issued.RefreshToken.ID, rotated.RefreshToken.ID)
		assert.NotEqual(t, issued.RefreshToken.Secret, rotated.RefreshToken.Secret)
	})

	s.T().Run("presented token is claimed", func(t *testing.T) {
		stored, err := s.store.FindByID(context.Background(), issued.RefreshToken.ID)
		require.NoError(t, err)
		require.NotNil(t, stored.ClaimedBy)
		assert.Equal(t, userID.String(), *stored.ClaimedBy)
		require.NotNil(t, stored.ClaimedAt)
		assert.Equal(t, s.now.Add(time.Hour), *stored.ClaimedAt)
	})

	s.Equal([]audit.Action{audit.ActionTokenIssued, audit.ActionTokenRefresh}, s.recorder.actions())
	s.Empty(s.security.events)
}

func (s *ServiceSuite) TestRotate_ReuseRevokesFamily() {
	userID := uuid.New()

	issued, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)

	rotated, err := s.service.Rotate(s.ctx(), issued.RefreshToken.ID, userID, "198.51.100.4")
	s.Require().NoError(err)

	// The original token is presented again, attacker and victim both holding it.
	_, err = s.service.Rotate(s.ctx(), issued.RefreshToken.ID, userID, "203.0.113.9")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	s.T().Run("whole family is revoked including the successor", func(t *testing.T) {
		family, err := s.store.ListByFamily(context.Background(), issued.RefreshToken.TokenFamilyID)
		require.NoError(t, err)
		require.Len(t, family, 2)
		for _, member := range family {
			assert.NotNil(t, member.RevokedAt, "token %s not revoked", member.ID)
		}
		_ = rotated
	})

	s.T().Run("successor no longer rotates", func(t *testing.T) {
		_, err := s.service.Rotate(s.ctx(), rotated.RefreshToken.ID, userID, "198.51.100.4")
		require.Error(t, err)
		assert.True(t, dErrors.HasCode(err, dErrors.CodeUnauthorized))
	})

	s.T().Run("incident is audited and published", func(t *testing.T) {
		assert.Contains(t, s.recorder.actions(), audit.ActionTokenReuseDetected)
		assert.Contains(t, s.recorder.actions(), audit.ActionTokenFamilyRevoked)
		require.NotEmpty(t, s.security.events)
		assert.Equal(t, publisher.SeverityCritical, s.security.events[0].Severity)
		assert.Equal(t, userID.String(), s.security.events[0].Subject)
	})
}

func (s *ServiceSuite) TestRotate_ExpiredIsNotReuse() {
	userID := uuid.New()

	issued, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)

	afterExpiry := s.ctxAt(s.now.Add(31 * 24 * time.Hour))
	_, err = s.service.Rotate(afterExpiry, issued.RefreshToken.ID, userID, "198.51.100.4")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	family, err := s.store.ListByFamily(context.Background(), issued.RefreshToken.TokenFamilyID)
	s.Require().NoError(err)
	s.Require().Len(family, 1)
	s.Nil(family[0].RevokedAt, "expiry must not trigger family revocation")
	s.NotContains(s.recorder.actions(), audit.ActionTokenReuseDetected)
	s.Empty(s.security.events)
}

func (s *ServiceSuite) TestRotate_OwnershipMismatch() {
	owner := uuid.New()
	attacker := uuid.New()

	issued, err := s.service.Issue(s.ctx(), owner, "198.51.100.4")
	s.Require().NoError(err)

	_, err = s.service.Rotate(s.ctx(), issued.RefreshToken.ID, attacker, "203.0.113.9")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))

	s.T().Run("token is untouched", func(t *testing.T) {
		stored, err := s.store.FindByID(context.Background(), issued.RefreshToken.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.ClaimedBy)
		assert.Nil(t, stored.RevokedAt)
	})

	s.T().Run("owner can still rotate", func(t *testing.T) {
		_, err := s.service.Rotate(s.ctx(), issued.RefreshToken.ID, owner, "198.51.100.4")
		assert.NoError(t, err)
	})
}

func (s *ServiceSuite) TestRotate_UnknownToken() {
	_, err := s.service.Rotate(s.ctx(), uuid.New(), uuid.New(), "198.51.100.4")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestRotate_ConcurrentSingleWinner() {
	userID := uuid.New()

	issued, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)

	const attempts = 8
	var wg sync.WaitGroup
	errs := make([]error, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = s.service.Rotate(s.ctx(), issued.RefreshToken.ID, userID, "198.51.100.4")
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
		} else {
			s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
		}
	}
	s.Equal(1, succeeded, "exactly one concurrent rotation may win")
}

func (s *ServiceSuite) TestRevokeFamily() {
	userID := uuid.New()

	issued, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)
	rotated, err := s.service.Rotate(s.ctx(), issued.RefreshToken.ID, userID, "198.51.100.4")
	s.Require().NoError(err)

	revoked, err := s.service.RevokeFamily(s.ctx(), issued.RefreshToken.TokenFamilyID)
	s.Require().NoError(err)
	// The claimed predecessor and the live successor both carry no revoked_at yet.
	s.Equal(2, revoked)

	_, err = s.service.Rotate(s.ctx(), rotated.RefreshToken.ID, userID, "198.51.100.4")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeUnauthorized))
}

func (s *ServiceSuite) TestDeleteExpiredTokens() {
	userID := uuid.New()

	_, err := s.service.Issue(s.ctx(), userID, "198.51.100.4")
	s.Require().NoError(err)
	fresh, err := s.service.Issue(s.ctxAt(s.now.Add(20*24*time.Hour)), userID, "198.51.100.4")
	s.Require().NoError(err)

	sweep := s.ctxAt(s.now.Add(35 * 24 * time.Hour))
	deleted, err := s.service.DeleteExpiredTokens(sweep)
	s.Require().NoError(err)
	s.Equal(1, deleted)

	_, err = s.store.FindByID(context.Background(), fresh.RefreshToken.ID)
	s.NoError(err, "unexpired token survives the sweep")
}

func (s *ServiceSuite) TestIssue_RequiresUserID() {
	_, err := s.service.Issue(s.ctx(), uuid.Nil, "198.51.100.4")
	s.Require().Error(err)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}
