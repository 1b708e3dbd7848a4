//go:build integration

package refreshtoken_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"vigil/internal/token"
	refreshtoken "vigil/internal/token/store/refresh-token"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *refreshtoken.PostgresStore
	now      time.Time
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = refreshtoken.NewPostgres(s.postgres.DB)
	s.now = time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC)
}

func (s *PostgresStoreSuite) TearDownSuite() {
	s.postgres.Close(context.Background())
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "refresh_tokens"))
}

func (s *PostgresStoreSuite) mint(userID, familyID uuid.UUID, ttl time.Duration) *token.RefreshToken {
	t, err := token.NewRefreshToken(userID, familyID, "198.51.100.4", s.now, ttl)
	s.Require().NoError(err)
	s.Require().NoError(s.store.Create(context.Background(), t))
	return t
}

func (s *PostgresStoreSuite) TestConsume_SingleWinnerUnderContention() {
	ctx := context.Background()
	userID := uuid.New()
	minted := s.mint(userID, uuid.Nil, 30*24*time.Hour)

	const goroutines = 16
	var wg sync.WaitGroup
	var winners, reuses atomic.Int32

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			record, err := s.store.Consume(ctx, minted.ID, userID.String(), s.now)
			switch {
			case err == nil:
				winners.Add(1)
			case record != nil:
				// Losers still receive the record for reuse handling.
				reuses.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load(), "exactly one concurrent claim may win")
	s.Equal(int32(goroutines-1), reuses.Load())
}

func (s *PostgresStoreSuite) TestConsume_ReuseReturnsRecordWithError() {
	ctx := context.Background()
	userID := uuid.New()
	minted := s.mint(userID, uuid.Nil, 30*24*time.Hour)

	_, err := s.store.Consume(ctx, minted.ID, userID.String(), s.now)
	s.Require().NoError(err)

	record, err := s.store.Consume(ctx, minted.ID, userID.String(), s.now.Add(time.Minute))
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
	s.Require().NotNil(record, "reuse must surface the record so the family can be revoked")
	s.Equal(minted.TokenFamilyID, record.TokenFamilyID)
}

func (s *PostgresStoreSuite) TestConsume_ExpiredUnclaimedIsExpiredNotReuse() {
	ctx := context.Background()
	userID := uuid.New()
	minted := s.mint(userID, uuid.Nil, time.Hour)

	record, err := s.store.Consume(ctx, minted.ID, userID.String(), s.now.Add(2*time.Hour))
	s.Require().ErrorIs(err, sentinel.ErrExpired)
	s.Require().NotNil(record)
	s.Nil(record.ClaimedBy, "an expired token must not be claimed")
}

func (s *PostgresStoreSuite) TestRevokeFamily_OnlyLiveTokens() {
	ctx := context.Background()
	userID := uuid.New()
	first := s.mint(userID, uuid.Nil, 30*24*time.Hour)
	s.mint(userID, first.TokenFamilyID, 30*24*time.Hour)
	other := s.mint(userID, uuid.Nil, 30*24*time.Hour)

	revoked, err := s.store.RevokeFamily(ctx, first.TokenFamilyID, s.now)
	s.Require().NoError(err)
	s.Equal(2, revoked)

	// Idempotent: a second pass finds nothing live.
	revoked, err = s.store.RevokeFamily(ctx, first.TokenFamilyID, s.now.Add(time.Minute))
	s.Require().NoError(err)
	s.Zero(revoked)

	stored, err := s.store.FindByID(ctx, other.ID)
	s.Require().NoError(err)
	s.Nil(stored.RevokedAt, "other families are untouched")
}

func (s *PostgresStoreSuite) TestListByFamilyAndDeleteExpired() {
	ctx := context.Background()
	userID := uuid.New()
	first := s.mint(userID, uuid.Nil, time.Hour)
	second := s.mint(userID, first.TokenFamilyID, 30*24*time.Hour)

	family, err := s.store.ListByFamily(ctx, first.TokenFamilyID)
	s.Require().NoError(err)
	s.Require().Len(family, 2)

	deleted, err := s.store.DeleteExpired(ctx, s.now.Add(2*time.Hour))
	s.Require().NoError(err)
	s.Equal(1, deleted)

	_, err = s.store.FindByID(ctx, first.ID)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
	_, err = s.store.FindByID(ctx, second.ID)
	s.Require().NoError(err)
}
