//go:build integration

package ledgerstore_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"vigil/internal/audit"
	"vigil/internal/audit/ledger"
	ledgerstore "vigil/internal/audit/store/ledger"
	"vigil/pkg/platform/sentinel"
	"vigil/pkg/requestcontext"
	"vigil/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *ledgerstore.PostgresStore
	service  *ledger.Service
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	s.postgres = containers.NewPostgresContainer(s.T())
	s.store = ledgerstore.NewPostgres(s.postgres.DB)

	svc, err := ledger.New(s.store)
	s.Require().NoError(err)
	s.service = svc
}

func (s *PostgresStoreSuite) TearDownSuite() {
	s.postgres.Close(context.Background())
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "audit_ledger"))
}

func (s *PostgresStoreSuite) record(at time.Time) *audit.LedgerEntry {
	userID := uuid.New()
	entry, err := audit.NewEntry(audit.ActorContext{UserID: &userID, Username: "alice", IPAddress: "198.51.100.4"},
		audit.EventTypeAuthentication, audit.ActionLoginSuccess)
	s.Require().NoError(err)
	s.Require().NoError(s.service.Record(requestcontext.WithTime(context.Background(), at), entry))
	return entry
}

func (s *PostgresStoreSuite) TestChainRoundTripsThroughPostgres() {
	ctx := context.Background()
	at := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		s.record(at.Add(time.Duration(i) * time.Minute))
	}

	last, err := s.store.Last(ctx)
	s.Require().NoError(err)
	s.Require().NotNil(last)
	s.Equal(int64(10), last.SequenceNumber)

	result, err := s.service.VerifyIntegrity(ctx, nil, nil)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Equal(int64(10), result.EntriesChecked)
}

func (s *PostgresStoreSuite) TestAppendBatch_DuplicateSequenceConflicts() {
	ctx := context.Background()
	entry := s.record(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))

	dup := *entry
	dup.EventID = uuid.New()
	err := s.store.AppendBatch(ctx, []audit.LedgerEntry{dup})
	s.Require().ErrorIs(err, sentinel.ErrConflict)
}

func (s *PostgresStoreSuite) TestGetBySequence_RoundTripsFields() {
	ctx := context.Background()
	recorded := s.record(time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC))

	stored, err := s.store.GetBySequence(ctx, recorded.SequenceNumber)
	s.Require().NoError(err)
	s.Equal(recorded.EventID, stored.EventID)
	s.Equal(recorded.Hash, stored.Hash)
	s.Equal(recorded.Username, stored.Username)
	s.Require().NotNil(stored.UserID)
	s.Equal(*recorded.UserID, *stored.UserID)
	s.True(recorded.OccurredAt.Equal(stored.OccurredAt))

	_, err = s.store.GetBySequence(ctx, 999)
	s.Require().ErrorIs(err, sentinel.ErrNotFound)
}

func (s *PostgresStoreSuite) TestList_FiltersAndCounts() {
	ctx := context.Background()
	at := time.Date(2026, 5, 10, 8, 0, 0, 0, time.UTC)
	first := s.record(at)
	for i := 0; i < 3; i++ {
		s.record(at.Add(time.Duration(i+1) * time.Minute))
	}

	entries, total, err := s.store.List(ctx, audit.EntryFilter{UserID: first.UserID, Page: 1, PageSize: 10})
	s.Require().NoError(err)
	s.Equal(int64(1), total)
	s.Require().Len(entries, 1)
	s.Equal(first.SequenceNumber, entries[0].SequenceNumber)
}

func (s *PostgresStoreSuite) TestPartitionDelete() {
	ctx := context.Background()
	march := time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC)
	april := time.Date(2026, 4, 15, 0, 0, 0, 0, time.UTC)
	s.record(march)
	s.record(march.Add(time.Hour))
	s.record(april)

	boundary := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	entries, err := s.store.ListByPartition(ctx, boundary)
	s.Require().NoError(err)
	s.Len(entries, 2)

	deleted, err := s.store.DeleteByPartition(ctx, boundary)
	s.Require().NoError(err)
	s.Equal(int64(2), deleted)

	count, err := s.store.Count(ctx)
	s.Require().NoError(err)
	s.Equal(int64(1), count)

	// Chain re-anchors on the earliest retained entry.
	result, err := s.service.VerifyIntegrity(ctx, nil, nil)
	s.Require().NoError(err)
	s.True(result.Valid)
}
