package ledger

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
	"vigil/internal/audit/hashchain"
	ledgerstore "vigil/internal/audit/store/ledger"
	dErrors "vigil/pkg/domain-errors"
	"vigil/pkg/requestcontext"
)

type ServiceSuite struct {
	suite.Suite
	store   *ledgerstore.InMemoryLedgerStore
	service *Service
	now     time.Time
}

func (s *ServiceSuite) SetupTest() {
	s.store = ledgerstore.New()
	s.now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

	svc, err := New(s.store)
	s.Require().NoError(err)
	s.service = svc
}

func (s *ServiceSuite) ctx() context.Context {
	return requestcontext.WithTime(context.Background(), s.now)
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func loginEntry(t *testing.T, username string) *audit.LedgerEntry {
	t.Helper()
	userID := uuid.New()
	entry, err := audit.NewEntry(audit.ActorContext{
		UserID:    &userID,
		Username:  username,
		IPAddress: "198.51.100.4",
	}, audit.EventTypeAuthentication, audit.ActionLoginSuccess)
	require.NoError(t, err)
	return entry
}

func (s *ServiceSuite) record(entries ...*audit.LedgerEntry) {
	s.Require().NoError(s.service.RecordBatch(s.ctx(), entries))
}

func (s *ServiceSuite) TestRecord_AssignsSequenceHashAndTime() {
	entry := loginEntry(s.T(), "alice")
	s.Require().NoError(s.service.Record(s.ctx(), entry))

	s.Equal(int64(1), entry.SequenceNumber)
	s.Equal(s.now, entry.OccurredAt)
	s.Len(entry.Hash, 64)
	s.Equal(entry.ComputeHash(hashchain.GenesisHash), entry.Hash)
}

func (s *ServiceSuite) TestRecord_ChainsSequentially() {
	first := loginEntry(s.T(), "alice")
	second := loginEntry(s.T(), "bob")
	s.record(first)
	s.record(second)

	s.Equal(int64(2), second.SequenceNumber)
	s.Equal(second.ComputeHash(first.Hash), second.Hash)
}

func (s *ServiceSuite) TestRecordBatch_PreservesOrderWithinBatch() {
	entries := []*audit.LedgerEntry{
		loginEntry(s.T(), "alice"),
		loginEntry(s.T(), "bob"),
		loginEntry(s.T(), "carol"),
	}
	s.record(entries...)

	prevHash := hashchain.GenesisHash
	for i, entry := range entries {
		s.Equal(int64(i+1), entry.SequenceNumber)
		s.Equal(entry.ComputeHash(prevHash), entry.Hash)
		prevHash = entry.Hash
	}
}

func (s *ServiceSuite) TestRecordBatch_RejectsInvalidEntries() {
	err := s.service.RecordBatch(s.ctx(), nil)
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	bad := loginEntry(s.T(), "alice")
	bad.EventType = "bogus"
	err = s.service.RecordBatch(s.ctx(), []*audit.LedgerEntry{bad})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	count, storeErr := s.store.Count(context.Background())
	s.Require().NoError(storeErr)
	s.Zero(count, "rejected batches must not advance the sequence")
}

func (s *ServiceSuite) TestConcurrentRecords_GaplessAndUnique() {
	const writers = 20
	entries := make([]*audit.LedgerEntry, writers)
	for i := range entries {
		entries[i] = loginEntry(s.T(), "alice")
	}

	var wg sync.WaitGroup
	for _, entry := range entries {
		wg.Add(1)
		go func(entry *audit.LedgerEntry) {
			defer wg.Done()
			assert.NoError(s.T(), s.service.Record(s.ctx(), entry))
		}(entry)
	}
	wg.Wait()

	seen := make(map[int64]bool)
	for seq := int64(1); seq <= writers; seq++ {
		entry, err := s.store.GetBySequence(context.Background(), seq)
		s.Require().NoError(err, "sequence %d must exist", seq)
		s.False(seen[entry.SequenceNumber])
		seen[entry.SequenceNumber] = true
	}

	result, err := s.service.VerifyIntegrity(s.ctx(), nil, nil)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Equal(int64(writers), result.EntriesChecked)
}

func (s *ServiceSuite) TestQuery_FiltersAndPaginates() {
	userID := uuid.New()
	for i := 0; i < 7; i++ {
		entry, err := audit.NewEntry(audit.ActorContext{UserID: &userID, Username: "alice"},
			audit.EventTypeAuthentication, audit.ActionLoginFailed)
		s.Require().NoError(err)
		entry.Success = false
		s.record(entry)
	}
	other := loginEntry(s.T(), "bob")
	s.record(other)

	failed := false
	page, err := s.service.Query(s.ctx(), audit.EntryFilter{
		UserID:   &userID,
		Success:  &failed,
		Page:     1,
		PageSize: 5,
	})
	s.Require().NoError(err)
	s.Len(page.Entries, 5)
	s.Equal(int64(7), page.TotalCount)

	page, err = s.service.Query(s.ctx(), audit.EntryFilter{UserID: &userID, Success: &failed, Page: 2, PageSize: 5})
	s.Require().NoError(err)
	s.Len(page.Entries, 2)
}

func (s *ServiceSuite) TestQuery_CapsPageSize() {
	s.record(loginEntry(s.T(), "alice"))

	page, err := s.service.Query(s.ctx(), audit.EntryFilter{PageSize: 10_000})
	s.Require().NoError(err)
	s.Equal(audit.MaxPageSize, page.PageSize)
}

func (s *ServiceSuite) TestGetEntityHistory() {
	entry, err := audit.NewEntry(audit.SystemActor(), audit.EventTypeDataChange, audit.ActionDataUpdated)
	s.Require().NoError(err)
	entry.EntityType = "consent"
	entry.EntityID = "consent-42"
	s.record(entry)
	s.record(loginEntry(s.T(), "alice"))

	history, err := s.service.GetEntityHistory(s.ctx(), "consent", "consent-42")
	s.Require().NoError(err)
	s.Require().Len(history, 1)
	s.Equal(audit.ActionDataUpdated, history[0].Action)

	_, err = s.service.GetEntityHistory(s.ctx(), "", "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestGetUserActivity_TimeRange() {
	userID := uuid.New()

	early, err := audit.NewEntry(audit.ActorContext{UserID: &userID}, audit.EventTypeAuthentication, audit.ActionLoginSuccess)
	s.Require().NoError(err)
	early.OccurredAt = s.now.Add(-48 * time.Hour)
	late, err := audit.NewEntry(audit.ActorContext{UserID: &userID}, audit.EventTypeAuthentication, audit.ActionLogout)
	s.Require().NoError(err)
	late.OccurredAt = s.now
	s.record(early, late)

	from := s.now.Add(-time.Hour)
	activity, err := s.service.GetUserActivity(s.ctx(), userID, &from, nil)
	s.Require().NoError(err)
	s.Require().Len(activity, 1)
	s.Equal(audit.ActionLogout, activity[0].Action)
}

func (s *ServiceSuite) TestVerifyIntegrity_EmptyLedgerIsValid() {
	result, err := s.service.VerifyIntegrity(s.ctx(), nil, nil)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Zero(result.EntriesChecked)
}

func (s *ServiceSuite) TestVerifyIntegrity_SubRange() {
	for i := 0; i < 10; i++ {
		s.record(loginEntry(s.T(), "alice"))
	}

	from, to := int64(4), int64(8)
	result, err := s.service.VerifyIntegrity(s.ctx(), &from, &to)
	s.Require().NoError(err)
	s.True(result.Valid)
	s.Equal(int64(5), result.EntriesChecked)
}

func (s *ServiceSuite) TestGetLedgerDigest() {
	digest, err := s.service.GetLedgerDigest(s.ctx())
	s.Require().NoError(err)
	s.Zero(digest.LastSequenceNumber)
	s.NotEmpty(digest.Digest)

	s.record(loginEntry(s.T(), "alice"))
	s.record(loginEntry(s.T(), "bob"))

	after, err := s.service.GetLedgerDigest(s.ctx())
	s.Require().NoError(err)
	s.Equal(int64(2), after.LastSequenceNumber)
	s.Equal(int64(2), after.EntryCount)
	s.NotEqual(digest.Digest, after.Digest)
}
