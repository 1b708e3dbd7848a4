package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/archive"
)

type fakeArchiver struct {
	partitions []archive.Partition
	added      []time.Time
	archived   []time.Time
	purged     []time.Time
}

func (f *fakeArchiver) AddPartitionBoundary(_ context.Context, boundary time.Time) error {
	f.added = append(f.added, boundary)
	return nil
}

func (f *fakeArchiver) ArchivePartition(_ context.Context, boundary time.Time, _, _ string) (*archive.Manifest, error) {
	f.archived = append(f.archived, boundary)
	return &archive.Manifest{PartitionBoundary: boundary, RecordCount: 1}, nil
}

func (f *fakeArchiver) PurgePartition(_ context.Context, boundary time.Time) error {
	f.purged = append(f.purged, boundary)
	return nil
}

func (f *fakeArchiver) ListPartitions(_ context.Context, states ...archive.PartitionState) ([]archive.Partition, error) {
	var matched []archive.Partition
	for _, p := range f.partitions {
		for _, state := range states {
			if p.State == state {
				matched = append(matched, p)
				break
			}
		}
	}
	return matched, nil
}

type fakeSweeper struct {
	lockoutSweeps int
	cleanups      int
	tokenSweeps   int
}

func (f *fakeSweeper) ProcessExpiredLockouts(context.Context) (int, error) {
	f.lockoutSweeps++
	return 0, nil
}

func (f *fakeSweeper) CleanupOldLoginAttempts(context.Context, time.Duration) (int, error) {
	f.cleanups++
	return 0, nil
}

func (f *fakeSweeper) DeleteExpiredTokens(context.Context) (int, error) {
	f.tokenSweeps++
	return 0, nil
}

func newTestScheduler(t *testing.T, archiver *fakeArchiver, sweeper *fakeSweeper, cfg Config, now time.Time) *Scheduler {
	t.Helper()
	s, err := New(archiver, sweeper, sweeper,
		WithConfig(cfg),
		WithClock(func() time.Time { return now }),
	)
	require.NoError(t, err)
	return s
}

func TestTick_ArchivesPartitionsPastHorizon(t *testing.T) {
	now := time.Date(2026, 6, 5, 3, 0, 0, 0, time.UTC)
	old := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	archiver := &fakeArchiver{partitions: []archive.Partition{
		{Boundary: old, State: archive.PartitionActive},
		{Boundary: recent, State: archive.PartitionActive},
	}}
	cfg := DefaultConfig()
	cfg.MonthsToKeepBeforeArchive = 3

	s := newTestScheduler(t, archiver, &fakeSweeper{}, cfg, now)
	s.Tick(context.Background())

	// horizon is 2026-03-01: February is due, April is kept
	assert.Equal(t, []time.Time{old}, archiver.archived)
}

func TestTick_ResumesStagedPartitions(t *testing.T) {
	now := time.Date(2026, 6, 5, 3, 0, 0, 0, time.UTC)
	stuck := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	archiver := &fakeArchiver{partitions: []archive.Partition{
		{Boundary: stuck, State: archive.PartitionStaged},
	}}

	s := newTestScheduler(t, archiver, &fakeSweeper{}, DefaultConfig(), now)
	s.Tick(context.Background())

	assert.Equal(t, []time.Time{stuck}, archiver.archived, "staged partitions retry on the next tick")
}

func TestTick_PurgeWaitsMinimumAge(t *testing.T) {
	now := time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC)
	oldArchive := now.Add(-10 * 24 * time.Hour)
	freshArchive := now.Add(-1 * 24 * time.Hour)

	archiver := &fakeArchiver{partitions: []archive.Partition{
		{Boundary: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), State: archive.PartitionArchived, ArchivedAt: &oldArchive},
		{Boundary: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC), State: archive.PartitionArchived, ArchivedAt: &freshArchive},
	}}
	cfg := DefaultConfig()
	cfg.AutoPurgeAfterArchive = true
	cfg.MinWaitBeforePurge = 7 * 24 * time.Hour

	s := newTestScheduler(t, archiver, &fakeSweeper{}, cfg, now)
	s.Tick(context.Background())

	require.Len(t, archiver.purged, 1)
	assert.Equal(t, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), archiver.purged[0])
}

func TestTick_PurgeDisabledByDefault(t *testing.T) {
	now := time.Date(2026, 6, 15, 3, 0, 0, 0, time.UTC)
	ancient := now.Add(-100 * 24 * time.Hour)

	archiver := &fakeArchiver{partitions: []archive.Partition{
		{Boundary: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), State: archive.PartitionArchived, ArchivedAt: &ancient},
	}}

	s := newTestScheduler(t, archiver, &fakeSweeper{}, DefaultConfig(), now)
	s.Tick(context.Background())

	assert.Empty(t, archiver.purged)
}

func TestTick_PreRegistersNextMonth(t *testing.T) {
	now := time.Date(2026, 6, 26, 3, 0, 0, 0, time.UTC)
	archiver := &fakeArchiver{}

	s := newTestScheduler(t, archiver, &fakeSweeper{}, DefaultConfig(), now)
	s.Tick(context.Background())

	require.Len(t, archiver.added, 1)
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), archiver.added[0])
}

func TestTick_SkipsPartitionWorkBeforeConfiguredDays(t *testing.T) {
	now := time.Date(2026, 6, 1, 3, 0, 0, 0, time.UTC)
	archiver := &fakeArchiver{partitions: []archive.Partition{
		{Boundary: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), State: archive.PartitionActive},
	}}
	cfg := DefaultConfig()
	cfg.AddPartitionOnDay = 25
	cfg.ArchiveOnDay = 2

	s := newTestScheduler(t, archiver, &fakeSweeper{}, cfg, now)
	s.Tick(context.Background())

	assert.Empty(t, archiver.added)
	assert.Empty(t, archiver.archived)
}

func TestTick_RunsSweeps(t *testing.T) {
	sweeper := &fakeSweeper{}
	s := newTestScheduler(t, &fakeArchiver{}, sweeper, DefaultConfig(), time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Equal(t, 2, sweeper.lockoutSweeps)
	assert.Equal(t, 2, sweeper.cleanups)
	assert.Equal(t, 2, sweeper.tokenSweeps)
}
