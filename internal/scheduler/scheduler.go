// Package scheduler drives the periodic maintenance work: partition
// lifecycle (pre-register, archive, purge), expired lockout sweeps, login
// attempt retention, and expired refresh token cleanup.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"vigil/internal/archive"
)

// Archiver is the partition lifecycle surface the scheduler drives.
type Archiver interface {
	AddPartitionBoundary(ctx context.Context, boundary time.Time) error
	ArchivePartition(ctx context.Context, boundary time.Time, archivedBy, retentionPolicy string) (*archive.Manifest, error)
	PurgePartition(ctx context.Context, boundary time.Time) error
	ListPartitions(ctx context.Context, states ...archive.PartitionState) ([]archive.Partition, error)
}

// LockoutSweeper is the lockout maintenance surface.
type LockoutSweeper interface {
	ProcessExpiredLockouts(ctx context.Context) (int, error)
	CleanupOldLoginAttempts(ctx context.Context, retention time.Duration) (int, error)
}

// TokenSweeper removes expired refresh tokens.
type TokenSweeper interface {
	DeleteExpiredTokens(ctx context.Context) (int, error)
}

// Config carries the scheduling policy.
type Config struct {
	// TickInterval is how often due work is evaluated.
	TickInterval time.Duration
	// AddPartitionOnDay pre-registers next month's partition on this day of month.
	AddPartitionOnDay int
	// ArchiveOnDay runs archiving on this day of month.
	ArchiveOnDay int
	// MonthsToKeepBeforeArchive keeps this many whole months active before a
	// partition becomes eligible for archiving.
	MonthsToKeepBeforeArchive int
	// AutoPurgeAfterArchive enables purging archived partitions after MinWaitBeforePurge.
	AutoPurgeAfterArchive bool
	// MinWaitBeforePurge is the minimum age of an archive before its source rows may be purged.
	MinWaitBeforePurge time.Duration
	// RetentionPolicy is recorded on manifests created by the scheduler.
	RetentionPolicy string
	// ArchivedBy identifies the scheduler in manifests.
	ArchivedBy string
	// LoginAttemptRetention bounds the login attempt history.
	LoginAttemptRetention time.Duration
}

func DefaultConfig() Config {
	return Config{
		TickInterval:              time.Hour,
		AddPartitionOnDay:         25,
		ArchiveOnDay:              2,
		MonthsToKeepBeforeArchive: 3,
		AutoPurgeAfterArchive:     false,
		MinWaitBeforePurge:        7 * 24 * time.Hour,
		RetentionPolicy:           "standard",
		ArchivedBy:                "scheduler",
		LoginAttemptRetention:     90 * 24 * time.Hour,
	}
}

type Scheduler struct {
	archiver Archiver
	lockouts LockoutSweeper
	tokens   TokenSweeper
	logger   *slog.Logger
	config   Config
	clock    func() time.Time
}

type Option func(*Scheduler)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithConfig(cfg Config) Option {
	return func(s *Scheduler) { s.config = cfg }
}

// WithClock overrides the wall clock, used by tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) { s.clock = clock }
}

func New(archiver Archiver, lockouts LockoutSweeper, tokens TokenSweeper, opts ...Option) (*Scheduler, error) {
	if archiver == nil {
		return nil, errors.New("archiver is required")
	}
	s := &Scheduler{
		archiver: archiver,
		lockouts: lockouts,
		tokens:   tokens,
		logger:   slog.Default(),
		config:   DefaultConfig(),
		clock:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.config.TickInterval <= 0 {
		return nil, errors.New("tick interval must be positive")
	}
	return s, nil
}

// Run executes due work on every tick until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one evaluation of all due work. Exported for testability; Run
// passes wall-clock ticks.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.clock()

	if now.Day() >= s.config.AddPartitionOnDay {
		s.addNextPartition(ctx, now)
	}
	if now.Day() >= s.config.ArchiveOnDay {
		s.archiveDuePartitions(ctx, now)
	}
	if s.config.AutoPurgeAfterArchive {
		s.purgeDuePartitions(ctx, now)
	}
	s.sweep(ctx)
}

func (s *Scheduler) addNextPartition(ctx context.Context, now time.Time) {
	next := archive.NormalizeBoundary(now).AddDate(0, 1, 0)
	if err := s.archiver.AddPartitionBoundary(ctx, next); err != nil {
		s.logger.ErrorContext(ctx, "pre-register partition", "boundary", next, "error", err)
	}
}

// archiveDuePartitions archives every active partition older than the
// retention horizon. Failures are logged and retried on the next tick; a
// failed attempt leaves the partition staged, which ArchivePartition resumes.
func (s *Scheduler) archiveDuePartitions(ctx context.Context, now time.Time) {
	horizon := archive.NormalizeBoundary(now).AddDate(0, -s.config.MonthsToKeepBeforeArchive, 0)

	partitions, err := s.archiver.ListPartitions(ctx, archive.PartitionActive, archive.PartitionStaged)
	if err != nil {
		s.logger.ErrorContext(ctx, "list partitions for archive", "error", err)
		return
	}
	for _, partition := range partitions {
		if !partition.Boundary.Before(horizon) {
			continue
		}
		manifest, err := s.archiver.ArchivePartition(ctx, partition.Boundary, s.config.ArchivedBy, s.config.RetentionPolicy)
		if err != nil {
			s.logger.ErrorContext(ctx, "archive partition", "boundary", partition.Boundary, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "partition archived",
			"boundary", partition.Boundary,
			"records", manifest.RecordCount,
			"uri", manifest.ArchiveURI,
		)
	}
}

func (s *Scheduler) purgeDuePartitions(ctx context.Context, now time.Time) {
	partitions, err := s.archiver.ListPartitions(ctx, archive.PartitionArchived)
	if err != nil {
		s.logger.ErrorContext(ctx, "list partitions for purge", "error", err)
		return
	}
	for _, partition := range partitions {
		if partition.ArchivedAt == nil || now.Sub(*partition.ArchivedAt) < s.config.MinWaitBeforePurge {
			continue
		}
		if err := s.archiver.PurgePartition(ctx, partition.Boundary); err != nil {
			s.logger.ErrorContext(ctx, "purge partition", "boundary", partition.Boundary, "error", err)
			continue
		}
		s.logger.InfoContext(ctx, "partition purged", "boundary", partition.Boundary)
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	if s.lockouts != nil {
		if _, err := s.lockouts.ProcessExpiredLockouts(ctx); err != nil {
			s.logger.ErrorContext(ctx, "process expired lockouts", "error", err)
		}
		if s.config.LoginAttemptRetention > 0 {
			if _, err := s.lockouts.CleanupOldLoginAttempts(ctx, s.config.LoginAttemptRetention); err != nil {
				s.logger.ErrorContext(ctx, "cleanup login attempts", "error", err)
			}
		}
	}
	if s.tokens != nil {
		if _, err := s.tokens.DeleteExpiredTokens(ctx); err != nil {
			s.logger.ErrorContext(ctx, "delete expired tokens", "error", err)
		}
	}
}
