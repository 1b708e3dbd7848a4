// Command server wires the audit ledger, archive lifecycle, refresh token
// rotation, lockout policy, and their operational HTTP surface.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"vigil/internal/archive"
	"vigil/internal/archive/blob"
	archivemetrics "vigil/internal/archive/metrics"
	manifeststore "vigil/internal/archive/store/manifest"
	partitionstore "vigil/internal/archive/store/partition"
	"vigil/internal/audit/ledger"
	auditmetrics "vigil/internal/audit/metrics"
	"vigil/internal/audit/publisher"
	"vigil/internal/audit/recorder"
	ledgerstore "vigil/internal/audit/store/ledger"
	jwttoken "vigil/internal/jwt_token"
	lockoutmetrics "vigil/internal/lockout/metrics"
	lockoutservice "vigil/internal/lockout/service"
	lockoutstore "vigil/internal/lockout/store/lockout"
	"vigil/internal/lockout/store/loginattempt"
	"vigil/internal/platform/config"
	"vigil/internal/platform/httpserver"
	"vigil/internal/platform/logger"
	platformredis "vigil/internal/platform/redis"
	"vigil/internal/scheduler"
	tokenmetrics "vigil/internal/token/metrics"
	"vigil/internal/token/revocation"
	tokenservice "vigil/internal/token/service"
	refreshtoken "vigil/internal/token/store/refresh-token"
)

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintln(os.Stderr, "config:", err)
		}
		os.Exit(1)
	}

	log := logger.New(cfg.Env)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping database: %w", err)
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var security publisher.SecurityPublisher = publisher.Nop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := publisher.NewKafka(cfg.KafkaBrokers, cfg.SecurityEventTopic, log)
		if err != nil {
			return fmt.Errorf("create security publisher: %w", err)
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = kafka.Close(closeCtx)
		}()
		security = kafka
	}

	// Audit ledger
	auditM := auditmetrics.New(registry)
	ledgerStore := ledgerstore.NewPostgres(db)
	ledgerSvc, err := ledger.New(ledgerStore,
		ledger.WithLogger(log),
		ledger.WithMetrics(auditM),
	)
	if err != nil {
		return fmt.Errorf("create ledger service: %w", err)
	}

	var rec recorder.Recorder = recorder.NewSync(ledgerSvc)
	var batched *recorder.BatchedRecorder
	if cfg.AuditProcessingMode == "batched" {
		batched, err = recorder.NewBatched(ledgerSvc, cfg.AuditBatchSize, cfg.AuditFlushInterval,
			recorder.WithLogger(log),
			recorder.WithMetrics(auditM),
		)
		if err != nil {
			return fmt.Errorf("create batched recorder: %w", err)
		}
		rec = batched
	}

	// Archive lifecycle
	blobStore, err := blob.NewS3(blob.S3Config{
		Bucket:          cfg.S3Bucket,
		Endpoint:        cfg.S3Endpoint,
		Region:          cfg.S3Region,
		AccessKeyID:     cfg.S3AccessKeyID,
		SecretAccessKey: cfg.S3SecretAccessKey,
	})
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}
	archiveSvc, err := archive.NewService(
		ledgerStore,
		ledgerSvc,
		manifeststore.NewPostgres(db),
		partitionstore.NewPostgres(db),
		blobStore,
		archive.WithLogger(log),
		archive.WithMetrics(archivemetrics.New(registry)),
		archive.WithSecurityPublisher(security),
	)
	if err != nil {
		return fmt.Errorf("create archive service: %w", err)
	}

	// Refresh token rotation
	var frl revocation.FamilyRevocationList = revocation.NopFRL{}
	if redisClient != nil {
		frl = revocation.NewRedisFRL(redisClient.Client)
	}
	jwtSvc := jwttoken.New(cfg.JWTSigningKey, cfg.JWTIssuer, cfg.JWTAudience)
	tokenSvc, err := tokenservice.New(refreshtoken.NewPostgres(db), jwtSvc,
		tokenservice.WithLogger(log),
		tokenservice.WithConfig(tokenservice.Config{
			RefreshTokenTTL: cfg.RefreshTokenTTL,
			AccessTokenTTL:  cfg.AccessTokenTTL,
		}),
		tokenservice.WithMetrics(tokenmetrics.New(registry)),
		tokenservice.WithRevocationList(frl),
		tokenservice.WithSecurityPublisher(security),
		tokenservice.WithRecorder(rec),
	)
	if err != nil {
		return fmt.Errorf("create token service: %w", err)
	}

	// Account lockout policy
	lockoutSvc, err := lockoutservice.New(lockoutstore.NewPostgres(db), loginattempt.NewPostgres(db),
		lockoutservice.WithLogger(log),
		lockoutservice.WithConfig(lockoutservice.Config{
			FailedAttemptThreshold: cfg.FailedAttemptThreshold,
			BaseLockoutDuration:    cfg.BaseLockoutDuration,
			MaxLockoutDuration:     cfg.MaxLockoutDuration,
			AttemptResetWindow:     cfg.AttemptResetWindow,
			EnableAccountLockout:   cfg.EnableAccountLockout,
			TrackLoginAttempts:     cfg.TrackLoginAttempts,
		}),
		lockoutservice.WithMetrics(lockoutmetrics.New(registry)),
		lockoutservice.WithSecurityPublisher(security),
		lockoutservice.WithRecorder(rec),
	)
	if err != nil {
		return fmt.Errorf("create lockout service: %w", err)
	}

	schedCfg := scheduler.DefaultConfig()
	schedCfg.AddPartitionOnDay = cfg.AddPartitionOnDay
	schedCfg.ArchiveOnDay = cfg.ArchiveOnDay
	schedCfg.MonthsToKeepBeforeArchive = cfg.MonthsToKeepBeforeArchive
	schedCfg.AutoPurgeAfterArchive = cfg.AutoPurgeAfterArchive
	schedCfg.MinWaitBeforePurge = cfg.MinWaitBeforePurge
	schedCfg.RetentionPolicy = cfg.RetentionPolicy
	schedCfg.LoginAttemptRetention = cfg.LoginAttemptRetention
	sched, err := scheduler.New(archiveSvc, lockoutSvc, tokenSvc,
		scheduler.WithLogger(log),
		scheduler.WithConfig(schedCfg),
	)
	if err != nil {
		return fmt.Errorf("create scheduler: %w", err)
	}

	router := httpserver.NewRouter(registry, func(r *http.Request) error {
		if err := db.PingContext(r.Context()); err != nil {
			return fmt.Errorf("database: %w", err)
		}
		if redisClient != nil {
			if err := redisClient.Health(r.Context()); err != nil {
				return fmt.Errorf("redis: %w", err)
			}
		}
		return nil
	})
	srv := httpserver.New(cfg.Addr, router)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info("starting server", "addr", cfg.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if batched != nil {
		group.Go(func() error {
			return batched.Run(groupCtx)
		})
	}
	group.Go(func() error {
		return sched.Run(groupCtx)
	})

	return group.Wait()
}
