// Package config provides configuration loading and validation for the
// server. It uses koanf to merge environment variables with optional file
// overrides; environment variables take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the server.
type Config struct {
	// Server settings
	Addr string `koanf:"addr"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Redis (family revocation list); empty disables it
	RedisURL string `koanf:"redis_url"`

	// JWT access tokens
	JWTSigningKey string `koanf:"jwt_signing_key"`
	JWTIssuer     string `koanf:"jwt_issuer"`
	JWTAudience   string `koanf:"jwt_audience"`

	// Refresh tokens
	RefreshTokenTTL time.Duration `koanf:"refresh_token_ttl"`
	AccessTokenTTL  time.Duration `koanf:"access_token_ttl"`

	// Audit recording
	AuditProcessingMode string        `koanf:"audit_processing_mode"` // sync | batched
	AuditBatchSize      int           `koanf:"audit_batch_size"`
	AuditFlushInterval  time.Duration `koanf:"audit_flush_interval"`

	// Account lockout policy
	FailedAttemptThreshold int           `koanf:"failed_attempt_threshold"`
	BaseLockoutDuration    time.Duration `koanf:"base_lockout_duration"`
	MaxLockoutDuration     time.Duration `koanf:"max_lockout_duration"`
	AttemptResetWindow     time.Duration `koanf:"attempt_reset_window"`
	EnableAccountLockout   bool          `koanf:"enable_account_lockout"`
	TrackLoginAttempts     bool          `koanf:"track_login_attempts"`
	LoginAttemptRetention  time.Duration `koanf:"login_attempt_retention"`

	// Archive blob storage (S3-compatible)
	S3Bucket          string `koanf:"s3_bucket"`
	S3Region          string `koanf:"s3_region"`
	S3Endpoint        string `koanf:"s3_endpoint"`
	S3AccessKeyID     string `koanf:"s3_access_key_id"`
	S3SecretAccessKey string `koanf:"s3_secret_access_key"`

	// Archive scheduling
	AddPartitionOnDay         int           `koanf:"add_partition_on_day"`
	ArchiveOnDay              int           `koanf:"archive_on_day"`
	MonthsToKeepBeforeArchive int           `koanf:"months_to_keep_before_archive"`
	AutoPurgeAfterArchive     bool          `koanf:"auto_purge_after_archive"`
	MinWaitBeforePurge        time.Duration `koanf:"min_wait_before_purge"`
	RetentionPolicy           string        `koanf:"retention_policy"`

	// Security event feed (Kafka); empty brokers disable it
	KafkaBrokers       []string `koanf:"kafka_brokers"`
	SecurityEventTopic string   `koanf:"security_event_topic"`
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL    = errors.New("DATABASE_URL is required")
	ErrMissingJWTSigningKey  = errors.New("JWT_SIGNING_KEY is required")
	ErrMissingS3Bucket       = errors.New("S3_BUCKET is required")
	ErrInvalidProcessingMode = errors.New("AUDIT_PROCESSING_MODE must be sync or batched")
)

// Default values for non-secret configuration.
const (
	DefaultAddr               = ":8080"
	DefaultEnv                = "development"
	DefaultJWTIssuer          = "vigil"
	DefaultJWTAudience        = "vigil-api"
	DefaultProcessingMode     = "batched"
	DefaultAuditBatchSize     = 50
	DefaultSecurityEventTopic = "vigil.security.events"
)

// Load reads configuration from environment variables and an optional YAML
// file. Returns the loaded config and a slice of validation errors.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	cfg := &Config{
		Addr:        getEnvOrDefault("VIGIL_ADDR", k.String("addr"), DefaultAddr),
		Env:         getEnvOrDefault("VIGIL_ENV", k.String("env"), DefaultEnv),
		DatabaseURL: getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		RedisURL:    getEnvOrKoanf("REDIS_URL", k, "redis_url"),

		JWTSigningKey: getEnvOrKoanf("JWT_SIGNING_KEY", k, "jwt_signing_key"),
		JWTIssuer:     getEnvOrDefault("JWT_ISSUER", k.String("jwt_issuer"), DefaultJWTIssuer),
		JWTAudience:   getEnvOrDefault("JWT_AUDIENCE", k.String("jwt_audience"), DefaultJWTAudience),

		RefreshTokenTTL: getEnvDurationOrDefault("REFRESH_TOKEN_TTL", k.Duration("refresh_token_ttl"), 30*24*time.Hour, &loadErrs),
		AccessTokenTTL:  getEnvDurationOrDefault("ACCESS_TOKEN_TTL", k.Duration("access_token_ttl"), 15*time.Minute, &loadErrs),

		AuditProcessingMode: strings.ToLower(getEnvOrDefault("AUDIT_PROCESSING_MODE", k.String("audit_processing_mode"), DefaultProcessingMode)),
		AuditBatchSize:      getEnvIntOrDefault("AUDIT_BATCH_SIZE", k.Int("audit_batch_size"), DefaultAuditBatchSize, &loadErrs),
		AuditFlushInterval:  getEnvDurationOrDefault("AUDIT_FLUSH_INTERVAL", k.Duration("audit_flush_interval"), time.Second, &loadErrs),

		FailedAttemptThreshold: getEnvIntOrDefault("FAILED_ATTEMPT_THRESHOLD", k.Int("failed_attempt_threshold"), 5, &loadErrs),
		BaseLockoutDuration:    getEnvDurationOrDefault("BASE_LOCKOUT_DURATION", k.Duration("base_lockout_duration"), 5*time.Minute, &loadErrs),
		MaxLockoutDuration:     getEnvDurationOrDefault("MAX_LOCKOUT_DURATION", k.Duration("max_lockout_duration"), 60*time.Minute, &loadErrs),
		AttemptResetWindow:     getEnvDurationOrDefault("ATTEMPT_RESET_WINDOW", k.Duration("attempt_reset_window"), 24*time.Hour, &loadErrs),
		EnableAccountLockout:   getEnvBoolOrDefault("ENABLE_ACCOUNT_LOCKOUT", k, "enable_account_lockout", true),
		TrackLoginAttempts:     getEnvBoolOrDefault("TRACK_LOGIN_ATTEMPTS", k, "track_login_attempts", true),
		LoginAttemptRetention:  getEnvDurationOrDefault("LOGIN_ATTEMPT_RETENTION", k.Duration("login_attempt_retention"), 90*24*time.Hour, &loadErrs),

		S3Bucket:          getEnvOrKoanf("S3_BUCKET", k, "s3_bucket"),
		S3Region:          getEnvOrKoanf("S3_REGION", k, "s3_region"),
		S3Endpoint:        getEnvOrKoanf("S3_ENDPOINT", k, "s3_endpoint"),
		S3AccessKeyID:     getEnvOrKoanf("S3_ACCESS_KEY_ID", k, "s3_access_key_id"),
		S3SecretAccessKey: getEnvOrKoanf("S3_SECRET_ACCESS_KEY", k, "s3_secret_access_key"),

		AddPartitionOnDay:         getEnvIntOrDefault("ADD_PARTITION_ON_DAY", k.Int("add_partition_on_day"), 25, &loadErrs),
		ArchiveOnDay:              getEnvIntOrDefault("ARCHIVE_ON_DAY", k.Int("archive_on_day"), 2, &loadErrs),
		MonthsToKeepBeforeArchive: getEnvIntOrDefault("MONTHS_TO_KEEP_BEFORE_ARCHIVE", k.Int("months_to_keep_before_archive"), 3, &loadErrs),
		AutoPurgeAfterArchive:     getEnvBoolOrDefault("AUTO_PURGE_AFTER_ARCHIVE", k, "auto_purge_after_archive", false),
		MinWaitBeforePurge:        getEnvDurationOrDefault("MIN_WAIT_BEFORE_PURGE", k.Duration("min_wait_before_purge"), 7*24*time.Hour, &loadErrs),
		RetentionPolicy:           getEnvOrDefault("RETENTION_POLICY", k.String("retention_policy"), "standard"),

		KafkaBrokers:       getEnvListOrKoanf("KAFKA_BROKERS", k, "kafka_brokers"),
		SecurityEventTopic: getEnvOrDefault("SECURITY_EVENT_TOPIC", k.String("security_event_topic"), DefaultSecurityEventTopic),
	}

	errs := cfg.Validate()
	errs = append(loadErrs, errs...)
	return cfg, errs
}

// Validate checks required values and cross-field consistency.
func (c *Config) Validate() []error {
	var errs []error
	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	if c.JWTSigningKey == "" {
		errs = append(errs, ErrMissingJWTSigningKey)
	}
	if c.S3Bucket == "" {
		errs = append(errs, ErrMissingS3Bucket)
	}
	if c.AuditProcessingMode != "sync" && c.AuditProcessingMode != "batched" {
		errs = append(errs, ErrInvalidProcessingMode)
	}
	if c.MaxLockoutDuration < c.BaseLockoutDuration {
		errs = append(errs, errors.New("MAX_LOCKOUT_DURATION must be >= BASE_LOCKOUT_DURATION"))
	}
	return errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int, loadErrs *[]error) int {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			*loadErrs = append(*loadErrs, fmt.Errorf("%s must be a valid integer: %w", envKey, err))
			return defaultVal
		}
		return parsed
	}
	if koanfVal != 0 {
		return koanfVal
	}
	return defaultVal
}

func getEnvDurationOrDefault(envKey string, koanfVal time.Duration, defaultVal time.Duration, loadErrs *[]error) time.Duration {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := time.ParseDuration(val)
		if err != nil {
			*loadErrs = append(*loadErrs, fmt.Errorf("%s must be a valid duration: %w", envKey, err))
			return defaultVal
		}
		return parsed
	}
	if koanfVal != 0 {
		return koanfVal
	}
	return defaultVal
}

func getEnvBoolOrDefault(envKey string, k *koanf.Koanf, koanfKey string, defaultVal bool) bool {
	if val := os.Getenv(envKey); val != "" {
		switch strings.ToLower(val) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	if k.Exists(koanfKey) {
		return k.Bool(koanfKey)
	}
	return defaultVal
}

// getEnvListOrKoanf parses a comma-separated environment list, falling back
// to the koanf slice.
func getEnvListOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) []string {
	if val := os.Getenv(envKey); val != "" {
		parts := strings.Split(val, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		return out
	}
	return k.Strings(koanfKey)
}
