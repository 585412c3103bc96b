// Package config provides configuration management functionality.
// Configuration is loaded from environment variables (.env file); every
// tuning knob of the forecast lifecycle carries an inline default so a bare
// environment produces a working system.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	LogLevel string
	Port     int
	DevMode  bool

	// S3-compatible backup target. Backup is disabled when Bucket is empty.
	BackupBucket    string
	BackupEndpoint  string
	BackupAccessKey string
	BackupSecretKey string
	BackupKeep      int // number of cloud backups to retain

	Lifecycle LifecycleConfig
}

// LifecycleConfig carries the tuning knobs of the forecast lifecycle and
// governance engines. Defaults match the product thresholds; anything a
// product needs to vary is set here, never hard-coded at call sites.
type LifecycleConfig struct {
	LeaseDuration    time.Duration // scheduler lease; >= 2x expected run time
	OutcomeBatchSize int           // pending snapshots per tracker batch
	OutcomeEpsilon   float64       // min |realized move| for WIN/LOSS
	MinSamples       int           // below this, quality is sample-capped
	DefaultWindow    int           // rolling window for cohort stats
	DecayTauDays     float64       // exponential decay constant for weights

	AlertQuota         int           // INFO/HIGH alerts per symbol per 24h
	AlertCooldown      time.Duration // INFO/HIGH per-fingerprint cooldown
	CriticalCooldown   time.Duration // CRITICAL per-type cooldown
	AlertBatchCap      int           // max alerts per level per run
	RecoveryDays       int           // consecutive healthy evals to step down
	ProtectionLatch    time.Duration
	FrozenLatch        time.Duration
	HaltLatch          time.Duration
	BiasThreshold      float64 // |score| above which bias is directional
	TimingThreshold    float64 // |score| above which timing acts
	DriftWatchHitPP    float64 // drift ladder, hit-rate deltas in pp
	DriftWarnHitPP     float64
	DriftCriticalHitPP float64

	JobRunRetention time.Duration // how long JobRun audit records are kept
}

// Load reads configuration from the environment, consulting a .env file if
// present. Returns an error only for values that are present but invalid.
func Load() (*Config, error) {
	// Missing .env is fine; the environment may be set by systemd/docker.
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve DATA_DIR to absolute path: %w", err)
	}

	port, err := getEnvInt("PORT", 8080)
	if err != nil {
		return nil, err
	}

	batchSize, err := getEnvInt("OUTCOME_BATCH_SIZE", 50)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("OUTCOME_BATCH_SIZE must be positive, got %d", batchSize)
	}

	quota, err := getEnvInt("ALERT_QUOTA", 3)
	if err != nil {
		return nil, err
	}

	minSamples, err := getEnvInt("MIN_SAMPLES", 5)
	if err != nil {
		return nil, err
	}

	window, err := getEnvInt("DEFAULT_WINDOW", 50)
	if err != nil {
		return nil, err
	}

	recoveryDays, err := getEnvInt("RECOVERY_DAYS", 3)
	if err != nil {
		return nil, err
	}

	backupKeep, err := getEnvInt("BACKUP_KEEP", 7)
	if err != nil {
		return nil, err
	}

	lease, err := getEnvDuration("LEASE_DURATION", 10*time.Minute)
	if err != nil {
		return nil, err
	}

	epsilon, err := getEnvFloat("OUTCOME_EPSILON", 0.001)
	if err != nil {
		return nil, err
	}

	tau, err := getEnvFloat("DECAY_TAU_DAYS", 45)
	if err != nil {
		return nil, err
	}

	return &Config{
		DataDir:  absDataDir,
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Port:     port,
		DevMode:  getEnv("DEV_MODE", "false") == "true",

		BackupBucket:    getEnv("BACKUP_BUCKET", ""),
		BackupEndpoint:  getEnv("BACKUP_ENDPOINT", ""),
		BackupAccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_SECRET_KEY", ""),
		BackupKeep:      backupKeep,

		Lifecycle: LifecycleConfig{
			LeaseDuration:    lease,
			OutcomeBatchSize: batchSize,
			OutcomeEpsilon:   epsilon,
			MinSamples:       minSamples,
			DefaultWindow:    window,
			DecayTauDays:     tau,

			AlertQuota:       quota,
			AlertCooldown:    6 * time.Hour,
			CriticalCooldown: 1 * time.Hour,
			AlertBatchCap:    5,
			RecoveryDays:     recoveryDays,
			ProtectionLatch:  24 * time.Hour,
			FrozenLatch:      48 * time.Hour,
			HaltLatch:        72 * time.Hour,
			BiasThreshold:    0.15,
			TimingThreshold:  0.15,

			DriftWatchHitPP:    2,
			DriftWarnHitPP:     5,
			DriftCriticalHitPP: 8,

			JobRunRetention: 14 * 24 * time.Hour,
		},
	}, nil
}

// DatabasePath returns the absolute path of a named database file.
func (c *Config) DatabasePath(name string) string {
	return filepath.Join(c.DataDir, name+".db")
}

// getEnv retrieves an environment variable, returning fallback if unset.
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
