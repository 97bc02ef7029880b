// Package config loads service configuration from environment variables and
// violation-threshold profiles from YAML files.
package config

import (
	"os"
	"strconv"
)

// Config holds service configuration.
type Config struct {
	LogLevel string

	// Storage selects the quarantine record backend: "memory", "sqlite" or
	// "postgres".
	Storage     string
	DatabaseURL string
	SQLitePath  string

	SnapshotDir      string
	SnapshotCapacity int

	// RedisAddr enables the shared violation ledger when non-empty.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	SMTPHost        string
	SMTPPort        string
	SMTPFrom        string
	AlertRecipients string

	// ThresholdProfile names the violation-threshold YAML profile to load at
	// startup, resolved under ThresholdDir.
	ThresholdDir     string
	ThresholdProfile string

	// ArchiveBucket enables S3 archival of evicted snapshots when non-empty.
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
	ArchivePrefix   string

	OTLPEndpoint string
}

// Load loads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	storage := os.Getenv("STORAGE_BACKEND")
	if storage == "" {
		storage = "sqlite"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		// Default to local generic postgres
		dbURL = "postgres://aegis@localhost:5432/aegis?sslmode=disable"
	}

	sqlitePath := os.Getenv("SQLITE_PATH")
	if sqlitePath == "" {
		sqlitePath = "aegis.db"
	}

	snapshotDir := os.Getenv("SNAPSHOT_DIR")
	if snapshotDir == "" {
		snapshotDir = "snapshots"
	}

	capacity := 0
	if raw := os.Getenv("SNAPSHOT_CAPACITY"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			capacity = n
		}
	}

	redisDB := 0
	if raw := os.Getenv("REDIS_DB"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			redisDB = n
		}
	}

	return &Config{
		LogLevel:         logLevel,
		Storage:          storage,
		DatabaseURL:      dbURL,
		SQLitePath:       sqlitePath,
		SnapshotDir:      snapshotDir,
		SnapshotCapacity: capacity,
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		RedisPassword:    os.Getenv("REDIS_PASSWORD"),
		RedisDB:          redisDB,
		SMTPHost:         os.Getenv("SMTP_HOST"),
		SMTPPort:         os.Getenv("SMTP_PORT"),
		SMTPFrom:         os.Getenv("SMTP_FROM"),
		AlertRecipients:  os.Getenv("ALERT_RECIPIENTS"),
		ThresholdDir:     os.Getenv("THRESHOLD_DIR"),
		ThresholdProfile: os.Getenv("THRESHOLD_PROFILE"),
		ArchiveBucket:    os.Getenv("ARCHIVE_S3_BUCKET"),
		ArchiveRegion:    os.Getenv("ARCHIVE_S3_REGION"),
		ArchiveEndpoint:  os.Getenv("ARCHIVE_S3_ENDPOINT"),
		ArchivePrefix:    os.Getenv("ARCHIVE_S3_PREFIX"),
		OTLPEndpoint:     os.Getenv("OTLP_ENDPOINT"),
	}
}
