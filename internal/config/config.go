package config

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName string
	AppEnv  string

	// Database (optional driver switch via ENV, default: sqlite)
	DBDriver     string
	DBConnection string
	AutoMigrate  bool

	// Artifact storage
	StorageBackend string // "local" or "s3"
	DataPath       string // Root directory for local storage
	MaxVolumeBytes int64

	// Identity
	JWTSecret string
	JWTExpiry time.Duration

	// Observability (optional)
	SentryDSN string

	// Storage (S3-compatible: MinIO, AWS S3, Cloudflare R2, DigitalOcean Spaces, etc.)
	S3Region    string
	S3Bucket    string
	S3AccessKey string
	S3SecretKey string
	S3Endpoint  string // Optional: for S3-compatible services (MinIO, DO Spaces, R2, etc.)
	S3Prefix    string // Optional: key prefix acting as the storage root
}

func Load() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := &Config{
		// Application
		AppName: envString("APP_NAME", "ISSM"),
		AppEnv:  envRequired("APP_ENV"), // Required: 'development' or 'production'

		// Database
		DBDriver:     envString("DB_DRIVER", "sqlite"),
		DBConnection: envString("DB_CONNECTION", "./data/issm.db?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"),
		AutoMigrate:  envBool("DB_AUTO_MIGRATE", true),

		// Artifact storage
		StorageBackend: envString("STORAGE_BACKEND", "local"),
		DataPath:       envString("DATA_PATH", "./data/volumes"),
		MaxVolumeBytes: envInt64("MAX_VOLUME_BYTES", 2<<30), // 2 GiB

		// Identity
		JWTSecret: envRequired("JWT_SECRET"),
		JWTExpiry: envDuration("JWT_EXPIRY", 12*time.Hour),

		// Observability
		SentryDSN: envString("SENTRY_DSN", ""),

		// Storage (only read when STORAGE_BACKEND=s3)
		S3Region:    envString("S3_REGION", ""),
		S3Bucket:    envString("S3_BUCKET", ""),
		S3AccessKey: envString("S3_ACCESS_KEY", ""),
		S3SecretKey: envString("S3_SECRET_KEY", ""),
		S3Endpoint:  envString("S3_ENDPOINT", ""),
		S3Prefix:    envString("S3_PREFIX", ""),
	}

	if cfg.StorageBackend == "s3" {
		validateS3(cfg)
	}

	return cfg
}

// validateS3 ensures the object store is fully configured before anything is written to it
func validateS3(cfg *Config) {
	missing := cfg.MissingS3Settings()
	if len(missing) > 0 {
		slog.Error("STORAGE_BACKEND=s3 requires S3 settings", "missing", missing)
		os.Exit(1)
	}
}

// MissingS3Settings lists the S3 keys that are required but unset
func (c *Config) MissingS3Settings() []string {
	var missing []string
	if c.S3Region == "" {
		missing = append(missing, "S3_REGION")
	}
	if c.S3Bucket == "" {
		missing = append(missing, "S3_BUCKET")
	}
	if c.IsProduction() && (c.S3AccessKey == "" || c.S3SecretKey == "") {
		missing = append(missing, "S3_ACCESS_KEY", "S3_SECRET_KEY")
	}
	return missing
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envInt64(key string, def int64) int64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n <= 0 {
		slog.Warn("config invalid integer, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

func envRequired(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Error("config required env var missing", "key", key)
	os.Exit(1)
	return ""
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}
