package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("DATA_PATH", "")
	t.Setenv("STORAGE_BACKEND", "")
	t.Setenv("JWT_EXPIRY", "")
	t.Setenv("MAX_VOLUME_BYTES", "")
	t.Setenv("DB_AUTO_MIGRATE", "")

	cfg := Load()

	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "sqlite", cfg.DBDriver)
	assert.True(t, cfg.AutoMigrate)
	assert.Equal(t, "local", cfg.StorageBackend)
	assert.Equal(t, "./data/volumes", cfg.DataPath)
	assert.Equal(t, 12*time.Hour, cfg.JWTExpiry)
	assert.Equal(t, int64(2<<30), cfg.MaxVolumeBytes)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("X_DURATION", "soon")
	t.Setenv("X_INT", "-4")
	t.Setenv("X_BOOL", "maybe")

	assert.Equal(t, time.Minute, envDuration("X_DURATION", time.Minute))
	assert.Equal(t, int64(10), envInt64("X_INT", 10))
	assert.True(t, envBool("X_BOOL", true))
}

func TestMissingS3Settings(t *testing.T) {
	cfg := &Config{AppEnv: "production", StorageBackend: "s3", S3Region: "eu-central-1"}
	assert.Equal(t, []string{"S3_BUCKET", "S3_ACCESS_KEY", "S3_SECRET_KEY"}, cfg.MissingS3Settings())

	cfg = &Config{AppEnv: "development", StorageBackend: "s3", S3Region: "eu-central-1", S3Bucket: "volumes"}
	assert.Empty(t, cfg.MissingS3Settings())
}
