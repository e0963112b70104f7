package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const defaultBroker = "localhost:9092"

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 24, cfg.WindowSize)
	assert.Equal(t, 30*time.Second, cfg.IOTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Zero(t, cfg.Staleness)
	assert.InDelta(t, 0.01, cfg.MassTolerance, 1e-12)
	assert.Equal(t, 16, cfg.MaskCacheSize)
	assert.True(t, cfg.StoreSync)
	assert.Equal(t, 60*time.Second, cfg.RemoteTimeout)
	assert.Equal(t, "gridetl.db", cfg.CheckpointDB)
	assert.False(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{defaultBroker}, cfg.KafkaBrokers)
	assert.Equal(t, "grid-etl-jobs", cfg.KafkaJobTopic)
	assert.Equal(t, "grid-etl-manifests", cfg.KafkaManifestTopic)
	assert.Equal(t, "grid-etl", cfg.KafkaGroupID)
}

func TestLoad_CustomEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "text")
	t.Setenv("SHUTDOWN_TIMEOUT", "30s")
	t.Setenv("WORKERS", "8")
	t.Setenv("WINDOW_SIZE", "48")
	t.Setenv("IO_TIMEOUT", "5s")
	t.Setenv("MAX_RETRIES", "0")
	t.Setenv("STALENESS", "2h")
	t.Setenv("MASS_TOLERANCE", "0.05")
	t.Setenv("MASK_CACHE_SIZE", "64")
	t.Setenv("STORE_SYNC", "false")
	t.Setenv("REMOTE_TIMEOUT", "2m")
	t.Setenv("CHECKPOINT_DB", "/var/lib/gridetl/state.db")
	t.Setenv("KAFKA_ENABLED", "true")
	t.Setenv("KAFKA_BROKERS", "broker1:9092,broker2:9092")
	t.Setenv("KAFKA_JOB_TOPIC", "jobs")
	t.Setenv("KAFKA_MANIFEST_TOPIC", "manifests")
	t.Setenv("KAFKA_GROUP_ID", "custom-group")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 48, cfg.WindowSize)
	assert.Equal(t, 5*time.Second, cfg.IOTimeout)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 2*time.Hour, cfg.Staleness)
	assert.InDelta(t, 0.05, cfg.MassTolerance, 1e-12)
	assert.Equal(t, 64, cfg.MaskCacheSize)
	assert.False(t, cfg.StoreSync)
	assert.Equal(t, 2*time.Minute, cfg.RemoteTimeout)
	assert.Equal(t, "/var/lib/gridetl/state.db", cfg.CheckpointDB)
	assert.True(t, cfg.KafkaEnabled)
	assert.Equal(t, []string{"broker1:9092", "broker2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "jobs", cfg.KafkaJobTopic)
	assert.Equal(t, "manifests", cfg.KafkaManifestTopic)
	assert.Equal(t, "custom-group", cfg.KafkaGroupID)
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"SHUTDOWN_TIMEOUT", "not-a-duration"},
		{"SHUTDOWN_TIMEOUT", "-1s"},
		{"WORKERS", "0"},
		{"WORKERS", "many"},
		{"WINDOW_SIZE", "-3"},
		{"MAX_RETRIES", "101"},
		{"MASK_CACHE_SIZE", "0"},
		{"IO_TIMEOUT", "0s"},
		{"IO_TIMEOUT", "soon"},
		{"REMOTE_TIMEOUT", "-5s"},
		{"STALENESS", "-1h"},
		{"MASS_TOLERANCE", "-0.1"},
		{"MASS_TOLERANCE", "tight"},
		{"STORE_SYNC", "maybe"},
		{"KAFKA_ENABLED", "yes please"},
	}
	for _, tt := range tests {
		t.Run(tt.name+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.name, tt.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.name)
		})
	}
}

func TestLoad_ZeroStalenessAllowed(t *testing.T) {
	t.Setenv("STALENESS", "0s")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Zero(t, cfg.Staleness)
}

func TestLoadDotEnv(t *testing.T) {
	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("WORKERS=12\nLOG_LEVEL=warn\n"), 0o600))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("WORKERS", "")
	require.NoError(t, os.Unsetenv("WORKERS"))

	require.NoError(t, LoadDotEnv(path))
	t.Cleanup(func() { os.Unsetenv("WORKERS") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Workers)
	assert.Equal(t, "error", cfg.LogLevel, "existing environment wins over .env")
}
