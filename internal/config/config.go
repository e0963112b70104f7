package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/joho/godotenv"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// Pipeline tuning.
	Workers       int
	WindowSize    int
	IOTimeout     time.Duration
	MaxRetries    int
	Staleness     time.Duration
	MassTolerance float64
	MaskCacheSize int
	StoreSync     bool
	RemoteTimeout time.Duration

	CheckpointDB string

	// Kafka job intake and manifest events.
	KafkaEnabled       bool
	KafkaBrokers       []string
	KafkaJobTopic      string
	KafkaManifestTopic string
	KafkaGroupID       string
}

// LoadDotEnv loads variables from a .env file when one exists. Variables
// already set in the environment win.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		HTTPAddr:           sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:           sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:          sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout:    shutdownTimeout,
		CheckpointDB:       sharedcfg.EnvOrDefault("CHECKPOINT_DB", "gridetl.db"),
		KafkaBrokers:       sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaJobTopic:      sharedcfg.EnvOrDefault("KAFKA_JOB_TOPIC", "grid-etl-jobs"),
		KafkaManifestTopic: sharedcfg.EnvOrDefault("KAFKA_MANIFEST_TOPIC", "grid-etl-manifests"),
		KafkaGroupID:       sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "grid-etl"),
	}

	if cfg.Workers, err = parseInt("WORKERS", 4, 1, 256); err != nil {
		return nil, err
	}
	if cfg.WindowSize, err = parseInt("WINDOW_SIZE", 24, 1, 10000); err != nil {
		return nil, err
	}
	if cfg.MaxRetries, err = parseInt("MAX_RETRIES", 3, 0, 100); err != nil {
		return nil, err
	}
	if cfg.MaskCacheSize, err = parseInt("MASK_CACHE_SIZE", 16, 1, 1<<16); err != nil {
		return nil, err
	}
	if cfg.IOTimeout, err = parseDuration("IO_TIMEOUT", 30*time.Second, false); err != nil {
		return nil, err
	}
	if cfg.RemoteTimeout, err = parseDuration("REMOTE_TIMEOUT", 60*time.Second, false); err != nil {
		return nil, err
	}
	// Zero staleness leaves empty bins missing.
	if cfg.Staleness, err = parseDuration("STALENESS", 0, true); err != nil {
		return nil, err
	}
	if cfg.MassTolerance, err = parseFloat("MASS_TOLERANCE", 0.01); err != nil {
		return nil, err
	}
	if cfg.StoreSync, err = parseBool("STORE_SYNC", true); err != nil {
		return nil, err
	}
	if cfg.KafkaEnabled, err = parseBool("KAFKA_ENABLED", false); err != nil {
		return nil, err
	}

	if cfg.CheckpointDB == "" {
		return nil, errors.New("CHECKPOINT_DB is required")
	}
	if cfg.KafkaEnabled {
		if len(cfg.KafkaBrokers) == 0 {
			return nil, errors.New("KAFKA_BROKERS is required when KAFKA_ENABLED is true")
		}
		if cfg.KafkaJobTopic == "" {
			return nil, errors.New("KAFKA_JOB_TOPIC is required when KAFKA_ENABLED is true")
		}
	}

	return cfg, nil
}

func parseInt(name string, def, lo, hi int) (int, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("invalid %s %q: must be an integer in [%d, %d]", name, s, lo, hi)
	}
	return n, nil
}

func parseDuration(name string, def time.Duration, allowZero bool) (time.Duration, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 || (d == 0 && !allowZero) {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return d, nil
}

func parseFloat(name string, def float64) (float64, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, s)
	}
	return f, nil
}

func parseBool(name string, def bool) (bool, error) {
	s := os.Getenv(name)
	if s == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("invalid %s %q", name, s)
	}
	return b, nil
}
