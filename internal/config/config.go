package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	SourcesFile string `envconfig:"SOURCES_FILE" default:"sources.yaml"`
	IndexFile   string `envconfig:"INDEX_FILE"`
	TargetDir   string `envconfig:"TARGET_DIR" default:"downloads"`
	DBPath      string `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"INFO"`
	MaxParallel int    `envconfig:"MAX_PARALLEL" default:"3"`

	ChunkSize      int           `envconfig:"CHUNK_SIZE" default:"262144"`
	ConnectTimeout time.Duration `envconfig:"CONNECT_TIMEOUT" default:"10s"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"30s"`

	Probe struct {
		MaxDuration time.Duration `split_words:"true" default:"5s"`
		MaxBytes    int64         `split_words:"true" default:"73400320"`
		Freshness   time.Duration `split_words:"true" default:"5m"`
		Workers     int           `split_words:"true" default:"4"`
	}

	// ClaimLease is how long a ledger claim survives without renewal before
	// another process may take the destination over.
	ClaimLease time.Duration `envconfig:"CLAIM_LEASE" default:"10m"`

	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	KeepPartialFor    time.Duration `envconfig:"KEEP_PARTIAL_FOR" default:"168h"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9092"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"dlc_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be at least 1, got %d", cfg.MaxParallel)
	}

	if cfg.ChunkSize < 1 {
		return nil, fmt.Errorf("CHUNK_SIZE must be positive, got %d", cfg.ChunkSize)
	}

	if cfg.ClaimLease < 3*time.Second {
		return nil, fmt.Errorf("CLAIM_LEASE must be at least 3s, got %s", cfg.ClaimLease)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
