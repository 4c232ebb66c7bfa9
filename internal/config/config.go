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
	MediaDir          string        `envconfig:"MEDIA_DIR" default:"media"`
	DBPath            string        `envconfig:"DB_PATH" default:"downloads.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string        `envconfig:"DISCORD_WEBHOOK_URL"`
	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"3"`
	QueueSize         int           `envconfig:"QUEUE_SIZE" default:"100"`
	KeepDownloadedFor time.Duration `envconfig:"KEEP_DOWNLOADED_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"0s"`
	AllowedHosts      []string      `envconfig:"ALLOWED_HOSTS" default:"youtube.com,www.youtube.com,m.youtube.com,music.youtube.com,youtu.be,youtube-nocookie.com,www.youtube-nocookie.com"`

	Acquisition struct {
		YtdlpPath         string        `split_words:"true"`
		Clients           []string      `split_words:"true" default:"web,android,ios,mweb"`
		Proxies           []string      `split_words:"true"`
		Retries           int           `split_words:"true" default:"3"`
		AttemptTimeout    time.Duration `split_words:"true" default:"10m"`
		InitialBackoff    time.Duration `split_words:"true" default:"2s"`
		MaxBackoff        time.Duration `split_words:"true" default:"30s"`
		MaxElapsed        time.Duration `split_words:"true" default:"30m"`
		RequestsPerMinute int           `split_words:"true" default:"30"`
		Burst             int           `split_words:"true" default:"3"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8000"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"0s"`
		IdleTimeout     time.Duration `split_words:"true" default:"60s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}

	CORS struct {
		AllowedOrigins []string `split_words:"true" default:"http://localhost:3000,http://127.0.0.1:3000"`
	}

	Telemetry struct {
		Enabled      bool   `default:"true"`
		ServiceName  string `split_words:"true" default:"tube_downloader"`
		OTLPEndpoint string `envconfig:"OTLP_ENDPOINT"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel <= 0 {
		return nil, fmt.Errorf("MAX_PARALLEL must be positive, got %d", cfg.MaxParallel)
	}

	if cfg.QueueSize <= 0 {
		return nil, fmt.Errorf("QUEUE_SIZE must be positive, got %d", cfg.QueueSize)
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
