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
	VimeoToken   string        `envconfig:"VIMEO_TOKEN" required:"true"`
	VimeoBaseURL string        `envconfig:"VIMEO_BASE_URL" default:"https://api.vimeo.com"`
	APITimeout   time.Duration `envconfig:"API_TIMEOUT" default:"30s"`

	DownloadDir     string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	Folder          string        `envconfig:"FOLDER"`
	Overwrite       bool          `envconfig:"OVERWRITE" default:"false"`
	MaxParallel     int           `envconfig:"MAX_PARALLEL" default:"4"`
	DownloadTimeout time.Duration `envconfig:"DOWNLOAD_TIMEOUT" default:"30m"`

	MaxRetries     int           `envconfig:"MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"RETRY_BASE_DELAY" default:"1s"`
	RetryMaxDelay  time.Duration `envconfig:"RETRY_MAX_DELAY" default:"30s"`

	FlushInterval time.Duration `envconfig:"FLUSH_INTERVAL" default:"5s"`
	DBPath        string        `envconfig:"DB_PATH" default:"history.db"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"INFO"`

	Telemetry struct {
		Enabled     bool   `split_words:"true" default:"true"`
		ServiceName string `split_words:"true" default:"vimeoarc"`
	}

	Status struct {
		BindAddress     string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
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
