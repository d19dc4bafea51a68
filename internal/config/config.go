// Package config provides configuration loading from environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// ServiceConfig holds configuration for the tilemath API service.
type ServiceConfig struct {
	Port              string        `env:"PORT" envDefault:"8000"`
	APIKeyFile        string        `env:"API_KEY_FILE"`
	ShutdownDrainWait time.Duration `env:"SHUTDOWN_DRAIN_WAIT" envDefault:"5s"` // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string        `env:"LOG_LEVEL" envDefault:"info"`

	// APIKey is read from APIKeyFile after parsing.
	APIKey string `env:"-"`
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() (*ServiceConfig, error) {
	cfg, err := Parse[ServiceConfig]()
	if err != nil {
		return nil, err
	}
	cfg.APIKey = GetSecretFile(cfg.APIKeyFile)
	return &cfg, nil
}

// WorkerConfig holds configuration for the tilemath worker process.
type WorkerConfig struct {
	MetricsPort     string        `env:"METRICS_PORT" envDefault:"9100"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"` // Time to let in-flight jobs finish
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
}

// LoadWorkerConfig loads worker configuration from environment variables.
func LoadWorkerConfig() (*WorkerConfig, error) {
	cfg, err := Parse[WorkerConfig]()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewLogger returns a JSON logger on stdout at the given LOG_LEVEL.
func NewLogger(level string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
}

// ParseLevel converts a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}
