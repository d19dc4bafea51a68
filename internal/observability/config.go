package observability

import (
	"slices"

	"tilemath/internal/config"
)

// Roles select which completion counter a process reports into.
const (
	RoleAPI    = "api"
	RoleWorker = "worker"
)

const defaultTrackedSubmissions = 100000

var defaultLatencyBucketsMs = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}

// Config holds metrics configuration.
type Config struct {
	// LatencyBucketsMs are the boundaries of the end-to-end and compute histograms.
	LatencyBucketsMs []float64 `env:"METRICS_LATENCY_BUCKETS_MS" envSeparator:","`

	// TrackedSubmissions bounds how many submitted ids are remembered for
	// attributing completions. Older ids complete as jobs_processed.
	TrackedSubmissions int `env:"METRICS_TRACKED_SUBMISSIONS" envDefault:"100000"`

	// Role is set by the binary. Worker processes never submit, so every
	// completion they record is jobs_processed.
	Role string `env:"-"`
}

// LoadConfigFromEnv loads metrics configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if len(c.LatencyBucketsMs) == 0 {
		c.LatencyBucketsMs = slices.Clone(defaultLatencyBucketsMs)
	}
	slices.Sort(c.LatencyBucketsMs)
	c.LatencyBucketsMs = slices.Compact(c.LatencyBucketsMs)
	if c.TrackedSubmissions <= 0 {
		c.TrackedSubmissions = defaultTrackedSubmissions
	}
	if c.Role == "" {
		c.Role = RoleAPI
	}
	return c
}
