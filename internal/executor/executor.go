// Package executor turns a job spec into a result summary.
//
// Implementations must be pure functions of the spec: queued jobs are
// delivered at least once, so the same spec may execute more than once and
// must produce the same checksum every time.
package executor

import (
	"context"

	"tilemath/internal/config"
	"tilemath/internal/job"
)

// Executor runs one job spec.
type Executor interface {
	Execute(ctx context.Context, spec job.Spec) (*job.ResultSummary, error)
}

// Func adapts a function to the Executor interface.
type Func func(ctx context.Context, spec job.Spec) (*job.ResultSummary, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, spec job.Spec) (*job.ResultSummary, error) {
	return f(ctx, spec)
}

const defaultMaxRealElements = 128 * 128

// Config holds executor configuration.
type Config struct {
	// MaxRealElements caps each operand (m*k, k*n, m*n) for real computation.
	// Larger shapes are simulated.
	MaxRealElements int64 `env:"EXECUTOR_MAX_REAL_ELEMENTS" envDefault:"16384"`
}

// LoadConfigFromEnv loads executor configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.MaxRealElements <= 0 {
		c.MaxRealElements = defaultMaxRealElements
	}
	return c
}
