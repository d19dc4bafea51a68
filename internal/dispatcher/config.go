package dispatcher

import (
	"time"

	"tilemath/internal/config"
)

// Hardcoded enqueue defaults - these rarely need tuning.
const (
	defaultEnqueueBackoff   = 50 * time.Millisecond
	defaultEnqueueMaxWait   = 2 * time.Second
	queueDepthInterval      = 5 * time.Second
)

// Config holds execution and worker configuration.
type Config struct {
	// JobTimeout bounds one execution attempt.
	JobTimeout time.Duration `env:"JOB_TIMEOUT" envDefault:"60s"`

	// Lease is the claim lease, renewed while a job runs.
	Lease time.Duration `env:"WORKER_LEASE" envDefault:"30s"`

	PollInterval    time.Duration `env:"WORKER_POLL_INTERVAL" envDefault:"200ms"`
	MaxDeliveries   int           `env:"MAX_DELIVERIES" envDefault:"5"`
	EnqueueAttempts int           `env:"ENQUEUE_ATTEMPTS" envDefault:"4"`
	Workers         int           `env:"WORKERS" envDefault:"2"`

	// The enqueue breaker opens after BreakerThreshold consecutive failures
	// and lets a single probe through once BreakerCooldown has passed.
	BreakerThreshold int           `env:"ENQUEUE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"ENQUEUE_BREAKER_COOLDOWN" envDefault:"10s"`

	// A RUNNING job older than JobTimeout+ReaperGrace is failed by the reaper.
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"10s"`
	ReaperGrace    time.Duration `env:"REAPER_GRACE" envDefault:"60s"`
}

// LoadConfigFromEnv loads dispatcher configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.JobTimeout <= 0 {
		c.JobTimeout = 60 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	if c.MaxDeliveries <= 0 {
		c.MaxDeliveries = 5
	}
	if c.EnqueueAttempts <= 0 {
		c.EnqueueAttempts = 4
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 10 * time.Second
	}
	if c.ReaperInterval <= 0 {
		c.ReaperInterval = 10 * time.Second
	}
	if c.ReaperGrace <= 0 {
		c.ReaperGrace = 2 * c.Lease
	}
	return c
}
