// Package backend opens the job store and queue selected by configuration.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/redis/go-redis/v9"

	"tilemath/internal/config"
	"tilemath/internal/dispatcher"
	"tilemath/internal/health"
	"tilemath/internal/job"
	"tilemath/internal/queue"
	"tilemath/internal/store/gormstore"
	"tilemath/internal/store/memory"
	"tilemath/internal/store/redisstore"
)

// Job store backends.
const (
	StoreMemory = "inmemory"
	StoreRedis  = "redis"
	StoreSQL    = "sql"
)

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
)

// Config selects and configures backends.
type Config struct {
	JobBackend string `env:"JOB_BACKEND" envDefault:"inmemory"`

	// DispatchMode defaults to inline for the in-memory store and queue otherwise.
	DispatchMode string `env:"DISPATCH_MODE"`

	// QueueBackend defaults to redis whenever Redis is the store.
	QueueBackend string `env:"QUEUE_BACKEND"`

	// EmbeddedWorkers runs workers inside the API process. Always on when
	// no separate worker could reach the queue or the store.
	EmbeddedWorkers bool `env:"EMBEDDED_WORKERS"`

	RedisURL    string `env:"REDIS_URL" envDefault:"redis://127.0.0.1:6379/0"`
	RedisStream string `env:"REDIS_STREAM" envDefault:"queue:jobs"`

	DB gormstore.Config
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.JobBackend == "" {
		c.JobBackend = StoreMemory
	}
	if c.DispatchMode == "" {
		c.DispatchMode = dispatcher.ModeQueue
		if c.JobBackend == StoreMemory {
			c.DispatchMode = dispatcher.ModeInline
		}
	}
	if c.QueueBackend == "" {
		c.QueueBackend = QueueMemory
		if c.JobBackend == StoreRedis {
			c.QueueBackend = QueueRedis
		}
	}
	if c.RedisURL == "" {
		c.RedisURL = "redis://127.0.0.1:6379/0"
	}
	if c.RedisStream == "" {
		c.RedisStream = "queue:jobs"
	}
	// No other process can execute jobs from a memory queue or against a
	// memory store, so this one must.
	if c.QueueBackend == QueueMemory || (c.DispatchMode == dispatcher.ModeQueue && !c.Shared()) {
		c.EmbeddedWorkers = true
	}
	return c
}

// Validate rejects unknown backend names.
func (c Config) Validate() error {
	switch c.JobBackend {
	case StoreMemory, StoreRedis, StoreSQL:
	default:
		return fmt.Errorf("unknown JOB_BACKEND %q (want inmemory, redis or sql)", c.JobBackend)
	}
	switch c.DispatchMode {
	case dispatcher.ModeInline, dispatcher.ModeQueue:
	default:
		return fmt.Errorf("unknown DISPATCH_MODE %q (want inline or queue)", c.DispatchMode)
	}
	switch c.QueueBackend {
	case QueueMemory, QueueRedis:
	default:
		return fmt.Errorf("unknown QUEUE_BACKEND %q (want memory or redis)", c.QueueBackend)
	}
	return nil
}

// Shared reports whether the store and queue outlive this process, so a
// separate worker process can serve them.
func (c Config) Shared() bool {
	return c.JobBackend != StoreMemory && c.DispatchMode == dispatcher.ModeQueue && c.QueueBackend == QueueRedis
}

func (c Config) usesRedis() bool {
	return c.JobBackend == StoreRedis || (c.DispatchMode == dispatcher.ModeQueue && c.QueueBackend == QueueRedis)
}

// Backends holds the opened store and queue.
type Backends struct {
	Store job.Store
	Queue queue.Queue // nil in inline mode
	Info  job.BackendInfo

	config Config
	redis  redis.UniversalClient
}

// Open connects to the configured backends.
func Open(ctx context.Context, cfg Config) (*Backends, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Backends{
		config: cfg,
		Info: job.BackendInfo{
			JobBackend:   cfg.JobBackend,
			DispatchMode: cfg.DispatchMode,
			QueueBackend: cfg.QueueBackend,
			RedisURL:     RedactURL(cfg.RedisURL),
			RedisStream:  cfg.RedisStream,
		},
	}

	if cfg.usesRedis() {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		b.redis = redis.NewClient(opts)
		if err := b.redis.Ping(ctx).Err(); err != nil {
			b.redis.Close()
			return nil, fmt.Errorf("connect to redis at %s: %w", RedactURL(cfg.RedisURL), err)
		}
		b.Info.RedisEnabled = true
	}

	switch cfg.JobBackend {
	case StoreRedis:
		b.Store = redisstore.New(b.redis)
	case StoreSQL:
		store, err := gormstore.Open(ctx, cfg.DB)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = store
	default:
		b.Store = memory.New()
	}

	if cfg.DispatchMode == dispatcher.ModeQueue {
		if cfg.QueueBackend == QueueRedis {
			b.Queue = queue.NewRedis(b.redis, cfg.RedisStream)
		} else {
			b.Queue = queue.NewMemory()
		}
	}

	slog.Info("Backends opened",
		"store", cfg.JobBackend,
		"dispatch", cfg.DispatchMode,
		"queue", cfg.QueueBackend,
		"redis", b.Info.RedisEnabled,
	)
	return b, nil
}

// EmbeddedWorkers reports whether this process must run queue workers.
func (b *Backends) EmbeddedWorkers() bool {
	return b.Queue != nil && b.config.EmbeddedWorkers
}

// Shared reports whether a separate worker process can serve these backends.
func (b *Backends) Shared() bool {
	return b.config.Shared()
}

// HealthChecker returns a readiness checker over the opened backends.
func (b *Backends) HealthChecker() *health.Checker {
	c := health.NewChecker().Require("store", b.Store)
	if b.Queue != nil {
		c.Require("queue", b.Queue)
	}
	return c
}

// Close releases every backend.
func (b *Backends) Close() error {
	var errs []error
	if b.Queue != nil {
		errs = append(errs, b.Queue.Close())
	}
	if b.Store != nil {
		errs = append(errs, b.Store.Close())
	}
	if b.redis != nil {
		errs = append(errs, b.redis.Close())
	}
	return errors.Join(errs...)
}

// RedactURL hides the password in a connection URL.
func RedactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid>"
	}
	return u.Redacted()
}
