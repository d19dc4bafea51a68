package gormstore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"tilemath/internal/config"
)

// Config holds database configuration.
type Config struct {
	Type string `env:"DB_TYPE" envDefault:"sqlite"` // sqlite or pgsql
	DSN  string `env:"DB_DSN" envDefault:"tilemath.db"`
}

// LoadConfigFromEnv loads database configuration from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg, err := config.Parse[Config]()
	if err != nil {
		return Config{}, err
	}
	return cfg.withDefaults(), nil
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Type == "" {
		c.Type = "sqlite"
	}
	if c.DSN == "" {
		c.DSN = "tilemath.db"
	}
	return c
}

// slogWriter routes gorm's logger through slog.
type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Printf(format string, args ...any) {
	w.logger.Warn(fmt.Sprintf(format, args...))
}

// Open connects to the configured database and migrates the jobs table.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	var dia gorm.Dialector
	switch cfg.Type {
	case "pgsql", "postgres":
		dia = postgres.Open(cfg.DSN)
	case "sqlite":
		dia = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported DB_TYPE %q", cfg.Type)
	}

	gormLogger := logger.New(
		slogWriter{logger: slog.With("component", "gorm")},
		logger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			ParameterizedQueries:      true,
			Colorful:                  false,
		},
	)

	db, err := gorm.Open(dia, &gorm.Config{Logger: gormLogger, TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("configure connections: %w", err)
	}
	if cfg.Type == "sqlite" {
		// sqlite allows one writer; a single connection avoids SQLITE_BUSY.
		sqlDB.SetMaxOpenConns(1)
	} else {
		sqlDB.SetMaxIdleConns(10)
		sqlDB.SetMaxOpenConns(100)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := New(db)
	if err := s.InitialMigration(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate jobs table: %w", err)
	}
	return s, nil
}
