package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/PavelAgarkov/dlock/database/postgres"
)

const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

type Config struct {
	Backend        string
	Host           string
	Port           int
	ConnectTimeout time.Duration
	Username       string
	Password       string
	// DB is the redis database number.
	DB int
	// Database is the postgres database name.
	Database    string
	PostgresDSN string
	Table       string
}

// Open builds the configured backend; network backends are pinged before returning.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case BackendRedis, "":
		return NewRedisStore(ctx, RedisConfig{
			Host:           cfg.Host,
			Port:           cfg.Port,
			Username:       cfg.Username,
			Password:       cfg.Password,
			DB:             cfg.DB,
			ConnectTimeout: cfg.ConnectTimeout,
		})
	case BackendPostgres:
		port := ""
		if cfg.Port > 0 {
			port = strconv.Itoa(cfg.Port)
		}
		return NewPostgresStore(ctx, PostgresConfig{
			Configs: postgres.Configs{
				DSN:             cfg.PostgresDSN,
				Host:            cfg.Host,
				Port:            port,
				Username:        cfg.Username,
				Password:        cfg.Password,
				Database:        cfg.Database,
				ConnectTimeout:  cfg.ConnectTimeout,
				ApplicationName: "dlock",
			},
			Table: cfg.Table,
		})
	case BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
