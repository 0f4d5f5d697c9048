package postgres

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"time"

	logger_wrapper "github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Configs struct {
	// DSN если задан, то Host/Port/Username/Password/Database игнорируются
	DSN string

	Host     string
	Port     string
	Username string
	Password string
	Database string
	SSLMode  string

	MaxOpenedConnections int

	ApplicationName string

	ConnectionMaxIdleTime time.Duration
	ConnectionMaxLifeTime time.Duration
	HealthCheckPeriod     time.Duration
	ConnectTimeout        time.Duration
}

func (c Configs) dsn() string {
	if c.DSN != "" {
		return c.DSN
	}
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     net.JoinHostPort(c.Host, c.Port),
		Path:     "/" + c.Database,
		RawQuery: url.Values{"sslmode": []string{sslMode}}.Encode(),
	}
	return u.String()
}

type Connection struct {
	pool *pgxpool.Pool
}

// NewPostgresConnection поднимает пул и проверяет, что база отвечает
func NewPostgresConnection(ctx context.Context, config Configs) (*Connection, error) {
	poolConfig, err := pgxpool.ParseConfig(config.dsn())
	if err != nil {
		return nil, fmt.Errorf("parse pgxpool config: %w", err)
	}

	// Пул небольшой: каждая операция блокировки это один короткий запрос.
	if config.MaxOpenedConnections > 0 {
		poolConfig.MaxConns = int32(config.MaxOpenedConnections)
		poolConfig.MinConns = poolConfig.MaxConns / 4
	}
	if config.ConnectionMaxIdleTime > 0 {
		poolConfig.MaxConnIdleTime = config.ConnectionMaxIdleTime
	}
	if config.ConnectionMaxLifeTime > 0 {
		poolConfig.MaxConnLifetime = config.ConnectionMaxLifeTime
	}
	if config.HealthCheckPeriod > 0 {
		poolConfig.HealthCheckPeriod = config.HealthCheckPeriod
	}
	// чтобы новые коннекты не висели вечно в момент глитчей
	if config.ConnectTimeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = config.ConnectTimeout
	}
	if config.ApplicationName != "" {
		poolConfig.ConnConfig.RuntimeParams["application_name"] = config.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgxpool: %w", err)
	}

	pingCtx := ctx
	if config.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		pingCtx, cancel = context.WithTimeout(ctx, config.ConnectTimeout)
		defer cancel()
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
		Msg:       "Postgres pool is ready",
		Component: "PostgresConnection",
		Method:    "NewPostgresConnection",
		Args:      poolConfig.ConnConfig.Host,
	})

	return &Connection{pool: pool}, nil
}

func (r *Connection) Stop() {
	r.pool.Close()
}

func (r *Connection) GetPool() *pgxpool.Pool {
	return r.pool
}
