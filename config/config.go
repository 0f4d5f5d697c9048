// Package config собирает настройки dlock из флагов, переменных окружения DLOCK_* и .env файлов.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "dlock"

const (
	KeyStore               = "store"
	KeyStoreHost           = "store-host"
	KeyStorePort           = "store-port"
	KeyStoreConnectTimeout = "store-connect-timeout"
	KeyStoreUsername       = "store-username"
	KeyStorePassword       = "store-password"
	KeyStoreDB             = "store-db"
	KeyStoreDatabase       = "store-database"
	KeyPostgresDSN         = "postgres-dsn"
	KeyPostgresTable       = "postgres-table"
	KeyKeyPrefix           = "key-prefix"
	KeyRetryInterval       = "retry-interval"
	KeyHTTPAddr            = "http-addr"
	KeyGRPCAddr            = "grpc-addr"
	KeyGRPCReflection      = "grpc-reflection"
	KeyHealthInterval      = "health-interval"
	KeyHealthFailures      = "health-failures"
	KeyPurgeSchedule       = "purge-schedule"
	KeyElectionName        = "election-name"
	KeyLogLevel            = "log-level"
	KeyLogJSON             = "log-json"
)

type Config struct {
	Store         store.Config
	KeyPrefix     string
	RetryInterval time.Duration

	HTTPAddr       string
	GRPCAddr       string
	GRPCReflection bool
	HealthInterval time.Duration
	HealthFailures int
	PurgeSchedule  string
	ElectionName   string

	LogLevel string
	LogJSON  bool
}

// StoreFlags флаги подключения к хранилищу, нужны и серверу, и клиентским командам
func StoreFlags(fs *pflag.FlagSet) {
	fs.String(KeyStore, store.BackendRedis, "shared store backend (redis, postgres, memory)")
	fs.String(KeyStoreHost, "localhost", "shared store host")
	fs.Int(KeyStorePort, 0, "shared store port (0 means backend default)")
	fs.Duration(KeyStoreConnectTimeout, 2*time.Second, "shared store connect timeout")
	fs.String(KeyStoreUsername, "", "shared store username")
	fs.String(KeyStorePassword, "", "shared store password")
	fs.Int(KeyStoreDB, 0, "redis database number")
	fs.String(KeyStoreDatabase, "postgres", "postgres database name")
	fs.String(KeyPostgresDSN, "", "postgres connection string, overrides host and port")
	fs.String(KeyPostgresTable, "", "postgres lock table (default dlock_locks)")
	fs.String(KeyKeyPrefix, locker.DefaultKeyPrefix, "prefix added to every lock key, an explicit empty value stores bare resource names")
	fs.Duration(KeyRetryInterval, locker.DefaultRetryInterval, "upper bound of the pause between acquire attempts")
	fs.String(KeyLogLevel, "info", "log level (debug, info, warn, error)")
	fs.Bool(KeyLogJSON, false, "write logs as JSON")
}

// ServerFlags флаги только для dlock serve
func ServerFlags(fs *pflag.FlagSet) {
	fs.String(KeyHTTPAddr, ":8080", "HTTP API listen address, empty disables it")
	fs.String(KeyGRPCAddr, ":9090", "gRPC API listen address, empty disables it")
	fs.Bool(KeyGRPCReflection, false, "register gRPC reflection")
	fs.Duration(KeyHealthInterval, 5*time.Second, "store health check interval")
	fs.Int(KeyHealthFailures, 1, "consecutive failed health checks before the instance reports not ready")
	fs.String(KeyPurgeSchedule, "0 * * * * *", "cron schedule (with seconds) of the expired lock purge, empty disables it")
	fs.String(KeyElectionName, "dlock-maintenance", "leader election that decides which instance runs maintenance")
}

// LoadEnvFiles подхватывает .env и .env.local, отсутствие файлов не ошибка
func LoadEnvFiles() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")
}

// Load читает значения в порядке флаг > окружение > значение флага по умолчанию
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	cfg := Config{
		Store: store.Config{
			Backend:        v.GetString(KeyStore),
			Host:           v.GetString(KeyStoreHost),
			Port:           v.GetInt(KeyStorePort),
			ConnectTimeout: v.GetDuration(KeyStoreConnectTimeout),
			Username:       v.GetString(KeyStoreUsername),
			Password:       v.GetString(KeyStorePassword),
			DB:             v.GetInt(KeyStoreDB),
			Database:       v.GetString(KeyStoreDatabase),
			PostgresDSN:    v.GetString(KeyPostgresDSN),
			Table:          v.GetString(KeyPostgresTable),
		},
		KeyPrefix:      v.GetString(KeyKeyPrefix),
		RetryInterval:  v.GetDuration(KeyRetryInterval),
		HTTPAddr:       v.GetString(KeyHTTPAddr),
		GRPCAddr:       v.GetString(KeyGRPCAddr),
		GRPCReflection: v.GetBool(KeyGRPCReflection),
		HealthInterval: v.GetDuration(KeyHealthInterval),
		HealthFailures: v.GetInt(KeyHealthFailures),
		PurgeSchedule:  v.GetString(KeyPurgeSchedule),
		ElectionName:   v.GetString(KeyElectionName),
		LogLevel:       v.GetString(KeyLogLevel),
		LogJSON:        v.GetBool(KeyLogJSON),
	}
	return cfg, cfg.validate()
}

func (c Config) validate() error {
	switch c.Store.Backend {
	case store.BackendRedis, store.BackendPostgres, store.BackendMemory:
	default:
		return fmt.Errorf("config: unknown %s %q", KeyStore, c.Store.Backend)
	}
	if c.Store.Port < 0 || c.Store.Port > 65535 {
		return fmt.Errorf("config: %s out of range: %d", KeyStorePort, c.Store.Port)
	}
	if c.Store.ConnectTimeout < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyStoreConnectTimeout)
	}
	if c.HealthInterval < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyHealthInterval)
	}
	if c.HealthFailures < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyHealthFailures)
	}
	if c.RetryInterval < 0 {
		return fmt.Errorf("config: %s must not be negative", KeyRetryInterval)
	}
	return nil
}

func (c Config) Locker() locker.Config {
	return locker.Config{
		RetryInterval: c.RetryInterval,
		KeyPrefix:     c.KeyPrefix,
		// пустое значение возможно только явным --key-prefix=, пустые DLOCK_* viper пропускает
		NoKeyPrefix: c.KeyPrefix == "",
	}
}
