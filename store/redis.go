package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultRedisHost           = "localhost"
	defaultRedisPort           = 6379
	defaultRedisConnectTimeout = 2 * time.Second

	// Скрипт для взятия блокировки. Повтор с тем же значением (клиент переотправил команду,
	// не дождавшись ответа) считается успехом и обновляет срок
	lockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	redis.call("PEXPIRE", KEYS[1], ARGV[2])
	return 1
end
return redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) and 1 or 0`

	// Скрипт для снятия блокировки
	unlockScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("DEL", KEYS[1]) else return 0 end`

	// Скрипт для продления блокировки
	extendTTLScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then return redis.call("PEXPIRE", KEYS[1], ARGV[2]) else return 0 end`
)

var (
	lockCmd   = redis.NewScript(lockScript)
	unlockCmd = redis.NewScript(unlockScript)
	extendCmd = redis.NewScript(extendTTLScript)
)

type RedisConfig struct {
	Host           string
	Port           int
	Username       string
	Password       string
	DB             int
	ConnectTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	if c.Host == "" {
		c.Host = defaultRedisHost
	}
	if c.Port == 0 {
		c.Port = defaultRedisPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultRedisConnectTimeout
	}
	return c
}

func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

type RedisStore struct {
	client *redis.Client
}

// NewRedisStore подключается к redis и сразу проверяет соединение
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	cfg = cfg.withDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr(),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.ConnectTimeout,
		MaxRetries:  1,
	})

	s := &RedisStore{client: client}
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := s.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, err
	}
	return s, nil
}

// NewRedisStoreFromClient оборачивает уже настроенный клиент, соединение не проверяется
func NewRedisStoreFromClient(c *redis.Client) *RedisStore {
	return &RedisStore{client: c}
}

func (s *RedisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := lockCmd.Run(ctx, s.client, []string{key}, value, millis(ttl)).Int()
	if err != nil {
		return false, classifyRedis(ctx, "redis set if absent", err)
	}
	return result == 1, nil
}

func (s *RedisStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	result, err := unlockCmd.Run(ctx, s.client, []string{key}, value).Int()
	if err != nil {
		return false, classifyRedis(ctx, "redis compare and delete", err)
	}
	return result == 1, nil
}

func (s *RedisStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	result, err := extendCmd.Run(ctx, s.client, []string{key}, value, millis(ttl)).Int()
	if err != nil {
		return false, classifyRedis(ctx, "redis compare and expire", err)
	}
	return result == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("redis ping", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// classifyRedis ответ сервера с ошибкой (например, ошибка скрипта) не считается недоступностью
func classifyRedis(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}
