package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PavelAgarkov/dlock/database/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultPostgresTable = "dlock_locks"

// PostgresStore хранит блокировки в таблице, срок сверяется по часам базы
type PostgresStore struct {
	pool  *pgxpool.Pool
	conn  *postgres.Connection
	table string

	setIfAbsentSQL      string
	compareAndDeleteSQL string
	compareAndExpireSQL string
	purgeExpiredSQL     string
}

type PostgresConfig struct {
	postgres.Configs
	Table string
}

// NewPostgresStore открывает пул, проверяет соединение и создаёт таблицу, если её нет
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	conn, err := postgres.NewPostgresConnection(ctx, cfg.Configs)
	if err != nil {
		return nil, unavailable("postgres connect", err)
	}
	s := newPostgresStore(conn.GetPool(), cfg.Table)
	s.conn = conn
	if err := s.EnsureSchema(ctx); err != nil {
		conn.Stop()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreFromPool пулом владеет вызывающий, Close его не закрывает
func NewPostgresStoreFromPool(pool *pgxpool.Pool, table string) *PostgresStore {
	return newPostgresStore(pool, table)
}

func newPostgresStore(pool *pgxpool.Pool, table string) *PostgresStore {
	if table == "" {
		table = defaultPostgresTable
	}
	t := pgx.Identifier{table}.Sanitize()
	return &PostgresStore{
		pool:  pool,
		table: t,
		setIfAbsentSQL: fmt.Sprintf(`INSERT INTO %[1]s AS l (key, token, expires_at)
VALUES ($1, $2, now() + ($3::bigint * interval '1 millisecond'))
ON CONFLICT (key) DO UPDATE
SET token = EXCLUDED.token, expires_at = EXCLUDED.expires_at
WHERE l.expires_at <= now() OR l.token = EXCLUDED.token`, t),
		compareAndDeleteSQL: fmt.Sprintf(`DELETE FROM %s
WHERE key = $1 AND token = $2 AND expires_at > now()`, t),
		compareAndExpireSQL: fmt.Sprintf(`UPDATE %s
SET expires_at = now() + ($3::bigint * interval '1 millisecond')
WHERE key = $1 AND token = $2 AND expires_at > now()`, t),
		purgeExpiredSQL: fmt.Sprintf(`DELETE FROM %s WHERE expires_at <= now()`, t),
	}
}

func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	key        text PRIMARY KEY,
	token      text NOT NULL,
	expires_at timestamptz NOT NULL
)`, s.table))
	if err != nil {
		return classifyPostgres(ctx, "postgres ensure schema", err)
	}
	return nil
}

func (s *PostgresStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.setIfAbsentSQL, key, value, millis(ttl))
	if err != nil {
		return false, classifyPostgres(ctx, "postgres set if absent", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.compareAndDeleteSQL, key, value)
	if err != nil {
		return false, classifyPostgres(ctx, "postgres compare and delete", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, s.compareAndExpireSQL, key, value, millis(ttl))
	if err != nil {
		return false, classifyPostgres(ctx, "postgres compare and expire", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired удаляет записи истёкших блокировок, которые никто не освободил
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, s.purgeExpiredSQL)
	if err != nil {
		return 0, classifyPostgres(ctx, "postgres purge expired", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return unavailable("postgres ping", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	if s.conn != nil {
		s.conn.Stop()
	}
	return nil
}

func classifyPostgres(ctx context.Context, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return unavailable(op, err)
}
