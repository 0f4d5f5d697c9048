package postgres

import (
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigsDSN(t *testing.T) {
	cfg := Configs{
		Host:     "db.internal",
		Port:     "5433",
		Username: "locker",
		Password: "p@ss word",
		Database: "locks",
	}

	parsed, err := pgxpool.ParseConfig(cfg.dsn())
	require.NoError(t, err)
	assert.Equal(t, "db.internal", parsed.ConnConfig.Host)
	assert.Equal(t, uint16(5433), parsed.ConnConfig.Port)
	assert.Equal(t, "locker", parsed.ConnConfig.User)
	assert.Equal(t, "p@ss word", parsed.ConnConfig.Password)
	assert.Equal(t, "locks", parsed.ConnConfig.Database)
}

func TestConfigsDSNOverride(t *testing.T) {
	cfg := Configs{DSN: "postgres://a:b@c:1/d", Host: "ignored"}
	assert.Equal(t, "postgres://a:b@c:1/d", cfg.dsn())
}
