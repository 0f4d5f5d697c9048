package store

import (
	"context"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/PavelAgarkov/dlock/database/postgres"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// backendCase поднимает хранилище и умеет сдвигать его часы
type backendCase struct {
	name    string
	open    func(t *testing.T) Store
	advance func(d time.Duration)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func backends(t *testing.T) []backendCase {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	var mr *miniredis.Miniredis

	cases := []backendCase{
		{
			name: "memory",
			open: func(t *testing.T) Store {
				return NewMemoryStore(WithClock(clock.Now))
			},
			advance: clock.Advance,
		},
		{
			name: "redis",
			open: func(t *testing.T) Store {
				mr = miniredis.RunT(t)
				s, err := NewRedisStore(context.Background(), RedisConfig{Host: mr.Host(), Port: portOf(t, mr)})
				require.NoError(t, err)
				t.Cleanup(func() { _ = s.Close() })
				return s
			},
			advance: func(d time.Duration) { mr.FastForward(d) },
		},
	}

	if dsn := os.Getenv("DLOCK_TEST_POSTGRES_DSN"); dsn != "" {
		cases = append(cases, backendCase{
			name: "postgres",
			open: func(t *testing.T) Store {
				s, err := NewPostgresStore(context.Background(), PostgresConfig{
					Configs: postgres.Configs{DSN: dsn, ConnectTimeout: 2 * time.Second},
					Table:   "dlock_locks_test",
				})
				require.NoError(t, err)
				t.Cleanup(func() {
					_, _ = s.pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+s.table)
					_ = s.Close()
				})
				return s
			},
			advance: time.Sleep,
		})
	}
	return cases
}

func portOf(t *testing.T, mr *miniredis.Miniredis) int {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return port
}

func TestSetIfAbsent(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			ctx := context.Background()

			ok, err := s.SetIfAbsent(ctx, "res", "t1", time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetIfAbsent(ctx, "res", "t2", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second writer must not overwrite a live key")

			bc.advance(1100 * time.Millisecond)

			ok, err = s.SetIfAbsent(ctx, "res", "t2", time.Second)
			require.NoError(t, err)
			assert.True(t, ok, "expired key must be reclaimable")
		})
	}
}

func TestCompareAndDelete(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			ctx := context.Background()

			_, err := s.SetIfAbsent(ctx, "res", "t1", time.Minute)
			require.NoError(t, err)

			ok, err := s.CompareAndDelete(ctx, "res", "wrong")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "res", "t1")
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.CompareAndDelete(ctx, "res", "t1")
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndDelete(ctx, "missing", "t1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestCompareAndExpire(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			ctx := context.Background()

			_, err := s.SetIfAbsent(ctx, "res", "t1", time.Second)
			require.NoError(t, err)

			ok, err := s.CompareAndExpire(ctx, "res", "other", 5*time.Second)
			require.NoError(t, err)
			assert.False(t, ok)

			ok, err = s.CompareAndExpire(ctx, "res", "t1", 5*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			bc.advance(1500 * time.Millisecond)

			ok, err = s.SetIfAbsent(ctx, "res", "t2", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "extended key must outlive its original ttl")
		})
	}
}

func TestSetIfAbsentConcurrent(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			ctx := context.Background()

			var winners atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 32; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := s.SetIfAbsent(ctx, "contended", string(rune('a'+i)), time.Minute)
					assert.NoError(t, err)
					if ok {
						winners.Add(1)
					}
				}(i)
			}
			wg.Wait()
			assert.Equal(t, int32(1), winners.Load())
		})
	}
}

func TestSetIfAbsentSameValue(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			ctx := context.Background()

			ok, err := s.SetIfAbsent(ctx, "res", "t1", time.Second)
			require.NoError(t, err)
			require.True(t, ok)

			// повтор того же запроса, ответ на первый потерялся
			ok, err = s.SetIfAbsent(ctx, "res", "t1", 3*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			bc.advance(1500 * time.Millisecond)

			ok, err = s.SetIfAbsent(ctx, "res", "t2", time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "repeated write must refresh the ttl")

			deleted, err := s.CompareAndDelete(ctx, "res", "t1")
			require.NoError(t, err)
			assert.True(t, deleted)
		})
	}
}

func TestRedisSetIfAbsentAfterLostReply(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Host: mr.Host(), Port: portOf(t, mr)})
	require.NoError(t, err)
	defer s.Close()

	// первая попытка дошла до сервера, клиент её не увидел
	require.NoError(t, mr.Set("res", "mine"))
	mr.SetTTL("res", 500*time.Millisecond)

	ok, err := s.SetIfAbsent(context.Background(), "res", "mine", 2*time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Second, mr.TTL("res"))

	ok, err = s.SetIfAbsent(context.Background(), "res", "other", 2*time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	got, err := mr.Get("res")
	require.NoError(t, err)
	assert.Equal(t, "mine", got)
}

func TestNewRedisStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	host, port := mr.Host(), portOf(t, mr)
	mr.Close()

	_, err := NewRedisStore(context.Background(), RedisConfig{
		Host:           host,
		Port:           port,
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestRedisStoreOperationAfterServerLoss(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := NewRedisStore(context.Background(), RedisConfig{Host: mr.Host(), Port: portOf(t, mr)})
	require.NoError(t, err)
	defer s.Close()

	mr.Close()

	_, err = s.SetIfAbsent(context.Background(), "res", "t1", time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
}

func TestMemoryStoreLen(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	s := NewMemoryStore(WithClock(clock.Now))
	ctx := context.Background()

	_, _ = s.SetIfAbsent(ctx, "a", "1", time.Second)
	_, _ = s.SetIfAbsent(ctx, "b", "1", 3*time.Second)
	assert.Equal(t, 2, s.Len())

	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, s.Len())
}

func TestPurgeExpired(t *testing.T) {
	for _, bc := range backends(t) {
		t.Run(bc.name, func(t *testing.T) {
			s := bc.open(t)
			p, ok := s.(Purger)
			if !ok {
				t.Skip("backend expires keys itself")
			}
			ctx := context.Background()

			_, err := s.SetIfAbsent(ctx, "short", "1", 50*time.Millisecond)
			require.NoError(t, err)
			_, err = s.SetIfAbsent(ctx, "long", "2", time.Minute)
			require.NoError(t, err)
			bc.advance(100 * time.Millisecond)

			n, err := p.PurgeExpired(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)

			ok, err = s.CompareAndExpire(ctx, "long", "2", time.Minute)
			require.NoError(t, err)
			assert.True(t, ok)

			n, err = p.PurgeExpired(ctx)
			require.NoError(t, err)
			assert.Zero(t, n)
		})
	}
}

func TestMemoryStoreCancelledContext(t *testing.T) {
	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.SetIfAbsent(ctx, "a", "1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenUnknownBackend(t *testing.T) {
	_, err := Open(context.Background(), Config{Backend: "etcd"})
	assert.Error(t, err)
}

func TestOpenMemory(t *testing.T) {
	s, err := Open(context.Background(), Config{Backend: BackendMemory})
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, s)
}
