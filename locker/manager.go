package locker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/metrics"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/PavelAgarkov/dlock/token"
	"github.com/PavelAgarkov/dlock/utils"
)

const (
	DefaultRetryInterval = 25 * time.Millisecond
	DefaultKeyPrefix     = "dlock:"

	releaseTimeout = 5 * time.Second
)

type Config struct {
	// RetryInterval caps the pause between polls of a waiting Acquire.
	RetryInterval time.Duration
	// KeyPrefix is prepended to every resource name. Empty means DefaultKeyPrefix.
	KeyPrefix string
	// NoKeyPrefix stores locks under the bare resource name and ignores KeyPrefix.
	NoKeyPrefix bool
	Metrics     metrics.Recorder
	Tokens      token.Generator
}

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	switch {
	case c.NoKeyPrefix:
		c.KeyPrefix = ""
	case c.KeyPrefix == "":
		c.KeyPrefix = DefaultKeyPrefix
	}
	if c.Metrics == nil {
		c.Metrics = metrics.Noop{}
	}
	if c.Tokens == nil {
		c.Tokens = token.New
	}
	return c
}

type Manager struct {
	store store.Store
	cfg   Config
}

var _ Locker = (*Manager)(nil)

// New checks that the store answers before returning a usable manager.
func New(ctx context.Context, st store.Store, cfg Config) (*Manager, error) {
	if st == nil {
		return nil, fmt.Errorf("lock manager: %w: nil store", ErrStoreUnavailable)
	}
	if err := st.Ping(ctx); err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
		logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "shared store is unreachable",
			Component: "locker",
			Method:    "New",
			Error:     err,
		})
		return nil, fmt.Errorf("lock manager: %w", err)
	}
	return &Manager{store: st, cfg: cfg.withDefaults()}, nil
}

// Acquire takes resource for ttl. With wait == 0 a held resource fails at once with
// ErrLockHeld; with wait > 0 the store is polled until the lock is won (ErrAcquireTimeout
// once wait has elapsed). Waiters are not queued, any poll may win.
func (m *Manager) Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (Token, error) {
	if err := validate(resource, ttl); err != nil {
		return "", err
	}

	start := time.Now()
	tok, err := m.acquire(ctx, resource, ttl, wait, start)
	m.observeAcquire(ctx, resource, start, err)
	return tok, err
}

func (m *Manager) acquire(ctx context.Context, resource string, ttl, wait time.Duration, start time.Time) (Token, error) {
	value, err := m.cfg.Tokens()
	if err != nil {
		return "", err
	}

	key := m.key(resource)
	deadline := start.Add(wait)
	for {
		ok, err := m.store.SetIfAbsent(ctx, key, value, ttl)
		if err != nil {
			if ctx.Err() != nil {
				return "", cancelled(ctx)
			}
			return "", err
		}
		if ok {
			return Token(value), nil
		}
		if wait <= 0 {
			return "", ErrLockHeld
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return "", ErrAcquireTimeout
		}
		if err := utils.WaitOrCtx(ctx, m.backoff(remaining)); err != nil {
			return "", cancelled(ctx)
		}
	}
}

// backoff jitters RetryInterval and never sleeps past the deadline.
func (m *Manager) backoff(remaining time.Duration) time.Duration {
	d := m.cfg.RetryInterval
	if half := d / 2; half > 0 {
		d = half + time.Duration(rand.Int63n(int64(half)+1))
	}
	if d > remaining {
		return remaining
	}
	return d
}

// Release frees resource if tok still owns it. A false result means there was nothing of
// ours to free (expired, released already, or held by another token); it is not an error.
func (m *Manager) Release(ctx context.Context, resource string, tok Token) (bool, error) {
	if resource == "" {
		return false, ErrEmptyResource
	}
	if tok == "" {
		return false, nil
	}

	ok, err := m.store.CompareAndDelete(ctx, m.key(resource), string(tok))
	if err != nil {
		m.logStoreError(ctx, "Release", resource, err)
		return false, err
	}
	m.cfg.Metrics.IncRelease(ok)
	if !ok {
		logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "release skipped, token no longer owns the lock",
			Component: "locker",
			Method:    "Release",
			Resource:  resource,
		})
	}
	return ok, nil
}

// Extend resets the TTL of a lock still owned by tok.
func (m *Manager) Extend(ctx context.Context, resource string, tok Token, ttl time.Duration) (bool, error) {
	if err := validate(resource, ttl); err != nil {
		return false, err
	}
	if tok == "" {
		return false, nil
	}

	ok, err := m.store.CompareAndExpire(ctx, m.key(resource), string(tok), ttl)
	if err != nil {
		m.logStoreError(ctx, "Extend", resource, err)
		return false, err
	}
	m.cfg.Metrics.IncExtend(ok)
	return ok, nil
}

// WithLock runs fn while holding resource and releases the lock afterwards, even when
// ctx is already done by then.
func (m *Manager) WithLock(ctx context.Context, resource string, ttl, wait time.Duration, fn func(ctx context.Context) error) (err error) {
	tok, err := m.Acquire(ctx, resource, ttl, wait)
	if err != nil {
		return err
	}
	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if _, relErr := m.Release(relCtx, resource, tok); relErr != nil {
			err = errors.Join(err, relErr)
		}
	}()
	return fn(ctx)
}

func (m *Manager) key(resource string) string {
	return m.cfg.KeyPrefix + resource
}

func (m *Manager) observeAcquire(ctx context.Context, resource string, start time.Time, err error) {
	outcome := outcomeOf(err)
	m.cfg.Metrics.ObserveAcquire(outcome, time.Since(start))

	switch outcome {
	case metrics.OutcomeAcquired:
		logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "lock acquired",
			Component: "locker",
			Method:    "Acquire",
			Resource:  resource,
			Start:     &start,
		})
	case metrics.OutcomeError:
		m.logStoreError(ctx, "Acquire", resource, err)
	default:
		logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "lock not acquired",
			Component: "locker",
			Method:    "Acquire",
			Resource:  resource,
			Result:    outcome,
			Start:     &start,
		})
	}
}

func (m *Manager) logStoreError(ctx context.Context, method, resource string, err error) {
	logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
		Msg:       "shared store operation failed",
		Component: "locker",
		Method:    method,
		Resource:  resource,
		Error:     err,
	})
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeAcquired
	case errors.Is(err, ErrLockHeld):
		return metrics.OutcomeHeld
	case errors.Is(err, ErrAcquireTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrCancelled):
		return metrics.OutcomeCancelled
	default:
		return metrics.OutcomeError
	}
}

func validate(resource string, ttl time.Duration) error {
	if resource == "" {
		return ErrEmptyResource
	}
	if ttl <= 0 {
		return ErrInvalidTTL
	}
	return nil
}

func cancelled(ctx context.Context) error {
	return fmt.Errorf("%w: %w", ErrCancelled, context.Cause(ctx))
}
