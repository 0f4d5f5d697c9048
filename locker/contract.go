package locker

import (
	"context"
	"errors"
	"time"

	"github.com/PavelAgarkov/dlock/store"
)

// Token proves ownership of one successful acquisition.
type Token string

var (
	ErrStoreUnavailable = store.ErrStoreUnavailable

	// ErrLockHeld is returned by a non-blocking Acquire on a resource owned by someone else.
	ErrLockHeld = errors.New("lock is already held")
	// ErrAcquireTimeout is returned when a blocking Acquire used up its wait budget.
	ErrAcquireTimeout = errors.New("lock acquisition timed out")
	// ErrCancelled is returned when the caller's context ends while waiting.
	ErrCancelled = errors.New("lock acquisition cancelled")

	ErrEmptyResource = errors.New("resource name is empty")
	ErrInvalidTTL    = errors.New("ttl must be positive")
)

type (
	Locker interface {
		Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (Token, error)
		Release(ctx context.Context, resource string, tok Token) (bool, error)
		Extend(ctx context.Context, resource string, tok Token, ttl time.Duration) (bool, error)
	}
)

// IsBusy reports whether err means "resource busy, try again later".
func IsBusy(err error) bool {
	return errors.Is(err, ErrLockHeld) || errors.Is(err, ErrAcquireTimeout)
}
