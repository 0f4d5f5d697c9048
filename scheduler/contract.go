package scheduler

import (
	"context"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
)

type JobSchedulerInterface interface {
	Add(cfg JobConfiguration) error
	Stop() func()
	Start(ctx context.Context) func()
}

// Guard is the part of *locker.Manager the schedulers rely on.
type Guard interface {
	Acquire(ctx context.Context, resource string, ttl, wait time.Duration) (locker.Token, error)
	WithLock(ctx context.Context, resource string, ttl, wait time.Duration, fn func(ctx context.Context) error) error
}
