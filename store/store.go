// Package store holds the shared key-value backends the lock manager coordinates through.
//
// Every backend offers the same three atomic primitives: set-if-absent with expiry,
// compare-then-delete and compare-then-expire. Each primitive is a single server-side
// operation, so no backend ever reads a value on the client and then decides to write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrStoreUnavailable marks transport or connection failures talking to the backend.
var ErrStoreUnavailable = errors.New("store unavailable")

type Store interface {
	// SetIfAbsent creates key=value with the given ttl only when key does not exist.
	// A live key that already holds value counts as written and gets the new ttl, so a
	// request the client resent after a lost reply does not lock out its own caller.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// CompareAndDelete removes key only when its current value equals value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	// CompareAndExpire resets the ttl of key only when its current value equals value.
	CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}

// Purger is implemented by backends that keep expired records until someone deletes them.
// Redis expires keys itself and does not need it.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// millis rounds ttl up to at least one millisecond, redis and postgres reject a zero expiry.
func millis(ttl time.Duration) int64 {
	ms := ttl.Milliseconds()
	if ms < 1 {
		return 1
	}
	return ms
}
