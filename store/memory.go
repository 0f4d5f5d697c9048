package store

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

func (e memoryEntry) alive(now time.Time) bool {
	return now.Before(e.expiresAt)
}

// MemoryStore is a single-process backend. Expired entries are treated as absent and
// dropped by the next operation that touches their key.
type MemoryStore struct {
	data *xsync.MapOf[string, memoryEntry]
	now  func() time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock replaces time.Now, used to drive expiry in tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		s.now = now
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data: xsync.NewMapOf[string, memoryEntry](),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	written := false
	s.data.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if loaded && old.alive(now) && old.value != value {
			return old, false
		}
		written = true
		return memoryEntry{value: value, expiresAt: now.Add(ttl)}, false
	})
	return written, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	deleted := false
	s.data.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded {
			return old, true
		}
		if !old.alive(now) {
			return old, true
		}
		if old.value != value {
			return old, false
		}
		deleted = true
		return old, true
	})
	return deleted, nil
}

func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := s.now()
	extended := false
	s.data.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
		if !loaded || !old.alive(now) {
			return old, true
		}
		if old.value != value {
			return old, false
		}
		extended = true
		return memoryEntry{value: old.value, expiresAt: now.Add(ttl)}, false
	})
	return extended, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Len counts unexpired entries.
func (s *MemoryStore) Len() int {
	now := s.now()
	n := 0
	s.data.Range(func(_ string, e memoryEntry) bool {
		if e.alive(now) {
			n++
		}
		return true
	})
	return n
}

func (s *MemoryStore) PurgeExpired(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	now := s.now()
	var purged int64
	s.data.Range(func(key string, e memoryEntry) bool {
		if e.alive(now) {
			return true
		}
		// the key may have been rewritten since Range saw it, delete only if still expired
		s.data.Compute(key, func(old memoryEntry, loaded bool) (memoryEntry, bool) {
			if loaded && !old.alive(now) {
				purged++
				return old, true
			}
			return old, !loaded
		})
		return true
	})
	return purged, nil
}

func (s *MemoryStore) Close() error {
	s.data.Clear()
	return nil
}
