package watchdog

import (
	"context"
	"testing"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLocker(t *testing.T, st store.Store) *locker.Manager {
	t.Helper()
	m, err := locker.New(context.Background(), st, locker.Config{})
	require.NoError(t, err)
	return m
}

func expectEvent(t *testing.T, ch <-chan int, want int, within time.Duration) {
	t.Helper()
	select {
	case got, ok := <-ch:
		require.True(t, ok, "watcher closed")
		assert.Equal(t, want, got)
	case <-time.After(within):
		t.Fatalf("no event %d within %s", want, within)
	}
}

func TestSingleLeader(t *testing.T) {
	st := store.NewMemoryStore()
	m := newLocker(t, st)
	cfg := Config{ElectionName: "election:test", Expiration: 300 * time.Millisecond}

	first := NewLockWatchdogLeader(context.Background(), m)
	second := NewLockWatchdogLeader(context.Background(), m)
	assert.NotEqual(t, first.ID(), second.ID())

	firstCh := first.Elect(cfg)
	expectEvent(t, firstCh, TakenAcquire, time.Second)

	secondCh := second.Elect(cfg)
	select {
	case ev := <-secondCh:
		t.Fatalf("second candidate got event %d while first holds leadership", ev)
	case <-time.After(400 * time.Millisecond):
	}

	// first renews, second stays follower past the original ttl
	first.Stop()
	expectEvent(t, firstCh, LostAcquire, time.Second)
	_, open := <-firstCh
	assert.False(t, open)

	expectEvent(t, secondCh, TakenAcquire, time.Second)
	second.Stop()
}

func TestLeadershipLostWhenLockStolen(t *testing.T) {
	st := store.NewMemoryStore()
	m := newLocker(t, st)
	cfg := Config{ElectionName: "election:stolen", Expiration: 150 * time.Millisecond}

	w := NewLockWatchdogLeader(context.Background(), m)
	defer w.Stop()
	ch := w.Elect(cfg)
	expectEvent(t, ch, TakenAcquire, time.Second)

	// lock record disappears behind the leader's back
	require.NoError(t, st.Close())

	_, err := m.Acquire(context.Background(), cfg.ElectionName, time.Minute, 0)
	require.NoError(t, err)

	expectEvent(t, ch, LostAcquire, time.Second)
}

func TestElectPanicsWithoutName(t *testing.T) {
	w := NewLockWatchdogLeader(context.Background(), newLocker(t, store.NewMemoryStore()))
	assert.Panics(t, func() { w.Elect(Config{}) })
}
