package readiness_barrier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ ReadinessBarrierInterface = (*ReadinessBarrier)(nil)

func TestCheckTogglesReadiness(t *testing.T) {
	r := NewReadinessBarrier(context.Background(), ReadinessBarrierConfig{Name: "store"})
	r.Start()
	defer r.Stop()
	assert.False(t, r.IsReady())

	ctx := context.Background()
	require.NoError(t, r.Check(ctx, func(context.Context) error { return nil }))
	assert.Eventually(t, r.IsReady, time.Second, 5*time.Millisecond)

	down := errors.New("store unavailable")
	err := r.Check(ctx, func(context.Context) error { return down })
	assert.ErrorIs(t, err, down)
	assert.Eventually(t, func() bool { return !r.IsReady() }, time.Second, 5*time.Millisecond)

	h := r.Health()
	assert.False(t, h.Ready)
	assert.Equal(t, "store unavailable", h.LastError)
	assert.Equal(t, 1, h.ConsecutiveFailures)
	assert.Equal(t, uint64(2), h.Checks)
	assert.False(t, h.LastCheck.IsZero())
	assert.Equal(t, h.LastCheck, h.Since)
}

func TestFailureThreshold(t *testing.T) {
	r := NewReadinessBarrier(context.Background(), ReadinessBarrierConfig{Name: "store", FailureThreshold: 3})
	r.Start()
	defer r.Stop()

	ctx := context.Background()
	ok := func(context.Context) error { return nil }
	down := func(context.Context) error { return errors.New("connection refused") }

	require.NoError(t, r.Check(ctx, ok))
	require.Eventually(t, r.IsReady, time.Second, 5*time.Millisecond)
	readySince := r.Health().Since

	for i := 1; i <= 2; i++ {
		require.Error(t, r.Check(ctx, down))
		want := i
		require.Eventually(t, func() bool { return r.Health().ConsecutiveFailures == want }, time.Second, 5*time.Millisecond)
		assert.True(t, r.IsReady(), "single failures must not flip readiness")
	}
	assert.Equal(t, readySince, r.Health().Since)

	require.Error(t, r.Check(ctx, down))
	assert.Eventually(t, func() bool { return !r.IsReady() }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, r.Health().ConsecutiveFailures)

	// одна удачная проверка сбрасывает счётчик
	require.NoError(t, r.Check(ctx, ok))
	assert.Eventually(t, r.IsReady, time.Second, 5*time.Millisecond)
	h := r.Health()
	assert.Zero(t, h.ConsecutiveFailures)
	assert.Empty(t, h.LastError)
	assert.Equal(t, uint64(5), h.Checks)
}

func TestSignalRequiresRunning(t *testing.T) {
	r := NewReadinessBarrier(context.Background(), ReadinessBarrierConfig{Name: "store"})
	assert.Error(t, r.SendSignalCtx(context.Background(), ReadySignalToggle))
	assert.Error(t, r.Check(context.Background(), func(context.Context) error { return nil }))

	r.Start()
	r.Start()
	require.NoError(t, r.SendSignalCtx(context.Background(), ReadySignalToggle))
	assert.Eventually(t, r.IsReady, time.Second, 5*time.Millisecond)
	assert.Zero(t, r.Health().Checks, "manual signals are not checks")

	r.Stop()
	r.Stop()
	assert.False(t, r.IsReady())
	assert.False(t, r.Health().Ready)
}
