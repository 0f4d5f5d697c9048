package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewProm("dlock", reg)
	require.NoError(t, err)

	p.ObserveAcquire(OutcomeAcquired, 3*time.Millisecond)
	p.ObserveAcquire(OutcomeAcquired, time.Millisecond)
	p.ObserveAcquire(OutcomeHeld, 0)
	p.IncRelease(true)
	p.IncRelease(false)
	p.IncExtend(false)

	assert.Equal(t, 2.0, testutil.ToFloat64(p.acquireTotal.WithLabelValues(OutcomeAcquired)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.acquireTotal.WithLabelValues(OutcomeHeld)))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.releaseTotal.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.releaseTotal.WithLabelValues("not_owner")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.extendTotal.WithLabelValues("not_owner")))
	assert.Equal(t, 2, testutil.CollectAndCount(p.acquireWait))
}

func TestPromDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewProm("dlock", reg)
	require.NoError(t, err)

	_, err = NewProm("dlock", reg)
	assert.Error(t, err)
}

func TestNoop(t *testing.T) {
	var r Recorder = Noop{}
	r.ObserveAcquire(OutcomeTimeout, time.Second)
	r.IncRelease(true)
	r.IncExtend(true)
}
