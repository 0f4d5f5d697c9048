package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	OutcomeAcquired  = "acquired"
	OutcomeHeld      = "held"
	OutcomeTimeout   = "timeout"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

// Recorder receives lock manager outcomes.
type Recorder interface {
	ObserveAcquire(outcome string, wait time.Duration)
	IncRelease(released bool)
	IncExtend(extended bool)
}

// Noop implements Recorder without emitting anything.
type Noop struct{}

func (Noop) ObserveAcquire(string, time.Duration) {}
func (Noop) IncRelease(bool)                      {}
func (Noop) IncExtend(bool)                       {}

// Prom implements Recorder backed by Prometheus collectors.
type Prom struct {
	acquireTotal *prometheus.CounterVec
	acquireWait  *prometheus.HistogramVec
	releaseTotal *prometheus.CounterVec
	extendTotal  *prometheus.CounterVec
}

func NewProm(namespace string, reg prometheus.Registerer) (*Prom, error) {
	p := &Prom{
		acquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acquire_total",
			Help:      "Lock acquisitions by outcome",
		}, []string{"outcome"}),
		acquireWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "acquire_wait_seconds",
			Help:      "Time spent inside Acquire by outcome",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"outcome"}),
		releaseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "release_total",
			Help:      "Lock releases by result",
		}, []string{"result"}),
		extendTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extend_total",
			Help:      "Lock extensions by result",
		}, []string{"result"}),
	}
	for _, c := range []prometheus.Collector{p.acquireTotal, p.acquireWait, p.releaseTotal, p.extendTotal} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Prom) ObserveAcquire(outcome string, wait time.Duration) {
	p.acquireTotal.WithLabelValues(outcome).Inc()
	p.acquireWait.WithLabelValues(outcome).Observe(wait.Seconds())
}

func (p *Prom) IncRelease(released bool) {
	p.releaseTotal.WithLabelValues(result(released)).Inc()
}

func (p *Prom) IncExtend(extended bool) {
	p.extendTotal.WithLabelValues(result(extended)).Inc()
}

func result(ok bool) string {
	if ok {
		return "ok"
	}
	return "not_owner"
}
