package readiness_barrier

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
)

type toggleSignal string

const (
	ReadySignalToggle    toggleSignal = "ready"
	NotReadySignalToggle toggleSignal = "not_ready"
)

type ReadinessBarrierConfig struct {
	Name string
	// FailureThreshold сколько неудачных проверок подряд снимают готовность, 0 значит 1
	FailureThreshold int
}

// Health снимок состояния хранилища на момент последней проверки
type Health struct {
	Ready               bool      `json:"ready"`
	Since               time.Time `json:"since"`
	LastCheck           time.Time `json:"last_check"`
	LastError           string    `json:"last_error,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Checks              uint64    `json:"checks"`
}

// event либо ручной сигнал, либо результат проверки хранилища
type event struct {
	sig     toggleSignal
	checked bool
	err     error
	at      time.Time
}

// ReadinessBarrier готовность сервиса по здоровью общего хранилища. Состояние меняет только
// горутина listen, остальные присылают события
type ReadinessBarrier struct {
	config    ReadinessBarrierConfig
	threshold int
	events    chan event // явно не закрывается
	ready     atomic.Bool
	parent    context.Context

	healthMu sync.RWMutex
	health   Health

	running   atomic.Bool
	mu        sync.Mutex
	runCancel context.CancelFunc
	wg        sync.WaitGroup
}

func NewReadinessBarrier(parent context.Context, cfg ReadinessBarrierConfig) *ReadinessBarrier {
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	return &ReadinessBarrier{
		config:    cfg,
		threshold: threshold,
		events:    make(chan event, 4),
		parent:    parent,
	}
}

func (r *ReadinessBarrier) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(r.parent)
	r.mu.Lock()
	r.runCancel = cancel
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.listen(ctx)
	}()
}

// Stop снимает готовность, накопленная история проверок сохраняется
func (r *ReadinessBarrier) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}

	r.mu.Lock()
	if r.runCancel != nil {
		r.runCancel()
		r.runCancel = nil
	}
	r.mu.Unlock()
	r.wg.Wait()

	for len(r.events) > 0 {
		<-r.events
	}
	r.apply(event{sig: NotReadySignalToggle, at: time.Now()})
}

func (r *ReadinessBarrier) IsReady() bool {
	return r.ready.Load()
}

func (r *ReadinessBarrier) Health() Health {
	r.healthMu.RLock()
	defer r.healthMu.RUnlock()
	return r.health
}

// SendSignalCtx переключает готовность вручную, минуя проверки
func (r *ReadinessBarrier) SendSignalCtx(ctx context.Context, sig toggleSignal) error {
	return r.send(ctx, event{sig: sig, at: time.Now()})
}

// Check выполняет проверку хранилища (обычно Ping) и передаёт результат барьеру.
// Готовность снимается только после FailureThreshold неудач подряд
func (r *ReadinessBarrier) Check(ctx context.Context, check func(context.Context) error) error {
	err := check(ctx)
	if err != nil {
		logger.WriteWarnLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "store health check failed",
			Component: "readiness_barrier",
			Method:    "Check",
			Args:      r.config.Name,
			Error:     err,
		})
	}
	if sendErr := r.send(ctx, event{checked: true, err: err, at: time.Now()}); sendErr != nil {
		return sendErr
	}
	return err
}

func (r *ReadinessBarrier) send(ctx context.Context, ev event) error {
	if !r.running.Load() {
		return fmt.Errorf("readiness barrier %s: not running", r.config.Name)
	}
	select {
	case r.events <- ev:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("readiness barrier %s: %w", r.config.Name, ctx.Err())
	}
}

func (r *ReadinessBarrier) listen(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			r.apply(ev)
		}
	}
}

func (r *ReadinessBarrier) apply(ev event) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()

	h := &r.health
	ready := h.Ready
	switch {
	case !ev.checked:
		ready = ev.sig == ReadySignalToggle
	case ev.err == nil:
		h.Checks++
		h.LastCheck = ev.at
		h.LastError = ""
		h.ConsecutiveFailures = 0
		ready = true
	default:
		h.Checks++
		h.LastCheck = ev.at
		h.LastError = ev.err.Error()
		h.ConsecutiveFailures++
		if h.ConsecutiveFailures >= r.threshold {
			ready = false
		}
	}

	if ready != h.Ready {
		h.Ready = ready
		h.Since = ev.at
		logger.WriteInfoLog(context.Background(), &logger_wrapper.LogEntry{
			Msg:       "store readiness changed",
			Component: "readiness_barrier",
			Method:    "apply",
			Args:      r.config.Name,
			Result:    ready,
		})
	}
	r.ready.Store(ready)
}
