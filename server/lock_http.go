package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/readiness_barrier"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// statusClientClosedRequest клиент ушёл раньше ответа, код из nginx
const statusClientClosedRequest = 499

const maxBodyBytes = 64 << 10

// maxMillis наибольшее число миллисекунд, которое помещается в time.Duration
const maxMillis = math.MaxInt64 / int64(time.Millisecond)

type ReadinessReporter interface {
	IsReady() bool
}

// healthReporter готовность с подробностями, /readyz отдаёт их в теле ответа
type healthReporter interface {
	Health() readiness_barrier.Health
}

type (
	acquireRequest struct {
		Resource string `json:"resource"`
		TTLMs    int64  `json:"ttl_ms"`
		WaitMs   int64  `json:"wait_ms"`
	}
	acquireResponse struct {
		Resource string `json:"resource"`
		Token    string `json:"token"`
	}
	releaseRequest struct {
		Resource string `json:"resource"`
		Token    string `json:"token"`
	}
	releaseResponse struct {
		Released bool `json:"released"`
	}
	extendRequest struct {
		Resource string `json:"resource"`
		Token    string `json:"token"`
		TTLMs    int64  `json:"ttl_ms"`
	}
	extendResponse struct {
		Extended bool `json:"extended"`
	}
	errorResponse struct {
		Error string `json:"error"`
	}
)

var (
	errNegativeWait  = errors.New("wait must not be negative")
	errDurationRange = errors.New("duration out of range")
	errTrailingData  = errors.New("unexpected data after JSON object")
)

// LockRoutes регистрирует API блокировок и служебные маршруты. ready и gatherer могут быть nil.
func LockRoutes(l locker.Locker, ready ReadinessReporter, gatherer prometheus.Gatherer) func(*HTTPServerChi) {
	h := &lockHandlers{locker: l}
	return func(s *HTTPServerChi) {
		s.Router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		s.Router.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
			code := http.StatusOK
			if ready != nil && !ready.IsReady() {
				code = http.StatusServiceUnavailable
			}
			if hr, ok := ready.(healthReporter); ok {
				writeJSON(w, code, hr.Health())
				return
			}
			w.WriteHeader(code)
		})
		if gatherer != nil {
			s.Router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
		}
		s.Router.Route("/api/v1/locks", func(r chi.Router) {
			r.Post("/acquire", h.acquire)
			r.Post("/release", h.release)
			r.Post("/extend", h.extend)
		})
	}
}

type lockHandlers struct {
	locker locker.Locker
}

func (h *lockHandlers) acquire(w http.ResponseWriter, r *http.Request) {
	var req acquireRequest
	if !decode(w, r, &req) {
		return
	}
	if req.WaitMs < 0 {
		writeError(w, r, errNegativeWait)
		return
	}
	ttl, err := millis("ttl_ms", req.TTLMs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	wait, err := millis("wait_ms", req.WaitMs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	tok, err := h.locker.Acquire(r.Context(), req.Resource, ttl, wait)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acquireResponse{Resource: req.Resource, Token: string(tok)})
}

func (h *lockHandlers) release(w http.ResponseWriter, r *http.Request) {
	var req releaseRequest
	if !decode(w, r, &req) {
		return
	}
	ok, err := h.locker.Release(r.Context(), req.Resource, locker.Token(req.Token))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, releaseResponse{Released: ok})
}

func (h *lockHandlers) extend(w http.ResponseWriter, r *http.Request) {
	var req extendRequest
	if !decode(w, r, &req) {
		return
	}
	ttl, err := millis("ttl_ms", req.TTLMs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	ok, err := h.locker.Extend(r.Context(), req.Resource, locker.Token(req.Token), ttl)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extendResponse{Extended: ok})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	err := dec.Decode(v)
	if err == nil && dec.Decode(&struct{}{}) != io.EOF {
		err = errTrailingData
	}
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed request: " + err.Error()})
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		logger.WriteErrorLog(r.Context(), &logger_wrapper.LogEntry{
			Msg:       "lock request failed",
			Component: "HTTPServer",
			Method:    r.URL.Path,
			Error:     err,
		})
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func httpStatus(err error) int {
	switch {
	case errors.Is(err, locker.ErrLockHeld):
		return http.StatusConflict
	case errors.Is(err, locker.ErrAcquireTimeout):
		return http.StatusRequestTimeout
	case errors.Is(err, locker.ErrCancelled):
		return statusClientClosedRequest
	case errors.Is(err, locker.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, locker.ErrEmptyResource), errors.Is(err, locker.ErrInvalidTTL),
		errors.Is(err, errNegativeWait), errors.Is(err, errDurationRange):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func millis(name string, ms int64) (time.Duration, error) {
	if ms > maxMillis || ms < -maxMillis {
		return 0, fmt.Errorf("%s: %w", name, errDurationRange)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
