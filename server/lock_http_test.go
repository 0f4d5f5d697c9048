package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/metrics"
	"github.com/PavelAgarkov/dlock/readiness_barrier"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type readyFlag bool

func (r readyFlag) IsReady() bool { return bool(r) }

func newTestAPI(t *testing.T, ready ReadinessReporter) *httptest.Server {
	t.Helper()
	st := store.NewMemoryStore()
	reg := prometheus.NewRegistry()
	rec, err := metrics.NewProm("dlock", reg)
	require.NoError(t, err)
	m, err := locker.New(context.Background(), st, locker.Config{Metrics: rec})
	require.NoError(t, err)

	srv := httptest.NewServer(NewHTTPChiHandler(LockRoutes(m, ready, reg), RecoverChiMiddleware, LoggingChiMiddleware))
	t.Cleanup(srv.Close)
	return srv
}

func post(t *testing.T, srv *httptest.Server, path string, body any, out any) int {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(srv.URL+"/api/v1/locks/"+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestLockAPIFlow(t *testing.T) {
	srv := newTestAPI(t, nil)

	var acq acquireResponse
	code := post(t, srv, "acquire", acquireRequest{Resource: "orders", TTLMs: 10000}, &acq)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "orders", acq.Resource)
	assert.Len(t, acq.Token, 64)

	var busy errorResponse
	code = post(t, srv, "acquire", acquireRequest{Resource: "orders", TTLMs: 10000}, &busy)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, busy.Error)

	code = post(t, srv, "acquire", acquireRequest{Resource: "orders", TTLMs: 10000, WaitMs: 60}, nil)
	assert.Equal(t, http.StatusRequestTimeout, code)

	var ext extendResponse
	code = post(t, srv, "extend", extendRequest{Resource: "orders", Token: acq.Token, TTLMs: 20000}, &ext)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, ext.Extended)

	var rel releaseResponse
	code = post(t, srv, "release", releaseRequest{Resource: "orders", Token: "someone-else"}, &rel)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, rel.Released)

	code = post(t, srv, "release", releaseRequest{Resource: "orders", Token: acq.Token}, &rel)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, rel.Released)

	code = post(t, srv, "release", releaseRequest{Resource: "orders", Token: acq.Token}, &rel)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, rel.Released)
}

func TestLockAPIBadInput(t *testing.T) {
	srv := newTestAPI(t, nil)

	assert.Equal(t, http.StatusBadRequest, post(t, srv, "acquire", acquireRequest{Resource: "", TTLMs: 1000}, nil))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "acquire", acquireRequest{Resource: "r", TTLMs: 0}, nil))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "acquire", acquireRequest{Resource: "r", TTLMs: 1000, WaitMs: -1}, nil))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "extend", extendRequest{Resource: "r", Token: "t"}, nil))

	for _, body := range []string{"{not json", `{"resource":"a","ttl_ms":1000}garbage`, `{"resource":"a","ttl_ms":1000}{}`} {
		resp, err := http.Post(srv.URL+"/api/v1/locks/acquire", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
}

func TestLockAPIRejectsOversizedDurations(t *testing.T) {
	srv := newTestAPI(t, nil)

	// 2^64 наносекунд в миллисекундах, после умножения значение заворачивается
	const wrapped = int64(18446744073710)

	var body errorResponse
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "acquire", acquireRequest{Resource: "big", TTLMs: wrapped}, &body))
	assert.Contains(t, body.Error, "ttl_ms")
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "acquire", acquireRequest{Resource: "big", TTLMs: 1000, WaitMs: maxMillis + 1}, nil))
	assert.Equal(t, http.StatusBadRequest, post(t, srv, "extend", extendRequest{Resource: "big", Token: "t", TTLMs: wrapped}, nil))

	// ресурс остался свободен
	var acq acquireResponse
	require.Equal(t, http.StatusOK, post(t, srv, "acquire", acquireRequest{Resource: "big", TTLMs: maxMillis}, &acq))
	assert.Equal(t, http.StatusConflict, post(t, srv, "acquire", acquireRequest{Resource: "big", TTLMs: 1000}, nil))
}

type downLocker struct{}

func (downLocker) Acquire(context.Context, string, time.Duration, time.Duration) (locker.Token, error) {
	return "", fmt.Errorf("acquire: %w: connection refused", locker.ErrStoreUnavailable)
}

func (downLocker) Release(context.Context, string, locker.Token) (bool, error) {
	return false, fmt.Errorf("release: %w: connection refused", locker.ErrStoreUnavailable)
}

func (downLocker) Extend(context.Context, string, locker.Token, time.Duration) (bool, error) {
	return false, fmt.Errorf("extend: %w: connection refused", locker.ErrStoreUnavailable)
}

func TestLockAPIStoreUnavailable(t *testing.T) {
	srv := httptest.NewServer(NewHTTPChiHandler(LockRoutes(downLocker{}, nil, nil)))
	defer srv.Close()

	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv, "acquire", acquireRequest{Resource: "r", TTLMs: 1000}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv, "release", releaseRequest{Resource: "r", Token: "t"}, nil))
	assert.Equal(t, http.StatusServiceUnavailable, post(t, srv, "extend", extendRequest{Resource: "r", Token: "t", TTLMs: 1000}, nil))

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestServiceRoutes(t *testing.T) {
	srv := newTestAPI(t, readyFlag(false))

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(CorrelationHeader))

	resp, err = http.Get(srv.URL + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	require.Equal(t, http.StatusOK, post(t, srv, "acquire", acquireRequest{Resource: "m", TTLMs: 1000}, nil))
	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `dlock_acquire_total{outcome="acquired"} 1`)
}

func TestReadyzReportsStoreHealth(t *testing.T) {
	barrier := readiness_barrier.NewReadinessBarrier(context.Background(), readiness_barrier.ReadinessBarrierConfig{Name: "store"})
	barrier.Start()
	defer barrier.Stop()
	srv := newTestAPI(t, barrier)

	readyz := func() (int, readiness_barrier.Health) {
		resp, err := http.Get(srv.URL + "/readyz")
		require.NoError(t, err)
		defer resp.Body.Close()
		var h readiness_barrier.Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
		return resp.StatusCode, h
	}

	_ = barrier.Check(context.Background(), func(context.Context) error { return errors.New("dial tcp: connection refused") })
	require.Eventually(t, func() bool { return barrier.Health().Checks == 1 }, time.Second, 5*time.Millisecond)
	code, h := readyz()
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.False(t, h.Ready)
	assert.Equal(t, "dial tcp: connection refused", h.LastError)
	assert.Equal(t, 1, h.ConsecutiveFailures)

	require.NoError(t, barrier.Check(context.Background(), func(context.Context) error { return nil }))
	require.Eventually(t, barrier.IsReady, time.Second, 5*time.Millisecond)
	code, h = readyz()
	assert.Equal(t, http.StatusOK, code)
	assert.True(t, h.Ready)
	assert.Empty(t, h.LastError)
}

func TestCorrelationIDIsKept(t *testing.T) {
	srv := newTestAPI(t, nil)

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/healthz", nil)
	require.NoError(t, err)
	req.Header.Set(CorrelationHeader, "req-42")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "req-42", resp.Header.Get(CorrelationHeader))
}

func TestRecoverMiddleware(t *testing.T) {
	h := NewHTTPChiHandler(func(s *HTTPServerChi) {
		s.Router.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })
	}, RecoverChiMiddleware)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
}
