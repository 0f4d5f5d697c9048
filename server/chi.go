package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/utils"
	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"
)

const (
	CorrelationHeader = "X-Correlation-ID"

	shutdownTimeout = 5 * time.Second
)

type HTTPServerChi struct {
	addr   string
	Router *chi.Mux
}

// CreateHTTPChiServer занимает addr и запускает HTTP-сервер на chi, возвращает функцию остановки
func CreateHTTPChiServer(
	ctx context.Context,
	routes func(*HTTPServerChi),
	addr string,
	mwf ...func(http.Handler) http.Handler,
) (func(), error) {
	s := newHTTPServer(addr, routes, mwf...)

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("http listen %s: %w", addr, err)
	}
	return s.run(ctx, lis), nil
}

// NewHTTPChiHandler собирает роутер без запуска сервера
func NewHTTPChiHandler(routes func(*HTTPServerChi), mwf ...func(http.Handler) http.Handler) http.Handler {
	return newHTTPServer("", routes, mwf...).Router
}

func newHTTPServer(addr string, routes func(*HTTPServerChi), mwf ...func(http.Handler) http.Handler) *HTTPServerChi {
	s := &HTTPServerChi{
		addr:   addr,
		Router: chi.NewRouter(),
	}
	// middleware в chi регистрируются до маршрутов
	if len(mwf) > 0 {
		s.Router.Use(mwf...)
	}
	routes(s)
	return s
}

func (s *HTTPServerChi) run(ctx context.Context, lis net.Listener) func() {
	srv := &http.Server{
		Handler:           s.Router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	utils.GoRecover(ctx, func(ctx context.Context) {
		logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
			Msg:       fmt.Sprintf("HTTP server listening on %s", lis.Addr()),
			Component: "HTTPServer",
			Method:    "run",
			Args:      s.addr,
		})
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "HTTP server stopped",
				Error:     err,
				Component: "HTTPServer",
				Method:    "run",
				Args:      s.addr,
			})
		}
	})

	return s.shutdown(srv)
}

func (s *HTTPServerChi) shutdown(srv *http.Server) func() {
	return func() {
		logger.WriteInfoLog(context.Background(), &logger_wrapper.LogEntry{
			Msg:       "shutting down HTTP server",
			Component: "HTTPServer",
			Method:    "shutdown",
			Args:      s.addr,
		})

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.WriteErrorLog(context.Background(), &logger_wrapper.LogEntry{
				Msg:       "HTTP shutdown failed",
				Error:     err,
				Component: "HTTPServer",
				Method:    "shutdown",
				Args:      s.addr,
			})
		}
	}
}

// RecoverChiMiddleware ловит panic внутри хэндлеров.
func RecoverChiMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func(c context.Context) {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				logger.WriteErrorLog(c, &logger_wrapper.LogEntry{
					Msg:       "panic caught in HTTP request",
					Error:     fmt.Errorf("%v", rec),
					Component: "HTTPServer",
					Method:    "RecoverMiddleware",
					Args:      r.URL.Path,
				})
				w.WriteHeader(http.StatusInternalServerError)
			}
		}(r.Context())
		next.ServeHTTP(w, r)
	})
}

// LoggingChiMiddleware логирует запрос и прокидывает X-Correlation-ID в контекст логгера.
// Пришедший от клиента идентификатор сохраняется.
func LoggingChiMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corrID := r.Header.Get(CorrelationHeader)
		if corrID == "" {
			corrID = xid.New().String()
		}
		ctx := logger_wrapper.WithCorrelationID(r.Context(), corrID)

		w.Header().Set(CorrelationHeader, corrID)

		lrw := newLoggingChiResponseWriter(w)

		start := time.Now()
		next.ServeHTTP(lrw, r.WithContext(ctx))

		logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
			Msg:       fmt.Sprintf("%s %s completed", r.Method, r.URL.Path),
			Component: "HTTPServer",
			Method:    "LoggingMiddleware",
			Args:      fmt.Sprintf("status=%d ua=%s", lrw.statusCode, r.UserAgent()),
			Start:     &start,
		})
	})
}

type loggingChiResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func newLoggingChiResponseWriter(w http.ResponseWriter) *loggingChiResponseWriter {
	return &loggingChiResponseWriter{w, http.StatusOK}
}

func (lrw *loggingChiResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingChiResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lrw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("ResponseWriter does not implement http.Hijacker")
	}
	return hj.Hijack()
}
