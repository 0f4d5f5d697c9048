package server

import (
	"context"
	"fmt"
	"net"
	"runtime/debug"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/utils"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
)

type Configs struct {
	Port       string
	Network    string
	Reflection bool
}

type GRPCServer struct {
	configs Configs
	server  *grpc.Server
}

func newGRPCServer(configs Configs, registerServices func(*grpc.Server), serverOptions ...grpc.ServerOption) *GRPCServer {
	if configs.Network == "" {
		configs.Network = "tcp"
	}
	s := &GRPCServer{
		configs: configs,
		server:  grpc.NewServer(serverOptions...),
	}
	registerServices(s.server)
	if s.configs.Reflection {
		reflection.Register(s.server)
	}
	return s
}

func (s *GRPCServer) Start(ctx context.Context) (func(), error) {
	listener, err := net.Listen(s.configs.Network, s.configs.Port)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", s.configs.Port, err)
	}
	return s.serve(ctx, listener), nil
}

func (s *GRPCServer) serve(ctx context.Context, listener net.Listener) func() {
	utils.GoRecover(ctx, func(ctx context.Context) {
		logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
			Msg:       fmt.Sprintf("gRPC server is started on %s", listener.Addr()),
			Args:      s.configs,
			Component: "GRPCServer",
			Method:    "Start",
		})
		if err := s.server.Serve(listener); err != nil {
			logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "gRPC server stopped by error",
				Error:     err,
				Component: "GRPCServer",
				Method:    "Start",
			})
		}
	})

	return s.shutdown
}

func (s *GRPCServer) shutdown() {
	logCtx := context.Background()
	logger.WriteInfoLog(logCtx, &logger_wrapper.LogEntry{
		Msg:       "shutting down gRPC server",
		Component: "GRPCServer",
		Method:    "shutdown",
	})

	timeoutCtx, cancel := context.WithTimeout(logCtx, shutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.server.GracefulStop()
	}()

	select {
	case <-done:
		logger.WriteInfoLog(logCtx, &logger_wrapper.LogEntry{
			Msg:       "gRPC server has gracefully stopped",
			Component: "GRPCServer",
			Method:    "shutdown",
		})
	case <-timeoutCtx.Done():
		logger.WriteWarnLog(logCtx, &logger_wrapper.LogEntry{
			Msg:       "graceful shutdown timed out, forcing stop",
			Component: "GRPCServer",
			Method:    "shutdown",
		})
		s.server.Stop()
	}
}

func CreateGRPCServer(ctx context.Context, registerServices func(*grpc.Server), configs Configs, serverOptions ...grpc.ServerOption) (func(), error) {
	return newGRPCServer(configs, registerServices, serverOptions...).Start(ctx)
}

// PanicHandler переводит panic в хэндлере в codes.Internal
func PanicHandler(ctx context.Context, p any) error {
	fullMethod := "unknown"
	if ts := grpc.ServerTransportStreamFromContext(ctx); ts != nil {
		fullMethod = ts.Method()
	}

	logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
		Msg:       "panic in gRPC handler",
		Component: "GRPCServer",
		Method:    fullMethod,
		Error:     fmt.Errorf("%v", p),
		Args:      string(debug.Stack()),
	})

	return status.Errorf(codes.Internal, "internal server error (%s)", fullMethod)
}

func RecoveryUnaryInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if p := recover(); p != nil {
				resp, err = nil, PanicHandler(ctx, p)
			}
		}()
		return handler(ctx, req)
	}
}

// EnforceMaxSendSize ограничивает размер ответа. Вызывать в цепочке первым.
func EnforceMaxSendSize(max int) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		resp, err = handler(ctx, req)
		if err != nil || resp == nil {
			return resp, err
		}
		if m, ok := resp.(proto.Message); ok {
			if size := proto.Size(m); size > max {
				return nil, status.Errorf(codes.ResourceExhausted, "response too large: %d > %d", size, max)
			}
		}
		return resp, nil
	}
}

// TimeoutUnaryInterceptor верхняя граница на вызов, acquire с ожиданием тоже в неё упирается
func TimeoutUnaryInterceptor(timeout time.Duration) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		c, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		return handler(c, req)
	}
}
