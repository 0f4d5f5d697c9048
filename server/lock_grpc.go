package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const lockServiceName = "dlock.v1.LockService"

// LockServiceServer сообщения передаются как structpb.Struct с полями HTTP API
type LockServiceServer interface {
	Acquire(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Extend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var LockServiceDesc = grpc.ServiceDesc{
	ServiceName: lockServiceName,
	HandlerType: (*LockServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Acquire", Handler: lockHandler("Acquire", LockServiceServer.Acquire)},
		{MethodName: "Release", Handler: lockHandler("Release", LockServiceServer.Release)},
		{MethodName: "Extend", Handler: lockHandler("Extend", LockServiceServer.Extend)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dlock/v1/lock.proto",
}

func RegisterLockService(s grpc.ServiceRegistrar, srv LockServiceServer) {
	s.RegisterService(&LockServiceDesc, srv)
}

func lockHandler(method string, call func(LockServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + lockServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(LockServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(srv.(LockServiceServer), ctx, req.(*structpb.Struct))
		})
	}
}

// LockService gRPC-обёртка над locker.Locker
type LockService struct {
	locker locker.Locker
}

var _ LockServiceServer = (*LockService)(nil)

func NewLockService(l locker.Locker) *LockService {
	return &LockService{locker: l}
}

func (s *LockService) Acquire(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	resource := stringField(in, "resource")
	ttl, err := millisField(in, "ttl_ms")
	if err != nil {
		return nil, err
	}
	wait, err := millisField(in, "wait_ms")
	if err != nil {
		return nil, err
	}
	if wait < 0 {
		return nil, status.Error(codes.InvalidArgument, errNegativeWait.Error())
	}

	tok, err := s.locker.Acquire(ctx, resource, ttl, wait)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return newStruct(map[string]any{"resource": resource, "token": string(tok)})
}

func (s *LockService) Release(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ok, err := s.locker.Release(ctx, stringField(in, "resource"), locker.Token(stringField(in, "token")))
	if err != nil {
		return nil, grpcStatus(err)
	}
	return newStruct(map[string]any{"released": ok})
}

func (s *LockService) Extend(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	ttl, err := millisField(in, "ttl_ms")
	if err != nil {
		return nil, err
	}
	ok, err := s.locker.Extend(ctx, stringField(in, "resource"), locker.Token(stringField(in, "token")), ttl)
	if err != nil {
		return nil, grpcStatus(err)
	}
	return newStruct(map[string]any{"extended": ok})
}

func grpcStatus(err error) error {
	var code codes.Code
	switch {
	case errors.Is(err, locker.ErrLockHeld):
		code = codes.AlreadyExists
	case errors.Is(err, locker.ErrAcquireTimeout):
		code = codes.DeadlineExceeded
	case errors.Is(err, locker.ErrCancelled):
		code = codes.Canceled
	case errors.Is(err, locker.ErrStoreUnavailable):
		code = codes.Unavailable
	case errors.Is(err, locker.ErrEmptyResource), errors.Is(err, locker.ErrInvalidTTL):
		code = codes.InvalidArgument
	default:
		code = codes.Internal
	}
	return status.Error(code, err.Error())
}

func stringField(in *structpb.Struct, name string) string {
	return in.GetFields()[name].GetStringValue()
}

// millisField числа в structpb приходят как float64
func millisField(in *structpb.Struct, name string) (time.Duration, error) {
	v, ok := in.GetFields()[name]
	if !ok {
		return 0, nil
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	if math.IsNaN(n.NumberValue) || math.IsInf(n.NumberValue, 0) || n.NumberValue != math.Trunc(n.NumberValue) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be an integer", name)
	}
	// за пределами int64 преобразование из float64 не определено
	if math.Abs(n.NumberValue) > float64(maxMillis) {
		return 0, status.Errorf(codes.InvalidArgument, "%s: %v", name, errDurationRange)
	}
	d, err := millis(name, int64(n.NumberValue))
	if err != nil {
		return 0, status.Error(codes.InvalidArgument, err.Error())
	}
	return d, nil
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Error(codes.Internal, fmt.Sprintf("encode response: %v", err))
	}
	return out, nil
}
