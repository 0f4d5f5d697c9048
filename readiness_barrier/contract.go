package readiness_barrier

import "context"

type ReadinessBarrierInterface interface {
	SendSignalCtx(ctx context.Context, sig toggleSignal) error
	Check(ctx context.Context, check func(context.Context) error) error
	Health() Health
	IsReady() bool
	Start()
	Stop()
}
