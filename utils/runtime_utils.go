package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
)

func GoRecover(ctx context.Context, fn func(ctx context.Context)) {
	go func() {
		defer Recover(ctx)
		select {
		case <-ctx.Done():
			logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "goroutine cancelled before start",
				Component: "utils",
				Method:    "GoRecover",
			})
			return
		default:
		}
		fn(ctx)
	}()
}

func Recover(ctx context.Context) {
	if r := recover(); r != nil {
		logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "recovered from panic in goroutine",
			Error:     asError(r),
			Component: "utils",
			Method:    "Recover",
		})
	}
}

func asError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return fmt.Errorf("%v", r)
}

// WaitOrCtx спит wait или выходит раньше с ошибкой контекста
func WaitOrCtx(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
