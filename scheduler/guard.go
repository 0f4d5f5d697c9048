package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
)

const jobLockPrefix = "job:"

// runGuarded выполняет fn только на том процессе, который взял блокировку задачи,
// занятая блокировка значит, что задача сейчас выполняется где-то ещё
func runGuarded(ctx context.Context, guard Guard, name string, ttl time.Duration, fn func(context.Context) error) error {
	if guard == nil {
		return fn(ctx)
	}
	err := guard.WithLock(ctx, jobLockPrefix+name, ttl, 0, fn)
	if errors.Is(err, locker.ErrLockHeld) {
		skipped(ctx, name)
		return nil
	}
	return err
}

// runLeased берёт блокировку на ttl и не отпускает её: пока lease жив, другие процессы
// пропускают это же срабатывание. ttl должен быть короче периода расписания.
func runLeased(ctx context.Context, guard Guard, name string, ttl time.Duration, fn func(context.Context) error) error {
	if guard == nil {
		return fn(ctx)
	}
	if _, err := guard.Acquire(ctx, jobLockPrefix+name, ttl, 0); err != nil {
		if errors.Is(err, locker.ErrLockHeld) {
			skipped(ctx, name)
			return nil
		}
		return err
	}
	return fn(ctx)
}

func skipped(ctx context.Context, name string) {
	logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
		Msg:       "tick skipped, job runs elsewhere",
		Component: "scheduler",
		Method:    "guard",
		Resource:  jobLockPrefix + name,
	})
}
