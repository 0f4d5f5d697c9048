package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/robfig/cron/v3"
)

type Cron struct {
	c     *cron.Cron
	guard Guard
}

// NewCron guard может быть nil, тогда задачи выполняются на каждом процессе
func NewCron(guard Guard) *Cron {
	return &Cron{
		c:     cron.New(cron.WithSeconds()),
		guard: guard,
	}
}

// Add "*/10 * * * * *" - каждые 10 секунд. С guard срабатывание задачи name достаётся
// одному процессу: он берёт lease на ttl и не отпускает его, ttl должен быть короче периода.
func (c *Cron) Add(ctx context.Context, name, calendar string, ttl time.Duration, fn func(ctx context.Context) error) error {
	_, err := c.c.AddFunc(calendar, func() {
		if err := runLeased(ctx, c.guard, name, ttl, fn); err != nil {
			logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "cron job failed",
				Component: "cron",
				Method:    "Add",
				Resource:  name,
				Args:      calendar,
				Error:     err,
			})
		}
	})
	if err != nil {
		return fmt.Errorf("add cron job %s (%s): %w", name, calendar, err)
	}
	return nil
}

func (c *Cron) Stop() {
	<-c.c.Stop().Done()
}

func (c *Cron) Start() {
	c.c.Start()
}
