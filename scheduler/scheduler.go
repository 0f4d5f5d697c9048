package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/utils"
)

type StopMode int

const (
	// StopImmediate выполняющаяся задача получает отмену контекста при Stop
	StopImmediate StopMode = iota
	// StopGraceful задача дорабатывает до своего Deadline
	StopGraceful
)

type JobConfiguration struct {
	Name     string
	Func     func(context.Context) error
	Tick     time.Duration
	Deadline time.Duration
	StopMode StopMode
	// Exclusive задача выполняется под блокировкой job:<Name>, ttl блокировки равен Deadline
	Exclusive bool
	// RunOnStart первый запуск сразу при Start, не дожидаясь Tick
	RunOnStart bool
	// Splay случайная задержка первого тика, разводит одинаковые задачи разных процессов
	Splay time.Duration
}

type JobScheduler struct {
	mu      sync.Mutex
	started bool
	jobs    map[string]JobConfiguration
	rate    chan struct{}
	guard   Guard

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobScheduler rate ограничивает число одновременно выполняемых задач,
// guard нужен только для задач с Exclusive
func NewJobScheduler(rate int64, guard Guard) *JobScheduler {
	if rate <= 0 {
		rate = 1
	}
	return &JobScheduler{
		rate:  make(chan struct{}, rate),
		jobs:  make(map[string]JobConfiguration),
		guard: guard,
	}
}

func (s *JobScheduler) Add(cfg JobConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case s.started:
		return fmt.Errorf("scheduler.Add(%s): already started", cfg.Name)
	case cfg.Func == nil:
		return fmt.Errorf("scheduler.Add(%s): nil func", cfg.Name)
	case cfg.Tick <= 0 || cfg.Deadline <= 0:
		return fmt.Errorf("scheduler.Add(%s): tick and deadline must be positive", cfg.Name)
	case cfg.Exclusive && s.guard == nil:
		return fmt.Errorf("scheduler.Add(%s): exclusive job needs a lock guard", cfg.Name)
	}
	if _, exists := s.jobs[cfg.Name]; exists {
		return fmt.Errorf("scheduler.Add(%s): job already exists", cfg.Name)
	}
	s.jobs[cfg.Name] = cfg
	return nil
}

func (s *JobScheduler) Start(ctx context.Context) func() {
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.started {
			logger.WriteWarnLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "scheduler already started",
				Component: "scheduler",
				Method:    "Start",
			})
			return
		}
		s.started = true

		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		for _, cfg := range s.jobs {
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer utils.Recover(runCtx)
				s.loop(runCtx, cfg)
			}()
		}
	}
}

// Stop останавливает задачи и дожидается их завершения.
func (s *JobScheduler) Stop() func() {
	return func() {
		s.mu.Lock()
		if !s.started {
			s.mu.Unlock()
			return
		}
		s.started = false
		s.cancel()
		s.mu.Unlock()

		s.wg.Wait()
	}
}

func (s *JobScheduler) loop(ctx context.Context, cfg JobConfiguration) {
	first := cfg.Tick
	if cfg.RunOnStart {
		first = 0
	}
	if cfg.Splay > 0 {
		first += time.Duration(rand.Int63n(int64(cfg.Splay)))
	}
	if err := utils.WaitOrCtx(ctx, first); err != nil {
		return
	}

	ticker := time.NewTicker(cfg.Tick)
	defer ticker.Stop()
	for {
		s.runOnce(ctx, cfg)

		select {
		case <-ctx.Done():
			logger.WriteDebugLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "job stopped",
				Component: "scheduler",
				Method:    "loop",
				Resource:  cfg.Name,
			})
			return
		case <-ticker.C:
		}
	}
}

func (s *JobScheduler) runOnce(ctx context.Context, cfg JobConfiguration) {
	start := time.Now()
	err := s.exec(ctx, cfg)
	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	logger.WriteErrorLog(ctx, &logger_wrapper.LogEntry{
		Msg:       "job execution failed",
		Component: "scheduler",
		Method:    "runOnce",
		Resource:  cfg.Name,
		Error:     err,
		Start:     &start,
	})
}

func (s *JobScheduler) exec(ctx context.Context, cfg JobConfiguration) (err error) {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case s.rate <- struct{}{}:
	}
	defer func() { <-s.rate }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in job %s: %v", cfg.Name, r)
		}
	}()

	parent := ctx
	if cfg.StopMode == StopGraceful {
		parent = context.WithoutCancel(ctx)
	}
	jobCtx, cancel := context.WithTimeout(parent, cfg.Deadline)
	defer cancel()

	if cfg.Exclusive {
		return runGuarded(jobCtx, s.guard, cfg.Name, cfg.Deadline, cfg.Func)
	}
	return cfg.Func(jobCtx)
}
