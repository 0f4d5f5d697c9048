package watchdog

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/utils"
	"github.com/google/uuid"
)

const (
	DefaultLeaderExpiration = 30 * time.Second

	LostAcquire  = 1
	TakenAcquire = 2
)

type Config struct {
	ElectionName string
	Expiration   time.Duration
}

// LockWatchdogLeader держит лидерство через блокировку с именем выборов и продлевает её
// примерно на трети ttl
type LockWatchdogLeader struct {
	ctx    context.Context
	cancel context.CancelFunc
	locker locker.Locker
	id     string
	wg     sync.WaitGroup
}

func NewLockWatchdogLeader(ctx context.Context, l locker.Locker) *LockWatchdogLeader {
	ctx, cancel := context.WithCancel(ctx)
	return &LockWatchdogLeader{
		ctx:    ctx,
		cancel: cancel,
		locker: l,
		id:     uuid.NewString(),
	}
}

// ID идентификатор кандидата, попадает в логи
func (rwl *LockWatchdogLeader) ID() string {
	return rwl.id
}

func (rwl *LockWatchdogLeader) Elect(cfg Config) <-chan int {
	if cfg.ElectionName == "" {
		panic("ElectionName is empty")
	}
	if cfg.Expiration <= 0 {
		cfg.Expiration = DefaultLeaderExpiration
	}

	watcher := make(chan int, 8) // 8 на случай моргания сети или хранилища, чтобы не блокировать поток сразу

	rwl.wg.Add(1)
	go func() {
		defer rwl.wg.Done()
		defer close(watcher)
		defer utils.Recover(rwl.ctx)
		rwl.campaign(rwl.ctx, cfg, watcher)
	}()

	return watcher
}

func (rwl *LockWatchdogLeader) campaign(ctx context.Context, cfg Config, watcher chan<- int) {
	renewInterval := cfg.Expiration/3 + time.Duration(rand.Int63n(int64(cfg.Expiration/10)+1))
	ticker := time.NewTicker(renewInterval)
	defer ticker.Stop()

	var tok locker.Token
	send := func(event int) {
		select {
		case <-ctx.Done():
		case watcher <- event:
		}
	}
	tryTake := func() {
		t, err := rwl.locker.Acquire(ctx, cfg.ElectionName, cfg.Expiration, 0)
		if err != nil {
			if !locker.IsBusy(err) && ctx.Err() == nil {
				rwl.log(ctx, "leadership campaign failed", cfg.ElectionName, err)
			}
			return
		}
		tok = t
		rwl.log(ctx, "leadership taken", cfg.ElectionName, nil)
		send(TakenAcquire)
	}

	// для выбора лидера сразу
	tryTake()

	for {
		select {
		case <-ctx.Done():
			if tok != "" {
				relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, _ = rwl.locker.Release(relCtx, cfg.ElectionName, tok)
				cancel()
				select {
				case watcher <- LostAcquire:
				default: // читатель не успевает, канал всё равно закроется
				}
			}
			return
		case <-ticker.C:
			if tok == "" {
				tryTake()
				continue
			}

			ok, err := rwl.locker.Extend(ctx, cfg.ElectionName, tok, cfg.Expiration)
			if ctx.Err() != nil {
				continue
			}
			if err != nil || !ok {
				tok = ""
				rwl.log(ctx, "leadership lost", cfg.ElectionName, err)
				send(LostAcquire)
			}
		}
	}
}

func (rwl *LockWatchdogLeader) log(ctx context.Context, msg, election string, err error) {
	entry := &logger_wrapper.LogEntry{
		Msg:       msg,
		Component: "watchdog",
		Method:    "Elect",
		Resource:  election,
		Args:      rwl.id,
		Error:     err,
	}
	if err != nil {
		logger.WriteWarnLog(ctx, entry)
		return
	}
	logger.WriteInfoLog(ctx, entry)
}

// Stop отменяет выборы, отдаёт блокировку и ждёт завершения горутин
func (rwl *LockWatchdogLeader) Stop() {
	if rwl.cancel != nil {
		rwl.cancel()
	}
	rwl.wg.Wait()
}
