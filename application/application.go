package application

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"sync"
	"syscall"

	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/utils"
	"github.com/PavelAgarkov/dlock/watchdog"
)

const (
	LowestPriority    = 10000
	LowPriority       = 1000
	MediumPriority    = 500
	HighPriority      = 100
	HighestPriority   = 50
	CriticalPriority  = 20
	ImmediatePriority = 1
)

type linkedList struct {
	node *shutdown
}

type shutdown struct {
	priority     int
	name         string
	next         *shutdown
	shutdownFunc func()
}

// LeaderSupervisor запускает Start, пока процесс держит лидерство, и Stop при его потере
type LeaderSupervisor struct {
	ctx            context.Context
	cancel         context.CancelFunc
	Watcher        <-chan int
	Start          func()
	Stop           func()
	Watchdog       watchdog.LeaderElectingWatchdog
	SupervisorName string
	mu             sync.Mutex
	Working        bool
}

// NewLeaderSupervisor сразу выставляет кандидатуру в выборах cfg.ElectionName
func NewLeaderSupervisor(wd watchdog.LeaderElectingWatchdog, cfg watchdog.Config, start, stop func()) *LeaderSupervisor {
	return &LeaderSupervisor{
		Watcher:        wd.Elect(cfg),
		Watchdog:       wd,
		Start:          start,
		Stop:           stop,
		SupervisorName: cfg.ElectionName,
	}
}

func (s *LeaderSupervisor) IsWorking() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Working
}

func (s *LeaderSupervisor) candidate() string {
	if s.Watchdog == nil {
		return ""
	}
	return s.Watchdog.ID()
}

type App struct {
	ctx               context.Context
	shutdownRWM       sync.RWMutex
	shutdown          *linkedList
	leaderSupervisors []*LeaderSupervisor
	sig               chan os.Signal
	wg                sync.WaitGroup
}

// NewApp cores <= 0 оставляет GOMAXPROCS как есть
func NewApp(ctx context.Context, cores int, heapOverflow int) *App {
	if heapOverflow == 0 {
		heapOverflow = 100
	}
	debug.SetGCPercent(heapOverflow)
	if cores > 0 {
		runtime.GOMAXPROCS(cores)
	}
	logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
		Msg:       fmt.Sprintf("application registered with GOMAXPROCS=%d GCPercent=%d", runtime.GOMAXPROCS(0), heapOverflow),
		Component: "application",
		Method:    "NewApp",
		Args:      fmt.Sprintf("cores: %d, heapOverflow: %d", cores, heapOverflow),
	})
	return &App{
		shutdown: &linkedList{},
		ctx:      ctx,
		sig:      make(chan os.Signal, 1),
	}
}

func (app *App) StartWatchdogsLeadership() {
	if len(app.leaderSupervisors) == 0 {
		logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       "no supervisors registered for leadership",
			Component: "application",
			Method:    "StartWatchdogsLeadership",
		})
		return
	}

	for _, supervisor := range app.leaderSupervisors {
		app.wg.Add(1)
		go func() {
			defer app.wg.Done()
			defer utils.Recover(app.ctx)
			app.supervise(supervisor)
		}()
	}
}

func (app *App) supervise(supervisor *LeaderSupervisor) {
	for {
		select {
		case <-supervisor.ctx.Done():
			return
		case res, ok := <-supervisor.Watcher:
			if !ok {
				logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
					Msg:       "leadership watcher closed",
					Component: "application",
					Method:    "supervise",
					Resource:  supervisor.SupervisorName,
				})
				supervisor.mu.Lock()
				if supervisor.Working {
					supervisor.Stop()
					supervisor.Working = false
				}
				supervisor.mu.Unlock()
				return
			}
			app.toggle(supervisor, res)
		}
	}
}

func (app *App) toggle(supervisor *LeaderSupervisor, event int) {
	supervisor.mu.Lock()
	defer supervisor.mu.Unlock()

	switch {
	case event == watchdog.LostAcquire && supervisor.Working:
		supervisor.Stop()
		supervisor.Working = false
		logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       "supervisor stopped, leadership lost",
			Component: "application",
			Method:    "toggle",
			Resource:  supervisor.SupervisorName,
			Args:      supervisor.candidate(),
		})
	case event == watchdog.TakenAcquire && !supervisor.Working:
		supervisor.Start()
		supervisor.Working = true
		logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       "supervisor started, leadership taken",
			Component: "application",
			Method:    "toggle",
			Resource:  supervisor.SupervisorName,
			Args:      supervisor.candidate(),
		})
	}
}

func (app *App) RegisterWatchdogsLeadership(supervisor *LeaderSupervisor) {
	if supervisor == nil {
		logger.WriteErrorLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       "failed to register nil supervisor",
			Component: "application",
			Method:    "RegisterWatchdogsLeadership",
			Error:     fmt.Errorf("supervisor cannot be nil"),
		})
		return
	}

	supervisor.ctx, supervisor.cancel = context.WithCancel(app.ctx)
	app.leaderSupervisors = append(app.leaderSupervisors, supervisor)
}

// RegisterShutdown хуки выполняются по возрастанию priority, равные в порядке регистрации
func (app *App) RegisterShutdown(name string, fn func(), priority int) {
	app.shutdownRWM.Lock()
	defer app.shutdownRWM.Unlock()
	newShutdown := &shutdown{
		name:         name,
		priority:     priority,
		shutdownFunc: fn,
	}
	defer logger.WriteDebugLog(app.ctx, &logger_wrapper.LogEntry{
		Msg:       fmt.Sprintf("registered shutdown func %s with priority %d", name, priority),
		Component: "application",
		Method:    "RegisterShutdown",
	})
	if app.shutdown.node == nil || app.shutdown.node.priority > priority {
		newShutdown.next = app.shutdown.node
		app.shutdown.node = newShutdown
		return
	}
	current := app.shutdown.node
	for current.next != nil && current.next.priority <= priority {
		current = current.next
	}
	newShutdown.next = current.next
	current.next = newShutdown
}

func (app *App) shutdownAllAndDeleteAllCanceled() {
	app.shutdownRWM.Lock()
	defer app.shutdownRWM.Unlock()
	for app.shutdown.node != nil {
		node := app.shutdown.node
		func() {
			defer utils.Recover(app.ctx)
			node.shutdownFunc()
		}()
		logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       fmt.Sprintf("shutdown func %s executed with priority %d", node.name, node.priority),
			Component: "application",
			Method:    "shutdownAllAndDeleteAllCanceled",
		})
		app.shutdown.node = node.next
	}
}

// Stop гасит супервизоров, их watchdog'и (с освобождением блокировок) и затем хуки
func (app *App) Stop() {
	for _, supervisor := range app.leaderSupervisors {
		supervisor.mu.Lock()
		supervisor.cancel()
		if supervisor.Working {
			supervisor.Stop()
			supervisor.Working = false
		}
		supervisor.mu.Unlock()
		if supervisor.Watchdog != nil {
			supervisor.Watchdog.Stop()
		}
		logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
			Msg:       "supervisor has been stopped",
			Component: "application",
			Method:    "Stop",
			Resource:  supervisor.SupervisorName,
		})
	}
	app.wg.Wait()
	logger.WriteInfoLog(app.ctx, &logger_wrapper.LogEntry{
		Msg:       "stopping application",
		Component: "application",
		Method:    "Stop",
	})
	app.shutdownAllAndDeleteAllCanceled()
}

func (app *App) Start(cancel context.CancelFunc) {
	signal.Notify(app.sig, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)

	utils.GoRecover(app.ctx, func(ctx context.Context) {
		defer signal.Stop(app.sig)
		select {
		case <-app.sig:
			logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
				Msg:       "signal received, shutting down application",
				Component: "application",
				Method:    "Start",
			})
			cancel()
		case <-ctx.Done():
		}
	})
}

func (app *App) RegisterRecovers() func() {
	return func() {
		if r := recover(); r != nil {
			logger.WriteErrorLog(app.ctx, &logger_wrapper.LogEntry{
				Msg:       "panic happened in application",
				Component: "application",
				Method:    "RegisterRecovers",
				Error:     fmt.Errorf("%v", r),
			})
			select {
			case app.sig <- syscall.SIGTERM:
			default:
			}
		}
	}
}

func (app *App) FlushLogger() {
	logger.FlushLogs()
}

func (app *App) Run() {
	<-app.ctx.Done()
}
