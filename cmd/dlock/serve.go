package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/PavelAgarkov/dlock/application"
	"github.com/PavelAgarkov/dlock/config"
	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/logger"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/PavelAgarkov/dlock/metrics"
	"github.com/PavelAgarkov/dlock/readiness_barrier"
	"github.com/PavelAgarkov/dlock/scheduler"
	"github.com/PavelAgarkov/dlock/server"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/PavelAgarkov/dlock/watchdog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
)

const (
	purgeLease     = 30 * time.Second
	grpcCallLimit  = 5 * time.Minute
	grpcMaxRespond = 64 << 10
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the lock service (HTTP and gRPC APIs)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return err
			}
			if err := initLogger(cfg); err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app := application.NewApp(ctx, 0, 0)
			defer app.FlushLogger()
			defer app.RegisterRecovers()()
			app.Start(cancel)

			err = startServices(ctx, app, cfg)
			if err == nil {
				app.Run()
			}
			app.Stop()
			return err
		},
	}
	config.ServerFlags(cmd.Flags())
	return cmd
}

// startServices поднимает всё, что нужно сервису; остановка регистрируется в app
// по мере создания, поэтому при ошибке достаточно app.Stop()
func startServices(ctx context.Context, app *application.App, cfg config.Config) error {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	app.RegisterShutdown("store", func() { _ = st.Close() }, application.LowestPriority)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewProm("dlock", reg)
	if err != nil {
		return err
	}

	lockCfg := cfg.Locker()
	lockCfg.Metrics = rec
	m, err := locker.New(ctx, st, lockCfg)
	if err != nil {
		return err
	}

	barrier := readiness_barrier.NewReadinessBarrier(ctx, readiness_barrier.ReadinessBarrierConfig{
		Name:             "store",
		FailureThreshold: cfg.HealthFailures,
	})
	barrier.Start()
	app.RegisterShutdown("readiness", barrier.Stop, application.ImmediatePriority)
	if err := startHealthCheck(ctx, app, barrier, st, cfg.HealthInterval); err != nil {
		return err
	}

	if err := startMaintenance(ctx, app, m, st, cfg); err != nil {
		return err
	}

	if cfg.HTTPAddr != "" {
		stop, err := server.CreateHTTPChiServer(ctx, server.LockRoutes(m, barrier, reg), cfg.HTTPAddr,
			server.RecoverChiMiddleware, server.LoggingChiMiddleware)
		if err != nil {
			return err
		}
		app.RegisterShutdown("http", stop, application.HighPriority)
	}

	if cfg.GRPCAddr != "" {
		stop, err := server.CreateGRPCServer(ctx, func(s *grpc.Server) {
			server.RegisterLockService(s, server.NewLockService(m))
		}, server.Configs{Port: cfg.GRPCAddr, Network: "tcp", Reflection: cfg.GRPCReflection},
			grpc.ChainUnaryInterceptor(
				server.EnforceMaxSendSize(grpcMaxRespond),
				server.RecoveryUnaryInterceptor(),
				server.TimeoutUnaryInterceptor(grpcCallLimit),
			))
		if err != nil {
			return err
		}
		app.RegisterShutdown("grpc", stop, application.HighPriority)
	}
	return nil
}

func startHealthCheck(ctx context.Context, app *application.App, barrier *readiness_barrier.ReadinessBarrier, st store.Store, every time.Duration) error {
	check := func(ctx context.Context) error {
		err := barrier.Check(ctx, st.Ping)
		if errors.Is(err, store.ErrStoreUnavailable) {
			return nil // уже залогировано, сервис просто не готов
		}
		return err
	}
	_ = check(ctx)

	if every <= 0 {
		return nil
	}
	checks := scheduler.NewJobScheduler(1, nil)
	if err := checks.Add(scheduler.JobConfiguration{
		Name:     "store-health",
		Func:     check,
		Tick:     every,
		Deadline: every,
		StopMode: scheduler.StopImmediate,
	}); err != nil {
		return err
	}
	checks.Start(ctx)()
	app.RegisterShutdown("store-health", checks.Stop(), application.CriticalPriority)
	return nil
}

// startMaintenance чистку истёкших записей выполняет только лидер выборов cfg.ElectionName
func startMaintenance(ctx context.Context, app *application.App, m *locker.Manager, st store.Store, cfg config.Config) error {
	purger, ok := st.(store.Purger)
	if !ok || cfg.PurgeSchedule == "" {
		return nil
	}

	c := scheduler.NewCron(m)
	err := c.Add(ctx, "purge-expired", cfg.PurgeSchedule, purgeLease, func(ctx context.Context) error {
		n, err := purger.PurgeExpired(ctx)
		if err != nil {
			return fmt.Errorf("purge expired locks: %w", err)
		}
		logger.WriteInfoLog(ctx, &logger_wrapper.LogEntry{
			Msg:       "expired locks purged",
			Component: "maintenance",
			Method:    "PurgeExpired",
			Result:    n,
		})
		return nil
	})
	if err != nil {
		return err
	}

	wd := watchdog.NewLockWatchdogLeader(ctx, m)
	app.RegisterWatchdogsLeadership(application.NewLeaderSupervisor(wd, watchdog.Config{
		ElectionName: cfg.ElectionName,
		Expiration:   watchdog.DefaultLeaderExpiration,
	}, c.Start, c.Stop))
	app.StartWatchdogsLeadership()
	return nil
}
