package main

import (
	"fmt"

	"github.com/PavelAgarkov/dlock/config"
	logger "github.com/PavelAgarkov/dlock/logger/zap_engine"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"
)

// Version подставляется при сборке через -ldflags "-X main.Version=..."
var Version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "dlock",
		Short: "distributed lock manager",
		Long: `dlock coordinates mutually exclusive access to named resources between processes
through a shared store (redis, postgres or an in-process memory store).

Every flag can also be set as DLOCK_<FLAG> (e.g. DLOCK_STORE_HOST=redis.internal),
.env and .env.local in the working directory are read on start.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			config.LoadEnvFiles()
			return nil
		},
	}
	config.StoreFlags(root.PersistentFlags())

	root.AddCommand(newServeCmd(), newLockCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number of dlock",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dlock %s\n", Version)
		},
	}
}

func initLogger(cfg config.Config) error {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("log level: %w", err)
	}
	return logger.InitLoggerForStdout(level, cfg.LogJSON, nil)
}
