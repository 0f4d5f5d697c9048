package main

import (
	"context"
	"fmt"
	"time"

	"github.com/PavelAgarkov/dlock/config"
	"github.com/PavelAgarkov/dlock/locker"
	"github.com/PavelAgarkov/dlock/store"
	"github.com/spf13/cobra"
)

func newLockCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Acquire, release or extend a lock directly in the shared store",
	}

	var ttl, wait time.Duration
	acquire := &cobra.Command{
		Use:   "acquire [resource]",
		Short: "Acquire a lock and print its token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *locker.Manager) error {
				tok, err := m.Acquire(ctx, args[0], ttl, wait)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), tok)
				return nil
			})
		},
	}
	acquire.Flags().DurationVar(&ttl, "ttl", 30*time.Second, "lock lifetime")
	acquire.Flags().DurationVar(&wait, "wait", 0, "how long to wait for a held lock (0 fails at once)")

	release := &cobra.Command{
		Use:   "release [resource] [token]",
		Short: "Release a lock owned by token",
		Long:  "Release a lock using the resource and the token printed by acquire. Prints true when the lock was freed.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *locker.Manager) error {
				ok, err := m.Release(ctx, args[0], locker.Token(args[1]))
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}

	var extendTTL time.Duration
	extend := &cobra.Command{
		Use:   "extend [resource] [token]",
		Short: "Reset the lifetime of a lock owned by token",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *locker.Manager) error {
				ok, err := m.Extend(ctx, args[0], locker.Token(args[1]), extendTTL)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), ok)
				return nil
			})
		},
	}
	extend.Flags().DurationVar(&extendTTL, "ttl", 30*time.Second, "new lock lifetime")

	cmd.AddCommand(acquire, release, extend)
	return cmd
}

func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *locker.Manager) error) error {
	cfg, err := config.Load(cmd.Flags())
	if err != nil {
		return err
	}
	if err := initLogger(cfg); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	m, err := locker.New(ctx, st, cfg.Locker())
	if err != nil {
		return err
	}
	return fn(ctx, m)
}
