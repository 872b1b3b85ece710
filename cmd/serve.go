package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/jobs"
	"github.com/ecademy/leadfunnel/internal/monitoring"
	"github.com/ecademy/leadfunnel/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the reconciliation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "serve")
		if err != nil {
			return err
		}
		defer env.Close()

		opts := []server.Option{server.WithMetrics(env.Metrics)}
		if cfg.Queue.Enabled() {
			q, err := jobs.NewClient(cfg.Queue)
			if err != nil {
				return eris.Wrap(err, "init job queue")
			}
			defer q.Close() //nolint:errcheck
			opts = append(opts, server.WithQueue(q))
			zap.L().Info("async runs go to the job queue", zap.String("queue", cfg.Queue.Name))
		} else {
			zap.L().Info("queue.redis_url not set, async runs execute in process")
		}

		startChecker(ctx, env)

		srv := server.New(cfg.Server, env.Store, env.Runner, opts...)
		port := resolvePort(servePort, cfg.Server.Port)
		if err := srv.ListenAndServe(ctx, fmt.Sprintf(":%d", port)); err != nil {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

// resolvePort prefers the flag value over the configured port.
func resolvePort(flagPort, cfgPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	return cfgPort
}

// startChecker runs the run-health alert loop until ctx is done.
func startChecker(ctx context.Context, env *appEnv) {
	mc := cfg.Monitoring
	collector := monitoring.NewCollector(env.Store, time.Duration(mc.StuckAfterMins)*time.Minute)
	checker := monitoring.NewChecker(collector, monitoring.NewAlerter(mc), mc, monitoring.WithHealthMetrics(env.Metrics))
	go checker.Run(ctx)
}
