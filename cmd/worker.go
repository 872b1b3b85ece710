package main

import (
	"os/signal"
	"syscall"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/jobs"
	"github.com/ecademy/leadfunnel/internal/runner"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Process queued reconciliation runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx, "worker")
		if err != nil {
			return err
		}
		defer env.Close()

		w, err := jobs.NewWorker(cfg.Queue, env.Runner, runner.IsPermanent)
		if err != nil {
			return eris.Wrap(err, "init worker")
		}

		zap.L().Info("worker started",
			zap.String("queue", cfg.Queue.Name),
			zap.Int("concurrency", cfg.Queue.Concurrency),
		)
		return w.Run(ctx)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}
