package main

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/config"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "leadfunnel",
	Short: "Ad-lead to CRM funnel reconciliation",
	Long:  "Fetches Meta lead-ad submissions, matches them to AlfaCRM students or NetHunt teachers and reports per-campaign funnel counts and costs.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		c, err := config.Load()
		if err != nil {
			return eris.Wrap(err, "load config")
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return eris.Wrap(err, "init logger")
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
