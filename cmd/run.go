package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ecademy/leadfunnel/internal/model"
)

var (
	runStart  string
	runEnd    string
	runCohort string
	runJSON   bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Reconcile one period for one cohort",
	Example: `  leadfunnel run --start 2025-10-01 --end 2025-10-31 --type students
  leadfunnel run --start 2025-10-01 --end 2025-10-31 --type teachers --json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx, "run")
		if err != nil {
			return err
		}
		defer env.Close()

		res, err := env.Runner.Run(ctx, model.RunRequest{
			StartDate: runStart,
			EndDate:   runEnd,
			Cohort:    model.Cohort(runCohort),
		})
		if err != nil {
			return eris.Wrap(err, "reconcile")
		}

		zap.L().Info("reconciliation complete",
			zap.String("run_id", res.Run.ID),
			zap.Int("campaigns", res.Run.CampaignsCount),
			zap.Int("leads", res.Run.LeadsCount),
			zap.Int("matched", res.Run.MatchedCount),
		)

		if runJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		formatCampaigns(os.Stdout, res)
		return nil
	},
}

func init() {
	runCmd.Flags().StringVar(&runStart, "start", "", "first day of the period, YYYY-MM-DD (required)")
	runCmd.Flags().StringVar(&runEnd, "end", "", "last day of the period, YYYY-MM-DD (required)")
	runCmd.Flags().StringVar(&runCohort, "type", "students", "campaign type: students or teachers")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "print the full result as JSON")
	_ = runCmd.MarkFlagRequired("start")
	_ = runCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(runCmd)
}

// formatCampaigns writes one row per campaign, largest first.
func formatCampaigns(out io.Writer, res *model.RunResult) {
	reports := make([]model.CampaignReport, 0, len(res.Campaigns))
	for _, r := range res.Campaigns {
		reports = append(reports, r)
	}
	sort.Slice(reports, func(i, j int) bool {
		if reports[i].LeadsCount != reports[j].LeadsCount {
			return reports[i].LeadsCount > reports[j].LeadsCount
		}
		return reports[i].CampaignID < reports[j].CampaignID
	})

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CAMPAIGN\tLEADS\tMATCHED\tTARGET\tCONV%\tSPEND\tCPL")
	_, _ = fmt.Fprintln(w, "--------\t-----\t-------\t------\t-----\t-----\t---")
	for _, r := range reports {
		name := r.CampaignName
		if len(name) > 40 {
			name = name[:37] + "..."
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%.2f\t%.2f\t%.2f\n",
			name,
			r.LeadsCount,
			r.Matched,
			r.Metrics.TargetLeads,
			r.Metrics.ConversionRate,
			r.Insights.Spend,
			r.Metrics.CostPerLead,
		)
	}
	_ = w.Flush()
	_, _ = fmt.Fprintf(out, "\nrun %s: %d campaigns, %d leads, %d matched\n",
		res.Run.ID, res.Run.CampaignsCount, res.Run.LeadsCount, res.Run.MatchedCount)
}
