package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/ecademy/leadfunnel/internal/model"
	"github.com/ecademy/leadfunnel/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect reconciliation run history",
	Long:  "Commands for listing, viewing, and summarizing reconciliation runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List reconciliation runs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		cohort, _ := cmd.Flags().GetString("type")
		limit, _ := cmd.Flags().GetInt("limit")

		runs, err := st.ListRuns(ctx, store.RunFilter{
			Status: model.RunStatus(status),
			Cohort: model.Cohort(cohort),
			Limit:  limit,
		})
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show full details of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		run, err := st.GetRun(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		sums, err := st.ListCampaigns(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			*model.Run
			Campaigns []store.CampaignSummary `json:"campaigns"`
		}{run, sums})
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate run statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		since, _ := cmd.Flags().GetDuration("since")
		runs, err := st.ListRuns(ctx, store.RunFilter{Limit: 10000})
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		if since > 0 {
			runs = runsSince(runs, time.Now().Add(-since))
		}

		formatRunStats(os.Stdout, computeRunStats(runs))
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (queued, running, success, error)")
	runsListCmd.Flags().String("type", "", "filter by campaign type (students, teachers)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")

	runsStatsCmd.Flags().Duration("since", 7*24*time.Hour, "time window for stats (e.g. 24h, 168h)")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// runsSince keeps runs created at or after cutoff. runs are newest first.
func runsSince(runs []model.Run, cutoff time.Time) []model.Run {
	for i, r := range runs {
		if r.CreatedAt.Before(cutoff) {
			return runs[:i]
		}
	}
	return runs
}

// runStats holds aggregate statistics computed from a set of runs.
type runStats struct {
	Total      int
	Success    int
	Failed     int
	Pending    int
	Leads      int
	Matched    int
	AvgDurSecs float64
}

// MatchRate returns matched leads as a percentage of reconciled leads.
func (s runStats) MatchRate() float64 {
	if s.Leads == 0 {
		return 0
	}
	return float64(s.Matched) / float64(s.Leads) * 100
}

// computeRunStats computes aggregate statistics from a list of runs.
func computeRunStats(runs []model.Run) runStats {
	var s runStats
	s.Total = len(runs)

	var totalDur time.Duration
	for _, r := range runs {
		switch r.Status {
		case model.RunStatusSuccess:
			s.Success++
			s.Leads += r.LeadsCount
			s.Matched += r.MatchedCount
			totalDur += r.UpdatedAt.Sub(r.CreatedAt)
		case model.RunStatusError:
			s.Failed++
		default:
			s.Pending++
		}
	}

	if s.Success > 0 {
		s.AvgDurSecs = totalDur.Seconds() / float64(s.Success)
	}
	return s
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tTYPE\tPERIOD\tSTATUS\tLEADS\tMATCHED\tCREATED\tDURATION")
	_, _ = fmt.Fprintln(w, "--\t----\t------\t------\t-----\t-------\t-------\t--------")

	for _, r := range runs {
		dur := r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		status := string(r.Status)
		if r.Error != "" {
			msg := r.Error
			if len(msg) > 40 {
				msg = msg[:37] + "..."
			}
			status += ": " + msg
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s..%s\t%s\t%d\t%d\t%s\t%s\n",
			truncateID(r.ID),
			r.Cohort,
			r.StartDate, r.EndDate,
			status,
			r.LeadsCount,
			r.MatchedCount,
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
		)
	}
	_ = w.Flush()
}

// formatRunStats writes aggregate stats to w.
func formatRunStats(out io.Writer, s runStats) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.Total)
	_, _ = fmt.Fprintf(w, "Success:\t%d\n", s.Success)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.Failed)
	_, _ = fmt.Fprintf(w, "Queued or running:\t%d\n", s.Pending)
	_, _ = fmt.Fprintf(w, "Leads:\t%d\n", s.Leads)
	_, _ = fmt.Fprintf(w, "Matched:\t%d (%.1f%%)\n", s.Matched, s.MatchRate())
	if s.AvgDurSecs > 0 {
		_, _ = fmt.Fprintf(w, "Avg duration:\t%.1fs\n", s.AvgDurSecs)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
