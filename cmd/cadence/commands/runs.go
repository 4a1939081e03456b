package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/schedule"
)

// RunsCmd groups the run history subcommands.
var RunsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect job execution history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a job's most recent runs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		jobID, _ := cmd.Flags().GetString("job")
		limit, _ := cmd.Flags().GetInt("limit")

		database, svc, err := setup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		runs, err := svc.ListRuns(cmd.Context(), jobID, orgID, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Println("No runs recorded.")
			return nil
		}

		printRuns(runs)
		return nil
	},
}

// printRuns renders runs in a fixed-width table. Shared with `jobs show`.
func printRuns(runs []*schedule.Run) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTATUS\tSCHEDULED\tDURATION\tERROR")
	for _, run := range runs {
		duration := "-"
		if run.FinishedAt != nil {
			duration = run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
		}
		errText := "-"
		if run.Error != nil && *run.Error != "" {
			errText = *run.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			run.ID, run.Status, run.ScheduledFor.Format(time.RFC3339), duration, errText)
	}
	w.Flush()
}

func init() {
	runsListCmd.Flags().String("org", "", "Organization id (required)")
	runsListCmd.Flags().String("job", "", "Job id (required)")
	runsListCmd.Flags().Int("limit", 0, "Maximum runs to show (default 50)")
	runsListCmd.MarkFlagRequired("org")
	runsListCmd.MarkFlagRequired("job")

	RunsCmd.AddCommand(runsListCmd)
}
