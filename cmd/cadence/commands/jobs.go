package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/teranos/cadence/schedule"
)

// JobsCmd groups the job lifecycle subcommands.
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Manage scheduled jobs",
	Long: `Manage scheduled jobs: list, create, show, pause, resume, and delete.

All operations are scoped to an organization (--org). Changes made here are
picked up by a running daemon within one reconcile cycle.`,
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an organization's jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		enabledOnly, _ := cmd.Flags().GetBool("enabled")

		database, svc, err := setup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		jobs, err := svc.List(cmd.Context(), orgID, enabledOnly)
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tCRON\tTZ\tKIND\tENABLED")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
				job.ID, job.Name, job.CronExpr, job.Timezone, job.Kind, job.Enabled)
		}
		return w.Flush()
	},
}

var jobsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a scheduled job",
	Example: `  cadence jobs create --org acme --name nightly-report \
    --cron "0 3 * * *" --tz America/New_York --kind noop --payload '{}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")
		name, _ := cmd.Flags().GetString("name")
		cronExpr, _ := cmd.Flags().GetString("cron")
		timezone, _ := cmd.Flags().GetString("tz")
		kind, _ := cmd.Flags().GetString("kind")
		payloadStr, _ := cmd.Flags().GetString("payload")

		database, svc, err := setup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		job, err := svc.Create(cmd.Context(), schedule.CreateParams{
			OrgID:    orgID,
			Name:     name,
			CronExpr: cronExpr,
			Timezone: timezone,
			Kind:     kind,
			Payload:  json.RawMessage(payloadStr),
		})
		if err != nil {
			return err
		}

		fmt.Printf("Created job %s (%s)\n", job.ID, job.Name)
		return nil
	},
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show one job with recent runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		orgID, _ := cmd.Flags().GetString("org")

		database, svc, err := setup(cmd)
		if err != nil {
			return err
		}
		defer database.Close()

		detail, err := svc.GetDetail(cmd.Context(), args[0], orgID, true)
		if err != nil {
			return err
		}

		job := detail.Job
		fmt.Printf("ID:       %s\n", job.ID)
		fmt.Printf("Name:     %s\n", job.Name)
		fmt.Printf("Org:      %s\n", job.OrgID)
		fmt.Printf("Schedule: %s (%s)\n", job.CronExpr, job.Timezone)
		fmt.Printf("Kind:     %s\n", job.Kind)
		fmt.Printf("Enabled:  %t\n", job.Enabled)
		fmt.Printf("Payload:  %s\n", string(job.Payload))
		fmt.Printf("Created:  %s\n", job.CreatedAt.Format(time.RFC3339))

		if len(detail.Runs) > 0 {
			fmt.Printf("\nRecent runs:\n")
			printRuns(detail.Runs)
		}
		return nil
	},
}

var jobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, args[0], "Paused", (*schedule.Service).Pause)
	},
}

var jobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, args[0], "Resumed", (*schedule.Service).Resume)
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <job-id>",
	Short: "Delete a job (run history is preserved)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return jobAction(cmd, args[0], "Deleted", (*schedule.Service).Delete)
	},
}

// jobAction runs a single-job lifecycle operation and prints the outcome.
func jobAction(cmd *cobra.Command, jobID, verb string,
	op func(*schedule.Service, context.Context, string, string) error) error {
	orgID, _ := cmd.Flags().GetString("org")

	database, svc, err := setup(cmd)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := op(svc, cmd.Context(), jobID, orgID); err != nil {
		return err
	}
	fmt.Printf("%s job %s\n", verb, jobID)
	return nil
}

func init() {
	JobsCmd.PersistentFlags().String("org", "", "Organization id (required)")
	JobsCmd.MarkPersistentFlagRequired("org")

	jobsListCmd.Flags().Bool("enabled", false, "Show only enabled jobs")

	jobsCreateCmd.Flags().String("name", "", "Job name (required)")
	jobsCreateCmd.Flags().String("cron", "", "5-field cron expression (required)")
	jobsCreateCmd.Flags().String("tz", "UTC", "IANA timezone")
	jobsCreateCmd.Flags().String("kind", "", "Entrypoint kind (required)")
	jobsCreateCmd.Flags().String("payload", "{}", "JSON payload")
	jobsCreateCmd.MarkFlagRequired("name")
	jobsCreateCmd.MarkFlagRequired("cron")
	jobsCreateCmd.MarkFlagRequired("kind")

	JobsCmd.AddCommand(jobsListCmd)
	JobsCmd.AddCommand(jobsCreateCmd)
	JobsCmd.AddCommand(jobsShowCmd)
	JobsCmd.AddCommand(jobsPauseCmd)
	JobsCmd.AddCommand(jobsResumeCmd)
	JobsCmd.AddCommand(jobsDeleteCmd)
}
