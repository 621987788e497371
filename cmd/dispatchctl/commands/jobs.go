package commands

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"EnrollDispatch/internal/models"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage scheduled jobs",
}

func init() {
	rootCmd.AddCommand(jobsCmd)

	var (
		status string
		limit  int
		offset int
	)
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest last",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			jobs, err := client().ListJobs(ctx, status, limit, offset)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(jobs)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs")
				return nil
			}
			printJobs(jobs)
			return nil
		},
	}
	listCmd.Flags().StringVarP(&status, "status", "s", "", "filter by status (pending, sent, failed, cancelled)")
	listCmd.Flags().IntVarP(&limit, "limit", "l", 50, "page size")
	listCmd.Flags().IntVar(&offset, "offset", 0, "page offset")

	showCmd := &cobra.Command{
		Use:   "show [job_id]",
		Short: "Show a job and its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			detail, err := client().GetJob(ctx, args[0])
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(detail)
			}
			printJobs([]models.JobSnapshot{detail.Job.Snapshot()})
			for _, a := range detail.Audit {
				fmt.Printf("  %s  %-9s attempts=%d %s\n", a.At.Format(time.RFC3339), a.Status, a.Attempts, a.Error)
			}
			return nil
		},
	}

	retryCmd := &cobra.Command{
		Use:   "retry [job_id]",
		Short: "Reset a failed or cancelled job to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			job, err := client().RetryJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [job_id]",
		Short: "Cancel a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := requestContext()
			defer cancel()

			job, err := client().CancelJob(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Job %s is %s\n", job.ID, job.Status)
			return nil
		},
	}

	jobsCmd.AddCommand(listCmd, showCmd, retryCmd, cancelCmd)
}

func printJobs(jobs []models.JobSnapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tATTEMPTS\tSCHEDULED\tCAMPAIGN\tLAST ERROR")
	for _, j := range jobs {
		lastErr := ""
		if j.LastError != nil {
			lastErr = *j.LastError
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			j.ID, j.Kind, j.Status, j.Attempts, j.ScheduledFor.Format(time.RFC3339), j.CampaignRef, lastErr)
	}
	w.Flush()
}
