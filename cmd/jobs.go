package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "List journaled anonymization jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		return runJobs(cmd)
	},
}

func init() {
	rootCmd.AddCommand(jobsCmd)
}

func runJobs(cmd *cobra.Command) error {
	if DB == nil {
		return fmt.Errorf("no database configured: set --db or POSTGRES_HOST")
	}

	jobs, err := DB.ListJobs(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}

	if len(jobs) == 0 {
		fmt.Println("No jobs found in database.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tINPUT\tSTATUS\tFACES\tFRAMES\tCOMPLETED")
	fmt.Fprintln(w, "--\t-----\t------\t-----\t------\t---------")

	for _, j := range jobs {
		fmt.Fprintf(w, "%.12s\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.InputPath, j.Status, j.FacesDetected, j.FramesProcessed,
			j.CompletedAt.Local().Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}
