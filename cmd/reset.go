package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop all job journal tables (destructive)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cmd.SilenceUsage = true
		if DB == nil {
			return fmt.Errorf("no database configured: set --db or POSTGRES_HOST")
		}
		if err := DB.Reset(cmd.Context()); err != nil {
			return fmt.Errorf("failed to reset database: %w", err)
		}
		fmt.Println("Job journal cleared.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(resetCmd)
}
