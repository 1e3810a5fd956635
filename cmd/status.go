package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagectl/internal/engine"
	"github.com/stagehq/stagectl/internal/report"
	"github.com/stagehq/stagectl/internal/storage"
)

var (
	statusDBPath string
	listRuns     bool
)

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the outcome of a recorded run",
	Long: `Show the per-job outcome of a past run. Without arguments the most
recent run is shown.

Examples:
  # Show the latest run
  stagectl status

  # Show a specific run
  stagectl status 2f2c9c1e-ffb3-4e1a-9f9e-6a1f0c60d7a2

  # List recorded run IDs
  stagectl status --list`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := storage.NewRunStore(&storage.Options{Path: statusDBPath})
		if err := store.Open(); err != nil {
			return err
		}
		defer store.Close()

		if listRuns {
			ids, err := store.ListRunIDs()
			if err != nil {
				return err
			}
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}

		var rep *engine.Report
		var err error
		if len(args) > 0 {
			rep, err = store.GetReport(args[0])
		} else {
			rep, err = store.LatestReport()
		}
		if err != nil {
			return err
		}
		report.Print(os.Stdout, rep)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusDBPath, "run-db", storage.DefaultPath, "path of the run history database")
	statusCmd.Flags().BoolVar(&listRuns, "list", false, "list recorded run IDs instead of showing a report")
}
