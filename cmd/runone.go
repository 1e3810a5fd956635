package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagectl/internal/report"
	"github.com/stagehq/stagectl/internal/storage"
)

var runOneCmd = &cobra.Command{
	Use:   "run-one <job> <index> [pipeline-file]",
	Short: "Run a single instance of a pipeline job",
	Long: `Run one concrete instance of a job, identified by its zero-based
expansion index. Input artifacts are read from whatever earlier runs
left in the output directory.

Examples:
  # Run the first instance of the test job
  stagectl run-one test 0

  # Run the third instance, reusing artifacts from a previous run
  stagectl run-one publish 2 --output out`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		jobName := args[0]
		index, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("index must be an integer: %q", args[1])
		}
		pipelineFile := defaultPipelineFile
		if len(args) > 2 {
			pipelineFile = args[2]
		}

		eng, err := buildEngine(pipelineFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := eng.RunOne(ctx, jobName, index)
		if err != nil {
			return err
		}

		saveReport(rep)
		report.Print(os.Stdout, rep)

		if code := report.ExitCode(rep); code != 0 {
			return fmt.Errorf("job failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runOneCmd)

	runOneCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to collect job artifacts into")
	runOneCmd.Flags().StringVar(&secretsFile, "secrets", "", "YAML file of secrets for repository URL substitution")
	runOneCmd.Flags().BoolVar(&cleanFirst, "clean", false, "destroy the previously retained environment before provisioning")
	runOneCmd.Flags().StringVar(&runDBPath, "run-db", storage.DefaultPath, "path of the run history database")
}
