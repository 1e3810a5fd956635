package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/engine"
	"github.com/stagehq/stagectl/internal/plugin"
	"github.com/stagehq/stagectl/internal/provider/docker"
	"github.com/stagehq/stagectl/internal/report"
	"github.com/stagehq/stagectl/internal/repository"
	"github.com/stagehq/stagectl/internal/storage"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

// defaultPipelineFile is the pipeline definition looked for when no file
// argument is given.
const defaultPipelineFile = ".stagectl.yaml"

var (
	outputDir   string
	secretsFile string
	cleanFirst  bool
	runDBPath   string
)

var runCmd = &cobra.Command{
	Use:   "run [pipeline-file]",
	Short: "Run a pipeline, launching managed environments as needed",
	Long: `Run every stage of a pipeline. Jobs within a stage run concurrently;
stages run in order, and a failed stage stops the run before the next
stage starts.

Examples:
  # Run the pipeline in .stagectl.yaml
  stagectl run

  # Run a specific pipeline file and collect artifacts
  stagectl run --output out ci.yaml

  # Destroy stale environments from a previous run first
  stagectl run --clean`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineFile := defaultPipelineFile
		if len(args) > 0 {
			pipelineFile = args[0]
		}

		eng, err := buildEngine(pipelineFile)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		rep, err := eng.Run(ctx)
		if err != nil {
			return err
		}

		saveReport(rep)
		report.Print(os.Stdout, rep)

		if code := report.ExitCode(rep); code != 0 {
			return fmt.Errorf("pipeline failed")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "directory to collect job artifacts into")
	runCmd.Flags().StringVar(&secretsFile, "secrets", "", "YAML file of secrets for repository URL substitution")
	runCmd.Flags().BoolVar(&cleanFirst, "clean", false, "destroy previously retained environments before provisioning")
	runCmd.Flags().StringVar(&runDBPath, "run-db", storage.DefaultPath, "path of the run history database")
}

// buildEngine wires the pipeline definition, driver, plugin registry and
// repository resolver into an engine.
func buildEngine(pipelineFile string) (*engine.Engine, error) {
	pipeline, err := config.LoadFromFile(pipelineFile)
	if err != nil {
		return nil, err
	}

	secrets := config.NoSecrets
	if secretsFile != "" {
		secrets, err = config.LoadSecrets(secretsFile)
		if err != nil {
			return nil, err
		}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	driver, err := docker.NewDriver(cwd)
	if err != nil {
		return nil, err
	}

	resolver := &repository.Resolver{
		Secrets: secrets,
		Keys:    repository.NewLaunchpadKeyImporter(),
	}

	opts := engine.Options{
		Project:    filepath.Base(cwd),
		OutputRoot: outputDir,
		Clean:      cleanFirst,
	}
	return engine.New(pipeline, driver, plugin.NewDefaultRegistry(), resolver, opts), nil
}

// saveReport persists the run outcome for later inspection. Failing to
// save never fails the run itself.
func saveReport(rep *engine.Report) {
	store := storage.NewRunStore(&storage.Options{Path: runDBPath})
	if err := store.Open(); err != nil {
		logger.Warn("Failed to open run database", zap.Error(err))
		return
	}
	defer store.Close()
	if err := store.SaveReport(rep); err != nil {
		logger.Warn("Failed to save run report", zap.Error(err))
	}
}
