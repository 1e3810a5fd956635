package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

var watchPipeline bool

var validateCmd = &cobra.Command{
	Use:   "validate [pipeline-file]",
	Short: "Validate a pipeline definition file",
	Long: `Validate a pipeline YAML file without running anything.

This command checks for common configuration errors including:
- YAML structure and required fields
- Stages referencing undefined jobs
- Input declarations that consume artifacts from a later stage
- Package repository and license declarations
- Job keys not claimed by any plugin

Examples:
  # Validate the default pipeline file
  stagectl validate

  # Re-validate on every save while editing
  stagectl validate --watch ci.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pipelineFile := defaultPipelineFile
		if len(args) > 0 {
			pipelineFile = args[0]
		}

		if _, err := os.Stat(pipelineFile); err != nil {
			return fmt.Errorf("pipeline file not found: %s", pipelineFile)
		}

		if !watchPipeline {
			if err := validateFile(pipelineFile); err != nil {
				return err
			}
			fmt.Printf("%s: valid\n", pipelineFile)
			return nil
		}
		return watchAndValidate(pipelineFile)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().BoolVarP(&watchPipeline, "watch", "w", false, "re-validate whenever the file changes")
}

func validateFile(path string) error {
	_, err := config.LoadFromFile(path)
	return err
}

// watchAndValidate validates the file on every write until interrupted.
// The watch is placed on the directory because editors typically replace
// the file on save, which drops a watch on the file itself.
func watchAndValidate(pipelineFile string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(pipelineFile)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	report := func() {
		if err := validateFile(pipelineFile); err != nil {
			fmt.Printf("%s: %v\n", pipelineFile, err)
		} else {
			fmt.Printf("%s: valid\n", pipelineFile)
		}
	}
	report()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if event.Op.Has(fsnotify.Write) || event.Op.Has(fsnotify.Create) {
				report()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Watcher error", zap.Error(err))
		}
	}
}
