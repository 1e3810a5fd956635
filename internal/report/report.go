// Package report renders the final per-job outcome of a pipeline run.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/stagehq/stagectl/internal/engine"
)

var (
	succeeded = color.New(color.FgGreen).SprintFunc()
	failed    = color.New(color.FgRed).SprintFunc()
	dim       = color.New(color.Faint).SprintFunc()
)

// Print writes the final report: one line per attempted job, followed by
// captured stderr for failures.
func Print(w io.Writer, rep *engine.Report) {
	fmt.Fprintf(w, "\nRun %s\n\n", rep.RunID)

	for _, result := range rep.Results {
		status := succeeded(result.Status)
		if result.Status != engine.JobSucceeded {
			status = failed(result.Status)
		}
		fmt.Fprintf(w, "  %-30s %s/%s  %s  %s\n",
			result.ID(), result.Series, result.Architecture,
			status, dim(result.Duration.Round(1e6).String()))

		if result.Manifest != nil && len(result.Manifest.Files) > 0 {
			fmt.Fprintf(w, "    %s\n", dim(fmt.Sprintf("%d artifact(s) in %s",
				len(result.Manifest.Files), result.OutputDir)))
		}
		if result.Status == engine.JobFailed {
			if result.Error != "" {
				fmt.Fprintf(w, "    %s\n", failed(result.Error))
			}
			if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
				for _, line := range strings.Split(stderr, "\n") {
					fmt.Fprintf(w, "    %s\n", dim(line))
				}
			}
		}
	}

	fmt.Fprintln(w)
	if rep.Succeeded() {
		fmt.Fprintf(w, "Pipeline %s\n", succeeded("succeeded"))
	} else {
		fmt.Fprintf(w, "Pipeline %s\n", failed("failed"))
	}
}

// ExitCode maps a run outcome to a process exit code: zero only when every
// stage completed and every job succeeded.
func ExitCode(rep *engine.Report) int {
	if rep.Succeeded() {
		return 0
	}
	return 1
}
