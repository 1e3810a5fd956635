package engine

import (
	"fmt"
	"time"

	"github.com/stagehq/stagectl/internal/artifact"
)

// Run states.
const (
	RunNotStarted = "not-started"
	RunRunning    = "running"
	RunSucceeded  = "succeeded"
	RunFailed     = "failed"
)

// Job outcome states. Jobs in stages that never start get no result at
// all; the report only covers attempted jobs.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// ExecutionFailure records a non-zero exit from one of a job's scripts. It
// is a normal job outcome, not a system error: the job is marked failed and
// stage gating applies, but siblings keep running.
type ExecutionFailure struct {
	Job      string
	Phase    string
	ExitCode int
}

func (e *ExecutionFailure) Error() string {
	return fmt.Sprintf("job %q phase %q exited with status %d", e.Job, e.Phase, e.ExitCode)
}

// JobResult is the retained outcome of one concrete job, created when the
// job starts executing and finalized on completion.
type JobResult struct {
	JobName      string             `json:"job_name"`
	Index        int                `json:"index"`
	Series       string             `json:"series"`
	Architecture string             `json:"architecture"`
	Status       string             `json:"status"`
	ExitCode     int                `json:"exit_code"`
	Error        string             `json:"error,omitempty"`
	Stderr       string             `json:"stderr,omitempty"`
	OutputDir    string             `json:"output_dir,omitempty"`
	Manifest     *artifact.Manifest `json:"manifest,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	FinishedAt   time.Time          `json:"finished_at"`
	Duration     time.Duration      `json:"duration"`
}

// ID returns the job identity string.
func (r *JobResult) ID() string {
	return fmt.Sprintf("%s.%d", r.JobName, r.Index)
}

// Report is the aggregated outcome of a pipeline run. It always contains a
// result for every job attempted, even when the run stops early.
type Report struct {
	RunID      string       `json:"run_id"`
	Status     string       `json:"status"`
	Results    []*JobResult `json:"results"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

// Succeeded reports whether every attempted job succeeded and no stage was
// skipped.
func (r *Report) Succeeded() bool {
	return r.Status == RunSucceeded
}
