// Package engine runs a pipeline: it expands stages into concrete jobs,
// runs the jobs of each stage concurrently, enforces stage-to-stage
// fail-fast gating, and drives each job through provisioning, setup,
// execution, collection and teardown.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stagehq/stagectl/internal/artifact"
	"github.com/stagehq/stagectl/internal/buildenv"
	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/expander"
	"github.com/stagehq/stagectl/internal/plugin"
	"github.com/stagehq/stagectl/internal/provider"
	"github.com/stagehq/stagectl/internal/repository"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// stderrTailLimit bounds how much captured stderr is retained per result.
const stderrTailLimit = 4096

// Options configures one pipeline run.
type Options struct {
	// Project names the project; it becomes part of environment names.
	Project string
	// OutputRoot is where artifacts are written. Empty disables
	// collection.
	OutputRoot string
	// Clean destroys previously retained environments for each job
	// before provisioning a fresh one.
	Clean bool
}

// Engine is the pipeline state machine. Construct one per run.
type Engine struct {
	pipeline  *config.Pipeline
	driver    provider.Driver
	registry  *plugin.Registry
	resolver  *repository.Resolver
	artifacts *artifact.Manager
	opts      Options

	mu        sync.Mutex
	state     string
	results   []*JobResult
	completed map[string][]int
}

// New builds an engine over an already-validated pipeline definition.
func New(pipeline *config.Pipeline, driver provider.Driver, registry *plugin.Registry, resolver *repository.Resolver, opts Options) *Engine {
	return &Engine{
		pipeline:  pipeline,
		driver:    driver,
		registry:  registry,
		resolver:  resolver,
		artifacts: &artifact.Manager{OutputRoot: opts.OutputRoot},
		opts:      opts,
		state:     RunNotStarted,
		completed: make(map[string][]int),
	}
}

// State returns the run state.
func (e *Engine) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(state string) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Run executes every stage in order. Jobs within a stage run concurrently;
// a failed stage stops the run before the next stage starts. The report
// always covers every job attempted so far.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now()}

	// Expand everything up front so configuration errors surface before
	// any environment is provisioned.
	stages, err := e.expandAll()
	if err != nil {
		e.setState(RunFailed)
		return nil, err
	}

	e.setState(RunRunning)
	failed := false

	for i, jobs := range stages {
		logger.Info("Starting stage",
			zap.Int("stage", i+1),
			zap.Int("jobs", len(jobs)))

		var g errgroup.Group
		for _, job := range jobs {
			job := job
			g.Go(func() error {
				return e.runJob(ctx, job)
			})
		}
		// Sibling jobs always run to completion; gating only applies at
		// the stage boundary.
		stageErr := g.Wait()
		if stageErr != nil || ctx.Err() != nil {
			failed = true
			logger.Warn("Stage failed, not starting subsequent stages",
				zap.Int("stage", i+1))
			break
		}
	}

	e.mu.Lock()
	report.Results = append([]*JobResult(nil), e.results...)
	e.mu.Unlock()
	report.FinishedAt = time.Now()

	if failed {
		report.Status = RunFailed
		e.setState(RunFailed)
	} else {
		report.Status = RunSucceeded
		e.setState(RunSucceeded)
	}
	return report, nil
}

// RunOne executes a single concrete job instance by name and index. Input
// artifacts are resolved from whatever earlier runs left in the output
// root.
func (e *Engine) RunOne(ctx context.Context, jobName string, index int) (*Report, error) {
	template, ok := e.pipeline.Jobs[jobName]
	if !ok {
		return nil, config.NewConfigurationError("no job definition for %q", jobName)
	}
	jobs, err := expander.Expand(jobName, template, e.registry)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(jobs) {
		return nil, config.NewConfigurationError(
			"job %q has %d instances; index %d is out of range", jobName, len(jobs), index)
	}
	job := jobs[index]

	if input := job.Template.Input; input != nil {
		e.mu.Lock()
		e.completed[input.JobName] = e.scanProducedIndices(input.JobName)
		e.mu.Unlock()
	}

	report := &Report{RunID: uuid.NewString(), StartedAt: time.Now()}
	e.setState(RunRunning)
	runErr := e.runJob(ctx, job)

	e.mu.Lock()
	report.Results = append([]*JobResult(nil), e.results...)
	e.mu.Unlock()
	report.FinishedAt = time.Now()

	if runErr != nil {
		report.Status = RunFailed
		e.setState(RunFailed)
	} else {
		report.Status = RunSucceeded
		e.setState(RunSucceeded)
	}
	return report, nil
}

// expandAll fans every stage's job names out into concrete jobs.
func (e *Engine) expandAll() ([][]*expander.ConcreteJob, error) {
	stages := make([][]*expander.ConcreteJob, 0, len(e.pipeline.Stages))
	for _, stage := range e.pipeline.Stages {
		var jobs []*expander.ConcreteJob
		for _, name := range stage {
			template, ok := e.pipeline.Jobs[name]
			if !ok {
				return nil, config.NewConfigurationError("no job definition for %q", name)
			}
			expanded, err := expander.Expand(name, template, e.registry)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, expanded...)
		}
		stages = append(stages, jobs)
	}
	return stages, nil
}

// runJob drives one concrete job through its full lifecycle. The returned
// error signals stage gating; the job's outcome is always recorded.
func (e *Engine) runJob(ctx context.Context, job *expander.ConcreteJob) (err error) {
	result := &JobResult{
		JobName:      job.Name,
		Index:        job.Index,
		Series:       job.Series(),
		Architecture: job.Architecture,
		Status:       JobFailed,
		StartedAt:    time.Now(),
	}
	defer func() {
		if err != nil && result.Error == "" {
			result.Error = err.Error()
		}
		result.FinishedAt = time.Now()
		result.Duration = result.FinishedAt.Sub(result.StartedAt)
		e.record(result)
	}()

	log := logger.Named("engine").With(
		zap.String("job", job.ID()),
		zap.String("series", job.Series()),
		zap.String("architecture", job.Architecture))

	spec := provider.EnvironmentSpec{
		Project:      e.opts.Project,
		Job:          job.Name,
		Index:        job.Index,
		Series:       job.Series(),
		Architecture: job.Architecture,
	}

	if e.opts.Clean {
		if err := e.driver.Clean(ctx, spec); err != nil {
			return err
		}
	}

	env := provider.NewEnvironment(e.driver, spec)
	// The environment must be destroyed exactly once however the job
	// terminates, including user-initiated cancellation.
	defer env.Destroy(context.WithoutCancel(ctx))

	log.Info("Provisioning environment")
	if err := env.Provision(ctx); err != nil {
		return err
	}

	if input := job.Template.Input; input != nil {
		if _, err := e.artifacts.StageInput(ctx, env, input,
			e.completedIndices(input.JobName), buildenv.ProjectPath()); err != nil {
			return err
		}
	}

	setup, err := e.buildSetup(ctx, job)
	if err != nil {
		return err
	}
	log.Info("Setting up environment",
		zap.Int("packages", len(setup.Packages)),
		zap.Int("snaps", len(setup.Snaps)),
		zap.Int("repositories", len(setup.SourceLines)))
	if err := env.Setup(ctx, *setup); err != nil {
		return err
	}

	before, run, after := plugin.Scripts(job.Template, job.Plugin)
	phases := []struct {
		name   string
		script string
	}{
		{"run-before", before},
		{"run", run},
		{"run-after", after},
	}
	for _, phase := range phases {
		if phase.script == "" {
			continue
		}
		log.Info("Running phase", zap.String("phase", phase.name))
		res, err := env.Execute(ctx, phase.script, buildenv.ProjectPath())
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			// A failed phase aborts the remaining phases of this job.
			failure := &ExecutionFailure{Job: job.ID(), Phase: phase.name, ExitCode: res.ExitCode}
			result.ExitCode = res.ExitCode
			result.Stderr = tail(res.Stderr)
			return failure
		}
	}

	if job.Template.Output != nil && e.artifacts.OutputRoot != "" {
		inst, err := env.BeginCollecting()
		if err != nil {
			return err
		}
		manifest, err := e.artifacts.Collect(ctx, inst, job.Name, job.Index,
			buildenv.ProjectPath(), job.Template.Output)
		if err != nil {
			return err
		}
		result.Manifest = manifest
		result.OutputDir = e.artifacts.JobDir(job.Name, job.Index)
	}

	result.Status = JobSucceeded
	e.markCompleted(job.Name, job.Index)
	log.Info("Job succeeded", zap.Duration("duration", time.Since(result.StartedAt)))
	return nil
}

// buildSetup resolves repositories and plugin contributions into the
// environment setup. Each job gets a freshly resolved, isolated repository
// set.
func (e *Engine) buildSetup(ctx context.Context, job *expander.ConcreteJob) (*provider.SetupSpec, error) {
	var lines, keys []string
	for i := range job.Template.PackageRepositories {
		resolved, err := e.resolver.Resolve(ctx, &job.Template.PackageRepositories[i])
		if err != nil {
			return nil, err
		}
		lines = append(lines, resolved.SourceLines...)
		if resolved.SigningKey != "" {
			keys = append(keys, resolved.SigningKey)
		}
	}
	return &provider.SetupSpec{
		SourceLines: lines,
		SigningKeys: keys,
		Packages:    plugin.Packages(job.Template, job.Plugin),
		Snaps:       plugin.Snaps(job.Template, job.Plugin),
		Environment: plugin.Environment(job.Template, job.Plugin),
	}, nil
}

func (e *Engine) record(result *JobResult) {
	e.mu.Lock()
	e.results = append(e.results, result)
	e.mu.Unlock()
}

func (e *Engine) markCompleted(jobName string, index int) {
	e.mu.Lock()
	e.completed[jobName] = append(e.completed[jobName], index)
	sort.Ints(e.completed[jobName])
	e.mu.Unlock()
}

func (e *Engine) completedIndices(jobName string) []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.completed[jobName]...)
}

// scanProducedIndices finds instance directories an earlier run left in
// the output root for a job name.
func (e *Engine) scanProducedIndices(jobName string) []int {
	if e.artifacts.OutputRoot == "" {
		return nil
	}
	entries, err := os.ReadDir(filepath.Join(e.artifacts.OutputRoot, jobName))
	if err != nil {
		return nil
	}
	var indices []int
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if index, err := strconv.Atoi(entry.Name()); err == nil {
			indices = append(indices, index)
		}
	}
	sort.Ints(indices)
	return indices
}

// tail returns the last stderrTailLimit bytes of captured output.
func tail(s string) string {
	if len(s) <= stderrTailLimit {
		return s
	}
	return s[len(s)-stderrTailLimit:]
}
