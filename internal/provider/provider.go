// Package provider defines the environment-provisioning abstraction: the
// driver contract any runtime must satisfy, and the lifecycle state
// machine the engine drives each job's environment through.
package provider

import (
	"context"
	"fmt"
)

// Environment lifecycle states.
const (
	StateUnprovisioned = "unprovisioned"
	StateProvisioning  = "provisioning"
	StateReady         = "ready"
	StateExecuting     = "executing"
	StateCollecting    = "collecting"
	StateDestroying    = "destroying"
	StateDestroyed     = "destroyed"
	StateFailed        = "failed"
)

// EnvironmentSpec identifies the environment to allocate for one concrete
// job. Drivers derive a unique, reproducible instance name from it.
type EnvironmentSpec struct {
	Project      string
	Job          string
	Index        int
	Series       string
	Architecture string
}

// InstanceName is the reproducible name drivers give the underlying
// container for this spec.
func (s EnvironmentSpec) InstanceName() string {
	return fmt.Sprintf("stagectl-%s-%s-%d-%s-%s",
		s.Project, s.Job, s.Index, s.Series, s.Architecture)
}

// ExecResult is the outcome of running a script inside an environment. A
// non-zero exit code is a normal result, not a driver error.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// Driver allocates and destroys ephemeral execution environments. It is
// the external collaborator boundary: stagectl ships a docker driver, but
// anything satisfying this contract plugs in.
type Driver interface {
	// Name identifies the driver (e.g. "docker").
	Name() string

	// Provision allocates a fresh environment for the spec. Failures are
	// reported as *ProvisioningError; the Transient flag controls whether
	// the caller retries.
	Provision(ctx context.Context, spec EnvironmentSpec) (Instance, error)

	// Clean destroys any previously retained environment matching the
	// spec, so a rerun of the same project/job/series/architecture does
	// not collide with a stale instance. Cleaning an absent environment
	// is not an error.
	Clean(ctx context.Context, spec EnvironmentSpec) error

	// CleanProject destroys retained environments belonging to the given
	// project, returning the names of the instances removed.
	CleanProject(ctx context.Context, project string) ([]string, error)
}

// Instance is one allocated environment, exclusively owned by a single
// concrete job for its entire lifetime.
type Instance interface {
	// Push copies a file from the host into the environment.
	Push(ctx context.Context, hostPath, remotePath string) error

	// Execute runs a shell script in the environment, capturing stdout,
	// stderr and the exit code.
	Execute(ctx context.Context, script, cwd string, env map[string]string) (*ExecResult, error)

	// List returns the non-directory files under root, relative to root.
	List(ctx context.Context, root string) ([]string, error)

	// Pull copies a file from the environment to the host.
	Pull(ctx context.Context, remotePath, hostPath string) error

	// Destroy releases the environment's resources. It must be safe to
	// call after a failure and must be idempotent.
	Destroy(ctx context.Context) error
}
