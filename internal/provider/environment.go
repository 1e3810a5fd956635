package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

// provisionRetries bounds how many times a transient provisioning failure
// is retried after the initial attempt.
const provisionRetries = 3

// SetupSpec describes environment setup: repository lines are installed
// first so the package installs that follow can see them, then the package
// index is refreshed, then packages and snaps are installed. Environment
// variables apply to all subsequent command execution.
type SetupSpec struct {
	SourceLines []string
	SigningKeys []string
	Packages    []string
	Snaps       []string
	Environment map[string]string
}

// Environment drives one driver instance through the provisioning
// lifecycle. It is owned exclusively by the concrete job executing inside
// it and is never shared.
type Environment struct {
	driver Driver
	spec   EnvironmentSpec

	mu    sync.Mutex
	state string
	inst  Instance
	env   map[string]string

	destroyOnce sync.Once
	destroyErr  error
}

// NewEnvironment returns an unprovisioned environment for the given spec.
func NewEnvironment(driver Driver, spec EnvironmentSpec) *Environment {
	return &Environment{
		driver: driver,
		spec:   spec,
		state:  StateUnprovisioned,
	}
}

// State returns the current lifecycle state.
func (e *Environment) State() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Spec returns the environment's identity.
func (e *Environment) Spec() EnvironmentSpec {
	return e.spec
}

func (e *Environment) transition(operation, from, to string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != from {
		return &InvalidTransitionError{Operation: operation, State: e.state}
	}
	e.state = to
	return nil
}

func (e *Environment) setState(state string) {
	e.mu.Lock()
	e.state = state
	e.mu.Unlock()
}

// Provision allocates the environment, retrying transient provisioning
// failures with exponential backoff. Non-transient failures are returned
// immediately.
func (e *Environment) Provision(ctx context.Context) error {
	if err := e.transition("provision", StateUnprovisioned, StateProvisioning); err != nil {
		return err
	}

	attempt := 0
	operation := func() error {
		attempt++
		inst, err := e.driver.Provision(ctx, e.spec)
		if err != nil {
			var provErr *ProvisioningError
			if errors.As(err, &provErr) && provErr.Transient {
				logger.Warn("Transient provisioning failure, will retry",
					zap.String("environment", e.spec.InstanceName()),
					zap.Int("attempt", attempt),
					zap.Error(err))
				return err
			}
			return backoff.Permanent(err)
		}
		e.mu.Lock()
		e.inst = inst
		e.mu.Unlock()
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), provisionRetries), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		e.setState(StateFailed)
		return err
	}

	e.setState(StateReady)
	return nil
}

// Setup prepares the environment: repository source lines and signing keys
// first, then an index refresh, then packages and snaps. Install failures
// are surfaced verbatim and move the environment to Failed.
func (e *Environment) Setup(ctx context.Context, setup SetupSpec) error {
	e.mu.Lock()
	if e.state != StateReady {
		state := e.state
		e.mu.Unlock()
		return &InvalidTransitionError{Operation: "setup", State: state}
	}
	inst := e.inst
	e.env = setup.Environment
	e.mu.Unlock()

	if len(setup.SourceLines) > 0 {
		if err := e.installRepositories(ctx, inst, setup); err != nil {
			e.setState(StateFailed)
			return err
		}
	}

	if len(setup.SourceLines) > 0 || len(setup.Packages) > 0 {
		if err := e.runSetupCommand(ctx, inst, "apt-get update"); err != nil {
			e.setState(StateFailed)
			return err
		}
	}

	if len(setup.Packages) > 0 {
		cmd := "apt-get install -y " + strings.Join(setup.Packages, " ")
		if err := e.runSetupCommand(ctx, inst, cmd); err != nil {
			e.setState(StateFailed)
			return err
		}
	}

	for _, snap := range setup.Snaps {
		if err := e.runSetupCommand(ctx, inst, "snap install "+snap); err != nil {
			e.setState(StateFailed)
			return err
		}
	}

	return nil
}

// installRepositories pushes the resolved source lines and signing keys
// into the environment's apt configuration.
func (e *Environment) installRepositories(ctx context.Context, inst Instance, setup SetupSpec) error {
	sources := strings.Join(setup.SourceLines, "\n") + "\n"
	if err := e.pushContent(ctx, inst, sources, "/etc/apt/sources.list.d/stagectl.list"); err != nil {
		return fmt.Errorf("failed to install repository lines: %w", err)
	}
	for i, key := range setup.SigningKeys {
		dst := fmt.Sprintf("/etc/apt/trusted.gpg.d/stagectl-%d.asc", i)
		if err := e.pushContent(ctx, inst, key, dst); err != nil {
			return fmt.Errorf("failed to install signing key: %w", err)
		}
	}
	return nil
}

// pushContent writes content to a host temp file and pushes it into the
// environment.
func (e *Environment) pushContent(ctx context.Context, inst Instance, content, remotePath string) error {
	tmp, err := os.CreateTemp("", "stagectl-push-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return inst.Push(ctx, tmp.Name(), remotePath)
}

func (e *Environment) runSetupCommand(ctx context.Context, inst Instance, cmd string) error {
	result, err := inst.Execute(ctx, cmd, "/", nil)
	if err != nil {
		return fmt.Errorf("setup command %q failed: %w", cmd, err)
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("setup command %q exited with status %d: %s",
			cmd, result.ExitCode, strings.TrimSpace(result.Stderr))
	}
	return nil
}

// Push copies a host file into the environment's build tree. Used for
// input staging before execution.
func (e *Environment) Push(ctx context.Context, hostPath, remotePath string) error {
	e.mu.Lock()
	if e.state != StateReady {
		state := e.state
		e.mu.Unlock()
		return &InvalidTransitionError{Operation: "push", State: state}
	}
	inst := e.inst
	e.mu.Unlock()
	return inst.Push(ctx, hostPath, remotePath)
}

// Execute runs a shell script in the environment with the setup-time
// environment variables applied. A non-zero exit code is returned as a
// normal result, not an error.
func (e *Environment) Execute(ctx context.Context, script, cwd string) (*ExecResult, error) {
	if err := e.transition("execute", StateReady, StateExecuting); err != nil {
		return nil, err
	}
	e.mu.Lock()
	inst, env := e.inst, e.env
	e.mu.Unlock()

	result, err := inst.Execute(ctx, script, cwd, env)
	if err != nil {
		e.setState(StateFailed)
		return nil, err
	}
	e.setState(StateReady)
	return result, nil
}

// BeginCollecting transitions to the collection phase and exposes the
// underlying instance for artifact extraction.
func (e *Environment) BeginCollecting() (Instance, error) {
	if err := e.transition("collect from", StateReady, StateCollecting); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inst, nil
}

// Destroy releases the environment's resources. It is idempotent, safe to
// call from Failed, and a no-op if the environment never provisioned an
// instance.
func (e *Environment) Destroy(ctx context.Context) error {
	e.destroyOnce.Do(func() {
		e.mu.Lock()
		inst := e.inst
		e.state = StateDestroying
		e.mu.Unlock()

		if inst != nil {
			e.destroyErr = inst.Destroy(ctx)
		}

		e.setState(StateDestroyed)
		if e.destroyErr != nil {
			logger.Error("Failed to destroy environment",
				zap.String("environment", e.spec.InstanceName()),
				zap.Error(e.destroyErr))
		}
	})
	return e.destroyErr
}
