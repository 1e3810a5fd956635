// Package docker implements the environment provider driver contract on
// top of the Docker CLI and API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/stagehq/stagectl/internal/buildenv"
	"github.com/stagehq/stagectl/internal/provider"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

// seriesImages maps a supported OS series to its container image.
var seriesImages = map[string]string{
	"bionic": "ubuntu:bionic",
	"focal":  "ubuntu:focal",
	"jammy":  "ubuntu:jammy",
	"noble":  "ubuntu:noble",
}

// architecturePlatforms maps dpkg architecture names to docker platforms.
var architecturePlatforms = map[string]string{
	"amd64":   "linux/amd64",
	"arm64":   "linux/arm64",
	"armhf":   "linux/arm/v7",
	"i386":    "linux/386",
	"ppc64el": "linux/ppc64le",
	"riscv64": "linux/riscv64",
	"s390x":   "linux/s390x",
}

// Driver runs job environments as Docker containers. Container lifecycle
// goes through the docker CLI; the API client is used to verify daemon
// connectivity up front.
type Driver struct {
	// ProjectPath is the host directory copied into each environment's
	// build tree.
	ProjectPath string
	logger      *zap.Logger
}

// NewDriver verifies that docker is usable and returns the driver.
func NewDriver(projectPath string) (*Driver, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker command not found: %w", err)
	}

	apiClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker API client (is Docker daemon running?): %w", err)
	}
	defer apiClient.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := apiClient.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect to Docker daemon (check DOCKER_HOST and socket permissions): %w", err)
	}

	return &Driver{
		ProjectPath: projectPath,
		logger:      logger.Named("docker-driver"),
	}, nil
}

// Name returns the driver name
func (d *Driver) Name() string {
	return "docker"
}

// ImageFor resolves a series/architecture pair to a validated image
// reference and docker platform. Unsupported pairs are non-transient
// provisioning failures.
func ImageFor(series, architecture string) (string, string, error) {
	image, ok := seriesImages[series]
	if !ok {
		return "", "", fmt.Errorf("unsupported series %q", series)
	}
	platform, ok := architecturePlatforms[architecture]
	if !ok {
		return "", "", fmt.Errorf("unsupported architecture %q", architecture)
	}
	if _, err := name.ParseReference(image); err != nil {
		return "", "", fmt.Errorf("invalid image reference %q: %w", image, err)
	}
	return image, platform, nil
}

// Provision creates and starts a container for the spec and copies the
// project into its build tree.
func (d *Driver) Provision(ctx context.Context, spec provider.EnvironmentSpec) (provider.Instance, error) {
	image, platform, err := ImageFor(spec.Series, spec.Architecture)
	if err != nil {
		return nil, &provider.ProvisioningError{
			Series:       spec.Series,
			Architecture: spec.Architecture,
			Transient:    false,
			Err:          err,
		}
	}

	containerName := spec.InstanceName()
	d.logger.Info("Provisioning environment",
		zap.String("name", containerName),
		zap.String("image", image),
		zap.String("platform", platform))

	_, stderr, err := d.docker(ctx, "run", "--detach",
		"--name", containerName,
		"--platform", platform,
		image,
		"sleep", "infinity")
	if err != nil {
		return nil, &provider.ProvisioningError{
			Series:       spec.Series,
			Architecture: spec.Architecture,
			Transient:    isTransientRunFailure(stderr),
			Err:          fmt.Errorf("docker run failed: %s", strings.TrimSpace(stderr)),
		}
	}

	inst := &instance{name: containerName, logger: d.logger}

	if _, stderr, err := d.docker(ctx, "exec", containerName,
		"mkdir", "-p", buildenv.ProjectPath()); err != nil {
		inst.Destroy(ctx)
		return nil, &provider.ProvisioningError{
			Series:       spec.Series,
			Architecture: spec.Architecture,
			Transient:    true,
			Err:          fmt.Errorf("failed to create build tree: %s", strings.TrimSpace(stderr)),
		}
	}

	if d.ProjectPath != "" {
		source := strings.TrimRight(d.ProjectPath, "/") + "/."
		if _, stderr, err := d.docker(ctx, "cp", source,
			containerName+":"+buildenv.ProjectPath()); err != nil {
			inst.Destroy(ctx)
			return nil, &provider.ProvisioningError{
				Series:       spec.Series,
				Architecture: spec.Architecture,
				Transient:    true,
				Err:          fmt.Errorf("failed to copy project into environment: %s", strings.TrimSpace(stderr)),
			}
		}
	}

	return inst, nil
}

// Clean force-removes the retained container for a spec, if any.
func (d *Driver) Clean(ctx context.Context, spec provider.EnvironmentSpec) error {
	containerName := spec.InstanceName()
	_, stderr, err := d.docker(ctx, "rm", "--force", containerName)
	if err != nil && !strings.Contains(strings.ToLower(stderr), "no such container") {
		return fmt.Errorf("failed to clean environment %q: %s", containerName, strings.TrimSpace(stderr))
	}
	return nil
}

// CleanProject force-removes every retained container belonging to the
// project.
func (d *Driver) CleanProject(ctx context.Context, project string) ([]string, error) {
	prefix := fmt.Sprintf("stagectl-%s-", project)
	stdout, stderr, err := d.docker(ctx, "ps", "--all",
		"--filter", "name="+prefix,
		"--format", "{{.Names}}")
	if err != nil {
		return nil, fmt.Errorf("failed to list environments: %s", strings.TrimSpace(stderr))
	}

	var deleted []string
	for _, containerName := range strings.Fields(stdout) {
		if !strings.HasPrefix(containerName, prefix) {
			continue
		}
		if _, stderr, err := d.docker(ctx, "rm", "--force", containerName); err != nil {
			return deleted, fmt.Errorf("failed to delete environment %q: %s",
				containerName, strings.TrimSpace(stderr))
		}
		d.logger.Debug("Deleted environment", zap.String("name", containerName))
		deleted = append(deleted, containerName)
	}
	return deleted, nil
}

// docker runs a docker CLI command, capturing stdout and stderr.
func (d *Driver) docker(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// isTransientRunFailure classifies docker run failures: manifest/platform
// mismatches are permanent, everything else (registry, network, daemon
// hiccups) is retried.
func isTransientRunFailure(stderr string) bool {
	lowered := strings.ToLower(stderr)
	for _, marker := range []string{
		"no matching manifest",
		"does not match the specified platform",
		"invalid reference format",
	} {
		if strings.Contains(lowered, marker) {
			return false
		}
	}
	return true
}

// instance is one running container.
type instance struct {
	name   string
	logger *zap.Logger
}

func (i *instance) run(ctx context.Context, args ...string) (string, string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.String(), stderr.String(), err
}

// Push copies a host file into the container, creating parent directories
// as needed.
func (i *instance) Push(ctx context.Context, hostPath, remotePath string) error {
	if dir := path.Dir(remotePath); dir != "/" && dir != "." {
		if _, stderr, err := i.run(ctx, "exec", i.name, "mkdir", "-p", dir); err != nil {
			return fmt.Errorf("failed to create %q: %s", dir, strings.TrimSpace(stderr))
		}
	}
	if _, stderr, err := i.run(ctx, "cp", hostPath, i.name+":"+remotePath); err != nil {
		return fmt.Errorf("failed to push %q: %s", hostPath, strings.TrimSpace(stderr))
	}
	return nil
}

// Execute runs a script through bash inside the container.
func (i *instance) Execute(ctx context.Context, script, cwd string, env map[string]string) (*provider.ExecResult, error) {
	args := []string{"exec", "--workdir", cwd}
	for k, v := range env {
		args = append(args, "--env", k+"="+v)
	}
	args = append(args, i.name, "bash", "--noprofile", "--norc", "-ec", script)

	cmd := exec.CommandContext(ctx, "docker", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := &provider.ExecResult{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
	}
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			return nil, fmt.Errorf("failed to execute in environment %q: %w", i.name, err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// List finds the non-directory files under root, relative to root. Output
// is NUL-terminated so unusual file names stay unambiguous.
func (i *instance) List(ctx context.Context, root string) ([]string, error) {
	stdout, stderr, err := i.run(ctx, "exec", i.name,
		"find", root, "-mindepth", "1", "!", "-type", "d", "-printf", "%P\\0")
	if err != nil {
		return nil, fmt.Errorf("failed to list files under %q: %s", root, strings.TrimSpace(stderr))
	}
	trimmed := strings.TrimRight(stdout, "\x00")
	if trimmed == "" {
		return nil, nil
	}
	return strings.Split(trimmed, "\x00"), nil
}

// Pull copies a file out of the container to the host.
func (i *instance) Pull(ctx context.Context, remotePath, hostPath string) error {
	if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
		return err
	}
	if _, stderr, err := i.run(ctx, "cp", i.name+":"+remotePath, hostPath); err != nil {
		return fmt.Errorf("failed to pull %q: %s", remotePath, strings.TrimSpace(stderr))
	}
	return nil
}

// Destroy force-removes the container. Removing an already-removed
// container is not an error.
func (i *instance) Destroy(ctx context.Context) error {
	_, stderr, err := i.run(ctx, "rm", "--force", i.name)
	if err != nil && !strings.Contains(strings.ToLower(stderr), "no such container") {
		return fmt.Errorf("failed to destroy environment %q: %s", i.name, strings.TrimSpace(stderr))
	}
	return nil
}
