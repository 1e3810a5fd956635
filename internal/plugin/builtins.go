package plugin

import (
	"fmt"
	"sort"
	"strings"

	"github.com/stagehq/stagectl/internal/config"
	"gopkg.in/yaml.v3"
)

// rejectUnknownKeys fails when a job carries configuration keys the plugin
// schema does not declare.
func rejectUnknownKeys(pluginName string, raw map[string]yaml.Node, known ...string) error {
	var unknown []string
	for key := range raw {
		claimed := false
		for _, k := range known {
			if key == k {
				claimed = true
				break
			}
		}
		if !claimed {
			unknown = append(unknown, key)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return config.NewConfigurationError(
			"plugin %q does not accept keys: %s", pluginName, strings.Join(unknown, ", "))
	}
	return nil
}

// ToxPlugin installs tox and runs the configured tox environments.
type ToxPlugin struct{}

// NewToxPlugin builds the tox plugin for a job
func NewToxPlugin(job *config.JobTemplate) (Plugin, error) {
	if err := rejectUnknownKeys("tox", job.PluginConfig); err != nil {
		return nil, err
	}
	return &ToxPlugin{}, nil
}

func (p *ToxPlugin) Name() string { return "tox" }

func (p *ToxPlugin) ExtraPackages() []string {
	return []string{"python3-pip"}
}

func (p *ToxPlugin) ExtraEnvironment() map[string]string {
	// Without this, tox won't pass through the lower-case proxy variables
	// set by the build environment.
	return map[string]string{"TOX_TESTENV_PASSENV": "http_proxy https_proxy"}
}

func (p *ToxPlugin) InterpolatesRun() bool { return false }
func (p *ToxPlugin) ExecuteBefore() string { return "" }
func (p *ToxPlugin) ExecuteAfter() string  { return "" }

func (p *ToxPlugin) ExecuteRun() string {
	return "python3 -m pip install tox==3.24.5; tox"
}

// PyProjectBuildPlugin builds a Python package according to PEP 517.
type PyProjectBuildPlugin struct{}

// NewPyProjectBuildPlugin builds the pyproject-build plugin for a job
func NewPyProjectBuildPlugin(job *config.JobTemplate) (Plugin, error) {
	if err := rejectUnknownKeys("pyproject-build", job.PluginConfig); err != nil {
		return nil, err
	}
	return &PyProjectBuildPlugin{}, nil
}

func (p *PyProjectBuildPlugin) Name() string { return "pyproject-build" }

func (p *PyProjectBuildPlugin) ExtraPackages() []string {
	// build needs python3-venv to create an isolated build environment.
	return []string{"python3-pip", "python3-venv"}
}

func (p *PyProjectBuildPlugin) InterpolatesRun() bool { return false }
func (p *PyProjectBuildPlugin) ExecuteBefore() string { return "" }
func (p *PyProjectBuildPlugin) ExecuteAfter() string  { return "" }

func (p *PyProjectBuildPlugin) ExecuteRun() string {
	return "python3 -m pip install build==0.7.0; python3 -m build"
}

// GolangPlugin installs the requested golang toolchain version and puts it
// on PATH for the job's run script.
type GolangPlugin struct {
	version string
	job     *config.JobTemplate
}

// NewGolangPlugin builds the golang plugin for a job. The job must set the
// plugin key 'golang-version' (as a string).
func NewGolangPlugin(job *config.JobTemplate) (Plugin, error) {
	if err := rejectUnknownKeys("golang", job.PluginConfig, "golang-version"); err != nil {
		return nil, err
	}
	node, ok := job.PluginConfig["golang-version"]
	if !ok {
		return nil, config.NewConfigurationError("plugin %q requires the 'golang-version' key", "golang")
	}
	var version string
	if err := node.Decode(&version); err != nil || version == "" {
		return nil, config.NewConfigurationError("plugin %q: 'golang-version' must be a string", "golang")
	}
	return &GolangPlugin{version: version, job: job}, nil
}

func (p *GolangPlugin) Name() string { return "golang" }

func (p *GolangPlugin) ExtraPackages() []string {
	// The requested golang package needs to be available either in the
	// standard repository or in one declared in package-repositories.
	return []string{fmt.Sprintf("golang-%s", p.version)}
}

func (p *GolangPlugin) InterpolatesRun() bool { return true }
func (p *GolangPlugin) ExecuteBefore() string { return "" }
func (p *GolangPlugin) ExecuteAfter() string  { return "" }

func (p *GolangPlugin) ExecuteRun() string {
	return fmt.Sprintf("export PATH=/usr/lib/go-%s/bin/:$PATH\n%s", p.version, p.job.Run)
}
