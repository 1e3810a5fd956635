// Package plugin implements the extension mechanism for job behavior.
//
// A job may name a plugin; the plugin can contribute packages to install,
// environment variables, and replacement run scripts. Plugins are built-in
// implementations registered on an explicitly constructed Registry — there
// is no runtime plugin loading and no process-wide registry.
package plugin

import (
	"sort"

	"github.com/stagehq/stagectl/internal/config"
)

// Plugin is the minimal interface every plugin implements. The remaining
// extension points are optional and discovered by interface assertion.
type Plugin interface {
	Name() string
}

// PackageContributor contributes additional system packages to install
// during environment setup.
type PackageContributor interface {
	ExtraPackages() []string
}

// SnapContributor contributes additional snaps to install during
// environment setup.
type SnapContributor interface {
	ExtraSnaps() []string
}

// EnvContributor contributes environment variables for command execution.
// Variables set in the job definition win on conflict.
type EnvContributor interface {
	ExtraEnvironment() map[string]string
}

// RunWrapper supplies run scripts for the three execution phases.
//
// A plugin that interpolates composes the job's own scripts into its
// replacements and its scripts are always used. A plugin that does not
// interpolate only supplies a default: an explicit script in the job
// definition overrides it.
type RunWrapper interface {
	InterpolatesRun() bool
	ExecuteBefore() string
	ExecuteRun() string
	ExecuteAfter() string
}

// Factory builds a plugin instance bound to one job, validating any
// plugin-specific configuration keys the job carries.
type Factory func(job *config.JobTemplate) (Plugin, error)

// Registry maps plugin names to factories. Construct one explicitly and
// pass it to the engine; tests can build isolated registries with fakes.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry returns an empty plugin registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// NewDefaultRegistry returns a registry with all built-in plugins
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register("tox", NewToxPlugin)
	r.Register("pyproject-build", NewPyProjectBuildPlugin)
	r.Register("golang", NewGolangPlugin)
	return r
}

// Register adds a factory under the given plugin name, replacing any
// previous registration.
func (r *Registry) Register(name string, factory Factory) {
	r.factories[name] = factory
}

// Has reports whether a plugin name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered plugin names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create instantiates the named plugin for a job. An unknown name is a
// configuration error; an empty name yields no plugin.
func (r *Registry) Create(name string, job *config.JobTemplate) (Plugin, error) {
	if name == "" {
		return nil, nil
	}
	factory, ok := r.factories[name]
	if !ok {
		return nil, config.NewConfigurationError("unknown plugin %q", name)
	}
	return factory(job)
}

// Scripts resolves the effective run-before/run/run-after scripts for a
// job, applying the plugin's RunWrapper capability if present.
func Scripts(job *config.JobTemplate, p Plugin) (before, run, after string) {
	before, run, after = job.RunBefore, job.Run, job.RunAfter
	wrapper, ok := p.(RunWrapper)
	if !ok {
		return before, run, after
	}
	if wrapper.InterpolatesRun() {
		// The plugin composes the job's scripts into its own.
		if s := wrapper.ExecuteBefore(); s != "" {
			before = s
		}
		if s := wrapper.ExecuteRun(); s != "" {
			run = s
		}
		if s := wrapper.ExecuteAfter(); s != "" {
			after = s
		}
		return before, run, after
	}
	// Non-interpolating plugins only provide defaults: explicit job
	// scripts win.
	if before == "" {
		before = wrapper.ExecuteBefore()
	}
	if run == "" {
		run = wrapper.ExecuteRun()
	}
	if after == "" {
		after = wrapper.ExecuteAfter()
	}
	return before, run, after
}

// Packages resolves the package list for a job: declared packages plus any
// plugin contribution.
func Packages(job *config.JobTemplate, p Plugin) []string {
	packages := append([]string(nil), job.Packages...)
	if contributor, ok := p.(PackageContributor); ok {
		packages = append(packages, contributor.ExtraPackages()...)
	}
	return packages
}

// Snaps resolves the snap list for a job: declared snaps plus any plugin
// contribution.
func Snaps(job *config.JobTemplate, p Plugin) []string {
	snaps := append([]string(nil), job.Snaps...)
	if contributor, ok := p.(SnapContributor); ok {
		snaps = append(snaps, contributor.ExtraSnaps()...)
	}
	return snaps
}

// Environment resolves the environment for a job: plugin contributions
// overlaid by the job's own variables.
func Environment(job *config.JobTemplate, p Plugin) map[string]string {
	env := make(map[string]string)
	if contributor, ok := p.(EnvContributor); ok {
		for k, v := range contributor.ExtraEnvironment() {
			env[k] = v
		}
	}
	for k, v := range job.Environment {
		env[k] = v
	}
	return env
}
