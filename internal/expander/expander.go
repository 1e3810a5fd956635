// Package expander turns job templates into concrete, runnable job
// instances by fanning a template out across its matrix entries and
// architectures.
package expander

import (
	"fmt"

	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/plugin"
)

// ConcreteJob is one fully resolved, runnable instance of a job template.
type ConcreteJob struct {
	// Name is the job name from the pipeline definition.
	Name string
	// Index disambiguates instances of the same job name. It is 0-based
	// and stable: matrix order first, architecture order second.
	Index int
	// Architecture is the single architecture this instance targets.
	Architecture string
	// Template is the overlaid job definition, with the matrix removed.
	Template *config.JobTemplate
	// Plugin is the instantiated plugin for this job, or nil.
	Plugin plugin.Plugin
}

// ID returns the job identity used in logs and environment names.
func (j *ConcreteJob) ID() string {
	return fmt.Sprintf("%s.%d", j.Name, j.Index)
}

// Series returns the OS series this instance targets.
func (j *ConcreteJob) Series() string {
	return j.Template.Series
}

// Expand produces the ordered list of concrete jobs for one template: one
// instance per matrix entry (a single synthetic empty entry if the template
// has no matrix) per architecture. Plugin names are resolved against the
// registry here, so an unknown plugin fails at expansion time rather than
// at execution time.
func Expand(name string, template *config.JobTemplate, registry *plugin.Registry) ([]*ConcreteJob, error) {
	variants := make([]*config.JobTemplate, 0, len(template.Matrix)+1)
	if len(template.Matrix) == 0 {
		base := template.Clone()
		base.Matrix = nil
		variants = append(variants, base)
	} else {
		for i := range template.Matrix {
			variants = append(variants, overlay(template, &template.Matrix[i]))
		}
	}

	var jobs []*ConcreteJob
	for _, variant := range variants {
		for _, arch := range variant.Architectures {
			instance := variant.Clone()
			instance.Architectures = config.StringList{arch}
			p, err := registry.Create(instance.Plugin, instance)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, &ConcreteJob{
				Name:         name,
				Index:        len(jobs),
				Architecture: arch,
				Template:     instance,
				Plugin:       p,
			})
		}
	}

	if len(jobs) == 0 {
		return nil, config.NewConfigurationError(
			"job %q expands to no instances (no architectures declared)", name)
	}
	return jobs, nil
}

// overlay applies one matrix entry on top of a template. Set keys replace
// the template value wholesale; environment is the exception and is merged
// key by key with the matrix value winning.
func overlay(template *config.JobTemplate, entry *config.MatrixEntry) *config.JobTemplate {
	out := template.Clone()
	out.Matrix = nil

	if entry.Series != "" {
		out.Series = entry.Series
	}
	if len(entry.Architectures) > 0 {
		out.Architectures = append(config.StringList(nil), entry.Architectures...)
	}
	if entry.Packages != nil {
		out.Packages = append([]string(nil), entry.Packages...)
	}
	if entry.Snaps != nil {
		out.Snaps = append([]string(nil), entry.Snaps...)
	}
	if entry.PackageRepositories != nil {
		out.PackageRepositories = append([]config.RepositoryEntry(nil), entry.PackageRepositories...)
	}
	if len(entry.Environment) > 0 {
		if out.Environment == nil {
			out.Environment = make(map[string]string, len(entry.Environment))
		}
		for k, v := range entry.Environment {
			out.Environment[k] = v
		}
	}
	if entry.Plugin != "" {
		out.Plugin = entry.Plugin
	}
	if entry.RunBefore != "" {
		out.RunBefore = entry.RunBefore
	}
	if entry.Run != "" {
		out.Run = entry.Run
	}
	if entry.RunAfter != "" {
		out.RunAfter = entry.RunAfter
	}
	if entry.Output != nil {
		out.Output = entry.Output
	}
	if entry.Input != nil {
		out.Input = entry.Input
	}
	return out
}
