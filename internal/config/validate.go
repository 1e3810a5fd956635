package config

import (
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// identifierPattern matches short identifiers used for job names, series
// and architectures: lowercase alphanumeric start, at least two characters.
var identifierPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9+._-]+$`)

// IsIdentifier reports whether s is a valid short identifier.
func IsIdentifier(s string) bool {
	return identifierPattern.MatchString(s)
}

// Validate checks the pipeline definition for static configuration errors.
// All violations are reported as ConfigurationError before any environment
// is provisioned.
func Validate(p *Pipeline) error {
	if len(p.Stages) == 0 {
		return NewConfigurationError("pipeline must define at least one stage")
	}
	if len(p.Jobs) == 0 {
		return NewConfigurationError("pipeline must define at least one job")
	}

	// First stage in which each job name appears, for input ordering checks.
	firstStage := make(map[string]int)
	for i, stage := range p.Stages {
		if len(stage) == 0 {
			return NewConfigurationError("stage %d is empty", i+1)
		}
		for _, name := range stage {
			if !IsIdentifier(name) {
				return NewConfigurationError("invalid job name %q", name)
			}
			if _, ok := p.Jobs[name]; !ok {
				return NewConfigurationError("pipeline references undefined job %q", name)
			}
			if _, seen := firstStage[name]; !seen {
				firstStage[name] = i
			}
		}
	}

	for name, job := range p.Jobs {
		if !IsIdentifier(name) {
			return NewConfigurationError("invalid job name %q", name)
		}
		if err := validateJob(name, job); err != nil {
			return err
		}
		if job.Input != nil {
			if err := validateInputOrdering(name, job.Input, firstStage); err != nil {
				return err
			}
		}
	}

	if p.License != nil {
		if err := validateLicense(p.License); err != nil {
			return err
		}
	}

	return nil
}

func validateJob(name string, job *JobTemplate) error {
	if job == nil {
		return NewConfigurationError("job %q has no definition", name)
	}
	if job.Series == "" {
		return NewConfigurationError("job %q does not set 'series'", name)
	}
	if !IsIdentifier(job.Series) {
		return NewConfigurationError("job %q has invalid series %q", name, job.Series)
	}
	for _, arch := range job.Architectures {
		if !IsIdentifier(arch) {
			return NewConfigurationError("job %q has invalid architecture %q", name, arch)
		}
	}
	if job.Plugin == "" && len(job.PluginConfig) > 0 {
		keys := make([]string, 0, len(job.PluginConfig))
		for k := range job.PluginConfig {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return NewConfigurationError("job %q has unknown keys: %s", name, strings.Join(keys, ", "))
	}
	if job.Output != nil {
		if err := validateOutput(name, job.Output); err != nil {
			return err
		}
	}
	if job.Input != nil {
		if err := validateInput(name, job.Input); err != nil {
			return err
		}
	}
	for i := range job.PackageRepositories {
		if err := validateRepository(name, &job.PackageRepositories[i]); err != nil {
			return err
		}
	}
	if job.License != nil {
		if err := validateLicense(job.License); err != nil {
			return err
		}
	}
	for i := range job.Matrix {
		entry := &job.Matrix[i]
		for _, arch := range entry.Architectures {
			if !IsIdentifier(arch) {
				return NewConfigurationError("job %q matrix entry %d has invalid architecture %q", name, i+1, arch)
			}
		}
		if entry.Series != "" && !IsIdentifier(entry.Series) {
			return NewConfigurationError("job %q matrix entry %d has invalid series %q", name, i+1, entry.Series)
		}
		if entry.Output != nil {
			if err := validateOutput(name, entry.Output); err != nil {
				return err
			}
		}
		if entry.Input != nil {
			if err := validateInput(name, entry.Input); err != nil {
				return err
			}
		}
		for j := range entry.PackageRepositories {
			if err := validateRepository(name, &entry.PackageRepositories[j]); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateOutput(name string, output *OutputSpec) error {
	if output.Distribute != "" && output.Distribute != "artifactory" {
		return NewConfigurationError("job %q has unknown output distribute target %q", name, output.Distribute)
	}
	if output.Expires < 0 {
		return NewConfigurationError("job %q: output expires must be a non-negative duration", name)
	}
	return nil
}

func validateInput(name string, input *InputSpec) error {
	if input.JobName == "" {
		return NewConfigurationError("job %q input does not set 'job-name'", name)
	}
	if input.TargetDirectory == "" {
		return NewConfigurationError("job %q input does not set 'target-directory'", name)
	}
	if filepath.IsAbs(input.TargetDirectory) || !filepath.IsLocal(input.TargetDirectory) {
		return NewConfigurationError(
			"job %q input target-directory %q escapes the build tree", name, input.TargetDirectory)
	}
	return nil
}

func validateInputOrdering(name string, input *InputSpec, firstStage map[string]int) error {
	producer, ok := firstStage[input.JobName]
	if !ok {
		return NewConfigurationError(
			"job %q input references job %q which is not in the pipeline", name, input.JobName)
	}
	consumer, ok := firstStage[name]
	if !ok {
		// The job never runs; nothing to order against.
		return nil
	}
	if producer >= consumer {
		return NewConfigurationError(
			"job %q input references job %q which does not run in an earlier stage", name, input.JobName)
	}
	return nil
}

func validateRepository(name string, entry *RepositoryEntry) error {
	if entry.Type != "apt" {
		return NewConfigurationError("job %q has unsupported package repository type %q", name, entry.Type)
	}
	for _, format := range entry.Formats {
		if format != "deb" && format != "deb-src" {
			return NewConfigurationError("job %q has invalid package repository format %q", name, format)
		}
	}
	switch {
	case entry.PPA != "" && entry.URL != "":
		return NewConfigurationError("job %q package repository sets both 'ppa' and 'url'", name)
	case entry.PPA != "":
		parts := strings.Split(entry.PPA, "/")
		if len(parts) != 2 && len(parts) != 3 {
			return NewConfigurationError(
				"job %q has invalid PPA reference %q (expected owner/name or owner/distribution/name)",
				name, entry.PPA)
		}
		if len(entry.Components) > 0 {
			return NewConfigurationError("job %q PPA repository must not set 'components'", name)
		}
	case entry.URL != "":
		if len(entry.Components) == 0 {
			return NewConfigurationError("job %q package repository with 'url' must set 'components'", name)
		}
	default:
		return NewConfigurationError("job %q package repository sets neither 'ppa' nor 'url'", name)
	}
	if len(entry.Suites) == 0 {
		return NewConfigurationError("job %q package repository does not set 'suites'", name)
	}
	return nil
}

func validateLicense(license *License) error {
	if license.SPDX != "" && license.Path != "" {
		return NewConfigurationError("license cannot set both 'spdx' and 'path'")
	}
	if license.SPDX == "" && license.Path == "" {
		return NewConfigurationError("license must set either 'spdx' or 'path'")
	}
	return nil
}
