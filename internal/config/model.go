package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Pipeline represents a declarative pipeline definition: ordered stages of
// job names plus the job templates they refer to.
type Pipeline struct {
	Stages  []Stage                 `yaml:"pipeline"`
	Jobs    map[string]*JobTemplate `yaml:"jobs"`
	License *License                `yaml:"license,omitempty"`
}

// Stage is a set of job names that run concurrently. In YAML a stage may be
// written as a single job name or as a list of names.
type Stage []string

// UnmarshalYAML accepts either a scalar job name or a sequence of names.
func (s *Stage) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var name string
		if err := value.Decode(&name); err != nil {
			return err
		}
		*s = Stage{name}
		return nil
	case yaml.SequenceNode:
		var names []string
		if err := value.Decode(&names); err != nil {
			return err
		}
		*s = Stage(names)
		return nil
	default:
		return fmt.Errorf("pipeline stage must be a job name or a list of job names (line %d)", value.Line)
	}
}

// StringList accepts either a scalar or a sequence in YAML.
type StringList []string

// UnmarshalYAML accepts either a single string or a list of strings.
func (l *StringList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		var v string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*l = StringList{v}
		return nil
	case yaml.SequenceNode:
		var v []string
		if err := value.Decode(&v); err != nil {
			return err
		}
		*l = StringList(v)
		return nil
	default:
		return fmt.Errorf("expected a string or a list of strings (line %d)", value.Line)
	}
}

// JobTemplate is the declarative, pre-expansion definition of a job. Keys
// that do not belong to the base schema are collected into PluginConfig and
// validated by the selected plugin.
type JobTemplate struct {
	Series              string               `yaml:"series"`
	Architectures       StringList           `yaml:"architectures"`
	Packages            []string             `yaml:"packages,omitempty"`
	Snaps               []string             `yaml:"snaps,omitempty"`
	PackageRepositories []RepositoryEntry    `yaml:"package-repositories,omitempty"`
	Environment         map[string]string    `yaml:"environment,omitempty"`
	Plugin              string               `yaml:"plugin,omitempty"`
	RunBefore           string               `yaml:"run-before,omitempty"`
	Run                 string               `yaml:"run,omitempty"`
	RunAfter            string               `yaml:"run-after,omitempty"`
	Output              *OutputSpec          `yaml:"output,omitempty"`
	Input               *InputSpec           `yaml:"input,omitempty"`
	Matrix              []MatrixEntry        `yaml:"matrix,omitempty"`
	License             *License             `yaml:"license,omitempty"`
	PluginConfig        map[string]yaml.Node `yaml:",inline"`
}

// Clone returns a deep copy of the template. Matrix expansion mutates the
// copy, never the original.
func (t *JobTemplate) Clone() *JobTemplate {
	c := *t
	c.Architectures = append(StringList(nil), t.Architectures...)
	c.Packages = append([]string(nil), t.Packages...)
	c.Snaps = append([]string(nil), t.Snaps...)
	c.PackageRepositories = append([]RepositoryEntry(nil), t.PackageRepositories...)
	if t.Environment != nil {
		c.Environment = make(map[string]string, len(t.Environment))
		for k, v := range t.Environment {
			c.Environment[k] = v
		}
	}
	if t.Output != nil {
		o := *t.Output
		o.Paths = append([]string(nil), t.Output.Paths...)
		o.Channels = append([]string(nil), t.Output.Channels...)
		if t.Output.Properties != nil {
			o.Properties = make(map[string]string, len(t.Output.Properties))
			for k, v := range t.Output.Properties {
				o.Properties[k] = v
			}
		}
		c.Output = &o
	}
	if t.Input != nil {
		i := *t.Input
		c.Input = &i
	}
	c.Matrix = append([]MatrixEntry(nil), t.Matrix...)
	if t.PluginConfig != nil {
		c.PluginConfig = make(map[string]yaml.Node, len(t.PluginConfig))
		for k, v := range t.PluginConfig {
			c.PluginConfig[k] = v
		}
	}
	return &c
}

// MatrixEntry is a partial job override. A set key replaces the template
// value wholesale, except Environment which is merged key by key with the
// matrix value winning.
type MatrixEntry struct {
	Series              string            `yaml:"series,omitempty"`
	Architectures       StringList        `yaml:"architectures,omitempty"`
	Packages            []string          `yaml:"packages,omitempty"`
	Snaps               []string          `yaml:"snaps,omitempty"`
	PackageRepositories []RepositoryEntry `yaml:"package-repositories,omitempty"`
	Environment         map[string]string `yaml:"environment,omitempty"`
	Plugin              string            `yaml:"plugin,omitempty"`
	RunBefore           string            `yaml:"run-before,omitempty"`
	Run                 string            `yaml:"run,omitempty"`
	RunAfter            string            `yaml:"run-after,omitempty"`
	Output              *OutputSpec       `yaml:"output,omitempty"`
	Input               *InputSpec        `yaml:"input,omitempty"`
}

// OutputSpec declares which files a job publishes and the properties
// attached to them.
type OutputSpec struct {
	Paths             []string          `yaml:"paths,omitempty"`
	Distribute        string            `yaml:"distribute,omitempty"`
	Channels          []string          `yaml:"channels,omitempty"`
	Properties        map[string]string `yaml:"properties,omitempty"`
	DynamicProperties string            `yaml:"dynamic-properties,omitempty"`
	Expires           Duration          `yaml:"expires,omitempty"`
}

// InputSpec stages the artifacts of an earlier job into this job's build
// tree before it runs.
type InputSpec struct {
	JobName         string `yaml:"job-name"`
	TargetDirectory string `yaml:"target-directory"`
}

// RepositoryEntry is a declarative package repository: either a PPA short
// form or an explicit URL plus components.
type RepositoryEntry struct {
	Type       string   `yaml:"type"`
	Formats    []string `yaml:"formats,omitempty"`
	Suites     []string `yaml:"suites,omitempty"`
	PPA        string   `yaml:"ppa,omitempty"`
	URL        string   `yaml:"url,omitempty"`
	Components []string `yaml:"components,omitempty"`
	Trusted    *bool    `yaml:"trusted,omitempty"`
}

// License names the license of the project, either as an SPDX identifier
// or as a path to a license file. Setting both is invalid.
type License struct {
	SPDX string `yaml:"spdx,omitempty"`
	Path string `yaml:"path,omitempty"`
}

// Duration wraps time.Duration with YAML support for Go duration strings.
type Duration time.Duration

// UnmarshalYAML parses a duration string such as "72h".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}
