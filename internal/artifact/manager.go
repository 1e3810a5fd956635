// Package artifact collects declared job outputs into the run's on-disk
// layout and stages earlier jobs' outputs into later jobs' build trees.
//
// The layout the manager owns is:
//
//	<output-root>/<job-name>/<instance-index>/files/<matched files>
//	<output-root>/<job-name>/<instance-index>/properties
package artifact

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/utils/logger"
	"go.uber.org/zap"
)

// Instance is the slice of the environment contract the manager needs for
// collection.
type Instance interface {
	List(ctx context.Context, root string) ([]string, error)
	Pull(ctx context.Context, remotePath, hostPath string) error
}

// Pusher is the slice of the environment contract the manager needs for
// input staging.
type Pusher interface {
	Push(ctx context.Context, hostPath, remotePath string) error
}

// Manifest describes what was collected for one job instance.
type Manifest struct {
	JobName    string
	Index      int
	Files      []string
	Properties map[string]string
	Expires    time.Duration
}

// Manager owns the run's output root. All jobs of a run share the root but
// each writes only under its own <job-name>/<instance-index> subtree.
type Manager struct {
	OutputRoot string
}

// JobDir returns the output directory for one job instance.
func (m *Manager) JobDir(jobName string, index int) string {
	return filepath.Join(m.OutputRoot, jobName, strconv.Itoa(index))
}

// Collect expands the output spec's glob patterns against the build tree,
// copies the matches into the job's files/ directory, and writes the merged
// properties file. Patterns may reference the parent of the build tree but
// nothing beyond it. Zero matches for declared patterns is an error, since
// it usually indicates a build misconfiguration.
func (m *Manager) Collect(ctx context.Context, inst Instance, jobName string, index int, buildTree string, spec *config.OutputSpec) (*Manifest, error) {
	buildTree = path.Clean(buildTree)
	parent := path.Dir(buildTree)
	base := path.Base(buildTree)

	for _, pattern := range spec.Paths {
		resolved := path.Clean(path.Join(buildTree, pattern))
		if !within(parent, resolved) {
			return nil, &PathEscapeError{Path: pattern, Root: parent}
		}
	}

	jobDir := m.JobDir(jobName, index)
	manifest := &Manifest{
		JobName: jobName,
		Index:   index,
		Expires: time.Duration(spec.Expires),
	}

	if len(spec.Paths) > 0 {
		matches, err := m.matchOutputs(ctx, inst, parent, base, spec.Paths)
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("job %q: no files matched output paths %v", jobName, spec.Paths)
		}
		for dest, remote := range matches {
			hostPath := filepath.Join(jobDir, "files", filepath.FromSlash(dest))
			if err := os.MkdirAll(filepath.Dir(hostPath), 0o755); err != nil {
				return nil, err
			}
			if err := inst.Pull(ctx, remote, hostPath); err != nil {
				return nil, err
			}
			manifest.Files = append(manifest.Files, dest)
		}
		sort.Strings(manifest.Files)
	}

	properties, err := m.mergeProperties(ctx, inst, buildTree, spec)
	if err != nil {
		return nil, err
	}
	manifest.Properties = properties

	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return nil, err
	}
	if err := writeProperties(filepath.Join(jobDir, "properties"), properties); err != nil {
		return nil, err
	}

	logger.Info("Collected artifacts",
		zap.String("job", jobName),
		zap.Int("index", index),
		zap.Int("files", len(manifest.Files)))

	return manifest, nil
}

// matchOutputs lists the files under the build tree's parent and filters
// them against the declared patterns. Patterns are interpreted relative to
// the build tree; matched paths are deduplicated. Two distinct files
// resolving to the same destination is an error rather than a silent
// overwrite.
func (m *Manager) matchOutputs(ctx context.Context, inst Instance, parent, base string, patterns []string) (map[string]string, error) {
	compiled := make([]*regexp.Regexp, len(patterns))
	for i, pattern := range patterns {
		re, err := compilePattern(pattern)
		if err != nil {
			return nil, config.NewConfigurationError("invalid output path pattern %q", pattern)
		}
		compiled[i] = re
	}

	files, err := inst.List(ctx, parent)
	if err != nil {
		return nil, fmt.Errorf("failed to list build tree: %w", err)
	}

	matches := make(map[string]string)
	for _, file := range files {
		// Express the candidate relative to the build tree so patterns
		// like "dist/*.whl" and "../*.deb" both work.
		relToBuild := "../" + file
		dest := file
		if inside, ok := strings.CutPrefix(file, base+"/"); ok {
			relToBuild = inside
			dest = inside
		}
		for _, re := range compiled {
			if !re.MatchString(relToBuild) {
				continue
			}
			remote := path.Join(parent, file)
			if existing, ok := matches[dest]; ok && existing != remote {
				return nil, fmt.Errorf("output file %q matched from both %q and %q",
					dest, existing, remote)
			}
			matches[dest] = remote
			break
		}
	}
	return matches, nil
}

// compilePattern turns a shell-style output pattern into a regular
// expression. Unlike per-segment path globbing, * and ? here match any
// character including the path separator, so a flat pattern like "*.whl"
// collects files from subdirectories too.
func compilePattern(pattern string) (*regexp.Regexp, error) {
	var b strings.Builder
	b.WriteString(`\A`)
	for i := 0; i < len(pattern); i++ {
		switch c := pattern[i]; c {
		case '*':
			b.WriteString(`.*`)
		case '?':
			b.WriteByte('.')
		case '[':
			j := i + 1
			if j < len(pattern) && (pattern[j] == '!' || pattern[j] == '^') {
				j++
			}
			if j < len(pattern) && pattern[j] == ']' {
				j++
			}
			for j < len(pattern) && pattern[j] != ']' {
				j++
			}
			if j == len(pattern) {
				b.WriteString(`\[`)
				continue
			}
			class := pattern[i+1 : j]
			if strings.HasPrefix(class, "!") {
				class = "^" + class[1:]
			}
			b.WriteString("[" + class + "]")
			i = j
		default:
			b.WriteString(regexp.QuoteMeta(string(c)))
		}
	}
	b.WriteString(`\z`)
	return regexp.Compile(b.String())
}

// mergeProperties overlays key/value pairs from the dynamic-properties
// file, if declared, on top of the static properties. Dynamic keys win.
func (m *Manager) mergeProperties(ctx context.Context, inst Instance, buildTree string, spec *config.OutputSpec) (map[string]string, error) {
	properties := make(map[string]string, len(spec.Properties))
	for k, v := range spec.Properties {
		properties[k] = v
	}

	if spec.DynamicProperties == "" {
		return properties, nil
	}

	resolved := path.Clean(path.Join(buildTree, spec.DynamicProperties))
	if !within(buildTree, resolved) {
		return nil, &PathEscapeError{Path: spec.DynamicProperties, Root: buildTree}
	}

	tmp, err := os.CreateTemp("", "stagectl-properties-*")
	if err != nil {
		return nil, err
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	if err := inst.Pull(ctx, resolved, tmp.Name()); err != nil {
		return nil, fmt.Errorf("failed to read dynamic properties %q: %w", spec.DynamicProperties, err)
	}
	dynamic, err := godotenv.Read(tmp.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to parse dynamic properties %q: %w", spec.DynamicProperties, err)
	}
	for k, v := range dynamic {
		properties[k] = v
	}
	return properties, nil
}

// StageInput copies a previously collected job's artifacts into the
// consuming job's build tree, mirroring the files/ + properties layout the
// manager itself produces.
func (m *Manager) StageInput(ctx context.Context, pusher Pusher, spec *config.InputSpec, producedIndices []int, buildTree string) ([]string, error) {
	switch {
	case len(producedIndices) == 0:
		return nil, config.NewConfigurationError(
			"input references job %q which has not completed in an earlier stage", spec.JobName)
	case len(producedIndices) > 1:
		return nil, config.NewConfigurationError(
			"input references job %q which is ambiguous (%d instances)", spec.JobName, len(producedIndices))
	}

	buildTree = path.Clean(buildTree)
	target := path.Clean(path.Join(buildTree, spec.TargetDirectory))
	if !within(buildTree, target) {
		return nil, &PathEscapeError{Path: spec.TargetDirectory, Root: buildTree}
	}

	jobDir := m.JobDir(spec.JobName, producedIndices[0])
	filesDir := filepath.Join(jobDir, "files")

	var staged []string
	err := filepath.WalkDir(filesDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(filesDir, p)
		if err != nil {
			return err
		}
		staged = append(staged, filepath.ToSlash(rel))
		return nil
	})
	if os.IsNotExist(err) || len(staged) == 0 {
		return nil, &ArtifactNotFoundError{JobName: spec.JobName}
	}
	if err != nil {
		return nil, err
	}
	sort.Strings(staged)

	for _, rel := range staged {
		hostPath := filepath.Join(filesDir, filepath.FromSlash(rel))
		if err := pusher.Push(ctx, hostPath, path.Join(target, "files", rel)); err != nil {
			return nil, err
		}
	}

	propertiesPath := filepath.Join(jobDir, "properties")
	if _, err := os.Stat(propertiesPath); err == nil {
		if err := pusher.Push(ctx, propertiesPath, path.Join(target, "properties")); err != nil {
			return nil, err
		}
	}

	logger.Info("Staged input artifacts",
		zap.String("job", spec.JobName),
		zap.String("target", spec.TargetDirectory),
		zap.Int("files", len(staged)))

	return staged, nil
}

// ReadProperties loads a properties file written by the manager.
func ReadProperties(path string) (map[string]string, error) {
	return godotenv.Read(path)
}

// writeProperties renders the merged mapping as key=value lines.
func writeProperties(path string, properties map[string]string) error {
	keys := make([]string, 0, len(properties))
	for k := range properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, properties[k])
	}
	return os.WriteFile(path, []byte(b.String()), 0o644)
}

// within reports whether p is root or inside it. Both paths must already
// be cleaned.
func within(root, p string) bool {
	return p == root || strings.HasPrefix(p, root+"/")
}
