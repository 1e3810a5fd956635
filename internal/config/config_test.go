package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalPipeline = `
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: amd64
    run: make
`

func TestLoadFromBytes_Minimal(t *testing.T) {
	pipeline, err := LoadFromBytes([]byte(minimalPipeline))
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}

	if len(pipeline.Stages) != 1 {
		t.Fatalf("Expected 1 stage, got %d", len(pipeline.Stages))
	}
	if len(pipeline.Stages[0]) != 1 || pipeline.Stages[0][0] != "build" {
		t.Errorf("Unexpected stage contents: %v", pipeline.Stages[0])
	}

	job := pipeline.Jobs["build"]
	if job == nil {
		t.Fatal("Job 'build' not loaded")
	}
	if job.Series != "focal" {
		t.Errorf("Series: got %q, want %q", job.Series, "focal")
	}
	// A scalar architecture is promoted to a single-element list.
	if len(job.Architectures) != 1 || job.Architectures[0] != "amd64" {
		t.Errorf("Architectures: got %v, want [amd64]", job.Architectures)
	}
	if job.Run != "make" {
		t.Errorf("Run: got %q, want %q", job.Run, "make")
	}
}

func TestLoadFromBytes_StageList(t *testing.T) {
	pipeline, err := LoadFromBytes([]byte(`
pipeline:
  - [lint, test]
  - publish

jobs:
  lint:
    series: focal
    architectures: [amd64]
    run: make lint
  test:
    series: focal
    architectures: [amd64]
    run: make test
  publish:
    series: focal
    architectures: [amd64]
    run: make publish
`))
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}
	if len(pipeline.Stages) != 2 {
		t.Fatalf("Expected 2 stages, got %d", len(pipeline.Stages))
	}
	if len(pipeline.Stages[0]) != 2 {
		t.Errorf("Stage 1: expected 2 jobs, got %v", pipeline.Stages[0])
	}
}

func TestLoadFromBytes_UndefinedJob(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  test:
    series: focal
    architectures: [amd64]
`))
	assertConfigurationError(t, err, "undefined job")
}

func TestLoadFromBytes_MissingSeries(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    architectures: [amd64]
    run: make
`))
	assertConfigurationError(t, err, "series")
}

func TestLoadFromBytes_UnknownKeysWithoutPlugin(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    frobnicate: true
    zz-last: 1
`))
	assertConfigurationError(t, err, "unknown keys")
	// Keys are reported sorted, for stable messages.
	if !strings.Contains(err.Error(), "frobnicate, zz-last") {
		t.Errorf("Unknown keys not sorted in message: %v", err)
	}
}

func TestLoadFromBytes_PluginKeysAccepted(t *testing.T) {
	pipeline, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    plugin: golang
    golang-version: "1.22"
    run: go test ./...
`))
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}
	job := pipeline.Jobs["build"]
	if _, ok := job.PluginConfig["golang-version"]; !ok {
		t.Error("Plugin key 'golang-version' not captured")
	}
}

func TestValidate_InputOrdering(t *testing.T) {
	// An input must reference a job from a strictly earlier stage.
	_, err := LoadFromBytes([]byte(`
pipeline:
  - [build, test]

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    output:
      paths: ["*.deb"]
  test:
    series: focal
    architectures: [amd64]
    run: make check
    input:
      job-name: build
      target-directory: artifacts
`))
	assertConfigurationError(t, err, "earlier stage")

	// The same input in a later stage is valid.
	_, err = LoadFromBytes([]byte(`
pipeline:
  - build
  - test

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    output:
      paths: ["*.deb"]
  test:
    series: focal
    architectures: [amd64]
    run: make check
    input:
      job-name: build
      target-directory: artifacts
`))
	if err != nil {
		t.Errorf("Valid input ordering rejected: %v", err)
	}
}

func TestValidate_InputTargetEscape(t *testing.T) {
	for _, target := range []string{"/abs/path", "../outside", "a/../../b"} {
		_, err := LoadFromBytes([]byte(`
pipeline:
  - build
  - test

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
  test:
    series: focal
    architectures: [amd64]
    run: make check
    input:
      job-name: build
      target-directory: ` + target + "\n"))
		assertConfigurationError(t, err, "escapes")
	}
}

func TestValidate_Repositories(t *testing.T) {
	cases := []struct {
		name    string
		entry   string
		wantErr string
	}{
		{
			name: "valid ppa",
			entry: `
      - type: apt
        ppa: launchpad/ppa
        suites: [focal]`,
		},
		{
			name: "valid url",
			entry: `
      - type: apt
        url: https://example.com/apt
        suites: [focal]
        components: [main]`,
		},
		{
			name: "wrong type",
			entry: `
      - type: rpm
        url: https://example.com
        suites: [focal]
        components: [main]`,
			wantErr: "unsupported package repository type",
		},
		{
			name: "ppa and url",
			entry: `
      - type: apt
        ppa: launchpad/ppa
        url: https://example.com
        suites: [focal]`,
			wantErr: "both 'ppa' and 'url'",
		},
		{
			name: "ppa with components",
			entry: `
      - type: apt
        ppa: launchpad/ppa
        suites: [focal]
        components: [main]`,
			wantErr: "must not set 'components'",
		},
		{
			name: "url without components",
			entry: `
      - type: apt
        url: https://example.com
        suites: [focal]`,
			wantErr: "must set 'components'",
		},
		{
			name: "missing suites",
			entry: `
      - type: apt
        ppa: launchpad/ppa`,
			wantErr: "does not set 'suites'",
		},
		{
			name: "bad format",
			entry: `
      - type: apt
        formats: [deb, rpm]
        ppa: launchpad/ppa
        suites: [focal]`,
			wantErr: "invalid package repository format",
		},
		{
			name: "one-part ppa",
			entry: `
      - type: apt
        ppa: justowner
        suites: [focal]`,
			wantErr: "invalid PPA reference",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    package-repositories:` + tc.entry + "\n"))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("Valid repository rejected: %v", err)
				}
				return
			}
			assertConfigurationError(t, err, tc.wantErr)
		})
	}
}

func TestValidate_License(t *testing.T) {
	_, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make

license:
  spdx: MIT
  path: LICENSE
`))
	assertConfigurationError(t, err, "both 'spdx' and 'path'")

	_, err = LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    license:
      spdx: Apache-2.0
`))
	if err != nil {
		t.Errorf("Valid job-level license rejected: %v", err)
	}
}

func TestDuration_Unmarshal(t *testing.T) {
	pipeline, err := LoadFromBytes([]byte(`
pipeline:
  - build

jobs:
  build:
    series: focal
    architectures: [amd64]
    run: make
    output:
      paths: ["*.deb"]
      expires: 72h
`))
	if err != nil {
		t.Fatalf("Failed to load pipeline: %v", err)
	}
	got := time.Duration(pipeline.Jobs["build"].Output.Expires)
	if got != 72*time.Hour {
		t.Errorf("Expires: got %v, want 72h", got)
	}
}

func TestLoadSecrets(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(path, []byte("auth: user:token\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secrets file: %v", err)
	}

	lookup, err := LoadSecrets(path)
	if err != nil {
		t.Fatalf("Failed to load secrets: %v", err)
	}
	if v, ok := lookup("auth"); !ok || v != "user:token" {
		t.Errorf("lookup(auth): got %q/%v, want user:token/true", v, ok)
	}
	if _, ok := lookup("missing"); ok {
		t.Error("lookup(missing) unexpectedly succeeded")
	}
}

func assertConfigurationError(t *testing.T, err error, fragment string) {
	t.Helper()
	if err == nil {
		t.Fatalf("Expected configuration error containing %q, got nil", fragment)
	}
	var confErr *ConfigurationError
	if !errors.As(err, &confErr) {
		t.Fatalf("Expected *ConfigurationError, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), fragment) {
		t.Fatalf("Error %q does not contain %q", err.Error(), fragment)
	}
}
