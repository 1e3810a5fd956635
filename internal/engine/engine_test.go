package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stagehq/stagectl/internal/config"
	"github.com/stagehq/stagectl/internal/plugin"
	"github.com/stagehq/stagectl/internal/provider"
	"github.com/stagehq/stagectl/internal/repository"
)

// fakeInstance executes scripts by recording them; the per-job exit code
// is injected by the driver. Files is a synthetic remote tree keyed by
// absolute path.
type fakeInstance struct {
	mu       sync.Mutex
	name     string
	exitCode int
	files    map[string]string
	commands []string
	pushed   map[string]string
	destroys int
}

func (f *fakeInstance) Push(ctx context.Context, hostPath, remotePath string) error {
	content, err := os.ReadFile(hostPath)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed[remotePath] = string(content)
	return nil
}

func (f *fakeInstance) Execute(ctx context.Context, script, cwd string, env map[string]string) (*provider.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, script)
	return &provider.ExecResult{ExitCode: f.exitCode, Stderr: "boom"}, nil
}

func (f *fakeInstance) List(ctx context.Context, root string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for p := range f.files {
		if rel, ok := strings.CutPrefix(p, root+"/"); ok {
			out = append(out, rel)
		}
	}
	return out, nil
}

func (f *fakeInstance) Pull(ctx context.Context, remotePath, hostPath string) error {
	f.mu.Lock()
	content, ok := f.files[remotePath]
	f.mu.Unlock()
	if !ok {
		return fmt.Errorf("no such file: %s", remotePath)
	}
	return os.WriteFile(hostPath, []byte(content), 0o644)
}

func (f *fakeInstance) Destroy(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	return nil
}

// fakeDriver provisions one fake instance per job, with per-job exit codes
// and remote file trees.
type fakeDriver struct {
	mu        sync.Mutex
	exitCodes map[string]int               // job name -> run exit code
	files     map[string]map[string]string // job name -> remote tree
	instances []*fakeInstance
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		exitCodes: make(map[string]int),
		files:     make(map[string]map[string]string),
	}
}

func (f *fakeDriver) Name() string { return "fake" }

func (f *fakeDriver) Provision(ctx context.Context, spec provider.EnvironmentSpec) (provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst := &fakeInstance{
		name:     spec.InstanceName(),
		exitCode: f.exitCodes[spec.Job],
		files:    f.files[spec.Job],
		pushed:   make(map[string]string),
	}
	f.instances = append(f.instances, inst)
	return inst, nil
}

func (f *fakeDriver) Clean(ctx context.Context, spec provider.EnvironmentSpec) error {
	return nil
}

func (f *fakeDriver) CleanProject(ctx context.Context, project string) ([]string, error) {
	return nil, nil
}

func (f *fakeDriver) started(jobName string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.instances {
		if inst.name == fmt.Sprintf("stagectl-proj-%s-0-focal-amd64", jobName) {
			return true
		}
	}
	return false
}

func simpleJob(run string) *config.JobTemplate {
	return &config.JobTemplate{
		Series:        "focal",
		Architectures: config.StringList{"amd64"},
		Run:           run,
	}
}

func newTestEngine(pipeline *config.Pipeline, driver *fakeDriver, outputRoot string) *Engine {
	return New(pipeline, driver, plugin.NewRegistry(), &repository.Resolver{}, Options{
		Project:    "proj",
		OutputRoot: outputRoot,
	})
}

func TestRun_Success(t *testing.T) {
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"build"}, {"test"}},
		Jobs: map[string]*config.JobTemplate{
			"build": simpleJob("make"),
			"test":  simpleJob("make check"),
		},
	}
	driver := newFakeDriver()
	eng := newTestEngine(pipeline, driver, "")

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("Report status: %q", report.Status)
	}
	if len(report.Results) != 2 {
		t.Fatalf("Results: got %d", len(report.Results))
	}
	for _, result := range report.Results {
		if result.Status != JobSucceeded {
			t.Errorf("Job %s: status %q", result.ID(), result.Status)
		}
	}
	if eng.State() != RunSucceeded {
		t.Errorf("Engine state: %q", eng.State())
	}
}

func TestRun_StageGating(t *testing.T) {
	// a fails; its stage sibling b still completes; c in the next stage
	// never starts.
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"a", "b"}, {"c"}},
		Jobs: map[string]*config.JobTemplate{
			"a": simpleJob("false"),
			"b": simpleJob("true"),
			"c": simpleJob("true"),
		},
	}
	driver := newFakeDriver()
	driver.exitCodes["a"] = 2
	eng := newTestEngine(pipeline, driver, "")

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if report.Succeeded() {
		t.Fatal("Report should be failed")
	}

	if len(report.Results) != 2 {
		t.Fatalf("Expected results for a and b only, got %d", len(report.Results))
	}
	byName := make(map[string]*JobResult)
	for _, result := range report.Results {
		byName[result.JobName] = result
	}
	if byName["a"].Status != JobFailed {
		t.Errorf("a: status %q", byName["a"].Status)
	}
	if byName["a"].ExitCode != 2 {
		t.Errorf("a: exit code %d", byName["a"].ExitCode)
	}
	if byName["a"].Stderr != "boom" {
		t.Errorf("a: stderr %q", byName["a"].Stderr)
	}
	if byName["b"].Status != JobSucceeded {
		t.Errorf("b: status %q", byName["b"].Status)
	}
	if driver.started("c") {
		t.Error("c started despite earlier stage failure")
	}
}

func TestRun_DestroysEveryEnvironmentOnce(t *testing.T) {
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"a", "b"}},
		Jobs: map[string]*config.JobTemplate{
			"a": simpleJob("false"),
			"b": simpleJob("true"),
		},
	}
	driver := newFakeDriver()
	driver.exitCodes["a"] = 1
	eng := newTestEngine(pipeline, driver, "")

	if _, err := eng.Run(context.Background()); err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if len(driver.instances) != 2 {
		t.Fatalf("Instances: got %d", len(driver.instances))
	}
	for _, inst := range driver.instances {
		if inst.destroys != 1 {
			t.Errorf("Instance %s destroyed %d times", inst.name, inst.destroys)
		}
	}
}

func TestRun_PhaseOrderAndAbort(t *testing.T) {
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"a"}},
		Jobs: map[string]*config.JobTemplate{
			"a": {
				Series:        "focal",
				Architectures: config.StringList{"amd64"},
				RunBefore:     "prepare",
				Run:           "main",
				RunAfter:      "cleanup",
			},
		},
	}
	driver := newFakeDriver()
	driver.exitCodes["a"] = 1
	eng := newTestEngine(pipeline, driver, "")

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if report.Succeeded() {
		t.Fatal("Report should be failed")
	}

	// run-before fails, so run and run-after never execute.
	inst := driver.instances[0]
	if len(inst.commands) != 1 || inst.commands[0] != "prepare" {
		t.Errorf("Commands: got %v, want [prepare]", inst.commands)
	}
}

func TestRun_ConfigurationErrorBeforeProvisioning(t *testing.T) {
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"a"}},
		Jobs: map[string]*config.JobTemplate{
			"a": {
				Series:        "focal",
				Architectures: config.StringList{"amd64"},
				Plugin:        "no-such-plugin",
				Run:           "make",
			},
		},
	}
	driver := newFakeDriver()
	eng := newTestEngine(pipeline, driver, "")

	if _, err := eng.Run(context.Background()); err == nil {
		t.Fatal("Run should fail on expansion")
	}
	if len(driver.instances) != 0 {
		t.Errorf("Environments provisioned despite configuration error: %d", len(driver.instances))
	}
}

func TestRun_ArtifactFlow(t *testing.T) {
	outputRoot := t.TempDir()
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"build"}, {"test"}},
		Jobs: map[string]*config.JobTemplate{
			"build": {
				Series:        "focal",
				Architectures: config.StringList{"amd64"},
				Run:           "make",
				Output: &config.OutputSpec{
					Paths:      []string{"pkg.tar"},
					Properties: map[string]string{"version": "1.0"},
				},
			},
			"test": {
				Series:        "focal",
				Architectures: config.StringList{"amd64"},
				Run:           "make check",
				Input: &config.InputSpec{
					JobName:         "build",
					TargetDirectory: "artifacts",
				},
			},
		},
	}
	driver := newFakeDriver()
	driver.files["build"] = map[string]string{
		"/build/project/pkg.tar": "archive",
	}
	eng := newTestEngine(pipeline, driver, outputRoot)

	report, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("Report status: %q", report.Status)
	}

	// The producer's output landed in the run layout.
	collected := filepath.Join(outputRoot, "build", "0", "files", "pkg.tar")
	content, err := os.ReadFile(collected)
	if err != nil {
		t.Fatalf("Collected artifact missing: %v", err)
	}
	if string(content) != "archive" {
		t.Errorf("Artifact content: got %q", content)
	}

	// The consumer received the staged copy inside its build tree.
	var testInst *fakeInstance
	for _, inst := range driver.instances {
		if inst.name == "stagectl-proj-test-0-focal-amd64" {
			testInst = inst
		}
	}
	if testInst == nil {
		t.Fatal("Consumer instance not provisioned")
	}
	if testInst.pushed["/build/project/artifacts/files/pkg.tar"] != "archive" {
		t.Errorf("Staged input missing: %v", testInst.pushed)
	}
	if testInst.pushed["/build/project/artifacts/properties"] != "version=1.0\n" {
		t.Errorf("Staged properties missing: %v", testInst.pushed)
	}
}

func TestRunOne_IndexOutOfRange(t *testing.T) {
	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"a"}},
		Jobs: map[string]*config.JobTemplate{
			"a": simpleJob("make"),
		},
	}
	eng := newTestEngine(pipeline, newFakeDriver(), "")

	if _, err := eng.RunOne(context.Background(), "a", 5); err == nil {
		t.Fatal("Out-of-range index accepted")
	}
	if _, err := eng.RunOne(context.Background(), "missing", 0); err == nil {
		t.Fatal("Unknown job accepted")
	}
}

func TestRunOne_ScansDiskForInputs(t *testing.T) {
	outputRoot := t.TempDir()
	// Simulate an earlier run having collected build.0.
	filesDir := filepath.Join(outputRoot, "build", "0", "files")
	if err := os.MkdirAll(filesDir, 0o755); err != nil {
		t.Fatalf("Failed to create fixture: %v", err)
	}
	if err := os.WriteFile(filepath.Join(filesDir, "pkg.tar"), []byte("archive"), 0o644); err != nil {
		t.Fatalf("Failed to write fixture: %v", err)
	}

	pipeline := &config.Pipeline{
		Stages: []config.Stage{{"build"}, {"test"}},
		Jobs: map[string]*config.JobTemplate{
			"build": simpleJob("make"),
			"test": {
				Series:        "focal",
				Architectures: config.StringList{"amd64"},
				Run:           "make check",
				Input: &config.InputSpec{
					JobName:         "build",
					TargetDirectory: "artifacts",
				},
			},
		},
	}
	driver := newFakeDriver()
	eng := newTestEngine(pipeline, driver, outputRoot)

	report, err := eng.RunOne(context.Background(), "test", 0)
	if err != nil {
		t.Fatalf("Failed to run: %v", err)
	}
	if !report.Succeeded() {
		t.Fatalf("Report status: %q", report.Status)
	}
	inst := driver.instances[0]
	if inst.pushed["/build/project/artifacts/files/pkg.tar"] != "archive" {
		t.Errorf("Input not staged from disk: %v", inst.pushed)
	}
}
