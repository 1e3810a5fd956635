package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehq/stagectl/internal/engine"
)

func setupTestStore(t *testing.T) *RunStore {
	t.Helper()

	store := NewRunStore(&Options{
		Path: filepath.Join(t.TempDir(), "runs.db"),
	})
	if err := store.Open(); err != nil {
		t.Fatalf("Failed to open run store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testReport(runID string) *engine.Report {
	now := time.Now()
	return &engine.Report{
		RunID:  runID,
		Status: engine.RunSucceeded,
		Results: []*engine.JobResult{
			{
				JobName:      "build",
				Index:        0,
				Series:       "focal",
				Architecture: "amd64",
				Status:       engine.JobSucceeded,
				StartedAt:    now,
				FinishedAt:   now.Add(time.Minute),
				Duration:     time.Minute,
			},
		},
		StartedAt:  now,
		FinishedAt: now.Add(time.Minute),
	}
}

func TestRunStore_SaveAndGet(t *testing.T) {
	store := setupTestStore(t)

	report := testReport("run-1")
	if err := store.SaveReport(report); err != nil {
		t.Fatalf("Failed to save report: %v", err)
	}

	retrieved, err := store.GetReport("run-1")
	if err != nil {
		t.Fatalf("Failed to get report: %v", err)
	}
	if retrieved.RunID != report.RunID {
		t.Errorf("RunID: got %q, want %q", retrieved.RunID, report.RunID)
	}
	if retrieved.Status != engine.RunSucceeded {
		t.Errorf("Status: got %q", retrieved.Status)
	}
	if len(retrieved.Results) != 1 {
		t.Fatalf("Results: got %d", len(retrieved.Results))
	}
	if retrieved.Results[0].JobName != "build" {
		t.Errorf("JobName: got %q", retrieved.Results[0].JobName)
	}
}

func TestRunStore_GetMissing(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.GetReport("no-such-run"); err == nil {
		t.Fatal("GetReport of unknown run should fail")
	}
}

func TestRunStore_Latest(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.LatestReport(); err == nil {
		t.Fatal("LatestReport on empty store should fail")
	}

	if err := store.SaveReport(testReport("run-1")); err != nil {
		t.Fatalf("Failed to save report: %v", err)
	}
	if err := store.SaveReport(testReport("run-2")); err != nil {
		t.Fatalf("Failed to save report: %v", err)
	}

	latest, err := store.LatestReport()
	if err != nil {
		t.Fatalf("Failed to get latest report: %v", err)
	}
	if latest.RunID != "run-2" {
		t.Errorf("Latest run: got %q, want run-2", latest.RunID)
	}
}

func TestRunStore_ListRunIDs(t *testing.T) {
	store := setupTestStore(t)

	for _, id := range []string{"run-a", "run-b", "run-c"} {
		if err := store.SaveReport(testReport(id)); err != nil {
			t.Fatalf("Failed to save report: %v", err)
		}
	}

	ids, err := store.ListRunIDs()
	if err != nil {
		t.Fatalf("Failed to list run IDs: %v", err)
	}
	if len(ids) != 3 {
		t.Fatalf("IDs: got %v", ids)
	}
	// bbolt iterates keys in byte order.
	want := []string{"run-a", "run-b", "run-c"}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("IDs[%d]: got %q, want %q", i, ids[i], want[i])
		}
	}
}
