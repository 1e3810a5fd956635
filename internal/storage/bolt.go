// Package storage persists run reports so past runs can be inspected
// after the process exits.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/stagehq/stagectl/internal/engine"
	"github.com/stagehq/stagectl/internal/utils/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// DefaultPath is the default location of the run database.
	DefaultPath = ".stagectl/runs.db"

	// DefaultFileMode is the default file mode for the database file.
	DefaultFileMode = 0o600

	// DefaultTimeout is the default timeout for opening the database.
	DefaultTimeout = 1 * time.Second
)

var (
	runsBucket = []byte("runs")
	metaBucket = []byte("meta")
	latestKey  = []byte("latest")
)

// Options configures the run store.
type Options struct {
	Path     string
	FileMode os.FileMode
	Timeout  time.Duration
}

// RunStore keeps run reports in a bbolt database.
type RunStore struct {
	db      *bolt.DB
	options Options
}

// NewRunStore creates a run store with the given options.
func NewRunStore(opts *Options) *RunStore {
	if opts == nil {
		opts = &Options{}
	}
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultTimeout
	}
	return &RunStore{options: *opts}
}

// Open initializes the database, creating the file and buckets as needed.
func (s *RunStore) Open() error {
	logger.Debug("Opening run database", zap.String("path", s.options.Path))

	if dir := filepath.Dir(s.options.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory for run database: %w", err)
		}
	}

	db, err := bolt.Open(s.options.Path, s.options.FileMode, &bolt.Options{Timeout: s.options.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open run database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(runsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(metaBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("failed to create buckets: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database.
func (s *RunStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveReport stores a run report and marks it as the latest run.
func (s *RunStore) SaveReport(report *engine.Report) error {
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode run report: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(runsBucket).Put([]byte(report.RunID), data); err != nil {
			return err
		}
		return tx.Bucket(metaBucket).Put(latestKey, []byte(report.RunID))
	})
}

// GetReport retrieves a run report by ID.
func (s *RunStore) GetReport(runID string) (*engine.Report, error) {
	var report *engine.Report
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(runsBucket).Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("no run with ID %q", runID)
		}
		report = &engine.Report{}
		return json.Unmarshal(data, report)
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}

// LatestReport retrieves the most recently saved run report.
func (s *RunStore) LatestReport() (*engine.Report, error) {
	var runID string
	err := s.db.View(func(tx *bolt.Tx) error {
		latest := tx.Bucket(metaBucket).Get(latestKey)
		if latest == nil {
			return fmt.Errorf("no runs recorded")
		}
		runID = string(latest)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetReport(runID)
}

// ListRunIDs returns every stored run ID.
func (s *RunStore) ListRunIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(runsBucket).ForEach(func(k, v []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}
