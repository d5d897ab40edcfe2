package orchestrator

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// storeData is the persisted run-store structure.
type storeData struct {
	Version int                  `json:"version"`
	Runs    map[string]*AuditRun `json:"runs"`
}

// Store keeps AuditRun records in memory with an optional JSON snapshot on
// disk. Every mutation goes through Update so the snapshot stays current.
type Store struct {
	mu       sync.RWMutex
	data     *storeData
	filePath string // empty means in-memory only
	logger   *zap.Logger
}

// NewStore creates a run store. When dir is non-empty the store persists
// to dir/runs.json and loads any existing snapshot; a corrupt snapshot is
// logged and replaced with an empty store, never a startup failure.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		data:   &storeData{Version: 1, Runs: make(map[string]*AuditRun)},
		logger: logger,
	}

	if dir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s.filePath = filepath.Join(dir, "runs.json")

	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("run snapshot unreadable, starting empty",
				zap.String("path", s.filePath),
				zap.Error(err))
		}
		s.data = &storeData{Version: 1, Runs: make(map[string]*AuditRun)}
	}

	return s, nil
}

// Put inserts or replaces a run record.
func (s *Store) Put(run AuditRun) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := run.Clone()
	s.data.Runs[run.ID] = &stored
	s.save()
}

// Get returns a copy of the run.
func (s *Store) Get(id string) (AuditRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.data.Runs[id]
	if !ok {
		return AuditRun{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return run.Clone(), nil
}

// Update applies fn to the run under the store lock, persists the result
// and returns a copy. fn sees and mutates the stored record directly.
func (s *Store) Update(id string, fn func(*AuditRun)) (AuditRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.data.Runs[id]
	if !ok {
		return AuditRun{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	fn(run)
	s.save()
	return run.Clone(), nil
}

// List returns copies of all runs, newest first.
func (s *Store) List() []AuditRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]AuditRun, 0, len(s.data.Runs))
	for _, run := range s.data.Runs {
		out = append(out, run.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// load reads the snapshot from disk.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("run snapshot corrupted: %w", err)
	}
	if data.Runs == nil {
		data.Runs = make(map[string]*AuditRun)
	}

	s.data = &data
	return nil
}

// save writes the snapshot atomically. Called with the lock held; a write
// failure is logged, the in-memory state stays authoritative.
func (s *Store) save() {
	if s.filePath == "" {
		return
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal run snapshot", zap.Error(err))
		return
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		s.logger.Warn("failed to write run snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("failed to replace run snapshot", zap.Error(err))
	}
}
