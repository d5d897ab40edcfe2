package governance

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// storeData is the persisted request-store structure.
type storeData struct {
	Version  int                 `json:"version"`
	Requests map[string]*Request `json:"requests"`
}

// Store keeps governance requests in memory with an optional JSON snapshot
// on disk, so pending approvals survive a daemon restart.
type Store struct {
	mu       sync.RWMutex
	data     *storeData
	filePath string // empty means in-memory only
	logger   *zap.Logger
}

// NewStore creates a request store backed by dir/governance.json when dir
// is non-empty. A corrupt snapshot is logged and replaced, never fatal.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Store{
		data:   &storeData{Version: 1, Requests: make(map[string]*Request)},
		logger: logger,
	}

	if dir == "" {
		return s, nil
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	s.filePath = filepath.Join(dir, "governance.json")

	if err := s.load(); err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("governance snapshot unreadable, starting empty",
				zap.String("path", s.filePath),
				zap.Error(err))
		}
		s.data = &storeData{Version: 1, Requests: make(map[string]*Request)}
	}

	return s, nil
}

// Put inserts or replaces a request.
func (s *Store) Put(req Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := req
	s.data.Requests[req.ID] = &stored
	s.save()
}

// Get returns a copy of the request.
func (s *Store) Get(id string) (Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.data.Requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return *req, nil
}

// List returns copies of all requests, newest first.
func (s *Store) List() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Request, 0, len(s.data.Requests))
	for _, req := range s.data.Requests {
		out = append(out, *req)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// PendingForRun returns the run's pending request, if one exists.
func (s *Store) PendingForRun(runID string) (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, req := range s.data.Requests {
		if req.AuditRunID == runID && req.Decision == DecisionPending {
			return *req, true
		}
	}
	return Request{}, false
}

// Decide resolves a request exactly once. The decision check and the write
// share one critical section, so two racing calls cannot both succeed.
func (s *Store) Decide(id string, approve bool, comment string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.data.Requests[id]
	if !ok {
		return Request{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if req.Decision != DecisionPending {
		return *req, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, id, req.Decision)
	}

	if approve {
		req.Decision = DecisionApproved
	} else {
		req.Decision = DecisionDenied
	}
	req.Comment = comment
	now := time.Now()
	req.DecidedAt = &now

	s.save()
	return *req, nil
}

// MarkEscalated flags a pending request as escalated. Returns false when
// the request is unknown, decided, or already escalated.
func (s *Store) MarkEscalated(id string) (Request, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.data.Requests[id]
	if !ok || req.Decision != DecisionPending || req.Escalated {
		return Request{}, false
	}

	req.Escalated = true
	s.save()
	return *req, true
}

// load reads the snapshot from disk.
func (s *Store) load() error {
	raw, err := os.ReadFile(s.filePath)
	if err != nil {
		return err
	}

	var data storeData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("governance snapshot corrupted: %w", err)
	}
	if data.Requests == nil {
		data.Requests = make(map[string]*Request)
	}

	s.data = &data
	return nil
}

// save writes the snapshot atomically. Called with the lock held.
func (s *Store) save() {
	if s.filePath == "" {
		return
	}

	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		s.logger.Warn("failed to marshal governance snapshot", zap.Error(err))
		return
	}

	tmpPath := s.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0600); err != nil {
		s.logger.Warn("failed to write governance snapshot", zap.Error(err))
		return
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		os.Remove(tmpPath)
		s.logger.Warn("failed to replace governance snapshot", zap.Error(err))
	}
}
