package testorder

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/labforge/labmesh/internal/shared/db"
)

var ErrRunNotFound = errors.New("run not found")

// Store persists runs and their per-sample results. Counts are recomputed
// from the result rows on every transition check rather than kept as
// in-memory counters, so the decision always reflects the durable facts.
type Store interface {
	CreateRun(ctx context.Context, q db.Querier, run Run) (Run, error)
	GetRun(ctx context.Context, q db.Querier, runID string) (Run, error)

	// RecordSampleResult upserts by (run_id, sample_id); a repeated outcome
	// for the same sample overwrites instead of double-counting.
	RecordSampleResult(ctx context.Context, q db.Querier, res SampleResult) error

	CountResults(ctx context.Context, q db.Querier, runID string) (success, fail int, err error)

	// CloseRun moves a RUNNING run to a terminal status. Returns false when
	// the run was already terminal, so the transition fires exactly once.
	CloseRun(ctx context.Context, q db.Querier, runID string, to RunStatus) (bool, error)
}

type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	runs    map[string]*Run
	results map[string]map[string]bool // runID -> sampleID -> success
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:    make(map[string]*Run),
		results: make(map[string]map[string]bool),
	}
}

func (s *MemoryStore) CreateRun(ctx context.Context, _ db.Querier, run Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.Status == "" {
		run.Status = RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	cp := run
	s.runs[run.ID] = &cp
	return run, nil
}

func (s *MemoryStore) GetRun(ctx context.Context, _ db.Querier, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return Run{}, ErrRunNotFound
	}
	return *r, nil
}

func (s *MemoryStore) RecordSampleResult(ctx context.Context, _ db.Querier, res SampleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.runs[res.RunID]; !ok {
		return ErrRunNotFound
	}
	m, ok := s.results[res.RunID]
	if !ok {
		m = make(map[string]bool)
		s.results[res.RunID] = m
	}
	m[res.SampleID] = res.Success
	s.nextID++
	return nil
}

func (s *MemoryStore) CountResults(ctx context.Context, _ db.Querier, runID string) (int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var success, fail int
	for _, ok := range s.results[runID] {
		if ok {
			success++
		} else {
			fail++
		}
	}
	return success, fail, nil
}

func (s *MemoryStore) CloseRun(ctx context.Context, _ db.Querier, runID string, to RunStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runs[runID]
	if !ok {
		return false, ErrRunNotFound
	}
	if r.Status != RunRunning {
		return false, nil
	}
	now := time.Now().UTC()
	r.Status = to
	r.CompletedAt = &now
	return true, nil
}

var _ Store = (*MemoryStore)(nil)
