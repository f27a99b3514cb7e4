package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"xtalsearch/internal/model"
)

type MemoryStore struct {
	mu          sync.RWMutex
	initialized bool
	runs        map[string]model.RunRecord
	snapshots   map[string]model.PopulationSnapshot
	summaries   map[string]map[int]model.GenerationSummary
	lineage     map[string][]model.LineageRecord
	lineageIdx  map[string]map[string]int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Init(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return nil
	}
	s.initialized = true
	s.runs = make(map[string]model.RunRecord)
	s.snapshots = make(map[string]model.PopulationSnapshot)
	s.summaries = make(map[string]map[int]model.GenerationSummary)
	s.lineage = make(map[string][]model.LineageRecord)
	s.lineageIdx = make(map[string]map[string]int)
	return nil
}

var errNotInitialized = errors.New("store is not initialized")

func (s *MemoryStore) SaveRun(_ context.Context, run model.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	s.runs[run.RunID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, runID string) (model.RunRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context) ([]model.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := make([]model.RunRecord, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	sortRuns(runs)
	return runs, nil
}

// sortRuns orders runs newest first.
func sortRuns(runs []model.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAtUTC != runs[j].CreatedAtUTC {
			return runs[i].CreatedAtUTC > runs[j].CreatedAtUTC
		}
		return runs[i].RunID < runs[j].RunID
	})
}

func (s *MemoryStore) SaveSnapshot(_ context.Context, snapshot model.PopulationSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	snapshot.BestHistory = append([]float64(nil), snapshot.BestHistory...)
	snapshot.Candidates = append([]model.CandidateRecord(nil), snapshot.Candidates...)
	s.snapshots[snapshot.RunID] = snapshot
	return nil
}

func (s *MemoryStore) GetSnapshot(_ context.Context, runID string) (model.PopulationSnapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot, ok := s.snapshots[runID]
	if !ok {
		return model.PopulationSnapshot{}, false, nil
	}
	snapshot.BestHistory = append([]float64(nil), snapshot.BestHistory...)
	snapshot.Candidates = append([]model.CandidateRecord(nil), snapshot.Candidates...)
	return snapshot, true, nil
}

func (s *MemoryStore) SaveGenerationSummary(_ context.Context, summary model.GenerationSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	byGeneration, ok := s.summaries[summary.RunID]
	if !ok {
		byGeneration = make(map[int]model.GenerationSummary)
		s.summaries[summary.RunID] = byGeneration
	}
	byGeneration[summary.Generation] = summary
	return nil
}

func (s *MemoryStore) GetGenerationSummaries(_ context.Context, runID string) ([]model.GenerationSummary, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byGeneration, ok := s.summaries[runID]
	if !ok {
		return nil, false, nil
	}
	out := make([]model.GenerationSummary, 0, len(byGeneration))
	for _, summary := range byGeneration {
		out = append(out, summary)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, true, nil
}

// AppendLineage adds records in order; a record whose candidate is already
// known replaces the earlier one in place.
func (s *MemoryStore) AppendLineage(_ context.Context, runID string, lineage []model.LineageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return errNotInitialized
	}

	idx, ok := s.lineageIdx[runID]
	if !ok {
		idx = make(map[string]int)
		s.lineageIdx[runID] = idx
	}
	for _, record := range lineage {
		if pos, ok := idx[record.CandidateID]; ok {
			s.lineage[runID][pos] = record
			continue
		}
		idx[record.CandidateID] = len(s.lineage[runID])
		s.lineage[runID] = append(s.lineage[runID], record)
	}
	return nil
}

func (s *MemoryStore) GetLineage(_ context.Context, runID string) ([]model.LineageRecord, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lineage, ok := s.lineage[runID]
	if !ok {
		return nil, false, nil
	}
	return append([]model.LineageRecord(nil), lineage...), true, nil
}
