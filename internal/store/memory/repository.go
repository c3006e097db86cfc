// Package memory provides an in-memory run repository for development and
// tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
)

// Repository keeps run history in process memory.
type Repository struct {
	mu      sync.RWMutex
	runs    map[string]store.IngestionRun
	sources map[string][]store.SourceRecord
}

// NewRepository constructs an empty Repository.
func NewRepository() *Repository {
	return &Repository{
		runs:    make(map[string]store.IngestionRun),
		sources: make(map[string][]store.SourceRecord),
	}
}

// CreateRun implements store.Repository.
func (r *Repository) CreateRun(_ context.Context, run store.IngestionRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

// CompleteRun implements store.Repository.
func (r *Repository) CompleteRun(_ context.Context, id string, outcome store.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.runs[id]
	if !ok {
		return store.ErrNotFound
	}
	run.State = outcome.State
	run.TotalSources = outcome.Stats.TotalSources
	run.Succeeded = outcome.Stats.Succeeded
	run.Failed = outcome.Stats.Failed
	run.Skipped = outcome.Stats.Skipped
	run.Error = outcome.Error
	run.FinishedAt = outcome.FinishedAt
	r.runs[id] = run
	return nil
}

// AddSourceRecord implements store.Repository.
func (r *Repository) AddSourceRecord(_ context.Context, rec store.SourceRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[rec.RunID] = append(r.sources[rec.RunID], rec)
	return nil
}

// GetRun implements store.Repository.
func (r *Repository) GetRun(_ context.Context, id string) (store.IngestionRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return store.IngestionRun{}, store.ErrNotFound
	}
	return run, nil
}

// ListSessionRuns implements store.Repository.
func (r *Repository) ListSessionRuns(_ context.Context, sessionID string, limit int) ([]store.IngestionRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []store.IngestionRun
	for _, run := range r.runs {
		if run.SessionID == sessionID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListSourceRecords implements store.Repository.
func (r *Repository) ListSourceRecords(_ context.Context, runID string) ([]store.SourceRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	records := r.sources[runID]
	out := make([]store.SourceRecord, len(records))
	copy(out, records)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
