// Package store persists the history of ingestion runs and their per-source
// outcomes.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// RunState is the persisted lifecycle of one run.
type RunState string

// Run states. A stopped run finished early because a client requested it.
const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunFailed    RunState = "failed"
	RunStopped   RunState = "stopped"
)

// SourceStatus is the persisted per-source outcome.
type SourceStatus string

// Source outcomes.
const (
	SourceSucceeded SourceStatus = "succeeded"
	SourceFailed    SourceStatus = "failed"
	SourceSkipped   SourceStatus = "skipped"
)

// IngestionRun is one job execution for a session.
type IngestionRun struct {
	ID           string
	SessionID    string
	State        RunState
	TotalSources int
	Succeeded    int
	Failed       int
	Skipped      int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// SourceRecord is the outcome of one source within a run.
type SourceRecord struct {
	RunID      string
	Position   int
	SourceType ingest.SourceType
	Label      string
	Status     SourceStatus
	Documents  int
	Chunks     int
	Detail     string
	Duration   time.Duration
	Error      string
}

// Outcome closes out a run.
type Outcome struct {
	State      RunState
	Stats      ingest.JobStats
	Error      string
	FinishedAt time.Time
}

// Repository stores run history. Implementations must be safe for concurrent
// use.
type Repository interface {
	// CreateRun records a new run in the running state.
	CreateRun(ctx context.Context, run IngestionRun) error
	// CompleteRun finalizes a run. ErrNotFound when the run id is unknown.
	CompleteRun(ctx context.Context, id string, outcome Outcome) error
	// AddSourceRecord appends one source outcome to a run.
	AddSourceRecord(ctx context.Context, rec SourceRecord) error
	// GetRun fetches a run by id. ErrNotFound when absent.
	GetRun(ctx context.Context, id string) (IngestionRun, error)
	// ListSessionRuns returns a session's runs, newest first.
	ListSessionRuns(ctx context.Context, sessionID string, limit int) ([]IngestionRun, error)
	// ListSourceRecords returns a run's source outcomes in position order.
	ListSourceRecords(ctx context.Context, runID string) ([]SourceRecord, error)
}
