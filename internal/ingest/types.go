// Package ingest defines core types shared across subsystems.
package ingest

import "time"

// SourceType enumerates the kinds of documents the pipeline can load.
type SourceType string

// Supported source types. Unknown types are rejected per source, not per job.
const (
	SourceWeb    SourceType = "web"
	SourceGitHub SourceType = "github"
	SourcePDF    SourceType = "pdf"
	SourceCSV    SourceType = "csv"
)

// Source describes one ingestion unit. It is immutable once submitted as part
// of a job; Metadata is passed through to the loader untouched.
type Source struct {
	Type     SourceType        `json:"type"`
	Path     string            `json:"path"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Label returns the human-facing identifier used in progress messages.
func (s Source) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Path
}

// JobStats aggregates per-job counters reported on the final progress event.
type JobStats struct {
	TotalSources   int     `json:"total_sources"`
	Succeeded      int     `json:"succeeded"`
	Failed         int     `json:"failed"`
	Skipped        int     `json:"skipped"`
	ProcessingTime float64 `json:"processing_time"`
}

// SourceResult is the outcome reported by a SourceProcessor for one source.
type SourceResult struct {
	Documents int
	Chunks    int
	Detail    string
	Duration  time.Duration
}
