package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

// Type denotes the kind of update carried by an Event.
type Type string

// Supported event types on the wire.
const (
	TypeLog      Type = "log"
	TypeProgress Type = "progress"
	TypeComplete Type = "complete"
	TypeError    Type = "error"
)

// Status is the coarse outcome attached to complete and error events.
type Status string

// Supported statuses.
const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Level grades log events for client-side rendering.
type Level string

// Supported log levels.
const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Event is the unit of communication pushed to every client in a session
// room. Within a job at most one event carries Final=true and it is always
// the last one delivered.
type Event struct {
	// SessionID scopes the event to one room.
	SessionID string `json:"session_id"`
	// Type denotes log, progress, complete, or error.
	Type Type `json:"type"`
	// Message is the human-readable update text.
	Message string `json:"message"`
	// Level grades log events; empty on other types.
	Level Level `json:"level,omitempty"`
	// Final is true only on the event that ends the whole job. Complete
	// events with Final=false are informational (one source finished).
	Final bool `json:"final,omitempty"`
	// Status is present on complete/error events.
	Status Status `json:"status,omitempty"`
	// Current/Total/Percentage describe progress through the source list.
	Current    int     `json:"current,omitempty"`
	Total      int     `json:"total,omitempty"`
	Percentage float64 `json:"percentage,omitempty"`
	// CurrentItem names the source being worked on.
	CurrentItem string `json:"current_item,omitempty"`
	// Data carries the optional structured payload, e.g. aggregated stats
	// on the final event.
	Data *Payload `json:"data,omitempty"`
	// Timestamp is recorded by the emitter in UTC.
	Timestamp time.Time `json:"timestamp"`
}

// Payload is the structured attachment of complete/error events.
type Payload struct {
	Stats   *ingest.JobStats `json:"stats,omitempty"`
	Details string           `json:"details,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.SessionID == "" {
		return errors.New("session id is required")
	}
	if e.Timestamp.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Type {
	case TypeLog:
	case TypeProgress:
		if e.Total <= 0 {
			return errors.New("progress requires a positive total")
		}
	case TypeComplete, TypeError:
		if e.Status != StatusSuccess && e.Status != StatusFailure {
			return fmt.Errorf("%s requires a status", e.Type)
		}
	default:
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	if e.Final && e.Type != TypeComplete && e.Type != TypeError {
		return errors.New("only complete/error events may be final")
	}
	return nil
}

// Log builds an informational log event.
func Log(sessionID, message string, level Level, now time.Time) Event {
	if level == "" {
		level = LevelInfo
	}
	return Event{
		SessionID: sessionID,
		Type:      TypeLog,
		Message:   message,
		Level:     level,
		Timestamp: now,
	}
}

// Progress builds a progress event for the current/total position.
func Progress(sessionID string, current, total int, item string, now time.Time) Event {
	pct := 0.0
	if total > 0 {
		pct = float64(current) / float64(total) * 100
	}
	msg := fmt.Sprintf("Progress: %d/%d (%.1f%%)", current, total, pct)
	if item != "" {
		msg = fmt.Sprintf("Processing %d/%d: %s", current, total, item)
	}
	return Event{
		SessionID:   sessionID,
		Type:        TypeProgress,
		Message:     msg,
		Current:     current,
		Total:       total,
		Percentage:  pct,
		CurrentItem: item,
		Timestamp:   now,
	}
}

// Completion builds the single final event that ends a job.
func Completion(sessionID string, status Status, message string, stats *ingest.JobStats, now time.Time) Event {
	evt := Event{
		SessionID: sessionID,
		Type:      TypeComplete,
		Message:   message,
		Final:     true,
		Status:    status,
		Timestamp: now,
	}
	if stats != nil {
		evt.Data = &Payload{Stats: stats}
	}
	return evt
}

// Failure builds a final error event for fatal, job-level failures.
func Failure(sessionID, message, details string, now time.Time) Event {
	evt := Event{
		SessionID: sessionID,
		Type:      TypeError,
		Message:   message,
		Final:     true,
		Status:    StatusFailure,
		Timestamp: now,
	}
	if details != "" {
		evt.Data = &Payload{Details: details}
	}
	return evt
}
