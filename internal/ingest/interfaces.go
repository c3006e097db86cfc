package ingest

import (
	"context"
	"time"
)

// SourceProcessor loads, chunks, embeds, and upserts one source. A non-nil
// error marks the source as failed; the orchestrator continues with the next
// source either way. sessionID scopes the stored chunks.
type SourceProcessor interface {
	Process(ctx context.Context, sessionID string, src Source) (SourceResult, error)
}

// Publisher pushes job completion notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// BlobStore writes raw uploaded artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
