// Package vector stores embedded document chunks and serves similarity
// queries.
package vector

import "context"

// Chunk is one embedded slice of a source document.
type Chunk struct {
	ID        string
	SessionID string
	Source    string
	Content   string
	Metadata  map[string]string
	Embedding []float32
}

// Match is a search hit with its cosine similarity score.
type Match struct {
	Chunk
	Score float32
}

// Store persists chunks. Upserting a chunk id twice replaces the earlier row.
type Store interface {
	Upsert(ctx context.Context, chunks []Chunk) error
	Search(ctx context.Context, sessionID string, embedding []float32, limit int) ([]Match, error)
	Count(ctx context.Context, sessionID string) (int, error)
}
