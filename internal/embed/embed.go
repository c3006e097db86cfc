// Package embed produces vector embeddings for document chunks.
package embed

import "context"

// Embedder turns text chunks into vectors. Implementations batch internally
// where the backend allows it.
type Embedder interface {
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}
