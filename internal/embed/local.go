package embed

import (
	"context"
	"hash/fnv"
	"math"
)

// LocalEmbedder is a deterministic, dependency-free embedder for development
// and tests. Vectors are derived from token hashes and normalized to unit
// length so cosine distance behaves sensibly.
type LocalEmbedder struct {
	dims int
}

// NewLocalEmbedder constructs an embedder producing dims-wide vectors.
func NewLocalEmbedder(dims int) *LocalEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &LocalEmbedder{dims: dims}
}

// EmbedDocuments implements Embedder.
func (e *LocalEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.embed(text)
	}
	return out, nil
}

func (e *LocalEmbedder) embed(text string) []float32 {
	vec := make([]float32, e.dims)
	start := 0
	for pos := 0; pos <= len(text); pos++ {
		if pos != len(text) && text[pos] != ' ' && text[pos] != '\n' && text[pos] != '\t' {
			continue
		}
		if pos > start {
			h := fnv.New32a()
			h.Write([]byte(text[start:pos]))
			vec[h.Sum32()%uint32(e.dims)]++
		}
		start = pos + 1
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}
