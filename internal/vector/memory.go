package vector

import (
	"context"
	"math"
	"sort"
	"sync"
)

// MemoryStore keeps chunks in process memory. Search is a linear scan with
// cosine similarity, fine for development corpora.
type MemoryStore struct {
	mu     sync.RWMutex
	chunks map[string]Chunk
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{chunks: make(map[string]Chunk)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, chunks []Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.chunks[c.ID] = c
	}
	return nil
}

// Search implements Store.
func (s *MemoryStore) Search(_ context.Context, sessionID string, embedding []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matches []Match
	for _, c := range s.chunks {
		if sessionID != "" && c.SessionID != sessionID {
			continue
		}
		matches = append(matches, Match{Chunk: c, Score: cosine(embedding, c.Embedding)})
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Count implements Store.
func (s *MemoryStore) Count(_ context.Context, sessionID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sessionID == "" {
		return len(s.chunks), nil
	}
	n := 0
	for _, c := range s.chunks {
		if c.SessionID == sessionID {
			n++
		}
	}
	return n, nil
}

func cosine(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}
