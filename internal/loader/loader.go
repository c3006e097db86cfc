// Package loader turns sources into embedded, stored document chunks.
package loader

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/embed"
	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/vector"
)

// Document is one loaded text unit before chunking.
type Document struct {
	Content  string
	Metadata map[string]string
}

// Loader fetches raw documents for one source type.
type Loader interface {
	Load(ctx context.Context, src ingest.Source) ([]Document, error)
}

// Chunker splits document text into overlapping chunks.
type Chunker interface {
	Split(text string) ([]string, error)
}

// Processor implements ingest.SourceProcessor: load, chunk, embed, upsert.
type Processor struct {
	loaders  map[ingest.SourceType]Loader
	chunker  Chunker
	embedder embed.Embedder
	store    vector.Store
	ids      ingest.IDGenerator
	logger   *zap.Logger
}

// ProcessorConfig wires the pipeline stages. Chunker, Embedder, Store, and
// IDs are required; loaders are registered per source type.
type ProcessorConfig struct {
	Chunker  Chunker
	Embedder embed.Embedder
	Store    vector.Store
	IDs      ingest.IDGenerator
	Logger   *zap.Logger
}

// NewProcessor validates the config and builds a Processor with no loaders
// registered.
func NewProcessor(cfg ProcessorConfig) (*Processor, error) {
	if cfg.Chunker == nil {
		return nil, fmt.Errorf("chunker is required")
	}
	if cfg.Embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("vector store is required")
	}
	if cfg.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Processor{
		loaders:  make(map[ingest.SourceType]Loader),
		chunker:  cfg.Chunker,
		embedder: cfg.Embedder,
		store:    cfg.Store,
		ids:      cfg.IDs,
		logger:   cfg.Logger,
	}, nil
}

// Register attaches a loader to a source type, replacing any previous one.
func (p *Processor) Register(t ingest.SourceType, l Loader) {
	p.loaders[t] = l
}

// Process implements ingest.SourceProcessor.
func (p *Processor) Process(ctx context.Context, sessionID string, src ingest.Source) (ingest.SourceResult, error) {
	start := time.Now()

	l, ok := p.loaders[src.Type]
	if !ok {
		return ingest.SourceResult{}, fmt.Errorf("unsupported source type %q", src.Type)
	}

	docs, err := l.Load(ctx, src)
	if err != nil {
		return ingest.SourceResult{}, fmt.Errorf("load %s: %w", src.Label(), err)
	}
	if len(docs) == 0 {
		return ingest.SourceResult{}, fmt.Errorf("source %s yielded no documents", src.Label())
	}

	var (
		texts []string
		metas []map[string]string
	)
	for _, doc := range docs {
		pieces, err := p.chunker.Split(doc.Content)
		if err != nil {
			return ingest.SourceResult{}, fmt.Errorf("chunk %s: %w", src.Label(), err)
		}
		for i, piece := range pieces {
			if piece == "" {
				continue
			}
			meta := mergeMetadata(src.Metadata, doc.Metadata)
			meta["chunk"] = fmt.Sprintf("%d", i)
			texts = append(texts, piece)
			metas = append(metas, meta)
		}
	}
	if len(texts) == 0 {
		return ingest.SourceResult{}, fmt.Errorf("source %s yielded no chunks", src.Label())
	}

	vecs, err := p.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return ingest.SourceResult{}, fmt.Errorf("embed %s: %w", src.Label(), err)
	}
	if len(vecs) != len(texts) {
		return ingest.SourceResult{}, fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(texts))
	}

	chunks := make([]vector.Chunk, len(texts))
	for i := range texts {
		id, err := p.ids.NewID()
		if err != nil {
			return ingest.SourceResult{}, fmt.Errorf("generate chunk id: %w", err)
		}
		chunks[i] = vector.Chunk{
			ID:        id,
			SessionID: sessionID,
			Source:    src.Label(),
			Content:   texts[i],
			Metadata:  metas[i],
			Embedding: vecs[i],
		}
	}
	if err := p.store.Upsert(ctx, chunks); err != nil {
		return ingest.SourceResult{}, fmt.Errorf("store %s: %w", src.Label(), err)
	}

	p.logger.Debug("source processed",
		zap.String("source", src.Label()),
		zap.Int("documents", len(docs)),
		zap.Int("chunks", len(chunks)),
	)
	return ingest.SourceResult{
		Documents: len(docs),
		Chunks:    len(chunks),
		Detail:    fmt.Sprintf("%d documents, %d chunks", len(docs), len(chunks)),
		Duration:  time.Since(start),
	}, nil
}

func mergeMetadata(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra)+1)
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
