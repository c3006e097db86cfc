package vector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// PostgresConfig controls the pgvector-backed store's pool.
type PostgresConfig struct {
	DSN             string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore implements Store on Postgres with the pgvector extension.
// Cosine distance drives Search ordering.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects a pool with the pgvector codecs registered on
// every connection.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("vector.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse pgvector dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect pgvector store: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

// Close releases the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Upsert implements Store.
func (s *PostgresStore) Upsert(ctx context.Context, chunks []Chunk) error {
	query := `
		INSERT INTO document_chunks (id, session_id, source, content, metadata, embedding)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE
		SET session_id = EXCLUDED.session_id,
		    source = EXCLUDED.source,
		    content = EXCLUDED.content,
		    metadata = EXCLUDED.metadata,
		    embedding = EXCLUDED.embedding;
	`
	batch := &pgx.Batch{}
	for _, c := range chunks {
		meta, err := json.Marshal(c.Metadata)
		if err != nil {
			return fmt.Errorf("marshal chunk metadata: %w", err)
		}
		batch.Queue(query, c.ID, c.SessionID, c.Source, c.Content, meta, pgvector.NewVector(c.Embedding))
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range chunks {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert chunk: %w", err)
		}
	}
	return nil
}

// Search implements Store using cosine distance.
func (s *PostgresStore) Search(ctx context.Context, sessionID string, embedding []float32, limit int) ([]Match, error) {
	if limit <= 0 {
		limit = 10
	}
	query := `
		SELECT id, session_id, source, content, metadata,
		    1 - (embedding <=> $1) AS score
		FROM document_chunks
		WHERE ($2 = '' OR session_id = $2)
		ORDER BY embedding <=> $1
		LIMIT $3;
	`
	rows, err := s.pool.Query(ctx, query, pgvector.NewVector(embedding), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("search chunks: %w", err)
	}
	defer rows.Close()

	var matches []Match
	for rows.Next() {
		var m Match
		var meta []byte
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Source, &m.Content, &meta, &m.Score); err != nil {
			return nil, fmt.Errorf("scan chunk row: %w", err)
		}
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &m.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal chunk metadata: %w", err)
			}
		}
		matches = append(matches, m)
	}
	return matches, rows.Err()
}

// Count implements Store.
func (s *PostgresStore) Count(ctx context.Context, sessionID string) (int, error) {
	query := `SELECT count(*) FROM document_chunks WHERE ($1 = '' OR session_id = $1);`
	var n int
	if err := s.pool.QueryRow(ctx, query, sessionID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count chunks: %w", err)
	}
	return n, nil
}
