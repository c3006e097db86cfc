// Package postgres provides the Postgres-backed run repository.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Repository implements store.Repository on Postgres.
type Repository struct {
	pool pool
}

// NewRepository connects a pool using the provided config.
func NewRepository(ctx context.Context, cfg Config) (*Repository, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Repository{pool: p}, nil
}

// NewRepositoryWithPool constructs a Repository from an existing pool
// (primarily for testing).
func NewRepositoryWithPool(p pool) (*Repository, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Repository{pool: p}, nil
}

// Close releases the underlying pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// CreateRun implements store.Repository.
func (r *Repository) CreateRun(ctx context.Context, run store.IngestionRun) error {
	query := `
		INSERT INTO ingestion_runs (id, session_id, state, total_sources, started_at)
		VALUES ($1, $2, $3, $4, $5);
	`
	_, err := r.pool.Exec(ctx, query, run.ID, run.SessionID, run.State, run.TotalSources, run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

// CompleteRun implements store.Repository.
func (r *Repository) CompleteRun(ctx context.Context, id string, outcome store.Outcome) error {
	query := `
		UPDATE ingestion_runs
		SET state = $1, total_sources = $2, succeeded = $3, failed = $4,
		    skipped = $5, error_message = $6, finished_at = $7
		WHERE id = $8;
	`
	tag, err := r.pool.Exec(ctx, query,
		outcome.State,
		outcome.Stats.TotalSources,
		outcome.Stats.Succeeded,
		outcome.Stats.Failed,
		outcome.Stats.Skipped,
		outcome.Error,
		outcome.FinishedAt,
		id,
	)
	if err != nil {
		return fmt.Errorf("complete ingestion run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// AddSourceRecord implements store.Repository.
func (r *Repository) AddSourceRecord(ctx context.Context, rec store.SourceRecord) error {
	query := `
		INSERT INTO run_sources (run_id, position, source_type, label, status,
		    documents, chunks, detail, duration_ms, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
	`
	_, err := r.pool.Exec(ctx, query,
		rec.RunID,
		rec.Position,
		rec.SourceType,
		rec.Label,
		rec.Status,
		rec.Documents,
		rec.Chunks,
		rec.Detail,
		rec.Duration.Milliseconds(),
		rec.Error,
	)
	if err != nil {
		return fmt.Errorf("insert source record: %w", err)
	}
	return nil
}

// GetRun implements store.Repository.
func (r *Repository) GetRun(ctx context.Context, id string) (store.IngestionRun, error) {
	query := `
		SELECT id, session_id, state, total_sources, succeeded, failed, skipped,
		    COALESCE(error_message, ''), started_at, COALESCE(finished_at, 'epoch'::timestamptz)
		FROM ingestion_runs
		WHERE id = $1;
	`
	var run store.IngestionRun
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&run.ID,
		&run.SessionID,
		&run.State,
		&run.TotalSources,
		&run.Succeeded,
		&run.Failed,
		&run.Skipped,
		&run.Error,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.IngestionRun{}, store.ErrNotFound
		}
		return store.IngestionRun{}, fmt.Errorf("get ingestion run: %w", err)
	}
	return run, nil
}

// ListSessionRuns implements store.Repository.
func (r *Repository) ListSessionRuns(ctx context.Context, sessionID string, limit int) ([]store.IngestionRun, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, session_id, state, total_sources, succeeded, failed, skipped,
		    COALESCE(error_message, ''), started_at, COALESCE(finished_at, 'epoch'::timestamptz)
		FROM ingestion_runs
		WHERE session_id = $1
		ORDER BY started_at DESC
		LIMIT $2;
	`
	rows, err := r.pool.Query(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("list session runs: %w", err)
	}
	defer rows.Close()

	var runs []store.IngestionRun
	for rows.Next() {
		var run store.IngestionRun
		err := rows.Scan(
			&run.ID,
			&run.SessionID,
			&run.State,
			&run.TotalSources,
			&run.Succeeded,
			&run.Failed,
			&run.Skipped,
			&run.Error,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListSourceRecords implements store.Repository.
func (r *Repository) ListSourceRecords(ctx context.Context, runID string) ([]store.SourceRecord, error) {
	query := `
		SELECT run_id, position, source_type, label, status, documents, chunks,
		    COALESCE(detail, ''), duration_ms, COALESCE(error_message, '')
		FROM run_sources
		WHERE run_id = $1
		ORDER BY position ASC;
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list source records: %w", err)
	}
	defer rows.Close()

	var records []store.SourceRecord
	for rows.Next() {
		var rec store.SourceRecord
		var durationMS int64
		err := rows.Scan(
			&rec.RunID,
			&rec.Position,
			&rec.SourceType,
			&rec.Label,
			&rec.Status,
			&rec.Documents,
			&rec.Chunks,
			&rec.Detail,
			&durationMS,
			&rec.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("scan source row: %w", err)
		}
		rec.Duration = time.Duration(durationMS) * time.Millisecond
		records = append(records, rec)
	}
	return records, rows.Err()
}
