// Package orchestrator runs ingestion jobs and narrates their progress.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
	"github.com/JakeFAU/realtime-rag-ingest/internal/session"
	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
)

const defaultReportEvery = 10

// Job is one submitted ingestion request. BatchSize, when positive, overrides
// the configured checkpoint cadence for this job; it never changes how sources
// are processed.
type Job struct {
	SessionID string          `json:"session_id"`
	Sources   []ingest.Source `json:"sources"`
	BatchSize int             `json:"batch_size"`
}

// Config wires the orchestrator's collaborators. Processor, Registry, Emitter,
// and Runs are required.
type Config struct {
	Processor ingest.SourceProcessor
	Registry  *session.Registry
	Emitter   progress.Emitter
	Runs      store.Repository

	// Publisher, when set, receives one completion notification per job on
	// CompletionTopic.
	Publisher       ingest.Publisher
	CompletionTopic string

	IDs   ingest.IDGenerator
	Clock ingest.Clock

	// ReportEvery controls how often an aggregate log event summarizes the
	// counts so far. It never changes per-source processing.
	ReportEvery int

	// BaseContext parents every job so jobs outlive the submitting request.
	BaseContext context.Context

	Logger *zap.Logger
}

// Orchestrator starts one goroutine per job, isolates per-source failures,
// honors cooperative stop requests at source boundaries, and guarantees a
// single final event per job.
type Orchestrator struct {
	cfg     Config
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// New validates the config and constructs an Orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Processor == nil {
		return nil, fmt.Errorf("processor is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("emitter is required")
	}
	if cfg.Runs == nil {
		return nil, fmt.Errorf("run repository is required")
	}
	if cfg.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("clock is required")
	}
	if cfg.ReportEvery <= 0 {
		cfg.ReportEvery = defaultReportEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	base := cfg.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	return &Orchestrator{
		cfg:     cfg,
		baseCtx: ctx,
		cancel:  cancel,
		logger:  cfg.Logger,
	}, nil
}

// Start validates the job, claims the session, and launches the run
// goroutine. It returns the run id immediately; progress flows through the
// emitter. ingest.ErrJobConflict is returned when the session already owns a
// live job.
func (o *Orchestrator) Start(job Job) (string, error) {
	if err := validate(job); err != nil {
		return "", err
	}
	runID, err := o.cfg.IDs.NewID()
	if err != nil {
		return "", fmt.Errorf("generate run id: %w", err)
	}
	if err := o.cfg.Registry.Begin(job.SessionID); err != nil {
		return "", err
	}

	now := o.cfg.Clock.Now()
	err = o.cfg.Runs.CreateRun(o.baseCtx, store.IngestionRun{
		ID:           runID,
		SessionID:    job.SessionID,
		State:        store.RunRunning,
		TotalSources: len(job.Sources),
		StartedAt:    now,
	})
	if err != nil {
		// The session was claimed; release it so the client can retry.
		o.failFast(job.SessionID, "could not record run", err)
		return "", fmt.Errorf("create run: %w", err)
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.run(runID, job)
	}()
	return runID, nil
}

// Stop requests cooperative cancellation of the session's job. It reports
// whether a live job was flagged; the job observes the flag at the next
// source boundary.
func (o *Orchestrator) Stop(sessionID string) bool {
	return o.cfg.Registry.RequestStop(sessionID)
}

// Shutdown stops accepting the base context and waits for in-flight jobs
// until ctx expires.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func validate(job Job) error {
	if job.SessionID == "" {
		return fmt.Errorf("%w: session_id is required", ingest.ErrInvalidJob)
	}
	if len(job.Sources) == 0 {
		return fmt.Errorf("%w: at least one source is required", ingest.ErrInvalidJob)
	}
	if job.BatchSize < 0 {
		return fmt.Errorf("%w: batch_size must be >= 1", ingest.ErrInvalidJob)
	}
	for i, src := range job.Sources {
		if src.Path == "" {
			return fmt.Errorf("%w: source %d has no path", ingest.ErrInvalidJob, i)
		}
		if src.Type == "" {
			return fmt.Errorf("%w: source %d has no type", ingest.ErrInvalidJob, i)
		}
	}
	return nil
}

// run executes one job. Every exit path emits exactly one final event and
// moves the session to a terminal state.
func (o *Orchestrator) run(runID string, job Job) {
	sid := job.SessionID
	total := len(job.Sources)
	started := o.cfg.Clock.Now()
	log := o.logger.With(zap.String("session_id", sid), zap.String("run_id", runID))

	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked", zap.Any("panic", r))
			o.finish(runID, sid, store.Outcome{
				State:      store.RunFailed,
				Error:      fmt.Sprintf("internal error: %v", r),
				FinishedAt: o.cfg.Clock.Now(),
			}, progress.Failure(sid, "Ingestion failed due to an internal error", fmt.Sprint(r), o.cfg.Clock.Now()))
		}
	}()

	o.emit(progress.Log(sid, fmt.Sprintf("Starting ingestion of %d sources", total), progress.LevelInfo, started))

	reportEvery := o.cfg.ReportEvery
	if job.BatchSize > 0 {
		reportEvery = job.BatchSize
	}

	var stats ingest.JobStats
	stopped := false

	for i, src := range job.Sources {
		if o.cfg.Registry.StopRequested(sid) || o.baseCtx.Err() != nil {
			stopped = true
			stats.Skipped = total - i
			o.skipRemaining(runID, job.Sources[i:], i)
			break
		}

		o.emit(progress.Progress(sid, i+1, total, src.Label(), o.cfg.Clock.Now()))

		res, err := o.cfg.Processor.Process(o.baseCtx, sid, src)
		if err != nil {
			stats.Failed++
			metrics.ObserveSource(string(src.Type), "failed")
			log.Warn("source failed", zap.String("source", src.Label()), zap.Error(err))
			o.emit(progress.Log(sid, fmt.Sprintf("Failed to process %s: %v", src.Label(), err), progress.LevelWarning, o.cfg.Clock.Now()))
			o.record(store.SourceRecord{
				RunID:      runID,
				Position:   i,
				SourceType: src.Type,
				Label:      src.Label(),
				Status:     store.SourceFailed,
				Error:      err.Error(),
			})
		} else {
			stats.Succeeded++
			metrics.ObserveSource(string(src.Type), "succeeded")
			o.emit(progress.Log(sid, fmt.Sprintf("Processed %s: %d documents, %d chunks", src.Label(), res.Documents, res.Chunks), progress.LevelInfo, o.cfg.Clock.Now()))
			o.record(store.SourceRecord{
				RunID:      runID,
				Position:   i,
				SourceType: src.Type,
				Label:      src.Label(),
				Status:     store.SourceSucceeded,
				Documents:  res.Documents,
				Chunks:     res.Chunks,
				Detail:     res.Detail,
				Duration:   res.Duration,
			})
		}

		if done := i + 1; done%reportEvery == 0 && done < total {
			o.emit(progress.Log(sid,
				fmt.Sprintf("Checkpoint: %d/%d sources done (%d ok, %d failed)", done, total, stats.Succeeded, stats.Failed),
				progress.LevelInfo, o.cfg.Clock.Now()))
		}
	}

	finished := o.cfg.Clock.Now()
	stats.TotalSources = stats.Succeeded + stats.Failed
	stats.ProcessingTime = finished.Sub(started).Seconds()

	var final progress.Event
	outcome := store.Outcome{Stats: stats, FinishedAt: finished}
	switch {
	case stopped:
		outcome.State = store.RunStopped
		final = progress.Completion(sid, progress.StatusFailure, "Ingestion stopped by user", &stats, finished)
	case stats.Succeeded == 0:
		outcome.State = store.RunFailed
		outcome.Error = "all sources failed"
		final = progress.Completion(sid, progress.StatusFailure, "Ingestion failed: no sources were processed", &stats, finished)
	default:
		outcome.State = store.RunCompleted
		final = progress.Completion(sid, progress.StatusSuccess,
			fmt.Sprintf("Ingestion complete: %d/%d sources processed", stats.Succeeded, stats.TotalSources), &stats, finished)
	}

	o.finish(runID, sid, outcome, final)
}

// finish persists the outcome, emits the final event, retires the session,
// and notifies the publisher. It is the only place a final event is emitted.
func (o *Orchestrator) finish(runID, sid string, outcome store.Outcome, final progress.Event) {
	terminal := session.StateCompleted
	if outcome.State == store.RunFailed {
		terminal = session.StateFailed
	}
	if err := o.cfg.Registry.Transition(sid, terminal); err != nil {
		o.logger.Error("could not retire session", zap.String("session_id", sid), zap.Error(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.cfg.Runs.CompleteRun(ctx, runID, outcome); err != nil {
		o.logger.Error("could not persist run outcome", zap.String("run_id", runID), zap.Error(err))
	}

	o.emit(final)

	if o.cfg.Publisher != nil && o.cfg.CompletionTopic != "" {
		payload := map[string]any{
			"session_id": sid,
			"run_id":     runID,
			"state":      outcome.State,
			"stats":      outcome.Stats,
		}
		if _, err := o.cfg.Publisher.Publish(ctx, o.cfg.CompletionTopic, payload); err != nil {
			o.logger.Warn("completion publish failed", zap.String("run_id", runID), zap.Error(err))
		}
	}
}

// failFast releases a session claimed by Start when the run never launched.
func (o *Orchestrator) failFast(sid, msg string, err error) {
	o.logger.Error(msg, zap.String("session_id", sid), zap.Error(err))
	if terr := o.cfg.Registry.Transition(sid, session.StateFailed); terr != nil {
		o.logger.Error("could not fail session", zap.String("session_id", sid), zap.Error(terr))
	}
}

func (o *Orchestrator) skipRemaining(runID string, remaining []ingest.Source, offset int) {
	for j, src := range remaining {
		metrics.ObserveSource(string(src.Type), "skipped")
		o.record(store.SourceRecord{
			RunID:      runID,
			Position:   offset + j,
			SourceType: src.Type,
			Label:      src.Label(),
			Status:     store.SourceSkipped,
		})
	}
}

func (o *Orchestrator) record(rec store.SourceRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.cfg.Runs.AddSourceRecord(ctx, rec); err != nil {
		o.logger.Warn("could not persist source record",
			zap.String("run_id", rec.RunID), zap.String("source", rec.Label), zap.Error(err))
	}
}

func (o *Orchestrator) emit(evt progress.Event) {
	o.cfg.Emitter.Emit(evt)
}
