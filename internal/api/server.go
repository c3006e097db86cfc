// Package api exposes the HTTP interface for the ingestion service.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/config"
	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/metrics"
	"github.com/JakeFAU/realtime-rag-ingest/internal/orchestrator"
	"github.com/JakeFAU/realtime-rag-ingest/internal/session"
	"github.com/JakeFAU/realtime-rag-ingest/internal/store"
)

// Server wires HTTP handlers to the orchestrator, registry, and stores.
type Server struct {
	router    chi.Router
	orch      *orchestrator.Orchestrator
	registry  *session.Registry
	runs      store.Repository
	blobs     ingest.BlobStore
	wsHandler http.Handler
	logger    *zap.Logger
	cfg       config.Config
}

// NewServer constructs a Server with middleware and routes. wsHandler serves
// the websocket upgrade and is mounted outside the timeout middleware, which
// cannot hijack connections.
func NewServer(
	orch *orchestrator.Orchestrator,
	registry *session.Registry,
	runs store.Repository,
	blobs ingest.BlobStore,
	wsHandler http.Handler,
	logger *zap.Logger,
	cfg config.Config,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:      orch,
		registry:  registry,
		runs:      runs,
		blobs:     blobs,
		wsHandler: wsHandler,
		logger:    logger,
		cfg:       cfg,
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	if wsHandler != nil {
		r.Get("/ws", wsHandler.ServeHTTP)
	}

	r.Group(func(r chi.Router) {
		r.Use(timeoutMiddleware(cfg.RequestTimeout()))
		r.Route("/api", func(r chi.Router) {
			r.Post("/process", s.process)
			r.Post("/stop", s.stop)
			r.Get("/status", s.status)
			r.Post("/upload", s.upload)
			r.Route("/sessions/{session_id}", func(r chi.Router) {
				r.Get("/", s.getSession)
				r.Get("/runs", s.listRuns)
			})
			r.Get("/runs/{run_id}/sources", s.listRunSources)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type processRequest struct {
	SessionID string          `json:"session_id"`
	Sources   []ingest.Source `json:"sources"`
	BatchSize int             `json:"batch_size"`
}

func (s *Server) process(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	runID, err := s.orch.Start(orchestrator.Job{
		SessionID: req.SessionID,
		Sources:   req.Sources,
		BatchSize: req.BatchSize,
	})
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrInvalidJob):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, ingest.ErrJobConflict):
			writeError(w, http.StatusConflict, "session already has a job in progress")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": req.SessionID,
		"run_id":     runID,
		"status":     "started",
	})
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) stop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	if !s.orch.Stop(req.SessionID) {
		// Stopping a finished job is a no-op, not an error; only a session
		// this service has never seen is a 404.
		if _, ok := s.registry.Get(req.SessionID); !ok {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": req.SessionID,
			"status":     "not_running",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"status":     "stopping",
	})
}

// status is the polling fallback for clients without a live socket. Without
// a session_id it reports service readiness; with one it reports whether the
// session's job is still running.
func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	snap, ok := s.registry.Get(sessionID)
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"session_id": sessionID,
			"status":     "ready",
		})
		return
	}
	status := "ready"
	if snap.State.Active() {
		status = "processing"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"status":     status,
		"state":      snap.State,
	})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	snap, ok := s.registry.Get(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")
	runs, err := s.runs.ListSessionRuns(r.Context(), sessionID, 50)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"runs":       runsPayload(runs),
	})
}

type runResponse struct {
	ID           string `json:"run_id"`
	State        string `json:"state"`
	TotalSources int    `json:"total_sources"`
	Succeeded    int    `json:"succeeded"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	Error        string `json:"error,omitempty"`
	StartedAt    string `json:"started_at"`
	FinishedAt   string `json:"finished_at,omitempty"`
}

func runsPayload(runs []store.IngestionRun) []runResponse {
	out := make([]runResponse, len(runs))
	for i, run := range runs {
		resp := runResponse{
			ID:           run.ID,
			State:        string(run.State),
			TotalSources: run.TotalSources,
			Succeeded:    run.Succeeded,
			Failed:       run.Failed,
			Skipped:      run.Skipped,
			Error:        run.Error,
			StartedAt:    run.StartedAt.Format(time.RFC3339),
		}
		if !run.FinishedAt.IsZero() && run.FinishedAt.Unix() != 0 {
			resp.FinishedAt = run.FinishedAt.Format(time.RFC3339)
		}
		out[i] = resp
	}
	return out
}

type sourceResponse struct {
	Position   int    `json:"position"`
	SourceType string `json:"type"`
	Label      string `json:"label"`
	Status     string `json:"status"`
	Documents  int    `json:"documents,omitempty"`
	Chunks     int    `json:"chunks,omitempty"`
	Detail     string `json:"detail,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Server) listRunSources(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if _, err := s.runs.GetRun(r.Context(), runID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	records, err := s.runs.ListSourceRecords(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list sources")
		return
	}
	out := make([]sourceResponse, len(records))
	for i, rec := range records {
		out[i] = sourceResponse{
			Position:   rec.Position,
			SourceType: string(rec.SourceType),
			Label:      rec.Label,
			Status:     string(rec.Status),
			Documents:  rec.Documents,
			Chunks:     rec.Chunks,
			Detail:     rec.Detail,
			DurationMS: rec.Duration.Milliseconds(),
			Error:      rec.Error,
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  runID,
		"sources": out,
	})
}

// upload accepts one multipart file and stages it for a later job. The
// returned path is what a pdf/csv source's path field should carry.
func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	if s.blobs == nil {
		writeError(w, http.StatusNotImplemented, "uploads are not configured")
		return
	}
	maxBytes := int64(s.cfg.Uploads.MaxSizeMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	sessionID := r.FormValue("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	name := path.Base(header.Filename)
	sourceType, ok := uploadSourceType(name)
	if !ok {
		writeError(w, http.StatusUnsupportedMediaType, "only pdf and csv uploads are supported")
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read upload")
		return
	}

	storedPath := sessionID + "/" + name
	uri, err := s.blobs.PutObject(r.Context(), storedPath, header.Header.Get("Content-Type"), data)
	if err != nil {
		s.logger.Error("upload store failed", zap.String("path", storedPath), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not store upload")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"session_id": sessionID,
		"path":       storedPath,
		"uri":        uri,
		"type":       string(sourceType),
	})
}

func uploadSourceType(name string) (ingest.SourceType, bool) {
	switch strings.ToLower(path.Ext(name)) {
	case ".pdf":
		return ingest.SourcePDF, true
	case ".csv":
		return ingest.SourceCSV, true
	default:
		return "", false
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			duration := time.Since(start)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
			metrics.ObserveHTTPRequest(r.Method, r.URL.Path, ww.status, duration)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("panic", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
