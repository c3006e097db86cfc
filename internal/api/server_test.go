package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-rag-ingest/internal/config"
	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
	"github.com/JakeFAU/realtime-rag-ingest/internal/orchestrator"
	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
	"github.com/JakeFAU/realtime-rag-ingest/internal/session"
	storagememory "github.com/JakeFAU/realtime-rag-ingest/internal/storage/memory"
	storememory "github.com/JakeFAU/realtime-rag-ingest/internal/store/memory"
)

type gatedProcessor struct {
	mu   sync.Mutex
	gate chan struct{}
}

func (p *gatedProcessor) Process(context.Context, string, ingest.Source) (ingest.SourceResult, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return ingest.SourceResult{Documents: 1, Chunks: 2}, nil
}

type nullEmitter struct {
	mu     sync.Mutex
	finals int
}

func (e *nullEmitter) Emit(evt progress.Event) {
	if evt.Final {
		e.mu.Lock()
		e.finals++
		e.mu.Unlock()
	}
}

func (e *nullEmitter) Finals() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finals
}

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (g *seqIDs) NewID() (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	return fmt.Sprintf("run-%03d", g.n), nil
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

type fixture struct {
	server  *Server
	reg     *session.Registry
	runs    *storememory.Repository
	emitter *nullEmitter
	proc    *gatedProcessor
}

func newFixture(t *testing.T, cfg config.Config) *fixture {
	t.Helper()
	if cfg.Server.Port == 0 {
		var err error
		cfg, err = config.Load("")
		require.NoError(t, err)
	}
	proc := &gatedProcessor{}
	reg := session.NewRegistry(session.Config{})
	runs := storememory.NewRepository()
	emitter := &nullEmitter{}
	orch, err := orchestrator.New(orchestrator.Config{
		Processor: proc,
		Registry:  reg,
		Emitter:   emitter,
		Runs:      runs,
		IDs:       &seqIDs{},
		Clock:     realClock{},
	})
	require.NoError(t, err)
	server := NewServer(orch, reg, runs, storagememory.New(), nil, nil, cfg)
	return &fixture{server: server, reg: reg, runs: runs, emitter: emitter, proc: proc}
}

func doJSON(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/readyz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")
}

func TestProcessAccepted(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://example.com"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "sess-1", resp["session_id"])
	require.Equal(t, "started", resp["status"])
	require.NotEmpty(t, resp["run_id"])
}

func TestProcessValidation(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"sources": []map[string]string{{"type": "web", "path": "https://example.com"}},
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
		"batch_size": -5,
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/process", strings.NewReader("{not json"))
	rec2 := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusBadRequest, rec2.Code)
}

func TestProcessConflict(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	f.proc.gate = make(chan struct{})

	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://b"}},
	})
	require.Equal(t, http.StatusConflict, rec.Code)

	close(f.proc.gate)
	require.Eventually(t, func() bool { return f.emitter.Finals() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStop(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	// A session this service has never seen.
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/stop", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/stop", map[string]string{})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	f.proc.gate = make(chan struct{})
	doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/stop", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "stopping")

	close(f.proc.gate)
	require.Eventually(t, func() bool { return f.emitter.Finals() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopAfterCompletionAcknowledges(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})
	require.Eventually(t, func() bool { return f.emitter.Finals() == 1 }, 2*time.Second, 5*time.Millisecond)

	// A stop that races job completion is a no-op, never an error.
	rec := doJSON(t, f.server.Handler(), http.MethodPost, "/api/stop", map[string]string{"session_id": "sess-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "not_running", resp["status"])
	require.Equal(t, "sess-1", resp["session_id"])
}

func TestStatusFallback(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")

	// Unknown sessions read as ready, not as an error.
	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/api/status?session_id=ghost", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "ready")

	f.proc.gate = make(chan struct{})
	doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/api/status?session_id=sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "processing")

	close(f.proc.gate)
	require.Eventually(t, func() bool {
		rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/status?session_id=sess-1", nil)
		return strings.Contains(rec.Body.String(), `"status":"ready"`)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestGetSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/sessions/ghost", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	f.reg.GetOrCreate("sess-1")
	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/api/sessions/sess-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "idle")
}

func TestListRuns(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})
	require.Eventually(t, func() bool { return f.emitter.Finals() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/sessions/sess-1/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Runs []runResponse `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Runs, 1)
	require.Equal(t, "completed", resp.Runs[0].State)
	require.Equal(t, 1, resp.Runs[0].Succeeded)
}

func TestListRunSources(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/runs/ghost/sources", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, f.server.Handler(), http.MethodPost, "/api/process", map[string]any{
		"session_id": "sess-1",
		"sources":    []map[string]string{{"type": "web", "path": "https://a"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var started map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))
	require.Eventually(t, func() bool { return f.emitter.Finals() == 1 }, 2*time.Second, 5*time.Millisecond)

	rec = doJSON(t, f.server.Handler(), http.MethodGet, "/api/runs/"+started["run_id"]+"/sources", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Sources []sourceResponse `json:"sources"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Sources, 1)
	require.Equal(t, "succeeded", resp.Sources[0].Status)
	require.Equal(t, 2, resp.Sources[0].Chunks)
}

func multipartUpload(t *testing.T, sessionID, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("session_id", sessionID))
	fw, err := mw.CreateFormFile("file", filename)
	require.NoError(t, err)
	_, err = fw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	body, contentType := multipartUpload(t, "sess-1", "data.csv", "a,b\n1,2\n")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "sess-1/data.csv", resp["path"])
	require.Equal(t, "csv", resp["type"])
	require.NotEmpty(t, resp["uri"])
}

func TestUploadRejectsUnknownExtension(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	body, contentType := multipartUpload(t, "sess-1", "malware.exe", "mz")
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
}

func TestUploadRequiresSession(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "data.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte("a\n1\n"))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	t.Parallel()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Auth.Enabled = true
	cfg.Auth.APIKey = "secret"
	f := newFixture(t, cfg)

	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/api/status", nil)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	req.Header.Set("X-API-Key", "secret")
	rec2 := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec2, req)
	require.Equal(t, http.StatusOK, rec2.Code)

	// Query parameter works for browser websocket clients.
	req = httptest.NewRequest(http.MethodGet, "/api/status?api_key=secret", nil)
	rec3 := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec3, req)
	require.Equal(t, http.StatusOK, rec3.Code)
}

func TestRequestIDHeader(t *testing.T) {
	t.Parallel()

	f := newFixture(t, config.Config{})
	rec := doJSON(t, f.server.Handler(), http.MethodGet, "/healthz", nil)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}
