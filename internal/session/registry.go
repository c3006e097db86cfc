package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/ingest"
)

// ErrStillProcessing is returned by Evict for sessions that own a live job.
var ErrStillProcessing = errors.New("session still processing")

const (
	defaultRetention       = 30 * time.Minute
	defaultJanitorInterval = 5 * time.Minute
)

// Snapshot is a point-in-time copy of one session's state.
type Snapshot struct {
	ID            string    `json:"session_id"`
	State         State     `json:"state"`
	StopRequested bool      `json:"stop_requested"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// entry is the mutable per-session record. Each entry carries its own lock so
// sessions advance independently; the registry lock only guards the map.
type entry struct {
	mu            sync.Mutex
	id            string
	state         State
	stopRequested bool
	createdAt     time.Time
	updatedAt     time.Time
}

// Registry is the single source of truth mapping session IDs to session
// state. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*entry

	retention time.Duration
	clock     ingest.Clock
	logger    *zap.Logger
}

// Config controls registry retention behavior.
type Config struct {
	// Retention keeps terminal sessions around after completion so late
	// poll/reconnect attempts can observe the outcome window.
	Retention time.Duration
	Clock     ingest.Clock
	Logger    *zap.Logger
}

// NewRegistry constructs an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Registry{
		sessions:  make(map[string]*entry),
		retention: cfg.Retention,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
	}
}

// GetOrCreate returns the session for id, creating it in the idle state when
// absent. Existing sessions are returned unmodified so reconnecting clients
// can rejoin a room mid-job.
func (r *Registry) GetOrCreate(id string) Snapshot {
	e := r.obtain(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot()
}

// Get returns a snapshot when the session exists.
func (r *Registry) Get(id string) (Snapshot, bool) {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(), true
}

// Transition moves the session along the state machine, rejecting illegal
// edges with InvalidTransitionError rather than silently overwriting.
func (r *Registry) Transition(id string, to State) error {
	e := r.obtain(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == to {
		return nil
	}
	if !legal(e.state, to) {
		return &InvalidTransitionError{SessionID: id, From: e.state, To: to}
	}
	e.state = to
	e.updatedAt = r.clock.Now()
	if to == StateProcessing {
		// A fresh job starts with a clean stop flag.
		e.stopRequested = false
	}
	return nil
}

// Begin atomically claims the session for a new job. It reports
// ingest.ErrJobConflict when a job already owns the session; terminal
// sessions are recycled so the same id can run again.
func (r *Registry) Begin(id string) error {
	e := r.obtain(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Active() {
		return ingest.ErrJobConflict
	}
	if e.state.Terminal() {
		e.state = StateIdle
	}
	e.state = StateProcessing
	e.stopRequested = false
	e.updatedAt = r.clock.Now()
	return nil
}

// RequestStop flags the session's job for cooperative cancellation. It
// reports whether a job was actually flagged; stopping an absent or terminal
// session is a no-op, not an error.
func (r *Registry) RequestStop(id string) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.state.Active() {
		return false
	}
	e.stopRequested = true
	if e.state == StateProcessing {
		e.state = StateStopping
	}
	e.updatedAt = r.clock.Now()
	return true
}

// StopRequested reports the cancellation flag, polled by the orchestrator at
// source boundaries.
func (r *Registry) StopRequested(id string) bool {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopRequested
}

// Evict removes a session from the registry. Sessions that still own a live
// job are refused.
func (r *Registry) Evict(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	e.mu.Lock()
	active := e.state.Active()
	e.mu.Unlock()
	if active {
		return ErrStillProcessing
	}
	delete(r.sessions, id)
	return nil
}

// EvictStale removes sessions whose last update is older than the retention
// window, skipping any that still own a job. It returns the eviction count.
func (r *Registry) EvictStale() int {
	cutoff := r.clock.Now().Add(-r.retention)

	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for id, e := range r.sessions {
		e.mu.Lock()
		stale := !e.state.Active() && e.updatedAt.Before(cutoff)
		e.mu.Unlock()
		if stale {
			delete(r.sessions, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Info("evicted stale sessions", zap.Int("count", evicted))
	}
	return evicted
}

// RunJanitor periodically evicts stale sessions until the context finishes.
func (r *Registry) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultJanitorInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.EvictStale()
		}
	}
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) obtain(id string) *entry {
	r.mu.RLock()
	e, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return e
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.sessions[id]; ok {
		return e
	}
	now := r.clock.Now()
	e = &entry{
		id:        id,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
	r.sessions[id] = e
	return e
}

func (e *entry) snapshot() Snapshot {
	return Snapshot{
		ID:            e.id,
		State:         e.state,
		StopRequested: e.stopRequested,
		CreatedAt:     e.createdAt,
		UpdatedAt:     e.updatedAt,
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
