// Package gateway delivers progress events to websocket subscribers grouped
// into per-session rooms.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
)

// Wire event names understood by subscribers.
const (
	eventJoined           = "joined"
	eventProcessingUpdate = "processing_update"
)

const dropLogInterval = 5 * time.Second

// Channel is one subscriber's outbound queue. Client implements it over a
// websocket connection; tests substitute in-memory channels.
type Channel interface {
	// Enqueue offers a message without blocking. It reports false when the
	// subscriber's buffer is full and the message was dropped.
	Enqueue(msg []byte) bool
	// CloseSend tells the subscriber no further messages will arrive.
	CloseSend()
}

// Counter matches the prometheus counter surface the gateway needs.
type Counter interface{ Inc() }

// Gauge matches the prometheus gauge surface the gateway needs.
type Gauge interface {
	Inc()
	Dec()
}

// Config carries gateway collaborators. All fields are optional.
type Config struct {
	Logger *zap.Logger
	// ConnectedClients tracks the number of live subscribers across rooms.
	ConnectedClients Gauge
	// DroppedMessages counts events discarded because a subscriber's
	// buffer was full.
	DroppedMessages Counter
}

// envelope is the wire frame for every outbound message.
type envelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinedAck struct {
	SessionID string `json:"session_id"`
}

// Gateway fans progress events out to the room matching each event's session.
// It implements progress.Sink so the hub drives delivery; a slow subscriber
// loses messages rather than stalling the batch.
type Gateway struct {
	mu    sync.RWMutex
	rooms map[string]map[Channel]struct{}

	logger  *zap.Logger
	clients Gauge
	dropped Counter

	droppedSinceLog atomic.Int64
	lastDropLog     atomic.Int64
}

// NewGateway constructs a Gateway with no rooms.
func NewGateway(cfg Config) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Gateway{
		rooms:   make(map[string]map[Channel]struct{}),
		logger:  cfg.Logger,
		clients: cfg.ConnectedClients,
		dropped: cfg.DroppedMessages,
	}
}

// Join subscribes ch to the session's room and acknowledges with a joined
// message sent to ch alone. Joining a room twice is a no-op apart from the
// repeated acknowledgement, so reconnecting clients always get their ack.
// The ack is enqueued before ch becomes room-visible, so it always precedes
// any broadcast delivered after the join.
func (g *Gateway) Join(sessionID string, ch Channel) {
	ack, err := json.Marshal(envelope{Event: eventJoined, Data: joinedAck{SessionID: sessionID}})
	if err != nil {
		g.logger.Error("marshal joined ack", zap.Error(err))
		return
	}

	g.mu.Lock()
	room, ok := g.rooms[sessionID]
	if !ok {
		room = make(map[Channel]struct{})
		g.rooms[sessionID] = room
	}
	_, already := room[ch]
	if !ch.Enqueue(ack) {
		g.recordDrop(sessionID)
	}
	room[ch] = struct{}{}
	g.mu.Unlock()

	if !already {
		g.logger.Debug("client joined session room", zap.String("session_id", sessionID))
	}
}

// Leave unsubscribes ch from one room. The session's job, if any, keeps
// running.
func (g *Gateway) Leave(sessionID string, ch Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	room, ok := g.rooms[sessionID]
	if !ok {
		return
	}
	delete(room, ch)
	if len(room) == 0 {
		delete(g.rooms, sessionID)
	}
}

// LeaveAll removes ch from every room, used when its connection drops.
func (g *Gateway) LeaveAll(ch Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for sessionID, room := range g.rooms {
		if _, ok := room[ch]; !ok {
			continue
		}
		delete(room, ch)
		if len(room) == 0 {
			delete(g.rooms, sessionID)
		}
	}
}

// RoomSize reports the number of subscribers in a session's room.
func (g *Gateway) RoomSize(sessionID string) int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.rooms[sessionID])
}

// Consume implements progress.Sink. Events are delivered to each room member
// in batch order; a full subscriber buffer drops that subscriber's copy only.
func (g *Gateway) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		msg, err := json.Marshal(envelope{Event: eventProcessingUpdate, Data: evt})
		if err != nil {
			return fmt.Errorf("marshal progress event: %w", err)
		}

		g.mu.RLock()
		room := g.rooms[evt.SessionID]
		members := make([]Channel, 0, len(room))
		for ch := range room {
			members = append(members, ch)
		}
		g.mu.RUnlock()

		for _, ch := range members {
			if !ch.Enqueue(msg) {
				g.recordDrop(evt.SessionID)
			}
		}
	}
	return nil
}

// Close implements progress.Sink. It empties every room and closes each
// subscriber's queue exactly once.
func (g *Gateway) Close(context.Context) error {
	g.mu.Lock()
	seen := make(map[Channel]struct{})
	for _, room := range g.rooms {
		for ch := range room {
			seen[ch] = struct{}{}
		}
	}
	g.rooms = make(map[string]map[Channel]struct{})
	g.mu.Unlock()

	for ch := range seen {
		ch.CloseSend()
	}
	return nil
}

func (g *Gateway) clientConnected() {
	if g.clients != nil {
		g.clients.Inc()
	}
}

func (g *Gateway) clientDisconnected() {
	if g.clients != nil {
		g.clients.Dec()
	}
}

// recordDrop counts a discarded message and logs at most once per interval so
// a stuck subscriber cannot flood the log.
func (g *Gateway) recordDrop(sessionID string) {
	if g.dropped != nil {
		g.dropped.Inc()
	}
	n := g.droppedSinceLog.Add(1)
	now := time.Now().UnixNano()
	last := g.lastDropLog.Load()
	if now-last < int64(dropLogInterval) {
		return
	}
	if g.lastDropLog.CompareAndSwap(last, now) {
		g.droppedSinceLog.Store(0)
		g.logger.Warn("dropping messages for slow subscriber",
			zap.String("session_id", sessionID),
			zap.Int64("dropped", n),
		)
	}
}
