package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/realtime-rag-ingest/internal/progress"
)

type stubChannel struct {
	mu       sync.Mutex
	msgs     [][]byte
	capacity int
	closed   bool
}

func newStubChannel(capacity int) *stubChannel {
	return &stubChannel{capacity: capacity}
}

func (c *stubChannel) Enqueue(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.capacity > 0 && len(c.msgs) >= c.capacity {
		return false
	}
	c.msgs = append(c.msgs, append([]byte(nil), msg...))
	return true
}

func (c *stubChannel) CloseSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *stubChannel) Messages() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *stubChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func decodeEnvelope(t *testing.T, raw []byte) (string, json.RawMessage) {
	t.Helper()
	var env struct {
		Event string          `json:"event"`
		Data  json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(raw, &env))
	return env.Event, env.Data
}

func TestGatewayJoinAcksJoinerOnly(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	first := newStubChannel(0)
	second := newStubChannel(0)

	gw.Join("sess-1", first)
	gw.Join("sess-1", second)

	require.Len(t, first.Messages(), 1, "first joiner must not see the second ack")
	require.Len(t, second.Messages(), 1)

	event, data := decodeEnvelope(t, second.Messages()[0])
	require.Equal(t, "joined", event)
	var ack struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(data, &ack))
	require.Equal(t, "sess-1", ack.SessionID)
}

func TestGatewayJoinIdempotent(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	ch := newStubChannel(0)

	gw.Join("sess-1", ch)
	gw.Join("sess-1", ch)

	require.Equal(t, 1, gw.RoomSize("sess-1"))
	// Each join is acknowledged so reconnects always see their ack.
	require.Len(t, ch.Messages(), 2)
}

func TestGatewayAckPrecedesBroadcastsDuringJoin(t *testing.T) {
	t.Parallel()

	// A join racing an in-flight broadcast must still deliver the joined ack
	// as the subscriber's first message: the channel only becomes
	// room-visible after its ack is enqueued.
	gw := NewGateway(Config{})
	for i := 0; i < 200; i++ {
		ch := newStubChannel(0)
		evt := progress.Log("sess-1", "update", progress.LevelInfo, time.Now())

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			require.NoError(t, gw.Consume(context.Background(), []progress.Event{evt}))
		}()
		go func() {
			defer wg.Done()
			gw.Join("sess-1", ch)
		}()
		wg.Wait()

		msgs := ch.Messages()
		require.NotEmpty(t, msgs)
		event, _ := decodeEnvelope(t, msgs[0])
		require.Equal(t, "joined", event)

		gw.Leave("sess-1", ch)
	}
}

func TestGatewayBroadcastScopedToRoom(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	inRoom := newStubChannel(0)
	otherRoom := newStubChannel(0)
	gw.Join("sess-1", inRoom)
	gw.Join("sess-2", otherRoom)

	evt := progress.Log("sess-1", "starting", progress.LevelInfo, time.Now())
	require.NoError(t, gw.Consume(context.Background(), []progress.Event{evt}))

	require.Len(t, inRoom.Messages(), 2) // joined ack + update
	require.Len(t, otherRoom.Messages(), 1, "other room must only hold its ack")

	event, data := decodeEnvelope(t, inRoom.Messages()[1])
	require.Equal(t, "processing_update", event)
	var got progress.Event
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, "sess-1", got.SessionID)
	require.Equal(t, progress.TypeLog, got.Type)
	require.Equal(t, "starting", got.Message)
}

func TestGatewayBroadcastPreservesOrder(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	ch := newStubChannel(0)
	gw.Join("sess-1", ch)

	var batch []progress.Event
	for i := 0; i < 5; i++ {
		batch = append(batch, progress.Progress("sess-1", i+1, 5, "", time.Now()))
	}
	require.NoError(t, gw.Consume(context.Background(), batch))

	msgs := ch.Messages()[1:] // skip the joined ack
	require.Len(t, msgs, 5)
	for i, raw := range msgs {
		_, data := decodeEnvelope(t, raw)
		var got progress.Event
		require.NoError(t, json.Unmarshal(data, &got))
		require.Equal(t, i+1, got.Current)
	}
}

type countingCounter struct {
	mu sync.Mutex
	n  int
}

func (c *countingCounter) Inc() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

func (c *countingCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n
}

func TestGatewaySlowSubscriberDropsWithoutStalling(t *testing.T) {
	t.Parallel()

	dropped := &countingCounter{}
	gw := NewGateway(Config{DroppedMessages: dropped})
	slow := newStubChannel(1) // room for the ack only
	healthy := newStubChannel(0)
	gw.Join("sess-1", slow)
	gw.Join("sess-1", healthy)

	evt := progress.Log("sess-1", "update", progress.LevelInfo, time.Now())
	require.NoError(t, gw.Consume(context.Background(), []progress.Event{evt}))

	require.Len(t, healthy.Messages(), 2, "healthy subscriber still gets the event")
	require.Len(t, slow.Messages(), 1)
	require.Equal(t, 1, dropped.Count())
}

func TestGatewayLeave(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	ch := newStubChannel(0)
	gw.Join("sess-1", ch)
	gw.Leave("sess-1", ch)
	require.Equal(t, 0, gw.RoomSize("sess-1"))

	evt := progress.Log("sess-1", "after leave", progress.LevelInfo, time.Now())
	require.NoError(t, gw.Consume(context.Background(), []progress.Event{evt}))
	require.Len(t, ch.Messages(), 1, "departed subscriber receives nothing new")
}

func TestGatewayLeaveAll(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	ch := newStubChannel(0)
	gw.Join("sess-1", ch)
	gw.Join("sess-2", ch)

	gw.LeaveAll(ch)
	require.Equal(t, 0, gw.RoomSize("sess-1"))
	require.Equal(t, 0, gw.RoomSize("sess-2"))
}

func TestGatewayCloseClosesEachChannelOnce(t *testing.T) {
	t.Parallel()

	gw := NewGateway(Config{})
	ch := newStubChannel(0)
	gw.Join("sess-1", ch)
	gw.Join("sess-2", ch)

	require.NoError(t, gw.Close(context.Background()))
	require.True(t, ch.Closed())
	require.Equal(t, 0, gw.RoomSize("sess-1"))
}
