package gateway

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// inbound is the frame clients send to manage room membership.
type inbound struct {
	Event string `json:"event"`
	Data  struct {
		SessionID string `json:"session_id"`
	} `json:"data"`
}

// Client bridges one websocket connection and the gateway. Outbound messages
// flow through a buffered channel so broadcasts never block on the network.
type Client struct {
	gw     *Gateway
	conn   *websocket.Conn
	send   chan []byte
	logger *zap.Logger

	closeOnce sync.Once
}

// NewClient wraps an upgraded connection. Run must be called to start the
// pumps.
func NewClient(gw *Gateway, conn *websocket.Conn, sendBuffer int, logger *zap.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		gw:     gw,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		logger: logger,
	}
}

// Enqueue implements Channel.
func (c *Client) Enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// CloseSend implements Channel. The write pump observes the closed channel
// and sends a close frame.
func (c *Client) CloseSend() {
	c.closeOnce.Do(func() { close(c.send) })
}

// Run starts the read and write pumps and blocks until the connection ends.
func (c *Client) Run() {
	c.gw.clientConnected()
	defer c.gw.clientDisconnected()

	go c.writePump()
	c.readPump()
}

// readPump consumes control frames and room commands until the connection
// fails, then detaches the client from every room.
func (c *Client) readPump() {
	defer func() {
		c.gw.LeaveAll(c)
		c.CloseSend()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			c.logger.Debug("ignoring malformed client frame", zap.Error(err))
			continue
		}
		switch msg.Event {
		case "join_session":
			if msg.Data.SessionID == "" {
				c.logger.Debug("join_session without session_id")
				continue
			}
			c.gw.Join(msg.Data.SessionID, c)
		case "leave_session":
			c.gw.Leave(msg.Data.SessionID, c)
		default:
			c.logger.Debug("ignoring unknown client event", zap.String("event", msg.Event))
		}
	}
}

// writePump drains the send channel onto the wire and keeps the connection
// alive with periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
