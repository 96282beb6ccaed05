package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"doorguard/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8 << 20 // batches can carry hundreds of events
)

// Client is one connected websocket session.
type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	session string
	group   string

	mu     sync.Mutex
	closed bool
	send   chan Message
}

func newClient(hub *Hub, conn *websocket.Conn, session, group string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		session: session,
		group:   group,
		send:    make(chan Message, 64),
	}
}

func (c *Client) start(ctx context.Context) {
	go c.writePump()
	go c.readPump(ctx)
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		c.hub.unregister <- c
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				if c.hub.logger != nil {
					c.hub.logger.Warn("realtime read error", "session", c.session, "err", err)
				}
			}
			return
		}
		switch msg.Type {
		case MsgPing:
			c.trySend(Message{Type: MsgPong})
		case MsgEventSync:
			c.handleEventSync(ctx, msg)
		}
	}
}

// handleEventSync proxies an inbound batch from the automation channel
// to the ingestion worker and writes the terminal result back to the
// submitting session only.
func (c *Client) handleEventSync(ctx context.Context, msg Message) {
	if c.hub.worker == nil {
		c.trySend(Message{Type: MsgSyncResult, Data: map[string]string{"status": "failed", "error": "ingestion unavailable"}})
		return
	}
	raw, err := json.Marshal(msg.Data)
	if err != nil {
		c.trySend(Message{Type: MsgSyncResult, Data: map[string]string{"status": "failed", "error": "bad payload"}})
		return
	}
	var batch model.Batch
	if err := json.Unmarshal(raw, &batch); err != nil {
		c.trySend(Message{Type: MsgSyncResult, Data: map[string]string{"status": "failed", "error": "bad payload"}})
		return
	}
	done := c.hub.worker.Submit(ctx, batch)
	go func() {
		select {
		case res := <-done:
			c.trySend(Message{Type: MsgSyncResult, Data: res})
		case <-ctx.Done():
		}
	}()
}

// trySend queues a message for the write pump. Returns false when the
// buffer is full or the hub already dropped this session. The pong
// reply and the asynchronous sync-result write-back race the hub's
// drop path, so every producer goes through here; only closeSend may
// close the channel.
func (c *Client) trySend(msg Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
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
