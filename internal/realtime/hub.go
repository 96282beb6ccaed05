package realtime

import (
	"context"
	"log/slog"
	"sync"

	"doorguard/internal/ingest"
	"doorguard/internal/metrics"
	"doorguard/internal/model"
)

// Message types on the realtime channel.
const (
	MsgDoorsStatus = "doors-status"
	MsgNewUser     = "new-user"
	MsgUserRemove  = "user-remove"
	MsgSyncStatus  = "sync-status"
	MsgEventSync   = "event-sync"
	MsgSyncResult  = "sync-result"
	MsgPing        = "ping"
	MsgPong        = "pong"
)

// Subscriber groups. Security-role dashboards share a broadcast group;
// the external automation script has its own named channel.
const (
	GroupSecurity = "security"
	GroupUserSync = "user-sync"
)

type Message struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type envelope struct {
	msg    Message
	groups []string // nil = every connected client
}

// Hub tracks connected sessions and fans messages out to them.
// Delivery is fire-and-forget: a slow client is disconnected, nothing
// is queued for absent subscribers.
type Hub struct {
	logger     *slog.Logger
	worker     *ingest.Worker
	mu         sync.RWMutex
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan envelope
}

func NewHub(worker *ingest.Worker, logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		worker:     worker,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan envelope, 256),
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(n))
			if h.logger != nil {
				h.logger.Info("realtime client connected", "session", c.session, "group", c.group, "clients", n)
			}
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.closeSend()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.RealtimeClients.Set(float64(n))
			if h.logger != nil {
				h.logger.Info("realtime client disconnected", "session", c.session, "clients", n)
			}
		case env := <-h.broadcast:
			h.deliver(env)
		case <-ctx.Done():
			h.closeAll()
			return
		}
	}
}

func (h *Hub) deliver(env envelope) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var stale []*Client
	for c := range h.clients {
		if !env.matches(c.group) {
			continue
		}
		if !c.trySend(env.msg) {
			stale = append(stale, c)
		}
	}
	for _, c := range stale {
		c.closeSend()
		delete(h.clients, c)
		if h.logger != nil {
			h.logger.Warn("realtime client too slow, dropped", "session", c.session)
		}
	}
	metrics.RealtimeClients.Set(float64(len(h.clients)))
}

func (e envelope) matches(group string) bool {
	if len(e.groups) == 0 {
		return true
	}
	for _, g := range e.groups {
		if g == group {
			return true
		}
	}
	return false
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.closeSend()
		delete(h.clients, c)
	}
	metrics.RealtimeClients.Set(0)
	if h.logger != nil {
		h.logger.Info("realtime hub stopped")
	}
}

func (h *Hub) publish(env envelope) {
	select {
	case h.broadcast <- env:
	default:
		if h.logger != nil {
			h.logger.Warn("broadcast channel full, dropping message", "type", env.msg.Type)
		}
	}
}

// BroadcastDoorStatus sends the full annotated door list to every
// connected client. Called once per completed probe cycle.
func (h *Hub) BroadcastDoorStatus(doors []model.Door) {
	h.publish(envelope{msg: Message{Type: MsgDoorsStatus, Data: doors}})
}

// NotifyNewUser tells the security group and the automation channel
// that a user was provisioned toward the door fleet.
func (h *Hub) NotifyNewUser(user model.User) {
	h.publish(envelope{
		msg:    Message{Type: MsgNewUser, Data: user},
		groups: []string{GroupSecurity, GroupUserSync},
	})
}

// NotifyUserRemoved announces a deleted user by employee number.
func (h *Hub) NotifyUserRemoved(employeeNo string) {
	h.publish(envelope{
		msg:    Message{Type: MsgUserRemove, Data: map[string]string{"employee_no": employeeNo}},
		groups: []string{GroupSecurity, GroupUserSync},
	})
}

// NotifyUserSync reports the outcome of an identity-to-door
// synchronization operation.
func (h *Hub) NotifyUserSync(outcome any) {
	h.publish(envelope{
		msg:    Message{Type: MsgSyncStatus, Data: outcome},
		groups: []string{GroupSecurity, GroupUserSync},
	})
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
