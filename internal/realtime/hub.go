// Package realtime pushes "plan updated" signals to connected websocket
// clients after a sync run changed local data.
package realtime

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"gitea.jw6.us/james/calsync/internal/calsync"
	"gitea.jw6.us/james/calsync/internal/metrics"
)

// Message types.
const (
	TypeHello       = "hello"
	TypePlanUpdated = "plan.updated"
)

// Message is the JSON frame sent to clients.
type Message struct {
	Type      string    `json:"type"`
	UserID    int64     `json:"userId"`
	RunID     string    `json:"runId,omitempty"`
	Pulled    int       `json:"pulled,omitempty"`
	Deleted   int       `json:"deleted,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub fans plan updates out to each user's open connections.
type Hub struct {
	originPatterns []string
	writeTimeout   time.Duration

	mu      sync.RWMutex
	clients map[int64]map[*websocket.Conn]struct{}

	broadcast chan Message
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewHub creates a hub and starts its broadcast loop. originPatterns are
// passed to the websocket handshake; empty means same-origin only.
func NewHub(originPatterns []string) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		originPatterns: originPatterns,
		writeTimeout:   5 * time.Second,
		clients:        make(map[int64]map[*websocket.Conn]struct{}),
		broadcast:      make(chan Message, 100),
		ctx:            ctx,
		cancel:         cancel,
	}
	h.wg.Add(1)
	go h.broadcastLoop()
	return h
}

// PlanUpdated queues a plan.updated message for userID. It never blocks the
// sync run; when the queue is full the message is dropped.
func (h *Hub) PlanUpdated(_ context.Context, userID int64, summary calsync.Summary) {
	msg := Message{
		Type:      TypePlanUpdated,
		UserID:    userID,
		RunID:     summary.RunID,
		Pulled:    summary.Pulled,
		Deleted:   summary.Deleted,
		Timestamp: time.Now(),
	}
	select {
	case h.broadcast <- msg:
	default:
		log.Printf("[WARN] realtime queue full, dropping update user=%d", userID)
	}
}

// ClientCount returns the number of open connections for userID.
func (h *Hub) ClientCount(userID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID])
}

// ServeUser upgrades the request and subscribes the connection to userID's updates.
func (h *Hub) ServeUser(w http.ResponseWriter, r *http.Request, userID int64) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		log.Printf("[WARN] realtime upgrade failed user=%d: %v", userID, err)
		return
	}

	h.mu.Lock()
	if h.clients[userID] == nil {
		h.clients[userID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[userID][conn] = struct{}{}
	h.mu.Unlock()
	metrics.RealtimeClients(1)

	_ = h.write(conn, Message{Type: TypeHello, UserID: userID, Timestamp: time.Now()})

	// Client frames are ignored; reading detects disconnects.
	defer h.remove(userID, conn)
	for {
		if _, _, err := conn.Read(h.ctx); err != nil {
			return
		}
	}
}

func (h *Hub) broadcastLoop() {
	defer h.wg.Done()
	for {
		select {
		case <-h.ctx.Done():
			return
		case msg := <-h.broadcast:
			h.mu.RLock()
			conns := make([]*websocket.Conn, 0, len(h.clients[msg.UserID]))
			for conn := range h.clients[msg.UserID] {
				conns = append(conns, conn)
			}
			h.mu.RUnlock()

			for _, conn := range conns {
				if err := h.write(conn, msg); err != nil {
					log.Printf("[WARN] realtime send failed user=%d: %v", msg.UserID, err)
					h.remove(msg.UserID, conn)
				}
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(h.ctx, h.writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func (h *Hub) remove(userID int64, conn *websocket.Conn) {
	h.mu.Lock()
	conns := h.clients[userID]
	if _, ok := conns[conn]; !ok {
		h.mu.Unlock()
		return
	}
	delete(conns, conn)
	if len(conns) == 0 {
		delete(h.clients, userID)
	}
	h.mu.Unlock()

	metrics.RealtimeClients(-1)
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

// Close disconnects every client and stops the broadcast loop.
func (h *Hub) Close() {
	h.mu.Lock()
	var conns []*websocket.Conn
	for userID, set := range h.clients {
		for conn := range set {
			conns = append(conns, conn)
		}
		delete(h.clients, userID)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		metrics.RealtimeClients(-1)
	}
	h.cancel()
	h.wg.Wait()
}
