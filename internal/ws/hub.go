// Package ws pushes order-book snapshots to WebSocket subscribers. The
// engine signals BookChanged after every committed change and the hub
// broadcasts a fresh snapshot; there is no polling.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"exchange/internal/db"
	"exchange/internal/models"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type client struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *client) send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub tracks connected subscribers and fans out snapshots.
type Hub struct {
	db  *db.DB
	log *zap.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}

	events chan string

	upgrader websocket.Upgrader
}

// NewHub creates a Hub reading snapshots from the given database.
func NewHub(database *db.DB, log *zap.Logger) *Hub {
	return &Hub{
		db:      database,
		log:     log,
		clients: make(map[*client]struct{}),
		events:  make(chan string, 64),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// BookChanged implements the engine's Notifier. Never blocks the caller:
// when the buffer is full an event is dropped, which is safe because
// every queued event triggers a snapshot of current state and a later
// event covering this change is already pending.
func (h *Hub) BookChanged(symbol string) {
	select {
	case h.events <- symbol:
	default:
	}
}

// Run consumes change events and broadcasts snapshots until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case symbol := <-h.events:
			h.broadcast(ctx, symbol)
		}
	}
}

type snapshot struct {
	Orders []models.Order `json:"orders"`
}

func (h *Hub) snapshotPayload(ctx context.Context) ([]byte, error) {
	orders, err := h.db.GetOpenOrders(ctx, "")
	if err != nil {
		return nil, err
	}
	return json.Marshal(snapshot{Orders: orders})
}

func (h *Hub) broadcast(ctx context.Context, symbol string) {
	data, err := h.snapshotPayload(ctx)
	if err != nil {
		h.log.Error("failed to build book snapshot", zap.String("symbol", symbol), zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.send(data); err != nil {
			h.log.Info("dropping websocket client", zap.Error(err))
			h.remove(c)
		}
	}
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.conn.Close()
}

// ServeWS upgrades the connection, sends the initial snapshot, and keeps
// the client subscribed until it disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	c := &client{conn: conn}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	if data, err := h.snapshotPayload(r.Context()); err == nil {
		if err := c.send(data); err != nil {
			h.remove(c)
			return
		}
	}

	// Read loop exists only to detect disconnection.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.remove(c)
			return
		}
	}
}
