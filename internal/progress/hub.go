package progress

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/sevigo/docbias-scanner/internal/core"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub fans a scan's progress updates out to every websocket client watching
// that scan, replacing the original's page-polling dashboard with a push
// model while keeping the same JSON the database already stores.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	clients map[int64]map[*websocket.Conn]struct{}
}

func NewHub(log *slog.Logger) *Hub {
	return &Hub{log: log, clients: make(map[int64]map[*websocket.Conn]struct{})}
}

// ServeWS upgrades the request and registers the connection against scanID
// until the client disconnects. This is a broadcast-only channel: incoming
// messages are read and discarded only to detect the disconnect.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, scanID int64) error {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	h.register(scanID, conn)
	defer h.unregister(scanID, conn)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return nil
		}
	}
}

func (h *Hub) register(scanID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[scanID] == nil {
		h.clients[scanID] = make(map[*websocket.Conn]struct{})
	}
	h.clients[scanID][conn] = struct{}{}
}

func (h *Hub) unregister(scanID int64, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients[scanID], conn)
	_ = conn.Close()
}

// Broadcast pushes scan as JSON to every client currently watching its ID.
// A write failure drops that client rather than failing the whole scan.
func (h *Hub) Broadcast(scanID int64, scan *core.Scan) {
	h.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(h.clients[scanID]))
	for c := range h.clients[scanID] {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	if len(conns) == 0 {
		return
	}

	payload, err := json.Marshal(scan)
	if err != nil {
		h.log.Warn("failed to marshal scan for broadcast", "scan_id", scanID, "error", err)
		return
	}
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			h.log.Debug("dropping websocket client", "scan_id", scanID, "error", err)
			h.unregister(scanID, c)
		}
	}
}
