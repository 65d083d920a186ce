package notify

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/copysentry/copysentry/internal/domain/scanning"
	"github.com/copysentry/copysentry/pkg/common/logger"
)

var _ scanning.StatusNotifier = (*Hub)(nil)

const writeTimeout = 5 * time.Second

// Hub fans task status events out to the owning user's websocket connections.
// Delivery is strictly best-effort: a slow or dead connection is dropped, and
// a user with no open connections simply misses the push. Clients reconcile
// by polling the task status endpoint, so nothing here may block or fail a
// scan.
type Hub struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]map[*websocket.Conn]struct{}

	logger *logger.Logger
}

// NewHub creates an empty status hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		conns:  make(map[uuid.UUID]map[*websocket.Conn]struct{}),
		logger: log.With("component", "status_hub"),
	}
}

// Register adds a connection for the user. The caller keeps ownership of the
// read side; the hub only ever writes.
func (h *Hub) Register(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[userID] == nil {
		h.conns[userID] = make(map[*websocket.Conn]struct{})
	}
	h.conns[userID][conn] = struct{}{}
}

// Unregister removes a connection and closes it.
func (h *Hub) Unregister(userID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(userID, conn)
}

func (h *Hub) removeLocked(userID uuid.UUID, conn *websocket.Conn) {
	if set, ok := h.conns[userID]; ok {
		delete(set, conn)
		if len(set) == 0 {
			delete(h.conns, userID)
		}
	}
	_ = conn.Close()
}

// ConnectionCount reports open connections for a user.
func (h *Hub) ConnectionCount(userID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID])
}

// NotifyStatus pushes one status transition to every open connection of the
// owning user. Write failures evict the connection; they never propagate.
func (h *Hub) NotifyStatus(ctx context.Context, evt scanning.TaskStatusEvent) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.conns[evt.UserID]))
	for conn := range h.conns[evt.UserID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	if len(targets) == 0 {
		return
	}

	var stale []*websocket.Conn
	for _, conn := range targets {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(evt); err != nil {
			h.logger.Debug(ctx, "Dropping stale status connection",
				"user_id", evt.UserID,
				"task_id", evt.TaskID,
				"error", err,
			)
			stale = append(stale, conn)
		}
	}

	if len(stale) > 0 {
		h.mu.Lock()
		for _, conn := range stale {
			h.removeLocked(evt.UserID, conn)
		}
		h.mu.Unlock()
	}
}
