package api

import (
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// EventHub fans out task lifecycle events to websocket subscribers of
// one task id (GET /api/tasks/{id}/events). EventHub is a field the
// Server owns and constructs explicitly — no global registry.
type EventHub struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[*websocket.Conn]bool
}

func NewEventHub() *EventHub {
	return &EventHub{subs: make(map[uuid.UUID]map[*websocket.Conn]bool)}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (h *EventHub) addClient(taskID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[taskID] == nil {
		h.subs[taskID] = make(map[*websocket.Conn]bool)
	}
	h.subs[taskID][conn] = true
}

func (h *EventHub) removeClient(taskID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[taskID], conn)
	if len(h.subs[taskID]) == 0 {
		delete(h.subs, taskID)
	}
	conn.Close()
}

// Publish sends a message to every subscriber of taskID.
func (h *EventHub) Publish(taskID uuid.UUID, message []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.subs[taskID] {
		_ = conn.WriteMessage(websocket.TextMessage, message)
	}
}

func (h *EventHub) readPump(taskID uuid.UUID, conn *websocket.Conn) {
	defer h.removeClient(taskID, conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
