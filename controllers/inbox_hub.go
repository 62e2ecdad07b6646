package controller

import (
	"log"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

// InboxHub fans inbox events out to every connected websocket client. The
// frontend listens for new_message / message_update / conversation_update to
// keep the inbox view live without polling.
type InboxHub struct {
	mu      sync.Mutex
	clients map[string]*websocket.Conn
	logger  *log.Logger
}

func NewInboxHub(logger *log.Logger) *InboxHub {
	return &InboxHub{
		clients: make(map[string]*websocket.Conn),
		logger:  logger,
	}
}

// Handle is the websocket handler for /ws/inbox. The read loop exists only to
// detect disconnects; clients never send anything we act on.
func (h *InboxHub) Handle(conn *websocket.Conn) {
	id := uuid.NewString()

	h.mu.Lock()
	h.clients[id] = conn
	h.mu.Unlock()
	h.logger.Printf("Client connected: %s", id)

	defer func() {
		h.mu.Lock()
		delete(h.clients, id)
		h.mu.Unlock()
		h.logger.Printf("Client disconnected: %s", id)
		conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast sends an event to every connected client. Clients that fail the
// write are dropped; they will reconnect if they are still alive.
func (h *InboxHub) Broadcast(event string, data interface{}) {
	payload := struct {
		Event     string      `json:"event"`
		Data      interface{} `json:"data"`
		Timestamp time.Time   `json:"timestamp"`
	}{
		Event:     event,
		Data:      data,
		Timestamp: time.Now(),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.clients {
		if err := conn.WriteJSON(payload); err != nil {
			h.logger.Printf("Dropping client %s: %v", id, err)
			conn.Close()
			delete(h.clients, id)
		}
	}
}

func (h *InboxHub) BroadcastNewMessage(message interface{}) {
	h.Broadcast("new_message", message)
}

func (h *InboxHub) BroadcastMessageUpdate(message interface{}) {
	h.Broadcast("message_update", message)
}

func (h *InboxHub) BroadcastConversationUpdate(conversationID string, unreadCount int64) {
	h.Broadcast("conversation_update", struct {
		ConversationID string `json:"conversation_id"`
		UnreadCount    int64  `json:"unread_count"`
	}{conversationID, unreadCount})
}
