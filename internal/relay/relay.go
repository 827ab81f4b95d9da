package relay

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event names carried on a session channel. Domain events are nudges; the
// durable session record is the correctness path. chat:message is
// broadcast-only and must be deduplicated by id on the client.
const (
	EventStatusChanged     = "session:status_changed"
	EventExtended          = "session:extended"
	EventParticipantJoined = "participant:joined"
	EventParticipantLeft   = "participant:left"
	EventChatMessage       = "chat:message"
)

// Event is the self-describing envelope for everything on a channel.
// Carrying id, sender, and timestamp lets clients re-sort and drop
// duplicates regardless of arrival order.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"event"`
	SessionID string         `json:"sessionId"`
	SenderID  string         `json:"senderId,omitempty"`
	At        int64          `json:"at"`
	Body      map[string]any `json:"body,omitempty"`
}

func NewEvent(name, sessionID, senderID string, body map[string]any) Event {
	return Event{
		ID:        uuid.New().String(),
		Name:      name,
		SessionID: sessionID,
		SenderID:  senderID,
		At:        time.Now().UnixMilli(),
		Body:      body,
	}
}

type Writer interface {
	Write(message []byte) error
	Close() error
}

type Connection struct {
	SessionID string
	ConnID    string
	Writer    Writer
}

// Hub fans events out to every connection on a session's channel, the
// sender included, so local echo and received messages share one path.
// Delivery is at-least-once; a failed writer is closed and evicted.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Connection]struct{}
}

func New() *Hub {
	return &Hub{channels: make(map[string]map[*Connection]struct{})}
}

func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[conn.SessionID] == nil {
		h.channels[conn.SessionID] = make(map[*Connection]struct{})
	}
	h.channels[conn.SessionID][conn] = struct{}{}
}

func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	set := h.channels[conn.SessionID]
	if set == nil {
		return
	}
	delete(set, conn)
	if len(set) == 0 {
		delete(h.channels, conn.SessionID)
	}
}

func (h *Hub) Publish(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("relay: marshal %s: %v", ev.Name, err)
		return
	}
	h.broadcast(ev.SessionID, data)
}

func (h *Hub) broadcast(sessionID string, message []byte) {
	h.mu.RLock()
	set := h.channels[sessionID]
	conns := make([]*Connection, 0, len(set))
	for c := range set {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	var failed []*Connection
	for _, c := range conns {
		if err := c.Writer.Write(message); err != nil {
			failed = append(failed, c)
		}
	}
	for _, c := range failed {
		_ = c.Writer.Close()
		h.Unregister(c)
	}
}
