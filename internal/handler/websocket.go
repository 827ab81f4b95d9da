package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"mechlink/internal/auth"
	"mechlink/internal/engine"
	"mechlink/internal/presence"
	"mechlink/internal/relay"
	"mechlink/internal/store"
)

// WebSocketHandler serves a session's realtime channel: it feeds the
// presence tracker, lets the join coordinator react, and relays chat.
type WebSocketHandler struct {
	Hub         *relay.Hub
	Tracker     *presence.Tracker
	Coordinator *engine.JoinCoordinator
	Engine      *engine.Engine
	Store       *store.Store
	TokenConfig auth.TokenConfig
}

// clientFrame is what a connected client may send. Chat ids are client
// generated so resends dedupe on every receiver.
type clientFrame struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
	Text string `json:"text,omitempty"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) Write(message []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return w.conn.WriteMessage(websocket.TextMessage, message)
}

func (w *wsWriter) Close() error {
	return w.conn.Close()
}

func (h *WebSocketHandler) Serve(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}
	claims, err := auth.VerifyToken(tokenString, h.TokenConfig)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid authentication token"})
		return
	}

	sessionID := c.Query("session")
	if sessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid session id"})
		return
	}
	sess, err := h.Store.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Session not found"})
		return
	}
	if !isParty(sess, claims.UserID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "Forbidden"})
		return
	}

	// the transport can strip this on reconnect; classification falls
	// back to the party id convention
	declaredRole := c.Query("role")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	connID := uuid.New().String()
	conn := &relay.Connection{SessionID: sessionID, ConnID: connID, Writer: &wsWriter{conn: ws}}
	h.Hub.Register(conn)

	ctx := c.Request.Context()
	role := presence.Classify(declaredRole, claims.UserID)
	snap := h.Tracker.Join(sessionID, presence.Record{
		ConnID:       connID,
		PartyID:      claims.UserID,
		DeclaredRole: declaredRole,
	})
	h.Coordinator.OnJoin(ctx, sessionID, snap)
	h.Coordinator.AnnounceJoin(sessionID, claims.UserID, string(role))

	defer func() {
		h.Hub.Unregister(conn)
		snap := h.Tracker.Leave(sessionID, connID)
		h.Coordinator.OnLeave(ctx, sessionID, snap)
		h.Coordinator.AnnounceLeave(sessionID, claims.UserID, string(role))
		_ = ws.Close()
	}()

	ws.SetReadLimit(1024 * 1024)
	const pongWait = 60 * time.Second
	const writeWait = 10 * time.Second
	pingPeriod := (pongWait * 9) / 10

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(pongWait))
		h.Tracker.Heartbeat(sessionID, connID, time.Now().UnixMilli())
		return nil
	})

	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() {
		closeOnce.Do(func() {
			close(done)
		})
	}
	defer closeDone()

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeWait)
				if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = ws.Close()
					return
				}
			}
		}
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}

		switch frame.Type {
		case "ping":
			out, _ := json.Marshal(gin.H{"event": "pong"})
			_ = conn.Writer.Write(out)
		case "chat":
			if frame.Text == "" {
				continue
			}
			ev := relay.NewEvent(relay.EventChatMessage, sessionID, claims.UserID, map[string]any{
				"text": frame.Text,
			})
			if frame.ID != "" {
				// keep the client's id so its resends dedupe everywhere
				ev.ID = frame.ID
			}
			h.Hub.Publish(ev)
		case "timeup":
			if _, err := h.Engine.CheckExpiry(ctx, sessionID); err != nil {
				continue
			}
		}
	}
}
