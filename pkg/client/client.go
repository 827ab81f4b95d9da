// Package client is the Go client for a session's realtime channel. It
// keeps the chat log deduplicated, tracks the countdown, and treats every
// broadcast as a nudge: on domain events the caller should refetch the
// durable session record, which stays correct even when broadcasts drop.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Event mirrors the channel's wire envelope.
type Event struct {
	ID        string          `json:"id"`
	Name      string          `json:"event"`
	SessionID string          `json:"sessionId"`
	SenderID  string          `json:"senderId,omitempty"`
	At        int64           `json:"at"`
	Body      json.RawMessage `json:"body,omitempty"`
}

type chatBody struct {
	Text string `json:"text"`
}

type extendedBody struct {
	TotalMinutes int `json:"totalMinutes"`
}

// Options configures a channel client.
type Options struct {
	BaseURL   string // e.g. ws://host:3000
	Token     string
	SessionID string
	Role      string

	// OnStatusChanged receives session:status_changed nudges; the handler
	// should refetch the session for the authoritative state.
	OnStatusChanged func(ev Event)
	// OnMessage fires only for messages not already in the log.
	OnMessage func(msg Message)
	// OnWarn and OnExpire back the countdown when one is attached.
	OnWarn   func(threshold time.Duration)
	OnExpire func()

	Dialer *websocket.Dialer
}

// Client is one party's connection to a session channel.
type Client struct {
	opts Options
	log  *MessageLog

	mu        sync.Mutex
	conn      *websocket.Conn
	countdown *Countdown
}

func New(opts Options) *Client {
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Client{opts: opts, log: NewMessageLog()}
}

func (c *Client) Log() *MessageLog { return c.log }

func (c *Client) channelURL() string {
	q := url.Values{}
	q.Set("token", c.opts.Token)
	q.Set("session", c.opts.SessionID)
	if c.opts.Role != "" {
		q.Set("role", c.opts.Role)
	}
	return c.opts.BaseURL + "/ws?" + q.Encode()
}

// Connect dials the channel once and starts the read loop in the calling
// goroutine. Returns when the connection drops or the context ends.
func (c *Client) Connect(ctx context.Context) error {
	conn, _, err := c.opts.Dialer.DialContext(ctx, c.channelURL(), nil)
	if err != nil {
		return fmt.Errorf("dial channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.dispatch(ev)
	}
}

// Run keeps the subscription alive with backoff until the context ends.
// Reconnecting is the transient-failure path; it is never surfaced as an
// error to the caller beyond the OnStatusChanged refetch nudges.
func (c *Client) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := c.Connect(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			backoff = time.Second
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) dispatch(ev Event) {
	switch ev.Name {
	case "chat:message":
		var body chatBody
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			return
		}
		msg := Message{ID: ev.ID, SenderID: ev.SenderID, Text: body.Text, At: ev.At}
		if c.log.Append(msg) && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	case "session:extended":
		var body extendedBody
		if err := json.Unmarshal(ev.Body, &body); err != nil {
			return
		}
		c.mu.Lock()
		cd := c.countdown
		c.mu.Unlock()
		if cd != nil {
			cd.SetTotalMinutes(body.TotalMinutes)
		}
	case "session:status_changed":
		if c.opts.OnStatusChanged != nil {
			c.opts.OnStatusChanged(ev)
		}
	}
}

// StartCountdown anchors the advisory timer once the session is live and
// runs it until the context ends. Expiry reports time-up to the server;
// the server-side check is the one that actually completes the session.
func (c *Client) StartCountdown(ctx context.Context, startedAt time.Time, totalMinutes int) {
	cd := NewCountdown(startedAt, totalMinutes, c.opts.OnWarn, func() {
		_ = c.send(map[string]any{"type": "timeup"})
		if c.opts.OnExpire != nil {
			c.opts.OnExpire()
		}
	})

	c.mu.Lock()
	c.countdown = cd
	c.mu.Unlock()

	go cd.Run(ctx)
}

// SendChat publishes one chat message with a client-generated id, so a
// retry after a dropped send dedupes on every receiver including ourselves.
func (c *Client) SendChat(text string) error {
	return c.send(map[string]any{
		"type": "chat",
		"id":   uuid.New().String(),
		"text": text,
	})
}

func (c *Client) send(frame map[string]any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.WriteJSON(frame)
}
