package client

import (
	"sort"
	"sync"
)

// Message is one chat entry in the local log.
type Message struct {
	ID       string
	SenderID string
	Text     string
	At       int64
}

// MessageLog is the client-side ordered chat log. The channel delivers
// at-least-once and fans out to the sender too, so the same message can
// arrive twice or echo back; insertion is idempotent by message id and
// the log re-sorts by timestamp since arrival order means nothing.
type MessageLog struct {
	mu   sync.Mutex
	seen map[string]struct{}
	msgs []Message
}

func NewMessageLog() *MessageLog {
	return &MessageLog{seen: make(map[string]struct{})}
}

// Append adds a message unless its id is already present. Returns whether
// the message was new.
func (l *MessageLog) Append(msg Message) bool {
	if msg.ID == "" {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.seen[msg.ID]; dup {
		return false
	}
	l.seen[msg.ID] = struct{}{}
	l.msgs = append(l.msgs, msg)
	return true
}

// Messages returns the log ordered by timestamp, id as tiebreak.
func (l *MessageLog) Messages() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.msgs))
	copy(out, l.msgs)
	sort.Slice(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (l *MessageLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.msgs)
}
