package presence

import (
	"strings"
	"sync"
	"time"

	"mechlink/internal/model"
)

// staleAfter is how long a connection may go without a heartbeat before
// it stops counting toward presence. Longer than the transport's pong
// window, so the read deadline normally tears the connection down first;
// this is the backstop for a socket the transport has not noticed is dead.
const staleAfter = 90 * time.Second

// Record is one live connection on a session's channel. Never persisted;
// it exists only while the subscription is open. HeartbeatAt is stamped
// on join and refreshed on every pong.
type Record struct {
	ConnID       string
	PartyID      string
	DeclaredRole string
	HeartbeatAt  int64
}

// Snapshot is the collapsed per-role view of a session's membership.
// Any number of tabs from the same party fold into one present bit.
type Snapshot struct {
	CustomerPresent bool
	MechanicPresent bool
	Connections     int
}

func (s Snapshot) BothPresent() bool {
	return s.CustomerPresent && s.MechanicPresent
}

// Classify resolves a connection's role. Declared metadata wins; if the
// transport stripped or mangled it, fall back to the party id prefix
// convention. Reconnects are known to lose metadata in the field.
func Classify(declaredRole, partyID string) model.Role {
	switch declaredRole {
	case string(model.RoleCustomer):
		return model.RoleCustomer
	case string(model.RoleMechanic):
		return model.RoleMechanic
	}
	switch {
	case strings.HasPrefix(partyID, "cust_"):
		return model.RoleCustomer
	case strings.HasPrefix(partyID, "mech_"):
		return model.RoleMechanic
	}
	return model.RoleUnknown
}

// Tracker maintains the live membership table per session channel.
type Tracker struct {
	mu       sync.RWMutex
	sessions map[string]map[string]Record
	now      func() time.Time
}

func NewTracker() *Tracker {
	return NewTrackerWithNow(time.Now)
}

// NewTrackerWithNow injects the clock, for tests.
func NewTrackerWithNow(now func() time.Time) *Tracker {
	return &Tracker{sessions: make(map[string]map[string]Record), now: now}
}

func (t *Tracker) Join(sessionID string, rec Record) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sessions[sessionID] == nil {
		t.sessions[sessionID] = make(map[string]Record)
	}
	// the join itself counts as a heartbeat
	rec.HeartbeatAt = t.now().UnixMilli()
	t.sessions[sessionID][rec.ConnID] = rec
	return t.snapshotLocked(sessionID)
}

func (t *Tracker) Leave(sessionID, connID string) Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	conns := t.sessions[sessionID]
	if conns == nil {
		return Snapshot{}
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(t.sessions, sessionID)
		return Snapshot{}
	}
	return t.snapshotLocked(sessionID)
}

func (t *Tracker) Heartbeat(sessionID, connID string, now int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.sessions[sessionID][connID]; ok {
		rec.HeartbeatAt = now
		t.sessions[sessionID][connID] = rec
	}
}

func (t *Tracker) Snapshot(sessionID string) Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked(sessionID)
}

func (t *Tracker) snapshotLocked(sessionID string) Snapshot {
	var snap Snapshot
	cutoff := t.now().UnixMilli() - staleAfter.Milliseconds()
	for _, rec := range t.sessions[sessionID] {
		if rec.HeartbeatAt < cutoff {
			continue
		}
		snap.Connections++
		switch Classify(rec.DeclaredRole, rec.PartyID) {
		case model.RoleCustomer:
			snap.CustomerPresent = true
		case model.RoleMechanic:
			snap.MechanicPresent = true
		}
	}
	return snap
}
