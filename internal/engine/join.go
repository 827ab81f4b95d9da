package engine

import (
	"context"
	"log"
	"sync"

	"mechlink/internal/model"
	"mechlink/internal/presence"
	"mechlink/internal/relay"
)

// JoinCoordinator turns presence changes into session starts. The fire
// condition is edge-triggered: a start is requested only when a session
// goes from not-both-present to both-present, so redundant membership
// events from multi-tab clients do not produce duplicate start calls.
// The state machine's conditional transition is the second line of
// defense if two edges ever race.
type JoinCoordinator struct {
	engine *Engine

	mu   sync.Mutex
	both map[string]bool
}

func NewJoinCoordinator(engine *Engine) *JoinCoordinator {
	return &JoinCoordinator{engine: engine, both: make(map[string]bool)}
}

// OnJoin handles one connection joining a session channel.
func (c *JoinCoordinator) OnJoin(ctx context.Context, sessionID string, snap presence.Snapshot) {
	// first connect of either role pulls a pending session into waiting
	if _, err := c.engine.MarkWaiting(ctx, sessionID); err != nil {
		log.Printf("session %s: mark waiting: %v", sessionID, err)
	}
	c.evaluate(ctx, sessionID, snap)
}

// OnLeave handles one connection leaving. live is sticky: a role dropping
// after start never regresses the session, it only resets the edge latch
// for sessions that had not started yet.
func (c *JoinCoordinator) OnLeave(ctx context.Context, sessionID string, snap presence.Snapshot) {
	c.mu.Lock()
	if !snap.BothPresent() {
		if snap.Connections == 0 {
			delete(c.both, sessionID)
		} else {
			c.both[sessionID] = false
		}
	}
	c.mu.Unlock()
}

func (c *JoinCoordinator) evaluate(ctx context.Context, sessionID string, snap presence.Snapshot) {
	c.mu.Lock()
	was := c.both[sessionID]
	now := snap.BothPresent()
	c.both[sessionID] = now
	c.mu.Unlock()

	if !now || was {
		return
	}

	res, err := c.engine.Start(ctx, sessionID)
	if err != nil {
		log.Printf("session %s: start: %v", sessionID, err)
		return
	}
	if !res.Applied {
		if res.Session.Status == model.StatusScheduled && res.Session.WaiverSignedAt == nil {
			// keep the edge open: the session is startable, just gated on
			// the waiver, so signing or the next membership event retries
			c.mu.Lock()
			c.both[sessionID] = false
			c.mu.Unlock()
			log.Printf("session %s: start deferred, waiver unsigned", sessionID)
			return
		}
		log.Printf("session %s: dual-presence start ignored in status %s", sessionID, res.Session.Status)
	}
}

// OnWaiverSigned re-runs join detection after a waiver signing. This is
// the unblock path for a scheduled session whose parties connected before
// the customer signed: with the latch still open, a both-present snapshot
// fires the start that the waiver gate deferred.
func (c *JoinCoordinator) OnWaiverSigned(ctx context.Context, sessionID string, snap presence.Snapshot) {
	c.evaluate(ctx, sessionID, snap)
}

// AnnounceJoin publishes the participant:joined nudge after presence and
// the coordinator have both seen the connection.
func (c *JoinCoordinator) AnnounceJoin(sessionID, partyID, role string) {
	c.engine.hub.Publish(relay.NewEvent(relay.EventParticipantJoined, sessionID, partyID, map[string]any{
		"role": role,
	}))
}

// AnnounceLeave publishes the participant:left nudge. Clients render this
// as a disconnect banner on live sessions, never as a state change.
func (c *JoinCoordinator) AnnounceLeave(sessionID, partyID, role string) {
	c.engine.hub.Publish(relay.NewEvent(relay.EventParticipantLeft, sessionID, partyID, map[string]any{
		"role": role,
	}))
}
