package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"mechlink/internal/model"
	"mechlink/internal/relay"
	"mechlink/internal/store"
)

// Engine owns every session status transition. All guards live in the
// store's conditional updates, so the join coordinator, the timer, an
// explicit user action, and the sweep can request the same transition
// concurrently and exactly one of them lands.
type Engine struct {
	store    *store.Store
	hub      *relay.Hub
	notifier Notifier
	now      func() time.Time
}

func New(st *store.Store, hub *relay.Hub, notifier Notifier) *Engine {
	return &Engine{store: st, hub: hub, notifier: notifier, now: time.Now}
}

// NewWithNow injects the clock, for tests.
func NewWithNow(st *store.Store, hub *relay.Hub, notifier Notifier, now func() time.Time) *Engine {
	return &Engine{store: st, hub: hub, notifier: notifier, now: now}
}

// Result is the outcome of one transition attempt. Applied=false means
// the session had already left the relevant state: success-but-ignored.
type Result struct {
	Session *model.Session
	Applied bool
}

func (e *Engine) snapshot(ctx context.Context, id string, applied bool) (Result, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return Result{}, err
	}
	return Result{Session: sess, Applied: applied}, nil
}

func (e *Engine) broadcastStatus(sess *model.Session) {
	body := map[string]any{"status": string(sess.Status)}
	if sess.StartedAt != nil {
		body["startedAt"] = *sess.StartedAt
	}
	if sess.EndedAt != nil {
		body["endedAt"] = *sess.EndedAt
	}
	if sess.AutoExpired {
		body["autoExpired"] = true
	}
	e.hub.Publish(relay.NewEvent(relay.EventStatusChanged, sess.ID, "", body))
}

// MarkWaiting moves a pending session to waiting when the first party
// connects. Safe to call on every join; duplicates are no-ops.
func (e *Engine) MarkWaiting(ctx context.Context, id string) (Result, error) {
	applied, err := e.store.Transition(ctx, id,
		[]model.Status{model.StatusPending}, model.StatusWaiting,
		e.now().UnixMilli(), store.TransitionOpts{})
	if err != nil {
		return Result{}, err
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		e.broadcastStatus(res.Session)
	}
	return res, nil
}

// Start takes a waiting or scheduled session live. Scheduled sessions are
// additionally gated on a signed waiver. started_at is anchored by the
// store only if still null, so racing triggers from both parties agree on
// a single anchor time.
func (e *Engine) Start(ctx context.Context, id string) (Result, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return Result{}, err
	}

	var from []model.Status
	switch sess.Status {
	case model.StatusWaiting:
		from = []model.Status{model.StatusWaiting}
	case model.StatusScheduled:
		if sess.WaiverSignedAt == nil {
			log.Printf("session %s: start blocked, waiver unsigned", id)
			return Result{Session: sess, Applied: false}, nil
		}
		from = []model.Status{model.StatusScheduled}
	default:
		// already live or terminal, or not yet joined
		return Result{Session: sess, Applied: false}, nil
	}

	applied, err := e.store.Transition(ctx, id, from, model.StatusLive,
		e.now().UnixMilli(), store.TransitionOpts{})
	if err != nil {
		return Result{}, err
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		log.Printf("session %s: live, started_at=%d", id, *res.Session.StartedAt)
		e.broadcastStatus(res.Session)
	}
	return res, nil
}

// End completes a live session on an explicit request from either party.
func (e *Engine) End(ctx context.Context, id string, actorRole model.Role) (Result, error) {
	by := string(actorRole)
	applied, err := e.store.Transition(ctx, id,
		[]model.Status{model.StatusLive}, model.StatusCompleted,
		e.now().UnixMilli(), store.TransitionOpts{EndedBy: &by})
	if err != nil {
		return Result{}, err
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		e.broadcastStatus(res.Session)
	} else {
		log.Printf("session %s: end ignored in status %s", id, res.Session.Status)
	}
	return res, nil
}

// Cancel takes a not-yet-live session to cancelled. A late cancel against
// a live or terminal session is a silent no-op.
func (e *Engine) Cancel(ctx context.Context, id, by string) (Result, error) {
	applied, err := e.store.Transition(ctx, id,
		[]model.Status{model.StatusPending, model.StatusWaiting, model.StatusScheduled},
		model.StatusCancelled,
		e.now().UnixMilli(), store.TransitionOpts{EndedBy: &by})
	if err != nil {
		return Result{}, err
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		e.broadcastStatus(res.Session)
	}
	return res, nil
}

// Extend appends one ledger entry and tells connected clients the new
// total so they recompute remaining without refetching the session.
func (e *Engine) Extend(ctx context.Context, id string, minutes int, grantedBy string) (Result, error) {
	total, applied, err := e.store.AppendExtension(ctx, id, minutes, grantedBy, e.now().UnixMilli())
	if err != nil {
		return Result{}, fmt.Errorf("extend session: %w", err)
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		e.hub.Publish(relay.NewEvent(relay.EventExtended, id, grantedBy, map[string]any{
			"minutes":      minutes,
			"totalMinutes": total,
		}))
	}
	return res, nil
}
