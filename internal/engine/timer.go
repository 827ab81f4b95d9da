package engine

import (
	"context"
	"log"
	"time"

	"mechlink/internal/model"
)

// Remaining computes the time left on a session at the given instant:
// (started_at + plan base + ledger sum) - now. The ledger is summed on
// every call so a late-arriving extension lengthens the session within
// one tick. Sessions that never started report the full allotment.
func (e *Engine) Remaining(ctx context.Context, sess *model.Session, at time.Time) (time.Duration, error) {
	total, err := e.store.TotalMinutes(ctx, sess.ID)
	if err != nil {
		return 0, err
	}
	allotted := time.Duration(total) * time.Minute
	if sess.StartedAt == nil {
		return allotted, nil
	}
	end := time.UnixMilli(*sess.StartedAt).Add(allotted)
	return end.Sub(at), nil
}

// CheckExpiry is the authoritative server-side timeout: if a live
// session's remaining time has run out, complete it with auto-expiry
// metadata and broadcast so still-connected clients redirect. Invoked
// reactively by a client's time-up call and periodically by the sweep,
// so expiry does not depend on any client staying connected. The store
// re-sums the ledger inside the guarded write, so an extension landing
// after this function read the session makes the timeout a no-op.
func (e *Engine) CheckExpiry(ctx context.Context, id string) (Result, error) {
	sess, err := e.store.GetSession(ctx, id)
	if err != nil {
		return Result{}, err
	}
	if sess.Status != model.StatusLive || sess.StartedAt == nil {
		return Result{Session: sess, Applied: false}, nil
	}

	applied, err := e.store.CompleteIfExpired(ctx, id, sess.BaseMinutes(), e.now().UnixMilli())
	if err != nil {
		return Result{}, err
	}
	res, err := e.snapshot(ctx, id, applied)
	if err != nil {
		return Result{}, err
	}
	if applied {
		log.Printf("session %s: auto-expired, planned end %d", id, *res.Session.PlannedEndAt)
		e.broadcastStatus(res.Session)
	}
	return res, nil
}
