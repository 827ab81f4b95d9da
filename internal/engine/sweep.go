package engine

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"
	"mechlink/internal/model"
	"mechlink/internal/store"
)

const (
	// waiver reminder goes out when start is this close
	reminderLead = 15 * time.Minute
	// unsigned waiver this long past start is a no-show
	noShowGrace = 10 * time.Minute
	// waiting sessions older than this with no active request are orphans
	staleWaitingWindow = time.Hour
	// deliberately generous: an aggressive window hid pending requests
	// from mechanics before they could accept them
	abandonedRequestWindow = 24 * time.Hour

	// mechanic keeps this share of a no-show's paid amount
	noShowCompensationPct = 30
	creditValidity        = 90 * 24 * time.Hour
)

// Sweeper is the periodic reconciliation job. Every pass reads candidates
// with status-scoped queries and repairs them through the same guarded
// transitions everything else uses, so overlapping runs and races with
// live traffic collapse to single effects. Item failures are logged and
// left for the next cycle.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
}

func NewSweeper(engine *Engine, interval time.Duration) *Sweeper {
	return &Sweeper{engine: engine, interval: interval}
}

// Run sweeps on the configured interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep performs one reconciliation pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.sweepReminders(ctx)
	s.sweepNoShows(ctx)
	s.sweepExpiry(ctx)
	s.sweepOrphans(ctx)
}

func (s *Sweeper) sweepReminders(ctx context.Context) {
	now := s.engine.now().UnixMilli()
	due, err := s.engine.store.ScheduledNeedingReminder(ctx, now, reminderLead.Milliseconds())
	if err != nil {
		log.Printf("sweep: reminder query: %v", err)
		return
	}

	for _, sess := range due {
		// the conditional mark is the dedupe across overlapping runs
		applied, err := s.engine.store.MarkReminderSent(ctx, sess.ID, now)
		if err != nil {
			log.Printf("sweep: mark reminder %s: %v", sess.ID, err)
			continue
		}
		if !applied {
			continue
		}
		err = s.engine.notifier.Notify(ctx, sess.CustomerID, TemplateWaiverReminder, map[string]any{
			"sessionId":    sess.ID,
			"scheduledFor": *sess.ScheduledFor,
		})
		if err != nil {
			log.Printf("sweep: reminder notify %s: %v", sess.ID, err)
		}
	}
}

func (s *Sweeper) sweepNoShows(ctx context.Context) {
	now := s.engine.now()
	candidates, err := s.engine.store.ScheduledNoShows(ctx, now.UnixMilli(), noShowGrace.Milliseconds())
	if err != nil {
		log.Printf("sweep: no-show query: %v", err)
		return
	}

	for _, sess := range candidates {
		if sess.MechanicID == nil {
			// nobody to compensate; close without payout records
			by := "sweep"
			if _, err := s.engine.store.Transition(ctx, sess.ID,
				[]model.Status{model.StatusScheduled}, model.StatusCancelledNoShow,
				now.UnixMilli(), store.TransitionOpts{EndedBy: &by}); err != nil {
				log.Printf("sweep: no-show close %s: %v", sess.ID, err)
			}
			continue
		}

		compCents := sess.AmountCents * noShowCompensationPct / 100
		comp := &model.CompensationRecord{
			ID:          uuid.New().String(),
			SessionID:   sess.ID,
			MechanicID:  *sess.MechanicID,
			AmountCents: compCents,
			CreatedAt:   now.UnixMilli(),
		}
		credit := &model.CreditRecord{
			ID:          uuid.New().String(),
			SessionID:   sess.ID,
			CustomerID:  sess.CustomerID,
			AmountCents: sess.AmountCents - compCents,
			ExpiresAt:   now.Add(creditValidity).UnixMilli(),
			CreatedAt:   now.UnixMilli(),
		}

		applied, err := s.engine.store.CreateNoShowPayout(ctx, comp, credit, now.UnixMilli())
		if err != nil {
			// session stays scheduled, retried next cycle
			log.Printf("sweep: no-show payout %s: %v", sess.ID, err)
			continue
		}
		if !applied {
			continue
		}

		log.Printf("session %s: no-show, comp=%d credit=%d", sess.ID, comp.AmountCents, credit.AmountCents)
		if res, err := s.engine.snapshot(ctx, sess.ID, true); err == nil {
			s.engine.broadcastStatus(res.Session)
		}
		if err := s.engine.notifier.Notify(ctx, sess.CustomerID, TemplateNoShowCustomer, map[string]any{
			"sessionId":   sess.ID,
			"creditCents": credit.AmountCents,
			"expiresAt":   credit.ExpiresAt,
		}); err != nil {
			log.Printf("sweep: no-show notify customer %s: %v", sess.ID, err)
		}
		if err := s.engine.notifier.Notify(ctx, *sess.MechanicID, TemplateNoShowMechanic, map[string]any{
			"sessionId": sess.ID,
			"compCents": comp.AmountCents,
		}); err != nil {
			log.Printf("sweep: no-show notify mechanic %s: %v", sess.ID, err)
		}
	}
}

// sweepExpiry is the backstop for live sessions whose clients all went
// away: expiry must not depend on anyone being connected.
func (s *Sweeper) sweepExpiry(ctx context.Context) {
	live, err := s.engine.store.LiveSessions(ctx)
	if err != nil {
		log.Printf("sweep: live query: %v", err)
		return
	}
	for _, sess := range live {
		if _, err := s.engine.CheckExpiry(ctx, sess.ID); err != nil {
			log.Printf("sweep: expiry %s: %v", sess.ID, err)
		}
	}
}

func (s *Sweeper) sweepOrphans(ctx context.Context) {
	now := s.engine.now()

	stale, err := s.engine.store.StaleWaiting(ctx, now.Add(-staleWaitingWindow).UnixMilli())
	if err != nil {
		log.Printf("sweep: stale-waiting query: %v", err)
	} else {
		for _, sess := range stale {
			if sess.RequestID != nil {
				req, err := s.engine.store.GetRequest(ctx, *sess.RequestID)
				if err == nil && req.Status == model.RequestPending {
					continue
				}
			}
			if _, err := s.engine.Cancel(ctx, sess.ID, "sweep"); err != nil {
				log.Printf("sweep: cancel stale session %s: %v", sess.ID, err)
			} else {
				log.Printf("session %s: cancelled by sweep (stale waiting)", sess.ID)
			}
		}
	}

	abandoned, err := s.engine.store.AbandonedRequests(ctx, now.Add(-abandonedRequestWindow).UnixMilli())
	if err != nil {
		log.Printf("sweep: abandoned-request query: %v", err)
		return
	}
	for _, req := range abandoned {
		applied, err := s.engine.store.CancelRequest(ctx, req.ID, now.UnixMilli())
		if err != nil {
			log.Printf("sweep: cancel request %s: %v", req.ID, err)
			continue
		}
		if !applied {
			continue
		}
		log.Printf("request %s: cancelled by sweep (abandoned)", req.ID)
		if req.SessionID != nil {
			// cascade; the guard skips sessions already live or terminal
			if _, err := s.engine.Cancel(ctx, *req.SessionID, "sweep"); err != nil {
				log.Printf("sweep: cascade cancel %s: %v", *req.SessionID, err)
			}
		}
	}
}
