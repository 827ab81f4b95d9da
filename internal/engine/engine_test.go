package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"mechlink/internal/model"
	"mechlink/internal/relay"
	"mechlink/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{t: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type captureWriter struct {
	mu     sync.Mutex
	events []relay.Event
}

func (w *captureWriter) Write(message []byte) error {
	var ev relay.Event
	if err := json.Unmarshal(message, &ev); err != nil {
		return err
	}
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()
	return nil
}

func (w *captureWriter) Close() error { return nil }

func (w *captureWriter) named(name string) []relay.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []relay.Event
	for _, ev := range w.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

type testRig struct {
	store  *store.Store
	hub    *relay.Hub
	engine *Engine
	clock  *fakeClock
	wire   *captureWriter
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	clock := newFakeClock(time.UnixMilli(1_000_000))
	hub := relay.New()
	eng := NewWithNow(st, hub, LogNotifier{}, clock.Now)
	return &testRig{store: st, hub: hub, engine: eng, clock: clock, wire: &captureWriter{}}
}

func (r *testRig) watch(sessionID string) {
	r.hub.Register(&relay.Connection{SessionID: sessionID, ConnID: uuid.New().String(), Writer: r.wire})
}

func (r *testRig) createSession(t *testing.T, status model.Status, mutate func(*model.Session)) *model.Session {
	t.Helper()
	sess := &model.Session{
		ID:          uuid.New().String(),
		Type:        model.TypeVideo,
		Plan:        "video",
		CustomerID:  "cust_1",
		Status:      status,
		AmountCents: 10000,
		CreatedAt:   r.clock.Now().UnixMilli(),
	}
	if mutate != nil {
		mutate(sess)
	}
	if err := r.store.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return sess
}

func TestLifecycle_PendingToCompletedByExpiry(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusPending, nil)
	r.watch(sess.ID)

	// customer connects
	res, err := r.engine.MarkWaiting(ctx, sess.ID)
	if err != nil || !res.Applied {
		t.Fatalf("MarkWaiting: applied=%v err=%v", res.Applied, err)
	}
	if res.Session.Status != model.StatusWaiting {
		t.Fatalf("expected waiting, got %s", res.Session.Status)
	}

	// mechanic connects
	res, err = r.engine.Start(ctx, sess.ID)
	if err != nil || !res.Applied {
		t.Fatalf("Start: applied=%v err=%v", res.Applied, err)
	}
	if res.Session.StartedAt == nil {
		t.Fatalf("expected started_at anchored")
	}
	startedAt := *res.Session.StartedAt

	// plan duration elapses with no extension
	r.clock.Advance(46 * time.Minute)
	res, err = r.engine.CheckExpiry(ctx, sess.ID)
	if err != nil || !res.Applied {
		t.Fatalf("CheckExpiry: applied=%v err=%v", res.Applied, err)
	}
	if res.Session.Status != model.StatusCompleted || !res.Session.AutoExpired {
		t.Fatalf("expected auto-expired completed, got %+v", res.Session)
	}
	if res.Session.PlannedEndAt == nil || *res.Session.PlannedEndAt != startedAt+45*60_000 {
		t.Fatalf("unexpected planned end %v", res.Session.PlannedEndAt)
	}

	if got := len(r.wire.named(relay.EventStatusChanged)); got != 3 {
		t.Fatalf("expected 3 status broadcasts, got %d", got)
	}
}

func TestStart_DuplicateTriggersOneAnchor(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusWaiting, nil)

	first, err := r.engine.Start(ctx, sess.ID)
	if err != nil || !first.Applied {
		t.Fatalf("Start: applied=%v err=%v", first.Applied, err)
	}

	r.clock.Advance(time.Minute)
	second, err := r.engine.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if second.Applied {
		t.Fatalf("expected second start not applied")
	}
	if *second.Session.StartedAt != *first.Session.StartedAt {
		t.Fatalf("started_at moved: %d vs %d", *first.Session.StartedAt, *second.Session.StartedAt)
	}
}

func TestStart_ScheduledRequiresWaiver(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	at := r.clock.Now().UnixMilli()
	sess := r.createSession(t, model.StatusScheduled, func(s *model.Session) {
		s.ScheduledFor = &at
	})

	res, err := r.engine.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected start blocked without waiver")
	}

	if applied, _ := r.store.SignWaiver(ctx, sess.ID, at); !applied {
		t.Fatalf("SignWaiver not applied")
	}
	res, err = r.engine.Start(ctx, sess.ID)
	if err != nil || !res.Applied {
		t.Fatalf("Start after waiver: applied=%v err=%v", res.Applied, err)
	}
}

func TestEnd_IgnoredWhenNotLive(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusWaiting, nil)

	res, err := r.engine.End(ctx, sess.ID, model.RoleCustomer)
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected end ignored on waiting session")
	}
	if res.Session.Status != model.StatusWaiting {
		t.Fatalf("status regressed to %s", res.Session.Status)
	}
}

func TestCancel_LateJoinAfterTerminalIsNoOp(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusWaiting, nil)

	if res, err := r.engine.Cancel(ctx, sess.ID, "customer"); err != nil || !res.Applied {
		t.Fatalf("Cancel: %v", err)
	}

	// late-arriving start against the now-terminal session
	res, err := r.engine.Start(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if res.Applied || res.Session.Status != model.StatusCancelled {
		t.Fatalf("expected silent no-op, got %+v", res.Session)
	}
}

func TestExtend_LengthensRemainingWithoutMovingAnchor(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusWaiting, nil)
	r.watch(sess.ID)

	res, err := r.engine.Start(ctx, sess.ID)
	if err != nil || !res.Applied {
		t.Fatalf("Start: %v", err)
	}
	startedAt := *res.Session.StartedAt

	// extension granted at T+40 on a 45-minute session
	r.clock.Advance(40 * time.Minute)
	res, err = r.engine.Extend(ctx, sess.ID, 15, "cust_1")
	if err != nil || !res.Applied {
		t.Fatalf("Extend: applied=%v err=%v", res.Applied, err)
	}
	if *res.Session.StartedAt != startedAt {
		t.Fatalf("extension moved started_at")
	}

	// at T+50 about 10 minutes remain, not expired
	r.clock.Advance(10 * time.Minute)
	remaining, err := r.engine.Remaining(ctx, res.Session, r.clock.Now())
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if remaining < 9*time.Minute || remaining > 11*time.Minute {
		t.Fatalf("expected ~10m remaining, got %v", remaining)
	}

	exp, err := r.engine.CheckExpiry(ctx, sess.ID)
	if err != nil {
		t.Fatalf("CheckExpiry: %v", err)
	}
	if exp.Applied {
		t.Fatalf("expected no expiry with extension in ledger")
	}

	events := r.wire.named(relay.EventExtended)
	if len(events) != 1 {
		t.Fatalf("expected 1 extension broadcast, got %d", len(events))
	}
	if got := events[0].Body["totalMinutes"].(float64); got != 60 {
		t.Fatalf("expected totalMinutes 60, got %v", got)
	}
}

func TestExtend_RejectedOnNonLiveSession(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusPending, nil)

	res, err := r.engine.Extend(ctx, sess.ID, 15, "cust_1")
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	if res.Applied {
		t.Fatalf("expected extension ignored on pending session")
	}
}

func TestCheckExpiry_ConcurrentCallsOneCompletion(t *testing.T) {
	r := newTestRig(t)
	ctx := context.Background()
	sess := r.createSession(t, model.StatusWaiting, nil)

	if _, err := r.engine.Start(ctx, sess.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.clock.Advance(50 * time.Minute)

	var wg sync.WaitGroup
	appliedCount := make(chan bool, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.engine.CheckExpiry(ctx, sess.ID)
			if err != nil {
				t.Errorf("CheckExpiry: %v", err)
				return
			}
			appliedCount <- res.Applied
		}()
	}
	wg.Wait()
	close(appliedCount)

	applied := 0
	for ok := range appliedCount {
		if ok {
			applied++
		}
	}
	if applied != 1 {
		t.Fatalf("expected exactly one applied expiry, got %d", applied)
	}
}
