package client

import (
	"context"
	"sync"
	"time"
)

// WarnThresholds are the advisory "N minutes remaining" marks. Each fires
// at most once per Countdown lifetime; a reconnect builds a fresh
// Countdown, which is what resets the flags.
var WarnThresholds = []time.Duration{5 * time.Minute, time.Minute}

// Countdown is the client-side advisory timer. It recomputes remaining
// from the start anchor and the current total every tick, so an extension
// takes effect on the next second. The server stays authoritative: on
// expiry the client reports time-up instead of ending anything itself.
type Countdown struct {
	startedAt time.Time
	now       func() time.Time

	mu           sync.Mutex
	totalMinutes int
	warned       map[time.Duration]bool
	expired      bool

	onWarn   func(threshold time.Duration)
	onExpire func()
}

func NewCountdown(startedAt time.Time, totalMinutes int, onWarn func(time.Duration), onExpire func()) *Countdown {
	return newCountdownWithNow(startedAt, totalMinutes, onWarn, onExpire, time.Now)
}

func newCountdownWithNow(startedAt time.Time, totalMinutes int, onWarn func(time.Duration), onExpire func(), now func() time.Time) *Countdown {
	return &Countdown{
		startedAt:    startedAt,
		now:          now,
		totalMinutes: totalMinutes,
		warned:       make(map[time.Duration]bool),
		onWarn:       onWarn,
		onExpire:     onExpire,
	}
}

// SetTotalMinutes applies a broadcast extension. Totals never shrink.
func (c *Countdown) SetTotalMinutes(total int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if total > c.totalMinutes {
		c.totalMinutes = total
	}
}

func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	total := c.totalMinutes
	c.mu.Unlock()
	end := c.startedAt.Add(time.Duration(total) * time.Minute)
	return end.Sub(c.now())
}

// Tick evaluates thresholds and expiry once. Run calls it every second;
// tests call it directly.
func (c *Countdown) Tick() {
	remaining := c.Remaining()

	c.mu.Lock()
	var fired []time.Duration
	for _, threshold := range WarnThresholds {
		if remaining <= threshold && remaining > 0 && !c.warned[threshold] {
			c.warned[threshold] = true
			fired = append(fired, threshold)
		}
	}
	expire := false
	if remaining <= 0 && !c.expired {
		c.expired = true
		expire = true
	}
	c.mu.Unlock()

	for _, threshold := range fired {
		if c.onWarn != nil {
			c.onWarn(threshold)
		}
	}
	if expire && c.onExpire != nil {
		c.onExpire()
	}
}

// Run ticks once per second until the context is cancelled.
func (c *Countdown) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick()
		}
	}
}
