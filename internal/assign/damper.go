package assign

import (
	"sync"
	"time"
)

// historySize bounds the per-account ring of recent disconnect timestamps.
const historySize = 10

// calmGap is the disconnect spacing at which damping resets: an account
// that stayed up for at least this long before dropping gets reassigned
// immediately.
const calmGap = 60 * time.Second

// maxDelay caps the reconnect cooldown.
const maxDelay = 60 * time.Second

// initialDelay is the first non-zero cooldown step for a tight loop.
const initialDelay = time.Second

// damper tracks disconnect history per account and derives the cooldown to
// apply before the next assignment. Remote servers that reject
// authentication or throttle logins otherwise drive tight reconnect loops.
type damper struct {
	mu       sync.Mutex
	history  map[string][]time.Time
	delay    map[string]time.Duration
	now      func() time.Time
}

func newDamper(now func() time.Time) *damper {
	if now == nil {
		now = time.Now
	}
	return &damper{
		history: make(map[string][]time.Time),
		delay:   make(map[string]time.Duration),
		now:     now,
	}
}

// disconnect records a disconnect for account and returns the cooldown to
// wait before reassigning it. A gap of calmGap or more since the previous
// disconnect resets the backoff to zero; anything tighter grows the prior
// delay by half, capped at maxDelay.
func (d *damper) disconnect(account string) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	ring := append(d.history[account], now)
	if len(ring) > historySize {
		ring = ring[len(ring)-historySize:]
	}
	d.history[account] = ring

	if len(ring) >= 2 && ring[len(ring)-1].Sub(ring[len(ring)-2]) >= calmGap {
		d.delay[account] = 0
		return 0
	}

	next := d.delay[account]
	switch {
	case next == 0:
		next = initialDelay
	default:
		next = time.Duration(float64(next) * 1.5)
		if next > maxDelay {
			next = maxDelay
		}
	}
	d.delay[account] = next
	return next
}

// forget drops all damping state for account. Called on account delete.
func (d *damper) forget(account string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, account)
	delete(d.delay, account)
}
