package peer

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// CutoffCooldown rate-limits per-peer CUTOFFS (re)negotiation traffic (spec
// §4.5 "rate-limited" cutoff probing, §9 Open Question (b)), grounded on
// the teacher's bird-adapter reconnect backoff
// (modules/route/bird-adapter/service.go).
type CutoffCooldown struct {
	mu      sync.Mutex
	backoff *backoff.ExponentialBackOff
	blocked bool
	until   time.Time
}

// NewCutoffCooldown returns a cooldown gate that allows the first CUTOFFS
// immediately and backs off exponentially thereafter, capped at 30s.
func NewCutoffCooldown() *CutoffCooldown {
	return &CutoffCooldown{
		backoff: &backoff.ExponentialBackOff{
			InitialInterval:     100 * time.Millisecond,
			RandomizationFactor: backoff.DefaultRandomizationFactor,
			Multiplier:          backoff.DefaultMultiplier,
			MaxInterval:         30 * time.Second,
		},
	}
}

// Ready reports whether the cooldown has elapsed since the last send.
func (c *CutoffCooldown) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.blocked {
		return true
	}
	return !time.Now().Before(c.until)
}

// NoteSent records a CUTOFFS send, advancing the cooldown by the next
// exponential backoff interval.
func (c *CutoffCooldown) NoteSent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.backoff.NextBackOff()
	c.blocked = true
	c.until = time.Now().Add(d)
}

// Reset clears the cooldown immediately, e.g. after a successful cutoff
// renegotiation handshake.
func (c *CutoffCooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.backoff.Reset()
	c.blocked = false
}
