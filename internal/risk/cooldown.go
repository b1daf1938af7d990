package risk

import (
	"sync"
	"time"
)

// Cooldown blocks re-entry on a key for a fixed period after it was last
// started. Exits are never subject to it.
type Cooldown struct {
	period time.Duration

	mu   sync.Mutex
	last map[string]time.Time
}

// NewCooldown returns a tracker; a non-positive period disables it.
func NewCooldown(period time.Duration) *Cooldown {
	return &Cooldown{period: period, last: make(map[string]time.Time)}
}

func (c *Cooldown) Start(key string, at time.Time) {
	if c.period <= 0 || key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last[key] = at
}

// Remaining returns how long key stays blocked at now, or zero.
func (c *Cooldown) Remaining(key string, now time.Time) time.Duration {
	if c.period <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	at, ok := c.last[key]
	if !ok {
		return 0
	}
	left := c.period - now.Sub(at)
	if left <= 0 {
		delete(c.last, key)
		return 0
	}
	return left
}

// Len reports the number of keys still tracked.
func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}
