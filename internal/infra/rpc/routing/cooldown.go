package routing

import (
	"sync"
	"time"
)

// Cooldowns maps provider names to the time they become selectable again.
type Cooldowns struct {
	mu    sync.RWMutex
	until map[string]time.Time
}

// NewCooldowns creates an empty cooldown registry.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{until: make(map[string]time.Time)}
}

// Set puts a provider in cooldown until the given time. An active cooldown is
// only ever extended, never shortened. Returns the effective resume time.
func (c *Cooldowns) Set(name string, until time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.until[name]; ok && cur.After(until) {
		return cur
	}
	c.until[name] = until
	return until
}

// Until returns the resume time for a provider, zero when never cooled down.
func (c *Cooldowns) Until(name string) time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.until[name]
}

// Active reports whether the provider is still cooling down at now.
func (c *Cooldowns) Active(name string, now time.Time) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	until, ok := c.until[name]
	return ok && now.Before(until)
}

// Snapshot returns a copy of all cooldowns still active at now.
func (c *Cooldowns) Snapshot(now time.Time) map[string]time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string]time.Time, len(c.until))
	for name, until := range c.until {
		if now.Before(until) {
			out[name] = until
		}
	}
	return out
}
