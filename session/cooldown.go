package session

import (
	"sort"
	"sync"
	"time"
)

// Cooldown remembers channels that recently exhausted their offline budget so
// the reconciler does not reopen them straight away.
type Cooldown struct {
	mu    sync.Mutex
	d     time.Duration
	until map[string]time.Time
}

// NewCooldown returns a cool-down list with a fixed duration.
func NewCooldown(d time.Duration) *Cooldown {
	return &Cooldown{d: d, until: make(map[string]time.Time)}
}

// Add puts name on cool-down starting at now and returns the expiry.
func (c *Cooldown) Add(name string, now time.Time) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp := now.Add(c.d)
	c.until[name] = exp
	return exp
}

// Active reports whether name is still cooling down at now. Expired entries
// are dropped.
func (c *Cooldown) Active(name string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	exp, ok := c.until[name]
	if !ok {
		return false
	}
	if !now.Before(exp) {
		delete(c.until, name)
		return false
	}
	return true
}

// Clear empties the list.
func (c *Cooldown) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until = make(map[string]time.Time)
}

// Entry is one cooling-down channel.
type Entry struct {
	Channel string    `json:"channel"`
	Until   time.Time `json:"until"`
}

// Snapshot returns unexpired entries sorted by channel.
func (c *Cooldown) Snapshot(now time.Time) []Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Entry, 0, len(c.until))
	for name, exp := range c.until {
		if now.Before(exp) {
			out = append(out, Entry{Channel: name, Until: exp})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}
