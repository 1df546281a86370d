package nfc

import (
	"sync"
	"time"
)

// TagCache remembers which tags are in the field so a tag held against
// the reader is reported once per presentation.
type TagCache struct {
	mu       sync.Mutex
	clock    Clock
	timeout  time.Duration
	lastSeen map[string]time.Time
	lastTag  Tag
}

// NewTagCache creates a cache that forgets a tag once it has not been seen
// for timeout.
func NewTagCache(clock Clock, timeout time.Duration) *TagCache {
	if clock == nil {
		clock = NewRealClock()
	}
	if timeout <= 0 {
		timeout = PresenceTimeout
	}
	return &TagCache{
		clock:    clock,
		timeout:  timeout,
		lastSeen: make(map[string]time.Time),
	}
}

// Observe records a sighting of tag and reports whether it is a new
// presentation.
func (c *TagCache) Observe(tag Tag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	uid := tag.UID()
	seen, ok := c.lastSeen[uid]
	c.lastSeen[uid] = now
	if ok && now.Sub(seen) < c.timeout {
		return false
	}
	c.lastTag = tag
	return true
}

// Expire drops tags that left the field and returns their UIDs.
func (c *TagCache) Expire() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var gone []string
	for uid, seen := range c.lastSeen {
		if now.Sub(seen) >= c.timeout {
			delete(c.lastSeen, uid)
			gone = append(gone, uid)
		}
	}
	return gone
}

// IsPresent reports whether any tag was seen within the timeout.
func (c *TagCache) IsPresent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	for _, seen := range c.lastSeen {
		if now.Sub(seen) < c.timeout {
			return true
		}
	}
	return false
}

// LastTag returns the most recently presented tag, or nil.
func (c *TagCache) LastTag() Tag {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTag
}

// Clear forgets every tag.
func (c *TagCache) Clear() {
	c.mu.Lock()
	c.lastSeen = make(map[string]time.Time)
	c.lastTag = nil
	c.mu.Unlock()
}
