package relay

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// seenCache remembers message keys for a TTL, bounded in size.
// Expired entries are dropped from the front of the insertion list on each mark.
type seenCache struct {
	mu      sync.Mutex
	seen    map[string]*seenEntry
	order   *list.List
	ttl     time.Duration
	maxSize int
	now     func() time.Time
}

func newSeenCache(ttl time.Duration, maxSize int) *seenCache {
	return &seenCache{
		seen:    make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// CheckAndMark reports whether key was already seen within the TTL and marks it.
func (c *seenCache) CheckAndMark(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	c.expireLocked(now)

	if e, ok := c.seen[key]; ok && now.Sub(e.at) < c.ttl {
		return true
	}
	if len(c.seen) >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.order.Remove(front)
			delete(c.seen, front.Value.(string))
		}
	}
	c.seen[key] = &seenEntry{at: now, element: c.order.PushBack(key)}
	return false
}

func (c *seenCache) expireLocked(now time.Time) {
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		key := front.Value.(string)
		if now.Sub(c.seen[key].at) < c.ttl {
			return
		}
		c.order.Remove(front)
		delete(c.seen, key)
	}
}

func (c *seenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.seen)
}
