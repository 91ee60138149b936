package storage

import (
	"sync"
	"time"
)

// DeliveryCache tracks delivered event ids so expired messages that did
// reach a subscriber are not reported as lost.
type DeliveryCache struct {
	mu     sync.RWMutex
	marked map[int64]time.Time
	ttl    time.Duration
}

func NewDeliveryCache(ttl time.Duration) *DeliveryCache {
	return &DeliveryCache{
		marked: make(map[int64]time.Time),
		ttl:    ttl,
	}
}

func (c *DeliveryCache) Mark(eventID int64) {
	c.mu.Lock()
	c.marked[eventID] = time.Now()
	c.mu.Unlock()
}

// MarkIfNotExists reports whether the id was marked by this call.
func (c *DeliveryCache) MarkIfNotExists(eventID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.marked[eventID]; ok {
		return false
	}
	c.marked[eventID] = time.Now()
	return true
}

func (c *DeliveryCache) IsMarked(eventID int64) bool {
	c.mu.RLock()
	_, ok := c.marked[eventID]
	c.mu.RUnlock()
	return ok
}

// Cleanup drops entries older than the ttl and returns how many went away.
func (c *DeliveryCache) Cleanup() int {
	return c.cleanup(time.Now())
}

func (c *DeliveryCache) cleanup(now time.Time) int {
	cutoff := now.Add(-c.ttl)
	removed := 0
	c.mu.Lock()
	for id, at := range c.marked {
		if at.Before(cutoff) {
			delete(c.marked, id)
			removed++
		}
	}
	c.mu.Unlock()
	return removed
}

func (c *DeliveryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.marked)
}
