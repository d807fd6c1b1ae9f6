package messaging

import (
	"sync"
	"time"
)

// UnreadCounter is the navigation badge count. It follows the server's
// count and is decremented locally as messages are read. It never goes
// below zero.
type UnreadCounter struct {
	mu       sync.Mutex
	value    int
	syncedAt time.Time
}

// Value returns the current count.
func (c *UnreadCounter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// SyncedAt returns when the count was last taken from the server.
func (c *UnreadCounter) SyncedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncedAt
}

// Decrement lowers the count by one for a single message read locally.
func (c *UnreadCounter) Decrement() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value > 0 {
		c.value--
	}
}

// Reconcile adopts the server's count. outstanding is the number of messages
// read locally whose acknowledgment the server has not seen yet; they are
// still unread server-side and are subtracted so the badge does not jump back.
func (c *UnreadCounter) Reconcile(serverCount, outstanding int, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = max(serverCount-outstanding, 0)
	c.syncedAt = at
}
