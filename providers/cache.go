package providers

import (
	"sync"

	"github.com/glimte/mqlens-go/contracts"
)

// MessageCache is the per-adapter index behind cache-backed deletion:
// queue name -> message id -> message. It is populated only as a side
// effect of browse calls; entries are independent clones, not live views,
// so staleness after backend-side mutation is expected.
//
// The cache is scoped to a single adapter instance. A mutex guards it
// because Go callers may overlap browse calls on one adapter.
type MessageCache struct {
	mu     sync.RWMutex
	queues map[string]map[string]*contracts.Message
}

// NewMessageCache returns an empty cache.
func NewMessageCache() *MessageCache {
	return &MessageCache{queues: make(map[string]map[string]*contracts.Message)}
}

// StoreAll indexes every message under the queue, overwriting stale entries
// with the same id. Clones are stored, never the caller's values.
func (c *MessageCache) StoreAll(queue string, msgs []*contracts.Message) {
	if len(msgs) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.queues[queue]
	if byID == nil {
		byID = make(map[string]*contracts.Message, len(msgs))
		c.queues[queue] = byID
	}
	for _, m := range msgs {
		if m == nil || m.ID == "" {
			continue
		}
		byID[m.ID] = m.Clone()
	}
}

// Get returns a clone of the cached message, or nil when absent.
func (c *MessageCache) Get(queue, id string) *contracts.Message {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if byID := c.queues[queue]; byID != nil {
		return byID[id].Clone()
	}
	return nil
}

// Remove evicts one entry and reports whether it was present.
func (c *MessageCache) Remove(queue, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	byID := c.queues[queue]
	if byID == nil {
		return false
	}
	if _, ok := byID[id]; !ok {
		return false
	}
	delete(byID, id)
	if len(byID) == 0 {
		delete(c.queues, queue)
	}
	return true
}

// InvalidateQueue drops the entire entry for a queue. Called on clear and
// after destructive backend operations.
func (c *MessageCache) InvalidateQueue(queue string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.queues, queue)
}

// Reset drops everything. Called on disconnect.
func (c *MessageCache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queues = make(map[string]map[string]*contracts.Message)
}

// Len reports the number of cached messages for a queue.
func (c *MessageCache) Len(queue string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.queues[queue])
}
