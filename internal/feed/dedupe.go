package feed

import (
	"container/list"
	"sync"
)

// dedupeCache is a fixed-size LRU set of natural message keys. Lookups
// refresh recency so hot symbols do not evict each other's recent keys.
type dedupeCache struct {
	mu    sync.Mutex
	limit int
	order *list.List
	keys  map[string]*list.Element
}

func newDedupeCache(limit int) *dedupeCache {
	if limit <= 0 {
		limit = 8192
	}
	return &dedupeCache{
		limit: limit,
		order: list.New(),
		keys:  make(map[string]*list.Element, limit),
	}
}

// Seen records key and reports whether it was already present.
func (c *dedupeCache) Seen(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.keys[key]; ok {
		c.order.MoveToFront(el)
		return true
	}
	c.keys[key] = c.order.PushFront(key)
	if c.order.Len() > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.keys, oldest.Value.(string))
	}
	return false
}

func (c *dedupeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
