package cache

import "sync"

// Simple is an unbounded map with explicit removal only
type Simple[K comparable, V any] struct {
	mu      sync.RWMutex
	items   map[K]V
	stats   Statistics
	metrics *cacheMetrics
}

// NewSimple creates a Simple cache. Capacity and age options are ignored.
func NewSimple[K comparable, V any](opts ...Option[K, V]) (*Simple[K, V], error) {
	_, m, err := applyOptions("SimpleCache", opts)
	if err != nil {
		return nil, err
	}
	return &Simple[K, V]{items: make(map[K]V), metrics: m}, nil
}

// Get returns the value for key
func (c *Simple[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.items[key]
	c.mu.RUnlock()
	c.recordLookup(ok)
	return v, ok
}

// Has reports whether key is present
func (c *Simple[K, V]) Has(key K) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.items[key]
	return ok
}

// Set stores value under key and reports whether the key was new
func (c *Simple[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	_, exists := c.items[key]
	c.items[key] = value
	n := len(c.items)
	c.mu.Unlock()

	c.stats.sets.Add(1)
	c.setSize(n)
	return !exists
}

// Pop removes and returns the value for key
func (c *Simple[K, V]) Pop(key K) (V, bool) {
	c.mu.Lock()
	v, ok := c.items[key]
	delete(c.items, key)
	n := len(c.items)
	c.mu.Unlock()

	if ok {
		c.stats.deletes.Add(1)
		c.setSize(n)
	}
	return v, ok
}

// DeleteFunc removes every entry for which match returns true
func (c *Simple[K, V]) DeleteFunc(match func(K) bool) int {
	c.mu.Lock()
	removed := 0
	for k := range c.items {
		if match(k) {
			delete(c.items, k)
			removed++
		}
	}
	n := len(c.items)
	c.mu.Unlock()

	c.stats.deletes.Add(int64(removed))
	c.setSize(n)
	return removed
}

// Keys returns the keys in unspecified order
func (c *Simple[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.items))
	for k := range c.items {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of entries
func (c *Simple[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Stats returns the counters
func (c *Simple[K, V]) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Simple[K, V]) recordLookup(hit bool) {
	if hit {
		c.stats.hits.Add(1)
	} else {
		c.stats.misses.Add(1)
	}
	if c.metrics != nil {
		if hit {
			c.metrics.lookups.WithLabelValues("hit").Inc()
		} else {
			c.metrics.lookups.WithLabelValues("miss").Inc()
		}
	}
}

func (c *Simple[K, V]) setSize(n int) {
	if c.metrics != nil {
		c.metrics.size.Set(float64(n))
	}
}
