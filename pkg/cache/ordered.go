package cache

import (
	"container/list"
	"sync"
	"time"
)

type orderedEntry[K comparable, V any] struct {
	key     K
	value   V
	created time.Time
}

// Ordered keeps entries in insertion order. When full, or when an entry is
// older than the configured max age, the oldest entries are evicted.
// Updating an existing key keeps its position and age.
type Ordered[K comparable, V any] struct {
	mu      sync.Mutex
	order   *list.List
	index   map[K]*list.Element
	opts    *options[K, V]
	stats   Statistics
	metrics *cacheMetrics
}

// NewOrdered creates an insertion-ordered cache
func NewOrdered[K comparable, V any](opts ...Option[K, V]) (*Ordered[K, V], error) {
	o, m, err := applyOptions("OrderedCache", opts)
	if err != nil {
		return nil, err
	}
	return &Ordered[K, V]{
		order:   list.New(),
		index:   make(map[K]*list.Element),
		opts:    o,
		metrics: m,
	}, nil
}

// Set inserts or updates key and reports whether it was new
func (c *Ordered[K, V]) Set(key K, value V) bool {
	var evicted []orderedEntry[K, V]

	c.mu.Lock()
	if el, ok := c.index[key]; ok {
		el.Value.(*orderedEntry[K, V]).value = value
		c.mu.Unlock()
		c.stats.sets.Add(1)
		return false
	}

	c.index[key] = c.order.PushBack(&orderedEntry[K, V]{key: key, value: value, created: c.opts.now()})
	evicted = c.evictLocked()
	n := c.order.Len()
	c.mu.Unlock()

	c.stats.sets.Add(1)
	c.afterEvict(evicted, n)
	return true
}

// Get returns the value for key unless it has aged out
func (c *Ordered[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	evicted := c.evictLocked()
	el, ok := c.index[key]
	var v V
	if ok {
		v = el.Value.(*orderedEntry[K, V]).value
	}
	n := c.order.Len()
	c.mu.Unlock()

	c.afterEvict(evicted, n)
	if ok {
		c.stats.hits.Add(1)
	} else {
		c.stats.misses.Add(1)
	}
	if c.metrics != nil {
		if ok {
			c.metrics.lookups.WithLabelValues("hit").Inc()
		} else {
			c.metrics.lookups.WithLabelValues("miss").Inc()
		}
	}
	return v, ok
}

// Delete removes key
func (c *Ordered[K, V]) Delete(key K) bool {
	c.mu.Lock()
	el, ok := c.index[key]
	if ok {
		c.order.Remove(el)
		delete(c.index, key)
	}
	n := c.order.Len()
	c.mu.Unlock()

	if ok {
		c.stats.deletes.Add(1)
		if c.metrics != nil {
			c.metrics.size.Set(float64(n))
		}
	}
	return ok
}

// Prune evicts aged entries and returns how many were removed
func (c *Ordered[K, V]) Prune() int {
	c.mu.Lock()
	evicted := c.evictLocked()
	n := c.order.Len()
	c.mu.Unlock()

	c.afterEvict(evicted, n)
	return len(evicted)
}

// Range calls fn for each live entry from oldest to newest until fn returns false
func (c *Ordered[K, V]) Range(fn func(key K, value V) bool) {
	c.mu.Lock()
	entries := make([]orderedEntry[K, V], 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, *el.Value.(*orderedEntry[K, V]))
	}
	c.mu.Unlock()

	for _, e := range entries {
		if !fn(e.key, e.value) {
			return
		}
	}
}

// Len returns the number of entries
func (c *Ordered[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns the counters
func (c *Ordered[K, V]) Stats() StatsSnapshot {
	return c.stats.Snapshot()
}

func (c *Ordered[K, V]) evictLocked() []orderedEntry[K, V] {
	var evicted []orderedEntry[K, V]
	now := c.opts.now()
	for el := c.order.Front(); el != nil; el = c.order.Front() {
		e := el.Value.(*orderedEntry[K, V])
		overCapacity := c.opts.capacity > 0 && c.order.Len() > c.opts.capacity
		expired := c.opts.maxAge > 0 && now.Sub(e.created) > c.opts.maxAge
		if !overCapacity && !expired {
			break
		}
		c.order.Remove(el)
		delete(c.index, e.key)
		evicted = append(evicted, *e)
	}
	return evicted
}

func (c *Ordered[K, V]) afterEvict(evicted []orderedEntry[K, V], n int) {
	if len(evicted) > 0 {
		c.stats.evictions.Add(int64(len(evicted)))
		if c.metrics != nil {
			c.metrics.evictions.Add(float64(len(evicted)))
		}
		if c.opts.onEvict != nil {
			for _, e := range evicted {
				c.opts.onEvict(e.key, e.value)
			}
		}
	}
	if c.metrics != nil {
		c.metrics.size.Set(float64(n))
	}
}
