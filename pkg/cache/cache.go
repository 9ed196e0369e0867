// Package cache provides the in-process caches used by middlewared: an
// unbounded map for plugin-scoped derived state and an insertion-ordered
// bounded cache with age eviction for finished jobs.
package cache

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/metric"
)

// EvictCallback observes entries removed by capacity or age eviction
type EvictCallback[K comparable, V any] func(key K, value V)

// Statistics tracks cache counters; always enabled
type Statistics struct {
	hits      atomic.Int64
	misses    atomic.Int64
	sets      atomic.Int64
	deletes   atomic.Int64
	evictions atomic.Int64
}

// StatsSnapshot is a point-in-time copy of Statistics
type StatsSnapshot struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Sets      int64   `json:"sets"`
	Deletes   int64   `json:"deletes"`
	Evictions int64   `json:"evictions"`
	HitRatio  float64 `json:"hit_ratio"`
}

// Snapshot returns the current counters
func (s *Statistics) Snapshot() StatsSnapshot {
	snap := StatsSnapshot{
		Hits:      s.hits.Load(),
		Misses:    s.misses.Load(),
		Sets:      s.sets.Load(),
		Deletes:   s.deletes.Load(),
		Evictions: s.evictions.Load(),
	}
	if total := snap.Hits + snap.Misses; total > 0 {
		snap.HitRatio = float64(snap.Hits) / float64(total)
	}
	return snap
}

type cacheMetrics struct {
	lookups   *prometheus.CounterVec
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	m := &cacheMetrics{
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "middlewared",
			Subsystem: "cache",
			Name:      prefix + "_lookups_total",
			Help:      "Cache lookups by result",
		}, []string{"result"}),
		evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "middlewared",
			Subsystem: "cache",
			Name:      prefix + "_evictions_total",
			Help:      "Entries evicted by capacity or age",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "middlewared",
			Subsystem: "cache",
			Name:      prefix + "_entries",
			Help:      "Entries currently held",
		}),
	}
	if err := registry.RegisterCounterVec("cache", prefix+"_lookups_total", m.lookups); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter("cache", prefix+"_evictions_total", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge("cache", prefix+"_entries", m.size); err != nil {
		return nil, err
	}
	return m, nil
}

type options[K comparable, V any] struct {
	capacity      int
	maxAge        time.Duration
	onEvict       EvictCallback[K, V]
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
	now           func() time.Time
}

// Option configures a cache
type Option[K comparable, V any] func(*options[K, V])

// WithCapacity bounds the number of entries; the oldest insertion is evicted first
func WithCapacity[K comparable, V any](n int) Option[K, V] {
	return func(o *options[K, V]) { o.capacity = n }
}

// WithMaxAge evicts entries older than d on access and on Prune
func WithMaxAge[K comparable, V any](d time.Duration) Option[K, V] {
	return func(o *options[K, V]) { o.maxAge = d }
}

// WithEvictionCallback observes evictions
func WithEvictionCallback[K comparable, V any](cb EvictCallback[K, V]) Option[K, V] {
	return func(o *options[K, V]) { o.onEvict = cb }
}

// WithMetrics exports counters under middlewared_cache_<prefix>_*
func WithMetrics[K comparable, V any](registry *metric.MetricsRegistry, prefix string) Option[K, V] {
	return func(o *options[K, V]) {
		o.metricsReg = registry
		o.metricsPrefix = prefix
	}
}

// WithClock replaces time.Now, for tests
func WithClock[K comparable, V any](now func() time.Time) Option[K, V] {
	return func(o *options[K, V]) { o.now = now }
}

func applyOptions[K comparable, V any](component string, opts []Option[K, V]) (*options[K, V], *cacheMetrics, error) {
	o := &options[K, V]{now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.capacity < 0 || o.maxAge < 0 {
		return nil, nil, errors.WrapInvalid(errors.ErrInvalidConfig, component, "New", "validate options")
	}
	if o.metricsReg == nil || o.metricsPrefix == "" {
		return o, nil, nil
	}
	m, err := newCacheMetrics(o.metricsReg, o.metricsPrefix)
	if err != nil {
		return nil, nil, errors.WrapTransient(err, component, "New", "metrics registration")
	}
	return o, m, nil
}
