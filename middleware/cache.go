package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/cache"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
	"github.com/truenas/middlewared/service"
)

// InvalidateTopic resets one cache scope; fields carry {"scope": name}
const InvalidateTopic = "cache.invalidate"

// DefaultScope holds entries put without a scope
const DefaultScope = "default"

type cacheKey struct {
	scope string
	key   string
}

// Cache holds values until they are popped or their scope is reset.
// Entries never expire.
type Cache struct {
	items *cache.Simple[cacheKey, any]
}

// NewCache creates a cache, exporting its statistics when registry is set
func NewCache(registry *metric.MetricsRegistry) (*Cache, error) {
	var opts []cache.Option[cacheKey, any]
	if registry != nil {
		opts = append(opts, cache.WithMetrics[cacheKey, any](registry, "middleware_cache"))
	}
	items, err := cache.NewSimple[cacheKey, any](opts...)
	if err != nil {
		return nil, errors.Wrap(err, "Cache", "NewCache", "create store")
	}
	return &Cache{items: items}, nil
}

func scoped(scope, key string) cacheKey {
	if scope == "" {
		scope = DefaultScope
	}
	return cacheKey{scope: scope, key: key}
}

// Put stores v under key in scope
func (c *Cache) Put(scope, key string, v any) {
	c.items.Set(scoped(scope, key), v)
}

// Get returns the value of key in scope
func (c *Cache) Get(scope, key string) (any, bool) {
	return c.items.Get(scoped(scope, key))
}

// Pop removes and returns the value of key in scope
func (c *Cache) Pop(scope, key string) (any, bool) {
	return c.items.Pop(scoped(scope, key))
}

// Has reports whether key is present in scope
func (c *Cache) Has(scope, key string) bool {
	return c.items.Has(scoped(scope, key))
}

// ResetScope drops every entry of scope and returns how many were removed
func (c *Cache) ResetScope(scope string) int {
	if scope == "" {
		scope = DefaultScope
	}
	return c.items.DeleteFunc(func(k cacheKey) bool { return k.scope == scope })
}

// Len returns the number of entries across scopes
func (c *Cache) Len() int { return c.items.Len() }

// InvalidateTopicSpec declares InvalidateTopic
func InvalidateTopicSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        InvalidateTopic,
		Description: "Reset a cache scope",
		Private:     true,
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"scope"},
			"properties": map[string]any{"scope": map[string]any{"type": "string"}},
		},
	}
}

// Plugin exposes the private cache.* methods
func (c *Cache) Plugin() *registry.Plugin {
	key := schema.Required("key", schema.String().MinLength(1))
	scope := schema.Optional("scope", schema.String(), DefaultScope)

	return &registry.Plugin{
		Name: "cache",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("cache.put").
				Private().
				Params(key, schema.Required("value", schema.Any()), scope).
				Returns(schema.Null()).
				Describe("Store a value until it is popped or its scope is reset").
				Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
					c.Put(args[2].(string), args[0].(string), args[1])
					return nil, nil
				}).
				Build(),
			registry.NewDescriptor("cache.get").
				Private().
				Params(key, scope).
				Returns(schema.Any()).
				Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
					v, ok := c.Get(args[1].(string), args[0].(string))
					if !ok {
						return nil, errors.NotFound("%s not found in the cache", args[0])
					}
					return v, nil
				}).
				Build(),
			registry.NewDescriptor("cache.pop").
				Private().
				Params(key, scope).
				Returns(schema.Any()).
				Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
					v, _ := c.Pop(args[1].(string), args[0].(string))
					return v, nil
				}).
				Build(),
			registry.NewDescriptor("cache.has_key").
				Private().
				Params(key, scope).
				Returns(schema.Bool()).
				Handler(func(_ context.Context, _ *registry.CallContext, args []any) (any, error) {
					return c.Has(args[1].(string), args[0].(string)), nil
				}).
				Build(),
		},
	}
}

// Invalidator resets cache scopes named on InvalidateTopic
type Invalidator struct {
	*service.BaseService
	cache  *Cache
	bus    *eventbus.Bus
	logger *slog.Logger
	sub    *eventbus.Subscription
}

// NewInvalidator creates the cache.invalidate listener
func NewInvalidator(c *Cache, bus *eventbus.Bus, logger *slog.Logger) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{
		BaseService: service.NewBaseService("cache-invalidator", service.WithLogger(logger)),
		cache:       c,
		bus:         bus,
		logger:      logger.With("component", "cache"),
	}
}

// Start subscribes and resets scopes in the background
func (inv *Invalidator) Start(ctx context.Context) error {
	sub, err := inv.bus.Subscribe(InvalidateTopic, eventbus.SubscribeOptions{Internal: true, Capacity: 64})
	if err != nil {
		return err
	}
	if err := inv.BaseService.Start(ctx); err != nil {
		sub.Close()
		return err
	}
	inv.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	inv.Go(func(done <-chan struct{}) {
		go func() {
			<-done
			cancel()
		}()
		for {
			ev, err := sub.Next(runCtx)
			if err != nil {
				return
			}
			fields, _ := ev.Fields.(map[string]any)
			scope, _ := fields["scope"].(string)
			n := inv.cache.ResetScope(scope)
			inv.logger.Debug("Cache scope reset", "scope", scope, "removed", n)
		}
	})
	return nil
}

// Stop ends the subscription
func (inv *Invalidator) Stop(timeout time.Duration) error {
	if inv.sub != nil {
		inv.sub.Close()
	}
	return inv.BaseService.Stop(timeout)
}
