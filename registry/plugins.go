package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truenas/middlewared/errors"
)

// Plugin is a named group of methods with optional setup and teardown.
// After lists plugins whose setup must complete first.
type Plugin struct {
	Name     string
	After    []string
	Setup    func(ctx context.Context) error
	Teardown func(ctx context.Context) error
	Methods  []*Descriptor
}

// Plugins orders plugin setup and teardown
type Plugins struct {
	registry *Registry
	logger   *slog.Logger

	mu     sync.Mutex
	order  []string
	byName map[string]*Plugin
	levels [][]*Plugin
}

// NewPlugins creates a plugin table registering methods into registry
func NewPlugins(registry *Registry, logger *slog.Logger) *Plugins {
	if logger == nil {
		logger = slog.Default()
	}
	return &Plugins{
		registry: registry,
		logger:   logger.With("component", "plugins"),
		byName:   make(map[string]*Plugin),
	}
}

// Add registers p and its methods
func (ps *Plugins) Add(p *Plugin) error {
	if p == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Plugins", "Add", "plugin validation")
	}
	if err := ps.registry.addPlugin(p.Name); err != nil {
		return err
	}
	for _, d := range p.Methods {
		d.Plugin = p.Name
		if err := ps.registry.Register(d); err != nil {
			return errors.Wrap(err, "Plugins", "Add", fmt.Sprintf("register %s", p.Name))
		}
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.byName[p.Name] = p
	ps.order = append(ps.order, p.Name)
	return nil
}

// Get returns the plugin called name
func (ps *Plugins) Get(name string) (*Plugin, bool) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	p, ok := ps.byName[name]
	return p, ok
}

// Names returns plugin names in the order they were added
func (ps *Plugins) Names() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.order...)
}

// Levels groups plugins so that every plugin comes after the plugins it
// names in After. Plugins within a level are sorted by name. A cycle or a
// missing predecessor is fatal.
func (ps *Plugins) Levels() ([][]*Plugin, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	pending := make(map[string]int, len(ps.byName))
	dependents := make(map[string][]string)
	for name, p := range ps.byName {
		pending[name] = len(p.After)
		for _, pred := range p.After {
			if _, ok := ps.byName[pred]; !ok {
				return nil, errors.WrapFatal(fmt.Errorf("plugin %q runs after unknown plugin %q", name, pred),
					"Plugins", "Levels", "resolve predecessors")
			}
			dependents[pred] = append(dependents[pred], name)
		}
	}

	var levels [][]*Plugin
	var ready []string
	for name, n := range pending {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	placed := 0
	for len(ready) > 0 {
		sort.Strings(ready)
		level := make([]*Plugin, 0, len(ready))
		var next []string
		for _, name := range ready {
			level = append(level, ps.byName[name])
			for _, dep := range dependents[name] {
				pending[dep]--
				if pending[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		placed += len(level)
		levels = append(levels, level)
		ready = next
	}
	if placed != len(ps.byName) {
		var cyclic []string
		for name, n := range pending {
			if n > 0 {
				cyclic = append(cyclic, name)
			}
		}
		sort.Strings(cyclic)
		return nil, errors.WrapFatal(fmt.Errorf("plugin dependency cycle among %v", cyclic),
			"Plugins", "Levels", "order plugins")
	}
	return levels, nil
}

// Setup runs plugin setups level by level; setups within a level run
// concurrently. The first failure stops setup and is returned.
func (ps *Plugins) Setup(ctx context.Context) error {
	levels, err := ps.Levels()
	if err != nil {
		return err
	}

	for i, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range level {
			if p.Setup == nil {
				continue
			}
			g.Go(func() error {
				start := time.Now()
				if err := p.Setup(gctx); err != nil {
					return errors.WrapFatal(err, "Plugins", "Setup", fmt.Sprintf("setup %s", p.Name))
				}
				ps.logger.Debug("Plugin set up", "plugin", p.Name, "level", i, "duration", time.Since(start))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	ps.mu.Lock()
	ps.levels = levels
	ps.mu.Unlock()
	ps.logger.Info("Plugins set up", "plugins", len(ps.byName), "levels", len(levels))
	return nil
}

// Teardown runs teardowns in reverse setup order. Failures are logged and
// do not stop the remaining teardowns.
func (ps *Plugins) Teardown(ctx context.Context) {
	ps.mu.Lock()
	levels := ps.levels
	ps.mu.Unlock()
	if levels == nil {
		var err error
		if levels, err = ps.Levels(); err != nil {
			return
		}
	}

	for i := len(levels) - 1; i >= 0; i-- {
		level := levels[i]
		for j := len(level) - 1; j >= 0; j-- {
			p := level[j]
			if p.Teardown == nil {
				continue
			}
			if err := p.Teardown(ctx); err != nil {
				ps.logger.Warn("Plugin teardown failed", "plugin", p.Name, "error", err)
			}
		}
	}
}
