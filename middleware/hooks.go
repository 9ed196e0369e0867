package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/health"
)

// HookFunc runs when its hook is called
type HookFunc func(ctx context.Context, args ...any) error

// HookOptions tune one registered hook
type HookOptions struct {
	// Order sorts hooks of the same name, lowest first
	Order int
	// Blockable hooks can be suspended with Block. Every hook of a name
	// must agree.
	Blockable bool
	// Sync hooks are awaited by Call; the rest run in the background
	Sync bool
	// RaiseError makes Call return the hook's error. Requires Sync.
	RaiseError bool
}

type hook struct {
	fn   HookFunc
	opts HookOptions
}

// Hooks is the named hook table plugins use to react to each other
type Hooks struct {
	logger *slog.Logger

	mu      sync.RWMutex
	hooks   map[string][]hook
	blocked map[string]int

	inflight sync.WaitGroup
}

// NewHooks creates an empty hook table
func NewHooks(logger *slog.Logger) *Hooks {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hooks{
		logger:  logger.With("component", "hooks"),
		hooks:   make(map[string][]hook),
		blocked: make(map[string]int),
	}
}

// Register adds fn under name
func (h *Hooks) Register(name string, fn HookFunc, opts HookOptions) error {
	if name == "" || fn == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Hooks", "Register", "hook validation")
	}
	if opts.RaiseError && !opts.Sync {
		return errors.WrapInvalid(fmt.Errorf("hook %s: raise_error requires sync", name),
			"Hooks", "Register", "hook validation")
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	existing := h.hooks[name]
	if len(existing) > 0 && existing[0].opts.Blockable != opts.Blockable {
		return errors.WrapInvalid(fmt.Errorf("hook %s: blockable must match existing hooks", name),
			"Hooks", "Register", "hook validation")
	}
	hooks := append(existing, hook{fn: fn, opts: opts})
	sort.SliceStable(hooks, func(i, j int) bool { return hooks[i].opts.Order < hooks[j].opts.Order })
	h.hooks[name] = hooks
	return nil
}

// Block suspends the named hooks until release is called. Only blockable
// hooks may be blocked; blocks nest.
func (h *Hooks) Block(names ...string) (release func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range names {
		if hooks := h.hooks[name]; len(hooks) > 0 && !hooks[0].opts.Blockable {
			return nil, errors.NotPermitted("Hook %s is not blockable", name)
		}
	}
	for _, name := range names {
		h.blocked[name]++
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			for _, name := range names {
				if h.blocked[name]--; h.blocked[name] <= 0 {
					delete(h.blocked, name)
				}
			}
		})
	}, nil
}

// Blocked reports whether name is currently blocked
func (h *Hooks) Blocked(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.blocked[name] > 0
}

// Call runs the hooks registered under name in order. Errors are logged,
// except those of RaiseError hooks which stop the call and are returned.
func (h *Hooks) Call(ctx context.Context, name string, args ...any) error {
	h.mu.RLock()
	hooks := append([]hook(nil), h.hooks[name]...)
	blocked := h.blocked[name] > 0
	h.mu.RUnlock()

	if blocked {
		h.logger.Debug("Hook blocked", "hook", name)
		return nil
	}

	for _, hk := range hooks {
		if hk.opts.Sync {
			if err := h.run(ctx, name, hk, args); err != nil {
				if hk.opts.RaiseError {
					return err
				}
				h.logger.Error("Hook failed", "hook", name, "error", err)
			}
			continue
		}

		h.inflight.Add(1)
		go func(hk hook) {
			defer h.inflight.Done()
			if err := h.run(context.WithoutCancel(ctx), name, hk, args); err != nil {
				h.logger.Error("Hook failed", "hook", name, "error", err)
			}
		}(hk)
	}
	return nil
}

func (h *Hooks) run(ctx context.Context, name string, hk hook, args []any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Hook panicked", "hook", name, "panic", r,
				"stack", health.SanitizeMessage(string(debug.Stack())))
			err = errors.WrapFatal(fmt.Errorf("panic: %v", r), "Hooks", "Call", "run hook "+name)
		}
	}()
	return hk.fn(ctx, args...)
}

// Names returns the registered hook names
func (h *Hooks) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.hooks))
	for name := range h.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until background hooks finish or ctx ends
func (h *Hooks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
