package config

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/truenas/middlewared/errors"
)

// Update is a configuration change notification
type Update struct {
	// Section is the changed top level key, e.g. "log"
	Section string
	Config  *SafeConfig
}

// Manager owns the live configuration and re-reads its layers on Reload.
// Subscribers are told which sections changed.
type Manager struct {
	config *SafeConfig
	loader *Loader
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[string][]chan Update
	stopped     atomic.Bool
}

// NewManager wraps cfg. loader, when set, is used by Reload.
func NewManager(cfg *Config, loader *Loader, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		config:      NewSafeConfig(cfg),
		loader:      loader,
		logger:      logger.With("component", "config"),
		subscribers: make(map[string][]chan Update),
	}
}

// Config returns the live configuration
func (cm *Manager) Config() *SafeConfig { return cm.config }

// OnChange returns a channel receiving updates for section, or for every
// section with "*". Slow subscribers miss updates rather than block Reload.
func (cm *Manager) OnChange(section string) <-chan Update {
	ch := make(chan Update, 1)
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.stopped.Load() {
		close(ch)
		return ch
	}
	cm.subscribers[section] = append(cm.subscribers[section], ch)
	return ch
}

// Reload re-reads the layers and notifies subscribers of changed sections.
// The live configuration is kept when the new one does not validate.
func (cm *Manager) Reload() ([]string, error) {
	if cm.loader == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "Reload", "no loader")
	}
	next, err := cm.loader.Load()
	if err != nil {
		return nil, err
	}
	return cm.Apply(next)
}

// Apply replaces the configuration and notifies subscribers
func (cm *Manager) Apply(next *Config) ([]string, error) {
	prev := cm.config.Get()
	if err := cm.config.Update(next); err != nil {
		return nil, err
	}
	changed := changedSections(prev, next)
	for _, section := range changed {
		cm.logger.Info("Configuration section changed", "section", section)
		cm.notify(section)
	}
	return changed, nil
}

func (cm *Manager) notify(section string) {
	update := Update{Section: section, Config: cm.config}
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for pattern, channels := range cm.subscribers {
		if pattern != section && pattern != "*" {
			continue
		}
		for _, ch := range channels {
			if cm.stopped.Load() {
				return
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// Stop closes every subscriber channel
func (cm *Manager) Stop() {
	if !cm.stopped.CompareAndSwap(false, true) {
		return
	}
	cm.mu.Lock()
	defer cm.mu.Unlock()
	for _, channels := range cm.subscribers {
		for _, ch := range channels {
			close(ch)
		}
	}
	cm.subscribers = make(map[string][]chan Update)
}

// changedSections compares the top level sections of two configurations
func changedSections(prev, next *Config) []string {
	var changed []string
	pv, nv := reflect.ValueOf(*prev), reflect.ValueOf(*next)
	t := pv.Type()
	for i := 0; i < t.NumField(); i++ {
		if reflect.DeepEqual(pv.Field(i).Interface(), nv.Field(i).Interface()) {
			continue
		}
		name := t.Field(i).Tag.Get("yaml")
		if name == "" {
			name = t.Field(i).Name
		}
		changed = append(changed, name)
	}
	return changed
}
