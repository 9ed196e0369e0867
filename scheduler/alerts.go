package scheduler

import (
	"context"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truenas/middlewared/datastore"
	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
)

// AlertTopic carries alert collection events
const AlertTopic = "alert.list"

// alert levels
const (
	LevelInfo     = "INFO"
	LevelWarning  = "WARNING"
	LevelCritical = "CRITICAL"
)

// SourceFailedClass is raised when an alert source's check fails
const SourceFailedClass = "AlertSourceRunFailed"

const dismissedPrefix = "alert/dismissed/"

// Alert is one active condition reported by a source
type Alert struct {
	Source    string    `json:"source"`
	Class     string    `json:"klass"`
	Key       string    `json:"key"`
	Level     string    `json:"level"`
	Text      string    `json:"formatted"`
	Args      any       `json:"args,omitempty"`
	Datetime  time.Time `json:"datetime"`
	Dismissed bool      `json:"dismissed"`
}

// ID identifies an alert across checks
func (a Alert) ID() string {
	return a.Source + ";" + a.Class + ";" + a.Key
}

// Map is the event and method encoding of a
func (a Alert) Map() map[string]any {
	return map[string]any{
		"id":        a.ID(),
		"source":    a.Source,
		"klass":     a.Class,
		"key":       a.Key,
		"level":     a.Level,
		"formatted": a.Text,
		"args":      a.Args,
		"datetime":  a.Datetime.UTC().Format(time.RFC3339),
		"dismissed": a.Dismissed,
	}
}

// AlertSource checks one condition family. Check returns every alert that
// is currently active; Source and Datetime are filled in by Alerts.
type AlertSource interface {
	Name() string
	Interval() time.Duration
	Check(ctx context.Context) ([]Alert, error)
}

// Alerts runs alert sources and keeps the active set. Alerts that appear
// are published ADDED, alerts that disappear REMOVED.
type Alerts struct {
	store  datastore.Store
	events EventPublisher
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	sources []AlertSource
	lastRun map[string]time.Time
	active  map[string]Alert
}

// NewAlerts creates an alert runner persisting dismissals in store
func NewAlerts(store datastore.Store, events EventPublisher, logger *slog.Logger) *Alerts {
	if logger == nil {
		logger = slog.Default()
	}
	return &Alerts{
		store:   store,
		events:  events,
		logger:  logger.With("component", "alerts"),
		now:     time.Now,
		lastRun: make(map[string]time.Time),
		active:  make(map[string]Alert),
	}
}

// TopicSpec declares the alert collection topic
func (a *Alerts) TopicSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        AlertTopic,
		Description: "Active alerts",
		Roles:       []string{"ALERT_READ"},
	}
}

// Register adds a source. A second source with the same name is EEXIST.
func (a *Alerts) Register(src AlertSource) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.sources {
		if s.Name() == src.Name() {
			return errors.Exists("Alert source %q already exists", src.Name())
		}
	}
	a.sources = append(a.sources, src)
	return nil
}

// Run checks every source whose interval has elapsed, concurrently, then
// publishes the differences
func (a *Alerts) Run(ctx context.Context) error {
	now := a.now()
	a.mu.Lock()
	var due []AlertSource
	for _, s := range a.sources {
		if last, ok := a.lastRun[s.Name()]; !ok || now.Sub(last) >= s.Interval() {
			due = append(due, s)
			a.lastRun[s.Name()] = now
		}
	}
	a.mu.Unlock()

	results := make([][]Alert, len(due))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range due {
		g.Go(func() error {
			found, err := src.Check(gctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				a.logger.Warn("Alert source failed", "source", src.Name(), "error", err)
				found = []Alert{{
					Class: SourceFailedClass,
					Key:   src.Name(),
					Level: LevelCritical,
					Text:  "Failed to check for alert " + src.Name() + ": " + errors.AsCallError(err).Reason,
				}}
			}
			for j := range found {
				found[j].Source = src.Name()
				if found[j].Datetime.IsZero() {
					found[j].Datetime = now
				}
			}
			results[i] = found
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dismissed, err := a.dismissed(ctx)
	if err != nil {
		return err
	}
	for i, src := range due {
		a.apply(src.Name(), results[i], dismissed)
	}
	return nil
}

// apply replaces the active alerts of source with found
func (a *Alerts) apply(source string, found []Alert, dismissed map[string]bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	seen := make(map[string]bool, len(found))
	for _, alert := range found {
		id := alert.ID()
		seen[id] = true
		alert.Dismissed = dismissed[id]
		prev, ok := a.active[id]
		if ok {
			// keep the time the condition was first seen
			alert.Datetime = prev.Datetime
			if reflect.DeepEqual(prev, alert) {
				continue
			}
			a.active[id] = alert
			a.publish(eventbus.Changed, alert)
			continue
		}
		a.active[id] = alert
		a.publish(eventbus.Added, alert)
	}
	for id, alert := range a.active {
		if alert.Source == source && !seen[id] {
			delete(a.active, id)
			a.publish(eventbus.Removed, alert)
		}
	}
}

func (a *Alerts) publish(kind eventbus.Kind, alert Alert) {
	if a.events == nil {
		return
	}
	var fields any
	if kind != eventbus.Removed {
		fields = alert.Map()
	}
	if _, err := a.events.Publish(AlertTopic, kind, alert.ID(), fields); err != nil {
		a.logger.Warn("Alert event not published", "alert", alert.ID(), "error", err)
	}
}

// List returns the active alerts sorted by id
func (a *Alerts) List() []Alert {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Alert, 0, len(a.active))
	for _, alert := range a.active {
		out = append(out, alert)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Dismiss hides alert id until it clears or is restored. Dismissals
// survive restarts.
func (a *Alerts) Dismiss(ctx context.Context, id string) error {
	return a.setDismissed(ctx, id, true)
}

// Restore undoes Dismiss
func (a *Alerts) Restore(ctx context.Context, id string) error {
	return a.setDismissed(ctx, id, false)
}

func (a *Alerts) setDismissed(ctx context.Context, id string, dismissed bool) error {
	a.mu.Lock()
	_, ok := a.active[id]
	a.mu.Unlock()
	if !ok {
		return errors.NotFound("Alert %q not found", id)
	}

	key := dismissedPrefix + id
	var err error
	if dismissed {
		err = a.store.Put(ctx, key, []byte(a.now().UTC().Format(time.RFC3339)))
	} else {
		err = a.store.Delete(ctx, key)
	}
	if err != nil {
		return errors.Wrap(err, "Alerts", "setDismissed", "persist dismissal")
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	current, ok := a.active[id]
	if !ok || current.Dismissed == dismissed {
		return nil
	}
	current.Dismissed = dismissed
	a.active[id] = current
	a.publish(eventbus.Changed, current)
	return nil
}

func (a *Alerts) dismissed(ctx context.Context) (map[string]bool, error) {
	keys, err := a.store.List(ctx, dismissedPrefix)
	if err != nil {
		return nil, errors.Wrap(err, "Alerts", "dismissed", "list dismissals")
	}
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		out[strings.TrimPrefix(k, dismissedPrefix)] = true
	}
	return out, nil
}

// Task runs the sources on a ticker; each source still honors its own
// interval
func (a *Alerts) Task(tick time.Duration) Task {
	return Task{Name: "alert.check", Run: a.Run, Interval: tick, RunOnStart: true}
}
