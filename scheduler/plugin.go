package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/registry"
	"github.com/truenas/middlewared/schema"
	"github.com/truenas/middlewared/service"
)

// ServiceChangedTopic announces a changed service configuration; the event
// fields carry {"service": name}
const ServiceChangedTopic = "service.changed"

// ServiceChangedSpec declares ServiceChangedTopic
func ServiceChangedSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        ServiceChangedTopic,
		Description: "A service configuration changed",
		Private:     true,
		Schema: map[string]any{
			"type":       "object",
			"required":   []any{"service"},
			"properties": map[string]any{"service": map[string]any{"type": "string"}},
		},
	}
}

// Subscriber opens bus subscriptions
type Subscriber interface {
	Subscribe(pattern string, opts eventbus.SubscribeOptions) (*eventbus.Subscription, error)
}

// EtcWatcher regenerates the groups of a service when ServiceChangedTopic
// names it
type EtcWatcher struct {
	*service.BaseService
	etc    *Etc
	bus    Subscriber
	logger *slog.Logger
	sub    *eventbus.Subscription
}

// Watcher creates the service.changed watcher for e
func (e *Etc) Watcher(bus Subscriber) *EtcWatcher {
	return &EtcWatcher{
		BaseService: service.NewBaseService("etc-watcher", service.WithLogger(e.logger)),
		etc:         e,
		bus:         bus,
		logger:      e.logger,
	}
}

// Start subscribes and renders in the background
func (w *EtcWatcher) Start(ctx context.Context) error {
	sub, err := w.bus.Subscribe(ServiceChangedTopic, eventbus.SubscribeOptions{Internal: true, Capacity: 64})
	if err != nil {
		return err
	}
	if err := w.BaseService.Start(ctx); err != nil {
		sub.Close()
		return err
	}
	w.sub = sub

	runCtx, cancel := context.WithCancel(context.Background())
	w.Go(func(done <-chan struct{}) {
		go func() {
			<-done
			cancel()
		}()
		for {
			ev, err := sub.Next(runCtx)
			if err != nil {
				return
			}
			w.handle(runCtx, ev)
		}
	})
	return nil
}

// Stop ends the subscription
func (w *EtcWatcher) Stop(timeout time.Duration) error {
	if w.sub != nil {
		w.sub.Close()
	}
	return w.BaseService.Stop(timeout)
}

func (w *EtcWatcher) handle(ctx context.Context, ev eventbus.Event) {
	fields, _ := ev.Fields.(map[string]any)
	name, _ := fields["service"].(string)
	if name == "" {
		return
	}
	for _, group := range w.etc.ForService(name) {
		if _, err := w.etc.Generate(ctx, group, ""); err != nil {
			w.logger.Error("Failed to regenerate etc group", "group", group, "service", name, "error", err)
		}
	}
}

// Plugin exposes the etc methods
func (e *Etc) Plugin() *registry.Plugin {
	changes := schema.Array(schema.Object(
		schema.Required("path", schema.String()),
		schema.Required("status", schema.Enum(StatusChanged, StatusRemoved, StatusFailed)),
		schema.Optional("reason", schema.String(), nil),
	))
	checkpoints := make([]any, len(Checkpoints))
	for i, c := range Checkpoints {
		checkpoints[i] = c
	}
	return &registry.Plugin{
		Name: "etc",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("etc.generate").
				Params(
					schema.Required("name", schema.String()),
					schema.Optional("checkpoint", schema.Enum(checkpoints...).OrNull(), nil),
				).
				Returns(changes).
				Private().
				Blocking().
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					checkpoint, _ := args[1].(string)
					out, err := e.Generate(ctx, args[0].(string), checkpoint)
					if err != nil {
						return nil, err
					}
					return changesToWire(out), nil
				}).
				Build(),

			registry.NewDescriptor("etc.generate_checkpoint").
				Params(schema.Required("checkpoint", schema.Enum(checkpoints...))).
				Private().
				Blocking().
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					return nil, e.GenerateCheckpoint(ctx, args[0].(string))
				}).
				Build(),

			registry.NewDescriptor("etc.get_checkpoints").
				Returns(schema.Array(schema.String())).
				Private().
				Handler(func(context.Context, *registry.CallContext, []any) (any, error) {
					return append([]any(nil), checkpoints...), nil
				}).
				Build(),
		},
	}
}

func changesToWire(changes []Change) []any {
	out := make([]any, len(changes))
	for i, c := range changes {
		m := map[string]any{"path": c.Path, "status": c.Status}
		if c.Reason != "" {
			m["reason"] = c.Reason
		}
		out[i] = m
	}
	return out
}

// Plugin exposes the alert methods
func (a *Alerts) Plugin() *registry.Plugin {
	id := schema.Required("id", schema.String())
	return &registry.Plugin{
		Name: "alert",
		Methods: []*registry.Descriptor{
			registry.NewDescriptor("alert.list").
				Describe("Active alerts").
				Returns(schema.Array(schema.Dict())).
				Roles("ALERT_READ").
				REST("GET").
				Handler(func(context.Context, *registry.CallContext, []any) (any, error) {
					alerts := a.List()
					out := make([]any, len(alerts))
					for i, alert := range alerts {
						out[i] = alert.Map()
					}
					return out, nil
				}).
				Build(),

			registry.NewDescriptor("alert.dismiss").
				Params(id).
				Roles("ALERT_WRITE").
				REST("POST").
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					return nil, a.Dismiss(ctx, args[0].(string))
				}).
				Build(),

			registry.NewDescriptor("alert.restore").
				Params(id).
				Roles("ALERT_WRITE").
				REST("POST").
				Handler(func(ctx context.Context, _ *registry.CallContext, args []any) (any, error) {
					return nil, a.Restore(ctx, args[0].(string))
				}).
				Build(),
		},
	}
}
