// Package eventbus distributes events from plugins to subscribers.
//
// Publishing never blocks: every subscription owns a bounded queue and an
// overflow policy. Events within a topic carry a per-topic sequence number
// and reach each subscriber in publish order; when a subscriber loses events
// to backpressure it receives one "event.lost" marker per topic before the
// next event it reads.
//
// Topics are dotted strings. A pattern whose last segment is "*" matches any
// single final segment ("pool.*" matches "pool.query" but not
// "pool.dataset.query"); the bare pattern "*" matches every topic.
//
//	bus := eventbus.New(eventbus.WithLogger(logger))
//	_ = bus.Register(eventbus.TopicSpec{Name: "system.ready", Sticky: true})
//	sub, _ := bus.Subscribe("system.*", eventbus.SubscribeOptions{})
//	_, _ = bus.Publish("system.ready", eventbus.Added, nil, map[string]any{})
//	ev, _ := sub.Next(ctx)
package eventbus

import (
	"time"

	"github.com/truenas/middlewared/pkg/buffer"
)

// Kind is the change kind of a collection event
type Kind string

// Event kinds. Plain notifications use NoKind.
const (
	NoKind  Kind = ""
	Added   Kind = "ADDED"
	Changed Kind = "CHANGED"
	Removed Kind = "REMOVED"
)

// LostTopic is the topic of backpressure markers
const LostTopic = "event.lost"

// Event is one published event
type Event struct {
	Topic    string    `json:"topic"`
	Kind     Kind      `json:"kind,omitempty"`
	ID       any       `json:"id,omitempty"`
	Fields   any       `json:"fields,omitempty"`
	Sequence uint64    `json:"sequence"`
	Sticky   bool      `json:"sticky,omitempty"`
	Time     time.Time `json:"time"`
}

// IsLost reports whether e is a backpressure marker
func (e Event) IsLost() bool {
	return e.Topic == LostTopic
}

// LostFrom returns the topic a backpressure marker reports on
func (e Event) LostFrom() string {
	if !e.IsLost() {
		return ""
	}
	fields, _ := e.Fields.(map[string]any)
	topic, _ := fields["topic"].(string)
	return topic
}

// TopicSpec declares a topic
type TopicSpec struct {
	Name        string
	Description string
	// Sticky topics replay their latest event to new subscribers
	Sticky bool
	// Roles a session needs to subscribe; checked by the transports
	Roles []string
	// Private topics are only visible to in-process subscribers and SYSTEM sessions
	Private bool
	// Schema is a JSON Schema document payloads must satisfy
	Schema map[string]any
	// DefaultPolicy applies when a subscriber does not choose one
	DefaultPolicy buffer.OverflowPolicy
	// HasDefaultPolicy distinguishes an explicit DropOldest from the zero value
	HasDefaultPolicy bool
}

// TopicInfo describes a registered topic for introspection
type TopicInfo struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Sticky      bool           `json:"sticky"`
	Roles       []string       `json:"roles"`
	Private     bool           `json:"private"`
	Schema      map[string]any `json:"schema,omitempty"`
	Policy      string         `json:"policy"`
	Sequence    uint64         `json:"sequence"`
}
