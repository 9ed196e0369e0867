package client

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/truenas/middlewared/gateway"
)

// Event is one event delivered to a subscription
type Event struct {
	Name       string `json:"name"`
	Collection string `json:"collection"`
	Kind       string `json:"msg_type"`
	ID         any    `json:"id,omitempty"`
	Fields     any    `json:"fields,omitempty"`
	Sequence   uint64 `json:"sequence"`
}

func eventOf(f gateway.Frame) Event {
	ev := Event{
		Name:       f.Name,
		Collection: f.Collection,
		Kind:       f.MsgType,
		Fields:     f.Fields,
		Sequence:   f.Sequence,
	}
	if len(f.ID) > 0 {
		_ = json.Unmarshal(f.ID, &ev.ID)
	}
	return ev
}

// SubscribeOptions are sent with a sub frame
type SubscribeOptions struct {
	// Filters are [field, op, value] conditions on event fields
	Filters [][]any
	// Since replays retained events after this sequence number
	Since *uint64
	// Capacity and Policy tune the server side queue
	Capacity int
	Policy   string
}

func (o SubscribeOptions) params() []any {
	p := map[string]any{}
	if len(o.Filters) > 0 {
		p["filters"] = o.Filters
	}
	if o.Since != nil {
		p["since"] = *o.Since
	}
	if o.Capacity > 0 {
		p["capacity"] = o.Capacity
	}
	if o.Policy != "" {
		p["policy"] = o.Policy
	}
	if len(p) == 0 {
		return nil
	}
	return []any{p}
}

// Subscription receives the events of one topic or pattern
type Subscription struct {
	c    *Client
	id   string
	name string
	ch   chan Event

	dropped atomic.Int64

	mu     sync.Mutex
	err    error
	closed bool
	done   chan struct{}
}

// Subscribe opens a subscription on a topic name or pattern. The server
// does not acknowledge subscriptions; a refusal ends the subscription with
// the server's error.
func (c *Client) Subscribe(_ context.Context, name string, opts SubscribeOptions) (*Subscription, error) {
	id := "sub-" + c.newID()
	sub := &Subscription{c: c, id: id, name: name, ch: make(chan Event, c.opts.buffer), done: make(chan struct{})}
	key := strconv.Quote(id)

	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.subs[key] = sub
	c.mu.Unlock()

	err := c.send(gateway.Frame{ID: json.RawMessage(key), Msg: gateway.MsgSub, Name: name, Params: opts.params()})
	if err != nil {
		c.mu.Lock()
		delete(c.subs, key)
		c.mu.Unlock()
		return nil, err
	}
	return sub, nil
}

// Events delivers events until the subscription ends
func (s *Subscription) Events() <-chan Event { return s.ch }

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err returns why the subscription ended; nil after Close
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped counts events lost because Events was not drained
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Close unsubscribes
func (s *Subscription) Close() error {
	key := strconv.Quote(s.id)
	s.c.mu.Lock()
	_, live := s.c.subs[key]
	delete(s.c.subs, key)
	s.c.mu.Unlock()
	s.finish(nil)
	if !live {
		return nil
	}
	return s.c.send(gateway.Frame{ID: json.RawMessage(key), Msg: gateway.MsgUnsub})
}

func (s *Subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

func (s *Subscription) finish(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.ch)
	close(s.done)
}
