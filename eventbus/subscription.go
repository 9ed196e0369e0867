package eventbus

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/pkg/buffer"
)

// DefaultCapacity is the per-subscription queue size
const DefaultCapacity = 1024

// ErrSubscriptionClosed is returned by Next after Close
var ErrSubscriptionClosed = stderrors.New("subscription closed")

// SubscribeOptions tunes a subscription
type SubscribeOptions struct {
	// Filters are ANDed over event fields
	Filters []Filter
	// Capacity of the delivery queue; DefaultCapacity when zero
	Capacity int
	// Policy on overflow; the topic default applies unless HasPolicy is set
	Policy    buffer.OverflowPolicy
	HasPolicy bool
	// Since replays retained events with a greater sequence number instead
	// of the sticky event
	Since *uint64
	// OnClose runs once when the subscription ends; err is nil after Close.
	// It may run inside Publish and must not block.
	OnClose func(err error)
	// Internal subscribers may see private topics
	Internal bool
}

// gap tracks events of one topic lost to backpressure
type gap struct {
	count  int
	maxSeq uint64
}

// Subscription is one subscriber's view of the bus
type Subscription struct {
	id       uint64
	pattern  string
	filters  []Filter
	queue    *buffer.Buffer[Event]
	bus      *Bus
	onClose  func(error)
	internal bool

	mu      sync.Mutex
	lost    map[string]*gap
	pending []Event

	closeOnce sync.Once
	closed    atomic.Bool
	err       atomic.Pointer[error]
}

func newSubscription(b *Bus, id uint64, pattern string, policy buffer.OverflowPolicy, opts SubscribeOptions) *Subscription {
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Subscription{
		id:       id,
		pattern:  pattern,
		filters:  opts.Filters,
		bus:      b,
		onClose:  opts.OnClose,
		internal: opts.Internal,
		lost:     make(map[string]*gap),
	}
	s.queue = buffer.New[Event](capacity,
		buffer.WithOverflowPolicy[Event](policy),
		buffer.WithDropCallback[Event](s.noteDrop),
	)
	return s
}

// ID returns the bus-unique subscription id
func (s *Subscription) ID() uint64 { return s.id }

// Pattern returns the subscribed topic pattern
func (s *Subscription) Pattern() string { return s.pattern }

// Policy returns the overflow policy
func (s *Subscription) Policy() buffer.OverflowPolicy { return s.queue.Policy() }

// C is signalled when events may be available
func (s *Subscription) C() <-chan struct{} { return s.queue.Ready() }

// Done is closed when the subscription ends
func (s *Subscription) Done() <-chan struct{} { return s.queue.Done() }

// Err returns why the subscription ended; nil while open or after Close
func (s *Subscription) Err() error {
	if p := s.err.Load(); p != nil {
		return *p
	}
	return nil
}

// deliver enqueues ev if it passes the filters. It never blocks.
func (s *Subscription) deliver(ev Event) {
	if s.closed.Load() || !ev.matches(s.filters) {
		return
	}
	if err := s.queue.Write(ev); stderrors.Is(err, buffer.ErrFull) {
		s.bus.recordDrops(ev.Topic, buffer.Reject, 1)
		s.finish(errors.Busy("Event queue overflow on %s", ev.Topic))
	}
}

func (s *Subscription) noteDrop(ev Event) {
	s.mu.Lock()
	g, ok := s.lost[ev.Topic]
	if !ok {
		g = &gap{}
		s.lost[ev.Topic] = g
	}
	g.count++
	g.maxSeq = max(g.maxSeq, ev.Sequence)
	s.mu.Unlock()
	s.bus.recordDrops(ev.Topic, s.queue.Policy(), 1)
}

func (s *Subscription) marker(topic string, g *gap) Event {
	return Event{
		Topic:  LostTopic,
		Fields: map[string]any{"count": float64(g.count), "topic": topic},
		Time:   s.bus.now(),
	}
}

// arrange queues ev behind the marker of a gap it follows. Within a topic
// dropped events are all older (drop-oldest) or all newer (drop-newest) than
// the queued ones, so the first event past the highest dropped sequence is
// the first one after the gap.
func (s *Subscription) arrangeLocked(ev Event) {
	if g, ok := s.lost[ev.Topic]; ok && ev.Sequence > g.maxSeq {
		s.pending = append(s.pending, s.marker(ev.Topic, g))
		delete(s.lost, ev.Topic)
	}
	s.pending = append(s.pending, ev)
}

// flushLocked emits markers for gaps with nothing queued behind them
func (s *Subscription) flushLocked() {
	topics := make([]string, 0, len(s.lost))
	for t := range s.lost {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	for _, t := range topics {
		s.pending = append(s.pending, s.marker(t, s.lost[t]))
	}
	s.lost = make(map[string]*gap)
}

// poll returns the next event without blocking
func (s *Subscription) poll() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, true
		}
		ev, ok := s.queue.Read()
		if !ok {
			if len(s.lost) == 0 {
				return Event{}, false
			}
			s.flushLocked()
			continue
		}
		s.arrangeLocked(ev)
	}
}

// Next blocks for the next event. A lost marker is returned before the first
// event that follows a gap.
func (s *Subscription) Next(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.poll(); ok {
			return ev, nil
		}
		select {
		case <-s.queue.Ready():
		case <-s.queue.Done():
			if ev, ok := s.poll(); ok {
				return ev, nil
			}
			if err := s.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, ErrSubscriptionClosed
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Drain returns up to limit queued events without blocking, markers included
func (s *Subscription) Drain(limit int) []Event {
	var out []Event
	for len(out) < limit {
		ev, ok := s.poll()
		if !ok {
			break
		}
		out = append(out, ev)
	}
	return out
}

// Len returns the number of queued events
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending) + s.queue.Size()
}

// Close ends the subscription and removes it from the bus
func (s *Subscription) Close() {
	s.finish(nil)
}

func (s *Subscription) finish(err error) {
	s.closeOnce.Do(func() {
		if err != nil {
			s.err.Store(&err)
		}
		s.closed.Store(true)
		s.queue.Close()
		s.bus.remove(s)
		if s.onClose != nil {
			s.onClose(err)
		}
	})
}
