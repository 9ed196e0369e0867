package eventbus

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/buffer"
	"github.com/truenas/middlewared/schema"
)

// Replay defaults
const (
	DefaultReplayWindow = time.Minute
	DefaultHistoryCap   = 1024
)

// topic holds the per-topic publishing state
type topic struct {
	spec      TopicSpec
	validator *gojsonschema.Schema

	mu      sync.Mutex
	seq     uint64
	sticky  *Event
	history []Event
}

// Bus is the process-wide event bus
type Bus struct {
	logger       *slog.Logger
	metrics      *metric.Metrics
	replayWindow time.Duration
	historyCap   int
	capacity     int
	policy       buffer.OverflowPolicy
	now          func() time.Time
	observers    []func(Event)

	// Publish holds mu shared; Subscribe holds it exclusively so replay and
	// registration see a consistent sequence.
	mu     sync.RWMutex
	topics map[string]*topic
	nextID atomic.Uint64

	// subs is copy-on-write; subsMu serializes writers and nests inside mu
	subsMu sync.Mutex
	subs   atomic.Pointer[[]*Subscription]
}

// Option configures a Bus
type Option func(*Bus)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics records publish and drop counters
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithReplayWindow bounds how far back Since may reach
func WithReplayWindow(d time.Duration) Option {
	return func(b *Bus) { b.replayWindow = d }
}

// WithHistoryCap bounds retained events per topic
func WithHistoryCap(n int) Option {
	return func(b *Bus) { b.historyCap = n }
}

// WithDefaultCapacity sets the queue size for subscriptions that choose none
func WithDefaultCapacity(n int) Option {
	return func(b *Bus) { b.capacity = n }
}

// WithDefaultPolicy sets the overflow policy of topics that declare none.
// Audit topics always default to disconnect.
func WithDefaultPolicy(p buffer.OverflowPolicy) Option {
	return func(b *Bus) { b.policy = p }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Bus) { b.now = now }
}

// WithObserver receives every public event synchronously after fan-out.
// Observers must not block.
func WithObserver(fn func(Event)) Option {
	return func(b *Bus) { b.observers = append(b.observers, fn) }
}

// New creates a bus
func New(opts ...Option) *Bus {
	b := &Bus{
		replayWindow: DefaultReplayWindow,
		historyCap:   DefaultHistoryCap,
		capacity:     DefaultCapacity,
		policy:       buffer.DropOldest,
		now:          time.Now,
		topics:       make(map[string]*topic),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.logger == nil {
		b.logger = slog.Default().With("component", "eventbus")
	}
	empty := make([]*Subscription, 0)
	b.subs.Store(&empty)
	return b
}

// Register declares a topic. Registering an existing topic replaces its spec
// and keeps its sequence.
func (b *Bus) Register(spec TopicSpec) error {
	if spec.Name == "" || isWildcard(spec.Name) || !ValidPattern(spec.Name) {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Bus", "Register", "validate topic name "+spec.Name)
	}

	var validator *gojsonschema.Schema
	if spec.Schema != nil {
		var err error
		validator, err = gojsonschema.NewSchema(gojsonschema.NewGoLoader(spec.Schema))
		if err != nil {
			return errors.WrapInvalid(err, "Bus", "Register", "compile schema for "+spec.Name)
		}
	}
	if !spec.HasDefaultPolicy {
		spec.DefaultPolicy = b.policy
		if strings.HasPrefix(spec.Name, "audit.") {
			spec.DefaultPolicy = buffer.Reject
		}
		spec.HasDefaultPolicy = true
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok := b.topics[spec.Name]; ok {
		t.mu.Lock()
		t.spec = spec
		t.validator = validator
		t.mu.Unlock()
		return nil
	}
	b.topics[spec.Name] = &topic{spec: spec, validator: validator}
	return nil
}

// Spec returns the registered spec of name
func (b *Bus) Spec(name string) (TopicSpec, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return TopicSpec{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec, true
}

// Topics lists registered topics sorted by name
func (b *Bus) Topics() []TopicInfo {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]TopicInfo, 0, len(b.topics))
	for _, t := range b.topics {
		t.mu.Lock()
		roles := t.spec.Roles
		if roles == nil {
			roles = []string{}
		}
		out = append(out, TopicInfo{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			Sticky:      t.spec.Sticky,
			Roles:       roles,
			Private:     t.spec.Private,
			Schema:      t.spec.Schema,
			Policy:      t.spec.DefaultPolicy.String(),
			Sequence:    t.seq,
		})
		t.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Publish validates and fans out an event. Unregistered topics are accepted
// without validation.
func (b *Bus) Publish(name string, kind Kind, id any, fields any) (Event, error) {
	if name == "" || isWildcard(name) {
		return Event{}, errors.Invalid("Invalid topic %q", name)
	}
	frozen := schema.Freeze(fields)

	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.topics[name]
	if t == nil {
		// first publish to an unregistered topic; the map is guarded by mu
		// so upgrade for the insert
		b.mu.RUnlock()
		b.mu.Lock()
		if t = b.topics[name]; t == nil {
			t = &topic{spec: TopicSpec{Name: name}}
			b.topics[name] = t
		}
		b.mu.Unlock()
		b.mu.RLock()
	}

	if t.validator != nil {
		if err := validatePayload(t.validator, frozen); err != nil {
			return Event{}, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	ev := Event{
		Topic:    name,
		Kind:     kind,
		ID:       schema.Freeze(id),
		Fields:   frozen,
		Sequence: t.seq,
		Sticky:   t.spec.Sticky,
		Time:     b.now(),
	}
	b.retainLocked(t, ev)
	if t.spec.Sticky {
		sticky := ev
		t.sticky = &sticky
	}

	for _, s := range *b.subs.Load() {
		if Match(s.pattern, name) && (s.internal || !t.spec.Private) {
			s.deliver(ev)
		}
	}
	if !t.spec.Private {
		for _, fn := range b.observers {
			fn(ev)
		}
	}
	if b.metrics != nil {
		b.metrics.RecordEventPublished(name)
	}
	return ev, nil
}

func validatePayload(validator *gojsonschema.Schema, payload any) error {
	if payload == nil {
		payload = map[string]any{}
	}
	result, err := validator.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return errors.Invalid("Event payload cannot be validated: %v", err)
	}
	if result.Valid() {
		return nil
	}
	var verrs errors.ValidationErrors
	for _, re := range result.Errors() {
		path := re.Field()
		if path == "(root)" {
			path = ""
		}
		verrs.Add(path, re.Type(), "%s", re.Description())
	}
	return errors.Validation(&verrs)
}

func (b *Bus) retainLocked(t *topic, ev Event) {
	t.history = append(t.history, ev)
	cutoff := ev.Time.Add(-b.replayWindow)
	drop := 0
	for drop < len(t.history) && (t.history[drop].Time.Before(cutoff) || len(t.history)-drop > b.historyCap) {
		drop++
	}
	if drop > 0 {
		t.history = append(t.history[:0:0], t.history[drop:]...)
	}
}

// Subscribe registers a subscription on pattern. The sticky event of every
// matching topic is queued first, or with opts.Since the retained events
// after that sequence. Since fails with EAGAIN when the window no longer
// covers it.
func (b *Bus) Subscribe(pattern string, opts SubscribeOptions) (*Subscription, error) {
	if !ValidPattern(pattern) {
		return nil, errors.Invalid("Invalid topic pattern %q", pattern)
	}
	if opts.Capacity <= 0 {
		opts.Capacity = b.capacity
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	matching := b.matchingLocked(pattern)
	if !opts.Internal {
		for _, t := range matching {
			if t.spec.Private && !isWildcard(pattern) {
				return nil, errors.AccessDenied(pattern)
			}
		}
	}

	policy := buffer.DropOldest
	switch {
	case opts.HasPolicy:
		policy = opts.Policy
	case !isWildcard(pattern) && len(matching) == 1:
		policy = matching[0].spec.DefaultPolicy
	case strings.HasPrefix(pattern, "audit."):
		policy = buffer.Reject
	}

	var replay []Event
	cutoff := b.now().Add(-b.replayWindow)
	for _, t := range matching {
		if t.spec.Private && !opts.Internal {
			continue
		}
		t.mu.Lock()
		if opts.Since != nil {
			since := *opts.Since
			if since < t.seq {
				retained := t.history
				for len(retained) > 0 && retained[0].Time.Before(cutoff) {
					retained = retained[1:]
				}
				oldest := t.seq + 1
				if len(retained) > 0 {
					oldest = retained[0].Sequence
				}
				if since+1 < oldest {
					t.mu.Unlock()
					return nil, errors.NewCallError(errors.EAGAIN, "Sequence %d of %s is outside the replay window", since, t.spec.Name)
				}
				for _, ev := range retained {
					if ev.Sequence > since {
						replay = append(replay, ev)
					}
				}
			}
		} else if t.sticky != nil {
			replay = append(replay, *t.sticky)
		}
		t.mu.Unlock()
	}

	s := newSubscription(b, b.nextID.Add(1), pattern, policy, opts)
	for _, ev := range replay {
		s.deliver(ev)
	}

	b.subsMu.Lock()
	old := *b.subs.Load()
	next := make([]*Subscription, len(old), len(old)+1)
	copy(next, old)
	next = append(next, s)
	b.subs.Store(&next)
	b.subsMu.Unlock()

	if b.metrics != nil {
		b.metrics.Subscriptions.Inc()
	}
	b.logger.Debug("Subscription added", "id", s.id, "pattern", pattern, "policy", policy.String())
	return s, nil
}

func (b *Bus) matchingLocked(pattern string) []*topic {
	var out []*topic
	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		if Match(pattern, name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		out = append(out, b.topics[name])
	}
	return out
}

// remove may run inside Publish or Subscribe through an overflow disconnect,
// so it only takes subsMu.
func (b *Bus) remove(s *Subscription) {
	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	old := *b.subs.Load()
	next := make([]*Subscription, 0, len(old))
	for _, cur := range old {
		if cur != s {
			next = append(next, cur)
		}
	}
	if len(next) == len(old) {
		return
	}
	b.subs.Store(&next)
	if b.metrics != nil {
		b.metrics.Subscriptions.Dec()
	}
}

func (b *Bus) recordDrops(topic string, policy buffer.OverflowPolicy, n int) {
	if b.metrics != nil {
		b.metrics.RecordEventsDropped(topic, policy.String(), n)
	}
}

// Sticky returns the retained sticky event of name
func (b *Bus) Sticky(name string) (Event, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.topics[name]
	if !ok {
		return Event{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sticky == nil {
		return Event{}, false
	}
	return *t.sticky, true
}

// SubscriptionCount returns the number of open subscriptions
func (b *Bus) SubscriptionCount() int {
	return len(*b.subs.Load())
}

// Close ends every subscription
func (b *Bus) Close() {
	for _, s := range *b.subs.Load() {
		s.Close()
	}
}
