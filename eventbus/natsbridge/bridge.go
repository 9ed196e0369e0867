// Package natsbridge mirrors public bus events onto NATS subjects so other
// nodes can observe them. Subject names are "<prefix>.<topic>".
//
// The bridge is fed by a bus observer and never blocks the publisher: events
// queue in a bounded buffer that drops the oldest entry when the broker is
// slow or unreachable.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/pkg/buffer"
	"github.com/truenas/middlewared/pkg/retry"
)

// Publisher is the NATS side of the bridge; *natsclient.Client satisfies it
type Publisher interface {
	Connect(ctx context.Context) error
	Publish(ctx context.Context, subject string, data []byte) error
	Close(ctx context.Context) error
}

// Config holds bridge settings
type Config struct {
	Prefix    string       `yaml:"prefix" json:"prefix"`
	Node      string       `yaml:"node" json:"node"`
	QueueSize int          `yaml:"queue_size" json:"queue_size"`
	Connect   retry.Config `yaml:"-" json:"-"`
}

// DefaultConfig returns the bridge defaults
func DefaultConfig() Config {
	return Config{
		Prefix:    "middlewared",
		QueueSize: 4096,
		Connect:   retry.Persistent(),
	}
}

// Envelope is the message body published for each event
type Envelope struct {
	Node  string         `json:"node,omitempty"`
	Event eventbus.Event `json:"event"`
}

// Bridge forwards events to a Publisher
type Bridge struct {
	cfg    Config
	pub    Publisher
	logger *slog.Logger
	queue  *buffer.Buffer[eventbus.Event]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped bridge
func New(pub Publisher, cfg Config, logger *slog.Logger) *Bridge {
	if cfg.Prefix == "" {
		cfg.Prefix = "middlewared"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.Connect.MaxAttempts == 0 {
		cfg.Connect = retry.Persistent()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "natsbridge")
	return &Bridge{
		cfg:    cfg,
		pub:    pub,
		logger: logger,
		queue: buffer.New[eventbus.Event](cfg.QueueSize,
			buffer.WithOverflowPolicy[eventbus.Event](buffer.DropOldest)),
	}
}

// Subject returns the NATS subject for a topic
func (b *Bridge) Subject(topic string) string {
	return b.cfg.Prefix + "." + topic
}

// Observe queues ev for forwarding; pass it to eventbus.WithObserver
func (b *Bridge) Observe(ev eventbus.Event) {
	_ = b.queue.Write(ev)
}

// Name identifies the bridge in the service manager
func (b *Bridge) Name() string { return "natsbridge" }

// Start connects with retry and begins forwarding
func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.running {
		return errors.ErrAlreadyStarted
	}

	err := retry.Do(ctx, b.cfg.Connect, func() error {
		if err := b.pub.Connect(ctx); err != nil {
			b.logger.Warn("NATS connect failed", "error", err)
			if !errors.IsTransient(err) {
				return retry.Permanent(err)
			}
			return err
		}
		return nil
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "connect")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	b.running = true
	go b.forward(runCtx, b.done)
	b.logger.Info("Event bridge started", "prefix", b.cfg.Prefix)
	return nil
}

// Stop flushes what it can within timeout and closes the connection. A
// stopped bridge cannot be restarted.
func (b *Bridge) Stop(timeout time.Duration) error {
	ctx, cancelStop := context.WithTimeout(context.Background(), timeout)
	defer cancelStop()

	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return nil
	}
	b.running = false
	cancel, done := b.cancel, b.done
	b.mu.Unlock()

	b.queue.Close()
	select {
	case <-done:
	case <-ctx.Done():
		cancel()
		<-done
	}
	cancel()
	return b.pub.Close(ctx)
}

func (b *Bridge) forward(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		ev, err := b.queue.ReadContext(ctx)
		if err != nil {
			return
		}
		b.send(ctx, ev)
	}
}

func (b *Bridge) send(ctx context.Context, ev eventbus.Event) {
	data, err := json.Marshal(Envelope{Node: b.cfg.Node, Event: ev})
	if err != nil {
		b.logger.Error("Event not encodable", "topic", ev.Topic, "error", err)
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := b.pub.Publish(pubCtx, b.Subject(ev.Topic), data); err != nil {
		b.logger.Debug("Event not forwarded", "topic", ev.Topic, "error", err)
	}
}

// Pending returns the number of queued events
func (b *Bridge) Pending() int {
	return b.queue.Size()
}
