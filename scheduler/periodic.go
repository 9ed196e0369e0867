package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/service"
)

// Caller runs methods as the daemon itself
type Caller interface {
	CallInternal(ctx context.Context, path string, args ...any) (any, error)
}

// EventPublisher publishes collection events
type EventPublisher interface {
	Publish(topic string, kind eventbus.Kind, id any, fields any) (eventbus.Event, error)
}

// Task is a unit of periodic work: either an internal method call or a Go
// function
type Task struct {
	Name       string
	Method     string
	Args       []any
	Run        func(ctx context.Context) error
	Interval   time.Duration
	RunOnStart bool
}

// TaskStatus is the outcome of a task's last run
type TaskStatus struct {
	Name      string    `json:"name"`
	Runs      int64     `json:"runs"`
	LastRun   time.Time `json:"last_run"`
	LastError string    `json:"last_error,omitempty"`
}

// Periodic runs tasks on fixed intervals. A task never overlaps itself: a
// run that outlasts its interval delays the next tick.
type Periodic struct {
	*service.BaseService
	caller Caller
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []Task
	status  map[string]*TaskStatus
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewPeriodic creates a scheduler calling methods through caller
func NewPeriodic(caller Caller, logger *slog.Logger) *Periodic {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "periodic")
	return &Periodic{
		BaseService: service.NewBaseService("periodic", service.WithLogger(logger)),
		caller:      caller,
		logger:      logger,
		status:      make(map[string]*TaskStatus),
	}
}

// Add schedules t. Tasks added after Start begin immediately.
func (p *Periodic) Add(t Task) error {
	if t.Name == "" || t.Interval <= 0 || (t.Run == nil && t.Method == "") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Periodic", "Add", "task validation")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.status[t.Name]; ok {
		return errors.Exists("Periodic task %q already exists", t.Name)
	}
	p.tasks = append(p.tasks, t)
	p.status[t.Name] = &TaskStatus{Name: t.Name}
	if p.running {
		p.BaseService.Go(func(done <-chan struct{}) { p.loop(t, done) })
	}
	return nil
}

// Start launches one loop per task
func (p *Periodic) Start(ctx context.Context) error {
	if err := p.BaseService.Start(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.running = true
	for _, t := range p.tasks {
		p.BaseService.Go(func(done <-chan struct{}) { p.loop(t, done) })
	}
	return nil
}

// Stop cancels running tasks and waits for their loops
func (p *Periodic) Stop(timeout time.Duration) error {
	p.mu.Lock()
	p.running = false
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()
	return p.BaseService.Stop(timeout)
}

// Status returns the run history of every task
func (p *Periodic) Status() []TaskStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]TaskStatus, 0, len(p.tasks))
	for _, t := range p.tasks {
		out = append(out, *p.status[t.Name])
	}
	return out
}

func (p *Periodic) loop(t Task, done <-chan struct{}) {
	p.mu.Lock()
	ctx := p.ctx
	p.mu.Unlock()

	if t.RunOnStart {
		p.run(ctx, t)
	}
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.run(ctx, t)
		}
	}
}

func (p *Periodic) run(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()

	var err error
	if t.Run != nil {
		err = t.Run(ctx)
	} else {
		_, err = p.caller.CallInternal(ctx, t.Method, t.Args...)
	}

	p.mu.Lock()
	st := p.status[t.Name]
	st.Runs++
	st.LastRun = start
	st.LastError = ""
	if err != nil {
		st.LastError = errors.AsCallError(err).Reason
	}
	p.mu.Unlock()

	if err != nil && ctx.Err() == nil {
		p.logger.Warn("Periodic task failed", "task", t.Name, "error", err)
		return
	}
	p.logger.Debug("Periodic task ran", "task", t.Name, "duration", time.Since(start))
}
