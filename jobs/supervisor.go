package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/metric"
	"github.com/truenas/middlewared/pkg/cache"
	"github.com/truenas/middlewared/schema"
)

// Topic carries ADDED and CHANGED events for every job
const Topic = "core.get_jobs"

// TopicSpec declares the job topic
func TopicSpec() eventbus.TopicSpec {
	return eventbus.TopicSpec{
		Name:        Topic,
		Description: "Job lifecycle and progress",
		Roles:       []string{"JOB_READ"},
	}
}

// EventPublisher is the part of the event bus the supervisor needs
type EventPublisher interface {
	Publish(topic string, kind eventbus.Kind, id any, fields any) (eventbus.Event, error)
}

// Executor runs fn on the blocking substrate. It returns an error when fn
// could not be queued.
type Executor func(fn func()) error

// Config tunes the supervisor
type Config struct {
	RetentionCapacity int
	RetentionAge      time.Duration
	LogRingSize       int
	AbortGrace        time.Duration
	DeadlineGrace     time.Duration
	// MaxRunning caps concurrently running jobs; zero is unlimited
	MaxRunning int
	// FairnessBound is how often a waiting job may be passed over before
	// later jobs stop starting ahead of it
	FairnessBound int

	SnapshotPath     string
	SnapshotInterval time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		RetentionCapacity: 500,
		RetentionAge:      24 * time.Hour,
		LogRingSize:       DefaultLogRingSize,
		AbortGrace:        5 * time.Second,
		DeadlineGrace:     time.Second,
		FairnessBound:     16,
		SnapshotInterval:  30 * time.Second,
	}
}

// Option configures a Supervisor
type Option func(*Supervisor)

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// WithMetrics records state transitions
func WithMetrics(m *metric.Metrics) Option {
	return func(s *Supervisor) { s.metrics = m }
}

// WithEvents publishes job events
func WithEvents(p EventPublisher) Option {
	return func(s *Supervisor) { s.events = p }
}

// WithExecutor sets the blocking substrate; without one blocking jobs run
// on their own goroutine
func WithExecutor(e Executor) Option {
	return func(s *Supervisor) { s.executor = e }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) { s.now = now }
}

// Supervisor owns every job of the process
type Supervisor struct {
	cfg      Config
	logger   *slog.Logger
	metrics  *metric.Metrics
	events   EventPublisher
	executor Executor
	now      func() time.Time

	mu       sync.Mutex
	nextID   uint64
	active   map[uint64]*Job
	queue    []*Job
	held     map[string]uint64
	running  int
	closed   bool
	retained *cache.Ordered[uint64, *Job]

	dirtyMu sync.Mutex
	dirty   map[uint64]struct{}

	snapshot *snapshotFile
	stop     chan struct{}
	wg       sync.WaitGroup
}

// NewSupervisor creates a supervisor. Zero config fields take defaults.
func NewSupervisor(cfg Config, opts ...Option) (*Supervisor, error) {
	def := DefaultConfig()
	if cfg.RetentionCapacity <= 0 {
		cfg.RetentionCapacity = def.RetentionCapacity
	}
	if cfg.RetentionAge <= 0 {
		cfg.RetentionAge = def.RetentionAge
	}
	if cfg.LogRingSize <= 0 {
		cfg.LogRingSize = def.LogRingSize
	}
	if cfg.AbortGrace <= 0 {
		cfg.AbortGrace = def.AbortGrace
	}
	if cfg.DeadlineGrace <= 0 {
		cfg.DeadlineGrace = def.DeadlineGrace
	}
	if cfg.FairnessBound <= 0 {
		cfg.FairnessBound = def.FairnessBound
	}
	if cfg.SnapshotInterval <= 0 {
		cfg.SnapshotInterval = def.SnapshotInterval
	}

	s := &Supervisor{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
		active: make(map[uint64]*Job),
		held:   make(map[string]uint64),
		dirty:  make(map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "jobs")

	retained, err := cache.NewOrdered[uint64, *Job](
		cache.WithCapacity[uint64, *Job](cfg.RetentionCapacity),
		cache.WithMaxAge[uint64, *Job](cfg.RetentionAge),
		cache.WithClock[uint64, *Job](func() time.Time { return s.now() }),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Supervisor", "NewSupervisor", "retention cache")
	}
	s.retained = retained
	if cfg.SnapshotPath != "" {
		s.snapshot = &snapshotFile{path: cfg.SnapshotPath}
	}
	return s, nil
}

// Name implements service.Service
func (s *Supervisor) Name() string { return "jobs" }

// Submit creates a job and schedules it. With a lock key and a positive
// LockQueueSize, a full lock queue returns the newest waiting job instead
// of a new one.
func (s *Supervisor) Submit(spec Spec) (*Job, error) {
	if spec.Run == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Supervisor", "Submit", "job has no body")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.NotPermitted("Job supervisor is shutting down")
	}

	if spec.LockKey != "" && spec.LockQueueSize >= 0 {
		if spec.LockQueueSize == 0 {
			if _, held := s.held[spec.LockKey]; held {
				return nil, errors.Busy("This job is already being performed")
			}
		} else {
			var newest *Job
			waiting := 0
			for _, w := range s.queue {
				if w.spec.LockKey == spec.LockKey {
					waiting++
					newest = w
				}
			}
			if waiting >= spec.LockQueueSize {
				return newest, nil
			}
		}
	}

	s.nextID++
	spec.Args = freezeArgs(spec.Args)
	spec.RedactedArgs = freezeArgs(spec.RedactedArgs)
	ctx, cancel := context.WithCancelCause(context.Background())
	j := &Job{
		id:          s.nextID,
		spec:        spec,
		sup:         s,
		logs:        newLogRing(s.cfg.LogRingSize),
		created:     s.now(),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		state:       Waiting,
		description: spec.Description,
	}
	s.active[j.id] = j
	s.queue = append(s.queue, j)
	s.recordTransition("", Waiting)

	j.mu.Lock()
	s.emitLocked(j, eventbus.Added)
	j.mu.Unlock()

	s.scheduleLocked()
	return j, nil
}

func freezeArgs(args []any) []any {
	if args == nil {
		return nil
	}
	frozen, _ := schema.Freeze(args).([]any)
	return frozen
}

// scheduleLocked starts every waiting job whose lock is free, in submit
// order. A later job started while an earlier one with a free lock waits on
// capacity bypasses it; once such a job has been bypassed FairnessBound
// times nothing behind it starts until it has. Waiting on a held lock is
// not a bypass: only the holder can end that wait.
func (s *Supervisor) scheduleLocked() {
	remaining := s.queue[:0]
	blocked := false
	for _, j := range s.queue {
		if blocked || !s.canStartLocked(j) {
			remaining = append(remaining, j)
			if s.lockFreeLocked(j) && j.bypassed >= s.cfg.FairnessBound {
				blocked = true
			}
			continue
		}
		for _, w := range remaining {
			if s.lockFreeLocked(w) {
				w.bypassed++
			}
		}
		s.startLocked(j)
	}
	for i := len(remaining); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = remaining
}

func (s *Supervisor) lockFreeLocked(j *Job) bool {
	if j.spec.LockKey == "" {
		return true
	}
	_, held := s.held[j.spec.LockKey]
	return !held
}

func (s *Supervisor) canStartLocked(j *Job) bool {
	if s.cfg.MaxRunning > 0 && s.running >= s.cfg.MaxRunning {
		return false
	}
	return s.lockFreeLocked(j)
}

func (s *Supervisor) startLocked(j *Job) {
	if j.spec.LockKey != "" {
		s.held[j.spec.LockKey] = j.id
	}
	s.running++

	j.mu.Lock()
	j.state = Running
	j.started = s.now()
	s.emitLocked(j, eventbus.Changed)
	j.mu.Unlock()

	s.recordTransition(Waiting, Running)
	go s.launch(j)
}

func (s *Supervisor) launch(j *Job) {
	if j.spec.Blocking && s.executor != nil {
		if err := s.executor(func() { s.execute(j) }); err != nil {
			s.finish(j, Failed, nil, errors.AsCallError(err))
		}
		return
	}
	s.execute(j)
}

func (s *Supervisor) execute(j *Job) {
	defer func() {
		if r := recover(); r != nil {
			ce := errors.Internal(fmt.Errorf("panic: %v", r))
			s.logger.Error("Job panicked",
				"job_id", j.id, "method", j.spec.Method, "trace", ce.Trace,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			s.finish(j, Failed, nil, ce)
		}
	}()

	if j.spec.Deadline > 0 {
		timer := time.AfterFunc(j.spec.Deadline, func() {
			ce := errors.TimedOut(j.spec.Method)
			j.cancel(ce)
			time.AfterFunc(s.cfg.DeadlineGrace, func() { s.finish(j, Failed, nil, ce) })
		})
		defer timer.Stop()
	}

	result, err := j.spec.Run(j.ctx, j)
	s.complete(j, result, err)
}

// complete maps a returned body to its terminal state. A job asked to abort
// ends ABORTED whatever it returned; an error returned after cancellation
// takes the cancellation cause.
func (s *Supervisor) complete(j *Job, result any, err error) {
	j.mu.Lock()
	reason := j.abortReason
	j.mu.Unlock()
	if reason != "" {
		s.finish(j, Aborted, nil, errors.Canceled(reason))
		return
	}
	if err == nil {
		s.finish(j, Success, result, nil)
		return
	}
	ce := errors.AsCallError(err)
	if j.ctx.Err() != nil {
		if cause := errors.AsCallError(context.Cause(j.ctx)); cause != nil {
			ce = cause
		}
	}
	state := Failed
	if ce.Errno == errors.ECANCELED {
		state = Aborted
	}
	s.finish(j, state, nil, ce)
}

func (s *Supervisor) finish(j *Job, state State, result any, ce *errors.CallError) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finishLocked(j, state, result, ce)
}

// finishLocked moves j to a terminal state once; later calls report false
func (s *Supervisor) finishLocked(j *Job, state State, result any, ce *errors.CallError) bool {
	j.mu.Lock()
	if j.state.Terminal() {
		j.mu.Unlock()
		return false
	}
	from := j.state
	if state == Success {
		j.result = schema.Freeze(result)
		j.progress.Percent = 100
	}
	j.err = ce
	j.state = state
	j.finished = s.now()
	j.excerpt = j.logs.excerpt()
	s.emitLocked(j, eventbus.Changed)
	close(j.done)
	j.mu.Unlock()

	j.cancel(context.Canceled)
	delete(s.active, j.id)
	if from == Waiting {
		for i, w := range s.queue {
			if w == j {
				s.queue = append(s.queue[:i], s.queue[i+1:]...)
				break
			}
		}
	} else {
		if key := j.spec.LockKey; key != "" && s.held[key] == j.id {
			delete(s.held, key)
		}
		s.running--
	}
	if !j.spec.Transient {
		s.retained.Set(j.id, j)
	}
	s.recordTransition(from, state)
	s.scheduleLocked()
	return true
}

func (s *Supervisor) abort(j *Job, reason string) error {
	if reason == "" {
		reason = "Job aborted"
	}
	ce := errors.Canceled(reason)

	s.mu.Lock()
	defer s.mu.Unlock()
	switch j.State() {
	case Waiting:
		s.finishLocked(j, Aborted, nil, ce)
		return nil
	case Running:
	default:
		return nil
	}

	if !j.spec.Abortable {
		return errors.NotPermitted("Job %d (%s) is not abortable", j.id, j.spec.Method)
	}
	j.mu.Lock()
	if j.abortReason != "" {
		j.mu.Unlock()
		return nil
	}
	j.abortReason = reason
	j.mu.Unlock()

	j.cancel(ce)
	time.AfterFunc(s.cfg.AbortGrace, func() {
		if s.finish(j, Aborted, nil, ce) {
			s.logger.Warn("Job did not stop within the abort grace window",
				"job_id", j.id, "method", j.spec.Method)
		}
	})
	return nil
}

// emitLocked publishes the job encoding and marks it for the next snapshot.
// j.mu is held.
func (s *Supervisor) emitLocked(j *Job, kind eventbus.Kind) {
	if !j.spec.Transient {
		s.dirtyMu.Lock()
		s.dirty[j.id] = struct{}{}
		s.dirtyMu.Unlock()
	}
	if s.events == nil {
		return
	}
	if _, err := s.events.Publish(Topic, kind, j.id, j.recordLocked().Map()); err != nil {
		s.logger.Debug("Job event not published", "job_id", j.id, "error", err)
	}
}

func (s *Supervisor) recordTransition(from, to State) {
	if s.metrics != nil {
		s.metrics.RecordJobTransition(string(from), string(to))
	}
}

// Get returns an active or retained job
func (s *Supervisor) Get(id uint64) (*Job, bool) {
	s.mu.Lock()
	j, ok := s.active[id]
	s.mu.Unlock()
	if ok {
		return j, true
	}
	return s.retained.Get(id)
}

// List returns the encoding of every active and retained job by id
func (s *Supervisor) List() []Record {
	s.mu.Lock()
	jobs := make([]*Job, 0, len(s.active)+s.retained.Len())
	for _, j := range s.active {
		jobs = append(jobs, j)
	}
	s.mu.Unlock()
	s.retained.Prune()
	s.retained.Range(func(_ uint64, j *Job) bool {
		jobs = append(jobs, j)
		return true
	})

	records := make([]Record, 0, len(jobs))
	for _, j := range jobs {
		records = append(records, j.Record())
	}
	sort.Slice(records, func(a, b int) bool { return records[a].ID < records[b].ID })
	return records
}

// Counts returns the number of active and retained jobs per state
func (s *Supervisor) Counts() map[State]int {
	counts := make(map[State]int)
	for _, r := range s.List() {
		counts[r.State]++
	}
	return counts
}

// Start restores the snapshot and begins periodic flushing
func (s *Supervisor) Start(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	if err := s.restore(ctx); err != nil {
		return err
	}
	s.stop = make(chan struct{})
	s.wg.Add(1)
	go s.flushLoop()
	return nil
}

func (s *Supervisor) flushLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SnapshotInterval)
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("Job snapshot flush failed", "path", s.snapshot.path, "error", err)
			}
			cancel()
		case <-s.stop:
			return
		}
	}
}

// Stop refuses new jobs and compacts the snapshot. Jobs still running are
// recorded as they are and reported aborted at the next start.
func (s *Supervisor) Stop(timeout time.Duration) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.stop != nil {
		close(s.stop)
		s.wg.Wait()
	}
	if s.snapshot == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Compact(ctx)
}

// Flush appends the jobs changed since the last flush to the snapshot
func (s *Supervisor) Flush(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	s.dirtyMu.Lock()
	ids := make([]uint64, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[uint64]struct{})
	s.dirtyMu.Unlock()
	if len(ids) == 0 {
		return nil
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })

	records := make([]Record, 0, len(ids))
	for _, id := range ids {
		if j, ok := s.Get(id); ok {
			records = append(records, j.Record())
		}
	}
	if err := s.snapshot.append(ctx, records); err != nil {
		s.dirtyMu.Lock()
		for _, id := range ids {
			s.dirty[id] = struct{}{}
		}
		s.dirtyMu.Unlock()
		return err
	}
	return nil
}

// Compact rewrites the snapshot with one line per known job
func (s *Supervisor) Compact(ctx context.Context) error {
	if s.snapshot == nil {
		return nil
	}
	var records []Record
	for _, r := range s.List() {
		if !r.Transient {
			records = append(records, r)
		}
	}
	if err := s.snapshot.rewrite(ctx, records); err != nil {
		return err
	}
	s.dirtyMu.Lock()
	s.dirty = make(map[uint64]struct{})
	s.dirtyMu.Unlock()
	return nil
}

// restore loads the snapshot into the retention cache. Jobs that were not
// finished are reported aborted by the restart; ids continue past the
// highest one seen.
func (s *Supervisor) restore(ctx context.Context) error {
	records, err := s.snapshot.load(ctx)
	if err != nil {
		return err
	}
	now := s.now()
	restarted := 0
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if r.ID > s.nextID {
			s.nextID = r.ID
		}
		interrupted := !r.State.Terminal()
		if interrupted {
			r.State = Aborted
			ce := errors.Canceled("restart")
			r.Error = ce.Reason
			r.ExcInfo = errorInfo(ce)
			r.TimeFinished = &now
			restarted++
		}
		if now.Sub(r.TimeCreated) > s.cfg.RetentionAge {
			continue
		}
		j := restoredJob(s, r)
		s.retained.Set(j.id, j)
		if interrupted {
			s.dirtyMu.Lock()
			s.dirty[j.id] = struct{}{}
			s.dirtyMu.Unlock()
		}
	}
	s.logger.Info("Job snapshot restored",
		"path", s.snapshot.path, "jobs", len(records), "aborted_by_restart", restarted, "next_id", s.nextID+1)
	return nil
}

func restoredJob(s *Supervisor, r Record) *Job {
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(context.Canceled)
	j := &Job{
		id: r.ID,
		spec: Spec{
			Method:    r.Method,
			Args:      r.Arguments,
			Username:  r.Username,
			LockKey:   r.Lock,
			Transient: r.Transient,
			Abortable: r.Abortable,
		},
		sup:         s,
		logs:        newLogRing(s.cfg.LogRingSize),
		created:     r.TimeCreated,
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		state:       r.State,
		progress:    r.Progress,
		description: r.Description,
		result:      r.Result,
		err:         r.ExcInfo.callError(),
		excerpt:     r.LogsExcerpt,
	}
	if r.TimeStarted != nil {
		j.started = *r.TimeStarted
	}
	if r.TimeFinished != nil {
		j.finished = *r.TimeFinished
	}
	close(j.done)
	return j
}
