package jobs

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
	"github.com/truenas/middlewared/schema"
)

// RunFunc is the body of a job. It should return promptly once ctx is done.
type RunFunc func(ctx context.Context, job *Job) (any, error)

// Spec describes a job to submit
type Spec struct {
	Method string
	// Args are stored frozen; RedactedArgs, when set, are what the encoding shows
	Args         []any
	RedactedArgs []any
	Description  string
	Username     string
	// LockKey serializes jobs sharing it; empty means no lock
	LockKey string
	// LockQueueSize bounds waiting jobs per lock: negative is unbounded, 0
	// refuses with EBUSY while the lock is held, N > 0 returns the newest
	// waiting job once N are waiting
	LockQueueSize int
	Transient     bool
	Abortable     bool
	// Deadline bounds the run; zero is unlimited
	Deadline time.Duration
	// Blocking jobs run on the supervisor's blocking executor
	Blocking bool
	Run      RunFunc
}

// Job is one asynchronous invocation
type Job struct {
	id      uint64
	spec    Spec
	sup     *Supervisor
	logs    *logRing
	created time.Time
	done    chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc

	// bypassed counts later jobs started ahead of this one; guarded by the
	// supervisor lock
	bypassed int

	mu          sync.Mutex
	state       State
	progress    Progress
	description string
	result      any
	err         *errors.CallError
	started     time.Time
	finished    time.Time
	excerpt     string
	abortReason string
}

// ID returns the job id
func (j *Job) ID() uint64 { return j.id }

// Method returns the method path the job runs
func (j *Job) Method() string { return j.spec.Method }

// Args returns the frozen arguments
func (j *Job) Args() []any { return j.spec.Args }

// LockKey returns the lock the job holds while running
func (j *Job) LockKey() string { return j.spec.LockKey }

// Context is cancelled when the job is aborted or its deadline passes
func (j *Job) Context() context.Context { return j.ctx }

// Done is closed when the job reaches a terminal state
func (j *Job) Done() <-chan struct{} { return j.done }

// State returns the current state
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// Progress returns the last reported progress
func (j *Job) Progress() Progress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progress
}

// SetProgress updates progress. Percent is clamped to [0, 100] and never
// decreases; an event is emitted only when something changed. An empty
// description or nil extra keeps the previous value.
func (j *Job) SetProgress(percent float64, description string, extra any) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state.Terminal() {
		return
	}
	percent = min(max(percent, 0), 100)
	changed := false
	if percent > j.progress.Percent {
		j.progress.Percent = percent
		changed = true
	}
	if description != "" && description != j.progress.Description {
		j.progress.Description = description
		changed = true
	}
	if extra != nil {
		frozen := schema.Freeze(extra)
		if !reflect.DeepEqual(frozen, j.progress.Extra) {
			j.progress.Extra = frozen
			changed = true
		}
	}
	if changed {
		j.sup.emitLocked(j, eventbus.Changed)
	}
}

// SetDescription sets the human readable description
func (j *Job) SetDescription(description string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.description == description || j.state.Terminal() {
		return
	}
	j.description = description
	j.sup.emitLocked(j, eventbus.Changed)
}

// Write appends to the job log
func (j *Job) Write(p []byte) (int, error) {
	return j.logs.Write(p)
}

// Logf appends one formatted line to the job log
func (j *Job) Logf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	if len(line) == 0 || line[len(line)-1] != '\n' {
		line += "\n"
	}
	_, _ = j.logs.Write([]byte(line))
}

// LogsWrite appends one line to the job log
func (j *Job) LogsWrite(line string) {
	j.Logf("%s", line)
}

// Logs returns the retained log
func (j *Job) Logs() []byte {
	return j.logs.Bytes()
}

// SetResult finishes the job successfully. Calls after the job finished
// are ignored; it reports whether this call finished the job.
func (j *Job) SetResult(v any) bool {
	return j.sup.finish(j, Success, v, nil)
}

// SetError fails the job. Calls after the job finished are ignored.
func (j *Job) SetError(err error) bool {
	return j.sup.finish(j, Failed, nil, errors.AsCallError(err))
}

// Abort cancels the job. A waiting job is aborted at once; a running job
// gets the grace window to return before it is marked ABORTED. Running
// jobs that are not abortable refuse with EPERM.
func (j *Job) Abort(reason string) error {
	return j.sup.abort(j, reason)
}

// Wait blocks until the job finishes and returns its result or error.
// Aborted jobs return ECANCELED.
func (j *Job) Wait(ctx context.Context) (any, error) {
	select {
	case <-j.done:
	case <-ctx.Done():
		return nil, errors.AsCallError(ctx.Err())
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.err != nil {
		return nil, j.err
	}
	return j.result, nil
}

// Record returns the encoding of the job
func (j *Job) Record() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recordLocked()
}

func (j *Job) recordLocked() Record {
	args := j.spec.RedactedArgs
	if args == nil {
		args = j.spec.Args
	}
	r := Record{
		ID:          j.id,
		Method:      j.spec.Method,
		Arguments:   args,
		Description: j.description,
		Transient:   j.spec.Transient,
		Abortable:   j.spec.Abortable,
		Lock:        j.spec.LockKey,
		Progress:    j.progress,
		State:       j.state,
		Username:    j.spec.Username,
		TimeCreated: j.created,
		LogsExcerpt: j.excerpt,
	}
	if j.state == Success {
		r.Result = j.result
	}
	if j.err != nil {
		r.Error = j.err.Reason
		r.ExcInfo = errorInfo(j.err)
	}
	if !j.started.IsZero() {
		t := j.started
		r.TimeStarted = &t
	}
	if !j.finished.IsZero() {
		t := j.finished
		r.TimeFinished = &t
	}
	return r
}
