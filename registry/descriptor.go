package registry

import (
	"context"
	"strings"
	"time"

	"github.com/truenas/middlewared/auth"
	"github.com/truenas/middlewared/jobs"
	"github.com/truenas/middlewared/schema"
)

// DefaultDeadline bounds non-job calls that do not set their own
const DefaultDeadline = 120 * time.Second

// Kind selects how a method executes
type Kind int

// Method kinds. For jobs, Substrate chooses between Cooperative and Blocking
// for the job body.
const (
	Cooperative Kind = iota
	Blocking
	Job
)

func (k Kind) String() string {
	switch k {
	case Blocking:
		return "blocking"
	case Job:
		return "job"
	default:
		return "cooperative"
	}
}

// Visibility controls who may call a method
type Visibility int

// Private methods are reachable only from in-process callers and SYSTEM
// sessions.
const (
	Public Visibility = iota
	Private
)

// LockFunc derives a lock key from validated arguments; "" means no lock
type LockFunc func(args []any) string

// Handler implements a method. Args are validated and defaulted. For job
// methods cc.Job is the running job.
type Handler func(ctx context.Context, cc *CallContext, args []any) (any, error)

// Caller dispatches a nested call with an already built context
type Caller interface {
	CallWith(ctx context.Context, cc *CallContext, path string, args ...any) (any, error)
}

// CallContext is the caller side of one invocation
type CallContext struct {
	Session   *auth.Session
	Transport string
	// Conn is the transport's handle for the originating connection
	Conn any
	// Internal calls come from inside the process and bypass visibility
	Internal       bool
	Depth          int
	ParentJob      uint64
	IdempotencyKey string
	Job            *jobs.Job
	Caller         Caller
}

// Authenticated reports whether the caller holds an authenticated session
func (cc *CallContext) Authenticated() bool {
	return cc != nil && (cc.Internal || cc.Session.Authenticated())
}

// Username returns the session's username, or "" for anonymous callers
func (cc *CallContext) Username() string {
	if cc == nil || cc.Session == nil {
		return ""
	}
	return cc.Session.Credentials().Username
}

// Child returns the context for a nested call made by this one
func (cc *CallContext) Child() *CallContext {
	child := *cc
	child.Depth++
	child.Job = nil
	child.IdempotencyKey = ""
	if cc.Job != nil {
		child.ParentJob = cc.Job.ID()
	}
	return &child
}

// Call invokes another method with the caller's session and depth
func (cc *CallContext) Call(ctx context.Context, path string, args ...any) (any, error) {
	return cc.Caller.CallWith(ctx, cc.Child(), path, args...)
}

// Descriptor declares one method
type Descriptor struct {
	Path      string
	Namespace string
	Name      string

	Params []schema.Param
	Result *schema.Schema
	Roles  []string

	Kind       Kind
	Substrate  Kind
	Visibility Visibility
	Idempotent bool
	// ThrottleKey shares one rate limiter between methods; empty disables
	ThrottleKey string

	Lock          LockFunc
	SharedLock    string
	LockQueueSize int
	// Deadline of zero is unlimited
	Deadline time.Duration

	NoAuth              bool
	REST                bool
	RESTMethod          string
	Critical            bool
	AllowResultFallback bool
	Abortable           bool
	Transient           bool
	// SessionMutating methods change the caller's session, for example
	// auth.login; transports must not run them concurrently per connection
	SessionMutating bool
	Description     string

	Handler Handler
	Plugin  string
}

// LockKey returns the lock for a call with args, or ""
func (d *Descriptor) LockKey(args []any) string {
	if d.Lock != nil {
		if key := d.Lock(args); key != "" {
			return d.Path + ":" + key
		}
		return ""
	}
	return d.SharedLock
}

// Builder assembles a Descriptor
type Builder struct {
	d           Descriptor
	deadlineSet bool
}

// NewDescriptor starts a descriptor for path
func NewDescriptor(path string) *Builder {
	b := &Builder{d: Descriptor{Path: path, LockQueueSize: -1, RESTMethod: "POST"}}
	if i := strings.LastIndexByte(path, '.'); i > 0 {
		b.d.Namespace, b.d.Name = path[:i], path[i+1:]
	}
	return b
}

func (b *Builder) Params(params ...schema.Param) *Builder {
	b.d.Params = append(b.d.Params, params...)
	return b
}

func (b *Builder) Returns(s *schema.Schema) *Builder {
	b.d.Result = s
	return b
}

func (b *Builder) Roles(roles ...string) *Builder {
	b.d.Roles = append(b.d.Roles, roles...)
	return b
}

func (b *Builder) Blocking() *Builder {
	b.d.Kind = Blocking
	return b
}

// Job makes the method a job whose body runs on substrate
func (b *Builder) Job(substrate Kind) *Builder {
	b.d.Kind = Job
	b.d.Substrate = substrate
	return b
}

func (b *Builder) Private() *Builder {
	b.d.Visibility = Private
	return b
}

func (b *Builder) Idempotent() *Builder {
	b.d.Idempotent = true
	return b
}

func (b *Builder) Throttle(key string) *Builder {
	b.d.ThrottleKey = key
	return b
}

func (b *Builder) Lock(fn LockFunc) *Builder {
	b.d.Lock = fn
	return b
}

func (b *Builder) SharedLock(key string) *Builder {
	b.d.SharedLock = key
	return b
}

func (b *Builder) LockQueueSize(n int) *Builder {
	b.d.LockQueueSize = n
	return b
}

func (b *Builder) Deadline(d time.Duration) *Builder {
	b.d.Deadline = d
	b.deadlineSet = true
	return b
}

func (b *Builder) NoAuth() *Builder {
	b.d.NoAuth = true
	return b
}

// REST exposes the method on the REST shim under the HTTP method
func (b *Builder) REST(method string) *Builder {
	b.d.REST = true
	b.d.RESTMethod = strings.ToUpper(method)
	return b
}

func (b *Builder) Critical() *Builder {
	b.d.Critical = true
	return b
}

func (b *Builder) AllowResultFallback() *Builder {
	b.d.AllowResultFallback = true
	return b
}

func (b *Builder) Abortable() *Builder {
	b.d.Abortable = true
	return b
}

func (b *Builder) Transient() *Builder {
	b.d.Transient = true
	return b
}

func (b *Builder) SessionMutating() *Builder {
	b.d.SessionMutating = true
	return b
}

func (b *Builder) Describe(s string) *Builder {
	b.d.Description = s
	return b
}

func (b *Builder) Handler(h Handler) *Builder {
	b.d.Handler = h
	return b
}

// Build returns the descriptor. Non-job methods default to DefaultDeadline;
// jobs run unbounded unless a deadline was set.
func (b *Builder) Build() *Descriptor {
	d := b.d
	if !b.deadlineSet && d.Kind != Job {
		d.Deadline = DefaultDeadline
	}
	d.Params = append([]schema.Param(nil), d.Params...)
	d.Roles = append([]string(nil), d.Roles...)
	return &d
}
