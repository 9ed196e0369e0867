package errors

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Errno is the POSIX-style error number carried by wire errors
type Errno int

// Errno values reported to callers
const (
	EPERM     Errno = 1
	ENOENT    Errno = 2
	EAGAIN    Errno = 11
	EACCES    Errno = 13
	EFAULT    Errno = 14
	EBUSY     Errno = 16
	EEXIST    Errno = 17
	EINVAL    Errno = 22
	ELOOP     Errno = 40
	EAUTH     Errno = 80
	ETIMEDOUT Errno = 110
	ECANCELED Errno = 125
	ENOMETHOD Errno = 201
)

var errnoNames = map[Errno]string{
	EPERM:     "EPERM",
	ENOENT:    "ENOENT",
	EAGAIN:    "EAGAIN",
	EACCES:    "EACCES",
	EFAULT:    "EFAULT",
	EBUSY:     "EBUSY",
	EEXIST:    "EEXIST",
	EINVAL:    "EINVAL",
	ELOOP:     "ELOOP",
	EAUTH:     "EAUTH",
	ETIMEDOUT: "ETIMEDOUT",
	ECANCELED: "ECANCELED",
	ENOMETHOD: "ENOMETHOD",
}

// String returns the symbolic errno name
func (e Errno) String() string {
	if name, ok := errnoNames[e]; ok {
		return name
	}
	return fmt.Sprintf("E%d", int(e))
}

// CallError is the error returned to callers of a method. It is the only error
// type that crosses a transport.
type CallError struct {
	Errno  Errno
	Reason string
	Extra  any
	Trace  string

	cause error
}

// Error implements the error interface
func (e *CallError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Errno, e.Reason)
}

// Unwrap returns the internal cause, if any
func (e *CallError) Unwrap() error {
	return e.cause
}

// Is matches another CallError by errno so errors.Is(err, &CallError{Errno: ENOENT}) works.
func (e *CallError) Is(target error) bool {
	var t *CallError
	if errors.As(target, &t) {
		return t.Errno == e.Errno && t.Reason == ""
	}
	return false
}

// WithExtra returns a copy of e carrying extra
func (e *CallError) WithExtra(extra any) *CallError {
	c := *e
	c.Extra = extra
	return &c
}

// NewCallError creates a CallError with a formatted reason
func NewCallError(errno Errno, format string, args ...any) *CallError {
	return &CallError{Errno: errno, Reason: fmt.Sprintf(format, args...)}
}

// NoMethod reports an unknown method path
func NoMethod(path string) *CallError {
	return NewCallError(ENOMETHOD, "Method %q not found", path)
}

// NotFound reports a missing resource
func NotFound(format string, args ...any) *CallError {
	return NewCallError(ENOENT, format, args...)
}

// AccessDenied reports an authorization failure
func AccessDenied(path string) *CallError {
	return NewCallError(EACCES, "Not authorized to call %s", path)
}

// AuthFailed reports an authentication failure
func AuthFailed(reason string) *CallError {
	return &CallError{Errno: EAUTH, Reason: reason}
}

// Busy reports lock contention, a full queue, or throttling
func Busy(format string, args ...any) *CallError {
	return NewCallError(EBUSY, format, args...)
}

// Exists reports a duplicate
func Exists(format string, args ...any) *CallError {
	return NewCallError(EEXIST, format, args...)
}

// NotPermitted reports an operation disallowed by current system state
func NotPermitted(format string, args ...any) *CallError {
	return NewCallError(EPERM, format, args...)
}

// TimedOut reports an exceeded deadline
func TimedOut(path string) *CallError {
	return NewCallError(ETIMEDOUT, "%s: deadline exceeded", path)
}

// Canceled reports a cancelled call or aborted job
func Canceled(reason string) *CallError {
	return &CallError{Errno: ECANCELED, Reason: reason}
}

// Invalid reports a caller error without field-level detail
func Invalid(format string, args ...any) *CallError {
	return NewCallError(EINVAL, format, args...)
}

// Validation wraps a ValidationErrors bundle as EINVAL with the items under extra.errors
func Validation(verrs *ValidationErrors) *CallError {
	return &CallError{
		Errno:  EINVAL,
		Reason: verrs.Error(),
		Extra:  map[string]any{"errors": verrs.Items()},
		cause:  verrs,
	}
}

// Internal wraps an unexpected failure as EFAULT with a fresh trace id. The
// cause stays available through Unwrap for logging but is not rendered.
func Internal(cause error) *CallError {
	return &CallError{
		Errno:  EFAULT,
		Reason: "Internal error",
		Trace:  uuid.NewString(),
		cause:  cause,
	}
}

// AsCallError converts any error into the wire shape
func AsCallError(err error) *CallError {
	if err == nil {
		return nil
	}

	var ce *CallError
	if errors.As(err, &ce) {
		return ce
	}

	var verrs *ValidationErrors
	if errors.As(err, &verrs) {
		return Validation(verrs)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &CallError{Errno: ETIMEDOUT, Reason: "deadline exceeded", cause: err}
	case errors.Is(err, context.Canceled):
		return &CallError{Errno: ECANCELED, Reason: "canceled", cause: err}
	case errors.Is(err, ErrKeyNotFound):
		return &CallError{Errno: ENOENT, Reason: err.Error(), cause: err}
	case errors.Is(err, ErrShuttingDown):
		return &CallError{Errno: EBUSY, Reason: err.Error(), cause: err}
	case errors.Is(err, ErrStorageUnavailable), errors.Is(err, ErrCircuitOpen):
		return &CallError{Errno: EAGAIN, Reason: err.Error(), cause: err}
	}

	var classified *ClassifiedError
	if errors.As(err, &classified) {
		switch classified.Class {
		case ErrorInvalid:
			return &CallError{Errno: EINVAL, Reason: err.Error(), cause: err}
		case ErrorTransient:
			return &CallError{Errno: EAGAIN, Reason: err.Error(), cause: err}
		}
	}

	return Internal(err)
}

// ErrnoOf returns the errno err maps to, or 0 for nil
func ErrnoOf(err error) Errno {
	if err == nil {
		return 0
	}
	return AsCallError(err).Errno
}

// IsErrno reports whether err carries errno
func IsErrno(err error, errno Errno) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Errno == errno
}
