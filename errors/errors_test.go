package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(999), "unknown"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.class.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"storage unavailable", ErrStorageUnavailable, true},
		{"circuit open", fmt.Errorf("dial: %w", ErrCircuitOpen), true},
		{"context deadline exceeded", context.DeadlineExceeded, true},
		{"network timeout", timeoutErr{}, true},
		{"invalid data", ErrInvalidData, false},
		{"plain error", errors.New("operation timeout occurred"), false},
		{"classified transient", &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("x")}, true},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: ErrStorageUnavailable}, false},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := IsTransient(test.err); got != test.expected {
				t.Errorf("expected %v, got %v for error: %v", test.expected, got, test.err)
			}
		})
	}
}

func TestIsFatalAndInvalid(t *testing.T) {
	if !IsFatal(fmt.Errorf("load: %w", ErrInvalidConfig)) {
		t.Error("invalid configuration should be fatal")
	}
	if IsFatal(ErrInvalidData) {
		t.Error("invalid data should not be fatal")
	}
	if !IsInvalid(WrapInvalid(errors.New("bad"), "Schema", "Define", "intern")) {
		t.Error("wrapped invalid should classify as invalid")
	}
	if IsInvalid(nil) || IsFatal(nil) {
		t.Error("nil is never classified")
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("disk full")

	if Wrap(nil, "Jobs", "Flush", "append snapshot") != nil {
		t.Fatal("wrapping nil should return nil")
	}

	err := Wrap(base, "Jobs", "Flush", "append snapshot")
	want := "Jobs.Flush: append snapshot failed: disk full"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("wrapped error should unwrap to the cause")
	}

	fatal := WrapFatal(base, "Jobs", "Flush", "append snapshot")
	var ce *ClassifiedError
	if !errors.As(fatal, &ce) {
		t.Fatal("expected ClassifiedError")
	}
	if ce.Component != "Jobs" || ce.Operation != "Flush" {
		t.Errorf("unexpected context %s.%s", ce.Component, ce.Operation)
	}
	if !IsFatal(fatal) {
		t.Error("expected fatal classification")
	}
}

func TestErrno_String(t *testing.T) {
	tests := []struct {
		errno    Errno
		expected string
	}{
		{ENOMETHOD, "ENOMETHOD"},
		{EAUTH, "EAUTH"},
		{ECANCELED, "ECANCELED"},
		{Errno(9999), "E9999"},
	}

	for _, test := range tests {
		t.Run(test.expected, func(t *testing.T) {
			if got := test.errno.String(); got != test.expected {
				t.Errorf("expected %s, got %s", test.expected, got)
			}
		})
	}
}

func TestAsCallError(t *testing.T) {
	verrs := &ValidationErrors{}
	verrs.Add("msg", CodeRequired, "field required")

	tests := []struct {
		name     string
		err      error
		expected Errno
		trace    bool
	}{
		{"call error passes through", NotFound("job 4"), ENOENT, false},
		{"wrapped call error", fmt.Errorf("outer: %w", Busy("locked")), EBUSY, false},
		{"validation bundle", verrs, EINVAL, false},
		{"deadline", context.DeadlineExceeded, ETIMEDOUT, false},
		{"canceled", context.Canceled, ECANCELED, false},
		{"key not found", Wrap(ErrKeyNotFound, "Datastore", "Get", "read"), ENOENT, false},
		{"classified invalid", WrapInvalid(errors.New("x"), "C", "M", "a"), EINVAL, false},
XX, errors.New("nil pointer"), EFAULT, true},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			ce := AsCallError(test.err)
			if ce.Errno != test.expected {
				t.Errorf("expected %s, got %s", test.expected, ce.Errno)
			}
			if test.trace && ce.Trace == "" {
				t.Error("expected a trace id for internal errors")
			}
			if !test.trace && ce.Trace != "" {
				t.Errorf("unexpected trace id %q", ce.Trace)
			}
		})
	}

	if AsCallError(nil) != nil {
		t.Error("nil error should convert to nil")
	}
}

func TestInternal_HidesCause(t *testing.T) {
	cause := errors.New("password=hunter2 leaked")
	ce := Internal(cause)

	if strings.Contains(ce.Error(), "hunter2") {
		t.Errorf("internal error leaks its cause: %s", ce.Error())
	}
	if !errors.Is(ce, cause) {
		t.Error("internal error should unwrap to its cause for logging")
	}
}

func TestCallError_Is(t *testing.T) {
	err := fmt.Errorf("dispatch: %w", NoMethod("test.missing"))

	if !errors.Is(err, &CallError{Errno: ENOMETHOD}) {
		t.Error("expected errno match")
	}
	if errors.Is(err, &CallError{Errno: ENOENT}) {
		t.Error("unexpected errno match")
	}
	if !IsErrno(err, ENOMETHOD) {
		t.Error("IsErrno should match")
	}
}

func TestValidationErrors(t *testing.T) {
	verrs := &ValidationErrors{}
	if verrs.Err() != nil {
		t.Fatal("empty bundle should not be an error")
	}

	verrs.Add("msg", CodeRequired, "field required")
	verrs.Add("[1]", CodeExtra, "unexpected argument")

	if verrs.Len() != 2 {
		t.Fatalf("expected 2 problems, got %d", verrs.Len())
	}

	ce := Validation(verrs)
	extra, ok := ce.Extra.(map[string]any)
	if !ok {
		t.Fatalf("expected map extra, got %T", ce.Extra)
	}
	items, ok := extra["errors"].([]ValidationError)
	if !ok || len(items) != 2 {
		t.Fatalf("expected 2 items under extra.errors, got %v", extra["errors"])
	}
	if items[0].Path != "msg" || items[0].Code != CodeRequired {
		t.Errorf("unexpected first item %+v", items[0])
	}
	if !strings.Contains(ce.Reason, "msg: [required]") {
		t.Errorf("reason should list problems: %s", ce.Reason)
	}
}
