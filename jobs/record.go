package jobs

import (
	"encoding/json"
	"time"

	"github.com/truenas/middlewared/errors"
)

// State is the lifecycle state of a job
type State string

// Job states. A job moves forward only: WAITING, RUNNING, then one terminal
// state.
const (
	Waiting State = "WAITING"
	Running State = "RUNNING"
	Success State = "SUCCESS"
	Failed  State = "FAILED"
	Aborted State = "ABORTED"
)

// Terminal reports whether s is final
func (s State) Terminal() bool {
	return s == Success || s == Failed || s == Aborted
}

func (s State) rank() int {
	switch s {
	case Waiting:
		return 0
	case Running:
		return 1
	default:
		return 2
	}
}

// Progress is the last reported progress of a job
type Progress struct {
	Percent     float64 `json:"percent"`
	Description string  `json:"description"`
	Extra       any     `json:"extra"`
}

// ErrorInfo is the wire shape of a job failure
type ErrorInfo struct {
	Errno  errors.Errno `json:"errno"`
	Type   string       `json:"type"`
	Reason string       `json:"reason"`
	Extra  any          `json:"extra,omitempty"`
	Trace  string       `json:"trace,omitempty"`
}

func errorInfo(ce *errors.CallError) *ErrorInfo {
	if ce == nil {
		return nil
	}
	kind := ce.Errno.String()
	if ce.Errno == errors.EINVAL && ce.Extra != nil {
		kind = "VALIDATION"
	}
	return &ErrorInfo{Errno: ce.Errno, Type: kind, Reason: ce.Reason, Extra: ce.Extra, Trace: ce.Trace}
}

func (e *ErrorInfo) callError() *errors.CallError {
	if e == nil {
		return nil
	}
	return &errors.CallError{Errno: e.Errno, Reason: e.Reason, Extra: e.Extra, Trace: e.Trace}
}

// Record is the encoding of a job used by core.get_jobs, its events and the
// snapshot file. Arguments are redacted.
type Record struct {
	ID           uint64     `json:"id"`
	Method       string     `json:"method"`
	Arguments    []any      `json:"arguments"`
	Description  string     `json:"description,omitempty"`
	Transient    bool       `json:"transient"`
	Abortable    bool       `json:"abortable"`
	Lock         string     `json:"lock,omitempty"`
	Progress     Progress   `json:"progress"`
	Result       any        `json:"result"`
	Error        string     `json:"error,omitempty"`
	ExcInfo      *ErrorInfo `json:"exc_info,omitempty"`
	State        State      `json:"state"`
	Username     string     `json:"username,omitempty"`
	TimeCreated  time.Time  `json:"time_created"`
	TimeStarted  *time.Time `json:"time_started"`
	TimeFinished *time.Time `json:"time_finished"`
	LogsExcerpt  string     `json:"logs_excerpt,omitempty"`
}

// Map returns r in the JSON value model, the form events and filters use
func (r Record) Map() map[string]any {
	var encodeErr error
	data, err := json.Marshal(r)
	if err != nil {
		encodeErr = err
		r.Result = nil
		if data, err = json.Marshal(r); err != nil {
			return map[string]any{"id": float64(r.ID), "state": string(r.State), "result_encoding_error": err.Error()}
		}
	}
	var out map[string]any
	_ = json.Unmarshal(data, &out)
	if encodeErr != nil {
		out["result_encoding_error"] = encodeErr.Error()
	}
	return out
}
