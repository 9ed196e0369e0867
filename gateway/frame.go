package gateway

import (
	"bytes"
	"encoding/json"

	"github.com/truenas/middlewared/errors"
	"github.com/truenas/middlewared/eventbus"
)

// ProtocolVersion is the only connect version accepted
const ProtocolVersion = "1"

// Frame message types
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgError     = "error"
	MsgSub       = "sub"
	MsgNoSub     = "nosub"
	MsgUnsub     = "unsub"
	MsgEvent     = "event"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// Frame is one message on the WebSocket and UNIX socket transports. ID is
// kept raw so it is echoed exactly as the client sent it.
type Frame struct {
	ID         json.RawMessage `json:"id,omitempty"`
	Msg        string          `json:"msg"`
	Method     string          `json:"method,omitempty"`
	Params     []any           `json:"params,omitempty"`
	Result     any             `json:"result,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
	Name       string          `json:"name,omitempty"`
	Collection string          `json:"collection,omitempty"`
	MsgType    string          `json:"msg_type,omitempty"`
	Fields     any             `json:"fields,omitempty"`
	Sequence   uint64          `json:"sequence,omitempty"`
	Session    string          `json:"session,omitempty"`
	Version    string          `json:"version,omitempty"`
	Support    []string        `json:"support,omitempty"`
}

// MarshalJSON writes result frames with an explicit result, null included
func (f Frame) MarshalJSON() ([]byte, error) {
	type plain Frame
	if f.Msg != MsgResult {
		return json.Marshal(plain(f))
	}
	return json.Marshal(struct {
		plain
		Result any `json:"result"`
	}{plain(f), f.Result})
}

// Key is the in-flight key of the frame's id
func (f Frame) Key() string {
	return string(bytes.TrimSpace(f.ID))
}

// WireError is the error shape of error frames and REST error bodies
type WireError struct {
	Errno  int    `json:"errno"`
	Name   string `json:"error"`
	Reason string `json:"reason"`
	Extra  any    `json:"extra,omitempty"`
	Trace  string `json:"trace,omitempty"`
}

// NewWireError converts any error to the wire shape
func NewWireError(err error) *WireError {
	ce := errors.AsCallError(err)
	return &WireError{
		Errno:  int(ce.Errno),
		Name:   ce.Errno.String(),
		Reason: ce.Reason,
		Extra:  ce.Extra,
		Trace:  ce.Trace,
	}
}

// CallError restores the error a WireError was built from
func (w *WireError) CallError() *errors.CallError {
	ce := errors.NewCallError(errors.Errno(w.Errno), "%s", w.Reason)
	ce.Extra = w.Extra
	ce.Trace = w.Trace
	return ce
}

// ResultFrame answers a method frame
func ResultFrame(id json.RawMessage, result any) Frame {
	return Frame{ID: id, Msg: MsgResult, Result: result}
}

// ErrorFrame answers a method frame with a failure
func ErrorFrame(id json.RawMessage, err error) Frame {
	return Frame{ID: id, Msg: MsgError, Error: NewWireError(err)}
}

// EventFrame delivers ev to the subscription on pattern
func EventFrame(pattern string, ev eventbus.Event) Frame {
	f := Frame{
		Msg:        MsgEvent,
		Name:       pattern,
		Collection: ev.Topic,
		MsgType:    string(ev.Kind),
		Fields:     ev.Fields,
		Sequence:   ev.Sequence,
	}
	if ev.ID != nil {
		if raw, err := json.Marshal(ev.ID); err == nil {
			f.ID = raw
		}
	}
	return f
}

// Decode parses one frame. Numbers in params stay float64, the JSON value
// model the schema layer validates.
func Decode(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, errors.Invalid("Malformed frame: %v", err)
	}
	if f.Msg == "" {
		return Frame{}, errors.Invalid("Frame has no msg")
	}
	return f, nil
}
