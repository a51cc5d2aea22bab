// Package control defines the messages exchanged between the supervisor and
// its workers, and the correlation machinery for request/response calls.
//
// Two message families exist: commands, which carry a correlation id (mid)
// and expect a response, and fire-and-forget notifications (new, delete,
// assign, change, ready, ...). Every message is a tagged struct — handlers
// switch on Cmd rather than on dynamic payload shape.
package control

import (
	"encoding/json"
	"fmt"
)

// Cmd tags a control message.
type Cmd string

const (
	CmdCall             Cmd = "call"
	CmdResp             Cmd = "resp"
	CmdNew              Cmd = "new"
	CmdDelete           Cmd = "delete"
	CmdUpdate           Cmd = "update"
	CmdAssign           Cmd = "assign"
	CmdSettings         Cmd = "settings"
	CmdMetrics          Cmd = "metrics"
	CmdChange           Cmd = "change"
	CmdReady            Cmd = "ready"
	CmdSMTPReload       Cmd = "smtpReload"
	CmdCountConnections Cmd = "countConnections"
)

// Message is one control-channel message. Only the fields relevant to the
// tagged Cmd are populated.
type Message struct {
	Cmd Cmd `json:"cmd"`

	// MID correlates a call with its resp. Zero for fire-and-forget.
	MID uint64 `json:"mid,omitempty"`

	// Account scopes account-directed messages (new, delete, update,
	// assign, change) and account RPC calls.
	Account string `json:"account,omitempty"`

	// Op names the RPC operation for call messages, e.g. "listMessages".
	Op string `json:"op,omitempty"`

	// Payload carries call arguments, change details or settings patches.
	Payload json.RawMessage `json:"message,omitempty"`

	// Response and Err carry the outcome of a call on resp messages.
	Response json.RawMessage `json:"response,omitempty"`
	Err      *CallError      `json:"error,omitempty"`

	// Metric fields for metrics messages.
	Metric string  `json:"metric,omitempty"`
	Value  float64 `json:"value,omitempty"`
}

// CallError is the structured error attached to failed calls. Code and
// StatusCode travel unchanged from the worker that produced the error to
// the original caller.
type CallError struct {
	Message    string `json:"message"`
	Code       string `json:"code,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
}

func (e *CallError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// Common structured errors returned by the routing layer.

// ErrNoHandler is returned when an account-scoped call targets an account
// that no worker currently owns. Callers may retry after a short delay.
func ErrNoHandler() *CallError {
	return &CallError{
		Message:    "No active handler for requested account. Try again later.",
		StatusCode: 503,
	}
}

// ErrTimeout is returned when a call does not complete within its budget.
func ErrTimeout() *CallError {
	return &CallError{
		Message:    "Request timed out",
		Code:       "Timeout",
		StatusCode: 504,
	}
}
