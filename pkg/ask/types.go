// Package ask implements the request lifecycle engine at the heart of
// Handraise: a correlation table of in-flight human-decision requests, a
// pausable per-request countdown, a transport disconnection watchdog, and
// the coordinator that settles each request exactly once.
//
// Everything else in the repository — the JSON-RPC dispatcher, the panel
// hub, the history stores — is plumbing around this package.
package ask

import (
	"errors"
	"time"
)

// Kind selects the shape of the question put to the human.
type Kind string

const (
	KindText    Kind = "text"    // free-form text input
	KindConfirm Kind = "confirm" // yes/no
	KindChoice  Kind = "choice"  // pick one of Options
)

// Option is a single selectable answer for KindChoice.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Payload is the immutable description of what is being asked.
type Payload struct {
	Kind        Kind     `json:"kind"`
	Title       string   `json:"title"`
	Prompt      string   `json:"prompt"`
	Placeholder string   `json:"placeholder,omitempty"`
	Options     []Option `json:"options,omitempty"`
}

// Request is the delivered view of a pending ask: the payload plus the
// identifiers and timing the front-end needs to render it.
type Request struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id,omitempty"`
	Payload    Payload       `json:"payload"`
	Timeout    time.Duration `json:"timeout"` // 0 = wait forever
	AutoSubmit bool          `json:"auto_submit"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Status is a terminal lifecycle state. Exactly one Status ever settles a
// given request id.
type Status string

const (
	StatusAnswered     Status = "answered"
	StatusTimeout      Status = "timeout"
	StatusCancelled    Status = "cancelled"
	StatusDisconnected Status = "disconnected"
	StatusStopped      Status = "stopped"
)

// Terminal reports whether s is one of the five settled states.
func (s Status) Terminal() bool {
	switch s {
	case StatusAnswered, StatusTimeout, StatusCancelled, StatusDisconnected, StatusStopped:
		return true
	}
	return false
}

// Outcome is the settlement result handed back to the blocked caller.
type Outcome struct {
	Status Status
	Value  any    // the human's answer, only for StatusAnswered
	Reason string // human-readable failure reason, empty for StatusAnswered
}

// Answered reports whether the request settled with a human answer.
func (o Outcome) Answered() bool { return o.Status == StatusAnswered }

// ErrUnknownRequest is returned when an operation references an id that is
// not (or no longer) in the correlation table. Callers racing a settlement
// should treat it as "already done" and move on.
var ErrUnknownRequest = errors.New("ask: unknown request id")

// Frontend is the presentation collaborator. Deliver hands a new request to
// the UI; Retract tells it to drop any in-progress rendering for id.
// Both are fire-and-forget: a failing or absent front-end never blocks or
// fails the request lifecycle.
type Frontend interface {
	Deliver(req Request)
	Retract(id, reason string)
}

// NopFrontend discards all notifications.
type NopFrontend struct{}

func (NopFrontend) Deliver(Request)        {}
func (NopFrontend) Retract(string, string) {}
