// Package history provides the passive audit trail for Handraise: an
// append-only projection of each request's lifecycle. A record is opened
// when the request is created and closed exactly once with its terminal
// status. The trail is observational only — no component reads it back to
// make decisions, and a failing store never disturbs a live request.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/freitascorp/handraise/pkg/ask"
)

// Record is one request's lifecycle, as seen by the observer.
type Record struct {
	ID         string       `json:"id"`
	SessionID  string       `json:"session_id,omitempty"`
	Kind       ask.Kind     `json:"kind"`
	Title      string       `json:"title"`
	Prompt     string       `json:"prompt"`
	Options    []ask.Option `json:"options,omitempty"`
	Status     ask.Status   `json:"status"` // "pending" until closed
	Answer     string       `json:"answer,omitempty"`
	Error      string       `json:"error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	ResolvedAt time.Time    `json:"resolved_at,omitzero"`
}

// StatusPending marks a record whose request has not settled yet.
const StatusPending ask.Status = "pending"

// Store persists records. Implementations must tolerate Close calls for
// unknown ids (the memory ring may already have evicted the record).
type Store interface {
	// Open appends a new record in pending status.
	Open(ctx context.Context, rec *Record) error

	// Close updates the record with its terminal status. Called at most
	// once per id.
	Close(ctx context.Context, id string, status ask.Status, answer, errMsg string, resolvedAt time.Time) error

	// Recent returns up to limit records, newest first.
	Recent(ctx context.Context, limit int) ([]*Record, error)

	// Shutdown releases store resources.
	Shutdown() error
}

// Recorder adapts a Store to the coordinator-facing ask.Observer
// interface. Store errors are logged and swallowed: history is a
// projection, never a gate.
type Recorder struct {
	store Store
	log   *slog.Logger
}

// NewRecorder wraps store. log may be nil.
func NewRecorder(store Store, log *slog.Logger) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{store: store, log: log}
}

// Open implements ask.Observer.
func (r *Recorder) Open(req ask.Request) {
	rec := &Record{
		ID:        req.ID,
		SessionID: req.SessionID,
		Kind:      req.Payload.Kind,
		Title:     req.Payload.Title,
		Prompt:    req.Payload.Prompt,
		Options:   req.Payload.Options,
		Status:    StatusPending,
		CreatedAt: req.CreatedAt,
	}
	if err := r.store.Open(context.Background(), rec); err != nil {
		r.log.Warn("history open failed", "id", req.ID, "error", err)
	}
}

// Close implements ask.Observer.
func (r *Recorder) Close(id string, status ask.Status, value any, reason string) {
	var answer string
	if status == ask.StatusAnswered {
		answer = ask.RenderValue(value)
	}
	if err := r.store.Close(context.Background(), id, status, answer, reason, time.Now()); err != nil {
		r.log.Warn("history close failed", "id", id, "error", err)
	}
}
