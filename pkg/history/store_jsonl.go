// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

// Package history — append-only JSONL trail.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/freitascorp/handraise/pkg/ask"
)

// lifecycleEvent is one line of the JSONL trail. The file records both
// halves of the lifecycle; a record is the fold of its events.
type lifecycleEvent struct {
	Kind       string     `json:"event"` // "open" or "close"
	Timestamp  time.Time  `json:"ts"`
	Record     *Record    `json:"record,omitempty"` // open only
	ID         string     `json:"id,omitempty"`     // close only
	Status     ask.Status `json:"status,omitempty"`
	Answer     string     `json:"answer,omitempty"`
	Error      string     `json:"error,omitempty"`
	ResolvedAt time.Time  `json:"resolved_at,omitzero"`
}

// JSONLStore is an append-only JSON Lines trail. The file is never
// modified, only appended to: a close event is a second line, not an
// update, which keeps the trail tamper-evident and trivially greppable.
type JSONLStore struct {
	mu   sync.Mutex
	path string
}

// NewJSONLStore creates (or reopens) the trail at path.
func NewJSONLStore(path string) (*JSONLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}
	return &JSONLStore{path: path}, nil
}

func (s *JSONLStore) Open(ctx context.Context, rec *Record) error {
	return s.append(lifecycleEvent{Kind: "open", Timestamp: time.Now(), Record: rec})
}

func (s *JSONLStore) Close(ctx context.Context, id string, status ask.Status, answer, errMsg string, resolvedAt time.Time) error {
	return s.append(lifecycleEvent{
		Kind:       "close",
		Timestamp:  time.Now(),
		ID:         id,
		Status:     status,
		Answer:     answer,
		Error:      errMsg,
		ResolvedAt: resolvedAt,
	})
}

func (s *JSONLStore) append(ev lifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal history event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open history trail: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append history event: %w", err)
	}
	return nil
}

// Recent replays the trail, folding close events into their records, and
// returns up to limit records newest first.
func (s *JSONLStore) Recent(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history trail: %w", err)
	}

	byID := make(map[string]*Record)
	var order []string
	for _, line := range splitLines(data) {
		var ev lifecycleEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch ev.Kind {
		case "open":
			if ev.Record == nil {
				continue
			}
			cp := *ev.Record
			byID[cp.ID] = &cp
			order = append(order, cp.ID)
		case "close":
			rec, ok := byID[ev.ID]
			if !ok {
				continue
			}
			rec.Status = ev.Status
			rec.Answer = ev.Answer
			rec.Error = ev.Error
			rec.ResolvedAt = ev.ResolvedAt
		}
	}

	out := make([]*Record, 0, limit)
	for i := len(order) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, byID[order[i]])
	}
	return out, nil
}

func (s *JSONLStore) Shutdown() error { return nil }

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
