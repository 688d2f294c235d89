// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package panel

import (
	"context"
	"errors"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/freitascorp/handraise/pkg/ask"
)

func hubTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeResponder records the actions panels send through the hub.
type fakeResponder struct {
	mu       sync.Mutex
	pending  []ask.Request
	respond  map[string]any
	paused   map[string]bool
	failWith error
}

func newFakeResponder(pending ...ask.Request) *fakeResponder {
	return &fakeResponder{
		pending: pending,
		respond: make(map[string]any),
		paused:  make(map[string]bool),
	}
}

func (f *fakeResponder) Respond(id string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.respond[id] = value
	return nil
}

func (f *fakeResponder) Pause(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = true
	return nil
}

func (f *fakeResponder) Resume(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused[id] = false
	return nil
}

func (f *fakeResponder) Remaining(string) (time.Duration, bool, error) {
	return 30 * time.Second, false, nil
}

func (f *fakeResponder) Pending() []ask.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pending
}

func (f *fakeResponder) answered(id string) (any, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.respond[id]
	return v, ok
}

func (f *fakeResponder) isPaused(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused[id]
}

func dialHub(t *testing.T, h *Hub) (*websocket.Conn, context.Context) {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn, ctx
}

// readUntil skips pings and returns the first message of the wanted type.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, msgType string) Message {
	t.Helper()
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		if msg.Type == msgType {
			return msg
		}
		if msg.Type != "ping" {
			t.Fatalf("unexpected message type %q while waiting for %q", msg.Type, msgType)
		}
	}
}

func TestHub_ReplaysPendingOnConnect(t *testing.T) {
	backlog := ask.Request{
		ID:      "ask-1",
		Payload: ask.Payload{Kind: ask.KindConfirm, Title: "Confirmation Requested", Prompt: "Go?"},
	}
	h := NewHub(hubTestLogger())
	h.Bind(newFakeResponder(backlog))

	conn, ctx := dialHub(t, h)

	msg := readUntil(t, ctx, conn, "ask")
	if msg.ID != "ask-1" {
		t.Errorf("replayed id = %s, want ask-1", msg.ID)
	}
	if msg.Payload == nil || msg.Payload.Prompt != "Go?" {
		t.Errorf("replayed payload = %+v", msg.Payload)
	}
	if msg.Remaining <= 0 {
		t.Errorf("replayed remaining = %d, want positive", msg.Remaining)
	}
}

func TestHub_DeliverBroadcasts(t *testing.T) {
	h := NewHub(hubTestLogger())
	h.Bind(newFakeResponder())

	conn, ctx := dialHub(t, h)

	// Wait for registration before broadcasting.
	waitClients(t, h, 1)
	h.Deliver(ask.Request{ID: "ask-2", Payload: ask.Payload{Kind: ask.KindText, Prompt: "name?"}})

	msg := readUntil(t, ctx, conn, "ask")
	if msg.ID != "ask-2" {
		t.Errorf("delivered id = %s, want ask-2", msg.ID)
	}
}

func TestHub_RetractBroadcasts(t *testing.T) {
	h := NewHub(hubTestLogger())
	h.Bind(newFakeResponder())

	conn, ctx := dialHub(t, h)
	waitClients(t, h, 1)

	h.Retract("ask-3", "answered elsewhere")

	msg := readUntil(t, ctx, conn, "retract")
	if msg.ID != "ask-3" || msg.Reason != "answered elsewhere" {
		t.Errorf("retract = %+v", msg)
	}
}

func TestHub_RespondRoutesToResponder(t *testing.T) {
	fr := newFakeResponder()
	h := NewHub(hubTestLogger())
	h.Bind(fr)

	conn, ctx := dialHub(t, h)

	if err := wsjson.Write(ctx, conn, Message{Type: "respond", ID: "ask-4", Value: "blue"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		if v, ok := fr.answered("ask-4"); ok {
			if v != "blue" {
				t.Errorf("answer = %v, want blue", v)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("respond never reached the responder")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestHub_PauseAndResume(t *testing.T) {
	fr := newFakeResponder()
	h := NewHub(hubTestLogger())
	h.Bind(fr)

	conn, ctx := dialHub(t, h)

	if err := wsjson.Write(ctx, conn, Message{Type: "pause", ID: "ask-5"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return fr.isPaused("ask-5") }, "pause never applied")

	if err := wsjson.Write(ctx, conn, Message{Type: "resume", ID: "ask-5"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, func() bool { return !fr.isPaused("ask-5") }, "resume never applied")
}

func TestHub_FailedActionReportsErrorToSender(t *testing.T) {
	fr := newFakeResponder()
	fr.failWith = errors.New("ask: unknown request id")
	h := NewHub(hubTestLogger())
	h.Bind(fr)

	conn, ctx := dialHub(t, h)

	if err := wsjson.Write(ctx, conn, Message{Type: "respond", ID: "gone", Value: "x"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	msg := readUntil(t, ctx, conn, "error")
	if msg.ID != "gone" {
		t.Errorf("error id = %s, want gone", msg.ID)
	}
	if !strings.Contains(msg.Reason, "unknown request id") {
		t.Errorf("error reason = %q", msg.Reason)
	}
}

func TestHub_UnboundRejectsConnections(t *testing.T) {
	h := NewHub(hubTestLogger())
	ts := httptest.NewServer(h)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	_, _, err := websocket.Dial(ctx, url, nil)
	if err == nil {
		t.Fatal("dial against an unbound hub must fail")
	}
}

func waitClients(t *testing.T, h *Hub, n int) {
	t.Helper()
	waitFor(t, func() bool { return h.ClientCount() == n }, "client count never reached target")
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
