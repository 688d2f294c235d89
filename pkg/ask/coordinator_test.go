// Handraise - Human-in-the-loop MCP server
// License: MIT
//
// Copyright (c) 2026 Handraise contributors

package ask

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// chanFrontend exposes delivered requests and retractions as channels so
// tests can synchronize on them instead of sleeping.
type chanFrontend struct {
	delivered chan Request
	retracted chan string
}

func newChanFrontend() *chanFrontend {
	return &chanFrontend{
		delivered: make(chan Request, 8),
		retracted: make(chan string, 8),
	}
}

func (f *chanFrontend) Deliver(req Request)  { f.delivered <- req }
func (f *chanFrontend) Retract(id, _ string) { f.retracted <- id }

// countObserver counts lifecycle events per id.
type countObserver struct {
	mu     sync.Mutex
	opens  map[string]int
	closes map[string]int
	last   Status
}

func newCountObserver() *countObserver {
	return &countObserver{opens: make(map[string]int), closes: make(map[string]int)}
}

func (o *countObserver) Open(req Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens[req.ID]++
}

func (o *countObserver) Close(id string, status Status, _ any, _ string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closes[id]++
	o.last = status
}

func (o *countObserver) counts(id string) (opens, closes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.opens[id], o.closes[id]
}

// startAsk runs Ask on its own goroutine and returns the delivered request
// plus the channel the outcome will arrive on.
func startAsk(t *testing.T, c *Coordinator, fe *chanFrontend, ctx context.Context, payload Payload, opts Options) (Request, <-chan Outcome) {
	t.Helper()
	outcome := make(chan Outcome, 1)
	go func() {
		outcome <- c.Ask(ctx, payload, opts)
	}()
	select {
	case req := <-fe.delivered:
		return req, outcome
	case <-time.After(2 * time.Second):
		t.Fatal("request never delivered to frontend")
		return Request{}, nil
	}
}

func waitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(5 * time.Second):
		t.Fatal("ask never settled")
		return Outcome{}
	}
}

func TestCoordinator_AnswerSettles(t *testing.T) {
	fe := newChanFrontend()
	obs := newCountObserver()
	c := NewCoordinator(fe, obs, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindConfirm, Prompt: "Deploy?"}, Options{Timeout: time.Minute})

	if err := c.Respond(req.ID, true); err != nil {
		t.Fatalf("Respond: %v", err)
	}

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusAnswered {
		t.Errorf("Status = %s, want answered", out.Status)
	}
	if out.Value != true {
		t.Errorf("Value = %v, want true", out.Value)
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", c.InFlight())
	}

	opens, closes := obs.counts(req.ID)
	if opens != 1 || closes != 1 {
		t.Errorf("observer saw %d opens / %d closes, want 1/1", opens, closes)
	}
}

func TestCoordinator_TimeoutSettles(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	_, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: 30 * time.Millisecond})

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusTimeout {
		t.Errorf("Status = %s, want timeout", out.Status)
	}
	if out.Reason == "" {
		t.Error("timeout outcome missing reason")
	}
}

func TestCoordinator_CancelByExternalID(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{ExternalID: "call-7", Timeout: time.Minute})

	if !c.Cancel("call-7", "user changed their mind") {
		t.Fatal("Cancel must match the live external id")
	}

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusCancelled {
		t.Errorf("Status = %s, want cancelled", out.Status)
	}
	if out.Reason != "user changed their mind" {
		t.Errorf("Reason = %q", out.Reason)
	}

	// Frontend must have been told to drop the card.
	select {
	case id := <-fe.retracted:
		if id != req.ID {
			t.Errorf("retracted %s, want %s", id, req.ID)
		}
	case <-time.After(time.Second):
		t.Error("cancellation did not retract the frontend card")
	}
}

func TestCoordinator_CancelUnknownExternalIDIsDropped(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())
	if c.Cancel("never-seen", "") {
		t.Error("Cancel for unknown external id must report false")
	}
}

func TestCoordinator_DisconnectSettles(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	_, outcomeCh := startAsk(t, c, fe, ctx, Payload{Kind: KindText}, Options{Timeout: time.Minute})

	cancel()

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusDisconnected {
		t.Errorf("Status = %s, want disconnected", out.Status)
	}
}

func TestCoordinator_LateRespondIsNoOp(t *testing.T) {
	fe := newChanFrontend()
	obs := newCountObserver()
	c := NewCoordinator(fe, obs, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: 20 * time.Millisecond})

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusTimeout {
		t.Fatalf("Status = %s, want timeout", out.Status)
	}

	if err := c.Respond(req.ID, "too late"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("late Respond = %v, want ErrUnknownRequest", err)
	}

	_, closes := obs.counts(req.ID)
	if closes != 1 {
		t.Errorf("observer saw %d closes, want exactly 1", closes)
	}
}

// Respond and an aggressive timeout race: whichever wins, exactly one
// settlement reaches the blocked caller and the observer.
func TestCoordinator_SettlementRaceIsExactlyOnce(t *testing.T) {
	for i := 0; i < 30; i++ {
		fe := newChanFrontend()
		obs := newCountObserver()
		c := NewCoordinator(fe, obs, testLogger())

		req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: time.Millisecond})
		c.Respond(req.ID, "fast answer") // may or may not beat the timer

		out := waitOutcome(t, outcomeCh)
		if out.Status != StatusAnswered && out.Status != StatusTimeout {
			t.Fatalf("unexpected status %s", out.Status)
		}

		opens, closes := obs.counts(req.ID)
		if opens != 1 || closes != 1 {
			t.Fatalf("observer saw %d opens / %d closes, want 1/1", opens, closes)
		}
	}
}

// A cancellation can arrive on another connection the instant the external
// id resolves, while Ask is still setting the request up. Whichever side
// wins, the entry it observes must be fully built and the ask must settle
// exactly once.
func TestCoordinator_CancelRacesCreation(t *testing.T) {
	c := NewCoordinator(nil, nil, testLogger())

	for i := 0; i < 50; i++ {
		settled := make(chan struct{})
		go func() {
			for {
				if c.Cancel("ext", "agent gave up") {
					return
				}
				select {
				case <-settled:
					return
				default:
				}
			}
		}()

		out := c.Ask(context.Background(), Payload{Kind: KindText}, Options{
			ExternalID: "ext",
			Timeout:    5 * time.Second,
		})
		close(settled)

		if out.Status != StatusCancelled {
			t.Fatalf("status = %s, want %s", out.Status, StatusCancelled)
		}
		if c.InFlight() != 0 {
			t.Fatalf("in-flight = %d after settlement, want 0", c.InFlight())
		}
	}
}

func TestCoordinator_PauseBlocksTimeout(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: 40 * time.Millisecond})

	if err := c.Pause(req.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// Long past the original deadline: still pending.
	select {
	case out := <-outcomeCh:
		t.Fatalf("paused ask settled with %s", out.Status)
	case <-time.After(120 * time.Millisecond):
	}

	if err := c.Resume(req.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusTimeout {
		t.Errorf("Status = %s, want timeout after resume", out.Status)
	}
}

func TestCoordinator_PauseResumeErrors(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	if err := c.Pause("missing"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Pause unknown = %v, want ErrUnknownRequest", err)
	}
	if err := c.Resume("missing"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Resume unknown = %v, want ErrUnknownRequest", err)
	}

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: time.Minute})
	defer func() {
		c.Respond(req.ID, "done")
		waitOutcome(t, outcomeCh)
	}()

	if err := c.Resume(req.ID); !errors.Is(err, ErrNotPaused) {
		t.Errorf("Resume running = %v, want ErrNotPaused", err)
	}
	if err := c.Pause(req.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	if err := c.Pause(req.ID); !errors.Is(err, ErrAlreadyPaused) {
		t.Errorf("double Pause = %v, want ErrAlreadyPaused", err)
	}
	if err := c.Resume(req.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
}

func TestCoordinator_RemainingAndPending(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindChoice, Prompt: "pick"}, Options{Timeout: time.Minute})

	remaining, paused, err := c.Remaining(req.ID)
	if err != nil {
		t.Fatalf("Remaining: %v", err)
	}
	if paused {
		t.Error("fresh ask reported paused")
	}
	if remaining <= 0 || remaining > time.Minute {
		t.Errorf("remaining = %v, want within (0, 1m]", remaining)
	}

	pendingReqs := c.Pending()
	if len(pendingReqs) != 1 || pendingReqs[0].ID != req.ID {
		t.Errorf("Pending = %+v, want the one live ask", pendingReqs)
	}

	c.Respond(req.ID, "choice-a")
	waitOutcome(t, outcomeCh)

	if _, _, err := c.Remaining(req.ID); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Remaining after settle = %v, want ErrUnknownRequest", err)
	}
}

func TestCoordinator_StopAllForceSettles(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	_, ch1 := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{Timeout: time.Minute})
	_, ch2 := startAsk(t, c, fe, context.Background(), Payload{Kind: KindConfirm}, Options{})

	c.StopAll()

	for _, ch := range []<-chan Outcome{ch1, ch2} {
		out := waitOutcome(t, ch)
		if out.Status != StatusStopped {
			t.Errorf("Status = %s, want stopped", out.Status)
		}
	}
	if c.InFlight() != 0 {
		t.Errorf("InFlight = %d, want 0", c.InFlight())
	}
}

func TestCoordinator_NoTimeoutWaitsForever(t *testing.T) {
	fe := newChanFrontend()
	c := NewCoordinator(fe, nil, testLogger())

	req, outcomeCh := startAsk(t, c, fe, context.Background(), Payload{Kind: KindText}, Options{}) // Timeout 0

	select {
	case out := <-outcomeCh:
		t.Fatalf("zero-timeout ask settled on its own with %s", out.Status)
	case <-time.After(100 * time.Millisecond):
	}

	c.Respond(req.ID, "eventually")
	out := waitOutcome(t, outcomeCh)
	if out.Status != StatusAnswered {
		t.Errorf("Status = %s, want answered", out.Status)
	}
}
