package ask

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Pause/Resume failure signals. Both are no-op conditions, not faults.
var (
	ErrAlreadyPaused = errors.New("ask: request already paused")
	ErrNotPaused     = errors.New("ask: request not paused")
)

// Observer receives lifecycle events for the audit history. It is purely
// observational: a failing observer must never affect settlement, so
// implementations swallow their own errors.
type Observer interface {
	Open(req Request)
	Close(id string, status Status, value any, reason string)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) Open(Request)                      {}
func (NopObserver) Close(string, Status, any, string) {}

// Observers fans lifecycle events out to several observers in order.
type Observers []Observer

func (os Observers) Open(req Request) {
	for _, o := range os {
		o.Open(req)
	}
}

func (os Observers) Close(id string, status Status, value any, reason string) {
	for _, o := range os {
		o.Close(id, status, value, reason)
	}
}

// Options carries the per-request knobs read from configuration at
// creation time. Mid-flight config changes never affect a live request.
type Options struct {
	ExternalID string        // caller-protocol request id, for cancellation matching
	SessionID  string        // logical session, recorded in history
	Timeout    time.Duration // total budget; 0 = wait forever
	AutoSubmit bool          // UI-side auto-submit-on-expiry policy, passed through

	// Probe is an optional transport liveness check polled by the drop
	// watch; nil disables polling and leaves ctx as the only signal.
	Probe        func() bool
	PollInterval time.Duration
}

// Coordinator orchestrates the lifecycle of every pending request:
// creation, delivery to the front-end, and exactly-once settlement by
// whichever of the four resolution events (answer, timeout, cancellation,
// disconnection) wins the race. Server teardown is the fifth, proactive
// settlement path.
type Coordinator struct {
	table    *Table
	frontend Frontend
	observer Observer
	log      *slog.Logger
}

// NewCoordinator wires the coordinator to its collaborators. frontend and
// observer may be nil, in which case no-op implementations are used.
func NewCoordinator(frontend Frontend, observer Observer, log *slog.Logger) *Coordinator {
	if frontend == nil {
		frontend = NopFrontend{}
	}
	if observer == nil {
		observer = NopObserver{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		table:    NewTable(),
		frontend: frontend,
		observer: observer,
		log:      log,
	}
}

// Ask registers the request, notifies the front-end, and blocks until one
// of the settlement events resolves it. It always returns a well-formed
// Outcome — the caller never hangs (bounded by timeout, cancellation, or
// disconnection detection) and is never answered twice.
//
// ctx is the transport context of the inbound call: its cancellation is
// treated as caller disconnection, not as a Go-style early return.
func (c *Coordinator) Ask(ctx context.Context, payload Payload, opts Options) Outcome {
	req := Request{
		SessionID:  opts.SessionID,
		Payload:    Normalize(payload),
		Timeout:    opts.Timeout,
		AutoSubmit: opts.AutoSubmit,
		CreatedAt:  time.Now(),
	}
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}

	// The timer and watch are attached inside Insert, under the table
	// lock, before either index can serve the entry: a cancellation racing
	// in on another connection must never see a half-built entry.
	p := c.table.Insert(req, opts.ExternalID, func(p *pending) {
		id := p.id
		p.timer = &Countdown{}
		p.timer.Arm(opts.Timeout, func() {
			c.settle(id, Outcome{
				Status: StatusTimeout,
				Reason: "timed out waiting for a human response",
			})
		})
		p.watch = NewDropWatch(done, opts.Probe, opts.PollInterval, func(reason string) {
			c.settle(id, Outcome{
				Status: StatusDisconnected,
				Reason: "caller disconnected: " + reason,
			})
		})
	})
	c.observer.Open(p.req)

	c.log.Debug("ask pending", "id", p.id, "kind", req.Payload.Kind, "timeout", opts.Timeout)
	c.frontend.Deliver(p.req)

	return <-p.done
}

// Respond settles id with a human answer. A late response racing a
// settlement that already happened returns ErrUnknownRequest and has no
// side effects.
func (c *Coordinator) Respond(id string, value any) error {
	if !c.settle(id, Outcome{Status: StatusAnswered, Value: value}) {
		return ErrUnknownRequest
	}
	return nil
}

// Cancel settles the request identified by the caller protocol's own id.
// An unmatched id is logged and dropped silently — the call may have
// settled microseconds earlier, which is a valid race, not an error.
func (c *Coordinator) Cancel(externalID, reason string) bool {
	p := c.table.ByExternalID(externalID)
	if p == nil {
		c.log.Debug("cancellation for unknown external id dropped", "external_id", externalID)
		return false
	}
	if reason == "" {
		reason = "cancelled by agent"
	}
	return c.settle(p.id, Outcome{Status: StatusCancelled, Reason: reason})
}

// Pause freezes the request's countdown.
func (c *Coordinator) Pause(id string) error {
	p := c.table.Get(id)
	if p == nil {
		return ErrUnknownRequest
	}
	if p.timer == nil || !p.timer.Pause() {
		return ErrAlreadyPaused
	}
	c.log.Debug("ask paused", "id", id, "remaining", p.timer.Remaining())
	return nil
}

// Resume restarts a paused countdown with its frozen remaining time.
func (c *Coordinator) Resume(id string) error {
	p := c.table.Get(id)
	if p == nil {
		return ErrUnknownRequest
	}
	if p.timer == nil || !p.timer.Resume() {
		return ErrNotPaused
	}
	return nil
}

// Remaining reports the time left on a live request's countdown, plus
// whether it is currently paused.
func (c *Coordinator) Remaining(id string) (time.Duration, bool, error) {
	p := c.table.Get(id)
	if p == nil || p.timer == nil {
		return 0, false, ErrUnknownRequest
	}
	return p.timer.Remaining(), p.timer.Paused(), nil
}

// Pending returns the delivered view of every in-flight request, for panel
// replay on reconnect.
func (c *Coordinator) Pending() []Request {
	c.table.mu.Lock()
	out := make([]Request, 0, len(c.table.byID))
	for _, p := range c.table.byID {
		out = append(out, p.req)
	}
	c.table.mu.Unlock()
	return out
}

// InFlight returns the number of unsettled requests.
func (c *Coordinator) InFlight() int { return c.table.Len() }

// StopAll force-settles every surviving request with a generic stopped
// failure and clears the table wholesale. Called exactly once per server
// teardown; entries created afterwards are unaffected.
func (c *Coordinator) StopAll() {
	survivors := c.table.Drain()
	for _, p := range survivors {
		if p.timer != nil {
			p.timer.Stop()
		}
		p.watch.Stop()
		out := Outcome{Status: StatusStopped, Reason: "server stopped"}
		c.frontend.Retract(p.id, out.Reason)
		c.observer.Close(p.id, out.Status, nil, out.Reason)
		p.done <- out
	}
	if len(survivors) > 0 {
		c.log.Info("force-settled pending requests on stop", "count", len(survivors))
	}
}

// settle is the single funnel for every terminal transition. The table
// removal doubles as the idempotency guard: only the first caller for a
// given id gets the entry back, every later caller degrades to a silent
// no-op. Every settlement retracts the front-end rendering: whichever
// event won, no panel may keep showing the card.
func (c *Coordinator) settle(id string, out Outcome) bool {
	p, ok := c.table.Remove(id)
	if !ok {
		return false
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	p.watch.Stop()
	c.frontend.Retract(id, out.Reason)
	c.observer.Close(id, out.Status, out.Value, out.Reason)
	p.done <- out
	c.log.Info("ask settled", "id", id, "status", out.Status)
	return true
}
