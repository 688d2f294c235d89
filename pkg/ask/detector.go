package ask

import (
	"sync"
	"time"
)

// DefaultPollInterval is how often a DropWatch probes transport liveness.
// It trades detection latency against overhead and is a tunable, not a
// contract.
const DefaultPollInterval = 500 * time.Millisecond

// DropWatch infers that the remote caller vanished without ever delivering
// an answer or an explicit cancellation. It combines two signals:
//
//   - done: the transport's own "caller gone" channel. On net/http this is
//     the request context's Done channel, which the server closes when the
//     client connection drops — the authoritative signal for that stack.
//   - probe: an optional liveness check polled every interval, for
//     transports that expose socket health but no context. A probe
//     returning false fires the watch.
//
// The watch fires its callback at most once and never after Stop, so a
// request whose answer has already been transmitted cannot be retroactively
// declared disconnected.
type DropWatch struct {
	mu      sync.Mutex
	stopped bool
	fired   bool
	quit    chan struct{}
}

// NewDropWatch starts watching. onDrop receives a short reason string
// naming the raw signal that triggered it. done and probe may each be nil.
func NewDropWatch(done <-chan struct{}, probe func() bool, interval time.Duration, onDrop func(reason string)) *DropWatch {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	w := &DropWatch{quit: make(chan struct{})}

	go func() {
		var tick <-chan time.Time
		if probe != nil {
			t := time.NewTicker(interval)
			defer t.Stop()
			tick = t.C
		}
		for {
			select {
			case <-w.quit:
				return
			case <-done:
				w.fire(onDrop, "transport context closed")
				return
			case <-tick:
				if !probe() {
					w.fire(onDrop, "liveness probe failed")
					return
				}
			}
		}
	}()

	return w
}

// Stop tears the watch down. Safe to call more than once and safe to call
// on a nil watch; after Stop the callback will never run.
func (w *DropWatch) Stop() {
	if w == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.quit)
}

func (w *DropWatch) fire(onDrop func(string), reason string) {
	w.mu.Lock()
	if w.stopped || w.fired {
		w.mu.Unlock()
		return
	}
	w.fired = true
	w.mu.Unlock()
	if onDrop != nil {
		onDrop(reason)
	}
}
