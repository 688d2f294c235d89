package ask

import (
	"sync"
	"time"
)

// Countdown is a pausable one-shot timer. Remaining time is recomputed from
// the wall clock at every pause, so accounting errors do not accumulate
// across pause/resume cycles.
//
// A Countdown armed with a zero duration never fires: Pause and Resume
// still flip the paused flag (so a UI can show the state) but have no
// timing effect.
type Countdown struct {
	mu           sync.Mutex
	total        time.Duration
	remaining    time.Duration
	runStartedAt time.Time
	paused       bool
	stopped      bool
	timer        *time.Timer
	onFire       func()
}

// Arm starts the countdown. onFire runs on its own goroutine when the
// remaining time elapses; it is never invoked after Stop.
func (c *Countdown) Arm(total time.Duration, onFire func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.total = total
	c.remaining = total
	c.runStartedAt = time.Now()
	c.onFire = onFire
	if total > 0 {
		c.timer = time.AfterFunc(total, c.fire)
	}
}

// Pause freezes the remaining time. Returns false (and does nothing) if the
// countdown is already paused or has been stopped.
func (c *Countdown) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused || c.stopped {
		return false
	}
	c.paused = true
	if c.total == 0 {
		return true // no deadline: flag flip only
	}
	elapsed := time.Since(c.runStartedAt)
	c.remaining -= elapsed
	if c.remaining < 0 {
		c.remaining = 0
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	return true
}

// Resume restarts the countdown with the frozen remaining time. Returns
// false if the countdown is not paused or has been stopped.
func (c *Countdown) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused || c.stopped {
		return false
	}
	c.paused = false
	c.runStartedAt = time.Now()
	if c.total > 0 {
		// remaining may already be 0 if the deadline passed exactly at the
		// pause; AfterFunc(0) fires immediately, which is the right outcome.
		c.timer = time.AfterFunc(c.remaining, c.fire)
	}
	return true
}

// Stop disarms the countdown permanently. Every settlement path must call
// Stop, not just the timeout path, or a leaked timer would eventually fire
// against a dead id.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

// Remaining returns the time left before firing. For a running countdown it
// accounts for time elapsed since the last (re)arm; for a paused one it is
// the frozen value. Zero-total countdowns report zero.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.total == 0 {
		return 0
	}
	if c.paused || c.stopped {
		return c.remaining
	}
	rem := c.remaining - time.Since(c.runStartedAt)
	if rem < 0 {
		rem = 0
	}
	return rem
}

// Paused reports the paused flag.
func (c *Countdown) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Countdown) fire() {
	c.mu.Lock()
	if c.stopped || c.paused {
		// A Stop or Pause raced the underlying timer; the fire is a no-op.
		c.mu.Unlock()
		return
	}
	c.stopped = true
	onFire := c.onFire
	c.mu.Unlock()
	if onFire != nil {
		onFire()
	}
}
