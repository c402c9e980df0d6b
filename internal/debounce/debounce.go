// Package debounce collapses bursts of calls into a single trailing-edge
// callback.
package debounce

import (
	"sync"
	"time"

	"github.com/dshills/savepoint/internal/clock"
)

// Debouncer provides trailing-edge debouncing.
//
// It groups rapid successive calls into a single call after a quiet period
// of length delay. Each Call restarts the quiet period.
//
// Thread-safety: All methods are safe for concurrent use. The callback is
// never run concurrently with itself.
type Debouncer struct {
	mu       sync.Mutex
	runMu    sync.Mutex
	delay    time.Duration
	clock    clock.Clock
	timer    clock.Timer
	pending  bool
	stopped  bool
	seq      uint64 // sequence number to detect stale callbacks
	callback func()
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithClock sets the time source used to schedule callbacks.
func WithClock(c clock.Clock) Option {
	return func(d *Debouncer) {
		if c != nil {
			d.clock = c
		}
	}
}

// New creates a new debouncer with the specified delay.
//
// The callback is invoked after no new calls have been made for at least
// delay. A non-positive delay still defers the callback to the clock.
func New(delay time.Duration, callback func(), opts ...Option) *Debouncer {
	if delay < 0 {
		delay = 0
	}
	d := &Debouncer{
		delay:    delay,
		clock:    clock.Real(),
		callback: callback,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Call schedules the callback to run after the debounce delay, cancelling
// any previously scheduled run.
func (d *Debouncer) Call() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.pending = true
	d.seq++
	currentSeq := d.seq

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// Only execute if this is still the current scheduled callback
		if d.pending && d.seq == currentSeq && !d.stopped && d.callback != nil {
			d.pending = false
			d.timer = nil
			d.mu.Unlock()
			d.run()
			return
		}
		d.mu.Unlock()
	})
}

// Flush runs the callback immediately if a call is pending, cancelling the
// scheduled run. Returns true if the callback ran.
func (d *Debouncer) Flush() bool {
	d.mu.Lock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.seq++

	if d.pending && !d.stopped && d.callback != nil {
		d.pending = false
		d.mu.Unlock()
		d.run()
		return true
	}
	d.mu.Unlock()
	return false
}

// Cancel drops any pending call without running it.
// Returns true if a call was pending.
func (d *Debouncer) Cancel() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelLocked()
}

func (d *Debouncer) cancelLocked() bool {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	// Increment seq to invalidate any running timer callback
	d.seq++
	wasPending := d.pending
	d.pending = false
	return wasPending
}

// Stop cancels any pending call and disables the debouncer.
// Subsequent calls to Call are ignored. Stop waits for a callback that is
// already running to return, so it must not be called from the callback.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	d.cancelLocked()
	d.stopped = true
	d.mu.Unlock()

	// Wait out a callback that was already past the pending check
	d.runMu.Lock()
	d.runMu.Unlock()
}

// Pending returns true if a debounced call is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Delay returns the configured quiet period.
func (d *Debouncer) Delay() time.Duration {
	return d.delay
}

func (d *Debouncer) run() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	d.callback()
}
