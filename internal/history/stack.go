package history

import (
	"reflect"
	"sync"
	"time"

	"github.com/dshills/savepoint/internal/clock"
)

// DefaultMaxHistory is the past bound used when none is configured.
const DefaultMaxHistory = 50

// Entry is a value together with the time it became the present.
type Entry[T any] struct {
	Value     T
	Timestamp time.Time
}

// History manages undo/redo state for a single value.
type History[T any] struct {
	mu sync.Mutex

	past    []Entry[T] // oldest first
	present Entry[T]
	future  []Entry[T] // next redo first

	// Grouping state
	grouping    bool
	groupPushed bool
	groupStart  Entry[T]
	groupFuture []Entry[T]

	// Configuration
	maxHistory int
	equal      func(a, b T) bool
	clock      clock.Clock
}

// Option configures a History.
type Option[T any] func(*History[T])

// WithMaxHistory bounds the number of past entries.
// Non-positive values are ignored.
func WithMaxHistory[T any](n int) Option[T] {
	return func(h *History[T]) {
		if n > 0 {
			h.maxHistory = n
		}
	}
}

// WithEqual sets the comparison used to skip no-op commits.
func WithEqual[T any](eq func(a, b T) bool) Option[T] {
	return func(h *History[T]) {
		if eq != nil {
			h.equal = eq
		}
	}
}

// WithClock sets the time source for entry timestamps.
func WithClock[T any](c clock.Clock) Option[T] {
	return func(h *History[T]) {
		if c != nil {
			h.clock = c
		}
	}
}

// DeepEqual is the default comparison.
func DeepEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

// New creates a history whose present is initial.
func New[T any](initial T, opts ...Option[T]) *History[T] {
	h := &History[T]{
		maxHistory: DefaultMaxHistory,
		equal:      DeepEqual[T],
		clock:      clock.Real(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.present = Entry[T]{Value: initial, Timestamp: h.clock.Now()}
	return h
}

// Present returns the current value.
func (h *History[T]) Present() T {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present.Value
}

// PresentEntry returns the current value with its timestamp.
func (h *History[T]) PresentEntry() Entry[T] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.present
}

// Equal reports whether a and b are equal under the configured comparison.
func (h *History[T]) Equal(a, b T) bool {
	return h.equal(a, b)
}

// Set resolves u against the present and commits the result.
// Returns false if the result equals the present and nothing changed.
func (h *History[T]) Set(u Update[T]) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	next := u.Apply(h.present.Value)
	if h.equal(next, h.present.Value) {
		return false
	}

	if h.grouping {
		if !h.groupPushed {
			h.pushPastLocked(h.present)
			h.groupPushed = true
		}
		h.future = nil
		h.present = h.entry(next)
		return true
	}

	h.commitLocked(next)
	return true
}

// Reset installs v as a new branch point. The present is pushed onto the
// past if it differs from v, and the redo branch is always discarded.
// Returns true if the present changed.
func (h *History[T]) Reset(v T) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.endGroupLocked()
	h.future = nil

	if h.equal(v, h.present.Value) {
		return false
	}
	h.commitLocked(v)
	return true
}

// commitLocked pushes the present and replaces it without acquiring the lock.
func (h *History[T]) commitLocked(next T) {
	h.pushPastLocked(h.present)
	h.present = h.entry(next)

	// Clear redo branch
	h.future = nil
}

// pushPastLocked appends to the past, evicting the oldest entries beyond
// the bound.
func (h *History[T]) pushPastLocked(e Entry[T]) {
	h.past = append(h.past, e)

	if len(h.past) > h.maxHistory {
		excess := len(h.past) - h.maxHistory
		h.past = h.past[excess:]
	}
}

func (h *History[T]) entry(v T) Entry[T] {
	return Entry[T]{Value: v, Timestamp: h.clock.Now()}
}

// Undo moves the most recent past entry into the present.
// An open group is ended first. Returns false if there was nothing to undo.
func (h *History[T]) Undo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.undoLocked()
}

func (h *History[T]) undoLocked() bool {
	h.endGroupLocked()

	if len(h.past) == 0 {
		return false
	}

	prev := h.past[len(h.past)-1]
	h.past = h.past[:len(h.past)-1]

	h.future = append([]Entry[T]{h.present}, h.future...)
	h.present = prev
	return true
}

// Redo moves the next future entry into the present.
// Returns false if there was nothing to redo.
func (h *History[T]) Redo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.redoLocked()
}

func (h *History[T]) redoLocked() bool {
	h.endGroupLocked()

	if len(h.future) == 0 {
		return false
	}

	next := h.future[0]
	h.future = h.future[1:]

	h.pushPastLocked(h.present)
	h.present = next
	return true
}

// CanUndo returns true if undo is available.
func (h *History[T]) CanUndo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past) > 0
}

// CanRedo returns true if redo is available.
func (h *History[T]) CanRedo() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.future) > 0
}

// UndoCount returns the number of undo steps available.
func (h *History[T]) UndoCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.past)
}

// RedoCount returns the number of redo steps available.
func (h *History[T]) RedoCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.future)
}

// Past returns a copy of the past entries, oldest first.
func (h *History[T]) Past() []Entry[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]Entry[T], len(h.past))
	copy(result, h.past)
	return result
}

// Future returns a copy of the redo entries, next redo first.
func (h *History[T]) Future() []Entry[T] {
	h.mu.Lock()
	defer h.mu.Unlock()

	result := make([]Entry[T], len(h.future))
	copy(result, h.future)
	return result
}

// Clear removes all undo/redo history, keeping the present.
func (h *History[T]) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.past = nil
	h.future = nil
	h.grouping = false
	h.groupPushed = false
	h.groupFuture = nil
}

// SetMaxHistory changes the past bound.
// If the past is larger, the oldest entries are removed.
func (h *History[T]) SetMaxHistory(n int) {
	if n <= 0 {
		n = DefaultMaxHistory
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.maxHistory = n

	if len(h.past) > n {
		excess := len(h.past) - n
		h.past = h.past[excess:]
	}
}

// MaxHistory returns the past bound.
func (h *History[T]) MaxHistory() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.maxHistory
}
