package versioned

import (
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/savepoint/internal/history"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/metrics"
	"github.com/dshills/savepoint/internal/notify"
)

// Manager keeps bounded undo/redo history over a single value in memory.
//
// All methods are safe for concurrent use. Subscribers are notified after
// the manager's lock is released, in the order changes were made.
type Manager[T any] struct {
	mu       sync.Mutex
	hist     *history.History[T]
	notifier *notify.Notifier[Event[T]]
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// New creates a manager whose present is initial.
func New[T any](initial T, opts ...Option[T]) *Manager[T] {
	o := defaultOptions[T]()
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager[T]{
		hist:     history.New(initial, o.historyOptions()...),
		notifier: o.notifier(),
		logger:   logging.Component(o.logger, "versioned"),
		metrics:  o.metrics,
	}
}

// State returns the present value.
func (m *Manager[T]) State() T {
	return m.hist.Present()
}

// SetState commits the result of u. Returns false if the result equals the
// present, in which case nothing changes.
func (m *Manager[T]) SetState(u history.Update[T]) bool {
	m.mu.Lock()
	changed := m.hist.Set(u)
	state := m.hist.Present()
	m.mu.Unlock()

	if !changed {
		m.metrics.RecordNoOp()
		return false
	}
	m.metrics.RecordEdit()
	m.notifier.Notify(Event[T]{Cause: CauseSet, State: state})
	return true
}

// Set replaces the present with v.
func (m *Manager[T]) Set(v T) bool {
	return m.SetState(history.Value(v))
}

// Update replaces the present with fn(present).
func (m *Manager[T]) Update(fn func(prev T) T) bool {
	return m.SetState(history.Func(fn))
}

// Undo steps back one entry. Returns false if the past is empty.
func (m *Manager[T]) Undo() bool {
	return m.navigate(CauseUndo, m.hist.Undo)
}

// Redo steps forward one entry. Returns false if the future is empty.
func (m *Manager[T]) Redo() bool {
	return m.navigate(CauseRedo, m.hist.Redo)
}

func (m *Manager[T]) navigate(cause Cause, step func() bool) bool {
	m.mu.Lock()
	moved := step()
	state := m.hist.Present()
	m.mu.Unlock()

	if !moved {
		return false
	}
	if cause == CauseUndo {
		m.metrics.RecordUndo()
	} else {
		m.metrics.RecordRedo()
	}
	m.notifier.Notify(Event[T]{Cause: cause, State: state})
	return true
}

// CanUndo reports whether Undo would move.
func (m *Manager[T]) CanUndo() bool {
	return m.hist.CanUndo()
}

// CanRedo reports whether Redo would move.
func (m *Manager[T]) CanRedo() bool {
	return m.hist.CanRedo()
}

// Transaction runs fn with edits grouped into one undo step.
// If fn returns an error the group is cancelled and the present reverts.
func (m *Manager[T]) Transaction(fn func() error) error {
	err := m.hist.Transaction(fn)
	if err == nil {
		return nil
	}
	m.notifier.Notify(Event[T]{Cause: CauseSet, State: m.hist.Present()})
	return err
}

// Past returns the undo entries, oldest first.
func (m *Manager[T]) Past() []history.Entry[T] {
	return m.hist.Past()
}

// Future returns the redo entries, next redo first.
func (m *Manager[T]) Future() []history.Entry[T] {
	return m.hist.Future()
}

// Snapshot returns a consistent read-only view.
func (m *Manager[T]) Snapshot() View[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	present := m.hist.PresentEntry()
	return View[T]{
		State:     present.Value,
		Edited:    present.Timestamp,
		CanUndo:   m.hist.CanUndo(),
		CanRedo:   m.hist.CanRedo(),
		UndoCount: m.hist.UndoCount(),
		RedoCount: m.hist.RedoCount(),
		Status:    Clean,
	}
}

// Subscribe registers fn for change events.
func (m *Manager[T]) Subscribe(fn func(Event[T])) *notify.Subscription {
	return m.notifier.Subscribe(fn)
}

// Close drops all subscribers. The history remains usable.
func (m *Manager[T]) Close() error {
	m.notifier.Close()
	return nil
}
