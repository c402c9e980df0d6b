package history

// BeginGroup starts a group. Commits made while grouping collapse into a
// single undo step. Nested calls are ignored.
func (h *History[T]) BeginGroup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.grouping {
		return
	}

	h.grouping = true
	h.groupPushed = false
	h.groupStart = h.present
	h.groupFuture = append([]Entry[T](nil), h.future...)
}

// EndGroup finishes a group.
// A group whose net result equals its starting value leaves no undo step.
func (h *History[T]) EndGroup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.endGroupLocked()
}

func (h *History[T]) endGroupLocked() {
	if !h.grouping {
		return
	}
	h.grouping = false

	if h.groupPushed && h.equal(h.present.Value, h.groupStart.Value) {
		h.past = h.past[:len(h.past)-1]
		h.present = h.groupStart
		h.future = h.groupFuture
	}
	h.groupPushed = false
	h.groupFuture = nil
}

// CancelGroup ends a group and reverts the present to its value when the
// group began. Past entries evicted by the group are not recovered.
func (h *History[T]) CancelGroup() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.grouping {
		return
	}
	h.grouping = false

	if h.groupPushed {
		h.past = h.past[:len(h.past)-1]
		h.present = h.groupStart
		h.future = h.groupFuture
	}
	h.groupPushed = false
	h.groupFuture = nil
}

// IsGrouping returns true if a group is open.
func (h *History[T]) IsGrouping() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.grouping
}

// Transaction runs fn within a group.
// If fn returns an error, the group is cancelled and the error returned.
func (h *History[T]) Transaction(fn func() error) error {
	h.BeginGroup()

	if err := fn(); err != nil {
		h.CancelGroup()
		return err
	}

	h.EndGroup()
	return nil
}

// Checkpoint represents a point in history that can be returned to.
type Checkpoint struct {
	depth int
}

// Depth returns the number of past entries at the checkpoint.
func (c Checkpoint) Depth() int {
	return c.depth
}

// Checkpoint records the current history position.
func (h *History[T]) Checkpoint() Checkpoint {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Checkpoint{depth: len(h.past)}
}

// UndoTo undoes until the past is no deeper than the checkpoint, as one
// atomic walk. Returns the number of steps undone.
func (h *History[T]) UndoTo(cp Checkpoint) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	steps := 0
	for len(h.past) > cp.depth && h.undoLocked() {
		steps++
	}
	return steps
}

// RedoTo redoes while the redo branch lasts, until the past reaches the
// checkpoint depth, as one atomic walk. Returns the number of steps redone.
func (h *History[T]) RedoTo(cp Checkpoint) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	steps := 0
	for len(h.past) < cp.depth && h.redoLocked() {
		steps++
	}
	return steps
}
