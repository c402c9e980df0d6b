// Package history provides bounded undo/redo over a single value.
//
// A History keeps three pieces of state:
//   - past: earlier values, most recent last, bounded by the max history
//   - present: the current value
//   - future: values available for redo, most recent first
//
// # Commits
//
// Set resolves an Update against the present value and commits the result:
//
//	h := history.New(initial, history.WithMaxHistory(50))
//	h.Set(history.Value(next))
//	h.Set(history.Func(func(prev Doc) Doc { ... }))
//
// Values equal to the present (per the configured equality) are ignored.
// Any committed change discards the redo branch.
//
// # Undo and Redo
//
// Undo and Redo move between past, present and future. Both are no-ops
// when there is nothing to move; use CanUndo and CanRedo to check.
//
// # Grouping
//
// Several commits can be collapsed into a single undo step:
//
//	h.Transaction(func() error {
//	    h.Set(history.Value(a))
//	    h.Set(history.Value(b))
//	    return nil
//	})
//
// # Restoring
//
// Reset installs a value as a new branch point, for restoring a persisted
// version without re-entering the redo branch.
package history
