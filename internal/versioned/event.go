package versioned

import "time"

// Status is the persistence state of the present value.
type Status uint8

const (
	// Clean means the present equals the last persisted value.
	Clean Status = iota

	// Dirty means the present differs from the last persisted value.
	Dirty

	// Persisting means a save is in flight.
	Persisting
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case Clean:
		return "clean"
	case Dirty:
		return "dirty"
	case Persisting:
		return "persisting"
	default:
		return "unknown"
	}
}

// Cause identifies what produced an Event.
type Cause uint8

const (
	// CauseSet is a committed edit.
	CauseSet Cause = iota

	// CauseUndo is a step back through history.
	CauseUndo

	// CauseRedo is a step forward through history.
	CauseRedo

	// CauseRestore is a saved version made the present.
	CauseRestore

	// CauseLoad is the newest persisted version loaded as the present.
	CauseLoad

	// CauseSaveStarted is a backend save beginning.
	CauseSaveStarted

	// CauseSaved is a backend save that succeeded. Event.Version is set.
	CauseSaved

	// CauseSaveFailed is a backend save that failed. Event.Err is set.
	CauseSaveFailed
)

// String returns the cause name.
func (c Cause) String() string {
	switch c {
	case CauseSet:
		return "set"
	case CauseUndo:
		return "undo"
	case CauseRedo:
		return "redo"
	case CauseRestore:
		return "restore"
	case CauseLoad:
		return "load"
	case CauseSaveStarted:
		return "save-started"
	case CauseSaved:
		return "saved"
	case CauseSaveFailed:
		return "save-failed"
	default:
		return "unknown"
	}
}

// Event is delivered to subscribers after each change.
type Event[T any] struct {
	Cause  Cause
	State  T
	Status Status

	// Version is set for CauseSaved, CauseRestore and CauseLoad.
	Version *Version[T]

	// Err is set for CauseSaveFailed.
	Err error
}

// View is a read-only snapshot of a manager.
type View[T any] struct {
	State     T
	CanUndo   bool
	CanRedo   bool
	UndoCount int
	RedoCount int
	Status    Status
	Saving    bool
	Edited    time.Time // when the present value was committed
}
