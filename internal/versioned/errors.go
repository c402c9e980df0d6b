package versioned

import (
	"errors"
	"fmt"
	"time"
)

// Errors returned by managers.
var (
	// ErrVersionNotFound indicates a restore asked for a version number that
	// is not in the cached version list.
	ErrVersionNotFound = errors.New("version not found")

	// ErrClosed indicates the manager has been closed.
	ErrClosed = errors.New("manager is closed")

	// ErrNoLister indicates the backend cannot list persisted versions.
	ErrNoLister = errors.New("backend does not list versions")
)

// VersionNotFoundError reports the version number that was requested.
type VersionNotFoundError struct {
	Number int
}

// Error implements the error interface.
func (e *VersionNotFoundError) Error() string {
	return fmt.Sprintf("version %d: %v", e.Number, ErrVersionNotFound)
}

// Unwrap returns ErrVersionNotFound.
func (e *VersionNotFoundError) Unwrap() error {
	return ErrVersionNotFound
}

// PersistenceError records a failed save. The in-memory state is not rolled
// back when a save fails.
type PersistenceError struct {
	// Err is the error returned by the backend.
	Err error

	// At is when the save failed.
	At time.Time

	// Attempt counts consecutive failures, starting at 1.
	Attempt int
}

// Error implements the error interface.
func (e *PersistenceError) Error() string {
	if e.Attempt > 1 {
		return fmt.Sprintf("save failed (attempt %d): %v", e.Attempt, e.Err)
	}
	return fmt.Sprintf("save failed: %v", e.Err)
}

// Unwrap returns the backend error.
func (e *PersistenceError) Unwrap() error {
	return e.Err
}
