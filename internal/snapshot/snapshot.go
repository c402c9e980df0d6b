// Package snapshot defines the persisted form of save points and the store
// contract that backends implement.
//
// A save point is an immutable, numbered snapshot of an entity's encoded
// value. Stores assign the identifier, the next version number and the
// creation time; they never rewrite or delete snapshots on their own.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Errors returned by stores.
var (
	// ErrNotFound indicates the requested snapshot does not exist.
	ErrNotFound = errors.New("snapshot not found")

	// ErrClosed indicates the store has been closed.
	ErrClosed = errors.New("store closed")

	// ErrInvalidKey indicates a key with an empty domain or entity.
	ErrInvalidKey = errors.New("invalid snapshot key")
)

// Key routes snapshots to the record they belong to.
// Both parts are opaque to stores beyond equality.
type Key struct {
	Domain   string
	EntityID string
}

// String returns "domain/entity".
func (k Key) String() string {
	return k.Domain + "/" + k.EntityID
}

// Validate reports ErrInvalidKey if either part is empty.
func (k Key) Validate() error {
	if k.Domain == "" || k.EntityID == "" {
		return fmt.Errorf("%w: %q", ErrInvalidKey, k.String())
	}
	return nil
}

// Snapshot is a persisted save point.
type Snapshot struct {
	ID        string
	Key       Key
	Number    int
	Value     []byte
	CreatedAt time.Time
}

// Store persists and retrieves snapshots.
type Store interface {
	// Append stores value as the next numbered snapshot for key.
	Append(ctx context.Context, key Key, value []byte) (Snapshot, error)

	// List returns all snapshots for key ordered by number.
	// An unknown key yields an empty list.
	List(ctx context.Context, key Key) ([]Snapshot, error)

	// Get returns the snapshot with the given number, or ErrNotFound.
	Get(ctx context.Context, key Key, number int) (Snapshot, error)

	// Close releases the store's resources.
	Close() error
}

// NotFoundError reports a missing snapshot for a key.
type NotFoundError struct {
	Key    Key
	Number int
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("snapshot %s#%d not found", e.Key, e.Number)
}

// Unwrap returns ErrNotFound.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
