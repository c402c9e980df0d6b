package versioned

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/savepoint/internal/snapshot"
)

// Version is a persisted save point.
type Version[T any] struct {
	ID        string
	Number    int
	Value     T
	CreatedAt time.Time
}

// Saver persists a value and returns the version it was stored as.
type Saver[T any] interface {
	Save(ctx context.Context, value T) (Version[T], error)
}

// Lister returns the persisted versions of an entity.
type Lister[T any] interface {
	Versions(ctx context.Context) ([]Version[T], error)
}

// Backend is the persistence collaborator of a Persistent manager. It must
// implement Saver and may also implement Lister.
type Backend[T any] interface {
	Saver[T]
}

// SaverFunc adapts a function to a Backend.
type SaverFunc[T any] func(ctx context.Context, value T) (Version[T], error)

// Save calls f.
func (f SaverFunc[T]) Save(ctx context.Context, value T) (Version[T], error) {
	return f(ctx, value)
}

// Codec converts values to and from stored bytes.
type Codec[T any] interface {
	Encode(value T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[T any] struct{}

// Encode implements Codec.
func (JSONCodec[T]) Encode(value T) ([]byte, error) {
	return json.Marshal(value)
}

// Decode implements Codec.
func (JSONCodec[T]) Decode(data []byte) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// StoreBackend persists versions of one key in a snapshot store.
type StoreBackend[T any] struct {
	store snapshot.Store
	key   snapshot.Key
	codec Codec[T]
}

// NewStoreBackend binds key in store. A nil codec selects JSONCodec.
func NewStoreBackend[T any](store snapshot.Store, key snapshot.Key, codec Codec[T]) *StoreBackend[T] {
	if codec == nil {
		codec = JSONCodec[T]{}
	}
	return &StoreBackend[T]{store: store, key: key, codec: codec}
}

// Key returns the bound key.
func (b *StoreBackend[T]) Key() snapshot.Key {
	return b.key
}

// Save encodes value and appends it as the next snapshot.
func (b *StoreBackend[T]) Save(ctx context.Context, value T) (Version[T], error) {
	data, err := b.codec.Encode(value)
	if err != nil {
		return Version[T]{}, fmt.Errorf("encode %s: %w", b.key, err)
	}
	snap, err := b.store.Append(ctx, b.key, data)
	if err != nil {
		return Version[T]{}, err
	}
	return Version[T]{
		ID:        snap.ID,
		Number:    snap.Number,
		Value:     value,
		CreatedAt: snap.CreatedAt,
	}, nil
}

// Versions decodes every stored snapshot of the key, ordered by number.
func (b *StoreBackend[T]) Versions(ctx context.Context) ([]Version[T], error) {
	snaps, err := b.store.List(ctx, b.key)
	if err != nil {
		return nil, err
	}
	versions := make([]Version[T], 0, len(snaps))
	for _, s := range snaps {
		v, err := b.decode(s)
		if err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// Get decodes one stored version.
func (b *StoreBackend[T]) Get(ctx context.Context, number int) (Version[T], error) {
	snap, err := b.store.Get(ctx, b.key, number)
	if err != nil {
		return Version[T]{}, err
	}
	return b.decode(snap)
}

func (b *StoreBackend[T]) decode(s snapshot.Snapshot) (Version[T], error) {
	value, err := b.codec.Decode(s.Value)
	if err != nil {
		return Version[T]{}, fmt.Errorf("decode %s#%d: %w", b.key, s.Number, err)
	}
	return Version[T]{
		ID:        s.ID,
		Number:    s.Number,
		Value:     value,
		CreatedAt: s.CreatedAt,
	}, nil
}

// sortVersions orders versions by number in place.
func sortVersions[T any](versions []Version[T]) {
	sort.SliceStable(versions, func(i, j int) bool {
		return versions[i].Number < versions[j].Number
	})
}

// insertVersion adds v to a sorted list, replacing an entry with the same
// number.
func insertVersion[T any](versions []Version[T], v Version[T]) []Version[T] {
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].Number >= v.Number
	})
	if i < len(versions) && versions[i].Number == v.Number {
		versions[i] = v
		return versions
	}
	versions = append(versions, Version[T]{})
	copy(versions[i+1:], versions[i:])
	versions[i] = v
	return versions
}

// findVersion looks up number n in versions ordered by number.
func findVersion[T any](versions []Version[T], n int) (Version[T], bool) {
	i := sort.Search(len(versions), func(i int) bool {
		return versions[i].Number >= n
	})
	if i < len(versions) && versions[i].Number == n {
		return versions[i], true
	}
	return Version[T]{}, false
}
