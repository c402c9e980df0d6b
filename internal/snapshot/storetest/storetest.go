// Package storetest provides a behavioral test suite shared by snapshot
// store implementations.
package storetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dshills/savepoint/internal/snapshot"
)

// Factory creates a fresh, empty store for one subtest.
type Factory func(t *testing.T) snapshot.Store

// Run exercises the snapshot.Store contract against stores from newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AppendAssignsIncreasingNumbers", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := snapshot.Key{Domain: "program", EntityID: "1"}

		first, err := s.Append(ctx, key, []byte(`{"v":1}`))
		require.NoError(t, err)
		second, err := s.Append(ctx, key, []byte(`{"v":2}`))
		require.NoError(t, err)

		require.Equal(t, 1, first.Number)
		require.Equal(t, 2, second.Number)
		require.NotEmpty(t, first.ID)
		require.NotEqual(t, first.ID, second.ID)
		require.False(t, first.CreatedAt.IsZero())
		require.Equal(t, key, second.Key)
	})

	t.Run("ListOrderedByNumber", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := snapshot.Key{Domain: "plan", EntityID: "a"}

		for _, v := range []string{"a", "b", "c"} {
			_, err := s.Append(ctx, key, []byte(v))
			require.NoError(t, err)
		}

		list, err := s.List(ctx, key)
		require.NoError(t, err)
		require.Len(t, list, 3)
		for i, snap := range list {
			require.Equal(t, i+1, snap.Number)
		}
		require.Equal(t, []byte("c"), list[2].Value)
	})

	t.Run("KeysAreIsolated", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a := snapshot.Key{Domain: "program", EntityID: "a"}
		b := snapshot.Key{Domain: "program", EntityID: "b"}

		_, err := s.Append(ctx, a, []byte("a1"))
		require.NoError(t, err)
		_, err = s.Append(ctx, a, []byte("a2"))
		require.NoError(t, err)
		snapB, err := s.Append(ctx, b, []byte("b1"))
		require.NoError(t, err)
		require.Equal(t, 1, snapB.Number)

		listB, err := s.List(ctx, b)
		require.NoError(t, err)
		require.Len(t, listB, 1)
	})

	t.Run("ListUnknownKeyIsEmpty", func(t *testing.T) {
		s := newStore(t)
		list, err := s.List(context.Background(), snapshot.Key{Domain: "none", EntityID: "x"})
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("GetByNumber", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := snapshot.Key{Domain: "program", EntityID: "g"}

		_, err := s.Append(ctx, key, []byte("one"))
		require.NoError(t, err)
		want, err := s.Append(ctx, key, []byte("two"))
		require.NoError(t, err)

		got, err := s.Get(ctx, key, 2)
		require.NoError(t, err)
		require.Equal(t, want.ID, got.ID)
		require.Equal(t, []byte("two"), got.Value)

		// Second read may come from a cache and must match
		again, err := s.Get(ctx, key, 2)
		require.NoError(t, err)
		require.Equal(t, got.Value, again.Value)
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Get(context.Background(), snapshot.Key{Domain: "program", EntityID: "m"}, 5)
		require.Error(t, err)
		require.True(t, errors.Is(err, snapshot.ErrNotFound), "got %v", err)
	})

	t.Run("ReturnedValuesAreCopies", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		key := snapshot.Key{Domain: "program", EntityID: "c"}

		value := []byte("abc")
		_, err := s.Append(ctx, key, value)
		require.NoError(t, err)
		value[0] = 'z'

		got, err := s.Get(ctx, key, 1)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), got.Value)

		got.Value[0] = 'q'
		again, err := s.Get(ctx, key, 1)
		require.NoError(t, err)
		require.Equal(t, []byte("abc"), again.Value)
	})

	t.Run("InvalidKey", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Append(context.Background(), snapshot.Key{Domain: "program"}, []byte("x"))
		require.True(t, errors.Is(err, snapshot.ErrInvalidKey), "got %v", err)
	})

	t.Run("CancelledContext", func(t *testing.T) {
		s := newStore(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := s.Append(ctx, snapshot.Key{Domain: "program", EntityID: "1"}, []byte("x"))
		require.ErrorIs(t, err, context.Canceled)
	})

	t.Run("ClosedStore", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Close())

		_, err := s.Append(context.Background(), snapshot.Key{Domain: "program", EntityID: "1"}, []byte("x"))
		require.Error(t, err)
	})
}
