package filestore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/snapshot"
	"github.com/dshills/savepoint/internal/snapshot/storetest"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) snapshot.Store {
		s, err := Open(t.TempDir())
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestStoreEscapesKeys(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	key := snapshot.Key{Domain: "docs/drafts", EntityID: "../escape"}
	_, err = s.Append(context.Background(), key, []byte("x"))
	require.NoError(t, err)

	entries, err := os.ReadDir(root)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "docs%2Fdrafts", entries[0].Name())

	path, err := s.pathFor(key)
	require.NoError(t, err)
	got, ok := s.keyFor(path)
	require.True(t, ok)
	require.Equal(t, key, got)
}

func TestStoreKeepsDotKeysInsideRoot(t *testing.T) {
	parent := t.TempDir()
	root := filepath.Join(parent, "root")
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	keys := []snapshot.Key{
		{Domain: "..", EntityID: "escaped"},
		{Domain: ".", EntityID: ".."},
		{Domain: "notes", EntityID: "v1.2"},
	}
	for _, key := range keys {
		snap, err := s.Append(ctx, key, []byte("x"))
		require.NoError(t, err, key.String())
		require.Equal(t, 1, snap.Number)

		path, err := s.pathFor(key)
		require.NoError(t, err)
		require.Equal(t, root, filepath.Dir(filepath.Dir(path)), key.String())

		got, ok := s.keyFor(path)
		require.True(t, ok)
		require.Equal(t, key, got)

		list, err := s.List(ctx, key)
		require.NoError(t, err)
		require.Len(t, list, 1)
	}

	outside, err := os.ReadDir(parent)
	require.NoError(t, err)
	require.Len(t, outside, 1, "only the root directory may exist beside it")
	require.Equal(t, "root", outside[0].Name())

	domains, err := os.ReadDir(root)
	require.NoError(t, err)
	var names []string
	for _, d := range domains {
		names = append(names, d.Name())
	}
	require.ElementsMatch(t, []string{"%2E%2E", "%2E", "notes"}, names)
}

func TestStoreSurvivesReopen(t *testing.T) {
	root := t.TempDir()
	fake := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	key := snapshot.Key{Domain: "doc", EntityID: "1"}

	s, err := Open(root, WithClock(fake))
	require.NoError(t, err)
	_, err = s.Append(context.Background(), key, []byte(`{"a":1}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(root)
	require.NoError(t, err)
	defer s.Close()

	snap, err := s.Get(context.Background(), key, 1)
	require.NoError(t, err)
	require.Equal(t, []byte(`{"a":1}`), snap.Value)
	require.True(t, snap.CreatedAt.Equal(fake.Now()))

	next, err := s.Append(context.Background(), key, []byte(`{"a":2}`))
	require.NoError(t, err)
	require.Equal(t, 2, next.Number)
}

func TestStoreCorruptLine(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	key := snapshot.Key{Domain: "doc", EntityID: "1"}
	path, err := s.pathFor(key)
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o644))

	_, err = s.List(context.Background(), key)
	require.ErrorContains(t, err, "line 1")
}

func TestOpenEmptyRoot(t *testing.T) {
	_, err := Open("")
	require.Error(t, err)
}

func TestWatchReportsAppends(t *testing.T) {
	root := t.TempDir()
	s, err := Open(root)
	require.NoError(t, err)
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu   sync.Mutex
		seen = make(map[snapshot.Key]int)
	)
	done := make(chan error, 1)
	ready := make(chan struct{})
	go func() {
		close(ready)
		done <- s.Watch(ctx, func(k snapshot.Key) {
			mu.Lock()
			seen[k]++
			mu.Unlock()
		})
	}()
	<-ready

	key := snapshot.Key{Domain: "doc", EntityID: "42"}
	// The domain directory may be created before the watcher registers it,
	// so keep appending until an event arrives.
	require.Eventually(t, func() bool {
		_, err := s.Append(context.Background(), key, []byte("v"))
		require.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		return seen[key] > 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
