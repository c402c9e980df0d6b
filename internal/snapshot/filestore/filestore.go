// Package filestore persists snapshots as JSON lines on disk, one file per
// key, and reports files changed by other writers.
//
// Layout under the root directory:
//
//	<domain>/<entity>.jsonl
//
// Both path components are percent-encoded, dots included, so every key
// maps to a file directly inside its domain directory under the root.
package filestore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/snapshot"
)

const fileExt = ".jsonl"

// record is the on-disk form of one snapshot line.
type record struct {
	ID        string    `json:"id"`
	Number    int       `json:"number"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is a directory-backed snapshot store.
type Store struct {
	root   string
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	closed bool
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the time source for creation timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// Open creates the root directory if needed and returns a store over it.
func Open(root string, opts ...Option) (*Store, error) {
	if root == "" {
		return nil, errors.New("filestore: empty root directory")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("filestore: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create root: %w", err)
	}

	s := &Store{
		root:  abs,
		clock: clock.Real(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.Component(s.logger, "filestore")
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string {
	return s.root
}

// Append stores value as the next snapshot for key.
func (s *Store) Append(ctx context.Context, key snapshot.Key, value []byte) (snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return snapshot.Snapshot{}, err
	}
	if err := key.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return snapshot.Snapshot{}, snapshot.ErrClosed
	}

	path, err := s.pathFor(key)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	existing, err := readRecords(path)
	if err != nil {
		return snapshot.Snapshot{}, err
	}

	next := 1
	if n := len(existing); n > 0 {
		next = existing[n-1].Number + 1
	}

	rec := record{
		ID:        uuid.NewString(),
		Number:    next,
		Value:     cloneBytes(value),
		CreatedAt: s.clock.Now().UTC(),
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("filestore: encode %s#%d: %w", key, next, err)
	}
	line = append(line, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("filestore: create %s: %w", filepath.Dir(path), err)
	}
	if err := appendLine(path, line); err != nil {
		return snapshot.Snapshot{}, err
	}

	s.logger.Debug("snapshot appended",
		zap.String("key", key.String()),
		zap.Int("number", next),
		zap.String("path", path))

	return toSnapshot(key, rec), nil
}

// List returns all snapshots for key ordered by number.
func (s *Store) List(ctx context.Context, key snapshot.Key) ([]snapshot.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, snapshot.ErrClosed
	}

	path, err := s.pathFor(key)
	if err != nil {
		return nil, err
	}
	records, err := readRecords(path)
	if err != nil {
		return nil, err
	}

	result := make([]snapshot.Snapshot, len(records))
	for i, rec := range records {
		result[i] = toSnapshot(key, rec)
	}
	return result, nil
}

// Get returns the snapshot numbered number for key.
func (s *Store) Get(ctx context.Context, key snapshot.Key, number int) (snapshot.Snapshot, error) {
	list, err := s.List(ctx, key)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	for _, snap := range list {
		if snap.Number == number {
			return snap, nil
		}
	}
	return snapshot.Snapshot{}, &snapshot.NotFoundError{Key: key, Number: number}
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Watch blocks until ctx is done, calling fn with the key of every snapshot
// file created or written under the root, including writes made through
// this store. Domain directories created while watching are picked up.
func (s *Store) Watch(ctx context.Context, fn func(snapshot.Key)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filestore: watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(s.root); err != nil {
		return fmt.Errorf("filestore: watch %s: %w", s.root, err)
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("filestore: read root: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(s.root, e.Name())); err != nil {
				return fmt.Errorf("filestore: watch %s: %w", e.Name(), err)
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handleEvent(w, ev, fn)

		case werr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("watch error", zap.Error(werr))
		}
	}
}

func (s *Store) handleEvent(w *fsnotify.Watcher, ev fsnotify.Event, fn func(snapshot.Key)) {
	if ev.Has(fsnotify.Create) && filepath.Dir(ev.Name) == s.root {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.Add(ev.Name); err != nil {
				s.logger.Warn("watch domain directory", zap.String("path", ev.Name), zap.Error(err))
			}
			return
		}
	}

	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
		return
	}
	key, ok := s.keyFor(ev.Name)
	if !ok {
		return
	}
	fn(key)
}

// pathFor returns the file holding key. The result is always a direct
// grandchild of the root.
func (s *Store) pathFor(key snapshot.Key) (string, error) {
	path := filepath.Join(s.root, escapeName(key.Domain), escapeName(key.EntityID)+fileExt)
	if filepath.Dir(filepath.Dir(path)) != s.root {
		return "", fmt.Errorf("%w: %q resolves outside %s", snapshot.ErrInvalidKey, key.String(), s.root)
	}
	return path, nil
}

// escapeName percent-encodes a key part into one path element. Dots are
// encoded too, so "." and ".." never name a directory.
func escapeName(part string) string {
	return strings.ReplaceAll(url.PathEscape(part), ".", "%2E")
}

// keyFor maps a snapshot file path back to its key.
func (s *Store) keyFor(path string) (snapshot.Key, bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return snapshot.Key{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 2 || !strings.HasSuffix(parts[1], fileExt) {
		return snapshot.Key{}, false
	}
	domain, err := url.PathUnescape(parts[0])
	if err != nil {
		return snapshot.Key{}, false
	}
	entity, err := url.PathUnescape(strings.TrimSuffix(parts[1], fileExt))
	if err != nil {
		return snapshot.Key{}, false
	}
	return snapshot.Key{Domain: domain, EntityID: entity}, true
}

func readRecords(path string) ([]record, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: read %s: %w", path, err)
	}

	var records []record
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("filestore: %s line %d: %w", path, lineNo, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("filestore: scan %s: %w", path, err)
	}
	return records, nil
}

func appendLine(path string, line []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("filestore: open %s: %w", path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("filestore: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("filestore: sync %s: %w", path, err)
	}
	return f.Close()
}

func toSnapshot(key snapshot.Key, rec record) snapshot.Snapshot {
	return snapshot.Snapshot{
		ID:        rec.ID,
		Key:       key,
		Number:    rec.Number,
		Value:     cloneBytes(rec.Value),
		CreatedAt: rec.CreatedAt,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
