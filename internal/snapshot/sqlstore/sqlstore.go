// Package sqlstore persists snapshots in SQLite.
//
// The store applies production pragmas on open:
//
//	foreign_keys = ON
//	journal_mode = WAL (file databases only)
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Usage:
//
//	s, err := sqlstore.Open("savepoint.db", sqlstore.WithMkdirAll())
//
// Recently read snapshots are kept in an LRU cache; snapshots are immutable
// so cached entries never go stale.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/snapshot"
)

// DefaultCacheSize is the number of snapshots kept in the read cache.
const DefaultCacheSize = 128

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id         TEXT    PRIMARY KEY,
	domain     TEXT    NOT NULL,
	entity_id  TEXT    NOT NULL,
	number     INTEGER NOT NULL,
	value      BLOB    NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (domain, entity_id, number)
);

CREATE INDEX IF NOT EXISTS idx_snapshots_key ON snapshots(domain, entity_id, number);
`

type config struct {
	busyTimeout int
	synchronous string
	mkdirAll    bool
	cacheSize   int
	logger      *zap.Logger
	clock       clock.Clock
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		cacheSize:   DefaultCacheSize,
		clock:       clock.Real(),
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithCacheSize sets the read cache capacity. Non-positive values are ignored.
func WithCacheSize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.cacheSize = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(c *config) { c.logger = l } }

// WithClock sets the time source for creation timestamps.
func WithClock(clk clock.Clock) Option {
	return func(c *config) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// Store is a SQLite-backed snapshot store.
type Store struct {
	db     *sql.DB
	path   string
	cache  *lru.Cache[string, snapshot.Snapshot]
	logger *zap.Logger
	clock  clock.Clock

	// Appends are serialized so that number assignment cannot race.
	appendMu sync.Mutex

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) the snapshot database at path.
// Use ":memory:" for a private in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if cfg.mkdirAll && path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlstore: mkdir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}

	if path == ":memory:" {
		// Each connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	if err := applyPragmas(db, path, &cfg); err != nil {
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: schema: %w", err)
	}

	cache, err := lru.New[string, snapshot.Snapshot](cfg.cacheSize)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: cache: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		cache:  cache,
		logger: logging.Component(cfg.logger, "sqlstore"),
		clock:  cfg.clock,
	}
	s.logger.Debug("snapshot database ready", zap.String("path", path))
	return s, nil
}

func applyPragmas(db *sql.DB, path string, cfg *config) error {
	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.busyTimeout),
		fmt.Sprintf("PRAGMA synchronous = %s", cfg.synchronous),
	}
	if path != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("sqlstore: %s: %w", p, err)
		}
	}
	return nil
}

// Append stores value as the next snapshot for key.
func (s *Store) Append(ctx context.Context, key snapshot.Key, value []byte) (snapshot.Snapshot, error) {
	if err := key.Validate(); err != nil {
		return snapshot.Snapshot{}, err
	}
	if err := s.checkOpen(); err != nil {
		return snapshot.Snapshot{}, err
	}

	s.appendMu.Lock()
	defer s.appendMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sqlstore: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var next int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM snapshots WHERE domain = ? AND entity_id = ?`,
		key.Domain, key.EntityID).Scan(&next)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sqlstore: next number for %s: %w", key, err)
	}

	snap := snapshot.Snapshot{
		ID:        uuid.NewString(),
		Key:       key,
		Number:    next,
		Value:     cloneBytes(value),
		CreatedAt: s.clock.Now().UTC(),
	}
	if snap.Value == nil {
		snap.Value = []byte{}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, domain, entity_id, number, value, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		snap.ID, key.Domain, key.EntityID, snap.Number, snap.Value, snap.CreatedAt.UnixNano())
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sqlstore: insert %s#%d: %w", key, next, err)
	}

	if err := tx.Commit(); err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sqlstore: commit: %w", err)
	}

	s.cache.Add(cacheKey(key, snap.Number), copySnapshot(snap))
	s.logger.Debug("snapshot appended",
		zap.String("key", key.String()),
		zap.Int("number", snap.Number),
		zap.Int("bytes", len(snap.Value)))

	return snap, nil
}

// List returns all snapshots for key ordered by number.
func (s *Store) List(ctx context.Context, key snapshot.Key) ([]snapshot.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, number, value, created_at FROM snapshots
		 WHERE domain = ? AND entity_id = ? ORDER BY number`,
		key.Domain, key.EntityID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list %s: %w", key, err)
	}
	defer rows.Close()

	result := make([]snapshot.Snapshot, 0)
	for rows.Next() {
		snap, err := scanSnapshot(rows, key)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan %s: %w", key, err)
		}
		result = append(result, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list %s: %w", key, err)
	}
	return result, nil
}

// Get returns the snapshot numbered number for key.
func (s *Store) Get(ctx context.Context, key snapshot.Key, number int) (snapshot.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return snapshot.Snapshot{}, err
	}

	ck := cacheKey(key, number)
	if snap, ok := s.cache.Get(ck); ok {
		return copySnapshot(snap), nil
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, number, value, created_at FROM snapshots
		 WHERE domain = ? AND entity_id = ? AND number = ?`,
		key.Domain, key.EntityID, number)

	snap, err := scanSnapshot(row, key)
	if errors.Is(err, sql.ErrNoRows) {
		return snapshot.Snapshot{}, &snapshot.NotFoundError{Key: key, Number: number}
	}
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("sqlstore: get %s#%d: %w", key, number, err)
	}

	s.cache.Add(ck, copySnapshot(snap))
	return snap, nil
}

// Keys returns every key that has at least one snapshot.
func (s *Store) Keys(ctx context.Context) ([]snapshot.Key, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT domain, entity_id FROM snapshots ORDER BY domain, entity_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: keys: %w", err)
	}
	defer rows.Close()

	var keys []snapshot.Key
	for rows.Next() {
		var k snapshot.Key
		if err := rows.Scan(&k.Domain, &k.EntityID); err != nil {
			return nil, fmt.Errorf("sqlstore: scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Path returns the database path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.cache.Purge()
	return s.db.Close()
}

func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return snapshot.ErrClosed
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner, key snapshot.Key) (snapshot.Snapshot, error) {
	var (
		snap      snapshot.Snapshot
		createdNs int64
	)
	if err := row.Scan(&snap.ID, &snap.Number, &snap.Value, &createdNs); err != nil {
		return snapshot.Snapshot{}, err
	}
	snap.Key = key
	snap.CreatedAt = time.Unix(0, createdNs).UTC()
	return snap, nil
}

func cacheKey(key snapshot.Key, number int) string {
	return key.Domain + "\x00" + key.EntityID + "\x00" + strconv.Itoa(number)
}

func copySnapshot(snap snapshot.Snapshot) snapshot.Snapshot {
	snap.Value = cloneBytes(snap.Value)
	return snap
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
