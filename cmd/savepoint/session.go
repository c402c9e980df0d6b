package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/savepoint/internal/history"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/metrics"
	"github.com/dshills/savepoint/internal/script"
	"github.com/dshills/savepoint/internal/snapshot"
	"github.com/dshills/savepoint/internal/versioned"
)

// eventQueue is how many save events may wait for the output writer.
const eventQueue = 64

// watcher is implemented by stores that report external writes.
type watcher interface {
	Watch(ctx context.Context, fn func(snapshot.Key)) error
}

// session runs edit commands against a persistent document.
type session struct {
	p       *versioned.Persistent[document]
	metrics *metrics.Metrics
	logger  *zap.Logger
	out     io.Writer
}

// syncWriter serializes writes from the command loop and save events.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(b)
}

// edit loads the latest save point of e.key and runs commands from in
// until quit, end of input or ctx is done. Pending edits are saved before
// returning.
func edit(ctx context.Context, e *env, in io.Reader, out io.Writer) error {
	w := &syncWriter{w: out}
	m := metrics.New()
	logger := logging.Component(e.logger, "session")

	p := versioned.NewPersistent[document](document{}, e.backend,
		versioned.WithMaxHistory[document](e.cfg.History.MaxEntries),
		versioned.WithDebounce[document](e.cfg.Save.Debounce),
		versioned.WithMetrics[document](m),
		versioned.WithLogger[document](e.logger),
		versioned.WithContext[document](ctx),
		versioned.WithAsyncEvents[document](eventQueue),
	)
	defer p.Close()

	if err := p.Load(ctx); err != nil {
		return fmt.Errorf("loading %s: %w", e.key, err)
	}

	p.Subscribe(func(ev versioned.Event[document]) {
		switch ev.Cause {
		case versioned.CauseSaved:
			fmt.Fprintf(w, "saved version %d\n", ev.Version.Number)
		case versioned.CauseSaveFailed:
			fmt.Fprintf(w, "save failed: %v\n", ev.Err)
		}
	})

	s := &session{p: p, metrics: m, logger: logger, out: w}

	g, gctx := errgroup.WithContext(ctx)
	loopCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return s.run(loopCtx, in)
	})
	if wt, ok := e.store.(watcher); ok {
		g.Go(func() error {
			return wt.Watch(loopCtx, func(k snapshot.Key) {
				if k != e.key {
					return
				}
				if err := p.Refresh(loopCtx); err != nil && loopCtx.Err() == nil {
					logger.Warn("refresh after external write", zap.Error(err))
				}
			})
		})
	}
	runErr := g.Wait()

	// ctx may already be cancelled by a signal; the final save still runs.
	if err := p.Save(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, versioned.ErrClosed) {
		runErr = errors.Join(runErr, fmt.Errorf("final save: %w", err))
	}
	// Close delivers queued save events before the caller reads out.
	p.Close()

	stats := m.Snapshot()
	logger.Info("session finished",
		zap.Uint64("edits", stats.Edits),
		zap.Uint64("undos", stats.Undos),
		zap.Uint64("redos", stats.Redos),
		zap.Uint64("saves", stats.Saves),
		zap.Uint64("failed_saves", stats.FailedSaves))
	return runErr
}

// run reads commands line by line. Blank lines and lines starting with #
// are skipped. Command errors are reported and the loop continues.
func (s *session) run(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		quit, err := s.exec(ctx, line)
		if err != nil {
			s.logger.Debug("command failed", zap.String("line", line), zap.Error(err))
			fmt.Fprintf(s.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
	return scanner.Err()
}

// exec runs one command and reports whether the session should end.
func (s *session) exec(ctx context.Context, line string) (bool, error) {
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "set":
		doc, err := parseDocument(arg)
		if err != nil {
			return false, err
		}
		s.report(s.p.Set(doc), "unchanged")

	case "merge":
		fields, err := parseDocument(arg)
		if err != nil {
			return false, err
		}
		s.report(s.p.Update(func(prev document) document {
			return merge(prev, fields)
		}), "unchanged")

	case "apply":
		return false, s.apply(arg)

	case "undo":
		s.report(s.p.Undo(), "nothing to undo")

	case "redo":
		s.report(s.p.Redo(), "nothing to redo")

	case "save":
		if err := s.p.Save(ctx); err != nil {
			return false, err
		}
		fmt.Fprintln(s.out, s.p.Status())

	case "versions":
		versions := s.p.Versions()
		if len(versions) == 0 {
			fmt.Fprintln(s.out, "no save points")
			return false, nil
		}
		writeVersions(s.out, versions)

	case "restore":
		n, err := strconv.Atoi(arg)
		if err != nil {
			return false, fmt.Errorf("restore: invalid version number %q", arg)
		}
		if err := s.p.RestoreVersion(n); err != nil {
			return false, err
		}
		fmt.Fprintf(s.out, "restored version %d\n", n)

	case "show":
		return false, writeJSON(s.out, s.p.State())

	case "status":
		s.status()

	case "help":
		fmt.Fprintln(s.out, "commands: set, merge, apply, undo, redo, save, versions, restore, show, status, quit")

	case "quit", "exit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q", name)
	}
	return false, nil
}

func (s *session) report(ok bool, otherwise string) {
	if ok {
		fmt.Fprintln(s.out, "ok")
		return
	}
	fmt.Fprintln(s.out, otherwise)
}

// apply runs the Lua script at path as a functional update.
func (s *session) apply(path string) error {
	if path == "" {
		return errors.New("apply: missing script path")
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("apply: %w", err)
	}
	u, err := script.Compile(path, string(src))
	if err != nil {
		return err
	}
	defer u.Close()

	changed := s.p.SetState(history.Func(u.Func()))
	if err := u.Err(); err != nil {
		return err
	}
	s.report(changed, "unchanged")
	return nil
}

func (s *session) status() {
	v := s.p.Snapshot()
	fmt.Fprintf(s.out, "status: %s\n", v.Status)
	if !v.Edited.IsZero() {
		fmt.Fprintf(s.out, "edited: %s\n", v.Edited.Local().Format(time.DateTime))
	}
	fmt.Fprintf(s.out, "undo: %d  redo: %d\n", v.UndoCount, v.RedoCount)
	stats := s.metrics.Snapshot()
	fmt.Fprintf(s.out, "edits: %d  saves: %d  failed: %d\n", stats.Edits, stats.Saves, stats.FailedSaves)
	if err := s.p.LastError(); err != nil {
		fmt.Fprintf(s.out, "last error: %v\n", err)
	}
}

// parseDocument decodes a JSON object.
func parseDocument(s string) (document, error) {
	if s == "" {
		return nil, errors.New("missing JSON object")
	}
	var doc document
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if doc == nil {
		return nil, errors.New("expected a JSON object")
	}
	return doc, nil
}

// merge returns a copy of prev with fields set. A null field removes the key.
func merge(prev, fields document) document {
	next := maps.Clone(prev)
	if next == nil {
		next = make(document, len(fields))
	}
	for k, v := range fields {
		if v == nil {
			delete(next, k)
			continue
		}
		next[k] = v
	}
	return next
}
