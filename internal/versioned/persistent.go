package versioned

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/debounce"
	"github.com/dshills/savepoint/internal/history"
	"github.com/dshills/savepoint/internal/logging"
	"github.com/dshills/savepoint/internal/metrics"
	"github.com/dshills/savepoint/internal/notify"
)

// Persistent is a Manager whose edits are saved through a Backend after a
// quiet period, and which can restore previously saved versions.
//
// At most one Save call is in flight. A save requested while another is in
// flight is queued and persists the present as it is when the first returns.
type Persistent[T any] struct {
	mu sync.Mutex

	hist      *history.History[T]
	backend   Backend[T]
	debouncer *debounce.Debouncer
	notifier  *notify.Notifier[Event[T]]
	logger    *zap.Logger
	metrics   *metrics.Metrics
	clock     clock.Clock
	equal     func(a, b T) bool

	ctx    context.Context
	cancel context.CancelFunc

	versions []Version[T] // ordered by number

	// baseline is the last persisted value, or the initial value before the
	// first save.
	baseline       T
	baselineNumber int
	dirty          bool

	saving   bool
	queued   bool
	idle     chan struct{} // closed when the current flight ends
	lastErr  *PersistenceError
	failures int

	closed bool
	wg     sync.WaitGroup
}

// NewPersistent creates a persistent manager whose present is initial.
//
// If the options seed a version list, the newest version becomes the
// baseline used to decide whether the present is dirty.
func NewPersistent[T any](initial T, backend Backend[T], opts ...Option[T]) *Persistent[T] {
	o := defaultOptions[T]()
	for _, opt := range opts {
		opt(&o)
	}

	ctx, cancel := context.WithCancel(o.ctx)
	p := &Persistent[T]{
		hist:     history.New(initial, o.historyOptions()...),
		backend:  backend,
		notifier: o.notifier(),
		logger:   logging.Component(o.logger, "versioned"),
		metrics:  o.metrics,
		clock:    o.clock,
		equal:    o.equal,
		ctx:      ctx,
		cancel:   cancel,
		baseline: initial,
	}
	p.debouncer = debounce.New(o.debounce, p.onQuiet, debounce.WithClock(o.clock))

	if len(o.versions) > 0 {
		p.versions = o.versions
		sortVersions(p.versions)
		p.adoptBaselineLocked()
	}
	return p
}

// State returns the present value.
func (p *Persistent[T]) State() T {
	return p.hist.Present()
}

// SetState commits the result of u and schedules a save. Returns false if
// the result equals the present.
func (p *Persistent[T]) SetState(u history.Update[T]) bool {
	p.mu.Lock()
	if !p.hist.Set(u) {
		p.mu.Unlock()
		p.metrics.RecordNoOp()
		return false
	}
	p.recomputeLocked()
	p.scheduleLocked()
	ev := p.eventLocked(CauseSet)
	p.mu.Unlock()

	p.metrics.RecordEdit()
	p.notifier.Notify(ev)
	return true
}

// Set replaces the present with v.
func (p *Persistent[T]) Set(v T) bool {
	return p.SetState(history.Value(v))
}

// Update replaces the present with fn(present).
func (p *Persistent[T]) Update(fn func(prev T) T) bool {
	return p.SetState(history.Func(fn))
}

// Undo steps back one entry without saving.
func (p *Persistent[T]) Undo() bool {
	return p.navigate(CauseUndo, p.hist.Undo)
}

// Redo steps forward one entry without saving.
func (p *Persistent[T]) Redo() bool {
	return p.navigate(CauseRedo, p.hist.Redo)
}

func (p *Persistent[T]) navigate(cause Cause, step func() bool) bool {
	p.mu.Lock()
	if !step() {
		p.mu.Unlock()
		return false
	}
	p.recomputeLocked()
	if !p.dirty {
		p.debouncer.Cancel()
	}
	ev := p.eventLocked(cause)
	p.mu.Unlock()

	if cause == CauseUndo {
		p.metrics.RecordUndo()
	} else {
		p.metrics.RecordRedo()
	}
	p.notifier.Notify(ev)
	return true
}

// CanUndo reports whether Undo would move.
func (p *Persistent[T]) CanUndo() bool {
	return p.hist.CanUndo()
}

// CanRedo reports whether Redo would move.
func (p *Persistent[T]) CanRedo() bool {
	return p.hist.CanRedo()
}

// Past returns the undo entries, oldest first.
func (p *Persistent[T]) Past() []history.Entry[T] {
	return p.hist.Past()
}

// Future returns the redo entries, next redo first.
func (p *Persistent[T]) Future() []history.Entry[T] {
	return p.hist.Future()
}

// Versions returns the cached version list ordered by number.
func (p *Persistent[T]) Versions() []Version[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Version[T](nil), p.versions...)
}

// RestoreVersion makes the cached version numbered n the present.
//
// The redo branch is discarded and any pending save is cancelled; the
// restore itself is not saved. Unknown numbers return a
// *VersionNotFoundError and leave the state untouched.
func (p *Persistent[T]) RestoreVersion(n int) error {
	p.mu.Lock()
	v, ok := p.findLocked(n)
	if !ok {
		p.mu.Unlock()
		return &VersionNotFoundError{Number: n}
	}

	p.hist.Reset(v.Value)
	p.debouncer.Cancel()
	p.recomputeLocked()
	ev := p.eventLocked(CauseRestore)
	ev.Version = &v
	p.mu.Unlock()

	p.metrics.RecordRestore()
	p.logger.Debug("version restored", zap.Int("number", n))
	p.notifier.Notify(ev)
	return nil
}

func (p *Persistent[T]) findLocked(n int) (Version[T], bool) {
	return findVersion(p.versions, n)
}

// Refresh merges the backend's version list into the cached one. Listed
// versions replace cached versions with the same number; cached versions
// the listing does not contain, such as a save that finished while the
// listing was read, are kept. Returns ErrNoLister if the backend cannot
// list versions.
func (p *Persistent[T]) Refresh(ctx context.Context) error {
	lister, ok := p.backend.(Lister[T])
	if !ok {
		return ErrNoLister
	}
	versions, err := lister.Versions(ctx)
	if err != nil {
		return err
	}
	sortVersions(versions)

	p.mu.Lock()
	for _, v := range p.versions {
		if _, listed := findVersion(versions, v.Number); !listed {
			versions = insertVersion(versions, v)
		}
	}
	p.versions = versions
	p.adoptBaselineLocked()
	p.mu.Unlock()
	return nil
}

// Load refreshes the version list and, if any version exists, makes the
// newest one the present with an empty history.
func (p *Persistent[T]) Load(ctx context.Context) error {
	if err := p.Refresh(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	if len(p.versions) == 0 {
		p.mu.Unlock()
		return nil
	}
	latest := p.versions[len(p.versions)-1]
	p.hist.Reset(latest.Value)
	p.hist.Clear()
	p.debouncer.Cancel()
	p.recomputeLocked()
	ev := p.eventLocked(CauseLoad)
	ev.Version = &latest
	p.mu.Unlock()

	p.logger.Debug("loaded latest version", zap.Int("number", latest.Number))
	p.notifier.Notify(ev)
	return nil
}

// adoptBaselineLocked moves the baseline to the newest cached version if it
// is newer than the current baseline.
func (p *Persistent[T]) adoptBaselineLocked() {
	if len(p.versions) == 0 {
		return
	}
	latest := p.versions[len(p.versions)-1]
	if latest.Number <= p.baselineNumber {
		return
	}
	p.baseline = latest.Value
	p.baselineNumber = latest.Number
	p.recomputeLocked()
}

// Save persists the present now, cancelling any pending debounced save.
// A clean present is not saved again. If a save is in flight, Save waits
// for it and for the queued save of the present.
func (p *Persistent[T]) Save(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.debouncer.Cancel()
	if !p.dirty && !p.saving {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	return p.flush(ctx)
}

// Retry re-attempts a save if the present is dirty.
func (p *Persistent[T]) Retry(ctx context.Context) error {
	return p.Save(ctx)
}

// IsSaving reports whether a save is in flight.
func (p *Persistent[T]) IsSaving() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saving
}

// LastError returns the most recent save failure, or nil if the last save
// succeeded.
func (p *Persistent[T]) LastError() *PersistenceError {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastErr
}

// Status returns the persistence state of the present.
func (p *Persistent[T]) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statusLocked()
}

func (p *Persistent[T]) statusLocked() Status {
	switch {
	case p.saving:
		return Persisting
	case p.dirty:
		return Dirty
	default:
		return Clean
	}
}

// Snapshot returns a consistent read-only view.
func (p *Persistent[T]) Snapshot() View[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	present := p.hist.PresentEntry()
	return View[T]{
		State:     present.Value,
		Edited:    present.Timestamp,
		CanUndo:   p.hist.CanUndo(),
		CanRedo:   p.hist.CanRedo(),
		UndoCount: p.hist.UndoCount(),
		RedoCount: p.hist.RedoCount(),
		Status:    p.statusLocked(),
		Saving:    p.saving,
	}
}

// Subscribe registers fn for change and save events.
func (p *Persistent[T]) Subscribe(fn func(Event[T])) *notify.Subscription {
	return p.notifier.Subscribe(fn)
}

// Close cancels any pending save, waits for an in-flight save to finish and
// stops further saves. The history remains usable in memory.
func (p *Persistent[T]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.debouncer.Stop()
	p.wg.Wait()
	p.cancel()
	p.notifier.Close()
	p.logger.Debug("manager closed")
	return nil
}

func (p *Persistent[T]) recomputeLocked() {
	p.dirty = !p.equal(p.hist.Present(), p.baseline)
}

func (p *Persistent[T]) scheduleLocked() {
	if p.closed {
		return
	}
	if p.dirty {
		p.debouncer.Call()
	} else {
		p.debouncer.Cancel()
	}
}

func (p *Persistent[T]) eventLocked(cause Cause) Event[T] {
	return Event[T]{Cause: cause, State: p.hist.Present(), Status: p.statusLocked()}
}

// onQuiet runs on the debounce timer.
func (p *Persistent[T]) onQuiet() {
	_ = p.flush(p.ctx)
}

// flush saves the present, or queues a save behind the one in flight and
// waits for it. The returned error is the backend error of the last save
// this call observed.
func (p *Persistent[T]) flush(ctx context.Context) error {
	p.mu.Lock()
	if p.closed && !p.saving {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.saving {
		p.queued = true
		idle := p.idle
		p.mu.Unlock()
		p.metrics.RecordQueuedSave()

		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
		if lastErr := p.LastError(); lastErr != nil {
			return lastErr
		}
		return nil
	}
	p.saving = true
	p.idle = make(chan struct{})
	p.wg.Add(1)
	p.mu.Unlock()
	defer p.wg.Done()

	for {
		again, err := p.saveOnce(ctx)
		if !again {
			return err
		}
	}
}

// saveOnce performs one backend call. It reports whether a queued save
// should follow; when it returns false the flight is over.
func (p *Persistent[T]) saveOnce(ctx context.Context) (bool, error) {
	p.mu.Lock()
	value := p.hist.Present()
	p.queued = false
	started := p.eventLocked(CauseSaveStarted)
	p.mu.Unlock()

	p.notifier.Notify(started)
	p.logger.Debug("save started")

	begin := p.clock.Now()
	version, err := p.backend.Save(ctx, value)
	elapsed := p.clock.Now().Sub(begin)
	p.metrics.RecordSave(elapsed, err)

	p.mu.Lock()
	var ev Event[T]
	if err != nil {
		p.failures++
		p.lastErr = &PersistenceError{Err: err, At: p.clock.Now(), Attempt: p.failures}
		p.recomputeLocked()
	} else {
		version.Value = value
		if version.CreatedAt.IsZero() {
			version.CreatedAt = p.clock.Now()
		}
		p.versions = insertVersion(p.versions, version)
		p.baseline = value
		if version.Number > p.baselineNumber {
			p.baselineNumber = version.Number
		}
		p.failures = 0
		p.lastErr = nil
		p.recomputeLocked()
	}

	again := p.queued && p.dirty && err == nil && !p.closed && ctx.Err() == nil
	if !again {
		p.saving = false
		close(p.idle)
	}

	if err != nil {
		ev = p.eventLocked(CauseSaveFailed)
		ev.Err = p.lastErr
	} else {
		ev = p.eventLocked(CauseSaved)
		ev.Version = &version
	}
	lastErr := p.lastErr
	p.mu.Unlock()

	if err != nil {
		p.logger.Warn("save failed", zap.Error(err), zap.Int("attempt", lastErr.Attempt))
		p.notifier.Notify(ev)
		return false, lastErr
	}
	p.logger.Debug("save finished",
		zap.Int("number", version.Number),
		zap.Duration("elapsed", elapsed))
	p.notifier.Notify(ev)
	return again, nil
}
