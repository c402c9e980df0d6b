package versioned

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/savepoint/internal/clock"
	"github.com/dshills/savepoint/internal/metrics"
	"github.com/dshills/savepoint/internal/snapshot"
	"github.com/dshills/savepoint/internal/snapshot/memstore"
)

// recorder is a backend that records saved values.
type recorder[T any] struct {
	mu    sync.Mutex
	saved []T
	fail  error
}

func (r *recorder[T]) Save(_ context.Context, v T) (Version[T], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return Version[T]{}, r.fail
	}
	r.saved = append(r.saved, v)
	n := len(r.saved)
	return Version[T]{ID: "v" + strconv.Itoa(n), Number: n}, nil
}

func (r *recorder[T]) setFail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = err
}

func (r *recorder[T]) values() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]T(nil), r.saved...)
}

func newTestPersistent[T any](t *testing.T, initial T, backend Backend[T], opts ...Option[T]) (*Persistent[T], *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Time{})
	opts = append([]Option[T]{WithClock[T](fake)}, opts...)
	p := NewPersistent(initial, backend, opts...)
	t.Cleanup(func() { p.Close() })
	return p, fake
}

func TestPersistentDebounceCollapse(t *testing.T) {
	rec := &recorder[string]{}
	p, fake := newTestPersistent[string](t, "initial", rec, WithDebounce[string](time.Second))
	start := fake.Now()

	var savedAt time.Time
	p.Subscribe(func(e Event[string]) {
		if e.Cause == CauseSaved {
			savedAt = fake.Now()
		}
	})

	p.Set("t0")
	fake.Advance(200 * time.Millisecond)
	p.Set("t200")
	fake.Advance(200 * time.Millisecond)
	p.Set("t400")

	fake.Advance(999 * time.Millisecond)
	if got := rec.values(); len(got) != 0 {
		t.Fatalf("saved before quiet period elapsed: %v", got)
	}

	fake.Advance(time.Millisecond)
	if diff := cmp.Diff([]string{"t400"}, rec.values()); diff != "" {
		t.Fatalf("saved values mismatch (-want +got):\n%s", diff)
	}
	if got := savedAt.Sub(start); got != 1400*time.Millisecond {
		t.Errorf("save fired at +%v, want +1.4s", got)
	}
	if p.Status() != Clean {
		t.Errorf("Status() = %v, want clean", p.Status())
	}
}

func TestPersistentDefaultDebounce(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec)

	p.Set(1)
	fake.Advance(DefaultDebounce - time.Millisecond)
	if len(rec.values()) != 0 {
		t.Fatal("saved before default debounce")
	}
	fake.Advance(time.Millisecond)
	if len(rec.values()) != 1 {
		t.Fatal("no save after default debounce")
	}
}

func TestPersistentNoOpDoesNotSave(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 1, rec)

	if p.Set(1) {
		t.Error("Set(present) reported a change")
	}
	fake.Advance(time.Hour)

	if got := rec.values(); len(got) != 0 {
		t.Errorf("no-op triggered save: %v", got)
	}
	if p.Status() != Clean {
		t.Errorf("Status() = %v, want clean", p.Status())
	}
}

func TestPersistentUndoRedoDoNotSave(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec)

	p.Set(1)
	fake.Advance(DefaultDebounce)
	if len(rec.values()) != 1 {
		t.Fatal("edit was not saved")
	}

	p.Undo()
	if p.Status() != Dirty {
		t.Errorf("after undo Status() = %v, want dirty", p.Status())
	}
	p.Redo()
	if p.Status() != Clean {
		t.Errorf("after redo Status() = %v, want clean", p.Status())
	}

	fake.Advance(time.Hour)
	if got := len(rec.values()); got != 1 {
		t.Errorf("saves = %d, want 1", got)
	}
}

func TestPersistentUndoToBaselineCancelsPendingSave(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec)

	p.Set(1)
	p.Undo()
	if p.Status() != Clean {
		t.Fatalf("Status() = %v, want clean", p.Status())
	}

	fake.Advance(time.Hour)
	if got := rec.values(); len(got) != 0 {
		t.Errorf("saved %v after returning to the persisted value", got)
	}
}

func TestPersistentRestoreThenEdit(t *testing.T) {
	rec := &recorder[string]{}
	seed := []Version[string]{
		{ID: "b", Number: 2, Value: "B"},
		{ID: "a", Number: 1, Value: "A"},
	}
	p, fake := newTestPersistent[string](t, "B", rec, WithVersions(seed))

	p.Set("C")
	if err := p.RestoreVersion(1); err != nil {
		t.Fatalf("RestoreVersion(1) error = %v", err)
	}

	if p.State() != "A" {
		t.Errorf("State() = %q, want A", p.State())
	}
	if p.CanRedo() {
		t.Error("CanRedo() = true after restore")
	}
	if !p.CanUndo() {
		t.Error("restore did not push the previous present")
	}

	fake.Advance(time.Hour)
	if got := rec.values(); len(got) != 0 {
		t.Errorf("restore triggered save: %v", got)
	}
	if p.Status() != Dirty {
		t.Errorf("Status() = %v, want dirty", p.Status())
	}

	p.Set("D")
	fake.Advance(DefaultDebounce)
	if diff := cmp.Diff([]string{"D"}, rec.values()); diff != "" {
		t.Errorf("saved values mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistentRestoreUnknownVersion(t *testing.T) {
	p, _ := newTestPersistent[string](t, "C", &recorder[string]{},
		WithVersions([]Version[string]{{Number: 1, Value: "A"}}))

	p.Set("D")
	err := p.RestoreVersion(9)

	if !errors.Is(err, ErrVersionNotFound) {
		t.Fatalf("RestoreVersion(9) error = %v, want ErrVersionNotFound", err)
	}
	var nf *VersionNotFoundError
	if !errors.As(err, &nf) || nf.Number != 9 {
		t.Errorf("error = %#v, want *VersionNotFoundError{Number: 9}", err)
	}
	if p.State() != "D" || !p.CanUndo() {
		t.Errorf("failed restore changed state: %q", p.State())
	}
}

func TestPersistentSaveFailure(t *testing.T) {
	rec := &recorder[int]{}
	rec.setFail(errors.New("disk full"))
	p, fake := newTestPersistent[int](t, 0, rec)

	var failures int
	p.Subscribe(func(e Event[int]) {
		if e.Cause == CauseSaveFailed {
			failures++
		}
	})

	p.Set(1)
	fake.Advance(DefaultDebounce)

	if p.State() != 1 {
		t.Errorf("State() = %d, want 1", p.State())
	}
	if p.Status() != Dirty {
		t.Errorf("Status() = %v, want dirty", p.Status())
	}
	lastErr := p.LastError()
	if lastErr == nil || lastErr.Attempt != 1 {
		t.Fatalf("LastError() = %v, want first attempt", lastErr)
	}
	if failures != 1 {
		t.Errorf("failure events = %d, want 1", failures)
	}

	fake.Advance(time.Hour)
	if p.LastError().Attempt != 1 {
		t.Error("failed save was retried automatically")
	}

	if err := p.Retry(context.Background()); err == nil {
		t.Fatal("Retry() succeeded while backend still failing")
	}
	if p.LastError().Attempt != 2 {
		t.Errorf("Attempt = %d, want 2", p.LastError().Attempt)
	}

	rec.setFail(nil)
	if err := p.Retry(context.Background()); err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if p.LastError() != nil {
		t.Errorf("LastError() = %v after success", p.LastError())
	}
	if p.Status() != Clean {
		t.Errorf("Status() = %v, want clean", p.Status())
	}
	if diff := cmp.Diff([]int{1}, rec.values()); diff != "" {
		t.Errorf("saved values mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistentSingleFlightQueuesLatest(t *testing.T) {
	var (
		inflight atomic.Int32
		maxSeen  atomic.Int32
		mu       sync.Mutex
		saved    []int
	)
	started := make(chan int)
	release := make(chan struct{})

	backend := SaverFunc[int](func(_ context.Context, v int) (Version[int], error) {
		n := inflight.Add(1)
		if n > maxSeen.Load() {
			maxSeen.Store(n)
		}
		started <- v
		<-release
		inflight.Add(-1)

		mu.Lock()
		defer mu.Unlock()
		saved = append(saved, v)
		return Version[int]{Number: len(saved)}, nil
	})
	p, _ := newTestPersistent[int](t, 0, backend)

	errs := make(chan error, 2)
	p.Set(1)
	go func() { errs <- p.Save(context.Background()) }()
	if v := <-started; v != 1 {
		t.Fatalf("first save value = %d, want 1", v)
	}
	if !p.IsSaving() || p.Status() != Persisting {
		t.Errorf("IsSaving() = %v Status() = %v during save", p.IsSaving(), p.Status())
	}

	p.Set(2)
	p.Set(3)
	go func() { errs <- p.Save(context.Background()) }()

	release <- struct{}{}
	if v := <-started; v != 3 {
		t.Fatalf("second save value = %d, want 3", v)
	}
	release <- struct{}{}

	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Errorf("Save() error = %v", err)
		}
	}

	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent saves = %d, want 1", maxSeen.Load())
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff([]int{1, 3}, saved); diff != "" {
		t.Errorf("saved values mismatch (-want +got):\n%s", diff)
	}
	if p.Status() != Clean {
		t.Errorf("Status() = %v, want clean", p.Status())
	}
	if got := len(p.Versions()); got != 2 {
		t.Errorf("len(Versions()) = %d, want 2", got)
	}
}

func TestPersistentCloseCancelsPendingSave(t *testing.T) {
	rec := &recorder[int]{}
	fake := clock.NewFake(time.Time{})
	p := NewPersistent[int](0, rec, WithClock[int](fake))

	p.Set(1)
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	fake.Advance(time.Hour)

	if got := rec.values(); len(got) != 0 {
		t.Errorf("saved %v after Close", got)
	}
	if err := p.Save(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("Save() after Close error = %v, want ErrClosed", err)
	}
	if err := p.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestPersistentSaveCleanIsNoOp(t *testing.T) {
	rec := &recorder[int]{}
	p, _ := newTestPersistent[int](t, 0, rec)

	if err := p.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got := rec.values(); len(got) != 0 {
		t.Errorf("clean Save() persisted %v", got)
	}
}

func TestPersistentSaveCancelsDebounce(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec)

	p.Set(5)
	if err := p.Save(context.Background()); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	fake.Advance(time.Hour)

	if diff := cmp.Diff([]int{5}, rec.values()); diff != "" {
		t.Errorf("saved values mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistentVersionsRecordSaves(t *testing.T) {
	rec := &recorder[string]{}
	p, fake := newTestPersistent[string](t, "a", rec)

	p.Set("b")
	fake.Advance(DefaultDebounce)
	p.Set("c")
	fake.Advance(DefaultDebounce)

	versions := p.Versions()
	if len(versions) != 2 {
		t.Fatalf("len(Versions()) = %d, want 2", len(versions))
	}
	if versions[0].Value != "b" || versions[1].Value != "c" {
		t.Errorf("versions = %+v", versions)
	}
	if versions[1].CreatedAt.IsZero() {
		t.Error("CreatedAt not filled from clock")
	}

	if err := p.RestoreVersion(1); err != nil {
		t.Fatalf("RestoreVersion(1) error = %v", err)
	}
	if p.State() != "b" {
		t.Errorf("State() = %q, want b", p.State())
	}
}

func TestPersistentEvents(t *testing.T) {
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec)

	var causes []Cause
	var statuses []Status
	p.Subscribe(func(e Event[int]) {
		causes = append(causes, e.Cause)
		statuses = append(statuses, e.Status)
	})

	p.Set(1)
	fake.Advance(DefaultDebounce)
	p.Undo()

	wantCauses := []Cause{CauseSet, CauseSaveStarted, CauseSaved, CauseUndo}
	if diff := cmp.Diff(wantCauses, causes); diff != "" {
		t.Errorf("causes mismatch (-want +got):\n%s", diff)
	}
	wantStatuses := []Status{Dirty, Persisting, Clean, Dirty}
	if diff := cmp.Diff(wantStatuses, statuses); diff != "" {
		t.Errorf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestPersistentMetrics(t *testing.T) {
	met := metrics.New()
	rec := &recorder[int]{}
	p, fake := newTestPersistent[int](t, 0, rec, WithMetrics[int](met))

	p.Set(1)
	p.Set(1)
	fake.Advance(DefaultDebounce)
	p.Undo()
	p.Redo()
	if err := p.RestoreVersion(1); err != nil {
		t.Fatal(err)
	}

	s := met.Snapshot()
	if s.Edits != 1 || s.NoOps != 1 || s.Saves != 1 || s.Undos != 1 || s.Redos != 1 || s.Restores != 1 {
		t.Errorf("stats = %+v", s)
	}
}

func TestPersistentStoreBackendLoad(t *testing.T) {
	store := memstore.New()
	defer store.Close()
	key := snapshot.Key{Domain: "program", EntityID: "7"}
	backend := NewStoreBackend[counter](store, key, nil)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if _, err := backend.Save(ctx, counter{Count: i * 10}); err != nil {
			t.Fatal(err)
		}
	}

	p, fake := newTestPersistent[counter](t, counter{}, backend)
	if err := p.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if p.State() != (counter{Count: 30}) {
		t.Errorf("State() = %+v, want newest version", p.State())
	}
	if p.CanUndo() || p.Status() != Clean {
		t.Errorf("after Load CanUndo=%v Status=%v", p.CanUndo(), p.Status())
	}
	if got := len(p.Versions()); got != 3 {
		t.Fatalf("len(Versions()) = %d, want 3", got)
	}

	p.Set(counter{Count: 31})
	fake.Advance(DefaultDebounce)

	snaps, err := store.List(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if len(snaps) != 4 || string(snaps[3].Value) != `{"Count":31}` {
		t.Errorf("stored snapshots = %d, last = %s", len(snaps), snaps[len(snaps)-1].Value)
	}

	got, err := backend.Get(ctx, 4)
	if err != nil || got.Value != (counter{Count: 31}) {
		t.Errorf("Get(4) = %+v, %v", got, err)
	}
}

func TestPersistentRefreshWithoutLister(t *testing.T) {
	p, _ := newTestPersistent[int](t, 0, SaverFunc[int](func(context.Context, int) (Version[int], error) {
		return Version[int]{Number: 1}, nil
	}))

	if err := p.Refresh(context.Background()); !errors.Is(err, ErrNoLister) {
		t.Errorf("Refresh() error = %v, want ErrNoLister", err)
	}
}

func TestPersistentSeededBaselineMarksDirty(t *testing.T) {
	p, _ := newTestPersistent[string](t, "local", &recorder[string]{},
		WithVersions([]Version[string]{{Number: 3, Value: "remote"}}))

	if p.Status() != Dirty {
		t.Errorf("Status() = %v, want dirty", p.Status())
	}
}

// staleLister lists the versions it held when Versions was called, but
// only returns them once released.
type staleLister struct {
	*recorder[int]
	listed  chan struct{}
	release chan struct{}
}

func (s *staleLister) Versions(context.Context) ([]Version[int], error) {
	saved := s.values()
	var versions []Version[int]
	for i, v := range saved {
		versions = append(versions, Version[int]{ID: "v" + strconv.Itoa(i+1), Number: i + 1, Value: v})
	}
	close(s.listed)
	<-s.release
	return versions, nil
}

func TestPersistentRefreshKeepsConcurrentSave(t *testing.T) {
	backend := &staleLister{
		recorder: &recorder[int]{},
		listed:   make(chan struct{}),
		release:  make(chan struct{}),
	}
	p, _ := newTestPersistent[int](t, 0, backend)
	ctx := context.Background()

	refreshed := make(chan error, 1)
	go func() { refreshed <- p.Refresh(ctx) }()
	<-backend.listed

	p.Set(7)
	if err := p.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	close(backend.release)
	if err := <-refreshed; err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	if got := p.Versions(); len(got) != 1 || got[0].Number != 1 || got[0].Value != 7 {
		t.Fatalf("Versions() = %+v, want the saved version 1", got)
	}
	p.Set(8)
	if err := p.RestoreVersion(1); err != nil {
		t.Errorf("RestoreVersion(1) error = %v", err)
	}
	if p.State() != 7 || p.Status() != Clean {
		t.Errorf("after restore: state = %d, status = %v; want 7, clean", p.State(), p.Status())
	}
}

func TestPersistentRefreshMergesListing(t *testing.T) {
	backend := &staleLister{
		recorder: &recorder[int]{saved: []int{10, 20}},
		listed:   make(chan struct{}),
		release:  make(chan struct{}),
	}
	close(backend.release)
	p, _ := newTestPersistent[int](t, 0, backend,
		WithVersions([]Version[int]{{Number: 1, Value: 10}, {Number: 5, Value: 50}}))

	if err := p.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	var numbers []int
	for _, v := range p.Versions() {
		numbers = append(numbers, v.Number)
	}
	if diff := cmp.Diff([]int{1, 2, 5}, numbers); diff != "" {
		t.Errorf("version numbers mismatch (-want +got):\n%s", diff)
	}
}
