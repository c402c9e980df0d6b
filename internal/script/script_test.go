package script

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dshills/savepoint/internal/history"
)

const incrementScript = `
function update(state)
  state.count = (state.count or 0) + 1
  return state
end
`

func mustCompile(t *testing.T, source string, opts ...Option) *Updater {
	t.Helper()
	u, err := Compile("test.lua", source, opts...)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	t.Cleanup(u.Close)
	return u
}

func TestApplyTransformsDocument(t *testing.T) {
	u := mustCompile(t, incrementScript)

	got, err := u.Apply(map[string]any{"count": 2, "name": "plan"})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := map[string]any{"count": float64(3), "name": "plan"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyNestedValues(t *testing.T) {
	u := mustCompile(t, `
function update(state)
  table.insert(state.weeks, { day = "mon", sets = 3 })
  state.meta.active = not state.meta.active
  state.removed = nil
  return state
end
`)

	doc := map[string]any{
		"weeks":   []any{map[string]any{"day": "sun", "sets": float64(1)}},
		"meta":    map[string]any{"active": false},
		"removed": "x",
	}
	got, err := u.Apply(doc)
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	want := map[string]any{
		"weeks": []any{
			map[string]any{"day": "sun", "sets": float64(1)},
			map[string]any{"day": "mon", "sets": float64(3)},
		},
		"meta": map[string]any{"active": true},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Apply() mismatch (-want +got):\n%s", diff)
	}
}

func TestApplyWithoutReturnUsesArgument(t *testing.T) {
	u := mustCompile(t, `function update(s) s.touched = true end`)

	got, err := u.Apply(map[string]any{})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if got["touched"] != true {
		t.Errorf("touched = %v, want true", got["touched"])
	}
}

func TestApplyDoesNotMutateInput(t *testing.T) {
	u := mustCompile(t, incrementScript)

	doc := map[string]any{"count": float64(1)}
	if _, err := u.Apply(doc); err != nil {
		t.Fatal(err)
	}
	if doc["count"] != float64(1) {
		t.Errorf("input mutated: %v", doc)
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr error
		substr  string
	}{
		{name: "syntax", source: "function update(", substr: "compile"},
		{name: "runtime at load", source: "error('boom')", substr: "boom"},
		{name: "missing update", source: "x = 1", wantErr: ErrNoUpdate},
		{name: "update not function", source: "update = 5", wantErr: ErrNoUpdate},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile("bad.lua", tt.source)
			if err == nil {
				t.Fatal("Compile() succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if tt.substr != "" && !strings.Contains(err.Error(), tt.substr) {
				t.Errorf("error = %q, want it to mention %q", err, tt.substr)
			}
		})
	}
}

func TestApplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr error
	}{
		{name: "returns number", source: "function update(s) return 1 end", wantErr: ErrNotTable},
		{name: "cycle", source: "function update(s) s.self = s return s end", wantErr: ErrCycle},
		{name: "raises", source: "function update(s) error('bad state') end"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := mustCompile(t, tt.source)
			_, err := u.Apply(map[string]any{})
			if err == nil {
				t.Fatal("Apply() succeeded")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestApplyUnsupportedInput(t *testing.T) {
	u := mustCompile(t, incrementScript)
	if _, err := u.Apply(map[string]any{"ch": make(chan int)}); err == nil {
		t.Error("Apply() accepted a channel")
	}
}

func TestApplyTimeout(t *testing.T) {
	u := mustCompile(t, "function update(s) while true do end end", WithTimeout(50*time.Millisecond))

	start := time.Now()
	if _, err := u.Apply(map[string]any{}); err == nil {
		t.Fatal("Apply() returned for an endless loop")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestLibrariesRestricted(t *testing.T) {
	for _, lib := range []string{"io", "os", "debug"} {
		t.Run(lib, func(t *testing.T) {
			u := mustCompile(t, "function update(s) s.has = "+lib+" ~= nil return s end")
			got, err := u.Apply(map[string]any{})
			if err != nil {
				t.Fatal(err)
			}
			if got["has"] != false {
				t.Errorf("%s library is available", lib)
			}
		})
	}
}

func TestFuncWithHistory(t *testing.T) {
	u := mustCompile(t, incrementScript)
	h := history.New(map[string]any{"count": float64(0)})

	h.Set(history.Func(u.Func()))
	h.Set(history.Func(u.Func()))

	if got := h.Present()["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}
	if u.Err() != nil {
		t.Errorf("Err() = %v", u.Err())
	}
	if h.UndoCount() != 2 {
		t.Errorf("UndoCount() = %d, want 2", h.UndoCount())
	}
}

func TestFuncKeepsPreviousOnError(t *testing.T) {
	u := mustCompile(t, "function update(s) error('nope') end")
	h := history.New(map[string]any{"count": float64(0)})

	if h.Set(history.Func(u.Func())) {
		t.Error("failed script produced a commit")
	}
	if u.Err() == nil {
		t.Error("Err() = nil after failure")
	}
}

func TestClosedUpdater(t *testing.T) {
	u, err := Compile("c.lua", incrementScript)
	if err != nil {
		t.Fatal(err)
	}
	u.Close()
	u.Close()

	if _, err := u.Apply(map[string]any{}); !errors.Is(err, ErrClosed) {
		t.Errorf("Apply() error = %v, want ErrClosed", err)
	}
}
