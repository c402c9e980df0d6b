// Package script runs Lua updaters over JSON-shaped documents.
//
// A script defines a global update function that receives the present
// document as a table and returns the next one:
//
//	function update(state)
//	  state.count = (state.count or 0) + 1
//	  return state
//	end
//
// If update returns nothing, the (possibly mutated) argument is used.
// Only the base, table, string and math libraries are available.
package script

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// DefaultTimeout bounds a single update call.
const DefaultTimeout = 5 * time.Second

const updateFunc = "update"

// Errors returned by updaters.
var (
	// ErrNoUpdate indicates the script does not define a global update function.
	ErrNoUpdate = errors.New("script does not define update(state)")

	// ErrNotTable indicates update returned something other than a table.
	ErrNotTable = errors.New("update must return a table")

	// ErrCycle indicates a returned table refers to itself.
	ErrCycle = errors.New("table contains a cycle")

	// ErrClosed indicates the updater has been closed.
	ErrClosed = errors.New("updater is closed")
)

// Updater is a compiled script. Calls are serialized; the underlying Lua
// state is not shared between updaters.
type Updater struct {
	name    string
	timeout time.Duration

	mu      sync.Mutex
	L       *lua.LState
	fn      *lua.LFunction
	lastErr error
	closed  bool
}

// Option configures an Updater.
type Option func(*Updater)

// WithTimeout bounds each update call. Non-positive values disable the bound.
func WithTimeout(d time.Duration) Option {
	return func(u *Updater) {
		u.timeout = d
	}
}

// Compile loads source and looks up its update function.
func Compile(name, source string, opts ...Option) (*Updater, error) {
	u := &Updater{
		name:    name,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(u)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	openLibraries(L)

	chunk, err := L.LoadString(source)
	if err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: compile: %w", name, err)
	}
	L.Push(chunk)
	if err := L.PCall(0, 0, nil); err != nil {
		L.Close()
		return nil, fmt.Errorf("%s: load: %w", name, err)
	}

	fn, ok := L.GetGlobal(updateFunc).(*lua.LFunction)
	if !ok {
		L.Close()
		return nil, fmt.Errorf("%s: %w", name, ErrNoUpdate)
	}

	u.L = L
	u.fn = fn
	return u, nil
}

// openLibraries opens the libraries scripts may use. io, os, debug and
// package are left closed.
func openLibraries(L *lua.LState) {
	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
}

// Name returns the name given to Compile.
func (u *Updater) Name() string {
	return u.name
}

// Apply calls update with doc and returns the resulting document.
// Numbers in the result are float64, as encoding/json would produce.
func (u *Updater) Apply(doc map[string]any) (map[string]any, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.closed {
		return nil, ErrClosed
	}

	arg, err := toLua(u.L, doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}

	if u.timeout > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), u.timeout)
		defer cancel()
		u.L.SetContext(ctx)
		defer u.L.RemoveContext()
	}

	top := u.L.GetTop()
	err = u.L.CallByParam(lua.P{Fn: u.fn, NRet: 1, Protect: true}, arg)
	if err != nil {
		u.L.SetTop(top)
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	ret := u.L.Get(-1)
	u.L.SetTop(top)

	if ret == lua.LNil {
		ret = arg
	}
	tbl, ok := ret.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%s: %w, got %s", u.name, ErrNotTable, ret.Type())
	}

	out, err := tableToMap(tbl, make(map[*lua.LTable]bool))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", u.name, err)
	}
	return out, nil
}

// Func adapts the updater to a state update function. When the script
// fails the previous document is returned unchanged and the error is kept
// for Err.
func (u *Updater) Func() func(prev map[string]any) map[string]any {
	return func(prev map[string]any) map[string]any {
		next, err := u.Apply(prev)

		u.mu.Lock()
		u.lastErr = err
		u.mu.Unlock()

		if err != nil {
			return prev
		}
		return next
	}
}

// Err returns the error from the last call made through Func.
func (u *Updater) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.lastErr
}

// Close releases the Lua state.
func (u *Updater) Close() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.closed {
		return
	}
	u.closed = true
	u.L.Close()
}
