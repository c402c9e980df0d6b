package script

import (
	"fmt"
	"sort"
	"strconv"

	lua "github.com/yuin/gopher-lua"
)

// toLua converts a JSON-shaped Go value to a Lua value.
func toLua(L *lua.LState, v any) (lua.LValue, error) {
	switch val := v.(type) {
	case nil:
		return lua.LNil, nil
	case bool:
		return lua.LBool(val), nil
	case string:
		return lua.LString(val), nil
	case float64:
		return lua.LNumber(val), nil
	case float32:
		return lua.LNumber(val), nil
	case int:
		return lua.LNumber(val), nil
	case int64:
		return lua.LNumber(val), nil
	case int32:
		return lua.LNumber(val), nil
	case uint:
		return lua.LNumber(val), nil
	case uint64:
		return lua.LNumber(val), nil
	case []any:
		t := L.NewTable()
		for i, elem := range val {
			lv, err := toLua(L, elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			t.RawSetInt(i+1, lv)
		}
		return t, nil
	case map[string]any:
		t := L.NewTable()
		for k, elem := range val {
			lv, err := toLua(L, elem)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", k, err)
			}
			t.RawSetString(k, lv)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// toGo converts a Lua value to its JSON-shaped Go form.
func toGo(lv lua.LValue, visited map[*lua.LTable]bool) (any, error) {
	switch v := lv.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(v), nil
	case lua.LNumber:
		return float64(v), nil
	case lua.LString:
		return string(v), nil
	case *lua.LTable:
		if visited[v] {
			return nil, ErrCycle
		}
		visited[v] = true
		defer delete(visited, v)

		if n, ok := arrayLen(v); ok {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				elem, err := toGo(v.RawGetInt(i), visited)
				if err != nil {
					return nil, err
				}
				arr[i-1] = elem
			}
			return arr, nil
		}
		return tableToMap(v, visited)
	default:
		return nil, fmt.Errorf("cannot convert Lua %s", lv.Type())
	}
}

// tableToMap converts a table with any keys to a map keyed by their
// string form.
func tableToMap(t *lua.LTable, visited map[*lua.LTable]bool) (map[string]any, error) {
	visited[t] = true
	defer delete(visited, t)

	type pair struct {
		key string
		val lua.LValue
	}
	var pairs []pair
	var keyErr error
	t.ForEach(func(k, v lua.LValue) {
		switch kv := k.(type) {
		case lua.LString:
			pairs = append(pairs, pair{string(kv), v})
		case lua.LNumber:
			pairs = append(pairs, pair{strconv.FormatFloat(float64(kv), 'f', -1, 64), v})
		default:
			if keyErr == nil {
				keyErr = fmt.Errorf("unsupported key type %s", k.Type())
			}
		}
	})
	if keyErr != nil {
		return nil, keyErr
	}
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].key < pairs[j].key })

	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		val, err := toGo(p.val, visited)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p.key, err)
		}
		out[p.key] = val
	}
	return out, nil
}

// arrayLen reports whether t is a non-empty sequence with keys 1..n.
func arrayLen(t *lua.LTable) (int, bool) {
	count, maxN := 0, 0
	isArray := true
	t.ForEach(func(k, _ lua.LValue) {
		count++
		kn, ok := k.(lua.LNumber)
		if !ok {
			isArray = false
			return
		}
		n := int(kn)
		if float64(n) != float64(kn) || n < 1 {
			isArray = false
			return
		}
		if n > maxN {
			maxN = n
		}
	})
	if !isArray || count == 0 || count != maxN {
		return 0, false
	}
	return maxN, true
}
