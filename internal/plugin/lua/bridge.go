package lua

import (
	"fmt"

	lua "github.com/yuin/gopher-lua"
)

// Bridge converts values between Go and Lua. It is used to hand config
// documents to plugins and to read plugin-provided info tables back out.
type Bridge struct {
	L *lua.LState
}

// NewBridge creates a Bridge for the given Lua state.
func NewBridge(L *lua.LState) *Bridge {
	return &Bridge{L: L}
}

// ToLua converts a Go value to a Lua value.
// Maps become tables keyed by string; slices become array tables.
func (b *Bridge) ToLua(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case int:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := b.L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, b.ToLua(item))
		}
		return tbl
	case map[string]any:
		tbl := b.L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, b.ToLua(item))
		}
		return tbl
	case lua.LValue:
		return val
	default:
		return lua.LString(fmt.Sprintf("%v", val))
	}
}

// ToGo converts a Lua value to a Go value.
// Tables with contiguous integer keys become slices, others become maps.
func (b *Bridge) ToGo(lv lua.LValue) any {
	return b.toGo(lv, make(map[*lua.LTable]bool))
}

func (b *Bridge) toGo(lv lua.LValue, visited map[*lua.LTable]bool) any {
	switch v := lv.(type) {
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		if visited[v] {
			return nil // break circular references
		}
		visited[v] = true
		return b.tableToGo(v, visited)
	case *lua.LUserData:
		return v.Value
	default:
		return nil
	}
}

func (b *Bridge) tableToGo(t *lua.LTable, visited map[*lua.LTable]bool) any {
	n := t.Len()
	if n > 0 {
		count := 0
		t.ForEach(func(_, _ lua.LValue) { count++ })
		if count == n {
			arr := make([]any, n)
			for i := 1; i <= n; i++ {
				arr[i-1] = b.toGo(t.RawGetInt(i), visited)
			}
			return arr
		}
	}

	m := make(map[string]any)
	t.ForEach(func(k, v lua.LValue) {
		m[k.String()] = b.toGo(v, visited)
	})
	return m
}
