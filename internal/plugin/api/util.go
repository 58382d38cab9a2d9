package api

import (
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// UtilModule implements the matrix.util API module.
// This provides string and table helpers widget code keeps reinventing.
type UtilModule struct{}

// NewUtilModule creates a new util module.
func NewUtilModule() *UtilModule {
	return &UtilModule{}
}

// Name returns the module name.
func (m *UtilModule) Name() string {
	return "util"
}

// Loader builds the module table.
func (m *UtilModule) Loader(L *lua.LState) int {
	mod := L.NewTable()

	L.SetField(mod, "split", L.NewFunction(m.split))
	L.SetField(mod, "trim", L.NewFunction(m.trim))
	L.SetField(mod, "starts_with", L.NewFunction(m.startsWith))
	L.SetField(mod, "ends_with", L.NewFunction(m.endsWith))
	L.SetField(mod, "join", L.NewFunction(m.join))
	L.SetField(mod, "pad", L.NewFunction(m.pad))
	L.SetField(mod, "keys", L.NewFunction(m.keys))
	L.SetField(mod, "is_empty", L.NewFunction(m.isEmpty))

	L.Push(mod)
	return 1
}

// split(str, sep) -> {parts}
func (m *UtilModule) split(L *lua.LState) int {
	parts := strings.Split(L.CheckString(1), L.CheckString(2))
	tbl := L.NewTable()
	for i, part := range parts {
		tbl.RawSetInt(i+1, lua.LString(part))
	}
	L.Push(tbl)
	return 1
}

// trim(str) -> string
func (m *UtilModule) trim(L *lua.LState) int {
	L.Push(lua.LString(strings.TrimSpace(L.CheckString(1))))
	return 1
}

// starts_with(str, prefix) -> bool
func (m *UtilModule) startsWith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasPrefix(L.CheckString(1), L.CheckString(2))))
	return 1
}

// ends_with(str, suffix) -> bool
func (m *UtilModule) endsWith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasSuffix(L.CheckString(1), L.CheckString(2))))
	return 1
}

// join(tbl, sep) -> string
func (m *UtilModule) join(L *lua.LState) int {
	tbl := L.CheckTable(1)
	sep := L.CheckString(2)

	var parts []string
	tbl.ForEach(func(_, v lua.LValue) {
		parts = append(parts, v.String())
	})
	L.Push(lua.LString(strings.Join(parts, sep)))
	return 1
}

// pad(str, width) -> string
// Left-pads with spaces to the given display width.
func (m *UtilModule) pad(L *lua.LState) int {
	str := L.CheckString(1)
	width := int(L.CheckNumber(2))
	for len(str) < width {
		str = " " + str
	}
	L.Push(lua.LString(str))
	return 1
}

// keys(tbl) -> {keys}
func (m *UtilModule) keys(L *lua.LState) int {
	tbl := L.CheckTable(1)
	out := L.NewTable()
	i := 0
	tbl.ForEach(func(k, _ lua.LValue) {
		i++
		out.RawSetInt(i, k)
	})
	L.Push(out)
	return 1
}

// is_empty(tbl) -> bool
func (m *UtilModule) isEmpty(L *lua.LState) int {
	tbl := L.CheckTable(1)
	empty := true
	tbl.ForEach(func(_, _ lua.LValue) {
		empty = false
	})
	L.Push(lua.LBool(empty))
	return 1
}
