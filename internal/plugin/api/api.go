package api

import (
	lua "github.com/yuin/gopher-lua"

	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
)

// Namespace prefixes every host module's require name.
const Namespace = "matrix"

// Module is a host API module preloaded into the shared state.
type Module interface {
	// Name returns the module name (requirable as "matrix.<name>").
	Name() string

	// Loader is the Lua module loader; it pushes the module table.
	Loader(L *lua.LState) int
}

// RegisterAll preloads the given modules into the shared state.
// Must run before any plugin loads so requires resolve immediately.
func RegisterAll(state *plua.State, modules ...Module) {
	for _, m := range modules {
		state.Preload(Namespace+"."+m.Name(), m.Loader)
	}
}

// DefaultModules returns the standard host module set.
func DefaultModules() []Module {
	return []Module{
		NewColorModule(),
		NewUtilModule(),
	}
}
