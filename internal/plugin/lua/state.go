package lua

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	lua "github.com/yuin/gopher-lua"
)

// State wraps a single gopher-lua state shared by every plugin.
//
// gopher-lua's LState is not goroutine-safe. The mutex in this struct
// serializes access from Go code; plugin loads are additionally serialized
// by the loader's own lock, which also guards searchDir and originHook.
type State struct {
	L *lua.LState

	mu sync.Mutex

	// Directory the require searcher resolves bare module names against.
	// Bound by the loader for the duration of one plugin load.
	searchDir string

	// originHook observes each module the searcher loads, receiving the
	// module's bare name and backing file path.
	originHook func(name, path string)

	closed bool
}

// NewState creates the shared sandboxed Lua state.
//
// The base, table, string, math, and package libraries are opened. The
// package library is required for module caching (require / package.loaded);
// io, os, and debug stay closed.
func NewState() *State {
	s := &State{}

	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})
	s.L = L

	lua.OpenBase(L)
	lua.OpenTable(L)
	lua.OpenString(L)
	lua.OpenMath(L)
	lua.OpenPackage(L)

	s.installSearcher()

	return s
}

// installSearcher replaces the Lua file searcher with one that resolves
// bare module names against the currently bound plugin directory and
// records each loaded module's backing file.
func (s *State) installSearcher() {
	pkg, ok := s.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return
	}

	loaders, ok := s.L.GetField(pkg, "loaders").(*lua.LTable)
	if !ok {
		return
	}

	// Keep the preload searcher so host-provided modules stay requirable.
	replacement := s.L.NewTable()
	replacement.RawSetInt(1, loaders.RawGetInt(1))
	replacement.RawSetInt(2, s.L.NewFunction(s.searchPluginDir))
	s.L.SetField(pkg, "loaders", replacement)
	// gopher-lua's require reads loaders from the registry, not package.loaders.
	s.L.SetField(s.L.Get(lua.RegistryIndex), "_LOADERS", replacement)
}

// searchPluginDir is the require searcher for plugin auxiliary files.
func (s *State) searchPluginDir(L *lua.LState) int {
	name := L.CheckString(1)

	if s.searchDir == "" {
		L.Push(lua.LString(fmt.Sprintf("\n\tno plugin directory bound for module %q", name)))
		return 1
	}

	path := filepath.Join(s.searchDir, name+".lua")
	if _, err := os.Stat(path); err != nil {
		L.Push(lua.LString(fmt.Sprintf("\n\tno file %q", path)))
		return 1
	}

	fn, err := L.LoadFile(path)
	if err != nil {
		L.RaiseError("error loading module %q from file %q:\n\t%s", name, path, err.Error())
		return 0
	}

	if s.originHook != nil {
		s.originHook(name, path)
	}

	L.Push(fn)
	return 1
}

// BindSearchDir binds the directory the searcher resolves modules against
// and the hook observing module loads. Call with empty values to unbind.
// Only the loader calls this, under its load-serializing lock.
func (s *State) BindSearchDir(dir string, hook func(name, path string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.searchDir = dir
	s.originHook = hook
}

// loadedTable returns the shared module table (package.loaded).
func (s *State) loadedTable() *lua.LTable {
	return s.L.GetField(s.L.Get(lua.RegistryIndex), "_LOADED").(*lua.LTable)
}

// ModuleKeys returns every string key currently present in the module table.
func (s *State) ModuleKeys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var keys []string
	s.loadedTable().ForEach(func(k, _ lua.LValue) {
		if ks, ok := k.(lua.LString); ok {
			keys = append(keys, string(ks))
		}
	})
	return keys
}

// Module returns the module table entry for key, or lua.LNil.
func (s *State) Module(key string) lua.LValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil
	}
	return s.loadedTable().RawGetString(key)
}

// SetModule sets a module table entry.
func (s *State) SetModule(key string, value lua.LValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.loadedTable().RawSetString(key, value)
}

// DeleteModule removes a module table entry.
func (s *State) DeleteModule(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.loadedTable().RawSetString(key, lua.LNil)
}

// NewTable allocates a fresh table in the shared state.
func (s *State) NewTable() *lua.LTable {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.L.NewTable()
}

// Preload registers a host module requirable under the given name.
// Host module names carry a dot (e.g. "matrix.color") so they are never
// confused with plugin-owned bare names.
func (s *State) Preload(name string, loader lua.LGFunction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.L.PreloadModule(name, loader)
}

// DoFileAsUnit executes a plugin entry file and returns its first return
// value (the entry unit), or lua.LNil if the chunk returns nothing.
func (s *State) DoFileAsUnit(path string) (lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return lua.LNil, ErrStateClosed
	}

	fn, err := s.L.LoadFile(path)
	if err != nil {
		return lua.LNil, err
	}

	top := s.L.GetTop()
	s.L.Push(fn)

	if err := s.pcallWithRecovery(0); err != nil {
		s.L.SetTop(top)
		return lua.LNil, err
	}

	nret := s.L.GetTop() - top
	if nret <= 0 {
		return lua.LNil, nil
	}
	unit := s.L.Get(top + 1)
	s.L.SetTop(top)
	return unit, nil
}

// CallFunction calls a Lua function value with the given arguments.
// Returns an empty slice (not nil) if the function returns no values.
func (s *State) CallFunction(fn lua.LValue, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStateClosed
	}
	if fn.Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: got %s", ErrNotAFunction, fn.Type())
	}

	top := s.L.GetTop()
	s.L.Push(fn)
	for _, arg := range args {
		s.L.Push(arg)
	}

	if err := s.pcallWithRecovery(len(args)); err != nil {
		s.L.SetTop(top)
		return nil, err
	}

	nret := s.L.GetTop() - top
	results := make([]lua.LValue, nret)
	for i := 0; i < nret; i++ {
		results[i] = s.L.Get(top + i + 1)
	}
	s.L.SetTop(top)
	return results, nil
}

// CallMethod calls self:method(args...) on a Lua table.
// The method must exist; use HasMethod to probe first.
func (s *State) CallMethod(self *lua.LTable, method string, args ...lua.LValue) ([]lua.LValue, error) {
	s.mu.Lock()
	fn := s.L.GetField(self, method)
	s.mu.Unlock()

	if fn == lua.LNil {
		return nil, fmt.Errorf("method %q not found", method)
	}

	callArgs := append([]lua.LValue{self}, args...)
	return s.CallFunction(fn, callArgs...)
}

// HasMethod reports whether self has a callable field with the given name.
func (s *State) HasMethod(self *lua.LTable, method string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}
	return s.L.GetField(self, method).Type() == lua.LTFunction
}

// pcallWithRecovery runs a protected call with panic recovery.
// The function and nargs arguments must already be on the stack.
// Must be called with s.mu held.
func (s *State) pcallWithRecovery(nargs int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lua panic: %v", r)
		}
	}()
	return s.L.PCall(nargs, lua.MultRet, nil)
}

// IsClosed returns true if the state has been closed.
func (s *State) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close releases the Lua state. Safe to call multiple times.
func (s *State) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.L.Close()
	s.closed = true
	return nil
}
