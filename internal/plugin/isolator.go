package plugin

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// qualifiedPrefix prefixes every plugin-owned module table key.
const qualifiedPrefix = "plugin"

// EntryKey returns the module-table key for a plugin's entry unit.
func EntryKey(id string) string {
	return qualifiedPrefix + "_" + id
}

// QualifiedKey returns the namespaced module-table key for one of a
// plugin's auxiliary modules.
func QualifiedKey(id, name string) string {
	return qualifiedPrefix + "_" + id + "_" + name
}

// Isolator loads plugin entry files into the shared Lua state and keeps
// identically-named auxiliary modules from colliding in its module table.
//
// Loads are serialized by a single lock: only one plugin may hold bare
// (un-namespaced) names in the module table at a time, and that state lasts
// only for the duration of its own load. On failure the module table is
// restored to exactly its pre-load key set.
type Isolator struct {
	// mu is the global load-serializing lock.
	mu sync.Mutex

	state    *plua.State
	registry *Registry
	logger   *slog.Logger
}

// NewIsolator creates an isolator over the shared state.
func NewIsolator(state *plua.State, registry *Registry, logger *slog.Logger) *Isolator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Isolator{
		state:    state,
		registry: registry,
		logger:   logger,
	}
}

// Load executes a plugin's entry file and isolates every module it brought
// into the shared module table. Idempotent: loading an already-loaded
// plugin returns its existing entry unit.
func (iso *Isolator) Load(id, dir, entryFile string) (lua.LValue, error) {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	entryKey := EntryKey(id)
	if unit := iso.state.Module(entryKey); unit != lua.LNil {
		return unit, nil
	}

	entryPath := filepath.Join(dir, entryFile)
	if _, err := os.Stat(entryPath); err != nil {
		return lua.LNil, fmt.Errorf("plugin %q: %w: %s", id, ErrNoEntryPoint, entryPath)
	}

	// Claim the entry key before execution so concurrent loaders never
	// collide on the entry point itself.
	placeholder := iso.state.NewTable()
	iso.state.SetModule(entryKey, placeholder)

	before := iso.snapshotKeys()

	// Evict stale bare names left behind by other plugins' files of the
	// same name. They must not satisfy this plugin's requires.
	evicted := iso.evictStale(id, dir, entryFile)

	// Track which file backs each module require() pulls in during this
	// load, so namespacing can tell this plugin's modules apart.
	loadOrigins := make(map[string]string)
	iso.state.BindSearchDir(dir, func(name, path string) {
		loadOrigins[name] = path
		iso.registry.SetOrigin(name, path)
	})
	defer iso.state.BindSearchDir("", nil)

	unit, err := iso.state.DoFileAsUnit(entryPath)
	if err != nil {
		iso.rollback(entryKey, before, evicted)
		return lua.LNil, fmt.Errorf("plugin %q: %w: %v", id, ErrLoadFailure, err)
	}

	if unit == lua.LNil {
		// Entry file returned nothing; the claimed placeholder is the unit.
		unit = placeholder
	} else {
		iso.state.SetModule(entryKey, unit)
	}
	iso.registry.SetOrigin(entryKey, entryPath)

	owned := []string{entryKey}
	for _, name := range iso.state.ModuleKeys() {
		if _, existed := before[name]; existed || name == entryKey {
			continue
		}
		if strings.Contains(name, ".") {
			// Dotted names are host modules, shared across plugins.
			continue
		}
		origin, ok := loadOrigins[name]
		if !ok || !underDir(origin, dir) {
			continue
		}

		qk := QualifiedKey(id, name)
		iso.state.SetModule(qk, iso.state.Module(name))
		iso.state.DeleteModule(name)
		iso.registry.MoveOrigin(name, qk)
		owned = append(owned, qk)
	}

	iso.registry.RecordOwned(id, owned)
	iso.logger.Debug("plugin loaded", "plugin", id, "modules", len(owned)-1)
	return unit, nil
}

// Unregister purges every module-table key a plugin contributed.
// Idempotent: unregistering an unknown plugin is a no-op.
func (iso *Isolator) Unregister(id string) {
	iso.mu.Lock()
	defer iso.mu.Unlock()

	for _, key := range iso.registry.Owned(id) {
		iso.state.DeleteModule(key)
	}
	iso.state.DeleteModule(EntryKey(id))
	iso.registry.Release(id)
}

// Loaded reports whether a plugin's entry unit is present.
func (iso *Isolator) Loaded(id string) bool {
	return iso.state.Module(EntryKey(id)) != lua.LNil
}

// evictedEntry remembers a module-table entry removed during eviction so a
// failed load can restore it.
type evictedEntry struct {
	key    string
	value  lua.LValue
	origin string
}

// evictStale removes bare-name entries that map to files in a different
// directory than the plugin being loaded. Must be called with mu held.
func (iso *Isolator) evictStale(id, dir, entryFile string) []evictedEntry {
	var evicted []evictedEntry

	matches, err := filepath.Glob(filepath.Join(dir, "*.lua"))
	if err != nil {
		return nil
	}

	for _, path := range matches {
		base := filepath.Base(path)
		if base == entryFile {
			continue
		}
		bare := strings.TrimSuffix(base, ".lua")

		val := iso.state.Module(bare)
		if val == lua.LNil {
			continue
		}
		origin := iso.registry.Origin(bare)
		if origin == "" || underDir(origin, dir) {
			continue
		}

		iso.logger.Debug("evicting stale module",
			"plugin", id, "module", bare, "origin", origin)
		evicted = append(evicted, evictedEntry{key: bare, value: val, origin: origin})
		iso.state.DeleteModule(bare)
		iso.registry.DeleteOrigin(bare)
	}

	return evicted
}

// rollback restores the module table to exactly its pre-load state after a
// failed load. Must be called with mu held.
func (iso *Isolator) rollback(entryKey string, before map[string]struct{}, evicted []evictedEntry) {
	iso.state.DeleteModule(entryKey)
	iso.registry.DeleteOrigin(entryKey)

	for _, key := range iso.state.ModuleKeys() {
		if _, existed := before[key]; !existed {
			iso.state.DeleteModule(key)
			iso.registry.DeleteOrigin(key)
		}
	}

	for _, e := range evicted {
		iso.state.SetModule(e.key, e.value)
		iso.registry.SetOrigin(e.key, e.origin)
	}
}

// snapshotKeys captures the current module-table key set.
func (iso *Isolator) snapshotKeys() map[string]struct{} {
	keys := iso.state.ModuleKeys()
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set
}

// underDir reports whether path lives under dir.
func underDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
