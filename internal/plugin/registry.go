package plugin

import (
	"sort"
	"sync"
)

// Registry tracks which module-table keys each plugin contributed, and the
// backing source file behind every tracked key. The loader routes all module
// table bookkeeping through here so that unload can purge exactly the keys a
// plugin owns and eviction can tell which directory a cached module came from.
type Registry struct {
	mu sync.RWMutex

	// owned maps plugin id -> set of qualified keys contributed by that
	// plugin (entry key included).
	owned map[string]map[string]struct{}

	// origins maps module table key -> backing source file path.
	origins map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		owned:   make(map[string]map[string]struct{}),
		origins: make(map[string]string),
	}
}

// RecordOwned registers the module-table keys a plugin contributed.
func (r *Registry) RecordOwned(id string, keys []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.owned[id]
	if set == nil {
		set = make(map[string]struct{}, len(keys))
		r.owned[id] = set
	}
	for _, k := range keys {
		set[k] = struct{}{}
	}
}

// Owned returns the sorted keys recorded for a plugin.
func (r *Registry) Owned(id string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.owned[id]
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Release removes a plugin's ownership records and the origins of its keys.
// Idempotent: releasing an unknown plugin is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for k := range r.owned[id] {
		delete(r.origins, k)
	}
	delete(r.owned, id)
}

// Origin returns the backing file recorded for a module key, or "".
func (r *Registry) Origin(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origins[key]
}

// SetOrigin records the backing file for a module key.
func (r *Registry) SetOrigin(key, path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.origins[key] = path
}

// DeleteOrigin removes the backing-file record for a module key.
func (r *Registry) DeleteOrigin(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, key)
}

// MoveOrigin renames the backing-file record from one key to another.
func (r *Registry) MoveOrigin(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if path, ok := r.origins[from]; ok {
		delete(r.origins, from)
		r.origins[to] = path
	}
}
