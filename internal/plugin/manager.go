package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ledmatrix/ledmatrix/internal/config"
	"github.com/ledmatrix/ledmatrix/internal/config/notify"
	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
)

// ManagerConfig configures the plugin manager.
type ManagerConfig struct {
	// PluginsRoot is the directory containing plugin directories.
	PluginsRoot string

	// MaxParallel bounds concurrent plugin loads. Directory resolution and
	// dependency installation run in parallel; the namespace-mutating part
	// of each load is serialized by the isolator regardless.
	MaxParallel int

	// InstallTimeout bounds one dependency installation run.
	InstallTimeout time.Duration
}

// DefaultManagerConfig returns sensible defaults.
func DefaultManagerConfig(pluginsRoot string) ManagerConfig {
	return ManagerConfig{
		PluginsRoot:    pluginsRoot,
		MaxParallel:    4,
		InstallTimeout: DefaultInstallTimeout,
	}
}

// EventType is the type of manager event.
type EventType int

// Manager events.
const (
	// EventLoaded is emitted when a plugin is loaded and instantiated.
	EventLoaded EventType = iota
	// EventUnloaded is emitted when a plugin is unloaded.
	EventUnloaded
	// EventError is emitted when a plugin fails to load or run.
	EventError
)

// String returns a string representation of the event type.
func (t EventType) String() string {
	switch t {
	case EventLoaded:
		return "loaded"
	case EventUnloaded:
		return "unloaded"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event represents a plugin manager event.
type Event struct {
	Type   EventType
	Plugin string
	Error  error
}

// EventHandler handles plugin manager events. Handlers must be non-blocking
// and should not call back into the Manager. Panics are recovered.
type EventHandler func(event Event)

// record tracks one managed plugin.
type record struct {
	manifest *Manifest
	instance *Instance
	state    State
	err      error
	sub      *notify.Subscription
}

// Manager drives the full plugin lifecycle: directory resolution,
// dependency installation, isolated loading, and instantiation. Failures
// stay local to the failing plugin.
type Manager struct {
	mu sync.RWMutex

	state     *plua.State
	isolator  *Isolator
	registry  *Registry
	resolver  *Resolver
	installer *Installer
	store     *config.Store
	collab    Collaborators

	plugins   map[string]*record
	loadOrder []string

	eventHandlers []EventHandler

	cfg    ManagerConfig
	logger *slog.Logger
}

// NewManager creates a plugin manager over the shared Lua state.
func NewManager(state *plua.State, store *config.Store, collab Collaborators, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	registry := NewRegistry()
	installer := NewInstaller(logger)
	if cfg.InstallTimeout > 0 {
		installer.Timeout = cfg.InstallTimeout
	}
	return &Manager{
		state:     state,
		isolator:  NewIsolator(state, registry, logger),
		registry:  registry,
		resolver:  NewResolver(cfg.PluginsRoot),
		installer: installer,
		store:     store,
		collab:    collab,
		plugins:   make(map[string]*record),
		cfg:       cfg,
		logger:    logger,
	}
}

// Resolver returns the directory resolver for known-mapping registration.
func (m *Manager) Resolver() *Resolver {
	return m.resolver
}

// Load resolves, prepares, loads, and instantiates one plugin.
func (m *Manager) Load(ctx context.Context, id string) (*Instance, error) {
	m.mu.Lock()
	if _, exists := m.plugins[id]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("plugin %q: %w", id, ErrAlreadyLoaded)
	}
	// Claim the slot so concurrent loads of the same id fail fast.
	m.plugins[id] = &record{state: StateUnloaded}
	m.mu.Unlock()

	inst, manifest, err := m.load(ctx, id)

	m.mu.Lock()
	rec := m.plugins[id]
	if err != nil {
		delete(m.plugins, id)
		m.mu.Unlock()
		m.emit(Event{Type: EventError, Plugin: id, Error: err})
		return nil, err
	}
	rec.manifest = manifest
	rec.instance = inst
	rec.state = StateRunning
	rec.sub = m.store.SubscribeScoped(id, func(doc map[string]any) {
		if err := inst.OnConfigChange(doc); err != nil {
			m.logger.Error("config change delivery failed", "plugin", id, "error", err)
		}
	})
	m.loadOrder = append(m.loadOrder, id)
	m.mu.Unlock()

	m.emit(Event{Type: EventLoaded, Plugin: id})
	return inst, nil
}

// load performs the lifecycle steps without touching manager bookkeeping.
func (m *Manager) load(ctx context.Context, id string) (*Instance, *Manifest, error) {
	dir, err := m.resolver.Resolve(id)
	if err != nil {
		return nil, nil, err
	}

	manifest, err := LoadManifest(filepath.Join(dir, ManifestFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("plugin %q: %w", id, err)
	}

	// Dependency failures are not fatal; loading is still attempted.
	if ok := m.installer.Install(ctx, manifest); !ok {
		m.logger.Warn("continuing without dependencies", "plugin", id)
	}

	unit, err := m.isolator.Load(id, dir, manifest.EntryPoint)
	if err != nil {
		return nil, nil, err
	}

	class, err := ExportedClass(unit, manifest.ClassName)
	if err != nil {
		m.isolator.Unregister(id)
		return nil, nil, fmt.Errorf("plugin %q: %w", id, err)
	}

	cfg, _ := m.store.Config()[id].(map[string]any)
	inst, err := Instantiate(m.state, class, id, cfg, m.collab)
	if err != nil {
		m.isolator.Unregister(id)
		return nil, nil, err
	}

	return inst, manifest, nil
}

// LoadAll loads the given plugins in parallel. One plugin's failure never
// aborts the others; the joined error reports every failure.
func (m *Manager) LoadAll(ctx context.Context, ids []string) error {
	var g errgroup.Group
	if m.cfg.MaxParallel > 0 {
		g.SetLimit(m.cfg.MaxParallel)
	}

	var errMu sync.Mutex
	var loadErrors []error

	for _, id := range ids {
		id := id
		g.Go(func() error {
			if _, err := m.Load(ctx, id); err != nil {
				errMu.Lock()
				loadErrors = append(loadErrors, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(loadErrors) > 0 {
		return fmt.Errorf("failed to load %d plugins: %w", len(loadErrors), errors.Join(loadErrors...))
	}
	return nil
}

// Unload removes a plugin and purges its module-table keys. Unloading a
// plugin that is not loaded is a no-op.
func (m *Manager) Unload(id string) {
	m.mu.Lock()
	rec, exists := m.plugins[id]
	if !exists {
		m.mu.Unlock()
		return
	}
	delete(m.plugins, id)
	m.removeFromLoadOrder(id)
	m.mu.Unlock()

	if rec.sub != nil {
		rec.sub.Unsubscribe()
	}
	m.isolator.Unregister(id)
	m.emit(Event{Type: EventUnloaded, Plugin: id})
}

// UnloadAll unloads every plugin in reverse load order.
func (m *Manager) UnloadAll() {
	m.mu.RLock()
	names := make([]string, len(m.loadOrder))
	for i, id := range m.loadOrder {
		names[len(m.loadOrder)-1-i] = id
	}
	m.mu.RUnlock()

	for _, id := range names {
		m.Unload(id)
	}
}

// Reload unloads and reloads a plugin so it picks up on-disk changes.
func (m *Manager) Reload(ctx context.Context, id string) error {
	m.mu.RLock()
	_, exists := m.plugins[id]
	m.mu.RUnlock()
	if !exists {
		return fmt.Errorf("plugin %q: %w", id, ErrNotLoaded)
	}

	m.Unload(id)
	if _, err := m.Load(ctx, id); err != nil {
		return fmt.Errorf("reload failed: %w", err)
	}
	return nil
}

// Get returns a loaded plugin's instance.
func (m *Manager) Get(id string) (*Instance, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.plugins[id]
	if !exists || rec.instance == nil {
		return nil, false
	}
	return rec.instance, true
}

// List returns loaded plugin ids in load order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.loadOrder...)
}

// Count returns the number of loaded plugins.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plugins)
}

// State returns a plugin's lifecycle state (StateUnloaded when unknown).
func (m *Manager) State(id string) State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, exists := m.plugins[id]
	if !exists {
		return StateUnloaded
	}
	return rec.state
}

// setState updates a plugin's recorded state if it is still managed.
func (m *Manager) setState(id string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, exists := m.plugins[id]; exists {
		rec.state = state
	}
}

// Tick runs one update/display cycle across every running plugin.
// A failing plugin is logged and skipped; the rest of the cycle continues.
func (m *Manager) Tick() {
	m.mu.RLock()
	instances := make([]*Instance, 0, len(m.loadOrder))
	for _, id := range m.loadOrder {
		if rec := m.plugins[id]; rec != nil && rec.instance != nil {
			instances = append(instances, rec.instance)
		}
	}
	m.mu.RUnlock()

	for _, inst := range instances {
		if err := inst.Update(); err != nil {
			m.logger.Error("plugin update failed", "plugin", inst.ID(), "error", err)
			m.setState(inst.ID(), StateError)
			continue
		}
		if err := inst.Display(); err != nil {
			m.logger.Error("plugin display failed", "plugin", inst.ID(), "error", err)
			m.setState(inst.ID(), StateError)
			continue
		}
		m.setState(inst.ID(), StateRunning)
	}
}

// OnEvent adds an event handler. Returns an unsubscribe function.
func (m *Manager) OnEvent(handler EventHandler) func() {
	if handler == nil {
		return func() {}
	}

	m.mu.Lock()
	m.eventHandlers = append(m.eventHandlers, handler)
	index := len(m.eventHandlers) - 1
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if index < len(m.eventHandlers) {
			m.eventHandlers[index] = nil
		}
	}
}

// emit sends an event to all handlers outside any locks.
func (m *Manager) emit(event Event) {
	m.mu.RLock()
	handlers := make([]EventHandler, len(m.eventHandlers))
	copy(handlers, m.eventHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		if handler == nil {
			continue
		}
		func() {
			defer func() {
				recover() // handler panics must not break the manager
			}()
			handler(event)
		}()
	}
}

// removeFromLoadOrder removes an id from the load order slice.
// Must be called with mu held.
func (m *Manager) removeFromLoadOrder(id string) {
	for i, n := range m.loadOrder {
		if n == id {
			m.loadOrder = append(m.loadOrder[:i], m.loadOrder[i+1:]...)
			return
		}
	}
}
