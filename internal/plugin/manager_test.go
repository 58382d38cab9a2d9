package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/ledmatrix/ledmatrix/internal/config"
	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
)

const managedWidgetSource = `
	local M = {}

	local Widget = {}
	Widget.__index = Widget

	function Widget.new(id, config, display, cache, manager)
		local self = setmetatable({}, Widget)
		self.id = id
		self.config = config or {}
		self.ticks = 0
		return self
	end

	function Widget:update()
		self.ticks = self.ticks + 1
	end

	function Widget:display() end

	function Widget:get_info()
		return { ticks = self.ticks, format = self.config.format }
	end

	function Widget:config_changed(config)
		self.config = config or {}
	end

	M.Widget = Widget
	return M
`

// installPlugin creates a resolvable plugin directory with a manifest.
func installPlugin(t *testing.T, root, id, className, source string) {
	t.Helper()
	dir := writePlugin(t, root, id, map[string]string{"init.lua": source})
	writeManifest(t, dir, map[string]any{
		"name":       id,
		"version":    "1.0.0",
		"class_name": className,
	})
}

// newManager builds a manager over a fresh state and config store.
func newManager(t *testing.T, root string, cfg map[string]any) (*Manager, *config.Store) {
	t.Helper()

	live := filepath.Join(t.TempDir(), "config.json")
	raw, err := json.Marshal(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(live, raw, 0o644); err != nil {
		t.Fatal(err)
	}
	store := config.New(live)
	if err := store.Load(); err != nil {
		t.Fatalf("store load: %v", err)
	}

	state := plua.NewState()
	t.Cleanup(func() { state.Close() })

	mgr := NewManager(state, store, Collaborators{},
		DefaultManagerConfig(root), nil)
	return mgr, store
}

func TestManager_Load(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{
		"clock": map[string]any{"format": "24h"},
	})

	inst, err := mgr.Load(context.Background(), "clock")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if mgr.Count() != 1 {
		t.Errorf("Count = %d, want 1", mgr.Count())
	}
	if got, ok := mgr.Get("clock"); !ok || got != inst {
		t.Error("Get did not return the loaded instance")
	}

	// The constructor received the plugin's top-level config key.
	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["format"] != "24h" {
		t.Errorf("widget config format = %v, want 24h", info["format"])
	}
}

func TestManager_LoadDuplicate(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := mgr.Load(context.Background(), "clock"); !errors.Is(err, ErrAlreadyLoaded) {
		t.Errorf("second Load = %v, want ErrAlreadyLoaded", err)
	}
}

func TestManager_LoadNotFound(t *testing.T) {
	mgr, _ := newManager(t, t.TempDir(), map[string]any{})

	if _, err := mgr.Load(context.Background(), "ghost"); !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("Load = %v, want ErrPluginNotFound", err)
	}
	if mgr.Count() != 0 {
		t.Errorf("Count = %d, want 0", mgr.Count())
	}
}

func TestManager_LoadFailureReleasesSlot(t *testing.T) {
	root := t.TempDir()
	// Manifest names a class the entry unit does not export.
	installPlugin(t, root, "clock", "Nope", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	if _, err := mgr.Load(context.Background(), "clock"); !errors.Is(err, ErrClassNotFound) {
		t.Fatalf("Load = %v, want ErrClassNotFound", err)
	}
	if mgr.Count() != 0 {
		t.Errorf("Count = %d, want 0 after failure", mgr.Count())
	}

	// The failed load left nothing behind; fixing the manifest and
	// retrying works.
	writeManifest(t, filepath.Join(root, "clock"), map[string]any{
		"name":       "clock",
		"version":    "1.0.0",
		"class_name": "Widget",
	})
	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("retry Load: %v", err)
	}
}

func TestManager_LoadAllPartialFailure(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)
	installPlugin(t, root, "weather", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})

	err := mgr.LoadAll(context.Background(), []string{"clock", "ghost", "weather"})
	if err == nil {
		t.Fatal("LoadAll should report the missing plugin")
	}
	if !errors.Is(err, ErrPluginNotFound) {
		t.Errorf("LoadAll error = %v, want to wrap ErrPluginNotFound", err)
	}

	// The failure stayed local; both real plugins are up.
	if mgr.Count() != 2 {
		t.Errorf("Count = %d, want 2", mgr.Count())
	}
	for _, id := range []string{"clock", "weather"} {
		if _, ok := mgr.Get(id); !ok {
			t.Errorf("plugin %s not loaded", id)
		}
	}
}

func TestManager_Unload(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("Load: %v", err)
	}

	mgr.Unload("clock")

	if mgr.Count() != 0 {
		t.Errorf("Count = %d, want 0", mgr.Count())
	}
	if _, ok := mgr.Get("clock"); ok {
		t.Error("Get should fail after unload")
	}
	if mgr.isolator.Loaded("clock") {
		t.Error("module table still holds the unloaded plugin")
	}

	// Idempotent, and loading again afterwards works.
	mgr.Unload("clock")
	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("reload after unload: %v", err)
	}
}

func TestManager_UnloadAllReverseOrder(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "first", "Widget", managedWidgetSource)
	installPlugin(t, root, "second", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	for _, id := range []string{"first", "second"} {
		if _, err := mgr.Load(context.Background(), id); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}

	var mu sync.Mutex
	var unloaded []string
	mgr.OnEvent(func(e Event) {
		if e.Type == EventUnloaded {
			mu.Lock()
			unloaded = append(unloaded, e.Plugin)
			mu.Unlock()
		}
	})

	mgr.UnloadAll()

	if len(unloaded) != 2 || unloaded[0] != "second" || unloaded[1] != "first" {
		t.Errorf("unload order = %v, want [second first]", unloaded)
	}
	if mgr.Count() != 0 {
		t.Errorf("Count = %d, want 0", mgr.Count())
	}
}

func TestManager_Reload(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})

	if err := mgr.Reload(context.Background(), "clock"); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Reload of unloaded plugin = %v, want ErrNotLoaded", err)
	}

	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := mgr.Reload(context.Background(), "clock"); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if mgr.Count() != 1 {
		t.Errorf("Count = %d, want 1 after reload", mgr.Count())
	}
}

func TestManager_Tick(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	inst, err := mgr.Load(context.Background(), "clock")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	mgr.Tick()
	mgr.Tick()

	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["ticks"] != int64(2) {
		t.Errorf("ticks = %v, want 2", info["ticks"])
	}
}

func TestManager_TickIsolatesFailures(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "bad", "Widget", `
		local M = {}
		local Widget = {}
		Widget.__index = Widget
		function Widget.new() return setmetatable({}, Widget) end
		function Widget:update() error("tick failure") end
		function Widget:display() end
		M.Widget = Widget
		return M
	`)
	installPlugin(t, root, "good", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	for _, id := range []string{"bad", "good"} {
		if _, err := mgr.Load(context.Background(), id); err != nil {
			t.Fatalf("Load %s: %v", id, err)
		}
	}

	mgr.Tick()

	inst, _ := mgr.Get("good")
	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["ticks"] != int64(1) {
		t.Errorf("good widget ticks = %v, want 1 despite failing sibling", info["ticks"])
	}
}

func TestManager_State(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "bad", "Widget", `
		local M = {}
		local Widget = {}
		Widget.__index = Widget
		function Widget.new() return setmetatable({}, Widget) end
		function Widget:update() error("tick failure") end
		function Widget:display() end
		M.Widget = Widget
		return M
	`)

	mgr, _ := newManager(t, root, map[string]any{})

	if mgr.State("bad") != StateUnloaded {
		t.Errorf("State before load = %v, want unloaded", mgr.State("bad"))
	}

	if _, err := mgr.Load(context.Background(), "bad"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s := mgr.State("bad"); s != StateRunning || !s.IsUsable() {
		t.Errorf("State after load = %v, want running", s)
	}

	mgr.Tick()
	if s := mgr.State("bad"); s != StateError || s.IsUsable() {
		t.Errorf("State after failing tick = %v, want error", s)
	}
}

func TestManager_ConfigChangeReachesPlugin(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, store := newManager(t, root, map[string]any{
		"clock": map[string]any{"format": "24h"},
	})
	inst, err := mgr.Load(context.Background(), "clock")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if !store.SetKey("clock.format", "12h") {
		t.Fatal("SetKey failed")
	}

	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["format"] != "12h" {
		t.Errorf("widget config format = %v, want hot-reloaded 12h", info["format"])
	}
}

func TestManager_UnloadStopsConfigDelivery(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, store := newManager(t, root, map[string]any{
		"clock": map[string]any{"format": "24h"},
	})
	inst, err := mgr.Load(context.Background(), "clock")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	mgr.Unload("clock")

	if !store.SetKey("clock.format", "12h") {
		t.Fatal("SetKey failed")
	}

	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["format"] != "24h" {
		t.Errorf("unloaded widget saw config change, format = %v", info["format"])
	}
}

func TestManager_Events(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})

	var mu sync.Mutex
	var events []Event
	unsubscribe := mgr.OnEvent(func(e Event) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	})

	mgr.Load(context.Background(), "clock")
	mgr.Load(context.Background(), "ghost")
	mgr.Unload("clock")

	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[0].Type != EventLoaded || events[0].Plugin != "clock" {
		t.Errorf("events[0] = %+v, want clock loaded", events[0])
	}
	if events[1].Type != EventError || events[1].Plugin != "ghost" || events[1].Error == nil {
		t.Errorf("events[1] = %+v, want ghost error", events[1])
	}
	if events[2].Type != EventUnloaded || events[2].Plugin != "clock" {
		t.Errorf("events[2] = %+v, want clock unloaded", events[2])
	}

	// After unsubscribing, no further events arrive.
	unsubscribe()
	installPlugin(t, root, "weather", "Widget", managedWidgetSource)
	mgr.Load(context.Background(), "weather")
	if len(events) != 3 {
		t.Errorf("got %d events after unsubscribe, want 3", len(events))
	}
}

func TestManager_EventHandlerPanicIsolated(t *testing.T) {
	root := t.TempDir()
	installPlugin(t, root, "clock", "Widget", managedWidgetSource)

	mgr, _ := newManager(t, root, map[string]any{})
	mgr.OnEvent(func(Event) { panic("handler bug") })

	var called bool
	mgr.OnEvent(func(Event) { called = true })

	if _, err := mgr.Load(context.Background(), "clock"); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !called {
		t.Error("second handler not called after first panicked")
	}
}
