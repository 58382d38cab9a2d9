package plugin

import (
	"errors"
	"strings"
	"testing"

	lua "github.com/yuin/gopher-lua"

	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
)

const widgetSource = `
	local M = {}

	local Clock = {}
	Clock.__index = Clock

	function Clock.new(id, config, display, cache, manager)
		local self = setmetatable({}, Clock)
		self.id = id
		self.config = config or {}
		self.ticks = 0
		self.shown = 0
		return self
	end

	function Clock:update()
		self.ticks = self.ticks + 1
	end

	function Clock:display()
		self.shown = self.shown + 1
	end

	function Clock:validate_config()
		return self.config.format ~= nil
	end

	function Clock:get_info()
		return { id = self.id, ticks = self.ticks }
	end

	function Clock:config_changed(config)
		self.config = config or {}
	end

	M.Clock = Clock
	return M
`

// loadWidget loads the test widget and returns its entry unit.
func loadWidget(t *testing.T, src string) (*plua.State, lua.LValue) {
	t.Helper()
	state := plua.NewState()
	t.Cleanup(func() { state.Close() })

	iso := NewIsolator(state, NewRegistry(), nil)
	dir := writePlugin(t, t.TempDir(), "clock", map[string]string{"init.lua": src})
	unit, err := iso.Load("clock", dir, "init.lua")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	return state, unit
}

func TestExportedClass(t *testing.T) {
	_, unit := loadWidget(t, widgetSource)

	class, err := ExportedClass(unit, "Clock")
	if err != nil {
		t.Fatalf("ExportedClass: %v", err)
	}
	if class.RawGetString("new").Type() != lua.LTFunction {
		t.Error("exported class lost its constructor")
	}
}

func TestExportedClass_Errors(t *testing.T) {
	_, unit := loadWidget(t, widgetSource)

	tests := []struct {
		name      string
		unit      lua.LValue
		className string
		wantErr   error
	}{
		{"unknown symbol", unit, "Missing", ErrClassNotFound},
		{"unit not a table", lua.LString("nope"), "Clock", ErrClassNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ExportedClass(tt.unit, tt.className); !errors.Is(err, tt.wantErr) {
				t.Errorf("ExportedClass = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestExportedClass_NotAClass(t *testing.T) {
	_, unit := loadWidget(t, `
		local M = {}
		M.NotATable = 42
		M.NoCtor = {}
		return M
	`)

	if _, err := ExportedClass(unit, "NotATable"); !errors.Is(err, ErrNotAClass) {
		t.Errorf("non-table symbol: %v, want ErrNotAClass", err)
	}
	if _, err := ExportedClass(unit, "NoCtor"); !errors.Is(err, ErrNotAClass) {
		t.Errorf("table without new: %v, want ErrNotAClass", err)
	}
}

func TestInstantiate(t *testing.T) {
	state, unit := loadWidget(t, widgetSource)
	class, err := ExportedClass(unit, "Clock")
	if err != nil {
		t.Fatalf("ExportedClass: %v", err)
	}

	inst, err := Instantiate(state, class, "clock", map[string]any{"format": "24h"}, Collaborators{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}
	if inst.ID() != "clock" {
		t.Errorf("ID() = %q, want clock", inst.ID())
	}

	// The fixed capability set round-trips through the instance.
	if err := inst.Update(); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := inst.Display(); err != nil {
		t.Fatalf("Display: %v", err)
	}

	valid, err := inst.ValidateConfig()
	if err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if !valid {
		t.Error("ValidateConfig = false, config has format set")
	}

	info, err := inst.Info()
	if err != nil {
		t.Fatalf("Info: %v", err)
	}
	if info["id"] != "clock" {
		t.Errorf("info.id = %v, want clock", info["id"])
	}
	if info["ticks"] != int64(1) {
		t.Errorf("info.ticks = %v, want 1", info["ticks"])
	}
}

func TestInstantiate_ConstructorError(t *testing.T) {
	state, unit := loadWidget(t, `
		local M = {}
		M.Clock = {
			new = function() error("constructor exploded") end,
		}
		return M
	`)
	class, err := ExportedClass(unit, "Clock")
	if err != nil {
		t.Fatalf("ExportedClass: %v", err)
	}

	_, err = Instantiate(state, class, "clock", nil, Collaborators{})
	if !errors.Is(err, ErrLoadFailure) {
		t.Fatalf("Instantiate = %v, want ErrLoadFailure", err)
	}
	// The failure carries the plugin id, never a bare Lua error.
	if !strings.Contains(err.Error(), `"clock"`) {
		t.Errorf("error %q does not name the plugin", err)
	}
}

func TestInstantiate_ConstructorReturnsNothing(t *testing.T) {
	state, unit := loadWidget(t, `
		local M = {}
		M.Clock = { new = function() end }
		return M
	`)
	class, _ := ExportedClass(unit, "Clock")

	if _, err := Instantiate(state, class, "clock", nil, Collaborators{}); !errors.Is(err, ErrLoadFailure) {
		t.Errorf("Instantiate = %v, want ErrLoadFailure", err)
	}
}

func TestInstance_OptionalMethods(t *testing.T) {
	state, unit := loadWidget(t, `
		local M = {}
		local Minimal = {}
		Minimal.__index = Minimal
		function Minimal.new()
			return setmetatable({}, Minimal)
		end
		function Minimal:update() end
		function Minimal:display() end
		M.Minimal = Minimal
		return M
	`)
	class, _ := ExportedClass(unit, "Minimal")
	inst, err := Instantiate(state, class, "min", nil, Collaborators{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	// Widgets without validate_config validate trivially; widgets without
	// config_changed ignore config updates.
	valid, err := inst.ValidateConfig()
	if err != nil || !valid {
		t.Errorf("ValidateConfig = %v, %v; want true, nil", valid, err)
	}
	if err := inst.OnConfigChange(map[string]any{"x": 1}); err != nil {
		t.Errorf("OnConfigChange: %v", err)
	}
}

func TestInstance_OnConfigChange(t *testing.T) {
	state, unit := loadWidget(t, widgetSource)
	class, _ := ExportedClass(unit, "Clock")
	inst, err := Instantiate(state, class, "clock", map[string]any{"format": "24h"}, Collaborators{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	if err := inst.OnConfigChange(map[string]any{}); err != nil {
		t.Fatalf("OnConfigChange: %v", err)
	}

	// The widget's validate_config sees the new (format-less) config.
	valid, err := inst.ValidateConfig()
	if err != nil {
		t.Fatalf("ValidateConfig: %v", err)
	}
	if valid {
		t.Error("ValidateConfig = true, want false after config change")
	}
}

func TestInstance_MethodError(t *testing.T) {
	state, unit := loadWidget(t, `
		local M = {}
		local Bad = {}
		Bad.__index = Bad
		function Bad.new() return setmetatable({}, Bad) end
		function Bad:update() error("update failed") end
		function Bad:display() end
		M.Bad = Bad
		return M
	`)
	class, _ := ExportedClass(unit, "Bad")
	inst, err := Instantiate(state, class, "bad", nil, Collaborators{})
	if err != nil {
		t.Fatalf("Instantiate: %v", err)
	}

	err = inst.Update()
	if err == nil {
		t.Fatal("Update should surface the Lua error")
	}
	if !strings.Contains(err.Error(), `"bad"`) {
		t.Errorf("error %q does not name the plugin", err)
	}
}
