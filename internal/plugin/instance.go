package plugin

import (
	"fmt"

	plua "github.com/ledmatrix/ledmatrix/internal/plugin/lua"
	lua "github.com/yuin/gopher-lua"
)

// Collaborators are the host objects handed to every plugin constructor.
type Collaborators struct {
	Display lua.LValue
	Cache   lua.LValue
	Manager lua.LValue
}

// luaValue returns v, or lua.LNil when unset.
func luaValue(v lua.LValue) lua.LValue {
	if v == nil {
		return lua.LNil
	}
	return v
}

// ExportedClass looks up the manifest-declared class on a loaded entry unit.
// The symbol must exist and be a table with a callable "new" constructor.
func ExportedClass(unit lua.LValue, className string) (*lua.LTable, error) {
	unitTbl, ok := unit.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: entry unit is %s, not a table", ErrClassNotFound, unit.Type())
	}

	sym := unitTbl.RawGetString(className)
	if sym == lua.LNil {
		return nil, fmt.Errorf("%w: %q", ErrClassNotFound, className)
	}

	class, ok := sym.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("%w: %q is %s", ErrNotAClass, className, sym.Type())
	}
	if class.RawGetString("new").Type() != lua.LTFunction {
		return nil, fmt.Errorf("%w: %q has no constructor", ErrNotAClass, className)
	}

	return class, nil
}

// Instance is one constructed plugin object bound to the shared state.
// Its methods surface the fixed capability set every widget class must
// satisfy: update, display, validate_config, get_info.
type Instance struct {
	id     string
	state  *plua.State
	bridge *plua.Bridge
	self   *lua.LTable
}

// Instantiate constructs a plugin instance from its exported class.
// Constructor failures are wrapped and tagged with the plugin id; a
// plugin's constructor error never propagates untagged.
func Instantiate(state *plua.State, class *lua.LTable, id string, config map[string]any, collab Collaborators) (*Instance, error) {
	bridge := plua.NewBridge(state.L)

	ctor := class.RawGetString("new")
	results, err := state.CallFunction(ctor,
		lua.LString(id),
		bridge.ToLua(config),
		luaValue(collab.Display),
		luaValue(collab.Cache),
		luaValue(collab.Manager),
	)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: %w: constructor: %v", id, ErrLoadFailure, err)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("plugin %q: %w: constructor returned nothing", id, ErrLoadFailure)
	}

	self, ok := results[0].(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("plugin %q: %w: constructor returned %s", id, ErrLoadFailure, results[0].Type())
	}

	return &Instance{
		id:     id,
		state:  state,
		bridge: bridge,
		self:   self,
	}, nil
}

// ID returns the plugin id this instance belongs to.
func (inst *Instance) ID() string {
	return inst.id
}

// Update advances the plugin's internal state (self:update()).
func (inst *Instance) Update() error {
	_, err := inst.state.CallMethod(inst.self, "update")
	if err != nil {
		return fmt.Errorf("plugin %q: update: %w", inst.id, err)
	}
	return nil
}

// Display renders the plugin's current content (self:display()).
func (inst *Instance) Display() error {
	_, err := inst.state.CallMethod(inst.self, "display")
	if err != nil {
		return fmt.Errorf("plugin %q: display: %w", inst.id, err)
	}
	return nil
}

// ValidateConfig asks the plugin to validate its configuration slice
// (self:validate_config()). Plugins without the method validate trivially.
func (inst *Instance) ValidateConfig() (bool, error) {
	if !inst.state.HasMethod(inst.self, "validate_config") {
		return true, nil
	}
	results, err := inst.state.CallMethod(inst.self, "validate_config")
	if err != nil {
		return false, fmt.Errorf("plugin %q: validate_config: %w", inst.id, err)
	}
	if len(results) == 0 {
		return true, nil
	}
	return lua.LVAsBool(results[0]), nil
}

// Info returns the plugin's self-reported metadata (self:get_info()).
func (inst *Instance) Info() (map[string]any, error) {
	results, err := inst.state.CallMethod(inst.self, "get_info")
	if err != nil {
		return nil, fmt.Errorf("plugin %q: get_info: %w", inst.id, err)
	}
	if len(results) == 0 {
		return nil, nil
	}
	if m, ok := inst.bridge.ToGo(results[0]).(map[string]any); ok {
		return m, nil
	}
	return nil, nil
}

// OnConfigChange delivers the plugin's new configuration slice
// (self:config_changed(config)). Optional; plugins without the method
// ignore config changes.
func (inst *Instance) OnConfigChange(config map[string]any) error {
	if !inst.state.HasMethod(inst.self, "config_changed") {
		return nil
	}
	_, err := inst.state.CallMethod(inst.self, "config_changed", inst.bridge.ToLua(config))
	if err != nil {
		return fmt.Errorf("plugin %q: config_changed: %w", inst.id, err)
	}
	return nil
}
