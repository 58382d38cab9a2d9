package plugin

import "errors"

// Plugin runtime errors.
var (
	// ErrPluginNotFound is returned when a plugin directory cannot be located.
	ErrPluginNotFound = errors.New("plugin not found")

	// ErrNoEntryPoint is returned when a plugin's entry Lua file is missing.
	ErrNoEntryPoint = errors.New("plugin entry file not found")

	// ErrLoadFailure is returned when executing a plugin's entry file fails.
	// The shared module table is rolled back to its pre-load state.
	ErrLoadFailure = errors.New("plugin load failed")

	// ErrClassNotFound is returned when the manifest-declared class is not
	// exported by the plugin's entry unit.
	ErrClassNotFound = errors.New("plugin class not found")

	// ErrNotAClass is returned when the exported symbol exists but is not a
	// constructible class table.
	ErrNotAClass = errors.New("exported symbol is not a class")

	// ErrAlreadyLoaded is returned when loading a plugin that is already
	// registered with the manager.
	ErrAlreadyLoaded = errors.New("plugin is already loaded")

	// ErrNotLoaded is returned when operating on a plugin that is not loaded.
	ErrNotLoaded = errors.New("plugin is not loaded")
)
