package plugin

// State represents the lifecycle state of a plugin.
type State int

// Plugin states.
const (
	// StateUnloaded - Plugin is not loaded.
	StateUnloaded State = iota

	// StateLoaded - Plugin code is loaded and isolated but not instantiated.
	StateLoaded

	// StateRunning - Plugin is instantiated and receiving updates.
	StateRunning

	// StateError - Plugin encountered an error.
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// IsUsable returns true if the plugin can serve requests.
func (s State) IsUsable() bool {
	return s == StateLoaded || s == StateRunning
}
