package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Settings is the runtime's own configuration, read from a TOML file.
// It is distinct from the hot-reloadable widget configuration document,
// which the config store owns.
type Settings struct {
	// PluginsRoot is the directory containing plugin directories.
	PluginsRoot string `toml:"plugins_root"`

	// Plugins are the plugin ids to load at startup.
	Plugins []string `toml:"plugins"`

	// ConfigFile is the live widget configuration document.
	ConfigFile string `toml:"config_file"`

	// SecretsFile is merged over the live document (optional).
	SecretsFile string `toml:"secrets_file"`

	// TemplateFile supplies defaults for missing keys (optional).
	TemplateFile string `toml:"template_file"`

	// MaxVersions bounds the retained config version history.
	MaxVersions int `toml:"max_versions"`

	// PollIntervalSeconds is the hot-reload polling interval.
	PollIntervalSeconds int `toml:"poll_interval_seconds"`

	// TickMillis is the widget update/display cycle period.
	TickMillis int `toml:"tick_millis"`

	// MaxParallel bounds concurrent plugin loads.
	MaxParallel int `toml:"max_parallel"`

	// InstallTimeoutSeconds bounds one dependency installation run.
	InstallTimeoutSeconds int `toml:"install_timeout_seconds"`
}

// DefaultSettings returns the runtime defaults.
func DefaultSettings() Settings {
	return Settings{
		PluginsRoot:           "plugins",
		ConfigFile:            "config.json",
		TemplateFile:          "config.json.template",
		MaxVersions:           10,
		PollIntervalSeconds:   2,
		TickMillis:            1000,
		MaxParallel:           4,
		InstallTimeoutSeconds: 120,
	}
}

// PollInterval returns the hot-reload polling interval.
func (s Settings) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

// TickInterval returns the widget cycle period.
func (s Settings) TickInterval() time.Duration {
	return time.Duration(s.TickMillis) * time.Millisecond
}

// InstallTimeout returns the dependency installation timeout.
func (s Settings) InstallTimeout() time.Duration {
	return time.Duration(s.InstallTimeoutSeconds) * time.Second
}

// LoadSettings reads settings from a TOML file, applying defaults for
// anything the file leaves unset. A missing file yields the defaults.
func LoadSettings(path string) (Settings, error) {
	s := DefaultSettings()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return s, fmt.Errorf("reading settings %s: %w", path, err)
	}

	if err := toml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parsing settings %s: %w", path, err)
	}
	return s, nil
}
