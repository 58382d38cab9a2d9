package plugin

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

// ManifestFileName is the manifest file expected in every plugin directory.
const ManifestFileName = "plugin.json"

// Manifest describes a plugin's metadata and entry contract.
type Manifest struct {
	// Identity
	Name        string `json:"name"`        // Unique identifier (e.g., "clock")
	Version     string `json:"version"`     // Semver (e.g., "1.2.0")
	Description string `json:"description"` // Short description
	Author      string `json:"author"`      // Author name or org

	// Entry point
	EntryPoint string `json:"entry_point"` // Relative path to entry Lua file (default: "init.lua")
	ClassName  string `json:"class_name"`  // Exported class constructed per instance

	// Dependencies is the relative path to a dependency declaration file.
	// Empty means the plugin has no external dependencies.
	Dependencies string `json:"dependencies,omitempty"`

	// Internal: path to the plugin directory
	path string
}

// Validation errors.
var (
	ErrMissingName      = errors.New("manifest: name is required")
	ErrInvalidName      = errors.New("manifest: name must be alphanumeric with hyphens or underscores")
	ErrMissingClassName = errors.New("manifest: class_name is required")
	ErrInvalidEntry     = errors.New("manifest: entry_point must be a .lua file")
)

// namePattern validates plugin identifiers.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*[a-z0-9]$|^[a-z]$`)

// LoadManifest reads and validates a manifest from the given path.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", path, err)
	}

	m.path = filepath.Dir(path)
	m.applyDefaults()

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// NewManifestMinimal creates a manifest with defaults for a plugin that has
// no manifest file on disk.
func NewManifestMinimal(name, path string) *Manifest {
	m := &Manifest{
		Name: name,
		path: path,
	}
	m.applyDefaults()
	return m
}

// applyDefaults fills in defaulted fields.
func (m *Manifest) applyDefaults() {
	if m.EntryPoint == "" {
		m.EntryPoint = "init.lua"
	}
}

// Validate checks the manifest for correctness.
func (m *Manifest) Validate() error {
	if m.Name == "" {
		return ErrMissingName
	}
	if !namePattern.MatchString(m.Name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, m.Name)
	}
	if m.ClassName == "" {
		return ErrMissingClassName
	}
	if filepath.Ext(m.EntryPoint) != ".lua" {
		return fmt.Errorf("%w: %q", ErrInvalidEntry, m.EntryPoint)
	}
	return nil
}

// Path returns the plugin directory this manifest was loaded from.
func (m *Manifest) Path() string {
	return m.path
}

// EntryPath returns the absolute path to the plugin's entry file.
func (m *Manifest) EntryPath() string {
	return filepath.Join(m.path, m.EntryPoint)
}

// DependencyPath returns the absolute path to the dependency declaration
// file, or "" if the plugin declares none.
func (m *Manifest) DependencyPath() string {
	if m.Dependencies == "" {
		return ""
	}
	return filepath.Join(m.path, m.Dependencies)
}
