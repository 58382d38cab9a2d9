package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// dirPrefix is the conventional prefix for plugin repository checkouts
// (e.g. "ledmatrix-clock" for the "clock" plugin).
const dirPrefix = "ledmatrix-"

// Resolver locates a plugin's on-disk directory given its identifier.
type Resolver struct {
	// Root directory containing plugin directories.
	root string

	// Known explicit id -> directory mappings, checked first.
	known map[string]string
}

// NewResolver creates a resolver over the given plugins root.
func NewResolver(root string) *Resolver {
	return &Resolver{
		root:  root,
		known: make(map[string]string),
	}
}

// SetKnown records an explicit directory for a plugin id.
// The mapping is only honored while the directory exists on disk.
func (r *Resolver) SetKnown(id, dir string) {
	r.known[id] = dir
}

// Resolve returns the directory for the given plugin id.
// Resolution order, first match wins:
//  1. explicit known mapping, if the directory still exists
//  2. <root>/<id>
//  3. <root>/ledmatrix-<id>
//  4. case-insensitive match of either form against directory names
//  5. manifest scan: any remaining directory whose manifest declares the id
//
// Returns ErrPluginNotFound if no strategy matches.
func (r *Resolver) Resolve(id string) (string, error) {
	if dir, ok := r.known[id]; ok {
		if isDir(dir) {
			return dir, nil
		}
	}

	if dir := filepath.Join(r.root, id); isDir(dir) {
		return dir, nil
	}

	if dir := filepath.Join(r.root, dirPrefix+id); isDir(dir) {
		return dir, nil
	}

	entries, err := os.ReadDir(r.root)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrPluginNotFound, id)
	}

	// Case-insensitive match of either form.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.EqualFold(name, id) || strings.EqualFold(name, dirPrefix+id) {
			return filepath.Join(r.root, name), nil
		}
	}

	// Manifest scan. Parse failures are skipped, not fatal.
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, entry.Name())
		m, err := LoadManifest(filepath.Join(dir, ManifestFileName))
		if err != nil {
			continue
		}
		if m.Name == id {
			return dir, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrPluginNotFound, id)
}

// isDir reports whether path exists and is a directory.
func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
