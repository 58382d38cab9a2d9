// Package api provides the host modules exposed to plugins.
//
// Modules are preloaded into the shared Lua state under dotted names
// ("matrix.color", "matrix.util") before any plugin loads. Dotted names are
// never subject to the loader's bare-name isolation, so every plugin
// requires the same host module instance.
package api
