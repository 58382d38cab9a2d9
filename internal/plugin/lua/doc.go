// Package lua provides the shared Lua runtime for the plugin system.
//
// All plugins execute inside a single sandboxed state. The state's module
// registry (package.loaded) is therefore shared across plugins, and the
// loader in the parent package is responsible for keeping identically-named
// plugin modules from colliding in it.
package lua
