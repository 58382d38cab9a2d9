// Package config owns the canonical configuration document for the runtime.
//
// The document is merged from three layers (template defaults, the live
// file, and a secrets overlay), change-detected by content checksum, kept in
// a bounded version history with rollback, and fanned out to subscribers on
// change. A background watcher polls the backing files and reloads when
// their merged content changes.
package config
