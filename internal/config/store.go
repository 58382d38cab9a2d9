package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/ledmatrix/ledmatrix/internal/config/notify"
)

// DefaultMaxVersions bounds the retained version history.
const DefaultMaxVersions = 10

// State is the document state machine: Unloaded until the first successful
// load, then Loaded; a failed reload moves to Error while the last good
// document stays current. The store never becomes document-less after the
// first successful load.
type State int

// Document states.
const (
	StateUnloaded State = iota
	StateLoaded
	StateError
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateUnloaded:
		return "unloaded"
	case StateLoaded:
		return "loaded"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// VersionEntry is one retained historical snapshot of the configuration.
type VersionEntry struct {
	Version   int
	Document  *Document
	Checksum  uint64
	Timestamp time.Time
}

// Store owns the canonical configuration document.
//
// Version numbers are strictly increasing and dense within the retained
// window; version 1 is assigned at the first successful load. Subscriber
// fan-out never runs while the store lock is held, so a slow subscriber
// cannot stall reloads.
type Store struct {
	mu sync.RWMutex

	livePath     string
	secretsPath  string
	templatePath string
	maxVersions  int

	state   State
	doc     *Document
	version int
	history []VersionEntry

	notifier *notify.Notifier
	watcher  *watcher
	logger   *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithSecretsFile sets the secrets overlay path.
func WithSecretsFile(path string) Option {
	return func(s *Store) { s.secretsPath = path }
}

// WithTemplateFile sets the template (defaults) path.
func WithTemplateFile(path string) Option {
	return func(s *Store) { s.templatePath = path }
}

// WithMaxVersions bounds the retained history.
func WithMaxVersions(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxVersions = n
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// New creates a Store over the given live document file.
func New(livePath string, opts ...Option) *Store {
	s := &Store{
		livePath:    livePath,
		maxVersions: DefaultMaxVersions,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.notifier = notify.New(s.logger)
	return s
}

// Load performs the initial document load. Version 1 is assigned on
// success; on failure the store stays Unloaded.
func (s *Store) Load() error {
	doc, err := LoadDocument(s.livePath, s.secretsPath, s.templatePath)
	if err != nil {
		return err
	}
	s.commit(doc)
	return nil
}

// Reload recomputes the merged on-disk document and, if its checksum
// differs from the current version's, makes it current, appends a
// VersionEntry, and notifies subscribers. Returns true only when a change
// was applied. A read or parse failure is logged and leaves the current
// document untouched.
func (s *Store) Reload() bool {
	doc, err := LoadDocument(s.livePath, s.secretsPath, s.templatePath)
	if err != nil {
		s.mu.Lock()
		if s.state == StateLoaded {
			s.state = StateError
		}
		s.mu.Unlock()
		s.logger.Error("config reload failed, keeping current document", "error", err)
		return false
	}

	return s.commit(doc)
}

// commit makes doc current if its checksum differs from the current
// version's, records its version, and fans out notifications after
// releasing the store lock.
func (s *Store) commit(doc *Document) bool {
	s.mu.Lock()
	if s.doc != nil && doc.Checksum() == s.doc.Checksum() {
		s.state = StateLoaded
		s.mu.Unlock()
		return false
	}
	prev := s.doc
	s.version++
	s.history = append(s.history, VersionEntry{
		Version:   s.version,
		Document:  doc,
		Checksum:  doc.Checksum(),
		Timestamp: time.Now(),
	})
	if len(s.history) > s.maxVersions {
		s.history = s.history[len(s.history)-s.maxVersions:]
	}
	s.doc = doc
	s.state = StateLoaded
	version := s.version
	s.mu.Unlock()

	s.logger.Info("config updated", "version", version)
	s.notifier.Publish(doc.Data(), scopedChanges(prev, doc))
	return true
}

// scopedChanges returns the sub-documents of every top-level key whose
// checksum differs between prev and next.
func scopedChanges(prev, next *Document) map[string]map[string]any {
	changed := make(map[string]map[string]any)

	keys := make(map[string]struct{})
	for _, k := range next.Keys() {
		keys[k] = struct{}{}
	}
	if prev != nil {
		for _, k := range prev.Keys() {
			keys[k] = struct{}{}
		}
	}

	for k := range keys {
		var prevSum uint64
		if prev != nil {
			prevSum = prev.KeyChecksum(k)
		}
		if prevSum != next.KeyChecksum(k) {
			changed[k] = next.Key(k)
		}
	}
	return changed
}

// Config returns a copy of the current best-known document contents.
func (s *Store) Config() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.doc == nil {
		return nil
	}
	return s.doc.Data()
}

// Document returns the current document snapshot.
func (s *Store) Document() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// State returns the document state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Version returns the current version number (0 before the first load).
func (s *Store) Version() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// VersionHistory returns the retained version entries, oldest first.
func (s *Store) VersionHistory() []VersionEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]VersionEntry(nil), s.history...)
}

// VersionConfig returns the document contents stored for a version, or nil
// if the version is outside the retained window.
func (s *Store) VersionConfig(version int) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.history {
		if entry.Version == version {
			return entry.Document.Data()
		}
	}
	return nil
}

// Rollback makes a retained version's document current, persisting it to
// the live file. The restored document is recorded as a new version entry,
// keeping history append-only and version numbers dense. Returns false with
// no effect if the version is not retained.
func (s *Store) Rollback(version int) bool {
	s.mu.RLock()
	var target *Document
	for _, entry := range s.history {
		if entry.Version == version {
			target = entry.Document
			break
		}
	}
	s.mu.RUnlock()

	if target == nil {
		return false
	}
	if err := s.persist(target.Data()); err != nil {
		s.logger.Error("config rollback persist failed", "version", version, "error", err)
		return false
	}
	s.Reload()
	return true
}

// Save persists a document to the live file. The write is picked up through
// the same change-detection, versioning, and notification path as a reload.
// Returns false if the document cannot be persisted.
func (s *Store) Save(doc map[string]any) bool {
	if err := s.persist(doc); err != nil {
		s.logger.Error("config save failed", "error", err)
		return false
	}
	s.Reload()
	return true
}

// SetKey sets one dot-separated path in the live document and persists the
// result through the usual change path.
func (s *Store) SetKey(path string, value any) bool {
	raw, err := os.ReadFile(s.livePath)
	if err != nil && !os.IsNotExist(err) {
		s.logger.Error("config set failed", "path", path, "error", err)
		return false
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}

	updated, err := sjson.SetBytes(raw, path, value)
	if err != nil {
		s.logger.Error("config set failed", "path", path, "error", err)
		return false
	}
	if err := os.WriteFile(s.livePath, updated, 0o644); err != nil {
		s.logger.Error("config set failed", "path", path, "error", err)
		return false
	}
	s.Reload()
	return true
}

// Subscribe registers a global change observer.
func (s *Store) Subscribe(observer notify.Observer) *notify.Subscription {
	return s.notifier.Subscribe(observer)
}

// SubscribeScoped registers an observer for one plugin's top-level key.
func (s *Store) SubscribeScoped(pluginID string, observer notify.Observer) *notify.Subscription {
	return s.notifier.SubscribeScoped(pluginID, observer)
}

// Unsubscribe removes an observer from every scope.
func (s *Store) Unsubscribe(observer notify.Observer) {
	s.notifier.Unsubscribe(observer)
}

// persist writes document contents to the live file.
func (s *Store) persist(data map[string]any) error {
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.livePath, append(raw, '\n'), 0o644)
}
