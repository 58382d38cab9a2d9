// Package notify provides change notification for configuration updates.
//
// Subscribers are either global (notified on any document change) or scoped
// to a plugin id (notified only when that plugin's slice of the document
// changed). Subscriptions have set semantics: re-subscribing the same
// callback within the same scope is a no-op.
package notify

import (
	"log/slog"
	"reflect"
	"sync"
)

// GlobalScope is the scope of subscribers notified on every change.
const GlobalScope = ""

// Observer is called with the new document (global scope) or the
// subscriber's sub-document (plugin scope). No return value is expected.
type Observer func(doc map[string]any)

// Subscription represents an active observer registration.
type Subscription struct {
	scope    string
	key      uintptr
	notifier *Notifier
}

// Scope returns the subscription's scope ("" for global).
func (s *Subscription) Scope() string {
	return s.scope
}

// Unsubscribe removes this subscription.
func (s *Subscription) Unsubscribe() {
	if s.notifier != nil {
		s.notifier.remove(s.scope, s.key)
	}
}

// Notifier manages configuration change subscriptions.
type Notifier struct {
	mu sync.RWMutex

	// observers maps scope -> callback identity -> observer.
	// Identity is the callback's code pointer, which gives the set
	// semantics the subscribe contract requires.
	observers map[string]map[uintptr]Observer

	logger *slog.Logger
}

// New creates a Notifier.
func New(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		observers: make(map[string]map[uintptr]Observer),
		logger:    logger,
	}
}

// Subscribe registers a global observer notified on every change.
// Subscribing an already-registered callback returns the existing
// registration unchanged.
func (n *Notifier) Subscribe(observer Observer) *Subscription {
	return n.subscribe(GlobalScope, observer)
}

// SubscribeScoped registers an observer notified only when the given
// plugin's top-level config key changes.
func (n *Notifier) SubscribeScoped(pluginID string, observer Observer) *Subscription {
	return n.subscribe(pluginID, observer)
}

func (n *Notifier) subscribe(scope string, observer Observer) *Subscription {
	if observer == nil {
		return &Subscription{}
	}

	key := reflect.ValueOf(observer).Pointer()

	n.mu.Lock()
	defer n.mu.Unlock()

	scoped := n.observers[scope]
	if scoped == nil {
		scoped = make(map[uintptr]Observer)
		n.observers[scope] = scoped
	}
	// Set semantics: an identical callback in the same scope is a no-op.
	if _, exists := scoped[key]; !exists {
		scoped[key] = observer
	}

	return &Subscription{scope: scope, key: key, notifier: n}
}

// Unsubscribe removes a callback from every scope it is registered in.
// Removing an unknown callback is a no-op.
func (n *Notifier) Unsubscribe(observer Observer) {
	if observer == nil {
		return
	}
	key := reflect.ValueOf(observer).Pointer()

	n.mu.Lock()
	defer n.mu.Unlock()

	for scope, scoped := range n.observers {
		delete(scoped, key)
		if len(scoped) == 0 {
			delete(n.observers, scope)
		}
	}
}

func (n *Notifier) remove(scope string, key uintptr) {
	n.mu.Lock()
	defer n.mu.Unlock()

	scoped := n.observers[scope]
	delete(scoped, key)
	if len(scoped) == 0 {
		delete(n.observers, scope)
	}
}

// Count returns the number of registered observers in a scope.
func (n *Notifier) Count(scope string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.observers[scope])
}

// Publish notifies subscribers of a document change. Every global observer
// receives the full document; scoped observers receive their sub-document,
// but only for the scopes present in changed. Callbacks run outside the
// notifier lock, each isolated: a panicking subscriber is logged and does
// not prevent the rest of the fan-out.
func (n *Notifier) Publish(full map[string]any, changed map[string]map[string]any) {
	type delivery struct {
		scope string
		obs   Observer
		doc   map[string]any
	}

	n.mu.RLock()
	var deliveries []delivery
	for _, obs := range n.observers[GlobalScope] {
		deliveries = append(deliveries, delivery{scope: GlobalScope, obs: obs, doc: full})
	}
	for scope, doc := range changed {
		for _, obs := range n.observers[scope] {
			deliveries = append(deliveries, delivery{scope: scope, obs: obs, doc: doc})
		}
	}
	n.mu.RUnlock()

	for _, d := range deliveries {
		n.deliver(d.scope, d.obs, d.doc)
	}
}

// deliver invokes one observer with panic isolation.
func (n *Notifier) deliver(scope string, obs Observer, doc map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Error("config subscriber panicked",
				"scope", scope, "panic", r)
		}
	}()
	obs(doc)
}
