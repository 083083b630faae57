// Package model implements the typed resource-model facade over the
// replicated keystore: applications, service hosts and their webhook
// watchers, with the validation rules the REST front-end relies on.
package model

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jrydberg/nesoi/internal/clock"
)

const (
	appPrefix     = "app:"
	servicePrefix = "srv:"
	watcherPrefix = "watcher:"
)

// Store is the subset of internal/store.Store the model depends on.
type Store interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage) error
	Delete(key string) error
	Keys(prefixGlob string) []string
	TimestampOf(key string) (uint64, bool)
}

// ValidationError reports a structural problem with a write body.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// NotFoundError reports that a referenced key is absent or tombstoned.
type NotFoundError struct {
	Msg string
}

func (e *NotFoundError) Error() string { return e.Msg }

// AlreadyExistsError reports a watcher creation conflict.
type AlreadyExistsError struct {
	Msg string
}

func (e *AlreadyExistsError) Error() string { return e.Msg }

// Watcher is a webhook subscription record.
type Watcher struct {
	Hookname string `json:"-"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
	Pattern  string `json:"pattern"`
	URI      string `json:"uri"`
	LastHit  uint64 `json:"last-hit"`
}

// Model is the typed facade over the replicated keystore.
type Model struct {
	store Store
	clock clock.Clock
}

// New creates a Model backed by store, stamping every write with c.
func New(store Store, c clock.Clock) *Model {
	return &Model{store: store, clock: c}
}

func appKey(name string) string { return appPrefix + name }

func hostKey(svc, host string) string { return fmt.Sprintf("%s%s:%s", servicePrefix, svc, host) }

func watcherKey(pattern, hookname string) string {
	return fmt.Sprintf("%s%s:%s", watcherPrefix, pattern, hookname)
}

// Apps returns the names of all non-deleted applications.
func (m *Model) Apps() []string {
	keys := m.store.Keys(appPrefix)
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, strings.TrimPrefix(k, appPrefix))
	}
	return names
}

// App returns the document stored for name.
func (m *Model) App(name string) (map[string]interface{}, error) {
	return m.getDocument(appKey(name), "app", name)
}

// SetApp creates or updates an application's config document.
func (m *Model) SetApp(name string, doc map[string]interface{}) error {
	if doc == nil || doc["config"] == nil {
		return validationErrorf("app %q: missing config", name)
	}
	doc["updated_at"] = m.clock.Next()
	return m.putDocument(appKey(name), doc)
}

// DelApp tombstones an application.
func (m *Model) DelApp(name string) error {
	return m.delDocument(appKey(name), "app", name)
}

// Services returns the distinct service names that have at least one
// non-deleted host.
func (m *Model) Services() []string {
	keys := m.store.Keys(servicePrefix)
	seen := map[string]bool{}
	var names []string
	for _, k := range keys {
		rest := strings.TrimPrefix(k, servicePrefix)
		svc, _, ok := strings.Cut(rest, ":")
		if !ok {
			continue
		}
		if !seen[svc] {
			seen[svc] = true
			names = append(names, svc)
		}
	}
	return names
}

// Hosts returns the non-deleted host names registered under svc.
func (m *Model) Hosts(svc string) []string {
	prefix := servicePrefix + svc + ":"
	keys := m.store.Keys(prefix)
	hosts := make([]string, 0, len(keys))
	for _, k := range keys {
		hosts = append(hosts, strings.TrimPrefix(k, prefix))
	}
	return hosts
}

// Host returns the document stored for svc/host.
func (m *Model) Host(svc, host string) (map[string]interface{}, error) {
	return m.getDocument(hostKey(svc, host), "host", svc+"/"+host)
}

// SetHost creates or updates a service host's endpoint document.
func (m *Model) SetHost(svc, host string, doc map[string]interface{}) error {
	if doc == nil || doc["endpoints"] == nil {
		return validationErrorf("host %s/%s: missing endpoints", svc, host)
	}
	doc["updated_at"] = m.clock.Next()
	return m.putDocument(hostKey(svc, host), doc)
}

// DelHost tombstones a service host.
func (m *Model) DelHost(svc, host string) error {
	return m.delDocument(hostKey(svc, host), "host", svc+"/"+host)
}

// WatchApp registers a new webhook watcher on app:<name>. If hookname is
// empty it defaults to the watcher's own declared name. Fails with
// AlreadyExistsError if the watcher already exists. Returns the hookname
// used.
func (m *Model) WatchApp(name string, doc map[string]interface{}, hookname string) (string, error) {
	return m.watch(appKey(name), doc, hookname, false)
}

// SetAppWatcher creates or replaces the app watcher identified by
// hookname.
func (m *Model) SetAppWatcher(name string, doc map[string]interface{}, hookname string) error {
	_, err := m.watch(appKey(name), doc, hookname, true)
	return err
}

// UnwatchApp removes a previously registered app watcher.
func (m *Model) UnwatchApp(hookname, name string) error {
	return m.unwatch(appKey(name), hookname)
}

// WatchService registers a new webhook watcher on srv:<svc>.
func (m *Model) WatchService(svc string, doc map[string]interface{}, hookname string) (string, error) {
	return m.watch(servicePrefix+svc, doc, hookname, false)
}

// SetServiceWatcher creates or replaces the service watcher identified
// by hookname.
func (m *Model) SetServiceWatcher(svc string, doc map[string]interface{}, hookname string) error {
	_, err := m.watch(servicePrefix+svc, doc, hookname, true)
	return err
}

// UnwatchService removes a previously registered service watcher.
func (m *Model) UnwatchService(hookname, svc string) error {
	return m.unwatch(servicePrefix+svc, hookname)
}

// AppWatchers returns the watchers registered on app:<name>.
func (m *Model) AppWatchers(name string) ([]Watcher, error) {
	return m.watchers(appKey(name))
}

// ServiceWatchers returns the watchers registered on srv:<svc>.
func (m *Model) ServiceWatchers(svc string) ([]Watcher, error) {
	return m.watchers(servicePrefix + svc)
}

func (m *Model) watch(pattern string, doc map[string]interface{}, hookname string, allowUpdate bool) (string, error) {
	name, _ := doc["name"].(string)
	endpoint, _ := doc["endpoint"].(string)
	if name == "" || endpoint == "" {
		return "", validationErrorf("watcher: name and endpoint are required")
	}
	if hookname != "" && name != hookname {
		return "", validationErrorf("watcher: config.name must equal hookname %q", hookname)
	}
	if hookname == "" {
		// The collection endpoint (POST without an explicit hookname in
		// the URL) identifies the subscription by its own declared name.
		hookname = name
	}

	key := watcherKey(pattern, hookname)
	existing, found := m.store.Get(key)
	if found && len(existing) > 0 && !allowUpdate {
		return "", &AlreadyExistsError{Msg: fmt.Sprintf("watcher %q already exists", key)}
	}

	var lastHit uint64
	if found && len(existing) > 0 {
		var prev Watcher
		if err := json.Unmarshal(existing, &prev); err == nil {
			lastHit = prev.LastHit
		}
	}

	w := Watcher{
		Name:     name,
		Endpoint: endpoint,
		Pattern:  pattern,
		URI:      uriFor(pattern),
		LastHit:  lastHit,
	}
	encoded, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	if err := m.store.Set(key, encoded); err != nil {
		return "", err
	}
	return hookname, nil
}

func (m *Model) unwatch(pattern, hookname string) error {
	key := watcherKey(pattern, hookname)
	existing, ok := m.store.Get(key)
	if !ok || len(existing) == 0 {
		return &NotFoundError{Msg: fmt.Sprintf("watcher %q not found", key)}
	}
	return m.store.Delete(key)
}

func (m *Model) watchers(pattern string) ([]Watcher, error) {
	prefix := watcherPrefix + pattern + ":"
	var out []Watcher
	for _, key := range m.store.Keys(prefix) {
		raw, ok := m.store.Get(key)
		if !ok {
			continue
		}
		var w Watcher
		if err := json.Unmarshal(raw, &w); err != nil {
			continue
		}
		w.Hookname = strings.TrimPrefix(key, prefix)
		out = append(out, w)
	}
	return out, nil
}

func (m *Model) getDocument(key, kind, name string) (map[string]interface{}, error) {
	raw, ok := m.store.Get(key)
	if !ok {
		return nil, &NotFoundError{Msg: fmt.Sprintf("%s %q not found", kind, name)}
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return doc, nil
}

func (m *Model) putDocument(key string, doc map[string]interface{}) error {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return m.store.Set(key, encoded)
}

func (m *Model) delDocument(key, kind, name string) error {
	if _, ok := m.store.Get(key); !ok {
		return &NotFoundError{Msg: fmt.Sprintf("%s %q not found", kind, name)}
	}
	return m.store.Delete(key)
}

// uriFor derives the REST resource URI a watcher's notifications should
// reference from the keystore pattern it watches.
func uriFor(pattern string) string {
	switch {
	case strings.HasPrefix(pattern, appPrefix):
		return "/app/" + strings.TrimPrefix(pattern, appPrefix)
	case strings.HasPrefix(pattern, servicePrefix):
		return "/srv/" + strings.TrimPrefix(pattern, servicePrefix)
	default:
		return "/" + pattern
	}
}
