package model

import (
	"encoding/json"
	"sort"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrydberg/nesoi/internal/clock"
)

// fakeStore is a minimal in-memory model.Store for exercising validation
// and key-shape behavior without a real keystore or gossip transport.
type fakeStore struct {
	entries map[string]json.RawMessage
	ts      map[string]uint64
	clock   clock.Clock
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		entries: map[string]json.RawMessage{},
		ts:      map[string]uint64{},
		clock:   clock.New(),
	}
}

func (s *fakeStore) Get(key string) (json.RawMessage, bool) {
	v, ok := s.entries[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func (s *fakeStore) Set(key string, value json.RawMessage) error {
	s.entries[key] = value
	s.ts[key] = s.clock.Next()
	return nil
}

func (s *fakeStore) Delete(key string) error {
	return s.Set(key, json.RawMessage("null"))
}

func (s *fakeStore) Keys(prefixGlob string) []string {
	prefix := strings.TrimSuffix(prefixGlob, "*")
	var keys []string
	for k, v := range s.entries {
		if string(v) == "null" {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (s *fakeStore) TimestampOf(key string) (uint64, bool) {
	ts, ok := s.ts[key]
	return ts, ok
}

func TestModelSetAndGetApp(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	require.NoError(t, m.SetApp("foo", map[string]interface{}{"config": map[string]interface{}{"k": 1.0}}))

	doc, err := m.App("foo")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"k": 1.0}, doc["config"])
	assert.NotNil(t, doc["updated_at"])

	assert.Equal(t, []string{"foo"}, m.Apps())
}

func TestModelSetAppMissingConfig(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	err := m.SetApp("foo", map[string]interface{}{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestModelDelApp(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	require.NoError(t, m.SetApp("foo", map[string]interface{}{"config": map[string]interface{}{}}))
	require.NoError(t, m.DelApp("foo"))

	_, err := m.App("foo")
	var nferr *NotFoundError
	assert.ErrorAs(t, err, &nferr)

	assert.Empty(t, m.Apps())
}

func TestModelDelAppMissing(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	err := m.DelApp("nope")
	var nferr *NotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestModelSetHostRequiresEndpoints(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	err := m.SetHost("web", "host1", map[string]interface{}{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)

	_, err = m.Host("web", "host1")
	var nferr *NotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestModelHostsAndServices(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	require.NoError(t, m.SetHost("web", "host1", map[string]interface{}{"endpoints": []interface{}{"a"}}))
	require.NoError(t, m.SetHost("web", "host2", map[string]interface{}{"endpoints": []interface{}{"b"}}))

	assert.Equal(t, []string{"web"}, m.Services())
	assert.ElementsMatch(t, []string{"host1", "host2"}, m.Hosts("web"))
}

func TestModelWatchAppRequiresNameAndEndpoint(t *testing.T) {
	m := New(newFakeStore(), clock.New())
	require.NoError(t, m.SetApp("foo", map[string]interface{}{"config": map[string]interface{}{}}))

	_, err := m.WatchApp("foo", map[string]interface{}{}, "")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestModelWatchAppHooknameMismatch(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	_, err := m.WatchApp("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "other")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestModelWatchAppCreateAndDuplicate(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	hookname, err := m.WatchApp("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "w1")
	require.NoError(t, err)
	assert.Equal(t, "w1", hookname)

	_, err = m.WatchApp("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "w1")
	var existsErr *AlreadyExistsError
	assert.ErrorAs(t, err, &existsErr)
}

func TestModelUnwatchAppMissing(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	err := m.UnwatchApp("nope", "foo")
	var nferr *NotFoundError
	assert.ErrorAs(t, err, &nferr)
}

func TestModelAppWatchersAndServiceWatchersAreSymmetric(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	_, err := m.WatchApp("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "w1")
	require.NoError(t, err)

	_, err = m.WatchService("web", map[string]interface{}{
		"name": "w2", "endpoint": "http://cb2/",
	}, "w2")
	require.NoError(t, err)

	appWatchers, err := m.AppWatchers("foo")
	require.NoError(t, err)
	require.Len(t, appWatchers, 1)
	assert.Equal(t, "w1", appWatchers[0].Hookname)
	assert.Equal(t, "/app/foo", appWatchers[0].URI)

	svcWatchers, err := m.ServiceWatchers("web")
	require.NoError(t, err)
	require.Len(t, svcWatchers, 1)
	assert.Equal(t, "w2", svcWatchers[0].Hookname)
	assert.Equal(t, "/srv/web", svcWatchers[0].URI)

	require.NoError(t, m.UnwatchApp("w1", "foo"))
	appWatchers, err = m.AppWatchers("foo")
	require.NoError(t, err)
	assert.Empty(t, appWatchers)
}

func TestModelSetAppWatcherUpsertsWithoutConflict(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	require.NoError(t, m.SetAppWatcher("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "w1"))

	// A second PUT on the same hookname must not fail, unlike WatchApp.
	require.NoError(t, m.SetAppWatcher("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb2/",
	}, "w1"))

	watchers, err := m.AppWatchers("foo")
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	assert.Equal(t, "http://cb2/", watchers[0].Endpoint)
}

func TestModelSetAppWatcherPreservesLastHitAcrossUpdate(t *testing.T) {
	store := newFakeStore()
	m := New(store, clock.New())

	require.NoError(t, m.SetAppWatcher("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb/",
	}, "w1"))

	// Simulate the dispatcher having recorded a delivery.
	raw, ok := store.Get("watcher:app:foo:w1")
	require.True(t, ok)
	var w Watcher
	require.NoError(t, json.Unmarshal(raw, &w))
	w.LastHit = 42
	encoded, err := json.Marshal(w)
	require.NoError(t, err)
	require.NoError(t, store.Set("watcher:app:foo:w1", encoded))

	// Updating the endpoint via PUT must not reset last-hit.
	require.NoError(t, m.SetAppWatcher("foo", map[string]interface{}{
		"name": "w1", "endpoint": "http://cb2/",
	}, "w1"))

	watchers, err := m.AppWatchers("foo")
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	assert.Equal(t, uint64(42), watchers[0].LastHit)
}

func TestModelSetServiceWatcherUpserts(t *testing.T) {
	m := New(newFakeStore(), clock.New())

	require.NoError(t, m.SetServiceWatcher("web", map[string]interface{}{
		"name": "w2", "endpoint": "http://cb/",
	}, "w2"))
	require.NoError(t, m.SetServiceWatcher("web", map[string]interface{}{
		"name": "w2", "endpoint": "http://cb3/",
	}, "w2"))

	watchers, err := m.ServiceWatchers("web")
	require.NoError(t, err)
	require.Len(t, watchers, 1)
	assert.Equal(t, "http://cb3/", watchers[0].Endpoint)
}
