package dispatcher

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrydberg/nesoi/internal/clock"
	"github.com/jrydberg/nesoi/internal/model"
	"github.com/jrydberg/nesoi/pkg/log"
)

// fakeStore is a minimal thread-safe dispatcher.Store fake, since the
// dispatcher delivers over its own goroutines concurrently with the test.
type fakeStore struct {
	mu      sync.Mutex
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
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.entries[key]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func (s *fakeStore) Set(key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = value
	s.ts[key] = s.clock.Next()
	return nil
}

func (s *fakeStore) Keys(prefixGlob string) []string {
	prefix := strings.TrimSuffix(prefixGlob, "*")
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, v := range s.entries {
		if string(v) == "null" {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return keys
}

func (s *fakeStore) TimestampOf(key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.ts[key]
	return ts, ok
}

func putWatcher(t *testing.T, s *fakeStore, hookname, pattern, endpoint string) {
	t.Helper()
	w := model.Watcher{Name: hookname, Endpoint: endpoint, Pattern: pattern, URI: "/app/foo"}
	encoded, err := json.Marshal(w)
	require.NoError(t, err)
	require.NoError(t, s.Set("watcher:"+pattern+":"+hookname, encoded))
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestDispatcherDeliversOnMatchingChange(t *testing.T) {
	var received struct {
		mu   sync.Mutex
		body string
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 1024)
		n, _ := r.Body.Read(buf)
		received.mu.Lock()
		received.body = string(buf[:n])
		received.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	d.SetLeader(true)

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":2}}`)))
	d.OnKeyChanged("app:foo")

	waitUntil(t, time.Second, func() bool {
		received.mu.Lock()
		defer received.mu.Unlock()
		return strings.Contains(received.body, `"name":"w1"`)
	})
}

func TestDispatcherNoPostForUnmatchedPrefix(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	d.SetLeader(true)

	require.NoError(t, s.Set("app:bar", json.RawMessage(`{"config":{}}`)))
	d.OnKeyChanged("app:bar")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, hits)
}

func TestDispatcherIgnoresWatcherKeyChanges(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "watcher:", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	d.SetLeader(true)

	d.OnKeyChanged("watcher:app:foo:w1")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, hits)
}

func TestDispatcherInactiveWhenNotLeader(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	// Never set leader.

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{}}`)))
	d.OnKeyChanged("app:foo")

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, hits)
}

func TestDispatcherDeleteDuringInFlightSkipsWriteback(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), 5*time.Second)
	d.SetLeader(true)

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":1}}`)))
	d.OnKeyChanged("app:foo")

	// Give the delivery goroutine time to start and block on the server.
	time.Sleep(20 * time.Millisecond)

	// Delete the watcher mid-flight.
	require.NoError(t, s.Set("watcher:app:foo:w1", json.RawMessage("null")))

	close(release)

	time.Sleep(50 * time.Millisecond)

	_, ok := s.Get("watcher:app:foo:w1")
	assert.False(t, ok, "watcher must remain tombstoned; write-back must be skipped")
}

func TestDispatcherRetriesAfterTimeout(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	block := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		shouldBlock := block
		mu.Unlock()
		if shouldBlock {
			time.Sleep(200 * time.Millisecond)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), 20*time.Millisecond)
	d.SetLeader(true)

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":1}}`)))
	d.OnKeyChanged("app:foo")

	time.Sleep(100 * time.Millisecond)

	raw, ok := s.Get("watcher:app:foo:w1")
	require.True(t, ok)
	var w model.Watcher
	require.NoError(t, json.Unmarshal(raw, &w))
	assert.Equal(t, uint64(0), w.LastHit, "timed out delivery must not advance last-hit")

	mu.Lock()
	block = false
	mu.Unlock()

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":2}}`)))
	d.OnKeyChanged("app:foo")

	waitUntil(t, time.Second, func() bool {
		raw, ok := s.Get("watcher:app:foo:w1")
		if !ok {
			return false
		}
		var w model.Watcher
		if json.Unmarshal(raw, &w) != nil {
			return false
		}
		return w.LastHit > 0
	})
}

func TestDispatcherNonSuccessStatusDoesNotAdvanceLastHit(t *testing.T) {
	var attempts int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	d.SetLeader(true)

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":1}}`)))
	d.OnKeyChanged("app:foo")

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts >= 1
	})
	// Give the delivery goroutine time to finish its write-back check.
	time.Sleep(50 * time.Millisecond)

	raw, ok := s.Get("watcher:app:foo:w1")
	require.True(t, ok)
	var w model.Watcher
	require.NoError(t, json.Unmarshal(raw, &w))
	assert.Equal(t, uint64(0), w.LastHit, "a non-2xx response must not advance last-hit")
}

func TestDispatcherLeaderHandoverSweep(t *testing.T) {
	var hits int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := newFakeStore()
	putWatcher(t, s, "w1", "app:foo", srv.URL)
	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":1}}`)))

	d := New(s, clock.New(), log.NewNopLogger(), time.Second)
	// Becoming leader triggers a sweep even without an explicit
	// OnKeyChanged call, so a missed notification is still delivered.
	d.SetLeader(true)

	waitUntil(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits >= 1
	})
}
