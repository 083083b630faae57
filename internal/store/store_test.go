package store

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrydberg/nesoi/internal/clock"
	"github.com/jrydberg/nesoi/internal/persist"
	"github.com/jrydberg/nesoi/pkg/log"
)

type recordingAnnouncer struct {
	upserts []struct{ key, value string }
}

func (a *recordingAnnouncer) UpsertLocal(key, value string) {
	a.upserts = append(a.upserts, struct{ key, value string }{key, value})
}

func newTestStore(t *testing.T, localID string) (*Store, *recordingAnnouncer, *clock.Fake) {
	t.Helper()

	dir := t.TempDir()
	p, err := persist.Open(filepath.Join(dir, "data"), log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	ann := &recordingAnnouncer{}
	fc := clock.NewFake(0)

	s, err := New(localID, ann, p, fc, log.NewNopLogger())
	require.NoError(t, err)
	return s, ann, fc
}

func TestStoreSetGet(t *testing.T) {
	s, ann, _ := newTestStore(t, "node-a")

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{"k":1}}`)))

	v, ok := s.Get("app:foo")
	require.True(t, ok)
	assert.JSONEq(t, `{"config":{"k":1}}`, string(v))
	assert.Len(t, ann.upserts, 1)
	assert.Equal(t, "app:foo", ann.upserts[0].key)
}

func TestStoreDeleteTombstones(t *testing.T) {
	s, _, _ := newTestStore(t, "node-a")

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{"config":{}}`)))
	require.NoError(t, s.Delete("app:foo"))

	_, ok := s.Get("app:foo")
	assert.False(t, ok)

	// The key no longer appears in a prefix listing...
	assert.NotContains(t, s.Keys("app:"), "app:foo")
	// ...but its timestamp is still tracked for conflict resolution.
	_, ok = s.TimestampOf("app:foo")
	assert.True(t, ok)
}

func TestStoreRejectsReservedKeys(t *testing.T) {
	s, _, _ := newTestStore(t, "node-a")

	err := s.Set("__leader__", json.RawMessage(`"node-a"`))
	assert.Error(t, err)

	assert.Empty(t, s.Keys("__"))
}

func TestStoreKeysPrefix(t *testing.T) {
	s, _, _ := newTestStore(t, "node-a")

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{}`)))
	require.NoError(t, s.Set("app:bar", json.RawMessage(`{}`)))
	require.NoError(t, s.Set("srv:web:host1", json.RawMessage(`{}`)))

	assert.ElementsMatch(t, []string{"app:foo", "app:bar"}, s.Keys("app:"))
	assert.ElementsMatch(t, []string{"app:foo", "app:bar"}, s.Keys("app:*"))
	assert.ElementsMatch(t, []string{"srv:web:host1"}, s.Keys("srv:"))
}

// TestStoreLastWriterWins exercises property 1 from the specification:
// for any interleaving of local sets and remote applies across two
// simulated peers sharing a virtual clock, the final state is last
// writer wins by (timestamp, origin).
func TestStoreLastWriterWins(t *testing.T) {
	a, _, _ := newTestStore(t, "node-a")
	b, _, _ := newTestStore(t, "node-b")

	// node-a writes first (timestamp 1).
	require.NoError(t, a.Set("app:x", json.RawMessage(`{"v":1}`)))
	// node-b observes it.
	b.ApplyRemote("node-a", "app:x", envelopeJSON(t, `{"v":1}`, 1, "node-a"))

	// node-b writes with an equal timestamp (simulating a concurrent
	// write within the same clock tick) - origin "node-a" < "node-b" so
	// node-a's value must win on both replicas.
	b.applyOwnAt(t, "app:x", `{"v":2}`, 1)
	a.ApplyRemote("node-b", "app:x", envelopeJSON(t, `{"v":2}`, 1, "node-b"))

	va, _ := a.Get("app:x")
	vb, _ := b.Get("app:x")
	assert.JSONEq(t, string(va), string(vb))
	assert.JSONEq(t, `{"v":1}`, string(va))

	// A strictly later write always wins regardless of origin.
	b.applyOwnAt(t, "app:x", `{"v":3}`, 5)
	a.ApplyRemote("node-b", "app:x", envelopeJSON(t, `{"v":3}`, 5, "node-b"))

	va, _ = a.Get("app:x")
	vb, _ = b.Get("app:x")
	assert.JSONEq(t, `{"v":3}`, string(va))
	assert.JSONEq(t, string(va), string(vb))
}

func TestStoreOnChangeCallback(t *testing.T) {
	s, _, _ := newTestStore(t, "node-a")

	var changed []string
	s.OnChange(func(key string) { changed = append(changed, key) })

	require.NoError(t, s.Set("app:foo", json.RawMessage(`{}`)))
	s.ApplyRemote("node-b", "app:foo", envelopeJSON(t, `{}`, 1, "node-b"))

	assert.Contains(t, changed, "app:foo")
}

func TestStoreHandleExpiredDropsOrigin(t *testing.T) {
	s, _, _ := newTestStore(t, "node-a")

	s.ApplyRemote("node-b", "app:foo", envelopeJSON(t, `{"v":1}`, 10, "node-b"))
	_, ok := s.Get("app:foo")
	require.True(t, ok)

	s.HandleExpired("node-b")

	_, ok = s.Get("app:foo")
	assert.False(t, ok)
}

func envelopeJSON(t *testing.T, value string, ts uint64, origin string) string {
	t.Helper()
	env := envelope{Value: json.RawMessage(value), Timestamp: ts, Origin: origin}
	b, err := json.Marshal(env)
	require.NoError(t, err)
	return string(b)
}

// applyOwnAt lets a test pin a store's next local write to a specific
// timestamp by applying it as if it came from the store's own origin,
// bypassing the monotonic clock for deterministic interleavings.
func (s *Store) applyOwnAt(t *testing.T, key, value string, ts uint64) {
	t.Helper()
	_, err := s.apply(key, envelope{Value: json.RawMessage(value), Timestamp: ts, Origin: s.localID})
	require.NoError(t, err)
}
