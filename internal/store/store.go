// Package store implements the replicated keystore: a gossip-backed
// mapping of Key -> (Value, Timestamp, Origin) with last-writer-wins
// conflict resolution, persisted locally after every accepted write.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/internal/clock"
	"github.com/jrydberg/nesoi/internal/persist"
	"github.com/jrydberg/nesoi/pkg/log"
)

// reservedKeys are owned exclusively by internal/election and are never
// accepted by Store.Set, Store.Delete or Store.Keys.
var reservedKeys = map[string]bool{
	"__leader__": true,
	"__vote__":   true,
	"__prio__":   true,
}

// IsReserved reports whether key is one of the election slots.
func IsReserved(key string) bool {
	return reservedKeys[key]
}

// Entry is the resolved, winning state of a logical key: the value most
// recently accepted across the cluster, with the timestamp and origin
// that won the last-writer-wins comparison.
type Entry struct {
	Key       string
	Value     json.RawMessage
	Timestamp uint64
	Origin    string
}

// Tombstoned reports whether this entry represents a deleted key.
func (e Entry) Tombstoned() bool {
	return isTombstone(e.Value)
}

func isTombstone(v json.RawMessage) bool {
	return len(v) == 0 || string(v) == "null"
}

// envelope is the wire representation announced over gossip and written
// to the persistent backing store.
type envelope struct {
	Value     json.RawMessage `json:"value"`
	Timestamp uint64          `json:"timestamp"`
	Origin    string          `json:"origin"`
}

// Announcer is the subset of pkg/gossip.Gossip the store depends on.
type Announcer interface {
	UpsertLocal(key, value string)
}

// Store is the replicated keystore.
type Store struct {
	mu sync.Mutex

	localID string
	gossip  Announcer
	persist *persist.Store
	clock   clock.Clock
	logger  log.Logger

	// entries holds every origin's claimed value for a key, so the
	// winner can be recomputed as origins come and go.
	entries map[string]map[string]envelope
	winners map[string]Entry

	onChange func(key string)
}

// New creates a Store. It replays any previously persisted entries
// before returning so a restarted node serves its last known state
// immediately, even before gossip has resynchronized.
func New(localID string, gossip Announcer, p *persist.Store, c clock.Clock, logger log.Logger) (*Store, error) {
	s := &Store{
		localID: localID,
		gossip:  gossip,
		persist: p,
		clock:   c,
		logger:  logger.WithSubsystem("store"),
		entries: make(map[string]map[string]envelope),
		winners: make(map[string]Entry),
	}

	err := p.Range(func(key string, value []byte) bool {
		var env envelope
		if err := json.Unmarshal(value, &env); err != nil {
			logger.Warn("discarding unreadable persisted entry", zap.String("key", key), zap.Error(err))
			return true
		}
		s.winners[key] = Entry{Key: key, Value: env.Value, Timestamp: env.Timestamp, Origin: env.Origin}
		if s.entries[key] == nil {
			s.entries[key] = make(map[string]envelope)
		}
		s.entries[key][env.Origin] = env
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("replay persisted entries: %w", err)
	}

	return s, nil
}

// OnChange registers fn to be called, outside the store's lock, whenever
// the winning value for a non-reserved key changes as a result of a
// local or remote write. Only one listener is supported; internal/node
// wires this to internal/dispatcher.
func (s *Store) OnChange(fn func(key string)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// Get returns the current value of key, or ok=false if it is absent or
// tombstoned.
func (s *Store) Get(key string) (value json.RawMessage, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.winners[key]
	if !found || e.Tombstoned() {
		return nil, false
	}
	return e.Value, true
}

// TimestampOf returns the timestamp of key's current winning entry.
func (s *Store) TimestampOf(key string) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, found := s.winners[key]
	if !found {
		return 0, false
	}
	return e.Timestamp, true
}

// Set stores value under key, stamping it with the local clock and
// announcing it to the cluster. Reserved election keys are rejected.
func (s *Store) Set(key string, value json.RawMessage) error {
	if IsReserved(key) {
		return fmt.Errorf("store: key %q is reserved for election", key)
	}
	return s.write(s.localID, key, value)
}

// Delete tombstones key, equivalent to Set(key, null).
func (s *Store) Delete(key string) error {
	return s.Set(key, json.RawMessage("null"))
}

func (s *Store) write(origin, key string, value json.RawMessage) error {
	ts := s.clock.Next()
	env := envelope{Value: value, Timestamp: ts, Origin: origin}

	changed, err := s.apply(key, env)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}

	encoded, err := json.Marshal(env)
	if err != nil {
		return err
	}
	s.gossip.UpsertLocal(key, string(encoded))

	s.notify(key)
	return nil
}

// ApplyRemote applies a gossip-observed (origin, key, value, timestamp)
// triple, run through the same conflict resolution as a local write.
// value is the wire envelope JSON as delivered by the gossip transport.
func (s *Store) ApplyRemote(origin, key, rawEnvelope string) {
	if IsReserved(key) {
		return
	}

	var env envelope
	if err := json.Unmarshal([]byte(rawEnvelope), &env); err != nil {
		s.logger.Warn("discarding malformed remote entry",
			zap.String("origin", origin), zap.String("key", key), zap.Error(err))
		return
	}
	// The gossip-reported peer id always replaces the envelope's origin
	// field, so a forged or stale origin in the value cannot affect tie
	// breaking.
	env.Origin = origin

	changed, err := s.apply(key, env)
	if err != nil {
		s.logger.Warn("failed to apply remote entry", zap.Error(err))
		return
	}
	if changed {
		s.notify(key)
	}
}

// HandleExpired drops all of origin's contributions, e.g. because the
// node has permanently left the cluster, and recomputes any keys it had
// won.
func (s *Store) HandleExpired(origin string) {
	s.mu.Lock()
	var affected []string
	for key, origins := range s.entries {
		if _, ok := origins[origin]; ok {
			delete(origins, origin)
			affected = append(affected, key)
		}
	}
	for _, key := range affected {
		s.recomputeLocked(key)
	}
	s.mu.Unlock()

	for _, key := range affected {
		s.notify(key)
	}
}

// apply records env as origin's claim to key and recomputes the winner.
// It returns whether the winning entry changed.
func (s *Store) apply(key string, env envelope) (bool, error) {
	s.mu.Lock()

	if s.entries[key] == nil {
		s.entries[key] = make(map[string]envelope)
	}
	s.entries[key][env.Origin] = env

	before := s.winners[key]
	s.recomputeLocked(key)
	after := s.winners[key]

	changed := before.Timestamp != after.Timestamp ||
		before.Origin != after.Origin ||
		string(before.Value) != string(after.Value)

	var persistErr error
	if changed {
		encoded, err := json.Marshal(envelope{Value: after.Value, Timestamp: after.Timestamp, Origin: after.Origin})
		if err != nil {
			persistErr = err
		} else if err := s.persist.Put(key, encoded); err != nil {
			persistErr = fmt.Errorf("persist: %w", err)
		}
	}

	s.mu.Unlock()

	if persistErr != nil {
		s.logger.Error("persistence error, write not accepted", zap.String("key", key), zap.Error(persistErr))
		return false, persistErr
	}
	return changed, nil
}

// recomputeLocked recomputes the winning entry for key from the known
// per-origin claims. Callers must hold s.mu.
func (s *Store) recomputeLocked(key string) {
	origins := s.entries[key]
	if len(origins) == 0 {
		delete(s.winners, key)
		return
	}

	var winner envelope
	first := true
	for origin, env := range origins {
		if first {
			winner = env
			first = false
			continue
		}
		if env.Timestamp > winner.Timestamp {
			winner = env
		} else if env.Timestamp == winner.Timestamp && origin < winner.Origin {
			winner = env
		}
	}
	s.winners[key] = Entry{Key: key, Value: winner.Value, Timestamp: winner.Timestamp, Origin: winner.Origin}
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	fn := s.onChange
	s.mu.Unlock()
	if fn != nil {
		fn(key)
	}
}

// Keys returns the non-tombstoned keys matching prefixGlob, which is
// either an exact prefix or a prefix ending in "*". Results are sorted
// for deterministic iteration.
func (s *Store) Keys(prefixGlob string) []string {
	prefix := strings.TrimSuffix(prefixGlob, "*")

	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key, e := range s.winners {
		if e.Tombstoned() {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}
