// Package dispatcher implements the leader-only webhook notification
// dispatcher: it watches the keystore for changes and delivers HTTP POST
// callbacks to subscribed watchers, with at-most-one-in-flight-per-watcher
// coalescing and crash/recovery safety across leader handovers.
package dispatcher

import (
	"bytes"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/internal/clock"
	"github.com/jrydberg/nesoi/internal/model"
	"github.com/jrydberg/nesoi/pkg/log"
)

const watcherKeyPrefix = "watcher:"

// Store is the subset of internal/store.Store the dispatcher depends on.
type Store interface {
	Get(key string) (json.RawMessage, bool)
	Set(key string, value json.RawMessage) error
	Keys(prefixGlob string) []string
	TimestampOf(key string) (uint64, bool)
}

// Dispatcher is the leader-only webhook notification dispatcher.
type Dispatcher struct {
	store  Store
	clock  clock.Clock
	logger log.Logger
	client *http.Client

	mu       sync.Mutex
	active   bool
	inFlight map[string]bool
	pending  map[string]string // watcher key -> changed key to re-evaluate
}

// New creates a Dispatcher. It starts inactive; call SetLeader(true) once
// this node is elected leader.
func New(store Store, c clock.Clock, logger log.Logger, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		store:    store,
		clock:    c,
		logger:   logger.WithSubsystem("dispatcher"),
		client:   &http.Client{Timeout: timeout},
		inFlight: make(map[string]bool),
		pending:  make(map[string]string),
	}
}

// SetLeader activates or deactivates the dispatcher. Becoming leader
// triggers a full sweep of app:* and srv:* keys so any notification
// missed by a prior leader is delivered (or confirmed already
// acknowledged via the replicated last-hit).
func (d *Dispatcher) SetLeader(isLeader bool) {
	d.mu.Lock()
	d.active = isLeader
	d.mu.Unlock()

	if isLeader {
		go d.sweep()
	}
}

func (d *Dispatcher) isActive() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// OnKeyChanged is the store change hook: it triggers notification
// matching for any key change other than the watcher keyspace itself,
// which never generates notifications.
func (d *Dispatcher) OnKeyChanged(key string) {
	if strings.HasPrefix(key, watcherKeyPrefix) {
		return
	}
	if !d.isActive() {
		return
	}
	d.notify(key)
}

func (d *Dispatcher) sweep() {
	if !d.isActive() {
		return
	}
	for _, key := range d.store.Keys("app:") {
		d.notify(key)
	}
	for _, key := range d.store.Keys("srv:") {
		d.notify(key)
	}
}

// notify checks every registered watcher against changedKey and
// triggers a delivery for each one whose pattern matches and whose
// last-hit is stale.
func (d *Dispatcher) notify(changedKey string) {
	for _, wkey := range d.store.Keys(watcherKeyPrefix) {
		d.evaluateAndMaybeTrigger(wkey, changedKey)
	}
}

func (d *Dispatcher) evaluateAndMaybeTrigger(wkey, changedKey string) {
	raw, ok := d.store.Get(wkey)
	if !ok {
		return
	}
	var w model.Watcher
	if err := json.Unmarshal(raw, &w); err != nil {
		return
	}
	if !strings.HasPrefix(changedKey, w.Pattern) {
		return
	}
	ts, ok := d.store.TimestampOf(changedKey)
	if !ok || w.LastHit >= ts {
		return
	}
	d.trigger(wkey, changedKey)
}

// trigger starts a delivery for wkey, or if one is already in flight,
// coalesces this change to be re-evaluated when it completes.
func (d *Dispatcher) trigger(wkey, changedKey string) {
	d.mu.Lock()
	if d.inFlight[wkey] {
		d.pending[wkey] = changedKey
		d.mu.Unlock()
		return
	}
	d.inFlight[wkey] = true
	d.mu.Unlock()

	go d.deliver(wkey)
}

func (d *Dispatcher) deliver(wkey string) {
	defer d.finish(wkey)

	raw, ok := d.store.Get(wkey)
	if !ok {
		return
	}
	var w model.Watcher
	if err := json.Unmarshal(raw, &w); err != nil {
		return
	}

	body, err := json.Marshal(map[string]string{"name": w.Name, "uri": w.URI})
	if err != nil {
		return
	}

	resp, err := d.client.Post(w.Endpoint, "application/json", bytes.NewReader(body))
	if err != nil {
		d.logger.Warn("webhook delivery failed", zap.String("watcher", wkey), zap.Error(err))
		return
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.logger.Warn(
			"webhook delivery rejected",
			zap.String("watcher", wkey),
			zap.Int("status", resp.StatusCode),
		)
		return
	}

	// Re-validate before writing back: the watcher may have been
	// tombstoned while the POST was in flight.
	raw, ok = d.store.Get(wkey)
	if !ok {
		return
	}
	var fresh model.Watcher
	if err := json.Unmarshal(raw, &fresh); err != nil {
		return
	}
	fresh.LastHit = d.clock.Next()
	encoded, err := json.Marshal(fresh)
	if err != nil {
		return
	}
	if err := d.store.Set(wkey, encoded); err != nil {
		d.logger.Error("failed to record watcher last-hit", zap.String("watcher", wkey), zap.Error(err))
	}
}

func (d *Dispatcher) finish(wkey string) {
	d.mu.Lock()
	delete(d.inFlight, wkey)
	changedKey, rerun := d.pending[wkey]
	delete(d.pending, wkey)
	d.mu.Unlock()

	if rerun {
		d.evaluateAndMaybeTrigger(wkey, changedKey)
	}
}

// Close releases the dispatcher's HTTP client resources.
func (d *Dispatcher) Close() {
	d.client.CloseIdleConnections()
}
