package node

import (
	"strings"

	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/internal/election"
	"github.com/jrydberg/nesoi/internal/store"
	"github.com/jrydberg/nesoi/pkg/log"
)

// storeApplier is the subset of internal/store.Store the multiplexer
// forwards remote key changes to.
type storeApplier interface {
	ApplyRemote(origin, key, rawEnvelope string)
	HandleExpired(origin string)
}

// electionHandler is the subset of internal/election.Election the
// multiplexer forwards the election keyspace and membership events to.
type electionHandler interface {
	HandlePeerAlive(id string)
	HandlePeerDead(id string)
	HandlePriority(origin, value string)
	HandleVote(origin, candidate string)
	HandleLeader(leaderID string)
}

// callback is a single gossip.Watcher notification queued for the
// dispatch goroutine.
type callback func(store storeApplier, election electionHandler)

// multiplexer implements gossip.Watcher, fanning remote state changes out
// to the replicated keystore and the leader election state machine. Per
// gossip.Watcher's contract its methods run with gossip's internal state
// mutex held and must not block, so every notification is enqueued on a
// buffered channel and processed by a single dispatch goroutine instead
// of being handled inline.
type multiplexer struct {
	store    storeApplier
	election electionHandler
	logger   log.Logger

	queue chan callback
	done  chan struct{}
}

func newMultiplexer(logger log.Logger) *multiplexer {
	return &multiplexer{
		logger: logger.WithSubsystem("node"),
		queue:  make(chan callback, 1024),
		done:   make(chan struct{}),
	}
}

// bind attaches the store and election components once constructed and
// starts the dispatch goroutine. Must be called exactly once before any
// gossip.Watcher callback can fire.
func (m *multiplexer) bind(s storeApplier, e electionHandler) {
	m.store = s
	m.election = e
	go m.run()
}

func (m *multiplexer) run() {
	for {
		select {
		case cb := <-m.queue:
			cb(m.store, m.election)
		case <-m.done:
			return
		}
	}
}

func (m *multiplexer) close() {
	close(m.done)
}

func (m *multiplexer) enqueue(cb callback) {
	select {
	case m.queue <- cb:
	default:
		m.logger.Warn("gossip callback queue full, dropping notification")
	}
}

func (m *multiplexer) OnJoin(nodeID string) {
	m.enqueue(func(_ storeApplier, e electionHandler) {
		e.HandlePeerAlive(nodeID)
	})
}

func (m *multiplexer) OnReachable(nodeID string) {
	m.enqueue(func(_ storeApplier, e electionHandler) {
		e.HandlePeerAlive(nodeID)
	})
}

func (m *multiplexer) OnLeave(nodeID string) {
	m.enqueue(func(s storeApplier, e electionHandler) {
		e.HandlePeerDead(nodeID)
		s.HandleExpired(nodeID)
	})
}

func (m *multiplexer) OnUnreachable(nodeID string) {
	m.enqueue(func(_ storeApplier, e electionHandler) {
		e.HandlePeerDead(nodeID)
	})
}

func (m *multiplexer) OnExpired(nodeID string) {
	m.enqueue(func(s storeApplier, e electionHandler) {
		e.HandlePeerDead(nodeID)
		s.HandleExpired(nodeID)
	})
}

func (m *multiplexer) OnUpsertKey(nodeID, key, value string) {
	m.enqueue(func(s storeApplier, e electionHandler) {
		switch key {
		case election.KeyPriority:
			e.HandlePriority(nodeID, value)
		case election.KeyVote:
			e.HandleVote(nodeID, value)
		case election.KeyLeader:
			e.HandleLeader(value)
		default:
			if strings.HasPrefix(key, "__") {
				m.logger.Warn("ignoring unknown reserved key", zap.String("key", key))
				return
			}
			s.ApplyRemote(nodeID, key, value)
		}
	})
}

// OnDeleteKey would fire for gossip.DeleteLocal, but nesoi never calls
// it: keystore tombstones are ordinary envelopes carrying a null value,
// replicated through OnUpsertKey like any other write.
func (m *multiplexer) OnDeleteKey(nodeID, key string) {
	m.logger.Warn("unexpected gossip key deletion", zap.String("node", nodeID), zap.String("key", key))
}

var (
	_ storeApplier    = (*store.Store)(nil)
	_ electionHandler = (*election.Election)(nil)
)
