// Package election implements single-leader election as a three-key
// gossip-visible state machine: __leader__, __vote__ and __prio__.
package election

import (
	"math/rand"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/pkg/log"
)

const (
	KeyLeader   = "__leader__"
	KeyVote     = "__vote__"
	KeyPriority = "__prio__"
)

type state int

const (
	stateIdle state = iota
	stateVoting
	stateElected
	stateFollower
)

func (s state) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateVoting:
		return "voting"
	case stateElected:
		return "elected"
	case stateFollower:
		return "follower"
	default:
		return "unknown"
	}
}

// Announcer is the subset of pkg/gossip.Gossip the election depends on.
type Announcer interface {
	UpsertLocal(key, value string)
}

// scheduler abstracts away time.AfterFunc so tests can run the state
// machine without waiting on real timers.
type scheduler func(d time.Duration, f func()) (cancel func())

func realScheduler(d time.Duration, f func()) func() {
	t := time.AfterFunc(d, f)
	return func() { t.Stop() }
}

// Election runs the leader election state machine for the local node.
type Election struct {
	mu sync.Mutex

	localID   string
	priority  int
	voteDelay time.Duration
	gossip    Announcer
	logger    log.Logger
	rng       *rand.Rand
	schedule  scheduler

	state     state
	peers     map[string]int // peer id -> priority, includes self
	votes     map[string]string
	leaderID  string
	isLeader  bool
	cancelVot func()

	onLeaderChange func(isLeader bool, leaderID string)
}

// New creates an Election and immediately advertises the local priority.
// voteDelay is the base delay before tallying votes after a triggering
// event; the actual delay is jittered to coalesce flurries of membership
// changes.
func New(localID string, priority int, voteDelay time.Duration, gossip Announcer, logger log.Logger) *Election {
	e := &Election{
		localID:   localID,
		priority:  priority,
		voteDelay: voteDelay,
		gossip:    gossip,
		logger:    logger.WithSubsystem("election"),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		schedule:  realScheduler,
		state:     stateIdle,
		peers:     map[string]int{localID: priority},
		votes:     map[string]string{},
	}
	gossip.UpsertLocal(KeyPriority, strconv.Itoa(priority))
	return e
}

// SetScheduler overrides the timer implementation; used by tests to make
// the vote delay deterministic.
func (e *Election) SetScheduler(s func(d time.Duration, f func()) (cancel func())) {
	e.mu.Lock()
	e.schedule = s
	e.mu.Unlock()
}

// OnLeaderChange registers fn to be called whenever this node's belief
// about whether it is leader changes. It is called with the lock
// released.
func (e *Election) OnLeaderChange(fn func(isLeader bool, leaderID string)) {
	e.mu.Lock()
	e.onLeaderChange = fn
	e.mu.Unlock()
}

// IsLeader reports whether the local node currently believes itself the
// leader.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// LeaderID returns the currently known leader, if any.
func (e *Election) LeaderID() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderID, e.leaderID != ""
}

// HandlePeerAlive restarts the election on an observed join or recovery,
// per spec's peer_alive trigger.
func (e *Election) HandlePeerAlive(id string) {
	e.mu.Lock()
	if _, ok := e.peers[id]; !ok {
		e.peers[id] = 0
	}
	e.mu.Unlock()
	e.restart()
}

// HandlePeerDead restarts the election on an observed leave, expiry or
// unreachability, per spec's peer_dead trigger.
func (e *Election) HandlePeerDead(id string) {
	e.mu.Lock()
	delete(e.peers, id)
	delete(e.votes, id)
	e.mu.Unlock()
	e.restart()
}

// HandlePriority records a peer's advertised priority.
func (e *Election) HandlePriority(origin, value string) {
	p, err := strconv.Atoi(value)
	if err != nil {
		e.logger.Warn("malformed priority", zap.String("origin", origin), zap.String("value", value))
		return
	}

	e.mu.Lock()
	e.peers[origin] = p
	e.mu.Unlock()
}

// HandleVote records a peer's vote and re-tallies.
func (e *Election) HandleVote(origin, candidate string) {
	e.mu.Lock()
	e.votes[origin] = candidate
	e.mu.Unlock()

	e.tally()
}

// HandleLeader observes a peer's claim to leadership.
func (e *Election) HandleLeader(leaderID string) {
	e.mu.Lock()
	changed := e.leaderID != leaderID
	e.leaderID = leaderID
	isLeader := leaderID == e.localID
	wasLeader := e.isLeader
	e.isLeader = isLeader
	if isLeader {
		e.state = stateElected
	} else {
		e.state = stateFollower
	}
	fn := e.onLeaderChange
	e.mu.Unlock()

	if changed || wasLeader != isLeader {
		if fn != nil {
			fn(isLeader, leaderID)
		}
	}
}

// restart enters the voting state and schedules a tally after a
// jittered vote delay.
func (e *Election) restart() {
	e.mu.Lock()
	if e.cancelVot != nil {
		e.cancelVot()
		e.cancelVot = nil
	}
	e.state = stateVoting
	delay := e.jitter()
	sched := e.schedule
	e.mu.Unlock()

	e.cancelVot = sched(delay, e.vote)
}

func (e *Election) jitter() time.Duration {
	if e.voteDelay <= 0 {
		return 0
	}
	return time.Duration(e.rng.Int63n(int64(e.voteDelay)))
}

// vote casts this node's vote for the highest-(priority,name) peer it
// currently sees alive, announces it, and tallies the current votes.
func (e *Election) vote() {
	e.mu.Lock()
	candidate := computeCandidate(e.peers)
	e.votes[e.localID] = candidate
	e.mu.Unlock()

	e.gossip.UpsertLocal(KeyVote, candidate)

	e.tally()
}

// tally counts votes across the live membership; if this node has a
// strict majority, it publishes itself as leader. No decision is an
// acceptable outcome of a single tally: the next membership event will
// retry.
func (e *Election) tally() {
	e.mu.Lock()
	total := len(e.peers)
	if total == 0 {
		e.mu.Unlock()
		return
	}

	counts := make(map[string]int)
	for voter, candidate := range e.votes {
		if _, alive := e.peers[voter]; alive {
			counts[candidate]++
		}
	}

	majority := counts[e.localID]*2 > total
	e.mu.Unlock()

	if majority {
		e.gossip.UpsertLocal(KeyLeader, e.localID)
		e.HandleLeader(e.localID)
	}
}

// computeCandidate returns the id of the peer with the highest
// (priority, name) pair, where ties on priority are broken by the
// lexicographically smallest name.
func computeCandidate(peers map[string]int) string {
	var best string
	var bestPriority int
	first := true
	for id, prio := range peers {
		if first {
			best, bestPriority, first = id, prio, false
			continue
		}
		if prio > bestPriority || (prio == bestPriority && id < best) {
			best, bestPriority = id, prio
		}
	}
	return best
}
