// Package node wires the replicated keystore, leader election, webhook
// dispatcher, resource model and HTTP front-ends into a single running
// cluster participant.
package node

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jrydberg/nesoi/internal/admin"
	"github.com/jrydberg/nesoi/internal/clock"
	"github.com/jrydberg/nesoi/internal/dispatcher"
	"github.com/jrydberg/nesoi/internal/election"
	"github.com/jrydberg/nesoi/internal/model"
	"github.com/jrydberg/nesoi/internal/persist"
	"github.com/jrydberg/nesoi/internal/rest"
	"github.com/jrydberg/nesoi/internal/store"
	"github.com/jrydberg/nesoi/pkg/gossip"
	"github.com/jrydberg/nesoi/pkg/log"
)

// gossipHandle lazily forwards Store/Election announcements to the
// *gossip.Gossip instance, which cannot be constructed until after its
// gossip.Watcher (the multiplexer) exists. Calls made before bind queue
// up and are flushed once the real gossip instance attaches.
type gossipHandle struct {
	mu      sync.Mutex
	gossip  *gossip.Gossip
	pending []pendingUpsert
}

type pendingUpsert struct {
	key, value string
}

func (h *gossipHandle) UpsertLocal(key, value string) {
	h.mu.Lock()
	if h.gossip == nil {
		h.pending = append(h.pending, pendingUpsert{key, value})
		h.mu.Unlock()
		return
	}
	g := h.gossip
	h.mu.Unlock()
	g.UpsertLocal(key, value)
}

func (h *gossipHandle) bind(g *gossip.Gossip) {
	h.mu.Lock()
	h.gossip = g
	pending := h.pending
	h.pending = nil
	h.mu.Unlock()

	for _, p := range pending {
		g.UpsertLocal(p.key, p.value)
	}
}

// electionView adapts *election.Election to the narrower interface
// internal/admin depends on.
type electionView struct {
	e *election.Election
}

func (v electionView) IsLeader() bool           { return v.e.IsLeader() }
func (v electionView) LeaderID() (string, bool) { return v.e.LeaderID() }

// gossipView adapts *gossip.Gossip to internal/admin.NodeView.
type gossipView struct {
	localID string
	g       *gossip.Gossip
}

func (v gossipView) LocalID() string { return v.localID }

func (v gossipView) Peers() []string {
	nodes := v.g.Nodes()
	ids := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if n.Left {
			continue
		}
		ids = append(ids, n.ID)
	}
	return ids
}

// Node is a single running cluster participant: the replicated keystore,
// leader election, webhook dispatcher, resource model, REST API and
// admin API, all wired together over one gossip transport.
type Node struct {
	conf   *Config
	logger log.Logger

	persist    *persist.Store
	gossip     *gossip.Gossip
	store      *store.Store
	election   *election.Election
	dispatcher *dispatcher.Dispatcher
	model      *model.Model
	rest       *rest.Server
	admin      *admin.Server

	restLn  net.Listener
	adminLn net.Listener
}

// New opens the node's durable store, starts its gossip transport and
// wires every component together. It does not yet serve HTTP; call
// Serve for that.
func New(localID string, conf *Config, registry *prometheus.Registry, logger log.Logger) (*Node, error) {
	if localID == "" {
		localID = uuid.NewString()
	}

	p, err := persist.Open(conf.DataFile, logger)
	if err != nil {
		return nil, fmt.Errorf("open data file: %w", err)
	}

	c := clock.New()
	handle := &gossipHandle{}

	s, err := store.New(localID, handle, p, c, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	e := election.New(localID, conf.Election.Priority, conf.Election.VoteDelay, handle, logger)

	disp := dispatcher.New(s, c, logger, conf.Dispatcher.Timeout)
	s.OnChange(disp.OnKeyChanged)
	e.OnLeaderChange(func(isLeader bool, _ string) {
		disp.SetLeader(isLeader)
	})

	bindAddr := fmt.Sprintf("%s:%d", conf.ListenAddress, conf.ListenPort)
	streamLn, err := net.Listen("tcp", bindAddr)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}
	packetLn, err := net.ListenPacket("udp", bindAddr)
	if err != nil {
		_ = streamLn.Close()
		_ = p.Close()
		return nil, fmt.Errorf("listen udp: %w", err)
	}

	gossipConf := conf.Gossip
	gossipConf.BindAddr = bindAddr
	if gossipConf.AdvertiseAddr == "" {
		gossipConf.AdvertiseAddr = streamLn.Addr().String()
	}

	mux := newMultiplexer(logger)
	g := gossip.New(localID, &gossipConf, streamLn, packetLn, mux, logger)
	if registry != nil {
		g.Metrics().Register(registry)
	}
	mux.bind(s, e)
	handle.bind(g)

	m := model.New(s, c)

	restServer := rest.NewServer(m, registry, logger)
	adminServer := admin.NewServer(
		gossipView{localID: localID, g: g},
		electionView{e: e},
		registry,
		logger,
	)

	return &Node{
		conf:       conf,
		logger:     logger.WithSubsystem("node"),
		persist:    p,
		gossip:     g,
		store:      s,
		election:   e,
		dispatcher: disp,
		model:      m,
		rest:       restServer,
		admin:      adminServer,
	}, nil
}

// Join attempts to join an existing cluster via seed, if configured.
func (n *Node) Join() error {
	if n.conf.Seed == "" {
		return nil
	}
	joined, err := n.gossip.Join([]string{n.conf.Seed})
	if err != nil {
		return fmt.Errorf("join seed %q: %w", n.conf.Seed, err)
	}
	n.logger.Info("joined cluster", zap.Strings("nodes", joined))
	return nil
}

// Serve starts the REST and admin HTTP listeners and blocks until either
// returns. The REST API listens one port above the gossip port: gossip
// owns conf.ListenPort for its own stream protocol, so the HTTP API
// cannot share it.
func (n *Node) Serve() error {
	restLn, err := net.Listen("tcp", fmt.Sprintf("%s:%d", n.conf.ListenAddress, n.conf.ListenPort+1))
	if err != nil {
		return fmt.Errorf("listen rest: %w", err)
	}
	n.restLn = restLn

	adminLn, err := net.Listen("tcp", n.conf.Admin.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen admin: %w", err)
	}
	n.adminLn = adminLn

	errCh := make(chan error, 2)
	go func() {
		n.logger.Info("starting rest server", zap.String("addr", restLn.Addr().String()))
		errCh <- n.rest.Serve(restLn)
	}()
	go func() {
		n.logger.Info("starting admin server", zap.String("addr", adminLn.Addr().String()))
		errCh <- n.admin.Serve(adminLn)
	}()

	return <-errCh
}

// Shutdown gracefully shuts down both HTTP servers and releases the
// gossip transport and durable store.
func (n *Node) Shutdown(ctx context.Context) error {
	n.dispatcher.Close()

	var shutdownErr error
	if n.restLn != nil {
		if err := n.rest.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
	}
	if n.adminLn != nil {
		if err := n.admin.Shutdown(ctx); err != nil {
			shutdownErr = err
		}
	}

	if err := n.gossip.Leave(); err != nil {
		n.logger.Warn("failed to leave cluster cleanly", zap.Error(err))
	}
	if err := n.gossip.Close(); err != nil {
		n.logger.Warn("failed to close gossip transport", zap.Error(err))
	}
	if err := n.persist.Close(); err != nil {
		n.logger.Warn("failed to close data file", zap.Error(err))
	}

	return shutdownErr
}

// GracePeriod returns the configured graceful shutdown timeout.
func (n *Node) GracePeriod() time.Duration {
	return time.Duration(n.conf.GracePeriodSeconds) * time.Second
}
