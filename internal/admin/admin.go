// Package admin implements the node's admin HTTP surface: health,
// Prometheus metrics, and cluster status, served on a separate listen
// address from the public REST API.
package admin

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap/zapcore"

	"github.com/jrydberg/nesoi/pkg/log"
)

// NodeView is the view of the local gossip node the status endpoint
// depends on (internal/node adapts *gossip.Gossip to it).
type NodeView interface {
	LocalID() string
	Peers() []string
}

// Elector is the subset of internal/election.Election the status endpoint
// depends on.
type Elector interface {
	IsLeader() bool
	LeaderID() (string, bool)
}

// Server is the admin HTTP server.
type Server struct {
	node     NodeView
	election Elector
	registry *prometheus.Registry

	httpServer *http.Server
	router     *gin.Engine
	logger     log.Logger
}

// NewServer creates an admin Server reporting on node and election.
func NewServer(node NodeView, election Elector, registry *prometheus.Registry, logger log.Logger) *Server {
	logger = logger.WithSubsystem("admin")

	router := gin.New()
	s := &Server{
		node:     node,
		election: election,
		registry: registry,
		httpServer: &http.Server{
			Handler:  router,
			ErrorLog: logger.StdLogger(zapcore.WarnLevel),
		},
		router: router,
		logger: logger,
	}

	router.Use(gin.CustomRecoveryWithWriter(nil, s.panicRoute))
	s.registerRoutes(router)
	return s
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", s.healthRoute)
	router.GET("/status", s.statusRoute)
	if s.registry != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})))
	}
}

// Serve serves the admin API on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the admin server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthRoute(c *gin.Context) {
	c.Status(http.StatusOK)
}

func (s *Server) statusRoute(c *gin.Context) {
	leaderID, hasLeader := s.election.LeaderID()
	status := gin.H{
		"id":        s.node.LocalID(),
		"leader":    nil,
		"is_leader": s.election.IsLeader(),
		"peers":     s.node.Peers(),
	}
	if hasLeader {
		status["leader"] = leaderID
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) panicRoute(c *gin.Context, _ any) {
	c.AbortWithStatus(http.StatusInternalServerError)
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
