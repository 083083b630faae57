// Package rest implements the public HTTP front-end: a gin.Engine router
// exposing the app/service-host/webhook resource model over JSON.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zapcore"

	"github.com/jrydberg/nesoi/internal/model"
	"github.com/jrydberg/nesoi/pkg/log"
	"github.com/jrydberg/nesoi/pkg/middleware"
)

var pathParam = regexp.MustCompile(`^[0-9A-Za-z._-]+$`)

// Server is the public REST front-end.
type Server struct {
	model      *model.Model
	router     *gin.Engine
	httpServer *http.Server
	logger     log.Logger
}

// NewServer creates a Server routing requests to m.
func NewServer(m *model.Model, registry *prometheus.Registry, logger log.Logger) *Server {
	logger = logger.WithSubsystem("rest")

	router := gin.New()
	router.Use(gin.CustomRecoveryWithWriter(nil, func(c *gin.Context, _ any) {
		c.AbortWithStatus(http.StatusInternalServerError)
	}))
	router.Use(middleware.NewLogger(logger))

	metrics := middleware.NewMetrics("rest")
	if registry != nil {
		metrics.Register(registry)
	}
	router.Use(metrics.Handler())

	s := &Server{
		model:  m,
		router: router,
		logger: logger,
		httpServer: &http.Server{
			Handler:  router,
			ErrorLog: logger.StdLogger(zapcore.WarnLevel),
		},
	}
	s.registerRoutes(router)
	return s
}

// Handler returns the root http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Serve serves the REST API on ln until it is closed.
func (s *Server) Serve(ln net.Listener) error {
	err := s.httpServer.Serve(ln)
	if err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http serve: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the REST server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/app", s.listApps)
	r.GET("/app/:appname", s.getApp)
	r.PUT("/app/:appname", s.putApp)
	r.HEAD("/app/:appname", s.headApp)
	r.GET("/app/:appname/web-hooks", s.listAppWatchers)
	r.POST("/app/:appname/web-hooks", s.createAppWatcher)
	r.PUT("/app/:appname/web-hooks/:hookname", s.updateAppWatcher)
	r.DELETE("/app/:appname/web-hooks/:hookname", s.deleteAppWatcher)

	r.GET("/srv", s.listServices)
	r.GET("/srv/:svc", s.listHosts)
	r.HEAD("/srv/:svc", s.headService)
	r.GET("/srv/:svc/web-hooks", s.listServiceWatchers)
	r.POST("/srv/:svc/web-hooks", s.createServiceWatcher)
	r.PUT("/srv/:svc/web-hooks/:hook", s.updateServiceWatcher)
	r.DELETE("/srv/:svc/web-hooks/:hook", s.deleteServiceWatcher)
	r.GET("/srv/:svc/:host", s.getHost)
	r.PUT("/srv/:svc/:host", s.putHost)
	r.DELETE("/srv/:svc/:host", s.deleteHost)
}

func validParam(c *gin.Context, value string) bool {
	if pathParam.MatchString(value) {
		return true
	}
	c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid path segment %q", value)})
	return false
}

// writeModelError maps a model error to its REST status code, per
// spec's ValidationError->400, NotFoundError->404,
// AlreadyExistsError->409 table.
func writeModelError(c *gin.Context, err error) {
	var verr *model.ValidationError
	var nferr *model.NotFoundError
	var exerr *model.AlreadyExistsError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.As(err, &nferr):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.As(err, &exerr):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func readDocument(c *gin.Context) (map[string]interface{}, bool) {
	var doc map[string]interface{}
	if err := json.NewDecoder(c.Request.Body).Decode(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON body"})
		return nil, false
	}
	return doc, true
}

func (s *Server) listApps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"apps": s.model.Apps()})
}

func (s *Server) getApp(c *gin.Context) {
	name := c.Param("appname")
	if !validParam(c, name) {
		return
	}
	doc, err := s.model.App(name)
	if err != nil {
		writeModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) putApp(c *gin.Context) {
	name := c.Param("appname")
	if !validParam(c, name) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if err := s.model.SetApp(name, doc); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) headApp(c *gin.Context) {
	name := c.Param("appname")
	if !validParam(c, name) {
		return
	}
	if _, err := s.model.App(name); err != nil {
		writeModelError(c, err)
		return
	}
	c.Header("Link", fmt.Sprintf(`</app/%s/web-hooks>; rel="subscriptions"`, name))
	c.Status(http.StatusOK)
}

func (s *Server) listAppWatchers(c *gin.Context) {
	name := c.Param("appname")
	if !validParam(c, name) {
		return
	}
	watchers, err := s.model.AppWatchers(name)
	if err != nil {
		writeModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, watchersByName(watchers))
}

func (s *Server) createAppWatcher(c *gin.Context) {
	name := c.Param("appname")
	if !validParam(c, name) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if _, err := s.model.WatchApp(name, doc, ""); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) updateAppWatcher(c *gin.Context) {
	name := c.Param("appname")
	hookname := c.Param("hookname")
	if !validParam(c, name) || !validParam(c, hookname) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if err := s.model.SetAppWatcher(name, doc, hookname); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) deleteAppWatcher(c *gin.Context) {
	name := c.Param("appname")
	hookname := c.Param("hookname")
	if !validParam(c, name) || !validParam(c, hookname) {
		return
	}
	if err := s.model.UnwatchApp(hookname, name); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listServices(c *gin.Context) {
	services := gin.H{}
	for _, svc := range s.model.Services() {
		services[svc] = gin.H{"hosts": s.model.Hosts(svc)}
	}
	c.JSON(http.StatusOK, services)
}

func (s *Server) listHosts(c *gin.Context) {
	svc := c.Param("svc")
	if !validParam(c, svc) {
		return
	}
	hosts := gin.H{}
	for _, host := range s.model.Hosts(svc) {
		doc, err := s.model.Host(svc, host)
		if err != nil {
			continue
		}
		hosts[host] = doc
	}
	c.JSON(http.StatusOK, hosts)
}

func (s *Server) headService(c *gin.Context) {
	svc := c.Param("svc")
	if !validParam(c, svc) {
		return
	}
	if len(s.model.Hosts(svc)) == 0 {
		writeModelError(c, &model.NotFoundError{Msg: fmt.Sprintf("service %q not found", svc)})
		return
	}
	c.Header("Link", fmt.Sprintf(`</srv/%s/web-hooks>; rel="subscriptions"`, svc))
	c.Status(http.StatusOK)
}

func (s *Server) getHost(c *gin.Context) {
	svc, host := c.Param("svc"), c.Param("host")
	if !validParam(c, svc) || !validParam(c, host) {
		return
	}
	doc, err := s.model.Host(svc, host)
	if err != nil {
		writeModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) putHost(c *gin.Context) {
	svc, host := c.Param("svc"), c.Param("host")
	if !validParam(c, svc) || !validParam(c, host) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if err := s.model.SetHost(svc, host, doc); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) deleteHost(c *gin.Context) {
	svc, host := c.Param("svc"), c.Param("host")
	if !validParam(c, svc) || !validParam(c, host) {
		return
	}
	if err := s.model.DelHost(svc, host); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listServiceWatchers(c *gin.Context) {
	svc := c.Param("svc")
	if !validParam(c, svc) {
		return
	}
	watchers, err := s.model.ServiceWatchers(svc)
	if err != nil {
		writeModelError(c, err)
		return
	}
	c.JSON(http.StatusOK, watchersByName(watchers))
}

func (s *Server) createServiceWatcher(c *gin.Context) {
	svc := c.Param("svc")
	if !validParam(c, svc) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if _, err := s.model.WatchService(svc, doc, ""); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) updateServiceWatcher(c *gin.Context) {
	svc := c.Param("svc")
	hook := c.Param("hook")
	if !validParam(c, svc) || !validParam(c, hook) {
		return
	}
	doc, ok := readDocument(c)
	if !ok {
		return
	}
	if err := s.model.SetServiceWatcher(svc, doc, hook); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusCreated)
}

func (s *Server) deleteServiceWatcher(c *gin.Context) {
	svc := c.Param("svc")
	hook := c.Param("hook")
	if !validParam(c, svc) || !validParam(c, hook) {
		return
	}
	if err := s.model.UnwatchService(hook, svc); err != nil {
		writeModelError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func watchersByName(watchers []model.Watcher) gin.H {
	out := gin.H{}
	for _, w := range watchers {
		out[w.Name] = w
	}
	return out
}

func init() {
	gin.SetMode(gin.ReleaseMode)
}
