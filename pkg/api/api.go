// Package api serves the diagnostic and control HTTP API.
package api

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"github.com/TTR-Hayden/IR-METER-SEER/pkg/config"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/engine"
	"github.com/TTR-Hayden/IR-METER-SEER/pkg/record"
)

// Controller is the part of the engine exposed over HTTP.
type Controller interface {
	Status() engine.Status
	Latest() (record.WavelengthRecord, bool)
	Reset() error
	Tolerances() config.Tolerances
	SetTolerances(t config.Tolerances) error
}

// Ensure Engine implements Controller.
var _ Controller = (*engine.Engine)(nil)

// Server is the HTTP API server.
type Server struct {
	cfg    config.APIConfig
	ctrl   Controller
	log    log.Logger
	router *gin.Engine
	srv    *http.Server
	addr   net.Addr
}

// New creates the server and registers the routes.
func New(cfg config.APIConfig, ctrl Controller, logger log.Logger) *Server {
	if logger == nil {
		logger = log.New()
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	s := &Server{
		cfg:    cfg,
		ctrl:   ctrl,
		log:    logger.New("module", "api"),
		router: r,
	}

	v1 := r.Group("/api/v1")
	v1.GET("/status", s.getStatus)
	v1.GET("/record", s.getRecord)
	v1.POST("/reset", s.postReset)
	v1.GET("/tolerances", s.getTolerances)
	v1.POST("/tolerances", s.postTolerances)

	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.cfg.Listen)
	}

	s.addr = ln.Addr()
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("API server failed", "err", err)
		}
	}()

	s.log.Info("API listening", "addr", s.addr)
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Shutdown stops the server, waiting for active requests up to the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) getRecord(c *gin.Context) {
	r, ok := s.ctrl.Latest()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no record yet"})
		return
	}
	c.JSON(http.StatusOK, r)
}

func (s *Server) postReset(c *gin.Context) {
	if err := s.ctrl.Reset(); err != nil {
		s.abort(c, err)
		return
	}
	s.log.Info("Reset requested", "remote", c.ClientIP())
	c.JSON(http.StatusAccepted, gin.H{"status": "reset scheduled"})
}

func (s *Server) getTolerances(c *gin.Context) {
	c.JSON(http.StatusOK, s.ctrl.Tolerances())
}

// postTolerances applies a partial update on top of the current tolerances.
func (s *Server) postTolerances(c *gin.Context) {
	t := s.ctrl.Tolerances()
	if err := c.ShouldBindJSON(&t); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.ctrl.SetTolerances(t); err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) abort(c *gin.Context, err error) {
	code := http.StatusBadRequest
	if errors.Is(err, engine.ErrControlBusy) {
		code = http.StatusServiceUnavailable
	}
	s.log.Warn("Request rejected", "path", c.Request.URL.Path, "err", err)
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
