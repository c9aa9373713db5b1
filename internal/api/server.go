package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stockflow/logger"
)

// Server is the HTTP surface shared by every service: health and metrics
// endpoints plus whatever routes the service mounts on Engine before Start.
type Server struct {
	name   string
	addr   string
	engine *gin.Engine
	srv    *http.Server
	log    *logger.Log
}

// NewServer creates the server with health and metrics routes mounted.
func NewServer(name, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		name:   name,
		addr:   addr,
		engine: engine,
		log:    logger.GetLogger(),
	}

	engine.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": name,
			"time":    time.Now().UTC().Format(time.RFC3339),
		})
	})
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return s
}

// Engine exposes the router for mounting service routes.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Start serves in the background. Listen errors other than a clean close
// are logged, startup errors surface on the next request.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{Addr: s.addr, Handler: s.engine}

	go func() {
		s.log.WithComponent("http_server").WithFields(logger.Fields{
			"service": s.name,
			"addr":    s.addr,
		}).Info("http server listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.WithComponent("http_server").WithError(err).Error("http server failed")
		}
	}()
	return nil
}

// Stop drains in-flight requests with a bounded timeout.
func (s *Server) Stop() {
	if s.srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		s.log.WithComponent("http_server").WithError(err).Warn(fmt.Sprintf("%s shutdown incomplete", s.name))
	}
}
