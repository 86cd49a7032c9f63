// Package api exposes the build orchestrator over HTTP: build CRUD,
// lifecycle operations, artifact download, and the SSE progress stream.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgebuild/forge/pkg/objectstore"
	"github.com/forgebuild/forge/pkg/orchestrator"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/store"
)

// ownerHeader carries the caller identity. Empty means anonymous; list
// endpoints then return everything.
const ownerHeader = "X-Owner-ID"

// downloadURLTTL bounds how long a signed artifact URL stays valid.
const downloadURLTTL = 15 * time.Minute

// Server wires the HTTP surface to the controller and its stores.
type Server struct {
	ctl      *orchestrator.Controller
	store    store.Store
	registry *registry.Registry
	objects  objectstore.Store // nil when no artifact store is configured
	logger   *slog.Logger
}

// NewServer creates the API server. objects may be nil; downloads then 404.
func NewServer(ctl *orchestrator.Controller, st store.Store, reg *registry.Registry, objects objectstore.Store, logger *slog.Logger) *Server {
	return &Server{ctl: ctl, store: st, registry: reg, objects: objects, logger: logger}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(s.requestLogger(), gin.Recovery())

	r.GET("/healthz", s.health)

	api := r.Group("/api")
	{
		api.POST("/builds", s.createBuild)
		api.GET("/builds", s.listBuilds)
		api.GET("/builds/:id", s.getBuild)
		api.POST("/builds/:id/pause", s.pauseBuild)
		api.POST("/builds/:id/resume", s.resumeBuild)
		api.POST("/builds/:id/cancel", s.cancelBuild)
		api.POST("/builds/:id/approve", s.approveGate)
		api.POST("/builds/:id/restart", s.restartBuild)
		api.GET("/builds/:id/download", s.downloadArtifact)
		api.GET("/builds/:id/stream", s.streamBuild)
	}
	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// requestLogger logs one line per request, skipping the long-lived stream
// endpoint to keep the log readable.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.FullPath() == "/api/builds/:id/stream" {
			return
		}
		s.logger.Info("HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}
