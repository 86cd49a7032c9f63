package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgebuild/forge/pkg/objectstore"
	"github.com/forgebuild/forge/pkg/orchestrator"
	"github.com/forgebuild/forge/pkg/registry"
	"github.com/forgebuild/forge/pkg/store"
)

// abortWithError maps domain errors to HTTP responses.
func (s *Server) abortWithError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, orchestrator.ErrBuildNotFound), errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "build not found"})
	case errors.Is(err, objectstore.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "artifact not found"})
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, orchestrator.ErrBuildNotActive):
		c.JSON(http.StatusConflict, gin.H{"error": "build is not active on this node"})
	case errors.Is(err, registry.ErrNoPendingGate):
		c.JSON(http.StatusConflict, gin.H{"error": "no review gate is awaiting approval"})
	case errors.Is(err, orchestrator.ErrTooManyBuilds):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "concurrent build limit reached"})
	default:
		s.logger.Error("Unexpected API error", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
