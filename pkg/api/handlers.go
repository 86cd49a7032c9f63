package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/forgebuild/forge/pkg/models"
)

func (s *Server) createBuild(c *gin.Context) {
	var req models.CreateBuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ComplexityTier != "" {
		switch req.ComplexityTier {
		case models.TierSimple, models.TierStandard, models.TierProduction:
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid complexityTier"})
			return
		}
	}

	build, err := s.ctl.StartBuild(c.Request.Context(), c.GetHeader(ownerHeader), req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, build)
}

func (s *Server) listBuilds(c *gin.Context) {
	builds, err := s.store.ListBuilds(c.Request.Context(), c.GetHeader(ownerHeader))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if builds == nil {
		builds = []*models.Build{}
	}
	c.JSON(http.StatusOK, builds)
}

func (s *Server) getBuild(c *gin.Context) {
	build, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (s *Server) pauseBuild(c *gin.Context) {
	build, err := s.ctl.Pause(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (s *Server) resumeBuild(c *gin.Context) {
	build, err := s.ctl.Resume(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (s *Server) cancelBuild(c *gin.Context) {
	build, err := s.ctl.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (s *Server) approveGate(c *gin.Context) {
	var approval models.GateApproval
	if err := c.ShouldBindJSON(&approval); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if approval.Gate != models.GateDesign && approval.Gate != models.GateFeature {
		c.JSON(http.StatusBadRequest, gin.H{"error": "gate must be design or feature"})
		return
	}

	build, err := s.ctl.ApproveGate(c.Request.Context(), c.Param("id"), approval)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, build)
}

func (s *Server) restartBuild(c *gin.Context) {
	build, err := s.ctl.Restart(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, build)
}

// downloadArtifact redirects to a short-lived signed URL for the build's
// artifact archive.
func (s *Server) downloadArtifact(c *gin.Context) {
	build, err := s.store.GetBuild(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if build.ArtifactKey == nil || s.objects == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no artifact available for this build"})
		return
	}

	url, err := s.objects.GetSignedURL(c.Request.Context(), *build.ArtifactKey, downloadURLTTL)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Redirect(http.StatusFound, url)
}
