package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotamux/internal/oauth"
)

func (s *Server) oauthConfigured(c *gin.Context) bool {
	if s.oauth != nil {
		return true
	}
	c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{
		Error:   "not_configured",
		Message: "no OAuth profile is configured",
		Code:    http.StatusNotFound,
	})
	return false
}

func (s *Server) handleOAuthStart(c *gin.Context) {
	if !s.oauthConfigured(c) {
		return
	}
	var body oauth.StartRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	auth, err := s.oauth.Start(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, auth)
}

// handleOAuthCallback completes a flow from the provider redirect. Browsers
// go back to the return path given at start when it is a local path.
func (s *Server) handleOAuthCallback(c *gin.Context) {
	if !s.oauthConfigured(c) {
		return
	}
	if reason := c.Query("error"); reason != "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:   "authorization_denied",
			Message: reason + ": " + c.Query("error_description"),
			Code:    http.StatusBadRequest,
		})
		return
	}

	done, err := s.oauth.Complete(c.Request.Context(), c.Query("state"), c.Query("code"))
	if err != nil {
		writeError(c, err)
		return
	}
	if isLocalPath(done.ReturnTo) {
		c.Redirect(http.StatusFound, done.ReturnTo)
		return
	}
	c.JSON(http.StatusOK, done)
}

func isLocalPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, `\`)
}

func (s *Server) handleStartVerification(c *gin.Context) {
	if !s.oauthConfigured(c) {
		return
	}
	v, err := s.oauth.StartVerification(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

func (s *Server) handleCompleteVerification(c *gin.Context) {
	if !s.oauthConfigured(c) {
		return
	}
	acc, err := s.oauth.CompleteVerification(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if acc.SyncIssue != nil {
		c.JSON(http.StatusAccepted, gin.H{"account": acc, "status": "issue_remains"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"account": acc, "status": "verified"})
}
