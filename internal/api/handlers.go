package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quotaguard/quotamux/internal/models"
	"github.com/quotaguard/quotamux/internal/router"
)

// RouteRequest is the body of the routing endpoints.
type RouteRequest struct {
	Units int    `json:"units"`
	Model string `json:"model,omitempty"`
}

// RouteResponse is a routing decision together with the credential to use.
type RouteResponse struct {
	*router.Decision
	Credential string `json:"credential"`
}

// Candidate is one account from the candidate list with the credential to
// attempt it with. Refresh tokens stay in the store.
type Candidate struct {
	models.ConnectedAccount
	Credential string `json:"credential"`
}

// UsageRequest reports units consumed on an account picked from candidates.
type UsageRequest struct {
	AccountID string `json:"account_id"`
	Units     int    `json:"units"`
}

func (s *Server) routeRequest(c *gin.Context) (router.RouteRequest, bool) {
	var body RouteRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return router.RouteRequest{}, false
	}
	return router.RouteRequest{
		ConnectorKey: c.GetString("connector_key"),
		Units:        body.Units,
		Model:        body.Model,
	}, true
}

func (s *Server) handleRoute(c *gin.Context) {
	req, ok := s.routeRequest(c)
	if !ok {
		return
	}
	d, err := s.router.Route(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, RouteResponse{Decision: d, Credential: d.Credential})
}

func (s *Server) handleRouteCandidates(c *gin.Context) {
	req, ok := s.routeRequest(c)
	if !ok {
		return
	}
	candidates, err := s.router.RouteCandidates(c.Request.Context(), req)
	if err != nil {
		writeError(c, err)
		return
	}
	out := make([]Candidate, len(candidates))
	for i, acc := range candidates {
		out[i] = Candidate{ConnectedAccount: acc.Sanitized(), Credential: acc.AccessToken}
	}
	c.JSON(http.StatusOK, gin.H{"candidates": out})
}

func (s *Server) handleConsumeUsage(c *gin.Context) {
	var body UsageRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	res, err := s.router.ConsumeUsage(c.Request.Context(), body.AccountID, body.Units)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleDashboard(c *gin.Context) {
	d, err := s.router.DashboardSnapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Server) handleGetAccount(c *gin.Context) {
	acc, err := s.router.Account(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleLinkAPIAccount(c *gin.Context) {
	var body router.APILink
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	acc, err := s.router.LinkAPIAccount(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, acc)
}

func (s *Server) handleUpdateAccount(c *gin.Context) {
	var body router.AccountSettings
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	acc, err := s.router.UpdateAccountSettings(c.Request.Context(), c.Param("id"), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, acc)
}

func (s *Server) handleRemoveAccount(c *gin.Context) {
	if err := s.router.RemoveAccount(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleGetPreferences(c *gin.Context) {
	prefs, err := s.router.GetRoutingPreferences(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) handleSetPreferences(c *gin.Context) {
	var body models.RoutingPreferences
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	prefs, err := s.router.SetRoutingPreferences(c.Request.Context(), body)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, prefs)
}

func (s *Server) handleSetStrictLiveQuota(c *gin.Context) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		writeError(c, badRequest(err))
		return
	}
	if err := s.router.SetStrictLiveQuota(c.Request.Context(), body.Enabled); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strict_live_quota": body.Enabled})
}

func (s *Server) handleGetConnectorKey(c *gin.Context) {
	key, err := s.router.ConnectorKey(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connector_key": key})
}

func (s *Server) handleRotateConnectorKey(c *gin.Context) {
	key, err := s.router.RotateConnectorKey(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"connector_key": key})
}
