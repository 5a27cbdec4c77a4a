package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthCheck handles GET /health
func (s *Server) healthCheck(c *gin.Context) {
	_, cached := s.hub.State()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"role":            "leader",
		"connections":     s.hub.Count(),
		"statePopulated":  cached,
		"shutdownPending": s.hub.ShutdownPending(),
		"timestamp":       time.Now().UTC(),
	})
}

// listConnections handles GET /api/v1/connections
func (s *Server) listConnections(c *gin.Context) {
	conns := s.hub.Connections()
	c.JSON(http.StatusOK, gin.H{
		"connections": conns,
		"count":       len(conns),
	})
}

// getState handles GET /api/v1/state
func (s *Server) getState(c *gin.Context) {
	snap, ok := s.hub.State()
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, snap)
}

// getLeader handles GET /api/v1/leader
func (s *Server) getLeader(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"leader":      s.leader,
		"connections": s.hub.Count(),
		"uptime":      time.Since(s.leader.StartedAt).Round(time.Second).String(),
	})
}
