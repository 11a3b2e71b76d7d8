package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"seednode/pkg/membership"
)

// healthCheck answers 200 once this process has joined, 503 before.
func (s *Server) healthCheck(c *gin.Context) {
	state := s.coordinator.State()

	status := "joined"
	httpStatus := http.StatusOK
	if !state.Joined() {
		status = "joining"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, gin.H{
		"status":    status,
		"state":     state.String(),
		"candidate": s.coordinator.Identity().String(),
		"timestamp": time.Now().UTC(),
	})
}

// getLeader handles GET /api/v1/cluster/leader
func (s *Server) getLeader(c *gin.Context) {
	view, err := s.coordinator.View(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"path":      s.coordinator.Path(),
		"leader":    view.LeaderID,
		"known":     view.Known,
		"is_leader": view.IsLeader,
		"self":      s.coordinator.Identity().String(),
	})
}

// listCandidates handles GET /api/v1/cluster/candidates
func (s *Server) listCandidates(c *gin.Context) {
	view, err := s.coordinator.View(c.Request.Context())
	if err != nil {
		s.unavailable(c, err)
		return
	}

	candidates := view.Candidates
	if candidates == nil {
		candidates = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"path":       s.coordinator.Path(),
		"candidates": candidates,
		"count":      len(candidates),
	})
}

// listMembers handles GET /api/v1/cluster/members
func (s *Server) listMembers(c *gin.Context) {
	if s.members == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "membership view not available"})
		return
	}

	members := s.members.Members()
	if members == nil {
		members = []membership.Member{}
	}
	c.JSON(http.StatusOK, gin.H{
		"members": members,
		"count":   len(members),
	})
}

func (s *Server) unavailable(c *gin.Context, err error) {
	_ = c.Error(err)
	s.logger.Debug("leader view unavailable", zap.Error(err))
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "leader view unavailable: " + err.Error()})
}
