package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "database": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ==================== MARKET ====================

func (s *Server) handleListTickers(c *gin.Context) {
	rows, err := s.db.ListMarketTickers(c.Request.Context(), queryLimit(c, 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleTopGainers(c *gin.Context) {
	rows, err := s.db.GetTopGainers(c.Request.Context(), queryLimit(c, 20, 100), nil)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// ==================== SCHEDULER ====================

func (s *Server) handleListTasks(c *gin.Context) {
	c.JSON(http.StatusOK, s.sched.Tasks())
}

func (s *Server) handlePauseTask(c *gin.Context) {
	if err := s.sched.Pause(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResumeTask(c *gin.Context) {
	if err := s.sched.Resume(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRunTask(c *gin.Context) {
	if err := s.sched.RunNow(c.Param("name")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
