package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/strategy"
)

type strategyRequest struct {
	Name     string            `json:"name" binding:"required"`
	Type     string            `json:"type" binding:"required"`
	Program  string            `json:"program"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleListStrategies(c *gin.Context) {
	rows, err := s.db.ListStrategies(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCreateStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if req.Type != "buy" && req.Type != "sell" {
		respondValidation(c, "type must be buy or sell")
		return
	}
	// LLM-sourced strategies carry no stored program; anything else must
	// compile before it is accepted.
	if req.Program != "" {
		if _, err := strategy.Compile(req.Program); err != nil {
			respondValidation(c, err.Error())
			return
		}
	} else if req.Metadata["source"] != "llm" {
		respondValidation(c, "program is required unless metadata.source is llm")
		return
	}

	row := &database.Strategy{
		Name:     req.Name,
		Type:     req.Type,
		Program:  req.Program,
		Metadata: req.Metadata,
	}
	if err := s.db.CreateStrategy(c.Request.Context(), row); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, row)
}

// handleUpdateStrategyProgram swaps a strategy's program and drops every
// cached compilation of it so running workers pick up the new text.
func (s *Server) handleUpdateStrategyProgram(c *gin.Context) {
	var req struct {
		Program string `json:"program" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "program is required")
		return
	}
	if _, err := strategy.Compile(req.Program); err != nil {
		respondValidation(c, err.Error())
		return
	}

	id := c.Param("id")
	if err := s.db.UpdateStrategyProgram(c.Request.Context(), id, req.Program); err != nil {
		respondError(c, err)
		return
	}
	s.executor.InvalidateStrategy(id)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteStrategy(c *gin.Context) {
	id := c.Param("id")
	if err := s.db.DeleteStrategy(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.executor.InvalidateStrategy(id)
	c.Status(http.StatusNoContent)
}

// ==================== FUTURES ====================

type futureRequest struct {
	Symbol    string `json:"symbol" binding:"required"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

func (s *Server) handleListFutures(c *gin.Context) {
	rows, err := s.db.ListFutures(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCreateFuture(c *gin.Context) {
	var req futureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if !strings.HasSuffix(symbol, "USDT") {
		respondValidation(c, "symbol must be USDT-quoted")
		return
	}

	f := &database.Future{
		Symbol:    symbol,
		Name:      req.Name,
		SortOrder: req.SortOrder,
	}
	if err := s.db.CreateFuture(c.Request.Context(), f); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (s *Server) handleDeleteFuture(c *gin.Context) {
	if err := s.db.DeleteFuture(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
