package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/orchestrator"
	"futures-ai-trader/internal/vault"
)

type modelRequest struct {
	Name              string   `json:"name" binding:"required"`
	ProviderID        string   `json:"provider_id" binding:"required"`
	ProviderModelName string   `json:"provider_model_name" binding:"required"`
	InitialCapital    float64  `json:"initial_capital"`
	Leverage          int      `json:"leverage"`
	MaxPositions      int      `json:"max_positions"`
	APIKey            string   `json:"api_key"`
	APISecret         string   `json:"api_secret"`
	AutoClosePercent  *float64 `json:"auto_close_percent"`
	BaseVolume        *float64 `json:"base_volume"`
	SymbolSource      string   `json:"symbol_source"`
	BatchSize         int      `json:"batch_size"`
	BatchIntervalSec  int      `json:"batch_execution_interval"`
	BatchGroupSize    int      `json:"batch_execution_group_size"`
}

func (r *modelRequest) validate() string {
	if r.Leverage < 0 || r.Leverage > 125 {
		return "leverage must be within [0, 125]"
	}
	if r.MaxPositions < 1 {
		return "max_positions must be >= 1"
	}
	if r.AutoClosePercent != nil && (*r.AutoClosePercent < 0 || *r.AutoClosePercent > 100) {
		return "auto_close_percent must be within (0, 100] or null"
	}
	if r.SymbolSource != "" && r.SymbolSource != "leaderboard" && r.SymbolSource != "future" {
		return "symbol_source must be leaderboard or future"
	}
	return ""
}

func (r *modelRequest) apply(m *database.Model) {
	m.Name = r.Name
	m.ProviderID = r.ProviderID
	m.ProviderModelName = r.ProviderModelName
	m.InitialCapital = r.InitialCapital
	m.Leverage = r.Leverage
	m.MaxPositions = r.MaxPositions
	m.AutoClosePercent = r.AutoClosePercent
	m.BaseVolume = r.BaseVolume
	m.SymbolSource = r.SymbolSource
	if m.SymbolSource == "" {
		m.SymbolSource = "leaderboard"
	}
	m.BatchSize = r.BatchSize
	m.BatchIntervalSec = r.BatchIntervalSec
	m.BatchGroupSize = r.BatchGroupSize
	if r.APIKey != "" {
		m.APIKey = r.APIKey
	}
	if r.APISecret != "" {
		m.APISecret = r.APISecret
	}
}

func (s *Server) handleListModels(c *gin.Context) {
	models, err := s.db.ListModels(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, models)
}

func (s *Server) handleGetModel(c *gin.Context) {
	model, err := s.db.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if model == nil {
		respondNotFound(c, "model not found")
		return
	}
	c.JSON(http.StatusOK, model)
}

func (s *Server) handleCreateModel(c *gin.Context) {
	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondValidation(c, msg)
		return
	}

	m := &database.Model{}
	req.apply(m)
	if err := s.db.CreateModel(c.Request.Context(), m); err != nil {
		respondError(c, err)
		return
	}
	s.storeCredentials(c, m.ID, req.APIKey, req.APISecret)
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleUpdateModel(c *gin.Context) {
	model, err := s.db.GetModel(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if model == nil {
		respondNotFound(c, "model not found")
		return
	}

	var req modelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if msg := req.validate(); msg != "" {
		respondValidation(c, msg)
		return
	}

	req.apply(model)
	if err := s.db.UpdateModel(c.Request.Context(), model); err != nil {
		respondError(c, err)
		return
	}
	s.storeCredentials(c, model.ID, req.APIKey, req.APISecret)
	s.supervisor.SyncModel(model)
	c.JSON(http.StatusOK, model)
}

// storeCredentials mirrors fresh exchange keys into the credential store.
// Failures log; the DB columns remain the source of truth.
func (s *Server) storeCredentials(c *gin.Context, modelID, apiKey, apiSecret string) {
	if s.creds == nil || apiKey == "" {
		return
	}
	err := s.creds.StoreCredentials(c.Request.Context(), modelID, vault.Credentials{APIKey: apiKey, APISecret: apiSecret})
	if err != nil {
		s.logger.Warn("failed to store credentials", "model", modelID, "error", err)
	}
}

// handleDeleteModel stops the model's workers then cascades every owned row.
func (s *Server) handleDeleteModel(c *gin.Context) {
	id := c.Param("id")
	s.supervisor.StopWorker(orchestrator.WorkerKey(orchestrator.SideBuy, id))
	s.supervisor.StopWorker(orchestrator.WorkerKey(orchestrator.SideSell, id))

	if err := s.db.DeleteModel(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	if s.creds != nil {
		if err := s.creds.DeleteCredentials(c.Request.Context(), id); err != nil {
			s.logger.Warn("failed to delete credentials", "model", id, "error", err)
		}
	}
	c.Status(http.StatusNoContent)
}

type autoFlagRequest struct {
	Enabled bool `json:"enabled"`
}

func (s *Server) handleSetAutoBuy(c *gin.Context) {
	s.setAutoFlag(c, "buy")
}

func (s *Server) handleSetAutoSell(c *gin.Context) {
	s.setAutoFlag(c, "sell")
}

// setAutoFlag flips an auto flag and reconciles the worker set: enabling
// ensures the worker exists, disabling drains it.
func (s *Server) setAutoFlag(c *gin.Context, side string) {
	var req autoFlagRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	id := c.Param("id")
	if err := s.db.SetModelAutoFlag(c.Request.Context(), id, side, req.Enabled); err != nil {
		respondError(c, err)
		return
	}
	model, err := s.db.GetModel(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if model == nil {
		respondNotFound(c, "model not found")
		return
	}
	s.supervisor.SyncModel(model)
	c.JSON(http.StatusOK, model)
}

// ==================== READS ====================

func (s *Server) handleListPortfolio(c *gin.Context) {
	rows, err := s.db.ListPortfolios(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleListTrades(c *gin.Context) {
	rows, err := s.db.ListTrades(c.Request.Context(), c.Param("id"), queryLimit(c, 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleListDecisions(c *gin.Context) {
	rows, err := s.db.ListStrategyDecisions(c.Request.Context(), c.Param("id"), queryLimit(c, 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleListConversations(c *gin.Context) {
	rows, err := s.db.ListConversations(c.Request.Context(), c.Param("id"), queryLimit(c, 50, 500))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleAccountValues(c *gin.Context) {
	rows, err := s.db.GetAccountValues(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleAccountValuesDaily(c *gin.Context) {
	rows, err := s.db.ListAccountValueDaily(c.Request.Context(), c.Param("id"), queryLimit(c, 90, 365))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// handleCancelAlgoOrders cancels every resting conditional order on a
// symbol, for operators flattening by hand.
func (s *Server) handleCancelAlgoOrders(c *gin.Context) {
	symbol := c.Query("symbol")
	if symbol == "" {
		respondValidation(c, "symbol query parameter is required")
		return
	}
	if err := s.engine.CancelRestingAlgos(c.Request.Context(), c.Param("id"), symbol); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListAlgoOrders(c *gin.Context) {
	rows, err := s.db.ListAlgoOrders(c.Request.Context(), c.Param("id"), queryLimit(c, 100, 1000))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

// ==================== PROMPTS ====================

type promptRequest struct {
	Name      string `json:"name" binding:"required"`
	Prompt    string `json:"prompt" binding:"required"`
	IsDefault bool   `json:"is_default"`
}

func (s *Server) handleListPrompts(c *gin.Context) {
	rows, err := s.db.ListModelPrompts(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) handleCreatePrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	p := &database.ModelPrompt{
		ModelID:   c.Param("id"),
		Name:      req.Name,
		Prompt:    req.Prompt,
		IsDefault: req.IsDefault,
	}
	if err := s.db.CreateModelPrompt(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleDeletePrompt(c *gin.Context) {
	promptID, err := strconv.ParseInt(c.Param("promptId"), 10, 64)
	if err != nil {
		respondValidation(c, "prompt id must be numeric")
		return
	}
	if err := s.db.DeleteModelPrompt(c.Request.Context(), promptID); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ==================== STRATEGY BINDINGS ====================

type bindRequest struct {
	StrategyID string `json:"strategy_id" binding:"required"`
	Type       string `json:"type" binding:"required"`
	Priority   int    `json:"priority"`
}

func (s *Server) handleBindStrategy(c *gin.Context) {
	var req bindRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}
	if req.Type != "buy" && req.Type != "sell" {
		respondValidation(c, "type must be buy or sell")
		return
	}

	ms := &database.ModelStrategy{
		ModelID:    c.Param("id"),
		StrategyID: req.StrategyID,
		Type:       req.Type,
		Priority:   req.Priority,
	}
	if err := s.db.BindModelStrategy(c.Request.Context(), ms); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ms)
}

func (s *Server) handleUnbindStrategy(c *gin.Context) {
	side := c.Query("type")
	if side != "buy" && side != "sell" {
		respondValidation(c, "type query parameter must be buy or sell")
		return
	}
	if err := s.db.UnbindModelStrategy(c.Request.Context(), c.Param("id"), c.Param("strategyId"), side); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
