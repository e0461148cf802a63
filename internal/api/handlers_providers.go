package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/llm"
)

type providerRequest struct {
	Name         string `json:"name" binding:"required"`
	ProviderType string `json:"provider_type" binding:"required"`
	BaseURL      string `json:"base_url"`
	APIKey       string `json:"api_key"`
}

func (s *Server) handleListProviders(c *gin.Context) {
	providers, err := s.db.ListProviders(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, providers)
}

func (s *Server) handleCreateProvider(c *gin.Context) {
	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	p := &database.Provider{
		Name:         req.Name,
		ProviderType: req.ProviderType,
		BaseURL:      llm.NormalizeBaseURL(req.ProviderType, req.BaseURL),
		APIKey:       req.APIKey,
	}
	if err := s.db.CreateProvider(c.Request.Context(), p); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) handleUpdateProvider(c *gin.Context) {
	existing, err := s.db.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if existing == nil {
		respondNotFound(c, "provider not found")
		return
	}

	var req providerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, err.Error())
		return
	}

	existing.Name = req.Name
	existing.ProviderType = req.ProviderType
	existing.BaseURL = llm.NormalizeBaseURL(req.ProviderType, req.BaseURL)
	if req.APIKey != "" {
		existing.APIKey = req.APIKey
	}
	if err := s.db.UpdateProvider(c.Request.Context(), existing); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, existing)
}

func (s *Server) handleDeleteProvider(c *gin.Context) {
	if err := s.db.DeleteProvider(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleFetchProviderModels proxies the provider's model listing so the UI
// can offer a picker.
func (s *Server) handleFetchProviderModels(c *gin.Context) {
	provider, err := s.db.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	if provider == nil {
		respondNotFound(c, "provider not found")
		return
	}

	dispatcher := llm.NewDispatcher()
	models, err := dispatcher.FetchModels(c.Request.Context(), provider.ProviderType, provider.BaseURL, provider.APIKey)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}
