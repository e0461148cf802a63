package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"futures-ai-trader/internal/apperr"
	"futures-ai-trader/internal/auth"
)

// errorBody is the facade's uniform error shape.
type errorBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	ErrorReason string `json:"error_reason,omitempty"`
}

func respondError(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	body := errorBody{Code: kind.String(), Message: err.Error()}
	c.JSON(apperr.HTTPStatus(err), body)
}

func respondValidation(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, errorBody{Code: "validation_failed", Message: message})
}

func respondNotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, errorBody{Code: "not_found", Message: message})
}

// authMiddleware enforces a Bearer token on the API group.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Code: "upstream_auth", Message: "missing bearer token"})
			return
		}
		claims, err := s.authMgr.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Code: "upstream_auth", Message: err.Error()})
			return
		}
		c.Set("username", claims.Username)
		c.Next()
	}
}

// handleLogin exchanges the operator credential for a token. Credentials
// come from the environment; this facade has no user table.
func (s *Server) handleLogin(c *gin.Context) {
	if !s.authEnabled {
		c.JSON(http.StatusOK, gin.H{"token": "", "auth_disabled": true})
		return
	}

	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondValidation(c, "username and password are required")
		return
	}

	wantUser := os.Getenv("ADMIN_USERNAME")
	wantHash := os.Getenv("ADMIN_PASSWORD_HASH")
	if wantUser == "" || wantHash == "" || req.Username != wantUser || !auth.VerifyPassword(req.Password, wantHash) {
		c.JSON(http.StatusUnauthorized, errorBody{Code: "upstream_auth", Message: "invalid credentials"})
		return
	}

	token, err := s.authMgr.IssueToken(req.Username)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

func queryLimit(c *gin.Context, def, max int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
