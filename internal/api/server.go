// Package api is the HTTP facade over the trading platform: CRUD for
// providers, models, futures and strategies, read endpoints for everything
// the workers produce, and the switches that start and stop them.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"futures-ai-trader/config"
	"futures-ai-trader/internal/auth"
	"futures-ai-trader/internal/database"
	"futures-ai-trader/internal/engine"
	"futures-ai-trader/internal/logging"
	"futures-ai-trader/internal/orchestrator"
	"futures-ai-trader/internal/scheduler"
	"futures-ai-trader/internal/strategy"
	"futures-ai-trader/internal/vault"
)

// Server is the gin HTTP facade.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	db         *database.DB
	supervisor *orchestrator.Supervisor
	sched      *scheduler.Scheduler
	executor   *strategy.Executor
	engine     *engine.Engine
	creds      *vault.Client
	authMgr    *auth.Manager
	cfg        config.ServerConfig
	logger     *logging.Logger

	authEnabled bool
}

// NewServer wires the facade. authMgr may be nil when auth is disabled.
func NewServer(cfg config.ServerConfig, db *database.DB, supervisor *orchestrator.Supervisor, sched *scheduler.Scheduler, executor *strategy.Executor, eng *engine.Engine, creds *vault.Client, authMgr *auth.Manager, authEnabled bool) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowMethods = []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:      router,
		db:          db,
		supervisor:  supervisor,
		sched:       sched,
		executor:    executor,
		engine:      eng,
		creds:       creds,
		authMgr:     authMgr,
		cfg:         cfg,
		logger:      logging.WithComponent("api"),
		authEnabled: authEnabled && authMgr != nil,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.POST("/api/login", s.handleLogin)

	api := s.router.Group("/api")
	if s.authEnabled {
		api.Use(s.authMiddleware())
	}

	providers := api.Group("/providers")
	{
		providers.GET("", s.handleListProviders)
		providers.POST("", s.handleCreateProvider)
		providers.PUT("/:id", s.handleUpdateProvider)
		providers.DELETE("/:id", s.handleDeleteProvider)
		providers.GET("/:id/models", s.handleFetchProviderModels)
	}

	models := api.Group("/models")
	{
		models.GET("", s.handleListModels)
		models.POST("", s.handleCreateModel)
		models.GET("/:id", s.handleGetModel)
		models.PUT("/:id", s.handleUpdateModel)
		models.DELETE("/:id", s.handleDeleteModel)
		models.POST("/:id/auto-buy", s.handleSetAutoBuy)
		models.POST("/:id/auto-sell", s.handleSetAutoSell)

		models.GET("/:id/portfolio", s.handleListPortfolio)
		models.GET("/:id/trades", s.handleListTrades)
		models.GET("/:id/decisions", s.handleListDecisions)
		models.GET("/:id/conversations", s.handleListConversations)
		models.GET("/:id/account-values", s.handleAccountValues)
		models.GET("/:id/account-values/daily", s.handleAccountValuesDaily)
		models.GET("/:id/algo-orders", s.handleListAlgoOrders)
		models.DELETE("/:id/algo-orders", s.handleCancelAlgoOrders)

		models.GET("/:id/prompts", s.handleListPrompts)
		models.POST("/:id/prompts", s.handleCreatePrompt)
		models.DELETE("/:id/prompts/:promptId", s.handleDeletePrompt)

		models.POST("/:id/strategies", s.handleBindStrategy)
		models.DELETE("/:id/strategies/:strategyId", s.handleUnbindStrategy)
	}

	strategies := api.Group("/strategies")
	{
		strategies.GET("", s.handleListStrategies)
		strategies.POST("", s.handleCreateStrategy)
		strategies.PUT("/:id/program", s.handleUpdateStrategyProgram)
		strategies.DELETE("/:id", s.handleDeleteStrategy)
	}

	futures := api.Group("/futures")
	{
		futures.GET("", s.handleListFutures)
		futures.POST("", s.handleCreateFuture)
		futures.DELETE("/:id", s.handleDeleteFuture)
	}

	market := api.Group("/market")
	{
		market.GET("/tickers", s.handleListTickers)
		market.GET("/gainers", s.handleTopGainers)
	}

	tasks := api.Group("/scheduler/tasks")
	{
		tasks.GET("", s.handleListTasks)
		tasks.POST("/:name/pause", s.handlePauseTask)
		tasks.POST("/:name/resume", s.handleResumeTask)
		tasks.POST("/:name/run", s.handleRunTask)
	}
}

// Start serves until the context is cancelled, then drains connections.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.router,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}
