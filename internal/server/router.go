package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"mechlink/internal/auth"
	"mechlink/internal/engine"
	"mechlink/internal/handler"
	"mechlink/internal/middleware"
	"mechlink/internal/model"
	"mechlink/internal/presence"
	"mechlink/internal/relay"
	"mechlink/internal/store"
)

type Deps struct {
	Store       *store.Store
	Engine      *engine.Engine
	Coordinator *engine.JoinCoordinator
	Hub         *relay.Hub
	Tracker     *presence.Tracker
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	protected := r.Group("/v1")
	protected.Use(middleware.RequireAuth(deps.TokenConfig))

	requestHandler := &handler.RequestHandler{Store: deps.Store}
	protected.POST("/requests", middleware.RequireRole(model.RoleCustomer), requestHandler.Create)
	protected.GET("/requests", middleware.RequireRole(model.RoleMechanic), requestHandler.List)
	protected.POST("/requests/:id/accept", middleware.RequireRole(model.RoleMechanic), requestHandler.Accept)
	protected.POST("/requests/:id/cancel", middleware.RequireRole(model.RoleCustomer), requestHandler.Cancel)

	extendLimiter := middleware.NewRateLimiter(10, time.Minute)
	sessionHandler := &handler.SessionHandler{
		Store:       deps.Store,
		Engine:      deps.Engine,
		Coordinator: deps.Coordinator,
		Tracker:     deps.Tracker,
	}
	protected.POST("/sessions", middleware.RequireRole(model.RoleCustomer), sessionHandler.Create)
	protected.GET("/sessions/:id", sessionHandler.Get)
	protected.POST("/sessions/:id/end", sessionHandler.End)
	protected.POST("/sessions/:id/extend", middleware.RateLimitMiddleware(extendLimiter), sessionHandler.Extend)
	protected.POST("/sessions/:id/cancel", sessionHandler.Cancel)
	protected.POST("/sessions/:id/waiver", sessionHandler.SignWaiver)
	protected.POST("/sessions/:id/timeup", sessionHandler.TimeUp)

	wsHandler := &handler.WebSocketHandler{
		Hub:         deps.Hub,
		Tracker:     deps.Tracker,
		Coordinator: deps.Coordinator,
		Engine:      deps.Engine,
		Store:       deps.Store,
		TokenConfig: deps.TokenConfig,
	}
	r.GET("/ws", wsHandler.Serve)

	return r
}
