package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/johnquangdev/discovery-sync/internal/infrastructure/http/middleware"
	"github.com/johnquangdev/discovery-sync/pkg/config"
	"github.com/johnquangdev/discovery-sync/pkg/jwt"
)

// Router holds all handlers
type Router struct {
	cfg              *config.Config
	discoveryHandler *Discovery
	jwtManager       *jwt.Manager
	logger           *zap.Logger
}

// NewRouter creates a new router with all handlers. A nil jwtManager leaves
// the /v1 routes open.
func NewRouter(cfg *config.Config, discoveryHandler *Discovery, jwtManager *jwt.Manager, logger *zap.Logger) *Router {
	return &Router{
		cfg:              cfg,
		discoveryHandler: discoveryHandler,
		jwtManager:       jwtManager,
		logger:           logger,
	}
}

// Setup configures all application routes
func (rt *Router) Setup(e *echo.Echo) {
	// Health check endpoint
	e.GET("/health", rt.healthCheck)

	// API v1 group
	v1 := e.Group("/v1", middleware.EchoAuth(rt.jwtManager, rt.logger))

	rt.setupMeetingRoutes(v1)
	rt.setupRecordRoutes(v1)
	rt.setupQueueRoutes(v1)
}

// setupMeetingRoutes configures meeting sync routes
func (rt *Router) setupMeetingRoutes(g *echo.Group) {
	meetings := g.Group("/meetings", middleware.RequireScope(jwt.ScopeSync))
	meetings.POST("/sync", rt.discoveryHandler.SyncMeeting)
	meetings.POST("/status", rt.discoveryHandler.Preview)
}

// setupRecordRoutes configures cached CRM read routes
func (rt *Router) setupRecordRoutes(g *echo.Group) {
	records := g.Group("/records", middleware.RequireScope(jwt.ScopeRead))
	records.GET("", rt.discoveryHandler.ListRecords)
	records.GET("/:id", rt.discoveryHandler.GetRecord)
}

// setupQueueRoutes configures retry queue routes
func (rt *Router) setupQueueRoutes(g *echo.Group) {
	queue := g.Group("/sync/queue")
	admin := middleware.RequireScope(jwt.ScopeAdmin)

	queue.GET("", rt.discoveryHandler.QueueStatus, middleware.RequireScope(jwt.ScopeRead))
	queue.POST("/retry", rt.discoveryHandler.RetryAll, admin)
	queue.POST("/:id/retry", rt.discoveryHandler.RetryTask, admin)
	queue.DELETE("/:id", rt.discoveryHandler.AcknowledgeTask, admin)
}

// healthCheck returns health status
func (rt *Router) healthCheck(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":      "ok",
		"time":        time.Now().Format(time.RFC3339),
		"environment": rt.cfg.Server.Environment,
	})
}
