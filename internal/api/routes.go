// Package api provides the HTTP API for the Ferry server.
package api

import (
	"net/http"
	"time"

	"github.com/MacJediWizard/ferry/internal/api/handlers"
	"github.com/MacJediWizard/ferry/internal/api/middleware"
	"github.com/MacJediWizard/ferry/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"

	_ "github.com/MacJediWizard/ferry/docs/api"
)

// Config holds configuration for the API router.
type Config struct {
	Environment config.Environment
	// AllowedOrigins for CORS. Empty allows all origins outside production.
	AllowedOrigins []string
	// RateLimitRequests is the number of requests allowed per period.
	RateLimitRequests int64
	RateLimitPeriod   time.Duration
	// Redis backs the rate limiter when set.
	Redis *redis.Client
}

// DefaultConfig returns a Config with sensible defaults for development.
func DefaultConfig() Config {
	return Config{
		Environment:       config.EnvDevelopment,
		RateLimitRequests: 100,
		RateLimitPeriod:   time.Minute,
	}
}

// Deps are the services the routes call.
type Deps struct {
	Sessions   middleware.SessionReader
	Migrations interface {
		handlers.MigrationService
		handlers.ActiveCounter
	}
	Snapshots handlers.SnapshotService
	Inventory handlers.InventoryStore
	Database  handlers.DatabaseHealthChecker
	Feed      handlers.FeedServer
	Metrics   http.Handler
}

// Router wraps a Gin engine with configured middleware and routes.
type Router struct {
	Engine *gin.Engine
	logger zerolog.Logger
}

// NewRouter creates a new Router with the given dependencies.
func NewRouter(cfg Config, deps Deps, logger zerolog.Logger) (*Router, error) {
	r := &Router{
		Engine: gin.New(),
		logger: logger.With().Str("component", "router").Logger(),
	}

	r.Engine.Use(gin.Recovery())
	r.Engine.Use(middleware.RequestLogger(logger))
	r.Engine.Use(middleware.CORS(cfg.AllowedOrigins, cfg.Environment, logger))

	rateLimiter, err := middleware.NewRateLimiter(cfg.RateLimitRequests, cfg.RateLimitPeriod, cfg.Redis)
	if err != nil {
		return nil, err
	}

	// Public endpoints
	handlers.NewHealthHandler(deps.Database, deps.Migrations, logger).RegisterPublicRoutes(r.Engine)
	if deps.Metrics != nil {
		handlers.NewMetricsHandler(deps.Metrics).RegisterPublicRoutes(r.Engine)
	}
	r.Engine.GET("/api/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler,
		ginSwagger.URL("/api/docs/doc.json"),
		ginSwagger.DefaultModelsExpandDepth(-1),
	))

	authed := middleware.AuthMiddleware(deps.Sessions, logger)

	// The websocket is long-lived and skips the body limit and rate limiter.
	ws := r.Engine.Group("")
	ws.Use(authed)
	handlers.NewWebSocketHandler(deps.Feed).RegisterRoutes(ws)

	apiV1 := r.Engine.Group("/api/v1")
	apiV1.Use(rateLimiter, middleware.BodyLimit(middleware.DefaultMaxBodyBytes), authed)

	handlers.NewMigrationsHandler(deps.Migrations, logger).RegisterRoutes(apiV1)
	handlers.NewSnapshotsHandler(deps.Snapshots, deps.Inventory, logger).RegisterRoutes(apiV1)
	handlers.NewInventoryHandler(deps.Inventory, logger).RegisterRoutes(apiV1)

	r.logger.Info().Msg("API router initialized")
	return r, nil
}
