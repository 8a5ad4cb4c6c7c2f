package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of a component.
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// HealthResponse is the response for the health endpoint.
type HealthResponse struct {
	Status           HealthStatus `json:"status"`
	Database         HealthStatus `json:"database"`
	ActiveMigrations int          `json:"active_migrations"`
	Error            string       `json:"error,omitempty"`
}

// DatabaseHealthChecker defines the interface for database health checking.
type DatabaseHealthChecker interface {
	Ping(ctx context.Context) error
}

// ActiveCounter reports in-flight migrations.
type ActiveCounter interface {
	Active() int
}

// HealthHandler handles health-related HTTP endpoints.
type HealthHandler struct {
	db         DatabaseHealthChecker
	migrations ActiveCounter
	logger     zerolog.Logger
}

// NewHealthHandler creates a new HealthHandler. migrations may be nil.
func NewHealthHandler(db DatabaseHealthChecker, migrations ActiveCounter, logger zerolog.Logger) *HealthHandler {
	return &HealthHandler{
		db:         db,
		migrations: migrations,
		logger:     logger.With().Str("component", "health_handler").Logger(),
	}
}

// RegisterPublicRoutes registers health check routes that don't require authentication.
func (h *HealthHandler) RegisterPublicRoutes(r *gin.Engine) {
	r.GET("/health", h.Overall)
}

// Overall returns the server health.
// GET /health
func (h *HealthHandler) Overall(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{Status: HealthStatusHealthy, Database: HealthStatusHealthy}
	if h.migrations != nil {
		resp.ActiveMigrations = h.migrations.Active()
	}

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Warn().Err(err).Msg("database health check failed")
		resp.Status = HealthStatusUnhealthy
		resp.Database = HealthStatusUnhealthy
		resp.Error = "database unreachable"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}
