package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MacJediWizard/ferry/internal/api/middleware"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// InventoryStore reads the servers, deployments and activity a user owns.
// Ferry never writes servers or deployments from the API; the dashboard
// service manages them.
type InventoryStore interface {
	DeploymentReader
	ListServersByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Server, error)
	ListDeploymentsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Deployment, error)
	ListActivityByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ActivityEntry, error)
}

// InventoryHandler serves read-only views used by the migration UI.
type InventoryHandler struct {
	store  InventoryStore
	logger zerolog.Logger
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(store InventoryStore, logger zerolog.Logger) *InventoryHandler {
	return &InventoryHandler{
		store:  store,
		logger: logger.With().Str("component", "inventory_handler").Logger(),
	}
}

// RegisterRoutes registers inventory routes on the given router group.
func (h *InventoryHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/servers", h.ListServers)
	r.GET("/deployments", h.ListDeployments)
	r.GET("/deployments/:id", h.GetDeployment)
	r.GET("/activity", h.ListActivity)
}

// ListServers returns the user's servers.
//
//	@Summary		List servers
//	@Tags			Inventory
//	@Produce		json
//	@Success		200	{object}	map[string][]models.Server
//	@Security		SessionAuth
//	@Router			/servers [get]
func (h *InventoryHandler) ListServers(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	servers, err := h.store.ListServersByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "failed to list servers")
		return
	}
	c.JSON(http.StatusOK, gin.H{"servers": nonNil(servers)})
}

// ListDeployments returns the user's deployments across all servers.
//
//	@Summary		List deployments
//	@Tags			Inventory
//	@Produce		json
//	@Success		200	{object}	map[string][]models.Deployment
//	@Security		SessionAuth
//	@Router			/deployments [get]
func (h *InventoryHandler) ListDeployments(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	deployments, err := h.store.ListDeploymentsByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "failed to list deployments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"deployments": nonNil(deployments)})
}

// GetDeployment returns one deployment.
//
//	@Summary		Get deployment
//	@Tags			Inventory
//	@Produce		json
//	@Param			id	path		string	true	"Deployment ID"
//	@Success		200	{object}	models.Deployment
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/deployments/{id} [get]
func (h *InventoryHandler) GetDeployment(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	d, err := h.store.GetDeploymentByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get deployment")
		return
	}
	if d.OwnerID != userID {
		respondError(c, h.logger, errNotOwner, "")
		return
	}
	c.JSON(http.StatusOK, d)
}

// ListActivity returns the user's most recent activity entries.
//
//	@Summary		List activity
//	@Tags			Inventory
//	@Produce		json
//	@Param			limit	query		int	false	"Maximum entries (default 50, max 500)"
//	@Success		200		{object}	map[string][]models.ActivityEntry
//	@Security		SessionAuth
//	@Router			/activity [get]
func (h *InventoryHandler) ListActivity(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid limit"})
			return
		}
		limit = min(n, 500)
	}
	entries, err := h.store.ListActivityByUser(c.Request.Context(), userID, limit)
	if err != nil {
		respondError(c, h.logger, err, "failed to list activity")
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": nonNil(entries)})
}
