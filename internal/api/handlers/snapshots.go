package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/ferry/internal/api/middleware"
	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SnapshotService is the snapshot API the handler drives.
type SnapshotService interface {
	Create(ctx context.Context, deploymentID uuid.UUID, note string) (*models.Snapshot, error)
	Restore(ctx context.Context, snapshotID uuid.UUID) (*archive.ExtractReport, error)
	Remove(ctx context.Context, snapshotID uuid.UUID) error
	Get(ctx context.Context, snapshotID uuid.UUID) (*models.Snapshot, error)
	ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*models.Snapshot, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Snapshot, error)
	StorageStats(ctx context.Context) (*models.StorageStats, error)
}

// DeploymentReader loads deployments for ownership checks.
type DeploymentReader interface {
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
}

// SnapshotsHandler handles snapshot HTTP endpoints.
type SnapshotsHandler struct {
	snapshots   SnapshotService
	deployments DeploymentReader
	logger      zerolog.Logger
}

// NewSnapshotsHandler creates a new SnapshotsHandler.
func NewSnapshotsHandler(snapshots SnapshotService, deployments DeploymentReader, logger zerolog.Logger) *SnapshotsHandler {
	return &SnapshotsHandler{
		snapshots:   snapshots,
		deployments: deployments,
		logger:      logger.With().Str("component", "snapshots_handler").Logger(),
	}
}

// RegisterRoutes registers snapshot routes on the given router group.
func (h *SnapshotsHandler) RegisterRoutes(r *gin.RouterGroup) {
	deployments := r.Group("/deployments/:id/snapshots")
	{
		deployments.POST("", h.Create)
		deployments.GET("", h.ListByDeployment)
	}

	snapshots := r.Group("/snapshots")
	{
		snapshots.GET("", h.List)
		snapshots.GET("/stats", h.Stats)
		snapshots.GET("/:id", h.Get)
		snapshots.POST("/:id/restore", h.Restore)
		snapshots.DELETE("/:id", h.Remove)
	}
}

// CreateSnapshotRequest is the body of a snapshot request.
type CreateSnapshotRequest struct {
	Note string `json:"note" binding:"max=500"`
}

// RestoreResponse summarizes a restore.
type RestoreResponse struct {
	Restored []models.VolumeMapping `json:"restored"`
	Skipped  []models.VolumeMapping `json:"skipped"`
}

// Create snapshots a deployment's volumes. The request returns when the
// archive is stored; progress is streamed on the websocket feed.
//
//	@Summary		Create snapshot
//	@Tags			Snapshots
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string					true	"Deployment ID"
//	@Param			request	body		CreateSnapshotRequest	false	"Optional note"
//	@Success		201		{object}	models.Snapshot
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Failure		413		{object}	ErrorResponse
//	@Failure		422		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/deployments/{id}/snapshots [post]
func (h *SnapshotsHandler) Create(c *gin.Context) {
	d, ok := h.ownedDeployment(c)
	if !ok {
		return
	}
	var req CreateSnapshotRequest
	if c.Request.ContentLength != 0 && !bindJSON(c, &req) {
		return
	}

	// The operation stops and restarts the container; a dropped client must not interrupt it.
	snap, err := h.snapshots.Create(context.WithoutCancel(c.Request.Context()), d.ID, req.Note)
	if err != nil {
		respondError(c, h.logger, err, "failed to create snapshot")
		return
	}
	c.JSON(http.StatusCreated, snap)
}

// ListByDeployment returns a deployment's snapshots.
//
//	@Summary		List deployment snapshots
//	@Tags			Snapshots
//	@Produce		json
//	@Param			id	path		string	true	"Deployment ID"
//	@Success		200	{object}	map[string][]models.Snapshot
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/deployments/{id}/snapshots [get]
func (h *SnapshotsHandler) ListByDeployment(c *gin.Context) {
	d, ok := h.ownedDeployment(c)
	if !ok {
		return
	}
	list, err := h.snapshots.ListByDeployment(c.Request.Context(), d.ID)
	if err != nil {
		respondError(c, h.logger, err, "failed to list snapshots")
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": nonNil(list)})
}

// List returns every snapshot the user owns, including those of deleted deployments.
//
//	@Summary		List snapshots
//	@Tags			Snapshots
//	@Produce		json
//	@Success		200	{object}	map[string][]models.Snapshot
//	@Security		SessionAuth
//	@Router			/snapshots [get]
func (h *SnapshotsHandler) List(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	list, err := h.snapshots.ListByOwner(c.Request.Context(), userID)
	if err != nil {
		respondError(c, h.logger, err, "failed to list snapshots")
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": nonNil(list)})
}

// Stats reports snapshot storage usage against the quota.
//
//	@Summary		Snapshot storage statistics
//	@Tags			Snapshots
//	@Produce		json
//	@Success		200	{object}	models.StorageStats
//	@Security		SessionAuth
//	@Router			/snapshots/stats [get]
func (h *SnapshotsHandler) Stats(c *gin.Context) {
	if _, ok := middleware.RequireUser(c); !ok {
		return
	}
	stats, err := h.snapshots.StorageStats(c.Request.Context())
	if err != nil {
		respondError(c, h.logger, err, "failed to read storage stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Get returns one snapshot.
//
//	@Summary		Get snapshot
//	@Tags			Snapshots
//	@Produce		json
//	@Param			id	path		string	true	"Snapshot ID"
//	@Success		200	{object}	models.Snapshot
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/snapshots/{id} [get]
func (h *SnapshotsHandler) Get(c *gin.Context) {
	snap, ok := h.ownedSnapshot(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, snap)
}

// Restore extracts a snapshot into its deployment's current volumes.
//
//	@Summary		Restore snapshot
//	@Tags			Snapshots
//	@Produce		json
//	@Param			id	path		string	true	"Snapshot ID"
//	@Success		200	{object}	RestoreResponse
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Failure		422	{object}	ErrorResponse
//	@Failure		502	{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/snapshots/{id}/restore [post]
func (h *SnapshotsHandler) Restore(c *gin.Context) {
	snap, ok := h.ownedSnapshot(c)
	if !ok {
		return
	}

	report, err := h.snapshots.Restore(context.WithoutCancel(c.Request.Context()), snap.ID)
	if err != nil {
		respondError(c, h.logger, err, "failed to restore snapshot")
		return
	}

	resp := RestoreResponse{
		Restored: make([]models.VolumeMapping, 0, len(report.Matched)),
		Skipped:  report.Skipped,
	}
	for _, p := range report.Matched {
		resp.Restored = append(resp.Restored, p.Target)
	}
	if resp.Skipped == nil {
		resp.Skipped = []models.VolumeMapping{}
	}
	c.JSON(http.StatusOK, resp)
}

// Remove deletes a snapshot and its archive.
//
//	@Summary		Delete snapshot
//	@Tags			Snapshots
//	@Param			id	path	string	true	"Snapshot ID"
//	@Success		204
//	@Failure		403	{object}	ErrorResponse
//	@Failure		404	{object}	ErrorResponse
//	@Failure		409	{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/snapshots/{id} [delete]
func (h *SnapshotsHandler) Remove(c *gin.Context) {
	snap, ok := h.ownedSnapshot(c)
	if !ok {
		return
	}
	if err := h.snapshots.Remove(c.Request.Context(), snap.ID); err != nil {
		respondError(c, h.logger, err, "failed to delete snapshot")
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *SnapshotsHandler) ownedDeployment(c *gin.Context) (*models.Deployment, bool) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return nil, false
	}
	id, ok := parseID(c, "id")
	if !ok {
		return nil, false
	}
	d, err := h.deployments.GetDeploymentByID(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get deployment")
		return nil, false
	}
	if d.OwnerID != userID {
		respondError(c, h.logger, errNotOwner, "")
		return nil, false
	}
	return d, true
}

func (h *SnapshotsHandler) ownedSnapshot(c *gin.Context) (*models.Snapshot, bool) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return nil, false
	}
	id, ok := parseID(c, "id")
	if !ok {
		return nil, false
	}
	snap, err := h.snapshots.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, err, "failed to get snapshot")
		return nil, false
	}
	if snap.OwnerID != userID {
		respondError(c, h.logger, errNotOwner, "")
		return nil, false
	}
	return snap, true
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
