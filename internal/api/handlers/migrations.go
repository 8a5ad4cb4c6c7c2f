package handlers

import (
	"context"
	"net/http"

	"github.com/MacJediWizard/ferry/internal/api/middleware"
	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// MigrationService is the migration API the handler drives.
type MigrationService interface {
	Check(ctx context.Context, userID uuid.UUID, req models.ConflictCheckRequest) (*conflict.Result, error)
	Start(ctx context.Context, userID uuid.UUID, req models.MigrateRequest) (jobs.Job, error)
	Status(userID uuid.UUID) []jobs.Job
	Get(userID, deploymentID uuid.UUID) (jobs.Job, error)
	Cancel(userID, deploymentID uuid.UUID) (jobs.Job, error)
}

// MigrationsHandler handles migration HTTP endpoints.
type MigrationsHandler struct {
	service MigrationService
	logger  zerolog.Logger
}

// NewMigrationsHandler creates a new MigrationsHandler.
func NewMigrationsHandler(service MigrationService, logger zerolog.Logger) *MigrationsHandler {
	return &MigrationsHandler{
		service: service,
		logger:  logger.With().Str("component", "migrations_handler").Logger(),
	}
}

// RegisterRoutes registers migration routes on the given router group.
func (h *MigrationsHandler) RegisterRoutes(r *gin.RouterGroup) {
	migrations := r.Group("/migrations")
	{
		migrations.POST("/check", h.Check)
		migrations.POST("", h.Start)
		migrations.GET("", h.List)
		migrations.GET("/:deployment_id", h.Get)
		migrations.POST("/:deployment_id/cancel", h.Cancel)
	}
}

// Check reports name and port conflicts on the target server.
//
//	@Summary		Check migration conflicts
//	@Description	Reports whether the container name or host ports are already used on the target server
//	@Tags			Migrations
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.ConflictCheckRequest	true	"Candidate name and ports"
//	@Success		200		{object}	conflict.Result
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		502		{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/migrations/check [post]
func (h *MigrationsHandler) Check(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	var req models.ConflictCheckRequest
	if !bindJSON(c, &req) {
		return
	}

	result, err := h.service.Check(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, h.logger, err, "failed to check conflicts")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Start begins a migration in the background.
//
//	@Summary		Start migration
//	@Description	Moves or copies a deployment to another server. Progress is streamed on the websocket feed.
//	@Tags			Migrations
//	@Accept			json
//	@Produce		json
//	@Param			request	body		models.MigrateRequest	true	"Migration request"
//	@Success		202		{object}	jobs.Job
//	@Failure		400		{object}	ErrorResponse
//	@Failure		403		{object}	ErrorResponse
//	@Failure		404		{object}	ErrorResponse
//	@Failure		409		{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/migrations [post]
func (h *MigrationsHandler) Start(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	var req models.MigrateRequest
	if !bindJSON(c, &req) {
		return
	}

	job, err := h.service.Start(c.Request.Context(), userID, req)
	if err != nil {
		respondError(c, h.logger, err, "failed to start migration")
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// List returns the user's active migrations.
//
//	@Summary		List migrations
//	@Tags			Migrations
//	@Produce		json
//	@Success		200	{object}	map[string][]jobs.Job
//	@Security		SessionAuth
//	@Router			/migrations [get]
func (h *MigrationsHandler) List(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	list := h.service.Status(userID)
	if list == nil {
		list = []jobs.Job{}
	}
	c.JSON(http.StatusOK, gin.H{"migrations": list})
}

// Get returns the active migration of a deployment.
//
//	@Summary		Get migration
//	@Tags			Migrations
//	@Produce		json
//	@Param			deployment_id	path		string	true	"Deployment ID"
//	@Success		200				{object}	jobs.Job
//	@Failure		403				{object}	ErrorResponse
//	@Failure		404				{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/migrations/{deployment_id} [get]
func (h *MigrationsHandler) Get(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	deploymentID, ok := parseID(c, "deployment_id")
	if !ok {
		return
	}

	job, err := h.service.Get(userID, deploymentID)
	if err != nil {
		respondError(c, h.logger, err, "failed to get migration")
		return
	}
	c.JSON(http.StatusOK, job)
}

// Cancel requests cancellation of a running migration.
//
//	@Summary		Cancel migration
//	@Description	Cancellation is honored at the next stage boundary. Once the target container is being created the request is refused with 409 and the current stage.
//	@Tags			Migrations
//	@Produce		json
//	@Param			deployment_id	path		string	true	"Deployment ID"
//	@Success		202				{object}	jobs.Job
//	@Failure		403				{object}	ErrorResponse
//	@Failure		404				{object}	ErrorResponse
//	@Failure		409				{object}	ErrorResponse
//	@Security		SessionAuth
//	@Router			/migrations/{deployment_id}/cancel [post]
func (h *MigrationsHandler) Cancel(c *gin.Context) {
	userID, ok := middleware.RequireUser(c)
	if !ok {
		return
	}
	deploymentID, ok := parseID(c, "deployment_id")
	if !ok {
		return
	}

	job, err := h.service.Cancel(userID, deploymentID)
	if err != nil {
		respondError(c, h.logger, err, "failed to cancel migration")
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid " + param})
		return uuid.Nil, false
	}
	return id, true
}
