package handlers

import (
	"errors"
	"net/http"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/db"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/migration"
	"github.com/MacJediWizard/ferry/internal/remote"
	"github.com/MacJediWizard/ferry/internal/snapshot"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	// Stage is set when a cancel is refused outside the safe window.
	Stage string `json:"stage,omitempty"`
	// Conflicts is set when the target server already uses the name or ports.
	Conflicts *conflict.Result `json:"conflicts,omitempty"`
}

// errNotOwner rejects access to another user's deployment or snapshot.
var errNotOwner = errors.New("not authorized for this resource")

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	var (
		notCancellable *jobs.NotCancellableError
		conflictErr    *conflict.ConflictError
		quotaErr       *snapshot.QuotaExceededError
		noVolumesErr   *snapshot.NoVolumesError
		missingErr     *snapshot.DeploymentMissingError
		inUseErr       *archive.TargetsInUseError
		connErr        *remote.ConnectionError
		cmdErr         *remote.CommandError
		timeoutErr     *remote.TimeoutError
	)
	switch {
	case errors.Is(err, migration.ErrSameServer), errors.Is(err, migration.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnauthorized), errors.Is(err, errNotOwner):
		return http.StatusForbidden
	case errors.Is(err, db.ErrNotFound), errors.Is(err, jobs.ErrJobNotFound), errors.Is(err, snapshot.ErrSnapshotNotFound):
		return http.StatusNotFound
	case errors.Is(err, jobs.ErrJobExists), errors.As(err, &notCancellable), errors.As(err, &conflictErr),
		errors.Is(err, migration.ErrDeploymentBusy), errors.Is(err, snapshot.ErrDeploymentBusy),
		errors.Is(err, migration.ErrTargetContainerExists), errors.As(err, &inUseErr):
		return http.StatusConflict
	case errors.As(err, &quotaErr):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &noVolumesErr), errors.As(err, &missingErr), errors.Is(err, snapshot.ErrSnapshotIncomplete),
		errors.Is(err, archive.ErrNoMatchingVolumes), errors.Is(err, archive.ErrNoVolumes), errors.Is(err, snapshot.ErrInvalidVolumes):
		return http.StatusUnprocessableEntity
	case errors.As(err, &connErr), errors.As(err, &cmdErr), errors.As(err, &timeoutErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes err with its mapped status. Internal errors are
// logged and replaced by fallback so driver details do not leak.
func respondError(c *gin.Context, logger zerolog.Logger, err error, fallback string) {
	status := statusFor(err)
	resp := ErrorResponse{Error: err.Error()}

	var notCancellable *jobs.NotCancellableError
	if errors.As(err, &notCancellable) {
		resp.Stage = string(notCancellable.Stage)
	}
	var conflictErr *conflict.ConflictError
	if errors.As(err, &conflictErr) {
		resp.Conflicts = conflictErr.Result
	}

	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Str("path", c.Request.URL.Path).Msg(fallback)
		resp.Error = fallback
	}
	c.AbortWithStatusJSON(status, resp)
}

// bindJSON decodes the request body, answering 413 or 400 on failure.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "request body too large"})
			return false
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request: " + err.Error()})
		return false
	}
	return true
}
