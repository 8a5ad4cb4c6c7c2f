// Package jobs tracks in-flight migrations in memory.
package jobs

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrJobExists is returned when a deployment already has an active job.
	ErrJobExists = errors.New("a migration is already running for this deployment")
	// ErrJobNotFound is returned when no job exists for a deployment.
	ErrJobNotFound = errors.New("no active migration for this deployment")
	// ErrUnauthorized is returned when the requester does not own the job.
	ErrUnauthorized = errors.New("not authorized for this migration")
)

// NotCancellableError is returned when cancellation is requested outside the safe window.
type NotCancellableError struct {
	Stage models.MigrationStage
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("migration cannot be cancelled during the %s stage", e.Stage)
}

// Job is the state of one in-flight migration. Values returned by the
// registry are copies.
type Job struct {
	DeploymentID   uuid.UUID             `json:"deployment_id"`
	UserID         uuid.UUID             `json:"user_id"`
	TargetServerID uuid.UUID             `json:"target_server_id"`
	DeleteOriginal bool                  `json:"delete_original"`
	Stage          models.MigrationStage `json:"stage"`
	Percent        int                   `json:"percent"`
	Message        string                `json:"message,omitempty"`
	Cancelled      bool                  `json:"cancelled"`
	StartedAt      time.Time             `json:"started_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
}

// NewJob creates a job in the starting stage.
func NewJob(deploymentID, userID uuid.UUID) Job {
	now := time.Now()
	return Job{
		DeploymentID: deploymentID,
		UserID:       userID,
		Stage:        models.MigrationStageStarting,
		StartedAt:    now,
		UpdatedAt:    now,
	}
}

// Registry maps deployment IDs to their active migration. At most one job
// exists per deployment.
type Registry struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		logger: logger.With().Str("component", "job_registry").Logger(),
		jobs:   make(map[uuid.UUID]*Job),
	}
}

// Register adds a job. It fails with ErrJobExists if the deployment already has one.
func (r *Registry) Register(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.DeploymentID]; ok {
		return ErrJobExists
	}
	if job.Stage == "" {
		job.Stage = models.MigrationStageStarting
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now()
	}
	job.UpdatedAt = job.StartedAt
	r.jobs[job.DeploymentID] = &job

	r.logger.Debug().
		Str("deployment_id", job.DeploymentID.String()).
		Str("user_id", job.UserID.String()).
		Msg("job registered")
	return nil
}

// UpdateStage records a progress report. The stage only moves forward, so a
// report that arrives after EnterStage advanced the job cannot pull it back
// into the cancellable window. Percent never decreases and is clamped to 0..100.
func (r *Registry) UpdateStage(deploymentID uuid.UUID, stage models.MigrationStage, percent int, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[deploymentID]
	if !ok {
		return ErrJobNotFound
	}

	if stage.Rank() > job.Stage.Rank() {
		job.Stage = stage
	}
	if percent > 100 {
		percent = 100
	}
	if percent > job.Percent {
		job.Percent = percent
	}
	job.Message = message
	job.UpdatedAt = time.Now()
	return nil
}

// EnterStage is called by the running migration before it starts stage. If a
// cancellation was accepted while the job was still in the safe window, the
// stage is left unchanged and true is returned. Otherwise the job moves to
// stage. Both happen under the lock RequestCancel takes, so a cancel that
// loses the race sees the new stage and is refused.
func (r *Registry) EnterStage(deploymentID uuid.UUID, stage models.MigrationStage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[deploymentID]
	if !ok {
		return false
	}
	if job.Cancelled && job.Stage.IsCancellable() {
		return true
	}
	if stage.Rank() > job.Stage.Rank() {
		job.Stage = stage
		job.UpdatedAt = time.Now()
	}
	return false
}

// RequestCancel flags the job cancelled on behalf of userID. The ownership
// and safe-window checks happen under the same lock as the flag write.
func (r *Registry) RequestCancel(deploymentID, userID uuid.UUID) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[deploymentID]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if job.UserID != userID {
		return Job{}, ErrUnauthorized
	}
	if !job.Stage.IsCancellable() {
		return *job, &NotCancellableError{Stage: job.Stage}
	}

	job.Cancelled = true
	job.UpdatedAt = time.Now()

	r.logger.Info().
		Str("deployment_id", deploymentID.String()).
		Str("stage", string(job.Stage)).
		Msg("cancellation requested")
	return *job, nil
}

// MarkCancelled sets the cancellation flag without any checks.
func (r *Registry) MarkCancelled(deploymentID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	job, ok := r.jobs[deploymentID]
	if !ok {
		return ErrJobNotFound
	}
	job.Cancelled = true
	job.UpdatedAt = time.Now()
	return nil
}

// IsCancelled reports whether the job's cancellation flag is set.
func (r *Registry) IsCancelled(deploymentID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[deploymentID]
	return ok && job.Cancelled
}

// Token returns a cancellation token bound to the deployment's job.
func (r *Registry) Token(deploymentID uuid.UUID) *Token {
	return &Token{registry: r, deploymentID: deploymentID}
}

// Get returns a copy of the job for deploymentID.
func (r *Registry) Get(deploymentID uuid.UUID) (Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[deploymentID]
	if !ok {
		return Job{}, false
	}
	return *job, true
}

// Remove deletes the job for deploymentID.
func (r *Registry) Remove(deploymentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, deploymentID)
	r.logger.Debug().Str("deployment_id", deploymentID.String()).Msg("job removed")
}

// ListByUser returns copies of the user's jobs, oldest first.
func (r *Registry) ListByUser(userID uuid.UUID) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []Job
	for _, job := range r.jobs {
		if job.UserID == userID {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result
}

// Count returns the number of active jobs.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// Token is a cancellation token backed by a registry entry.
type Token struct {
	registry     *Registry
	deploymentID uuid.UUID
}

// Enter moves the job to stage, reporting a pending cancellation instead.
func (t *Token) Enter(stage models.MigrationStage) bool {
	return t.registry.EnterStage(t.deploymentID, stage)
}
