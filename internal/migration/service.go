package migration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressEvent is the real-time event name for migration progress.
const ProgressEvent = "migration-progress"

// ErrDeploymentBusy is returned when the deployment is mid-operation.
var ErrDeploymentBusy = errors.New("deployment is busy with another operation")

// Store is the persistence the migration service needs.
type Store interface {
	DeploymentWriter
	conflict.DeploymentLister
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	GetServerByID(ctx context.Context, id uuid.UUID) (*models.Server, error)
	UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error
}

// Publisher broadcasts real-time events to a user's connected clients.
type Publisher interface {
	Emit(event string, userID uuid.UUID, payload any)
}

// Recorder writes the activity log.
type Recorder interface {
	Record(ctx context.Context, userID uuid.UUID, kind models.ActivityKind, message string)
}

// Metrics observes migration outcomes.
type Metrics interface {
	MigrationStarted()
	MigrationFinished(stage models.MigrationStage, duration time.Duration)
}

// Service is the caller-facing entry point for migrations.
type Service struct {
	store    Store
	engine   *Engine
	registry *jobs.Registry
	checker  *conflict.Checker
	feed     Publisher
	activity Recorder
	metrics  Metrics
	logger   zerolog.Logger

	ctx context.Context
	wg  sync.WaitGroup
}

// ServiceDeps bundles the collaborators of a Service. Feed, Activity and
// Metrics are optional.
type ServiceDeps struct {
	Store    Store
	Engine   *Engine
	Registry *jobs.Registry
	Checker  *conflict.Checker
	Feed     Publisher
	Activity Recorder
	Metrics  Metrics
}

// NewService creates a new Service.
func NewService(deps ServiceDeps, logger zerolog.Logger) *Service {
	s := &Service{
		store:    deps.Store,
		engine:   deps.Engine,
		registry: deps.Registry,
		checker:  deps.Checker,
		feed:     deps.Feed,
		activity: deps.Activity,
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "migration_service").Logger(),
		ctx:      context.Background(),
	}
	if s.checker == nil {
		s.checker = conflict.NewChecker(deps.Store, logger)
	}
	return s
}

// Check reports name, port and host path conflicts on a target server the user owns.
func (s *Service) Check(ctx context.Context, userID uuid.UUID, req models.ConflictCheckRequest) (*conflict.Result, error) {
	target, err := s.store.GetServerByID(ctx, req.TargetServerID)
	if err != nil {
		return nil, fmt.Errorf("get target server: %w", err)
	}
	if target.OwnerID != userID {
		return nil, jobs.ErrUnauthorized
	}
	return s.checker.CheckCandidate(ctx, target.ID, conflict.Candidate{
		Name:    req.Name,
		Ports:   req.Ports,
		Volumes: req.Volumes,
	})
}

// Start validates the request, registers the job and runs the migration in
// the background. It returns once the job is registered; no remote command
// runs before that.
func (s *Service) Start(ctx context.Context, userID uuid.UUID, req models.MigrateRequest) (jobs.Job, error) {
	d, err := s.store.GetDeploymentByID(ctx, req.DeploymentID)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get deployment: %w", err)
	}
	if d.OwnerID != userID {
		return jobs.Job{}, jobs.ErrUnauthorized
	}
	if _, running := s.registry.Get(d.ID); running {
		return jobs.Job{}, jobs.ErrJobExists
	}

	source, err := s.store.GetServerByID(ctx, d.ServerID)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get source server: %w", err)
	}
	target, err := s.store.GetServerByID(ctx, req.TargetServerID)
	if err != nil {
		return jobs.Job{}, fmt.Errorf("get target server: %w", err)
	}
	if target.OwnerID != userID {
		return jobs.Job{}, jobs.ErrUnauthorized
	}

	engineReq := Request{
		Deployment:     d.Clone(),
		Source:         source,
		Target:         target,
		NewName:        req.NewName,
		NewPorts:       req.NewPorts,
		DeleteOriginal: req.DeleteOriginal,
	}
	if err := validate(engineReq); err != nil {
		if d.Status.IsTransitional() {
			return jobs.Job{}, fmt.Errorf("%w: %s", ErrDeploymentBusy, d.Status)
		}
		return jobs.Job{}, err
	}

	name := req.NewName
	if name == "" {
		name = d.ContainerName
	}
	ports := req.NewPorts
	if ports == nil {
		ports = d.Ports
	}
	// Re-checked here to narrow the window between the user's check and the
	// start; two concurrent starts against one target can still both pass.
	result, err := s.checker.CheckCandidate(ctx, target.ID, conflict.Candidate{
		Name:    name,
		Ports:   ports,
		Volumes: d.Volumes,
	})
	if err != nil {
		return jobs.Job{}, err
	}
	if result.HasConflict() {
		return jobs.Job{}, &conflict.ConflictError{Name: name, Result: result}
	}

	job := jobs.NewJob(d.ID, userID)
	job.TargetServerID = target.ID
	job.DeleteOriginal = req.DeleteOriginal
	if err := s.registry.Register(job); err != nil {
		return jobs.Job{}, err
	}
	if err := s.store.UpdateDeploymentStatus(ctx, d.ID, models.DeploymentStatusMigrating); err != nil {
		s.registry.Remove(d.ID)
		return jobs.Job{}, fmt.Errorf("mark deployment migrating: %w", err)
	}

	s.logger.Info().
		Str("deployment_id", d.ID.String()).
		Str("source", source.Name).
		Str("target", target.Name).
		Bool("delete_original", req.DeleteOriginal).
		Msg("migration started")
	s.record(userID, models.ActivityMigrationStarted,
		fmt.Sprintf("Started migrating %s from %s to %s", d.ContainerName, source.Name, target.Name))
	if s.metrics != nil {
		s.metrics.MigrationStarted()
	}

	s.wg.Add(1)
	go s.execute(userID, engineReq)

	registered, _ := s.registry.Get(d.ID)
	return registered, nil
}

func (s *Service) execute(userID uuid.UUID, req Request) {
	defer s.wg.Done()

	deploymentID := req.Deployment.ID
	started := time.Now()
	events := make(chan Event, 16)

	type outcome struct {
		result *Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := s.engine.Run(s.ctx, req, events, s.registry.Token(deploymentID))
		done <- outcome{res, err}
	}()

	for ev := range events {
		if err := s.registry.UpdateStage(deploymentID, ev.Stage, ev.Percent, ev.Message); err != nil {
			s.logger.Warn().Err(err).Str("deployment_id", deploymentID.String()).Msg("failed to update job")
		}
		s.emit(userID, ev)
	}
	out := <-done

	stage := models.MigrationStageError
	if out.result != nil {
		stage = out.result.Stage
	}

	// The original record is gone after a successful move.
	originalDeleted := stage == models.MigrationStageComplete && req.DeleteOriginal
	if originalDeleted && out.result.StaleRecord {
		originalDeleted = s.deleteStaleRecord(req)
	}
	if !originalDeleted {
		status := models.DeploymentStatusStopped
		if out.result != nil && out.result.SourceRunning {
			status = models.DeploymentStatusRunning
		}
		if err := s.store.UpdateDeploymentStatus(context.Background(), deploymentID, status); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", deploymentID.String()).Msg("failed to restore deployment status")
		}
	}
	s.registry.Remove(deploymentID)

	if s.metrics != nil {
		s.metrics.MigrationFinished(stage, time.Since(started))
	}

	name := req.Deployment.ContainerName
	switch stage {
	case models.MigrationStageComplete:
		verb := "Copied"
		if req.DeleteOriginal {
			verb = "Moved"
		}
		s.record(userID, models.ActivityMigrationCompleted,
			fmt.Sprintf("%s %s from %s to %s", verb, name, req.Source.Name, req.Target.Name))
	case models.MigrationStageCancelled:
		s.record(userID, models.ActivityMigrationCancelled, fmt.Sprintf("Cancelled migration of %s", name))
	default:
		msg := "unknown error"
		if out.err != nil {
			msg = out.err.Error()
		}
		s.record(userID, models.ActivityMigrationFailed, fmt.Sprintf("Migration of %s failed at %s", name, msg))
	}
}

// deleteStaleRecord retries deleting the original record of a finished move.
// The record is left stopped if the retry fails too.
func (s *Service) deleteStaleRecord(req Request) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := s.store.DeleteDeployment(ctx, req.Deployment.ID)
	if err == nil {
		return true
	}
	s.logger.Error().Err(err).
		Str("stale_deployment_id", req.Deployment.ID.String()).
		Str("container", req.Deployment.ContainerName).
		Str("server", req.Source.Name).
		Msg("deployment record outlived its moved container; delete it manually")
	return false
}

// Status returns the user's active migrations.
func (s *Service) Status(userID uuid.UUID) []jobs.Job {
	return s.registry.ListByUser(userID)
}

// Get returns the user's active migration for a deployment.
func (s *Service) Get(userID, deploymentID uuid.UUID) (jobs.Job, error) {
	job, ok := s.registry.Get(deploymentID)
	if !ok {
		return jobs.Job{}, jobs.ErrJobNotFound
	}
	if job.UserID != userID {
		return jobs.Job{}, jobs.ErrUnauthorized
	}
	return job, nil
}

// Cancel requests cancellation. It is honored at the next stage boundary and
// refused with *jobs.NotCancellableError once recreating has begun.
func (s *Service) Cancel(userID, deploymentID uuid.UUID) (jobs.Job, error) {
	job, err := s.registry.RequestCancel(deploymentID, userID)
	if err != nil {
		return job, err
	}
	s.logger.Info().
		Str("deployment_id", deploymentID.String()).
		Str("stage", string(job.Stage)).
		Msg("migration cancellation requested")
	return job, nil
}

// Wait blocks until every running migration has finished or ctx is done.
func (s *Service) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Active returns the number of running migrations.
func (s *Service) Active() int {
	return s.registry.Count()
}

func (s *Service) emit(userID uuid.UUID, ev Event) {
	if s.feed == nil {
		return
	}
	s.feed.Emit(ProgressEvent, userID, ev)
}

func (s *Service) record(userID uuid.UUID, kind models.ActivityKind, message string) {
	if s.activity == nil {
		return
	}
	s.activity.Record(context.Background(), userID, kind, message)
}
