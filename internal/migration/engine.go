// Package migration moves or copies a deployment and its volume data from one
// server to another, bridging the data through local staging storage.
package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/docker"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Archiver moves volume data between hosts.
type Archiver interface {
	Build(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping, progress archive.ProgressFunc) (*archive.RemoteArchive, error)
	Fetch(ctx context.Context, srv *models.Server, ra *archive.RemoteArchive, localPath string, progress archive.ProgressFunc) (*archive.Handle, error)
	Upload(ctx context.Context, srv *models.Server, h *archive.Handle, progress archive.ProgressFunc) (string, error)
	ExtractRemote(ctx context.Context, srv *models.Server, remoteArchive string, plan *archive.ExtractReport, progress archive.ProgressFunc) error
	RemoveRemote(ctx context.Context, srv *models.Server, remotePath string)
	CheckTargets(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping) error
}

// DeploymentWriter persists the deployment records a migration creates or deletes.
type DeploymentWriter interface {
	CreateDeployment(ctx context.Context, d *models.Deployment) error
	DeleteDeployment(ctx context.Context, id uuid.UUID) error
}

// CancelToken gates each stage transition. Enter records stage as current
// unless a cancellation is pending, in which case it reports true and leaves
// the stage unchanged.
type CancelToken interface {
	Enter(stage models.MigrationStage) bool
}

// Request describes one migration.
type Request struct {
	Deployment *models.Deployment
	Source     *models.Server
	Target     *models.Server
	// NewName defaults to the deployment's container name.
	NewName string
	// NewPorts defaults to the deployment's port mappings.
	NewPorts       []models.PortMapping
	DeleteOriginal bool
}

// Event is one progress report.
type Event struct {
	DeploymentID uuid.UUID             `json:"deployment_id"`
	Stage        models.MigrationStage `json:"stage"`
	Percent      int                   `json:"percent"`
	Message      string                `json:"message"`
	Time         time.Time             `json:"time"`
}

// Result is the outcome of a migration.
type Result struct {
	Stage         models.MigrationStage
	NewDeployment *models.Deployment
	// SourceRunning reports the source container's final run state.
	SourceRunning bool
	// StaleRecord is set when a move removed the source container but could
	// not delete the original deployment record.
	StaleRecord bool
}

// StageError wraps a failure with the stage it occurred in.
type StageError struct {
	Stage models.MigrationStage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrSameServer is returned when source and target are the same server.
var ErrSameServer = errors.New("source and target server must differ")

// ErrInvalidRequest wraps every other rejected migration request.
var ErrInvalidRequest = errors.New("invalid migration request")

// ErrTargetContainerExists is returned when the target server already has a
// container with the new name.
var ErrTargetContainerExists = errors.New("target server already has a container with that name")

// Config configures an Engine.
type Config struct {
	// StagingDir holds archives in transit between the two hosts.
	StagingDir string
	// ProgressInterval is the minimum gap between byte progress events.
	ProgressInterval time.Duration
}

// stage percent bands: each stage starts at its floor and byte progress
// moves within [floor, ceiling).
var stageBands = map[models.MigrationStage][2]int{
	models.MigrationStageStarting:    {0, 5},
	models.MigrationStageStopping:    {5, 10},
	models.MigrationStageArchiving:   {10, 40},
	models.MigrationStageDownloading: {40, 65},
	models.MigrationStageUploading:   {65, 85},
	models.MigrationStageRecreating:  {85, 95},
	models.MigrationStageCleanup:     {95, 100},
	models.MigrationStageComplete:    {100, 100},
}

// Engine runs migrations. It holds no per-migration state and is safe for
// concurrent use.
type Engine struct {
	runtime docker.Runtime
	archive Archiver
	store   DeploymentWriter
	cfg     Config
	logger  zerolog.Logger
}

// NewEngine creates a new Engine.
func NewEngine(runtime docker.Runtime, archiver Archiver, store DeploymentWriter, cfg Config, logger zerolog.Logger) *Engine {
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if cfg.StagingDir == "" {
		cfg.StagingDir = os.TempDir()
	}
	return &Engine{
		runtime: runtime,
		archive: archiver,
		store:   store,
		cfg:     cfg,
		logger:  logger.With().Str("component", "migration_engine").Logger(),
	}
}

// run holds the state of one migration.
type run struct {
	e      *Engine
	ctx    context.Context
	req    Request
	token  CancelToken
	logger zerolog.Logger

	mu       sync.Mutex
	events   chan<- Event
	stage    models.MigrationStage
	percent  int
	lastEmit time.Time

	sourceStopped bool // we stopped the source and owe it a restart
	wasRunning    bool
}

// Run drives one migration to a terminal stage. Events are sent in order and
// events is closed when Run returns. Cancellation is observed only at stage
// boundaries, from leaving starting up to entering recreating.
func (e *Engine) Run(ctx context.Context, req Request, events chan<- Event, token CancelToken) (*Result, error) {
	defer close(events)

	if req.Deployment == nil {
		return &Result{Stage: models.MigrationStageError}, &StageError{Stage: models.MigrationStageStarting, Err: errors.New("deployment is required")}
	}

	r := &run{
		e:      e,
		ctx:    ctx,
		req:    req,
		token:  token,
		events: events,
		logger: e.logger.With().Str("deployment_id", req.Deployment.ID.String()).Logger(),
	}

	staging := filepath.Join(e.cfg.StagingDir, fmt.Sprintf("migration-%s-%s.tar.gz", req.Deployment.ID, uuid.New()))
	defer func() {
		if err := os.Remove(staging); err != nil && !os.IsNotExist(err) {
			r.logger.Warn().Err(err).Str("path", staging).Msg("failed to remove staging archive")
		}
	}()

	return r.execute(staging)
}

func (r *run) execute(staging string) (*Result, error) {
	req := r.req
	d := req.Deployment
	hasVolumes := len(d.Volumes) > 0

	// starting
	r.enter(models.MigrationStageStarting, "validating migration")
	if err := validate(req); err != nil {
		return r.fail(err)
	}
	newDeployment := r.targetDeployment()
	if err := r.checkTarget(newDeployment); err != nil {
		return r.fail(err)
	}

	// stopping
	if r.advance(models.MigrationStageStopping, fmt.Sprintf("stopping %s on %s", d.ContainerName, req.Source.Name)) {
		return r.cancel()
	}
	state, err := r.e.runtime.State(r.ctx, req.Source, d.ContainerName)
	if err != nil {
		return r.fail(err)
	}
	r.wasRunning = state.Running
	if state.Running {
		if err := r.e.runtime.Stop(r.ctx, req.Source, d.ContainerName); err != nil {
			// A failed stop may still have stopped it.
			r.sourceStopped = true
			return r.fail(err)
		}
		r.sourceStopped = true
	}

	// archiving
	if r.advance(models.MigrationStageArchiving, "archiving volumes") {
		return r.cancel()
	}
	var built *archive.RemoteArchive
	if hasVolumes {
		built, err = r.e.archive.Build(r.ctx, req.Source, d.Volumes, r.bytesProgress("archiving"))
		if err != nil {
			return r.fail(err)
		}
		defer r.e.archive.RemoveRemote(r.ctx, req.Source, built.Path)
	}

	// downloading
	if r.advance(models.MigrationStageDownloading, "downloading archive") {
		return r.cancel()
	}
	var handle *archive.Handle
	if hasVolumes {
		handle, err = r.e.archive.Fetch(r.ctx, req.Source, built, staging, r.bytesProgress("downloaded"))
		if err != nil {
			return r.fail(err)
		}
	}

	// uploading
	if r.advance(models.MigrationStageUploading, fmt.Sprintf("uploading archive to %s", req.Target.Name)) {
		return r.cancel()
	}
	var remoteArchive string
	if hasVolumes {
		remoteArchive, err = r.e.archive.Upload(r.ctx, req.Target, handle, r.bytesProgress("uploaded"))
		if err != nil {
			return r.fail(err)
		}
		defer r.e.archive.RemoveRemote(r.ctx, req.Target, remoteArchive)
	}

	// recreating: the last point a cancellation is honored.
	if r.advance(models.MigrationStageRecreating, fmt.Sprintf("creating container on %s", req.Target.Name)) {
		return r.cancel()
	}
	if hasVolumes {
		plan, err := archive.Match(handle.Entries, newDeployment.Volumes)
		if err != nil {
			return r.fail(err)
		}
		if err := r.e.archive.ExtractRemote(r.ctx, req.Target, remoteArchive, plan, nil); err != nil {
			return r.fail(err)
		}
	}
	containerID, err := r.e.runtime.Run(r.ctx, req.Target, docker.SpecFromDeployment(newDeployment))
	if err != nil {
		if containerID != "" {
			r.removeTargetContainer(containerID)
		}
		return r.fail(err)
	}
	newDeployment.ContainerID = containerID
	newDeployment.Status = models.DeploymentStatusRunning
	if err := r.e.store.CreateDeployment(r.ctx, newDeployment); err != nil {
		r.removeTargetContainer(containerID)
		return r.fail(fmt.Errorf("save deployment: %w", err))
	}

	// cleanup
	sourceRunning := r.wasRunning
	staleRecord := false
	if req.DeleteOriginal {
		r.advance(models.MigrationStageCleanup, fmt.Sprintf("removing %s from %s", d.ContainerName, req.Source.Name))
		if err := r.e.runtime.Remove(r.ctx, req.Source, d.ContainerName); err != nil {
			return r.fail(err)
		}
		r.sourceStopped = false
		sourceRunning = false
		// The move has happened once the source container is gone.
		if err := r.e.store.DeleteDeployment(r.ctx, d.ID); err != nil {
			staleRecord = true
			r.logger.Error().Err(err).
				Str("stale_deployment_id", d.ID.String()).
				Str("container", d.ContainerName).
				Str("server", req.Source.Name).
				Msg("source container removed but its deployment record could not be deleted")
		}
	} else {
		r.advance(models.MigrationStageCleanup, fmt.Sprintf("restoring %s on %s", d.ContainerName, req.Source.Name))
		if err := r.restoreSource(); err != nil {
			return r.fail(err)
		}
	}

	message := "migration complete"
	if staleRecord {
		message = "migration complete; the original deployment record could not be deleted"
	}
	r.advance(models.MigrationStageComplete, message)
	r.logger.Info().
		Str("source", req.Source.Name).
		Str("target", req.Target.Name).
		Bool("delete_original", req.DeleteOriginal).
		Msg("migration complete")

	return &Result{
		Stage:         models.MigrationStageComplete,
		NewDeployment: newDeployment,
		SourceRunning: sourceRunning,
		StaleRecord:   staleRecord,
	}, nil
}

// checkTarget refuses a target that already has a container with the new
// name or data at any of the volume host paths. Nothing has been stopped yet.
func (r *run) checkTarget(nd *models.Deployment) error {
	_, err := r.e.runtime.State(r.ctx, r.req.Target, nd.ContainerName)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s on %s", ErrTargetContainerExists, nd.ContainerName, r.req.Target.Name)
	case !errors.Is(err, docker.ErrNoSuchContainer):
		return fmt.Errorf("inspect target container: %w", err)
	}
	if len(nd.Volumes) > 0 {
		return r.e.archive.CheckTargets(r.ctx, r.req.Target, nd.Volumes)
	}
	return nil
}

func validate(req Request) error {
	if req.Source == nil || req.Target == nil {
		return fmt.Errorf("%w: source and target servers are required", ErrInvalidRequest)
	}
	if req.Source.ID == req.Target.ID {
		return ErrSameServer
	}
	if req.Deployment.ServerID != req.Source.ID {
		return fmt.Errorf("%w: deployment is not bound to the source server", ErrInvalidRequest)
	}
	if req.Deployment.Status.IsTransitional() {
		return fmt.Errorf("%w: deployment is %s", ErrInvalidRequest, req.Deployment.Status)
	}
	ports := req.NewPorts
	if ports == nil {
		ports = req.Deployment.Ports
	}
	if err := models.ValidatePorts(ports); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if err := models.ValidateVolumes(req.Deployment.Volumes); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	return nil
}

// targetDeployment builds the record for the container created on the target.
func (r *run) targetDeployment() *models.Deployment {
	nd := r.req.Deployment.Clone()
	now := time.Now()
	nd.ID = uuid.New()
	nd.ServerID = r.req.Target.ID
	nd.ContainerID = ""
	nd.CreatedAt = now
	nd.UpdatedAt = now
	if r.req.NewName != "" {
		nd.ContainerName = r.req.NewName
	}
	if r.req.NewPorts != nil {
		nd.Ports = append([]models.PortMapping(nil), r.req.NewPorts...)
	}
	return nd
}

// advance enters stage and reports false, or reports true without entering
// it when a cancellation is pending and the current stage still allows one.
func (r *run) advance(stage models.MigrationStage, message string) bool {
	if r.token != nil && r.token.Enter(stage) && r.currentStage().IsCancellable() {
		return true
	}
	r.enter(stage, message)
	return false
}

// cancel restores the source container and ends the run as cancelled.
func (r *run) cancel() (*Result, error) {
	r.logger.Info().Str("stage", string(r.currentStage())).Msg("migration cancelled")
	if err := r.restoreSource(); err != nil {
		return r.fail(fmt.Errorf("cancelled, but failed to restart source container: %w", err))
	}
	r.enter(models.MigrationStageCancelled, "migration cancelled; source container restored")
	return &Result{Stage: models.MigrationStageCancelled, SourceRunning: r.wasRunning}, nil
}

// fail restarts the source best effort and ends the run in the error stage.
func (r *run) fail(err error) (*Result, error) {
	stage := r.currentStage()
	stageErr := &StageError{Stage: stage, Err: err}

	r.logger.Error().Err(err).Str("stage", string(stage)).Msg("migration failed")

	sourceRunning := r.wasRunning && !r.sourceStopped
	if rerr := r.restoreSource(); rerr != nil {
		r.logger.Error().Err(rerr).Msg("failed to restart source container after failure")
	} else if r.wasRunning {
		sourceRunning = true
	}

	r.enter(models.MigrationStageError, stageErr.Error())
	return &Result{Stage: models.MigrationStageError, SourceRunning: sourceRunning}, stageErr
}

// restoreSource starts the source container again if this run stopped it.
func (r *run) restoreSource() error {
	if !r.sourceStopped || !r.wasRunning {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 2*time.Minute)
	defer cancel()
	if err := r.e.runtime.Start(ctx, r.req.Source, r.req.Deployment.ContainerName); err != nil {
		return err
	}
	r.sourceStopped = false
	return nil
}

// removeTargetContainer removes the container this run created on the target.
func (r *run) removeTargetContainer(id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), time.Minute)
	defer cancel()
	if err := r.e.runtime.Remove(ctx, r.req.Target, id); err != nil {
		r.logger.Warn().Err(err).Str("container_id", id).Msg("failed to remove partial target container")
	}
}

func (r *run) currentStage() models.MigrationStage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stage
}

// enter moves to stage and always emits an event.
func (r *run) enter(stage models.MigrationStage, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stage = stage
	if band, ok := stageBands[stage]; ok {
		r.setPercentLocked(band[0])
	}
	r.emitLocked(message)
}

// bytesProgress maps archive byte progress into the current stage's band,
// throttled to the configured interval.
func (r *run) bytesProgress(verb string) archive.ProgressFunc {
	return func(p archive.Progress) {
		r.mu.Lock()
		defer r.mu.Unlock()

		band, ok := stageBands[r.stage]
		if !ok || p.Total <= 0 {
			return
		}
		finished := p.Done >= p.Total
		if !finished && time.Since(r.lastEmit) < r.e.cfg.ProgressInterval {
			return
		}

		done := p.Done
		if done > p.Total {
			done = p.Total
		}
		span := band[1] - band[0]
		pct := band[0] + int(int64(span)*done/p.Total)
		if pct >= band[1] && band[1] > band[0] {
			pct = band[1] - 1
		}
		if !r.setPercentLocked(pct) && !finished {
			return
		}
		r.emitLocked(fmt.Sprintf("%s %s of %s", verb, humanize.Bytes(uint64(done)), humanize.Bytes(uint64(p.Total))))
	}
}

// setPercentLocked raises percent to pct, reporting whether it changed.
func (r *run) setPercentLocked(pct int) bool {
	if pct > 100 {
		pct = 100
	}
	if pct <= r.percent {
		return false
	}
	r.percent = pct
	return true
}

func (r *run) emitLocked(message string) {
	ev := Event{
		DeploymentID: r.req.Deployment.ID,
		Stage:        r.stage,
		Percent:      r.percent,
		Message:      message,
		Time:         time.Now(),
	}
	r.lastEmit = ev.Time
	select {
	case r.events <- ev:
	case <-r.ctx.Done():
	}
}
