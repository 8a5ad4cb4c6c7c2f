// Package snapshot archives a deployment's volume data to local storage and
// restores it into the deployment's current volume mappings.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/db"
	"github.com/MacJediWizard/ferry/internal/docker"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"
)

// ProgressEvent is the real-time event name for snapshot progress.
const ProgressEvent = "snapshot-progress"

// Operation names used in progress events and metrics.
const (
	OperationCreate  = "create"
	OperationRestore = "restore"
	OperationRemove  = "remove"
)

// Repository is the persistence the snapshot store needs.
type Repository interface {
	GetDeploymentByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error)
	GetServerByID(ctx context.Context, id uuid.UUID) (*models.Server, error)
	UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error
	CreateSnapshot(ctx context.Context, s *models.Snapshot) error
	UpdateSnapshot(ctx context.Context, s *models.Snapshot) error
	GetSnapshotByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id uuid.UUID) error
	ListSnapshotsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*models.Snapshot, error)
	ListSnapshots(ctx context.Context) ([]*models.Snapshot, error)
	ListSnapshotsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Snapshot, error)
}

// Archiver creates and extracts volume archives.
type Archiver interface {
	Create(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping, localPath string, progress archive.ProgressFunc) (*archive.Handle, error)
	Extract(ctx context.Context, srv *models.Server, h *archive.Handle, targets []models.VolumeMapping, progress archive.ProgressFunc) (*archive.ExtractReport, error)
}

// Offsite keeps a second copy of each archive.
type Offsite interface {
	Put(ctx context.Context, key, localPath string) error
	Get(ctx context.Context, key, localPath string) error
	Delete(ctx context.Context, key string) error
}

// Publisher broadcasts real-time events to a user's connected clients.
type Publisher interface {
	Emit(event string, userID uuid.UUID, payload any)
}

// Recorder writes the activity log.
type Recorder interface {
	Record(ctx context.Context, userID uuid.UUID, kind models.ActivityKind, message string)
}

// Metrics observes snapshot operations.
type Metrics interface {
	SnapshotOperation(op string, success bool, duration time.Duration)
}

// Config configures a Store.
type Config struct {
	// Dir holds the archives, one file per snapshot.
	Dir string
	// QuotaBytes caps the total size of complete snapshots. Zero disables the quota.
	QuotaBytes int64
	// ProgressInterval is the minimum gap between progress events.
	ProgressInterval time.Duration
}

// Deps bundles the collaborators of a Store. Offsite, Feed, Activity and
// Metrics are optional.
type Deps struct {
	Repo     Repository
	Runtime  docker.Runtime
	Archiver Archiver
	Offsite  Offsite
	Feed     Publisher
	Activity Recorder
	Metrics  Metrics
}

// Progress is the payload of a snapshot-progress event.
type Progress struct {
	SnapshotID   uuid.UUID `json:"snapshot_id"`
	DeploymentID uuid.UUID `json:"deployment_id"`
	Operation    string    `json:"operation"`
	Phase        string    `json:"phase"`
	Percent      int       `json:"percent"`
	Message      string    `json:"message"`
}

// Store manages snapshot archives and records.
type Store struct {
	repo     Repository
	runtime  docker.Runtime
	archiver Archiver
	offsite  Offsite
	feed     Publisher
	activity Recorder
	metrics  Metrics
	cfg      Config
	logger   zerolog.Logger

	mu   sync.Mutex
	busy map[uuid.UUID]string // deployment -> operation

	// commitMu makes the quota check and the commit of a finished archive
	// one step across all deployments.
	commitMu sync.Mutex
}

// NewStore creates a new Store. The archive directory is created if missing.
func NewStore(deps Deps, cfg Config, logger zerolog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 500 * time.Millisecond
	}
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}
	return &Store{
		repo:     deps.Repo,
		runtime:  deps.Runtime,
		archiver: deps.Archiver,
		offsite:  deps.Offsite,
		feed:     deps.Feed,
		activity: deps.Activity,
		metrics:  deps.Metrics,
		cfg:      cfg,
		logger:   logger.With().Str("component", "snapshot_store").Logger(),
		busy:     make(map[uuid.UUID]string),
	}, nil
}

// Create archives the deployment's volumes into a new snapshot. The container
// is stopped for the duration of the archive and restarted if it was running.
func (s *Store) Create(ctx context.Context, deploymentID uuid.UUID, note string) (snap *models.Snapshot, err error) {
	started := time.Now()
	defer func() { s.observe(OperationCreate, err == nil, started) }()

	d, err := s.repo.GetDeploymentByID(ctx, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	if len(d.Volumes) == 0 {
		return nil, &NoVolumesError{DeploymentID: d.ID}
	}
	if err := models.ValidateVolumes(d.Volumes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVolumes, err)
	}

	release, err := s.acquire(d, OperationCreate)
	if err != nil {
		return nil, err
	}
	defer release()

	if s.cfg.QuotaBytes > 0 {
		used, err := s.usedBytes(ctx)
		if err != nil {
			return nil, err
		}
		if used >= s.cfg.QuotaBytes {
			return nil, &QuotaExceededError{UsedBytes: used, QuotaBytes: s.cfg.QuotaBytes}
		}
	}

	srv, err := s.repo.GetServerByID(ctx, d.ServerID)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}

	snap = models.NewSnapshot(d, note)
	snap.ArchivePath = filepath.Join(s.cfg.Dir, snap.ID.String()+".tar.gz")
	if err := s.repo.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("create snapshot record: %w", err)
	}

	logger := s.logger.With().
		Str("snapshot_id", snap.ID.String()).
		Str("deployment_id", d.ID.String()).
		Logger()
	logger.Info().Strs("volumes", snap.VolumePaths).Msg("creating snapshot")

	progress := s.newReporter(d.OwnerID, snap.ID, d.ID, OperationCreate)
	progress.emit("starting", 0, "stopping container")

	handle, err := s.withContainerStopped(ctx, d, srv, models.DeploymentStatusSnapshotting, func() (*archive.Handle, error) {
		return s.archiver.Create(ctx, srv, d.Volumes, snap.ArchivePath, progress.archiveProgress)
	})
	if err != nil {
		s.failSnapshot(snap, err)
		progress.emit("error", progress.percent(), err.Error())
		s.record(d.OwnerID, models.ActivitySnapshotFailed, fmt.Sprintf("Snapshot of %s failed: %v", d.ContainerName, err))
		return nil, err
	}

	if err := s.commit(ctx, snap, handle); err != nil {
		var qerr *QuotaExceededError
		if errors.As(err, &qerr) {
			progress.emit("error", progress.percent(), qerr.Error())
			s.record(d.OwnerID, models.ActivitySnapshotFailed, fmt.Sprintf("Snapshot of %s rejected: %v", d.ContainerName, qerr))
		}
		return nil, err
	}

	s.copyOffsite(ctx, snap)

	progress.emit("complete", 100, "snapshot complete")
	logger.Info().Int64("size_bytes", snap.SizeBytes).Msg("snapshot complete")
	s.record(d.OwnerID, models.ActivitySnapshotCreated,
		fmt.Sprintf("Created snapshot of %s (%d bytes)", d.ContainerName, snap.SizeBytes))
	return snap, nil
}

// commit checks the finished archive against the quota and marks the
// snapshot complete. A rejected or unsaved archive is removed.
func (s *Store) commit(ctx context.Context, snap *models.Snapshot, handle *archive.Handle) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.cfg.QuotaBytes > 0 {
		used, err := s.usedBytes(ctx)
		if err != nil {
			s.failSnapshot(snap, err)
			return err
		}
		if used+handle.SizeBytes > s.cfg.QuotaBytes {
			qerr := &QuotaExceededError{UsedBytes: used, SizeBytes: handle.SizeBytes, QuotaBytes: s.cfg.QuotaBytes}
			s.failSnapshot(snap, qerr)
			return qerr
		}
	}

	snap.Entries = handle.Entries
	snap.Complete(handle.SizeBytes)
	if err := s.repo.UpdateSnapshot(ctx, snap); err != nil {
		s.removeArchive(snap)
		return fmt.Errorf("complete snapshot record: %w", err)
	}
	return nil
}

// Restore extracts a snapshot into the owning deployment's current volume
// mappings, which may differ from the mappings recorded at snapshot time.
func (s *Store) Restore(ctx context.Context, snapshotID uuid.UUID) (report *archive.ExtractReport, err error) {
	started := time.Now()
	defer func() { s.observe(OperationRestore, err == nil, started) }()

	snap, err := s.Get(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if snap.Status != models.SnapshotStatusComplete {
		return nil, ErrSnapshotIncomplete
	}

	d, err := s.repo.GetDeploymentByID(ctx, snap.DeploymentID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, &DeploymentMissingError{DeploymentID: snap.DeploymentID}
		}
		return nil, fmt.Errorf("get deployment: %w", err)
	}
	if err := models.ValidateVolumes(d.Volumes); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidVolumes, err)
	}

	release, err := s.acquire(d, OperationRestore)
	if err != nil {
		return nil, err
	}
	defer release()

	srv, err := s.repo.GetServerByID(ctx, d.ServerID)
	if err != nil {
		return nil, fmt.Errorf("get server: %w", err)
	}

	if err := s.ensureLocal(ctx, snap); err != nil {
		return nil, err
	}

	logger := s.logger.With().
		Str("snapshot_id", snap.ID.String()).
		Str("deployment_id", d.ID.String()).
		Logger()
	logger.Info().Msg("restoring snapshot")

	progress := s.newReporter(d.OwnerID, snap.ID, d.ID, OperationRestore)
	progress.emit("starting", 0, "stopping container")

	handle := &archive.Handle{LocalPath: snap.ArchivePath, SizeBytes: snap.SizeBytes, Entries: snap.Entries}
	_, err = s.withContainerStopped(ctx, d, srv, models.DeploymentStatusRestoring, func() (*archive.Handle, error) {
		var extractErr error
		report, extractErr = s.archiver.Extract(ctx, srv, handle, d.Volumes, progress.archiveProgress)
		return handle, extractErr
	})
	if err != nil {
		progress.emit("error", progress.percent(), err.Error())
		logger.Error().Err(err).Msg("restore failed")
		return nil, err
	}
	for _, v := range report.Skipped {
		logger.Warn().Str("host_path", v.HostPath).Msg("no archived volume for mapping, left untouched")
	}

	progress.emit("complete", 100, "restore complete")
	logger.Info().Int("volumes", len(report.Matched)).Msg("snapshot restored")
	s.record(d.OwnerID, models.ActivitySnapshotRestored,
		fmt.Sprintf("Restored %s from snapshot taken %s", d.ContainerName, snap.CreatedAt.Format(time.RFC3339)))
	return report, nil
}

// Remove deletes a snapshot's archive and record. Removing an absent
// snapshot returns ErrSnapshotNotFound.
func (s *Store) Remove(ctx context.Context, snapshotID uuid.UUID) (err error) {
	started := time.Now()
	defer func() { s.observe(OperationRemove, err == nil, started) }()

	snap, err := s.Get(ctx, snapshotID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	op, busy := s.busy[snap.DeploymentID]
	s.mu.Unlock()
	if busy && snap.Status == models.SnapshotStatusPending {
		return fmt.Errorf("%w: %s in progress", ErrDeploymentBusy, op)
	}

	if err := s.repo.DeleteSnapshot(ctx, snap.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrSnapshotNotFound
		}
		return fmt.Errorf("delete snapshot record: %w", err)
	}
	s.removeArchive(snap)
	if snap.OffsiteKey != "" && s.offsite != nil {
		if err := s.offsite.Delete(ctx, snap.OffsiteKey); err != nil {
			s.logger.Warn().Err(err).Str("key", snap.OffsiteKey).Msg("failed to delete offsite copy")
		}
	}

	s.logger.Info().Str("snapshot_id", snap.ID.String()).Msg("snapshot removed")
	if d, err := s.repo.GetDeploymentByID(ctx, snap.DeploymentID); err == nil {
		s.record(d.OwnerID, models.ActivitySnapshotDeleted, fmt.Sprintf("Deleted snapshot of %s", d.ContainerName))
	}
	return nil
}

// Get returns a snapshot by ID.
func (s *Store) Get(ctx context.Context, snapshotID uuid.UUID) (*models.Snapshot, error) {
	snap, err := s.repo.GetSnapshotByID(ctx, snapshotID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return nil, ErrSnapshotNotFound
		}
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return snap, nil
}

// ListByDeployment returns a deployment's snapshots, newest first.
func (s *Store) ListByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*models.Snapshot, error) {
	return s.repo.ListSnapshotsByDeployment(ctx, deploymentID)
}

// ListAll returns every snapshot, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*models.Snapshot, error) {
	return s.repo.ListSnapshots(ctx)
}

// ListByOwner returns a user's snapshots, newest first, including those
// whose deployment has since been deleted.
func (s *Store) ListByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Snapshot, error) {
	return s.repo.ListSnapshotsByOwner(ctx, ownerID)
}

// StorageStats reports quota usage and the free space left on the archive filesystem.
func (s *Store) StorageStats(ctx context.Context) (*models.StorageStats, error) {
	snaps, err := s.repo.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}

	stats := &models.StorageStats{QuotaBytes: s.cfg.QuotaBytes, SnapshotCount: len(snaps)}
	for _, snap := range snaps {
		stats.UsedBytes += snap.TrustedSize()
		if snap.Status == models.SnapshotStatusComplete {
			stats.CompleteCount++
		}
	}

	usage, err := disk.UsageWithContext(ctx, s.cfg.Dir)
	if err != nil {
		s.logger.Warn().Err(err).Str("dir", s.cfg.Dir).Msg("failed to read filesystem usage")
	} else {
		stats.FilesystemFree = usage.Free
	}
	return stats, nil
}

// acquire marks the deployment busy. It fails if the deployment is in a
// transitional status or another snapshot operation holds it.
func (s *Store) acquire(d *models.Deployment, op string) (func(), error) {
	if d.Status.IsTransitional() {
		return nil, fmt.Errorf("%w: %s", ErrDeploymentBusy, d.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.busy[d.ID]; ok {
		return nil, fmt.Errorf("%w: %s in progress", ErrDeploymentBusy, held)
	}
	s.busy[d.ID] = op
	return func() {
		s.mu.Lock()
		delete(s.busy, d.ID)
		s.mu.Unlock()
	}, nil
}

// withContainerStopped sets the transitional status, stops the container if
// it is running, runs fn, then restarts the container and restores the status.
func (s *Store) withContainerStopped(ctx context.Context, d *models.Deployment, srv *models.Server, status models.DeploymentStatus, fn func() (*archive.Handle, error)) (*archive.Handle, error) {
	if err := s.repo.UpdateDeploymentStatus(ctx, d.ID, status); err != nil {
		return nil, fmt.Errorf("mark deployment %s: %w", status, err)
	}

	wasRunning := false
	final := models.DeploymentStatusStopped
	defer func() {
		if err := s.repo.UpdateDeploymentStatus(context.WithoutCancel(ctx), d.ID, final); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", d.ID.String()).Msg("failed to restore deployment status")
		}
	}()

	state, err := s.runtime.State(ctx, srv, d.ContainerName)
	switch {
	case errors.Is(err, docker.ErrNoSuchContainer):
		// Volumes can be archived without a container.
	case err != nil:
		return nil, fmt.Errorf("inspect container: %w", err)
	default:
		wasRunning = state.Running
	}
	if wasRunning {
		if err := s.runtime.Stop(ctx, srv, d.ContainerName); err != nil {
			final = models.DeploymentStatusRunning
			return nil, fmt.Errorf("stop container: %w", err)
		}
	}

	handle, fnErr := fn()

	if wasRunning {
		restartCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Minute)
		defer cancel()
		if err := s.runtime.Start(restartCtx, srv, d.ContainerName); err != nil {
			s.logger.Error().Err(err).Str("deployment_id", d.ID.String()).Msg("failed to restart container")
			if fnErr == nil {
				fnErr = fmt.Errorf("restart container: %w", err)
			}
		} else {
			final = models.DeploymentStatusRunning
		}
	}
	return handle, fnErr
}

func (s *Store) usedBytes(ctx context.Context) (int64, error) {
	snaps, err := s.repo.ListSnapshots(ctx)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	var used int64
	for _, snap := range snaps {
		used += snap.TrustedSize()
	}
	return used, nil
}

func (s *Store) failSnapshot(snap *models.Snapshot, cause error) {
	snap.Fail(cause.Error())
	s.removeArchive(snap)
	if err := s.repo.UpdateSnapshot(context.Background(), snap); err != nil {
		s.logger.Error().Err(err).Str("snapshot_id", snap.ID.String()).Msg("failed to mark snapshot failed")
	}
}

func (s *Store) removeArchive(snap *models.Snapshot) {
	if snap.ArchivePath == "" {
		return
	}
	if err := os.Remove(snap.ArchivePath); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("path", snap.ArchivePath).Msg("failed to remove snapshot archive")
	}
}

func (s *Store) copyOffsite(ctx context.Context, snap *models.Snapshot) {
	if s.offsite == nil {
		return
	}
	key := snap.ID.String() + ".tar.gz"
	if err := s.offsite.Put(ctx, key, snap.ArchivePath); err != nil {
		s.logger.Warn().Err(err).Str("snapshot_id", snap.ID.String()).Msg("offsite copy failed")
		return
	}
	snap.OffsiteKey = key
	if err := s.repo.UpdateSnapshot(ctx, snap); err != nil {
		s.logger.Warn().Err(err).Str("snapshot_id", snap.ID.String()).Msg("failed to record offsite key")
	}
}

// ensureLocal fetches the offsite copy when the local archive is gone.
func (s *Store) ensureLocal(ctx context.Context, snap *models.Snapshot) error {
	if _, err := os.Stat(snap.ArchivePath); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("stat snapshot archive: %w", err)
	}
	if snap.OffsiteKey == "" || s.offsite == nil {
		return fmt.Errorf("snapshot archive %s is missing", snap.ArchivePath)
	}
	s.logger.Info().Str("snapshot_id", snap.ID.String()).Msg("local archive missing, fetching offsite copy")
	if err := s.offsite.Get(ctx, snap.OffsiteKey, snap.ArchivePath); err != nil {
		return fmt.Errorf("fetch offsite copy: %w", err)
	}
	return nil
}

func (s *Store) observe(op string, success bool, started time.Time) {
	if s.metrics != nil {
		s.metrics.SnapshotOperation(op, success, time.Since(started))
	}
}

func (s *Store) record(userID uuid.UUID, kind models.ActivityKind, message string) {
	if s.activity == nil {
		return
	}
	s.activity.Record(context.Background(), userID, kind, message)
}
