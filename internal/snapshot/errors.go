package snapshot

import (
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
)

var (
	// ErrSnapshotNotFound is returned when a snapshot record does not exist,
	// including on a second Remove of the same snapshot.
	ErrSnapshotNotFound = errors.New("snapshot not found")
	// ErrSnapshotIncomplete is returned when restoring a snapshot that never completed.
	ErrSnapshotIncomplete = errors.New("snapshot is not complete")
	// ErrDeploymentBusy is returned while another operation holds the deployment.
	ErrDeploymentBusy = errors.New("deployment is busy with another operation")
	// ErrInvalidVolumes is returned when a deployment's volume mappings cannot
	// be archived or restored safely.
	ErrInvalidVolumes = errors.New("invalid volume mapping")
)

// QuotaExceededError is returned when committing an archive would push the
// store past its configured maximum.
type QuotaExceededError struct {
	UsedBytes  int64
	SizeBytes  int64
	QuotaBytes int64
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("snapshot quota exceeded: %s used + %s new > %s quota",
		humanize.Bytes(uint64(e.UsedBytes)), humanize.Bytes(uint64(e.SizeBytes)), humanize.Bytes(uint64(e.QuotaBytes)))
}

// NoVolumesError is returned when snapshotting a deployment without volume mappings.
type NoVolumesError struct {
	DeploymentID uuid.UUID
}

func (e *NoVolumesError) Error() string {
	return fmt.Sprintf("deployment %s has no volume mappings to snapshot", e.DeploymentID)
}

// DeploymentMissingError is returned when restoring a snapshot whose
// deployment no longer exists.
type DeploymentMissingError struct {
	DeploymentID uuid.UUID
}

func (e *DeploymentMissingError) Error() string {
	return fmt.Sprintf("deployment %s no longer exists", e.DeploymentID)
}
