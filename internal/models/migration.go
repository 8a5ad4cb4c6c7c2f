package models

import (
	"slices"

	"github.com/google/uuid"
)

// MigrationStage is a step of the migration state machine.
type MigrationStage string

const (
	MigrationStageStarting    MigrationStage = "starting"
	MigrationStageStopping    MigrationStage = "stopping"
	MigrationStageArchiving   MigrationStage = "archiving"
	MigrationStageDownloading MigrationStage = "downloading"
	MigrationStageUploading   MigrationStage = "uploading"
	MigrationStageRecreating  MigrationStage = "recreating"
	MigrationStageCleanup     MigrationStage = "cleanup"
	MigrationStageComplete    MigrationStage = "complete"
	MigrationStageError       MigrationStage = "error"
	MigrationStageCancelled   MigrationStage = "cancelled"
)

// stageSequence is the forward order of the non-terminal stages plus complete.
var stageSequence = []MigrationStage{
	MigrationStageStarting,
	MigrationStageStopping,
	MigrationStageArchiving,
	MigrationStageDownloading,
	MigrationStageUploading,
	MigrationStageRecreating,
	MigrationStageCleanup,
	MigrationStageComplete,
}

// Rank orders stages along the state machine. Error and cancelled rank after
// every other stage; unknown stages rank -1.
func (s MigrationStage) Rank() int {
	if s == MigrationStageError || s == MigrationStageCancelled {
		return len(stageSequence)
	}
	return slices.Index(stageSequence, s)
}

// IsTerminal reports whether no further transitions follow the stage.
func (s MigrationStage) IsTerminal() bool {
	switch s {
	case MigrationStageComplete, MigrationStageError, MigrationStageCancelled:
		return true
	}
	return false
}

// IsCancellable reports whether a cancellation can still be honored in the
// stage. Once recreating starts the target may hold a partial container.
func (s MigrationStage) IsCancellable() bool {
	switch s {
	case MigrationStageStarting, MigrationStageStopping, MigrationStageArchiving,
		MigrationStageDownloading, MigrationStageUploading:
		return true
	}
	return false
}

// MigrateRequest is a user request to move or copy a deployment to another server.
type MigrateRequest struct {
	DeploymentID   uuid.UUID     `json:"deployment_id" binding:"required"`
	TargetServerID uuid.UUID     `json:"target_server_id" binding:"required"`
	NewName        string        `json:"new_name,omitempty"`
	NewPorts       []PortMapping `json:"new_ports,omitempty"`
	DeleteOriginal bool          `json:"delete_original"`
}

// ConflictCheckRequest asks whether a name and port set is free on a server.
type ConflictCheckRequest struct {
	TargetServerID uuid.UUID       `json:"target_server_id" binding:"required"`
	Name           string          `json:"name" binding:"required"`
	Ports          []PortMapping   `json:"ports"`
	Volumes        []VolumeMapping `json:"volumes,omitempty"`
}
