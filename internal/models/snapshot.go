package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SnapshotStatus represents the state of a snapshot archive.
type SnapshotStatus string

const (
	// SnapshotStatusPending indicates the archive is being produced.
	SnapshotStatusPending SnapshotStatus = "pending"
	// SnapshotStatusComplete indicates the archive is stored and its size is trusted.
	SnapshotStatusComplete SnapshotStatus = "complete"
	// SnapshotStatusFailed indicates the snapshot could not be produced.
	SnapshotStatusFailed SnapshotStatus = "failed"
)

// ArchiveEntry describes one volume tree inside an archive.
type ArchiveEntry struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	// Member is the path of the tree inside the archive, relative to the archive root.
	Member string `json:"member"`
	// File is set when the host path is a single file rather than a directory.
	File bool `json:"file,omitempty"`
}

// Snapshot is an immutable point-in-time archive of a deployment's volumes.
type Snapshot struct {
	ID           uuid.UUID      `json:"id"`
	DeploymentID uuid.UUID      `json:"deployment_id"`
	OwnerID      uuid.UUID      `json:"owner_id"`
	CreatedAt    time.Time      `json:"created_at"`
	SizeBytes    int64          `json:"size_bytes"`
	VolumePaths  []string       `json:"volume_paths"`
	Entries      []ArchiveEntry `json:"entries,omitempty"`
	Status       SnapshotStatus `json:"status"`
	Note         string         `json:"note,omitempty"`
	ArchivePath  string         `json:"-"`
	OffsiteKey   string         `json:"offsite_key,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CompletedAt  *time.Time     `json:"completed_at,omitempty"`
}

// NewSnapshot creates a pending snapshot of the deployment's current volume paths.
func NewSnapshot(d *Deployment, note string) *Snapshot {
	paths := make([]string, 0, len(d.Volumes))
	for _, v := range d.Volumes {
		paths = append(paths, v.HostPath)
	}
	return &Snapshot{
		ID:           uuid.New(),
		DeploymentID: d.ID,
		OwnerID:      d.OwnerID,
		CreatedAt:    time.Now(),
		VolumePaths:  paths,
		Status:       SnapshotStatusPending,
		Note:         note,
	}
}

// Complete marks the snapshot complete with the final archive size.
func (s *Snapshot) Complete(sizeBytes int64) {
	now := time.Now()
	s.Status = SnapshotStatusComplete
	s.SizeBytes = sizeBytes
	s.CompletedAt = &now
	s.ErrorMessage = ""
}

// Fail marks the snapshot failed. The recorded size is no longer trusted.
func (s *Snapshot) Fail(errMsg string) {
	now := time.Now()
	s.Status = SnapshotStatusFailed
	s.ErrorMessage = errMsg
	s.CompletedAt = &now
}

// TrustedSize returns the size in bytes, or zero unless the snapshot is complete.
func (s *Snapshot) TrustedSize() int64 {
	if s.Status != SnapshotStatusComplete {
		return 0
	}
	return s.SizeBytes
}

// EntriesJSON returns the archive entries as JSON bytes for database storage.
func (s *Snapshot) EntriesJSON() ([]byte, error) {
	if s.Entries == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Entries)
}

// SetEntriesFromJSON sets the archive entries from JSON bytes.
func (s *Snapshot) SetEntriesFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &s.Entries)
}

// StorageStats summarizes snapshot storage usage.
type StorageStats struct {
	UsedBytes      int64  `json:"used_bytes"`
	QuotaBytes     int64  `json:"quota_bytes"`
	SnapshotCount  int    `json:"snapshot_count"`
	CompleteCount  int    `json:"complete_count"`
	FilesystemFree uint64 `json:"filesystem_free_bytes"`
}

// RemainingBytes returns how many bytes can still be committed under the quota.
func (s *StorageStats) RemainingBytes() int64 {
	if s.QuotaBytes <= 0 {
		return -1
	}
	r := s.QuotaBytes - s.UsedBytes
	if r < 0 {
		return 0
	}
	return r
}
