package models

import (
	"time"

	"github.com/google/uuid"
)

// ActivityKind categorizes entries in the activity log.
type ActivityKind string

const (
	ActivityMigrationStarted   ActivityKind = "migration_started"
	ActivityMigrationCompleted ActivityKind = "migration_completed"
	ActivityMigrationFailed    ActivityKind = "migration_failed"
	ActivityMigrationCancelled ActivityKind = "migration_cancelled"
	ActivitySnapshotCreated    ActivityKind = "snapshot_created"
	ActivitySnapshotFailed     ActivityKind = "snapshot_failed"
	ActivitySnapshotRestored   ActivityKind = "snapshot_restored"
	ActivitySnapshotDeleted    ActivityKind = "snapshot_deleted"
)

// ActivityEntry is one audit trail record.
type ActivityEntry struct {
	ID        uuid.UUID    `json:"id"`
	UserID    uuid.UUID    `json:"user_id"`
	Kind      ActivityKind `json:"kind"`
	Message   string       `json:"message"`
	CreatedAt time.Time    `json:"created_at"`
}

// NewActivityEntry creates a new activity entry.
func NewActivityEntry(userID uuid.UUID, kind ActivityKind, message string) *ActivityEntry {
	return &ActivityEntry{
		ID:        uuid.New(),
		UserID:    userID,
		Kind:      kind,
		Message:   message,
		CreatedAt: time.Now(),
	}
}
