package db

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const snapshotColumns = `id, deployment_id, owner_id, status, size_bytes, volume_paths, entries, note,
	archive_path, offsite_key, error_message, created_at, completed_at`

func scanSnapshot(row pgx.Row) (*models.Snapshot, error) {
	var s models.Snapshot
	var status string
	var entries []byte
	if err := row.Scan(&s.ID, &s.DeploymentID, &s.OwnerID, &status, &s.SizeBytes, &s.VolumePaths, &entries,
		&s.Note, &s.ArchivePath, &s.OffsiteKey, &s.ErrorMessage, &s.CreatedAt, &s.CompletedAt); err != nil {
		return nil, err
	}
	s.Status = models.SnapshotStatus(status)
	if err := s.SetEntriesFromJSON(entries); err != nil {
		return nil, fmt.Errorf("parse entries: %w", err)
	}
	return &s, nil
}

// CreateSnapshot inserts a snapshot record.
func (db *DB) CreateSnapshot(ctx context.Context, s *models.Snapshot) error {
	entries, err := s.EntriesJSON()
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	paths := s.VolumePaths
	if paths == nil {
		paths = []string{}
	}
	_, err = db.Pool.Exec(ctx, `
		INSERT INTO snapshots (`+snapshotColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, s.ID, s.DeploymentID, s.OwnerID, string(s.Status), s.SizeBytes, paths, entries, s.Note,
		s.ArchivePath, s.OffsiteKey, s.ErrorMessage, s.CreatedAt, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	return nil
}

// UpdateSnapshot writes the mutable fields of a snapshot record.
func (db *DB) UpdateSnapshot(ctx context.Context, s *models.Snapshot) error {
	entries, err := s.EntriesJSON()
	if err != nil {
		return fmt.Errorf("marshal entries: %w", err)
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE snapshots
		SET status = $2, size_bytes = $3, entries = $4, offsite_key = $5,
		    error_message = $6, completed_at = $7
		WHERE id = $1
	`, s.ID, string(s.Status), s.SizeBytes, entries, s.OffsiteKey, s.ErrorMessage, s.CompletedAt)
	if err != nil {
		return fmt.Errorf("update snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update snapshot: %w", ErrNotFound)
	}
	return nil
}

// GetSnapshotByID returns a snapshot by ID.
func (db *DB) GetSnapshotByID(ctx context.Context, id uuid.UUID) (*models.Snapshot, error) {
	s, err := scanSnapshot(db.Pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", notFound(err))
	}
	return s, nil
}

// DeleteSnapshot removes a snapshot record.
func (db *DB) DeleteSnapshot(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete snapshot: %w", ErrNotFound)
	}
	return nil
}

// ListSnapshotsByDeployment returns a deployment's snapshots, newest first.
func (db *DB) ListSnapshotsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*models.Snapshot, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+snapshotColumns+`
		FROM snapshots WHERE deployment_id = $1 ORDER BY created_at DESC`, deploymentID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

// ListSnapshotsByOwner returns a user's snapshots, newest first.
func (db *DB) ListSnapshotsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Snapshot, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+snapshotColumns+`
		FROM snapshots WHERE owner_id = $1 ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

// ListSnapshots returns every snapshot, newest first.
func (db *DB) ListSnapshots(ctx context.Context) ([]*models.Snapshot, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+snapshotColumns+` FROM snapshots ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return collectSnapshots(rows)
}

func collectSnapshots(rows pgx.Rows) ([]*models.Snapshot, error) {
	defer rows.Close()
	var out []*models.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}
