package db

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
)

// CreateActivityEntry appends an entry to the activity log.
func (db *DB) CreateActivityEntry(ctx context.Context, e *models.ActivityEntry) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO activity_log (id, user_id, kind, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, e.ID, e.UserID, string(e.Kind), e.Message, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create activity entry: %w", err)
	}
	return nil
}

// ListActivityByUser returns a user's most recent activity entries.
func (db *DB) ListActivityByUser(ctx context.Context, userID uuid.UUID, limit int) ([]*models.ActivityEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.Pool.Query(ctx, `
		SELECT id, user_id, kind, message, created_at
		FROM activity_log
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []*models.ActivityEntry
	for rows.Next() {
		var e models.ActivityEntry
		var kind string
		if err := rows.Scan(&e.ID, &e.UserID, &kind, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan activity entry: %w", err)
		}
		e.Kind = models.ActivityKind(kind)
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return out, nil
}
