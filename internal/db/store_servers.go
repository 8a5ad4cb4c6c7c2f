package db

import (
	"context"
	"fmt"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const serverColumns = `id, owner_id, name, host, port, ssh_user, password, private_key_path, host_key, created_at`

func scanServer(row pgx.Row) (*models.Server, error) {
	var s models.Server
	if err := row.Scan(&s.ID, &s.OwnerID, &s.Name, &s.Host, &s.Port, &s.User,
		&s.Password, &s.PrivateKeyPath, &s.HostKey, &s.CreatedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetServerByID returns a server by ID, including its credentials.
func (db *DB) GetServerByID(ctx context.Context, id uuid.UUID) (*models.Server, error) {
	s, err := scanServer(db.Pool.QueryRow(ctx, `SELECT `+serverColumns+` FROM servers WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get server: %w", notFound(err))
	}
	return s, nil
}

// ListServersByOwner returns a user's servers ordered by name.
func (db *DB) ListServersByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Server, error) {
	rows, err := db.Pool.Query(ctx, `SELECT `+serverColumns+` FROM servers WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	defer rows.Close()

	var out []*models.Server
	for rows.Next() {
		s, err := scanServer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan server: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate servers: %w", err)
	}
	return out, nil
}

// CreateServer inserts a server. Used by cmd/migrate seeding and tests; the
// inventory service owns these rows in production.
func (db *DB) CreateServer(ctx context.Context, s *models.Server) error {
	port := s.Port
	if port == 0 {
		port = 22
	}
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO servers (`+serverColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, s.ID, s.OwnerID, s.Name, s.Host, port, s.User, s.Password, s.PrivateKeyPath, s.HostKey, s.CreatedAt)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	return nil
}
