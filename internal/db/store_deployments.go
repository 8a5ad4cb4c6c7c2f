package db

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deploymentColumns = `id, app_id, server_id, owner_id, container_id, container_name, image,
	status, ports, volumes, env, run_options, created_at, updated_at`

func scanDeployment(row pgx.Row) (*models.Deployment, error) {
	var d models.Deployment
	var status string
	var ports, volumes, env, runOptions []byte
	if err := row.Scan(&d.ID, &d.AppID, &d.ServerID, &d.OwnerID, &d.ContainerID, &d.ContainerName,
		&d.Image, &status, &ports, &volumes, &env, &runOptions, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Status = models.DeploymentStatus(status)
	if err := d.SetPortsFromJSON(ports); err != nil {
		return nil, fmt.Errorf("parse ports: %w", err)
	}
	if err := d.SetVolumesFromJSON(volumes); err != nil {
		return nil, fmt.Errorf("parse volumes: %w", err)
	}
	if err := d.SetEnvFromJSON(env); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := d.SetRunOptionsFromJSON(runOptions); err != nil {
		return nil, fmt.Errorf("parse run options: %w", err)
	}
	return &d, nil
}

// GetDeploymentByID returns a deployment by ID.
func (db *DB) GetDeploymentByID(ctx context.Context, id uuid.UUID) (*models.Deployment, error) {
	d, err := scanDeployment(db.Pool.QueryRow(ctx,
		`SELECT `+deploymentColumns+` FROM deployments WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get deployment: %w", notFound(err))
	}
	return d, nil
}

// ListDeploymentsByServer returns every deployment bound to a server.
func (db *DB) ListDeploymentsByServer(ctx context.Context, serverID uuid.UUID) ([]*models.Deployment, error) {
	return db.listDeployments(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE server_id = $1 ORDER BY container_name`, serverID)
}

// ListDeploymentsByOwner returns a user's deployments.
func (db *DB) ListDeploymentsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Deployment, error) {
	return db.listDeployments(ctx, `SELECT `+deploymentColumns+`
		FROM deployments WHERE owner_id = $1 ORDER BY created_at`, ownerID)
}

func (db *DB) listDeployments(ctx context.Context, query string, arg any) ([]*models.Deployment, error) {
	rows, err := db.Pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	var out []*models.Deployment
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deployment: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deployments: %w", err)
	}
	return out, nil
}

// CreateDeployment inserts a deployment.
func (db *DB) CreateDeployment(ctx context.Context, d *models.Deployment) error {
	ports, err := d.PortsJSON()
	if err != nil {
		return fmt.Errorf("marshal ports: %w", err)
	}
	volumes, err := d.VolumesJSON()
	if err != nil {
		return fmt.Errorf("marshal volumes: %w", err)
	}
	env, err := d.EnvJSON()
	if err != nil {
		return fmt.Errorf("marshal env: %w", err)
	}
	runOptions, err := d.RunOptionsJSON()
	if err != nil {
		return fmt.Errorf("marshal run options: %w", err)
	}

	_, err = db.Pool.Exec(ctx, `
		INSERT INTO deployments (`+deploymentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, d.ID, d.AppID, d.ServerID, d.OwnerID, d.ContainerID, d.ContainerName, d.Image,
		string(d.Status), ports, volumes, env, runOptions, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create deployment: %w", err)
	}
	return nil
}

// UpdateDeploymentStatus sets a deployment's status.
func (db *DB) UpdateDeploymentStatus(ctx context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	tag, err := db.Pool.Exec(ctx, `
		UPDATE deployments SET status = $2, updated_at = $3 WHERE id = $1
	`, id, string(status), time.Now())
	if err != nil {
		return fmt.Errorf("update deployment status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update deployment status: %w", ErrNotFound)
	}
	return nil
}

// DeleteDeployment removes a deployment. Its snapshots are kept.
func (db *DB) DeleteDeployment(ctx context.Context, id uuid.UUID) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete deployment: %w", ErrNotFound)
	}
	return nil
}
