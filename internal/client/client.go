// Package client is an HTTP client for the Ferry API used by ferryctl.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/MacJediWizard/ferry/internal/auth"
	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
)

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	// Stage is set when a cancel was refused.
	Stage string
	// Conflicts is set when the target server already uses the name or ports.
	Conflicts *conflict.Result
}

func (e *APIError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("server returned %d: %s (stage %s)", e.StatusCode, e.Message, e.Stage)
	}
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// Client talks to a Ferry server with a browser session cookie.
type Client struct {
	serverURL  string
	session    string
	httpClient *http.Client
}

// New creates a new API client. Requests carry no timeout of their own;
// snapshot create and restore return only when the archive work is done,
// so callers bound requests with their context.
func New(serverURL, session string) *Client {
	return &Client{
		serverURL:  strings.TrimSuffix(serverURL, "/"),
		session:    session,
		httpClient: &http.Client{},
	}
}

// Health is the server health report.
type Health struct {
	Status           string `json:"status"`
	Database         string `json:"database"`
	ActiveMigrations int    `json:"active_migrations"`
	Error            string `json:"error,omitempty"`
}

// Health reports server health. It does not require a session.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	err := c.do(ctx, http.MethodGet, "/health", nil, &h)
	// 503 still carries a body describing the failure.
	if err != nil && !IsStatus(err, http.StatusServiceUnavailable) {
		return nil, fmt.Errorf("get health: %w", err)
	}
	return &h, nil
}

// CheckConflicts reports name and port collisions on a target server.
func (c *Client) CheckConflicts(ctx context.Context, req models.ConflictCheckRequest) (*conflict.Result, error) {
	var result conflict.Result
	if err := c.do(ctx, http.MethodPost, "/api/v1/migrations/check", req, &result); err != nil {
		return nil, fmt.Errorf("check conflicts: %w", err)
	}
	return &result, nil
}

// StartMigration starts a migration and returns its initial job state.
func (c *Client) StartMigration(ctx context.Context, req models.MigrateRequest) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/migrations", req, &job); err != nil {
		return nil, fmt.Errorf("start migration: %w", err)
	}
	return &job, nil
}

// ListMigrations returns the caller's running migrations.
func (c *Client) ListMigrations(ctx context.Context) ([]jobs.Job, error) {
	var resp struct {
		Migrations []jobs.Job `json:"migrations"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	return resp.Migrations, nil
}

// GetMigration returns the running migration of a deployment.
func (c *Client) GetMigration(ctx context.Context, deploymentID uuid.UUID) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodGet, "/api/v1/migrations/"+deploymentID.String(), nil, &job); err != nil {
		return nil, fmt.Errorf("get migration: %w", err)
	}
	return &job, nil
}

// CancelMigration asks the server to stop a migration at its next stage boundary.
func (c *Client) CancelMigration(ctx context.Context, deploymentID uuid.UUID) (*jobs.Job, error) {
	var job jobs.Job
	if err := c.do(ctx, http.MethodPost, "/api/v1/migrations/"+deploymentID.String()+"/cancel", nil, &job); err != nil {
		return nil, fmt.Errorf("cancel migration: %w", err)
	}
	return &job, nil
}

// ListServers returns the caller's servers.
func (c *Client) ListServers(ctx context.Context) ([]models.Server, error) {
	var resp struct {
		Servers []models.Server `json:"servers"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/servers", nil, &resp); err != nil {
		return nil, fmt.Errorf("list servers: %w", err)
	}
	return resp.Servers, nil
}

// ListDeployments returns the caller's deployments.
func (c *Client) ListDeployments(ctx context.Context) ([]models.Deployment, error) {
	var resp struct {
		Deployments []models.Deployment `json:"deployments"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/deployments", nil, &resp); err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	return resp.Deployments, nil
}

// ListSnapshots returns the caller's snapshots. A non-nil deploymentID
// narrows the list to that deployment.
func (c *Client) ListSnapshots(ctx context.Context, deploymentID uuid.UUID) ([]models.Snapshot, error) {
	path := "/api/v1/snapshots"
	if deploymentID != uuid.Nil {
		path = "/api/v1/deployments/" + deploymentID.String() + "/snapshots"
	}
	var resp struct {
		Snapshots []models.Snapshot `json:"snapshots"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	return resp.Snapshots, nil
}

// CreateSnapshot snapshots a deployment's volumes.
func (c *Client) CreateSnapshot(ctx context.Context, deploymentID uuid.UUID, note string) (*models.Snapshot, error) {
	var snap models.Snapshot
	body := map[string]string{"note": note}
	if err := c.do(ctx, http.MethodPost, "/api/v1/deployments/"+deploymentID.String()+"/snapshots", body, &snap); err != nil {
		return nil, fmt.Errorf("create snapshot: %w", err)
	}
	return &snap, nil
}

// RestoreResult lists the volumes a restore wrote and those it left alone.
type RestoreResult struct {
	Restored []models.VolumeMapping `json:"restored"`
	Skipped  []models.VolumeMapping `json:"skipped"`
}

// RestoreSnapshot extracts a snapshot into its deployment's volumes.
func (c *Client) RestoreSnapshot(ctx context.Context, snapshotID uuid.UUID) (*RestoreResult, error) {
	var result RestoreResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/snapshots/"+snapshotID.String()+"/restore", nil, &result); err != nil {
		return nil, fmt.Errorf("restore snapshot: %w", err)
	}
	return &result, nil
}

// DeleteSnapshot removes a snapshot and its archive.
func (c *Client) DeleteSnapshot(ctx context.Context, snapshotID uuid.UUID) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/snapshots/"+snapshotID.String(), nil, nil); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// SnapshotStats returns snapshot storage usage.
func (c *Client) SnapshotStats(ctx context.Context) (*models.StorageStats, error) {
	var stats models.StorageStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/snapshots/stats", nil, &stats); err != nil {
		return nil, fmt.Errorf("get snapshot stats: %w", err)
	}
	return &stats, nil
}

func (c *Client) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.serverURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.session != "" {
		req.AddCookie(&http.Cookie{Name: auth.SessionName, Value: c.session})
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var errBody struct {
			Error     string           `json:"error"`
			Stage     string           `json:"stage"`
			Conflicts *conflict.Result `json:"conflicts"`
		}
		if json.Unmarshal(data, &errBody) == nil && errBody.Error != "" {
			apiErr.Message = errBody.Error
			apiErr.Stage = errBody.Stage
			apiErr.Conflicts = errBody.Conflicts
		}
		if resp.StatusCode == http.StatusServiceUnavailable && result != nil {
			_ = json.Unmarshal(data, result)
		}
		return apiErr
	}

	if result == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, result)
}
