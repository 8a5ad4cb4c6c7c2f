package handlers

import (
	"context"
	"net/http"
	"testing"

	"github.com/MacJediWizard/ferry/internal/conflict"
	"github.com/MacJediWizard/ferry/internal/jobs"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type fakeMigrationService struct {
	checkResult *conflict.Result
	err         error
	jobs        []jobs.Job

	started   *models.MigrateRequest
	startedBy uuid.UUID
}

func (f *fakeMigrationService) Check(_ context.Context, _ uuid.UUID, _ models.ConflictCheckRequest) (*conflict.Result, error) {
	return f.checkResult, f.err
}

func (f *fakeMigrationService) Start(_ context.Context, userID uuid.UUID, req models.MigrateRequest) (jobs.Job, error) {
	if f.err != nil {
		return jobs.Job{}, f.err
	}
	f.started = &req
	f.startedBy = userID
	job := jobs.NewJob(req.DeploymentID, userID)
	job.TargetServerID = req.TargetServerID
	return job, nil
}

func (f *fakeMigrationService) Status(uuid.UUID) []jobs.Job { return f.jobs }

func (f *fakeMigrationService) Get(_, deploymentID uuid.UUID) (jobs.Job, error) {
	if f.err != nil {
		return jobs.Job{}, f.err
	}
	return jobs.NewJob(deploymentID, uuid.New()), nil
}

func (f *fakeMigrationService) Cancel(userID, deploymentID uuid.UUID) (jobs.Job, error) {
	if f.err != nil {
		return jobs.Job{}, f.err
	}
	job := jobs.NewJob(deploymentID, userID)
	job.Cancelled = true
	return job, nil
}

func setupMigrations(svc *fakeMigrationService, userID uuid.UUID) http.Handler {
	r, api := newTestRouter(userID)
	NewMigrationsHandler(svc, zerolog.Nop()).RegisterRoutes(api)
	return r
}

func TestMigrationsHandler_Start(t *testing.T) {
	user := uuid.New()
	validBody := models.MigrateRequest{DeploymentID: uuid.New(), TargetServerID: uuid.New(), NewName: "web-2"}

	tests := []struct {
		name       string
		user       uuid.UUID
		body       any
		err        error
		wantStatus int
	}{
		{"accepted", user, validBody, nil, http.StatusAccepted},
		{"unauthenticated", uuid.Nil, validBody, nil, http.StatusUnauthorized},
		{"malformed json", user, "{not json", nil, http.StatusBadRequest},
		{"missing target", user, map[string]any{"deployment_id": uuid.New()}, nil, http.StatusBadRequest},
		{"already running", user, validBody, jobs.ErrJobExists, http.StatusConflict},
		{"not owner", user, validBody, jobs.ErrUnauthorized, http.StatusForbidden},
		{"conflict", user, validBody, &conflict.ConflictError{Name: "web-2", Result: &conflict.Result{NameConflict: true}}, http.StatusConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeMigrationService{err: tt.err}
			w := doRequest(setupMigrations(svc, tt.user), http.MethodPost, "/api/v1/migrations", tt.body)
			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", w.Code, tt.wantStatus, w.Body.String())
			}
			if tt.wantStatus != http.StatusAccepted {
				return
			}
			if svc.started == nil || svc.started.NewName != "web-2" || svc.startedBy != user {
				t.Errorf("service got %+v from %s", svc.started, svc.startedBy)
			}
			var job jobs.Job
			decodeBody(t, w, &job)
			if job.Stage != models.MigrationStageStarting || job.DeploymentID != validBody.DeploymentID {
				t.Errorf("job = %+v", job)
			}
		})
	}
}

func TestMigrationsHandler_Check(t *testing.T) {
	svc := &fakeMigrationService{checkResult: &conflict.Result{PortConflicts: []int{443}}}
	body := models.ConflictCheckRequest{TargetServerID: uuid.New(), Name: "web", Ports: []models.PortMapping{{HostPort: 443, ContainerPort: 443}}}

	w := doRequest(setupMigrations(svc, uuid.New()), http.MethodPost, "/api/v1/migrations/check", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var result conflict.Result
	decodeBody(t, w, &result)
	if result.NameConflict || len(result.PortConflicts) != 1 || result.PortConflicts[0] != 443 {
		t.Errorf("result = %+v", result)
	}
}

func TestMigrationsHandler_List(t *testing.T) {
	user := uuid.New()

	w := doRequest(setupMigrations(&fakeMigrationService{}, user), http.MethodGet, "/api/v1/migrations", nil)
	if w.Code != http.StatusOK || w.Body.String() != `{"migrations":[]}` {
		t.Errorf("empty list = %d %s", w.Code, w.Body.String())
	}

	svc := &fakeMigrationService{jobs: []jobs.Job{jobs.NewJob(uuid.New(), user), jobs.NewJob(uuid.New(), user)}}
	w = doRequest(setupMigrations(svc, user), http.MethodGet, "/api/v1/migrations", nil)
	var resp struct {
		Migrations []jobs.Job `json:"migrations"`
	}
	decodeBody(t, w, &resp)
	if len(resp.Migrations) != 2 {
		t.Errorf("migrations = %d, want 2", len(resp.Migrations))
	}
}

func TestMigrationsHandler_Get(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
	}{
		{"found", "/api/v1/migrations/" + uuid.NewString(), nil, http.StatusOK},
		{"invalid id", "/api/v1/migrations/not-a-uuid", nil, http.StatusBadRequest},
		{"no job", "/api/v1/migrations/" + uuid.NewString(), jobs.ErrJobNotFound, http.StatusNotFound},
		{"foreign job", "/api/v1/migrations/" + uuid.NewString(), jobs.ErrUnauthorized, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(setupMigrations(&fakeMigrationService{err: tt.err}, uuid.New()), http.MethodGet, tt.path, nil)
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestMigrationsHandler_Cancel(t *testing.T) {
	path := "/api/v1/migrations/" + uuid.NewString() + "/cancel"

	w := doRequest(setupMigrations(&fakeMigrationService{}, uuid.New()), http.MethodPost, path, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var job jobs.Job
	decodeBody(t, w, &job)
	if !job.Cancelled {
		t.Error("job.Cancelled = false, want true")
	}

	svc := &fakeMigrationService{err: &jobs.NotCancellableError{Stage: models.MigrationStageRecreating}}
	w = doRequest(setupMigrations(svc, uuid.New()), http.MethodPost, path, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	var resp ErrorResponse
	decodeBody(t, w, &resp)
	if resp.Stage != "recreating" {
		t.Errorf("stage = %q, want recreating", resp.Stage)
	}
}
