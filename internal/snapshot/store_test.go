package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/db"
	"github.com/MacJediWizard/ferry/internal/docker"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/MacJediWizard/ferry/internal/remote"
	"github.com/MacJediWizard/ferry/internal/remote/remotetest"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type memRepo struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]*models.Deployment
	servers     map[uuid.UUID]*models.Server
	snapshots   map[uuid.UUID]*models.Snapshot
	statuses    []models.DeploymentStatus
	// updateDelay stalls UpdateSnapshot to widen races between concurrent commits.
	updateDelay time.Duration
}

func newMemRepo() *memRepo {
	return &memRepo{
		deployments: make(map[uuid.UUID]*models.Deployment),
		servers:     make(map[uuid.UUID]*models.Server),
		snapshots:   make(map[uuid.UUID]*models.Snapshot),
	}
}

func (r *memRepo) GetDeploymentByID(_ context.Context, id uuid.UUID) (*models.Deployment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return d.Clone(), nil
}

func (r *memRepo) GetServerByID(_ context.Context, id uuid.UUID) (*models.Server, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	srv, ok := r.servers[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return srv, nil
}

func (r *memRepo) UpdateDeploymentStatus(_ context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.deployments[id]
	if !ok {
		return db.ErrNotFound
	}
	d.Status = status
	r.statuses = append(r.statuses, status)
	return nil
}

func (r *memRepo) setVolumes(id uuid.UUID, volumes []models.VolumeMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deployments[id].Volumes = volumes
}

func (r *memRepo) CreateSnapshot(_ context.Context, s *models.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := *s
	r.snapshots[s.ID] = &c
	return nil
}

func (r *memRepo) UpdateSnapshot(_ context.Context, s *models.Snapshot) error {
	r.mu.Lock()
	delay := r.updateDelay
	r.mu.Unlock()
	time.Sleep(delay)

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshots[s.ID]; !ok {
		return db.ErrNotFound
	}
	c := *s
	r.snapshots[s.ID] = &c
	return nil
}

func (r *memRepo) GetSnapshotByID(_ context.Context, id uuid.UUID) (*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.snapshots[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (r *memRepo) DeleteSnapshot(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.snapshots[id]; !ok {
		return db.ErrNotFound
	}
	delete(r.snapshots, id)
	return nil
}

func (r *memRepo) ListSnapshotsByDeployment(ctx context.Context, deploymentID uuid.UUID) ([]*models.Snapshot, error) {
	all, _ := r.ListSnapshots(ctx)
	var out []*models.Snapshot
	for _, s := range all {
		if s.DeploymentID == deploymentID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) ListSnapshotsByOwner(ctx context.Context, ownerID uuid.UUID) ([]*models.Snapshot, error) {
	all, _ := r.ListSnapshots(ctx)
	var out []*models.Snapshot
	for _, s := range all {
		if s.OwnerID == ownerID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (r *memRepo) ListSnapshots(_ context.Context) ([]*models.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Snapshot
	for _, s := range r.snapshots {
		c := *s
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// fakeRuntime tracks one container's run state.
type fakeRuntime struct {
	mu      sync.Mutex
	running map[string]bool
	calls   []string
}

func (f *fakeRuntime) isRunning(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[name]
}

func (f *fakeRuntime) State(_ context.Context, _ *models.Server, name string) (*docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "state")
	running, ok := f.running[name]
	if !ok {
		return nil, docker.ErrNoSuchContainer
	}
	return &docker.ContainerState{Name: name, Running: running}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, _ *models.Server, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.running[name] = false
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, _ *models.Server, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	f.running[name] = true
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, _ *models.Server, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, _ *models.Server, spec docker.RunSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[spec.Name] = true
	return "cid-" + spec.Name, nil
}

// memOffsite keeps objects as local files in a directory.
type memOffsite struct {
	dir     string
	deleted []string
}

func (o *memOffsite) Put(_ context.Context, key, localPath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(o.dir, key), data, 0o600)
}

func (o *memOffsite) Get(_ context.Context, key, localPath string) error {
	data, err := os.ReadFile(filepath.Join(o.dir, key))
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, data, 0o600)
}

func (o *memOffsite) Delete(_ context.Context, key string) error {
	o.deleted = append(o.deleted, key)
	return os.Remove(filepath.Join(o.dir, key))
}

type feedRecorder struct {
	mu     sync.Mutex
	events []Progress
}

func (f *feedRecorder) Emit(event string, _ uuid.UUID, payload any) {
	if event != ProgressEvent {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(Progress))
}

type storeFixture struct {
	store      *Store
	repo       *memRepo
	runtime    *fakeRuntime
	feed       *feedRecorder
	deployment *models.Deployment
	base       string
	dataDir    string
	snapDir    string
}

func newStoreFixture(t *testing.T, quota int64, offsite Offsite) *storeFixture {
	t.Helper()
	sshd := remotetest.Start(t, "deploy", "secret")
	exec := remote.NewSSHExecutor(remote.DefaultConfig(), zerolog.Nop())
	t.Cleanup(func() { exec.Close() })

	base := t.TempDir()
	remoteTmp := filepath.Join(base, "remote-tmp")
	if err := os.MkdirAll(remoteTmp, 0o755); err != nil {
		t.Fatal(err)
	}
	codec := archive.NewCodec(exec, archive.Options{RemoteTempDir: remoteTmp}, zerolog.Nop())

	srv := sshd.Model()
	dataDir := filepath.Join(base, "app", "data")
	writeFile(t, filepath.Join(dataDir, "index.html"), "<h1>hello</h1>")
	writeFile(t, filepath.Join(dataDir, "sub", "notes.txt"), "keep me")

	d := models.NewDeployment(uuid.New(), srv.ID, uuid.New(), "web", "nginx:1.27")
	d.Volumes = []models.VolumeMapping{{HostPath: dataDir, ContainerPath: "/var/data"}}
	d.Status = models.DeploymentStatusRunning

	repo := newMemRepo()
	repo.servers[srv.ID] = srv
	repo.deployments[d.ID] = d.Clone()

	rt := &fakeRuntime{running: map[string]bool{"web": true}}
	feed := &feedRecorder{}
	snapDir := filepath.Join(base, "snapshots")

	store, err := NewStore(Deps{
		Repo:     repo,
		Runtime:  rt,
		Archiver: codec,
		Offsite:  offsite,
		Feed:     feed,
	}, Config{Dir: snapDir, QuotaBytes: quota}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}

	return &storeFixture{
		store:      store,
		repo:       repo,
		runtime:    rt,
		feed:       feed,
		deployment: d,
		base:       base,
		dataDir:    dataDir,
		snapDir:    snapDir,
	}
}

func writeFile(t *testing.T, p, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func readFile(t *testing.T, p string) string {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatalf("read %s: %v", p, err)
	}
	return string(data)
}

func TestStore_Create(t *testing.T) {
	f := newStoreFixture(t, 0, nil)

	snap, err := f.store.Create(context.Background(), f.deployment.ID, "before upgrade")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if snap.Status != models.SnapshotStatusComplete {
		t.Errorf("Status = %q, want complete", snap.Status)
	}
	if snap.SizeBytes <= 0 {
		t.Errorf("SizeBytes = %d, want > 0", snap.SizeBytes)
	}
	if len(snap.VolumePaths) != 1 || snap.VolumePaths[0] != f.dataDir {
		t.Errorf("VolumePaths = %v", snap.VolumePaths)
	}
	if len(snap.Entries) != 1 {
		t.Errorf("Entries = %v, want one", snap.Entries)
	}
	if snap.Note != "before upgrade" {
		t.Errorf("Note = %q", snap.Note)
	}

	info, err := os.Stat(snap.ArchivePath)
	if err != nil {
		t.Fatalf("archive missing: %v", err)
	}
	if info.Size() != snap.SizeBytes {
		t.Errorf("archive size %d, recorded %d", info.Size(), snap.SizeBytes)
	}
	if filepath.Dir(snap.ArchivePath) != f.snapDir {
		t.Errorf("archive stored at %s, want under %s", snap.ArchivePath, f.snapDir)
	}

	if !f.runtime.isRunning("web") {
		t.Error("container not restarted after snapshot")
	}
	want := []models.DeploymentStatus{models.DeploymentStatusSnapshotting, models.DeploymentStatusRunning}
	if len(f.repo.statuses) != 2 || f.repo.statuses[0] != want[0] || f.repo.statuses[1] != want[1] {
		t.Errorf("statuses = %v, want %v", f.repo.statuses, want)
	}

	events := f.feed.events
	if len(events) == 0 {
		t.Fatal("no progress events")
	}
	last := -1
	for _, ev := range events {
		if ev.Percent < last {
			t.Errorf("percent decreased: %d after %d", ev.Percent, last)
		}
		last = ev.Percent
		if ev.SnapshotID != snap.ID || ev.Operation != OperationCreate {
			t.Errorf("event = %+v", ev)
		}
	}
	if end := events[len(events)-1]; end.Phase != "complete" || end.Percent != 100 {
		t.Errorf("last event = %+v", end)
	}
}

func TestStore_CreateStoppedContainerStaysStopped(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	f.runtime.running["web"] = false

	if _, err := f.store.Create(context.Background(), f.deployment.ID, ""); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if f.runtime.isRunning("web") {
		t.Error("stopped container was started")
	}
	for _, c := range f.runtime.calls {
		if c == "stop" || c == "start" {
			t.Errorf("unexpected runtime call %q", c)
		}
	}
	d, _ := f.repo.GetDeploymentByID(context.Background(), f.deployment.ID)
	if d.Status != models.DeploymentStatusStopped {
		t.Errorf("status = %q, want stopped", d.Status)
	}
}

func TestStore_RestoreIntoCurrentMapping(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()

	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	newDir := filepath.Join(f.base, "volumes", "web-data")
	writeFile(t, filepath.Join(newDir, "index.html"), "changed")
	writeFile(t, filepath.Join(newDir, "stray.txt"), "not in snapshot")
	f.repo.setVolumes(f.deployment.ID, []models.VolumeMapping{{HostPath: newDir, ContainerPath: "/var/data"}})

	report, err := f.store.Restore(ctx, snap.ID)
	if err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if len(report.Matched) != 1 || report.Matched[0].Target.HostPath != newDir {
		t.Errorf("Matched = %+v", report.Matched)
	}

	if got := readFile(t, filepath.Join(newDir, "index.html")); got != "<h1>hello</h1>" {
		t.Errorf("index.html = %q", got)
	}
	if got := readFile(t, filepath.Join(newDir, "sub", "notes.txt")); got != "keep me" {
		t.Errorf("notes.txt = %q", got)
	}
	if _, err := os.Stat(filepath.Join(newDir, "stray.txt")); !os.IsNotExist(err) {
		t.Errorf("stray.txt survived restore, err = %v", err)
	}
	// The historical path is left alone.
	if got := readFile(t, filepath.Join(f.dataDir, "index.html")); got != "<h1>hello</h1>" {
		t.Errorf("original volume modified: %q", got)
	}

	if !f.runtime.isRunning("web") {
		t.Error("container not restarted after restore")
	}
	d, _ := f.repo.GetDeploymentByID(ctx, f.deployment.ID)
	if d.Status != models.DeploymentStatusRunning {
		t.Errorf("status = %q, want running", d.Status)
	}
}

func TestStore_CreateNoVolumes(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	f.repo.setVolumes(f.deployment.ID, nil)

	_, err := f.store.Create(context.Background(), f.deployment.ID, "")
	var nv *NoVolumesError
	if !errors.As(err, &nv) {
		t.Fatalf("Create() error = %v, want *NoVolumesError", err)
	}
	if nv.DeploymentID != f.deployment.ID {
		t.Errorf("DeploymentID = %v", nv.DeploymentID)
	}
	all, _ := f.store.ListAll(context.Background())
	if len(all) != 0 {
		t.Errorf("snapshot records = %d, want 0", len(all))
	}
	if len(f.runtime.calls) != 0 {
		t.Errorf("runtime calls = %v", f.runtime.calls)
	}
}

func TestStore_CreateQuotaExceeded(t *testing.T) {
	f := newStoreFixture(t, 16, nil)

	_, err := f.store.Create(context.Background(), f.deployment.ID, "")
	var qe *QuotaExceededError
	if !errors.As(err, &qe) {
		t.Fatalf("Create() error = %v, want *QuotaExceededError", err)
	}
	if qe.QuotaBytes != 16 || qe.SizeBytes <= 16 {
		t.Errorf("QuotaExceededError = %+v", qe)
	}

	all, _ := f.store.ListAll(context.Background())
	if len(all) != 1 || all[0].Status != models.SnapshotStatusFailed {
		t.Fatalf("records = %+v, want one failed", all)
	}
	if _, err := os.Stat(all[0].ArchivePath); !os.IsNotExist(err) {
		t.Errorf("rejected archive kept on disk, err = %v", err)
	}
	if !f.runtime.isRunning("web") {
		t.Error("container not restarted")
	}

	stats, err := f.store.StorageStats(context.Background())
	if err != nil {
		t.Fatalf("StorageStats() error = %v", err)
	}
	if stats.UsedBytes != 0 || stats.SnapshotCount != 1 || stats.CompleteCount != 0 {
		t.Errorf("StorageStats() = %+v", stats)
	}
}

func TestStore_ConcurrentCreatesRespectQuota(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()

	// A second deployment on the same server with a same-sized tree.
	otherDir := filepath.Join(f.base, "app", "dat2")
	writeFile(t, filepath.Join(otherDir, "index.html"), "<h1>hello</h1>")
	writeFile(t, filepath.Join(otherDir, "sub", "notes.txt"), "keep me")
	other := models.NewDeployment(uuid.New(), f.deployment.ServerID, f.deployment.OwnerID, "web-2", "nginx:1.27")
	other.Volumes = []models.VolumeMapping{{HostPath: otherDir, ContainerPath: "/var/data"}}
	other.Status = models.DeploymentStatusRunning
	f.repo.mu.Lock()
	f.repo.deployments[other.ID] = other.Clone()
	f.repo.mu.Unlock()
	f.runtime.mu.Lock()
	f.runtime.running["web-2"] = true
	f.runtime.mu.Unlock()

	// Size one archive, then allow one and a half of it.
	sized, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.store.Remove(ctx, sized.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	f.store.cfg.QuotaBytes = sized.SizeBytes * 3 / 2
	f.repo.mu.Lock()
	f.repo.updateDelay = 50 * time.Millisecond
	f.repo.mu.Unlock()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, id := range []uuid.UUID{f.deployment.ID, other.ID} {
		wg.Add(1)
		go func(i int, id uuid.UUID) {
			defer wg.Done()
			_, errs[i] = f.store.Create(ctx, id, "")
		}(i, id)
	}
	wg.Wait()

	succeeded, rejected := 0, 0
	for _, err := range errs {
		var qe *QuotaExceededError
		switch {
		case err == nil:
			succeeded++
		case errors.As(err, &qe):
			rejected++
		default:
			t.Errorf("Create() error = %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Errorf("succeeded = %d, rejected = %d, want 1 and 1", succeeded, rejected)
	}

	stats, err := f.store.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats() error = %v", err)
	}
	if stats.UsedBytes > f.store.cfg.QuotaBytes {
		t.Errorf("UsedBytes = %d, over quota %d", stats.UsedBytes, f.store.cfg.QuotaBytes)
	}
}

func TestStore_RejectsUnsafeVolumes(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()

	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	tests := []struct {
		name    string
		volumes []models.VolumeMapping
	}{
		{"relative host path", []models.VolumeMapping{{HostPath: "app/data", ContainerPath: "/var/data"}}},
		{"filesystem root", []models.VolumeMapping{{HostPath: "/", ContainerPath: "/var/data"}}},
		{"relative container path", []models.VolumeMapping{{HostPath: f.dataDir, ContainerPath: "var/data"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.repo.setVolumes(f.deployment.ID, tt.volumes)
			f.runtime.mu.Lock()
			f.runtime.calls = nil
			f.runtime.mu.Unlock()

			if _, err := f.store.Create(ctx, f.deployment.ID, ""); !errors.Is(err, ErrInvalidVolumes) {
				t.Errorf("Create() error = %v, want ErrInvalidVolumes", err)
			}
			if _, err := f.store.Restore(ctx, snap.ID); !errors.Is(err, ErrInvalidVolumes) {
				t.Errorf("Restore() error = %v, want ErrInvalidVolumes", err)
			}
			if len(f.runtime.calls) != 0 {
				t.Errorf("runtime calls = %v, want none", f.runtime.calls)
			}
		})
	}
}

func TestStore_CreateFailureMarksRecordFailed(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	f.repo.setVolumes(f.deployment.ID, []models.VolumeMapping{{HostPath: filepath.Join(f.base, "missing"), ContainerPath: "/var/data"}})

	if _, err := f.store.Create(context.Background(), f.deployment.ID, ""); err == nil {
		t.Fatal("Create() error = nil, want archive failure")
	}
	all, _ := f.store.ListAll(context.Background())
	if len(all) != 1 || all[0].Status != models.SnapshotStatusFailed || all[0].ErrorMessage == "" {
		t.Fatalf("records = %+v, want one failed with message", all)
	}
	if all[0].TrustedSize() != 0 {
		t.Errorf("TrustedSize() = %d for failed snapshot", all[0].TrustedSize())
	}
	if !f.runtime.isRunning("web") {
		t.Error("container left stopped after failure")
	}
}

func TestStore_RejectsBusyDeployment(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()
	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := f.repo.UpdateDeploymentStatus(ctx, f.deployment.ID, models.DeploymentStatusMigrating); err != nil {
		t.Fatal(err)
	}

	if _, err := f.store.Create(ctx, f.deployment.ID, ""); !errors.Is(err, ErrDeploymentBusy) {
		t.Errorf("Create() error = %v, want ErrDeploymentBusy", err)
	}
	if _, err := f.store.Restore(ctx, snap.ID); !errors.Is(err, ErrDeploymentBusy) {
		t.Errorf("Restore() error = %v, want ErrDeploymentBusy", err)
	}
}

func TestStore_RestoreDeploymentMissing(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()
	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	f.repo.mu.Lock()
	delete(f.repo.deployments, f.deployment.ID)
	f.repo.mu.Unlock()

	_, err = f.store.Restore(ctx, snap.ID)
	var dm *DeploymentMissingError
	if !errors.As(err, &dm) || dm.DeploymentID != f.deployment.ID {
		t.Errorf("Restore() error = %v, want *DeploymentMissingError", err)
	}

	// The snapshot outlives its deployment.
	if _, err := f.store.Get(ctx, snap.ID); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}

func TestStore_RemoveTwice(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()
	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := f.store.Remove(ctx, snap.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := os.Stat(snap.ArchivePath); !os.IsNotExist(err) {
		t.Errorf("archive still on disk, err = %v", err)
	}
	if err := f.store.Remove(ctx, snap.ID); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("second Remove() error = %v, want ErrSnapshotNotFound", err)
	}
	if _, err := f.store.Restore(ctx, snap.ID); !errors.Is(err, ErrSnapshotNotFound) {
		t.Errorf("Restore() of removed snapshot error = %v, want ErrSnapshotNotFound", err)
	}
}

func TestStore_Lists(t *testing.T) {
	f := newStoreFixture(t, 0, nil)
	ctx := context.Background()
	for range 2 {
		if _, err := f.store.Create(ctx, f.deployment.ID, ""); err != nil {
			t.Fatalf("Create() error = %v", err)
		}
	}

	byDep, err := f.store.ListByDeployment(ctx, f.deployment.ID)
	if err != nil || len(byDep) != 2 {
		t.Errorf("ListByDeployment() = %d, %v; want 2", len(byDep), err)
	}
	other, _ := f.store.ListByDeployment(ctx, uuid.New())
	if len(other) != 0 {
		t.Errorf("ListByDeployment(other) = %d, want 0", len(other))
	}
	owned, _ := f.store.ListByOwner(ctx, f.deployment.OwnerID)
	if len(owned) != 2 {
		t.Errorf("ListByOwner() = %d, want 2", len(owned))
	}
	if foreign, _ := f.store.ListByOwner(ctx, uuid.New()); len(foreign) != 0 {
		t.Errorf("ListByOwner(other) = %d, want 0", len(foreign))
	}

	stats, err := f.store.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats() error = %v", err)
	}
	if stats.SnapshotCount != 2 || stats.CompleteCount != 2 {
		t.Errorf("counts = %d/%d, want 2/2", stats.SnapshotCount, stats.CompleteCount)
	}
	if stats.UsedBytes != byDep[0].SizeBytes+byDep[1].SizeBytes {
		t.Errorf("UsedBytes = %d", stats.UsedBytes)
	}
	if stats.FilesystemFree == 0 {
		t.Error("FilesystemFree = 0")
	}
}

func TestStore_OffsiteCopy(t *testing.T) {
	offsite := &memOffsite{dir: t.TempDir()}
	f := newStoreFixture(t, 0, offsite)
	ctx := context.Background()

	snap, err := f.store.Create(ctx, f.deployment.ID, "")
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if snap.OffsiteKey != snap.ID.String()+".tar.gz" {
		t.Errorf("OffsiteKey = %q", snap.OffsiteKey)
	}

	// Lose the local copy; restore falls back to the offsite one.
	if err := os.Remove(snap.ArchivePath); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(f.dataDir, "index.html"), "corrupted")
	if _, err := f.store.Restore(ctx, snap.ID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if got := readFile(t, filepath.Join(f.dataDir, "index.html")); got != "<h1>hello</h1>" {
		t.Errorf("index.html = %q", got)
	}

	if err := f.store.Remove(ctx, snap.ID); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if len(offsite.deleted) != 1 || offsite.deleted[0] != snap.OffsiteKey {
		t.Errorf("offsite deletes = %v", offsite.deleted)
	}
}

func TestNewStore_RequiresDir(t *testing.T) {
	if _, err := NewStore(Deps{}, Config{}, zerolog.Nop()); err == nil {
		t.Error("NewStore() error = nil, want error for empty dir")
	}
}
