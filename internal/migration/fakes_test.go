package migration

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/MacJediWizard/ferry/internal/archive"
	"github.com/MacJediWizard/ferry/internal/docker"
	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
)

// fakeRuntime keeps container state per server in memory.
type fakeRuntime struct {
	mu         sync.Mutex
	containers map[uuid.UUID]map[string]bool // server -> name -> running
	ids        map[string]string             // container ID -> name
	calls      []string
	failOn     map[string]error
	hooks      map[string]func()
	// startErr makes Run create the container and then fail to start it.
	startErr error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		containers: make(map[uuid.UUID]map[string]bool),
		ids:        make(map[string]string),
		failOn:     make(map[string]error),
		hooks:      make(map[string]func()),
	}
}

func (f *fakeRuntime) add(srv *models.Server, name string, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.containers[srv.ID] == nil {
		f.containers[srv.ID] = make(map[string]bool)
	}
	f.containers[srv.ID][name] = running
}

func (f *fakeRuntime) running(srv *models.Server, name string) (exists, running bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	running, exists = f.containers[srv.ID][name]
	return exists, running
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRuntime) enter(op string, srv *models.Server, name string) error {
	f.mu.Lock()
	f.calls = append(f.calls, fmt.Sprintf("%s %s %s", op, srv.Name, name))
	hook := f.hooks[op]
	err := f.failOn[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeRuntime) State(_ context.Context, srv *models.Server, name string) (*docker.ContainerState, error) {
	if err := f.enter("state", srv, name); err != nil {
		return nil, err
	}
	exists, running := f.running(srv, name)
	if !exists {
		return nil, docker.ErrNoSuchContainer
	}
	return &docker.ContainerState{Name: name, Running: running}, nil
}

func (f *fakeRuntime) Stop(_ context.Context, srv *models.Server, name string) error {
	if err := f.enter("stop", srv, name); err != nil {
		return err
	}
	f.add(srv, name, false)
	return nil
}

func (f *fakeRuntime) Start(_ context.Context, srv *models.Server, name string) error {
	if err := f.enter("start", srv, name); err != nil {
		return err
	}
	f.add(srv, name, true)
	return nil
}

func (f *fakeRuntime) Remove(_ context.Context, srv *models.Server, name string) error {
	if err := f.enter("remove", srv, name); err != nil {
		return err
	}
	f.mu.Lock()
	if byID, ok := f.ids[name]; ok {
		name = byID
	}
	delete(f.containers[srv.ID], name)
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) Run(_ context.Context, srv *models.Server, spec docker.RunSpec) (string, error) {
	if err := f.enter("run", srv, spec.Name); err != nil {
		return "", err
	}
	if exists, _ := f.running(srv, spec.Name); exists {
		return "", fmt.Errorf("conflict: container name %q is already in use", "/"+spec.Name)
	}
	id := "cid-" + spec.Name
	f.add(srv, spec.Name, false)
	f.mu.Lock()
	f.ids[id] = spec.Name
	startErr := f.startErr
	f.mu.Unlock()
	if startErr != nil {
		return id, startErr
	}
	f.add(srv, spec.Name, true)
	return id, nil
}

func (f *fakeRuntime) callsWithPrefix(prefix string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// fakeArchiver simulates archive transfer with small local files.
type fakeArchiver struct {
	mu            sync.Mutex
	calls         []string
	failOn        map[string]error
	hooks         map[string]func()
	remoteLive    map[string]bool
	stagingPaths  []string
	extractedInto []models.VolumeMapping
}

func newFakeArchiver() *fakeArchiver {
	return &fakeArchiver{
		failOn:     make(map[string]error),
		hooks:      make(map[string]func()),
		remoteLive: make(map[string]bool),
	}
}

func (f *fakeArchiver) enter(op string) error {
	f.mu.Lock()
	f.calls = append(f.calls, op)
	hook := f.hooks[op]
	err := f.failOn[op]
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

func (f *fakeArchiver) liveRemotes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, live := range f.remoteLive {
		if live {
			n++
		}
	}
	return n
}

func (f *fakeArchiver) Build(_ context.Context, srv *models.Server, volumes []models.VolumeMapping, progress archive.ProgressFunc) (*archive.RemoteArchive, error) {
	if err := f.enter("build"); err != nil {
		return nil, err
	}
	const total = 1000
	for done := int64(0); done <= total; done += 250 {
		progress(archive.Progress{Phase: archive.PhaseCompress, Done: done, Total: total})
	}
	p := "/tmp/ferry-" + srv.Name + ".tar.gz"
	f.mu.Lock()
	f.remoteLive[srv.Name+":"+p] = true
	f.mu.Unlock()

	var entries []models.ArchiveEntry
	for _, v := range volumes {
		entries = append(entries, models.ArchiveEntry{HostPath: v.HostPath, ContainerPath: v.ContainerPath, Member: v.HostPath[1:]})
	}
	return &archive.RemoteArchive{Path: p, SizeBytes: 400, EstimatedBytes: total, Entries: entries}, nil
}

func (f *fakeArchiver) Fetch(_ context.Context, _ *models.Server, ra *archive.RemoteArchive, localPath string, progress archive.ProgressFunc) (*archive.Handle, error) {
	if err := f.enter("fetch"); err != nil {
		return nil, err
	}
	if err := os.WriteFile(localPath, make([]byte, ra.SizeBytes), 0o600); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.stagingPaths = append(f.stagingPaths, localPath)
	f.mu.Unlock()
	for done := int64(0); done <= ra.SizeBytes; done += 100 {
		progress(archive.Progress{Phase: archive.PhaseTransfer, Done: done, Total: ra.SizeBytes})
	}
	return &archive.Handle{LocalPath: localPath, SizeBytes: ra.SizeBytes, Entries: ra.Entries}, nil
}

func (f *fakeArchiver) Upload(_ context.Context, srv *models.Server, h *archive.Handle, progress archive.ProgressFunc) (string, error) {
	if err := f.enter("upload"); err != nil {
		return "", err
	}
	if _, err := os.Stat(h.LocalPath); err != nil {
		return "", errors.New("staging archive missing")
	}
	for done := int64(0); done <= h.SizeBytes; done += 200 {
		progress(archive.Progress{Phase: archive.PhaseTransfer, Done: done, Total: h.SizeBytes})
	}
	p := "/tmp/ferry-upload-" + srv.Name + ".tar.gz"
	f.mu.Lock()
	f.remoteLive[srv.Name+":"+p] = true
	f.mu.Unlock()
	return p, nil
}

func (f *fakeArchiver) ExtractRemote(_ context.Context, _ *models.Server, _ string, plan *archive.ExtractReport, _ archive.ProgressFunc) error {
	if err := f.enter("extract"); err != nil {
		return err
	}
	f.mu.Lock()
	for _, p := range plan.Matched {
		f.extractedInto = append(f.extractedInto, p.Target)
	}
	f.mu.Unlock()
	return nil
}

func (f *fakeArchiver) CheckTargets(_ context.Context, _ *models.Server, _ []models.VolumeMapping) error {
	return f.enter("check")
}

func (f *fakeArchiver) RemoveRemote(_ context.Context, srv *models.Server, remotePath string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteLive[srv.Name+":"+remotePath] = false
}

// fakeStore is an in-memory Store.
type fakeStore struct {
	mu          sync.Mutex
	deployments map[uuid.UUID]*models.Deployment
	servers     map[uuid.UUID]*models.Server
	statuses    []models.DeploymentStatus
	createErr   error
	// deleteFailures is the number of DeleteDeployment calls that fail
	// before deletes succeed again.
	deleteFailures int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		deployments: make(map[uuid.UUID]*models.Deployment),
		servers:     make(map[uuid.UUID]*models.Server),
	}
}

func (s *fakeStore) addServer(srv *models.Server) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.servers[srv.ID] = srv
}

func (s *fakeStore) addDeployment(d *models.Deployment) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deployments[d.ID] = d.Clone()
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deployments)
}

func (s *fakeStore) all() []*models.Deployment {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Deployment
	for _, d := range s.deployments {
		out = append(out, d.Clone())
	}
	return out
}

var errNotFound = errors.New("not found")

func (s *fakeStore) GetDeploymentByID(_ context.Context, id uuid.UUID) (*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return nil, errNotFound
	}
	return d.Clone(), nil
}

func (s *fakeStore) GetServerByID(_ context.Context, id uuid.UUID) (*models.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, errNotFound
	}
	return srv, nil
}

func (s *fakeStore) ListDeploymentsByServer(_ context.Context, serverID uuid.UUID) ([]*models.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.Deployment
	for _, d := range s.deployments {
		if d.ServerID == serverID {
			out = append(out, d.Clone())
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateDeploymentStatus(_ context.Context, id uuid.UUID, status models.DeploymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deployments[id]
	if !ok {
		return errNotFound
	}
	d.Status = status
	s.statuses = append(s.statuses, status)
	return nil
}

func (s *fakeStore) CreateDeployment(_ context.Context, d *models.Deployment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.deployments[d.ID] = d.Clone()
	return nil
}

func (s *fakeStore) DeleteDeployment(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteFailures > 0 {
		s.deleteFailures--
		return errors.New("connection reset")
	}
	if _, ok := s.deployments[id]; !ok {
		return errNotFound
	}
	delete(s.deployments, id)
	return nil
}

// flagToken is a CancelToken flipped by tests.
type flagToken struct {
	flag atomic.Bool
}

func (t *flagToken) Enter(models.MigrationStage) bool { return t.flag.Load() }

// fakeFeed records published events. When gate is set, Emit blocks until it
// is closed, holding back the consumer of the engine's events.
type fakeFeed struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
}

func (f *fakeFeed) Emit(event string, _ uuid.UUID, payload any) {
	if event != ProgressEvent {
		return
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, payload.(Event))
}

func (f *fakeFeed) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Event(nil), f.events...)
}

// fakeRecorder records activity entries.
type fakeRecorder struct {
	mu    sync.Mutex
	kinds []models.ActivityKind
}

func (r *fakeRecorder) Record(_ context.Context, _ uuid.UUID, kind models.ActivityKind, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *fakeRecorder) snapshot() []models.ActivityKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.ActivityKind(nil), r.kinds...)
}
