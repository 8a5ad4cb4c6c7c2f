// Package archive packs volume trees on a remote host into a single compressed
// archive, brings it to local disk, and unpacks it onto another host.
package archive

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/MacJediWizard/ferry/internal/remote"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNoVolumes is returned when an archive is requested for an empty volume list.
var ErrNoVolumes = errors.New("no volume paths to archive")

// Phase identifies which part of an archive operation a progress report belongs to.
type Phase string

const (
	// PhaseCompress covers building the archive on the remote host.
	PhaseCompress Phase = "compress"
	// PhaseTransfer covers moving the archive between the host and local disk.
	PhaseTransfer Phase = "transfer"
	// PhaseExtract covers unpacking the archive on the remote host.
	PhaseExtract Phase = "extract"
)

// Progress reports bytes processed within a phase. Total may be an estimate.
type Progress struct {
	Phase Phase
	Done  int64
	Total int64
}

// ProgressFunc receives progress reports.
type ProgressFunc func(Progress)

// Handle refers to an archive on local disk.
type Handle struct {
	LocalPath      string
	SizeBytes      int64
	EstimatedBytes int64
	Entries        []models.ArchiveEntry
}

// Options configures a Codec.
type Options struct {
	// RemoteTempDir holds archives on remote hosts while they are built or unpacked.
	RemoteTempDir string
	// PollInterval controls how often the growing archive is measured during
	// compression. Zero disables polling.
	PollInterval time.Duration
	// Keepalive is how often a running compression writes a byte back so the
	// session never reads as idle. Values under a second use one second.
	Keepalive time.Duration
}

// DefaultOptions returns the default codec options.
func DefaultOptions() Options {
	return Options{
		RemoteTempDir: "/tmp",
		PollInterval:  2 * time.Second,
		Keepalive:     30 * time.Second,
	}
}

// Codec builds and extracts volume archives through a remote.Executor.
type Codec struct {
	exec   remote.Executor
	opts   Options
	logger zerolog.Logger
}

// NewCodec creates a new Codec.
func NewCodec(exec remote.Executor, opts Options, logger zerolog.Logger) *Codec {
	if opts.RemoteTempDir == "" {
		opts.RemoteTempDir = "/tmp"
	}
	if opts.Keepalive <= 0 {
		opts.Keepalive = 30 * time.Second
	}
	return &Codec{
		exec:   exec,
		opts:   opts,
		logger: logger.With().Str("component", "archive").Logger(),
	}
}

// RemoteArchive is an archive built on a remote host and not yet fetched.
type RemoteArchive struct {
	Path           string
	SizeBytes      int64
	EstimatedBytes int64
	Entries        []models.ArchiveEntry
}

// Create archives the host paths of volumes on srv and downloads the result
// to localPath. The remote archive is removed whether or not Create succeeds.
func (c *Codec) Create(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping, localPath string, progress ProgressFunc) (*Handle, error) {
	report := safeProgress(progress)

	ra, err := c.Build(ctx, srv, volumes, report)
	if err != nil {
		return nil, err
	}
	defer c.removeRemote(ctx, srv, ra.Path)

	return c.Fetch(ctx, srv, ra, localPath, report)
}

// Build compresses the host paths of volumes into a temporary archive on srv.
// On success the caller owns the remote file and must remove it with
// RemoveRemote; on failure it is already gone.
func (c *Codec) Build(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping, progress ProgressFunc) (*RemoteArchive, error) {
	entries, err := buildEntries(volumes)
	if err != nil {
		return nil, err
	}
	report := safeProgress(progress)

	remoteTmp := c.remoteTempPath()
	built := false
	defer func() {
		if !built {
			c.removeRemote(ctx, srv, remoteTmp)
		}
	}()

	members := make([]string, 0, len(entries))
	hostPaths := make([]string, 0, len(entries))
	for _, e := range entries {
		members = append(members, e.Member)
		hostPaths = append(hostPaths, e.HostPath)
	}
	if err := c.classify(ctx, srv, entries); err != nil {
		return nil, err
	}

	estimate := c.estimate(ctx, srv, hostPaths)
	report(Progress{Phase: PhaseCompress, Done: 0, Total: estimate})

	c.logger.Info().
		Str("server", srv.Name).
		Strs("paths", hostPaths).
		Int64("estimated_bytes", estimate).
		Msg("creating archive")

	tarCmd := remote.Join(append([]string{"tar", "-czf", remoteTmp, "-C", "/"}, members...)...)
	stopPoll := c.pollSize(ctx, srv, remoteTmp, estimate, report)
	_, err = c.exec.Execute(ctx, srv, "sh -c "+remote.Quote(keepaliveScript(tarCmd, c.opts.Keepalive)))
	stopPoll()
	if err != nil {
		return nil, fmt.Errorf("compress volumes: %w", err)
	}
	report(Progress{Phase: PhaseCompress, Done: estimate, Total: estimate})

	size, err := c.remoteSize(ctx, srv, remoteTmp)
	if err != nil {
		return nil, err
	}

	built = true
	return &RemoteArchive{
		Path:           remoteTmp,
		SizeBytes:      size,
		EstimatedBytes: estimate,
		Entries:        entries,
	}, nil
}

// Fetch downloads a built archive to localPath.
func (c *Codec) Fetch(ctx context.Context, srv *models.Server, ra *RemoteArchive, localPath string, progress ProgressFunc) (*Handle, error) {
	report := safeProgress(progress)

	report(Progress{Phase: PhaseTransfer, Done: 0, Total: ra.SizeBytes})
	err := c.exec.Download(ctx, srv, ra.Path, localPath, func(n int64) {
		report(Progress{Phase: PhaseTransfer, Done: n, Total: ra.SizeBytes})
	})
	if err != nil {
		return nil, err
	}

	c.logger.Info().
		Str("server", srv.Name).
		Str("local_path", localPath).
		Int64("size_bytes", ra.SizeBytes).
		Msg("archive downloaded")

	return &Handle{
		LocalPath:      localPath,
		SizeBytes:      ra.SizeBytes,
		EstimatedBytes: ra.EstimatedBytes,
		Entries:        ra.Entries,
	}, nil
}

// Upload copies the archive to a temporary path on srv and returns that path.
// The caller owns the remote file and must remove it with RemoveRemote.
func (c *Codec) Upload(ctx context.Context, srv *models.Server, h *Handle, progress ProgressFunc) (string, error) {
	report := safeProgress(progress)
	remoteTmp := c.remoteTempPath()

	report(Progress{Phase: PhaseTransfer, Done: 0, Total: h.SizeBytes})
	err := c.exec.Upload(ctx, srv, h.LocalPath, remoteTmp, func(n int64) {
		report(Progress{Phase: PhaseTransfer, Done: n, Total: h.SizeBytes})
	})
	if err != nil {
		c.removeRemote(ctx, srv, remoteTmp)
		return "", err
	}
	return remoteTmp, nil
}

// RemoveRemote deletes a remote archive left by Build or Upload. Failures are logged.
func (c *Codec) RemoveRemote(ctx context.Context, srv *models.Server, remotePath string) {
	c.removeRemote(ctx, srv, remotePath)
}

// Extract uploads the archive to srv and unpacks it into targets. Every
// matched target is replaced or none is.
func (c *Codec) Extract(ctx context.Context, srv *models.Server, h *Handle, targets []models.VolumeMapping, progress ProgressFunc) (*ExtractReport, error) {
	plan, err := Match(h.Entries, targets)
	if err != nil {
		return nil, err
	}

	remoteTmp, err := c.Upload(ctx, srv, h, progress)
	if err != nil {
		return nil, err
	}
	defer c.removeRemote(ctx, srv, remoteTmp)

	if err := c.ExtractRemote(ctx, srv, remoteTmp, plan, progress); err != nil {
		return nil, err
	}
	return plan, nil
}

// ExtractRemote unpacks an archive already present on srv according to plan.
func (c *Codec) ExtractRemote(ctx context.Context, srv *models.Server, remoteArchive string, plan *ExtractReport, progress ProgressFunc) error {
	report := safeProgress(progress)
	total := int64(len(plan.Matched))
	report(Progress{Phase: PhaseExtract, Done: 0, Total: total})

	script := extractScript(remoteArchive, plan.Matched, shortID())

	c.logger.Info().
		Str("server", srv.Name).
		Int("volumes", len(plan.Matched)).
		Int("skipped", len(plan.Skipped)).
		Msg("extracting archive")

	if _, err := c.exec.Execute(ctx, srv, "sh -c "+remote.Quote(script)); err != nil {
		return fmt.Errorf("extract volumes: %w", err)
	}

	report(Progress{Phase: PhaseExtract, Done: total, Total: total})
	return nil
}

// extractScript unpacks every match into a staging directory next to its
// target and only swaps the staging trees into place once all of them
// extracted. If any step fails, targets already swapped are put back the way
// they were and staging directories are removed.
func extractScript(archivePath string, matches []Pair, id string) string {
	q := remote.Quote
	var b strings.Builder

	targets := make([]string, len(matches))
	staging := make([]string, len(matches))
	previous := make([]string, len(matches))
	for i, m := range matches {
		targets[i] = path.Clean(m.Target.HostPath)
		staging[i] = fmt.Sprintf("%s.ferry-staging-%s-%d", targets[i], id, i)
		previous[i] = fmt.Sprintf("%s.ferry-previous-%s-%d", targets[i], id, i)
	}

	b.WriteString("set -e\n")
	b.WriteString("finished=\n")
	b.WriteString("cleanup() {\n")
	b.WriteString("set +e\n")
	b.WriteString("if [ -z \"$finished\" ]; then\n")
	for i := len(matches) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "if [ -n \"$placed_%d\" ]; then rm -rf %s; fi\n", i, q(targets[i]))
		fmt.Fprintf(&b, "if [ -n \"$aside_%d\" ]; then mv %s %s; fi\n", i, q(previous[i]), q(targets[i]))
	}
	b.WriteString("fi\n")
	b.WriteString("rm -rf")
	for _, s := range staging {
		b.WriteString(" " + q(s))
	}
	b.WriteString("\n}\n")
	b.WriteString("trap cleanup EXIT\n")

	for i, m := range matches {
		strip := depth(m.Entry.Member)
		if m.Entry.File {
			strip--
		}
		fmt.Fprintf(&b, "mkdir -p %s\n", q(path.Dir(targets[i])))
		fmt.Fprintf(&b, "rm -rf %s\n", q(staging[i]))
		fmt.Fprintf(&b, "mkdir -p %s\n", q(staging[i]))
		fmt.Fprintf(&b, "tar -xzf %s -C %s --strip-components=%d %s\n",
			q(archivePath), q(staging[i]), strip, q(m.Entry.Member))
	}

	for i, m := range matches {
		source := staging[i]
		if m.Entry.File {
			source = path.Join(staging[i], path.Base(m.Entry.Member))
		}
		fmt.Fprintf(&b, "if [ -e %s ] || [ -L %s ]; then mv %s %s; aside_%d=1; fi\n",
			q(targets[i]), q(targets[i]), q(targets[i]), q(previous[i]), i)
		fmt.Fprintf(&b, "mv %s %s\n", q(source), q(targets[i]))
		fmt.Fprintf(&b, "placed_%d=1\n", i)
	}

	b.WriteString("finished=1\n")
	b.WriteString("rm -rf")
	for _, p := range previous {
		b.WriteString(" " + q(p))
	}
	b.WriteString("\n")
	return b.String()
}

// keepaliveScript runs command in the background and prints a newline every
// interval until it exits. The script exits with the command's status.
func keepaliveScript(command string, interval time.Duration) string {
	secs := int(interval / time.Second)
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf("%s &\npid=$!\nn=0\nwhile kill -0 $pid 2>/dev/null; do\nsleep 1\nn=$((n+1))\nif [ $n -ge %d ]; then echo; n=0; fi\ndone\nwait $pid\n", command, secs)
}

// classify marks entries whose host path is a regular file.
func (c *Codec) classify(ctx context.Context, srv *models.Server, entries []models.ArchiveEntry) error {
	quoted := make([]string, len(entries))
	for i, e := range entries {
		quoted[i] = remote.Quote(e.HostPath)
	}
	script := "for p in " + strings.Join(quoted, " ") + "; do if [ -f \"$p\" ]; then echo file; else echo dir; fi; done"

	res, err := c.exec.Execute(ctx, srv, "sh -c "+remote.Quote(script))
	if err != nil {
		return fmt.Errorf("inspect volume paths: %w", err)
	}
	kinds := strings.Fields(res.Stdout)
	if len(kinds) != len(entries) {
		return fmt.Errorf("inspect volume paths: got %d results for %d paths", len(kinds), len(entries))
	}
	for i, k := range kinds {
		entries[i].File = k == "file"
	}
	return nil
}

// TargetsInUseError reports host paths that already hold data on a target server.
type TargetsInUseError struct {
	Server string
	Paths  []string
}

func (e *TargetsInUseError) Error() string {
	return fmt.Sprintf("host paths already hold data on %s: %s", e.Server, strings.Join(e.Paths, ", "))
}

// CheckTargets fails with a *TargetsInUseError when any host path of volumes
// exists on srv as a file or a non-empty directory. Missing paths and empty
// directories are free.
func (c *Codec) CheckTargets(ctx context.Context, srv *models.Server, volumes []models.VolumeMapping) error {
	if len(volumes) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(volumes))
	for _, v := range volumes {
		quoted = append(quoted, remote.Quote(path.Clean(v.HostPath)))
	}
	script := "for p in " + strings.Join(quoted, " ") + "; do " +
		"if [ -d \"$p\" ] && [ ! -L \"$p\" ]; then if [ -n \"$(ls -A \"$p\")\" ]; then echo \"$p\"; fi; " +
		"elif [ -e \"$p\" ] || [ -L \"$p\" ]; then echo \"$p\"; fi; done"

	res, err := c.exec.Execute(ctx, srv, "sh -c "+remote.Quote(script))
	if err != nil {
		return fmt.Errorf("inspect target paths: %w", err)
	}
	var inUse []string
	for _, line := range strings.Split(res.Stdout, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			inUse = append(inUse, line)
		}
	}
	if len(inUse) > 0 {
		return &TargetsInUseError{Server: srv.Name, Paths: inUse}
	}
	return nil
}

func (c *Codec) estimate(ctx context.Context, srv *models.Server, hostPaths []string) int64 {
	res, err := c.exec.Execute(ctx, srv, remote.Join(append([]string{"du", "-sk"}, hostPaths...)...))
	if err != nil {
		c.logger.Warn().Err(err).Str("server", srv.Name).Msg("failed to estimate archive input size")
		return 0
	}
	return parseDuOutput(res.Stdout)
}

func parseDuOutput(out string) int64 {
	var total int64
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		kb, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			continue
		}
		total += kb * 1024
	}
	return total
}

func (c *Codec) remoteSize(ctx context.Context, srv *models.Server, remotePath string) (int64, error) {
	res, err := c.exec.Execute(ctx, srv, "wc -c < "+remote.Quote(remotePath))
	if err != nil {
		return 0, fmt.Errorf("measure archive: %w", err)
	}
	size, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse archive size %q: %w", strings.TrimSpace(res.Stdout), err)
	}
	return size, nil
}

// pollSize reports the growing archive size while compression runs. The
// returned func stops polling and waits for the poller to exit.
func (c *Codec) pollSize(ctx context.Context, srv *models.Server, remotePath string, estimate int64, report ProgressFunc) func() {
	if c.opts.PollInterval <= 0 || estimate <= 0 {
		return func() {}
	}

	pollCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-ticker.C:
				res, err := c.exec.Execute(pollCtx, srv, "wc -c < "+remote.Quote(remotePath)+" 2>/dev/null || echo 0")
				if err != nil {
					continue
				}
				n, err := strconv.ParseInt(strings.TrimSpace(res.Stdout), 10, 64)
				if err != nil || n <= 0 {
					continue
				}
				if n > estimate {
					n = estimate
				}
				report(Progress{Phase: PhaseCompress, Done: n, Total: estimate})
			}
		}
	}()

	return func() {
		cancel()
		wg.Wait()
	}
}

func (c *Codec) removeRemote(ctx context.Context, srv *models.Server, remotePath string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	if _, err := c.exec.Execute(cleanupCtx, srv, "rm -f "+remote.Quote(remotePath)); err != nil {
		c.logger.Warn().Err(err).Str("server", srv.Name).Str("path", remotePath).Msg("failed to remove remote archive")
	}
}

func (c *Codec) remoteTempPath() string {
	return path.Join(c.opts.RemoteTempDir, "ferry-"+uuid.New().String()+".tar.gz")
}

func buildEntries(volumes []models.VolumeMapping) ([]models.ArchiveEntry, error) {
	if len(volumes) == 0 {
		return nil, ErrNoVolumes
	}
	seen := make(map[string]bool, len(volumes))
	entries := make([]models.ArchiveEntry, 0, len(volumes))
	for _, v := range volumes {
		if !path.IsAbs(v.HostPath) {
			return nil, fmt.Errorf("host path %q must be absolute", v.HostPath)
		}
		member := strings.TrimPrefix(path.Clean(v.HostPath), "/")
		if member == "" {
			return nil, errors.New("cannot archive the filesystem root")
		}
		if seen[member] {
			continue
		}
		seen[member] = true
		entries = append(entries, models.ArchiveEntry{
			HostPath:      path.Clean(v.HostPath),
			ContainerPath: v.ContainerPath,
			Member:        member,
		})
	}
	return entries, nil
}

func depth(member string) int {
	return len(strings.Split(strings.Trim(member, "/"), "/"))
}

func shortID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// safeProgress serializes calls to progress and drops nil callbacks.
func safeProgress(progress ProgressFunc) ProgressFunc {
	if progress == nil {
		return func(Progress) {}
	}
	var mu sync.Mutex
	return func(p Progress) {
		mu.Lock()
		defer mu.Unlock()
		progress(p)
	}
}
