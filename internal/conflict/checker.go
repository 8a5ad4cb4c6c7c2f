// Package conflict detects container name and host port collisions on a server.
package conflict

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/text/cases"
)

// DeploymentLister lists the deployments bound to a server.
type DeploymentLister interface {
	ListDeploymentsByServer(ctx context.Context, serverID uuid.UUID) ([]*models.Deployment, error)
}

// Result describes the collisions found for a candidate.
type Result struct {
	NameConflict  bool  `json:"name_conflict"`
	PortConflicts []int `json:"port_conflicts"`
	// VolumeConflicts lists candidate host paths that equal, contain or sit
	// inside a host path already mounted by a deployment on the server.
	VolumeConflicts []string `json:"volume_conflicts,omitempty"`
}

// HasConflict reports whether any collision was found.
func (r *Result) HasConflict() bool {
	return r.NameConflict || len(r.PortConflicts) > 0 || len(r.VolumeConflicts) > 0
}

// ConflictError carries a non-empty Result back to the caller.
type ConflictError struct {
	Name   string
	Result *Result
}

func (e *ConflictError) Error() string {
	var parts []string
	if e.Result.NameConflict {
		parts = append(parts, fmt.Sprintf("container name %q is already used on the target server", e.Name))
	}
	if len(e.Result.PortConflicts) > 0 {
		ports := make([]string, len(e.Result.PortConflicts))
		for i, p := range e.Result.PortConflicts {
			ports[i] = strconv.Itoa(p)
		}
		parts = append(parts, "host ports already bound on the target server: "+strings.Join(ports, ", "))
	}
	if len(e.Result.VolumeConflicts) > 0 {
		parts = append(parts, "host paths already mounted on the target server: "+strings.Join(e.Result.VolumeConflicts, ", "))
	}
	return strings.Join(parts, "; ")
}

// Checker computes conflicts against the deployments currently on a server.
// The answer is advisory: nothing stops another request from taking the same
// name or port between a check and its use.
type Checker struct {
	store  DeploymentLister
	logger zerolog.Logger
}

// NewChecker creates a new Checker.
func NewChecker(store DeploymentLister, logger zerolog.Logger) *Checker {
	return &Checker{
		store:  store,
		logger: logger.With().Str("component", "conflict_checker").Logger(),
	}
}

// Candidate is a container proposed for a server.
type Candidate struct {
	Name    string
	Ports   []models.PortMapping
	Volumes []models.VolumeMapping
}

// Check reports name and host port collisions for a candidate on targetServerID.
func (c *Checker) Check(ctx context.Context, targetServerID uuid.UUID, name string, ports []models.PortMapping) (*Result, error) {
	return c.CheckCandidate(ctx, targetServerID, Candidate{Name: name, Ports: ports})
}

// CheckCandidate is Check that also reports host path collisions for the
// candidate's volumes.
func (c *Checker) CheckCandidate(ctx context.Context, targetServerID uuid.UUID, cand Candidate) (*Result, error) {
	deployments, err := c.store.ListDeploymentsByServer(ctx, targetServerID)
	if err != nil {
		return nil, fmt.Errorf("list deployments on server: %w", err)
	}

	// cases.Caser is stateful and not safe for concurrent use.
	fold := cases.Fold()
	wantName := fold.String(strings.TrimSpace(cand.Name))

	bound := make(map[int]bool)
	var mounted []string
	result := &Result{PortConflicts: []int{}}
	for _, d := range deployments {
		if wantName != "" && fold.String(strings.TrimSpace(d.ContainerName)) == wantName {
			result.NameConflict = true
		}
		for _, p := range d.HostPorts() {
			bound[p] = true
		}
		for _, v := range d.Volumes {
			mounted = append(mounted, path.Clean(v.HostPath))
		}
	}

	seen := make(map[int]bool)
	for _, p := range cand.Ports {
		if bound[p.HostPort] && !seen[p.HostPort] {
			seen[p.HostPort] = true
			result.PortConflicts = append(result.PortConflicts, p.HostPort)
		}
	}
	sort.Ints(result.PortConflicts)

	seenPath := make(map[string]bool)
	for _, v := range cand.Volumes {
		p := path.Clean(v.HostPath)
		if seenPath[p] {
			continue
		}
		for _, m := range mounted {
			if overlaps(p, m) {
				seenPath[p] = true
				result.VolumeConflicts = append(result.VolumeConflicts, p)
				break
			}
		}
	}
	sort.Strings(result.VolumeConflicts)

	if result.HasConflict() {
		c.logger.Debug().
			Str("server_id", targetServerID.String()).
			Str("name", cand.Name).
			Bool("name_conflict", result.NameConflict).
			Ints("port_conflicts", result.PortConflicts).
			Strs("volume_conflicts", result.VolumeConflicts).
			Msg("conflicts found")
	}
	return result, nil
}

// overlaps reports whether a and b are the same path or one contains the other.
func overlaps(a, b string) bool {
	if a == b || a == "/" || b == "/" {
		return true
	}
	return strings.HasPrefix(a, b+"/") || strings.HasPrefix(b, a+"/")
}
