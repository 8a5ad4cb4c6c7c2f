// Package docker drives the Docker CLI on remote hosts through a remote.Executor.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/MacJediWizard/ferry/internal/models"
	"github.com/MacJediWizard/ferry/internal/remote"
	"github.com/rs/zerolog"
)

// ErrNoSuchContainer is returned when the named container does not exist on the host.
var ErrNoSuchContainer = errors.New("no such container")

// Runtime manages containers on a remote host.
type Runtime interface {
	State(ctx context.Context, srv *models.Server, container string) (*ContainerState, error)
	Stop(ctx context.Context, srv *models.Server, container string) error
	Start(ctx context.Context, srv *models.Server, container string) error
	Remove(ctx context.Context, srv *models.Server, container string) error
	// Run creates and starts a container and returns its ID. If the
	// container was created but did not start, the ID is returned with the
	// error so the caller can remove exactly that container.
	Run(ctx context.Context, srv *models.Server, spec RunSpec) (string, error)
}

// ContainerState is the runtime state reported by docker inspect.
type ContainerState struct {
	ID      string
	Name    string
	Status  string
	Running bool
}

// RunSpec describes a container to create and start.
type RunSpec struct {
	Name    string
	Image   string
	Ports   []models.PortMapping
	Volumes []models.VolumeMapping
	Env     map[string]string
	Options models.RunOptions
}

// SpecFromDeployment builds a RunSpec from a deployment record.
func SpecFromDeployment(d *models.Deployment) RunSpec {
	return RunSpec{
		Name:    d.ContainerName,
		Image:   d.Image,
		Ports:   d.Ports,
		Volumes: d.Volumes,
		Env:     d.Env,
		Options: d.RunOptions,
	}
}

// CLI implements Runtime by running the docker binary over SSH.
type CLI struct {
	exec   remote.Executor
	binary string
	logger zerolog.Logger
}

// NewCLI creates a new CLI runtime.
func NewCLI(exec remote.Executor, logger zerolog.Logger) *CLI {
	return NewCLIWithBinary(exec, "docker", logger)
}

// NewCLIWithBinary creates a new CLI runtime with a custom binary path.
func NewCLIWithBinary(exec remote.Executor, binary string, logger zerolog.Logger) *CLI {
	return &CLI{
		exec:   exec,
		binary: binary,
		logger: logger.With().Str("component", "docker").Logger(),
	}
}

type inspectOutput struct {
	ID    string `json:"Id"`
	Name  string `json:"Name"`
	State struct {
		Status  string `json:"Status"`
		Running bool   `json:"Running"`
	} `json:"State"`
}

// State returns the container's current state.
func (c *CLI) State(ctx context.Context, srv *models.Server, container string) (*ContainerState, error) {
	out, err := c.run(ctx, srv, "inspect", "--format", "{{json .}}", container)
	if err != nil {
		if isNoSuchContainer(err) {
			return nil, fmt.Errorf("inspect container %s: %w", container, ErrNoSuchContainer)
		}
		return nil, fmt.Errorf("inspect container %s: %w", container, err)
	}

	var raw inspectOutput
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &raw); err != nil {
		return nil, fmt.Errorf("parse inspect output: %w", err)
	}

	return &ContainerState{
		ID:      raw.ID,
		Name:    strings.TrimPrefix(raw.Name, "/"),
		Status:  raw.State.Status,
		Running: raw.State.Running,
	}, nil
}

// Stop stops a running container.
func (c *CLI) Stop(ctx context.Context, srv *models.Server, container string) error {
	c.logger.Info().Str("server", srv.Name).Str("container", container).Msg("stopping container")
	if _, err := c.run(ctx, srv, "stop", container); err != nil {
		return fmt.Errorf("stop container %s: %w", container, err)
	}
	return nil
}

// Start starts a stopped container.
func (c *CLI) Start(ctx context.Context, srv *models.Server, container string) error {
	c.logger.Info().Str("server", srv.Name).Str("container", container).Msg("starting container")
	if _, err := c.run(ctx, srv, "start", container); err != nil {
		return fmt.Errorf("start container %s: %w", container, err)
	}
	return nil
}

// Remove force-removes a container.
func (c *CLI) Remove(ctx context.Context, srv *models.Server, container string) error {
	c.logger.Info().Str("server", srv.Name).Str("container", container).Msg("removing container")
	if _, err := c.run(ctx, srv, "rm", "-f", container); err != nil {
		return fmt.Errorf("remove container %s: %w", container, err)
	}
	return nil
}

// Run creates the container, then starts it by ID.
func (c *CLI) Run(ctx context.Context, srv *models.Server, spec RunSpec) (string, error) {
	c.logger.Info().
		Str("server", srv.Name).
		Str("container", spec.Name).
		Str("image", spec.Image).
		Msg("creating container")

	args, err := CreateArgs(spec)
	if err != nil {
		return "", err
	}
	out, err := c.run(ctx, srv, args...)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	id := strings.TrimSpace(lines[len(lines)-1])
	if id == "" {
		return "", fmt.Errorf("create container %s: no container id returned", spec.Name)
	}

	if _, err := c.run(ctx, srv, "start", id); err != nil {
		return id, fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	return id, nil
}

// CreateArgs builds the docker create argument list for spec.
func CreateArgs(spec RunSpec) ([]string, error) {
	if spec.Name == "" {
		return nil, errors.New("container name is required")
	}
	if spec.Image == "" {
		return nil, errors.New("image is required")
	}

	args := []string{"create", "--name", spec.Name}

	if spec.Options.RestartPolicy != "" {
		args = append(args, "--restart", spec.Options.RestartPolicy)
	}
	if spec.Options.NetworkMode != "" {
		args = append(args, "--network", spec.Options.NetworkMode)
	}

	for _, p := range spec.Ports {
		mapping := strconv.Itoa(p.HostPort) + ":" + strconv.Itoa(p.ContainerPort)
		if p.Protocol != "" && !strings.EqualFold(p.Protocol, "tcp") {
			mapping += "/" + strings.ToLower(p.Protocol)
		}
		args = append(args, "-p", mapping)
	}

	for _, v := range spec.Volumes {
		args = append(args, "-v", v.HostPath+":"+v.ContainerPath)
	}

	// Sorted for a stable command line.
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", k+"="+spec.Env[k])
	}

	args = append(args, spec.Image)

	if spec.Options.Command != "" {
		args = append(args, "sh", "-c", spec.Options.Command)
	}

	return args, nil
}

func (c *CLI) run(ctx context.Context, srv *models.Server, args ...string) (string, error) {
	command := remote.Join(append([]string{c.binary}, args...)...)

	c.logger.Debug().
		Str("server", srv.Name).
		Strs("args", args).
		Msg("executing docker command")

	res, err := c.exec.Execute(ctx, srv, command)
	if err != nil {
		return "", err
	}
	return res.Stdout, nil
}

func isNoSuchContainer(err error) bool {
	var cmdErr *remote.CommandError
	if !errors.As(err, &cmdErr) {
		return false
	}
	return strings.Contains(strings.ToLower(cmdErr.Stderr), "no such")
}
