// Package models defines the domain types shared across Ferry.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeploymentStatus represents the lifecycle status of a deployment.
type DeploymentStatus string

const (
	// DeploymentStatusRunning indicates the container is running.
	DeploymentStatusRunning DeploymentStatus = "running"
	// DeploymentStatusStopped indicates the container exists but is stopped.
	DeploymentStatusStopped DeploymentStatus = "stopped"
	// DeploymentStatusSnapshotting indicates a snapshot is being taken.
	DeploymentStatusSnapshotting DeploymentStatus = "snapshotting"
	// DeploymentStatusRestoring indicates a snapshot is being restored.
	DeploymentStatusRestoring DeploymentStatus = "restoring"
	// DeploymentStatusMigrating indicates a migration is in flight.
	DeploymentStatusMigrating DeploymentStatus = "migrating"
)

// IsTransitional reports whether the status marks an operation in progress.
func (s DeploymentStatus) IsTransitional() bool {
	switch s {
	case DeploymentStatusSnapshotting, DeploymentStatusRestoring, DeploymentStatusMigrating:
		return true
	}
	return false
}

// PortMapping binds a host port to a container port.
type PortMapping struct {
	HostPort      int    `json:"host_port"`
	ContainerPort int    `json:"container_port"`
	Protocol      string `json:"protocol,omitempty"` // tcp (default) or udp
}

// Validate checks that both ports are in range.
func (p PortMapping) Validate() error {
	if p.HostPort < 1 || p.HostPort > 65535 {
		return fmt.Errorf("host port %d out of range", p.HostPort)
	}
	if p.ContainerPort < 1 || p.ContainerPort > 65535 {
		return fmt.Errorf("container port %d out of range", p.ContainerPort)
	}
	switch strings.ToLower(p.Protocol) {
	case "", "tcp", "udp":
	default:
		return fmt.Errorf("unsupported protocol %q", p.Protocol)
	}
	return nil
}

// VolumeMapping binds a host path to a container path.
type VolumeMapping struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
}

// RunOptions holds free-form container run options.
type RunOptions struct {
	RestartPolicy string `json:"restart_policy,omitempty"`
	NetworkMode   string `json:"network_mode,omitempty"`
	Command       string `json:"command,omitempty"`
}

// Deployment is a container instance bound to one server.
type Deployment struct {
	ID            uuid.UUID         `json:"id"`
	AppID         uuid.UUID         `json:"app_id"`
	ServerID      uuid.UUID         `json:"server_id"`
	OwnerID       uuid.UUID         `json:"owner_id"`
	ContainerID   string            `json:"container_id"`
	ContainerName string            `json:"container_name"`
	Image         string            `json:"image"`
	Status        DeploymentStatus  `json:"status"`
	Ports         []PortMapping     `json:"ports"`
	Volumes       []VolumeMapping   `json:"volumes"`
	Env           map[string]string `json:"env,omitempty"`
	RunOptions    RunOptions        `json:"run_options"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NewDeployment creates a new stopped Deployment record.
func NewDeployment(appID, serverID, ownerID uuid.UUID, name, image string) *Deployment {
	now := time.Now()
	return &Deployment{
		ID:            uuid.New(),
		AppID:         appID,
		ServerID:      serverID,
		OwnerID:       ownerID,
		ContainerName: name,
		Image:         image,
		Status:        DeploymentStatusStopped,
		Env:           make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// HostPorts returns the host side of each port mapping in order.
func (d *Deployment) HostPorts() []int {
	ports := make([]int, 0, len(d.Ports))
	for _, p := range d.Ports {
		ports = append(ports, p.HostPort)
	}
	return ports
}

// Clone returns a deep copy of the deployment.
func (d *Deployment) Clone() *Deployment {
	c := *d
	c.Ports = append([]PortMapping(nil), d.Ports...)
	c.Volumes = append([]VolumeMapping(nil), d.Volumes...)
	c.Env = make(map[string]string, len(d.Env))
	for k, v := range d.Env {
		c.Env[k] = v
	}
	return &c
}

// ValidatePorts checks a list of port mappings for range errors and duplicate host ports.
func ValidatePorts(ports []PortMapping) error {
	seen := make(map[string]bool, len(ports))
	for _, p := range ports {
		if err := p.Validate(); err != nil {
			return err
		}
		key := fmt.Sprintf("%d/%s", p.HostPort, p.normalizedProtocol())
		if seen[key] {
			return fmt.Errorf("host port %d mapped more than once", p.HostPort)
		}
		seen[key] = true
	}
	return nil
}

func (p PortMapping) normalizedProtocol() string {
	if p.Protocol == "" {
		return "tcp"
	}
	return strings.ToLower(p.Protocol)
}

// ValidateVolumes checks that every volume mapping uses absolute paths.
func ValidateVolumes(volumes []VolumeMapping) error {
	for _, v := range volumes {
		if !strings.HasPrefix(v.HostPath, "/") {
			return fmt.Errorf("host path %q must be absolute", v.HostPath)
		}
		if !strings.HasPrefix(v.ContainerPath, "/") {
			return fmt.Errorf("container path %q must be absolute", v.ContainerPath)
		}
		if strings.TrimRight(v.HostPath, "/") == "" {
			return errors.New("host path must not be the filesystem root")
		}
	}
	return nil
}

// PortsJSON returns the port mappings as JSON bytes for database storage.
func (d *Deployment) PortsJSON() ([]byte, error) {
	if d.Ports == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Ports)
}

// SetPortsFromJSON sets the port mappings from JSON bytes.
func (d *Deployment) SetPortsFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &d.Ports)
}

// VolumesJSON returns the volume mappings as JSON bytes for database storage.
func (d *Deployment) VolumesJSON() ([]byte, error) {
	if d.Volumes == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(d.Volumes)
}

// SetVolumesFromJSON sets the volume mappings from JSON bytes.
func (d *Deployment) SetVolumesFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &d.Volumes)
}

// EnvJSON returns the environment as JSON bytes for database storage.
func (d *Deployment) EnvJSON() ([]byte, error) {
	if d.Env == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(d.Env)
}

// SetEnvFromJSON sets the environment from JSON bytes.
func (d *Deployment) SetEnvFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &d.Env)
}

// RunOptionsJSON returns the run options as JSON bytes for database storage.
func (d *Deployment) RunOptionsJSON() ([]byte, error) {
	return json.Marshal(d.RunOptions)
}

// SetRunOptionsFromJSON sets the run options from JSON bytes.
func (d *Deployment) SetRunOptionsFromJSON(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, &d.RunOptions)
}
