// Package docker wraps the Docker SDK to provide the narrow container
// lifecycle capability set required by the Container Controller (spec §4.B).
package docker

import (
	"context"
	"time"
)

// RPCEndpoint is the host-side address of a container's published RPC port.
type RPCEndpoint struct {
	Host string
	Port int
}

// ExecResult is the result of a one-shot exec inside a running container.
type ExecResult struct {
	Stdout   string
	ExitCode int
}

// Labels identify a managed container for adoption and listing (spec §6.1).
type Labels struct {
	ContainerRecordID string
	WorkspaceSlug     string
	ContainerSlug     string
}

func (l Labels) Map() map[string]string {
	return map[string]string{
		"container_record_id": l.ContainerRecordID,
		"workspace_slug":      l.WorkspaceSlug,
		"container_slug":      l.ContainerSlug,
	}
}

// ManagedContainer describes a container discovered via ListManagedContainers.
type ManagedContainer struct {
	ID     string
	Name   string
	Labels map[string]string
	State  string
}

// Adapter is the narrow interface the Container Controller depends on
// (spec §4.B). Implementations may be real (Docker SDK) or a test double.
type Adapter interface {
	// StartContainer creates and starts a new container publishing
	// rpcPort on the host, returning the Docker container id.
	StartContainer(ctx context.Context, name string, labels Labels, rpcPort int) (containerID string, err error)

	// StopContainer stops a container, waiting up to the given timeout.
	StopContainer(ctx context.Context, containerID string, timeout time.Duration) error

	// ContainerRunning reports whether the container is currently running.
	ContainerRunning(ctx context.Context, containerID string) (bool, error)

	// GetRPCEndpoint returns the host-side endpoint the RPC Client should dial.
	GetRPCEndpoint(ctx context.Context, containerID string) (RPCEndpoint, error)

	// Exec runs a shell command inside the container and waits for completion.
	Exec(ctx context.Context, containerID string, command string) (ExecResult, error)

	// ListManagedContainers lists containers carrying the given label filter,
	// used to validate adoption (label container_record_id must match).
	ListManagedContainers(ctx context.Context, labelFilter map[string]string) ([]ManagedContainer, error)
}
