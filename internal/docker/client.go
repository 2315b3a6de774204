package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/nat"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
)

// Client wraps the Docker SDK client to implement Adapter.
type Client struct {
	cli    *client.Client
	logger *logger.Logger
	config config.DockerConfig
}

var _ Adapter = (*Client)(nil)

// NewClient creates a new Docker-backed Adapter.
func NewClient(cfg config.DockerConfig, log *logger.Logger) (*Client, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}

	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	log.Info("docker client created", zap.String("host", cfg.Host), zap.String("api_version", cfg.APIVersion))

	return &Client{cli: cli, logger: log, config: cfg}, nil
}

// Close releases the underlying Docker client.
func (c *Client) Close() error {
	return c.cli.Close()
}

const rpcContainerPort = "55553/tcp"

// StartContainer creates and starts a container publishing rpcPort on the host.
func (c *Client) StartContainer(ctx context.Context, name string, labels Labels, rpcPort int) (string, error) {
	c.logger.Info("starting container",
		zap.String("name", name),
		zap.Int("rpc_port", rpcPort),
	)

	portBinding := nat.PortMap{
		nat.Port(rpcContainerPort): []nat.PortBinding{
			{HostIP: "127.0.0.1", HostPort: strconv.Itoa(rpcPort)},
		},
	}

	containerCfg := &container.Config{
		Image:        "msfailab/msfconsole:latest",
		Labels:       labels.Map(),
		ExposedPorts: nat.PortSet{nat.Port(rpcContainerPort): struct{}{}},
	}

	hostCfg := &container.HostConfig{
		NetworkMode:  container.NetworkMode(c.config.DefaultNetwork),
		PortBindings: portBinding,
		AutoRemove:   false,
	}

	resp, err := c.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("failed to create container %s: %w", name, err)
	}

	if err := c.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", fmt.Errorf("failed to start container %s: %w", name, err)
	}

	c.logger.Info("container started", zap.String("container_id", resp.ID), zap.String("name", name))
	return resp.ID, nil
}

// StopContainer stops a container with a timeout, then removes it.
func (c *Client) StopContainer(ctx context.Context, containerID string, timeout time.Duration) error {
	timeoutSeconds := int(timeout.Seconds())
	if err := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return fmt.Errorf("failed to stop container %s: %w", containerID, err)
	}

	if err := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		c.logger.Warn("failed to remove stopped container", zap.String("container_id", containerID), zap.Error(err))
	}

	c.logger.Info("container stopped", zap.String("container_id", containerID))
	return nil
}

// ContainerRunning reports whether the container is currently in the running state.
func (c *Client) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// GetRPCEndpoint returns the host-side endpoint bound to the container's RPC port.
func (c *Client) GetRPCEndpoint(ctx context.Context, containerID string) (RPCEndpoint, error) {
	inspect, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return RPCEndpoint{}, fmt.Errorf("failed to inspect container %s: %w", containerID, err)
	}

	if inspect.NetworkSettings == nil {
		return RPCEndpoint{}, fmt.Errorf("no network settings for container %s", containerID)
	}

	bindings, ok := inspect.NetworkSettings.Ports[nat.Port(rpcContainerPort)]
	if !ok || len(bindings) == 0 {
		return RPCEndpoint{}, fmt.Errorf("no rpc port binding for container %s", containerID)
	}

	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return RPCEndpoint{}, fmt.Errorf("invalid host port %q: %w", bindings[0].HostPort, err)
	}

	host := bindings[0].HostIP
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}

	return RPCEndpoint{Host: host, Port: port}, nil
}

// Exec runs command inside the container and waits for it to complete,
// returning its combined stdout/stderr and exit code (spec §4.G "Bash commands").
func (c *Client) Exec(ctx context.Context, containerID string, command string) (ExecResult, error) {
	execResp, err := c.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          []string{"/bin/sh", "-c", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to create exec for container %s: %w", containerID, err)
	}

	attachResp, err := c.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to attach exec for container %s: %w", containerID, err)
	}
	defer attachResp.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, attachResp.Reader); err != nil && err != io.EOF {
		return ExecResult{}, fmt.Errorf("failed to read exec output: %w", err)
	}

	inspect, err := c.cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("failed to inspect exec for container %s: %w", containerID, err)
	}

	return ExecResult{Stdout: buf.String(), ExitCode: inspect.ExitCode}, nil
}

// ListManagedContainers lists containers matching the given label filter.
func (c *Client) ListManagedContainers(ctx context.Context, labelFilter map[string]string) ([]ManagedContainer, error) {
	filterArgs := filters.NewArgs()
	for k, v := range labelFilter {
		filterArgs.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	containers, err := c.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	out := make([]ManagedContainer, 0, len(containers))
	for _, ctr := range containers {
		name := ""
		if len(ctr.Names) > 0 {
			name = ctr.Names[0]
			if len(name) > 0 && name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, ManagedContainer{ID: ctr.ID, Name: name, Labels: ctr.Labels, State: ctr.State})
	}
	return out, nil
}
