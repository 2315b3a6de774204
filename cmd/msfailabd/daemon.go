package main

import (
	"context"
	"fmt"

	"github.com/sarnowski/msfailab/internal/common/apperrors"
	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/containerctl"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/msfrpc"
	"github.com/sarnowski/msfailab/internal/persistence/store"
	"github.com/sarnowski/msfailab/internal/rpcport"
	"github.com/sarnowski/msfailab/internal/tools"
	"github.com/sarnowski/msfailab/internal/track/shell"
)

// daemon bundles every long-lived dependency built by serve. Its Provision*
// methods are the core's embedding surface: the workspace/UI layer that
// decides which containers and tracks should exist is out of scope (spec
// §1), but whatever calls into this binary as a library exercises exactly
// these two entry points.
type daemon struct {
	cfg        *config.Config
	log        *logger.Logger
	store      *store.TrackStore
	eventBus   bus.EventBus
	dockerAPI  docker.Adapter
	allocator  *rpcport.Allocator
	containers *containerctl.Registry
	tracks     *shell.Registry
	provider   llm.Provider
}

// ProvisionContainer registers (or returns) the Controller for identity,
// allocating an RPC port from the dependencies it has not yet bound to and
// starting the supervised actor. The returned Controller's Run loop does
// nothing until StartNew or AdoptDockerContainer is called on it.
func (d *daemon) ProvisionContainer(ctx context.Context, identity containerctl.Identity) (*containerctl.Controller, error) {
	if existing, ok := d.containers.Get(identity.ContainerRecordID); ok {
		return existing, nil
	}

	port, err := d.allocator.Allocate(d.containers.UsedPorts())
	if err != nil {
		return nil, fmt.Errorf("allocate rpc port: %w", err)
	}

	rpcClient := msfrpc.NewClient(fmt.Sprintf("%s:%d", d.cfg.Docker.Host, port), d.log)

	ctrl := d.containers.GetOrCreate(ctx, identity.ContainerRecordID, func() containerctl.Options {
		return containerctl.Options{
			Identity:  identity,
			Docker:    d.dockerAPI,
			RPC:       rpcClient,
			Allocator: d.allocator,
			EventBus:  d.eventBus,
			Config:    d.cfg.Container,
			MsfUser:   d.cfg.MsfRPC.User,
			MsfPass:   d.cfg.MsfRPC.Password,
			UsedPorts: d.containers.UsedPorts,
		}
	})
	return ctrl, nil
}

// ProvisionTrack registers (or returns) the Engine for trackID, bound to the
// Controller already provisioned for containerRecordID.
func (d *daemon) ProvisionTrack(ctx context.Context, trackID int64, workspaceID, containerRecordID string) (*shell.Engine, error) {
	ctrl, ok := d.containers.Get(containerRecordID)
	if !ok {
		return nil, apperrors.NotFound("container", containerRecordID)
	}

	engine := d.tracks.GetOrCreate(ctx, trackID, func() shell.Options {
		return shell.Options{
			TrackID:     trackID,
			WorkspaceID: workspaceID,
			Store:       d.store,
			EventBus:    d.eventBus,
			Provider:    d.provider,
			Tools:       tools.DefaultRegistry(),
			Controller:  ctrl,
			Config:      d.cfg.Track,
			Model:       d.cfg.Track.DefaultModel,
		}
	})
	return engine, nil
}
