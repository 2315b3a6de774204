package containerctl

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/events/contracts"
)

func newCommandID() string {
	return uuid.New().String()
}

func (c *Controller) publish(ctx context.Context, subject string, v interface{}) {
	if c.opts.EventBus == nil {
		return
	}
	data, err := contracts.ToMap(v)
	if err != nil {
		c.logger.Error("failed to encode event payload", zap.String("subject", subject), zap.Error(err))
		return
	}
	evt := bus.NewEvent(subject, "container_controller", data)
	if err := c.opts.EventBus.Publish(ctx, subject, evt); err != nil {
		c.logger.Error("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}

func (c *Controller) publishContainerUpdated(ctx context.Context, status string) {
	c.publish(ctx, contracts.SubjectContainerUpdated(c.opts.Identity.WorkspaceID), contracts.ContainerUpdated{
		WorkspaceID:       c.opts.Identity.WorkspaceID,
		ContainerID:       c.opts.Identity.ContainerRecordID,
		Slug:              c.opts.Identity.ContainerSlug,
		Name:              c.opts.Identity.containerName(),
		Status:            status,
		DockerContainerID: c.dockerContainerID,
		Timestamp:         time.Now(),
	})
}

func (c *Controller) publishConsoleUpdated(ctx context.Context, trackID int64, status, commandID, command, output, prompt string) {
	c.publish(ctx, contracts.SubjectConsoleUpdated(c.opts.Identity.WorkspaceID, trackID), contracts.ConsoleUpdated{
		WorkspaceID: c.opts.Identity.WorkspaceID,
		ContainerID: c.opts.Identity.ContainerRecordID,
		TrackID:     trackID,
		Status:      status,
		CommandID:   commandID,
		Command:     command,
		Output:      output,
		Prompt:      prompt,
		Timestamp:   time.Now(),
	})
}

func (c *Controller) publishCommandIssued(ctx context.Context, trackID int64, commandID string, cmdType contracts.CommandType, command string) {
	c.publish(ctx, contracts.SubjectCommandIssued(c.opts.Identity.WorkspaceID), contracts.CommandIssued{
		WorkspaceID: c.opts.Identity.WorkspaceID,
		ContainerID: c.opts.Identity.ContainerRecordID,
		TrackID:     trackID,
		CommandID:   commandID,
		Type:        cmdType,
		Command:     command,
		Timestamp:   time.Now(),
	})
}

func (c *Controller) publishCommandResult(ctx context.Context, trackID int64, commandID string, cmdType contracts.CommandType, command, output string, status contracts.CommandResultStatus, exitCode *int, errMsg string) {
	c.publish(ctx, contracts.SubjectCommandResult(c.opts.Identity.WorkspaceID), contracts.CommandResult{
		WorkspaceID: c.opts.Identity.WorkspaceID,
		ContainerID: c.opts.Identity.ContainerRecordID,
		TrackID:     trackID,
		CommandID:   commandID,
		Type:        cmdType,
		Command:     command,
		Output:      output,
		Status:      status,
		ExitCode:    exitCode,
		Error:       errMsg,
		Timestamp:   time.Now(),
	})
}
