package containerctl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/backoff"
	"github.com/sarnowski/msfailab/internal/console"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events/contracts"
)

// startContainer implements offline -> starting (spec §4.G). dockerID, when
// non-empty, attempts adoption before falling back to starting a new
// container.
func (c *Controller) startContainer(ctx context.Context, dockerID string, healthTicker **time.Ticker, healthCh *<-chan time.Time) {
	if c.status != StatusOffline {
		return
	}
	c.status = StatusStarting
	c.publishContainerUpdated(ctx, string(StatusStarting))

	containerID, err := c.adoptOrStart(ctx, dockerID)
	if err != nil {
		c.logger.Error("failed to start container", zap.Error(err))
		c.revertToOffline(ctx)
		return
	}

	c.dockerContainerID = containerID

	endpoint, err := c.opts.Docker.GetRPCEndpoint(ctx, containerID)
	if err != nil {
		c.logger.Error("failed to resolve rpc endpoint", zap.Error(err))
		c.revertToOffline(ctx)
		return
	}
	c.rpcEndpoint = endpoint

	*healthTicker = time.NewTicker(c.opts.Config.HealthCheckInterval())
	*healthCh = (*healthTicker).C

	go c.connectAfterDelay(ctx)
}

func (c *Controller) adoptOrStart(ctx context.Context, dockerID string) (string, error) {
	if dockerID != "" {
		running, err := c.opts.Docker.ContainerRunning(ctx, dockerID)
		if err == nil && running {
			return dockerID, nil
		}
	}

	used := map[int]struct{}{}
	if c.opts.UsedPorts != nil {
		used = c.opts.UsedPorts()
	}
	port, err := c.opts.Allocator.Allocate(used)
	if err != nil {
		return "", err
	}

	labels := docker.Labels{
		ContainerRecordID: c.opts.Identity.ContainerRecordID,
		WorkspaceSlug:     c.opts.Identity.WorkspaceSlug,
		ContainerSlug:     c.opts.Identity.ContainerSlug,
	}
	return c.opts.Docker.StartContainer(ctx, c.opts.Identity.containerName(), labels, port)
}

// connectAfterDelay waits the configured initial delay, then attempts
// msgrpc login with linear retry (spec §4.G "starting -> running").
func (c *Controller) connectAfterDelay(ctx context.Context) {
	select {
	case <-time.After(c.opts.Config.MsgrpcInitialDelay()):
	case <-ctx.Done():
		return
	}
	c.tryConnect(ctx)
}

func (c *Controller) tryConnect(ctx context.Context) {
	for attempt := 1; attempt <= c.opts.Config.MsgrpcMaxConnectAttempts; attempt++ {
		token, err := c.opts.RPC.Login(ctx, c.opts.MsfUser, c.opts.MsfPass)
		if err == nil {
			c.send(ctx, connectSucceededMsg{token: token})
			return
		}

		c.logger.Warn("msgrpc login failed", zap.Int("attempt", attempt), zap.Error(err))
		delay := backoff.Linear(attempt, c.opts.Config.MsgrpcConnectBaseBackoff())
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
	}
	c.send(ctx, connectFailedMsg{})
}

type connectSucceededMsg struct{ token string }
type connectFailedMsg struct{}

// handleConnectSucceeded completes starting -> running.
func (c *Controller) handleConnectSucceeded(ctx context.Context, token string) {
	if c.status != StatusStarting {
		return
	}
	c.token = token
	c.status = StatusRunning
	c.msgrpcAttempts = 0
	c.lastRunningAt = time.Now()
	c.publishContainerUpdated(ctx, string(StatusRunning))

	for trackID := range c.registeredTracks {
		c.spawnConsole(ctx, trackID)
	}
}

// handleConnectFailed treats exhausted msgrpc retries as a container crash.
func (c *Controller) handleConnectFailed(ctx context.Context) {
	if c.status != StatusStarting {
		return
	}
	c.revertToOffline(ctx)
}

func (c *Controller) revertToOffline(ctx context.Context) {
	c.status = StatusOffline
	c.restartCount++
	c.dockerContainerID = ""
	c.rpcEndpoint = docker.RPCEndpoint{}
	c.token = ""
	c.publishContainerUpdated(ctx, string(StatusOffline))
	c.scheduleRestart(ctx)
}

// scheduleRestart applies the container restart backoff policy (spec §4.G
// "Restart / backoff"), giving up after MaxRestartCount consecutive failures.
func (c *Controller) scheduleRestart(ctx context.Context) {
	if c.opts.Config.MaxRestartCount > 0 && c.restartCount >= c.opts.Config.MaxRestartCount {
		c.logger.Warn("giving up on restarts, awaiting external start_new", zap.Int("restart_count", c.restartCount))
		return
	}

	delay := backoff.Next(c.restartCount, c.opts.Config.BaseBackoff(), c.opts.Config.MaxBackoff())
	go func() {
		select {
		case <-time.After(delay):
			c.StartNew()
		case <-ctx.Done():
		}
	}()
}

// healthCheck implements the running -> offline crash path.
func (c *Controller) healthCheck(ctx context.Context) {
	if c.status != StatusRunning {
		return
	}

	if time.Since(c.lastRunningAt) >= c.opts.Config.SuccessReset() {
		c.restartCount = 0
	}

	running, err := c.opts.Docker.ContainerRunning(ctx, c.dockerContainerID)
	if err == nil && running {
		return
	}

	c.logger.Warn("health check detected container down")
	c.crashAllConsoles(ctx)
	c.revertToOffline(ctx)
}

// crashAllConsoles implements "broadcast ConsoleUpdated(offline) for every
// track in registered_tracks ∪ consoles.keys, clear consoles, clear token".
func (c *Controller) crashAllConsoles(ctx context.Context) {
	seen := make(map[int64]struct{})
	for t := range c.registeredTracks {
		seen[t] = struct{}{}
	}
	for t := range c.consoles {
		seen[t] = struct{}{}
	}

	for t := range c.consoles {
		c.consoles[t].GoOffline(ctx)
	}
	c.consoles = make(map[int64]*console.Session)

	for t := range seen {
		c.publishConsoleUpdated(ctx, t, "offline", "", "", "", "")
	}
}

// spawnConsole starts a Console Session for trackID if the controller is
// running, obtaining a fresh token to avoid expired-token races.
func (c *Controller) spawnConsole(ctx context.Context, trackID int64) {
	if c.status != StatusRunning {
		return
	}
	if _, exists := c.consoles[trackID]; exists {
		return
	}

	token, err := c.opts.RPC.Login(ctx, c.opts.MsfUser, c.opts.MsfPass)
	if err != nil {
		c.logger.Error("failed to refresh token for console spawn", zap.Int64("track_id", trackID), zap.Error(err))
		return
	}
	c.token = token

	sess, err := console.Start(ctx, console.Options{
		RPC:          c.opts.RPC,
		Token:        token,
		PollInterval: 500 * time.Millisecond,
		Updates:      c.updatesChanFor(trackID),
	}, c.logger)
	if err != nil {
		c.logger.Error("console spawn failed", zap.Int64("track_id", trackID), zap.Error(err))
		return
	}

	c.consoles[trackID] = sess
}

// updatesChanFor returns a channel that forwards console.Update values onto
// the controller's own mailbox tagged with trackID.
func (c *Controller) updatesChanFor(trackID int64) chan<- console.Update {
	forward := make(chan console.Update, 16)
	go func() {
		for u := range forward {
			c.consoleUpdates <- consoleUpdateMsg{trackID: trackID, update: u}
		}
	}()
	return forward
}

// handleConsoleUpdate translates a Session's Update into a ConsoleUpdated
// bus event (spec §4.F/§6.3).
func (c *Controller) handleConsoleUpdate(ctx context.Context, msg consoleUpdateMsg) {
	c.publishConsoleUpdated(ctx, msg.trackID, string(msg.update.Status), msg.update.CommandID, msg.update.Command, msg.update.Output, msg.update.Prompt)
}

// registerConsole implements the register_console call (spec §4.G): always
// succeeds, idempotent.
func (c *Controller) registerConsole(ctx context.Context, trackID int64) {
	if _, exists := c.registeredTracks[trackID]; exists {
		return
	}
	c.registeredTracks[trackID] = struct{}{}
	if c.status == StatusRunning {
		c.spawnConsole(ctx, trackID)
	}
}

// unregisterConsole implements unregister_console: removes intent and
// destroys any live session, always emitting offline (spec §4.G: "Unregister
// emits offline even if the session was healthy").
func (c *Controller) unregisterConsole(ctx context.Context, trackID int64) {
	delete(c.registeredTracks, trackID)

	if sess, ok := c.consoles[trackID]; ok {
		sess.GoOffline(ctx)
		delete(c.consoles, trackID)
	}
	c.publishConsoleUpdated(ctx, trackID, "offline", "", "", "", "")
}

// sendMetasploitCommand implements send_metasploit_command validation and
// delegation (spec §4.G).
func (c *Controller) sendMetasploitCommand(ctx context.Context, trackID int64, text string) commandResult {
	if c.status != StatusRunning {
		return commandResult{err: ErrContainerNotRunning}
	}
	if _, ok := c.registeredTracks[trackID]; !ok {
		return commandResult{err: ErrConsoleNotRegistered}
	}
	sess, ok := c.consoles[trackID]
	if !ok {
		return commandResult{err: ErrConsoleOffline}
	}

	st := sess.GetStatus(ctx)
	switch st {
	case console.StatusStarting:
		return commandResult{err: ErrConsoleStarting}
	case console.StatusBusy:
		return commandResult{err: ErrConsoleBusy}
	case console.StatusDying:
		return commandResult{err: ErrConsoleOffline}
	}

	commandID, err := sess.SendCommand(ctx, text)
	if err != nil {
		return commandResult{err: ErrConsoleWriteFailed}
	}

	c.publishCommandIssued(ctx, trackID, commandID, contracts.CommandTypeMetasploit, text)
	return commandResult{commandID: commandID}
}

// sendBashCommand implements send_bash_command (spec §4.G): spawns an
// unlinked task invoking docker.Exec that reports back via the mailbox.
func (c *Controller) sendBashCommand(ctx context.Context, trackID int64, text string) commandResult {
	if c.status != StatusRunning {
		return commandResult{err: ErrContainerNotRunning}
	}

	commandID := newCommandID()
	c.runningBashCmds[commandID] = &runningBash{commandID: commandID, trackID: trackID}
	c.publishCommandIssued(ctx, trackID, commandID, contracts.CommandTypeBash, text)

	containerID := c.dockerContainerID
	c.bashTasks.Go(func() error {
		result, err := c.opts.Docker.Exec(ctx, containerID, text)
		if err != nil {
			c.send(ctx, bashErrorMsg{commandID: commandID, reason: err.Error()})
			return nil
		}
		c.send(ctx, bashOutputMsg{commandID: commandID, stdout: result.Stdout})
		c.send(ctx, bashFinishedMsg{commandID: commandID, exitCode: result.ExitCode})
		return nil
	})

	return commandResult{commandID: commandID}
}

func (c *Controller) handleBashOutput(ctx context.Context, msg bashOutputMsg) {
	rb, ok := c.runningBashCmds[msg.commandID]
	if !ok {
		return
	}
	rb.output = msg.stdout
	c.publishCommandResult(ctx, rb.trackID, msg.commandID, contracts.CommandTypeBash, "", msg.stdout, contracts.CommandResultRunning, nil, "")
}

func (c *Controller) handleBashFinished(ctx context.Context, msg bashFinishedMsg) {
	rb, ok := c.runningBashCmds[msg.commandID]
	if !ok {
		return
	}
	delete(c.runningBashCmds, msg.commandID)
	exitCode := msg.exitCode
	c.publishCommandResult(ctx, rb.trackID, msg.commandID, contracts.CommandTypeBash, "", rb.output, contracts.CommandResultFinished, &exitCode, "")
}

func (c *Controller) handleBashError(ctx context.Context, msg bashErrorMsg) {
	rb, ok := c.runningBashCmds[msg.commandID]
	if !ok {
		return
	}
	delete(c.runningBashCmds, msg.commandID)
	c.publishCommandResult(ctx, rb.trackID, msg.commandID, contracts.CommandTypeBash, "", rb.output, contracts.CommandResultError, nil, msg.reason)
}

// shutdown implements controller termination (spec §4.G "Shutdown").
func (c *Controller) shutdown(ctx context.Context) {
	for trackID, sess := range c.consoles {
		sess.GoOffline(ctx)
		c.publishConsoleUpdated(ctx, trackID, "offline", "", "", "", "")
	}
	c.consoles = make(map[int64]*console.Session)

	for commandID, rb := range c.runningBashCmds {
		c.publishCommandResult(ctx, rb.trackID, commandID, contracts.CommandTypeBash, "", rb.output, contracts.CommandResultError, nil, "container_stopped")
	}
	c.runningBashCmds = make(map[string]*runningBash)

	if (c.status == StatusStarting || c.status == StatusRunning) && c.dockerContainerID != "" {
		_ = c.opts.Docker.StopContainer(ctx, c.dockerContainerID, 10*time.Second)
	}

	// Every in-flight bash task observes the now-cancelled Run ctx and
	// returns promptly; wait for them so none leak past shutdown.
	_ = c.bashTasks.Wait()
}
