package containerctl

import "context"

// Call/cast message types carried on the Controller mailbox (spec §4.G
// "message kinds").

type startNewMsg struct{}

type adoptMsg struct {
	dockerID string
}

type getStatusMsg struct {
	reply chan Status
}

type getStateSnapshotMsg struct {
	reply chan StateSnapshot
}

type registerConsoleMsg struct {
	trackID int64
	reply   chan struct{}
}

type unregisterConsoleMsg struct {
	trackID int64
	reply   chan struct{}
}

type sendMetasploitCommandMsg struct {
	trackID int64
	text    string
	reply   chan commandResult
}

type sendBashCommandMsg struct {
	trackID int64
	text    string
	reply   chan commandResult
}

type commandResult struct {
	commandID string
	err       error
}

type getRunningBashCommandsMsg struct {
	reply chan []string
}

type getRPCContextMsg struct {
	reply chan RPCContext
}

type bashOutputMsg struct {
	commandID string
	stdout    string
}

type bashFinishedMsg struct {
	commandID string
	exitCode  int
}

type bashErrorMsg struct {
	commandID string
	reason    string
}

// StartNew is the start_new cast: only effective in offline.
func (c *Controller) StartNew() {
	select {
	case c.mailbox <- startNewMsg{}:
	default:
	}
}

// AdoptDockerContainer is the adopt_docker_container cast.
func (c *Controller) AdoptDockerContainer(dockerID string) {
	select {
	case c.mailbox <- adoptMsg{dockerID: dockerID}:
	default:
	}
}

// GetStatus is the get_status call.
func (c *Controller) GetStatus(ctx context.Context) Status {
	reply := make(chan Status, 1)
	if !c.send(ctx, getStatusMsg{reply: reply}) {
		return StatusOffline
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return StatusOffline
	}
}

// GetStateSnapshot is the get_state_snapshot call.
func (c *Controller) GetStateSnapshot(ctx context.Context) StateSnapshot {
	reply := make(chan StateSnapshot, 1)
	if !c.send(ctx, getStateSnapshotMsg{reply: reply}) {
		return StateSnapshot{}
	}
	select {
	case s := <-reply:
		return s
	case <-ctx.Done():
		return StateSnapshot{}
	}
}

// RegisterConsole is the register_console call: always ok (spec §4.G).
func (c *Controller) RegisterConsole(ctx context.Context, trackID int64) {
	reply := make(chan struct{}, 1)
	if !c.send(ctx, registerConsoleMsg{trackID: trackID, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// UnregisterConsole is the unregister_console call.
func (c *Controller) UnregisterConsole(ctx context.Context, trackID int64) {
	reply := make(chan struct{}, 1)
	if !c.send(ctx, unregisterConsoleMsg{trackID: trackID, reply: reply}) {
		return
	}
	select {
	case <-reply:
	case <-ctx.Done():
	}
}

// SendMetasploitCommand is the send_metasploit_command call.
func (c *Controller) SendMetasploitCommand(ctx context.Context, trackID int64, text string) (string, error) {
	reply := make(chan commandResult, 1)
	if !c.send(ctx, sendMetasploitCommandMsg{trackID: trackID, text: text, reply: reply}) {
		return "", ErrContainerNotRunning
	}
	select {
	case r := <-reply:
		return r.commandID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// SendBashCommand is the send_bash_command call.
func (c *Controller) SendBashCommand(ctx context.Context, trackID int64, text string) (string, error) {
	reply := make(chan commandResult, 1)
	if !c.send(ctx, sendBashCommandMsg{trackID: trackID, text: text, reply: reply}) {
		return "", ErrContainerNotRunning
	}
	select {
	case r := <-reply:
		return r.commandID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetRPCContext is the get_rpc_context call: refreshes the token first.
func (c *Controller) GetRPCContext(ctx context.Context) RPCContext {
	reply := make(chan RPCContext, 1)
	if !c.send(ctx, getRPCContextMsg{reply: reply}) {
		return RPCContext{}
	}
	select {
	case r := <-reply:
		return r
	case <-ctx.Done():
		return RPCContext{}
	}
}

func (c *Controller) send(ctx context.Context, msg interface{}) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}
