// Package containerctl implements the Container Controller (spec §4.G): the
// actor at the heart of the system, structurally grounded on the teacher's
// scheduler.Scheduler (mutex-guarded state + stopCh/wg + ticking
// processLoop) fused with its runtime_registry.RuntimeRegistry
// registry-by-id pattern.
package containerctl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/console"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/msfrpc"
	"github.com/sarnowski/msfailab/internal/rpcport"
)

// Status is the Controller's container-level state machine position.
type Status string

const (
	StatusOffline  Status = "offline"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
)

// Reject reasons returned by send_metasploit_command (spec §4.G).
var (
	ErrContainerNotRunning  = errors.New("container_not_running")
	ErrConsoleNotRegistered = errors.New("console_not_registered")
	ErrConsoleOffline       = errors.New("console_offline")
	ErrConsoleStarting      = errors.New("console_starting")
	ErrConsoleBusy          = errors.New("console_busy")
	ErrConsoleWriteFailed   = errors.New("console_write_failed")
)

// RPCClient is the narrow msfrpc surface the Controller depends on.
type RPCClient interface {
	Login(ctx context.Context, user, password string) (string, error)
	ConsoleCreate(ctx context.Context, token string) (msfrpc.ConsoleInfo, error)
	ConsoleDestroy(ctx context.Context, token, consoleID string) error
	ConsoleWrite(ctx context.Context, token, consoleID, data string) (int, error)
	ConsoleRead(ctx context.Context, token, consoleID string) (msfrpc.ReadResult, error)
}

// Identity names the container a Controller owns (spec §6.1).
type Identity struct {
	ContainerRecordID string
	WorkspaceID       string
	WorkspaceSlug     string
	ContainerSlug     string
}

func (id Identity) containerName() string {
	return fmt.Sprintf("msfailab-%s-%s", id.WorkspaceSlug, id.ContainerSlug)
}

// Options configures a Controller.
type Options struct {
	Identity  Identity
	Docker    docker.Adapter
	RPC       RPCClient
	Allocator *rpcport.Allocator
	EventBus  bus.EventBus
	Config    config.ContainerConfig
	MsfUser   string
	MsfPass   string

	// UsedPorts returns the set of ports currently bound by other live
	// controllers, consulted at allocation time (spec §4.E: "a live
	// snapshot, not a persistent allocator state").
	UsedPorts func() map[int]struct{}
}

type runningBash struct {
	commandID string
	trackID   int64
	output    string
}

// StateSnapshot is the result of get_state_snapshot.
type StateSnapshot struct {
	Status            Status
	DockerContainerID string
	RPCPort           int
	RestartCount      int
	RegisteredTracks  []int64
	Consoles          []int64
}

// Controller is a single actor per ContainerRecord.
type Controller struct {
	opts   Options
	logger *logger.Logger

	mailbox chan interface{}

	status            Status
	dockerContainerID string
	rpcEndpoint       docker.RPCEndpoint
	token             string
	restartCount      int
	msgrpcAttempts    int
	lastRunningAt     time.Time

	registeredTracks map[int64]struct{}
	consoles         map[int64]*console.Session
	runningBashCmds  map[string]*runningBash

	// bashTasks fans in every in-flight bash exec goroutine so shutdown can
	// wait for them to observe ctx cancellation instead of leaking them.
	bashTasks errgroup.Group

	consoleUpdates chan consoleUpdateMsg
}

type consoleUpdateMsg struct {
	trackID int64
	update  console.Update
}

// NewController constructs a Controller in the offline state. Call Run to
// start its mailbox loop.
func NewController(opts Options, log *logger.Logger) *Controller {
	return &Controller{
		opts:             opts,
		logger:           log.WithFields(zap.String("component", "container_controller")).WithContainerRecordID(opts.Identity.ContainerRecordID),
		mailbox:          make(chan interface{}, 64),
		status:           StatusOffline,
		registeredTracks: make(map[int64]struct{}),
		consoles:         make(map[int64]*console.Session),
		runningBashCmds:  make(map[string]*runningBash),
		consoleUpdates:   make(chan consoleUpdateMsg, 64),
	}
}

// Run executes the Controller's mailbox loop until ctx is cancelled. Intended
// to be wrapped by supervisor.Supervise by the Registry.
func (c *Controller) Run(ctx context.Context) error {
	c.logger.Info("controller started")
	defer c.logger.Info("controller stopped")

	var healthTicker *time.Ticker
	var healthCh <-chan time.Time

	defer func() {
		if healthTicker != nil {
			healthTicker.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			c.shutdown(context.Background())
			return nil

		case raw := <-c.mailbox:
			c.handleMailbox(ctx, raw, &healthTicker, &healthCh)

		case upd := <-c.consoleUpdates:
			c.handleConsoleUpdate(ctx, upd)

		case <-healthCh:
			c.healthCheck(ctx)
		}
	}
}

func (c *Controller) handleMailbox(ctx context.Context, raw interface{}, healthTicker **time.Ticker, healthCh *<-chan time.Time) {
	switch msg := raw.(type) {
	case startNewMsg:
		c.startContainer(ctx, "", healthTicker, healthCh)
	case adoptMsg:
		c.startContainer(ctx, msg.dockerID, healthTicker, healthCh)
	case getStatusMsg:
		msg.reply <- c.status
	case getStateSnapshotMsg:
		msg.reply <- c.snapshot()
	case registerConsoleMsg:
		c.registerConsole(ctx, msg.trackID)
		msg.reply <- struct{}{}
	case unregisterConsoleMsg:
		c.unregisterConsole(ctx, msg.trackID)
		msg.reply <- struct{}{}
	case sendMetasploitCommandMsg:
		msg.reply <- c.sendMetasploitCommand(ctx, msg.trackID, msg.text)
	case sendBashCommandMsg:
		msg.reply <- c.sendBashCommand(ctx, msg.trackID, msg.text)
	case getRunningBashCommandsMsg:
		ids := make([]string, 0, len(c.runningBashCmds))
		for id := range c.runningBashCmds {
			ids = append(ids, id)
		}
		msg.reply <- ids
	case getRPCContextMsg:
		msg.reply <- c.refreshAndGetContext(ctx)
	case bashOutputMsg:
		c.handleBashOutput(ctx, msg)
	case bashFinishedMsg:
		c.handleBashFinished(ctx, msg)
	case bashErrorMsg:
		c.handleBashError(ctx, msg)
	case connectSucceededMsg:
		c.handleConnectSucceeded(ctx, msg.token)
	case connectFailedMsg:
		c.handleConnectFailed(ctx)
	}
}

// snapshot builds a StateSnapshot under the (single-goroutine-owned) state.
func (c *Controller) snapshot() StateSnapshot {
	tracks := make([]int64, 0, len(c.registeredTracks))
	for t := range c.registeredTracks {
		tracks = append(tracks, t)
	}
	consoles := make([]int64, 0, len(c.consoles))
	for t := range c.consoles {
		consoles = append(consoles, t)
	}
	return StateSnapshot{
		Status:            c.status,
		DockerContainerID: c.dockerContainerID,
		RPCPort:           c.rpcEndpoint.Port,
		RestartCount:      c.restartCount,
		RegisteredTracks:  tracks,
		Consoles:          consoles,
	}
}

func (c *Controller) refreshAndGetContext(ctx context.Context) RPCContext {
	if c.status != StatusRunning {
		return RPCContext{}
	}
	if token, err := c.opts.RPC.Login(ctx, c.opts.MsfUser, c.opts.MsfPass); err == nil {
		c.token = token
	}
	return RPCContext{Endpoint: c.rpcEndpoint, Token: c.token}
}

// RPCContext is the result of get_rpc_context.
type RPCContext struct {
	Endpoint docker.RPCEndpoint
	Token    string
}
