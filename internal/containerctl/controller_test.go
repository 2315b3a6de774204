package containerctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/msfrpc"
	"github.com/sarnowski/msfailab/internal/rpcport"
)

type fakeRPCClient struct {
	mu        sync.Mutex
	loginErr  error
	loginFail int // number of Login calls to fail before succeeding
	calls     int
}

func (f *fakeRPCClient) Login(_ context.Context, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.loginFail {
		return "", assertErr{}
	}
	if f.loginErr != nil {
		return "", f.loginErr
	}
	return "test-token", nil
}

func (f *fakeRPCClient) ConsoleCreate(_ context.Context, _ string) (msfrpc.ConsoleInfo, error) {
	return msfrpc.ConsoleInfo{ID: "1", Prompt: "msf6 > "}, nil
}

func (f *fakeRPCClient) ConsoleDestroy(_ context.Context, _, _ string) error { return nil }

func (f *fakeRPCClient) ConsoleWrite(_ context.Context, _, _, _ string) (int, error) { return 0, nil }

func (f *fakeRPCClient) ConsoleRead(_ context.Context, _, _ string) (msfrpc.ReadResult, error) {
	return msfrpc.ReadResult{Busy: false, Data: "msf6 > ", Prompt: "msf6 > "}, nil
}

type assertErr struct{}

func (assertErr) Error() string { return "simulated login failure" }

func testConfig() config.ContainerConfig {
	return config.ContainerConfig{
		HealthCheckIntervalMs:    20,
		MaxRestartCount:          5,
		BaseBackoffMs:            10,
		MaxBackoffMs:             50,
		SuccessResetMs:           300000,
		MsgrpcInitialDelayMs:     5,
		MsgrpcMaxConnectAttempts: 5,
		MsgrpcConnectBaseMs:      5,
	}
}

func waitForControllerStatus(t *testing.T, c *Controller, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		got := c.GetStatus(ctx)
		cancel()
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for controller status %s, last was %s", want, c.GetStatus(context.Background()))
}

// TestController_ColdStart covers spec §8 scenario 1: offline -> starting ->
// running, with a console auto-spawned for a pre-registered track.
func TestController_ColdStart(t *testing.T) {
	alloc, err := rpcport.NewAllocator(40000, 40010)
	require.NoError(t, err)

	d := docker.NewMockAdapter()
	rpc := &fakeRPCClient{}

	c := NewController(Options{
		Identity:  Identity{ContainerRecordID: "cr-1", WorkspaceID: "ws-1", WorkspaceSlug: "ws", ContainerSlug: "c1"},
		Docker:    d,
		RPC:       rpc,
		Allocator: alloc,
		Config:    testConfig(),
		MsfUser:   "msf",
		MsfPass:   "pass",
		UsedPorts: func() map[int]struct{} { return map[int]struct{}{} },
	}, logger.Default())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go c.Run(ctx)

	c.RegisterConsole(t.Context(), 1)
	c.StartNew()

	waitForControllerStatus(t, c, StatusRunning)

	snap := c.GetStateSnapshot(t.Context())
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Contains(t, snap.RegisteredTracks, int64(1))
	assert.Contains(t, snap.Consoles, int64(1))
}

// TestController_CrashMidCommand covers spec §8 scenario 2 in part: with no
// command in flight, a health check detects the killed container and the
// controller reverts to offline.
func TestController_CrashMidCommand(t *testing.T) {
	alloc, err := rpcport.NewAllocator(40100, 40110)
	require.NoError(t, err)

	d := docker.NewMockAdapter()
	rpc := &fakeRPCClient{}

	c := NewController(Options{
		Identity:  Identity{ContainerRecordID: "cr-2", WorkspaceID: "ws-1", WorkspaceSlug: "ws", ContainerSlug: "c2"},
		Docker:    d,
		RPC:       rpc,
		Allocator: alloc,
		Config:    testConfig(),
		MsfUser:   "msf",
		MsfPass:   "pass",
		UsedPorts: func() map[int]struct{} { return map[int]struct{}{} },
	}, logger.Default())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go c.Run(ctx)

	c.StartNew()
	waitForControllerStatus(t, c, StatusRunning)

	snap := c.GetStateSnapshot(t.Context())
	d.Kill(snap.DockerContainerID)

	waitForControllerStatus(t, c, StatusOffline)
}

// TestController_PortExhaustion covers spec §8 scenario 6: when the
// Allocator has no ports left, start_new fails and the Controller stays
// offline.
func TestController_PortExhaustion(t *testing.T) {
	alloc, err := rpcport.NewAllocator(41000, 41000)
	require.NoError(t, err)

	d := docker.NewMockAdapter()
	rpc := &fakeRPCClient{}

	c := NewController(Options{
		Identity:  Identity{ContainerRecordID: "cr-3", WorkspaceID: "ws-1", WorkspaceSlug: "ws", ContainerSlug: "c3"},
		Docker:    d,
		RPC:       rpc,
		Allocator: alloc,
		Config:    testConfig(),
		MsfUser:   "msf",
		MsfPass:   "pass",
		UsedPorts: func() map[int]struct{} { return map[int]struct{}{41000: {}} },
	}, logger.Default())

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go c.Run(ctx)

	c.StartNew()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, StatusOffline, c.GetStatus(t.Context()))
}
