package console

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/msfrpc"
)

type fakeRPC struct {
	mu        sync.Mutex
	reads     []msfrpc.ReadResult
	readIdx   int
	writeErr  error
	destroyed bool
}

func (f *fakeRPC) ConsoleCreate(_ context.Context, _ string) (msfrpc.ConsoleInfo, error) {
	return msfrpc.ConsoleInfo{ID: "1", Prompt: "msf6 > "}, nil
}

func (f *fakeRPC) ConsoleDestroy(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = true
	return nil
}

func (f *fakeRPC) ConsoleWrite(_ context.Context, _, _, _ string) (int, error) {
	return 0, f.writeErr
}

func (f *fakeRPC) ConsoleRead(_ context.Context, _, _ string) (msfrpc.ReadResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readIdx >= len(f.reads) {
		return msfrpc.ReadResult{Busy: false, Prompt: "msf6 > ", Data: "msf6 > "}, nil
	}
	r := f.reads[f.readIdx]
	f.readIdx++
	return r, nil
}

func TestSession_StartsAndPromotesToReady(t *testing.T) {
	rpc := &fakeRPC{
		reads: []msfrpc.ReadResult{
			{Busy: false, Data: "msf6 > ", Prompt: "msf6 > "},
		},
	}
	updates := make(chan Update, 16)

	s, err := Start(t.Context(), Options{RPC: rpc, PollInterval: 10 * time.Millisecond, Updates: updates}, logger.Default())
	require.NoError(t, err)

	waitForStatus(t, s, StatusReady)
}

func TestSession_SendCommand_RequiresReady(t *testing.T) {
	rpc := &fakeRPC{}
	s, err := Start(t.Context(), Options{RPC: rpc, PollInterval: 10 * time.Millisecond}, logger.Default())
	require.NoError(t, err)

	_, err = s.SendCommand(t.Context(), "db_status")
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestSession_SendCommand_WriteFailureKillsSession(t *testing.T) {
	rpc := &fakeRPC{
		reads: []msfrpc.ReadResult{
			{Busy: false, Data: "msf6 > ", Prompt: "msf6 > "},
		},
		writeErr: assertError{},
	}
	updates := make(chan Update, 16)
	s, err := Start(t.Context(), Options{RPC: rpc, PollInterval: 10 * time.Millisecond, Updates: updates}, logger.Default())
	require.NoError(t, err)

	waitForStatus(t, s, StatusReady)

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()
	_, err = s.SendCommand(ctx, "sleep 30")
	require.Error(t, err)
	waitForStatus(t, s, StatusDying)
}

type assertError struct{}

func (assertError) Error() string { return "simulated write failure" }

func waitForStatus(t *testing.T, s *Session, want Status) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		got := s.GetStatus(ctx)
		cancel()
		if got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for status %s", want)
}
