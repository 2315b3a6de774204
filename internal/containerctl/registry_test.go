package containerctl

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/docker"
	"github.com/sarnowski/msfailab/internal/rpcport"
)

func TestRegistry_GetOrCreate_IsIdempotent(t *testing.T) {
	alloc, err := rpcport.NewAllocator(42000, 42010)
	require.NoError(t, err)

	reg := NewRegistry(logger.Default())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	newFn := func() Options {
		return Options{
			Identity:  Identity{ContainerRecordID: "cr-reg", WorkspaceID: "ws-1", WorkspaceSlug: "ws", ContainerSlug: "reg"},
			Docker:    docker.NewMockAdapter(),
			RPC:       &fakeRPCClient{},
			Allocator: alloc,
			Config:    testConfig(),
			UsedPorts: reg.UsedPorts,
		}
	}

	c1 := reg.GetOrCreate(ctx, "cr-reg", newFn)
	c2 := reg.GetOrCreate(ctx, "cr-reg", newFn)
	assert.Same(t, c1, c2)

	got, ok := reg.Get("cr-reg")
	assert.True(t, ok)
	assert.Same(t, c1, got)

	assert.Len(t, reg.All(), 1)

	reg.Remove("cr-reg")
	_, ok = reg.Get("cr-reg")
	assert.False(t, ok)
}
