package shell

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/tools"
)

func TestRegistry_GetOrCreate_IsIdempotent(t *testing.T) {
	reg := NewRegistry(logger.Default())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	newFn := func() Options {
		return Options{
			TrackID:     7,
			WorkspaceID: "ws-reg",
			Store:       &fakeStore{},
			Provider:    llm.NewStaticProvider(nil),
			Tools:       tools.DefaultRegistry(),
			Controller:  &fakeController{},
			Config: config.TrackConfig{
				ToolTimeoutMs:     map[string]int{"metasploit": 100, "bash": 100},
				DefaultToolTimeMs: 100,
			},
			Model: "claude-test",
		}
	}

	e1 := reg.GetOrCreate(ctx, 7, newFn)
	e2 := reg.GetOrCreate(ctx, 7, newFn)
	assert.Same(t, e1, e2)

	got, ok := reg.Get(7)
	assert.True(t, ok)
	assert.Same(t, e1, got)

	assert.Len(t, reg.All(), 1)

	reg.Remove(7)
	_, ok = reg.Get(7)
	assert.False(t, ok)
}

func TestRegistry_GetOrCreate_DistinctTracks(t *testing.T) {
	reg := NewRegistry(logger.Default())
	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	newFn := func(trackID int64) func() Options {
		return func() Options {
			return Options{
				TrackID:     trackID,
				WorkspaceID: "ws-reg",
				Store:       &fakeStore{},
				Provider:    llm.NewStaticProvider(nil),
				Tools:       tools.DefaultRegistry(),
				Controller:  &fakeController{},
				Config: config.TrackConfig{
					ToolTimeoutMs:     map[string]int{"metasploit": 100, "bash": 100},
					DefaultToolTimeMs: 100,
				},
				Model: "claude-test",
			}
		}
	}

	e1 := reg.GetOrCreate(ctx, 1, newFn(1))
	e2 := reg.GetOrCreate(ctx, 2, newFn(2))
	assert.NotSame(t, e1, e2)
	assert.Len(t, reg.All(), 2)
}
