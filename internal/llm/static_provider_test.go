package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticProvider_Chat_EmitsScriptInOrder(t *testing.T) {
	script := []Event{
		StreamStarted{},
		ContentBlockStart{Index: 0, Type: ContentBlockText},
		ContentDelta{Index: 0, Delta: "Scanning"},
		ContentBlockStop{Index: 0},
		StreamComplete{StopReason: StopReasonEndTurn, InputTokens: 10, OutputTokens: 5},
	}
	p := NewStaticProvider(script)

	events := make(chan Event, len(script))
	ref, err := p.Chat(t.Context(), Request{}, events)
	require.NoError(t, err)
	assert.NotEmpty(t, ref)

	var got []Event
	for i := 0; i < len(script); i++ {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	require.Len(t, got, len(script))
	assert.IsType(t, StreamStarted{}, got[0])
	complete, ok := got[4].(StreamComplete)
	require.True(t, ok)
	assert.Equal(t, StopReasonEndTurn, complete.StopReason)
	assert.Equal(t, string(ref), complete.Ref)
}

func TestStaticProvider_ReusesLastScript(t *testing.T) {
	p := NewStaticProvider([]Event{StreamComplete{StopReason: StopReasonEndTurn}})

	events := make(chan Event, 1)
	_, err := p.Chat(t.Context(), Request{}, events)
	require.NoError(t, err)
	<-events

	_, err = p.Chat(t.Context(), Request{}, events)
	require.NoError(t, err)
	<-events
}
