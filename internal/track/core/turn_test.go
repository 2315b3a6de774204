package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/model"
)

type staticClassifier struct {
	sequential map[string]bool
}

func (s staticClassifier) IsSequential(name string) bool {
	v, ok := s.sequential[name]
	if !ok {
		return true
	}
	return v
}

func TestReconcileTurn_PendingToolMovesToPendingApproval(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusStreaming, CommandToTool: map[string]int{}}
	ts.Entries = append(ts.Entries, &Entry{Type: model.ChatEntryTypeToolInvocation, ToolName: "msf_command", ToolStatus: model.ToolInvocationStatusPending, Position: 1})

	actions := ReconcileTurn(ts, staticClassifier{})
	require.Len(t, actions, 2)
	assert.Equal(t, model.TurnStatusPendingApproval, ts.Turn.Status)
}

func TestReconcileTurn_SequentialDispatchWhenConsoleReady(t *testing.T) {
	ts := NewTrackState(1)
	ts.Console.Status = "ready"
	ts.Turn = &TurnState{Status: model.TurnStatusExecutingTools, CommandToTool: map[string]int{}}
	ts.Entries = append(ts.Entries, &Entry{
		Type: model.ChatEntryTypeToolInvocation, ToolName: "msf_command",
		ToolStatus: model.ToolInvocationStatusApproved, Position: 1,
		Arguments: []byte(`{"command":"db_status"}`),
	})

	actions := ReconcileTurn(ts, staticClassifier{})
	require.Len(t, actions, 2)
	assert.Equal(t, model.ToolInvocationStatusExecuting, ts.Entries[0].ToolStatus)

	_, ok := actions[1].(SendMsfCommand)
	assert.True(t, ok)
}

func TestReconcileTurn_ParallelDispatch(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusExecutingTools, CommandToTool: map[string]int{}}
	ts.Entries = append(ts.Entries,
		&Entry{Type: model.ChatEntryTypeToolInvocation, ToolName: "bash_command", ToolStatus: model.ToolInvocationStatusApproved, Position: 1, Arguments: []byte(`{"command":"ls"}`)},
		&Entry{Type: model.ChatEntryTypeToolInvocation, ToolName: "bash_command", ToolStatus: model.ToolInvocationStatusApproved, Position: 2, Arguments: []byte(`{"command":"pwd"}`)},
	)
	classifier := staticClassifier{sequential: map[string]bool{"bash_command": false}}

	actions := ReconcileTurn(ts, classifier)
	require.Len(t, actions, 4)
	assert.Equal(t, model.ToolInvocationStatusExecuting, ts.Entries[0].ToolStatus)
	assert.Equal(t, model.ToolInvocationStatusExecuting, ts.Entries[1].ToolStatus)
}

func TestReconcileTurn_SequentialDispatchNotBlockedByExecutingParallelTool(t *testing.T) {
	ts := NewTrackState(1)
	ts.Console.Status = "ready"
	ts.Turn = &TurnState{Status: model.TurnStatusExecutingTools, CommandToTool: map[string]int{}}
	ts.Entries = append(ts.Entries,
		&Entry{
			Type: model.ChatEntryTypeToolInvocation, ToolName: "bash_command",
			ToolStatus: model.ToolInvocationStatusExecuting, Position: 1,
			Arguments: []byte(`{"command":"sleep 30"}`),
		},
		&Entry{
			Type: model.ChatEntryTypeToolInvocation, ToolName: "msf_command",
			ToolStatus: model.ToolInvocationStatusApproved, Position: 2,
			Arguments: []byte(`{"command":"db_status"}`),
		},
	)
	classifier := staticClassifier{sequential: map[string]bool{"bash_command": false}}

	actions := ReconcileTurn(ts, classifier)
	require.Len(t, actions, 2)
	assert.Equal(t, model.ToolInvocationStatusExecuting, ts.Entries[0].ToolStatus, "the in-flight parallel tool must be untouched")
	assert.Equal(t, model.ToolInvocationStatusExecuting, ts.Entries[1].ToolStatus, "the approved sequential tool must dispatch alongside it")

	_, ok := actions[1].(SendMsfCommand)
	assert.True(t, ok)
}

func TestReconcileTurn_AllTerminalStartsNextLLMRequest(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusExecutingTools, Model: "claude", CommandToTool: map[string]int{}}
	ts.Entries = append(ts.Entries, &Entry{Type: model.ChatEntryTypeToolInvocation, ToolStatus: model.ToolInvocationStatusSuccess, Position: 1})

	actions := ReconcileTurn(ts, staticClassifier{})
	require.Len(t, actions, 3)
	assert.Equal(t, model.TurnStatusPending, ts.Turn.Status)

	_, ok := actions[1].(StartLLM)
	assert.True(t, ok)
}

func TestReconcileTurn_StreamingNoToolsFinishesTurn(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusStreaming, CommandToTool: map[string]int{}}

	actions := ReconcileTurn(ts, staticClassifier{})
	require.Len(t, actions, 2)
	assert.Equal(t, model.TurnStatusFinished, ts.Turn.Status)
}

func TestApplyConsoleEvent_StartupThenReadyPersistsBlock(t *testing.T) {
	ts := NewTrackState(1)
	ApplyConsoleEvent(ts, ConsoleEvent{Status: "starting"})
	ApplyConsoleEvent(ts, ConsoleEvent{Status: "ready", Prompt: "msf6 > "})

	require.Len(t, ts.Console.Blocks, 1)
	assert.Equal(t, model.ConsoleHistoryStatusFinished, ts.Console.Blocks[0].Status)
}

func TestApplyConsoleEvent_OfflineInterruptsRunningBlocks(t *testing.T) {
	ts := NewTrackState(1)
	ApplyConsoleEvent(ts, ConsoleEvent{Status: "starting"})
	ApplyConsoleEvent(ts, ConsoleEvent{Status: "offline"})

	require.Len(t, ts.Console.Blocks, 1)
	assert.Equal(t, model.ConsoleHistoryStatusInterrupted, ts.Console.Blocks[0].Status)
}

func TestApplyLLMEvent_ContentBlockLifecycle(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusStreaming, CommandToTool: map[string]int{}}

	ApplyLLMEvent(ts, llm.ContentBlockStart{Index: 0, Type: llm.ContentBlockText})
	ApplyLLMEvent(ts, llm.ContentDelta{Index: 0, Delta: "hello"})
	ApplyLLMEvent(ts, llm.ContentBlockStop{Index: 0})

	require.Len(t, ts.Entries, 1)
	assert.Equal(t, "hello", ts.Entries[0].Content)
	assert.False(t, ts.Entries[0].Streaming)
}

func TestApplyLLMEvent_ToolCallCreatesPendingInvocation(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusStreaming, CommandToTool: map[string]int{}}

	actions := ApplyLLMEvent(ts, llm.ToolCall{Index: 0, ID: "call-1", Name: "msf_command", Arguments: map[string]interface{}{"command": "db_status"}})
	require.Len(t, actions, 2)
	require.Len(t, ts.Entries, 1)
	assert.Equal(t, model.ToolInvocationStatusPending, ts.Entries[0].ToolStatus)
}

func TestApplyLLMEvent_AutonomousToolCallIsPreApproved(t *testing.T) {
	ts := NewTrackState(1)
	ts.Turn = &TurnState{Status: model.TurnStatusStreaming, Autonomous: true, CommandToTool: map[string]int{}}

	ApplyLLMEvent(ts, llm.ToolCall{Index: 0, ID: "call-1", Name: "msf_command", Arguments: map[string]interface{}{"command": "db_status"}})
	assert.Equal(t, model.ToolInvocationStatusApproved, ts.Entries[0].ToolStatus)
}
