// Package core implements the Track Engine's pure sub-engines (spec
// §4.H): the console, stream, and turn/reconciliation state machines.
// Every function here is `(state, event) -> (state, actions)` — no I/O, no
// goroutines. The Shell (internal/track/shell) is the only caller and the
// only thing that executes the returned actions.
package core

import (
	"time"

	"github.com/sarnowski/msfailab/internal/persistence/model"
)

// ConsoleBlock is an in-memory mirror of a model.ConsoleHistoryBlock before
// (or after) it has been assigned a persisted ID.
type ConsoleBlock struct {
	ID         int64 // 0 until persisted
	Type       model.ConsoleHistoryBlockType
	Status     model.ConsoleHistoryBlockStatus
	Command    string
	Output     string
	Prompt     string
	StartedAt  time.Time
	FinishedAt time.Time
}

// ConsoleState is the console sub-engine's working state for one track.
type ConsoleState struct {
	Status  string // mirrors console.Status values; core treats it as opaque
	Blocks  []*ConsoleBlock
	CmdID   string
}

// Entry mirrors one in-memory chat entry (message or tool invocation),
// pre- or post-persistence.
type Entry struct {
	ID        int64 // 0 until persisted
	TrackID   int64
	TurnID    *int64
	Position  int
	Type      model.ChatEntryType
	Streaming bool

	// Message fields (Type == message)
	Role        model.MessageRole
	MessageType model.MessageType
	Content     string

	// Tool invocation fields (Type == tool_invocation)
	ToolCallID    string
	ToolName      string
	Arguments     []byte
	ConsolePrompt string
	ToolStatus    model.ToolInvocationStatus
	ResultContent string
	ErrorMessage  string
	DeniedReason  string
	StartedAt     time.Time
	DurationMs    int64
}

// StreamState is the stream sub-engine's working state: a mapping from LLM
// content-block index to the allocated chat position.
type StreamState struct {
	NextPosition  int
	BlockToEntry  map[int]int // content-block index -> index into TrackState.Entries
}

// TurnState is the turn sub-engine's working state for the in-flight turn,
// if any.
type TurnState struct {
	ID             int64
	Model          string
	Status         model.TurnStatus
	Autonomous     bool
	Ref            string // llm.Ref of the in-flight stream, if any
	CacheContext   []byte
	CommandToTool  map[string]int // bash command_id -> index into TrackState.Entries
}

// TrackState is the full in-memory state the Shell threads through every
// sub-engine call for one track.
type TrackState struct {
	TrackID int64
	Console ConsoleState
	Stream  StreamState
	Turn    *TurnState
	Entries []*Entry
}

// NewTrackState returns a zero-valued TrackState ready for the first event.
func NewTrackState(trackID int64) *TrackState {
	return &TrackState{
		TrackID: trackID,
		Stream: StreamState{
			NextPosition: 1,
			BlockToEntry: make(map[int]int),
		},
	}
}

// ToolClassifier answers whether a tool name is sequential, consulted by the
// turn sub-engine's reconcile step (spec §4.H.3: "per-tool property read
// from the tool registry ... default treat unknown tools as sequential").
type ToolClassifier interface {
	IsSequential(toolName string) bool
}
