package core

import (
	"time"

	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/model"
)

// Action is the marker interface for everything a sub-engine can ask the
// Shell to do (spec §4.I "Action catalogue"). The Shell executes actions in
// order and may feed out-values (e.g. a freshly persisted entry_id) back
// into TrackState before continuing.
type Action interface{ isAction() }

type baseAction struct{}

func (baseAction) isAction() {}

// PersistConsoleBlock inserts or updates a console history block.
type PersistConsoleBlock struct {
	baseAction
	Block *ConsoleBlock
}

// PersistMessage inserts a new message chat entry.
type PersistMessage struct {
	baseAction
	EntryIndex  int // index into TrackState.Entries to persist
}

// PersistToolInvocation inserts a new tool_invocation chat entry.
type PersistToolInvocation struct {
	baseAction
	EntryIndex int
}

// UpdateToolStatus updates a persisted tool invocation's status/result.
type UpdateToolStatus struct {
	baseAction
	EntryIndex int
}

// UpdateTurnStatus updates a persisted turn's status.
type UpdateTurnStatus struct {
	baseAction
	TurnID int64
	Status model.TurnStatus
}

// CreateTurn inserts a new turn row; the Shell stores the resulting ID back
// onto TrackState.Turn.ID.
type CreateTurn struct {
	baseAction
	TrackID int64
	Model   string
	Trigger model.TurnTrigger
}

// StartLLM calls the provider; the Shell stores the returned Ref onto
// TrackState.Turn.Ref.
type StartLLM struct {
	baseAction
	Request llm.Request
}

// SendMsfCommand routes a command to the Container Controller's console path.
type SendMsfCommand struct {
	baseAction
	EntryIndex int
	Text       string
}

// SendBashCommand routes a command to the Container Controller's bash path.
type SendBashCommand struct {
	baseAction
	EntryIndex int
	Text       string
}

// BroadcastTrackState emits a lightweight track-state-changed notification.
type BroadcastTrackState struct{ baseAction }

// BroadcastChatState emits a lightweight chat-state-changed notification.
type BroadcastChatState struct{ baseAction }

// Reconcile is a marker telling the Shell to run the turn sub-engine's
// reconcile step again before returning control to its caller.
type Reconcile struct{ baseAction }

// now is overridable only in tests that need deterministic StartedAt/Duration
// values; production code always uses time.Now.
var now = time.Now
