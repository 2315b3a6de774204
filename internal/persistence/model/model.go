// Package model holds the persisted entity types for the Track Engine's
// console history, turns, and chat entries (spec §6.5).
package model

import "time"

// ConsoleHistoryBlockType distinguishes a session startup block from a
// single command's block.
type ConsoleHistoryBlockType string

const (
	ConsoleHistoryTypeStartup ConsoleHistoryBlockType = "startup"
	ConsoleHistoryTypeCommand ConsoleHistoryBlockType = "command"
)

// ConsoleHistoryBlockStatus tracks a block's lifecycle.
type ConsoleHistoryBlockStatus string

const (
	ConsoleHistoryStatusRunning     ConsoleHistoryBlockStatus = "running"
	ConsoleHistoryStatusFinished    ConsoleHistoryBlockStatus = "finished"
	ConsoleHistoryStatusInterrupted ConsoleHistoryBlockStatus = "interrupted"
)

// ConsoleHistoryBlock is one unit of persisted console activity (spec
// §6.5, GLOSSARY "Block (console history)").
type ConsoleHistoryBlock struct {
	ID         int64                     `db:"id"`
	TrackID    int64                     `db:"track_id"`
	Type       ConsoleHistoryBlockType   `db:"type"`
	Status     ConsoleHistoryBlockStatus `db:"status"`
	Command    *string                   `db:"command"`
	Output     string                    `db:"output"`
	Prompt     *string                   `db:"prompt"`
	StartedAt  time.Time                 `db:"started_at"`
	FinishedAt *time.Time                `db:"finished_at"`
}

// TurnStatus tracks a Turn's position in the reconciliation state machine.
type TurnStatus string

const (
	TurnStatusPending         TurnStatus = "pending"
	TurnStatusStreaming       TurnStatus = "streaming"
	TurnStatusPendingApproval TurnStatus = "pending_approval"
	TurnStatusExecutingTools  TurnStatus = "executing_tools"
	TurnStatusFinished        TurnStatus = "finished"
	TurnStatusError           TurnStatus = "error"
	TurnStatusCancelled       TurnStatus = "cancelled"
)

// TurnTrigger records what started a Turn.
type TurnTrigger string

const (
	TurnTriggerUserPrompt  TurnTrigger = "user_prompt"
	TurnTriggerToolResults TurnTrigger = "tool_results"
)

// Turn is one user prompt through to a terminal state (GLOSSARY "Turn").
type Turn struct {
	ID        int64       `db:"id"`
	TrackID   int64       `db:"track_id"`
	Model     string      `db:"model"`
	Status    TurnStatus  `db:"status"`
	Trigger   TurnTrigger `db:"trigger"`
	CreatedAt time.Time   `db:"created_at"`
}

// ChatEntryType distinguishes the content-table a ChatEntry joins to.
type ChatEntryType string

const (
	ChatEntryTypeMessage        ChatEntryType = "message"
	ChatEntryTypeToolInvocation ChatEntryType = "tool_invocation"
)

// ChatEntry is one position-ordered row in a track's chat history (spec
// §6.5, GLOSSARY "Position").
type ChatEntry struct {
	ID        int64         `db:"id"`
	TrackID   int64         `db:"track_id"`
	TurnID    *int64        `db:"turn_id"`
	Position  int           `db:"position"`
	EntryType ChatEntryType `db:"entry_type"`
	CreatedAt time.Time     `db:"created_at"`
}

// MessageRole is the role of a chat message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// MessageType is the content kind of a chat message.
type MessageType string

const (
	MessageTypePrompt   MessageType = "prompt"
	MessageTypeThinking MessageType = "thinking"
	MessageTypeResponse MessageType = "response"
)

// ValidRoleMessageTypePair reports whether (role, messageType) is one of the
// three valid pairs named in spec §8: user+prompt, assistant+thinking,
// assistant+response.
func ValidRoleMessageTypePair(role MessageRole, messageType MessageType) bool {
	switch {
	case role == MessageRoleUser && messageType == MessageTypePrompt:
		return true
	case role == MessageRoleAssistant && messageType == MessageTypeThinking:
		return true
	case role == MessageRoleAssistant && messageType == MessageTypeResponse:
		return true
	default:
		return false
	}
}

// ChatMessage is the content row for a ChatEntry of type message.
type ChatMessage struct {
	EntryID     int64       `db:"entry_id"`
	Role        MessageRole `db:"role"`
	MessageType MessageType `db:"message_type"`
	Content     string      `db:"content"`
}

// ToolInvocationStatus tracks a tool call through the approval/execution
// pipeline (spec §4.I, §8 scenarios 3-5).
type ToolInvocationStatus string

const (
	ToolInvocationStatusPending   ToolInvocationStatus = "pending"
	ToolInvocationStatusApproved  ToolInvocationStatus = "approved"
	ToolInvocationStatusDenied    ToolInvocationStatus = "denied"
	ToolInvocationStatusExecuting ToolInvocationStatus = "executing"
	ToolInvocationStatusSuccess   ToolInvocationStatus = "success"
	ToolInvocationStatusError     ToolInvocationStatus = "error"
	ToolInvocationStatusTimeout   ToolInvocationStatus = "timeout"
	ToolInvocationStatusCancelled ToolInvocationStatus = "cancelled"
)

// Terminal reports whether status is one from which a tool invocation never
// transitions further. The turn sub-engine's "all tools terminal" check
// (spec §4.H.3 rule 6) only tests success|error|timeout|denied; cancelled
// tools are terminal too but arise from LLM cancellation, which discards the
// turn outright rather than going through reconcile.
func (s ToolInvocationStatus) Terminal() bool {
	switch s {
	case ToolInvocationStatusSuccess, ToolInvocationStatusError, ToolInvocationStatusTimeout, ToolInvocationStatusDenied, ToolInvocationStatusCancelled:
		return true
	default:
		return false
	}
}

// ChatToolInvocation is the content row for a ChatEntry of type tool_invocation.
type ChatToolInvocation struct {
	EntryID       int64                `db:"entry_id"`
	ToolCallID    string               `db:"tool_call_id"`
	ToolName      string               `db:"tool_name"`
	Arguments     []byte               `db:"arguments"` // JSONB
	ConsolePrompt *string              `db:"console_prompt"`
	Status        ToolInvocationStatus `db:"status"`
	ResultContent *string              `db:"result_content"`
	ErrorMessage  *string              `db:"error_message"`
	DurationMs    *int64               `db:"duration_ms"`
	DeniedReason  *string              `db:"denied_reason"`
}
