package core

import (
	"encoding/json"
	"time"

	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/model"
)

// StartTurn begins a new turn from a user prompt (the `start_chat_turn` call
// in spec §4.I). The caller is expected to have already appended the user's
// prompt Entry before calling this (position bookkeeping is the Shell's
// responsibility via PersistMessage).
func StartTurn(ts *TrackState, modelName string, autonomous bool) []Action {
	ts.Turn = &TurnState{
		Status:        model.TurnStatusPending,
		Model:         modelName,
		Autonomous:    autonomous,
		CommandToTool: make(map[string]int),
	}
	return []Action{
		CreateTurn{TrackID: ts.TrackID, Model: modelName, Trigger: model.TurnTriggerUserPrompt},
		StartLLM{Request: llm.Request{Model: modelName, Autonomous: autonomous}},
		Reconcile{},
	}
}

// ApproveTool transitions a pending tool invocation to approved.
func ApproveTool(ts *TrackState, entryIndex int) []Action {
	e := ts.Entries[entryIndex]
	if e.ToolStatus != model.ToolInvocationStatusPending {
		return nil
	}
	e.ToolStatus = model.ToolInvocationStatusApproved
	return []Action{UpdateToolStatus{EntryIndex: entryIndex}, Reconcile{}}
}

// DenyTool transitions a pending tool invocation to denied.
func DenyTool(ts *TrackState, entryIndex int, reason string) []Action {
	e := ts.Entries[entryIndex]
	if e.ToolStatus != model.ToolInvocationStatusPending {
		return nil
	}
	e.ToolStatus = model.ToolInvocationStatusDenied
	e.DeniedReason = reason
	return []Action{UpdateToolStatus{EntryIndex: entryIndex}, Reconcile{}}
}

// ReconcileTurn is the single decision point run after every state-changing
// event (spec §4.H.3). It mutates ts in place and returns the actions that
// follow from the first applicable rule; the Shell calls ReconcileTurn again
// after executing those actions until it returns nil (a no-op pass).
func ReconcileTurn(ts *TrackState, tools ToolClassifier) []Action {
	turn := ts.Turn
	if turn == nil {
		return nil
	}

	// 1. Terminal turn states take no further action.
	if turn.Status == model.TurnStatusFinished || turn.Status == model.TurnStatusError || turn.Status == model.TurnStatusCancelled {
		return nil
	}

	toolEntries := toolInvocations(ts)

	// 2. Any pending tool moves the turn to pending_approval.
	if turn.Status != model.TurnStatusPendingApproval && anyStatus(ts, toolEntries, model.ToolInvocationStatusPending) {
		turn.Status = model.TurnStatusPendingApproval
		return []Action{UpdateTurnStatus{TurnID: turn.ID, Status: turn.Status}, BroadcastChatState{}}
	}

	// 3. Streaming with an approved tool moves to executing_tools, then
	// falls through to steps 4/5 in the same pass.
	if turn.Status == model.TurnStatusStreaming && anyStatus(ts, toolEntries, model.ToolInvocationStatusApproved) {
		turn.Status = model.TurnStatusExecutingTools
	}

	if turn.Status == model.TurnStatusPendingApproval || turn.Status == model.TurnStatusExecutingTools {
		// 4. Sequential tool dispatch: one at a time, console must be ready.
		// Only a sequential tool's own execution blocks the next one — an
		// executing parallel (bash) tool must not withhold the console.
		if ts.Console.Status == "ready" && !anySequentialStatus(ts, toolEntries, tools, model.ToolInvocationStatusExecuting) {
			if idx, ok := earliestApprovedSequential(ts, toolEntries, tools); ok {
				e := ts.Entries[idx]
				e.ToolStatus = model.ToolInvocationStatusExecuting
				e.StartedAt = timeNow()
				return []Action{
					UpdateToolStatus{EntryIndex: idx},
					SendMsfCommand{EntryIndex: idx, Text: toolCommandText(e)},
				}
			}
		}

		// 5. Parallel dispatch: all approved parallel tools at once.
		if parallel := approvedParallel(ts, toolEntries, tools); len(parallel) > 0 {
			actions := make([]Action, 0, len(parallel)*2)
			for _, idx := range parallel {
				e := ts.Entries[idx]
				e.ToolStatus = model.ToolInvocationStatusExecuting
				e.StartedAt = timeNow()
				actions = append(actions, UpdateToolStatus{EntryIndex: idx})
				actions = append(actions, SendBashCommand{EntryIndex: idx, Text: toolCommandText(e)})
			}
			return actions
		}

		// 6. All tools terminal: start the next LLM request.
		if len(toolEntries) > 0 && allTerminal(ts, toolEntries) {
			turn.Status = model.TurnStatusPending
			req := llm.Request{
				Model:        turn.Model,
				Autonomous:   turn.Autonomous,
				CacheContext: turn.CacheContext,
			}
			return []Action{
				UpdateTurnStatus{TurnID: turn.ID, Status: model.TurnStatusPending},
				StartLLM{Request: req},
				Reconcile{},
			}
		}

		if turn.Status == model.TurnStatusExecutingTools {
			// Dispatched above or waiting on console/results; no further action.
			return nil
		}
	}

	// 7. Streaming completed with no tools at all: finish the turn.
	if turn.Status == model.TurnStatusStreaming && len(toolEntries) == 0 {
		turn.Status = model.TurnStatusFinished
		return []Action{UpdateTurnStatus{TurnID: turn.ID, Status: turn.Status}, BroadcastChatState{}}
	}

	// 8. No applicable rule.
	return nil
}

// CompleteMsfTool correlates a console-ready transition with the single
// executing sequential tool (spec §4.H.3 "msf tools").
func CompleteMsfTool(ts *TrackState, output string) []Action {
	for idx, e := range ts.Entries {
		if e.Type == model.ChatEntryTypeToolInvocation && e.ToolStatus == model.ToolInvocationStatusExecuting {
			e.ToolStatus = model.ToolInvocationStatusSuccess
			e.ResultContent = output
			e.DurationMs = time.Since(e.StartedAt).Milliseconds()
			return []Action{UpdateToolStatus{EntryIndex: idx}, Reconcile{}}
		}
	}
	return nil
}

// CompleteBashTool correlates a command_id with its tool entry via
// TurnState.CommandToTool (spec §4.H.3 "bash tools").
func CompleteBashTool(ts *TrackState, commandID string, output string, exitCode int, failed bool) []Action {
	if ts.Turn == nil {
		return nil
	}
	idx, ok := ts.Turn.CommandToTool[commandID]
	if !ok {
		return nil
	}
	delete(ts.Turn.CommandToTool, commandID)

	e := ts.Entries[idx]
	e.ResultContent = output
	e.DurationMs = time.Since(e.StartedAt).Milliseconds()
	if failed {
		e.ToolStatus = model.ToolInvocationStatusError
		e.ErrorMessage = output
	} else {
		e.ToolStatus = model.ToolInvocationStatusSuccess
	}
	return []Action{UpdateToolStatus{EntryIndex: idx}, Reconcile{}}
}

// TimeoutTool marks an executing tool as timed out (spec §5 "Tool timeout").
func TimeoutTool(ts *TrackState, entryIndex int) []Action {
	e := ts.Entries[entryIndex]
	if e.ToolStatus != model.ToolInvocationStatusExecuting {
		return nil
	}
	e.ToolStatus = model.ToolInvocationStatusTimeout
	e.DurationMs = time.Since(e.StartedAt).Milliseconds()
	return []Action{UpdateToolStatus{EntryIndex: entryIndex}, Reconcile{}}
}

// ContainerLost marks every executing tool as error(container_stopped) and
// moves the turn to error (spec §5 "Container restart during tool execution").
func ContainerLost(ts *TrackState) []Action {
	if ts.Turn == nil {
		return nil
	}
	var actions []Action
	for idx, e := range ts.Entries {
		if e.Type == model.ChatEntryTypeToolInvocation && e.ToolStatus == model.ToolInvocationStatusExecuting {
			e.ToolStatus = model.ToolInvocationStatusError
			e.ErrorMessage = "container_stopped"
			actions = append(actions, UpdateToolStatus{EntryIndex: idx})
		}
	}
	ts.Turn.Status = model.TurnStatusError
	actions = append(actions, UpdateTurnStatus{TurnID: ts.Turn.ID, Status: model.TurnStatusError}, BroadcastChatState{})
	return actions
}

func toolInvocations(ts *TrackState) []int {
	var idxs []int
	for i, e := range ts.Entries {
		if e.Type == model.ChatEntryTypeToolInvocation {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

func anyStatus(ts *TrackState, idxs []int, want model.ToolInvocationStatus) bool {
	for _, i := range idxs {
		if ts.Entries[i].ToolStatus == want {
			return true
		}
	}
	return false
}

// anySequentialStatus is anyStatus restricted to sequential tool entries, so
// an in-flight parallel (bash) tool never blocks sequential dispatch (spec
// §4.H.3 rule 4: "no sequential tool is executing").
func anySequentialStatus(ts *TrackState, idxs []int, tools ToolClassifier, want model.ToolInvocationStatus) bool {
	for _, i := range idxs {
		e := ts.Entries[i]
		if e.ToolStatus == want && isSequential(tools, e.ToolName) {
			return true
		}
	}
	return false
}

func allTerminal(ts *TrackState, idxs []int) bool {
	for _, i := range idxs {
		if !ts.Entries[i].ToolStatus.Terminal() {
			return false
		}
	}
	return true
}

func earliestApprovedSequential(ts *TrackState, idxs []int, tools ToolClassifier) (int, bool) {
	best := -1
	for _, i := range idxs {
		e := ts.Entries[i]
		if e.ToolStatus != model.ToolInvocationStatusApproved {
			continue
		}
		if !isSequential(tools, e.ToolName) {
			continue
		}
		if best == -1 || ts.Entries[i].Position < ts.Entries[best].Position {
			best = i
		}
	}
	return best, best != -1
}

func approvedParallel(ts *TrackState, idxs []int, tools ToolClassifier) []int {
	var out []int
	for _, i := range idxs {
		e := ts.Entries[i]
		if e.ToolStatus == model.ToolInvocationStatusApproved && !isSequential(tools, e.ToolName) {
			out = append(out, i)
		}
	}
	return out
}

func isSequential(tools ToolClassifier, name string) bool {
	if tools == nil {
		return true
	}
	return tools.IsSequential(name)
}

func toolCommandText(e *Entry) string {
	var args map[string]interface{}
	_ = json.Unmarshal(e.Arguments, &args)
	if cmd, ok := args["command"].(string); ok {
		return cmd
	}
	return ""
}

var timeNow = time.Now
