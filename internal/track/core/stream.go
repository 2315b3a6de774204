package core

import (
	"encoding/json"

	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/model"
)

// ApplyLLMEvent folds one llm.Event into StreamState/Entries, implementing
// the transition table in spec §4.H.2. Events tagged with a Ref that
// doesn't match the in-flight turn's Ref are discarded by the caller before
// reaching here (spec §5 "LLM cancellation").
func ApplyLLMEvent(ts *TrackState, ev llm.Event) []Action {
	switch e := ev.(type) {
	case llm.StreamStarted:
		return applyStreamStarted(ts)

	case llm.ContentBlockStart:
		return applyContentBlockStart(ts, e)

	case llm.ContentDelta:
		return applyContentDelta(ts, e)

	case llm.ToolCall:
		return applyToolCall(ts, e)

	case llm.ContentBlockStop:
		return applyContentBlockStop(ts, e)

	case llm.StreamComplete:
		return applyStreamComplete(ts, e)

	case llm.StreamError:
		return applyStreamError(ts, e)
	}
	return nil
}

func applyStreamStarted(ts *TrackState) []Action {
	if ts.Turn == nil || ts.Turn.Status != model.TurnStatusPending {
		return nil
	}
	ts.Turn.Status = model.TurnStatusStreaming
	return []Action{UpdateTurnStatus{TurnID: ts.Turn.ID, Status: model.TurnStatusStreaming}}
}

func applyContentBlockStart(ts *TrackState, e llm.ContentBlockStart) []Action {
	if e.Type == llm.ContentBlockToolCall {
		// Tool-call blocks are materialized on the matching ToolCall event,
		// which carries the name/arguments the stream sub-engine lacks.
		return nil
	}

	messageType := model.MessageTypeResponse
	if e.Type == llm.ContentBlockThinking {
		messageType = model.MessageTypeThinking
	}

	position := ts.Stream.NextPosition
	ts.Stream.NextPosition++

	entry := &Entry{
		TrackID:     ts.TrackID,
		Position:    position,
		Type:        model.ChatEntryTypeMessage,
		Streaming:   true,
		Role:        model.MessageRoleAssistant,
		MessageType: messageType,
	}
	if ts.Turn != nil {
		entry.TurnID = &ts.Turn.ID
	}
	ts.Entries = append(ts.Entries, entry)
	ts.Stream.BlockToEntry[e.Index] = len(ts.Entries) - 1

	return []Action{PersistMessage{EntryIndex: len(ts.Entries) - 1}}
}

func applyContentDelta(ts *TrackState, e llm.ContentDelta) []Action {
	idx, ok := ts.Stream.BlockToEntry[e.Index]
	if !ok {
		return nil
	}
	ts.Entries[idx].Content += e.Delta
	return nil
}

func applyToolCall(ts *TrackState, e llm.ToolCall) []Action {
	position := ts.Stream.NextPosition
	ts.Stream.NextPosition++

	entry := &Entry{
		TrackID:    ts.TrackID,
		Position:   position,
		Type:       model.ChatEntryTypeToolInvocation,
		ToolCallID: e.ID,
		ToolName:   e.Name,
		ToolStatus: model.ToolInvocationStatusPending,
		StartedAt:  now(),
	}
	if ts.Turn != nil {
		entry.TurnID = &ts.Turn.ID
		if ts.Turn.Autonomous {
			entry.ToolStatus = model.ToolInvocationStatusApproved
		}
	}
	if raw, err := marshalArguments(e.Arguments); err == nil {
		entry.Arguments = raw
	}

	ts.Entries = append(ts.Entries, entry)
	ts.Stream.BlockToEntry[e.Index] = len(ts.Entries) - 1

	return []Action{PersistToolInvocation{EntryIndex: len(ts.Entries) - 1}, Reconcile{}}
}

func applyContentBlockStop(ts *TrackState, e llm.ContentBlockStop) []Action {
	idx, ok := ts.Stream.BlockToEntry[e.Index]
	if !ok {
		return nil
	}
	entry := ts.Entries[idx]
	if entry.Type != model.ChatEntryTypeMessage {
		return nil
	}
	entry.Streaming = false
	return []Action{PersistMessage{EntryIndex: idx}}
}

func applyStreamComplete(ts *TrackState, e llm.StreamComplete) []Action {
	var actions []Action
	for idx, entry := range ts.Entries {
		if entry.Type == model.ChatEntryTypeMessage && entry.Streaming {
			entry.Streaming = false
			actions = append(actions, PersistMessage{EntryIndex: idx})
		}
	}
	if ts.Turn != nil {
		ts.Turn.CacheContext = []byte(e.CacheContext)
	}
	ts.Stream.BlockToEntry = make(map[int]int)
	return append(actions, streamTerminal(ts, e.StopReason)...)
}

func applyStreamError(ts *TrackState, e llm.StreamError) []Action {
	var actions []Action
	for idx, entry := range ts.Entries {
		if entry.Type == model.ChatEntryTypeMessage && entry.Streaming {
			entry.Streaming = false
			actions = append(actions, PersistMessage{EntryIndex: idx})
		}
	}
	ts.Stream.BlockToEntry = make(map[int]int)
	if ts.Turn != nil {
		ts.Turn.Status = model.TurnStatusError
		actions = append(actions, UpdateTurnStatus{TurnID: ts.Turn.ID, Status: model.TurnStatusError})
	}
	return append(actions, BroadcastChatState{})
}

// streamTerminal records the stop reason onto the turn; the actual
// idle/finished/pending_approval/executing_tools transition happens in the
// next Reconcile pass per spec §4.H.3.
func streamTerminal(ts *TrackState, reason llm.StopReason) []Action {
	if ts.Turn == nil {
		return []Action{Reconcile{}}
	}
	switch reason {
	case llm.StopReasonEndTurn, llm.StopReasonMaxTokens:
		// Reconcile step 7 finalizes "finished" once it observes no tools.
	case llm.StopReasonToolUse:
		// Reconcile steps 2/3 pick up pending/approved tools.
	}
	return []Action{Reconcile{}}
}

func marshalArguments(args map[string]interface{}) ([]byte, error) {
	return json.Marshal(args)
}
