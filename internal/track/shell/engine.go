// Package shell implements the Track Engine's action interpreter (spec
// §4.I): the actor that owns I/O — persistence, the Event Bus, the LLM
// provider, and the Container Controller — and drives the pure sub-engines
// in internal/track/core.
package shell

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/events/bus"
	"github.com/sarnowski/msfailab/internal/events/contracts"
	"github.com/sarnowski/msfailab/internal/llm"
	"github.com/sarnowski/msfailab/internal/persistence/model"
	"github.com/sarnowski/msfailab/internal/tools"
	"github.com/sarnowski/msfailab/internal/track/core"
)

// maxReconcilePasses bounds the fixed-point reconcile loop (spec §4.I step
// 4) so a logic error surfaces as a logged error, not a hang.
const maxReconcilePasses = 64

// ContainerController is the narrow containerctl.Controller surface the
// Shell depends on to dispatch commands for its track.
type ContainerController interface {
	RegisterConsole(ctx context.Context, trackID int64)
	UnregisterConsole(ctx context.Context, trackID int64)
	SendMetasploitCommand(ctx context.Context, trackID int64, text string) (string, error)
	SendBashCommand(ctx context.Context, trackID int64, text string) (string, error)
}

// Store is the narrow persistence.store.TrackStore surface the Shell
// depends on, satisfied by *store.TrackStore in production.
type Store interface {
	InsertConsoleHistoryBlock(ctx context.Context, b model.ConsoleHistoryBlock) (int64, error)
	FinishConsoleHistoryBlock(ctx context.Context, id int64, status model.ConsoleHistoryBlockStatus, output string, prompt *string) error
	InsertTurn(ctx context.Context, t model.Turn) (int64, error)
	UpdateTurnStatus(ctx context.Context, id int64, status model.TurnStatus) error
	NextPosition(ctx context.Context, trackID int64) (int, error)
	InsertMessageEntry(ctx context.Context, trackID int64, turnID *int64, position int, role model.MessageRole, messageType model.MessageType, content string) (int64, error)
	InsertToolInvocationEntry(ctx context.Context, trackID int64, turnID *int64, position int, toolCallID, toolName string, arguments json.RawMessage, status model.ToolInvocationStatus) (int64, error)
	UpdateMessageContent(ctx context.Context, entryID int64, content string) error
	UpdateToolInvocationStatus(ctx context.Context, entryID int64, status model.ToolInvocationStatus, resultContent, errorMessage, deniedReason *string, durationMs *int64) error
}

// Options configures an Engine for one track.
type Options struct {
	TrackID     int64
	WorkspaceID string
	Store       Store
	EventBus    bus.EventBus
	Provider    llm.Provider
	Tools       *tools.Registry
	Controller  ContainerController
	Config      config.TrackConfig
	Model       string

	// TimeoutPollInterval overrides the default 5s tool-timeout poll tick;
	// tests shrink it to avoid slow, flaky waits.
	TimeoutPollInterval time.Duration
}

type startChatTurnMsg struct {
	text string
}

type approveToolMsg struct {
	entryID int64
}

type denyToolMsg struct {
	entryID int64
	reason  string
}

type setAutonomousMsg struct {
	autonomous bool
}

type llmEventMsg struct {
	ref string
	ev  llm.Event
}

type consoleUpdateMsg struct {
	status    string
	commandID string
	command   string
	output    string
	prompt    string
}

type bashResultMsg struct {
	commandID string
	output    string
	exitCode  int
	failed    bool
}

type toolTimeoutTickMsg struct{}

// Engine is a single-track actor implementing the action interpreter.
type Engine struct {
	opts   Options
	logger *logger.Logger

	mailbox chan interface{}

	ts         *core.TrackState
	llmRef     string
	entryByID  map[int64]int // persisted entry ID -> index into ts.Entries, inverse of in-memory allocation
	autonomous bool          // sticky across turns; TurnState.Autonomous is only a per-turn snapshot of this
}

// NewEngine constructs an Engine for opts.TrackID, ready to run.
func NewEngine(opts Options, log *logger.Logger) *Engine {
	ts := core.NewTrackState(opts.TrackID)
	return &Engine{
		opts:      opts,
		logger:    log.WithFields(zap.String("component", "track_engine")).WithTrackID(opts.TrackID),
		mailbox:   make(chan interface{}, 64),
		ts:        ts,
		entryByID: make(map[int64]int),
	}
}

// Run executes the Engine's mailbox loop until ctx is cancelled. Intended to
// be wrapped by supervisor.Supervise by a per-track registry.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("track engine started")
	defer e.logger.Info("track engine stopped")

	e.opts.Controller.RegisterConsole(ctx, e.opts.TrackID)

	interval := e.opts.TimeoutPollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.opts.Controller.UnregisterConsole(context.Background(), e.opts.TrackID)
			return nil

		case raw := <-e.mailbox:
			e.handle(ctx, raw)

		case <-ticker.C:
			e.checkToolTimeouts(ctx)
		}
	}
}

// StartChatTurn is the start_chat_turn call (spec §4.I).
func (e *Engine) StartChatTurn(ctx context.Context, text string) {
	e.send(ctx, startChatTurnMsg{text: text})
}

// ApproveTool is the approve_tool call.
func (e *Engine) ApproveTool(ctx context.Context, entryID int64) {
	e.send(ctx, approveToolMsg{entryID: entryID})
}

// DenyTool is the deny_tool call.
func (e *Engine) DenyTool(ctx context.Context, entryID int64, reason string) {
	e.send(ctx, denyToolMsg{entryID: entryID, reason: reason})
}

// SetAutonomous is the set_autonomous call.
func (e *Engine) SetAutonomous(ctx context.Context, autonomous bool) {
	e.send(ctx, setAutonomousMsg{autonomous: autonomous})
}

// HandleConsoleUpdate feeds a console.Update (translated by the caller)
// into the track's console sub-engine.
func (e *Engine) HandleConsoleUpdate(ctx context.Context, status, commandID, command, output, prompt string) {
	e.send(ctx, consoleUpdateMsg{status: status, commandID: commandID, command: command, output: output, prompt: prompt})
}

// HandleBashResult feeds a command.result bus event for this track's bash
// tool invocations into the turn sub-engine.
func (e *Engine) HandleBashResult(ctx context.Context, commandID, output string, exitCode int, failed bool) {
	e.send(ctx, bashResultMsg{commandID: commandID, output: output, exitCode: exitCode, failed: failed})
}

// HandleLLMEvent feeds one llm.Event tagged by ref into the stream/turn
// sub-engines. Events for an abandoned ref are discarded (spec §5 "LLM
// cancellation").
func (e *Engine) HandleLLMEvent(ctx context.Context, ref string, ev llm.Event) {
	e.send(ctx, llmEventMsg{ref: ref, ev: ev})
}

func (e *Engine) send(ctx context.Context, msg interface{}) {
	select {
	case e.mailbox <- msg:
	case <-ctx.Done():
	}
}

func (e *Engine) handle(ctx context.Context, raw interface{}) {
	var actions []core.Action

	switch msg := raw.(type) {
	case startChatTurnMsg:
		actions = e.handleStartChatTurn(ctx, msg.text)
	case approveToolMsg:
		if idx, ok := e.entryByID[msg.entryID]; ok {
			actions = core.ApproveTool(e.ts, idx)
		}
	case denyToolMsg:
		if idx, ok := e.entryByID[msg.entryID]; ok {
			actions = core.DenyTool(e.ts, idx, msg.reason)
		}
	case setAutonomousMsg:
		e.autonomous = msg.autonomous
		if e.ts.Turn != nil {
			e.ts.Turn.Autonomous = msg.autonomous
		}
		return
	case consoleUpdateMsg:
		actions = e.handleConsoleUpdate(msg)
	case bashResultMsg:
		actions = core.CompleteBashTool(e.ts, msg.commandID, msg.output, msg.exitCode, msg.failed)
	case llmEventMsg:
		if msg.ref != e.llmRef {
			return // abandoned stream, discard
		}
		actions = core.ApplyLLMEvent(e.ts, msg.ev)
	case toolTimeoutTickMsg:
		actions = e.timeoutExpiredTools()
	}

	e.runActions(ctx, actions)
}

func (e *Engine) handleStartChatTurn(ctx context.Context, text string) []core.Action {
	modelName := e.opts.Model
	if e.ts.Turn != nil {
		modelName = e.ts.Turn.Model
	}
	autonomous := e.autonomous

	position := e.nextPosition(ctx)
	entry := &core.Entry{
		TrackID:     e.opts.TrackID,
		Position:    position,
		Type:        model.ChatEntryTypeMessage,
		Role:        model.MessageRoleUser,
		MessageType: model.MessageTypePrompt,
		Content:     text,
	}
	e.ts.Entries = append(e.ts.Entries, entry)
	idx := len(e.ts.Entries) - 1

	actions := []core.Action{core.PersistMessage{EntryIndex: idx}}
	actions = append(actions, core.StartTurn(e.ts, modelName, autonomous)...)
	return actions
}

func (e *Engine) handleConsoleUpdate(msg consoleUpdateMsg) []core.Action {
	wasBusy := e.ts.Console.Status == "busy"

	ev := core.ConsoleEvent{Status: msg.status, CommandID: msg.commandID, Command: msg.command, Output: msg.output, Prompt: msg.prompt}
	actions := core.ApplyConsoleEvent(e.ts, ev)

	if msg.status == "ready" && wasBusy {
		actions = append(actions, core.CompleteMsfTool(e.ts, lastCommandOutput(e.ts))...)
	}
	return actions
}

func lastCommandOutput(ts *core.TrackState) string {
	for i := len(ts.Console.Blocks) - 1; i >= 0; i-- {
		if ts.Console.Blocks[i].Type == model.ConsoleHistoryTypeCommand {
			return ts.Console.Blocks[i].Output
		}
	}
	return ""
}

// nextPosition assigns the next chat position and keeps the core's stream
// counter in step so both never collide.
func (e *Engine) nextPosition(ctx context.Context) int {
	p, err := e.opts.Store.NextPosition(ctx, e.opts.TrackID)
	if err != nil {
		e.logger.Error("failed to read next position, falling back to in-memory counter", zap.Error(err))
		p = e.ts.Stream.NextPosition
	}
	if p >= e.ts.Stream.NextPosition {
		e.ts.Stream.NextPosition = p + 1
	}
	return p
}

// runActions executes a batch of actions, then repeatedly calls
// ReconcileTurn until it returns nil or maxReconcilePasses is hit (spec
// §4.I steps 2-4).
func (e *Engine) runActions(ctx context.Context, actions []core.Action) {
	e.execute(ctx, actions)

	for pass := 0; pass < maxReconcilePasses; pass++ {
		next := core.ReconcileTurn(e.ts, e.opts.Tools)
		if next == nil {
			return
		}
		e.execute(ctx, next)
	}
	e.logger.Error("reconcile exceeded max passes, stopping to avoid a runaway loop", zap.Int("max_passes", maxReconcilePasses))
}

func (e *Engine) execute(ctx context.Context, actions []core.Action) {
	for _, action := range actions {
		e.executeOne(ctx, action)
	}
}

func (e *Engine) executeOne(ctx context.Context, action core.Action) {
	switch a := action.(type) {
	case core.PersistConsoleBlock:
		e.persistConsoleBlock(ctx, a.Block)

	case core.PersistMessage:
		e.persistMessage(ctx, a.EntryIndex)

	case core.PersistToolInvocation:
		e.persistToolInvocation(ctx, a.EntryIndex)

	case core.UpdateToolStatus:
		e.updateToolStatus(ctx, a.EntryIndex)

	case core.UpdateTurnStatus:
		if err := e.opts.Store.UpdateTurnStatus(ctx, a.TurnID, a.Status); err != nil {
			e.logger.Error("failed to update turn status", zap.Error(err))
		}

	case core.CreateTurn:
		id, err := e.opts.Store.InsertTurn(ctx, model.Turn{
			TrackID: a.TrackID,
			Model:   a.Model,
			Status:  model.TurnStatusPending,
			Trigger: a.Trigger,
		})
		if err != nil {
			e.logger.Error("failed to create turn", zap.Error(err))
			return
		}
		if e.ts.Turn != nil {
			e.ts.Turn.ID = id
		}

	case core.StartLLM:
		e.startLLM(ctx, a.Request)

	case core.SendMsfCommand:
		e.sendMsfCommand(ctx, a.EntryIndex, a.Text)

	case core.SendBashCommand:
		e.sendBashCommand(ctx, a.EntryIndex, a.Text)

	case core.BroadcastTrackState:
		e.publish(ctx, contracts.SubjectWorkspaceChanged(e.opts.WorkspaceID), contracts.WorkspaceChanged{WorkspaceID: e.opts.WorkspaceID, Timestamp: time.Now()})

	case core.BroadcastChatState:
		e.publish(ctx, contracts.SubjectChatChanged(e.opts.WorkspaceID, e.opts.TrackID), contracts.ChatChanged{WorkspaceID: e.opts.WorkspaceID, TrackID: e.opts.TrackID, Timestamp: time.Now()})

	case core.Reconcile:
		// handled by the runActions loop
	}
}

func (e *Engine) persistConsoleBlock(ctx context.Context, b *core.ConsoleBlock) {
	if b.ID == 0 {
		id, err := e.opts.Store.InsertConsoleHistoryBlock(ctx, model.ConsoleHistoryBlock{
			TrackID:   e.opts.TrackID,
			Type:      b.Type,
			Status:    model.ConsoleHistoryStatusRunning,
			Command:   strPtr(b.Command),
			Output:    b.Output,
			StartedAt: b.StartedAt,
		})
		if err != nil {
			e.logger.Error("failed to persist console block", zap.Error(err))
			return
		}
		b.ID = id
		return
	}

	var prompt *string
	if b.Prompt != "" {
		prompt = &b.Prompt
	}
	if err := e.opts.Store.FinishConsoleHistoryBlock(ctx, b.ID, b.Status, b.Output, prompt); err != nil {
		e.logger.Error("failed to finish console block", zap.Error(err))
	}
}

func (e *Engine) persistMessage(ctx context.Context, idx int) {
	entry := e.ts.Entries[idx]
	if entry.ID == 0 {
		id, err := e.opts.Store.InsertMessageEntry(ctx, entry.TrackID, entry.TurnID, entry.Position, entry.Role, entry.MessageType, entry.Content)
		if err != nil {
			e.logger.Error("failed to persist message", zap.Error(err))
			return
		}
		entry.ID = id
		e.entryByID[id] = idx
		return
	}

	if err := e.opts.Store.UpdateMessageContent(ctx, entry.ID, entry.Content); err != nil {
		e.logger.Error("failed to update message content", zap.Error(err))
	}
}

func (e *Engine) persistToolInvocation(ctx context.Context, idx int) {
	entry := e.ts.Entries[idx]
	id, err := e.opts.Store.InsertToolInvocationEntry(ctx, entry.TrackID, entry.TurnID, entry.Position, entry.ToolCallID, entry.ToolName, json.RawMessage(entry.Arguments), entry.ToolStatus)
	if err != nil {
		e.logger.Error("failed to persist tool invocation", zap.Error(err))
		return
	}
	entry.ID = id
	e.entryByID[id] = idx
}

func (e *Engine) updateToolStatus(ctx context.Context, idx int) {
	entry := e.ts.Entries[idx]
	if entry.ID == 0 {
		return
	}

	var resultContent, errorMessage, deniedReason *string
	var durationMs *int64
	if entry.ResultContent != "" {
		resultContent = &entry.ResultContent
	}
	if entry.ErrorMessage != "" {
		errorMessage = &entry.ErrorMessage
	}
	if entry.DeniedReason != "" {
		deniedReason = &entry.DeniedReason
	}
	if entry.DurationMs != 0 {
		durationMs = &entry.DurationMs
	}

	if err := e.opts.Store.UpdateToolInvocationStatus(ctx, entry.ID, entry.ToolStatus, resultContent, errorMessage, deniedReason, durationMs); err != nil {
		e.logger.Error("failed to update tool invocation status", zap.Error(err))
	}
}

func (e *Engine) startLLM(ctx context.Context, req llm.Request) {
	req.Messages = e.buildMessages()
	req.Tools = e.buildToolDefinitions()

	ch := make(chan llm.Event, 64)
	ref, err := e.opts.Provider.Chat(ctx, req, ch)
	if err != nil {
		e.logger.Error("failed to start llm stream", zap.Error(err))
		return
	}
	e.llmRef = string(ref)

	go func() {
		for ev := range ch {
			e.HandleLLMEvent(ctx, string(ref), ev)
		}
	}()
}

// buildMessages replays the full chat history into llm.Message form. Tool
// invocations surface as a "tool" role carrying their result or error so the
// model sees the outcome of every call it made.
func (e *Engine) buildMessages() []llm.Message {
	msgs := make([]llm.Message, 0, len(e.ts.Entries))
	for _, entry := range e.ts.Entries {
		switch entry.Type {
		case model.ChatEntryTypeMessage:
			msgs = append(msgs, llm.Message{Role: string(entry.Role), Content: entry.Content})

		case model.ChatEntryTypeToolInvocation:
			content := entry.ResultContent
			if entry.ToolStatus == model.ToolInvocationStatusError || entry.ToolStatus == model.ToolInvocationStatusTimeout {
				content = entry.ErrorMessage
			} else if entry.ToolStatus == model.ToolInvocationStatusDenied {
				content = "denied: " + entry.DeniedReason
			}
			if entry.ToolStatus.Terminal() {
				msgs = append(msgs, llm.Message{Role: "tool", Content: content})
			}
		}
	}
	return msgs
}

func (e *Engine) buildToolDefinitions() []llm.ToolDefinition {
	if e.opts.Tools == nil {
		return nil
	}
	specs := e.opts.Tools.All()
	defs := make([]llm.ToolDefinition, 0, len(specs))
	for _, spec := range specs {
		defs = append(defs, llm.ToolDefinition{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters})
	}
	return defs
}

func (e *Engine) sendMsfCommand(ctx context.Context, idx int, text string) {
	entry := e.ts.Entries[idx]
	_, err := e.opts.Controller.SendMetasploitCommand(ctx, e.opts.TrackID, text)
	if err != nil {
		entry.ToolStatus = model.ToolInvocationStatusError
		entry.ErrorMessage = err.Error()
		e.updateToolStatus(ctx, idx)
	}
}

func (e *Engine) sendBashCommand(ctx context.Context, idx int, text string) {
	entry := e.ts.Entries[idx]
	commandID, err := e.opts.Controller.SendBashCommand(ctx, e.opts.TrackID, text)
	if err != nil {
		entry.ToolStatus = model.ToolInvocationStatusError
		entry.ErrorMessage = err.Error()
		e.updateToolStatus(ctx, idx)
		return
	}
	if e.ts.Turn != nil {
		e.ts.Turn.CommandToTool[commandID] = idx
	}
}

func (e *Engine) publish(ctx context.Context, subject string, v interface{}) {
	if e.opts.EventBus == nil {
		return
	}
	data, err := contracts.ToMap(v)
	if err != nil {
		e.logger.Error("failed to encode event", zap.Error(err))
		return
	}
	evt := bus.NewEvent(subject, "track_engine", data)
	if err := e.opts.EventBus.Publish(ctx, subject, evt); err != nil {
		e.logger.Error("failed to publish event", zap.Error(err))
	}
}

// checkToolTimeouts is invoked off a periodic ticker, converting the
// wall-clock tool timeout policy (spec §5) into a mailbox message so it is
// serialized with every other state mutation.
func (e *Engine) checkToolTimeouts(ctx context.Context) {
	e.send(ctx, toolTimeoutTickMsg{})
}

func (e *Engine) timeoutExpiredTools() []core.Action {
	var actions []core.Action
	for idx, entry := range e.ts.Entries {
		if entry.Type != model.ChatEntryTypeToolInvocation || entry.ToolStatus != model.ToolInvocationStatusExecuting {
			continue
		}
		toolClass := e.toolClassFor(entry.ToolName)
		if time.Since(entry.StartedAt) >= e.opts.Config.ToolTimeout(toolClass) {
			actions = append(actions, core.TimeoutTool(e.ts, idx)...)
		}
	}
	return actions
}

func (e *Engine) toolClassFor(toolName string) string {
	if e.opts.Tools == nil {
		return toolName
	}
	spec, err := e.opts.Tools.Lookup(toolName)
	if err != nil {
		return toolName
	}
	return string(spec.Executor)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
