// Package console implements the Console Session actor (spec §4.F): one
// goroutine per remote Metasploit console, structurally grounded on the
// teacher's websocket.Hub mailbox-loop shape.
package console

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/msfrpc"
)

// Status is the Console Session's state machine position (spec §4.F).
type Status string

const (
	StatusStarting Status = "starting"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusDying    Status = "dying"
)

var (
	ErrNotReady     = errors.New("console is not ready")
	ErrWriteFailed  = errors.New("write_failed")
	ErrStartFailed  = errors.New("console_create failed")
)

// Update is emitted on each transition to starting, busy or ready and for
// each output delta; a Session that dies or is taken offline emits nothing.
// The Controller forwards these onto the Event Bus as ConsoleUpdated
// envelopes.
type Update struct {
	Status    Status
	CommandID string
	Command   string
	Output    string
	Prompt    string
}

// RPC is the narrow msfrpc.Client surface a Session depends on.
type RPC interface {
	ConsoleCreate(ctx context.Context, token string) (msfrpc.ConsoleInfo, error)
	ConsoleDestroy(ctx context.Context, token, consoleID string) error
	ConsoleWrite(ctx context.Context, token, consoleID, data string) (int, error)
	ConsoleRead(ctx context.Context, token, consoleID string) (msfrpc.ReadResult, error)
}

// Options configures a new Session.
type Options struct {
	RPC               RPC
	Token             string
	PollInterval      time.Duration
	PromptTerminators []string
	Updates           chan<- Update
}

type sendCommandMsg struct {
	text  string
	reply chan sendCommandReply
}

type sendCommandReply struct {
	commandID string
	err       error
}

type statusMsg struct {
	reply chan Status
}

type promptMsg struct {
	reply chan string
}

type goOfflineMsg struct {
	done chan struct{}
}

// Session is a per-(container,track) actor wrapping one remote console.
type Session struct {
	opts   Options
	logger *logger.Logger

	mailbox  chan interface{}
	done     chan struct{}
	cancelFn context.CancelFunc

	consoleID     string
	status        Status
	currentPrompt string
	pendingCmd    string
	pendingCmdID  string
}

// Start creates the remote console and launches the session's mailbox loop.
// Returns an error if console.create itself fails (spec §4.F: "session fails
// to start; the Controller treats this as a spawn failure").
func Start(ctx context.Context, opts Options, log *logger.Logger) (*Session, error) {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if len(opts.PromptTerminators) == 0 {
		opts.PromptTerminators = []string{"> "}
	}

	info, err := opts.RPC.ConsoleCreate(ctx, opts.Token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStartFailed, err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	s := &Session{
		opts:          opts,
		logger:        log.WithFields(zap.String("component", "console_session"), zap.String("console_id", info.ID)),
		mailbox:       make(chan interface{}, 16),
		done:          make(chan struct{}),
		cancelFn:      cancel,
		consoleID:     info.ID,
		status:        StatusStarting,
		currentPrompt: info.Prompt,
	}

	go s.run(sessionCtx)

	return s, nil
}

// SendCommand writes text to the console. Must be Ready; returns ErrNotReady
// otherwise.
func (s *Session) SendCommand(ctx context.Context, text string) (string, error) {
	reply := make(chan sendCommandReply, 1)
	select {
	case s.mailbox <- sendCommandMsg{text: text, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-s.done:
		return "", ErrWriteFailed
	}

	select {
	case r := <-reply:
		return r.commandID, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// GetStatus returns the current session status.
func (s *Session) GetStatus(ctx context.Context) Status {
	reply := make(chan Status, 1)
	select {
	case s.mailbox <- statusMsg{reply: reply}:
	case <-ctx.Done():
		return StatusDying
	case <-s.done:
		return StatusDying
	}

	select {
	case st := <-reply:
		return st
	case <-ctx.Done():
		return StatusDying
	}
}

// GetPrompt returns the last observed prompt.
func (s *Session) GetPrompt(ctx context.Context) string {
	reply := make(chan string, 1)
	select {
	case s.mailbox <- promptMsg{reply: reply}:
	case <-ctx.Done():
		return ""
	case <-s.done:
		return ""
	}

	select {
	case p := <-reply:
		return p
	case <-ctx.Done():
		return ""
	}
}

// GoOffline tears down the remote console and stops the session's goroutine.
func (s *Session) GoOffline(ctx context.Context) {
	done := make(chan struct{})
	select {
	case s.mailbox <- goOfflineMsg{done: done}:
	case <-s.done:
		return
	case <-ctx.Done():
		s.cancelFn()
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer s.cancelFn()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	s.emit(Update{Status: StatusStarting, Prompt: s.currentPrompt})

	for {
		select {
		case <-ctx.Done():
			return

		case raw := <-s.mailbox:
			switch msg := raw.(type) {
			case sendCommandMsg:
				s.handleSendCommand(ctx, msg)
			case statusMsg:
				msg.reply <- s.status
			case promptMsg:
				msg.reply <- s.currentPrompt
			case goOfflineMsg:
				s.handleGoOffline(ctx)
				close(msg.done)
				return
			}

		case <-ticker.C:
			s.poll(ctx)
		}
	}
}

func (s *Session) handleSendCommand(ctx context.Context, msg sendCommandMsg) {
	if s.status != StatusReady {
		msg.reply <- sendCommandReply{err: ErrNotReady}
		return
	}

	if _, err := s.opts.RPC.ConsoleWrite(ctx, s.opts.Token, s.consoleID, msg.text+"\n"); err != nil {
		s.logger.Error("console write failed", zap.Error(err))
		s.die()
		msg.reply <- sendCommandReply{err: fmt.Errorf("%w: %v", ErrWriteFailed, err)}
		return
	}

	commandID := uuid.New().String()
	s.pendingCmd = msg.text
	s.pendingCmdID = commandID
	s.status = StatusBusy

	s.emit(Update{Status: StatusBusy, CommandID: commandID, Command: msg.text})
	msg.reply <- sendCommandReply{commandID: commandID}
}

func (s *Session) handleGoOffline(ctx context.Context) {
	s.status = StatusDying
	if err := s.opts.RPC.ConsoleDestroy(ctx, s.opts.Token, s.consoleID); err != nil {
		s.logger.Warn("console destroy failed during go_offline", zap.Error(err))
	}
}

// poll reads any pending output and advances the state machine (spec §4.F
// "polls output until idle read", "transition to ready, emit
// ConsoleUpdated(ready, prompt)").
func (s *Session) poll(ctx context.Context) {
	result, err := s.opts.RPC.ConsoleRead(ctx, s.opts.Token, s.consoleID)
	if err != nil {
		s.logger.Error("console read failed", zap.Error(err))
		s.die()
		return
	}

	if !result.Busy {
		prompt, delta := extractPrompt(result.Data, s.opts.PromptTerminators)
		if prompt != "" {
			s.currentPrompt = prompt
		}

		wasStarting := s.status == StatusStarting
		wasBusy := s.status == StatusBusy
		s.status = StatusReady

		if wasStarting || wasBusy {
			if delta != "" {
				s.emit(Update{Status: StatusBusy, CommandID: s.pendingCmdID, Command: s.pendingCmd, Output: delta})
			}
			s.emit(Update{Status: StatusReady, Prompt: s.currentPrompt})
			s.pendingCmd = ""
			s.pendingCmdID = ""
		}
		return
	}

	if result.Data != "" {
		s.emit(Update{Status: StatusBusy, CommandID: s.pendingCmdID, Command: s.pendingCmd, Output: result.Data})
	}
}

func (s *Session) die() {
	s.status = StatusDying
	s.cancelFn()
}

func (s *Session) emit(u Update) {
	if s.opts.Updates == nil {
		return
	}
	select {
	case s.opts.Updates <- u:
	default:
		s.logger.Warn("dropped console update, updates channel full")
	}
}

// extractPrompt finds the trailing line of data whose suffix matches one of
// terminators, returning it as the prompt and the remaining output with that
// line stripped (spec §4.F "Prompt extraction").
func extractPrompt(data string, terminators []string) (prompt, remainder string) {
	if data == "" {
		return "", ""
	}

	lines := strings.Split(data, "\n")
	lastIdx := len(lines) - 1
	last := lines[lastIdx]

	for _, term := range terminators {
		if strings.HasSuffix(last, term) {
			remainder = strings.Join(lines[:lastIdx], "\n")
			return last, remainder
		}
	}
	return "", data
}
