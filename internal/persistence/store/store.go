// Package store implements the Track Engine's persistence layer (spec
// §6.5/§6.5.1) on top of PostgreSQL via pgx, grounded on the teacher's
// database.DB pool wrapper.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sarnowski/msfailab/internal/common/apperrors"
	"github.com/sarnowski/msfailab/internal/persistence/database"
	"github.com/sarnowski/msfailab/internal/persistence/model"
)

// bootstrapSQL creates the schema for local/dev use. Production deployments
// are expected to pre-migrate (spec §6.5.1: "migrations themselves stay out
// of scope").
const bootstrapSQL = `
CREATE TABLE IF NOT EXISTS console_history_blocks (
    id BIGSERIAL PRIMARY KEY,
    track_id BIGINT NOT NULL,
    type TEXT NOT NULL CHECK (type IN ('startup','command')),
    status TEXT NOT NULL CHECK (status IN ('running','finished','interrupted')),
    command TEXT,
    output TEXT NOT NULL DEFAULT '',
    prompt TEXT,
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS turns (
    id BIGSERIAL PRIMARY KEY,
    track_id BIGINT NOT NULL,
    model TEXT NOT NULL,
    status TEXT NOT NULL,
    trigger TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS chat_entries (
    id BIGSERIAL PRIMARY KEY,
    track_id BIGINT NOT NULL,
    turn_id BIGINT,
    position INT NOT NULL,
    entry_type TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    UNIQUE (track_id, position)
);

CREATE TABLE IF NOT EXISTS chat_messages (
    entry_id BIGINT PRIMARY KEY REFERENCES chat_entries(id),
    role TEXT NOT NULL,
    message_type TEXT NOT NULL,
    content TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chat_tool_invocations (
    entry_id BIGINT PRIMARY KEY REFERENCES chat_entries(id),
    tool_call_id TEXT NOT NULL,
    tool_name TEXT NOT NULL,
    arguments JSONB NOT NULL,
    console_prompt TEXT,
    status TEXT NOT NULL,
    result_content TEXT,
    error_message TEXT,
    duration_ms BIGINT,
    denied_reason TEXT
);
`

// TrackStore persists console history, turns, and chat entries for tracks.
type TrackStore struct {
	db *database.DB
}

// NewTrackStore wraps an already-connected database.DB.
func NewTrackStore(db *database.DB) *TrackStore {
	return &TrackStore{db: db}
}

// Bootstrap issues the CREATE TABLE IF NOT EXISTS schema for local/dev use.
func (s *TrackStore) Bootstrap(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, bootstrapSQL); err != nil {
		return fmt.Errorf("failed to bootstrap schema: %w", err)
	}
	return nil
}

// InsertConsoleHistoryBlock persists a new running block and returns its id.
func (s *TrackStore) InsertConsoleHistoryBlock(ctx context.Context, b model.ConsoleHistoryBlock) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO console_history_blocks (track_id, type, status, command, output, prompt, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		b.TrackID, b.Type, b.Status, b.Command, b.Output, b.Prompt, b.StartedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert console history block: %w", err)
	}
	return id, nil
}

// FinishConsoleHistoryBlock marks a block finished or interrupted with its
// final output and prompt.
func (s *TrackStore) FinishConsoleHistoryBlock(ctx context.Context, id int64, status model.ConsoleHistoryBlockStatus, output string, prompt *string) error {
	now := time.Now()
	_, err := s.db.Exec(ctx, `
		UPDATE console_history_blocks
		SET status = $2, output = $3, prompt = $4, finished_at = $5
		WHERE id = $1`,
		id, status, output, prompt, now,
	)
	if err != nil {
		return fmt.Errorf("failed to finish console history block %d: %w", id, err)
	}
	return nil
}

// InsertTurn persists a new Turn and returns its id.
func (s *TrackStore) InsertTurn(ctx context.Context, t model.Turn) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, `
		INSERT INTO turns (track_id, model, status, trigger)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		t.TrackID, t.Model, t.Status, t.Trigger,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert turn: %w", err)
	}
	return id, nil
}

// UpdateTurnStatus transitions a Turn's status.
func (s *TrackStore) UpdateTurnStatus(ctx context.Context, id int64, status model.TurnStatus) error {
	_, err := s.db.Exec(ctx, `UPDATE turns SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("failed to update turn %d status: %w", id, err)
	}
	return nil
}

// NextPosition returns the next strictly-increasing position for a track
// (spec §6.5: "Positions are monotonic within a track").
func (s *TrackStore) NextPosition(ctx context.Context, trackID int64) (int, error) {
	var maxPos *int
	err := s.db.QueryRow(ctx, `SELECT MAX(position) FROM chat_entries WHERE track_id = $1`, trackID).Scan(&maxPos)
	if err != nil {
		return 0, fmt.Errorf("failed to read max position for track %d: %w", trackID, err)
	}
	if maxPos == nil {
		return 1, nil
	}
	return *maxPos + 1, nil
}

// InsertMessageEntry persists a chat_entries row plus its chat_messages
// content row in one transaction. (role, messageType) must be one of the
// three valid pairs (spec §8); any other pair is rejected with an
// apperrors.ValidationError before any SQL runs.
func (s *TrackStore) InsertMessageEntry(ctx context.Context, trackID int64, turnID *int64, position int, role model.MessageRole, messageType model.MessageType, content string) (int64, error) {
	if !model.ValidRoleMessageTypePair(role, messageType) {
		return 0, apperrors.ValidationError("message_type", fmt.Sprintf("invalid (role, message_type) pair: (%s, %s)", role, messageType))
	}

	var entryID int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_entries (track_id, turn_id, position, entry_type)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			trackID, turnID, position, model.ChatEntryTypeMessage,
		).Scan(&entryID); err != nil {
			return fmt.Errorf("failed to insert chat entry: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_messages (entry_id, role, message_type, content)
			VALUES ($1, $2, $3, $4)`,
			entryID, role, messageType, content,
		); err != nil {
			return fmt.Errorf("failed to insert chat message: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return entryID, nil
}

// InsertToolInvocationEntry persists a chat_entries row plus its
// chat_tool_invocations content row in one transaction.
func (s *TrackStore) InsertToolInvocationEntry(ctx context.Context, trackID int64, turnID *int64, position int, toolCallID, toolName string, arguments json.RawMessage, status model.ToolInvocationStatus) (int64, error) {
	var entryID int64
	err := s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, `
			INSERT INTO chat_entries (track_id, turn_id, position, entry_type)
			VALUES ($1, $2, $3, $4)
			RETURNING id`,
			trackID, turnID, position, model.ChatEntryTypeToolInvocation,
		).Scan(&entryID); err != nil {
			return fmt.Errorf("failed to insert chat entry: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO chat_tool_invocations (entry_id, tool_call_id, tool_name, arguments, status)
			VALUES ($1, $2, $3, $4, $5)`,
			entryID, toolCallID, toolName, arguments, status,
		); err != nil {
			return fmt.Errorf("failed to insert chat tool invocation: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return entryID, nil
}

// UpdateMessageContent rewrites a message's content, used when a content
// block closes or the stream ends (spec §4.H.2); individual deltas are not
// written.
func (s *TrackStore) UpdateMessageContent(ctx context.Context, entryID int64, content string) error {
	_, err := s.db.Exec(ctx, `UPDATE chat_messages SET content = $2 WHERE entry_id = $1`, entryID, content)
	if err != nil {
		return fmt.Errorf("failed to update message %d content: %w", entryID, err)
	}
	return nil
}

// UpdateToolInvocationStatus transitions a tool invocation's status and,
// when terminal, records its result/error/duration/denial reason.
func (s *TrackStore) UpdateToolInvocationStatus(ctx context.Context, entryID int64, status model.ToolInvocationStatus, resultContent, errorMessage, deniedReason *string, durationMs *int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE chat_tool_invocations
		SET status = $2, result_content = $3, error_message = $4, denied_reason = $5, duration_ms = $6
		WHERE entry_id = $1`,
		entryID, status, resultContent, errorMessage, deniedReason, durationMs,
	)
	if err != nil {
		return fmt.Errorf("failed to update tool invocation %d: %w", entryID, err)
	}
	return nil
}

// SetToolInvocationConsolePrompt sets console_prompt on a tool invocation.
func (s *TrackStore) SetToolInvocationConsolePrompt(ctx context.Context, entryID int64, prompt string) error {
	_, err := s.db.Exec(ctx, `UPDATE chat_tool_invocations SET console_prompt = $2 WHERE entry_id = $1`, entryID, prompt)
	if err != nil {
		return fmt.Errorf("failed to set console prompt for tool invocation %d: %w", entryID, err)
	}
	return nil
}
