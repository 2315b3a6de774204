// Package contracts defines the typed event envelopes published on the
// Event Bus (spec §6.3), together with helpers to convert them to and from
// the bus's generic map[string]interface{} payload.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// Subjects are namespaced by workspace id (and, for per-track envelopes,
// track id too) so one bus instance serves every workspace without
// cross-talk (spec §4.A). The bus.EventBus wildcard matching
// (`*` one token, `>` remaining tokens) lets a subscriber watch a whole
// workspace with "workspace.<id>.>" or every workspace with "workspace.*.container".

// SubjectContainerUpdated is the subject a Container Controller publishes
// ContainerUpdated envelopes to.
func SubjectContainerUpdated(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.container", workspaceID)
}

// SubjectConsoleUpdated is the subject a Container Controller publishes
// ConsoleUpdated envelopes to: one stream per track's console output.
func SubjectConsoleUpdated(workspaceID string, trackID int64) string {
	return fmt.Sprintf("workspace.%s.track.%d.console", workspaceID, trackID)
}

// SubjectCommandIssued is the subject a Container Controller publishes
// CommandIssued envelopes to.
func SubjectCommandIssued(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.command", workspaceID)
}

// SubjectCommandResult is the subject a Container Controller publishes
// CommandResult envelopes to, shared with SubjectCommandIssued's family.
func SubjectCommandResult(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.command", workspaceID)
}

// SubjectWorkspaceChanged is the subject a Track Engine publishes
// WorkspaceChanged envelopes to.
func SubjectWorkspaceChanged(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.changed", workspaceID)
}

// SubjectConsoleChanged is the subject a Track Engine publishes
// ConsoleChanged envelopes to: a lightweight per-track refetch signal,
// distinct from the higher-volume SubjectConsoleUpdated output stream.
func SubjectConsoleChanged(workspaceID string, trackID int64) string {
	return fmt.Sprintf("workspace.%s.track.%d.console.changed", workspaceID, trackID)
}

// SubjectChatChanged is the subject a Track Engine publishes ChatChanged
// envelopes to.
func SubjectChatChanged(workspaceID string, trackID int64) string {
	return fmt.Sprintf("workspace.%s.track.%d.chat", workspaceID, trackID)
}

// SubjectDatabaseUpdated is the subject publishing DatabaseUpdated
// envelopes for a workspace's Metasploit project database.
func SubjectDatabaseUpdated(workspaceID string) string {
	return fmt.Sprintf("workspace.%s.db", workspaceID)
}

// CommandType enumerates the two built-in command kinds (spec §6.6).
type CommandType string

const (
	CommandTypeMetasploit CommandType = "metasploit"
	CommandTypeBash       CommandType = "bash"
)

// CommandResultStatus enumerates the terminal/non-terminal states of a CommandResult.
type CommandResultStatus string

const (
	CommandResultRunning  CommandResultStatus = "running"
	CommandResultFinished CommandResultStatus = "finished"
	CommandResultError    CommandResultStatus = "error"
)

// ContainerUpdated is published whenever a Controller's container status changes.
type ContainerUpdated struct {
	WorkspaceID       string    `json:"workspace_id"`
	ContainerID       string    `json:"container_id"`
	Slug              string    `json:"slug"`
	Name              string    `json:"name"`
	Image             string    `json:"image"`
	Status            string    `json:"status"`
	DockerContainerID string    `json:"docker_container_id,omitempty"`
	Timestamp         time.Time `json:"ts"`
}

// ConsoleUpdated is published on every console state transition or output chunk.
type ConsoleUpdated struct {
	WorkspaceID string    `json:"workspace_id"`
	ContainerID string    `json:"container_id"`
	TrackID     int64     `json:"track_id"`
	Status      string    `json:"status"`
	CommandID   string    `json:"command_id,omitempty"`
	Command     string    `json:"command,omitempty"`
	Output      string    `json:"output"`
	Prompt      string    `json:"prompt"`
	Timestamp   time.Time `json:"ts"`
}

// CommandIssued is published by a Controller when it accepts a command from a Track Engine.
type CommandIssued struct {
	WorkspaceID string      `json:"workspace_id"`
	ContainerID string      `json:"container_id"`
	TrackID     int64       `json:"track_id"`
	CommandID   string      `json:"command_id"`
	Type        CommandType `json:"type"`
	Command     string      `json:"command"`
	Timestamp   time.Time   `json:"ts"`
}

// CommandResult is published when a command reaches a terminal (or interim) state.
type CommandResult struct {
	WorkspaceID string               `json:"workspace_id"`
	ContainerID string               `json:"container_id"`
	TrackID     int64                `json:"track_id"`
	CommandID   string               `json:"command_id"`
	Type        CommandType          `json:"type"`
	Command     string               `json:"command"`
	Output      string               `json:"output"`
	Prompt      string               `json:"prompt"`
	Status      CommandResultStatus  `json:"status"`
	ExitCode    *int                 `json:"exit_code,omitempty"`
	Error       string               `json:"error,omitempty"`
	Timestamp   time.Time            `json:"ts"`
}

// WorkspaceChanged signals UIs to re-fetch workspace-level state.
type WorkspaceChanged struct {
	WorkspaceID string    `json:"workspace_id"`
	Timestamp   time.Time `json:"ts"`
}

// ConsoleChanged signals UIs to re-fetch console state for a track.
type ConsoleChanged struct {
	WorkspaceID string    `json:"workspace_id"`
	TrackID     int64     `json:"track_id"`
	Timestamp   time.Time `json:"ts"`
}

// ChatChanged signals UIs to re-fetch chat entries for a track.
type ChatChanged struct {
	WorkspaceID string    `json:"workspace_id"`
	TrackID     int64     `json:"track_id"`
	Timestamp   time.Time `json:"ts"`
}

// DatabaseUpdated signals changes to the Metasploit project database
// (hosts/services/vulns/notes/creds/loots/sessions).
type DatabaseUpdated struct {
	WorkspaceID string            `json:"workspace_id"`
	Changes     map[string][]string `json:"changes"`
	Totals      map[string]int    `json:"totals"`
	Timestamp   time.Time         `json:"ts"`
}

// ToMap round-trips v through JSON to produce the map[string]interface{}
// payload the bus.Event.Data field expects.
func ToMap(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event payload: %w", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event payload: %w", err)
	}
	return m, nil
}

// FromMap round-trips a bus.Event.Data map back into a typed envelope.
func FromMap(data map[string]interface{}, v interface{}) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("failed to unmarshal event data: %w", err)
	}
	return nil
}
