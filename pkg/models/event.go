package models

import "time"

// EventType discriminates the structured event stream.
type EventType string

const (
	EventPhase        EventType = "phase"
	EventThinking     EventType = "thinking"
	EventActivity     EventType = "activity"
	EventToolStart    EventType = "tool_start"
	EventToolEnd      EventType = "tool_end"
	EventCommand      EventType = "command"
	EventFileCreated  EventType = "file_created"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"
	EventError        EventType = "error"
	EventProgress     EventType = "progress"
	EventFeatureStart EventType = "feature_start"
	EventFeatureEnd   EventType = "feature_end"
	EventFeatureList  EventType = "feature_list"
	EventReviewGate   EventType = "review_gate"
)

// Event is one entry in a build's structured progress stream. Only the
// fields relevant to the event's Type are populated; the rest are omitted
// from the JSON encoding.
type Event struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"buildId"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// phase / activity / feature_start / feature_end
	Phase       string `json:"phase,omitempty"`
	Description string `json:"description,omitempty"`

	// thinking
	Text string `json:"text,omitempty"`

	// tool_start / tool_end
	ToolUseID string `json:"toolUseId,omitempty"`
	Tool      string `json:"tool,omitempty"`
	Success   *bool  `json:"success,omitempty"`
	Output    string `json:"output,omitempty"`

	// command
	Command    string `json:"command,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Stdout     string `json:"stdout,omitempty"`
	Stderr     string `json:"stderr,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`

	// file_created / file_modified / file_deleted
	Path     string `json:"path,omitempty"`
	Bytes    int    `json:"bytes,omitempty"`
	Language string `json:"language,omitempty"`
	Lines    int    `json:"lines,omitempty"`

	// error
	Severity    string `json:"severity,omitempty"`
	Message     string `json:"message,omitempty"`
	Recoverable *bool  `json:"recoverable,omitempty"`

	// progress / feature_list
	Progress *Progress `json:"progress,omitempty"`
	Features []Feature `json:"features,omitempty"`

	// review_gate
	Gate string `json:"gate,omitempty"`

	// Set for events emitted by a parallel-phase subagent ("subagent-1", ...).
	Agent string `json:"agent,omitempty"`
}

// LogLevel classifies a log entry.
type LogLevel string

const (
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
	LogTool  LogLevel = "tool"
	LogDebug LogLevel = "debug"
)

// LogEntry is one line in the unstructured companion stream to Events.
type LogEntry struct {
	ID        string    `json:"id"`
	BuildID   string    `json:"buildId"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
