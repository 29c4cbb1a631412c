package models

import "time"

// SessionMeta is the sidecar record persisted to
// <project>/.orchestrator/session.json for crash recovery. The tmux window
// name is the session's identity; everything else is bookkeeping.
type SessionMeta struct {
	Project     string    `json:"project"`
	SessionName string    `json:"sessionName"`
	RunID       string    `json:"runId,omitempty"`
	StartedAt   time.Time `json:"startedAt"`
	Prompt      string    `json:"prompt,omitempty"`
	HeadBefore  string    `json:"headBefore,omitempty"`
	Ended       bool      `json:"ended,omitempty"`
	LastOutput  string    `json:"lastOutput,omitempty"`
}

// SignalKind identifies a file-based message an agent session writes into
// its project's sidecar directory.
type SignalKind string

// Signal kinds, matching the sidecar file basenames.
const (
	SignalNeedsInput SignalKind = "needs-input"
	SignalCompleted  SignalKind = "completed"
	SignalError      SignalKind = "error"
)

// Signal is one consumed sidecar message.
type Signal struct {
	Kind    SignalKind     `json:"kind"`
	Project string         `json:"project"`
	Payload map[string]any `json:"payload,omitempty"`
	SeenAt  time.Time      `json:"seenAt"`
}
