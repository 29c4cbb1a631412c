package models

import "time"

// Action is an oracle-proposed operation on a project.
type Action string

// Actions the decision executor will accept. Anything else is dropped at
// the allowlist gate.
const (
	ActionStart   Action = "start"
	ActionStop    Action = "stop"
	ActionRestart Action = "restart"
	ActionNotify  Action = "notify"
	ActionSkip    Action = "skip"
)

// AllowedActions is the executor allowlist.
var AllowedActions = map[Action]bool{
	ActionStart:   true,
	ActionStop:    true,
	ActionRestart: true,
	ActionNotify:  true,
	ActionSkip:    true,
}

// IsValid reports whether a is on the allowlist.
func (a Action) IsValid() bool {
	return AllowedActions[a]
}

// Recommendation is a single decision proposed by the oracle for one
// project, plus the verdict fields the executor fills in during evaluation.
type Recommendation struct {
	Project          string  `json:"project" jsonschema:"required"`
	Action           Action  `json:"action" jsonschema:"required,enum=start,enum=stop,enum=restart,enum=notify,enum=skip"`
	Reason           string  `json:"reason" jsonschema:"required"`
	Priority         int     `json:"priority,omitempty" jsonschema:"minimum=1,maximum=5"`
	Prompt           string  `json:"prompt,omitempty"`
	Confidence       float64 `json:"confidence,omitempty" jsonschema:"minimum=0,maximum=1"`
	NotificationTier int     `json:"notificationTier,omitempty" jsonschema:"minimum=1,maximum=4"`

	// Filled in by the decision executor, never by the oracle.
	Validated       bool   `json:"validated,omitempty"`
	ObserveOnly     bool   `json:"observeOnly,omitempty"`
	RejectionReason string `json:"rejectionReason,omitempty"`
}

// ThinkOutput is the full schema-constrained payload returned by one think
// cycle: zero or more recommendations plus an optional cadence override.
type ThinkOutput struct {
	Recommendations []Recommendation `json:"recommendations"`
	NextThinkIn     int              `json:"nextThinkIn,omitempty" jsonschema:"description=Seconds until the next think cycle"`
}

// ExecutionRecord is one entry in the execution history: every attempted or
// rejected action, tagged with the state version current at append time.
type ExecutionRecord struct {
	Action        Action        `json:"action"`
	Project       string        `json:"project"`
	Result        string        `json:"result"`
	ObserveOnly   bool          `json:"observeOnly,omitempty"`
	Timestamp     time.Time     `json:"timestamp"`
	StateVersion  int64         `json:"stateVersion"`
	AutonomyLevel AutonomyLevel `json:"autonomyLevel"`
}

// DecisionRecord is one entry in the decision history: the raw
// recommendation plus the executor's verdict.
type DecisionRecord struct {
	Recommendation Recommendation `json:"recommendation"`
	Timestamp      time.Time      `json:"timestamp"`
	StateVersion   int64          `json:"stateVersion"`
}
