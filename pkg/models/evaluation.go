package models

import (
	"strings"
	"time"
)

// EvalRecommendation is the evaluator's verdict on what to do next with a
// project after a session ends.
type EvalRecommendation string

// Evaluator verdicts.
const (
	EvalContinue EvalRecommendation = "continue"
	EvalRetry    EvalRecommendation = "retry"
	EvalEscalate EvalRecommendation = "escalate"
	EvalComplete EvalRecommendation = "complete"
)

// IsValid reports whether r is a known verdict.
func (r EvalRecommendation) IsValid() bool {
	switch r {
	case EvalContinue, EvalRetry, EvalEscalate, EvalComplete:
		return true
	}
	return false
}

// PromptStyle classifies what kind of prompt a session was started with.
type PromptStyle string

// Prompt style buckets used for pattern aggregation.
const (
	StyleResume    PromptStyle = "resume"
	StyleFix       PromptStyle = "fix"
	StyleImplement PromptStyle = "implement"
	StyleExplore   PromptStyle = "explore"
	StyleCustom    PromptStyle = "custom"
)

// ClassifyPromptStyle buckets a prompt by fixed keyword match. Order
// matters: fix beats implement beats explore beats resume.
func ClassifyPromptStyle(prompt string) PromptStyle {
	p := strings.ToLower(prompt)
	switch {
	case strings.Contains(p, "fix") || strings.Contains(p, "bug"):
		return StyleFix
	case strings.Contains(p, "implement") || strings.Contains(p, "add") || strings.Contains(p, "create"):
		return StyleImplement
	case strings.Contains(p, "explore") || strings.Contains(p, "read") || strings.Contains(p, "understand"):
		return StyleExplore
	case strings.Contains(p, "resume") || strings.Contains(p, "continue"):
		return StyleResume
	}
	return StyleCustom
}

// VCSProgress summarizes what a session produced in version control,
// measured against the head SHA captured at session start.
type VCSProgress struct {
	CommitCount       int    `json:"commitCount"`
	Insertions        int    `json:"insertions"`
	Deletions         int    `json:"deletions"`
	FilesChanged      int    `json:"filesChanged"`
	LastCommitMessage string `json:"lastCommitMessage,omitempty"`
}

// Evaluation is the evaluator's full scoring of one ended session.
type Evaluation struct {
	SessionID       string             `json:"sessionId"`
	Project         string             `json:"project"`
	StartedAt       time.Time          `json:"startedAt"`
	StoppedAt       time.Time          `json:"stoppedAt"`
	DurationMinutes float64            `json:"durationMinutes"`
	Progress        VCSProgress        `json:"progress"`
	Score           int                `json:"score" jsonschema:"required,minimum=1,maximum=5"`
	Recommendation  EvalRecommendation `json:"recommendation" jsonschema:"required,enum=continue,enum=retry,enum=escalate,enum=complete"`
	Accomplishments []string           `json:"accomplishments,omitempty"`
	Failures        []string           `json:"failures,omitempty"`
	Reasoning       string             `json:"reasoning,omitempty"`
	NextPrompt      string             `json:"nextPrompt,omitempty"`
	PromptSnippet   string             `json:"promptSnippet,omitempty"`
	PromptStyle     PromptStyle        `json:"promptStyle,omitempty"`
	EvaluatedAt     time.Time          `json:"evaluatedAt"`
}
