package models

import "time"

// ProjectSnapshot is the compact per-project view fed to the oracle during
// context assembly. Refreshed every scan tick, never deleted at runtime.
type ProjectSnapshot struct {
	Name           string    `json:"name"`
	Dir            string    `json:"-"`
	Phase          string    `json:"phase,omitempty"`
	Progress       string    `json:"progress,omitempty"`
	NeedsAttention bool      `json:"needsAttention,omitempty"`
	AttentionWhy   string    `json:"attentionWhy,omitempty"`
	Blockers       []string  `json:"blockers,omitempty"`
	Overrides      []string  `json:"overrides,omitempty"`
	SessionLive    bool      `json:"sessionLive"`
	LastScanned    time.Time `json:"-"`
}

// RevenueSnapshot is one timestamped reading from a revenue source. Value
// is nil when the source was unreachable, which is distinct from a
// genuine zero.
type RevenueSnapshot struct {
	Source     string    `json:"source"`
	Value      *int64    `json:"value"`
	Metadata   string    `json:"metadata,omitempty"`
	CapturedAt time.Time `json:"capturedAt"`
}

// TrustSummary is the per-autonomy-level performance row the promotion
// policy is computed from. The engine never self-promotes off of it.
type TrustSummary struct {
	Level            AutonomyLevel `json:"level"`
	SessionsLaunched int           `json:"sessionsLaunched"`
	ScoreSum         float64       `json:"scoreSum"`
	AverageScore     float64       `json:"averageScore"`
	ErrorRecoveries  int           `json:"errorRecoveries"`
	FalseAlerts      int           `json:"falseAlerts"`
	DaysAtLevel      int           `json:"daysAtLevel"`
}
