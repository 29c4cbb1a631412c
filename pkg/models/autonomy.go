// Package models contains the business domain types shared across the
// orchestrator: decisions, evaluations, sessions, health results, and the
// autonomy ladder.
package models

// AutonomyLevel is the ordered policy label controlling which actions the
// engine may execute itself versus recommend over SMS.
type AutonomyLevel string

// Autonomy levels, least to most permissive.
const (
	AutonomyObserve  AutonomyLevel = "observe"
	AutonomyCautious AutonomyLevel = "cautious"
	AutonomyModerate AutonomyLevel = "moderate"
	AutonomyFull     AutonomyLevel = "full"
)

var autonomyRank = map[AutonomyLevel]int{
	AutonomyObserve:  0,
	AutonomyCautious: 1,
	AutonomyModerate: 2,
	AutonomyFull:     3,
}

// IsValid reports whether l is a known autonomy level.
func (l AutonomyLevel) IsValid() bool {
	_, ok := autonomyRank[l]
	return ok
}

// AtLeast reports whether l is at or above the given level in the
// observe < cautious < moderate < full ordering. Unknown levels compare
// as observe.
func (l AutonomyLevel) AtLeast(other AutonomyLevel) bool {
	return autonomyRank[l] >= autonomyRank[other]
}

// ParseAutonomyLevel returns the level for s, falling back to observe for
// anything unrecognized. The fallback is deliberate: a corrupt override in
// the state file must never grant more autonomy than the floor.
func ParseAutonomyLevel(s string) AutonomyLevel {
	l := AutonomyLevel(s)
	if !l.IsValid() {
		return AutonomyObserve
	}
	return l
}
