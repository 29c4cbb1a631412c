// Package prompt assembles the compact world-state context fed to the
// oracle, and builds the fixed prompts for think cycles, session
// evaluation, and natural-language replies. The assembler holds borrowed
// read-only views of other components and owns nothing.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/statefile"
)

// DefaultMaxPromptLength caps the think prompt when config leaves it
// unset.
const DefaultMaxPromptLength = 8000

// Sources are the read-only views the assembler draws from. Any nil
// source simply omits its section.
type Sources struct {
	Projects         func() []models.ProjectSnapshot
	LiveSessions     func(ctx context.Context) []string
	FreeMemoryMB     func(ctx context.Context) int
	Health           func() []models.HealthResult
	Revenue          func(ctx context.Context) []models.RevenueSnapshot
	Trust            func(ctx context.Context) *models.TrustSummary
	Conversation     func(ctx context.Context, n int) []services.ConversationEntry
	Patterns         func(ctx context.Context) *services.PatternSummary
	RecentDecisions  func() []models.DecisionRecord
	PendingReminders func(ctx context.Context) []services.Reminder
}

// Assembler builds oracle prompts from the sources.
type Assembler struct {
	sources   Sources
	maxLength int
	log       *slog.Logger
	now       func() time.Time
}

// NewAssembler creates an assembler. maxLength <= 0 uses the default.
func NewAssembler(sources Sources, maxLength int) *Assembler {
	if maxLength <= 0 {
		maxLength = DefaultMaxPromptLength
	}
	return &Assembler{
		sources:   sources,
		maxLength: maxLength,
		log:       slog.With("component", "prompt"),
		now:       time.Now,
	}
}

// ThinkPrompt builds the full prompt for one think cycle: the world
// context followed by the decision instruction block. The result is
// truncated to the configured budget, context first so the instructions
// always survive.
func (a *Assembler) ThinkPrompt(ctx context.Context) string {
	instructions := thinkInstructions
	budget := a.maxLength - len(instructions)
	context := a.WorldContext(ctx)
	if len(context) > budget {
		a.log.Debug("World context truncated", "have", len(context), "budget", budget)
		context = context[:budget] + "…"
	}
	return context + "\n\n" + instructions
}

const thinkInstructions = `You are the orchestrator's decision engine. Based on the state above, decide what to do next.

Rules:
- Only recommend actions for projects listed above.
- Actions: start, stop, restart, notify, skip.
- Prefer skip when nothing clearly needs doing. Doing nothing is a valid decision.
- One recommendation per project at most.

Respond with JSON only:
{"recommendations":[{"project":"...","action":"...","reason":"...","priority":1-5,"prompt":"optional session prompt","confidence":0.0-1.0,"notificationTier":1-4}],"nextThinkIn":optional-seconds}`

// WorldContext renders every available section.
func (a *Assembler) WorldContext(ctx context.Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Time: %s\n", a.now().Format(time.RFC1123))

	if a.sources.Projects != nil {
		b.WriteString("\n## Projects\n")
		for _, p := range a.sources.Projects() {
			fmt.Fprintf(&b, "- %s", p.Name)
			if p.Phase != "" {
				fmt.Fprintf(&b, " | phase: %s", p.Phase)
			}
			if p.Progress != "" {
				fmt.Fprintf(&b, " | progress: %s", p.Progress)
			}
			if p.SessionLive {
				b.WriteString(" | SESSION LIVE")
			}
			if p.NeedsAttention {
				fmt.Fprintf(&b, " | NEEDS ATTENTION: %s", p.AttentionWhy)
			}
			if len(p.Blockers) > 0 {
				fmt.Fprintf(&b, " | blockers: %s", strings.Join(p.Blockers, "; "))
			}
			if len(p.Overrides) > 0 {
				fmt.Fprintf(&b, " | operator priority: %s", strings.Join(p.Overrides, "; "))
			}
			b.WriteString("\n")
		}
	}

	if a.sources.LiveSessions != nil {
		live := a.sources.LiveSessions(ctx)
		fmt.Fprintf(&b, "\n## Sessions\n%d live", len(live))
		if len(live) > 0 {
			fmt.Fprintf(&b, ": %s", strings.Join(live, ", "))
		}
		b.WriteString("\n")
	}

	if a.sources.FreeMemoryMB != nil {
		fmt.Fprintf(&b, "\n## Resources\nFree memory: %d MB\n", a.sources.FreeMemoryMB(ctx))
	}

	if a.sources.Health != nil {
		results := a.sources.Health()
		if len(results) > 0 {
			b.WriteString("\n## Service health\n")
			for _, r := range results {
				fmt.Fprintf(&b, "- %s: %s", r.Service, r.Status)
				if r.Status == models.StatusDown {
					fmt.Fprintf(&b, " (%d consecutive fails: %s)", r.ConsecutiveFails, r.Error)
				}
				b.WriteString("\n")
			}
		}
	}

	if a.sources.Revenue != nil {
		snaps := a.sources.Revenue(ctx)
		if len(snaps) > 0 {
			b.WriteString("\n## Revenue\n")
			for _, s := range snaps {
				if s.Value == nil {
					fmt.Fprintf(&b, "- %s: unreachable\n", s.Source)
				} else {
					fmt.Fprintf(&b, "- %s: %d\n", s.Source, *s.Value)
				}
			}
		}
	}

	if a.sources.Trust != nil {
		if tr := a.sources.Trust(ctx); tr != nil && tr.SessionsLaunched > 0 {
			fmt.Fprintf(&b, "\n## Trust (%s)\nsessions=%d avg_score=%.1f false_alerts=%d days=%d\n",
				tr.Level, tr.SessionsLaunched, tr.AverageScore, tr.FalseAlerts, tr.DaysAtLevel)
		}
	}

	if a.sources.Patterns != nil {
		if p := a.sources.Patterns(ctx); p != nil {
			b.WriteString("\n## Learnings\n")
			if p.Insufficient {
				fmt.Fprintf(&b, "%s\n", p.Progress)
			} else {
				for style, avg := range p.ByStyle {
					fmt.Fprintf(&b, "- %s prompts average %.1f/5\n", style, avg)
				}
			}
		}
	}

	if a.sources.RecentDecisions != nil {
		recs := a.sources.RecentDecisions()
		if len(recs) > 0 {
			b.WriteString("\n## Recent decisions\n")
			for _, d := range tail(recs, 5) {
				verdict := "executed"
				if d.Recommendation.ObserveOnly {
					verdict = "sms-only"
				} else if !d.Recommendation.Validated {
					verdict = "rejected: " + d.Recommendation.RejectionReason
				}
				fmt.Fprintf(&b, "- %s %s on %s (%s)\n",
					d.Timestamp.Format("15:04"), d.Recommendation.Action, d.Recommendation.Project, verdict)
			}
		}
	}

	if a.sources.PendingReminders != nil {
		rems := a.sources.PendingReminders(ctx)
		if len(rems) > 0 {
			b.WriteString("\n## Pending reminders\n")
			for _, r := range tail(rems, 5) {
				fmt.Fprintf(&b, "- %s at %s\n", r.Text, r.FireAt.Format(time.RFC822))
			}
		}
	}

	if a.sources.Conversation != nil {
		turns := a.sources.Conversation(ctx, 6)
		if len(turns) > 0 {
			b.WriteString("\n## Recent conversation\n")
			for _, turn := range turns {
				fmt.Fprintf(&b, "%s: %s\n", turn.Role, truncate(turn.Text, 160))
			}
		}
	}

	return b.String()
}

// CompactContext is the smaller blob for natural-language replies:
// conversation, project one-liners, pending reminders, nothing else.
func (a *Assembler) CompactContext(ctx context.Context) string {
	var b strings.Builder

	if a.sources.Projects != nil {
		b.WriteString("Projects: ")
		var parts []string
		for _, p := range a.sources.Projects() {
			s := p.Name
			if p.SessionLive {
				s += " (session live)"
			}
			parts = append(parts, s)
		}
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString("\n")
	}

	if a.sources.PendingReminders != nil {
		if rems := a.sources.PendingReminders(ctx); len(rems) > 0 {
			b.WriteString("Pending reminders:\n")
			for _, r := range rems {
				fmt.Fprintf(&b, "- %s at %s\n", r.Text, r.FireAt.Format(time.RFC822))
			}
		}
	}

	if a.sources.Conversation != nil {
		if turns := a.sources.Conversation(ctx, 10); len(turns) > 0 {
			b.WriteString("Conversation:\n")
			for _, turn := range turns {
				fmt.Fprintf(&b, "%s: %s\n", turn.Role, truncate(turn.Text, 200))
			}
		}
	}

	return b.String()
}

func tail[T any](s []T, n int) []T {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}

// DecisionsFromState adapts the state file's decision history into a
// source closure.
func DecisionsFromState(store *statefile.Store) func() []models.DecisionRecord {
	return func() []models.DecisionRecord {
		return store.Snapshot().AIDecisionHistory
	}
}
