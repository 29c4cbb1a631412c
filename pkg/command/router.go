// Package command routes inbound operator messages: exact commands are
// dispatched directly, everything else goes to the natural-language
// handler backed by the oracle. Every path returns a reply string for the
// SMS transport.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/decision"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
)

// Controls is the supervisor surface the router drives: run/pause state,
// AI toggles, and think-cycle triggering.
type Controls interface {
	Pause()
	Resume()
	Paused() bool
	SetAIEnabled(enabled bool)
	AIEnabled() bool
	AutonomyLevel() models.AutonomyLevel
	SetAutonomyLevel(level models.AutonomyLevel) error
	TriggerThink()
	StatusText(ctx context.Context) string
}

// Router dispatches operator messages.
type Router struct {
	cfg       *config.Config
	registry  *projects.Registry
	sessions  *session.Controller
	executor  *decision.Executor
	reminders *services.ReminderService
	controls  Controls
	nl        *NLHandler

	now func() time.Time
	log *slog.Logger
}

// NewRouter creates a router. nl may be nil, in which case unknown input
// gets a help pointer instead of an oracle call.
func NewRouter(
	cfg *config.Config,
	registry *projects.Registry,
	sessions *session.Controller,
	executor *decision.Executor,
	reminders *services.ReminderService,
	controls Controls,
	nl *NLHandler,
) *Router {
	return &Router{
		cfg:       cfg,
		registry:  registry,
		sessions:  sessions,
		executor:  executor,
		reminders: reminders,
		controls:  controls,
		nl:        nl,
		now:       time.Now,
		log:       slog.With("component", "command"),
	}
}

// Route handles one inbound message and returns the reply.
func (r *Router) Route(ctx context.Context, text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	fields := strings.Fields(text)
	verb := strings.ToLower(fields[0])
	rest := strings.TrimSpace(text[len(fields[0]):])

	switch verb {
	case "help":
		return helpText
	case "status":
		return r.controls.StatusText(ctx)
	case "pause":
		r.controls.Pause()
		return "Paused. Sessions keep running; no new decisions until you send resume."
	case "resume":
		r.controls.Resume()
		return "Resumed."
	case "ai":
		return r.handleAI(ctx, rest)
	case "priority":
		return r.handlePriority(rest)
	case "start":
		return r.handleAction(ctx, models.ActionStart, rest)
	case "stop":
		return r.handleAction(ctx, models.ActionStop, rest)
	case "restart":
		return r.handleAction(ctx, models.ActionRestart, rest)
	case "reply":
		return r.handleReply(ctx, rest)
	case "remind":
		return r.handleRemind(ctx, rest)
	}

	if r.nl == nil {
		return "Unrecognized command. Send help for the list."
	}
	return r.nl.Handle(ctx, text)
}

const helpText = `Commands:
status | pause | resume
ai on|off | ai level <observe|cautious|moderate|full> | ai think | ai explain
start <project> | stop <project> | restart <project>
reply <project> <text>
remind <text> in <N>m|h|d  or  remind <text> at HH:MM
priority <project> <text>
Anything else is answered conversationally.`

func (r *Router) handleAI(ctx context.Context, rest string) string {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		state := "off"
		if r.controls.AIEnabled() {
			state = "on"
		}
		return fmt.Sprintf("AI is %s, autonomy %s.", state, r.controls.AutonomyLevel())
	}
	switch strings.ToLower(fields[0]) {
	case "on":
		r.controls.SetAIEnabled(true)
		return "AI enabled."
	case "off":
		r.controls.SetAIEnabled(false)
		return "AI disabled. Health monitoring and commands still run."
	case "level":
		if len(fields) < 2 {
			return fmt.Sprintf("Autonomy is %s.", r.controls.AutonomyLevel())
		}
		level := models.AutonomyLevel(strings.ToLower(fields[1]))
		if !level.IsValid() {
			return "Unknown level. Use observe, cautious, moderate, or full."
		}
		if err := r.controls.SetAutonomyLevel(level); err != nil {
			return "Could not change level: " + err.Error()
		}
		return fmt.Sprintf("Autonomy set to %s.", level)
	case "think":
		r.controls.TriggerThink()
		return "Think cycle triggered."
	case "explain":
		return r.explainLastDecision()
	}
	return "Usage: ai on|off | ai level <level> | ai think | ai explain"
}

func (r *Router) explainLastDecision() string {
	hist := r.executor.DecisionHistory()
	if len(hist) == 0 {
		return "No decisions yet."
	}
	d := hist[len(hist)-1]
	rec := d.Recommendation
	verdict := "executed"
	switch {
	case rec.RejectionReason != "":
		verdict = "rejected: " + rec.RejectionReason
	case rec.ObserveOnly:
		verdict = "recommended only (autonomy gate)"
	}
	return fmt.Sprintf("Last decision (%s): %s %s. Reason: %s. Outcome: %s.",
		d.Timestamp.Format("15:04"), rec.Action, rec.Project, rec.Reason, verdict)
}

func (r *Router) handlePriority(rest string) string {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "Usage: priority <project> <text>"
	}
	project, ok := r.matchProject(fields[0])
	if !ok {
		return fmt.Sprintf("No project matching %q.", fields[0])
	}
	note := strings.TrimSpace(rest[len(fields[0]):])
	if note == "" {
		return "Usage: priority <project> <text>"
	}

	if err := r.writePriority(project, note); err != nil {
		r.log.Error("Failed to write priority override", "error", err)
		return "Could not save the priority: " + err.Error()
	}
	return fmt.Sprintf("Priority noted for %s: %s", project, note)
}

// writePriority merges the note into the operator override file, which the
// project scanner reads on every scan tick.
func (r *Router) writePriority(project, note string) error {
	path := filepath.Join(r.cfg.ProjectsDir, "priorities.json")
	all := map[string][]string{}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &all)
	}
	all[project] = append(all[project], note)
	data, err := json.MarshalIndent(all, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal priorities: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write priorities: %w", err)
	}
	return nil
}

func (r *Router) handleAction(ctx context.Context, action models.Action, rest string) string {
	name := strings.TrimSpace(rest)
	if name == "" {
		return fmt.Sprintf("Usage: %s <project>", action)
	}
	project, ok := r.matchProject(name)
	if !ok {
		return fmt.Sprintf("No project matching %q. Projects: %s",
			name, strings.Join(r.registry.Names(), ", "))
	}

	// Operator-initiated actions bypass the autonomy matrix but still run
	// the just-in-time preconditions.
	r.executor.Execute(ctx, models.Recommendation{
		Project:   project,
		Action:    action,
		Reason:    "operator command",
		Validated: true,
	})
	return fmt.Sprintf("%s %s: %s", action, project, r.executor.LastResult(project))
}

func (r *Router) handleReply(ctx context.Context, rest string) string {
	fields := strings.Fields(rest)
	if len(fields) < 2 {
		return "Usage: reply <project> <text>"
	}
	project, ok := r.matchProject(fields[0])
	if !ok {
		return fmt.Sprintf("No project matching %q.", fields[0])
	}
	msg := strings.TrimSpace(rest[len(fields[0]):])

	live, err := r.sessions.Live(ctx, project)
	if err != nil || !live {
		return fmt.Sprintf("No live session for %s.", project)
	}
	if err := r.sessions.SendText(ctx, project, msg); err != nil {
		return "Could not deliver the reply: " + err.Error()
	}
	// The agent got its answer; clear the signal so it does not re-fire.
	_ = projects.ArchiveSignal(r.registry.Dir(project), models.SignalNeedsInput, r.now())
	return fmt.Sprintf("Delivered to %s.", project)
}

func (r *Router) handleRemind(ctx context.Context, rest string) string {
	if r.reminders == nil {
		return "Reminders are disabled."
	}
	text, fireAt, err := parseReminder(rest, r.now())
	if err != nil {
		return err.Error()
	}
	id, err := r.reminders.Set(ctx, text, fireAt)
	if err != nil {
		r.log.Error("Failed to set reminder", "error", err)
		return "Could not save the reminder."
	}
	return fmt.Sprintf("Reminder #%d set for %s: %s", id, fireAt.Format("Mon 15:04"), text)
}

// parseReminder understands "<text> in <N>m|h|d" and "<text> at HH:MM".
// Past times are accepted; they fire on the next scan tick.
func parseReminder(rest string, now time.Time) (string, time.Time, error) {
	usage := fmt.Errorf("usage: remind <text> in <N>m|h|d  or  remind <text> at HH:MM")

	if i := strings.LastIndex(strings.ToLower(rest), " in "); i > 0 {
		text := strings.TrimSpace(rest[:i])
		spec := strings.TrimSpace(rest[i+4:])
		if d, ok := parseDurationSpec(spec); ok && text != "" {
			return text, now.Add(d), nil
		}
	}
	if i := strings.LastIndex(strings.ToLower(rest), " at "); i > 0 {
		text := strings.TrimSpace(rest[:i])
		spec := strings.TrimSpace(rest[i+4:])
		if t, err := time.ParseInLocation("15:04", spec, now.Location()); err == nil && text != "" {
			fireAt := time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location())
			if !fireAt.After(now) {
				fireAt = fireAt.AddDate(0, 0, 1)
			}
			return text, fireAt, nil
		}
	}
	return "", time.Time{}, usage
}

// parseDurationSpec understands "30m", "2h", "1d", and plain
// time.ParseDuration syntax.
func parseDurationSpec(s string) (time.Duration, bool) {
	s = strings.TrimSpace(strings.ToLower(s))
	if n, found := strings.CutSuffix(s, "d"); found && !strings.ContainsAny(n, "hms") {
		days, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return time.Duration(days) * 24 * time.Hour, true
	}
	d, err := time.ParseDuration(s)
	return d, err == nil
}
