// Package decision is the safety pipeline between oracle recommendations
// and side effects. Evaluate applies the allowlist, protection, cooldown,
// and autonomy gates; Execute re-checks preconditions just in time and
// performs the action. Nothing in this package ever panics out of the
// control loop.
package decision

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/resource"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/statefile"
)

// Notifier is the slice of the notification manager the executor needs.
type Notifier interface {
	Notify(ctx context.Context, tier int, text string)
}

// Executor validates and runs oracle recommendations.
type Executor struct {
	cfg      *config.Config
	registry *projects.Registry
	sessions *session.Controller
	notifier Notifier
	state    *statefile.Store
	memory   resource.Sampler
	evals    *services.EvaluationService
	trust    *services.TrustService

	// enqueueEval schedules a session evaluation without blocking the
	// control loop. Set by the supervisor.
	enqueueEval func(project string)

	mu           sync.Mutex
	lastByAction map[string]time.Time // "project|action"
	lastByProj   map[string]time.Time
	blocked      map[string]bool

	autonomy func() models.AutonomyLevel
	now      func() time.Time
	log      *slog.Logger
}

// NewExecutor creates an executor.
func NewExecutor(
	cfg *config.Config,
	registry *projects.Registry,
	sessions *session.Controller,
	notifier Notifier,
	state *statefile.Store,
	memory resource.Sampler,
	evals *services.EvaluationService,
	trust *services.TrustService,
	autonomy func() models.AutonomyLevel,
) *Executor {
	return &Executor{
		cfg:          cfg,
		registry:     registry,
		sessions:     sessions,
		notifier:     notifier,
		state:        state,
		memory:       memory,
		evals:        evals,
		trust:        trust,
		enqueueEval:  func(string) {},
		lastByAction: make(map[string]time.Time),
		lastByProj:   make(map[string]time.Time),
		blocked:      make(map[string]bool),
		autonomy:     autonomy,
		now:          time.Now,
		log:          slog.With("component", "executor"),
	}
}

// SetEvalHook registers the evaluation scheduler.
func (e *Executor) SetEvalHook(fn func(project string)) {
	if fn != nil {
		e.enqueueEval = fn
	}
}

// Block adds a project to the runtime block list; Unblock removes it.
func (e *Executor) Block(project string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked[project] = true
}

// Unblock removes a project from the runtime block list.
func (e *Executor) Unblock(project string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.blocked, project)
}

// executeMatrix is the autonomy matrix: which actions execute directly at
// which level. Everything not listed is SMS-only (skip is log-only at
// every level and handled separately).
var executeMatrix = map[models.AutonomyLevel]map[models.Action]bool{
	models.AutonomyObserve:  {},
	models.AutonomyCautious: {models.ActionStart: true, models.ActionNotify: true},
	models.AutonomyModerate: {
		models.ActionStart: true, models.ActionStop: true,
		models.ActionRestart: true, models.ActionNotify: true,
	},
	models.AutonomyFull: {
		models.ActionStart: true, models.ActionStop: true,
		models.ActionRestart: true, models.ActionNotify: true,
	},
}

// Evaluate applies the gates in fixed order and returns every
// recommendation tagged with its verdict. Dropped recommendations carry
// Validated=false and a RejectionReason; downgrades carry ObserveOnly.
func (e *Executor) Evaluate(recs []models.Recommendation) []models.Recommendation {
	level := e.autonomy()
	out := make([]models.Recommendation, 0, len(recs))

	for _, rec := range recs {
		rec = e.evaluateOne(rec, level)
		e.recordDecision(rec)
		out = append(out, rec)
	}
	return out
}

func (e *Executor) evaluateOne(rec models.Recommendation, level models.AutonomyLevel) models.Recommendation {
	if !rec.Action.IsValid() {
		rec.RejectionReason = fmt.Sprintf("action %q not on allowlist", rec.Action)
		return rec
	}

	if !e.registry.Has(rec.Project) {
		rec.RejectionReason = fmt.Sprintf("unknown project %q", rec.Project)
		return rec
	}
	if e.cfg.IsProtected(rec.Project) {
		rec.RejectionReason = fmt.Sprintf("project %q is protected", rec.Project)
		return rec
	}

	if reason := e.cooldownViolation(rec); reason != "" {
		rec.RejectionReason = reason
		return rec
	}

	// Recovery exhaustion: past the retry cap, restarts become notify
	// with escalation text regardless of autonomy.
	if rec.Action == models.ActionRestart && e.retriesExhausted(rec.Project) {
		rec.Action = models.ActionNotify
		rec.Reason = fmt.Sprintf("ESCALATION: %s has failed recovery %d times, not retrying. Original reason: %s",
			rec.Project, e.cfg.AI.MaxErrorRetries, rec.Reason)
		rec.Validated = true
		return rec
	}

	rec.Validated = true
	if rec.Action == models.ActionSkip {
		return rec
	}
	if !executeMatrix[level][rec.Action] {
		rec.ObserveOnly = true
	}
	return rec
}

func (e *Executor) cooldownViolation(rec models.Recommendation) string {
	// Cooldowns bound repetition of side effects; skip and notify pass.
	if rec.Action == models.ActionSkip || rec.Action == models.ActionNotify {
		return ""
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()

	sameAction := time.Duration(e.cfg.AI.Cooldowns.SameActionMs) * time.Millisecond
	if last, ok := e.lastByAction[cooldownKey(rec.Project, rec.Action)]; ok && now.Sub(last) < sameAction {
		return fmt.Sprintf("cooldown: %s on %s ran %s ago", rec.Action, rec.Project, now.Sub(last).Round(time.Second))
	}

	sameProject := time.Duration(e.cfg.AI.Cooldowns.SameProjectMs) * time.Millisecond
	if last, ok := e.lastByProj[rec.Project]; ok && now.Sub(last) < sameProject {
		return fmt.Sprintf("cooldown: %s acted on %s ago", rec.Project, now.Sub(last).Round(time.Second))
	}
	return ""
}

func (e *Executor) retriesExhausted(project string) bool {
	max := e.cfg.AI.MaxErrorRetries
	if max <= 0 {
		return false
	}
	return e.state.Snapshot().ErrorRetryCounts[project] > max
}

// Dispatch evaluates and then executes recommendations strictly in oracle
// order. Observe-only recommendations route through the notifier instead.
func (e *Executor) Dispatch(ctx context.Context, recs []models.Recommendation) {
	for _, rec := range e.Evaluate(recs) {
		switch {
		case rec.RejectionReason != "":
			e.log.Info("Recommendation dropped", "project", rec.Project,
				"action", rec.Action, "reason", rec.RejectionReason)
			e.recordExecution(rec, "rejected: "+rec.RejectionReason, false)
		case rec.Action == models.ActionSkip:
			e.log.Info("Skip", "project", rec.Project, "reason", rec.Reason)
			e.recordExecution(rec, "skipped", false)
		case rec.ObserveOnly:
			e.notifier.Notify(ctx, notify.TierAction,
				fmt.Sprintf("RECOMMEND %s %s: %s (autonomy %s, reply to approve manually)",
					rec.Action, rec.Project, rec.Reason, e.autonomy()))
			e.recordExecution(rec, "observe-only", true)
		default:
			e.Execute(ctx, rec)
		}
	}
}

// Execute performs one validated recommendation, re-checking preconditions
// immediately before the side effect. Failures are logged and recorded,
// never propagated.
func (e *Executor) Execute(ctx context.Context, rec models.Recommendation) {
	var result string
	var ok bool

	switch rec.Action {
	case models.ActionStart:
		result, ok = e.execStart(ctx, rec)
	case models.ActionStop:
		result, ok = e.execStop(ctx, rec)
	case models.ActionRestart:
		result, ok = e.execRestart(ctx, rec)
	case models.ActionNotify:
		tier := rec.NotificationTier
		if tier == 0 {
			tier = notify.TierAction
		}
		e.notifier.Notify(ctx, tier, fmt.Sprintf("[%s] %s", rec.Project, rec.Reason))
		result, ok = "notified", true
	default:
		result, ok = fmt.Sprintf("unhandled action %q", rec.Action), false
	}

	if ok {
		e.markCooldown(rec)
		e.log.Info("Action executed", "project", rec.Project, "action", rec.Action, "result", result)
	} else {
		e.log.Warn("Action failed", "project", rec.Project, "action", rec.Action, "result", result)
	}
	e.recordExecution(rec, result, ok)
}

func (e *Executor) execStart(ctx context.Context, rec models.Recommendation) (string, bool) {
	project := rec.Project
	dir := e.registry.Dir(project)

	// Just-in-time re-checks: the world may have moved since Evaluate.
	if live, err := e.sessions.Live(ctx, project); err != nil {
		return fmt.Sprintf("live check failed: %v", err), false
	} else if live {
		return "session already live", false
	}
	if count, err := e.sessions.LiveCount(ctx); err != nil {
		return fmt.Sprintf("count check failed: %v", err), false
	} else if count >= e.cfg.MaxConcurrentSessions {
		return fmt.Sprintf("at capacity (%d live)", count), false
	}
	if e.memory != nil {
		free, err := e.memory.FreeMemoryMB(ctx)
		if err == nil && free < e.cfg.AI.ResourceLimits.MinFreeMemoryMB {
			return fmt.Sprintf("low memory (%d MB free)", free), false
		}
	}
	e.mu.Lock()
	blocked := e.blocked[project]
	e.mu.Unlock()
	if blocked {
		return "project is blocked", false
	}

	if err := e.injectPreamble(dir); err != nil {
		e.log.Warn("Preamble injection failed", "project", project, "error", err)
	}

	prompt := rec.Prompt
	if prompt == "" {
		prompt = e.resumePrompt(ctx, project)
	}

	msg, err := e.sessions.Start(ctx, project, dir, prompt)
	if err != nil {
		return err.Error(), false
	}
	e.registry.SetSessionLive(project, true)
	if e.trust != nil {
		_ = e.trust.RecordSessionLaunch(ctx, e.autonomy())
	}
	return msg, true
}

func (e *Executor) execStop(ctx context.Context, rec models.Recommendation) (string, bool) {
	project := rec.Project
	dir := e.registry.Dir(project)

	live, err := e.sessions.Live(ctx, project)
	if err != nil {
		return fmt.Sprintf("live check failed: %v", err), false
	}
	if !live {
		return "no live session", false
	}

	if tail, err := e.sessions.CaptureTail(ctx, project, 5); err == nil {
		e.sessions.MarkEnded(dir, strings.TrimSpace(tail))
	}
	if err := e.sessions.Stop(ctx, project, dir); err != nil {
		return err.Error(), false
	}
	e.registry.SetSessionLive(project, false)
	e.enqueueEval(project)
	return "stopped", true
}

func (e *Executor) execRestart(ctx context.Context, rec models.Recommendation) (string, bool) {
	if result, ok := e.execStop(ctx, rec); !ok && result != "no live session" {
		return "restart stop phase: " + result, false
	}
	startRec := rec
	startRec.Prompt = "" // force the evaluation-informed resume prompt
	result, ok := e.execStart(ctx, startRec)
	if !ok {
		return "restart start phase: " + result, false
	}
	return "restarted: " + result, true
}

// RecordErrorRetry bumps the per-project recovery counter. Called by the
// supervisor when a restart executes in response to an error signal.
func (e *Executor) RecordErrorRetry(project string) {
	_ = e.state.WithState(func(st *statefile.State) error {
		st.StateVersion++
		st.ErrorRetryCounts[project]++
		return nil
	})
}

// ResetErrorRetries clears the counter after a successful recovery.
func (e *Executor) ResetErrorRetries(project string) {
	_ = e.state.WithState(func(st *statefile.State) error {
		st.StateVersion++
		delete(st.ErrorRetryCounts, project)
		return nil
	})
}

func (e *Executor) resumePrompt(ctx context.Context, project string) string {
	var last *models.Evaluation
	if e.evals != nil {
		if ev, err := e.evals.LatestForProject(ctx, project); err == nil {
			last = ev
		}
	}
	return session.BuildResumePrompt(last)
}

// preambleMarker identifies the orchestrator block inside a project's
// CLAUDE.md so injection stays idempotent.
const preambleMarker = "<!-- orchd preamble -->"

const preamble = preambleMarker + `
## Orchestrator protocol

This project is supervised. When you finish or get stuck, write a JSON file
into .orchestrator/: completed.json with {"summary": "..."} on success,
error.json with {"error": "..."} on failure, needs-input.json with
{"question": "..."} when blocked on the operator. Commit your work before
signaling.
`

func (e *Executor) injectPreamble(dir string) error {
	path := filepath.Join(dir, "CLAUDE.md")
	existing, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read CLAUDE.md: %w", err)
	}
	if strings.Contains(string(existing), preambleMarker) {
		return nil
	}
	content := preamble
	if len(existing) > 0 {
		content = string(existing) + "\n" + preamble
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("failed to write CLAUDE.md: %w", err)
	}
	return nil
}

func (e *Executor) markCooldown(rec models.Recommendation) {
	if rec.Action == models.ActionNotify || rec.Action == models.ActionSkip {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	e.lastByAction[cooldownKey(rec.Project, rec.Action)] = now
	e.lastByProj[rec.Project] = now
}

func (e *Executor) recordDecision(rec models.Recommendation) {
	_ = e.state.AppendDecision(models.DecisionRecord{
		Recommendation: rec,
		Timestamp:      e.now(),
	})
}

func (e *Executor) recordExecution(rec models.Recommendation, result string, _ bool) {
	_ = e.state.AppendExecution(models.ExecutionRecord{
		Action:        rec.Action,
		Project:       rec.Project,
		Result:        result,
		ObserveOnly:   rec.ObserveOnly,
		Timestamp:     e.now(),
		AutonomyLevel: e.autonomy(),
	})
}

func cooldownKey(project string, action models.Action) string {
	return project + "|" + string(action)
}

// DecisionHistory returns the persisted decision log, oldest first.
func (e *Executor) DecisionHistory() []models.DecisionRecord {
	return e.state.Snapshot().AIDecisionHistory
}

// LastResult returns the most recent execution result for a project, or
// empty if it has none.
func (e *Executor) LastResult(project string) string {
	hist := e.state.Snapshot().ExecutionHistory
	for i := len(hist) - 1; i >= 0; i-- {
		if hist[i].Project == project {
			return hist[i].Result
		}
	}
	return ""
}
