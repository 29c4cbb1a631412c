// Package evaluator scores ended agent sessions. Each evaluation feeds
// three stores: the sqlite table for pattern analysis, the state file
// for context assembly, and the project sidecar for the next resume.
package evaluator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/oracle"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/prompt"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/statefile"
	"github.com/opsloop/orchd/pkg/vcs"
)

const (
	// scrollbackLines bounds what the evaluator reads from a still-live
	// pane before stopping it.
	scrollbackLines = 100

	// evalSidecarFile is where the latest evaluation lands in the
	// project's sidecar directory.
	evalSidecarFile = "evaluation.json"

	// lowScoreMax is the highest score that still pages the operator.
	lowScoreMax = 2

	// snippetLen caps the reasoning and prompt excerpts kept in
	// notifications and DB rows.
	snippetLen = 200
)

// Oracle is the slice of the gateway the evaluator needs.
type Oracle interface {
	Query(ctx context.Context, prompt string, opts oracle.Options) (*oracle.Result, error)
}

// Notifier routes tiered operator notifications.
type Notifier interface {
	Notify(ctx context.Context, tier int, text string)
}

// Evaluator runs post-session scoring.
type Evaluator struct {
	cfg      *config.Config
	sessions *session.Controller
	git      vcs.Prober
	oracle   Oracle
	evals    *services.EvaluationService
	trust    *services.TrustService
	state    *statefile.Store
	notifier Notifier
	autonomy func() models.AutonomyLevel
	schema   string
	now      func() time.Time
	log      *slog.Logger
}

// verdict is the shape the oracle fills in.
type verdict struct {
	Score           int                       `json:"score" jsonschema:"required,minimum=1,maximum=5"`
	Recommendation  models.EvalRecommendation `json:"recommendation" jsonschema:"required,enum=continue,enum=retry,enum=escalate,enum=complete"`
	Accomplishments []string                  `json:"accomplishments,omitempty"`
	Failures        []string                  `json:"failures,omitempty"`
	Reasoning       string                    `json:"reasoning,omitempty"`
	NextPrompt      string                    `json:"nextPrompt,omitempty"`
}

// NewEvaluator creates an evaluator. Trust, notifier, and the DB store
// may be nil; persistence and notification steps are skipped then.
func NewEvaluator(
	cfg *config.Config,
	sessions *session.Controller,
	git vcs.Prober,
	orc Oracle,
	evals *services.EvaluationService,
	trust *services.TrustService,
	state *statefile.Store,
	notifier Notifier,
	autonomy func() models.AutonomyLevel,
) *Evaluator {
	schema, err := oracle.SchemaFor[verdict]()
	if err != nil {
		slog.Warn("Could not derive evaluation schema", "error", err)
	}
	return &Evaluator{
		cfg:      cfg,
		sessions: sessions,
		git:      git,
		oracle:   orc,
		evals:    evals,
		trust:    trust,
		state:    state,
		notifier: notifier,
		autonomy: autonomy,
		schema:   schema,
		now:      time.Now,
		log:      slog.With("component", "evaluator"),
	}
}

// Evaluate scores the project's most recent session. It returns nil with
// no error when there is nothing to evaluate: no session sidecar, or the
// session was already scored.
func (e *Evaluator) Evaluate(ctx context.Context, project, dir string) (*models.Evaluation, error) {
	meta, err := e.sessions.Meta(dir)
	if err != nil {
		e.log.Debug("No session record to evaluate", "project", project)
		return nil, nil
	}

	if e.alreadyEvaluated(ctx, project, meta.StartedAt) {
		e.log.Debug("Session already evaluated", "project", project)
		return nil, nil
	}

	scrollback := meta.LastOutput
	if tail, err := e.sessions.CaptureTail(ctx, project, scrollbackLines); err == nil && tail != "" {
		scrollback = tail
	}

	progress, err := e.git.Progress(ctx, dir, meta.HeadBefore)
	if err != nil {
		e.log.Warn("Could not measure version-control progress", "project", project, "error", err)
	}

	var signals []models.Signal
	for _, sig := range projects.DetectSignals(dir, project) {
		if sig.Kind == models.SignalCompleted || sig.Kind == models.SignalError {
			signals = append(signals, sig)
		}
	}

	v, err := e.consult(ctx, prompt.BuildEvalPrompt(meta, scrollback, progress, signals))
	if err != nil {
		return nil, fmt.Errorf("evaluation failed for %s: %w", project, err)
	}

	ev := e.buildRecord(meta, progress, v)
	e.persist(ctx, dir, ev)

	if ev.Score <= lowScoreMax && e.notifier != nil {
		e.notifier.Notify(ctx, notify.TierAction,
			fmt.Sprintf("Session on %s scored %d/5: %s", project, ev.Score, snippet(ev.Reasoning, snippetLen)))
	}
	if e.trust != nil && e.autonomy != nil {
		if err := e.trust.RecordScore(ctx, e.autonomy(), ev.Score); err != nil {
			e.log.Warn("Could not record trust score", "error", err)
		}
	}

	e.log.Info("Session evaluated",
		"project", project, "score", ev.Score, "recommendation", ev.Recommendation)
	return &ev, nil
}

// alreadyEvaluated guards against scoring the same session twice when
// both the signal path and the timeout path fire.
func (e *Evaluator) alreadyEvaluated(ctx context.Context, project string, startedAt time.Time) bool {
	if e.evals == nil {
		return false
	}
	n, err := e.evals.CountSince(ctx, project, startedAt)
	if err != nil {
		e.log.Warn("Double-eval check failed, evaluating anyway", "project", project, "error", err)
		return false
	}
	return n > 0
}

func (e *Evaluator) consult(ctx context.Context, p string) (verdict, error) {
	res, err := e.oracle.Query(ctx, p, oracle.Options{
		MaxTurns:   1,
		JSONSchema: e.schema,
		Timeout:    oracle.EvaluationTimeout,
	})
	if err != nil {
		return verdict{}, err
	}

	list, err := oracle.DecodeList[verdict](res.Payload)
	if err != nil || len(list) == 0 {
		return verdict{}, fmt.Errorf("%w: verdict missing from oracle reply", oracle.ErrParseFail)
	}
	v := list[0]

	if v.Score < 1 {
		v.Score = 1
	}
	if v.Score > 5 {
		v.Score = 5
	}
	if !v.Recommendation.IsValid() {
		v.Recommendation = models.EvalEscalate
	}
	return v, nil
}

func (e *Evaluator) buildRecord(meta models.SessionMeta, progress vcs.Progress, v verdict) models.Evaluation {
	stoppedAt := e.now()
	lastCommit := ""
	if n := len(progress.Commits); n > 0 {
		lastCommit = progress.Commits[n-1]
	}
	sessionID := meta.RunID
	if sessionID == "" {
		// Sidecars written before run IDs existed.
		sessionID = fmt.Sprintf("%s-%d", meta.SessionName, meta.StartedAt.Unix())
	}
	return models.Evaluation{
		SessionID:       sessionID,
		Project:         meta.Project,
		StartedAt:       meta.StartedAt,
		StoppedAt:       stoppedAt,
		DurationMinutes: stoppedAt.Sub(meta.StartedAt).Minutes(),
		Progress: models.VCSProgress{
			CommitCount:       len(progress.Commits),
			Insertions:        progress.Insertions,
			Deletions:         progress.Deletions,
			FilesChanged:      progress.FilesChanged,
			LastCommitMessage: lastCommit,
		},
		Score:           v.Score,
		Recommendation:  v.Recommendation,
		Accomplishments: v.Accomplishments,
		Failures:        v.Failures,
		Reasoning:       v.Reasoning,
		NextPrompt:      v.NextPrompt,
		PromptSnippet:   snippet(meta.Prompt, snippetLen),
		PromptStyle:     models.ClassifyPromptStyle(meta.Prompt),
		EvaluatedAt:     stoppedAt,
	}
}

// persist writes the evaluation everywhere it is consumed. Failures are
// logged, not fatal: a partial record beats losing the score.
func (e *Evaluator) persist(ctx context.Context, dir string, ev models.Evaluation) {
	if e.evals != nil {
		if err := e.evals.Insert(ctx, ev); err != nil {
			e.log.Error("Failed to store evaluation", "project", ev.Project, "error", err)
		}
	}
	if e.state != nil {
		if err := e.state.AppendEvaluation(ev); err != nil {
			e.log.Warn("Failed to append evaluation to state", "error", err)
		}
	}
	if err := projects.WriteSidecarJSON(dir, evalSidecarFile, ev); err != nil {
		e.log.Warn("Failed to write evaluation sidecar", "project", ev.Project, "error", err)
	}
}

func snippet(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}
