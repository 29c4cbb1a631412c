package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/orchd/pkg/models"
)

// PatternThreshold is the evaluation count below which aggregate pattern
// queries report insufficient data instead of a summary.
const PatternThreshold = 50

// EvaluationService is the learner store: every ended session's scoring
// lands here for analysis. The JSON state file carries a capped hot copy
// for context assembly; this table is the full analytical record.
type EvaluationService struct {
	db *sql.DB
}

// NewEvaluationService creates an EvaluationService.
func NewEvaluationService(db *sql.DB) *EvaluationService {
	return &EvaluationService{db: db}
}

// Insert persists one evaluation.
func (s *EvaluationService) Insert(ctx context.Context, ev models.Evaluation) error {
	if ev.SessionID == "" {
		return NewValidationError("session_id", "required")
	}
	if ev.Project == "" {
		return NewValidationError("project_name", "required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_evaluations
		 (session_id, project_name, started_at, stopped_at, duration_minutes,
		  commit_count, insertions, deletions, files_changed,
		  score, recommendation, prompt_snippet, prompt_style, evaluated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID, ev.Project,
		ev.StartedAt.UTC().Format(time.RFC3339), ev.StoppedAt.UTC().Format(time.RFC3339),
		ev.DurationMinutes,
		ev.Progress.CommitCount, ev.Progress.Insertions, ev.Progress.Deletions,
		ev.Progress.FilesChanged,
		ev.Score, string(ev.Recommendation), ev.PromptSnippet, string(ev.PromptStyle),
		ev.EvaluatedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to insert evaluation: %w", err)
	}
	return nil
}

// LatestForProject returns the most recent evaluation for a project, or
// ErrNotFound if the project has never been evaluated.
func (s *EvaluationService) LatestForProject(ctx context.Context, project string) (*models.Evaluation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, project_name, started_at, stopped_at, duration_minutes,
		        commit_count, insertions, deletions, files_changed,
		        score, recommendation, prompt_snippet, prompt_style, evaluated_at
		 FROM session_evaluations WHERE project_name = ?
		 ORDER BY evaluated_at DESC LIMIT 1`, project)
	ev, err := scanEvaluation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: no evaluation for project %s", ErrNotFound, project)
	}
	return ev, err
}

// CountSince reports evaluations for a project evaluated after cutoff. The
// evaluator uses it to guard against double-evaluating the same session.
func (s *EvaluationService) CountSince(ctx context.Context, project string, cutoff time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_evaluations
		 WHERE project_name = ? AND evaluated_at > ?`,
		project, cutoff.UTC().Format(time.RFC3339)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count evaluations: %w", err)
	}
	return n, nil
}

// Total returns the all-time evaluation count.
func (s *EvaluationService) Total(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_evaluations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count evaluations: %w", err)
	}
	return n, nil
}

// PatternSummary aggregates average score per prompt style. Below
// PatternThreshold total evaluations it returns Insufficient=true with a
// progress string instead of a summary.
type PatternSummary struct {
	Insufficient bool               `json:"insufficient"`
	Progress     string             `json:"progress,omitempty"`
	ByStyle      map[string]float64 `json:"byStyle,omitempty"`
}

// Patterns computes the aggregate pattern summary.
func (s *EvaluationService) Patterns(ctx context.Context) (*PatternSummary, error) {
	total, err := s.Total(ctx)
	if err != nil {
		return nil, err
	}
	if total < PatternThreshold {
		return &PatternSummary{
			Insufficient: true,
			Progress:     fmt.Sprintf("insufficient data (%d/%d)", total, PatternThreshold),
		}, nil
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT prompt_style, AVG(score) FROM session_evaluations GROUP BY prompt_style`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate patterns: %w", err)
	}
	defer rows.Close()

	out := &PatternSummary{ByStyle: make(map[string]float64)}
	for rows.Next() {
		var style string
		var avg float64
		if err := rows.Scan(&style, &avg); err != nil {
			return nil, fmt.Errorf("failed to scan pattern row: %w", err)
		}
		out.ByStyle[style] = avg
	}
	return out, rows.Err()
}

// RecentLowScores returns projects whose latest evaluation scored at or
// below the threshold, for context assembly.
func (s *EvaluationService) RecentLowScores(ctx context.Context, maxScore, limit int) ([]models.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, project_name, started_at, stopped_at, duration_minutes,
		        commit_count, insertions, deletions, files_changed,
		        score, recommendation, prompt_snippet, prompt_style, evaluated_at
		 FROM session_evaluations WHERE score <= ?
		 ORDER BY evaluated_at DESC LIMIT ?`, maxScore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query low scores: %w", err)
	}
	defer rows.Close()

	var out []models.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

// RecentForProject returns a project's evaluations newest first.
func (s *EvaluationService) RecentForProject(ctx context.Context, project string, limit int) ([]models.Evaluation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, project_name, started_at, stopped_at, duration_minutes,
		        commit_count, insertions, deletions, files_changed,
		        score, recommendation, prompt_snippet, prompt_style, evaluated_at
		 FROM session_evaluations WHERE project_name = ?
		 ORDER BY evaluated_at DESC LIMIT ?`, project, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query evaluations: %w", err)
	}
	defer rows.Close()

	var out []models.Evaluation
	for rows.Next() {
		ev, err := scanEvaluation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvaluation(row rowScanner) (*models.Evaluation, error) {
	var ev models.Evaluation
	var started, stopped, evaluated, rec, style string
	var snippet sql.NullString
	err := row.Scan(&ev.SessionID, &ev.Project, &started, &stopped, &ev.DurationMinutes,
		&ev.Progress.CommitCount, &ev.Progress.Insertions, &ev.Progress.Deletions,
		&ev.Progress.FilesChanged,
		&ev.Score, &rec, &snippet, &style, &evaluated)
	if err != nil {
		return nil, err
	}
	ev.StartedAt, _ = time.Parse(time.RFC3339, started)
	ev.StoppedAt, _ = time.Parse(time.RFC3339, stopped)
	ev.EvaluatedAt, _ = time.Parse(time.RFC3339, evaluated)
	ev.Recommendation = models.EvalRecommendation(rec)
	ev.PromptStyle = models.PromptStyle(style)
	ev.PromptSnippet = snippet.String
	return &ev, nil
}
