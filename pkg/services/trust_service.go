package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/orchd/pkg/models"
)

// Promotion policy thresholds. The engine computes a recommendation from
// these; it never applies a promotion itself, and observe → cautious is
// never automated.
const (
	PromotionMinSessions    = 20
	PromotionMinAvgScore    = 3.5
	PromotionMinDaysAtLevel = 7
	PromotionMaxFalseAlerts = 2
)

// TrustService maintains the per-autonomy-level performance rows.
type TrustService struct {
	db *sql.DB
}

// NewTrustService creates a TrustService.
func NewTrustService(db *sql.DB) *TrustService {
	return &TrustService{db: db}
}

// ensureRow upserts the level row so increments always have a target.
func (s *TrustService) ensureRow(ctx context.Context, level models.AutonomyLevel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO trust_summary (level, updated_at) VALUES (?, ?)
		 ON CONFLICT(level) DO NOTHING`,
		string(level), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to ensure trust row: %w", err)
	}
	return nil
}

// RecordSessionLaunch counts one launched session at the given level.
func (s *TrustService) RecordSessionLaunch(ctx context.Context, level models.AutonomyLevel) error {
	if err := s.ensureRow(ctx, level); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_summary SET sessions_launched = sessions_launched + 1, updated_at = ?
		 WHERE level = ?`,
		time.Now().UTC().Format(time.RFC3339), string(level))
	if err != nil {
		return fmt.Errorf("failed to record session launch: %w", err)
	}
	return nil
}

// RecordScore folds one evaluation score into the level's running sum.
func (s *TrustService) RecordScore(ctx context.Context, level models.AutonomyLevel, score int) error {
	if err := s.ensureRow(ctx, level); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_summary SET score_sum = score_sum + ?, updated_at = ?
		 WHERE level = ?`,
		score, time.Now().UTC().Format(time.RFC3339), string(level))
	if err != nil {
		return fmt.Errorf("failed to record score: %w", err)
	}
	return nil
}

// RecordErrorRecovery counts one successful recovery action.
func (s *TrustService) RecordErrorRecovery(ctx context.Context, level models.AutonomyLevel) error {
	if err := s.ensureRow(ctx, level); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_summary SET error_recovery_count = error_recovery_count + 1, updated_at = ?
		 WHERE level = ?`,
		time.Now().UTC().Format(time.RFC3339), string(level))
	if err != nil {
		return fmt.Errorf("failed to record error recovery: %w", err)
	}
	return nil
}

// RecordFalseAlert counts one alert the operator judged spurious.
func (s *TrustService) RecordFalseAlert(ctx context.Context, level models.AutonomyLevel) error {
	if err := s.ensureRow(ctx, level); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_summary SET false_alert_count = false_alert_count + 1, updated_at = ?
		 WHERE level = ?`,
		time.Now().UTC().Format(time.RFC3339), string(level))
	if err != nil {
		return fmt.Errorf("failed to record false alert: %w", err)
	}
	return nil
}

// TickDay advances days_at_level by one. Called by the daily promotion
// check job.
func (s *TrustService) TickDay(ctx context.Context, level models.AutonomyLevel) error {
	if err := s.ensureRow(ctx, level); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE trust_summary SET days_at_level = days_at_level + 1, updated_at = ?
		 WHERE level = ?`,
		time.Now().UTC().Format(time.RFC3339), string(level))
	if err != nil {
		return fmt.Errorf("failed to tick trust day: %w", err)
	}
	return nil
}

// Summary returns the row for a level, zeroed if it does not exist yet.
func (s *TrustService) Summary(ctx context.Context, level models.AutonomyLevel) (*models.TrustSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT level, sessions_launched, score_sum, error_recovery_count,
		        false_alert_count, days_at_level
		 FROM trust_summary WHERE level = ?`, string(level))

	var sum models.TrustSummary
	var lvl string
	err := row.Scan(&lvl, &sum.SessionsLaunched, &sum.ScoreSum,
		&sum.ErrorRecoveries, &sum.FalseAlerts, &sum.DaysAtLevel)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.TrustSummary{Level: level}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read trust summary: %w", err)
	}
	sum.Level = models.AutonomyLevel(lvl)
	if sum.SessionsLaunched > 0 {
		sum.AverageScore = sum.ScoreSum / float64(sum.SessionsLaunched)
	}
	return &sum, nil
}

// PromotionRecommendation returns a human-readable recommendation when the
// current level's row clears the promotion bar, or "" when it does not.
// observe → cautious is excluded: that first step is always the operator's.
func (s *TrustService) PromotionRecommendation(ctx context.Context, current models.AutonomyLevel) (string, error) {
	next, ok := nextLevel(current)
	if !ok {
		return "", nil
	}
	if current == models.AutonomyObserve {
		return "", nil
	}
	sum, err := s.Summary(ctx, current)
	if err != nil {
		return "", err
	}
	if sum.SessionsLaunched >= PromotionMinSessions &&
		sum.AverageScore >= PromotionMinAvgScore &&
		sum.DaysAtLevel >= PromotionMinDaysAtLevel &&
		sum.FalseAlerts <= PromotionMaxFalseAlerts {
		return fmt.Sprintf(
			"Trust check: %d sessions at %q averaging %.1f/5 over %d days. Consider promoting to %q (reply 'ai level %s').",
			sum.SessionsLaunched, current, sum.AverageScore, sum.DaysAtLevel, next, next), nil
	}
	return "", nil
}

func nextLevel(l models.AutonomyLevel) (models.AutonomyLevel, bool) {
	switch l {
	case models.AutonomyObserve:
		return models.AutonomyCautious, true
	case models.AutonomyCautious:
		return models.AutonomyModerate, true
	case models.AutonomyModerate:
		return models.AutonomyFull, true
	}
	return "", false
}
