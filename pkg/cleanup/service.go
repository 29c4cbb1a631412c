// Package cleanup enforces database retention. The hot working set lives
// in the JSON state file with hard caps; the sqlite tables grow without
// bound unless something trims them, and this is that something.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"
)

// Retention windows. Evaluations feed long-horizon pattern analysis so
// they are kept the longest; revenue readings only matter for trend
// digests, and fired reminders are pure audit residue.
const (
	EvaluationRetention = 180 * 24 * time.Hour
	RevenueRetention    = 90 * 24 * time.Hour
	ReminderRetention   = 30 * 24 * time.Hour
)

// Service deletes rows past their retention window. Every operation is
// idempotent; running twice deletes nothing extra.
type Service struct {
	db  *sql.DB
	now func() time.Time
	log *slog.Logger
}

// NewService creates a retention service.
func NewService(db *sql.DB) *Service {
	return &Service{
		db:  db,
		now: time.Now,
		log: slog.With("component", "cleanup"),
	}
}

// RunOnce applies every retention policy and returns the first error.
// Partial progress stands; a failed policy does not undo the others.
func (s *Service) RunOnce(ctx context.Context) error {
	evals, err := s.prune(ctx,
		`DELETE FROM session_evaluations WHERE evaluated_at < ?`,
		s.cutoff(EvaluationRetention))
	if err != nil {
		return fmt.Errorf("evaluation retention: %w", err)
	}

	revenue, err := s.prune(ctx,
		`DELETE FROM revenue_snapshots WHERE captured_at < ?`,
		s.cutoff(RevenueRetention))
	if err != nil {
		return fmt.Errorf("revenue retention: %w", err)
	}

	fired, err := s.prune(ctx,
		`DELETE FROM reminders WHERE fired = 1 AND fire_at < ?`,
		s.cutoff(ReminderRetention))
	if err != nil {
		return fmt.Errorf("reminder retention: %w", err)
	}

	if evals+revenue+fired > 0 {
		s.log.Info("Retention pass complete",
			"evaluations", evals, "revenue", revenue, "reminders", fired)
	}
	return nil
}

func (s *Service) cutoff(window time.Duration) string {
	return s.now().Add(-window).UTC().Format(time.RFC3339)
}

func (s *Service) prune(ctx context.Context, query, cutoff string) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}
