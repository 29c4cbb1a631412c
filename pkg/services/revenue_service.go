package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsloop/orchd/pkg/models"
)

// RevenueService stores timestamped revenue readings. A nil value marks the
// source unreachable, which is distinct from a genuine zero.
type RevenueService struct {
	db *sql.DB
}

// NewRevenueService creates a RevenueService.
func NewRevenueService(db *sql.DB) *RevenueService {
	return &RevenueService{db: db}
}

// Insert records one reading.
func (s *RevenueService) Insert(ctx context.Context, snap models.RevenueSnapshot) error {
	if snap.Source == "" {
		return NewValidationError("source", "required")
	}
	var value any
	if snap.Value != nil {
		value = *snap.Value
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO revenue_snapshots (source, captured_at, value_atomic, metadata)
		 VALUES (?, ?, ?, ?)`,
		snap.Source, snap.CapturedAt.UTC().Format(time.RFC3339), value, snap.Metadata)
	if err != nil {
		return fmt.Errorf("failed to insert revenue snapshot: %w", err)
	}
	return nil
}

// Latest returns the newest reading per source.
func (s *RevenueService) Latest(ctx context.Context) ([]models.RevenueSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT r.source, r.captured_at, r.value_atomic, COALESCE(r.metadata, '')
		 FROM revenue_snapshots r
		 JOIN (SELECT source, MAX(captured_at) AS latest
		       FROM revenue_snapshots GROUP BY source) m
		   ON r.source = m.source AND r.captured_at = m.latest`)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest revenue: %w", err)
	}
	defer rows.Close()
	return scanRevenue(rows)
}

// Since returns all readings captured at or after cutoff, oldest first.
// The weekly digest aggregates from this.
func (s *RevenueService) Since(ctx context.Context, cutoff time.Time) ([]models.RevenueSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT source, captured_at, value_atomic, COALESCE(metadata, '')
		 FROM revenue_snapshots WHERE captured_at >= ?
		 ORDER BY captured_at ASC`, cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query revenue since cutoff: %w", err)
	}
	defer rows.Close()
	return scanRevenue(rows)
}

func scanRevenue(rows *sql.Rows) ([]models.RevenueSnapshot, error) {
	var out []models.RevenueSnapshot
	for rows.Next() {
		var snap models.RevenueSnapshot
		var captured string
		var value sql.NullInt64
		if err := rows.Scan(&snap.Source, &captured, &value, &snap.Metadata); err != nil {
			return nil, fmt.Errorf("failed to scan revenue snapshot: %w", err)
		}
		snap.CapturedAt, _ = time.Parse(time.RFC3339, captured)
		if value.Valid {
			v := value.Int64
			snap.Value = &v
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
