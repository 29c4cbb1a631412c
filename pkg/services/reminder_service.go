package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Reminder is one row of the reminders table.
type Reminder struct {
	ID        int64     `json:"id"`
	Text      string    `json:"text"`
	FireAt    time.Time `json:"fireAt"`
	CreatedAt time.Time `json:"createdAt"`
	Fired     bool      `json:"fired"`
	SMSText   string    `json:"smsText,omitempty"`
}

// ReminderService manages DB-backed reminders. Firing is polled: the scan
// tick asks for due rows and marks them fired after routing.
type ReminderService struct {
	db *sql.DB
}

// NewReminderService creates a ReminderService.
func NewReminderService(db *sql.DB) *ReminderService {
	return &ReminderService{db: db}
}

// Set inserts a reminder and returns its id. Past fire times are accepted;
// they fire on the next tick.
func (s *ReminderService) Set(ctx context.Context, text string, fireAt time.Time) (int64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, NewValidationError("text", "required")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminders (text, fire_at, created_at, fired) VALUES (?, ?, ?, 0)`,
		text, fireAt.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return 0, fmt.Errorf("failed to insert reminder: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read reminder id: %w", err)
	}
	return id, nil
}

// ListPending returns unfired reminders ordered by fire time.
func (s *ReminderService) ListPending(ctx context.Context) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, fire_at, created_at, fired FROM reminders
		 WHERE fired = 0 ORDER BY fire_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// Due returns unfired reminders whose fire time is at or before now.
func (s *ReminderService) Due(ctx context.Context, now time.Time) ([]Reminder, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text, fire_at, created_at, fired FROM reminders
		 WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at ASC`,
		now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("failed to query due reminders: %w", err)
	}
	defer rows.Close()
	return scanReminders(rows)
}

// MarkFired sets fired=1. Idempotent: already-fired rows are unaffected.
func (s *ReminderService) MarkFired(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx,
		`UPDATE reminders SET fired = 1 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to mark reminder fired: %w", err)
	}
	return nil
}

// CancelByText cancels the first pending reminder whose text contains the
// query (case-insensitive). Returns the cancelled reminder.
func (s *ReminderService) CancelByText(ctx context.Context, query string) (*Reminder, error) {
	q := strings.TrimSpace(strings.ToLower(query))
	if q == "" {
		return nil, NewValidationError("query", "required")
	}
	pending, err := s.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	for i := range pending {
		if strings.Contains(strings.ToLower(pending[i].Text), q) {
			if _, err := s.db.ExecContext(ctx,
				`DELETE FROM reminders WHERE id = ? AND fired = 0`, pending[i].ID); err != nil {
				return nil, fmt.Errorf("failed to cancel reminder: %w", err)
			}
			return &pending[i], nil
		}
	}
	return nil, fmt.Errorf("%w: no pending reminder matches %q", ErrNotFound, query)
}

func scanReminders(rows *sql.Rows) ([]Reminder, error) {
	var out []Reminder
	for rows.Next() {
		var r Reminder
		var fireAt, createdAt string
		var fired int
		if err := rows.Scan(&r.ID, &r.Text, &fireAt, &createdAt, &fired); err != nil {
			return nil, fmt.Errorf("failed to scan reminder: %w", err)
		}
		r.FireAt, _ = time.Parse(time.RFC3339, fireAt)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		r.Fired = fired == 1
		out = append(out, r)
	}
	return out, rows.Err()
}
