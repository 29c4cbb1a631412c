package services

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/opsloop/orchd/pkg/masking"
)

// Conversation retention policy.
const (
	ConversationTTL      = 7 * 24 * time.Hour
	ConversationMaxCount = 100
)

// ConversationEntry is one turn of operator/assistant memory.
type ConversationEntry struct {
	ID        int64     `json:"id"`
	Role      string    `json:"role"` // user, assistant, system
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ConversationService stores short-term conversation memory. Every text is
// passed through the masking service before it touches disk, so credential
// substrings are stored redacted.
type ConversationService struct {
	db     *sql.DB
	masker *masking.Service
}

// NewConversationService creates a ConversationService.
func NewConversationService(db *sql.DB, masker *masking.Service) *ConversationService {
	return &ConversationService{db: db, masker: masker}
}

// Push appends one turn, redacting credentials first.
func (s *ConversationService) Push(ctx context.Context, role, text string) error {
	switch role {
	case "user", "assistant", "system":
	default:
		return NewValidationError("role", "must be user, assistant, or system")
	}
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (role, text, ts, created_at) VALUES (?, ?, ?, ?)`,
		role, s.masker.Redact(text), now.UnixMilli(), now.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("failed to store conversation entry: %w", err)
	}
	return nil
}

// Recent returns the newest n entries in chronological order.
func (s *ConversationService) Recent(ctx context.Context, n int) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, ts FROM conversations ORDER BY ts DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation memory: %w", err)
	}
	defer rows.Close()

	entries, err := scanConversations(rows)
	if err != nil {
		return nil, err
	}
	// Reverse into chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Search does a fixed LIKE match over stored turns. Semantic retrieval is
// deliberately not attempted until enough evaluations accumulate to judge
// whether it would pay off.
func (s *ConversationService) Search(ctx context.Context, query string, limit int) ([]ConversationEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, role, text, ts FROM conversations
		 WHERE text LIKE ? ORDER BY ts DESC LIMIT ?`,
		"%"+query+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search conversation memory: %w", err)
	}
	defer rows.Close()
	return scanConversations(rows)
}

// Prune enforces the TTL and the count cap. Called opportunistically from
// the scan tick.
func (s *ConversationService) Prune(ctx context.Context) error {
	cutoff := time.Now().Add(-ConversationTTL).UnixMilli()
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE ts < ?`, cutoff); err != nil {
		return fmt.Errorf("failed to prune conversation TTL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM conversations WHERE id NOT IN (
		   SELECT id FROM conversations ORDER BY ts DESC LIMIT ?)`,
		ConversationMaxCount); err != nil {
		return fmt.Errorf("failed to prune conversation cap: %w", err)
	}
	return nil
}

func scanConversations(rows *sql.Rows) ([]ConversationEntry, error) {
	var out []ConversationEntry
	for rows.Next() {
		var e ConversationEntry
		var ts int64
		if err := rows.Scan(&e.ID, &e.Role, &e.Text, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan conversation entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}
