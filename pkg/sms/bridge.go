package sms

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// sendChunkLimit keeps individual messages inside carrier limits.
const sendChunkLimit = 1500

// sendSettleDelay is the pause after a send while the outbound row lands
// in the chat database, so the poller does not echo our own reply.
const sendSettleDelay = 2 * time.Second

// ChatDBReader reads inbound messages from the local chat SQLite database.
// The file is opened read-only; the messaging app remains the sole writer.
type ChatDBReader struct {
	db *sql.DB
}

// OpenChatDB opens the chat database read-only. A permissions failure maps
// to ErrPermissionDenied so main can exit with remediation.
func OpenChatDB(path string) (*ChatDBReader, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to stat chat database: %w", err)
	}
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open chat database: %w", err)
	}
	// A stat can pass while the actual read is blocked by the OS privacy
	// layer; probe with a real query.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		if strings.Contains(err.Error(), "permission") || strings.Contains(err.Error(), "not authorized") {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to ping chat database: %w", err)
	}
	return &ChatDBReader{db: db}, nil
}

// Close closes the database handle.
func (r *ChatDBReader) Close() error {
	return r.db.Close()
}

// LatestRowID returns the newest message ROWID, or 0 for an empty table.
func (r *ChatDBReader) LatestRowID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	err := r.db.QueryRowContext(ctx, `SELECT MAX(ROWID) FROM message`).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to read latest row id: %w", err)
	}
	return id.Int64, nil
}

// NewMessages returns inbound (not from-me) messages after since.
func (r *ChatDBReader) NewMessages(ctx context.Context, since int64) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT ROWID, COALESCE(text, '') FROM message
		 WHERE ROWID > ? AND is_from_me = 0 AND text IS NOT NULL
		 ORDER BY ROWID ASC`, since)
	if err != nil {
		return nil, fmt.Errorf("failed to query new messages: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.RowID, &m.Text); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// BridgeSender sends outbound messages by invoking the configured OS
// scripting bridge with the recipient and text as arguments.
type BridgeSender struct {
	command   string
	recipient string
	log       *slog.Logger
	sleep     func(time.Duration)
}

// NewBridgeSender creates a BridgeSender.
func NewBridgeSender(command, recipient string) *BridgeSender {
	return &BridgeSender{
		command:   command,
		recipient: recipient,
		log:       slog.With("component", "sms-bridge"),
		sleep:     time.Sleep,
	}
}

// Send transmits text, chunking long payloads. After each chunk it pauses
// briefly so the outbound row appears in the chat database before the
// next poll.
func (s *BridgeSender) Send(ctx context.Context, text string) error {
	for _, chunk := range chunkText(text, sendChunkLimit) {
		cmd := exec.CommandContext(ctx, s.command, s.recipient, chunk)
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("send bridge failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		s.sleep(sendSettleDelay)
	}
	return nil
}

// chunkText splits text into limit-sized pieces at line boundaries where
// possible.
func chunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var chunks []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}
