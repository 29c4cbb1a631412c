// Package sms defines the SMS transport boundary: reading inbound
// operator messages from the local chat database and sending replies via
// an OS-level scripting bridge. The core requires nothing beyond this
// contract.
package sms

import (
	"context"
	"errors"
)

// Message is one inbound row from the chat database.
type Message struct {
	RowID int64
	Text  string
}

// Reader reads inbound messages. Implementations poll the newest rows
// since a row id the caller tracks.
type Reader interface {
	// LatestRowID returns the current high-water mark, used at boot so
	// old messages are not replayed.
	LatestRowID(ctx context.Context) (int64, error)

	// NewMessages returns inbound messages with ROWID > since, oldest
	// first.
	NewMessages(ctx context.Context, since int64) ([]Message, error)
}

// Sender transmits one outbound message. Implementations own chunking.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// ErrPermissionDenied indicates the chat database cannot be read. This is
// the one fatal startup error: the daemon exits 1 with remediation text.
var ErrPermissionDenied = errors.New("chat database access denied")
