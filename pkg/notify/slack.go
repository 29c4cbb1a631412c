package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// SlackMirror copies outbound operator notifications to a Slack channel
// for desk-side visibility. SMS remains the primary channel; mirroring is
// best-effort and fail-open.
//
// Nil-safe: all methods are no-ops when the mirror is nil.
type SlackMirror struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// NewSlackMirror creates a mirror. Returns nil if token or channel is
// empty, which disables mirroring throughout.
func NewSlackMirror(token, channel string) *SlackMirror {
	if token == "" || channel == "" {
		return nil
	}
	return &SlackMirror{
		client:  slack.New(token),
		channel: channel,
		logger:  slog.With("component", "slack-mirror"),
	}
}

// Mirror posts text to the channel. Errors are logged, never returned.
func (s *SlackMirror) Mirror(ctx context.Context, text string) {
	if s == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, _, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Warn("Failed to mirror notification to Slack", "error", err)
	}
}
