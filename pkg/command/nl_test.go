package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newBareNLHandler() *NLHandler {
	return NewNLHandler(nil, nil, nil, nil)
}

func TestExtractReminderStripsMarker(t *testing.T) {
	h := newBareNLHandler()
	reply := `Sure, I'll remind you. REMINDER_JSON:{"text":"check certs","fireAt":"2026-03-02T09:00:00Z"} Anything else?`

	got := h.extractReminder(context.Background(), reply)
	assert.NotContains(t, got, "REMINDER_JSON")
	assert.NotContains(t, got, "fireAt")
	assert.Contains(t, got, "Sure, I'll remind you.")
	assert.Contains(t, got, "Anything else?")
}

func TestExtractReminderNoMarkerPassthrough(t *testing.T) {
	h := newBareNLHandler()
	reply := "All three projects are idle."
	assert.Equal(t, reply, h.extractReminder(context.Background(), reply))
}

func TestExtractReminderBadPayload(t *testing.T) {
	h := newBareNLHandler()
	reply := "Okay. REMINDER_JSON: not json at all"
	got := h.extractReminder(context.Background(), reply)
	assert.NotContains(t, got, "REMINDER_JSON")
}

func TestExtractReminderBadTimestamp(t *testing.T) {
	h := newBareNLHandler()
	reply := `Done. REMINDER_JSON:{"text":"x","fireAt":"tomorrow-ish"}`
	got := h.extractReminder(context.Background(), reply)
	assert.NotContains(t, got, "REMINDER_JSON")
}

func TestBuildPromptMentionsMarkerProtocol(t *testing.T) {
	h := newBareNLHandler()
	p := h.buildPrompt(context.Background(), "remind me to stretch at 3pm")
	assert.Contains(t, p, reminderMarker)
	assert.Contains(t, p, "remind me to stretch")
	assert.Contains(t, p, "Assistant:")
}

func TestParseReminderInHours(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	text, fireAt, err := parseReminder("rotate the logs in 2h", now)
	assert.NoError(t, err)
	assert.Equal(t, "rotate the logs", text)
	assert.Equal(t, now.Add(2*time.Hour), fireAt)
}
