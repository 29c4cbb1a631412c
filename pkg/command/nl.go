package command

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opsloop/orchd/pkg/oracle"
	"github.com/opsloop/orchd/pkg/prompt"
	"github.com/opsloop/orchd/pkg/services"
)

// reminderMarker is the literal the oracle emits when the operator asked
// for a reminder in free text.
const reminderMarker = "REMINDER_JSON:"

// nlTimeout bounds the conversational oracle call.
const nlTimeout = 30 * time.Second

// NLHandler answers free-form operator messages via the oracle with a
// compact context and a single turn. It never grants tools.
type NLHandler struct {
	gateway   *oracle.Gateway
	assembler *prompt.Assembler
	conv      *services.ConversationService
	reminders *services.ReminderService
	now       func() time.Time
	log       *slog.Logger
}

// NewNLHandler creates the natural-language handler.
func NewNLHandler(gateway *oracle.Gateway, assembler *prompt.Assembler, conv *services.ConversationService, reminders *services.ReminderService) *NLHandler {
	return &NLHandler{
		gateway:   gateway,
		assembler: assembler,
		conv:      conv,
		reminders: reminders,
		now:       time.Now,
		log:       slog.With("component", "nl"),
	}
}

// Handle answers one free-form message and returns the outbound reply.
func (h *NLHandler) Handle(ctx context.Context, text string) string {
	if h.conv != nil {
		if err := h.conv.Push(ctx, "user", text); err != nil {
			h.log.Warn("Could not store user turn", "error", err)
		}
	}

	p := h.buildPrompt(ctx, text)
	reply, err := h.gateway.QueryText(ctx, p, oracle.Options{
		MaxTurns: 1,
		Model:    oracle.ModelSmall,
		Timeout:  nlTimeout,
	})
	if err != nil {
		h.log.Warn("Conversational oracle call failed", "error", err)
		return "I could not process that right now. Send help for exact commands."
	}

	reply = h.extractReminder(ctx, reply)
	reply = strings.TrimSpace(reply)
	if reply == "" {
		reply = "Done."
	}

	if h.conv != nil {
		if err := h.conv.Push(ctx, "assistant", reply); err != nil {
			h.log.Warn("Could not store assistant turn", "error", err)
		}
	}
	return reply
}

func (h *NLHandler) buildPrompt(ctx context.Context, text string) string {
	var b strings.Builder
	b.WriteString("You are the orchestrator's SMS assistant. Answer briefly, plain text, no markdown.\n")
	b.WriteString("If the user asks for a reminder, include the literal marker ")
	b.WriteString(reminderMarker)
	b.WriteString(`{"text":"...","fireAt":"RFC3339 timestamp"} in your reply.` + "\n\n")
	if h.assembler != nil {
		b.WriteString(h.assembler.CompactContext(ctx))
	}
	fmt.Fprintf(&b, "\nUser: %s\nAssistant:", text)
	return b.String()
}

// reminderPayload is the marker's JSON body.
type reminderPayload struct {
	Text   string `json:"text"`
	FireAt string `json:"fireAt"`
}

// extractReminder finds the marker, registers the reminder, and strips
// the marker and payload from the reply.
func (h *NLHandler) extractReminder(ctx context.Context, reply string) string {
	i := strings.Index(reply, reminderMarker)
	if i < 0 {
		return reply
	}
	rest := reply[i+len(reminderMarker):]
	doc, ok := oracle.ExtractJSON(rest)
	if !ok {
		h.log.Warn("Reminder marker present but payload unparseable")
		return strings.Replace(reply, reminderMarker, "", 1)
	}

	stripped := reply[:i]
	if j := strings.Index(rest, string(doc)); j >= 0 {
		stripped += rest[:j] + rest[j+len(doc):]
	}

	var payload reminderPayload
	if err := json.Unmarshal(doc, &payload); err != nil || payload.Text == "" {
		return stripped
	}
	fireAt, err := time.Parse(time.RFC3339, payload.FireAt)
	if err != nil {
		return stripped
	}

	if h.reminders != nil {
		if _, err := h.reminders.Set(ctx, payload.Text, fireAt); err != nil {
			h.log.Error("Failed to set reminder from conversation", "error", err)
		}
	}
	return stripped
}
