package supervisor

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/statefile"
)

// timeoutTailLines is how much scrollback a timed-out session's
// notification carries.
const timeoutTailLines = 5

// ScanTick runs one pass of the 60-second scan: project refresh, signal
// handling, ended-session and timeout detection, health checks, revenue
// sampling, reminders, and queue maintenance. Every step logs its own
// failures; nothing propagates out.
func (s *Supervisor) ScanTick(ctx context.Context) {
	s.mu.Lock()
	s.scanCount++
	count := s.scanCount
	s.mu.Unlock()

	for _, name := range s.deps.Registry.Refresh(ctx) {
		if snap, ok := s.deps.Registry.Snapshot(name); ok {
			s.deps.Notifier.Notify(ctx, notify.TierAction,
				fmt.Sprintf("%s needs attention: %s", name, snap.AttentionWhy))
		}
	}

	s.syncSessionLiveness(ctx)

	for _, name := range s.deps.Registry.Names() {
		s.handleSignals(ctx, name, s.deps.Registry.Dir(name))
	}

	s.detectEndedSessions(ctx)
	s.checkSessionTimeouts(ctx)

	s.deps.Health.CheckAll(ctx)

	if s.cfg.Revenue.Enabled && s.revenueInterval() > 0 && count%s.revenueInterval() == 0 {
		s.collectRevenue(ctx)
	}

	if s.cfg.Reminders.Enabled && s.deps.Reminders != nil {
		s.fireDueReminders(ctx)
	}

	if s.deps.Conversation != nil {
		if err := s.deps.Conversation.Prune(ctx); err != nil {
			s.log.Warn("Conversation prune failed", "error", err)
		}
	}

	s.deps.Notifier.ReleaseQuietQueue(ctx)
	s.deps.Notifier.FlushBatchIfDue(ctx)

	now := s.now()
	_ = s.deps.State.WithState(func(st *statefile.State) error {
		st.LastScan = now
		return nil
	})
}

func (s *Supervisor) revenueInterval() int {
	if s.cfg.Revenue.CollectionIntervalScans > 0 {
		return s.cfg.Revenue.CollectionIntervalScans
	}
	return 0
}

func (s *Supervisor) syncSessionLiveness(ctx context.Context) {
	for _, name := range s.deps.Registry.Names() {
		live, err := s.deps.Sessions.Live(ctx, name)
		if err != nil {
			continue
		}
		s.deps.Registry.SetSessionLive(name, live)
	}
}

// handleSignals consumes any sidecar signal files the agent wrote.
// needs-input pages the operator and waits for a reply command; completed
// and error end the session and trigger an evaluation.
func (s *Supervisor) handleSignals(ctx context.Context, name, dir string) {
	for _, sig := range projects.DetectSignals(dir, name) {
		switch sig.Kind {
		case models.SignalNeedsInput:
			detail := payloadField(sig.Payload, "question")
			if detail == "" {
				detail = "the agent is waiting for input"
			}
			s.deps.Notifier.Notify(ctx, notify.TierAction,
				fmt.Sprintf("%s needs input: %s (reply %s <answer>)", name, detail, name))
			// Archived once notified so the next tick does not page again.
			if err := projects.ArchiveSignal(dir, sig.Kind, s.now()); err != nil {
				s.log.Warn("Could not archive signal", "project", name, "error", err)
			}

		case models.SignalCompleted:
			s.endSession(ctx, name, dir, sig, "")

		case models.SignalError:
			s.deps.Executor.RecordErrorRetry(name)
			detail := payloadField(sig.Payload, "error")
			s.endSession(ctx, name, dir, sig,
				fmt.Sprintf("%s reported an error: %s", name, detail))
		}
	}
}

// endSession evaluates while the pane is still capturable, then stops the
// window, archives the signal, and resets the retry counter on success.
func (s *Supervisor) endSession(ctx context.Context, name, dir string, sig models.Signal, alert string) {
	if s.deps.Evaluator != nil {
		if _, err := s.deps.Evaluator.Evaluate(ctx, name, dir); err != nil {
			s.log.Warn("Evaluation failed", "project", name, "error", err)
		}
	}
	if err := s.deps.Sessions.Stop(ctx, name, dir); err != nil {
		s.log.Warn("Could not stop session", "project", name, "error", err)
	}
	s.deps.Registry.SetSessionLive(name, false)
	if err := projects.ArchiveSignal(dir, sig.Kind, s.now()); err != nil {
		s.log.Warn("Could not archive signal", "project", name, "error", err)
	}
	if sig.Kind == models.SignalCompleted {
		s.deps.Executor.ResetErrorRetries(name)
	}
	if alert != "" {
		s.deps.Notifier.Notify(ctx, notify.TierAction, alert)
	}
}

// detectEndedSessions catches windows that vanished without a signal.
func (s *Supervisor) detectEndedSessions(ctx context.Context) {
	for _, name := range s.deps.Registry.Names() {
		dir := s.deps.Registry.Dir(name)
		meta, err := s.deps.Sessions.Meta(dir)
		if err != nil || meta.Ended {
			continue
		}
		live, err := s.deps.Sessions.Live(ctx, name)
		if err != nil || live {
			continue
		}
		s.log.Info("Session window vanished", "project", name)
		s.deps.Sessions.MarkEnded(dir, "")
		s.deps.Registry.SetSessionLive(name, false)
		s.enqueueEval(name)
	}
}

// checkSessionTimeouts stops sessions older than the configured maximum,
// notifying with the last lines of output.
func (s *Supervisor) checkSessionTimeouts(ctx context.Context) {
	expired, err := s.deps.Sessions.Expired(ctx, s.deps.Registry)
	if err != nil {
		s.log.Warn("Timeout check failed", "error", err)
		return
	}
	maxMin := time.Duration(s.cfg.AI.MaxSessionDurMs) * time.Millisecond / time.Minute
	for _, meta := range expired {
		dir := s.deps.Registry.Dir(meta.Project)
		tail, _ := s.deps.Sessions.CaptureTail(ctx, meta.Project, timeoutTailLines)
		s.deps.Sessions.MarkEnded(dir, tail)
		if err := s.deps.Sessions.Stop(ctx, meta.Project, dir); err != nil {
			s.log.Warn("Could not stop timed-out session", "project", meta.Project, "error", err)
		}
		s.deps.Registry.SetSessionLive(meta.Project, false)
		s.deps.Notifier.Notify(ctx, notify.TierAction,
			fmt.Sprintf("Session %s timed out after %dmin. Last output: %s",
				meta.Project, maxMin, clip(tail, 300)))
		s.enqueueEval(meta.Project)
	}
}

// collectRevenue shells out to each source's reader command. A source
// that fails or prints garbage records a nil value: unreachable is
// distinct from zero.
func (s *Supervisor) collectRevenue(ctx context.Context) {
	if s.deps.Revenue == nil {
		return
	}
	for _, src := range s.cfg.Revenue.Sources {
		snap := models.RevenueSnapshot{Source: src.Name, CapturedAt: s.now()}
		out, err := s.runCmd(ctx, "/bin/sh", "-c", src.Command)
		if err != nil {
			s.log.Warn("Revenue source unreachable", "source", src.Name, "error", err)
		} else if v, perr := strconv.ParseInt(strings.TrimSpace(string(out)), 10, 64); perr == nil {
			snap.Value = &v
		} else {
			s.log.Warn("Revenue source printed a non-numeric value", "source", src.Name)
		}
		if err := s.deps.Revenue.Insert(ctx, snap); err != nil {
			s.log.Warn("Could not store revenue snapshot", "source", src.Name, "error", err)
		}
	}
}

// fireDueReminders sends each due reminder at tier 1 and marks it fired.
// The operator asked for the time explicitly, so quiet hours do not apply.
func (s *Supervisor) fireDueReminders(ctx context.Context) {
	due, err := s.deps.Reminders.Due(ctx, s.now())
	if err != nil {
		s.log.Warn("Reminder query failed", "error", err)
		return
	}
	for _, r := range due {
		s.deps.Notifier.Notify(ctx, notify.TierUrgent, "Reminder: "+r.Text)
		if err := s.deps.Reminders.MarkFired(ctx, r.ID); err != nil {
			s.log.Error("Could not mark reminder fired", "id", r.ID, "error", err)
		}
	}
}

func payloadField(payload map[string]any, key string) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload[key]; ok {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "…"
}

func runShell(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}
