package supervisor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/statefile"
)

// Default schedules for the cron jobs; the morning digest and promotion
// check can be overridden from config.
const (
	defaultMorningCron   = "0 7 * * *"
	eveningCron          = "45 21 * * *"
	weeklyRevenueCron    = "0 7 * * 0"
	defaultPromotionCron = "0 10 * * *"
	retentionCron        = "30 3 * * *"
)

func (s *Supervisor) startCron() {
	s.cron = cron.New()

	morning := defaultMorningCron
	if s.cfg.MorningDigest != nil && s.cfg.MorningDigest.Cron != "" {
		morning = s.cfg.MorningDigest.Cron
	}
	s.addCronJob(morning, func() { s.sendMorningDigest(context.Background()) })
	s.addCronJob(eveningCron, func() { s.sendEveningWindDown(context.Background()) })

	if s.cfg.Revenue.Enabled {
		s.addCronJob(weeklyRevenueCron, func() { s.sendWeeklyRevenue(context.Background()) })
	}
	if s.cfg.Trust.Enabled && s.deps.Trust != nil {
		promotion := defaultPromotionCron
		if s.cfg.Trust.PromotionCheckCron != "" {
			promotion = s.cfg.Trust.PromotionCheckCron
		}
		s.addCronJob(promotion, func() { s.runPromotionCheck(context.Background()) })
	}
	if s.deps.Retention != nil {
		s.addCronJob(retentionCron, func() {
			if err := s.deps.Retention.RunOnce(context.Background()); err != nil {
				s.log.Warn("Retention pass failed", "error", err)
			}
		})
	}

	s.cron.Start()
}

func (s *Supervisor) addCronJob(spec string, fn func()) {
	if _, err := s.cron.AddFunc(spec, fn); err != nil {
		s.log.Error("Invalid cron expression, job skipped", "spec", spec, "error", err)
	}
}

// sendMorningDigest summarizes the fleet at the start of the day.
func (s *Supervisor) sendMorningDigest(ctx context.Context) {
	var b strings.Builder
	b.WriteString("Morning digest\n")

	snaps := s.deps.Registry.Snapshots()
	live := 0
	var attention []string
	for _, p := range snaps {
		if p.SessionLive {
			live++
		}
		if p.NeedsAttention {
			attention = append(attention, fmt.Sprintf("%s (%s)", p.Name, p.AttentionWhy))
		}
	}
	fmt.Fprintf(&b, "%d projects, %d sessions live\n", len(snaps), live)
	if len(attention) > 0 {
		fmt.Fprintf(&b, "Needs attention: %s\n", strings.Join(attention, "; "))
	}

	var down []string
	for _, r := range s.deps.Health.Results() {
		if r.Status == models.StatusDown {
			down = append(down, r.Service)
		}
	}
	if len(down) > 0 {
		fmt.Fprintf(&b, "Services down: %s\n", strings.Join(down, ", "))
	} else {
		b.WriteString("All services up\n")
	}

	if s.deps.Reminders != nil {
		if pending, err := s.deps.Reminders.ListPending(ctx); err == nil && len(pending) > 0 {
			fmt.Fprintf(&b, "%d reminders pending, next: %s at %s\n",
				len(pending), pending[0].Text, pending[0].FireAt.Format("15:04"))
		}
	}

	s.deps.Notifier.Notify(ctx, notify.TierAction, strings.TrimSpace(b.String()))
	now := s.now()
	_ = s.deps.State.WithState(func(st *statefile.State) error {
		st.LastDigest = now
		return nil
	})
}

// sendEveningWindDown is a low-priority end-of-day summary; it rides the
// batch queue rather than paging.
func (s *Supervisor) sendEveningWindDown(ctx context.Context) {
	live, err := s.deps.Sessions.LiveCount(ctx)
	if err != nil {
		live = 0
	}
	sent, budget, _, _ := s.deps.Notifier.Status()
	s.deps.Notifier.Notify(ctx, notify.TierSummary,
		fmt.Sprintf("Wind-down: %d sessions live, %d/%d SMS used today", live, sent, budget))
}

// sendWeeklyRevenue summarizes the last seven days of snapshots.
func (s *Supervisor) sendWeeklyRevenue(ctx context.Context) {
	if s.deps.Revenue == nil {
		return
	}
	snaps, err := s.deps.Revenue.Since(ctx, s.now().Add(-7*24*time.Hour))
	if err != nil {
		s.log.Warn("Weekly revenue query failed", "error", err)
		return
	}
	totals := map[string]int64{}
	unreachable := map[string]bool{}
	for _, snap := range snaps {
		if snap.Value == nil {
			unreachable[snap.Source] = true
			continue
		}
		totals[snap.Source] += *snap.Value
	}
	var parts []string
	for source, total := range totals {
		parts = append(parts, fmt.Sprintf("%s: %d", source, total))
	}
	for source := range unreachable {
		if _, ok := totals[source]; !ok {
			parts = append(parts, source+": unreachable")
		}
	}
	if len(parts) == 0 {
		return
	}
	s.deps.Notifier.Notify(ctx, notify.TierSummary, "Weekly revenue: "+strings.Join(parts, ", "))
}

// runPromotionCheck advances the day counter and relays any promotion
// recommendation. The engine never applies a promotion itself.
func (s *Supervisor) runPromotionCheck(ctx context.Context) {
	level := s.AutonomyLevel()
	if err := s.deps.Trust.TickDay(ctx, level); err != nil {
		s.log.Warn("Trust day tick failed", "error", err)
	}
	rec, err := s.deps.Trust.PromotionRecommendation(ctx, level)
	if err != nil {
		s.log.Warn("Promotion check failed", "error", err)
		return
	}
	if rec != "" {
		s.deps.Notifier.Notify(ctx, notify.TierAction, rec)
	}
}
