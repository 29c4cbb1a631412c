// Package notify implements 4-tier notification routing over the SMS
// transport: URGENT sends always, ACTION respects quiet hours and the
// daily budget, SUMMARY batches, DEBUG only logs.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Tiers.
const (
	TierUrgent  = 1
	TierAction  = 2
	TierSummary = 3
	TierDebug   = 4
)

// MaxBatchChars truncates batch payloads so a flush stays one message
// burst; the transport's own chunking handles the rest.
const MaxBatchChars = 1500

// budgetWarnRatio is the utilization at which a once-per-day warning logs.
const budgetWarnRatio = 0.8

// Transport is the raw SMS sender. The core requires nothing else of it;
// it must do its own chunking.
type Transport interface {
	Send(ctx context.Context, text string) error
}

// QuietWindow reports whether a given time is inside operator quiet hours.
type QuietWindow interface {
	Contains(t time.Time) bool
}

// Config holds manager tunables.
type Config struct {
	DailyBudget       int
	BatchInterval     time.Duration
	UrgentBypassQuiet bool
}

// Manager routes notifications. Single-writer: all sends go through
// Notify, which serializes budget accounting under one mutex.
type Manager struct {
	mu sync.Mutex

	transport Transport
	quiet     QuietWindow
	mirror    *SlackMirror
	cfg       Config
	log       *slog.Logger
	now       func() time.Time

	sentToday      int
	budgetDay      string // YYYY-MM-DD of the counter
	warnedDay      string // day the 80% warning was logged
	quietQueue     []string
	batchQueue     []string
	lastBatchFlush time.Time
}

// NewManager creates a Manager. quiet may be nil (no quiet hours); mirror
// may be nil (no Slack mirroring).
func NewManager(transport Transport, quiet QuietWindow, mirror *SlackMirror, cfg Config) *Manager {
	m := &Manager{
		transport: transport,
		quiet:     quiet,
		mirror:    mirror,
		cfg:       cfg,
		log:       slog.With("component", "notify"),
		now:       time.Now,
	}
	m.lastBatchFlush = m.now()
	return m
}

// Notify routes one message at the given tier. Errors from the transport
// are logged, never propagated: a failed send must not break the loop
// that triggered it.
func (m *Manager) Notify(ctx context.Context, tier int, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.rollBudgetDay(now)

	switch tier {
	case TierUrgent:
		if m.inQuiet(now) && !m.cfg.UrgentBypassQuiet {
			m.quietQueue = append(m.quietQueue, text)
			return
		}
		m.sendLocked(ctx, text, true)

	case TierAction:
		if m.inQuiet(now) {
			m.quietQueue = append(m.quietQueue, text)
			return
		}
		if m.sentToday >= m.cfg.DailyBudget {
			m.log.Warn("Daily budget exhausted, downgrading to batch", "budget", m.cfg.DailyBudget)
			m.batchQueue = append(m.batchQueue, text)
			return
		}
		m.sentToday++
		m.warnAtThreshold(now)
		m.sendLocked(ctx, text, true)

	case TierSummary:
		m.batchQueue = append(m.batchQueue, text)

	case TierDebug:
		m.log.Debug("Notification (log-only)", "text", text)

	default:
		m.log.Warn("Unknown notification tier, treating as debug", "tier", tier)
		m.log.Debug("Notification (log-only)", "text", text)
	}
}

// sendLocked transmits text, piggy-backing any queued batch content onto
// the same send. Callers hold the mutex.
func (m *Manager) sendLocked(ctx context.Context, text string, piggyback bool) {
	payload := text
	if piggyback && len(m.batchQueue) > 0 {
		payload = text + "\n\n" + m.drainBatchLocked()
	}
	if err := m.transport.Send(ctx, payload); err != nil {
		m.log.Error("SMS send failed", "error", err)
		return
	}
	m.mirror.Mirror(ctx, payload)
}

// drainBatchLocked joins and truncates the batch queue. Callers hold the
// mutex.
func (m *Manager) drainBatchLocked() string {
	joined := strings.Join(m.batchQueue, "\n")
	m.batchQueue = nil
	m.lastBatchFlush = m.now()
	if len(joined) > MaxBatchChars {
		joined = joined[:MaxBatchChars] + "…"
	}
	return joined
}

// FlushBatchIfDue sends queued summaries when the batch interval has
// elapsed. Called from the scan tick.
func (m *Manager) FlushBatchIfDue(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.batchQueue) == 0 || m.now().Sub(m.lastBatchFlush) < m.cfg.BatchInterval {
		return
	}
	if m.inQuiet(m.now()) {
		return // summaries can wait out quiet hours
	}
	payload := m.drainBatchLocked()
	if err := m.transport.Send(ctx, payload); err != nil {
		m.log.Error("Batch flush failed", "error", err)
		return
	}
	m.mirror.Mirror(ctx, payload)
}

// ReleaseQuietQueue sends everything queued during quiet hours. Called
// when the quiet window ends.
func (m *Manager) ReleaseQuietQueue(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.quietQueue) == 0 || m.inQuiet(m.now()) {
		return
	}
	queued := m.quietQueue
	m.quietQueue = nil
	payload := strings.Join(queued, "\n\n")
	if err := m.transport.Send(ctx, payload); err != nil {
		m.log.Error("Quiet queue release failed", "error", err)
		return
	}
	m.mirror.Mirror(ctx, payload)
}

// Status returns budget utilization for the status API.
func (m *Manager) Status() (sent, budget, batchQueued, quietQueued int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollBudgetDay(m.now())
	return m.sentToday, m.cfg.DailyBudget, len(m.batchQueue), len(m.quietQueue)
}

func (m *Manager) inQuiet(t time.Time) bool {
	return m.quiet != nil && m.quiet.Contains(t)
}

// rollBudgetDay resets the counter when the local date changes.
func (m *Manager) rollBudgetDay(now time.Time) {
	day := now.Format("2006-01-02")
	if day != m.budgetDay {
		m.budgetDay = day
		m.sentToday = 0
	}
}

// warnAtThreshold logs the 80% utilization warning once per day.
func (m *Manager) warnAtThreshold(now time.Time) {
	day := now.Format("2006-01-02")
	if m.warnedDay == day {
		return
	}
	if float64(m.sentToday) >= budgetWarnRatio*float64(m.cfg.DailyBudget) {
		m.warnedDay = day
		m.log.Warn(fmt.Sprintf("Notification budget at %d/%d for today",
			m.sentToday, m.cfg.DailyBudget))
	}
}
