// Package health watches the co-resident services declared in config and
// owns the alert and auto-restart policy around them. One checkAll pass
// runs per supervisor scan tick; each service fires only when its own
// interval has elapsed.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/statefile"
)

const (
	// restartWindow is the sliding window for the restart budget.
	restartWindow = time.Hour

	// verifyDelay is how long after a restart the follow-up check runs.
	verifyDelay = 30 * time.Second
)

// Notifier is the slice of the notification manager the monitor needs.
type Notifier interface {
	Notify(ctx context.Context, tier int, text string)
}

// Monitor runs the health check cycle.
type Monitor struct {
	cfg      config.HealthConfig
	notifier Notifier
	state    *statefile.Store
	autonomy func() models.AutonomyLevel

	mu        sync.Mutex
	lastCheck map[string]time.Time
	fails     map[string]int
	results   map[string]models.HealthResult

	httpClient  *http.Client
	runCmd      commandRunner
	probe       func(ctx context.Context, svc config.ServiceConfig) (models.ServiceStatus, string)
	now         func() time.Time
	verifyAfter func(d time.Duration, fn func())
	log         *slog.Logger
}

// NewMonitor creates a monitor. autonomy is sampled at restart-gate time
// so runtime level changes apply immediately.
func NewMonitor(cfg config.HealthConfig, notifier Notifier, state *statefile.Store, autonomy func() models.AutonomyLevel) *Monitor {
	m := &Monitor{
		cfg:        cfg,
		notifier:   notifier,
		state:      state,
		autonomy:   autonomy,
		lastCheck:  make(map[string]time.Time),
		fails:      make(map[string]int),
		results:    make(map[string]models.HealthResult),
		httpClient: &http.Client{},
		runCmd:     runCommand,
		now:        time.Now,
		verifyAfter: func(d time.Duration, fn func()) {
			time.AfterFunc(d, fn)
		},
		log: slog.With("component", "health"),
	}
	m.probe = m.checkService
	return m
}

// CheckAll runs every due check, applies alert gating, and attempts
// restarts where the gate allows. HTTP and TCP probes run in parallel;
// process and container probes run sequentially.
func (m *Monitor) CheckAll(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}

	due := m.dueServices()
	if len(due) == 0 {
		return
	}

	statuses := make(map[string]models.ServiceStatus, len(due))
	errs := make(map[string]string, len(due))
	latencies := make(map[string]time.Duration, len(due))
	var statusMu sync.Mutex

	record := func(svc config.ServiceConfig, status models.ServiceStatus, why string, lat time.Duration) {
		statusMu.Lock()
		defer statusMu.Unlock()
		statuses[svc.Name] = status
		errs[svc.Name] = why
		latencies[svc.Name] = lat
	}

	var wg sync.WaitGroup
	for _, svc := range due {
		switch svc.Type {
		case TypeHTTP, TypeTCP:
			wg.Add(1)
			go func(svc config.ServiceConfig) {
				defer wg.Done()
				start := m.now()
				status, why := m.probe(ctx, svc)
				record(svc, status, why, m.now().Sub(start))
			}(svc)
		}
	}
	wg.Wait()
	for _, svc := range due {
		switch svc.Type {
		case TypeProcess, TypeDocker:
			start := m.now()
			status, why := m.probe(ctx, svc)
			record(svc, status, why, m.now().Sub(start))
		}
	}

	downCount := 0
	for _, status := range statuses {
		if status == models.StatusDown {
			downCount++
		}
	}
	correlated := m.cfg.CorrelatedFailureThreshold > 0 && downCount >= m.cfg.CorrelatedFailureThreshold
	if correlated {
		var downNames []string
		for name, status := range statuses {
			if status == models.StatusDown {
				downNames = append(downNames, name)
			}
		}
		m.log.Warn("Correlated failure detected", "down", downNames)
		m.notifier.Notify(ctx, notify.TierUrgent,
			fmt.Sprintf("INFRASTRUCTURE EVENT: %d services down at once: %s. Holding all restarts.",
				downCount, strings.Join(downNames, ", ")))
	}

	for _, svc := range due {
		m.applyResult(ctx, svc, statuses[svc.Name], errs[svc.Name], latencies[svc.Name], correlated)
	}
}

// Results returns the latest result per service.
func (m *Monitor) Results() []models.HealthResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.HealthResult, 0, len(m.results))
	for _, svc := range m.cfg.Services {
		if r, ok := m.results[svc.Name]; ok {
			out = append(out, r)
		}
	}
	return out
}

func (m *Monitor) dueServices() []config.ServiceConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var due []config.ServiceConfig
	for _, svc := range m.cfg.Services {
		interval := time.Duration(svc.IntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = time.Minute
		}
		if last, ok := m.lastCheck[svc.Name]; ok && now.Sub(last) < interval {
			continue
		}
		m.lastCheck[svc.Name] = now
		due = append(due, svc)
	}
	return due
}

// applyResult updates the consecutive-fail counter and drives the alert
// and restart policy for one service.
func (m *Monitor) applyResult(ctx context.Context, svc config.ServiceConfig, status models.ServiceStatus, why string, latency time.Duration, correlated bool) {
	m.mu.Lock()
	if status == models.StatusUp {
		if m.fails[svc.Name] > 0 {
			m.log.Info("Service recovered", "service", svc.Name, "after_fails", m.fails[svc.Name])
		}
		m.fails[svc.Name] = 0
	} else {
		m.fails[svc.Name]++
	}
	fails := m.fails[svc.Name]
	m.results[svc.Name] = models.HealthResult{
		Service:          svc.Name,
		Status:           status,
		Latency:          latency,
		Error:            why,
		ConsecutiveFails: fails,
		CheckedAt:        m.now(),
	}
	m.mu.Unlock()

	if status == models.StatusUp {
		return
	}
	m.log.Warn("Service check failed", "service", svc.Name, "consecutive", fails, "error", why)

	// The alert fires exactly once, at the crossing. Later failures stay
	// quiet until a recovery resets the counter.
	if fails != m.cfg.ConsecutiveFailsBeforeAlert {
		return
	}

	if correlated {
		return
	}

	m.notifier.Notify(ctx, notify.TierUrgent,
		fmt.Sprintf("SERVICE DOWN: %s (%d consecutive failures): %s", svc.Name, fails, why))
	_ = m.state.AppendAlert(statefile.AlertRecord{
		Service:   svc.Name,
		Message:   why,
		Timestamp: m.now(),
	})

	m.maybeRestart(ctx, svc)
}

// maybeRestart applies the auto-restart gate and, when it passes, issues
// the restart and schedules the deferred verification.
func (m *Monitor) maybeRestart(ctx context.Context, svc config.ServiceConfig) {
	level := m.autonomy()
	if !level.AtLeast(models.AutonomyModerate) {
		m.log.Info("Restart suppressed by autonomy level", "service", svc.Name, "level", level)
		return
	}

	budget := m.cfg.RestartBudget.MaxPerHour
	if used := m.state.RestartsSince(m.now().Add(-restartWindow)); used >= budget {
		m.log.Warn("Restart budget exhausted", "service", svc.Name, "used", used, "budget", budget)
		m.notifier.Notify(ctx, notify.TierUrgent,
			fmt.Sprintf("SERVICE DOWN: %s, restart budget exhausted (%d/hour). Manual intervention needed.", svc.Name, budget))
		return
	}

	if !restartable(svc) {
		return
	}

	if err := m.restart(ctx, svc); err != nil {
		m.log.Error("Restart failed", "service", svc.Name, "error", err)
		m.notifier.Notify(ctx, notify.TierUrgent,
			fmt.Sprintf("Restart of %s failed: %v", svc.Name, err))
		return
	}

	_ = m.state.RecordRestart(m.now())
	m.notifier.Notify(ctx, notify.TierAction, fmt.Sprintf("Auto-restarted %s, verifying in %s", svc.Name, verifyDelay))

	m.verifyAfter(verifyDelay, func() {
		m.verifyRestart(context.Background(), svc)
	})
}

func restartable(svc config.ServiceConfig) bool {
	switch svc.Type {
	case TypeProcess:
		return svc.Label != ""
	case TypeDocker:
		return len(svc.Containers) > 0
	}
	return false
}

func (m *Monitor) restart(ctx context.Context, svc config.ServiceConfig) error {
	switch svc.Type {
	case TypeProcess:
		_, err := m.runCmd(ctx, "launchctl", "kickstart", "-kp", "gui/501/"+svc.Label)
		if err != nil {
			return fmt.Errorf("launchctl kickstart failed: %w", err)
		}
		return nil
	case TypeDocker:
		// One container per budget slot; the rest wait for the next
		// crossing.
		down := m.downContainers(ctx, svc)
		if len(down) == 0 {
			return nil
		}
		if _, err := m.runCmd(ctx, "docker", "restart", down[0]); err != nil {
			return fmt.Errorf("docker restart %s failed: %w", down[0], err)
		}
		return nil
	}
	return fmt.Errorf("service %s is not restartable", svc.Name)
}

// verifyRestart re-checks a service after the restart settle delay.
func (m *Monitor) verifyRestart(ctx context.Context, svc config.ServiceConfig) {
	status, why := m.probe(ctx, svc)
	if status == models.StatusUp {
		m.mu.Lock()
		m.fails[svc.Name] = 0
		m.mu.Unlock()
		m.notifier.Notify(ctx, notify.TierSummary,
			fmt.Sprintf("%s recovered after restart", svc.Name))
		return
	}
	m.notifier.Notify(ctx, notify.TierUrgent,
		fmt.Sprintf("ESCALATION: %s still down after restart: %s", svc.Name, why))
}
