package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/oracle"
)

const (
	// nextThinkMin and nextThinkMax clamp the oracle's cadence override.
	nextThinkMin = time.Minute
	nextThinkMax = 30 * time.Minute

	// parseFailAlertStreak is the consecutive unparseable-output count
	// that pages the operator.
	parseFailAlertStreak = 3
)

func (s *Supervisor) thinkLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		timer := time.NewTimer(s.takeThinkInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		case <-s.thinkTrigger:
			timer.Stop()
		}
		s.Think(ctx)
	}
}

// takeThinkInterval returns the next cycle's wait, consuming any pending
// oracle override exactly once.
func (s *Supervisor) takeThinkInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nextThinkOverride > 0 {
		d := s.nextThinkOverride
		s.nextThinkOverride = 0
		return d
	}
	if s.cfg.AI.ThinkIntervalMs > 0 {
		return time.Duration(s.cfg.AI.ThinkIntervalMs) * time.Millisecond
	}
	return time.Duration(config.DefaultThinkIntervalMs) * time.Millisecond
}

// Think runs one cycle: assemble context, consult the oracle, gate the
// recommendations, dispatch. Skipped while paused, disabled, inside quiet
// hours, or when a cycle is already in flight.
func (s *Supervisor) Think(ctx context.Context) {
	if !s.aiEnabled.Load() || s.paused.Load() {
		return
	}
	if s.deps.Quiet != nil && s.deps.Quiet.Contains(s.now()) {
		s.log.Debug("Think cycle skipped during quiet hours")
		return
	}
	if !s.thinking.CompareAndSwap(false, true) {
		return
	}
	defer s.thinking.Store(false)

	p := s.deps.Assembler.ThinkPrompt(ctx)
	res, err := s.deps.Oracle.Query(ctx, p, oracle.Options{
		MaxTurns:   1,
		JSONSchema: s.thinkSchema,
		Timeout:    oracle.DecisionTimeout,
	})
	if err != nil {
		s.handleThinkError(ctx, err)
		return
	}

	s.mu.Lock()
	s.parseFailAlerted = false
	s.mu.Unlock()

	out := parseThinkOutput(res.Payload)
	if out.NextThinkIn > 0 {
		s.setThinkOverride(time.Duration(out.NextThinkIn) * time.Second)
	}
	if len(out.Recommendations) == 0 {
		s.log.Debug("Think cycle produced no recommendations")
		return
	}

	evaluated := s.deps.Executor.Evaluate(out.Recommendations)
	s.deps.Executor.Dispatch(ctx, evaluated)
}

func (s *Supervisor) handleThinkError(ctx context.Context, err error) {
	switch {
	case errors.Is(err, oracle.ErrUnavailable):
		s.SetAIEnabled(false)
		s.log.Error("Oracle unavailable, disabling autonomous decisions", "error", err)
		s.deps.Notifier.Notify(ctx, notify.TierUrgent,
			"Oracle CLI unavailable. Autonomous decisions disabled; send 'ai on' once fixed.")

	case errors.Is(err, oracle.ErrParseFail):
		streak := s.deps.Oracle.ParseFailStreak()
		s.log.Warn("Oracle output unparseable, skipping cycle", "consecutive", streak)
		s.mu.Lock()
		alerted := s.parseFailAlerted
		if streak >= parseFailAlertStreak {
			s.parseFailAlerted = true
		}
		s.mu.Unlock()
		if streak >= parseFailAlertStreak && !alerted {
			s.deps.Notifier.Notify(ctx, notify.TierUrgent,
				"Oracle has returned unparseable output 3 times in a row.")
		}

	case errors.Is(err, oracle.ErrTimeout):
		s.log.Warn("Think cycle timed out, skipping")

	default:
		s.log.Warn("Think cycle failed", "error", err)
	}
}

// setThinkOverride records a one-shot cadence override within clamps.
func (s *Supervisor) setThinkOverride(d time.Duration) {
	if d < nextThinkMin {
		d = nextThinkMin
	}
	if d > nextThinkMax {
		d = nextThinkMax
	}
	s.mu.Lock()
	s.nextThinkOverride = d
	s.mu.Unlock()
}

// parseThinkOutput decodes the think payload. A bare recommendation
// object or array is tolerated and wrapped.
func parseThinkOutput(payload []byte) models.ThinkOutput {
	var out models.ThinkOutput
	if err := json.Unmarshal(payload, &out); err == nil && len(out.Recommendations) > 0 {
		return out
	}
	if recs, err := oracle.DecodeList[models.Recommendation](payload); err == nil {
		valid := recs[:0]
		for _, r := range recs {
			if r.Project != "" && r.Action != "" {
				valid = append(valid, r)
			}
		}
		out.Recommendations = valid
	}
	return out
}
