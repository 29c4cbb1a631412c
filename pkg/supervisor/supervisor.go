// Package supervisor owns the daemon's periodic loops: the SMS message
// poll, the scan tick, the think scheduler, and the cron digests. It is
// the only component that knows about every other one; everything below
// it depends leaves-up.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/opsloop/orchd/pkg/cleanup"
	"github.com/opsloop/orchd/pkg/command"
	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/decision"
	"github.com/opsloop/orchd/pkg/health"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/oracle"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/prompt"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/sms"
	"github.com/opsloop/orchd/pkg/statefile"
)

// Oracle is the slice of the gateway the supervisor's think loop needs.
type Oracle interface {
	Query(ctx context.Context, prompt string, opts oracle.Options) (*oracle.Result, error)
	ParseFailStreak() int64
}

var _ Oracle = (*oracle.Gateway)(nil)

// Evaluator scores an ended session for a project.
type Evaluator interface {
	Evaluate(ctx context.Context, project, dir string) (*models.Evaluation, error)
}

// Deps collects everything the supervisor drives. Router is attached
// separately because it needs the supervisor as its Controls.
type Deps struct {
	Config       *config.Config
	State        *statefile.Store
	Registry     *projects.Registry
	Sessions     *session.Controller
	Executor     *decision.Executor
	Evaluator    Evaluator
	Health       *health.Monitor
	Notifier     *notify.Manager
	Oracle       Oracle
	Assembler    *prompt.Assembler
	Reminders    *services.ReminderService
	Revenue      *services.RevenueService
	Trust        *services.TrustService
	Conversation *services.ConversationService
	Retention    *cleanup.Service
	Reader       sms.Reader
	Sender       sms.Sender
	Quiet        notify.QuietWindow
}

// Supervisor runs the four periodic activities and implements the command
// router's Controls surface.
type Supervisor struct {
	cfg  *config.Config
	deps Deps

	router *command.Router

	paused    atomic.Bool
	aiEnabled atomic.Bool
	thinking  atomic.Bool

	thinkTrigger chan struct{}

	mu                sync.Mutex
	nextThinkOverride time.Duration
	scanCount         int
	parseFailAlerted  bool

	thinkSchema string
	cron        *cron.Cron
	runCmd      func(ctx context.Context, name string, args ...string) ([]byte, error)
	now         func() time.Time
	log         *slog.Logger
}

// New creates a supervisor and registers its evaluation hook with the
// executor.
func New(deps Deps) *Supervisor {
	schema, err := oracle.SchemaFor[models.ThinkOutput]()
	if err != nil {
		slog.Warn("Could not derive think schema", "error", err)
	}
	s := &Supervisor{
		cfg:          deps.Config,
		deps:         deps,
		thinkTrigger: make(chan struct{}, 1),
		thinkSchema:  schema,
		runCmd:       runShell,
		now:          time.Now,
		log:          slog.With("component", "supervisor"),
	}
	s.aiEnabled.Store(deps.Config.AI.Enabled)
	if deps.Executor != nil {
		deps.Executor.SetEvalHook(s.enqueueEval)
	}
	return s
}

// SetRouter attaches the command router. Must be called before Run.
func (s *Supervisor) SetRouter(r *command.Router) { s.router = r }

// Run starts every loop and blocks until ctx is cancelled. Live agent
// sessions are deliberately left running on shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.bootstrap(ctx); err != nil {
		return err
	}
	s.startCron()

	var wg sync.WaitGroup
	wg.Add(3)
	go s.pollLoop(ctx, &wg)
	go s.scanLoop(ctx, &wg)
	go s.thinkLoop(ctx, &wg)

	<-ctx.Done()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	wg.Wait()
	s.log.Info("Supervisor stopped; live sessions keep running")
	return nil
}

// bootstrap initializes the message high-water mark and reconciles live
// windows against sidecar records.
func (s *Supervisor) bootstrap(ctx context.Context) error {
	if s.deps.Reader != nil && s.deps.State.Snapshot().LastRowID == 0 {
		latest, err := s.deps.Reader.LatestRowID(ctx)
		if err != nil {
			if errors.Is(err, sms.ErrPermissionDenied) {
				return fmt.Errorf("cannot read chat database: %w", err)
			}
			s.log.Warn("Could not read chat high-water mark, starting from zero", "error", err)
		} else {
			_ = s.deps.State.WithState(func(st *statefile.State) error {
				st.LastRowID = latest
				return nil
			})
		}
	}

	s.deps.Registry.Refresh(ctx)
	s.reconcileSessions(ctx)
	return nil
}

// reconcileSessions matches orch- windows against sidecar session records.
// Unknown windows are reported as orphans, never killed. Sidecars without
// a window mean the session died while the daemon was down: mark ended and
// evaluate.
func (s *Supervisor) reconcileSessions(ctx context.Context) {
	live, err := s.deps.Sessions.LiveSessions(ctx)
	if err != nil {
		s.log.Warn("Could not list sessions at boot", "error", err)
		return
	}
	known := make(map[string]string, len(s.deps.Registry.Names()))
	for _, name := range s.deps.Registry.Names() {
		known[session.SessionName(name)] = name
	}

	liveSet := make(map[string]bool, len(live))
	for _, window := range live {
		liveSet[window] = true
		if _, ok := known[window]; !ok {
			s.deps.Notifier.Notify(ctx, notify.TierSummary,
				fmt.Sprintf("Orphan window %s found at boot; leaving it alone", window))
		}
	}

	for window, project := range known {
		if liveSet[window] {
			s.deps.Registry.SetSessionLive(project, true)
			continue
		}
		dir := s.deps.Registry.Dir(project)
		meta, err := s.deps.Sessions.Meta(dir)
		if err != nil || meta.Ended {
			continue
		}
		s.log.Info("Session died while daemon was down", "project", project)
		s.deps.Sessions.MarkEnded(dir, "")
		s.enqueueEval(project)
	}
}

// enqueueEval runs an evaluation off the calling goroutine so the control
// loop never blocks on the oracle.
func (s *Supervisor) enqueueEval(project string) {
	if s.deps.Evaluator == nil {
		return
	}
	dir := s.deps.Registry.Dir(project)
	go func() {
		if _, err := s.deps.Evaluator.Evaluate(context.Background(), project, dir); err != nil {
			s.log.Warn("Deferred evaluation failed", "project", project, "error", err)
		}
	}()
}

// pollLoop reads new operator messages and routes them. The reply for a
// message is sent before the high-water mark advances past it.
func (s *Supervisor) pollLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if s.deps.Reader == nil {
		return
	}
	interval := time.Duration(s.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(config.DefaultPollIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.pollMessages(ctx)
		}
	}
}

func (s *Supervisor) pollMessages(ctx context.Context) {
	since := s.deps.State.Snapshot().LastRowID
	msgs, err := s.deps.Reader.NewMessages(ctx, since)
	if err != nil {
		s.log.Warn("Could not poll chat database", "error", err)
		return
	}
	for _, msg := range msgs {
		if s.router != nil {
			if reply := s.router.Route(ctx, msg.Text); reply != "" {
				if err := s.deps.Sender.Send(ctx, reply); err != nil {
					s.log.Error("Could not send reply", "error", err)
				}
			}
		}
		rowID := msg.RowID
		_ = s.deps.State.WithState(func(st *statefile.State) error {
			if rowID > st.LastRowID {
				st.LastRowID = rowID
			}
			return nil
		})
	}
}

func (s *Supervisor) scanLoop(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	interval := time.Duration(s.cfg.ScanIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Duration(config.DefaultScanIntervalMs) * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ScanTick(ctx)
		}
	}
}

// Controls implementation (command.Controls).

// Pause stops decision making; sessions keep running.
func (s *Supervisor) Pause() { s.paused.Store(true) }

// Resume re-enables decision making.
func (s *Supervisor) Resume() { s.paused.Store(false) }

// Paused reports the pause flag.
func (s *Supervisor) Paused() bool { return s.paused.Load() }

// SetAIEnabled toggles the think loop.
func (s *Supervisor) SetAIEnabled(enabled bool) { s.aiEnabled.Store(enabled) }

// AIEnabled reports whether the think loop is active.
func (s *Supervisor) AIEnabled() bool { return s.aiEnabled.Load() }

// AutonomyLevel returns the effective level: runtime override if present,
// else the configured default.
func (s *Supervisor) AutonomyLevel() models.AutonomyLevel {
	return s.deps.State.AutonomyLevel(models.ParseAutonomyLevel(s.cfg.AI.AutonomyLevel))
}

// SetAutonomyLevel persists a runtime override.
func (s *Supervisor) SetAutonomyLevel(level models.AutonomyLevel) error {
	if !level.IsValid() {
		return fmt.Errorf("unknown autonomy level %q", level)
	}
	return s.deps.State.SetAutonomyLevel(level)
}

// TriggerThink requests an immediate think cycle. Coalesces when one is
// already pending.
func (s *Supervisor) TriggerThink() {
	select {
	case s.thinkTrigger <- struct{}{}:
	default:
	}
}

// StatusText renders the one-message status reply.
func (s *Supervisor) StatusText(ctx context.Context) string {
	var b strings.Builder

	liveCount, err := s.deps.Sessions.LiveCount(ctx)
	if err != nil {
		liveCount = -1
	}
	fmt.Fprintf(&b, "Projects: %d | Sessions: %d/%d | Autonomy: %s",
		len(s.deps.Registry.Names()), liveCount, s.cfg.MaxConcurrentSessions, s.AutonomyLevel())

	if s.AIEnabled() {
		b.WriteString(" | AI: on")
	} else {
		b.WriteString(" | AI: off")
	}
	if s.Paused() {
		b.WriteString(" (paused)")
	}

	sent, budget, _, _ := s.deps.Notifier.Status()
	fmt.Fprintf(&b, " | SMS today: %d/%d", sent, budget)

	var down []string
	for _, r := range s.deps.Health.Results() {
		if r.Status == models.StatusDown {
			down = append(down, r.Service)
		}
	}
	if len(down) > 0 {
		fmt.Fprintf(&b, " | DOWN: %s", strings.Join(down, ", "))
	}
	return b.String()
}
