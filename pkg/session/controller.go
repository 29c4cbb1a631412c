// Package session controls the lifecycle of agent sessions running in
// detached multiplexer windows. The window name orch-<project> is the
// session's identity; a sidecar session.json file survives daemon
// restarts.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/tmux"
	"github.com/opsloop/orchd/pkg/vcs"
)

// SessionPrefix namespaces every window this daemon owns.
const SessionPrefix = "orch-"

const (
	// agentInitWait gives the agent CLI time to finish its startup
	// screen before the prompt is pasted.
	agentInitWait = 8 * time.Second

	// stopGrace is the window between Ctrl-C and the hard kill.
	stopGrace = 2 * time.Second

	// metaFileName is the sidecar session record.
	metaFileName = "session.json"

	// mcpConfigFileName is the optional per-project tool configuration
	// passed through to the agent.
	mcpConfigFileName = "mcp-config.json"
)

// Controller starts, stops, and inspects agent sessions.
type Controller struct {
	cfg       *config.Config
	tmux      tmux.Client
	git       vcs.Prober
	log       *slog.Logger
	sleep     func(time.Duration)
	now       func() time.Time
	preflight func(ctx context.Context, project, dir string) error
}

// Option adjusts controller behavior.
type Option func(*Controller)

// WithSleeper replaces the wait function used for the agent init and stop
// grace periods.
func WithSleeper(sleep func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = sleep }
}

// WithPreflight runs fn before each session launch, typically to validate
// the project's tool configuration. A non-nil error aborts the start.
func WithPreflight(fn func(ctx context.Context, project, dir string) error) Option {
	return func(c *Controller) { c.preflight = fn }
}

// NewController creates a session controller.
func NewController(cfg *config.Config, tm tmux.Client, git vcs.Prober, opts ...Option) *Controller {
	c := &Controller{
		cfg:   cfg,
		tmux:  tm,
		git:   git,
		log:   slog.With("component", "session"),
		sleep: time.Sleep,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionName derives the window name for a project. Path separators and
// other shell-hostile characters are flattened to dashes.
func SessionName(project string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, project)
	return SessionPrefix + sanitized
}

// Start launches an agent session for the project. The returned message
// is operator-facing either way.
func (c *Controller) Start(ctx context.Context, project, dir, prompt string) (string, error) {
	if _, err := os.Stat(dir); err != nil {
		return "", fmt.Errorf("project directory missing: %w", err)
	}

	name := SessionName(project)
	live, err := c.tmux.HasSession(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to check for existing session: %w", err)
	}
	if live {
		return "", fmt.Errorf("session %s already running", name)
	}

	count, err := c.LiveCount(ctx)
	if err != nil {
		return "", err
	}
	if count >= c.cfg.MaxConcurrentSessions {
		return "", fmt.Errorf("session limit reached (%d/%d live)", count, c.cfg.MaxConcurrentSessions)
	}

	if c.preflight != nil {
		if err := c.preflight(ctx, project, dir); err != nil {
			return "", fmt.Errorf("tool preflight failed: %w", err)
		}
	}

	headBefore, err := c.git.Head(ctx, dir)
	if err != nil {
		c.log.Warn("Could not capture head before session", "project", project, "error", err)
	}

	if err := c.tmux.NewSession(ctx, name, dir); err != nil {
		return "", fmt.Errorf("failed to create session window: %w", err)
	}

	if err := c.tmux.SendKeys(ctx, name, c.agentCommandLine(project, dir), true); err != nil {
		_ = c.tmux.Kill(ctx, name)
		return "", fmt.Errorf("failed to launch agent: %w", err)
	}
	c.sleep(agentInitWait)

	if prompt != "" {
		if err := c.tmux.SendKeys(ctx, name, prompt, true); err != nil {
			return "", fmt.Errorf("failed to send prompt: %w", err)
		}
	}

	meta := models.SessionMeta{
		Project:     project,
		SessionName: name,
		RunID:       uuid.NewString(),
		StartedAt:   c.now(),
		Prompt:      prompt,
		HeadBefore:  headBefore,
	}
	if err := projects.WriteSidecarJSON(dir, metaFileName, meta); err != nil {
		c.log.Warn("Could not persist session sidecar", "project", project, "error", err)
	}

	c.log.Info("Session started", "project", project, "session", name, "run", meta.RunID)
	return fmt.Sprintf("Started %s (%d/%d sessions live)", name, count+1, c.cfg.MaxConcurrentSessions), nil
}

// Stop ends a project's session: Ctrl-C, a grace period, then a hard
// kill. Stopping an absent session succeeds silently.
func (c *Controller) Stop(ctx context.Context, project, dir string) error {
	name := SessionName(project)
	live, err := c.tmux.HasSession(ctx, name)
	if err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if live {
		if err := c.tmux.SendInterrupt(ctx, name); err != nil {
			c.log.Warn("Interrupt failed, killing directly", "session", name, "error", err)
		}
		c.sleep(stopGrace)
		if err := c.tmux.Kill(ctx, name); err != nil {
			return fmt.Errorf("failed to kill session: %w", err)
		}
		c.log.Info("Session stopped", "project", project, "session", name)
	}

	c.markEnded(dir, "")
	return nil
}

// Live reports whether the project's window exists.
func (c *Controller) Live(ctx context.Context, project string) (bool, error) {
	return c.tmux.HasSession(ctx, SessionName(project))
}

// LiveSessions returns the names of every orch- window.
func (c *Controller) LiveSessions(ctx context.Context) ([]string, error) {
	names, err := c.tmux.ListSessions(ctx, SessionPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return names, nil
}

// LiveCount returns the number of live orch- windows.
func (c *Controller) LiveCount(ctx context.Context) (int, error) {
	names, err := c.LiveSessions(ctx)
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Meta reads the project's session sidecar.
func (c *Controller) Meta(dir string) (models.SessionMeta, error) {
	var meta models.SessionMeta
	if err := projects.ReadSidecarJSON(dir, metaFileName, &meta); err != nil {
		return models.SessionMeta{}, err
	}
	return meta, nil
}

// SendText types a line into the project's session, ending with Enter.
func (c *Controller) SendText(ctx context.Context, project, text string) error {
	return c.tmux.SendKeys(ctx, SessionName(project), text, true)
}

// CaptureTail returns the last lines of the project's session output.
func (c *Controller) CaptureTail(ctx context.Context, project string, lines int) (string, error) {
	return c.tmux.CapturePane(ctx, SessionName(project), lines)
}

// MarkEnded records session end in the sidecar, keeping the last output
// snippet for the evaluator.
func (c *Controller) MarkEnded(dir, lastOutput string) {
	c.markEnded(dir, lastOutput)
}

func (c *Controller) markEnded(dir, lastOutput string) {
	meta, err := c.Meta(dir)
	if err != nil {
		return
	}
	if meta.Ended && lastOutput == "" {
		return
	}
	meta.Ended = true
	if lastOutput != "" {
		meta.LastOutput = lastOutput
	}
	if err := projects.WriteSidecarJSON(dir, metaFileName, meta); err != nil {
		c.log.Warn("Could not update session sidecar", "error", err)
	}
}

// Expired returns metas of live sessions older than the configured
// maximum duration.
func (c *Controller) Expired(ctx context.Context, registry *projects.Registry) ([]models.SessionMeta, error) {
	maxDur := time.Duration(c.cfg.AI.MaxSessionDurMs) * time.Millisecond
	if maxDur <= 0 {
		return nil, nil
	}

	var out []models.SessionMeta
	for _, name := range registry.Names() {
		dir := registry.Dir(name)
		meta, err := c.Meta(dir)
		if err != nil || meta.Ended {
			continue
		}
		live, err := c.Live(ctx, name)
		if err != nil || !live {
			continue
		}
		if c.now().Sub(meta.StartedAt) > maxDur {
			out = append(out, meta)
		}
	}
	return out, nil
}

// agentCommandLine builds the shell line that launches the agent inside
// the window, honoring per-project argument overrides and an optional MCP
// configuration file.
func (c *Controller) agentCommandLine(project, dir string) string {
	parts := []string{c.cfg.Agent.Command}
	args := c.cfg.Agent.Args
	for _, p := range c.cfg.Projects {
		if p.Name == project && len(p.AgentArgs) > 0 {
			args = p.AgentArgs
			break
		}
	}
	parts = append(parts, args...)

	mcpPath := filepath.Join(projects.SidecarDir(dir), mcpConfigFileName)
	if _, err := os.Stat(mcpPath); err == nil {
		parts = append(parts, "--mcp-config", mcpPath)
	}
	return strings.Join(parts, " ")
}

// BuildResumePrompt prepends a compact recap of the last evaluation to the
// generic resume prologue.
func BuildResumePrompt(eval *models.Evaluation) string {
	var b strings.Builder
	if eval != nil {
		fmt.Fprintf(&b, "Last session scored %d/5.", eval.Score)
		if len(eval.Accomplishments) > 0 {
			fmt.Fprintf(&b, " Completed: %s.", strings.Join(eval.Accomplishments, "; "))
		}
		if len(eval.Failures) > 0 {
			fmt.Fprintf(&b, " Failed: %s.", strings.Join(eval.Failures, "; "))
		}
		next := eval.NextPrompt
		if next == "" {
			next = eval.Reasoning
		}
		if next != "" {
			fmt.Fprintf(&b, " Continue from: %s.", next)
		}
		b.WriteString("\n\n")
	}
	b.WriteString("Resume work on this project. Review the current state, pick up the highest-priority unfinished item, and write a completed or error signal to .orchestrator/ when you stop.")
	return b.String()
}
