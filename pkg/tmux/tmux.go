// Package tmux wraps the tmux binary behind a small contract so session
// orchestration can be tested without a terminal multiplexer present.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Client is the operation surface the session controller needs.
type Client interface {
	// HasSession reports whether a session with the exact name exists.
	HasSession(ctx context.Context, name string) (bool, error)

	// NewSession creates a detached session rooted in dir.
	NewSession(ctx context.Context, name, dir string) error

	// SendKeys types text into the session. When enter is true a carriage
	// return is appended as a separate keystroke.
	SendKeys(ctx context.Context, name, text string, enter bool) error

	// SendInterrupt delivers Ctrl-C to the session's active pane.
	SendInterrupt(ctx context.Context, name string) error

	// Kill destroys the session. Killing an absent session is not an
	// error.
	Kill(ctx context.Context, name string) error

	// CapturePane returns the last lines of scrollback plus the visible
	// pane.
	CapturePane(ctx context.Context, name string, lines int) (string, error)

	// ListSessions returns session names with the given prefix.
	ListSessions(ctx context.Context, prefix string) ([]string, error)
}

// ExecClient shells out to the tmux binary.
type ExecClient struct {
	binary string
}

// NewExecClient returns a client using the tmux binary on PATH.
func NewExecClient() *ExecClient {
	return &ExecClient{binary: "tmux"}
}

func (c *ExecClient) HasSession(ctx context.Context, name string) (bool, error) {
	// has-session exits 1 for a missing session, which is a normal answer
	// rather than a failure.
	err := exec.CommandContext(ctx, c.binary, "has-session", "-t", "="+name).Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session failed: %w", err)
}

func (c *ExecClient) NewSession(ctx context.Context, name, dir string) error {
	out, err := exec.CommandContext(ctx, c.binary,
		"new-session", "-d", "-s", name, "-c", dir).CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux new-session failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *ExecClient) SendKeys(ctx context.Context, name, text string, enter bool) error {
	// The literal flag stops tmux from interpreting the text as key
	// names; Enter is then sent as its own keystroke so multi-line
	// prompts arrive intact.
	args := []string{"send-keys", "-t", "=" + name, "-l", text}
	if out, err := exec.CommandContext(ctx, c.binary, args...).CombinedOutput(); err != nil {
		return fmt.Errorf("tmux send-keys failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	if enter {
		if out, err := exec.CommandContext(ctx, c.binary,
			"send-keys", "-t", "="+name, "Enter").CombinedOutput(); err != nil {
			return fmt.Errorf("tmux send-keys enter failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
	}
	return nil
}

func (c *ExecClient) SendInterrupt(ctx context.Context, name string) error {
	out, err := exec.CommandContext(ctx, c.binary,
		"send-keys", "-t", "="+name, "C-c").CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux interrupt failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (c *ExecClient) Kill(ctx context.Context, name string) error {
	err := exec.CommandContext(ctx, c.binary, "kill-session", "-t", "="+name).Run()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		// Already gone.
		return nil
	}
	return fmt.Errorf("tmux kill-session failed: %w", err)
}

func (c *ExecClient) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	out, err := exec.CommandContext(ctx, c.binary,
		"capture-pane", "-p", "-t", "="+name, "-S", fmt.Sprintf("-%d", lines)).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane failed: %w", err)
	}
	return string(out), nil
}

func (c *ExecClient) ListSessions(ctx context.Context, prefix string) ([]string, error) {
	out, err := exec.CommandContext(ctx, c.binary,
		"list-sessions", "-F", "#{session_name}").Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// No server running means no sessions.
			return nil, nil
		}
		return nil, fmt.Errorf("tmux list-sessions failed: %w", err)
	}
	var names []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line != "" && strings.HasPrefix(line, prefix) {
			names = append(names, line)
		}
	}
	return names, nil
}
