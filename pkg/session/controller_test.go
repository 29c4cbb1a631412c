package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/vcs"
)

type fakeTmux struct {
	sessions   map[string]bool
	sent       map[string][]string
	interrupts []string
	killed     []string
	captured   string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool), sent: make(map[string][]string)}
}

func (f *fakeTmux) HasSession(_ context.Context, name string) (bool, error) {
	return f.sessions[name], nil
}

func (f *fakeTmux) NewSession(_ context.Context, name, _ string) error {
	f.sessions[name] = true
	return nil
}

func (f *fakeTmux) SendKeys(_ context.Context, name, text string, _ bool) error {
	f.sent[name] = append(f.sent[name], text)
	return nil
}

func (f *fakeTmux) SendInterrupt(_ context.Context, name string) error {
	f.interrupts = append(f.interrupts, name)
	return nil
}

func (f *fakeTmux) Kill(_ context.Context, name string) error {
	delete(f.sessions, name)
	f.killed = append(f.killed, name)
	return nil
}

func (f *fakeTmux) CapturePane(context.Context, string, int) (string, error) {
	return f.captured, nil
}

func (f *fakeTmux) ListSessions(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for name, live := range f.sessions {
		if live && len(name) >= len(prefix) && name[:len(prefix)] == prefix {
			out = append(out, name)
		}
	}
	return out, nil
}

type fakeGit struct{ head string }

func (g fakeGit) Head(context.Context, string) (string, error) { return g.head, nil }
func (g fakeGit) Progress(context.Context, string, string) (vcs.Progress, error) {
	return vcs.Progress{}, nil
}

func newTestController(t *testing.T) (*Controller, *fakeTmux, string) {
	t.Helper()
	dir := t.TempDir()
	projDir := filepath.Join(dir, "alpha")
	require.NoError(t, os.MkdirAll(projDir, 0o755))

	cfg := &config.Config{
		ProjectsDir:           dir,
		Projects:              []config.ProjectConfig{{Name: "alpha"}},
		MaxConcurrentSessions: 2,
		Agent:                 config.AgentConfig{Command: "agent", Args: []string{"--yolo"}},
		AI:                    config.AIConfig{MaxSessionDurMs: 45 * 60 * 1000},
	}
	tm := newFakeTmux()
	c := NewController(cfg, tm, fakeGit{head: "abc123"})
	c.sleep = func(time.Duration) {}
	return c, tm, projDir
}

func TestSessionName(t *testing.T) {
	assert.Equal(t, "orch-alpha", SessionName("alpha"))
	assert.Equal(t, "orch-tools-web-app", SessionName("tools/web app"))
}

func TestStartHappyPath(t *testing.T) {
	c, tm, projDir := newTestController(t)

	msg, err := c.Start(context.Background(), "alpha", projDir, "implement the parser")
	require.NoError(t, err)
	assert.Contains(t, msg, "orch-alpha")

	sent := tm.sent["orch-alpha"]
	require.Len(t, sent, 2)
	assert.Contains(t, sent[0], "agent --yolo")
	assert.Equal(t, "implement the parser", sent[1])

	meta, err := c.Meta(projDir)
	require.NoError(t, err)
	assert.Equal(t, "alpha", meta.Project)
	assert.Equal(t, "abc123", meta.HeadBefore)
	assert.False(t, meta.Ended)
}

func TestStartRejectsDuplicate(t *testing.T) {
	c, tm, projDir := newTestController(t)
	tm.sessions["orch-alpha"] = true

	_, err := c.Start(context.Background(), "alpha", projDir, "")
	assert.ErrorContains(t, err, "already running")
}

func TestStartRejectsAtCapacity(t *testing.T) {
	c, tm, projDir := newTestController(t)
	tm.sessions["orch-beta"] = true
	tm.sessions["orch-gamma"] = true

	_, err := c.Start(context.Background(), "alpha", projDir, "")
	assert.ErrorContains(t, err, "session limit")
}

func TestStartRejectsMissingDirectory(t *testing.T) {
	c, _, _ := newTestController(t)
	_, err := c.Start(context.Background(), "alpha", "/nonexistent/path", "")
	assert.Error(t, err)
}

func TestStartPassesThroughMCPConfig(t *testing.T) {
	c, tm, projDir := newTestController(t)
	require.NoError(t, projects.EnsureSidecar(projDir))
	mcpPath := filepath.Join(projects.SidecarDir(projDir), "mcp-config.json")
	require.NoError(t, os.WriteFile(mcpPath, []byte("{}"), 0o644))

	_, err := c.Start(context.Background(), "alpha", projDir, "")
	require.NoError(t, err)
	assert.Contains(t, tm.sent["orch-alpha"][0], "--mcp-config "+mcpPath)
}

func TestStopInterruptsThenKills(t *testing.T) {
	c, tm, projDir := newTestController(t)
	_, err := c.Start(context.Background(), "alpha", projDir, "go")
	require.NoError(t, err)

	require.NoError(t, c.Stop(context.Background(), "alpha", projDir))
	assert.Equal(t, []string{"orch-alpha"}, tm.interrupts)
	assert.Equal(t, []string{"orch-alpha"}, tm.killed)

	meta, err := c.Meta(projDir)
	require.NoError(t, err)
	assert.True(t, meta.Ended)
}

func TestStopAbsentSessionSucceeds(t *testing.T) {
	c, _, projDir := newTestController(t)
	assert.NoError(t, c.Stop(context.Background(), "alpha", projDir))
}

func TestExpiredFindsOverdueSessions(t *testing.T) {
	c, tm, projDir := newTestController(t)
	_, err := c.Start(context.Background(), "alpha", projDir, "go")
	require.NoError(t, err)
	_ = tm

	reg := projects.NewRegistry(c.cfg, nil)

	expired, err := c.Expired(context.Background(), reg)
	require.NoError(t, err)
	assert.Empty(t, expired, "fresh session is not expired")

	c.now = func() time.Time { return time.Now().Add(46 * time.Minute) }
	expired, err = c.Expired(context.Background(), reg)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "alpha", expired[0].Project)
}

func TestBuildResumePrompt(t *testing.T) {
	eval := &models.Evaluation{
		Score:           4,
		Accomplishments: []string{"parser done"},
		Failures:        []string{"tests flaky"},
		NextPrompt:      "stabilize the test suite",
	}
	p := BuildResumePrompt(eval)
	assert.Contains(t, p, "Last session scored 4/5")
	assert.Contains(t, p, "parser done")
	assert.Contains(t, p, "tests flaky")
	assert.Contains(t, p, "stabilize the test suite")
	assert.Contains(t, p, "Resume work on this project")
}

func TestBuildResumePromptNoHistory(t *testing.T) {
	p := BuildResumePrompt(nil)
	assert.NotContains(t, p, "scored")
	assert.Contains(t, p, "Resume work on this project")
}
