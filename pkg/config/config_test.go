package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orchd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
projectsDir: /tmp/projects
projects:
  - name: alpha
  - name: beta
`

func TestInitializeAppliesDefaults(t *testing.T) {
	cfg, err := Initialize(context.Background(), writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultMaxConcurrentSessions, cfg.MaxConcurrentSessions)
	assert.Equal(t, DefaultScanIntervalMs, cfg.ScanIntervalMs)
	assert.Equal(t, DefaultThinkIntervalMs, cfg.AI.ThinkIntervalMs)
	assert.Equal(t, DefaultAutonomyLevel, cfg.AI.AutonomyLevel)
	assert.Equal(t, DefaultSameProjectMs, cfg.AI.Cooldowns.SameProjectMs)
	assert.Equal(t, DefaultSameActionMs, cfg.AI.Cooldowns.SameActionMs)
	assert.Equal(t, DefaultMinFreeMemoryMB, cfg.AI.ResourceLimits.MinFreeMemoryMB)
	assert.Equal(t, DefaultMaxSessionDurMs, cfg.AI.MaxSessionDurMs)
	assert.Equal(t, DefaultDailyBudget, cfg.AI.Notifications.DailyBudget)
	assert.True(t, cfg.AI.Notifications.UrgentBypassQuiet)
	assert.Equal(t, DefaultConsecutiveFailsBeforeAlert, cfg.Health.ConsecutiveFailsBeforeAlert)
	assert.Equal(t, DefaultRestartMaxPerHour, cfg.Health.RestartBudget.MaxPerHour)
	assert.Equal(t, DefaultCorrelatedFailureThreshold, cfg.Health.CorrelatedFailureThreshold)
}

func TestInitializeAcceptsJSONDocument(t *testing.T) {
	cfg, err := Initialize(context.Background(), writeConfig(t, `{
  "projectsDir": "/tmp/projects",
  "projects": [{"name": "alpha"}],
  "maxConcurrentSessions": 3
}`))
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.MaxConcurrentSessions)
	assert.Equal(t, "alpha", cfg.Projects[0].Name)
}

func TestInitializeRejectsUnknownAutonomyLevel(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
ai:
  autonomyLevel: superuser
`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestInitializeRejectsProtectedUnknownProject(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
ai:
  protectedProjects: [gamma]
`))
	require.Error(t, err)
}

func TestInitializeRejectsBadServiceType(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
health:
  services:
    - name: mlx-api
      type: carrier-pigeon
`))
	require.Error(t, err)
}

func TestServiceDefaultsFilledPerEntry(t *testing.T) {
	cfg, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
health:
  services:
    - name: mlx-api
      type: http
      url: http://127.0.0.1:8080/
    - name: scraping-api
      type: tcp
      host: 127.0.0.1
      port: 9090
      intervalMs: 15000
`))
	require.NoError(t, err)
	assert.Equal(t, DefaultServiceIntervalMs, cfg.Health.Services[0].IntervalMs)
	assert.Equal(t, DefaultServiceTimeoutMs, cfg.Health.Services[0].TimeoutMs)
	assert.Equal(t, 15000, cfg.Health.Services[1].IntervalMs)
}

func TestExpandEnv(t *testing.T) {
	t.Setenv("ORCHD_TEST_DIR", "/srv/projects")
	out := ExpandEnv([]byte("projectsDir: {{.ORCHD_TEST_DIR}}"))
	assert.Equal(t, "projectsDir: /srv/projects", string(out))

	// Literal dollar signs survive.
	out = ExpandEnv([]byte(`pattern: "^secret.*$"`))
	assert.Equal(t, `pattern: "^secret.*$"`, string(out))
}

func TestQuietHoursValidation(t *testing.T) {
	_, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
quietHours:
  start: "22:00"
  end: "7am"
`))
	require.Error(t, err)

	cfg, err := Initialize(context.Background(), writeConfig(t, minimalConfig+`
quietHours:
  start: "22:00"
  end: "07:00"
`))
	require.NoError(t, err)
	assert.Equal(t, "22:00", cfg.QuietHours.Start)
}

func TestMissingFileIsTyped(t *testing.T) {
	_, err := Initialize(context.Background(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, ErrConfigNotFound)
}
