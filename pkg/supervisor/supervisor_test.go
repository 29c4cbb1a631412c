package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/orchd/pkg/command"
	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/database"
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
	"github.com/opsloop/orchd/pkg/vcs"
)

type fakeTmux struct {
	mu       sync.Mutex
	sessions map[string]bool
	sent     map[string][]string
}

func newFakeTmux() *fakeTmux {
	return &fakeTmux{sessions: make(map[string]bool), sent: make(map[string][]string)}
}

func (f *fakeTmux) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}
func (f *fakeTmux) NewSession(_ context.Context, name, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
	return nil
}
func (f *fakeTmux) SendKeys(_ context.Context, name, text string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[name] = append(f.sent[name], text)
	return nil
}
func (f *fakeTmux) SendInterrupt(context.Context, string) error { return nil }
func (f *fakeTmux) Kill(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}
func (f *fakeTmux) CapturePane(context.Context, string, int) (string, error) {
	return "last agent output", nil
}
func (f *fakeTmux) ListSessions(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.sessions {
		if strings.HasPrefix(name, prefix) {
			out = append(out, name)
		}
	}
	return out, nil
}

func (f *fakeTmux) has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name]
}

type fakeGit struct{}

func (fakeGit) Head(context.Context, string) (string, error) { return "abc", nil }
func (fakeGit) Progress(context.Context, string, string) (vcs.Progress, error) {
	return vcs.Progress{}, nil
}

type fakeOracle struct {
	mu      sync.Mutex
	payload string
	err     error
	streak  int64
	calls   int
}

func (f *fakeOracle) Query(context.Context, string, oracle.Options) (*oracle.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &oracle.Result{Raw: f.payload, Payload: []byte(f.payload)}, nil
}
func (f *fakeOracle) ParseFailStreak() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streak
}
func (f *fakeOracle) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeEvaluator struct {
	mu    sync.Mutex
	calls map[string]int
}

func newFakeEvaluator() *fakeEvaluator { return &fakeEvaluator{calls: make(map[string]int)} }

func (f *fakeEvaluator) Evaluate(_ context.Context, project, _ string) (*models.Evaluation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[project]++
	return &models.Evaluation{Project: project, Score: 4}, nil
}
func (f *fakeEvaluator) count(project string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[project]
}

type fakeTransport struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeTransport) Send(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	return nil
}
func (f *fakeTransport) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}
func (f *fakeTransport) containing(sub string) int {
	n := 0
	for _, m := range f.messages() {
		if strings.Contains(m, sub) {
			n++
		}
	}
	return n
}

type fakeReader struct {
	latest int64
	err    error
	msgs   []sms.Message
}

func (f *fakeReader) LatestRowID(context.Context) (int64, error) { return f.latest, f.err }
func (f *fakeReader) NewMessages(_ context.Context, since int64) ([]sms.Message, error) {
	var out []sms.Message
	for _, m := range f.msgs {
		if m.RowID > since {
			out = append(out, m)
		}
	}
	return out, nil
}

type alwaysQuiet struct{}

func (alwaysQuiet) Contains(time.Time) bool { return true }

type harness struct {
	sup       *Supervisor
	cfg       *config.Config
	tmux      *fakeTmux
	oracle    *fakeOracle
	evaluator *fakeEvaluator
	transport *fakeTransport
	reader    *fakeReader
	store     *statefile.Store
	registry  *projects.Registry
	sessions  *session.Controller
	reminders *services.ReminderService
	revenue   *services.RevenueService
}

func newHarness(t *testing.T, mutate func(*Deps)) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		ProjectsDir:           root,
		Projects:              []config.ProjectConfig{{Name: "webapp"}, {Name: "scraper"}},
		MaxConcurrentSessions: 5,
		PollIntervalMs:        5000,
		ScanIntervalMs:        60000,
		AI: config.AIConfig{
			Enabled:         true,
			ThinkIntervalMs: 300000,
			MaxPromptLength: 8000,
			AutonomyLevel:   "full",
			ResourceLimits:  config.ResourceLimits{MinFreeMemoryMB: 0},
			MaxSessionDurMs: 2700000,
			MaxErrorRetries: 3,
		},
		Reminders: config.RemindersConfig{Enabled: true},
		Agent:     config.AgentConfig{Command: "agent"},
	}
	for _, p := range cfg.Projects {
		require.NoError(t, os.MkdirAll(filepath.Join(root, p.Name), 0o755))
	}

	client, err := database.NewClient(context.Background(), filepath.Join(root, "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := statefile.Open(filepath.Join(root, "state.json"))
	require.NoError(t, err)

	tm := newFakeTmux()
	transport := &fakeTransport{}
	manager := notify.NewManager(transport, nil, nil, notify.Config{
		DailyBudget:       20,
		BatchInterval:     4 * time.Hour,
		UrgentBypassQuiet: true,
	})

	ctl := session.NewController(cfg, tm, fakeGit{}, session.WithSleeper(func(time.Duration) {}))
	registry := projects.NewRegistry(cfg, nil)
	autonomy := func() models.AutonomyLevel {
		return store.AutonomyLevel(models.ParseAutonomyLevel(cfg.AI.AutonomyLevel))
	}
	executor := decision.NewExecutor(cfg, registry, ctl, manager, store, nil, nil, nil, autonomy)
	monitor := health.NewMonitor(cfg.Health, manager, store, autonomy)

	orc := &fakeOracle{payload: `{"recommendations":[]}`}
	eval := newFakeEvaluator()
	reminders := services.NewReminderService(client.DB())
	revenue := services.NewRevenueService(client.DB())
	reader := &fakeReader{}

	assembler := prompt.NewAssembler(prompt.Sources{Projects: registry.Snapshots}, cfg.AI.MaxPromptLength)

	deps := Deps{
		Config:    cfg,
		State:     store,
		Registry:  registry,
		Sessions:  ctl,
		Executor:  executor,
		Evaluator: eval,
		Health:    monitor,
		Notifier:  manager,
		Oracle:    orc,
		Assembler: assembler,
		Reminders: reminders,
		Revenue:   revenue,
		Reader:    reader,
		Sender:    transport,
	}
	if mutate != nil {
		mutate(&deps)
	}

	sup := New(deps)
	router := command.NewRouter(cfg, registry, ctl, executor, reminders, sup, nil)
	sup.SetRouter(router)

	return &harness{
		sup: sup, cfg: cfg, tmux: tm, oracle: orc, evaluator: eval,
		transport: transport, reader: reader, store: store,
		registry: registry, sessions: ctl, reminders: reminders, revenue: revenue,
	}
}

func TestThinkDispatchesRecommendations(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.payload = `{"recommendations":[{"project":"webapp","action":"start","reason":"fresh priorities","priority":3}],"nextThinkIn":120}`

	h.sup.Think(context.Background())

	assert.True(t, h.tmux.has("orch-webapp"))
	// The cadence override is consumed exactly once.
	assert.Equal(t, 2*time.Minute, h.sup.takeThinkInterval())
	assert.Equal(t, 5*time.Minute, h.sup.takeThinkInterval())
}

func TestThinkOverrideClamped(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.payload = `{"recommendations":[],"nextThinkIn":5}`
	h.sup.Think(context.Background())
	assert.Equal(t, time.Minute, h.sup.takeThinkInterval())

	h.oracle.payload = `{"recommendations":[],"nextThinkIn":86400}`
	h.sup.Think(context.Background())
	assert.Equal(t, 30*time.Minute, h.sup.takeThinkInterval())
}

func TestThinkSkippedWhenDisabledOrPaused(t *testing.T) {
	h := newHarness(t, nil)

	h.sup.SetAIEnabled(false)
	h.sup.Think(context.Background())
	assert.Zero(t, h.oracle.callCount())

	h.sup.SetAIEnabled(true)
	h.sup.Pause()
	h.sup.Think(context.Background())
	assert.Zero(t, h.oracle.callCount())

	h.sup.Resume()
	h.sup.Think(context.Background())
	assert.Equal(t, 1, h.oracle.callCount())
}

func TestThinkSkippedDuringQuietHours(t *testing.T) {
	h := newHarness(t, func(d *Deps) { d.Quiet = alwaysQuiet{} })
	h.sup.Think(context.Background())
	assert.Zero(t, h.oracle.callCount())
}

func TestThinkUnavailableDisablesAI(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.err = oracle.ErrUnavailable

	h.sup.Think(context.Background())

	assert.False(t, h.sup.AIEnabled())
	assert.Equal(t, 1, h.transport.containing("Oracle CLI unavailable"))
}

func TestThinkParseFailAlertsOnceAtStreak(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.err = oracle.ErrParseFail
	h.oracle.streak = 2
	h.sup.Think(context.Background())
	assert.Zero(t, h.transport.containing("unparseable"))

	h.oracle.streak = 3
	h.sup.Think(context.Background())
	assert.Equal(t, 1, h.transport.containing("unparseable"))

	h.oracle.streak = 4
	h.sup.Think(context.Background())
	assert.Equal(t, 1, h.transport.containing("unparseable"))
}

func TestThinkBareObjectDecisionWrapped(t *testing.T) {
	h := newHarness(t, nil)
	h.oracle.payload = `{"project":"webapp","action":"start","reason":"kick off"}`
	h.sup.Think(context.Background())
	assert.True(t, h.tmux.has("orch-webapp"))
}

func TestPollMessagesRepliesThenAdvances(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.msgs = []sms.Message{
		{RowID: 5, Text: "status"},
		{RowID: 6, Text: "help"},
	}

	h.sup.pollMessages(context.Background())

	require.Len(t, h.transport.messages(), 2)
	assert.Contains(t, h.transport.messages()[0], "Projects: 2")
	assert.Equal(t, int64(6), h.store.Snapshot().LastRowID)

	// Nothing new: no resend.
	h.sup.pollMessages(context.Background())
	assert.Len(t, h.transport.messages(), 2)
}

func TestBootstrapSetsHighWaterMark(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.latest = 42
	require.NoError(t, h.sup.bootstrap(context.Background()))
	assert.Equal(t, int64(42), h.store.Snapshot().LastRowID)
}

func TestBootstrapChatDBPermissionFatal(t *testing.T) {
	h := newHarness(t, nil)
	h.reader.err = sms.ErrPermissionDenied
	err := h.sup.bootstrap(context.Background())
	assert.ErrorIs(t, err, sms.ErrPermissionDenied)
}

func TestScanTickFiresDueReminderOnce(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.reminders.Set(context.Background(), "check the certs", time.Now().Add(-time.Minute))
	require.NoError(t, err)

	h.sup.ScanTick(context.Background())
	assert.Equal(t, 1, h.transport.containing("Reminder: check the certs"))

	h.sup.ScanTick(context.Background())
	assert.Equal(t, 1, h.transport.containing("Reminder: check the certs"))
}

func TestScanTickCompletedSignalEndsAndEvaluates(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.registry.Dir("webapp")
	h.tmux.sessions["orch-webapp"] = true
	require.NoError(t, projects.WriteSidecarJSON(dir, "session.json", models.SessionMeta{
		Project: "webapp", SessionName: "orch-webapp", StartedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, projects.WriteSidecarJSON(dir, "completed.json",
		map[string]any{"summary": "done"}))

	h.sup.ScanTick(context.Background())

	assert.Equal(t, 1, h.evaluator.count("webapp"))
	assert.False(t, h.tmux.has("orch-webapp"))
	_, statErr := os.Stat(filepath.Join(projects.SidecarDir(dir), "completed.json"))
	assert.True(t, os.IsNotExist(statErr), "signal should be archived")
}

func TestScanTickErrorSignalCountsRetry(t *testing.T) {
	h := newHarness(t, nil)
	dir := h.registry.Dir("webapp")
	require.NoError(t, projects.WriteSidecarJSON(dir, "session.json", models.SessionMeta{
		Project: "webapp", SessionName: "orch-webapp", StartedAt: time.Now().Add(-time.Hour),
	}))
	require.NoError(t, projects.WriteSidecarJSON(dir, "error.json",
		map[string]any{"error": "build exploded"}))

	h.sup.ScanTick(context.Background())

	assert.Equal(t, 1, h.transport.containing("build exploded"))
	assert.Equal(t, 1, h.store.Snapshot().ErrorRetryCounts["webapp"])
}

func TestScanTickSessionTimeout(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.AI.MaxSessionDurMs = 1000
	dir := h.registry.Dir("webapp")
	h.tmux.sessions["orch-webapp"] = true
	require.NoError(t, projects.WriteSidecarJSON(dir, "session.json", models.SessionMeta{
		Project: "webapp", SessionName: "orch-webapp", StartedAt: time.Now().Add(-time.Hour),
	}))

	h.sup.ScanTick(context.Background())

	assert.False(t, h.tmux.has("orch-webapp"))
	assert.Equal(t, 1, h.transport.containing("timed out"))
	assert.Eventually(t, func() bool { return h.evaluator.count("webapp") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestScanTickCollectsRevenue(t *testing.T) {
	h := newHarness(t, nil)
	h.cfg.Revenue = config.RevenueConfig{
		Enabled:                 true,
		CollectionIntervalScans: 1,
		Sources: []config.RevenueSourceConfig{
			{Name: "store", Command: "reader --store"},
			{Name: "ads", Command: "reader --ads"},
		},
	}
	h.sup.runCmd = func(_ context.Context, _ string, args ...string) ([]byte, error) {
		if strings.Contains(args[len(args)-1], "ads") {
			return nil, os.ErrNotExist
		}
		return []byte("1234\n"), nil
	}

	h.sup.ScanTick(context.Background())

	snaps, err := h.revenue.Latest(context.Background())
	require.NoError(t, err)
	bySource := map[string]*int64{}
	for _, s := range snaps {
		bySource[s.Source] = s.Value
	}
	require.NotNil(t, bySource["store"])
	assert.Equal(t, int64(1234), *bySource["store"])
	assert.Nil(t, bySource["ads"], "unreachable source records nil, not zero")
}

func TestReconcileReportsOrphansAndDeadSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.tmux.sessions["orch-mystery"] = true
	dir := h.registry.Dir("scraper")
	require.NoError(t, projects.WriteSidecarJSON(dir, "session.json", models.SessionMeta{
		Project: "scraper", SessionName: "orch-scraper", StartedAt: time.Now().Add(-time.Hour),
	}))

	require.NoError(t, h.sup.bootstrap(context.Background()))

	_, _, batchQueued, _ := h.sup.deps.Notifier.Status()
	assert.Equal(t, 1, batchQueued, "orphan report rides the batch queue")

	meta, err := h.sessions.Meta(dir)
	require.NoError(t, err)
	assert.True(t, meta.Ended)
	assert.Eventually(t, func() bool { return h.evaluator.count("scraper") == 1 },
		time.Second, 10*time.Millisecond)
}

func TestAutonomyLevelOverride(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, models.AutonomyFull, h.sup.AutonomyLevel())

	require.NoError(t, h.sup.SetAutonomyLevel(models.AutonomyCautious))
	assert.Equal(t, models.AutonomyCautious, h.sup.AutonomyLevel())

	assert.Error(t, h.sup.SetAutonomyLevel(models.AutonomyLevel("superuser")))
	assert.Equal(t, models.AutonomyCautious, h.sup.AutonomyLevel())
}

func TestTriggerThinkCoalesces(t *testing.T) {
	h := newHarness(t, nil)
	h.sup.TriggerThink()
	h.sup.TriggerThink()
	assert.Len(t, h.sup.thinkTrigger, 1)
}

func TestStatusText(t *testing.T) {
	h := newHarness(t, nil)
	status := h.sup.StatusText(context.Background())
	assert.Contains(t, status, "Projects: 2")
	assert.Contains(t, status, "Sessions: 0/5")
	assert.Contains(t, status, "Autonomy: full")
	assert.Contains(t, status, "AI: on")
	assert.Contains(t, status, "SMS today: 0/20")

	h.sup.Pause()
	assert.Contains(t, h.sup.StatusText(context.Background()), "(paused)")
}
