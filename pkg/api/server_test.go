package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/orchd/pkg/breaker"
	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/database"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/statefile"
	"github.com/opsloop/orchd/pkg/vcs"
)

type fakeTmux struct{ live map[string]bool }

func (f *fakeTmux) HasSession(_ context.Context, name string) (bool, error) {
	return f.live[name], nil
}
func (f *fakeTmux) NewSession(context.Context, string, string) error { return nil }
func (f *fakeTmux) SendKeys(context.Context, string, string, bool) error {
	return nil
}
func (f *fakeTmux) SendInterrupt(context.Context, string) error          { return nil }
func (f *fakeTmux) Kill(context.Context, string) error                   { return nil }
func (f *fakeTmux) CapturePane(context.Context, string, int) (string, error) { return "", nil }
func (f *fakeTmux) ListSessions(_ context.Context, prefix string) ([]string, error) {
	var out []string
	for name, live := range f.live {
		if live {
			out = append(out, name)
		}
	}
	return out, nil
}

type fakeGit struct{}

func (fakeGit) Head(context.Context, string) (string, error) { return "", nil }
func (fakeGit) Progress(context.Context, string, string) (vcs.Progress, error) {
	return vcs.Progress{}, nil
}

type fakeTransport struct{}

func (fakeTransport) Send(context.Context, string) error { return nil }

type fakeControls struct {
	ai     bool
	paused bool
	level  models.AutonomyLevel
}

func (f fakeControls) AIEnabled() bool                    { return f.ai }
func (f fakeControls) Paused() bool                       { return f.paused }
func (f fakeControls) AutonomyLevel() models.AutonomyLevel { return f.level }

type harness struct {
	server   *Server
	router   *gin.Engine
	store    *statefile.Store
	evals    *services.EvaluationService
	registry *projects.Registry
	tmux     *fakeTmux
	breakers *breaker.Registry
	root     string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	cfg := &config.Config{
		ProjectsDir:           root,
		Projects:              []config.ProjectConfig{{Name: "webapp"}, {Name: "scraper"}},
		MaxConcurrentSessions: 5,
	}
	for _, p := range cfg.Projects {
		require.NoError(t, os.MkdirAll(filepath.Join(root, p.Name), 0o755))
	}

	client, err := database.NewClient(context.Background(), filepath.Join(root, "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := statefile.Open(filepath.Join(root, "state.json"))
	require.NoError(t, err)

	tm := &fakeTmux{live: map[string]bool{}}
	ctl := session.NewController(cfg, tm, fakeGit{}, session.WithSleeper(func(time.Duration) {}))
	registry := projects.NewRegistry(cfg, nil)
	evals := services.NewEvaluationService(client.DB())
	breakers := breaker.NewRegistry(3, 5*time.Minute)
	manager := notify.NewManager(fakeTransport{}, nil, nil, notify.Config{
		DailyBudget:   30,
		BatchInterval: 4 * time.Hour,
	})

	srv := NewServer(client.DB(), store, registry, ctl, evals, breakers, manager,
		fakeControls{ai: true, level: models.AutonomyModerate})
	return &harness{
		server: srv, router: srv.Router(), store: store, evals: evals,
		registry: registry, tmux: tm, breakers: breakers, root: root,
	}
}

func (h *harness) get(t *testing.T, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	h.router.ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	rec, body := h.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", body["status"])
	db := body["database"].(map[string]any)
	assert.Equal(t, "healthy", db["status"])
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.breakers.Get("oracle").RecordFailure()

	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.AIEnabled)
	assert.False(t, status.Paused)
	assert.Equal(t, "moderate", status.AutonomyLevel)
	assert.Equal(t, 2, status.Projects)
	assert.Equal(t, 0, status.LiveSessions)
	assert.Equal(t, 30, status.SMSBudget)
	require.Len(t, status.Breakers, 1)
	assert.Equal(t, "oracle", status.Breakers[0].Name)
	assert.Equal(t, breaker.Closed, status.Breakers[0].State)
}

func TestSessionsListsLiveAndIdle(t *testing.T) {
	h := newHarness(t)
	h.tmux.live["orch-webapp"] = true
	h.registry.SetSessionLive("webapp", true)
	started := time.Now().Add(-30 * time.Minute).UTC().Truncate(time.Second)
	require.NoError(t, projects.WriteSidecarJSON(h.registry.Dir("webapp"), "session.json",
		models.SessionMeta{Project: "webapp", SessionName: "orch-webapp", StartedAt: started}))

	_, body := h.get(t, "/api/sessions")
	sessions := body["sessions"].([]any)
	require.Len(t, sessions, 2)

	byName := map[string]map[string]any{}
	for _, raw := range sessions {
		row := raw.(map[string]any)
		byName[row["project"].(string)] = row
	}
	assert.True(t, byName["webapp"]["live"].(bool))
	assert.Equal(t, "orch-webapp", byName["webapp"]["sessionName"])
	assert.False(t, byName["scraper"]["live"].(bool))
	assert.Nil(t, byName["scraper"]["sessionName"])
}

func TestEvaluationsRequiresProject(t *testing.T) {
	h := newHarness(t)
	rec, _ := h.get(t, "/api/evaluations")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationsReturnsRows(t *testing.T) {
	h := newHarness(t)
	now := time.Now().UTC()
	for i, score := range []int{3, 5} {
		require.NoError(t, h.evals.Insert(context.Background(), models.Evaluation{
			SessionID:   "orch-webapp-" + string(rune('a'+i)),
			Project:     "webapp",
			StartedAt:   now.Add(-2 * time.Hour),
			StoppedAt:   now.Add(-time.Hour),
			Score:       score,
			EvaluatedAt: now.Add(time.Duration(i) * time.Minute),
		}))
	}

	rec, body := h.get(t, "/api/evaluations?project=webapp")
	require.Equal(t, http.StatusOK, rec.Code)
	rows := body["evaluations"].([]any)
	require.Len(t, rows, 2)
	newest := rows[0].(map[string]any)
	assert.EqualValues(t, 5, newest["score"])

	rec, body = h.get(t, "/api/evaluations?project=webapp&limit=1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, body["evaluations"].([]any), 1)

	rec, _ = h.get(t, "/api/evaluations?project=webapp&limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEvaluationsEmptyProjectIsEmptyList(t *testing.T) {
	h := newHarness(t)
	rec, body := h.get(t, "/api/evaluations?project=ghost")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["evaluations"].([]any))
}

func TestHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.store.AppendDecision(models.DecisionRecord{
		Recommendation: models.Recommendation{Project: "webapp", Action: models.ActionStart, Reason: "idle"},
		Timestamp:      time.Now(),
	}))
	require.NoError(t, h.store.AppendExecution(models.ExecutionRecord{
		Project: "webapp", Action: models.ActionStart, Result: "started",
	}))

	rec, body := h.get(t, "/api/history")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, body["decisions"].([]any), 1)
	require.Len(t, body["executions"].([]any), 1)

	dec := body["decisions"].([]any)[0].(map[string]any)
	inner := dec["recommendation"].(map[string]any)
	assert.Equal(t, "webapp", inner["project"])
}

func TestHistoryEmpty(t *testing.T) {
	h := newHarness(t)
	rec, body := h.get(t, "/api/history")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["decisions"].([]any))
	assert.Empty(t, body["executions"].([]any))
}
