package services

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/orchd/pkg/database"
	"github.com/opsloop/orchd/pkg/masking"
	"github.com/opsloop/orchd/pkg/models"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	client, err := database.NewClient(context.Background(), filepath.Join(t.TempDir(), "orchd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client.DB()
}

func TestReminderLifecycle(t *testing.T) {
	ctx := context.Background()
	svc := NewReminderService(testDB(t))

	fireAt := time.Now().Add(time.Hour)
	id, err := svc.Set(ctx, "check certs", fireAt)
	require.NoError(t, err)
	assert.Positive(t, id)

	pending, err := svc.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "check certs", pending[0].Text)

	// Not yet due.
	due, err := svc.Due(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, due)

	// Due after the fire time.
	due, err = svc.Due(ctx, fireAt.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, due, 1)

	// Marking fired is idempotent and removes it from pending.
	require.NoError(t, svc.MarkFired(ctx, due[0].ID))
	require.NoError(t, svc.MarkFired(ctx, due[0].ID))
	due, err = svc.Due(ctx, fireAt.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, due, "fired reminders never re-fire")
}

func TestReminderPastTimestampFiresImmediately(t *testing.T) {
	ctx := context.Background()
	svc := NewReminderService(testDB(t))

	_, err := svc.Set(ctx, "overdue", time.Now().Add(-time.Hour))
	require.NoError(t, err)

	due, err := svc.Due(ctx, time.Now())
	require.NoError(t, err)
	assert.Len(t, due, 1)
}

func TestReminderCancelByText(t *testing.T) {
	ctx := context.Background()
	svc := NewReminderService(testDB(t))

	_, err := svc.Set(ctx, "water the plants", time.Now().Add(time.Hour))
	require.NoError(t, err)

	cancelled, err := svc.CancelByText(ctx, "PLANTS")
	require.NoError(t, err)
	assert.Equal(t, "water the plants", cancelled.Text)

	_, err = svc.CancelByText(ctx, "plants")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestConversationRedactsOnWrite(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(testDB(t), masking.NewService())

	require.NoError(t, svc.Push(ctx, "user", "my api_key=sk_live_abcdef1234567890abcd thanks"))

	entries, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.NotContains(t, entries[0].Text, "sk_live_abcdef1234567890abcd")
	assert.Contains(t, entries[0].Text, masking.Redacted)
}

func TestConversationRecentIsChronological(t *testing.T) {
	ctx := context.Background()
	svc := NewConversationService(testDB(t), masking.NewService())

	require.NoError(t, svc.Push(ctx, "user", "first"))
	time.Sleep(2 * time.Millisecond)
	require.NoError(t, svc.Push(ctx, "assistant", "second"))

	entries, err := svc.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "first", entries[0].Text)
	assert.Equal(t, "second", entries[1].Text)
}

func TestConversationRejectsUnknownRole(t *testing.T) {
	svc := NewConversationService(testDB(t), masking.NewService())
	err := svc.Push(context.Background(), "operator", "hi")
	require.Error(t, err)
}

func sampleEvaluation(project string, score int) models.Evaluation {
	now := time.Now()
	return models.Evaluation{
		SessionID:       "sess-" + project,
		Project:         project,
		StartedAt:       now.Add(-30 * time.Minute),
		StoppedAt:       now,
		DurationMinutes: 30,
		Progress:        models.VCSProgress{CommitCount: 2, Insertions: 40, Deletions: 5, FilesChanged: 3},
		Score:           score,
		Recommendation:  models.EvalContinue,
		PromptStyle:     models.StyleImplement,
		EvaluatedAt:     now,
	}
}

func TestEvaluationInsertAndLatest(t *testing.T) {
	ctx := context.Background()
	svc := NewEvaluationService(testDB(t))

	require.NoError(t, svc.Insert(ctx, sampleEvaluation("alpha", 4)))

	ev, err := svc.LatestForProject(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, 4, ev.Score)
	assert.Equal(t, models.EvalContinue, ev.Recommendation)
	assert.Equal(t, 2, ev.Progress.CommitCount)

	_, err = svc.LatestForProject(ctx, "never-ran")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEvaluationPatternsInsufficientData(t *testing.T) {
	ctx := context.Background()
	svc := NewEvaluationService(testDB(t))

	for i := 0; i < 3; i++ {
		ev := sampleEvaluation("alpha", 3)
		ev.SessionID = ev.SessionID + string(rune('a'+i))
		require.NoError(t, svc.Insert(ctx, ev))
	}

	patterns, err := svc.Patterns(ctx)
	require.NoError(t, err)
	assert.True(t, patterns.Insufficient)
	assert.Equal(t, "insufficient data (3/50)", patterns.Progress)
}

func TestRevenueNilValueMeansUnreachable(t *testing.T) {
	ctx := context.Background()
	svc := NewRevenueService(testDB(t))

	v := int64(1250)
	require.NoError(t, svc.Insert(ctx, models.RevenueSnapshot{
		Source: "stripe", Value: &v, CapturedAt: time.Now(),
	}))
	require.NoError(t, svc.Insert(ctx, models.RevenueSnapshot{
		Source: "gumroad", Value: nil, CapturedAt: time.Now(),
	}))

	latest, err := svc.Latest(ctx)
	require.NoError(t, err)
	require.Len(t, latest, 2)
	bySource := map[string]models.RevenueSnapshot{}
	for _, s := range latest {
		bySource[s.Source] = s
	}
	require.NotNil(t, bySource["stripe"].Value)
	assert.Equal(t, int64(1250), *bySource["stripe"].Value)
	assert.Nil(t, bySource["gumroad"].Value, "unreachable is not zero")
}

func TestTrustSummaryAndPromotion(t *testing.T) {
	ctx := context.Background()
	svc := NewTrustService(testDB(t))
	level := models.AutonomyCautious

	for i := 0; i < PromotionMinSessions; i++ {
		require.NoError(t, svc.RecordSessionLaunch(ctx, level))
		require.NoError(t, svc.RecordScore(ctx, level, 4))
	}
	for i := 0; i < PromotionMinDaysAtLevel; i++ {
		require.NoError(t, svc.TickDay(ctx, level))
	}

	sum, err := svc.Summary(ctx, level)
	require.NoError(t, err)
	assert.Equal(t, PromotionMinSessions, sum.SessionsLaunched)
	assert.InDelta(t, 4.0, sum.AverageScore, 0.01)

	rec, err := svc.PromotionRecommendation(ctx, level)
	require.NoError(t, err)
	assert.Contains(t, rec, "moderate")
}

func TestObserveNeverRecommendsPromotion(t *testing.T) {
	ctx := context.Background()
	svc := NewTrustService(testDB(t))

	for i := 0; i < PromotionMinSessions*2; i++ {
		require.NoError(t, svc.RecordSessionLaunch(ctx, models.AutonomyObserve))
		require.NoError(t, svc.RecordScore(ctx, models.AutonomyObserve, 5))
		require.NoError(t, svc.TickDay(ctx, models.AutonomyObserve))
	}
	rec, err := svc.PromotionRecommendation(ctx, models.AutonomyObserve)
	require.NoError(t, err)
	assert.Empty(t, rec, "observe to cautious is never automated")
}
