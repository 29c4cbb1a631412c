package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

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

type alwaysQuiet struct{}

func (alwaysQuiet) Contains(time.Time) bool { return true }

type neverQuiet struct{}

func (neverQuiet) Contains(time.Time) bool { return false }

func newTestManager(quiet QuietWindow, budget int) (*Manager, *fakeTransport) {
	tr := &fakeTransport{}
	m := NewManager(tr, quiet, nil, Config{
		DailyBudget:       budget,
		BatchInterval:     4 * time.Hour,
		UrgentBypassQuiet: true,
	})
	return m, tr
}

func TestUrgentBypassesQuietAndBudget(t *testing.T) {
	m, tr := newTestManager(alwaysQuiet{}, 0)
	m.Notify(context.Background(), TierUrgent, "SERVICE DOWN: mlx-api")
	require.Len(t, tr.messages(), 1)
}

func TestActionQueuesDuringQuiet(t *testing.T) {
	m, tr := newTestManager(alwaysQuiet{}, 20)
	m.Notify(context.Background(), TierAction, "restarted mlx-api")
	assert.Empty(t, tr.messages())

	_, _, _, quietQueued := m.Status()
	assert.Equal(t, 1, quietQueued)
}

func TestBudgetExhaustionDowngradesToBatch(t *testing.T) {
	budget := 3
	m, tr := newTestManager(neverQuiet{}, budget)
	ctx := context.Background()

	for i := 0; i < budget+2; i++ {
		m.Notify(ctx, TierAction, fmt.Sprintf("action %d", i))
	}

	assert.Len(t, tr.messages(), budget, "exactly budget messages transmitted")
	_, _, batchQueued, _ := m.Status()
	assert.Equal(t, 2, batchQueued, "overflow lands in the batch queue")
}

func TestSummaryBatchesAndPiggybacks(t *testing.T) {
	m, tr := newTestManager(neverQuiet{}, 20)
	ctx := context.Background()

	m.Notify(ctx, TierSummary, "nightly cleanup ok")
	m.Notify(ctx, TierSummary, "disk at 40%")
	assert.Empty(t, tr.messages(), "summaries do not send alone")

	m.Notify(ctx, TierUrgent, "SERVICE DOWN: mlx-api")
	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0], "SERVICE DOWN: mlx-api")
	assert.Contains(t, msgs[0], "nightly cleanup ok")
	assert.Contains(t, msgs[0], "disk at 40%")
}

func TestBatchFlushOnInterval(t *testing.T) {
	m, tr := newTestManager(neverQuiet{}, 20)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := base
	m.now = func() time.Time { return now }
	m.lastBatchFlush = base

	m.Notify(ctx, TierSummary, "summary line")
	m.FlushBatchIfDue(ctx)
	assert.Empty(t, tr.messages(), "interval not yet elapsed")

	now = base.Add(5 * time.Hour)
	m.FlushBatchIfDue(ctx)
	require.Len(t, tr.messages(), 1)
	assert.Contains(t, tr.messages()[0], "summary line")
}

func TestBatchTruncation(t *testing.T) {
	m, tr := newTestManager(neverQuiet{}, 20)
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		m.Notify(ctx, TierSummary, strings.Repeat("x", 100))
	}
	m.Notify(ctx, TierUrgent, "go")
	msgs := tr.messages()
	require.Len(t, msgs, 1)
	assert.LessOrEqual(t, len(msgs[0]), len("go\n\n")+MaxBatchChars+len("…"))
}

func TestDebugIsLogOnly(t *testing.T) {
	m, tr := newTestManager(neverQuiet{}, 20)
	m.Notify(context.Background(), TierDebug, "cooldown hit for alpha")
	assert.Empty(t, tr.messages())
}

func TestBudgetResetsAtMidnight(t *testing.T) {
	m, tr := newTestManager(neverQuiet{}, 1)
	ctx := context.Background()

	day1 := time.Date(2026, 3, 1, 23, 50, 0, 0, time.UTC)
	now := day1
	m.now = func() time.Time { return now }

	m.Notify(ctx, TierAction, "one")
	m.Notify(ctx, TierAction, "two") // over budget, batched
	assert.Len(t, tr.messages(), 1)

	now = day1.Add(20 * time.Minute) // past midnight
	m.Notify(ctx, TierAction, "three")
	assert.Len(t, tr.messages(), 2, "fresh budget after midnight")
}

func TestReleaseQuietQueue(t *testing.T) {
	quiet := &toggleQuiet{quiet: true}
	tr := &fakeTransport{}
	m := NewManager(tr, quiet, nil, Config{DailyBudget: 20, BatchInterval: time.Hour, UrgentBypassQuiet: true})
	ctx := context.Background()

	m.Notify(ctx, TierAction, "while you slept")
	assert.Empty(t, tr.messages())

	quiet.quiet = false
	m.ReleaseQuietQueue(ctx)
	require.Len(t, tr.messages(), 1)
	assert.Contains(t, tr.messages()[0], "while you slept")

	// Releasing again is a no-op.
	m.ReleaseQuietQueue(ctx)
	assert.Len(t, tr.messages(), 1)
}

type toggleQuiet struct{ quiet bool }

func (q *toggleQuiet) Contains(time.Time) bool { return q.quiet }

func TestQuietHoursWindow(t *testing.T) {
	q, err := NewQuietHours("22:00", "07:00", "UTC")
	require.NoError(t, err)

	assert.True(t, q.Contains(time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)))
	assert.True(t, q.Contains(time.Date(2026, 3, 1, 3, 0, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	assert.False(t, q.Contains(time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC)), "end bound is exclusive")
	assert.True(t, q.Contains(time.Date(2026, 3, 1, 22, 0, 0, 0, time.UTC)), "start bound is inclusive")
}
