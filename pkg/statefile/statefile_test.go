package statefile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/orchd/pkg/models"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	return s
}

func TestVersionIsMonotonic(t *testing.T) {
	s := openStore(t)
	v1 := s.IncrementVersion()
	v2 := s.IncrementVersion()
	require.NoError(t, s.AppendExecution(models.ExecutionRecord{
		Action: models.ActionSkip, Project: "alpha", Result: "logged", Timestamp: time.Now(),
	}))
	v3 := s.Version()
	assert.Less(t, v1, v2)
	assert.Less(t, v2, v3)
}

func TestHistoryCaps(t *testing.T) {
	s := openStore(t)
	for i := 0; i < MaxExecutionHistory+25; i++ {
		require.NoError(t, s.AppendExecution(models.ExecutionRecord{
			Action: models.ActionSkip, Project: "alpha", Timestamp: time.Now(),
		}))
	}
	for i := 0; i < MaxDecisionHistory+10; i++ {
		require.NoError(t, s.AppendDecision(models.DecisionRecord{Timestamp: time.Now()}))
	}
	st := s.Snapshot()
	assert.Len(t, st.ExecutionHistory, MaxExecutionHistory)
	assert.Len(t, st.AIDecisionHistory, MaxDecisionHistory)
}

func TestPersistenceRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.SetAutonomyLevel(models.AutonomyModerate))
	require.NoError(t, s.WithState(func(st *State) error {
		st.LastRowID = 42
		st.ErrorRetryCounts["alpha"] = 2
		return nil
	}))

	reopened, err := Open(path)
	require.NoError(t, err)
	st := reopened.Snapshot()
	assert.Equal(t, int64(42), st.LastRowID)
	assert.Equal(t, 2, st.ErrorRetryCounts["alpha"])
	assert.Equal(t, models.AutonomyModerate, reopened.AutonomyLevel(models.AutonomyObserve))
}

func TestCorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := Open(path)
	require.NoError(t, err)
	assert.Equal(t, int64(0), s.Version())
	_, err = os.Stat(path + ".corrupt")
	assert.NoError(t, err, "corrupt original should be kept aside")
}

func TestWithStateErrorLeavesStateUntouched(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.WithState(func(st *State) error {
		st.LastRowID = 7
		return nil
	}))
	err := s.WithState(func(st *State) error {
		st.LastRowID = 99
		return assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, int64(7), s.Snapshot().LastRowID)
}

func TestRestartsSince(t *testing.T) {
	s := openStore(t)
	now := time.Now()
	require.NoError(t, s.RecordRestart(now.Add(-2*time.Hour)))
	require.NoError(t, s.RecordRestart(now.Add(-30*time.Minute)))
	require.NoError(t, s.RecordRestart(now.Add(-5*time.Minute)))
	assert.Equal(t, 2, s.RestartsSince(now.Add(-time.Hour)))
}

func TestAutonomyFallback(t *testing.T) {
	s := openStore(t)
	assert.Equal(t, models.AutonomyCautious, s.AutonomyLevel(models.AutonomyCautious))
	require.NoError(t, s.WithState(func(st *State) error {
		st.RuntimeAutonomyLevel = "bogus"
		return nil
	}))
	assert.Equal(t, models.AutonomyObserve, s.AutonomyLevel(models.AutonomyFull))
}
