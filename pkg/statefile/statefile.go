// Package statefile owns the process-wide JSON state file. All mutation
// goes through WithState so the read-modify-write cycle is serialized and
// versioned; callers never see the file path.
package statefile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/opsloop/orchd/pkg/models"
)

// History caps. Append helpers trim the oldest entries beyond these.
const (
	MaxDecisionHistory   = 50
	MaxExecutionHistory  = 100
	MaxEvaluationHistory = 100
	MaxRestartHistory    = 100
	MaxAlertHistory      = 100
)

// AlertRecord is one fired health alert, kept for dedup and audit.
type AlertRecord struct {
	Service   string    `json:"service"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// State is the full document. Absent keys default to their zero values;
// there is no schema versioning.
type State struct {
	LastRowID            int64                    `json:"lastRowId"`
	LastScan             time.Time                `json:"lastScan,omitzero"`
	LastDigest           time.Time                `json:"lastDigest,omitzero"`
	AlertHistory         []AlertRecord            `json:"alertHistory,omitempty"`
	AIDecisionHistory    []models.DecisionRecord  `json:"aiDecisionHistory,omitempty"`
	ExecutionHistory     []models.ExecutionRecord `json:"executionHistory,omitempty"`
	EvaluationHistory    []models.Evaluation      `json:"evaluationHistory,omitempty"`
	ErrorRetryCounts     map[string]int           `json:"errorRetryCounts,omitempty"`
	RuntimeAutonomyLevel string                   `json:"runtimeAutonomyLevel,omitempty"`
	StateVersion         int64                    `json:"stateVersion"`
	HealthRestartHistory []time.Time              `json:"healthRestartHistory,omitempty"`
}

// Store is the single owner of the state file.
type Store struct {
	mu    sync.Mutex
	path  string
	state State
	log   *slog.Logger
}

// Open loads (or initializes) the state file at path. A corrupt file is
// backed up aside and replaced with a fresh state rather than failing the
// daemon.
func Open(path string) (*Store, error) {
	s := &Store{
		path: path,
		log:  slog.With("component", "statefile"),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		s.state = State{ErrorRetryCounts: map[string]int{}}
	case err != nil:
		return nil, fmt.Errorf("failed to read state file: %w", err)
	default:
		if jsonErr := json.Unmarshal(data, &s.state); jsonErr != nil {
			backup := path + ".corrupt"
			s.log.Error("State file is corrupt, starting fresh", "error", jsonErr, "backup", backup)
			_ = os.WriteFile(backup, data, 0o644)
			s.state = State{ErrorRetryCounts: map[string]int{}}
		}
	}
	if s.state.ErrorRetryCounts == nil {
		s.state.ErrorRetryCounts = map[string]int{}
	}
	return s, nil
}

// WithState applies fn to the state under the store mutex and persists the
// result. fn returning an error aborts the write and leaves the in-memory
// state untouched.
func (s *Store) WithState(fn func(st *State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	working := s.state.clone()
	if err := fn(&working); err != nil {
		return err
	}
	if err := s.flush(&working); err != nil {
		return err
	}
	s.state = working
	return nil
}

// Snapshot returns a copy of the current state for read-only use.
func (s *Store) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.clone()
}

// Version returns the current state version.
func (s *Store) Version() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.StateVersion
}

// IncrementVersion bumps the version counter and persists. Components call
// this on meaningful state mutations so history entries can be correlated.
func (s *Store) IncrementVersion() int64 {
	var v int64
	_ = s.WithState(func(st *State) error {
		st.StateVersion++
		v = st.StateVersion
		return nil
	})
	return v
}

// flush writes atomically: temp file then rename.
func (s *Store) flush(st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

func (st State) clone() State {
	out := st
	out.AlertHistory = append([]AlertRecord(nil), st.AlertHistory...)
	out.AIDecisionHistory = append([]models.DecisionRecord(nil), st.AIDecisionHistory...)
	out.ExecutionHistory = append([]models.ExecutionRecord(nil), st.ExecutionHistory...)
	out.EvaluationHistory = append([]models.Evaluation(nil), st.EvaluationHistory...)
	out.HealthRestartHistory = append([]time.Time(nil), st.HealthRestartHistory...)
	out.ErrorRetryCounts = make(map[string]int, len(st.ErrorRetryCounts))
	for k, v := range st.ErrorRetryCounts {
		out.ErrorRetryCounts[k] = v
	}
	return out
}

// AppendDecision records a decision, bumping the version and trimming to cap.
func (s *Store) AppendDecision(rec models.DecisionRecord) error {
	return s.WithState(func(st *State) error {
		st.StateVersion++
		rec.StateVersion = st.StateVersion
		st.AIDecisionHistory = appendCapped(st.AIDecisionHistory, rec, MaxDecisionHistory)
		return nil
	})
}

// AppendExecution records an execution attempt, bumping the version.
func (s *Store) AppendExecution(rec models.ExecutionRecord) error {
	return s.WithState(func(st *State) error {
		st.StateVersion++
		rec.StateVersion = st.StateVersion
		st.ExecutionHistory = appendCapped(st.ExecutionHistory, rec, MaxExecutionHistory)
		return nil
	})
}

// AppendEvaluation records an evaluation in the hot-path history. The DB
// table is the analytical store; this copy feeds context assembly.
func (s *Store) AppendEvaluation(ev models.Evaluation) error {
	return s.WithState(func(st *State) error {
		st.StateVersion++
		st.EvaluationHistory = appendCapped(st.EvaluationHistory, ev, MaxEvaluationHistory)
		return nil
	})
}

// AppendAlert records a fired health alert.
func (s *Store) AppendAlert(rec AlertRecord) error {
	return s.WithState(func(st *State) error {
		st.AlertHistory = appendCapped(st.AlertHistory, rec, MaxAlertHistory)
		return nil
	})
}

// RecordRestart appends a restart timestamp to the sliding-window history.
func (s *Store) RecordRestart(at time.Time) error {
	return s.WithState(func(st *State) error {
		st.StateVersion++
		st.HealthRestartHistory = appendCapped(st.HealthRestartHistory, at, MaxRestartHistory)
		return nil
	})
}

// RestartsSince counts recorded restarts at or after cutoff.
func (s *Store) RestartsSince(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, at := range s.state.HealthRestartHistory {
		if !at.Before(cutoff) {
			n++
		}
	}
	return n
}

// AutonomyLevel returns the runtime override if set, else fallback.
func (s *Store) AutonomyLevel(fallback models.AutonomyLevel) models.AutonomyLevel {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.RuntimeAutonomyLevel == "" {
		return fallback
	}
	return models.ParseAutonomyLevel(s.state.RuntimeAutonomyLevel)
}

// SetAutonomyLevel persists a runtime autonomy override.
func (s *Store) SetAutonomyLevel(level models.AutonomyLevel) error {
	return s.WithState(func(st *State) error {
		st.StateVersion++
		st.RuntimeAutonomyLevel = string(level)
		return nil
	})
}

func appendCapped[T any](xs []T, x T, limit int) []T {
	xs = append(xs, x)
	if len(xs) > limit {
		xs = xs[len(xs)-limit:]
	}
	return xs
}
