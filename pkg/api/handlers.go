package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsloop/orchd/pkg/breaker"
	"github.com/opsloop/orchd/pkg/models"
)

// defaultEvalLimit caps one evaluations page.
const defaultEvalLimit = 20

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	AIEnabled     bool             `json:"aiEnabled"`
	Paused        bool             `json:"paused"`
	AutonomyLevel string           `json:"autonomyLevel"`
	Projects      int              `json:"projects"`
	LiveSessions  int              `json:"liveSessions"`
	SMSSentToday  int              `json:"smsSentToday"`
	SMSBudget     int              `json:"smsBudget"`
	LastScan      time.Time        `json:"lastScan,omitzero"`
	Breakers      []breaker.Status `json:"breakers"`
}

// Status reports the supervisor's operating state.
func (s *Server) Status(c *gin.Context) {
	live, err := s.sessions.LiveCount(c.Request.Context())
	if err != nil {
		s.log.Warn("Could not count live sessions", "error", err)
		live = -1
	}
	sent, budget, _, _ := s.notifier.Status()

	c.JSON(http.StatusOK, StatusResponse{
		AIEnabled:     s.controls.AIEnabled(),
		Paused:        s.controls.Paused(),
		AutonomyLevel: string(s.controls.AutonomyLevel()),
		Projects:      len(s.registry.Names()),
		LiveSessions:  live,
		SMSSentToday:  sent,
		SMSBudget:     budget,
		LastScan:      s.state.Snapshot().LastScan,
		Breakers:      s.breakers.Snapshots(),
	})
}

// SessionInfo is one row of GET /api/sessions.
type SessionInfo struct {
	Project     string    `json:"project"`
	SessionName string    `json:"sessionName,omitempty"`
	Live        bool      `json:"live"`
	StartedAt   time.Time `json:"startedAt,omitzero"`
	Phase       string    `json:"phase,omitempty"`
	Attention   string    `json:"attention,omitempty"`
}

// Sessions lists every project with its session state.
func (s *Server) Sessions(c *gin.Context) {
	var out []SessionInfo
	for _, snap := range s.registry.Snapshots() {
		info := SessionInfo{
			Project:   snap.Name,
			Live:      snap.SessionLive,
			Phase:     snap.Phase,
			Attention: snap.AttentionWhy,
		}
		if meta, err := s.sessions.Meta(s.registry.Dir(snap.Name)); err == nil && !meta.Ended {
			info.SessionName = meta.SessionName
			info.StartedAt = meta.StartedAt
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// Evaluations returns a project's recent session evaluations.
func (s *Server) Evaluations(c *gin.Context) {
	project := c.Query("project")
	if project == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "project query parameter required"})
		return
	}
	limit := defaultEvalLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}

	evals, err := s.evals.RecentForProject(c.Request.Context(), project, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if evals == nil {
		evals = []models.Evaluation{}
	}
	c.JSON(http.StatusOK, gin.H{"project": project, "evaluations": evals})
}

// History returns the capped decision and execution audit trails from the
// state file, newest last.
func (s *Server) History(c *gin.Context) {
	st := s.state.Snapshot()
	decisions := st.AIDecisionHistory
	if decisions == nil {
		decisions = []models.DecisionRecord{}
	}
	executions := st.ExecutionHistory
	if executions == nil {
		executions = []models.ExecutionRecord{}
	}
	c.JSON(http.StatusOK, gin.H{
		"decisions":  decisions,
		"executions": executions,
	})
}
