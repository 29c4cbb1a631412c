// Package api serves the local read-only status API. It exposes what the
// daemon knows over loopback for dashboards and shell tooling; every
// mutation still goes through the SMS command channel.
package api

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opsloop/orchd/pkg/breaker"
	"github.com/opsloop/orchd/pkg/database"
	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/notify"
	"github.com/opsloop/orchd/pkg/projects"
	"github.com/opsloop/orchd/pkg/services"
	"github.com/opsloop/orchd/pkg/session"
	"github.com/opsloop/orchd/pkg/statefile"
	"github.com/opsloop/orchd/pkg/version"
)

// DefaultListenAddr binds loopback only; the API carries operational
// detail that must not leave the machine.
const DefaultListenAddr = "127.0.0.1:7733"

const dbPingTimeout = 5 * time.Second

// Controls is the slice of the supervisor's state the API reports.
type Controls interface {
	AIEnabled() bool
	Paused() bool
	AutonomyLevel() models.AutonomyLevel
}

// Server is the read-only HTTP surface.
type Server struct {
	db       *sql.DB
	state    *statefile.Store
	registry *projects.Registry
	sessions *session.Controller
	evals    *services.EvaluationService
	breakers *breaker.Registry
	notifier *notify.Manager
	controls Controls
	log      *slog.Logger
}

// NewServer creates the API server.
func NewServer(
	db *sql.DB,
	state *statefile.Store,
	registry *projects.Registry,
	sessions *session.Controller,
	evals *services.EvaluationService,
	breakers *breaker.Registry,
	notifier *notify.Manager,
	controls Controls,
) *Server {
	return &Server{
		db:       db,
		state:    state,
		registry: registry,
		sessions: sessions,
		evals:    evals,
		breakers: breakers,
		notifier: notifier,
		controls: controls,
		log:      slog.With("component", "api"),
	}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.Healthz)
	api := r.Group("/api")
	{
		api.GET("/status", s.Status)
		api.GET("/sessions", s.Sessions)
		api.GET("/evaluations", s.Evaluations)
		api.GET("/history", s.History)
	}
	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context, addr string) error {
	if addr == "" {
		addr = DefaultListenAddr
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	s.log.Info("Status API listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Healthz reports daemon liveness and database reachability.
func (s *Server) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), dbPingTimeout)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"version":  version.Full(),
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
	})
}
