// Package projects owns the supervised-project registry: enumeration from
// config at boot, per-scan snapshot refresh, and the sidecar file protocol
// agents use to signal the supervisor.
package projects

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opsloop/orchd/pkg/config"
	"github.com/opsloop/orchd/pkg/models"
)

// Registry holds one snapshot per configured project. Projects are fixed
// at boot and never deleted at runtime; only their snapshots change.
type Registry struct {
	mu        sync.RWMutex
	cfg       *config.Config
	scanner   StateScanner
	snapshots map[string]*models.ProjectSnapshot
	order     []string
	log       *slog.Logger
}

// NewRegistry enumerates projects from config. scanner may be nil, in
// which case snapshots carry only identity and session state.
func NewRegistry(cfg *config.Config, scanner StateScanner) *Registry {
	r := &Registry{
		cfg:       cfg,
		scanner:   scanner,
		snapshots: make(map[string]*models.ProjectSnapshot),
		log:       slog.With("component", "projects"),
	}
	for _, p := range cfg.Projects {
		r.snapshots[p.Name] = &models.ProjectSnapshot{
			Name: p.Name,
			Dir:  cfg.ProjectDir(p.Name),
		}
		r.order = append(r.order, p.Name)
	}
	return r
}

// Names returns project names in config order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Has reports whether name is a configured project.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.snapshots[name]
	return ok
}

// Dir returns the project's working directory, or empty for an unknown
// name.
func (r *Registry) Dir(name string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if s, ok := r.snapshots[name]; ok {
		return s.Dir
	}
	return ""
}

// Snapshot returns a copy of one project's current snapshot.
func (r *Registry) Snapshot(name string) (models.ProjectSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.snapshots[name]
	if !ok {
		return models.ProjectSnapshot{}, false
	}
	return *s, true
}

// Snapshots returns copies of every snapshot in config order.
func (r *Registry) Snapshots() []models.ProjectSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ProjectSnapshot, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.snapshots[name])
	}
	return out
}

// SetSessionLive marks whether a project currently has a live session.
func (r *Registry) SetSessionLive(name string, live bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.snapshots[name]; ok {
		s.SessionLive = live
	}
}

// Refresh rescans every project's state and returns the names whose
// attention status flipped on since the previous scan. Scan failures for
// one project do not block the rest.
func (r *Registry) Refresh(ctx context.Context) []string {
	if r.scanner == nil {
		return nil
	}

	var nowNeedy []string
	for _, name := range r.Names() {
		dir := r.Dir(name)
		scanned, err := r.scanner.Scan(ctx, name, dir)
		if err != nil {
			r.log.Warn("Project scan failed", "project", name, "error", err)
			continue
		}

		r.mu.Lock()
		cur := r.snapshots[name]
		wasNeedy := cur.NeedsAttention
		cur.Phase = scanned.Phase
		cur.Progress = scanned.Progress
		cur.NeedsAttention = scanned.NeedsAttention
		cur.AttentionWhy = scanned.AttentionWhy
		cur.Blockers = scanned.Blockers
		cur.Overrides = scanned.Overrides
		cur.LastScanned = time.Now()
		needy := cur.NeedsAttention && !wasNeedy
		r.mu.Unlock()

		if needy {
			nowNeedy = append(nowNeedy, name)
		}
	}
	return nowNeedy
}
