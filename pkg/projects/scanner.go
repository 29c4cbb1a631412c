package projects

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/opsloop/orchd/pkg/models"
)

// StateScanner extracts a project's current phase, progress, and
// attention status. Implementations own the on-disk format.
type StateScanner interface {
	Scan(ctx context.Context, name, dir string) (models.ProjectSnapshot, error)
}

// stateFileName is the per-project status document maintained by agents.
const stateFileName = "PROJECT_STATE.md"

// prioritiesFileName is the operator override file at the projects root.
const prioritiesFileName = "priorities.json"

// MarkdownScanner reads the project's status markdown and the shared
// priorities override file. A missing state file yields an empty snapshot,
// not an error.
type MarkdownScanner struct {
	projectsDir string
}

// NewMarkdownScanner creates a scanner rooted at the projects directory.
func NewMarkdownScanner(projectsDir string) *MarkdownScanner {
	return &MarkdownScanner{projectsDir: projectsDir}
}

func (s *MarkdownScanner) Scan(_ context.Context, name, dir string) (models.ProjectSnapshot, error) {
	snap := models.ProjectSnapshot{Name: name, Dir: dir}

	f, err := os.Open(filepath.Join(dir, stateFileName))
	if err != nil {
		if os.IsNotExist(err) {
			snap.Overrides = s.overridesFor(name)
			return snap, nil
		}
		return snap, fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	inBlockers := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		lower := strings.ToLower(line)

		switch {
		case strings.HasPrefix(lower, "phase:"):
			snap.Phase = strings.TrimSpace(line[len("phase:"):])
			inBlockers = false
		case strings.HasPrefix(lower, "progress:"):
			snap.Progress = strings.TrimSpace(line[len("progress:"):])
			inBlockers = false
		case strings.HasPrefix(lower, "needs attention:"):
			why := strings.TrimSpace(line[len("needs attention:"):])
			if !strings.EqualFold(why, "no") && why != "" {
				snap.NeedsAttention = true
				snap.AttentionWhy = why
			}
			inBlockers = false
		case strings.HasPrefix(lower, "blockers:"):
			inBlockers = true
		case inBlockers && strings.HasPrefix(line, "- "):
			snap.Blockers = append(snap.Blockers, strings.TrimSpace(line[2:]))
		case line != "":
			inBlockers = false
		}
	}
	if err := scanner.Err(); err != nil {
		return snap, fmt.Errorf("failed to read state file: %w", err)
	}

	snap.Overrides = s.overridesFor(name)
	return snap, nil
}

// overridesFor reads the operator's priorities file. The file is optional
// and operator-owned; any read or parse problem means no overrides.
func (s *MarkdownScanner) overridesFor(name string) []string {
	data, err := os.ReadFile(filepath.Join(s.projectsDir, prioritiesFileName))
	if err != nil {
		return nil
	}
	var all map[string][]string
	if err := json.Unmarshal(data, &all); err != nil {
		return nil
	}
	return all[name]
}
