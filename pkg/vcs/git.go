// Package vcs probes git working trees for the progress signals that feed
// session evaluation: head movement, diff churn, and commit subjects.
package vcs

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// Progress summarizes repository movement between two points.
type Progress struct {
	HeadBefore   string   `json:"headBefore,omitempty"`
	HeadAfter    string   `json:"headAfter,omitempty"`
	Commits      []string `json:"commits,omitempty"`
	FilesChanged int      `json:"filesChanged"`
	Insertions   int      `json:"insertions"`
	Deletions    int      `json:"deletions"`
	Dirty        bool     `json:"dirty"`
}

// Prober runs git against a working tree. Swapped in tests.
type Prober interface {
	Head(ctx context.Context, dir string) (string, error)
	Progress(ctx context.Context, dir, sinceHead string) (Progress, error)
}

// GitProber shells out to the git binary.
type GitProber struct{}

// NewGitProber returns a prober using git on PATH.
func NewGitProber() *GitProber {
	return &GitProber{}
}

// Head returns the current HEAD SHA, or empty for a directory that is not
// a git repository.
func (GitProber) Head(ctx context.Context, dir string) (string, error) {
	out, err := git(ctx, dir, "rev-parse", "HEAD")
	if err != nil {
		// Not a repo, or an unborn branch. Either way there is no head.
		return "", nil
	}
	return out, nil
}

// Progress reports movement since sinceHead. An empty sinceHead limits the
// report to working-tree dirtiness.
func (g GitProber) Progress(ctx context.Context, dir, sinceHead string) (Progress, error) {
	p := Progress{HeadBefore: sinceHead}

	head, err := g.Head(ctx, dir)
	if err != nil {
		return p, err
	}
	p.HeadAfter = head

	if status, err := git(ctx, dir, "status", "--porcelain"); err == nil {
		p.Dirty = status != ""
	}

	if sinceHead == "" || head == "" || sinceHead == head {
		return p, nil
	}

	span := sinceHead + ".." + head
	if out, err := git(ctx, dir, "log", "--oneline", span); err == nil && out != "" {
		p.Commits = strings.Split(out, "\n")
	}
	if out, err := git(ctx, dir, "diff", "--shortstat", span); err == nil {
		p.FilesChanged, p.Insertions, p.Deletions = parseShortstat(out)
	}
	return p, nil
}

// parseShortstat reads a line like
// "3 files changed, 42 insertions(+), 7 deletions(-)". Any absent clause
// stays zero.
func parseShortstat(line string) (files, ins, del int) {
	for _, part := range strings.Split(line, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) < 2 {
			continue
		}
		n, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		switch {
		case strings.HasPrefix(fields[1], "file"):
			files = n
		case strings.HasPrefix(fields[1], "insertion"):
			ins = n
		case strings.HasPrefix(fields[1], "deletion"):
			del = n
		}
	}
	return files, ins, del
}

func git(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s failed: %w", args[0], err)
	}
	return strings.TrimSpace(string(out)), nil
}
