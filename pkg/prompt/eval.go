package prompt

import (
	"fmt"
	"strings"

	"github.com/opsloop/orchd/pkg/models"
	"github.com/opsloop/orchd/pkg/vcs"
)

// BuildEvalPrompt composes the fixed-rubric prompt the evaluator sends to
// the oracle after a session ends.
func BuildEvalPrompt(meta models.SessionMeta, scrollback string, progress vcs.Progress, signals []models.Signal) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Evaluate this coding-agent session on project %q.\n\n", meta.Project)
	fmt.Fprintf(&b, "Original prompt: %s\n", truncate(meta.Prompt, 500))
	fmt.Fprintf(&b, "Started: %s\n\n", meta.StartedAt.Format("2006-01-02 15:04"))

	fmt.Fprintf(&b, "## Version control\nCommits: %d, files changed: %d, +%d/-%d lines\n",
		len(progress.Commits), progress.FilesChanged, progress.Insertions, progress.Deletions)
	if len(progress.Commits) > 0 {
		b.WriteString("Commit log:\n")
		for _, c := range progress.Commits {
			fmt.Fprintf(&b, "  %s\n", c)
		}
	}
	if progress.Dirty {
		b.WriteString("Working tree left dirty.\n")
	}

	for _, sig := range signals {
		fmt.Fprintf(&b, "\n## Agent signal: %s\n", sig.Kind)
		for k, v := range sig.Payload {
			fmt.Fprintf(&b, "%s: %v\n", k, v)
		}
	}

	if scrollback != "" {
		fmt.Fprintf(&b, "\n## Last output\n%s\n", truncate(scrollback, 3000))
	}

	b.WriteString(`
Score the session using this rubric:
5 = goal fully accomplished with committed, working code
4 = substantial progress, minor loose ends
3 = some progress, goal incomplete
2 = little progress or significant churn without results
1 = no progress, errors, or destructive behavior

Respond with JSON only:
{"score":1-5,"recommendation":"continue|retry|escalate|complete","accomplishments":["..."],"failures":["..."],"reasoning":"...","nextPrompt":"what the next session should do"}`)

	return b.String()
}
