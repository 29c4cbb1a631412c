package command

import (
	"strings"

	"github.com/agext/levenshtein"
)

// matchProject resolves an operator-typed name to a configured project:
// exact match, then unique prefix/substring, then Levenshtein with a
// distance budget proportional to the query length.
func (r *Router) matchProject(query string) (string, bool) {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return "", false
	}
	names := r.registry.Names()

	for _, name := range names {
		if strings.ToLower(name) == query {
			return name, true
		}
	}

	var substr []string
	for _, name := range names {
		if strings.Contains(strings.ToLower(name), query) {
			substr = append(substr, name)
		}
	}
	if len(substr) == 1 {
		return substr[0], true
	}

	// A third of the query length in edits covers typos without letting
	// "alpha" match "omega".
	budget := len(query) / 3
	if budget < 1 {
		budget = 1
	}
	best := ""
	bestDist := budget + 1
	for _, name := range names {
		d := levenshtein.Distance(strings.ToLower(name), query, nil)
		if d < bestDist {
			best, bestDist = name, d
		}
	}
	if best != "" {
		return best, true
	}
	return "", false
}
