// Package masking redacts credential-looking substrings from conversation
// text before it is persisted. A fixed set of literal patterns is compiled
// once at startup; conversation storage never sees raw secrets.
package masking

import (
	"log/slog"
	"regexp"
	"strings"
)

// Redacted is the replacement for the secret portion of a match.
const Redacted = "[REDACTED]"

// Pattern is one credential-shaped pattern. The regex must contain exactly
// one capture group: the secret to replace. Text outside the group is kept
// so the operator can still tell what kind of credential was scrubbed.
type Pattern struct {
	Name  string
	Regex string
}

// builtinPatterns is the fixed literal set. Matching is case-insensitive.
var builtinPatterns = []Pattern{
	{"api_key", `(?i)api[_-]?key["'\s:=]+([A-Za-z0-9_\-]{16,})`},
	{"bearer_token", `(?i)bearer\s+([A-Za-z0-9_\-\.=]{16,})`},
	{"password_assignment", `(?i)(?:password|passwd|pwd)["'\s:=]+(\S{6,})`},
	{"secret_assignment", `(?i)secret["'\s:=]+([A-Za-z0-9_\-]{12,})`},
	{"aws_access_key", `\b(AKIA[0-9A-Z]{16})\b`},
	{"github_token", `\b(gh[pousr]_[A-Za-z0-9]{36,})\b`},
	{"slack_token", `\b(xox[baprs]-[A-Za-z0-9\-]{10,})\b`},
	{"private_key_block", `(-----BEGIN [A-Z ]*PRIVATE KEY-----[\s\S]*?-----END [A-Z ]*PRIVATE KEY-----)`},
	{"connection_string", `(?i)://[^/\s:]+:([^@\s]+)@`},
}

type compiledPattern struct {
	name  string
	regex *regexp.Regexp
}

// Service applies credential redaction. Stateless aside from compiled
// patterns; safe for concurrent use.
type Service struct {
	patterns []compiledPattern
}

// NewService compiles the builtin pattern set. Invalid patterns are logged
// and skipped rather than failing startup.
func NewService() *Service {
	s := &Service{}
	for _, p := range builtinPatterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			slog.Error("Failed to compile masking pattern, skipping",
				"pattern", p.Name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, compiledPattern{name: p.Name, regex: re})
	}
	slog.Info("Masking service initialized", "patterns", len(s.patterns))
	return s
}

// Redact returns text with every credential match replaced by the redaction
// marker. Text with no matches is returned unchanged.
func (s *Service) Redact(text string) string {
	if text == "" {
		return text
	}
	for _, p := range s.patterns {
		text = p.regex.ReplaceAllStringFunc(text, func(match string) string {
			groups := p.regex.FindStringSubmatch(match)
			if len(groups) < 2 {
				return Redacted
			}
			// Replace only the captured secret, keep the surrounding label.
			result := match
			for _, secret := range groups[1:] {
				if secret != "" {
					result = replaceLast(result, secret, Redacted)
				}
			}
			return result
		})
	}
	return text
}

// replaceLast replaces the last occurrence of old in s. The secret is the
// trailing portion of the match, so replacing the last occurrence avoids
// mangling labels that happen to repeat the secret's prefix.
func replaceLast(s, old, replacement string) string {
	idx := strings.LastIndex(s, old)
	if idx < 0 {
		return s
	}
	return s[:idx] + replacement + s[idx+len(old):]
}
