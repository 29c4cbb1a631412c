package oracle

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExtractJSON recovers a JSON document from CLI output. The cascade:
//
//  1. the whole output is valid JSON
//  2. the output is a markdown code fence around valid JSON
//  3. the output contains an embedded document, found by balanced-brace
//     scanning from the first { or [
//
// Returns the extracted document and whether any stage succeeded.
func ExtractJSON(raw string) ([]byte, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, false
	}

	if json.Valid([]byte(s)) {
		return []byte(s), true
	}

	if inner, ok := stripFence(s); ok && json.Valid([]byte(inner)) {
		return []byte(inner), true
	}

	if doc, ok := scanBalanced(s); ok {
		return []byte(doc), true
	}
	return nil, false
}

// stripFence removes a ```json ... ``` (or plain ```) wrapper.
func stripFence(s string) (string, bool) {
	start := strings.Index(s, "```")
	if start < 0 {
		return "", false
	}
	rest := s[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line.
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, "```")
	if end < 0 {
		return "", false
	}
	return strings.TrimSpace(rest[:end]), true
}

// scanBalanced finds an embedded {...} or [...] document by balanced
// scanning, tracking string literals and escapes so braces inside strings
// do not miscount. Prose braces that close without forming valid JSON are
// skipped and the scan resumes at the next candidate.
func scanBalanced(s string) (string, bool) {
	offset := 0
	for {
		rel := strings.IndexAny(s[offset:], "{[")
		if rel < 0 {
			return "", false
		}
		start := offset + rel
		if doc, ok := scanFrom(s, start); ok {
			return doc, true
		}
		offset = start + 1
	}
}

func scanFrom(s string, start int) (string, bool) {
	open := s[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == open:
			depth++
		case c == close:
			depth--
			if depth == 0 {
				doc := s[start : i+1]
				return doc, json.Valid([]byte(doc))
			}
		}
	}
	return "", false
}

// DecodeList unmarshals a payload expected to be a JSON array of T. A
// bare object is accepted and wrapped as a single-element list, since
// models sometimes flatten one-item arrays.
func DecodeList[T any](payload []byte) ([]T, error) {
	trimmed := strings.TrimSpace(string(payload))
	if strings.HasPrefix(trimmed, "{") {
		var one T
		if err := json.Unmarshal(payload, &one); err != nil {
			return nil, fmt.Errorf("failed to decode object payload: %w", err)
		}
		return []T{one}, nil
	}
	var list []T
	if err := json.Unmarshal(payload, &list); err != nil {
		return nil, fmt.Errorf("failed to decode list payload: %w", err)
	}
	return list, nil
}
