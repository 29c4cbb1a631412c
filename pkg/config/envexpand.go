package config

import (
	"bytes"
	"os"
	"text/template"
)

// ExpandEnv expands environment variables in the raw config document using
// Go template syntax ({{.VAR_NAME}}). Template syntax is used instead of $
// expansion so literal $ characters in commands and patterns survive
// untouched. Missing variables expand to the empty string; validation
// catches required fields left empty.
func ExpandEnv(data []byte) []byte {
	tmpl, err := template.New("config").Option("missingkey=zero").Parse(string(data))
	if err != nil {
		// Documents without template syntax pass through unchanged.
		return data
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := bytes.IndexByte([]byte(kv), '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, env); err != nil {
		return data
	}
	return buf.Bytes()
}
