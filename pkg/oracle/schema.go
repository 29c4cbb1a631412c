package oracle

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor reflects a compact JSON Schema for T, suitable for passing
// to the oracle CLI as an output constraint. References are inlined so
// the CLI receives a single self-contained document.
func SchemaFor[T any]() (string, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		Anonymous:      true,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	out, err := json.Marshal(schema)
	if err != nil {
		return "", fmt.Errorf("failed to marshal schema: %w", err)
	}
	return string(out), nil
}
