package definition

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// Normalize converts a definition source (JSON or YAML) into the JSON
// form that is persisted. JSON input is validated and passed through;
// YAML input is converted.
func Normalize(source []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(source)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty definition source")
	}

	if trimmed[0] == '{' {
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("invalid definition JSON")
		}
		var compact bytes.Buffer
		if err := json.Compact(&compact, trimmed); err != nil {
			return nil, fmt.Errorf("failed to compact definition JSON: %w", err)
		}
		return compact.Bytes(), nil
	}

	var doc map[string]any
	if err := yaml.Unmarshal(trimmed, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse definition YAML: %w", err)
	}

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to convert definition YAML to JSON: %w", err)
	}
	return out, nil
}
