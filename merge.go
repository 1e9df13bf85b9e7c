package stepflow

import "encoding/json"

// ShallowMerge implements the data-flow contract between consecutive
// steps: start from the input the current step received, then overwrite
// each top-level key present in the current step's output. A side that
// is not a JSON object contributes nothing.
func ShallowMerge(base, overlay json.RawMessage) json.RawMessage {
	merged := make(map[string]json.RawMessage)

	var baseObj map[string]json.RawMessage
	if len(base) > 0 && json.Unmarshal(base, &baseObj) == nil {
		for k, v := range baseObj {
			merged[k] = v
		}
	}

	var overlayObj map[string]json.RawMessage
	if len(overlay) > 0 && json.Unmarshal(overlay, &overlayObj) == nil {
		for k, v := range overlayObj {
			merged[k] = v
		}
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return base
	}
	return out
}
