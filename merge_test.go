package stepflow

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShallowMerge(t *testing.T) {
	tests := []struct {
		name     string
		base     string
		overlay  string
		expected map[string]any
	}{
		{
			name:     "overlay wins on shared keys",
			base:     `{"orderId":"X","count":1}`,
			overlay:  `{"count":2}`,
			expected: map[string]any{"orderId": "X", "count": float64(2)},
		},
		{
			name:     "disjoint keys union",
			base:     `{"a":1}`,
			overlay:  `{"b":2}`,
			expected: map[string]any{"a": float64(1), "b": float64(2)},
		},
		{
			name:     "only top-level keys are replaced",
			base:     `{"nested":{"a":1,"b":2}}`,
			overlay:  `{"nested":{"a":9}}`,
			expected: map[string]any{"nested": map[string]any{"a": float64(9)}},
		},
		{
			name:     "non-object overlay contributes nothing",
			base:     `{"a":1}`,
			overlay:  `[1,2,3]`,
			expected: map[string]any{"a": float64(1)},
		},
		{
			name:     "empty base",
			base:     ``,
			overlay:  `{"a":1}`,
			expected: map[string]any{"a": float64(1)},
		},
		{
			name:     "both empty",
			base:     ``,
			overlay:  ``,
			expected: map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged := ShallowMerge(json.RawMessage(tt.base), json.RawMessage(tt.overlay))

			var got map[string]any
			assert.NoError(t, json.Unmarshal(merged, &got))
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestShallowMergeIdempotent(t *testing.T) {
	base := json.RawMessage(`{"a":1,"b":"x","c":{"d":true}}`)
	overlay := json.RawMessage(`{"b":"y","e":null}`)

	once := ShallowMerge(base, overlay)
	twice := ShallowMerge(once, overlay)

	assert.JSONEq(t, string(once), string(twice))
}
