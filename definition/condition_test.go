package definition

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	context := json.RawMessage(`{
		"inStock": true,
		"name": "widget",
		"price": 19.99,
		"count": 5,
		"nested": {"flag": false, "deep": {"value": 3}},
		"nothing": null
	}`)

	tests := []struct {
		name     string
		cond     Condition
		expected bool
	}{
		{"boolean equals true", Condition{Operator: OperatorBooleanEquals, Variable: "$.inStock", Value: true}, true},
		{"boolean equals false", Condition{Operator: OperatorBooleanEquals, Variable: "$.inStock", Value: false}, false},
		{"boolean equals string coercion", Condition{Operator: OperatorBooleanEquals, Variable: "$.inStock", Value: "true"}, true},
		{"nested path", Condition{Operator: OperatorBooleanEquals, Variable: "$.nested.flag", Value: false}, true},
		{"string equals", Condition{Operator: OperatorStringEquals, Variable: "$.name", Value: "widget"}, true},
		{"string not equals", Condition{Operator: OperatorStringEquals, Variable: "$.name", Value: "gadget"}, false},
		{"string equals numeric coercion", Condition{Operator: OperatorStringEquals, Variable: "$.count", Value: "5"}, true},
		{"numeric equals", Condition{Operator: OperatorNumericEquals, Variable: "$.price", Value: 19.99}, true},
		{"numeric equals within epsilon", Condition{Operator: OperatorNumericEquals, Variable: "$.price", Value: 19.9900000001}, true},
		{"numeric equals string rhs", Condition{Operator: OperatorNumericEquals, Variable: "$.count", Value: "5"}, true},
		{"numeric greater than", Condition{Operator: OperatorNumericGreaterThan, Variable: "$.count", Value: 3}, true},
		{"numeric greater than false", Condition{Operator: OperatorNumericGreaterThan, Variable: "$.count", Value: 5}, false},
		{"numeric less than", Condition{Operator: OperatorNumericLessThan, Variable: "$.count", Value: 10}, true},
		{"numeric parse failure", Condition{Operator: OperatorNumericEquals, Variable: "$.name", Value: 1}, false},
		{"deep path", Condition{Operator: OperatorNumericEquals, Variable: "$.nested.deep.value", Value: 3}, true},
		{"missing variable", Condition{Operator: OperatorStringEquals, Variable: "$.missing", Value: "x"}, false},
		{"path through non-object", Condition{Operator: OperatorStringEquals, Variable: "$.name.sub", Value: "x"}, false},
		{"null equals null string", Condition{Operator: OperatorStringEquals, Variable: "$.nothing", Value: nil}, true},
		{"null equals null boolean", Condition{Operator: OperatorBooleanEquals, Variable: "$.missing", Value: nil}, true},
		{"missing operator", Condition{Variable: "$.name", Value: "widget"}, false},
		{"missing variable name", Condition{Operator: OperatorStringEquals, Value: "widget"}, false},
		{"unknown operator", Condition{Operator: "regexMatch", Variable: "$.name", Value: ".*"}, false},
		{"prefix optional", Condition{Operator: OperatorStringEquals, Variable: "name", Value: "widget"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Evaluate(tt.cond, context))
		})
	}
}

func TestEvaluateMalformedContext(t *testing.T) {
	cond := Condition{Operator: OperatorStringEquals, Variable: "$.a", Value: "x"}

	assert.False(t, Evaluate(cond, json.RawMessage(`not json`)))
	assert.False(t, Evaluate(cond, nil))
}
