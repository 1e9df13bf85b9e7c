package definition

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const numericEpsilon = 1e-6

// Supported condition operators
const (
	OperatorBooleanEquals      = "booleanEquals"
	OperatorStringEquals       = "stringEquals"
	OperatorNumericEquals      = "numericEquals"
	OperatorNumericGreaterThan = "numericGreaterThan"
	OperatorNumericLessThan    = "numericLessThan"
)

// Evaluate applies the condition to a context JSON object. It never
// fails: any extraction, parse, or operator problem yields false.
func Evaluate(cond Condition, context json.RawMessage) bool {
	if cond.Operator == "" || cond.Variable == "" {
		return false
	}

	lhs := resolveVariable(context, cond.Variable)
	rhs := cond.Value

	switch cond.Operator {
	case OperatorBooleanEquals, OperatorStringEquals:
		return stringify(lhs) == stringify(rhs)
	case OperatorNumericEquals:
		a, aok := toFloat(lhs)
		b, bok := toFloat(rhs)
		return aok && bok && math.Abs(a-b) <= numericEpsilon
	case OperatorNumericGreaterThan:
		a, aok := toFloat(lhs)
		b, bok := toFloat(rhs)
		return aok && bok && a > b
	case OperatorNumericLessThan:
		a, aok := toFloat(lhs)
		b, bok := toFloat(rhs)
		return aok && bok && a < b
	default:
		return false
	}
}

// resolveVariable walks a dotted path through object keys only. A
// missing key, or a non-object hit before the path is consumed, yields
// nil.
func resolveVariable(context json.RawMessage, variable string) any {
	var doc any
	if len(context) == 0 || json.Unmarshal(context, &doc) != nil {
		return nil
	}

	path := strings.TrimPrefix(variable, "$.")
	current := doc
	for _, key := range strings.Split(path, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil
		}
		current, ok = obj[key]
		if !ok {
			return nil
		}
	}
	return current
}

// stringify coerces a value for booleanEquals/stringEquals comparison.
// Booleans become "true"/"false"; two nulls compare equal.
func stringify(v any) string {
	if v == nil {
		return "<nil>"
	}
	switch t := v.(type) {
	case bool:
		return strconv.FormatBool(t)
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(t)
	}
}

// toFloat parses a value as a double for numeric operators.
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	case bool:
		return 0, false
	default:
		return 0, false
	}
}
