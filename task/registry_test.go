package task

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	registry := NewRegistry()
	registry.RegisterFunc("orderService.validate", func(tc *Context, input json.RawMessage) Result {
		return Success(input)
	})

	handler, ok := registry.Lookup("orderService.validate")
	require.True(t, ok)

	result := handler.Execute(&Context{Context: context.Background()}, json.RawMessage(`{"a":1}`))
	assert.False(t, result.Failed())
	assert.JSONEq(t, `{"a":1}`, string(result.Output))

	_, ok = registry.Lookup("unknown.resource")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"orderService.validate"}, registry.Resources())
}

func TestResultHelpers(t *testing.T) {
	success := Success(json.RawMessage(`{}`))
	assert.False(t, success.Failed())

	failure := Failure("SomeError", "it broke")
	assert.True(t, failure.Failed())
	assert.Equal(t, "SomeError", failure.ErrorType)
	assert.Equal(t, "it broke", failure.ErrorMessage)
}

func TestDecodeEncode(t *testing.T) {
	type payload struct {
		OrderID string `json:"orderId"`
	}

	decoded, err := DecodeInput[payload](json.RawMessage(`{"orderId":"X"}`))
	require.NoError(t, err)
	assert.Equal(t, "X", decoded.OrderID)

	_, err = DecodeInput[payload](json.RawMessage(`nope`))
	assert.Error(t, err)

	encoded, err := EncodeOutput(payload{OrderID: "Y"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"orderId":"Y"}`, string(encoded))
}
