package task

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
)

// Context provides execution metadata to handlers. It embeds the
// cancellation context, which carries a deadline derived from the
// state's timeout when one is configured.
type Context struct {
	context.Context

	// Execution metadata
	ExecutionID string
	StepName    string
	Resource    string

	// Logger enriched with execution and step context
	Logger zerolog.Logger
}

// DecodeInput unmarshals the raw step input into target.
func DecodeInput[T any](input json.RawMessage) (T, error) {
	var decoded T
	if err := json.Unmarshal(input, &decoded); err != nil {
		return decoded, fmt.Errorf("failed to unmarshal handler input: %w", err)
	}
	return decoded, nil
}

// EncodeOutput marshals a handler output value into a result document.
func EncodeOutput[T any](output T) (json.RawMessage, error) {
	data, err := json.Marshal(output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal handler output: %w", err)
	}
	return data, nil
}
