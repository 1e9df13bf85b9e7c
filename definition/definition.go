// Package definition parses stored workflow definitions into an
// in-memory state graph and evaluates Choice conditions.
package definition

import (
	"encoding/json"
	"fmt"
	"time"

	stepflow "github.com/stepflow-dev/stepflow"
)

// Definition is a pure, read-only state graph produced from stored
// definition JSON.
type Definition struct {
	Name    string
	Version string
	StartAt string
	States  map[string]State
}

// State is the tagged variant for one state of the graph. Each concrete
// state carries only its own fields.
type State interface {
	Type() stepflow.StepType
}

// TaskState invokes a registered handler and transitions to Next.
// Retry and Catch are parsed and preserved but not enforced; a failed
// handler is fatal to the execution.
type TaskState struct {
	Resource       string
	Next           string
	TimeoutSeconds int
	Retry          json.RawMessage
	Catch          json.RawMessage
}

func (TaskState) Type() stepflow.StepType { return stepflow.StepTypeTask }

// RetryPolicy mirrors the reserved retry fields of a Task state. The
// values are copied onto step rows for a future extension; the engine
// does not act on them.
type RetryPolicy struct {
	MaxRetries        int     `json:"maxRetries"`
	BackoffMultiplier float64 `json:"backoffMultiplier"`
	InitialIntervalMs int     `json:"initialIntervalMs"`
}

// RetryPolicy parses the state's retry block; absent or malformed
// blocks yield the zero policy.
func (t TaskState) RetryPolicy() RetryPolicy {
	var p RetryPolicy
	if len(t.Retry) > 0 {
		_ = json.Unmarshal(t.Retry, &p)
	}
	return p
}

// ChoiceState routes to the first rule whose condition holds, or to
// DefaultChoice when none match.
type ChoiceState struct {
	Choices       []ChoiceRule
	DefaultChoice string
}

func (ChoiceState) Type() stepflow.StepType { return stepflow.StepTypeChoice }

// ChoiceRule pairs a condition with its target state.
type ChoiceRule struct {
	Condition Condition
	Next      string
}

// Condition is one {operator, variable, value} predicate evaluated
// against the step's input.
type Condition struct {
	Operator string
	Variable string
	Value    any
}

// WaitState pauses the execution until a relative delay or an absolute
// instant has passed. Exactly one of Seconds or Timestamp is set.
type WaitState struct {
	Seconds   *int
	Timestamp *time.Time
	Next      string
}

func (WaitState) Type() stepflow.StepType { return stepflow.StepTypeWait }

// RunAfter computes the instant the wait is released, relative to now.
func (w WaitState) RunAfter(now time.Time) time.Time {
	if w.Timestamp != nil {
		return *w.Timestamp
	}
	return now.Add(time.Duration(*w.Seconds) * time.Second)
}

// SuccessState terminates the execution successfully.
type SuccessState struct{}

func (SuccessState) Type() stepflow.StepType { return stepflow.StepTypeSuccess }

// FailState terminates the execution with a failure message.
type FailState struct {
	ErrorMessage string
	Cause        string
}

func (FailState) Type() stepflow.StepType { return stepflow.StepTypeFail }

// wire format documents

type document struct {
	Name    string              `json:"name,omitempty"`
	Version string              `json:"version,omitempty"`
	StartAt string              `json:"startAt" validate:"required"`
	States  map[string]stateDoc `json:"states" validate:"required,min=1,dive"`
}

type stateDoc struct {
	Type          string          `json:"type" validate:"required,oneof=Task Choice Wait Success Fail"`
	Next          string          `json:"next,omitempty"`
	Resource      string          `json:"resource,omitempty"`
	Timeout       int             `json:"timeout,omitempty"`
	Choices       []choiceDoc     `json:"choices,omitempty"`
	DefaultChoice string          `json:"defaultChoice,omitempty"`
	Seconds       *int            `json:"seconds,omitempty"`
	Timestamp     string          `json:"timestamp,omitempty"`
	Error         string          `json:"error,omitempty"`
	Cause         string          `json:"cause,omitempty"`
	Retry         json.RawMessage `json:"retry,omitempty"`
	Catch         json.RawMessage `json:"catch,omitempty"`
}

type choiceDoc struct {
	Condition conditionDoc `json:"condition"`
	Next      string       `json:"next" validate:"required"`
}

type conditionDoc struct {
	Operator string `json:"operator"`
	Variable string `json:"variable"`
	Value    any    `json:"value"`
}

// Parse reads stored definition JSON into a validated state graph. Any
// failure is reported as a DefinitionError, which is fatal to the
// execution interpreting it.
func Parse(raw json.RawMessage) (*Definition, error) {
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, stepflow.NewDefinitionError("malformed definition JSON", err)
	}

	if err := validateDocument(&doc); err != nil {
		return nil, err
	}

	def := &Definition{
		Name:    doc.Name,
		Version: doc.Version,
		StartAt: doc.StartAt,
		States:  make(map[string]State, len(doc.States)),
	}

	for name, sd := range doc.States {
		state, err := buildState(name, sd)
		if err != nil {
			return nil, err
		}
		def.States[name] = state
	}

	if err := validateGraph(def); err != nil {
		return nil, err
	}
	return def, nil
}

func buildState(name string, sd stateDoc) (State, error) {
	switch stepflow.StepType(sd.Type) {
	case stepflow.StepTypeTask:
		if sd.Resource == "" {
			return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Task requires a resource", name), nil)
		}
		if sd.Next == "" {
			return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Task requires next", name), nil)
		}
		return TaskState{
			Resource:       sd.Resource,
			Next:           sd.Next,
			TimeoutSeconds: sd.Timeout,
			Retry:          sd.Retry,
			Catch:          sd.Catch,
		}, nil

	case stepflow.StepTypeChoice:
		if len(sd.Choices) == 0 && sd.DefaultChoice == "" {
			return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Choice requires at least one choice or a defaultChoice", name), nil)
		}
		cs := ChoiceState{DefaultChoice: sd.DefaultChoice}
		for _, cd := range sd.Choices {
			cs.Choices = append(cs.Choices, ChoiceRule{
				Condition: Condition{
					Operator: cd.Condition.Operator,
					Variable: cd.Condition.Variable,
					Value:    cd.Condition.Value,
				},
				Next: cd.Next,
			})
		}
		return cs, nil

	case stepflow.StepTypeWait:
		if sd.Next == "" {
			return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Wait requires next", name), nil)
		}
		hasSeconds := sd.Seconds != nil
		hasTimestamp := sd.Timestamp != ""
		if hasSeconds == hasTimestamp {
			return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Wait requires exactly one of seconds or timestamp", name), nil)
		}
		ws := WaitState{Next: sd.Next}
		if hasSeconds {
			if *sd.Seconds < 0 {
				return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: Wait seconds must not be negative", name), nil)
			}
			ws.Seconds = sd.Seconds
		} else {
			ts, err := time.Parse(time.RFC3339, sd.Timestamp)
			if err != nil {
				return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: invalid Wait timestamp %q", name, sd.Timestamp), err)
			}
			ws.Timestamp = &ts
		}
		return ws, nil

	case stepflow.StepTypeSuccess:
		return SuccessState{}, nil

	case stepflow.StepTypeFail:
		return FailState{ErrorMessage: sd.Error, Cause: sd.Cause}, nil

	default:
		return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q: unknown type %q", name, sd.Type), nil)
	}
}

// StateOf returns the named state, or a DefinitionError if it does not
// exist in the graph.
func (d *Definition) StateOf(name string) (State, error) {
	state, ok := d.States[name]
	if !ok {
		return nil, stepflow.NewDefinitionError(fmt.Sprintf("state %q not found in definition", name), nil)
	}
	return state, nil
}
