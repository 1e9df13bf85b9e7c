package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	stepflow "github.com/stepflow-dev/stepflow"
	"github.com/stepflow-dev/stepflow/definition"
	"github.com/stepflow-dev/stepflow/task"
)

// outcomeKind classifies what one interpreted state means for the
// execution.
type outcomeKind int

const (
	// outcomeAdvance schedules nextState as the new frontier
	outcomeAdvance outcomeKind = iota
	// outcomeComplete terminates the execution successfully
	outcomeComplete
	// outcomeFailWorkflow is a Fail state: the step itself completes,
	// the execution fails with the configured message
	outcomeFailWorkflow
	// outcomeStepFailed is a failed step: handler failure, unknown
	// handler, choice miss, or definition problem
	outcomeStepFailed
)

type stepOutcome struct {
	kind      outcomeKind
	output    json.RawMessage
	nextState string
	nextInput json.RawMessage
	errorType string
	errorMsg  string
	// eventType is STEP_FAILED or STEP_ERROR for outcomeStepFailed
	eventType string
	// def is the parsed graph the outcome was interpreted against
	def *definition.Definition
}

func failedOutcome(errorType, errorMsg, eventType string) stepOutcome {
	return stepOutcome{
		kind:      outcomeStepFailed,
		errorType: errorType,
		errorMsg:  errorMsg,
		eventType: eventType,
	}
}

// interpret runs one state against the step's input and decides how the
// execution moves. It blocks for the duration of a Task handler call.
func interpret(ctx context.Context, registry *task.Registry, logger zerolog.Logger,
	def *definition.Definition, state definition.State,
	exec *stepflow.WorkflowExecution, step *stepflow.ExecutionStep) stepOutcome {

	switch s := state.(type) {
	case definition.TaskState:
		return interpretTask(ctx, registry, logger, s, exec, step)

	case definition.ChoiceState:
		return interpretChoice(s, step)

	case definition.SuccessState:
		return stepOutcome{kind: outcomeComplete, output: step.Input}

	case definition.FailState:
		return stepOutcome{
			kind:      outcomeFailWorkflow,
			errorType: stepflow.ErrorTypeWorkflowFail,
			errorMsg:  failMessage(s, step.Input),
		}

	default:
		// Wait states are owned by the wake loop and filtered before
		// interpretation
		return failedOutcome(stepflow.ErrorTypeInvariantViolated,
			fmt.Sprintf("state %q of type %s reached the interpreter", step.StepName, state.Type()),
			stepflow.EventStepError)
	}
}

func interpretTask(ctx context.Context, registry *task.Registry, logger zerolog.Logger,
	state definition.TaskState, exec *stepflow.WorkflowExecution, step *stepflow.ExecutionStep) stepOutcome {

	handler, ok := registry.Lookup(state.Resource)
	if !ok {
		return failedOutcome(stepflow.ErrorTypeUnknownHandler,
			fmt.Sprintf("no handler registered for resource %q", state.Resource),
			stepflow.EventStepFailed)
	}

	callCtx := ctx
	if step.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, time.Duration(step.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	tc := &task.Context{
		Context:     callCtx,
		ExecutionID: exec.ExecutionID,
		StepName:    step.StepName,
		Resource:    state.Resource,
		Logger:      stepflow.StepLogger(stepflow.ExecutionLogger(logger, exec.ExecutionID), step.StepName, step.StepType),
	}

	result := safeExecute(handler, tc, step.Input)
	if result.Failed() {
		eventType := stepflow.EventStepFailed
		if result.ErrorType == stepflow.ErrorTypeHandlerException {
			eventType = stepflow.EventStepError
		}
		return failedOutcome(result.ErrorType, result.ErrorMessage, eventType)
	}

	return stepOutcome{
		kind:      outcomeAdvance,
		output:    result.Output,
		nextState: state.Next,
		nextInput: stepflow.ShallowMerge(step.Input, result.Output),
	}
}

// safeExecute shields the worker from handler panics, converting them
// to typed failures.
func safeExecute(handler task.Handler, tc *task.Context, input json.RawMessage) (result task.Result) {
	defer func() {
		if r := recover(); r != nil {
			result = task.Failure(stepflow.ErrorTypeHandlerException, fmt.Sprintf("handler panicked: %v", r))
		}
	}()
	return handler.Execute(tc, input)
}

// interpretChoice routes to the first matching rule. The routing
// decision travels in the step output; the choice's input flows to the
// next state unchanged.
func interpretChoice(state definition.ChoiceState, step *stepflow.ExecutionStep) stepOutcome {
	next := ""
	for _, rule := range state.Choices {
		if definition.Evaluate(rule.Condition, step.Input) {
			next = rule.Next
			break
		}
	}
	if next == "" {
		next = state.DefaultChoice
	}
	if next == "" {
		return failedOutcome(stepflow.ErrorTypeChoiceError,
			"No matching choice and no default", stepflow.EventStepFailed)
	}

	output, _ := json.Marshal(map[string]string{"nextState": next})
	return stepOutcome{
		kind:      outcomeAdvance,
		output:    output,
		nextState: next,
		nextInput: step.Input,
	}
}

// failMessage picks the Fail state's message: the definition's error
// field, else the step input's error key, else a generic message.
func failMessage(state definition.FailState, input json.RawMessage) string {
	if state.ErrorMessage != "" {
		return state.ErrorMessage
	}
	var doc struct {
		Error string `json:"error"`
	}
	if len(input) > 0 && json.Unmarshal(input, &doc) == nil && doc.Error != "" {
		return doc.Error
	}
	return "Workflow failed"
}
