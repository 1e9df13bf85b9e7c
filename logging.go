package stepflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Structured log event names
const (
	LogEventExecutionStarted   = "execution_started"
	LogEventExecutionCompleted = "execution_completed"
	LogEventExecutionFailed    = "execution_failed"
	LogEventExecutionCancelled = "execution_cancelled"
	LogEventStepStarted        = "step_started"
	LogEventStepCompleted      = "step_completed"
	LogEventStepFailed         = "step_failed"
	LogEventStepRecovered      = "step_recovered"
	LogEventWaitReleased       = "wait_released"
	LogEventStaleQueueItem     = "stale_queue_item"
	LogEventLoopError          = "loop_error"
)

// LogExecutionStarted logs the creation of a new execution
func LogExecutionStarted(logger zerolog.Logger, executionID, workflow, version string) {
	logger.Info().
		Str("event", LogEventExecutionStarted).
		Str("execution_id", executionID).
		Str("workflow", workflow).
		Str("version", version).
		Msg("Execution started")
}

// LogExecutionCompleted logs successful execution completion
func LogExecutionCompleted(logger zerolog.Logger, executionID string, duration time.Duration) {
	logger.Info().
		Str("event", LogEventExecutionCompleted).
		Str("execution_id", executionID).
		Dur("duration", duration).
		Msg("Execution completed")
}

// LogExecutionFailed logs execution failure
func LogExecutionFailed(logger zerolog.Logger, executionID, errorMessage string) {
	logger.Error().
		Str("event", LogEventExecutionFailed).
		Str("execution_id", executionID).
		Str("error_message", errorMessage).
		Msg("Execution failed")
}

// LogExecutionCancelled logs execution cancellation
func LogExecutionCancelled(logger zerolog.Logger, executionID string) {
	logger.Warn().
		Str("event", LogEventExecutionCancelled).
		Str("execution_id", executionID).
		Msg("Execution cancelled")
}

// LogStepStarted logs when a step starts execution
func LogStepStarted(logger zerolog.Logger, executionID, stepName string, stepType StepType) {
	logger.Info().
		Str("event", LogEventStepStarted).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Str("step_type", string(stepType)).
		Msg("Step started")
}

// LogStepCompleted logs successful step completion
func LogStepCompleted(logger zerolog.Logger, executionID, stepName, nextState string) {
	logger.Info().
		Str("event", LogEventStepCompleted).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Str("next_state", nextState).
		Msg("Step completed")
}

// LogStepFailed logs step failure
func LogStepFailed(logger zerolog.Logger, executionID, stepName, errorType, errorMessage string) {
	logger.Error().
		Str("event", LogEventStepFailed).
		Str("execution_id", executionID).
		Str("step_name", stepName).
		Str("error_type", errorType).
		Str("error_message", errorMessage).
		Msg("Step failed")
}

// LogStepRecovered logs a stuck step reset by the reaper
func LogStepRecovered(logger zerolog.Logger, executionID int64, stepName string, stuckSince time.Time) {
	logger.Warn().
		Str("event", LogEventStepRecovered).
		Int64("execution_id", executionID).
		Str("step_name", stepName).
		Time("stuck_since", stuckSince).
		Msg("Stuck step recovered")
}

// LogWaitReleased logs a Wait step released by the wake loop
func LogWaitReleased(logger zerolog.Logger, executionID int64, stepName string) {
	logger.Info().
		Str("event", LogEventWaitReleased).
		Int64("execution_id", executionID).
		Str("step_name", stepName).
		Msg("Wait step released")
}

// LogLoopError logs a scheduler loop error; loops log and continue
func LogLoopError(logger zerolog.Logger, loop string, err error) {
	logger.Error().
		Str("event", LogEventLoopError).
		Str("loop", loop).
		Err(err).
		Msg("Scheduler loop error")
}

// ExecutionLogger creates a logger enriched with execution context
func ExecutionLogger(baseLogger zerolog.Logger, executionID string) zerolog.Logger {
	return baseLogger.With().
		Str("execution_id", executionID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(executionLogger zerolog.Logger, stepName string, stepType StepType) zerolog.Logger {
	return executionLogger.With().
		Str("step_name", stepName).
		Str("step_type", string(stepType)).
		Logger()
}
