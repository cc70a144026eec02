package errors

import (
	"context"
	"errors"

	"go.uber.org/zap"
)

var (
	// ErrOperationNotFound is returned when an operation id is unknown to the state store.
	ErrOperationNotFound = errors.New("operation not found")
	// ErrServiceNotFound is returned when a service descriptor cannot be found.
	ErrServiceNotFound = errors.New("service not found")
	// ErrUnknownEnvironment is returned when no descriptors exist for an environment.
	ErrUnknownEnvironment = errors.New("unknown environment")
	// ErrCircularDependency is returned when a hard dependency cycle blocks planning.
	ErrCircularDependency = errors.New("circular dependency detected")
	// ErrDanglingDependency is returned when an edge references a non-existent service.
	ErrDanglingDependency = errors.New("dangling dependency reference")
	// ErrValidationFailed is returned when pre-condition validation blocks execution.
	ErrValidationFailed = errors.New("validation failed")
	// ErrStepTimeout is returned when a step exceeds its configured timeout.
	ErrStepTimeout = errors.New("step timed out")
	// ErrRetryBudgetExhausted is returned when a step fails more times than its retry budget allows.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrOperationNotActive is returned when acting on an operation that is not running.
	ErrOperationNotActive = errors.New("operation not active")
	// ErrOperationInProgress is returned when an environment already has an active operation of the same type.
	ErrOperationInProgress = errors.New("operation already in progress")
	// ErrInvalidTransition is returned on a disallowed operation status transition.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrAlreadyMonitored is returned when monitoring is started twice for one operation.
	ErrAlreadyMonitored = errors.New("operation already monitored")
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")
)

// New creates a new error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return errors.New(msg + ": " + err.Error())
}

// LogWithError logs the error with context and returns a wrapped error. Use this for standardized error logging across services.
func LogWithError(ctx context.Context, log *zap.Logger, msg string, err error, fields ...zap.Field) error {
	if log != nil {
		if ctx != nil {
			if reqID, ok := ctx.Value("request_id").(string); ok && reqID != "" {
				fields = append(fields, zap.String("request_id", reqID))
			}
		}
		log.Error(msg, append(fields, zap.Error(err))...)
	}
	return Wrap(err, msg)
}
