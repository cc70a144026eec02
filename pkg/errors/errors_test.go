package errors

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestErrorDefinitions(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		message string
	}{
		{
			name:    "ErrOperationNotFound",
			err:     ErrOperationNotFound,
			message: "operation not found",
		},
		{
			name:    "ErrServiceNotFound",
			err:     ErrServiceNotFound,
			message: "service not found",
		},
		{
			name:    "ErrUnknownEnvironment",
			err:     ErrUnknownEnvironment,
			message: "unknown environment",
		},
		{
			name:    "ErrCircularDependency",
			err:     ErrCircularDependency,
			message: "circular dependency detected",
		},
		{
			name:    "ErrDanglingDependency",
			err:     ErrDanglingDependency,
			message: "dangling dependency reference",
		},
		{
			name:    "ErrStepTimeout",
			err:     ErrStepTimeout,
			message: "step timed out",
		},
		{
			name:    "ErrRetryBudgetExhausted",
			err:     ErrRetryBudgetExhausted,
			message: "retry budget exhausted",
		},
		{
			name:    "ErrOperationInProgress",
			err:     ErrOperationInProgress,
			message: "operation already in progress",
		},
		{
			name:    "ErrInvalidTransition",
			err:     ErrInvalidTransition,
			message: "invalid status transition",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.message, tt.err.Error(), "error message should match expected message")
		})
	}
}

func TestWrap(t *testing.T) {
	base := errors.New("boom")
	wrapped := Wrap(base, "starting gateway")
	assert.EqualError(t, wrapped, "starting gateway: boom")
	assert.Nil(t, Wrap(nil, "no-op"))
}

func TestLogWithError(t *testing.T) {
	err := LogWithError(context.Background(), zap.NewNop(), "sampler failed", ErrOperationNotFound)
	assert.EqualError(t, err, "sampler failed: operation not found")

	// Nil logger must still wrap.
	err = LogWithError(context.Background(), nil, "sampler failed", ErrOperationNotFound)
	assert.EqualError(t, err, "sampler failed: operation not found")
}
