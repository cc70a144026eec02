// Package operation drives SOD and EOD runs through their durable state
// machine: phase-by-phase execution against an injected action executor,
// step persistence, cooperative cancellation, and best-effort rollback.
package operation

import (
	"context"
	"time"

	cb "github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Action is a remote command the executor can apply to one service.
type Action string

const (
	ActionStart       Action = "Start"
	ActionStop        Action = "Stop"
	ActionRestart     Action = "Restart"
	ActionHealthCheck Action = "HealthCheck"
)

// Inverse returns the rollback action for a forward action. HealthCheck has
// no inverse and rolls back as another health check.
func (a Action) Inverse() Action {
	switch a {
	case ActionStart:
		return ActionStop
	case ActionStop:
		return ActionStart
	default:
		return a
	}
}

// ActionResult is the executor's verdict for one service action.
type ActionResult struct {
	Succeeded    bool
	Detail       string
	ErrorMessage string
}

// ActionExecutor applies a start/stop/restart/health-check action to a remote
// service. Implementations must be safe to retry.
type ActionExecutor interface {
	Execute(ctx context.Context, serviceID int64, action Action) (ActionResult, error)
}

// BreakerExecutor wraps an ActionExecutor in a circuit breaker so a flapping
// remote host fails fast instead of burning the retry budget of every step.
type BreakerExecutor struct {
	inner   ActionExecutor
	breaker *cb.CircuitBreaker
}

// NewBreakerExecutor creates a circuit-breaker wrapped executor.
func NewBreakerExecutor(inner ActionExecutor, log *zap.Logger) *BreakerExecutor {
	settings := cb.Settings{
		Name:        "ActionExecutorCB",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts cb.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to cb.State) {
			log.Warn("Circuit breaker state change",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerExecutor{inner: inner, breaker: cb.NewCircuitBreaker(settings)}
}

// Execute runs the action through the breaker.
func (e *BreakerExecutor) Execute(ctx context.Context, serviceID int64, action Action) (ActionResult, error) {
	out, err := e.breaker.Execute(func() (interface{}, error) {
		res, err := e.inner.Execute(ctx, serviceID, action)
		if err != nil {
			return res, err
		}
		return res, nil
	})
	if res, ok := out.(ActionResult); ok {
		return res, err
	}
	return ActionResult{}, err
}
