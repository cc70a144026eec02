package operation

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/bankcore/dayops/pkg/models"
)

// EODOrchestrator drives End of Day runs: services are brought down in
// dependency order with Stop actions, and EOD criticality flags select the
// critical set.
type EODOrchestrator struct {
	*Orchestrator
}

// NewEODOrchestrator creates the EOD variant.
func NewEODOrchestrator(
	descriptors DescriptorStore,
	operations OperationStore,
	steps StepStore,
	executor ActionExecutor,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *EODOrchestrator {
	return &EODOrchestrator{
		Orchestrator: newOrchestrator(models.OperationEOD, ActionStop,
			descriptors, operations, steps, executor, notifier, cfg, log),
	}
}

// ExecuteCutoff validates pre-conditions up front, then waits until the
// cutoff time before running the shutdown. A cutoff in the past runs
// immediately. The wait is interruptible through the context.
func (o *EODOrchestrator) ExecuteCutoff(ctx context.Context, req Request, cutoff time.Time) (*Result, error) {
	if _, err := o.ValidatePreConditions(ctx, req.Environment); err != nil {
		return nil, err
	}

	if wait := time.Until(cutoff); wait > 0 {
		o.log.Info("Waiting for EOD cutoff",
			zap.String("environment", req.Environment),
			zap.Time("cutoff", cutoff),
			zap.Duration("wait", wait))
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	req.CutoffTime = &cutoff
	return o.Execute(ctx, req)
}
