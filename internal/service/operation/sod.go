package operation

import (
	"go.uber.org/zap"

	"github.com/bankcore/dayops/pkg/models"
)

// SODOrchestrator drives Start of Day runs: services are brought up in
// dependency order with Start actions, and SOD criticality flags select the
// critical set.
type SODOrchestrator struct {
	*Orchestrator
}

// NewSODOrchestrator creates the SOD variant.
func NewSODOrchestrator(
	descriptors DescriptorStore,
	operations OperationStore,
	steps StepStore,
	executor ActionExecutor,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *SODOrchestrator {
	return &SODOrchestrator{
		Orchestrator: newOrchestrator(models.OperationSOD, ActionStart,
			descriptors, operations, steps, executor, notifier, cfg, log),
	}
}
