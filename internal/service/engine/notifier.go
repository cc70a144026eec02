package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/bankcore/dayops/internal/service/monitor"
	"github.com/bankcore/dayops/internal/service/operation"
	"github.com/bankcore/dayops/pkg/models"
)

// MonitorNotifier hooks the monitor into the orchestrator's lifecycle
// events: monitoring starts when an operation begins running and stops when
// it reaches a terminal status. Events are forwarded to the downstream
// notifier, which may be nil.
type MonitorNotifier struct {
	monitor    *monitor.Monitor
	downstream operation.Notifier
	log        *zap.Logger
}

// NewMonitorNotifier wraps the monitor as an operation notifier.
func NewMonitorNotifier(m *monitor.Monitor, downstream operation.Notifier, log *zap.Logger) *MonitorNotifier {
	return &MonitorNotifier{monitor: m, downstream: downstream, log: log}
}

// Notify reacts to the lifecycle event and forwards it.
func (n *MonitorNotifier) Notify(event operation.Event) {
	switch {
	case event.Status == models.OperationRunning:
		if err := n.monitor.StartMonitoring(context.Background(), event.OperationID); err != nil {
			n.log.Warn("Failed to start monitoring",
				zap.String("operation_id", event.OperationID), zap.Error(err))
		}
	case event.Status.Terminal():
		n.monitor.StopMonitoring(event.OperationID)
	}
	if n.downstream != nil {
		n.downstream.Notify(event)
	}
}
