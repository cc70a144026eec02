package operation

import (
	"time"

	"go.uber.org/zap"

	"github.com/bankcore/dayops/pkg/models"
)

// Event is a lifecycle notification emitted by the orchestrator.
type Event struct {
	OperationID   string
	OperationCode string
	Type          models.OperationType
	Environment   string
	Status        models.OperationStatus
	Message       string
	OccurredAt    time.Time
}

// Notifier receives operation events in lifecycle order. Delivery is
// best-effort; the orchestrator never waits for confirmation, so slow sinks
// should wrap themselves in AsyncNotifier.
type Notifier interface {
	Notify(event Event)
}

// AsyncNotifier dispatches each event on its own goroutine so a slow sink
// can never stall the state machine. Event ordering is not preserved.
type AsyncNotifier struct {
	inner Notifier
	log   *zap.Logger
}

// NewAsyncNotifier wraps a notifier with goroutine dispatch.
func NewAsyncNotifier(inner Notifier, log *zap.Logger) *AsyncNotifier {
	return &AsyncNotifier{inner: inner, log: log}
}

// Notify hands the event off and returns immediately.
func (a *AsyncNotifier) Notify(event Event) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.log.Warn("Notifier panicked", zap.Any("panic", r), zap.String("operation_id", event.OperationID))
			}
		}()
		a.inner.Notify(event)
	}()
}

// notify emits a lifecycle event. A panicking notifier is contained so it
// cannot take the state machine down with it.
func (o *Orchestrator) notify(op *models.Operation, message string) {
	if o.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			o.log.Warn("Notifier panicked", zap.Any("panic", r), zap.String("operation_id", op.ID))
		}
	}()
	o.notifier.Notify(Event{
		OperationID:   op.ID,
		OperationCode: op.Code,
		Type:          op.Type,
		Environment:   op.Environment,
		Status:        op.Status,
		Message:       message,
		OccurredAt:    time.Now().UTC(),
	})
}
