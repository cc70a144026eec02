package operation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/bankcore/dayops/internal/service/dependency"
	"github.com/bankcore/dayops/internal/service/plan"
	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/metrics"
	"github.com/bankcore/dayops/pkg/models"
	"github.com/bankcore/dayops/pkg/utils"
)

// Request is an accepted orchestration request for one environment.
type Request struct {
	Environment   string
	ServiceFilter []int64
	DryRun        bool
	Force         bool
	Comment       string
	InitiatedBy   string
	CutoffTime    *time.Time
}

// Result reports the outcome of an orchestration request.
type Result struct {
	OperationID string
	Code        string
	Status      models.OperationStatus
	Message     string
	Errors      []string
	Warnings    []string
}

// DescriptorStore is the read side of the descriptor configuration.
type DescriptorStore interface {
	ListByEnvironment(ctx context.Context, environment string) ([]models.ServiceDescriptor, error)
}

// OperationStore persists operation lifecycle records.
type OperationStore interface {
	Create(ctx context.Context, op *models.Operation) error
	Update(ctx context.Context, op *models.Operation) error
	GetByID(ctx context.Context, id string) (*models.Operation, error)
}

// StepStore persists the per-service steps of an operation.
type StepStore interface {
	CreateBatch(ctx context.Context, steps []models.OperationStep) error
	Update(ctx context.Context, step *models.OperationStep) error
	ListByOperation(ctx context.Context, operationID string) ([]models.OperationStep, error)
}

// Config tunes step execution.
type Config struct {
	// StepTimeout bounds a single executor call, retries included per attempt.
	StepTimeout time.Duration
	// StepRetryBudget is the number of retries after the first attempt.
	StepRetryBudget uint64
	// RetryInterval is the constant wait between attempts.
	RetryInterval time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		StepTimeout:     2 * time.Minute,
		StepRetryBudget: 2,
		RetryInterval:   5 * time.Second,
	}
}

type runState struct {
	operationID string
	environment string
	cancelled   atomic.Bool
}

// Orchestrator drives one operation type (SOD or EOD) through the state
// machine Initiated -> Running -> {Completed, Failed, Cancelled}. An
// operation id is owned by the run that created it; no other writer touches
// its records.
type Orchestrator struct {
	log         *zap.Logger
	opType      models.OperationType
	forward     Action
	descriptors DescriptorStore
	operations  OperationStore
	steps       StepStore
	executor    ActionExecutor
	notifier    Notifier
	cfg         Config

	mu     sync.Mutex
	active map[string]*runState // operation id -> run
	byEnv  map[string]string    // environment -> active operation id
}

func newOrchestrator(
	opType models.OperationType,
	forward Action,
	descriptors DescriptorStore,
	operations OperationStore,
	steps StepStore,
	executor ActionExecutor,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *Orchestrator {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultConfig().RetryInterval
	}
	return &Orchestrator{
		log:         log.With(zap.String("operation_type", string(opType))),
		opType:      opType,
		forward:     forward,
		descriptors: descriptors,
		operations:  operations,
		steps:       steps,
		executor:    executor,
		notifier:    notifier,
		cfg:         cfg,
		active:      make(map[string]*runState),
		byEnv:       make(map[string]string),
	}
}

// ValidatePreConditions checks that an operation may start in the
// environment: descriptors exist, the dependency graph validates, and no
// operation of this type is already running there.
func (o *Orchestrator) ValidatePreConditions(ctx context.Context, environment string) (dependency.ValidationResult, error) {
	result, _, _, err := o.preflight(ctx, environment, nil)
	return result, err
}

// preflight loads descriptors, builds and validates the graph, and compiles
// the plan. The plan is nil when the graph carries a hard cycle.
func (o *Orchestrator) preflight(ctx context.Context, environment string, filter []int64) (dependency.ValidationResult, *plan.ExecutionPlan, []models.ServiceDescriptor, error) {
	var empty dependency.ValidationResult

	descriptors, err := o.descriptors.ListByEnvironment(ctx, environment)
	if err != nil {
		return empty, nil, nil, fmt.Errorf("failed to load descriptors for %s: %w", environment, err)
	}
	if len(descriptors) == 0 {
		return empty, nil, nil, fmt.Errorf("environment %s: %w", environment, pkgerrors.ErrUnknownEnvironment)
	}
	descriptors = filterDescriptors(descriptors, filter)
	if len(descriptors) == 0 {
		return empty, nil, nil, fmt.Errorf("service filter matched nothing: %w", pkgerrors.ErrServiceNotFound)
	}

	graph := dependency.BuildGraph(descriptors, o.opType)
	result := dependency.Validate(graph)
	if graph.HasCircularDependencies {
		return result, nil, descriptors, nil
	}

	executionPlan, err := plan.Build(graph, o.opType)
	if err != nil {
		return result, nil, descriptors, err
	}

	if o.environmentBusy(environment) {
		return result, executionPlan, descriptors,
			fmt.Errorf("environment %s already has an active operation: %w", environment, pkgerrors.ErrOperationInProgress)
	}
	return result, executionPlan, descriptors, nil
}

// Execute runs the full state machine for one request and blocks until the
// operation reaches a terminal status.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (*Result, error) {
	validation, executionPlan, descriptors, err := o.preflight(ctx, req.Environment, req.ServiceFilter)
	if err != nil {
		return &Result{Status: models.OperationFailed, Message: err.Error(), Errors: validation.Errors, Warnings: validation.Warnings}, err
	}
	// A hard cycle blocks execution even under force.
	if executionPlan == nil {
		return &Result{
			Status:   models.OperationFailed,
			Message:  "dependency validation failed",
			Errors:   validation.Errors,
			Warnings: validation.Warnings,
		}, pkgerrors.ErrCircularDependency
	}
	if !validation.IsValid && !req.Force {
		return &Result{
			Status:   models.OperationFailed,
			Message:  "dependency validation failed; set force to proceed with warnings",
			Errors:   validation.Errors,
			Warnings: validation.Warnings,
		}, pkgerrors.ErrValidationFailed
	}

	// The environment slot is reserved before any record is written, so a
	// request losing this race fails without persisting anything.
	run := &runState{environment: req.Environment}
	if err := o.register(run); err != nil {
		return nil, err
	}
	defer o.unregister(run)

	op, steps, err := o.initiate(ctx, req, executionPlan, descriptors)
	if err != nil {
		return nil, err
	}
	o.bind(run, op.ID)

	o.transition(ctx, op, models.OperationRunning, "")
	metrics.OperationsStarted.WithLabelValues(string(o.opType), op.Environment).Inc()
	metrics.ActiveOperations.Inc()
	defer metrics.ActiveOperations.Dec()
	o.notify(op, fmt.Sprintf("%s started for %s", o.opType, op.Environment))

	finalStatus, failure := o.walkPhases(ctx, run, op, executionPlan, steps, req.DryRun)

	message := ""
	if failure != nil {
		message = failure.Error()
		op.ErrorDetails = message
	}
	o.transition(ctx, op, finalStatus, op.ErrorDetails)
	metrics.OperationsCompleted.WithLabelValues(string(o.opType), string(finalStatus)).Inc()
	o.notify(op, fmt.Sprintf("%s finished with status %s", o.opType, finalStatus))

	return &Result{
		OperationID: op.ID,
		Code:        op.Code,
		Status:      finalStatus,
		Message:     message,
		Warnings:    append(validation.Warnings, executionPlan.Warnings...),
	}, nil
}

// Rollback re-runs the best-effort rollback pass for a terminal operation,
// undoing its completed steps in reverse phase order. Running operations
// roll back automatically on failure and cannot be rolled back externally.
func (o *Orchestrator) Rollback(ctx context.Context, operationID string) error {
	o.mu.Lock()
	_, isActive := o.active[operationID]
	o.mu.Unlock()
	if isActive {
		return pkgerrors.ErrOperationInProgress
	}

	op, err := o.operations.GetByID(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Type != o.opType {
		return fmt.Errorf("operation %s is %s, not %s: %w", operationID, op.Type, o.opType, pkgerrors.ErrOperationNotFound)
	}
	if !op.Status.Terminal() {
		return fmt.Errorf("operation %s is %s: %w", operationID, op.Status, pkgerrors.ErrInvalidTransition)
	}
	steps, err := o.steps.ListByOperation(ctx, operationID)
	if err != nil {
		return err
	}
	o.rollback(ctx, op, steps, len(steps))
	return nil
}

// Cancel requests cooperative cancellation. In-flight steps finish; phases
// not yet started are skipped.
func (o *Orchestrator) Cancel(operationID string) error {
	o.mu.Lock()
	run, ok := o.active[operationID]
	o.mu.Unlock()
	if !ok {
		return pkgerrors.ErrOperationNotActive
	}
	run.cancelled.Store(true)
	o.log.Info("Cancellation requested", zap.String("operation_id", operationID))
	return nil
}

// initiate creates the durable operation and its pending steps.
func (o *Orchestrator) initiate(ctx context.Context, req Request, executionPlan *plan.ExecutionPlan, descriptors []models.ServiceDescriptor) (*models.Operation, []models.OperationStep, error) {
	now := time.Now().UTC()
	businessDate := now.Truncate(24 * time.Hour)
	id := utils.NewUUIDOrDefault()

	op := &models.Operation{
		ID:               id,
		Code:             operationCode(o.opType, req.Environment, businessDate, id),
		Type:             o.opType,
		BusinessDate:     businessDate,
		Environment:      req.Environment,
		Status:           models.OperationInitiated,
		InitiatedBy:      req.InitiatedBy,
		InitiationMethod: initiationMethod(req),
		ServiceIDs:       executionPlan.ServiceIDs(),
	}
	if err := o.operations.Create(ctx, op); err != nil {
		return nil, nil, fmt.Errorf("failed to create operation: %w", err)
	}

	names := make(map[int64]string, len(descriptors))
	for _, d := range descriptors {
		names[d.ID] = d.Name
	}

	var steps []models.OperationStep
	for _, phase := range executionPlan.Phases {
		for orderIdx, svc := range phase.Services {
			steps = append(steps, models.OperationStep{
				ID:          utils.NewUUIDOrDefault(),
				OperationID: op.ID,
				ServiceID:   svc.ServiceID,
				Name:        fmt.Sprintf("%s %s", o.forward, names[svc.ServiceID]),
				PhaseIndex:  phase.Index,
				OrderIndex:  orderIdx,
				Status:      models.StepPending,
			})
		}
	}
	if err := o.steps.CreateBatch(ctx, steps); err != nil {
		return nil, nil, fmt.Errorf("failed to create operation steps: %w", err)
	}
	return op, steps, nil
}

// walkPhases executes every phase in order and returns the terminal status.
func (o *Orchestrator) walkPhases(ctx context.Context, run *runState, op *models.Operation, executionPlan *plan.ExecutionPlan, steps []models.OperationStep, dryRun bool) (models.OperationStatus, error) {
	byPhase := make(map[int][]*models.OperationStep)
	for i := range steps {
		s := &steps[i]
		byPhase[s.PhaseIndex] = append(byPhase[s.PhaseIndex], s)
	}
	for _, phaseSteps := range byPhase {
		sort.Slice(phaseSteps, func(i, j int) bool { return phaseSteps[i].OrderIndex < phaseSteps[j].OrderIndex })
	}

	for _, phase := range executionPlan.Phases {
		if run.cancelled.Load() || ctx.Err() != nil {
			o.skipRemaining(ctx, steps)
			return models.OperationCancelled, nil
		}

		phaseSteps := byPhase[phase.Index]
		var failed *models.OperationStep
		var stepErr error
		if phase.Parallel {
			failed, stepErr = o.runParallel(ctx, phaseSteps, dryRun)
		} else {
			failed, stepErr = o.runSerial(ctx, run, phaseSteps, dryRun)
		}
		if failed != nil {
			o.skipRemaining(ctx, steps)
			o.rollback(ctx, op, steps, failed.PhaseIndex)
			return models.OperationFailed, fmt.Errorf("step %q failed: %w", failed.Name, stepErr)
		}
	}
	return models.OperationCompleted, nil
}

// runParallel dispatches every step of the phase concurrently and waits for
// all to settle before judging the phase.
func (o *Orchestrator) runParallel(ctx context.Context, phaseSteps []*models.OperationStep, dryRun bool) (*models.OperationStep, error) {
	var (
		g        errgroup.Group
		mu       sync.Mutex
		failed   *models.OperationStep
		firstErr error
	)
	for _, step := range phaseSteps {
		step := step
		g.Go(func() error {
			if err := o.runStep(ctx, step, dryRun); err != nil {
				mu.Lock()
				if failed == nil {
					failed = step
					firstErr = err
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed, firstErr
}

// runSerial runs the phase in computed order; the first failure halts the
// phase, and cancellation is honored between steps.
func (o *Orchestrator) runSerial(ctx context.Context, run *runState, phaseSteps []*models.OperationStep, dryRun bool) (*models.OperationStep, error) {
	for _, step := range phaseSteps {
		if run.cancelled.Load() || ctx.Err() != nil {
			return nil, nil
		}
		if err := o.runStep(ctx, step, dryRun); err != nil {
			return step, err
		}
	}
	return nil, nil
}

// runStep executes one step with its timeout and retry budget. The step
// record is persisted after every transition. No orchestrator lock is held
// here.
func (o *Orchestrator) runStep(ctx context.Context, step *models.OperationStep, dryRun bool) error {
	started := time.Now().UTC()
	step.Status = models.StepRunning
	step.StartedAt = &started
	o.persistStep(ctx, step)

	var detail string
	var execErr error
	if dryRun {
		detail = fmt.Sprintf("dry-run: %s would succeed", strings.ToLower(string(o.forward)))
	} else {
		detail, execErr = o.executeWithRetry(ctx, step)
	}

	ended := time.Now().UTC()
	step.EndedAt = &ended
	if execErr != nil {
		step.Status = models.StepFailed
		step.ErrorDetails = execErr.Error()
	} else {
		step.Status = models.StepCompleted
		step.Detail = detail
	}
	o.persistStep(ctx, step)
	metrics.StepDuration.WithLabelValues(string(o.opType), string(step.Status)).Observe(ended.Sub(started).Seconds())

	return execErr
}

// executeWithRetry calls the action executor under the per-step timeout,
// retrying on a constant interval until the budget is spent. A timeout counts
// as a failed attempt.
func (o *Orchestrator) executeWithRetry(ctx context.Context, step *models.OperationStep) (string, error) {
	var detail string
	attempt := 0

	call := func() error {
		if attempt > 0 {
			step.RetryCount++
			metrics.StepRetries.Inc()
			o.persistStep(ctx, step)
		}
		attempt++

		stepCtx, cancel := context.WithTimeout(ctx, o.cfg.StepTimeout)
		defer cancel()

		result, err := o.executor.Execute(stepCtx, step.ServiceID, o.forward)
		if stepCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("step %q after %s: %w", step.Name, o.cfg.StepTimeout, pkgerrors.ErrStepTimeout)
		}
		if err != nil {
			return err
		}
		if !result.Succeeded {
			return fmt.Errorf("executor rejected %s for service %d: %s", o.forward, step.ServiceID, result.ErrorMessage)
		}
		detail = result.Detail
		return nil
	}

	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(o.cfg.RetryInterval), o.cfg.StepRetryBudget)
	if err := backoff.Retry(call, backoff.WithContext(policy, ctx)); err != nil {
		return "", fmt.Errorf("%w: %s", pkgerrors.ErrRetryBudgetExhausted, err.Error())
	}
	return detail, nil
}

// rollback undoes already-completed steps in reverse phase order, each
// sub-step best-effort. Rollback is advisory cleanup: errors are logged,
// never escalated, and the pass makes no correctness guarantee.
func (o *Orchestrator) rollback(ctx context.Context, op *models.Operation, steps []models.OperationStep, failedPhase int) {
	metrics.RollbacksExecuted.Inc()
	o.log.Warn("Starting rollback pass",
		zap.String("operation_id", op.ID),
		zap.Int("failed_phase", failedPhase))

	completed := make([]*models.OperationStep, 0, len(steps))
	for i := range steps {
		if steps[i].Status == models.StepCompleted {
			completed = append(completed, &steps[i])
		}
	}
	sort.Slice(completed, func(i, j int) bool {
		if completed[i].PhaseIndex != completed[j].PhaseIndex {
			return completed[i].PhaseIndex > completed[j].PhaseIndex
		}
		return completed[i].OrderIndex > completed[j].OrderIndex
	})

	inverse := o.forward.Inverse()
	for _, step := range completed {
		result, err := o.executor.Execute(ctx, step.ServiceID, inverse)
		switch {
		case err != nil:
			o.log.Warn("Rollback sub-step failed",
				zap.String("step", step.Name), zap.Error(err))
		case !result.Succeeded:
			o.log.Warn("Rollback sub-step rejected",
				zap.String("step", step.Name), zap.String("detail", result.ErrorMessage))
		default:
			o.log.Info("Rolled back step", zap.String("step", step.Name))
		}
	}
}

// skipRemaining marks every still-pending step Skipped.
func (o *Orchestrator) skipRemaining(ctx context.Context, steps []models.OperationStep) {
	for i := range steps {
		if steps[i].Status != models.StepPending {
			continue
		}
		steps[i].Status = models.StepSkipped
		o.persistStep(ctx, &steps[i])
	}
}

// transition applies and persists an operation status change.
func (o *Orchestrator) transition(ctx context.Context, op *models.Operation, status models.OperationStatus, errDetails string) {
	now := time.Now().UTC()
	op.Status = status
	op.ErrorDetails = errDetails
	switch status {
	case models.OperationRunning:
		op.StartedAt = &now
	case models.OperationCompleted, models.OperationFailed, models.OperationCancelled:
		op.EndedAt = &now
	}
	if err := o.operations.Update(ctx, op); err != nil {
		o.log.Error("Failed to persist operation transition",
			zap.String("operation_id", op.ID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (o *Orchestrator) persistStep(ctx context.Context, step *models.OperationStep) {
	if err := o.steps.Update(ctx, step); err != nil {
		o.log.Error("Failed to persist step transition",
			zap.String("step_id", step.ID),
			zap.String("status", string(step.Status)),
			zap.Error(err))
	}
}

// register reserves the environment slot. The operation id is not known yet;
// bind fills it in once the durable records exist.
func (o *Orchestrator) register(run *runState) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.byEnv[run.environment]; ok {
		return fmt.Errorf("environment %s already has an active operation: %w",
			run.environment, pkgerrors.ErrOperationInProgress)
	}
	o.byEnv[run.environment] = ""
	return nil
}

// bind publishes the operation id for a reserved run, making it cancellable.
func (o *Orchestrator) bind(run *runState, operationID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	run.operationID = operationID
	o.active[operationID] = run
	o.byEnv[run.environment] = operationID
}

func (o *Orchestrator) unregister(run *runState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byEnv, run.environment)
	if run.operationID != "" {
		delete(o.active, run.operationID)
	}
}

func (o *Orchestrator) environmentBusy(environment string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.byEnv[environment]
	return ok
}

func filterDescriptors(descriptors []models.ServiceDescriptor, filter []int64) []models.ServiceDescriptor {
	if len(filter) == 0 {
		return descriptors
	}
	keep := make(map[int64]bool, len(filter))
	for _, id := range filter {
		keep[id] = true
	}
	out := make([]models.ServiceDescriptor, 0, len(filter))
	for _, d := range descriptors {
		if keep[d.ID] {
			out = append(out, d)
		}
	}
	return out
}

func operationCode(opType models.OperationType, environment string, businessDate time.Time, id string) string {
	return fmt.Sprintf("%s-%s-%s-%s", opType, strings.ToUpper(environment), businessDate.Format("20060102"), utils.ShortID(id))
}

func initiationMethod(req Request) string {
	if req.CutoffTime != nil {
		return "cutoff"
	}
	return "manual"
}
