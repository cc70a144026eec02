// Package engine is the boundary-facing facade of the orchestration core. It
// wires the graph builder, validator, planner, orchestrators, and monitor
// behind the operations the API layer consumes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/bankcore/dayops/internal/service/dependency"
	"github.com/bankcore/dayops/internal/service/monitor"
	"github.com/bankcore/dayops/internal/service/operation"
	"github.com/bankcore/dayops/internal/service/plan"
	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/graceful"
	"github.com/bankcore/dayops/pkg/models"
	"github.com/bankcore/dayops/pkg/redis"
)

// planCacheTTL bounds how stale a cached execution plan may be; descriptor
// edits land within this window.
const planCacheTTL = 5 * time.Minute

// dashboardCacheTTL keeps dashboard refreshes from hammering the store; it
// stays below the sampler interval so consumers never see data older than
// one sampling period.
const dashboardCacheTTL = 10 * time.Second

// Engine exposes the orchestration core to the boundary layer.
type Engine struct {
	log         *zap.Logger
	descriptors operation.DescriptorStore
	sod         *operation.SODOrchestrator
	eod         *operation.EODOrchestrator
	monitor     *monitor.Monitor
	cache       *redis.Cache
}

// New wires the engine facade. The cache may be nil, which disables
// plan and dashboard caching.
func New(
	descriptors operation.DescriptorStore,
	sod *operation.SODOrchestrator,
	eod *operation.EODOrchestrator,
	mon *monitor.Monitor,
	cache *redis.Cache,
	log *zap.Logger,
) *Engine {
	return &Engine{
		log:         log.With(zap.String("component", "engine")),
		descriptors: descriptors,
		sod:         sod,
		eod:         eod,
		monitor:     mon,
		cache:       cache,
	}
}

// ResolveDependencies builds the dependency graph for an environment and
// operation type. The validator runs so the cycle flag and levels are set.
func (e *Engine) ResolveDependencies(ctx context.Context, environment string, opType models.OperationType) (*dependency.Graph, dependency.ValidationResult, error) {
	descriptors, err := e.loadDescriptors(ctx, environment)
	if err != nil {
		return nil, dependency.ValidationResult{}, graceful.MapAndWrapErr(ctx, err, "failed to resolve dependencies", codes.Internal)
	}
	graph := dependency.BuildGraph(descriptors, opType)
	result := dependency.Validate(graph)
	return graph, result, nil
}

// ValidateDependencies validates the dependency graph over the given
// services without planning or executing anything.
func (e *Engine) ValidateDependencies(services []models.ServiceDescriptor, opType models.OperationType) dependency.ValidationResult {
	graph := dependency.BuildGraph(services, opType)
	return dependency.Validate(graph)
}

// GetExecutionPlan compiles the execution plan for a set of services. Plans
// for a whole environment are cached briefly.
func (e *Engine) GetExecutionPlan(ctx context.Context, environment string, opType models.OperationType) (*plan.ExecutionPlan, error) {
	cacheKey := fmt.Sprintf("%s:%s", environment, opType)
	if e.cache != nil {
		var cached plan.ExecutionPlan
		if err := e.cache.Get(ctx, "plan", cacheKey, &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			e.log.Warn("Plan cache read failed", zap.Error(err))
		}
	}

	graph, result, err := e.ResolveDependencies(ctx, environment, opType)
	if err != nil {
		return nil, err
	}
	if graph.HasCircularDependencies {
		return nil, graceful.MapAndWrapErr(ctx,
			fmt.Errorf("%w: %v", pkgerrors.ErrCircularDependency, result.Errors),
			"plan refused", codes.FailedPrecondition)
	}
	executionPlan, err := plan.Build(graph, opType)
	if err != nil {
		return nil, graceful.MapAndWrapErr(ctx, err, "plan compilation failed", codes.Internal)
	}

	if e.cache != nil {
		if err := e.cache.Set(ctx, "plan", cacheKey, executionPlan, planCacheTTL); err != nil {
			e.log.Warn("Plan cache write failed", zap.Error(err))
		}
	}
	return executionPlan, nil
}

// PlanServices compiles a plan directly from a caller-supplied service set.
func (e *Engine) PlanServices(services []models.ServiceDescriptor, opType models.OperationType) (*plan.ExecutionPlan, error) {
	graph := dependency.BuildGraph(services, opType)
	result := dependency.Validate(graph)
	if graph.HasCircularDependencies {
		return nil, fmt.Errorf("%w: %v", pkgerrors.ErrCircularDependency, result.Errors)
	}
	return plan.Build(graph, opType)
}

// ExecuteSOD runs a Start of Day operation and monitors it for its lifetime.
func (e *Engine) ExecuteSOD(ctx context.Context, req operation.Request) (*operation.Result, error) {
	return e.execute(ctx, req, e.sod.Orchestrator)
}

// ExecuteEOD runs an End of Day operation. When the request carries a cutoff
// time the run waits for it.
func (e *Engine) ExecuteEOD(ctx context.Context, req operation.Request) (*operation.Result, error) {
	if req.CutoffTime != nil {
		return e.executeCutoff(ctx, req)
	}
	return e.execute(ctx, req, e.eod.Orchestrator)
}

// CancelOperation requests cooperative cancellation of a running operation.
func (e *Engine) CancelOperation(operationID string) error {
	if err := e.sod.Cancel(operationID); !errors.Is(err, pkgerrors.ErrOperationNotActive) {
		return err
	}
	return e.eod.Cancel(operationID)
}

// RollbackOperation re-runs the best-effort rollback pass for a terminal
// operation, undoing its completed steps in reverse phase order.
func (e *Engine) RollbackOperation(ctx context.Context, operationID string) error {
	err := e.sod.Rollback(ctx, operationID)
	if err != nil && errors.Is(err, pkgerrors.ErrOperationNotFound) {
		err = e.eod.Rollback(ctx, operationID)
	}
	if err != nil {
		return graceful.MapAndWrapErr(ctx, err, "rollback failed", codes.Internal)
	}
	return nil
}

// GetOperationMetrics recomputes metrics for one operation.
func (e *Engine) GetOperationMetrics(ctx context.Context, operationID string) (monitor.OperationMetrics, error) {
	m, err := e.monitor.GetMetrics(ctx, operationID)
	if err != nil {
		return m, graceful.MapAndWrapErr(ctx, err, "failed to compute metrics", codes.Internal)
	}
	return m, nil
}

// GetDashboard assembles (or serves a cached copy of) the dashboard.
func (e *Engine) GetDashboard(ctx context.Context) (*monitor.Dashboard, error) {
	if e.cache != nil {
		var cached monitor.Dashboard
		if err := e.cache.Get(ctx, "dashboard", "current", &cached); err == nil {
			return &cached, nil
		} else if !errors.Is(err, redis.ErrCacheMiss) {
			e.log.Warn("Dashboard cache read failed", zap.Error(err))
		}
	}

	d, err := e.monitor.GetDashboard(ctx)
	if err != nil {
		return nil, graceful.MapAndWrapErr(ctx, err, "failed to assemble dashboard", codes.Internal)
	}
	if e.cache != nil {
		if err := e.cache.Set(ctx, "dashboard", "current", d, dashboardCacheTTL); err != nil {
			e.log.Warn("Dashboard cache write failed", zap.Error(err))
		}
	}
	return d, nil
}

func (e *Engine) execute(ctx context.Context, req operation.Request, orch executor) (*operation.Result, error) {
	res, err := orch.Execute(ctx, req)
	e.invalidateDashboard(ctx, res)
	if err != nil {
		return res, graceful.MapAndWrapErr(ctx, err, "operation did not complete", codes.Internal)
	}
	return res, nil
}

func (e *Engine) executeCutoff(ctx context.Context, req operation.Request) (*operation.Result, error) {
	res, err := e.eod.ExecuteCutoff(ctx, req, *req.CutoffTime)
	e.invalidateDashboard(ctx, res)
	if err != nil {
		return res, graceful.MapAndWrapErr(ctx, err, "operation did not complete", codes.Internal)
	}
	return res, nil
}

// invalidateDashboard drops the cached dashboard once a run reached a
// terminal status, so the next read reflects it immediately.
func (e *Engine) invalidateDashboard(ctx context.Context, res *operation.Result) {
	if res == nil || res.OperationID == "" || e.cache == nil {
		return
	}
	if err := e.cache.Delete(ctx, "dashboard", "current"); err != nil {
		e.log.Warn("Dashboard cache invalidation failed", zap.Error(err))
	}
}

func (e *Engine) loadDescriptors(ctx context.Context, environment string) ([]models.ServiceDescriptor, error) {
	descriptors, err := e.descriptors.ListByEnvironment(ctx, environment)
	if err != nil {
		return nil, err
	}
	if len(descriptors) == 0 {
		return nil, fmt.Errorf("environment %s: %w", environment, pkgerrors.ErrUnknownEnvironment)
	}
	return descriptors, nil
}

type executor interface {
	Execute(ctx context.Context, req operation.Request) (*operation.Result, error)
}
