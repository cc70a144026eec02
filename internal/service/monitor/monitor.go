// Package monitor tracks live operations: it samples progress and resource
// usage on a schedule, keeps a bounded per-operation history, and assembles
// the dashboard aggregates.
package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/metrics"
	"github.com/bankcore/dayops/pkg/models"
)

// OperationReader is the monitor's read-only view of operation records.
type OperationReader interface {
	GetByID(ctx context.Context, id string) (*models.Operation, error)
	ListRecent(ctx context.Context, environment string, window time.Duration) ([]models.Operation, error)
}

// StepReader is the monitor's read-only view of step records.
type StepReader interface {
	ListByOperation(ctx context.Context, operationID string) ([]models.OperationStep, error)
}

// PerformanceSummary aggregates step timing for one operation.
type PerformanceSummary struct {
	AverageStepDuration time.Duration
	MinStepDuration     time.Duration
	MaxStepDuration     time.Duration
	FailedSteps         int
	RetriedSteps        int
}

// OperationMetrics is one computed progress sample for an operation.
type OperationMetrics struct {
	OperationID        string
	Status             models.OperationStatus
	Elapsed            time.Duration
	CompletedSteps     int
	TotalSteps         int
	ProgressPercentage float64
	CurrentPhase       string
	Performance        PerformanceSummary
	Resources          ResourceUsage
	SampledAt          time.Time
}

// ActiveOperationView is one active operation as shown on the dashboard.
type ActiveOperationView struct {
	OperationID         string
	Code                string
	Type                models.OperationType
	Environment         string
	Status              models.OperationStatus
	Progress            float64
	StartedAt           time.Time
	EstimatedCompletion *time.Time
}

// SystemHealth is the dashboard's aggregate service-health score.
type SystemHealth struct {
	HealthyServices   int
	UnhealthyServices int
	HealthPercent     float64
}

// TrendPoint is one point of the dashboard's performance-trend series.
type TrendPoint struct {
	Timestamp     time.Time
	Progress      float64
	CPUPercent    float64
	MemoryPercent float64
}

// AlertSummary condenses recent problems for the dashboard header.
type AlertSummary struct {
	Critical int
	Warnings int
	Messages []string
}

// Dashboard is the full aggregate handed to dashboard consumers.
type Dashboard struct {
	ActiveOperations []ActiveOperationView
	RecentOperations []models.Operation
	SystemHealth     SystemHealth
	Trend            []TrendPoint
	Alerts           AlertSummary
	GeneratedAt      time.Time
}

// Config tunes the monitor.
type Config struct {
	// SampleInterval is the recurring sampler period.
	SampleInterval time.Duration
	// RecentWindow bounds the dashboard's recent-operations list.
	RecentWindow time.Duration
	// TrendLength caps the dashboard trend series.
	TrendLength int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SampleInterval: 30 * time.Second,
		RecentWindow:   24 * time.Hour,
		TrendLength:    50,
	}
}

// Monitor tracks active operations and serves metrics and dashboards.
type Monitor struct {
	log        *zap.Logger
	registry   *Registry
	operations OperationReader
	steps      StepReader
	sampler    ResourceSampler
	health     func(ctx context.Context) map[string]error
	cfg        Config
}

// New creates a monitor. The health callback feeds the dashboard's system
// health aggregate and may be nil.
func New(operations OperationReader, steps StepReader, sampler ResourceSampler, health func(ctx context.Context) map[string]error, cfg Config, log *zap.Logger) *Monitor {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultConfig().SampleInterval
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = DefaultConfig().RecentWindow
	}
	if cfg.TrendLength <= 0 {
		cfg.TrendLength = DefaultConfig().TrendLength
	}
	if sampler == nil {
		sampler = NewRuntimeSampler()
	}
	return &Monitor{
		log:        log.With(zap.String("component", "monitor")),
		registry:   NewRegistry(),
		operations: operations,
		steps:      steps,
		sampler:    sampler,
		health:     health,
		cfg:        cfg,
	}
}

// StartMonitoring registers the operation and takes an immediate baseline
// sample.
func (m *Monitor) StartMonitoring(ctx context.Context, operationID string) error {
	op, err := m.operations.GetByID(ctx, operationID)
	if err != nil {
		return fmt.Errorf("cannot monitor %s: %w", operationID, err)
	}
	startedAt := op.CreatedAt
	if op.StartedAt != nil {
		startedAt = *op.StartedAt
	}
	if !m.registry.Add(operationID, startedAt) {
		return pkgerrors.ErrAlreadyMonitored
	}
	m.sampleOne(ctx, operationID)
	m.log.Info("Monitoring started", zap.String("operation_id", operationID))
	return nil
}

// StopMonitoring removes the operation from the registry.
func (m *Monitor) StopMonitoring(operationID string) {
	m.registry.Remove(operationID)
	m.log.Info("Monitoring stopped", zap.String("operation_id", operationID))
}

// GetMetrics recomputes metrics for the operation on demand. It does not
// require the operation to be under active monitoring, but the operation
// must exist in the state store.
func (m *Monitor) GetMetrics(ctx context.Context, operationID string) (OperationMetrics, error) {
	return m.compute(ctx, operationID)
}

// History returns the stored sample history for a monitored operation.
func (m *Monitor) History(operationID string) ([]OperationMetrics, error) {
	e, ok := m.registry.get(operationID)
	if !ok {
		return nil, pkgerrors.ErrOperationNotFound
	}
	return e.snapshot(), nil
}

// SamplePass recomputes metrics for every active registry entry. A failure
// for one operation is logged and skipped; the others still get sampled.
func (m *Monitor) SamplePass(ctx context.Context) {
	for _, e := range m.registry.activeEntries() {
		m.sampleOne(ctx, e.operationID)
	}
}

func (m *Monitor) sampleOne(ctx context.Context, operationID string) {
	defer func() {
		if r := recover(); r != nil {
			metrics.SamplerErrors.Inc()
			m.log.Error("Sampler panicked", zap.String("operation_id", operationID), zap.Any("panic", r))
		}
	}()

	sample, err := m.compute(ctx, operationID)
	if err != nil {
		metrics.SamplerErrors.Inc()
		m.log.Warn("Sampler failed for operation",
			zap.String("operation_id", operationID), zap.Error(err))
		return
	}
	if e, ok := m.registry.get(operationID); ok {
		e.append(sample)
	}
}

// compute derives a metrics sample from the current state store records plus
// a fresh resource reading.
func (m *Monitor) compute(ctx context.Context, operationID string) (OperationMetrics, error) {
	op, err := m.operations.GetByID(ctx, operationID)
	if err != nil {
		return OperationMetrics{}, err
	}
	steps, err := m.steps.ListByOperation(ctx, operationID)
	if err != nil {
		return OperationMetrics{}, err
	}

	now := time.Now().UTC()
	out := OperationMetrics{
		OperationID: operationID,
		Status:      op.Status,
		TotalSteps:  len(steps),
		SampledAt:   now,
	}
	if op.StartedAt != nil {
		end := now
		if op.EndedAt != nil {
			end = *op.EndedAt
		}
		out.Elapsed = end.Sub(*op.StartedAt)
	}

	settled := 0
	for i := range steps {
		s := &steps[i]
		switch s.Status {
		case models.StepCompleted:
			out.CompletedSteps++
			settled++
		case models.StepFailed:
			out.Performance.FailedSteps++
			settled++
		case models.StepSkipped:
			settled++
		}
		if s.RetryCount > 0 {
			out.Performance.RetriedSteps++
		}
		if s.StartedAt != nil && s.EndedAt != nil {
			d := s.EndedAt.Sub(*s.StartedAt)
			if out.Performance.MinStepDuration == 0 || d < out.Performance.MinStepDuration {
				out.Performance.MinStepDuration = d
			}
			if d > out.Performance.MaxStepDuration {
				out.Performance.MaxStepDuration = d
			}
			out.Performance.AverageStepDuration += d
		}
	}
	if timed := out.CompletedSteps + out.Performance.FailedSteps; timed > 0 {
		out.Performance.AverageStepDuration /= time.Duration(timed)
	}
	if len(steps) > 0 {
		out.ProgressPercentage = float64(settled) / float64(len(steps)) * 100
	}
	out.CurrentPhase = currentPhase(steps)

	usage, err := m.sampler.Sample(ctx)
	if err != nil {
		m.log.Warn("Resource sample failed", zap.Error(err))
	} else {
		out.Resources = usage
	}
	return out, nil
}

// currentPhase names the phase the operation is working through.
func currentPhase(steps []models.OperationStep) string {
	phase := -1
	for i := range steps {
		s := &steps[i]
		if s.Status == models.StepRunning && (phase == -1 || s.PhaseIndex < phase) {
			phase = s.PhaseIndex
		}
	}
	if phase == -1 {
		for i := range steps {
			s := &steps[i]
			if s.Status == models.StepPending && (phase == -1 || s.PhaseIndex < phase) {
				phase = s.PhaseIndex
			}
		}
	}
	if phase == -1 {
		return "Complete"
	}
	return fmt.Sprintf("Phase %d", phase+1)
}

// GetDashboard assembles the dashboard aggregate: active operations with
// progress and completion estimates, recent operations, the system health
// score, the trend series, and the alert summary.
func (m *Monitor) GetDashboard(ctx context.Context) (*Dashboard, error) {
	d := &Dashboard{GeneratedAt: time.Now().UTC()}

	var trendSource []OperationMetrics
	for _, e := range m.registry.activeEntries() {
		sample, ok := e.latest()
		if !ok {
			// Baseline sample missing, recompute inline.
			computed, err := m.compute(ctx, e.operationID)
			if err != nil {
				m.log.Warn("Dashboard skipping operation",
					zap.String("operation_id", e.operationID), zap.Error(err))
				continue
			}
			sample = computed
		}
		op, err := m.operations.GetByID(ctx, e.operationID)
		if err != nil {
			m.log.Warn("Dashboard skipping operation",
				zap.String("operation_id", e.operationID), zap.Error(err))
			continue
		}
		view := ActiveOperationView{
			OperationID: e.operationID,
			Code:        op.Code,
			Type:        op.Type,
			Environment: op.Environment,
			Status:      op.Status,
			Progress:    sample.ProgressPercentage,
			StartedAt:   e.startedAt,
		}
		if sample.ProgressPercentage > 0 {
			total := time.Duration(float64(sample.Elapsed) / sample.ProgressPercentage * 100)
			eta := e.startedAt.Add(total)
			view.EstimatedCompletion = &eta
		}
		d.ActiveOperations = append(d.ActiveOperations, view)
		trendSource = append(trendSource, e.snapshot()...)
	}
	sort.Slice(d.ActiveOperations, func(i, j int) bool {
		return d.ActiveOperations[i].StartedAt.Before(d.ActiveOperations[j].StartedAt)
	})

	recent, err := m.operations.ListRecent(ctx, "", m.cfg.RecentWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to load recent operations: %w", err)
	}
	d.RecentOperations = recent

	d.SystemHealth = m.systemHealth(ctx)
	d.Trend = buildTrend(trendSource, m.cfg.TrendLength)
	d.Alerts = buildAlerts(recent, d.SystemHealth)
	return d, nil
}

func (m *Monitor) systemHealth(ctx context.Context) SystemHealth {
	var sh SystemHealth
	if m.health == nil {
		return sh
	}
	for _, err := range m.health(ctx) {
		if err != nil {
			sh.UnhealthyServices++
		} else {
			sh.HealthyServices++
		}
	}
	if total := sh.HealthyServices + sh.UnhealthyServices; total > 0 {
		sh.HealthPercent = float64(sh.HealthyServices) / float64(total) * 100
	}
	return sh
}

func buildTrend(samples []OperationMetrics, limit int) []TrendPoint {
	sort.Slice(samples, func(i, j int) bool { return samples[i].SampledAt.Before(samples[j].SampledAt) })
	if len(samples) > limit {
		samples = samples[len(samples)-limit:]
	}
	out := make([]TrendPoint, 0, len(samples))
	for _, s := range samples {
		out = append(out, TrendPoint{
			Timestamp:     s.SampledAt,
			Progress:      s.ProgressPercentage,
			CPUPercent:    s.Resources.CPUPercent,
			MemoryPercent: s.Resources.MemoryPercent,
		})
	}
	return out
}

func buildAlerts(recent []models.Operation, health SystemHealth) AlertSummary {
	var a AlertSummary
	for i := range recent {
		op := &recent[i]
		switch op.Status {
		case models.OperationFailed:
			a.Critical++
			a.Messages = append(a.Messages, fmt.Sprintf("%s failed: %s", op.Code, op.ErrorDetails))
		case models.OperationCancelled:
			a.Warnings++
			a.Messages = append(a.Messages, fmt.Sprintf("%s was cancelled", op.Code))
		}
	}
	if health.UnhealthyServices > 0 {
		a.Warnings++
		a.Messages = append(a.Messages, fmt.Sprintf("%d infrastructure checks failing", health.UnhealthyServices))
	}
	return a
}
