package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	pkgerrors "github.com/bankcore/dayops/pkg/errors"
	"github.com/bankcore/dayops/pkg/models"
)

type memReader struct {
	mu    sync.Mutex
	ops   map[string]models.Operation
	steps map[string][]models.OperationStep
	fail  map[string]error
}

func newMemReader() *memReader {
	return &memReader{
		ops:   make(map[string]models.Operation),
		steps: make(map[string][]models.OperationStep),
		fail:  make(map[string]error),
	}
}

func (m *memReader) GetByID(_ context.Context, id string) (*models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail[id]; err != nil {
		return nil, err
	}
	op, ok := m.ops[id]
	if !ok {
		return nil, pkgerrors.ErrOperationNotFound
	}
	return &op, nil
}

func (m *memReader) ListRecent(_ context.Context, _ string, _ time.Duration) ([]models.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Operation
	for _, op := range m.ops {
		out = append(out, op)
	}
	return out, nil
}

func (m *memReader) ListByOperation(_ context.Context, operationID string) ([]models.OperationStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.steps[operationID], nil
}

func (m *memReader) setSteps(opID string, statuses ...models.StepStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps := make([]models.OperationStep, 0, len(statuses))
	for i, st := range statuses {
		steps = append(steps, models.OperationStep{
			ID:          fmt.Sprintf("%s-step-%d", opID, i),
			OperationID: opID,
			ServiceID:   int64(i + 1),
			PhaseIndex:  i,
			Status:      st,
		})
	}
	m.steps[opID] = steps
}

func runningOp(id string) models.Operation {
	started := time.Now().UTC().Add(-time.Minute)
	return models.Operation{
		ID:          id,
		Code:        "SOD-UAT-20260829-" + id,
		Type:        models.OperationSOD,
		Environment: "uat",
		Status:      models.OperationRunning,
		StartedAt:   &started,
		CreatedAt:   started,
	}
}

func newTestMonitor(t *testing.T, reader *memReader) *Monitor {
	t.Helper()
	cfg := Config{SampleInterval: time.Minute, RecentWindow: time.Hour, TrendLength: 10}
	return New(reader, reader, NewRuntimeSampler(), nil, cfg, zaptest.NewLogger(t))
}

func TestGetMetricsUnknownOperation(t *testing.T) {
	m := newTestMonitor(t, newMemReader())
	_, err := m.GetMetrics(context.Background(), "missing")
	assert.ErrorIs(t, err, pkgerrors.ErrOperationNotFound)
}

func TestStartMonitoringUnknownOperation(t *testing.T) {
	m := newTestMonitor(t, newMemReader())
	err := m.StartMonitoring(context.Background(), "missing")
	assert.ErrorIs(t, err, pkgerrors.ErrOperationNotFound)
}

func TestStartMonitoringTwice(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	reader.setSteps("op-1", models.StepPending)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "op-1"))
	assert.ErrorIs(t, m.StartMonitoring(context.Background(), "op-1"), pkgerrors.ErrAlreadyMonitored)
}

func TestBaselineSampleTakenOnStart(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	reader.setSteps("op-1", models.StepCompleted, models.StepRunning)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "op-1"))

	history, err := m.History("op-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 2, history[0].TotalSteps)
	assert.Equal(t, 1, history[0].CompletedSteps)
	assert.InDelta(t, 50.0, history[0].ProgressPercentage, 0.01)
	assert.Equal(t, "Phase 2", history[0].CurrentPhase)
}

func TestHistoryCapEvictsOldestFirst(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	reader.setSteps("op-1", models.StepRunning)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "op-1"))

	e, ok := m.registry.get("op-1")
	require.True(t, ok)
	for i := 0; i < historyLimit+1; i++ {
		e.append(OperationMetrics{OperationID: "op-1", SampledAt: time.Unix(int64(i), 0)})
	}

	history, err := m.History("op-1")
	require.NoError(t, err)
	assert.Len(t, history, historyLimit)
	// The baseline and the first appended sample were evicted.
	assert.Equal(t, time.Unix(1, 0), history[0].SampledAt)
	assert.Equal(t, time.Unix(int64(historyLimit), 0), history[len(history)-1].SampledAt)
}

func TestProgressNonDecreasingWhileRunning(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	m := newTestMonitor(t, reader)

	var last float64
	transitions := [][]models.StepStatus{
		{models.StepRunning, models.StepPending, models.StepPending},
		{models.StepCompleted, models.StepRunning, models.StepPending},
		{models.StepCompleted, models.StepCompleted, models.StepRunning},
		{models.StepCompleted, models.StepCompleted, models.StepCompleted},
	}
	for _, statuses := range transitions {
		reader.setSteps("op-1", statuses...)
		sample, err := m.GetMetrics(context.Background(), "op-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, sample.ProgressPercentage, last)
		last = sample.ProgressPercentage
	}
	assert.InDelta(t, 100.0, last, 0.01)
}

func TestSamplerIsolatesPerOperationFailures(t *testing.T) {
	reader := newMemReader()
	reader.ops["good"] = runningOp("good")
	reader.setSteps("good", models.StepRunning)
	reader.ops["bad"] = runningOp("bad")
	reader.setSteps("bad", models.StepRunning)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "good"))
	require.NoError(t, m.StartMonitoring(context.Background(), "bad"))

	reader.mu.Lock()
	reader.fail["bad"] = errors.New("store unavailable")
	reader.mu.Unlock()

	m.SamplePass(context.Background())

	goodHistory, err := m.History("good")
	require.NoError(t, err)
	assert.Len(t, goodHistory, 2, "healthy operation keeps sampling")

	badHistory, err := m.History("bad")
	require.NoError(t, err)
	assert.Len(t, badHistory, 1, "failing operation keeps only the baseline")
}

func TestStopMonitoringRemovesEntry(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	reader.setSteps("op-1", models.StepRunning)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "op-1"))
	m.StopMonitoring("op-1")

	_, err := m.History("op-1")
	assert.ErrorIs(t, err, pkgerrors.ErrOperationNotFound)
}

func TestDashboardAssembly(t *testing.T) {
	reader := newMemReader()
	reader.ops["active"] = runningOp("active")
	reader.setSteps("active", models.StepCompleted, models.StepRunning)

	failed := runningOp("failed")
	failed.Status = models.OperationFailed
	failed.ErrorDetails = "svc-3 refused to start"
	reader.ops["failed"] = failed

	health := func(context.Context) map[string]error {
		return map[string]error{
			"postgres": nil,
			"redis":    errors.New("connection refused"),
		}
	}
	cfg := Config{SampleInterval: time.Minute, RecentWindow: time.Hour, TrendLength: 10}
	m := New(reader, reader, NewRuntimeSampler(), health, cfg, zaptest.NewLogger(t))
	require.NoError(t, m.StartMonitoring(context.Background(), "active"))

	d, err := m.GetDashboard(context.Background())
	require.NoError(t, err)

	require.Len(t, d.ActiveOperations, 1)
	active := d.ActiveOperations[0]
	assert.Equal(t, "active", active.OperationID)
	assert.InDelta(t, 50.0, active.Progress, 0.01)
	require.NotNil(t, active.EstimatedCompletion, "progress > 0 yields an ETA")
	assert.True(t, active.EstimatedCompletion.After(active.StartedAt))

	assert.Len(t, d.RecentOperations, 2)
	assert.Equal(t, 1, d.SystemHealth.HealthyServices)
	assert.Equal(t, 1, d.SystemHealth.UnhealthyServices)
	assert.InDelta(t, 50.0, d.SystemHealth.HealthPercent, 0.01)

	assert.NotEmpty(t, d.Trend)
	assert.Equal(t, 1, d.Alerts.Critical)
	assert.GreaterOrEqual(t, d.Alerts.Warnings, 1)
}

func TestDashboardZeroProgressHasNoETA(t *testing.T) {
	reader := newMemReader()
	reader.ops["op-1"] = runningOp("op-1")
	reader.setSteps("op-1", models.StepPending, models.StepPending)

	m := newTestMonitor(t, reader)
	require.NoError(t, m.StartMonitoring(context.Background(), "op-1"))

	d, err := m.GetDashboard(context.Background())
	require.NoError(t, err)
	require.Len(t, d.ActiveOperations, 1)
	assert.Nil(t, d.ActiveOperations[0].EstimatedCompletion)
}
