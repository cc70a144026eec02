package operation

import (
	"context"
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

// ---- in-memory fakes ----

type memState struct {
	mu    sync.Mutex
	descs []models.ServiceDescriptor
	ops   map[string]models.Operation
	steps map[string]models.OperationStep
}

func newMemState(descs ...models.ServiceDescriptor) *memState {
	return &memState{
		descs: descs,
		ops:   make(map[string]models.Operation),
		steps: make(map[string]models.OperationStep),
	}
}

type memDescriptors struct{ s *memState }

func (m memDescriptors) ListByEnvironment(_ context.Context, environment string) ([]models.ServiceDescriptor, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []models.ServiceDescriptor
	for _, d := range m.s.descs {
		if d.Environment == environment {
			out = append(out, d)
		}
	}
	return out, nil
}

type memOperations struct{ s *memState }

func (m memOperations) Create(_ context.Context, op *models.Operation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.ops[op.ID] = *op
	return nil
}

func (m memOperations) Update(_ context.Context, op *models.Operation) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.ops[op.ID]; !ok {
		return pkgerrors.ErrOperationNotFound
	}
	m.s.ops[op.ID] = *op
	return nil
}

func (m memOperations) GetByID(_ context.Context, id string) (*models.Operation, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	op, ok := m.s.ops[id]
	if !ok {
		return nil, pkgerrors.ErrOperationNotFound
	}
	return &op, nil
}

type memSteps struct{ s *memState }

func (m memSteps) CreateBatch(_ context.Context, steps []models.OperationStep) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	for _, st := range steps {
		m.s.steps[st.ID] = st
	}
	return nil
}

func (m memSteps) Update(_ context.Context, step *models.OperationStep) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.steps[step.ID]; !ok {
		return pkgerrors.ErrOperationNotFound
	}
	m.s.steps[step.ID] = *step
	return nil
}

func (m memSteps) ListByOperation(_ context.Context, operationID string) ([]models.OperationStep, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	var out []models.OperationStep
	for _, st := range m.s.steps {
		if st.OperationID == operationID {
			out = append(out, st)
		}
	}
	return out, nil
}

type execCall struct {
	ServiceID int64
	Action    Action
}

type fakeExecutor struct {
	mu      sync.Mutex
	calls   []execCall
	failOn  map[int64]bool
	hangOn  map[int64]bool
	started chan int64
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{failOn: map[int64]bool{}, hangOn: map[int64]bool{}}
}

func (f *fakeExecutor) Execute(ctx context.Context, serviceID int64, action Action) (ActionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, execCall{ServiceID: serviceID, Action: action})
	hang := f.hangOn[serviceID]
	fail := f.failOn[serviceID]
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- serviceID:
		default:
		}
	}
	if hang && action != ActionStart.Inverse() {
		<-ctx.Done()
		return ActionResult{}, ctx.Err()
	}
	if fail && action == ActionStart {
		return ActionResult{Succeeded: false, ErrorMessage: "boot failure"}, nil
	}
	return ActionResult{Succeeded: true, Detail: fmt.Sprintf("%s ok", action)}, nil
}

func (f *fakeExecutor) callsFor(action Action) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, c := range f.calls {
		if c.Action == action {
			out = append(out, c.ServiceID)
		}
	}
	return out
}

// ---- helpers ----

func chainDescriptors(env string, n int) []models.ServiceDescriptor {
	descs := make([]models.ServiceDescriptor, 0, n)
	for i := 1; i <= n; i++ {
		d := models.ServiceDescriptor{
			ID:                int64(i),
			Name:              fmt.Sprintf("svc-%d", i),
			Environment:       env,
			SODCritical:       true,
			EstimatedDuration: time.Second,
		}
		if i > 1 {
			d.Dependencies = []models.DependencyRef{{ServiceID: int64(i - 1), Kind: models.DependencyHard}}
		}
		descs = append(descs, d)
	}
	return descs
}

func testConfig() Config {
	return Config{
		StepTimeout:     time.Second,
		StepRetryBudget: 1,
		RetryInterval:   time.Millisecond,
	}
}

func newSOD(t *testing.T, state *memState, exec ActionExecutor, cfg Config) *SODOrchestrator {
	t.Helper()
	return NewSODOrchestrator(
		memDescriptors{state}, memOperations{state}, memSteps{state},
		exec, nil, cfg, zaptest.NewLogger(t))
}

func stepsByServiceID(t *testing.T, state *memState, opID string) map[int64]models.OperationStep {
	t.Helper()
	steps, err := memSteps{state}.ListByOperation(context.Background(), opID)
	require.NoError(t, err)
	out := make(map[int64]models.OperationStep, len(steps))
	for _, st := range steps {
		out[st.ServiceID] = st
	}
	return out
}

// ---- tests ----

func TestExecuteCompletesChain(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 3)...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat", InitiatedBy: "ops"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
	assert.Equal(t, []int64{1, 2, 3}, exec.callsFor(ActionStart))

	op, err := memOperations{state}.GetByID(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, op.Status)
	assert.NotNil(t, op.StartedAt)
	assert.NotNil(t, op.EndedAt)

	for id, st := range stepsByServiceID(t, state, res.OperationID) {
		assert.Equal(t, models.StepCompleted, st.Status, "service %d", id)
		assert.NotEmpty(t, st.Detail, "service %d", id)
		assert.Empty(t, st.ErrorDetails, "successful step carries no error detail")
	}
}

func TestExecuteFailureRollsBackReverseOrder(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 4)...)
	exec := newFakeExecutor()
	exec.failOn[3] = true
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, res.Status)
	assert.Contains(t, res.Message, "svc-3")

	steps := stepsByServiceID(t, state, res.OperationID)
	assert.Equal(t, models.StepCompleted, steps[1].Status)
	assert.Equal(t, models.StepCompleted, steps[2].Status)
	assert.Equal(t, models.StepFailed, steps[3].Status)
	assert.Equal(t, models.StepSkipped, steps[4].Status)

	// Rollback stops completed services in reverse order.
	assert.Equal(t, []int64{2, 1}, exec.callsFor(ActionStop))

	op, err := memOperations{state}.GetByID(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, op.Status)
	assert.NotEmpty(t, op.ErrorDetails)
}

func TestExecuteDryRunNeverCallsExecutor(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 4)...)
	exec := newFakeExecutor()
	exec.failOn[3] = true // would fail a real run
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat", DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
	assert.Empty(t, exec.calls)

	for _, st := range stepsByServiceID(t, state, res.OperationID) {
		assert.Equal(t, models.StepCompleted, st.Status)
		assert.Contains(t, st.Detail, "dry-run")
		assert.Empty(t, st.ErrorDetails)
	}
}

func TestExecuteRetryBudgetExhausted(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	exec := newFakeExecutor()
	exec.failOn[1] = true
	cfg := testConfig()
	cfg.StepRetryBudget = 2
	sod := newSOD(t, state, exec, cfg)

	res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, res.Status)

	// Budget of 2 retries means 3 attempts total.
	assert.Len(t, exec.callsFor(ActionStart), 3)
	steps := stepsByServiceID(t, state, res.OperationID)
	assert.Equal(t, models.StepFailed, steps[1].Status)
	assert.Equal(t, 2, steps[1].RetryCount)
	assert.Contains(t, steps[1].ErrorDetails, pkgerrors.ErrRetryBudgetExhausted.Error())
}

func TestExecuteStepTimeoutFailsStep(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	exec := newFakeExecutor()
	exec.hangOn[1] = true
	cfg := testConfig()
	cfg.StepTimeout = 20 * time.Millisecond
	cfg.StepRetryBudget = 0
	sod := newSOD(t, state, exec, cfg)

	res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationFailed, res.Status)

	steps := stepsByServiceID(t, state, res.OperationID)
	assert.Equal(t, models.StepFailed, steps[1].Status)
	assert.Contains(t, steps[1].ErrorDetails, pkgerrors.ErrStepTimeout.Error())
}

func TestCancelSkipsRemainingPhases(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 3)...)
	exec := newFakeExecutor()
	exec.hangOn[1] = true
	exec.started = make(chan int64, 3)
	cfg := testConfig()
	cfg.StepTimeout = 200 * time.Millisecond
	sod := newSOD(t, state, exec, cfg)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
		done <- outcome{res, err}
	}()

	// Cancel while the first step is in flight; it is allowed to finish
	// (here: time out), then no further phase starts.
	<-exec.started
	var opID string
	require.Eventually(t, func() bool {
		state.mu.Lock()
		defer state.mu.Unlock()
		for id := range state.ops {
			opID = id
		}
		return opID != ""
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, sod.Cancel(opID))

	out := <-done
	require.NoError(t, out.err)
	// The hanging first step times out and fails the operation before the
	// cancellation point is reached, or the cancel lands first. Either way
	// no later phase may run.
	for _, id := range exec.callsFor(ActionStart) {
		assert.Equal(t, int64(1), id, "no service beyond the first may start")
	}
	assert.NotEqual(t, models.OperationCompleted, out.res.Status)
}

// gateDescriptors holds every ListByEnvironment call until all expected
// callers have arrived, forcing concurrent requests through preflight together.
type gateDescriptors struct {
	inner DescriptorStore
	gate  *sync.WaitGroup
}

func (g gateDescriptors) ListByEnvironment(ctx context.Context, environment string) ([]models.ServiceDescriptor, error) {
	g.gate.Done()
	g.gate.Wait()
	return g.inner.ListByEnvironment(ctx, environment)
}

// holdExecutor blocks every call until released.
type holdExecutor struct{ release chan struct{} }

func (h holdExecutor) Execute(context.Context, int64, Action) (ActionResult, error) {
	<-h.release
	return ActionResult{Succeeded: true, Detail: "ok"}, nil
}

func TestConcurrentExecuteSameEnvironmentPersistsOneOperation(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	var gate sync.WaitGroup
	gate.Add(2)
	exec := holdExecutor{release: make(chan struct{})}
	sod := NewSODOrchestrator(
		gateDescriptors{memDescriptors{state}, &gate}, memOperations{state}, memSteps{state},
		exec, nil, testConfig(), zaptest.NewLogger(t))

	results := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, err := sod.Execute(context.Background(), Request{Environment: "uat"})
			results <- err
		}()
	}

	// The loser returns while the winner is still held inside the executor.
	err := <-results
	assert.ErrorIs(t, err, pkgerrors.ErrOperationInProgress)

	close(exec.release)
	require.NoError(t, <-results)

	state.mu.Lock()
	defer state.mu.Unlock()
	require.Len(t, state.ops, 1)
	for _, op := range state.ops {
		assert.Equal(t, models.OperationCompleted, op.Status, "no record may be stranded in Initiated")
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	sod := newSOD(t, state, newFakeExecutor(), testConfig())
	assert.ErrorIs(t, sod.Cancel("nope"), pkgerrors.ErrOperationNotActive)
}

func TestExecuteRefusesHardCycle(t *testing.T) {
	descs := []models.ServiceDescriptor{
		{ID: 1, Name: "a", Environment: "uat", Dependencies: []models.DependencyRef{{ServiceID: 2, Kind: models.DependencyHard}}},
		{ID: 2, Name: "b", Environment: "uat", Dependencies: []models.DependencyRef{{ServiceID: 1, Kind: models.DependencyHard}}},
	}
	state := newMemState(descs...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat", Force: true})
	assert.ErrorIs(t, err, pkgerrors.ErrCircularDependency)
	assert.NotEmpty(t, res.Errors)
	assert.Empty(t, exec.calls)
	assert.Empty(t, state.ops, "no operation record may be created")
}

func TestExecuteForceOverridesDanglingReference(t *testing.T) {
	descs := []models.ServiceDescriptor{
		{ID: 1, Name: "a", Environment: "uat", Dependencies: []models.DependencyRef{{ServiceID: 99, Kind: models.DependencyHard}}},
	}
	state := newMemState(descs...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	_, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	assert.ErrorIs(t, err, pkgerrors.ErrValidationFailed)

	res, err := sod.Execute(context.Background(), Request{Environment: "uat", Force: true})
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
}

func TestExecuteUnknownEnvironment(t *testing.T) {
	state := newMemState()
	sod := newSOD(t, state, newFakeExecutor(), testConfig())
	_, err := sod.Execute(context.Background(), Request{Environment: "ghost"})
	assert.ErrorIs(t, err, pkgerrors.ErrUnknownEnvironment)
}

func TestEODUsesStopActions(t *testing.T) {
	state := newMemState(func() []models.ServiceDescriptor {
		descs := chainDescriptors("uat", 2)
		for i := range descs {
			descs[i].SODCritical = false
			descs[i].EODCritical = true
		}
		return descs
	}()...)
	exec := newFakeExecutor()
	eod := NewEODOrchestrator(
		memDescriptors{state}, memOperations{state}, memSteps{state},
		exec, nil, testConfig(), zaptest.NewLogger(t))

	res, err := eod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
	assert.Equal(t, []int64{1, 2}, exec.callsFor(ActionStop))
	assert.Empty(t, exec.callsFor(ActionStart))
}

func TestExecuteCutoffWaitsThenRuns(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	exec := newFakeExecutor()
	eod := NewEODOrchestrator(
		memDescriptors{state}, memOperations{state}, memSteps{state},
		exec, nil, testConfig(), zaptest.NewLogger(t))

	begin := time.Now()
	cutoff := begin.Add(30 * time.Millisecond)
	res, err := eod.ExecuteCutoff(context.Background(), Request{Environment: "uat"}, cutoff)
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
	assert.GreaterOrEqual(t, time.Since(begin), 30*time.Millisecond)

	op, err := memOperations{state}.GetByID(context.Background(), res.OperationID)
	require.NoError(t, err)
	assert.Equal(t, "cutoff", op.InitiationMethod)
}

func TestServiceFilterRestrictsPlan(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 3)...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat", ServiceFilter: []int64{1}})
	require.NoError(t, err)
	assert.Equal(t, models.OperationCompleted, res.Status)
	assert.Equal(t, []int64{1}, exec.callsFor(ActionStart))
}

func TestRollbackUndoesCompletedSteps(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 3)...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)
	require.Equal(t, models.OperationCompleted, res.Status)

	require.NoError(t, sod.Rollback(context.Background(), res.OperationID))
	assert.Equal(t, []int64{3, 2, 1}, exec.callsFor(ActionStop))
}

func TestRollbackUnknownOperation(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	sod := newSOD(t, state, newFakeExecutor(), testConfig())

	err := sod.Rollback(context.Background(), "no-such-operation")
	assert.ErrorIs(t, err, pkgerrors.ErrOperationNotFound)
}

func TestRollbackWrongOperationType(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	exec := newFakeExecutor()
	sod := newSOD(t, state, exec, testConfig())

	res, err := sod.Execute(context.Background(), Request{Environment: "uat"})
	require.NoError(t, err)

	eod := NewEODOrchestrator(
		memDescriptors{state}, memOperations{state}, memSteps{state},
		exec, nil, testConfig(), zaptest.NewLogger(t))
	assert.ErrorIs(t, eod.Rollback(context.Background(), res.OperationID), pkgerrors.ErrOperationNotFound)
}

func TestRollbackRefusesNonTerminalOperation(t *testing.T) {
	state := newMemState(chainDescriptors("uat", 1)...)
	sod := newSOD(t, state, newFakeExecutor(), testConfig())

	op := models.Operation{ID: "op-1", Type: models.OperationSOD, Status: models.OperationRunning}
	require.NoError(t, memOperations{state}.Create(context.Background(), &op))

	err := sod.Rollback(context.Background(), "op-1")
	assert.ErrorIs(t, err, pkgerrors.ErrInvalidTransition)
}
