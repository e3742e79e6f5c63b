package scheduler

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtest/flowtest/pkg/errs"
	"github.com/flowtest/flowtest/pkg/executor"
	"github.com/flowtest/flowtest/pkg/models"
	"github.com/flowtest/flowtest/pkg/resources"
	"github.com/flowtest/flowtest/pkg/state"
	"github.com/flowtest/flowtest/pkg/transport"
)

// recordingTransport answers REST steps with scripted outcomes and records
// the order steps arrive in.
type recordingTransport struct {
	mu       sync.Mutex
	order    []string
	outcomes map[string]func(ctx context.Context) error
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{outcomes: make(map[string]func(ctx context.Context) error)}
}

func (r *recordingTransport) Type() models.StepType {
	return models.StepTypeREST
}

func (r *recordingTransport) Invoke(ctx context.Context, step *models.TestStep) (*transport.Response, error) {
	r.mu.Lock()
	r.order = append(r.order, step.ID)
	outcome := r.outcomes[step.ID]
	r.mu.Unlock()

	if outcome != nil {
		if err := outcome(ctx); err != nil {
			return nil, err
		}
	}

	return &transport.Response{StatusCode: 200, Data: map[string]any{"ok": true}}, nil
}

func (r *recordingTransport) recorded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.order...)
}

type schedulerFixture struct {
	scheduler *Scheduler
	resources *resources.Manager
	state     *state.Manager
	transport *recordingTransport
}

func newFixture(t *testing.T, opts Options, pool map[models.ResourceType]int) *schedulerFixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	if pool == nil {
		pool = map[models.ResourceType]int{models.ResourceTypeAPI: 4}
	}

	resourceManager := resources.NewManager(resources.Config{Resources: pool}, logger)
	t.Cleanup(resourceManager.Stop)

	stateManager := state.NewManager(state.Config{}, logger)
	t.Cleanup(stateManager.Stop)

	recording := newRecordingTransport()

	registry := transport.NewRegistry()
	registry.Register(recording)

	flowExecutor := executor.NewFlowExecutor(registry, resourceManager, stateManager, nil, logger, nil)

	flowScheduler := NewScheduler(flowExecutor, resourceManager, stateManager, nil, logger, nil, opts)
	flowScheduler.Start(context.Background())
	t.Cleanup(flowScheduler.Stop)

	return &schedulerFixture{
		scheduler: flowScheduler,
		resources: resourceManager,
		state:     stateManager,
		transport: recording,
	}
}

func singleStepFlow(flowID, stepID string, priority int) *models.TestFlow {
	return &models.TestFlow{
		ID:       flowID,
		Priority: priority,
		Steps: []*models.TestStep{{
			ID:   stepID,
			Type: models.StepTypeREST,
			REST: &models.RESTStepConfig{Method: "GET", URL: "https://api.example.com/users"},
		}},
	}
}

func TestSubmitFlowRunsToCompletion(t *testing.T) {
	fixture := newFixture(t, Options{}, nil)

	executionID, err := fixture.scheduler.SubmitFlow(context.Background(), singleStepFlow("flow-1", "step-1", 0))

	require.NoError(t, err)
	require.NotEmpty(t, executionID)

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(executionID)

		return current != nil && current.Status == models.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	finalState := fixture.state.GetCurrentState(executionID)
	assert.Equal(t, 100, finalState.Progress)
	assert.Equal(t, "flow-1", finalState.FlowID)
}

func TestSubmitFlowValidatesBeforeAdmission(t *testing.T) {
	fixture := newFixture(t, Options{}, nil)

	executionID, err := fixture.scheduler.SubmitFlow(context.Background(), &models.TestFlow{ID: "flow-1"})

	require.Error(t, err)
	assert.Empty(t, executionID)
	assert.Empty(t, fixture.transport.recorded())
}

func TestSubmitBeforeStart(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	resourceManager := resources.NewManager(resources.Config{
		Resources: map[models.ResourceType]int{models.ResourceTypeAPI: 1},
	}, logger)
	t.Cleanup(resourceManager.Stop)

	stateManager := state.NewManager(state.Config{}, logger)
	t.Cleanup(stateManager.Stop)

	registry := transport.NewRegistry()
	registry.Register(newRecordingTransport())

	flowExecutor := executor.NewFlowExecutor(registry, resourceManager, stateManager, nil, logger, nil)
	flowScheduler := NewScheduler(flowExecutor, resourceManager, stateManager, nil, logger, nil, Options{})

	_, err := flowScheduler.SubmitFlow(context.Background(), singleStepFlow("flow-1", "step-1", 0))

	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestRunAllExecutesInPriorityOrder(t *testing.T) {
	fixture := newFixture(t, Options{MaxConcurrentFlows: 1}, nil)

	flows := []*models.TestFlow{
		singleStepFlow("flow-low", "step-low", 1),
		singleStepFlow("flow-high", "step-high", 9),
		singleStepFlow("flow-mid", "step-mid", 5),
	}

	executionIDs, err := fixture.scheduler.RunAll(context.Background(), flows)

	require.NoError(t, err)
	require.Len(t, executionIDs, 3)

	assert.Equal(t, []string{"step-high", "step-mid", "step-low"}, fixture.transport.recorded())

	for _, executionID := range executionIDs {
		current := fixture.state.GetCurrentState(executionID)

		require.NotNil(t, current)
		assert.Equal(t, models.ExecutionStatusCompleted, current.Status)
	}
}

func TestRunAllStableForEqualPriorities(t *testing.T) {
	fixture := newFixture(t, Options{MaxConcurrentFlows: 1}, nil)

	flows := []*models.TestFlow{
		singleStepFlow("flow-a", "step-a", 3),
		singleStepFlow("flow-b", "step-b", 3),
		singleStepFlow("flow-c", "step-c", 3),
	}

	_, err := fixture.scheduler.RunAll(context.Background(), flows)

	require.NoError(t, err)
	assert.Equal(t, []string{"step-a", "step-b", "step-c"}, fixture.transport.recorded())
}

func TestRunAllRecordsIndividualFailures(t *testing.T) {
	fixture := newFixture(t, Options{}, nil)

	fixture.transport.outcomes["step-bad"] = func(context.Context) error {
		return errs.NewNetworkError("rest.Invoke", "connection refused", nil)
	}

	good := singleStepFlow("flow-good", "step-good", 0)
	bad := singleStepFlow("flow-bad", "step-bad", 0)
	bad.Config.Retry = models.RetryConfig{MaxAttempts: 3}

	executionIDs, err := fixture.scheduler.RunAll(context.Background(), []*models.TestFlow{bad, good})

	require.NoError(t, err)
	require.Len(t, executionIDs, 2)

	badState := fixture.state.GetCurrentState(executionIDs[0])
	require.NotNil(t, badState)
	assert.Equal(t, models.ExecutionStatusFailed, badState.Status)
	assert.Contains(t, badState.Error, "step step-bad failed")

	badMetrics := fixture.state.GetMetrics(executionIDs[0])
	require.NotNil(t, badMetrics)
	assert.Equal(t, 3, badMetrics.StepResults["step-bad"].Attempts)

	goodState := fixture.state.GetCurrentState(executionIDs[1])
	require.NotNil(t, goodState)
	assert.Equal(t, models.ExecutionStatusCompleted, goodState.Status)

	// Resources from both runs are back in the pool.
	assert.Equal(t, 0, fixture.resources.Status().Allocated)
}

func TestFlowTimeout(t *testing.T) {
	fixture := newFixture(t, Options{}, nil)

	fixture.transport.outcomes["step-slow"] = func(ctx context.Context) error {
		<-ctx.Done()

		return errs.NewNetworkError("rest.Invoke", "interrupted", ctx.Err())
	}

	flow := singleStepFlow("flow-slow", "step-slow", 0)
	flow.Config.TimeoutMs = 50

	executionID, err := fixture.scheduler.SubmitFlow(context.Background(), flow)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(executionID)

		return current != nil && current.Status == models.ExecutionStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, fixture.state.GetCurrentState(executionID).Error, "timed out")
	assert.Equal(t, 0, fixture.resources.Status().Allocated)
}

func TestCancelQueuedFlow(t *testing.T) {
	fixture := newFixture(t, Options{MaxConcurrentFlows: 1}, nil)

	release := make(chan struct{})
	fixture.transport.outcomes["step-blocker"] = func(context.Context) error {
		<-release

		return nil
	}

	blocker, err := fixture.scheduler.SubmitFlow(context.Background(), singleStepFlow("flow-blocker", "step-blocker", 0))
	require.NoError(t, err)

	// The blocker occupies the single worker, so this one stays queued.
	queued, err := fixture.scheduler.SubmitFlow(context.Background(), singleStepFlow("flow-queued", "step-queued", 0))
	require.NoError(t, err)

	fixture.scheduler.Cancel(queued)
	close(release)

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(queued)

		return current != nil && current.Status == models.ExecutionStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, fixture.state.GetCurrentState(queued).Error, "cancelled")
	assert.NotContains(t, fixture.transport.recorded(), "step-queued")

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(blocker)

		return current != nil && current.Status == models.ExecutionStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCancelRunningFlow(t *testing.T) {
	fixture := newFixture(t, Options{}, nil)

	started := make(chan struct{})
	fixture.transport.outcomes["step-running"] = func(ctx context.Context) error {
		close(started)
		<-ctx.Done()

		return errs.NewNetworkError("rest.Invoke", "interrupted", ctx.Err())
	}

	executionID, err := fixture.scheduler.SubmitFlow(context.Background(), singleStepFlow("flow-running", "step-running", 0))
	require.NoError(t, err)

	<-started
	fixture.scheduler.Cancel(executionID)

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(executionID)

		return current != nil && current.Status == models.ExecutionStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, fixture.resources.Status().Allocated)
}

func TestAllocationFailureAfterReattempt(t *testing.T) {
	// A pool without database resources can never serve a database step.
	fixture := newFixture(t, Options{}, map[models.ResourceType]int{models.ResourceTypeAPI: 1})

	flow := &models.TestFlow{
		ID: "flow-db",
		Steps: []*models.TestStep{{
			ID:       "step-db",
			Type:     models.StepTypeDatabase,
			Database: &models.DatabaseStepConfig{Query: "SELECT 1"},
		}},
	}

	executionID, err := fixture.scheduler.SubmitFlow(context.Background(), flow)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		current := fixture.state.GetCurrentState(executionID)

		return current != nil && current.Status == models.ExecutionStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	assert.Contains(t, fixture.state.GetCurrentState(executionID).Error, "insufficient resources")
	assert.Empty(t, fixture.transport.recorded())
}

func TestConcurrencyBound(t *testing.T) {
	fixture := newFixture(t, Options{MaxConcurrentFlows: 2}, map[models.ResourceType]int{models.ResourceTypeAPI: 10})

	var mu sync.Mutex

	running, peak := 0, 0
	block := make(chan struct{})

	for _, stepID := range []string{"step-1", "step-2", "step-3", "step-4", "step-5"} {
		fixture.transport.outcomes[stepID] = func(context.Context) error {
			mu.Lock()
			running++
			if running > peak {
				peak = running
			}
			mu.Unlock()

			<-block

			mu.Lock()
			running--
			mu.Unlock()

			return nil
		}
	}

	flows := []*models.TestFlow{
		singleStepFlow("flow-1", "step-1", 0),
		singleStepFlow("flow-2", "step-2", 0),
		singleStepFlow("flow-3", "step-3", 0),
		singleStepFlow("flow-4", "step-4", 0),
		singleStepFlow("flow-5", "step-5", 0),
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		_, _ = fixture.scheduler.RunAll(context.Background(), flows)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()

		return running == 2
	}, 2*time.Second, 10*time.Millisecond)

	close(block)
	<-done

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, peak)
}
