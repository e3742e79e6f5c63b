package state

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowtest/flowtest/pkg/models"
)

func newTestManager(t *testing.T, config Config) *Manager {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	manager := NewManager(config, logger)

	t.Cleanup(manager.Stop)

	return manager
}

func TestInitializeState(t *testing.T) {
	manager := newTestManager(t, Config{})

	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	state := manager.GetCurrentState("exec-1")

	require.NotNil(t, state)
	assert.Equal(t, "exec-1", state.ExecutionID)
	assert.Equal(t, "flow-1", state.FlowID)
	assert.Equal(t, models.ExecutionStatusPending, state.Status)
	assert.Equal(t, 0, state.Progress)
}

func TestInitializeStateRejectsDuplicates(t *testing.T) {
	manager := newTestManager(t, Config{})

	require.True(t, manager.InitializeState("exec-1", "flow-1"))
	assert.False(t, manager.InitializeState("exec-1", "flow-1"))
	assert.False(t, manager.InitializeState("", "flow-1"))
}

func TestUpdateStateUnknownExecution(t *testing.T) {
	manager := newTestManager(t, Config{})

	err := manager.UpdateState(Update{ExecutionID: "missing", Status: models.ExecutionStatusRunning})

	assert.Error(t, err)
}

func TestUpdateStateTracksErrors(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusRunning,
	}))
	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusFailed,
		Error:       "step step-2 failed",
	}))

	state := manager.GetCurrentState("exec-1")

	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusFailed, state.Status)
	assert.Equal(t, "step step-2 failed", state.Error)
	assert.Equal(t, 1, state.ErrorCount)
}

func TestCompletedAlwaysFullProgress(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	progress := 40
	require.NoError(t, manager.TrackExecution("exec-1", Partial{Progress: &progress}))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusCompleted,
	}))

	state := manager.GetCurrentState("exec-1")

	require.NotNil(t, state)
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
	assert.Empty(t, state.Error)
}

func TestTrackExecutionMergesMetrics(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	progress := 50
	require.NoError(t, manager.TrackExecution("exec-1", Partial{
		StepResults: map[string]*models.StepResult{
			"step-1": {StepID: "step-1", Success: true, Attempts: 1, DurationMs: 12},
		},
		Progress: &progress,
	}))

	duration := int64(250)
	end := time.Now()
	require.NoError(t, manager.TrackExecution("exec-1", Partial{
		StepResults: map[string]*models.StepResult{
			"step-2": {StepID: "step-2", Success: false, Attempts: 3, Error: "timeout"},
		},
		EndTime:    &end,
		DurationMs: &duration,
	}))

	metrics := manager.GetMetrics("exec-1")

	require.NotNil(t, metrics)
	assert.Len(t, metrics.StepResults, 2)
	assert.Equal(t, int64(250), metrics.DurationMs)
	assert.True(t, metrics.StepResults["step-1"].Success)
	assert.False(t, metrics.StepResults["step-2"].Success)

	state := manager.GetCurrentState("exec-1")
	assert.Equal(t, 50, state.Progress)
}

func TestTrackExecutionClampsProgress(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	over := 150
	require.NoError(t, manager.TrackExecution("exec-1", Partial{Progress: &over}))
	assert.Equal(t, 100, manager.GetCurrentState("exec-1").Progress)

	under := -5
	require.NoError(t, manager.TrackExecution("exec-1", Partial{Progress: &under}))
	assert.Equal(t, 0, manager.GetCurrentState("exec-1").Progress)
}

func TestGetMetricsReturnsCopy(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	require.NoError(t, manager.TrackExecution("exec-1", Partial{
		StepResults: map[string]*models.StepResult{
			"step-1": {StepID: "step-1", Success: true},
		},
	}))

	metrics := manager.GetMetrics("exec-1")
	metrics.StepResults["step-1"].Success = false

	assert.True(t, manager.GetMetrics("exec-1").StepResults["step-1"].Success)
}

func TestScheduledTransitionFiresOnCondition(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusRunning,
	}))

	require.NoError(t, manager.ScheduleStateTransition("exec-1", Transition{
		From: models.ExecutionStatusRunning,
		To:   models.ExecutionStatusCompleted,
		Condition: func(state *models.ExecutionState) bool {
			return state.Progress >= 100
		},
	}))

	half := 50
	require.NoError(t, manager.TrackExecution("exec-1", Partial{Progress: &half}))
	assert.Equal(t, models.ExecutionStatusRunning, manager.GetCurrentState("exec-1").Status)

	full := 100
	require.NoError(t, manager.TrackExecution("exec-1", Partial{Progress: &full}))

	state := manager.GetCurrentState("exec-1")
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
	assert.Equal(t, 100, state.Progress)
}

func TestScheduledTransitionForcedAfterTimeout(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusRunning,
	}))

	require.NoError(t, manager.ScheduleStateTransition("exec-1", Transition{
		From:    models.ExecutionStatusRunning,
		To:      models.ExecutionStatusFailed,
		Timeout: 30 * time.Millisecond,
		Condition: func(*models.ExecutionState) bool {
			return false
		},
	}))

	require.Eventually(t, func() bool {
		return manager.GetCurrentState("exec-1").Status == models.ExecutionStatusFailed
	}, time.Second, 10*time.Millisecond)
}

func TestForcedTransitionSkippedWhenStateMoved(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusRunning,
	}))

	require.NoError(t, manager.ScheduleStateTransition("exec-1", Transition{
		From:    models.ExecutionStatusRunning,
		To:      models.ExecutionStatusFailed,
		Timeout: 30 * time.Millisecond,
	}))

	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusCompleted,
	}))

	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, models.ExecutionStatusCompleted, manager.GetCurrentState("exec-1").Status)
}

func TestSweepRemovesStaleStates(t *testing.T) {
	manager := newTestManager(t, Config{
		RetentionWindow: 40 * time.Millisecond,
		SweepInterval:   10 * time.Millisecond,
	})

	require.True(t, manager.InitializeState("exec-1", "flow-1"))
	require.NoError(t, manager.UpdateState(Update{
		ExecutionID: "exec-1",
		Status:      models.ExecutionStatusCompleted,
	}))

	manager.Start(context.Background())

	require.Eventually(t, func() bool {
		return manager.GetCurrentState("exec-1") == nil
	}, time.Second, 10*time.Millisecond)

	assert.Nil(t, manager.GetMetrics("exec-1"))
}

func TestConcurrentUpdatesSameExecution(t *testing.T) {
	manager := newTestManager(t, Config{})
	require.True(t, manager.InitializeState("exec-1", "flow-1"))

	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			progress := n * 2
			_ = manager.TrackExecution("exec-1", Partial{Progress: &progress})
			_ = manager.GetCurrentState("exec-1")
		}(i)
	}

	wg.Wait()

	state := manager.GetCurrentState("exec-1")

	require.NotNil(t, state)
	assert.GreaterOrEqual(t, state.Progress, 0)
	assert.LessOrEqual(t, state.Progress, 100)
}
