// Package state implements the execution state store: per-execution status,
// progress and metrics with conditional transitions and staleness cleanup.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flowtest/flowtest/pkg/models"
)

const (
	defaultRetentionWindow = 30 * time.Minute
	defaultSweepInterval   = time.Minute
)

// Config tunes retention and sweeping.
type Config struct {
	// RetentionWindow is how long a state survives without updates. Terminal
	// states are kept for the full window to allow result polling.
	RetentionWindow time.Duration

	// SweepInterval is how often the staleness sweep runs.
	SweepInterval time.Duration
}

// Transition is a deferred state change registered with
// ScheduleStateTransition. If Timeout is set the transition is forced once
// it elapses regardless of the condition.
type Transition struct {
	From      models.ExecutionStatus
	To        models.ExecutionStatus
	Timeout   time.Duration
	Condition func(*models.ExecutionState) bool
}

// Update overwrites the status of one execution.
type Update struct {
	ExecutionID string
	Status      models.ExecutionStatus
	Error       string
}

// Partial carries the metric fields TrackExecution merges into the stored
// metrics for an execution.
type Partial struct {
	StepResults map[string]*models.StepResult
	EndTime     *time.Time
	DurationMs  *int64
	Progress    *int
}

// entry holds one execution's state and metrics behind its own lock, so
// different executions never contend and reads of one id are never torn.
type entry struct {
	mu          sync.Mutex
	state       models.ExecutionState
	metrics     models.FlowExecutionMetrics
	transitions []*Transition
}

// Manager is the execution state store. Mutations to one id are atomic with
// respect to reads of the same id.
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*entry

	retention     time.Duration
	sweepInterval time.Duration
	logger        *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewManager creates the store.
func NewManager(config Config, logger *slog.Logger) *Manager {
	if config.RetentionWindow <= 0 {
		config.RetentionWindow = defaultRetentionWindow
	}

	if config.SweepInterval <= 0 {
		config.SweepInterval = defaultSweepInterval
	}

	return &Manager{
		entries:       make(map[string]*entry),
		retention:     config.RetentionWindow,
		sweepInterval: config.SweepInterval,
		logger:        logger.With("module", "state_manager"),
		stopCh:        make(chan struct{}),
	}
}

// InitializeState creates a PENDING state for the execution of the given
// flow. It returns false (and logs) if the id is empty or already tracked;
// callers must not reuse execution ids.
func (m *Manager) InitializeState(executionID, flowID string) bool {
	if executionID == "" {
		m.logger.Error("Cannot initialize state without an execution id")

		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.entries[executionID]; exists {
		m.logger.Error("State already initialized", "executionId", executionID)

		return false
	}

	now := time.Now()
	m.entries[executionID] = &entry{
		state: models.ExecutionState{
			ExecutionID: executionID,
			FlowID:      flowID,
			Status:      models.ExecutionStatusPending,
			StartTime:   now,
			LastUpdate:  now,
		},
		metrics: models.FlowExecutionMetrics{
			StartTime:   now,
			StepResults: make(map[string]*models.StepResult),
		},
	}

	return true
}

// UpdateState overwrites status and refreshes the update stamp. It fails if
// the state was never initialized. A COMPLETED status always carries
// progress 100 so readers never observe a torn terminal state.
func (m *Manager) UpdateState(update Update) error {
	e := m.lookup(update.ExecutionID)
	if e == nil {
		return fmt.Errorf("no state for execution %s: initialize first", update.ExecutionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.state.Status = update.Status
	e.state.LastUpdate = time.Now()

	if update.Error != "" {
		e.state.Error = update.Error
		e.state.ErrorCount++
	}

	if update.Status == models.ExecutionStatusCompleted {
		e.state.Progress = 100
		e.state.Error = ""
	}

	m.applyTransitionsLocked(e)

	return nil
}

// TrackExecution merges partial metrics into the stored metrics, refreshes
// the update stamp and fires any pending conditional transition.
func (m *Manager) TrackExecution(executionID string, partial Partial) error {
	e := m.lookup(executionID)
	if e == nil {
		return fmt.Errorf("no state for execution %s: initialize first", executionID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for stepID, result := range partial.StepResults {
		e.metrics.StepResults[stepID] = result
	}

	if partial.EndTime != nil {
		e.metrics.EndTime = *partial.EndTime
	}

	if partial.DurationMs != nil {
		e.metrics.DurationMs = *partial.DurationMs
	}

	if partial.Progress != nil {
		e.state.Progress = clampProgress(*partial.Progress)
	}

	e.state.LastUpdate = time.Now()

	m.applyTransitionsLocked(e)

	return nil
}

// ScheduleStateTransition registers a deferred transition for the
// execution. The transition fires on the next tracked update once its
// condition holds, or unconditionally when its timeout elapses.
func (m *Manager) ScheduleStateTransition(executionID string, transition Transition) error {
	e := m.lookup(executionID)
	if e == nil {
		return fmt.Errorf("no state for execution %s: initialize first", executionID)
	}

	e.mu.Lock()
	t := transition
	e.transitions = append(e.transitions, &t)
	e.mu.Unlock()

	if transition.Timeout > 0 {
		time.AfterFunc(transition.Timeout, func() {
			m.forceTransition(executionID, &t)
		})
	}

	return nil
}

// GetCurrentState returns a copy of the execution's state, or nil if the id
// is unknown or already swept.
func (m *Manager) GetCurrentState(executionID string) *models.ExecutionState {
	e := m.lookup(executionID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	state := e.state

	return &state
}

// GetMetrics returns a copy of the execution's metrics, or nil if unknown.
func (m *Manager) GetMetrics(executionID string) *models.FlowExecutionMetrics {
	e := m.lookup(executionID)
	if e == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	metrics := e.metrics
	metrics.StepResults = make(map[string]*models.StepResult, len(e.metrics.StepResults))

	for stepID, result := range e.metrics.StepResults {
		copied := *result
		metrics.StepResults[stepID] = &copied
	}

	return &metrics
}

// Start runs the staleness sweep until the context ends or Stop is called.
// The sweep is the only deletion path; there is no explicit delete API.
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweep()
			}
		}
	}()
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

func (m *Manager) lookup(executionID string) *entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.entries[executionID]
}

// applyTransitionsLocked fires pending transitions whose source state and
// condition match. Caller holds e.mu.
func (m *Manager) applyTransitionsLocked(e *entry) {
	remaining := e.transitions[:0]

	for _, t := range e.transitions {
		if e.state.Status != t.From {
			remaining = append(remaining, t)

			continue
		}

		if t.Condition != nil && !t.Condition(&e.state) {
			remaining = append(remaining, t)

			continue
		}

		e.state.Status = t.To
		if t.To == models.ExecutionStatusCompleted {
			e.state.Progress = 100
		}
	}

	e.transitions = remaining
}

// forceTransition applies a transition after its timeout elapsed, skipping
// the condition. The source state must still match.
func (m *Manager) forceTransition(executionID string, t *Transition) {
	e := m.lookup(executionID)
	if e == nil {
		return
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, pending := range e.transitions {
		if pending != t {
			continue
		}

		e.transitions = append(e.transitions[:i], e.transitions[i+1:]...)

		if e.state.Status == t.From {
			e.state.Status = t.To
			e.state.LastUpdate = time.Now()

			if t.To == models.ExecutionStatusCompleted {
				e.state.Progress = 100
			}

			m.logger.Debug("Forced scheduled transition",
				"executionId", executionID,
				"from", t.From,
				"to", t.To,
			)
		}

		return
	}
}

// sweep deletes every state whose last update is older than the retention
// window.
func (m *Manager) sweep() {
	cutoff := time.Now().Add(-m.retention)

	m.mu.Lock()
	defer m.mu.Unlock()

	for executionID, e := range m.entries {
		e.mu.Lock()
		stale := e.state.LastUpdate.Before(cutoff)
		e.mu.Unlock()

		if stale {
			delete(m.entries, executionID)
			m.logger.Debug("Swept stale execution state", "executionId", executionID)
		}
	}
}

func clampProgress(progress int) int {
	if progress < 0 {
		return 0
	}

	if progress > 100 {
		return 100
	}

	return progress
}
